// Package config loads evalrunner settings from an optional YAML file and
// EVALRUNNER_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for a single container execution.
const (
	DefaultTimeLimit        = 7200 * time.Second
	DefaultPullTimeout      = 30 * time.Minute
	DefaultCleanupTimeout   = 30 * time.Second
	DefaultMemoryLimit      = "2g"
	DefaultMemorySwapLimit  = "2g"
	DefaultShmSize          = "1g"
	DefaultExpectedOutput   = "predictions.csv"
	DefaultInputMount       = "/input"
	DefaultOutputMount      = "/output"
	DefaultLogCapBytes      = 50_000
	DefaultLogTailLines     = 5
	DefaultRegistry         = "https://docker.synapse.org"
	DefaultResultsFile      = "results.json"
	DefaultCredentialsGroup = "authentication"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Db        DbConfig        `yaml:"db"`
	Docker    DockerConfig    `yaml:"docker"`
	Execution ExecutionConfig `yaml:"execution"`
	Storage   StorageConfig   `yaml:"storage"`
	Workers   WorkersConfig   `yaml:"workers"`
	Limits    LimitsConfig    `yaml:"limits"`
}

// ServerConfig timeouts are in seconds.
type ServerConfig struct {
	Port         string `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`
	WriteTimeout int    `yaml:"write_timeout"`
	IdleTimeout  int    `yaml:"idle_timeout"`
}

type DbConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// Enabled reports whether a database host was configured.
func (d DbConfig) Enabled() bool {
	return strings.TrimSpace(d.Host) != ""
}

type DockerConfig struct {
	Host     string `yaml:"host"`     // empty means DOCKER_HOST / default socket
	Registry string `yaml:"registry"` // registry used for login
	Platform string `yaml:"platform"` // e.g. linux/amd64; empty lets the engine decide
	ShmSize  string `yaml:"shm_size"`
}

type ExecutionConfig struct {
	WorkRoot        string        `yaml:"work_root"`
	TimeLimit       time.Duration `yaml:"time_limit"`
	PullTimeout     time.Duration `yaml:"pull_timeout"`
	CleanupTimeout  time.Duration `yaml:"cleanup_timeout"`
	MemoryLimit     string        `yaml:"memory_limit"`
	MemorySwapLimit string        `yaml:"memory_swap_limit"`
	ExpectedOutput  string        `yaml:"expected_output"`
	InputMount      string        `yaml:"input_mount"`
	OutputMount     string        `yaml:"output_mount"`
	LogCapBytes     int64         `yaml:"log_cap_bytes"`
	LogTailLines    int           `yaml:"log_tail_lines"`
	CredentialsFile string        `yaml:"credentials_file"`

	// InputRoot bounds the input directories accepted over HTTP. serve
	// rejects every submission while it is empty.
	InputRoot string `yaml:"input_root"`
}

type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// Enabled reports whether log storage was configured.
func (s StorageConfig) Enabled() bool {
	return strings.TrimSpace(s.Endpoint) != ""
}

type WorkersConfig struct {
	Count         int `yaml:"count"`
	QueueCapacity int `yaml:"queue_capacity"`
}

type LimitsConfig struct {
	GlobalRPS     float64 `yaml:"global_rps"`
	PerIPRPS      float64 `yaml:"per_ip_rps"`
	PerIPBurst    int     `yaml:"per_ip_burst"`
	MaxConcurrent int     `yaml:"max_concurrent"`

	// TrustProxy makes the limiter key clients by X-Forwarded-For. Enable
	// only behind a proxy that overwrites the header.
	TrustProxy bool `yaml:"trust_proxy"`
}

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  15,
			WriteTimeout: 15,
			IdleTimeout:  60,
		},
		Db: DbConfig{
			Port:    5432,
			Name:    "evalrunner",
			SSLMode: "disable",
		},
		Docker: DockerConfig{
			Registry: DefaultRegistry,
			ShmSize:  DefaultShmSize,
		},
		Execution: ExecutionConfig{
			WorkRoot:        os.TempDir(),
			TimeLimit:       DefaultTimeLimit,
			PullTimeout:     DefaultPullTimeout,
			CleanupTimeout:  DefaultCleanupTimeout,
			MemoryLimit:     DefaultMemoryLimit,
			MemorySwapLimit: DefaultMemorySwapLimit,
			ExpectedOutput:  DefaultExpectedOutput,
			InputMount:      DefaultInputMount,
			OutputMount:     DefaultOutputMount,
			LogCapBytes:     DefaultLogCapBytes,
			LogTailLines:    DefaultLogTailLines,
		},
		Storage: StorageConfig{
			Region: "us-east-1",
			Bucket: "evalrunner-logs",
		},
		Workers: WorkersConfig{
			Count:         2,
			QueueCapacity: 100,
		},
		Limits: LimitsConfig{
			GlobalRPS:     20,
			PerIPRPS:      2,
			PerIPBurst:    5,
			MaxConcurrent: 10,
		},
	}
}

// LoadConfig builds the configuration from defaults, the YAML file at path
// (skipped when path is empty) and the environment.
func LoadConfig(path string) (*Config, error) {
	conf := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, conf); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := conf.applyEnv(); err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) applyEnv() error {
	c.Server.Port = envString("EVALRUNNER_PORT", c.Server.Port)

	c.Db.Host = envString("EVALRUNNER_DB_HOST", c.Db.Host)
	c.Db.User = envString("EVALRUNNER_DB_USER", c.Db.User)
	c.Db.Password = envString("EVALRUNNER_DB_PASSWORD", c.Db.Password)
	c.Db.Name = envString("EVALRUNNER_DB_NAME", c.Db.Name)
	c.Db.SSLMode = envString("EVALRUNNER_DB_SSLMODE", c.Db.SSLMode)

	c.Docker.Host = envString("EVALRUNNER_DOCKER_HOST", c.Docker.Host)
	c.Docker.Registry = envString("EVALRUNNER_DOCKER_REGISTRY", c.Docker.Registry)
	c.Docker.Platform = envString("EVALRUNNER_DOCKER_PLATFORM", c.Docker.Platform)

	c.Execution.WorkRoot = envString("EVALRUNNER_WORK_ROOT", c.Execution.WorkRoot)
	c.Execution.CredentialsFile = envString("EVALRUNNER_CREDENTIALS_FILE", c.Execution.CredentialsFile)
	c.Execution.InputRoot = envString("EVALRUNNER_INPUT_ROOT", c.Execution.InputRoot)
	c.Execution.ExpectedOutput = envString("EVALRUNNER_EXPECTED_OUTPUT", c.Execution.ExpectedOutput)

	c.Storage.Endpoint = envString("EVALRUNNER_STORAGE_ENDPOINT", c.Storage.Endpoint)
	c.Storage.AccessKey = envString("EVALRUNNER_STORAGE_ACCESS_KEY", c.Storage.AccessKey)
	c.Storage.SecretKey = envString("EVALRUNNER_STORAGE_SECRET_KEY", c.Storage.SecretKey)
	c.Storage.Bucket = envString("EVALRUNNER_STORAGE_BUCKET", c.Storage.Bucket)

	var err error
	if c.Db.Port, err = envInt("EVALRUNNER_DB_PORT", c.Db.Port); err != nil {
		return err
	}
	if c.Workers.Count, err = envInt("EVALRUNNER_WORKERS", c.Workers.Count); err != nil {
		return err
	}
	if c.Execution.TimeLimit, err = envDuration("EVALRUNNER_TIME_LIMIT", c.Execution.TimeLimit); err != nil {
		return err
	}
	if c.Execution.PullTimeout, err = envDuration("EVALRUNNER_PULL_TIMEOUT", c.Execution.PullTimeout); err != nil {
		return err
	}
	if c.Storage.UseSSL, err = envBool("EVALRUNNER_STORAGE_USE_SSL", c.Storage.UseSSL); err != nil {
		return err
	}
	if c.Limits.TrustProxy, err = envBool("EVALRUNNER_TRUST_PROXY", c.Limits.TrustProxy); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Execution.TimeLimit <= 0 {
		return errors.New("execution.time_limit must be positive")
	}
	if c.Execution.PullTimeout <= 0 {
		return errors.New("execution.pull_timeout must be positive")
	}
	if c.Execution.CleanupTimeout <= 0 {
		return errors.New("execution.cleanup_timeout must be positive")
	}
	if strings.TrimSpace(c.Execution.ExpectedOutput) == "" {
		return errors.New("execution.expected_output is required")
	}
	if c.Execution.LogCapBytes <= 0 {
		return errors.New("execution.log_cap_bytes must be positive")
	}
	if c.Execution.LogTailLines <= 0 {
		return errors.New("execution.log_tail_lines must be positive")
	}
	if c.Workers.Count <= 0 {
		return errors.New("workers.count must be positive")
	}
	if c.Workers.QueueCapacity <= 0 {
		return errors.New("workers.queue_capacity must be positive")
	}
	if c.Storage.Enabled() {
		if strings.Contains(c.Storage.Endpoint, "://") {
			return fmt.Errorf("storage.endpoint must not include scheme: %q", c.Storage.Endpoint)
		}
		if strings.TrimSpace(c.Storage.Bucket) == "" {
			return errors.New("storage.bucket is required when storage is enabled")
		}
	}
	return nil
}
