// Package credentials reads private registry credentials from an INI file
// with an [authentication] section holding username and authtoken keys.
package credentials

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/go-ini/ini"
)

// ErrMissing is returned when the credentials file lacks a username or token.
var ErrMissing = errors.New("registry credentials missing")

type Credentials struct {
	Username string
	Token    string
	Registry string
}

// Provider supplies registry credentials for image pulls.
type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// FileProvider loads credentials from an INI file on every call so that a
// rotated token is picked up by a long-running service.
type FileProvider struct {
	Path     string
	Section  string
	Registry string
}

func NewFileProvider(path, section, registry string) *FileProvider {
	if section == "" {
		section = "authentication"
	}
	return &FileProvider{Path: path, Section: section, Registry: registry}
}

func (p *FileProvider) Credentials(ctx context.Context) (Credentials, error) {
	if strings.TrimSpace(p.Path) == "" {
		return Credentials{}, fmt.Errorf("%w: no credentials file configured", ErrMissing)
	}

	file, err := ini.Load(p.Path)
	if err != nil {
		return Credentials{}, fmt.Errorf("load credentials %s: %w", p.Path, err)
	}

	section, err := file.GetSection(p.Section)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: no [%s] section in %s", ErrMissing, p.Section, p.Path)
	}

	creds := Credentials{
		Username: strings.TrimSpace(section.Key("username").String()),
		Token:    strings.TrimSpace(section.Key("authtoken").String()),
		Registry: p.Registry,
	}
	if creds.Username == "" || creds.Token == "" {
		return creds, fmt.Errorf("%w: username and authtoken are both required", ErrMissing)
	}
	return creds, nil
}

// Static returns fixed credentials; mostly useful in tests.
type Static Credentials

func (s Static) Credentials(ctx context.Context) (Credentials, error) {
	if s.Username == "" || s.Token == "" {
		return Credentials(s), ErrMissing
	}
	return Credentials(s), nil
}

// DockerConfig is the registry auth document consumed by workflow engines
// that pull the submission image themselves.
type DockerConfig struct {
	DockerAuth     string `json:"docker_auth"`
	DockerRegistry string `json:"docker_registry"`
}

// mimeLineLength is the line width of MIME base64 output.
const mimeLineLength = 76

// NewDockerConfig encodes "username:token" the way MIME base64 encoders do:
// lines of at most 76 characters, each terminated by a newline.
func NewDockerConfig(creds Credentials) (DockerConfig, error) {
	if creds.Username == "" && creds.Token == "" {
		return DockerConfig{}, fmt.Errorf("%w: config file must have username and authtoken", ErrMissing)
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(creds.Username + ":" + creds.Token))

	var b strings.Builder
	for len(encoded) > mimeLineLength {
		b.WriteString(encoded[:mimeLineLength])
		b.WriteByte('\n')
		encoded = encoded[mimeLineLength:]
	}
	b.WriteString(encoded)
	b.WriteByte('\n')

	return DockerConfig{
		DockerAuth:     b.String(),
		DockerRegistry: creds.Registry,
	}, nil
}
