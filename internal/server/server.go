package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/itstheanurag/evalrunner/internal/api"
	config "github.com/itstheanurag/evalrunner/internal/config"
	"github.com/itstheanurag/evalrunner/internal/database"
	"github.com/itstheanurag/evalrunner/internal/limiter"
	"github.com/itstheanurag/evalrunner/internal/queue"
	"github.com/itstheanurag/evalrunner/internal/worker"
)

const limiterSweepInterval = 5 * time.Minute

type Server struct {
	conf        *config.Config
	logger      *zerolog.Logger
	httpServer  *http.Server
	router      chi.Router
	db          *database.Database
	queue       *queue.Manager
	workers     []*worker.Worker
	rateLimiter *limiter.RateLimiter
	cancelFunc  context.CancelFunc
	wg          sync.WaitGroup
}

// New wires the HTTP surface and the worker pool around exec. Results go to
// PostgreSQL when a database host is configured and to memory otherwise.
func New(
	conf *config.Config,
	logger *zerolog.Logger,
	exec worker.Runner,
) (*Server, error) {
	var (
		db      *database.Database
		results database.Results
	)
	if conf.Db.Enabled() {
		var err error
		db, err = database.New(conf, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		if err := database.Migrate(context.Background(), db); err != nil {
			db.Close()
			return nil, err
		}
		results = db
	} else {
		logger.Warn().Msg("no database configured; results are kept in memory")
		results = database.NewMemoryResults()
	}

	q := queue.NewManager(conf.Workers.QueueCapacity)
	rl := limiter.NewRateLimiter(
		conf.Limits.GlobalRPS,
		conf.Limits.PerIPRPS,
		conf.Limits.PerIPBurst,
		conf.Limits.MaxConcurrent,
	)
	rl.TrustProxy = conf.Limits.TrustProxy

	handler := api.NewHandler(q, results, conf.Execution, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// submission endpoints with rate limiting
	r.Group(func(r chi.Router) {
		r.Use(rl.Middleware)
		handler.Routes(r)
	})

	httpServer := &http.Server{
		Addr:         ":" + conf.Server.Port,
		Handler:      r,
		ReadTimeout:  time.Duration(conf.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(conf.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(conf.Server.IdleTimeout) * time.Second,
	}

	workers := make([]*worker.Worker, conf.Workers.Count)
	for i := range workers {
		workers[i] = worker.NewWorker(i, exec, q, results, conf.Execution.WorkRoot, logger)
	}

	return &Server{
		conf:        conf,
		logger:      logger,
		httpServer:  httpServer,
		router:      r,
		db:          db,
		queue:       q,
		workers:     workers,
		rateLimiter: rl,
	}, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// StartWorkers launches the worker pool and the limiter sweeper.
func (s *Server) StartWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel

	s.rateLimiter.StartCleanup(ctx, limiterSweepInterval)
	for _, w := range s.workers {
		s.wg.Add(1)
		go func(w *worker.Worker) {
			defer s.wg.Done()
			w.Start(ctx)
		}(w)
	}
}

func (s *Server) Start() error {
	s.logger.Info().
		Str("port", s.conf.Server.Port).
		Int("workers", len(s.workers)).
		Msg("starting HTTP server")

	s.StartWorkers()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	if s.cancelFunc != nil {
		s.cancelFunc()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	// Workers save their in-flight result before the pool is closed.
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("workers did not stop: %w", ctx.Err())
	}

	if s.db != nil {
		s.db.Close()
	}

	return nil
}
