package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/scenehost/internal/api/http"
	"github.com/GriffinCanCode/scenehost/internal/api/middleware"
	"github.com/GriffinCanCode/scenehost/internal/api/ws"
	"github.com/GriffinCanCode/scenehost/internal/domain/plugin"
	"github.com/GriffinCanCode/scenehost/internal/infrastructure/config"
	"github.com/GriffinCanCode/scenehost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/scenehost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/scenehost/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/scenehost/internal/sandbox"
	"github.com/GriffinCanCode/scenehost/internal/shared/utils"
	"github.com/GriffinCanCode/scenehost/internal/source"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	config  *config.Config
	logger  *logging.Logger
	metrics *monitoring.Metrics
	tracer  *tracing.Tracer
	fetcher *source.Fetcher
	plugins *plugin.Manager
	router  *gin.Engine
	http    *http.Server
}

// SandboxConfig maps the environment settings onto realm limits.
func SandboxConfig(c config.SandboxConfig) sandbox.Config {
	return sandbox.Config{
		ExecTimeout:          c.ExecTimeout,
		LoadTimeout:          c.LoadTimeout,
		MaxCallStackSize:     c.MaxCallStackSize,
		EnableEval:           c.EnableEval,
		ForwardResizeReports: c.ForwardResizeReports,
		SanitizeHTML:         c.SanitizeHTML,
		ConsoleLimit:         c.ConsoleLimit,
	}
}

// SourceConfig maps the environment settings onto the script fetcher.
func SourceConfig(c config.SourceConfig) source.Config {
	return source.Config{
		Timeout:   c.Timeout,
		Retries:   c.Retries,
		MaxBytes:  c.MaxBytes,
		AllowFile: c.AllowFile,
		UserAgent: c.UserAgent,
		RateLimit: c.RateLimit,
	}
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := logging.FromConfig(cfg.Logging.Level, cfg.Logging.Development)

	logger.Info("Initializing scenehost",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("plugins_dir", cfg.Plugins.Dir),
	)

	metrics := monitoring.NewMetrics()
	tracer := tracing.New("scenehost", logger.Logger)
	fetcher := source.New(SourceConfig(cfg.Source), logger.Component("source"), metrics)

	plugins := plugin.NewManager(plugin.Options{
		Sandbox:        SandboxConfig(cfg.Sandbox),
		Fetcher:        fetcher,
		MaxScriptBytes: cfg.Source.MaxBytes,
		Logger:         logger.Logger,
		Metrics:        metrics,
	})

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.CORSFor(cfg.Server.CORSOrigins)))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		limits := middleware.DefaultRateLimitConfig()
		limits.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		limits.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(limits))
	}
	router.Use(middleware.BodyLimit(utils.MaxJSONSize))

	apihttp.NewHandlers(plugins, fetcher, logger.Logger).Register(router)
	router.GET("/instances/:id/stream", ws.NewHandler(plugins, metrics, logger.Logger).HandleConnection)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	logger.Info("Server initialized successfully")

	return &Server{
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		fetcher: fetcher,
		plugins: plugins,
		router:  router,
		http: &http.Server{
			Addr:              cfg.Server.Addr(),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Plugins returns the instance manager.
func (s *Server) Plugins() *plugin.Manager { return s.plugins }

// Install mounts the configured plugin directory and, when enabled, starts watching
// it for script changes until ctx is done.
func (s *Server) Install(ctx context.Context) error {
	dir := s.config.Plugins.Dir
	if dir == "" {
		return nil
	}

	installed, err := s.plugins.Install(ctx, dir)
	s.logger.Info("Installed plugins", zap.String("dir", dir), zap.Int("instances", len(installed)))
	if err != nil {
		if len(installed) == 0 {
			return fmt.Errorf("install plugins from %s: %w", dir, err)
		}
		s.logger.Warn("Some plugins failed to install", zap.Error(err))
	}

	if s.config.Plugins.Watch {
		go func() {
			if err := s.plugins.Watch(ctx, plugin.DefaultDebounce); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("Plugin watcher stopped", zap.Error(err))
			}
		}()
	}
	return nil
}

// Run installs plugins and serves HTTP until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Install(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		_ = s.Close()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	return s.Close()
}

// Close gracefully shuts down the server
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP shutdown failed", zap.Error(err))
		errs = append(errs, fmt.Errorf("shutdown http: %w", err))
	}
	if err := s.plugins.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close plugins: %w", err))
	}
	s.tracer.Close()

	_ = s.logger.Sync()
	return errors.Join(errs...)
}
