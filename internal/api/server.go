package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/conduit-hub/conduit-core/internal/cache"
	"github.com/conduit-hub/conduit-core/internal/conn"
	"github.com/conduit-hub/conduit-core/internal/device"
	"github.com/conduit-hub/conduit-core/internal/infrastructure/config"
	"github.com/conduit-hub/conduit-core/internal/infrastructure/logging"
	"github.com/conduit-hub/conduit-core/internal/message"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	Logger   *logging.Logger
	Registry *device.Registry
	Devices  device.Repository
	Router   *message.Router
	Conn     *conn.Manager
	Cache    *cache.Cache
	HubID    string
	Version  string
}

// Server is the HTTP API server for Conduit Core.
//
// It owns the HTTP listener, routes, and middleware. The server is created
// with New() and started with Start(). All methods are safe for concurrent
// use.
type Server struct {
	cfg      config.APIConfig
	logger   *logging.Logger
	registry *device.Registry
	devices  device.Repository
	router   *message.Router
	conn     *conn.Manager
	cache    *cache.Cache
	hubID    string
	version  string
	server   *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device repository is required")
	}
	if deps.Router == nil {
		return nil, fmt.Errorf("message router is required")
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	// Conn is optional: without it the command endpoint and the device
	// WebSocket endpoint return errors, but reads and Submit still work.

	return &Server{
		cfg:      deps.Config,
		logger:   deps.Logger,
		registry: deps.Registry,
		devices:  deps.Devices,
		router:   deps.Router,
		conn:     deps.Conn,
		cache:    deps.Cache,
		hubID:    deps.HubID,
		version:  deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// The listener runs in a background goroutine; stop it with Close().
func (s *Server) Start(ctx context.Context) error {
	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete, then
// forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
