package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/relayhub/internal/device"
	"github.com/nerrad567/relayhub/internal/devicesync"
	"github.com/nerrad567/relayhub/internal/dispatch"
	"github.com/nerrad567/relayhub/internal/infrastructure/config"
	"github.com/nerrad567/relayhub/internal/infrastructure/logging"
	"github.com/nerrad567/relayhub/internal/infrastructure/metrics"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Observer channels.
const (
	ChannelStateChanged = "device.state_changed"
	ChannelDeleted      = "device.deleted"
)

// HealthChecker is implemented by every backing service the health endpoint
// reports on.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// BrokerStatus reports the MQTT connection state.
type BrokerStatus interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Logger  *logging.Logger
	Service *devicesync.Service
	// Acker completes commands acknowledged over a device session.
	// Optional; without it acks are ignored.
	Acker   devicesync.Acker
	Broker  BrokerStatus
	Metrics *metrics.Metrics
	// Checks are reported by /health, keyed by component name.
	Checks  map[string]HealthChecker
	Version string
}

// Server is the HTTP API server for relayhub.
//
// It manages the HTTP listener, routes, middleware, the observer hub and
// the device sessions. The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	svc       *devicesync.Service
	acker     devicesync.Acker
	broker    BrokerStatus
	metrics   *metrics.Metrics
	checks    map[string]HealthChecker
	version   string
	startTime time.Time
	server    *http.Server
	hub       *Hub
	sessions  *SessionTable
	cancel    context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The hub and session table exist from construction, so the server can be
// registered as a change notifier and route resolver before Start.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Service == nil {
		return nil, fmt.Errorf("device service is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		svc:       deps.Service,
		acker:     deps.Acker,
		broker:    deps.Broker,
		metrics:   deps.Metrics,
		checks:    deps.Checks,
		version:   deps.Version,
		startTime: time.Now(),
	}
	s.hub = NewHub(s.wsCfg, s.logger, s.metrics)
	s.sessions = NewSessionTable(s.logger, s.metrics)
	return s, nil
}

// Sessions returns the live device sessions. It satisfies
// dispatch.SessionLookup for the command route resolver.
func (s *Server) Sessions() *SessionTable { return s.sessions }

// SetAcker sets who completes commands acknowledged over a device session.
// Call it before Start.
func (s *Server) SetAcker(a devicesync.Acker) { s.acker = a }

// Hub returns the observer hub.
func (s *Server) Hub() *Hub { return s.hub }

// DeviceChanged implements devicesync.Notifier. It pushes the committed
// record to the device's own session and broadcasts it to observers.
// Both sends are non-blocking.
func (s *Server) DeviceChanged(c device.Change) {
	if c.Kind == device.ChangeDeleted {
		s.hub.Broadcast(ChannelDeleted, map[string]string{"id": c.DeviceID})
		return
	}
	s.sessions.PushState(c.Record)
	s.hub.Broadcast(ChannelStateChanged, c.Record)
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and launches the HTTP listener in a
// background goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Context for cancellation of background goroutines
//
// Returns:
//   - error: If the server fails to start
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go func() {
		<-srvCtx.Done()
		s.sessions.CloseAll()
	}()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
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

var _ dispatch.SessionLookup = (*SessionTable)(nil)
