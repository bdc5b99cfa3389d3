package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-fleet/internal/audit"
	"github.com/nerrad567/gray-logic-fleet/internal/delivery"
	"github.com/nerrad567/gray-logic-fleet/internal/detector"
	"github.com/nerrad567/gray-logic-fleet/internal/gateway"
	"github.com/nerrad567/gray-logic-fleet/internal/identity"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-fleet/internal/posture"
	"github.com/nerrad567/gray-logic-fleet/internal/provisioning"
	"github.com/nerrad567/gray-logic-fleet/internal/rules"
	"github.com/nerrad567/gray-logic-fleet/internal/shadow"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
//
// Logger, Identities, Provisioner and Sessions are required. Every other
// component is optional: its routes are only mounted when it is set.
type Deps struct {
	Config   config.APIConfig
	Gateway  config.GatewayConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	DB       *database.DB
	Metrics  *metrics.Metrics
	MQTT     *mqtt.Client

	Identities  *identity.Store
	Claims      *provisioning.Issuer
	Provisioner *provisioning.Provisioner
	Sessions    *gateway.Gateway
	Router      *rules.Router
	RuleStore   *rules.Store
	Shadows     *shadow.Store
	Deliverer   *delivery.Deliverer
	DeadLetters *delivery.DeadLetterStore
	Detectors   *detector.Engine
	Posture     *posture.Monitor
	Audit       *audit.Store

	Hub     *Hub // If set, the server uses this hub instead of creating its own
	Version string
}

// Server is the HTTP API server for fleetd.
//
// It manages the HTTP listener, routes, middleware, and the operator
// websocket hub. The server is created with New() and started with Start().
type Server struct {
	cfg     config.APIConfig
	gwCfg   config.GatewayConfig
	secCfg  config.SecurityConfig
	logger  *logging.Logger
	db      *database.DB
	metrics *metrics.Metrics
	mqtt    *mqtt.Client

	identities  *identity.Store
	claims      *provisioning.Issuer
	provisioner *provisioning.Provisioner
	sessions    *gateway.Gateway
	router      *rules.Router
	ruleStore   *rules.Store
	shadows     *shadow.Store
	deliverer   *delivery.Deliverer
	deadLetters *delivery.DeadLetterStore
	detectors   *detector.Engine
	posture     *posture.Monitor
	audit       *audit.Store

	version   string
	startTime time.Time
	server    *http.Server
	hub       *Hub
	ownHub    bool // false when the hub was injected and is run by the caller
	tickets   *ticketStore
	verified  sync.Map // sha256 digests of accepted operator tokens
	cancel    context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Identities == nil {
		return nil, fmt.Errorf("identity store is required")
	}
	if deps.Provisioner == nil {
		return nil, fmt.Errorf("provisioner is required")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("gateway is required")
	}

	s := &Server{
		cfg:         deps.Config,
		gwCfg:       deps.Gateway,
		secCfg:      deps.Security,
		logger:      deps.Logger.Component("api"),
		db:          deps.DB,
		metrics:     deps.Metrics,
		mqtt:        deps.MQTT,
		identities:  deps.Identities,
		claims:      deps.Claims,
		provisioner: deps.Provisioner,
		sessions:    deps.Sessions,
		router:      deps.Router,
		ruleStore:   deps.RuleStore,
		shadows:     deps.Shadows,
		deliverer:   deps.Deliverer,
		deadLetters: deps.DeadLetters,
		detectors:   deps.Detectors,
		posture:     deps.Posture,
		audit:       deps.Audit,
		version:     deps.Version,
		startTime:   time.Now(),
		hub:         deps.Hub,
		tickets:     newTicketStore(),
	}
	if s.hub == nil {
		s.hub = NewHub(HubConfigFrom(deps.Gateway), deps.Logger)
		s.ownHub = true
	}
	return s, nil
}

// Hub returns the operator websocket hub, for wiring notifications.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It starts the websocket hub (unless injected) and ticket cleanup, builds the router and
// launches the listener in a background goroutine. The server can be
// stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.ownHub {
		go s.hub.Run(srvCtx)
	}
	go s.tickets.cleanLoop(srvCtx)

	tlsCfg, err := s.tlsConfig()
	if err != nil {
		return err
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		TLSConfig:         tlsCfg,
		// Hijacked device sessions outlive Shutdown; deriving request
		// contexts from srvCtx ends them on Close.
		BaseContext:       func(net.Listener) context.Context { return srvCtx },
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
				"client_ca", s.cfg.TLS.ClientCAFile,
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

// tlsConfig requests (but does not require) client certificates when a
// client CA is configured, so devices may authenticate with either a
// certificate or a session token.
func (s *Server) tlsConfig() (*tls.Config, error) {
	if !s.cfg.TLS.Enabled || s.cfg.TLS.ClientCAFile == "" {
		return nil, nil //nolint:nilnil // plain listener needs no TLS config
	}
	pem, err := os.ReadFile(s.cfg.TLS.ClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("reading client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("client CA %s contains no certificates", s.cfg.TLS.ClientCAFile)
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		ClientAuth: tls.VerifyClientCertIfGiven,
		ClientCAs:  pool,
	}, nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Cancel background goroutines (hub, ticket cleanup)
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
