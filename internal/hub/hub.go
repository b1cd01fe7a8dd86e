// ABOUTME: Hub orchestrator wiring the catalog, router, dispatcher and connection manager
// ABOUTME: Owns the listener (TCP or tailnet), health endpoints, history store and shutdown order

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"tailscale.com/tsnet"

	"github.com/2389/toolhub/internal/auth"
	"github.com/2389/toolhub/internal/catalog"
	"github.com/2389/toolhub/internal/config"
	"github.com/2389/toolhub/internal/connection"
	"github.com/2389/toolhub/internal/events"
	"github.com/2389/toolhub/internal/invoke"
	"github.com/2389/toolhub/internal/metrics"
	"github.com/2389/toolhub/internal/protocol"
	"github.com/2389/toolhub/internal/store"
)

// ErrAlreadyStarted indicates Start was called twice.
var ErrAlreadyStarted = errors.New("hub already started")

const (
	shutdownTimeout = 5 * time.Second
	pruneInterval   = time.Hour
)

// Hub orchestrates the toolhub server components.
type Hub struct {
	config *config.Config
	logger *slog.Logger

	catalog    *catalog.Catalog
	router     *invoke.Router
	dispatcher *protocol.Dispatcher
	conns      *connection.Manager
	bindings   *bindingTable
	observer   events.Observer
	metrics    *metrics.Metrics
	mux        *http.ServeMux

	// history is nil when no database is configured
	history  *store.SQLiteStore
	recorder *store.Recorder

	tsnetServer *tsnet.Server

	started      atomic.Bool
	stopCh       chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a hub from cfg. Nothing listens until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		config: cfg,
		logger: logger.With("component", "hub"),
		mux:    http.NewServeMux(),
		stopCh: make(chan struct{}),
	}

	observers := []events.Observer{events.NewSlogObserver(logger.With("component", "events"))}
	if cfg.Metrics.Enabled {
		h.metrics = metrics.New(nil)
		observers = append(observers, h.metrics)
	}
	if cfg.Database.Path != "" {
		history, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		h.history = history
		h.recorder = store.NewRecorder(history, logger, 0)
		observers = append(observers, h.recorder)
	}
	h.observer = events.NewMulti(observers...)

	catalogCfg := catalog.Config{Logger: logger, Observer: h.observer}
	if cfg.Tools.StrictSchema {
		catalogCfg.Validator = catalog.NewSchemaValidator()
	}
	h.catalog = catalog.New(catalogCfg)

	h.bindings = newBindingTable(cfg.Agents.ReconnectGracePeriod, h.expireAgent)

	var verifier auth.TokenVerifier
	if cfg.Auth.Enabled {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			_ = h.closeHistory()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
	}

	h.conns = connection.NewManager(connection.Config{
		Addr:              cfg.Server.Addr(),
		Path:              cfg.Server.Path,
		Mux:               h.mux,
		Verifier:          verifier,
		HeartbeatInterval: cfg.Connections.HeartbeatInterval,
		WriteTimeout:      cfg.Connections.WriteTimeout,
		MaxMessageBytes:   cfg.Server.MaxMessageBytes,
		RateLimit:         cfg.Connections.RateLimit,
		RateBurst:         cfg.Connections.RateBurst,
		Observer:          h.observer,
		OnClose:           h.handleDisconnect,
		Logger:            logger,
	})

	h.router = invoke.NewRouter(invoke.RouterConfig{
		Catalog:     h.catalog,
		Connections: h.conns,
		Bindings:    h.bindings,
		Timeout:     cfg.Invocations.Timeout,
		ExpiredTTL:  cfg.Invocations.ExpiredIDTTL,
		Logger:      logger,
		Observer:    h.observer,
	})

	h.dispatcher = protocol.NewDispatcher(logger)
	h.registerHandlers()
	h.dispatcher.SetResponseHandler(h.router.HandleResponse)
	h.conns.SetProcessor(h.dispatcher)

	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/ready", h.handleReady)
	if h.metrics != nil {
		h.mux.Handle("GET "+cfg.Metrics.Path, h.metrics.Handler())
	}

	return h, nil
}

// Start binds the listener and begins accepting connections.
func (h *Hub) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ln, err := h.setupListener(ctx)
	if err != nil {
		h.started.Store(false)
		return err
	}
	if err := h.conns.StartOn(ln); err != nil {
		h.started.Store(false)
		return fmt.Errorf("starting connection manager: %w", err)
	}

	if h.history != nil && h.config.Database.Retention > 0 {
		h.wg.Add(1)
		go h.pruneLoop()
	}

	h.logger.Info("hub started",
		"addr", h.conns.Addr(),
		"path", h.config.Server.Path,
		"auth", h.config.Auth.Enabled,
		"strict_schema", h.config.Tools.StrictSchema,
		"history", h.history != nil,
	)
	return nil
}

// Run starts the hub and blocks until ctx is cancelled, then shuts down.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		_ = h.gracefulShutdown()
		return err
	}

	<-ctx.Done()

	return h.gracefulShutdown()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The caller's context is already cancelled at this point.
func (h *Hub) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.Shutdown(ctx)
}

// Addr returns the bound listen address, or "" before Start.
func (h *Hub) Addr() string {
	return h.conns.Addr()
}

// Shutdown closes every connection with a normal closure, rejects pending
// invocations, releases the listener and closes the store. Safe to call
// more than once.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		h.logger.Info("shutting down hub")
		close(h.stopCh)

		closed := h.conns.CloseAll("server shutting down")
		cleared := h.router.ClearPending()

		var errs []error
		errs = appendCloseError(errs, "connection manager", h.conns.Stop(ctx))
		if h.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", h.tsnetServer.Close())
		}

		h.bindings.Close()
		h.wg.Wait()
		errs = appendCloseError(errs, "store close", h.closeHistory())
		h.router.Close()

		h.logger.Info("hub stopped", "connections_closed", closed, "invocations_cancelled", cleared)
		h.shutdownErr = errors.Join(errs...)
	})
	return h.shutdownErr
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func (h *Hub) closeHistory() error {
	if h.recorder != nil {
		h.recorder.Close()
	}
	if h.history != nil {
		return h.history.Close()
	}
	return nil
}

// handleDisconnect runs when any connection closes. Agents bound to it lose
// their binding at once and start their reconnect grace period; invocations
// already sent down it fail without waiting for the timeout.
func (h *Hub) handleDisconnect(conn *connection.Connection) {
	released := h.bindings.Release(conn.ID)
	failed := h.router.FailConnection(conn.ID)
	if len(released) == 0 && failed == 0 {
		return
	}
	h.logger.Info("agent connection lost",
		"connection_id", conn.ID,
		"agents", released,
		"invocations_failed", failed,
		"grace_period", h.config.Agents.ReconnectGracePeriod,
	)
}

// expireAgent removes the tools of an agent that did not reconnect in time.
func (h *Hub) expireAgent(agentID string) {
	removed := h.catalog.UnregisterAll(agentID)
	h.logger.Info("agent did not reconnect, tools removed",
		"agent_id", agentID,
		"tools", removed,
	)
}

func (h *Hub) pruneLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	h.prune()
	for {
		select {
		case <-ticker.C:
			h.prune()
		case <-h.stopCh:
			return
		}
	}
}

func (h *Hub) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cutoff := time.Now().Add(-h.config.Database.Retention)
	n, err := h.history.PruneInvocations(ctx, cutoff)
	if err != nil {
		h.logger.Error("failed to prune invocation history", "error", err)
		return
	}
	if n > 0 {
		h.logger.Info("pruned invocation history", "removed", n, "cutoff", cutoff)
	}
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (h *Hub) setupListener(ctx context.Context) (net.Listener, error) {
	if h.config.Tailscale.Enabled {
		return h.setupTailscaleListener(ctx)
	}
	ln, err := net.Listen("tcp", h.config.Server.Addr())
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", h.config.Server.Addr(), err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "toolhub", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on the configured port.
func (h *Hub) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := h.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	h.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	h.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := h.tsnetServer.Up(ctx)
	if err != nil {
		_ = h.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	h.logger.Info("tailscale node ready", "hostname", tsCfg.Hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)

	port := h.config.Server.Port
	if port == 0 {
		port = 80
	}
	ln, err := h.tsnetServer.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		_ = h.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale port %d: %w", port, err)
	}
	return ln, nil
}

// handleHealth returns 200 OK if the server is alive.
func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 once the hub is accepting connections.
func (h *Hub) handleReady(w http.ResponseWriter, r *http.Request) {
	if !h.started.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not started"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connections, %d tools, %d pending)",
		h.conns.Count(), h.catalog.Count(), h.router.PendingCount())
}
