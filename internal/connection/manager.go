// ABOUTME: Accepts WebSocket connections, tracks the live set and dispatches inbound frames.
// ABOUTME: Provides send, broadcast and graceful shutdown over every tracked connection.

package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/2389/toolhub/internal/auth"
	"github.com/2389/toolhub/internal/events"
	"github.com/2389/toolhub/internal/protocol"
)

// Defaults applied by NewManager.
const (
	DefaultPath              = "/ws"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultMaxMessageBytes   = 1 << 20
)

// notReadyEnvelope is written when no Processor is installed.
var notReadyEnvelope = []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"protocol handler not ready"}}`)

// ErrAlreadyStarted indicates Start was called twice.
var ErrAlreadyStarted = errors.New("connection manager already started")

// Processor turns an inbound frame into an optional reply.
type Processor interface {
	ProcessMessage(ctx context.Context, raw []byte) []byte
}

// Config contains configuration options for the Manager.
type Config struct {
	Addr     string
	Path     string
	Listener net.Listener
	Mux      *http.ServeMux

	Verifier auth.TokenVerifier

	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
	RateLimit         float64
	RateBurst         int

	Processor Processor
	Observer  events.Observer
	OnOpen    func(*Connection)
	OnClose   func(*Connection)
	Logger    *slog.Logger
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, raw []byte) []byte

func (f ProcessorFunc) ProcessMessage(ctx context.Context, raw []byte) []byte { return f(ctx, raw) }

type processorHolder struct{ p Processor }

// Manager coordinates every live WebSocket connection.
type Manager struct {
	cfg       Config
	logger    *slog.Logger
	processor atomic.Pointer[processorHolder]

	mu    sync.RWMutex
	conns map[string]*Connection

	stateMu  sync.Mutex
	started  bool
	stopped  bool
	listener net.Listener
	server   *http.Server
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a Manager with defaults applied.
func NewManager(cfg Config) *Manager {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.RateLimit > 0 && cfg.RateBurst <= 0 {
		cfg.RateBurst = max(1, int(cfg.RateLimit))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:    cfg,
		logger: logger.With("component", "connection"),
		conns:  make(map[string]*Connection),
		stopCh: make(chan struct{}),
	}
	if cfg.Processor != nil {
		m.SetProcessor(cfg.Processor)
	}
	return m
}

// SetProcessor installs the frame processor.
func (m *Manager) SetProcessor(p Processor) {
	m.processor.Store(&processorHolder{p: p})
}

// Start binds the listener and begins serving the WebSocket endpoint along
// with any routes already on the configured mux.
func (m *Manager) Start() error {
	return m.StartOn(m.cfg.Listener)
}

// StartOn serves on ln. A nil ln binds Config.Addr over TCP.
func (m *Manager) StartOn(ln net.Listener) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}

	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", m.cfg.Addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", m.cfg.Addr, err)
		}
	}

	mux := m.cfg.Mux
	if mux == nil {
		mux = http.NewServeMux()
	}
	mux.Handle(m.cfg.Path, m)

	m.listener = ln
	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	m.started = true

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("http server error", "error", err)
		}
	}()

	m.wg.Add(1)
	go m.heartbeat()

	m.logger.Info("accepting websocket connections",
		"addr", ln.Addr().String(),
		"path", m.cfg.Path,
		"auth", m.cfg.Verifier != nil,
	)
	return nil
}

// Addr returns the bound address, or "" before Start.
func (m *Manager) Addr() string {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// ServeHTTP upgrades the request to a WebSocket connection and runs its
// read loop until the connection ends.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var authCtx *auth.AuthContext
	if m.cfg.Verifier != nil {
		a, err := auth.Authenticate(r, m.cfg.Verifier)
		if err != nil {
			m.logger.Warn("websocket authentication failed",
				"remote_addr", r.RemoteAddr,
				"error", err,
			)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		authCtx = a
	}

	m.stateMu.Lock()
	if m.stopped {
		m.stateMu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	m.wg.Add(1)
	m.stateMu.Unlock()
	defer m.wg.Done()

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket accept failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(m.cfg.MaxMessageBytes)

	var limiter *rate.Limiter
	if m.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(m.cfg.RateLimit), m.cfg.RateBurst)
	}

	conn := newConnection(uuid.New().String(), r.RemoteAddr, ws, limiter)
	if authCtx != nil {
		conn.SetMetadata(MetadataPrincipal, authCtx.PrincipalID)
	}
	m.add(conn)

	m.readLoop(conn, authCtx)
}

func (m *Manager) add(conn *Connection) {
	m.mu.Lock()
	m.conns[conn.ID] = conn
	total := len(m.conns)
	m.mu.Unlock()

	m.logger.Info("=== CONNECTION OPENED ===",
		"connection_id", conn.ID,
		"remote_addr", conn.RemoteAddr,
		"principal", conn.Principal(),
		"total_connections", total,
	)

	if m.cfg.OnOpen != nil {
		m.runHook("on_open", m.cfg.OnOpen, conn)
	}
	events.Notify(conn.ctx, m.cfg.Observer, events.New(events.ConnectionOpened, "connection", map[string]any{
		"connection_id": conn.ID,
		"remote_addr":   conn.RemoteAddr,
		"principal":     conn.Principal(),
	}))
}

func (m *Manager) readLoop(conn *Connection, authCtx *auth.AuthContext) {
	frameCtx := WithInfo(conn.ctx, conn.Info())
	if authCtx != nil {
		frameCtx = auth.WithAuth(frameCtx, authCtx)
	}

	for {
		typ, data, err := conn.ws.Read(conn.ctx)
		if err != nil {
			reason := "read error"
			switch status := websocket.CloseStatus(err); {
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
				reason = "closed by peer"
			case status == websocket.StatusMessageTooBig:
				reason = "message too big"
			case errors.Is(err, context.Canceled):
				reason = "closed by hub"
			}
			m.logger.Debug("read loop ended", "connection_id", conn.ID, "reason", reason, "error", err)
			m.terminate(conn, reason)
			return
		}

		if typ != websocket.MessageText {
			m.write(conn, protocol.NewErrorResponse(nil,
				protocol.NewError(protocol.CodeInvalidRequest, "binary frames are not supported", nil)))
			continue
		}

		if conn.limiter != nil {
			head := peekFrame(data)
			// Responses answer requests the hub sent, so they are never charged.
			if !head.isResponse() && !conn.limiter.Allow() {
				m.rejectRateLimited(conn, head)
				continue
			}
		}

		m.wg.Add(1)
		go func(frame []byte) {
			defer m.wg.Done()
			m.handleFrame(frameCtx, conn, frame)
		}(data)
	}
}

func (m *Manager) handleFrame(ctx context.Context, conn *Connection, frame []byte) {
	var reply []byte
	if h := m.processor.Load(); h != nil && h.p != nil {
		reply = h.p.ProcessMessage(ctx, frame)
	} else {
		reply = notReadyEnvelope
	}
	if reply != nil {
		m.write(conn, reply)
	}
}

// frameHead holds the routing fields of a frame.
type frameHead struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

// peekFrame decodes the routing fields of a frame. Unparseable frames yield
// an empty head and are left for the dispatcher to report.
func peekFrame(frame []byte) frameHead {
	var head frameHead
	_ = json.Unmarshal(frame, &head)
	return head
}

func (h frameHead) isResponse() bool {
	return h.Method == "" && len(h.ID) > 0 && !bytes.Equal(bytes.TrimSpace(h.ID), []byte("null"))
}

// rejectRateLimited answers requests over the limit. Notifications are
// dropped without a reply.
func (m *Manager) rejectRateLimited(conn *Connection, head frameHead) {
	m.logger.Warn("rate limit exceeded", "connection_id", conn.ID, "method", head.Method)
	if head.Method == "" || len(head.ID) == 0 {
		return
	}
	m.write(conn, protocol.NewErrorResponse(head.ID,
		protocol.NewError(protocol.CodeRateLimited, "rate limit exceeded", nil)))
}

// write sends one text frame with the configured write timeout.
func (m *Manager) write(conn *Connection, data []byte) error {
	if !conn.Open() {
		return net.ErrClosed
	}
	ctx, cancel := context.WithTimeout(conn.ctx, m.cfg.WriteTimeout)
	defer cancel()
	if err := conn.ws.Write(ctx, websocket.MessageText, data); err != nil {
		m.logger.Warn("write failed", "connection_id", conn.ID, "error", err)
		m.terminate(conn, "write failed")
		return err
	}
	return nil
}

// Send writes text to the connection. It reports false when the id is
// unknown, the link is closed, or the write fails.
func (m *Manager) Send(connID string, text []byte) bool {
	conn, ok := m.Get(connID)
	if !ok {
		return false
	}
	return m.write(conn, text) == nil
}

// Broadcast writes text to every open connection accepted by filter (nil
// accepts all) and returns the number of successful writes.
func (m *Manager) Broadcast(text []byte, filter func(*Connection) bool) int {
	var sent atomic.Int64
	var wg sync.WaitGroup
	for _, conn := range m.snapshot() {
		if filter != nil && !filter(conn) {
			continue
		}
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if m.write(c, text) == nil {
				sent.Add(1)
			}
		}(conn)
	}
	wg.Wait()
	return int(sent.Load())
}

// IsOpen reports whether connID is tracked and open.
func (m *Manager) IsOpen(connID string) bool {
	conn, ok := m.Get(connID)
	return ok && conn.Open()
}

// Get returns the tracked connection with the given id.
func (m *Manager) Get(connID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

func (m *Manager) snapshot() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// CloseAll closes every connection with a normal-closure status and waits
// for the close handshakes. The listener keeps running.
func (m *Manager) CloseAll(reason string) int {
	conns := m.snapshot()
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			m.closeConnection(c, reason, true)
		}(conn)
	}
	wg.Wait()
	return len(conns)
}

// Stop closes every connection, stops the heartbeat, waits for in-flight
// frame handlers and shuts the HTTP server down. Safe to call repeatedly.
func (m *Manager) Stop(ctx context.Context) error {
	m.stateMu.Lock()
	if m.stopped {
		m.stateMu.Unlock()
		return nil
	}
	m.stopped = true
	close(m.stopCh)
	server := m.server
	m.stateMu.Unlock()

	closed := m.CloseAll("server shutting down")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connection handlers: %w", ctx.Err()))
	}

	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	m.logger.Info("connection manager stopped", "connections_closed", closed)
	return errors.Join(errs...)
}

// terminate drops a connection without a close handshake.
func (m *Manager) terminate(conn *Connection, reason string) {
	m.closeConnection(conn, reason, false)
}

func (m *Manager) closeConnection(conn *Connection, reason string, graceful bool) {
	if !conn.closed.CompareAndSwap(false, true) {
		return
	}

	m.mu.Lock()
	delete(m.conns, conn.ID)
	total := len(m.conns)
	m.mu.Unlock()

	if graceful {
		_ = conn.ws.Close(websocket.StatusNormalClosure, reason)
	} else {
		_ = conn.ws.CloseNow()
	}
	conn.cancel()

	m.logger.Info("=== CONNECTION CLOSED ===",
		"connection_id", conn.ID,
		"principal", conn.Principal(),
		"reason", reason,
		"duration", time.Since(conn.ConnectedAt).Round(time.Millisecond),
		"total_connections", total,
	)

	if m.cfg.OnClose != nil {
		m.runHook("on_close", m.cfg.OnClose, conn)
	}
	events.Notify(context.Background(), m.cfg.Observer, events.New(events.ConnectionClosed, "connection", map[string]any{
		"connection_id": conn.ID,
		"principal":     conn.Principal(),
		"reason":        reason,
	}))
}

func (m *Manager) runHook(name string, hook func(*Connection), conn *Connection) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connection hook panicked", "hook", name, "connection_id", conn.ID, "panic", fmt.Sprint(r))
		}
	}()
	hook(conn)
}
