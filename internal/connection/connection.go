// ABOUTME: A single tracked WebSocket connection with liveness flag and metadata
// ABOUTME: Info carries connection identity through frame-handling contexts

package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

// MetadataPrincipal is the metadata key holding the verified principal.
const MetadataPrincipal = "principal"

// Connection is one accepted WebSocket link.
type Connection struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	ws      *websocket.Conn
	limiter *rate.Limiter
	alive   atomic.Bool
	closed  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	metadata map[string]string
}

func newConnection(id, remoteAddr string, ws *websocket.Conn, limiter *rate.Limiter) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		ID:          id,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		ws:          ws,
		limiter:     limiter,
		ctx:         ctx,
		cancel:      cancel,
		metadata:    make(map[string]string),
	}
	c.alive.Store(true)
	return c
}

// Metadata returns the value stored under key.
func (c *Connection) Metadata(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.metadata[key]
	return v, ok
}

// SetMetadata stores value under key.
func (c *Connection) SetMetadata(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Principal returns the verified principal, or "" when unauthenticated.
func (c *Connection) Principal() string {
	p, _ := c.Metadata(MetadataPrincipal)
	return p
}

// Alive reports whether the most recent liveness probe was acknowledged.
func (c *Connection) Alive() bool {
	return c.alive.Load()
}

// Open reports whether the connection has not been closed.
func (c *Connection) Open() bool {
	return !c.closed.Load()
}

// Info returns the identity carried in frame contexts.
func (c *Connection) Info() Info {
	return Info{
		ConnectionID: c.ID,
		RemoteAddr:   c.RemoteAddr,
		Principal:    c.Principal(),
	}
}

// Info identifies the connection a frame arrived on.
type Info struct {
	ConnectionID string
	RemoteAddr   string
	Principal    string
}

type infoKey struct{}

// WithInfo attaches connection info to ctx.
func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// InfoFromContext returns the connection info carried by ctx.
func InfoFromContext(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(infoKey{}).(Info)
	return info, ok
}
