// ABOUTME: WebSocket test peer that can call hub methods and answer tool invocations
// ABOUTME: Shared by the hub end-to-end tests

package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolhub/internal/config"
	"github.com/2389/toolhub/internal/protocol"
)

const callTimeout = 3 * time.Second

// toolFunc answers an invocation. reply=false leaves the call unanswered.
type toolFunc func(name string, args json.RawMessage) (result any, rpcErr *protocol.Error, reply bool)

type testPeer struct {
	t    *testing.T
	conn *websocket.Conn

	mu      sync.Mutex
	waiters map[string]chan protocol.Envelope
	handler toolFunc

	nextID      atomic.Int64
	invocations chan protocol.Envelope
	done        chan struct{}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Agents.ReconnectGracePeriod = time.Minute
	return cfg
}

func startTestHub(t *testing.T, mutate func(*config.Config)) *Hub {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	h, err := New(cfg, discardLogger())
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h
}

func dialPeer(t *testing.T, h *Hub, header http.Header) *testPeer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, "ws://"+h.Addr()+h.config.Server.Path, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)

	p := &testPeer{
		t:           t,
		conn:        c,
		waiters:     make(map[string]chan protocol.Envelope),
		invocations: make(chan protocol.Envelope, 32),
		done:        make(chan struct{}),
	}
	go p.readLoop()
	t.Cleanup(func() { _ = c.CloseNow() })
	return p
}

func (p *testPeer) serve(fn toolFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = fn
}

func (p *testPeer) readLoop() {
	defer close(p.done)
	for {
		_, data, err := p.conn.Read(context.Background())
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		if env.Method != "" && env.HasID() {
			p.invocations <- env
			p.mu.Lock()
			fn := p.handler
			p.mu.Unlock()
			if fn != nil {
				go p.answer(env, fn)
			}
			continue
		}

		p.mu.Lock()
		ch, ok := p.waiters[protocol.IDKey(env.ID)]
		delete(p.waiters, protocol.IDKey(env.ID))
		p.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (p *testPeer) answer(env protocol.Envelope, fn toolFunc) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	_ = json.Unmarshal(env.Params, &params)

	result, rpcErr, reply := fn(params.Name, params.Arguments)
	if !reply {
		return
	}
	var frame []byte
	if rpcErr != nil {
		frame = protocol.NewErrorResponse(env.ID, rpcErr)
	} else {
		var err error
		frame, err = protocol.NewResult(env.ID, result)
		if err != nil {
			return
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = p.conn.Write(ctx, websocket.MessageText, frame)
}

// call sends a request and waits for the matching response.
func (p *testPeer) call(method string, params any) protocol.Envelope {
	p.t.Helper()
	id := fmt.Sprintf("req-%d", p.nextID.Add(1))
	ch := make(chan protocol.Envelope, 1)

	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()

	frame, err := protocol.NewRequest(id, method, params, "")
	require.NoError(p.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(p.t, p.conn.Write(ctx, websocket.MessageText, frame))

	select {
	case env := <-ch:
		return env
	case <-time.After(callTimeout):
		p.t.Fatalf("no response to %s within %v", method, callTimeout)
		return protocol.Envelope{}
	}
}

// callAsync runs call in a goroutine; the result arrives on the channel.
func (p *testPeer) callAsync(method string, params any) <-chan protocol.Envelope {
	out := make(chan protocol.Envelope, 1)
	id := fmt.Sprintf("async-%d", p.nextID.Add(1))
	ch := make(chan protocol.Envelope, 1)

	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()

	frame, err := protocol.NewRequest(id, method, params, "")
	require.NoError(p.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(p.t, p.conn.Write(ctx, websocket.MessageText, frame))

	go func() {
		select {
		case env := <-ch:
			out <- env
		case <-time.After(callTimeout):
			close(out)
		}
	}()
	return out
}

func (p *testPeer) nextInvocation() protocol.Envelope {
	p.t.Helper()
	select {
	case env := <-p.invocations:
		return env
	case <-time.After(callTimeout):
		p.t.Fatal("no invocation delivered")
		return protocol.Envelope{}
	}
}

func (p *testPeer) close() {
	_ = p.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (p *testPeer) register(tools ...map[string]any) registerResult {
	p.t.Helper()
	env := p.call(MethodRegister, map[string]any{"tools": tools})
	require.Nil(p.t, env.Error, "register failed: %+v", env.Error)
	var res registerResult
	require.NoError(p.t, json.Unmarshal(env.Result, &res))
	return res
}

func sumTool(agentID string) map[string]any {
	return map[string]any{
		"name":        "sum",
		"description": "Adds numbers",
		"agentId":     agentID,
		"inputSchema": map[string]any{
			"type":     "object",
			"required": []string{"numbers"},
			"properties": map[string]any{
				"numbers": map[string]any{"type": "array", "items": map[string]any{"type": "number"}},
			},
		},
	}
}

func sumHandler(_ string, args json.RawMessage) (any, *protocol.Error, bool) {
	var in struct {
		Numbers []float64 `json:"numbers"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "bad numbers", nil), true
	}
	total := 0.0
	for _, n := range in.Numbers {
		total += n
	}
	return total, nil, true
}

func errorData(t *testing.T, env protocol.Envelope) map[string]any {
	t.Helper()
	require.NotNil(t, env.Error, "expected error response, got result %s", string(env.Result))
	data, ok := env.Error.Data.(map[string]any)
	require.True(t, ok, "error data should be an object: %#v", env.Error.Data)
	return data
}
