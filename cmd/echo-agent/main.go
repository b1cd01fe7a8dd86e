// ABOUTME: Minimal agent for manual and E2E testing that serves echo and sum tools over WebSocket
// ABOUTME: Usage: echo-agent [-url ws://localhost:8080/ws] [-id echo-agent] [-token JWT]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/toolhub/internal/invoke"
	"github.com/2389/toolhub/internal/protocol"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "hub WebSocket URL")
	agentID := flag.String("id", "echo-agent", "Agent ID")
	token := flag.String("token", os.Getenv("TOOLHUB_TOKEN"), "Bearer token (defaults to $TOOLHUB_TOKEN)")
	flag.Parse()

	if err := run(*url, *agentID, *token); err != nil {
		log.Fatal(err)
	}
}

func run(url, agentID, token string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var opts websocket.DialOptions
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, &opts)
	dialCancel()
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.CloseNow()

	register, err := protocol.NewRequest("register-1", "tools/register", map[string]any{
		"tools": toolDefinitions(agentID),
	}, "")
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, register); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "agent exiting")
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("dropping unparseable frame: %v", err)
			continue
		}

		switch {
		case env.IsResponse():
			if env.Error != nil {
				return fmt.Errorf("registration failed: %s", env.Error.Message)
			}
			log.Printf("registered as %s: %s", agentID, env.Result)
		case env.Method == invoke.MethodInvoke && env.HasID():
			go answer(ctx, conn, env)
		}
	}
}

func answer(ctx context.Context, conn *websocket.Conn, env protocol.Envelope) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(env.Params, &params); err != nil {
		write(ctx, conn, protocol.NewErrorResponse(env.ID, protocol.NewError(protocol.CodeInvalidParams, "invalid params", nil)))
		return
	}

	log.Printf("invocation [%s] %s trace=%s", protocol.IDKey(env.ID), params.Name, env.TraceID)

	result, err := call(params.Name, params.Arguments)
	if err != nil {
		write(ctx, conn, protocol.NewErrorResponse(env.ID, protocol.NewError(-32001, err.Error(), nil)))
		return
	}
	frame, err := protocol.NewResult(env.ID, result)
	if err != nil {
		log.Printf("encoding result: %v", err)
		return
	}
	write(ctx, conn, frame)
}

func call(name string, args json.RawMessage) (any, error) {
	switch name {
	case "echo":
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return map[string]any{"text": in.Text, "upper": strings.ToUpper(in.Text)}, nil
	case "sum":
		var in struct {
			Numbers []float64 `json:"numbers"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		total := 0.0
		for _, n := range in.Numbers {
			total += n
		}
		return total, nil
	default:
		return nil, errors.New("unknown tool " + name)
	}
}

func write(ctx context.Context, conn *websocket.Conn, frame []byte) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		log.Printf("send error: %v", err)
	}
}

func toolDefinitions(agentID string) []map[string]any {
	return []map[string]any{
		{
			"name":        "echo",
			"description": "Echo text back, with an uppercase copy",
			"agentId":     agentID,
			"inputSchema": map[string]any{
				"type":       "object",
				"required":   []string{"text"},
				"properties": map[string]any{"text": map[string]any{"type": "string"}},
			},
		},
		{
			"name":        "sum",
			"description": "Add a list of numbers",
			"agentId":     agentID,
			"inputSchema": map[string]any{
				"type":     "object",
				"required": []string{"numbers"},
				"properties": map[string]any{
					"numbers": map[string]any{"type": "array", "items": map[string]any{"type": "number"}},
				},
			},
		},
	}
}
