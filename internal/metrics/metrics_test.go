package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolhub/internal/events"
)

func emit(m *Metrics, typ events.Type, data map[string]any) {
	m.OnEvent(context.Background(), events.New(typ, "test", data))
}

func TestNew(t *testing.T) {
	m := New(nil)

	assert.NotNil(t, m.ActiveConnections)
	assert.NotNil(t, m.ConnectionsTotal)
	assert.NotNil(t, m.RegisteredTools)
	assert.NotNil(t, m.InvocationsTotal)
	assert.NotNil(t, m.InvocationDuration)
	assert.NotNil(t, m.InvocationFailures)
	assert.NotNil(t, m.InvocationsInFlight)
}

func TestConnectionEvents(t *testing.T) {
	m := New(prometheus.NewRegistry())

	emit(m, events.ConnectionOpened, nil)
	emit(m, events.ConnectionOpened, nil)
	emit(m, events.ConnectionClosed, nil)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveConnections))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ConnectionsTotal))
}

func TestToolEvents(t *testing.T) {
	m := New(prometheus.NewRegistry())

	emit(m, events.ToolRegistered, map[string]any{"tool": "a"})
	emit(m, events.ToolRegistered, map[string]any{"tool": "b"})
	emit(m, events.ToolRegistered, map[string]any{"tool": "b", "replaced": true})
	emit(m, events.ToolUnregistered, map[string]any{"tool": "a"})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RegisteredTools))
}

func TestInvocationEvents(t *testing.T) {
	m := New(prometheus.NewRegistry())

	emit(m, events.InvocationStarted, map[string]any{"tool": "sum"})
	emit(m, events.InvocationStarted, map[string]any{"tool": "sum"})
	assert.Equal(t, float64(2), testutil.ToFloat64(m.InvocationsInFlight))

	emit(m, events.InvocationCompleted, map[string]any{"tool": "sum", "duration": 120 * time.Millisecond})
	emit(m, events.InvocationFailed, map[string]any{"tool": "sum", "reason": "timeout", "duration": time.Second})

	assert.Equal(t, float64(0), testutil.ToFloat64(m.InvocationsInFlight))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.InvocationsTotal.WithLabelValues("sum", "completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.InvocationsTotal.WithLabelValues("sum", "failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.InvocationFailures.WithLabelValues("sum", "timeout")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.InvocationDuration))
}

func TestHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	emit(m, events.ConnectionOpened, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "toolhub_active_connections 1"), string(body))
}
