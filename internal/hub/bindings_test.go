// ABOUTME: Tests for the agent binding table and its reconnect grace timers
// ABOUTME: Uses short grace periods to exercise expiry without slowing the suite

package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type expiryRecorder struct {
	mu      sync.Mutex
	expired []string
}

func (r *expiryRecorder) record(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired = append(r.expired, agentID)
}

func (r *expiryRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.expired...)
}

func TestBindingTable_BindAndLookup(t *testing.T) {
	b := newBindingTable(time.Minute, func(string) {})
	defer b.Close()

	_, ok := b.Lookup("a1")
	assert.False(t, ok)

	b.Bind("a1", "c1")
	b.Bind("a2", "c1")
	connID, ok := b.Lookup("a1")
	require.True(t, ok)
	assert.Equal(t, "c1", connID)
	assert.Equal(t, 2, b.Len())

	// Re-binding moves the agent; releasing the old connection leaves it alone.
	b.Bind("a1", "c2")
	connID, _ = b.Lookup("a1")
	assert.Equal(t, "c2", connID)

	assert.Equal(t, []string{"a2"}, b.Release("c1"))
	_, ok = b.Lookup("a1")
	assert.True(t, ok)
	assert.False(t, b.InGrace("a1"))
	assert.True(t, b.InGrace("a2"))
}

func TestBindingTable_GraceExpiry(t *testing.T) {
	rec := &expiryRecorder{}
	b := newBindingTable(30*time.Millisecond, rec.record)
	defer b.Close()

	b.Bind("a2", "c1")
	b.Bind("a1", "c1")
	assert.Equal(t, []string{"a1", "a2"}, b.Release("c1"))
	assert.Equal(t, 0, b.Len())
	assert.True(t, b.InGrace("a1"))

	require.Eventually(t, func() bool { return len(rec.list()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"a1", "a2"}, rec.list())
	assert.False(t, b.InGrace("a1"))
}

func TestBindingTable_RebindCancelsExpiry(t *testing.T) {
	rec := &expiryRecorder{}
	b := newBindingTable(50*time.Millisecond, rec.record)
	defer b.Close()

	b.Bind("a1", "c1")
	b.Release("c1")
	require.True(t, b.InGrace("a1"))

	b.Bind("a1", "c2")
	assert.False(t, b.InGrace("a1"))

	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, rec.list())
	connID, ok := b.Lookup("a1")
	require.True(t, ok)
	assert.Equal(t, "c2", connID)
}

func TestBindingTable_ZeroGraceExpiresImmediately(t *testing.T) {
	rec := &expiryRecorder{}
	b := newBindingTable(0, rec.record)
	defer b.Close()

	b.Bind("a1", "c1")
	b.Release("c1")

	assert.Equal(t, []string{"a1"}, rec.list())
	assert.False(t, b.InGrace("a1"))
}

func TestBindingTable_ReleaseUnknownConnection(t *testing.T) {
	b := newBindingTable(time.Minute, func(string) { t.Fatal("unexpected expiry") })
	defer b.Close()

	assert.Empty(t, b.Release("missing"))
}

func TestBindingTable_CloseStopsTimers(t *testing.T) {
	rec := &expiryRecorder{}
	b := newBindingTable(30*time.Millisecond, rec.record)

	b.Bind("a1", "c1")
	b.Release("c1")
	b.Close()
	assert.False(t, b.InGrace("a1"))

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, rec.list())

	// Releases after Close do not start new timers.
	b.Bind("a2", "c2")
	b.Release("c2")
	assert.False(t, b.InGrace("a2"))
}

func TestBindingTable_Forget(t *testing.T) {
	rec := &expiryRecorder{}
	b := newBindingTable(30*time.Millisecond, rec.record)
	defer b.Close()

	b.Bind("a1", "c1")
	b.Forget("a1")
	_, ok := b.Lookup("a1")
	assert.False(t, ok)
	assert.Empty(t, b.Release("c1"))

	b.Bind("a2", "c2")
	b.Release("c2")
	b.Forget("a2")
	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, rec.list())
}
