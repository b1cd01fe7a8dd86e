// ABOUTME: Agent-to-connection binding table with reconnect grace timers
// ABOUTME: Bindings move on every registration and are released when a connection closes

package hub

import (
	"sort"
	"sync"
	"time"
)

// bindingTable maps agent ids to the connection that most recently
// registered tools for them. It is a lookup table, not ownership: an entry
// may point at a connection that has since died.
type bindingTable struct {
	mu      sync.Mutex
	byAgent map[string]string
	byConn  map[string]map[string]struct{}
	grace   map[string]*time.Timer
	closed  bool

	gracePeriod time.Duration
	onExpire    func(agentID string)
}

func newBindingTable(gracePeriod time.Duration, onExpire func(agentID string)) *bindingTable {
	return &bindingTable{
		byAgent:     make(map[string]string),
		byConn:      make(map[string]map[string]struct{}),
		grace:       make(map[string]*time.Timer),
		gracePeriod: gracePeriod,
		onExpire:    onExpire,
	}
}

// Bind points agentID at connID and cancels any pending grace expiry.
func (b *bindingTable) Bind(agentID, connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.grace[agentID]; ok {
		t.Stop()
		delete(b.grace, agentID)
	}
	if prev, ok := b.byAgent[agentID]; ok && prev != connID {
		b.dropFromConnLocked(prev, agentID)
	}

	b.byAgent[agentID] = connID
	agents, ok := b.byConn[connID]
	if !ok {
		agents = make(map[string]struct{})
		b.byConn[connID] = agents
	}
	agents[agentID] = struct{}{}
}

// Lookup implements invoke.Bindings.
func (b *bindingTable) Lookup(agentID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	connID, ok := b.byAgent[agentID]
	return connID, ok
}

// InGrace reports whether agentID lost its connection and is waiting out
// the reconnect grace period.
func (b *bindingTable) InGrace(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.grace[agentID]
	return ok
}

// Release removes every binding held by connID and starts a grace timer for
// each affected agent. The released agent ids are returned sorted.
func (b *bindingTable) Release(connID string) []string {
	b.mu.Lock()
	agents := b.byConn[connID]
	delete(b.byConn, connID)

	released := make([]string, 0, len(agents))
	for agentID := range agents {
		delete(b.byAgent, agentID)
		released = append(released, agentID)
	}
	sort.Strings(released)

	var expireNow []string
	if !b.closed {
		for _, agentID := range released {
			if b.gracePeriod <= 0 {
				expireNow = append(expireNow, agentID)
				continue
			}
			b.startGraceLocked(agentID)
		}
	}
	b.mu.Unlock()

	for _, agentID := range expireNow {
		b.onExpire(agentID)
	}
	return released
}

func (b *bindingTable) startGraceLocked(agentID string) {
	if t, ok := b.grace[agentID]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(b.gracePeriod, func() {
		b.mu.Lock()
		current, ok := b.grace[agentID]
		if !ok || current != t || b.closed {
			b.mu.Unlock()
			return
		}
		delete(b.grace, agentID)
		b.mu.Unlock()
		b.onExpire(agentID)
	})
	b.grace[agentID] = t
}

// Forget drops any binding or grace timer for agentID.
func (b *bindingTable) Forget(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.grace[agentID]; ok {
		t.Stop()
		delete(b.grace, agentID)
	}
	if connID, ok := b.byAgent[agentID]; ok {
		b.dropFromConnLocked(connID, agentID)
		delete(b.byAgent, agentID)
	}
}

// Len returns the number of bound agents.
func (b *bindingTable) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byAgent)
}

// Close stops every grace timer. Pending expiries never fire.
func (b *bindingTable) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for agentID, t := range b.grace {
		t.Stop()
		delete(b.grace, agentID)
	}
}

func (b *bindingTable) dropFromConnLocked(connID, agentID string) {
	agents := b.byConn[connID]
	delete(agents, agentID)
	if len(agents) == 0 {
		delete(b.byConn, connID)
	}
}
