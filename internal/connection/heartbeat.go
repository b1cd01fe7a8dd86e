// ABOUTME: Liveness probing for tracked connections
// ABOUTME: Unacknowledged connections are terminated on the next tick

package connection

import (
	"context"
	"time"
)

func (m *Manager) heartbeat() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probe()
		case <-m.stopCh:
			return
		}
	}
}

// probe runs one liveness round over every connection.
func (m *Manager) probe() {
	for _, conn := range m.snapshot() {
		if !conn.alive.Load() {
			m.logger.Warn("terminating unresponsive connection", "connection_id", conn.ID)
			m.terminate(conn, "liveness probe failed")
			continue
		}

		conn.alive.Store(false)
		m.wg.Add(1)
		go func(c *Connection) {
			defer m.wg.Done()
			ctx, cancel := context.WithTimeout(c.ctx, m.cfg.HeartbeatInterval)
			defer cancel()
			if err := c.ws.Ping(ctx); err != nil {
				m.logger.Debug("ping failed", "connection_id", c.ID, "error", err)
				return
			}
			c.alive.Store(true)
		}(conn)
	}
}
