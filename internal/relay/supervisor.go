package relay

import (
	"context"
	"time"

	"proximity-relay/pkg/metrics"
)

// Disconnect reasons
const (
	ReasonClosed   = "closed"
	ReasonIdle     = "idle"
	ReasonShutdown = "shutdown"
)

// Run sweeps idle connections until ctx is cancelled
func (r *Relay) Run(ctx context.Context) {
	t := time.NewTicker(r.opts.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			if n := r.EvictIdle(r.now()); n > 0 {
				r.log.Info("relay.sweep", "evicted", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// EvictIdle disconnects every connection whose last presence update is older
// than the idle timeout, as seen at now
func (r *Relay) EvictIdle(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idle []*Connection
	for _, c := range r.conns {
		if now.Sub(c.lastActive) >= r.opts.IdleTimeout {
			idle = append(idle, c)
		}
	}
	for _, c := range idle {
		r.disconnectLocked(c, ReasonIdle)
	}
	return len(idle)
}

// Disconnect moves a connection to its terminal state: it leaves every room
// (room-mates get a departure notice), loses its device binding and is
// dropped from the registry. Returns false if it was already gone.
func (r *Relay) Disconnect(connID, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[connID]
	if c == nil {
		return false
	}
	r.disconnectLocked(c, reason)
	return true
}

// Shutdown disconnects everything
func (r *Relay) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		r.disconnectLocked(c, ReasonShutdown)
	}
}

// DisconnectReason reports why c was disconnected, empty while live
func (r *Relay) DisconnectReason(c *Connection) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return c.reason
}

func (r *Relay) disconnectLocked(c *Connection, reason string) {
	rooms := r.leaveAllLocked(c)
	r.notifyDepartedLocked(c, rooms)

	if c.device != "" && r.devices[c.device] == c.id {
		delete(r.devices, c.device)
	}
	delete(r.conns, c.id)
	c.closed = true
	c.reason = reason
	close(c.done)

	metrics.Connections.Dec()
	metrics.Evictions.WithLabelValues(reason).Inc()
	r.log.Info("relay.disconnect", "conn", c.id, "device", c.device, "reason", reason, "rooms", len(rooms))
}
