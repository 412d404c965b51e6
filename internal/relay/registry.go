package relay

import (
	"fmt"

	"github.com/google/uuid"

	"proximity-relay/pkg/metrics"
)

// Register tracks a newly established transport connection
func (r *Relay) Register() *Connection {
	c := &Connection{
		id:    uuid.NewString(),
		out:   make(chan []byte, r.opts.SendBuffer),
		done:  make(chan struct{}),
		rooms: map[string]struct{}{},
	}

	r.mu.Lock()
	c.lastActive = r.now()
	r.conns[c.id] = c
	n := len(r.conns)
	r.mu.Unlock()

	metrics.Connections.Inc()
	r.log.Debug("relay.register", "conn", c.id, "live", n)
	return c
}

// BindDevice associates a device id with a connection. The newest binding
// wins: a different connection holding the same device id loses it.
func (r *Relay) BindDevice(connID, deviceID string) error {
	if err := validateIdentifier("deviceId", deviceID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[connID]
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	r.bindLocked(c, deviceID)
	return nil
}

func (r *Relay) bindLocked(c *Connection, deviceID string) {
	if prev, ok := r.devices[deviceID]; ok && prev == c.id {
		c.device = deviceID
		return
	}

	// release the device this connection claimed before
	if c.device != "" && c.device != deviceID && r.devices[c.device] == c.id {
		delete(r.devices, c.device)
	}

	if prev, ok := r.devices[deviceID]; ok {
		r.log.Info("relay.binding_superseded", "device", deviceID, "old_conn", prev, "conn", c.id)
	}
	r.devices[deviceID] = c.id
	c.device = deviceID
}

// Unregister removes a connection, its room memberships and its device
// binding. Remaining room-mates get a departure notice. Safe to call twice.
func (r *Relay) Unregister(connID string) {
	r.Disconnect(connID, ReasonClosed)
}

// LookupByDevice resolves the connection currently bound to a device id
func (r *Relay) LookupByDevice(deviceID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.lookupLocked(deviceID)
	if c == nil {
		return "", false
	}
	return c.id, true
}

// lookupLocked returns the live connection bound to deviceID. A binding that
// points at a vanished connection is dropped on the way.
func (r *Relay) lookupLocked(deviceID string) *Connection {
	id, ok := r.devices[deviceID]
	if !ok {
		return nil
	}
	c := r.conns[id]
	if c == nil || c.closed {
		delete(r.devices, deviceID)
		r.log.Debug("relay.stale_binding_evicted", "device", deviceID, "conn", id)
		return nil
	}
	return c
}

// Connections reports how many connections are live
func (r *Relay) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// DeviceOf returns the device id a connection claimed last, if any
func (r *Relay) DeviceOf(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[connID]
	if c == nil || c.device == "" {
		return "", false
	}
	return c.device, true
}
