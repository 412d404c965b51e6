package relay

import (
	"fmt"

	"proximity-relay/pkg/metrics"
)

// Join adds a connection to an event room, creating the room on first use.
// Joining twice is a no-op.
func (r *Relay) Join(connID, eventCode string) error {
	if err := ValidateEventCode(eventCode); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[connID]
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	r.joinLocked(c, eventCode)
	return nil
}

func (r *Relay) joinLocked(c *Connection, eventCode string) {
	if _, ok := c.rooms[eventCode]; ok {
		return
	}
	members := r.rooms[eventCode]
	if members == nil {
		members = map[string]struct{}{}
		r.rooms[eventCode] = members
		metrics.Rooms.Inc()
		r.log.Debug("room.created", "event", eventCode)
	}
	members[c.id] = struct{}{}
	c.rooms[eventCode] = struct{}{}
	r.log.Debug("room.join", "event", eventCode, "conn", c.id, "members", len(members))
}

// Leave drops one membership and tells the remaining members. Leaving a room
// the connection isn't in is a no-op.
func (r *Relay) Leave(connID, eventCode string) error {
	if err := ValidateEventCode(eventCode); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[connID]
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	if r.leaveLocked(c, eventCode) {
		r.notifyDepartedLocked(c, []string{eventCode})
	}
	return nil
}

// leaveLocked removes the membership and deletes the room once it is empty
func (r *Relay) leaveLocked(c *Connection, eventCode string) bool {
	if _, ok := c.rooms[eventCode]; !ok {
		return false
	}
	delete(c.rooms, eventCode)
	if members := r.rooms[eventCode]; members != nil {
		delete(members, c.id)
		if len(members) == 0 {
			delete(r.rooms, eventCode)
			metrics.Rooms.Dec()
			r.log.Debug("room.deleted", "event", eventCode)
		}
	}
	r.log.Debug("room.leave", "event", eventCode, "conn", c.id)
	return true
}

// LeaveAll removes a connection from every room it joined and returns the
// event codes it left
func (r *Relay) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[connID]
	if c == nil {
		return nil
	}
	left := r.leaveAllLocked(c)
	r.notifyDepartedLocked(c, left)
	return left
}

func (r *Relay) leaveAllLocked(c *Connection) []string {
	left := make([]string, 0, len(c.rooms))
	for code := range c.rooms {
		left = append(left, code)
	}
	for _, code := range left {
		r.leaveLocked(c, code)
	}
	return left
}

// MembersOf lists the connection ids in a room, minus exclude. Unknown rooms
// yield nil.
func (r *Relay) MembersOf(eventCode, exclude string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[eventCode]
	if len(members) == 0 {
		return nil
	}
	out := make([]string, 0, len(members))
	for id := range members {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

// RoomsOf lists the event codes a connection has joined
func (r *Relay) RoomsOf(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[connID]
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.rooms))
	for code := range c.rooms {
		out = append(out, code)
	}
	return out
}

// Rooms reports how many non-empty rooms exist
func (r *Relay) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// notifyDepartedLocked sends a departure notice to whoever is still in each
// room. c must already be out of those rooms and still hold its binding.
// A device that moved to a newer connection in the same room hasn't departed.
func (r *Relay) notifyDepartedLocked(c *Connection, codes []string) {
	if c.device == "" {
		return
	}
	var owner *Connection
	if id, ok := r.devices[c.device]; ok && id != c.id {
		owner = r.conns[id]
	}
	for _, code := range codes {
		if len(r.rooms[code]) == 0 {
			continue
		}
		if owner != nil {
			if _, in := owner.rooms[code]; in {
				r.log.Debug("room.departure_suppressed", "event", code, "device", c.device, "conn", c.id, "owner", owner.id)
				continue
			}
		}
		frame, err := Encode(KindDeparted, Departure{EventCode: code, DeviceID: c.device})
		if err != nil {
			r.log.Error("relay.encode", "type", KindDeparted, "err", err)
			continue
		}
		r.fanoutLocked(code, c.id, KindDeparted, frame)
	}
}

// fanoutLocked queues frame for every member of the room except exclude
func (r *Relay) fanoutLocked(eventCode, exclude, kind string, frame []byte) int {
	sent := 0
	for id := range r.rooms[eventCode] {
		if id == exclude {
			continue
		}
		m := r.conns[id]
		if m == nil {
			r.log.Error("room.orphan_member", "event", eventCode, "conn", id)
			continue
		}
		if r.deliverLocked(m, kind, frame) {
			sent++
		}
	}
	return sent
}
