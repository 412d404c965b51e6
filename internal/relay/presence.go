package relay

import (
	"fmt"
)

// Authorization is the outcome of the room membership check done before a
// presence fan-out
type Authorization struct {
	Authorized bool
	Reason     string // set when rejected
}

func authorized() Authorization { return Authorization{Authorized: true} }

func rejected(reason string) Authorization { return Authorization{Reason: reason} }

// authorizeLocked allows a publish only into a room the sender has joined
func (r *Relay) authorizeLocked(c *Connection, eventCode string) Authorization {
	if _, ok := c.rooms[eventCode]; !ok {
		return rejected("not a member of " + eventCode)
	}
	if _, ok := r.rooms[eventCode][c.id]; !ok {
		return rejected("membership out of sync for " + eventCode)
	}
	return authorized()
}

// PublishPresence relays p unchanged to every other member of p.EventCode.
// The sender must already be in that room and never gets its own update back.
func (r *Relay) PublishPresence(senderID string, p Presence) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	frame, err := Encode(KindPresence, p)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[senderID]
	if c == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownConnection, senderID)
	}
	return r.publishLocked(c, p, frame)
}

func (r *Relay) publishLocked(c *Connection, p Presence, frame []byte) (int, error) {
	if auth := r.authorizeLocked(c, p.EventCode); !auth.Authorized {
		return 0, fmt.Errorf("%w: %s", ErrUnauthorizedRoom, auth.Reason)
	}
	c.lastActive = r.now()
	sent := r.fanoutLocked(p.EventCode, c.id, KindPresence, frame)
	r.log.Debug("presence.fanout", "event", p.EventCode, "conn", c.id, "device", p.DeviceID, "recipients", sent)
	return sent, nil
}

// Announce handles an inbound presence frame: bind the device, join the
// room if needed, then fan out. All three happen under one lock.
func (r *Relay) Announce(senderID string, p Presence) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	frame, err := Encode(KindPresence, p)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[senderID]
	if c == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownConnection, senderID)
	}
	r.bindLocked(c, p.DeviceID)
	r.joinLocked(c, p.EventCode)
	return r.publishLocked(c, p, frame)
}
