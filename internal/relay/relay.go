// Package relay holds the proximity presence state: the connection registry,
// event rooms, presence fan-out, directed profile shares and the idle sweeper.
//
// All registry and room tables are guarded by a single mutex. Fan-out reads
// membership and enqueues frames under that lock, so a connection that is
// being removed never receives a frame after its removal. Enqueueing never
// blocks: every connection drains its own bounded queue.
package relay

import (
	"log/slog"
	"sync"
	"time"

	"proximity-relay/pkg/metrics"
)

// Options tune the relay
type Options struct {
	IdleTimeout      time.Duration // evict connections with no presence for this long
	SweepInterval    time.Duration // how often the supervisor checks for idle connections
	SendBuffer       int           // outbound frames queued per connection
	NotifyRejections bool          // send error notices back to senders
	ShareReceipts    bool          // send shareStatus back to share senders
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

// Connection is the relay's view of one transport connection.
// The guarded fields are only touched with Relay.mu held.
type Connection struct {
	id   string
	out  chan []byte
	done chan struct{}

	// guarded by Relay.mu
	device     string
	rooms      map[string]struct{}
	lastActive time.Time
	closed     bool
	reason     string
}

// ID returns the process-unique connection id
func (c *Connection) ID() string { return c.id }

// Outbound is the queue of encoded frames the transport must write
func (c *Connection) Outbound() <-chan []byte { return c.out }

// Done is closed once the connection has been removed from the relay
func (c *Connection) Done() <-chan struct{} { return c.done }

// enqueue hands a frame to the write loop without blocking
func (c *Connection) enqueue(frame []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

type Relay struct {
	log  *slog.Logger
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	conns   map[string]*Connection         // by connection id
	devices map[string]string              // device id -> connection id
	rooms   map[string]map[string]struct{} // event code -> connection ids
}

// New builds an empty relay
func New(logger *slog.Logger, opts Options) *Relay {
	return &Relay{
		log:     logger.With("component", "relay"),
		opts:    opts.withDefaults(),
		now:     time.Now,
		conns:   map[string]*Connection{},
		devices: map[string]string{},
		rooms:   map[string]map[string]struct{}{},
	}
}

// deliverLocked queues a frame for one recipient. A full or closed queue is
// a delivery failure for that recipient only.
func (r *Relay) deliverLocked(c *Connection, kind string, frame []byte) bool {
	if c.enqueue(frame) {
		metrics.Deliveries.WithLabelValues(kind).Inc()
		return true
	}
	metrics.DeliveryFailures.WithLabelValues(kind).Inc()
	r.log.Warn("relay.delivery_failed", "conn", c.id, "type", kind, "closed", c.closed)
	return false
}

// sendLocked encodes v and queues it for one recipient
func (r *Relay) sendLocked(c *Connection, kind string, v any) bool {
	frame, err := Encode(kind, v)
	if err != nil {
		r.log.Error("relay.encode", "type", kind, "err", err)
		return false
	}
	return r.deliverLocked(c, kind, frame)
}
