package ws

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"proximity-relay/internal/relay"
)

const pingInterval = 20 * time.Second

type Conn struct {
	ws           *websocket.Conn
	rc           *relay.Connection
	writeTimeout time.Duration
}

// Accept upgrades HTTP to websocket, checking Origin against patterns
func Accept(w http.ResponseWriter, r *http.Request, patterns []string) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  patterns,
		CompressionMode: websocket.CompressionDisabled,
	})
}

// OriginPatterns turns configured origins (full URLs or bare hosts) into
// the host patterns the handshake matches against
func OriginPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		out = append(out, strings.ToLower(o))
	}
	return out
}

// NewConn pairs a websocket with its relay connection
func NewConn(ws *websocket.Conn, rc *relay.Connection, writeTimeout time.Duration, readLimit int64) *Conn {
	if readLimit > 0 {
		ws.SetReadLimit(readLimit)
	}
	return &Conn{ws: ws, rc: rc, writeTimeout: writeTimeout}
}

// Read blocks until it receives a text/binary message
// Returns false if connection is closed
func (c *Conn) Read(ctx context.Context) ([]byte, bool) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return nil, false
		}
		if typ == websocket.MessageText || typ == websocket.MessageBinary {
			return data, true
		}
	}
}

// WriteLoop drains the relay queue and sends periodic pings.
// Exits when ctx is cancelled, a write fails, or the relay drops the
// connection; in the last case pending frames are abandoned.
func (c *Conn) WriteLoop(ctx context.Context, reason func() string) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()

	for {
		select {
		case b := <-c.rc.Outbound():
			// a dropped connection never flushes its queue
			select {
			case <-c.rc.Done():
				_ = c.close(reason())
				return
			default:
			}
			if err := c.write(ctx, b); err != nil {
				_ = c.ws.CloseNow()
				return
			}
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				_ = c.ws.CloseNow()
				return
			}
		case <-c.rc.Done():
			_ = c.close(reason())
			return
		case <-ctx.Done():
			return
		}
	}
}

// write sends one frame with a bounded timeout so a stuck client only
// stalls its own queue
func (c *Conn) write(ctx context.Context, b []byte) error {
	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.ws.Write(wctx, websocket.MessageText, b)
}

// close ends the websocket with a status matching why the relay dropped it
func (c *Conn) close(reason string) error {
	switch reason {
	case relay.ReasonIdle:
		return c.ws.Close(websocket.StatusPolicyViolation, "idle timeout")
	case relay.ReasonShutdown:
		return c.ws.Close(websocket.StatusGoingAway, "shutting down")
	default:
		return c.ws.Close(websocket.StatusNormalClosure, "bye")
	}
}
