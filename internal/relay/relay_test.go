package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRelay(t *testing.T, opts Options) *Relay {
	t.Helper()
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), opts)
}

// drain returns every frame currently queued for c
func drain(t *testing.T, c *Connection) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case b := <-c.Outbound():
			env, err := DecodeEnvelope(b)
			require.NoError(t, err)
			out = append(out, env)
		default:
			return out
		}
	}
}

func ofType(envs []Envelope, kind string) []Envelope {
	var out []Envelope
	for _, e := range envs {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

func presenceOf(t *testing.T, env Envelope) Presence {
	t.Helper()
	var p Presence
	require.NoError(t, json.Unmarshal(env.Data, &p))
	return p
}

func frame(t *testing.T, kind string, v any) []byte {
	t.Helper()
	b, err := Encode(kind, v)
	require.NoError(t, err)
	return b
}

func TestPresenceFanoutSkipsSender(t *testing.T) {
	r := newTestRelay(t, Options{})
	a, b, c := r.Register(), r.Register(), r.Register()
	for _, conn := range []*Connection{a, b, c} {
		require.NoError(t, r.Join(conn.ID(), "EVT1"))
	}

	p := Presence{EventCode: "EVT1", DeviceID: "dA", ProfileSlug: "alice", Timestamp: "1731000000000"}
	sent, err := r.PublishPresence(a.ID(), p)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	for _, conn := range []*Connection{b, c} {
		got := drain(t, conn)
		require.Len(t, got, 1)
		assert.Equal(t, KindPresence, got[0].Type)
		assert.Equal(t, p, presenceOf(t, got[0]))
	}
	assert.Empty(t, drain(t, a))
}

func TestPresenceTimestampRelayedVerbatim(t *testing.T) {
	r := newTestRelay(t, Options{})
	a, b := r.Register(), r.Register()
	require.NoError(t, r.Join(b.ID(), "EVT1"))

	raw := []byte(`{"type":"presence","data":{"eventCode":"EVT1","deviceId":"dA","profileSlug":"alice","timestamp":1731000000123.5}}`)
	require.NoError(t, r.Dispatch(a.ID(), raw))

	got := drain(t, b)
	require.Len(t, got, 1)
	assert.Equal(t, Timestamp("1731000000123.5"), presenceOf(t, got[0]).Timestamp)
}

func TestPresencePreservesSenderOrder(t *testing.T) {
	r := newTestRelay(t, Options{})
	a, b := r.Register(), r.Register()
	require.NoError(t, r.Join(a.ID(), "EVT1"))
	require.NoError(t, r.Join(b.ID(), "EVT1"))

	for i := 0; i < 50; i++ {
		_, err := r.PublishPresence(a.ID(), Presence{
			EventCode: "EVT1", DeviceID: "dA", ProfileSlug: "alice",
			Timestamp: Timestamp(fmt.Sprint(i)),
		})
		require.NoError(t, err)
	}

	got := drain(t, b)
	require.Len(t, got, 50)
	for i, env := range got {
		assert.Equal(t, Timestamp(fmt.Sprint(i)), presenceOf(t, env).Timestamp)
	}
}

func TestPublishRequiresMembership(t *testing.T) {
	r := newTestRelay(t, Options{})
	a, b := r.Register(), r.Register()
	require.NoError(t, r.Join(b.ID(), "EVT1"))
	require.NoError(t, r.Join(a.ID(), "EVT2"))

	_, err := r.PublishPresence(a.ID(), Presence{EventCode: "EVT1", DeviceID: "dA", ProfileSlug: "alice"})
	require.ErrorIs(t, err, ErrUnauthorizedRoom)
	assert.Empty(t, drain(t, b))
}

func TestPublishUnknownSender(t *testing.T) {
	r := newTestRelay(t, Options{})
	_, err := r.PublishPresence("nope", Presence{EventCode: "EVT1", DeviceID: "dA", ProfileSlug: "alice"})
	require.ErrorIs(t, err, ErrUnknownConnection)
}

func TestPresenceValidation(t *testing.T) {
	r := newTestRelay(t, Options{})
	a := r.Register()

	tests := []struct {
		name string
		p    Presence
	}{
		{"empty event code", Presence{DeviceID: "d", ProfileSlug: "s"}},
		{"event code with spaces", Presence{EventCode: "EVT 1", DeviceID: "d", ProfileSlug: "s"}},
		{"event code too long", Presence{EventCode: strings.Repeat("E", 65), DeviceID: "d", ProfileSlug: "s"}},
		{"missing device", Presence{EventCode: "EVT1", ProfileSlug: "s"}},
		{"missing slug", Presence{EventCode: "EVT1", DeviceID: "d"}},
		{"control char in device", Presence{EventCode: "EVT1", DeviceID: "d\n", ProfileSlug: "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Announce(a.ID(), tt.p)
			require.ErrorIs(t, err, ErrValidation)
			assert.Empty(t, r.RoomsOf(a.ID()))
			_, bound := r.DeviceOf(a.ID())
			assert.False(t, bound)
		})
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	r := newTestRelay(t, Options{})
	a := r.Register()

	require.NoError(t, r.Join(a.ID(), "EVT1"))
	require.NoError(t, r.Join(a.ID(), "EVT1"))

	assert.Equal(t, []string{a.ID()}, r.MembersOf("EVT1", ""))
	assert.Equal(t, 1, r.Rooms())
}

func TestJoinRejectsMalformedEventCode(t *testing.T) {
	r := newTestRelay(t, Options{})
	a := r.Register()

	for _, code := range []string{"", " ", "EVT/1", "évt"} {
		require.ErrorIs(t, r.Join(a.ID(), code), ErrValidation, "code %q", code)
	}
	assert.Zero(t, r.Rooms())
}

func TestJoinUnknownConnection(t *testing.T) {
	r := newTestRelay(t, Options{})
	require.ErrorIs(t, r.Join("ghost", "EVT1"), ErrUnknownConnection)
	assert.Zero(t, r.Rooms())
}

func TestLastLeaveDeletesRoom(t *testing.T) {
	r := newTestRelay(t, Options{})
	a, b := r.Register(), r.Register()
	require.NoError(t, r.Join(a.ID(), "EVT1"))
	require.NoError(t, r.Join(b.ID(), "EVT1"))

	require.NoError(t, r.Leave(a.ID(), "EVT1"))
	assert.Equal(t, []string{b.ID()}, r.MembersOf("EVT1", ""))

	require.NoError(t, r.Leave(b.ID(), "EVT1"))
	assert.Empty(t, r.MembersOf("EVT1", ""))
	assert.Zero(t, r.Rooms())

	// leaving again is harmless
	require.NoError(t, r.Leave(b.ID(), "EVT1"))
}

func TestMembersOfExcludes(t *testing.T) {
	r := newTestRelay(t, Options{})
	a, b, c := r.Register(), r.Register(), r.Register()
	for _, conn := range []*Connection{a, b, c} {
		require.NoError(t, r.Join(conn.ID(), "EVT1"))
	}
	assert.ElementsMatch(t, []string{b.ID(), c.ID()}, r.MembersOf("EVT1", a.ID()))
	assert.Nil(t, r.MembersOf("UNKNOWN", ""))
}

func TestLeaveAllNotifiesEachRoom(t *testing.T) {
	r := newTestRelay(t, Options{})
	a, b, c := r.Register(), r.Register(), r.Register()
	_, err := r.Announce(a.ID(), Presence{EventCode: "EVT1", DeviceID: "dA", ProfileSlug: "alice"})
	require.NoError(t, err)
	require.NoError(t, r.Join(a.ID(), "EVT2"))
	require.NoError(t, r.Join(b.ID(), "EVT1"))
	require.NoError(t, r.Join(c.ID(), "EVT2"))

	left := r.LeaveAll(a.ID())
	assert.ElementsMatch(t, []string{"EVT1", "EVT2"}, left)
	assert.Empty(t, r.RoomsOf(a.ID()))

	for conn, code := range map[*Connection]string{b: "EVT1", c: "EVT2"} {
		got := ofType(drain(t, conn), KindDeparted)
		require.Len(t, got, 1)
		var d Departure
		require.NoError(t, json.Unmarshal(got[0].Data, &d))
		assert.Equal(t, Departure{EventCode: code, DeviceID: "dA"}, d)
	}
}

func TestShareDeliveredOnlyToTarget(t *testing.T) {
	r := newTestRelay(t, Options{})
	a, b := r.Register(), r.Register()
	others := []*Connection{r.Register(), r.Register(), r.Register()}
	require.NoError(t, r.BindDevice(b.ID(), "dB"))
	for i, o := range others {
		require.NoError(t, r.BindDevice(o.ID(), fmt.Sprintf("other-%d", i)))
		require.NoError(t, r.Join(o.ID(), "EVT1"))
	}

	delivered, err := r.RouteShare(a.ID(), ShareRequest{ToDeviceID: "dB", ProfileSlug: "alice"})
	require.NoError(t, err)
	assert.True(t, delivered)

	got := drain(t, b)
	require.Len(t, got, 1)
	assert.Equal(t, KindIncomingProfile, got[0].Type)
	var s ShareRequest
	require.NoError(t, json.Unmarshal(got[0].Data, &s))
	assert.Equal(t, ShareRequest{ToDeviceID: "dB", ProfileSlug: "alice"}, s)

	assert.Empty(t, drain(t, a))
	for _, o := range others {
		assert.Empty(t, drain(t, o))
	}
}

func TestShareToDisconnectedDeviceIsDropped(t *testing.T) {
	r := newTestRelay(t, Options{})
	a, b, c := r.Register(), r.Register(), r.Register()
	require.NoError(t, r.BindDevice(b.ID(), "dB"))

	r.Unregister(b.ID())

	delivered, err := r.RouteShare(a.ID(), ShareRequest{ToDeviceID: "dB", ProfileSlug: "alice"})
	require.NoError(t, err)
	assert.False(t, delivered)
	assert.Empty(t, drain(t, a))
	assert.Empty(t, drain(t, b))
	assert.Empty(t, drain(t, c))
}

func TestShareReceipts(t *testing.T) {
	r := newTestRelay(t, Options{ShareReceipts: true})
	a, b := r.Register(), r.Register()
	require.NoError(t, r.BindDevice(b.ID(), "dB"))

	_, err := r.RouteShare(a.ID(), ShareRequest{ToDeviceID: "dB", ProfileSlug: "alice"})
	require.NoError(t, err)
	_, err = r.RouteShare(a.ID(), ShareRequest{ToDeviceID: "dZ", ProfileSlug: "alice"})
	require.NoError(t, err)

	got := drain(t, a)
	require.Len(t, got, 2)
	var ok, missed ShareStatus
	require.NoError(t, json.Unmarshal(got[0].Data, &ok))
	require.NoError(t, json.Unmarshal(got[1].Data, &missed))
	assert.Equal(t, ShareStatus{ToDeviceID: "dB", Delivered: true}, ok)
	assert.Equal(t, ShareStatus{ToDeviceID: "dZ", Delivered: false}, missed)
}

func TestShareValidation(t *testing.T) {
	r := newTestRelay(t, Options{})
	a := r.Register()
	_, err := r.RouteShare(a.ID(), ShareRequest{ProfileSlug: "alice"})
	require.ErrorIs(t, err, ErrValidation)
	_, err = r.RouteShare(a.ID(), ShareRequest{ToDeviceID: "dB"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestBindDeviceNewestWins(t *testing.T) {
	r := newTestRelay(t, Options{})
	a, old, newer := r.Register(), r.Register(), r.Register()

	require.NoError(t, r.BindDevice(old.ID(), "dB"))
	require.NoError(t, r.BindDevice(newer.ID(), "dB"))

	id, ok := r.LookupByDevice("dB")
	require.True(t, ok)
	assert.Equal(t, newer.ID(), id)

	_, err := r.RouteShare(a.ID(), ShareRequest{ToDeviceID: "dB", ProfileSlug: "alice"})
	require.NoError(t, err)
	assert.Len(t, drain(t, newer), 1)
	assert.Empty(t, drain(t, old))

	// the superseded connection going away must not drop the live binding
	r.Unregister(old.ID())
	id, ok = r.LookupByDevice("dB")
	require.True(t, ok)
	assert.Equal(t, newer.ID(), id)
}

func TestRebindReleasesPreviousDevice(t *testing.T) {
	r := newTestRelay(t, Options{})
	a := r.Register()

	require.NoError(t, r.BindDevice(a.ID(), "d1"))
	require.NoError(t, r.BindDevice(a.ID(), "d2"))

	_, ok := r.LookupByDevice("d1")
	assert.False(t, ok)
	id, ok := r.LookupByDevice("d2")
	require.True(t, ok)
	assert.Equal(t, a.ID(), id)
}

func TestStaleBindingEvictedOnLookup(t *testing.T) {
	r := newTestRelay(t, Options{})
	r.mu.Lock()
	r.devices["dGhost"] = "gone"
	r.mu.Unlock()

	_, ok := r.LookupByDevice("dGhost")
	assert.False(t, ok)

	r.mu.Lock()
	_, still := r.devices["dGhost"]
	r.mu.Unlock()
	assert.False(t, still)
}

func TestDisconnectCleansUpAndNotifies(t *testing.T) {
	r := newTestRelay(t, Options{})
	a, b, c := r.Register(), r.Register(), r.Register()
	for conn, dev := range map[*Connection]string{a: "dA", b: "dB", c: "dC"} {
		_, err := r.Announce(conn.ID(), Presence{EventCode: "EVT1", DeviceID: dev, ProfileSlug: dev})
		require.NoError(t, err)
	}
	drain(t, a)
	drain(t, c)

	r.Unregister(b.ID())

	select {
	case <-b.Done():
	default:
		t.Fatal("done not closed after unregister")
	}
	assert.Equal(t, ReasonClosed, r.DisconnectReason(b))
	assert.ElementsMatch(t, []string{a.ID(), c.ID()}, r.MembersOf("EVT1", ""))
	_, ok := r.LookupByDevice("dB")
	assert.False(t, ok)
	assert.Equal(t, 2, r.Connections())

	for _, conn := range []*Connection{a, c} {
		got := drain(t, conn)
		require.Len(t, got, 1)
		assert.Equal(t, KindDeparted, got[0].Type)
		var d Departure
		require.NoError(t, json.Unmarshal(got[0].Data, &d))
		assert.Equal(t, Departure{EventCode: "EVT1", DeviceID: "dB"}, d)
	}

	// second unregister is a no-op
	r.Unregister(b.ID())
	assert.False(t, r.Disconnect(b.ID(), ReasonClosed))
}

func TestDeliveryFailureSkipsOnlyThatRecipient(t *testing.T) {
	r := newTestRelay(t, Options{SendBuffer: 1})
	a, slow, c := r.Register(), r.Register(), r.Register()
	for _, conn := range []*Connection{a, slow, c} {
		require.NoError(t, r.Join(conn.ID(), "EVT1"))
	}

	p := Presence{EventCode: "EVT1", DeviceID: "dA", ProfileSlug: "alice"}
	sent, err := r.PublishPresence(a.ID(), p)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	// c drains, slow doesn't
	assert.Len(t, drain(t, c), 1)
	sent, err = r.PublishPresence(a.ID(), p)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	assert.Len(t, drain(t, c), 1)
	assert.Len(t, drain(t, slow), 1)
}

func TestEvictIdle(t *testing.T) {
	r := newTestRelay(t, Options{IdleTimeout: time.Minute})
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := start
	r.now = func() time.Time { return clock }

	quiet, chatty := r.Register(), r.Register()
	_, err := r.Announce(quiet.ID(), Presence{EventCode: "EVT1", DeviceID: "dQ", ProfileSlug: "q"})
	require.NoError(t, err)

	clock = start.Add(45 * time.Second)
	_, err = r.Announce(chatty.ID(), Presence{EventCode: "EVT1", DeviceID: "dC", ProfileSlug: "c"})
	require.NoError(t, err)
	drain(t, quiet)

	assert.Zero(t, r.EvictIdle(start.Add(59*time.Second)))
	assert.Equal(t, 1, r.EvictIdle(start.Add(61*time.Second)))

	select {
	case <-quiet.Done():
	default:
		t.Fatal("idle connection not evicted")
	}
	assert.Equal(t, ReasonIdle, r.DisconnectReason(quiet))
	assert.Equal(t, []string{chatty.ID()}, r.MembersOf("EVT1", ""))

	got := drain(t, chatty)
	require.Len(t, got, 1)
	assert.Equal(t, KindDeparted, got[0].Type)
}

func TestRunSweepsIdleConnections(t *testing.T) {
	r := newTestRelay(t, Options{IdleTimeout: 20 * time.Millisecond, SweepInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	c := r.Register()
	require.Eventually(t, func() bool {
		select {
		case <-c.Done():
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, r.Connections())
}

func TestShutdownDisconnectsAll(t *testing.T) {
	r := newTestRelay(t, Options{})
	conns := []*Connection{r.Register(), r.Register(), r.Register()}
	for _, c := range conns {
		require.NoError(t, r.Join(c.ID(), "EVT1"))
	}

	r.Shutdown()

	assert.Zero(t, r.Connections())
	assert.Zero(t, r.Rooms())
	for _, c := range conns {
		assert.Equal(t, ReasonShutdown, r.DisconnectReason(c))
	}
}

func TestConcurrentAnnounceAndDisconnect(t *testing.T) {
	r := newTestRelay(t, Options{SendBuffer: 1024})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := r.Register()
			for j := 0; j < 50; j++ {
				_, err := r.Announce(c.ID(), Presence{
					EventCode: fmt.Sprintf("EVT%d", j%3), DeviceID: fmt.Sprintf("d%d", i), ProfileSlug: "p",
				})
				assert.NoError(t, err)
			}
			r.Unregister(c.ID())
		}(i)
	}
	wg.Wait()

	assert.Zero(t, r.Connections())
	assert.Zero(t, r.Rooms())
}

func TestSupersededConnectionDepartsQuietly(t *testing.T) {
	r := newTestRelay(t, Options{})
	watcher, old, fresh := r.Register(), r.Register(), r.Register()
	for conn, dev := range map[*Connection]string{watcher: "dW", old: "dA"} {
		_, err := r.Announce(conn.ID(), Presence{EventCode: "EVT1", DeviceID: dev, ProfileSlug: dev})
		require.NoError(t, err)
	}
	_, err := r.Announce(fresh.ID(), Presence{EventCode: "EVT1", DeviceID: "dA", ProfileSlug: "dA"})
	require.NoError(t, err)
	drain(t, watcher)

	r.Unregister(old.ID())

	assert.Empty(t, ofType(drain(t, watcher), KindDeparted))
	id, ok := r.LookupByDevice("dA")
	require.True(t, ok)
	assert.Equal(t, fresh.ID(), id)
}

func TestSupersededConnectionDepartsFromRoomsTheDeviceLeft(t *testing.T) {
	r := newTestRelay(t, Options{})
	watcher, old, fresh := r.Register(), r.Register(), r.Register()
	require.NoError(t, r.Join(watcher.ID(), "EVT1"))
	_, err := r.Announce(old.ID(), Presence{EventCode: "EVT1", DeviceID: "dA", ProfileSlug: "alice"})
	require.NoError(t, err)
	_, err = r.Announce(fresh.ID(), Presence{EventCode: "EVT2", DeviceID: "dA", ProfileSlug: "alice"})
	require.NoError(t, err)
	drain(t, watcher)

	r.Unregister(old.ID())

	got := ofType(drain(t, watcher), KindDeparted)
	require.Len(t, got, 1)
	var d Departure
	require.NoError(t, json.Unmarshal(got[0].Data, &d))
	assert.Equal(t, Departure{EventCode: "EVT1", DeviceID: "dA"}, d)
}
