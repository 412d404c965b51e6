package relay

import (
	"errors"
	"fmt"

	"proximity-relay/pkg/metrics"
)

// Dispatch decodes one inbound frame from connID and runs the matching
// operation. The returned error only concerns this frame; it has already
// been reported to the sender when rejections are enabled.
func (r *Relay) Dispatch(connID string, raw []byte) error {
	ref, err := r.dispatch(connID, raw)
	if err != nil {
		r.Reject(connID, ref, err)
	}
	return err
}

func (r *Relay) dispatch(connID string, raw []byte) (string, error) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		metrics.MessagesIn.WithLabelValues("invalid").Inc()
		return "", err
	}
	metrics.MessagesIn.WithLabelValues(messageLabel(env.Type)).Inc()

	switch env.Type {
	case KindPresence:
		var p Presence
		if err := decodeData(env, &p); err != nil {
			return env.Type, err
		}
		_, err = r.Announce(connID, p)
	case KindShareProfile:
		var s ShareRequest
		if err := decodeData(env, &s); err != nil {
			return env.Type, err
		}
		_, err = r.RouteShare(connID, s)
	case KindLeave:
		var l LeaveRequest
		if err := decodeData(env, &l); err != nil {
			return env.Type, err
		}
		err = r.Leave(connID, l.EventCode)
	default:
		err = fmt.Errorf("%w: unknown type %q", ErrValidation, env.Type)
	}
	return env.Type, err
}

// messageLabel keeps the metric label set bounded
func messageLabel(kind string) string {
	switch kind {
	case KindPresence, KindShareProfile, KindLeave:
		return kind
	default:
		return "unknown"
	}
}

// Reject records a rejected frame and, when enabled, tells the sender why.
// ref echoes the inbound message type.
func (r *Relay) Reject(connID, ref string, err error) {
	kind := errorKind(err)
	metrics.Rejections.WithLabelValues(kind).Inc()
	r.log.Debug("relay.reject", "conn", connID, "ref", ref, "kind", kind, "err", err)
	if !r.opts.NotifyRejections || errors.Is(err, ErrUnknownConnection) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.conns[connID]; c != nil {
		r.sendLocked(c, KindError, ErrorNotice{Kind: kind, Reason: err.Error(), Ref: ref})
	}
}
