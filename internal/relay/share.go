package relay

import (
	"fmt"

	"proximity-relay/pkg/metrics"
)

// RouteShare delivers req as incomingProfile to the one connection bound to
// req.ToDeviceID. Unknown devices are dropped; with share receipts enabled
// the sender learns whether the share went out.
func (r *Relay) RouteShare(senderID string, req ShareRequest) (bool, error) {
	if err := req.Validate(); err != nil {
		return false, err
	}
	frame, err := Encode(KindIncomingProfile, req)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	sender := r.conns[senderID]
	if sender == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownConnection, senderID)
	}

	delivered := false
	if target := r.lookupLocked(req.ToDeviceID); target != nil {
		delivered = r.deliverLocked(target, KindIncomingProfile, frame)
		r.log.Debug("share.routed", "from", senderID, "to", target.id, "device", req.ToDeviceID, "delivered", delivered)
	} else {
		metrics.DeliveryFailures.WithLabelValues(KindIncomingProfile).Inc()
		r.log.Debug("share.dropped", "from", senderID, "device", req.ToDeviceID)
	}

	if r.opts.ShareReceipts {
		r.sendLocked(sender, KindShareStatus, ShareStatus{ToDeviceID: req.ToDeviceID, Delivered: delivered})
	}
	return delivered, nil
}
