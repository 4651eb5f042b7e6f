package call

import "fmt"

// RingUpdate is the kind of an inbound group-ring signaling message.
type RingUpdate int

const (
	RingRequested RingUpdate = iota
	RingExpired
	RingAcceptedOnAnotherDevice
	RingDeclinedOnAnotherDevice
	RingBusyLocally
	RingBusyOnAnotherDevice
	RingCancelledByRinger
)

func (u RingUpdate) String() string {
	switch u {
	case RingRequested:
		return "requested"
	case RingExpired:
		return "expiredRing"
	case RingAcceptedOnAnotherDevice:
		return "acceptedOnAnotherDevice"
	case RingDeclinedOnAnotherDevice:
		return "declinedOnAnotherDevice"
	case RingBusyLocally:
		return "busyLocally"
	case RingBusyOnAnotherDevice:
		return "busyOnAnotherDevice"
	case RingCancelledByRinger:
		return "cancelledByRinger"
	default:
		return fmt.Sprintf("ringUpdate(%d)", int(u))
	}
}

// RingCancelReason is sent with an engine cancel-ring command.
type RingCancelReason int

const (
	RingCancelDeclined RingCancelReason = iota
	RingCancelBusy
)

func (r RingCancelReason) String() string {
	if r == RingCancelBusy {
		return "busy"
	}
	return "declined"
}

// RingDecision is the outcome of evaluating an inbound ring request.
type RingDecision int

const (
	// RingDecisionRing: create a session and present the ring.
	RingDecisionRing RingDecision = iota
	// RingDecisionCancel: tell the engine to cancel; no session is created.
	RingDecisionCancel
)

// RingContext is everything the acceptance decision depends on, gathered by
// the coordinator before evaluation so the policy itself stays pure.
type RingContext struct {
	ThreadExists     bool
	SenderBlocked    bool
	MemberCount      int
	MaxRingMembers   int
	AlreadyCancelled bool
}

// EvaluateRing decides whether an inbound ring request should be honoured.
// A replayed request whose ring id is already in the cancellation ledger is
// cancelled again rather than re-evaluated; only the ledger write is
// deduplicated (the caller skips it when AlreadyCancelled is set).
func EvaluateRing(rc RingContext) RingDecision {
	if rc.AlreadyCancelled {
		return RingDecisionCancel
	}
	if !rc.ThreadExists || rc.SenderBlocked {
		return RingDecisionCancel
	}
	if rc.MaxRingMembers > 0 && rc.MemberCount > rc.MaxRingMembers {
		return RingDecisionCancel
	}
	return RingDecisionRing
}

// deviceScopedRingUpdate reports whether an inbound ring update concerns only
// the sending user's own devices. Group-wide updates (expiry, the ringer's
// cancel) end the ring for every member; device-scoped ones only for the
// sender's siblings.
func deviceScopedRingUpdate(u RingUpdate) bool {
	switch u {
	case RingAcceptedOnAnotherDevice, RingDeclinedOnAnotherDevice, RingBusyLocally, RingBusyOnAnotherDevice:
		return true
	}
	return false
}

// endReasonForRingUpdate classifies a matched non-requested ring update for
// UI purposes. busyLocally is not expected inbound; it falls through to the
// busy-elsewhere classification (callers report the logic error).
func endReasonForRingUpdate(u RingUpdate) EndReason {
	switch u {
	case RingExpired:
		return EndedRingExpired
	case RingAcceptedOnAnotherDevice:
		return EndedAcceptedElsewhere
	case RingDeclinedOnAnotherDevice:
		return EndedDeclinedElsewhere
	case RingCancelledByRinger:
		return EndedRingCancelled
	case RingBusyLocally, RingBusyOnAnotherDevice:
		return EndedBusyElsewhere
	default:
		return EndedRingCancelled
	}
}
