package signal

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pipit-im/pipit/internal/call"
)

// CallProtoID is the libp2p stream protocol for 1:1 call signaling.
const CallProtoID = "/pipit/call/1.0.0"

// GroupTopic returns the pubsub topic carrying group-call signaling for one
// group.
func GroupTopic(groupID string) string {
	return "pipit/call/group/" + groupID
}

// Envelope kind values on the wire.
const (
	KindOffer      = "offer"
	KindAnswer     = "answer"
	KindRinging    = "ringing"
	KindIce        = "ice"
	KindHangup     = "hangup"
	KindBusy       = "busy"
	KindRingUpdate = "ringUpdate"
	KindPresence   = "presence"
)

// Envelope is the newline-delimited JSON wire frame for call signaling, over
// both direct streams and group pubsub.
type Envelope struct {
	Type    string `json:"type"` // "msg" | "ack"
	ID      string `json:"id"`
	Seq     int64  `json:"seq,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Urgency string `json:"urgency,omitempty"` // "droppable" | "immediate"

	CallID   string `json:"callId,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
	GroupID  string `json:"groupId,omitempty"`
	RingID   string `json:"ringId,omitempty"`
	Update   string `json:"update,omitempty"` // ring update kind

	// SDP or candidate payload, opaque to the transport.
	Body []byte `json:"body,omitempty"`
}

// Ack is the transport acknowledgement written back on the same stream.
type Ack struct {
	Type string `json:"type"` // "ack"
	ID   string `json:"id"`
	Seq  int64  `json:"seq,omitempty"`
}

// ParseRingUpdate maps a wire update string to its enum value.
func ParseRingUpdate(s string) (call.RingUpdate, error) {
	switch s {
	case "requested":
		return call.RingRequested, nil
	case "expiredRing":
		return call.RingExpired, nil
	case "acceptedOnAnotherDevice":
		return call.RingAcceptedOnAnotherDevice, nil
	case "declinedOnAnotherDevice":
		return call.RingDeclinedOnAnotherDevice, nil
	case "busyLocally":
		return call.RingBusyLocally, nil
	case "busyOnAnotherDevice":
		return call.RingBusyOnAnotherDevice, nil
	case "cancelledByRinger":
		return call.RingCancelledByRinger, nil
	default:
		return 0, fmt.Errorf("signal: unknown ring update %q", s)
	}
}

// Receiver is what the transport dispatches decoded envelopes into. The call
// coordinator satisfies it directly.
type Receiver interface {
	ReceivedOffer(from string, callID uuid.UUID, threadID string, sdp []byte)
	ReceivedAnswer(from string, callID uuid.UUID, sdp []byte)
	ReceivedRinging(from string, callID uuid.UUID)
	ReceivedIceCandidates(from string, callID uuid.UUID, candidates [][]byte)
	ReceivedHangup(from string, callID uuid.UUID)
	ReceivedBusy(from string, callID uuid.UUID)
	ReceivedGroupRingUpdate(groupID string, ringID uuid.UUID, sender string, update call.RingUpdate)
}
