// Package call is the call-session coordination layer: it tracks which call
// is current on this device, multiplexes signaling between the media engine
// and the message transport, and applies ring and data-mode policy. It is
// designed to be maximally standalone — coupling to the rest of pipit is via
// the collaborator interfaces below only.
package call

import (
	"context"

	"github.com/google/uuid"
)

// ThreadKind distinguishes 1:1 threads from group threads.
type ThreadKind int

const (
	ThreadDirect ThreadKind = iota
	ThreadGroup
)

// Thread identifies the conversation a call belongs to. Sessions reference
// threads for identity comparisons; they never own them.
type Thread struct {
	ID      string
	Kind    ThreadKind
	Peer    string // direct threads: remote user id
	GroupID string // group threads: group id
	Blocked bool
}

// Urgency tags an outbound signaling payload for the transport.
type Urgency int

const (
	UrgencyDroppable Urgency = iota
	UrgencyHandleImmediately
)

// MediaEngine is the surface the coordinator needs from the media layer.
// Commands are synchronous from the coordinator's point of view: results
// arrive via later engine callbacks, never via a blocking return.
type MediaEngine interface {
	// Connect prepares media for a session. A false return means the engine
	// refused outright; later failures surface as engine events.
	Connect(s *Session) bool
	Join(s *Session)
	Leave(s *Session)
	Disconnect(s *Session)

	SetLocalAudioEnabled(enabled bool, s *Session)
	SetLocalVideoEnabled(enabled bool, s *Session)

	// StartLocalCapture/StopLocalCapture drive the raw camera before a
	// session is connected, so a self-preview can show without signaling
	// the remote side.
	StartLocalCapture(s *Session)
	StopLocalCapture(s *Session)

	UpdateGroupMembers(s *Session, members []string)
	RequestPeek(s *Session)
	RingAll(s *Session)
	CancelRing(groupID string, ringID uuid.UUID, reason RingCancelReason)

	// DeclineBusy refuses an inbound 1:1 offer without creating a session;
	// the engine composes and requests the busy send.
	DeclineBusy(callID uuid.UUID, from string)

	SetLowDataMode(s *Session, low bool)

	HandleRemoteOffer(s *Session, from string, sdp []byte)
	HandleRemoteAnswer(s *Session, from string, sdp []byte)
	AddRemoteCandidates(s *Session, from string, candidates [][]byte)
}

// MessageTransport delivers opaque signaling payloads to peers.
type MessageTransport interface {
	SendToUser(ctx context.Context, recipientID string, payload []byte, urgency Urgency) error
	SendToGroup(ctx context.Context, groupID string, payload []byte, urgency Urgency) error
}

// Directory is the persistent lookup side: threads, membership, and the
// ring-cancellation ledger.
type Directory interface {
	LookupThread(id string) (Thread, bool)
	LookupThreadByGroup(groupID string) (Thread, bool)
	LookupGroupMembership(groupID string) ([]string, error)
	RingCancellationExists(ringID uuid.UUID) bool
	RecordRingCancellation(ringID uuid.UUID)
}

// DeviceController actuates device-level policy decisions. The coordinator
// only decides; speakerphone routing, wake locks and ringtones live outside.
type DeviceController interface {
	SetAudioEnabled(on bool) // call-wide audio session
	SetSpeakerphone(on bool)
	KeepAwake(on bool)
	ObserveOrientation(on bool)
	StartRingtone()
	StopRingtone()
}

// PermissionRequester prompts for OS-level capture permissions. The decision
// arrives asynchronously; callers must re-validate their captured session
// before applying it.
type PermissionRequester interface {
	RequestMicrophone(fn func(granted bool))
	RequestCamera(fn func(granted bool))
}

// IdentityChecker gates outgoing calls on the peer's key trust state and
// knows which peers are the local user's own devices.
type IdentityChecker interface {
	// Verified reports whether the peer's identity needs no confirmation.
	Verified(peerID string) bool
	// RequestConfirmation asks the user to accept a changed key. fn fires at
	// most once, from an arbitrary goroutine.
	RequestConfirmation(peerID string, fn func(confirmed bool))
	// SiblingDevice reports whether peerID is another device linked to the
	// local user. Device-scoped ring updates only apply across siblings.
	SiblingDevice(peerID string) bool
}

// Observer is notified on every current-call transition. Notifications are
// delivered FIFO on a dedicated notifier goroutine, after the synchronous
// state change completes.
type Observer interface {
	OnCurrentCallChanged(old, newCall *Session)
}

// FailureObserver is an optional extension: observers that also implement it
// receive session-level failure notifications (e.g. an untrusted-peer send).
type FailureObserver interface {
	OnSessionFailure(s *Session, err error)
}
