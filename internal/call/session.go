package call

import (
	"fmt"

	"github.com/google/uuid"
)

// Mode is the call's shape, fixed at creation. The tag determines which of
// Individual/Group is populated; the other branch is always nil.
type Mode int

const (
	ModeIndividual Mode = iota
	ModeGroup
)

func (m Mode) String() string {
	switch m {
	case ModeIndividual:
		return "individual"
	case ModeGroup:
		return "group"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// IndividualCallState tracks a 1:1 call through its lifecycle.
type IndividualCallState int

const (
	IndividualDialing IndividualCallState = iota
	IndividualAnswering
	IndividualRemoteRinging
	IndividualConnected
	IndividualReconnecting
	IndividualEnded
)

func (s IndividualCallState) String() string {
	switch s {
	case IndividualDialing:
		return "dialing"
	case IndividualAnswering:
		return "answering"
	case IndividualRemoteRinging:
		return "remoteRinging"
	case IndividualConnected:
		return "connected"
	case IndividualReconnecting:
		return "reconnecting"
	case IndividualEnded:
		return "ended"
	default:
		return fmt.Sprintf("individualState(%d)", int(s))
	}
}

// IndividualState is the 1:1 branch of a session.
type IndividualState struct {
	RemoteUser    string
	State         IndividualCallState
	AudioMuted    bool
	HasLocalVideo bool
}

// GroupJoinState tracks this device's relationship to a group call.
type GroupJoinState int

const (
	GroupNotJoined GroupJoinState = iota
	GroupConnecting
	GroupConnected
	GroupJoining
	GroupJoined
)

func (s GroupJoinState) String() string {
	switch s {
	case GroupNotJoined:
		return "notJoined"
	case GroupConnecting:
		return "connecting"
	case GroupConnected:
		return "connected"
	case GroupJoining:
		return "joining"
	case GroupJoined:
		return "joined"
	default:
		return fmt.Sprintf("joinState(%d)", int(s))
	}
}

// RingStateKind enumerates the group ring protocol states.
type RingStateKind int

const (
	RingNone RingStateKind = iota
	RingShouldRing
	RingRinging
	RingIncoming
	RingIncomingCancelled
)

func (k RingStateKind) String() string {
	switch k {
	case RingNone:
		return "noRing"
	case RingShouldRing:
		return "shouldRing"
	case RingRinging:
		return "ringing"
	case RingIncoming:
		return "incomingRing"
	case RingIncomingCancelled:
		return "incomingRingCancelled"
	default:
		return fmt.Sprintf("ringState(%d)", int(k))
	}
}

// RingState carries the ring protocol state; Caller and RingID are only
// meaningful for RingIncoming.
type RingState struct {
	Kind   RingStateKind
	Caller string
	RingID uuid.UUID
}

// GroupState is the group branch of a session.
type GroupState struct {
	JoinState  GroupJoinState
	AudioMuted bool
	VideoMuted bool
	Ring       RingState
	Members    []string

	// wantJoin records a join request that arrived before the engine
	// reported connected; the join is issued on that transition.
	wantJoin bool
}

// EndReason classifies why a call left the registry, for UI purposes.
type EndReason int

const (
	EndedNone EndReason = iota
	EndedLocalHangup
	EndedRemoteHangup
	EndedFailure
	EndedRemoteBusy
	EndedRingExpired
	EndedRingCancelled
	EndedAcceptedElsewhere
	EndedDeclinedElsewhere
	EndedBusyElsewhere
)

// Session is one in-flight call. All mutation happens on the coordinator's
// call-control goroutine; there is no internal locking because there is no
// concurrent writer.
type Session struct {
	ID     uuid.UUID
	Thread Thread

	mode       Mode
	Individual *IndividualState
	Group      *GroupState

	// reportedToSystem gates system call-UI reporting to once per session.
	reportedToSystem bool

	endReason EndReason
	err       error
}

// NewIndividualSession creates a 1:1 session in the given starting state.
func NewIndividualSession(thread Thread, remoteUser string, state IndividualCallState) *Session {
	return &Session{
		ID:     uuid.New(),
		Thread: thread,
		mode:   ModeIndividual,
		Individual: &IndividualState{
			RemoteUser: remoteUser,
			State:      state,
		},
	}
}

// NewGroupSession creates a group session with no ring state.
func NewGroupSession(thread Thread) *Session {
	return &Session{
		ID:     uuid.New(),
		Thread: thread,
		mode:   ModeGroup,
		Group:  &GroupState{},
	}
}

func (s *Session) Mode() Mode { return s.mode }

// SameThread reports whether the session belongs to the given thread.
func (s *Session) SameThread(t Thread) bool { return s.Thread.ID == t.ID }

// recordError notes the last fatal error for diagnostics. A later failure may
// overwrite the value but never un-terminates the call.
func (s *Session) recordError(err error) {
	s.err = err
}

// Err returns the last fatal error recorded for this session, if any.
func (s *Session) Err() error { return s.err }

// MarkEnded records the termination classification. The coordinator sets it
// before engine teardown so Disconnect can tell a local hangup from a remote
// one.
func (s *Session) MarkEnded(reason EndReason) { s.endReason = reason }

// EndReason returns the termination classification, EndedNone while in play.
func (s *Session) EndReason() EndReason { return s.endReason }

func (s *Session) String() string {
	return fmt.Sprintf("%s call %s (thread %s)", s.mode, s.ID.String()[:8], s.Thread.ID)
}
