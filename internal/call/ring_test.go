package call

import (
	"testing"

	"github.com/google/uuid"
)

func TestEvaluateRing(t *testing.T) {
	tests := []struct {
		name string
		rc   RingContext
		want RingDecision
	}{
		{"known small group rings", RingContext{ThreadExists: true, MemberCount: 3, MaxRingMembers: 8}, RingDecisionRing},
		{"unknown thread cancels", RingContext{ThreadExists: false}, RingDecisionCancel},
		{"blocked sender cancels", RingContext{ThreadExists: true, SenderBlocked: true}, RingDecisionCancel},
		{"oversized group cancels", RingContext{ThreadExists: true, MemberCount: 9, MaxRingMembers: 8}, RingDecisionCancel},
		{"at the limit still rings", RingContext{ThreadExists: true, MemberCount: 8, MaxRingMembers: 8}, RingDecisionRing},
		{"zero limit means unlimited", RingContext{ThreadExists: true, MemberCount: 100}, RingDecisionRing},
		{"already cancelled is cancelled again", RingContext{ThreadExists: true, MemberCount: 3, MaxRingMembers: 8, AlreadyCancelled: true}, RingDecisionCancel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EvaluateRing(tt.rc); got != tt.want {
				t.Fatalf("EvaluateRing(%+v) = %v, want %v", tt.rc, got, tt.want)
			}
		})
	}
}

func TestIncomingRingCreatesSession(t *testing.T) {
	h := newHarness(t)
	thread := groupThread("g1")
	h.dir.addGroup(thread, []string{"alice", "bob"})

	ringID := uuid.New()
	h.coord.ReceivedGroupRingUpdate(thread.GroupID, ringID, "alice", RingRequested)
	h.flush()

	s := h.coord.CurrentCall()
	if s == nil || s.Group == nil {
		t.Fatal("ring did not create a current group session")
	}
	ring := s.Group.Ring
	if ring.Kind != RingIncoming || ring.Caller != "alice" || ring.RingID != ringID {
		t.Fatalf("ring state = %+v", ring)
	}
	if h.dev.ringStarts != 1 {
		t.Fatal("ringtone did not start")
	}
}

func TestSecondRingWhileCurrentIsCancelledBusy(t *testing.T) {
	h := newHarness(t)
	thread := groupThread("g1")
	h.dir.addGroup(thread, []string{"alice", "bob"})

	first := uuid.New()
	second := uuid.New()
	h.coord.ReceivedGroupRingUpdate(thread.GroupID, first, "alice", RingRequested)
	h.flush()
	cur := h.coord.CurrentCall()

	h.coord.ReceivedGroupRingUpdate(thread.GroupID, second, "bob", RingRequested)
	h.flush()

	if h.coord.CurrentCall() != cur {
		t.Fatal("second ring displaced the first session")
	}
	if cur.Group.Ring.RingID != first {
		t.Fatal("second ring altered the first session's ring state")
	}
	if h.eng.count("cancel-ring:busy") != 1 {
		t.Fatalf("engine calls = %v, want one busy cancel", h.eng.recorded())
	}
	if !h.dir.RingCancellationExists(second) {
		t.Fatal("busy cancellation was not recorded")
	}
	if h.dir.RingCancellationExists(first) {
		t.Fatal("first ring was wrongly recorded as cancelled")
	}
}

func TestOversizedGroupRingNeverCreatesSession(t *testing.T) {
	h := newHarness(t)
	thread := groupThread("g1")
	members := make([]string, 9) // limit in the harness is 8
	for i := range members {
		members[i] = string(rune('a' + i))
	}
	h.dir.addGroup(thread, members)

	ringID := uuid.New()
	h.coord.ReceivedGroupRingUpdate(thread.GroupID, ringID, "alice", RingRequested)
	h.flush()

	if h.coord.HasCallInProgress() {
		t.Fatal("oversized group ring created a session")
	}
	if h.eng.count("cancel-ring:declined") != 1 {
		t.Fatalf("engine calls = %v, want one declined cancel", h.eng.recorded())
	}
	if !h.dir.RingCancellationExists(ringID) {
		t.Fatal("cancellation was not recorded")
	}
}

func TestCancelledRingReplayIsCancelledAgain(t *testing.T) {
	h := newHarness(t)
	thread := groupThread("g1")
	h.dir.addGroup(thread, []string{"alice", "bob"})

	ringID := uuid.New()
	h.dir.RecordRingCancellation(ringID)

	h.coord.ReceivedGroupRingUpdate(thread.GroupID, ringID, "alice", RingRequested)
	h.flush()

	if h.coord.HasCallInProgress() {
		t.Fatal("replayed ring created a session")
	}
	// The replay gets a fresh cancel on the wire but no second ledger write.
	if h.eng.count("cancel-ring:declined") != 1 {
		t.Fatalf("engine calls = %v, want one declined cancel", h.eng.recorded())
	}
	if got := h.dir.recordCount(ringID); got != 1 {
		t.Fatalf("ledger writes = %d, want 1", got)
	}
}

func TestRingCancellationEndsMatchingSession(t *testing.T) {
	tests := []struct {
		update RingUpdate
		want   EndReason
	}{
		{RingExpired, EndedRingExpired},
		{RingAcceptedOnAnotherDevice, EndedAcceptedElsewhere},
		{RingDeclinedOnAnotherDevice, EndedDeclinedElsewhere},
		{RingCancelledByRinger, EndedRingCancelled},
		{RingBusyOnAnotherDevice, EndedBusyElsewhere},
	}
	for _, tt := range tests {
		t.Run(tt.update.String(), func(t *testing.T) {
			h := newHarness(t)
			thread := groupThread("g1")
			h.dir.addGroup(thread, []string{"alice", "bob"})
			// Device-scoped updates only end the ring when they come from one
			// of our own linked devices.
			h.ident.siblings["alice"] = true

			ringID := uuid.New()
			h.coord.ReceivedGroupRingUpdate(thread.GroupID, ringID, "alice", RingRequested)
			h.flush()
			s := h.coord.CurrentCall()

			h.coord.ReceivedGroupRingUpdate(thread.GroupID, ringID, "alice", tt.update)
			h.flush()

			if h.coord.HasCallInProgress() {
				t.Fatal("cancellation left the session in play")
			}
			if s.EndReason() != tt.want {
				t.Fatalf("end reason = %v, want %v", s.EndReason(), tt.want)
			}
			if !h.dir.RingCancellationExists(ringID) {
				t.Fatal("cancellation was not recorded")
			}
		})
	}
}

func TestOtherMembersRingUpdateKeepsLocalRing(t *testing.T) {
	for _, update := range []RingUpdate{RingDeclinedOnAnotherDevice, RingBusyOnAnotherDevice} {
		t.Run(update.String(), func(t *testing.T) {
			h := newHarness(t)
			thread := groupThread("g1")
			h.dir.addGroup(thread, []string{"alice", "bob"})

			ringID := uuid.New()
			h.coord.ReceivedGroupRingUpdate(thread.GroupID, ringID, "alice", RingRequested)
			h.flush()

			// bob is another group member, not one of our devices: his decline
			// or busy must not silence our ring.
			h.coord.ReceivedGroupRingUpdate(thread.GroupID, ringID, "bob", update)
			h.flush()

			s := h.coord.CurrentCall()
			if s == nil || s.Group.Ring.Kind != RingIncoming {
				t.Fatalf("%s from another member tore down the live ring", update)
			}
			if !h.dir.RingCancellationExists(ringID) {
				t.Fatal("cancellation was not recorded")
			}
		})
	}
}

func TestUnmatchedRingCancellationStillRecorded(t *testing.T) {
	h := newHarness(t)
	thread := groupThread("g1")
	h.dir.addGroup(thread, []string{"alice", "bob"})

	ringID := uuid.New()
	other := uuid.New()
	h.coord.ReceivedGroupRingUpdate(thread.GroupID, ringID, "alice", RingRequested)
	h.flush()

	// A cancellation for a different ring: recorded, but the on-screen ring
	// stays up.
	h.coord.ReceivedGroupRingUpdate(thread.GroupID, other, "alice", RingExpired)
	h.flush()

	if !h.dir.RingCancellationExists(other) {
		t.Fatal("unmatched cancellation was not recorded")
	}
	s := h.coord.CurrentCall()
	if s == nil || s.Group.Ring.Kind != RingIncoming {
		t.Fatal("unmatched cancellation tore down the live ring")
	}
}

func TestBusyLocallyInboundIsReported(t *testing.T) {
	h := newHarness(t)
	h.coord.ReceivedGroupRingUpdate("grp-g1", uuid.New(), "alice", RingBusyLocally)
	h.flush()
	if len(h.reports()) == 0 {
		t.Fatal("inbound busyLocally was not reported as a logic error")
	}
}

func TestDeclineIncomingRing(t *testing.T) {
	h := newHarness(t)
	thread := groupThread("g1")
	h.dir.addGroup(thread, []string{"alice", "bob"})

	ringID := uuid.New()
	h.coord.ReceivedGroupRingUpdate(thread.GroupID, ringID, "alice", RingRequested)
	h.flush()

	h.coord.DeclineIncomingRing()
	if h.coord.HasCallInProgress() {
		t.Fatal("declined ring left a session")
	}
	if h.eng.count("cancel-ring:declined") != 1 {
		t.Fatalf("engine calls = %v, want one declined cancel", h.eng.recorded())
	}
	if !h.dir.RingCancellationExists(ringID) {
		t.Fatal("local decline was not recorded")
	}
}
