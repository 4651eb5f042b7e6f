package call

import (
	"log"

	"github.com/google/uuid"
)

// ReceivedGroupRingUpdate handles an inbound group-ring signaling message.
// Requested rings go through acceptance policy; everything else is a
// cancellation-class update that is recorded durably and, if it matches the
// current incoming ring, ends it with a matching classification.
func (c *Coordinator) ReceivedGroupRingUpdate(groupID string, ringID uuid.UUID, sender string, update RingUpdate) {
	c.post(func() {
		if update == RingRequested {
			c.handleRingRequest(groupID, ringID, sender)
			return
		}
		c.handleRingCancellation(groupID, ringID, sender, update)
	})
}

func (c *Coordinator) handleRingRequest(groupID string, ringID uuid.UUID, sender string) {
	thread, exists := c.dir.LookupThreadByGroup(groupID)

	var members []string
	if exists {
		var err error
		members, err = c.dir.LookupGroupMembership(groupID)
		if err != nil {
			log.Printf("GROUP: membership lookup for %s: %v", groupID, err)
		}
	}

	rc := RingContext{
		ThreadExists:     exists,
		SenderBlocked:    exists && thread.Blocked,
		MemberCount:      len(members),
		MaxRingMembers:   c.maxRingMembers,
		AlreadyCancelled: c.dir.RingCancellationExists(ringID),
	}
	if EvaluateRing(rc) == RingDecisionCancel {
		log.Printf("GROUP: declining ring %s for group %s", ringID.String()[:8], groupID)
		c.engine.CancelRing(groupID, ringID, RingCancelDeclined)
		// A replayed request for an already-cancelled ring is cancelled
		// again but not re-recorded.
		if !rc.AlreadyCancelled {
			c.dir.RecordRingCancellation(ringID)
		}
		return
	}

	// Policy says ring; now device availability. A different current call
	// means busy. A non-current call on the same thread (mid-teardown, or a
	// lobby) means this device is already engaged with the conversation and
	// the ring is silently ignored.
	if cur := c.reg.Current(); cur != nil {
		log.Printf("GROUP: busy — cancelling ring %s for group %s", ringID.String()[:8], groupID)
		c.engine.CancelRing(groupID, ringID, RingCancelBusy)
		c.dir.RecordRingCancellation(ringID)
		return
	}
	if existing, ok := c.reg.LookupByThread(thread.ID); ok {
		log.Printf("GROUP: ring %s for group %s while %s exists — ignoring", ringID.String()[:8], groupID, existing)
		return
	}

	s := NewGroupSession(thread)
	s.Group.Ring = RingState{Kind: RingIncoming, Caller: sender, RingID: ringID}
	s.Group.Members = members
	c.reg.AddCall(s)
	c.reg.SetCurrent(s)
	c.device.SetAudioEnabled(true)
	c.device.StartRingtone()
	s.reportedToSystem = true
	log.Printf("GROUP: incoming ring %s from %s for group %s", ringID.String()[:8], sender, groupID)
}

func (c *Coordinator) handleRingCancellation(groupID string, ringID uuid.UUID, sender string, update RingUpdate) {
	if update == RingBusyLocally {
		c.reportf("ring update busyLocally received from the network for ring %s", ringID.String()[:8])
	}

	// Recorded whether or not a matching ring is on screen, so a late or
	// replayed request for the same ring id stays dead.
	c.dir.RecordRingCancellation(ringID)

	// The "on another device" updates are scoped to the sender's own user: a
	// different member declining or being busy must not stop this device's
	// ring. Only the ringer's cancel and the group-wide expiry do that.
	if deviceScopedRingUpdate(update) && !c.identity.SiblingDevice(sender) {
		log.Printf("GROUP: ring %s %s by member %s — keeping local ring", ringID.String()[:8], update, sender)
		return
	}

	cur := c.reg.Current()
	if cur == nil || cur.Group == nil {
		return
	}
	ring := cur.Group.Ring
	if ring.Kind != RingIncoming || ring.RingID != ringID {
		return
	}

	cur.Group.Ring.Kind = RingIncomingCancelled
	log.Printf("GROUP: ring %s cancelled (%s)", ringID.String()[:8], update)
	c.terminate(cur, endReasonForRingUpdate(update))
}

// DeclineIncomingRing is the local user declining the current incoming group
// ring. The cancellation is broadcast so sibling devices stop ringing, and
// recorded so a replay cannot re-ring this device.
func (c *Coordinator) DeclineIncomingRing() {
	c.do(func() {
		cur := c.reg.Current()
		if cur == nil || cur.Group == nil || cur.Group.Ring.Kind != RingIncoming {
			return
		}
		ring := cur.Group.Ring
		c.engine.CancelRing(cur.Thread.GroupID, ring.RingID, RingCancelDeclined)
		c.dir.RecordRingCancellation(ring.RingID)
		cur.Group.Ring.Kind = RingIncomingCancelled
		c.terminate(cur, EndedLocalHangup)
	})
}
