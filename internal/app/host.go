package app

import (
	"log"

	"github.com/google/uuid"

	"github.com/pipit-im/pipit/internal/call"
	"github.com/pipit-im/pipit/internal/directory"
	"github.com/pipit-im/pipit/internal/identity"
)

// headlessDevice satisfies call.DeviceController for a daemon without audio
// hardware routing: every actuation is logged so operators can follow what a
// real host integration would do.
type headlessDevice struct{}

func (headlessDevice) SetAudioEnabled(on bool)    { log.Printf("DEV: audio session %v", on) }
func (headlessDevice) SetSpeakerphone(on bool)    { log.Printf("DEV: speakerphone %v", on) }
func (headlessDevice) KeepAwake(on bool)          { log.Printf("DEV: keep awake %v", on) }
func (headlessDevice) ObserveOrientation(on bool) { log.Printf("DEV: orientation updates %v", on) }
func (headlessDevice) StartRingtone()             { log.Printf("DEV: ringtone start") }
func (headlessDevice) StopRingtone()              { log.Printf("DEV: ringtone stop") }

// headlessPermissions grants capture permissions unconditionally; the daemon
// has no OS prompt to defer to.
type headlessPermissions struct{}

func (headlessPermissions) RequestMicrophone(fn func(granted bool)) { fn(true) }
func (headlessPermissions) RequestCamera(fn func(granted bool))     { fn(true) }

// identityChecker adapts the fingerprint store to the coordinator's trust
// gate. With no interactive surface, changed keys are confirmed only when the
// operator opted in via -confirm-changed-keys.
type identityChecker struct {
	store       *identity.Store
	autoConfirm bool
}

func (c *identityChecker) Verified(peerID string) bool {
	return c.store.TrustState(peerID) != identity.TrustChanged
}

// SiblingDevice: the daemon registers exactly one device and has no device
// linking, so no peer is ever a sibling.
func (c *identityChecker) SiblingDevice(peerID string) bool { return false }

func (c *identityChecker) RequestConfirmation(peerID string, fn func(confirmed bool)) {
	if fp, ok := c.store.Pinned(peerID); ok {
		log.Printf("IDN: confirmation needed for %s (fingerprint %s)", peerID, fp)
	}
	if !c.autoConfirm {
		fn(false)
		return
	}
	c.store.Confirm(peerID)
	fn(true)
}

// dirAdapter maps the sqlite directory onto the coordinator's lookup surface.
type dirAdapter struct {
	db *directory.DB
}

func (a dirAdapter) LookupThread(id string) (call.Thread, bool) {
	t, ok := a.db.LookupThread(id)
	if !ok {
		return call.Thread{}, false
	}
	return toCallThread(t), true
}

func (a dirAdapter) LookupThreadByGroup(groupID string) (call.Thread, bool) {
	t, ok := a.db.LookupThreadByGroup(groupID)
	if !ok {
		return call.Thread{}, false
	}
	return toCallThread(t), true
}

func (a dirAdapter) LookupGroupMembership(groupID string) ([]string, error) {
	return a.db.LookupGroupMembership(groupID)
}

func (a dirAdapter) RingCancellationExists(ringID uuid.UUID) bool {
	return a.db.RingCancellationExists(ringID)
}

func (a dirAdapter) RecordRingCancellation(ringID uuid.UUID) {
	a.db.RecordRingCancellation(ringID)
}

func toCallThread(t directory.Thread) call.Thread {
	kind := call.ThreadDirect
	if t.Kind == directory.ThreadGroup {
		kind = call.ThreadGroup
	}
	return call.Thread{
		ID:      t.ID,
		Kind:    kind,
		Peer:    t.Peer,
		GroupID: t.GroupID,
		Blocked: t.Blocked,
	}
}

// logObserver traces current-call transitions and session failures.
type logObserver struct{}

func (logObserver) OnCurrentCallChanged(old, newCall *call.Session) {
	switch {
	case newCall != nil:
		log.Printf("APP: current call → %s", newCall)
	case old != nil:
		log.Printf("APP: current call cleared (was %s)", old)
	}
}

func (logObserver) OnSessionFailure(s *call.Session, err error) {
	log.Printf("APP: session failure on %s: %v", s, err)
}
