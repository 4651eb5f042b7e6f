package call

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pipit-im/pipit/internal/datamode"
)

// sendTimeout bounds one outbound signaling send. Retries, if any, are the
// transport's responsibility.
const sendTimeout = 10 * time.Second

var (
	// ErrUntrustedPeer marks a send that failed because the recipient's
	// identity key changed. Transports wrap it so the coordinator can
	// surface the failure to observers.
	ErrUntrustedPeer = errors.New("call: recipient identity untrusted")

	errConnectFailed = errors.New("call: media engine refused to connect")
)

// Options carries the coordinator's injected collaborators.
type Options struct {
	Engine       MediaEngine
	Transport    MessageTransport
	Directory    Directory
	Device       DeviceController
	Permissions  PermissionRequester
	Identity     IdentityChecker
	Reachability datamode.Reachability

	// MaxRingMembers caps group size for inbound ring acceptance.
	MaxRingMembers int

	// RestrictedEnvironment disables local video capture entirely
	// (simulator-like hosts without camera access).
	RestrictedEnvironment bool

	HighDataPreference datamode.Preference

	// Reportf is the non-fatal assertion sink for invariant violations.
	// Nil means log only; tests install a t.Errorf-backed sink.
	Reportf func(format string, args ...any)
}

// Coordinator owns the registry, consumes engine and transport events, and
// issues engine commands and outbound signaling. Every operation runs on one
// serial call-control goroutine; there is no locking in the call state
// because there is no concurrent writer.
type Coordinator struct {
	reg       *Registry
	engine    MediaEngine
	transport MessageTransport
	dir       Directory
	device    DeviceController
	perms     PermissionRequester
	identity  IdentityChecker
	reach     datamode.Reachability
	reportf   func(format string, args ...any)

	ops  chan func()
	done chan struct{}

	registered      bool
	appForegrounded bool
	restrictedEnv   bool
	route           datamode.Route
	highDataPref    datamode.Preference
	maxRingMembers  int

	// Optional host hooks for engine telemetry.
	OnAudioLevelsFn  func(captured, received float32)
	OnLowBandwidthFn func(recoverable bool)
}

// New creates a coordinator and starts its call-control goroutine.
func New(o Options) *Coordinator {
	reportf := o.Reportf
	if reportf == nil {
		reportf = func(format string, args ...any) {
			log.Printf("CALL: invariant: "+format, args...)
		}
	}
	c := &Coordinator{
		engine:          o.Engine,
		transport:       o.Transport,
		dir:             o.Directory,
		device:          o.Device,
		perms:           o.Permissions,
		identity:        o.Identity,
		reach:           o.Reachability,
		reportf:         reportf,
		ops:             make(chan func(), 128),
		done:            make(chan struct{}),
		appForegrounded: true,
		restrictedEnv:   o.RestrictedEnvironment,
		highDataPref:    o.HighDataPreference,
		maxRingMembers:  o.MaxRingMembers,
	}
	c.reg = NewRegistry(o.Device, reportf)
	c.reg.onCurrentChanged = c.currentChanged
	go c.run()
	return c
}

// Close stops the call-control goroutine and the observer notifier.
func (c *Coordinator) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.reg.Close()
}

// Registry exposes the registry for observer subscription and queries.
func (c *Coordinator) Registry() *Registry { return c.reg }

// CurrentCall returns the current session, or nil. Safe from any goroutine.
func (c *Coordinator) CurrentCall() *Session { return c.reg.Current() }

// HasCallInProgress reports whether any session is in play.
func (c *Coordinator) HasCallInProgress() bool { return c.reg.HasCallInProgress() }

func (c *Coordinator) run() {
	for {
		select {
		case <-c.done:
			return
		case fn := <-c.ops:
			fn()
		}
	}
}

// post queues fn on the call-control goroutine.
func (c *Coordinator) post(fn func()) {
	select {
	case c.ops <- fn:
	case <-c.done:
	}
}

// do runs fn on the call-control goroutine and waits for it. Never call from
// inside the loop.
func (c *Coordinator) do(fn func()) {
	doneCh := make(chan struct{})
	c.post(func() {
		defer close(doneCh)
		fn()
	})
	select {
	case <-doneCh:
	case <-c.done:
	}
}

// SetRegistered marks the signaling transport as usable. Outgoing calls fail
// fast until then.
func (c *Coordinator) SetRegistered(v bool) {
	c.post(func() { c.registered = v })
}

// currentChanged is the registry hook: re-derive policy for the new current
// call before observers are notified.
func (c *Coordinator) currentChanged(old, newCall *Session) {
	c.updateIsVideoEnabled()
	c.configureDataMode()
}

// ─── Outgoing calls ──────────────────────────────────────────────────────────

// InitiateOutgoingCall starts a 1:1 call on a direct thread. Returns false if
// the client is not registered, a call is already in progress, or the peer's
// identity needs confirmation (in which case a confirmation round-trip is
// started and the call retried exactly once on success).
func (c *Coordinator) InitiateOutgoingCall(thread Thread, isVideo bool) bool {
	var ok bool
	c.do(func() { ok = c.initiateOutgoingCall(thread, isVideo, false) })
	return ok
}

func (c *Coordinator) initiateOutgoingCall(thread Thread, isVideo, confirmedRetry bool) bool {
	if !c.registered {
		log.Printf("CALL: cannot place call — not registered")
		return false
	}
	if thread.Kind != ThreadDirect {
		c.reportf("initiateOutgoingCall: %s is not a direct thread", thread.ID)
		return false
	}
	if c.reg.HasCallInProgress() {
		log.Printf("CALL: cannot place call — another call is in progress")
		return false
	}
	if !confirmedRetry && !c.identity.Verified(thread.Peer) {
		log.Printf("CALL: identity confirmation required for %s", thread.Peer)
		c.identity.RequestConfirmation(thread.Peer, func(confirmed bool) {
			if !confirmed {
				return
			}
			// Retried exactly once per explicit user confirmation.
			c.post(func() { c.initiateOutgoingCall(thread, isVideo, true) })
		})
		return false
	}

	s := NewIndividualSession(thread, thread.Peer, IndividualDialing)
	s.Individual.HasLocalVideo = isVideo
	c.reg.AddCall(s)
	c.reg.SetCurrent(s)
	c.device.SetAudioEnabled(true)

	if !c.engine.Connect(s) {
		c.handleFailedCall(s, errConnectFailed)
		return false
	}
	s.reportedToSystem = true
	c.updateIsVideoEnabled()
	c.configureDataMode()
	log.Printf("CALL: placed outgoing %s to %s", s, thread.Peer)
	return true
}

// BuildAndConnectGroupCall creates a group session, registers it, makes it
// current, and connects. Returns nil if a call is already in progress or the
// engine refuses — on the refusal path the just-created session is terminated
// so no orphaned registry entries remain.
func (c *Coordinator) BuildAndConnectGroupCall(thread Thread, videoMuted bool) *Session {
	var out *Session
	c.do(func() { out = c.buildAndConnectGroupCall(thread, videoMuted) })
	return out
}

func (c *Coordinator) buildAndConnectGroupCall(thread Thread, videoMuted bool) *Session {
	if !c.registered {
		log.Printf("CALL: cannot build group call — not registered")
		return nil
	}
	if thread.Kind != ThreadGroup {
		c.reportf("buildAndConnectGroupCall: %s is not a group thread", thread.ID)
		return nil
	}
	if c.reg.HasCallInProgress() {
		log.Printf("CALL: cannot build group call — another call is in progress")
		return nil
	}

	s := NewGroupSession(thread)
	s.Group.VideoMuted = videoMuted
	c.reg.AddCall(s)
	c.device.SetAudioEnabled(true)
	c.device.SetSpeakerphone(true)
	c.reg.SetCurrent(s)

	if !c.engine.Connect(s) {
		c.handleFailedCall(s, errConnectFailed)
		return nil
	}
	s.Group.JoinState = GroupConnecting

	if members, err := c.dir.LookupGroupMembership(thread.GroupID); err == nil {
		s.Group.Members = members
		c.engine.UpdateGroupMembers(s, members)
	} else {
		log.Printf("CALL: membership lookup for %s: %v", thread.GroupID, err)
	}
	return s
}

// JoinGroupCallIfNecessary connects and joins a group session. Idempotent:
// safe on an already-joined call. If a different call is current, the request
// is a programming error and is dropped.
func (c *Coordinator) JoinGroupCallIfNecessary(s *Session) {
	c.do(func() { c.joinGroupCallIfNecessary(s) })
}

func (c *Coordinator) joinGroupCallIfNecessary(s *Session) {
	g := s.Group
	if g == nil {
		c.reportf("joinGroupCall: %s is not a group call", s)
		return
	}
	cur := c.reg.Current()
	if cur == nil {
		c.reg.SetCurrent(s)
	} else if cur != s {
		c.reportf("joinGroupCall: %s requested while %s is current", s, cur)
		return
	}

	g.wantJoin = true
	switch g.JoinState {
	case GroupNotJoined:
		if !c.engine.Connect(s) {
			c.handleFailedCall(s, errConnectFailed)
			return
		}
		g.JoinState = GroupConnecting
	case GroupConnected:
		c.engine.Join(s)
		g.JoinState = GroupJoining
	}

	// Inbound rings are reported through the ring-acceptance path instead.
	if !s.reportedToSystem && g.Ring.Kind != RingIncoming {
		s.reportedToSystem = true
		log.Printf("CALL: reported outgoing %s to system call UI", s)
	}
}

// SetOutgoingRing arms ringing for a locally-originated group call. Peers are
// only rung once the local device has successfully joined.
func (c *Coordinator) SetOutgoingRing(s *Session) {
	c.post(func() {
		if s.Group == nil {
			c.reportf("setOutgoingRing: %s is not a group call", s)
			return
		}
		if s.Group.Ring.Kind != RingNone {
			return
		}
		s.Group.Ring.Kind = RingShouldRing
		if s.Group.JoinState == GroupJoined {
			c.startOutgoingRing(s)
		}
	})
}

func (c *Coordinator) startOutgoingRing(s *Session) {
	s.Group.Ring = RingState{Kind: RingRinging, RingID: uuid.New()}
	c.engine.RingAll(s)
	c.device.StartRingtone()
	log.Printf("CALL: ringing group %s (ring %s)", s.Thread.GroupID, s.Group.Ring.RingID.String()[:8])
}

// AcceptIncomingCall answers the current ringing call.
func (c *Coordinator) AcceptIncomingCall() {
	c.do(func() {
		s := c.reg.Current()
		if s == nil {
			return
		}
		c.device.StopRingtone()
		switch s.Mode() {
		case ModeIndividual:
			c.engine.Join(s)
		case ModeGroup:
			if s.Group.Ring.Kind == RingIncoming {
				s.Group.Ring.Kind = RingRinging
			}
			c.joinGroupCallIfNecessary(s)
		}
	})
}

// ─── Termination and failure ────────────────────────────────────────────────

// Terminate ends a session by local intent. The single exit path for every
// call; calling it twice is safe (the second reports unknown and does
// nothing further).
func (c *Coordinator) Terminate(s *Session) {
	c.do(func() { c.terminate(s, EndedLocalHangup) })
}

func (c *Coordinator) terminate(s *Session, reason EndReason) {
	// Clear current before anything else so re-entrant queries never see a
	// stale current call mid-teardown.
	if c.reg.Current() == s {
		c.reg.SetCurrent(nil)
	}

	if !c.reg.RemoveCall(s.ID) {
		c.reportf("terminate: unknown call %s", s)
		return
	}
	s.MarkEnded(reason)

	if !c.reg.HasCallInProgress() {
		c.device.SetAudioEnabled(false)
	}
	c.device.StopRingtone()

	switch s.Mode() {
	case ModeIndividual:
		s.Individual.State = IndividualEnded
		c.engine.Disconnect(s)
	case ModeGroup:
		c.engine.Leave(s)
		// Fresh peek so the UI reflects post-leave participant state. Must
		// precede Disconnect, which forgets the engine-side session.
		c.engine.RequestPeek(s)
		c.engine.Disconnect(s)
	}
	log.Printf("CALL: terminated %s", s)
}

// HandleFailedCall records the error and tears the session down. Individual
// calls route through a dedicated failure handler so the UI can show the
// failure before the session disappears.
func (c *Coordinator) HandleFailedCall(s *Session, err error) {
	c.do(func() { c.handleFailedCall(s, err) })
}

func (c *Coordinator) handleFailedCall(s *Session, err error) {
	s.recordError(err)
	log.Printf("CALL: %s failed: %v", s, err)
	if s.Mode() == ModeIndividual {
		c.reg.notifyFailure(s, err)
		c.terminate(s, EndedFailure)
		return
	}
	c.terminate(s, EndedFailure)
}

// ─── Mute and video intents ─────────────────────────────────────────────────

// UpdateIsLocalAudioMuted mutes or unmutes the microphone for the current
// call. The session is captured before any permission prompt so a prompt
// cannot race a call switch; a stale decision is discarded.
func (c *Coordinator) UpdateIsLocalAudioMuted(muted bool) {
	c.post(func() {
		s := c.reg.Current()
		if s == nil {
			return
		}
		if muted {
			c.applyAudioMute(s, true)
			return
		}
		c.perms.RequestMicrophone(func(granted bool) {
			c.post(func() {
				if c.reg.Current() != s {
					log.Printf("CALL: mic permission resolved for stale %s — dropping", s)
					return
				}
				if !granted {
					log.Printf("CALL: mic permission denied — %s stays muted", s)
					return
				}
				c.applyAudioMute(s, false)
			})
		})
	})
}

func (c *Coordinator) applyAudioMute(s *Session, muted bool) {
	switch s.Mode() {
	case ModeIndividual:
		s.Individual.AudioMuted = muted
	case ModeGroup:
		s.Group.AudioMuted = muted
	}
	c.engine.SetLocalAudioEnabled(!muted, s)
}

// UpdateIsLocalVideoMuted mirrors UpdateIsLocalAudioMuted for the camera.
func (c *Coordinator) UpdateIsLocalVideoMuted(muted bool) {
	c.post(func() {
		s := c.reg.Current()
		if s == nil {
			return
		}
		if muted {
			c.applyVideoMute(s, true)
			return
		}
		c.perms.RequestCamera(func(granted bool) {
			c.post(func() {
				if c.reg.Current() != s {
					log.Printf("CALL: camera permission resolved for stale %s — dropping", s)
					return
				}
				if !granted {
					log.Printf("CALL: camera permission denied — %s stays video-muted", s)
					return
				}
				c.applyVideoMute(s, false)
			})
		})
	})
}

func (c *Coordinator) applyVideoMute(s *Session, muted bool) {
	switch s.Mode() {
	case ModeIndividual:
		s.Individual.HasLocalVideo = !muted
	case ModeGroup:
		s.Group.VideoMuted = muted
	}
	c.updateIsVideoEnabled()
}

// updateIsVideoEnabled derives "should have local video" from environment,
// foreground state and call state, and either flips the engine's video track
// (once connected) or drives raw capture for the pre-connect preview.
func (c *Coordinator) updateIsVideoEnabled() {
	s := c.reg.Current()
	if s == nil {
		return
	}
	should := c.shouldHaveLocalVideo(s)

	if c.isConnected(s) {
		c.engine.SetLocalVideoEnabled(should, s)
		return
	}
	if should {
		c.engine.StartLocalCapture(s)
	} else {
		c.engine.StopLocalCapture(s)
	}
}

func (c *Coordinator) shouldHaveLocalVideo(s *Session) bool {
	if c.restrictedEnv || !c.appForegrounded {
		return false
	}
	switch s.Mode() {
	case ModeIndividual:
		return s.Individual.HasLocalVideo
	case ModeGroup:
		return !s.Group.VideoMuted
	}
	return false
}

func (c *Coordinator) isConnected(s *Session) bool {
	switch s.Mode() {
	case ModeIndividual:
		return s.Individual.State == IndividualConnected || s.Individual.State == IndividualReconnecting
	case ModeGroup:
		return s.Group.JoinState >= GroupConnected
	}
	return false
}

// ─── Data mode and environment ──────────────────────────────────────────────

// configureDataMode re-evaluates the low-data decision for the current
// call/route pair and pushes it to the engine. Never cached: every relevant
// signal calls back in here.
func (c *Coordinator) configureDataMode() {
	s := c.reg.Current()
	if s == nil {
		return
	}
	low := datamode.ShouldUseLowData(c.route, c.highDataPref, c.reach)
	c.engine.SetLowDataMode(s, low)
}

// OnNetworkRouteChanged is the engine's route-change callback.
func (c *Coordinator) OnNetworkRouteChanged(route datamode.Route) {
	c.post(func() {
		c.route = route
		log.Printf("CALL: network route changed (adapter=%s)", route.LocalAdapter)
		c.configureDataMode()
	})
}

// OnReachabilityChanged re-evaluates data mode after connectivity changes.
func (c *Coordinator) OnReachabilityChanged() {
	c.post(func() { c.configureDataMode() })
}

// SetAppForegrounded tracks the host app lifecycle; video capture and data
// mode both depend on it.
func (c *Coordinator) SetAppForegrounded(fg bool) {
	c.post(func() {
		c.appForegrounded = fg
		c.updateIsVideoEnabled()
		c.configureDataMode()
	})
}

// SetHighDataPreference applies a changed "high-data interfaces" preference
// (the config watcher calls this).
func (c *Coordinator) SetHighDataPreference(pref datamode.Preference) {
	c.post(func() {
		c.highDataPref = pref
		c.configureDataMode()
	})
}

// ─── Engine events ──────────────────────────────────────────────────────────

// OnCallConnected: the engine established media for an individual call.
func (c *Coordinator) OnCallConnected(id uuid.UUID) {
	c.post(func() {
		s, ok := c.reg.Lookup(id)
		if !ok || s.Individual == nil {
			log.Printf("CALL: connected event for unknown call %s — dropping", id.String()[:8])
			return
		}
		s.Individual.State = IndividualConnected
		c.device.StopRingtone()
		c.updateIsVideoEnabled()
		c.configureDataMode()
	})
}

// OnRemoteRinging: the callee's device acknowledged our offer.
func (c *Coordinator) OnRemoteRinging(id uuid.UUID) {
	c.post(func() {
		s, ok := c.reg.Lookup(id)
		if !ok || s.Individual == nil {
			return
		}
		if s.Individual.State == IndividualDialing {
			s.Individual.State = IndividualRemoteRinging
		}
	})
}

// OnCallReconnecting: media dropped but ICE may still recover.
func (c *Coordinator) OnCallReconnecting(id uuid.UUID) {
	c.post(func() {
		s, ok := c.reg.Lookup(id)
		if !ok || s.Individual == nil {
			return
		}
		if s.Individual.State == IndividualConnected {
			s.Individual.State = IndividualReconnecting
		}
	})
}

// OnCallEnded: the engine reports a call over, with a UI classification.
func (c *Coordinator) OnCallEnded(id uuid.UUID, reason EndReason) {
	c.post(func() {
		s, ok := c.reg.Lookup(id)
		if !ok {
			log.Printf("CALL: ended event for unknown call %s — dropping", id.String()[:8])
			return
		}
		c.terminate(s, reason)
	})
}

// OnCallFailure: a fatal engine error for a session.
func (c *Coordinator) OnCallFailure(id uuid.UUID, err error) {
	c.post(func() {
		s, ok := c.reg.Lookup(id)
		if !ok {
			log.Printf("CALL: failure event for unknown call %s — dropping (%v)", id.String()[:8], err)
			return
		}
		c.handleFailedCall(s, err)
	})
}

// OnLocalDeviceStateChanged: group join-state progress from the engine.
func (c *Coordinator) OnLocalDeviceStateChanged(id uuid.UUID, js GroupJoinState) {
	c.post(func() {
		s, ok := c.reg.Lookup(id)
		if !ok || s.Group == nil {
			log.Printf("CALL: device state for unknown call %s — dropping", id.String()[:8])
			return
		}
		s.Group.JoinState = js

		switch js {
		case GroupConnected:
			if s.Group.wantJoin {
				c.engine.Join(s)
				s.Group.JoinState = GroupJoining
			}
		case GroupJoined:
			// Never ring peers before our own join succeeded.
			if s.Group.Ring.Kind == RingShouldRing {
				c.startOutgoingRing(s)
			}
		}
		c.updateIsVideoEnabled()
		c.configureDataMode()
	})
}

// OnPeekChanged: fresh participant list for a group call.
func (c *Coordinator) OnPeekChanged(id uuid.UUID, members []string) {
	c.post(func() {
		s, ok := c.reg.Lookup(id)
		if !ok || s.Group == nil {
			return
		}
		s.Group.Members = members
	})
}

// OnGroupCallEnded: the engine dropped a group call (err nil means a normal
// local leave acknowledgement).
func (c *Coordinator) OnGroupCallEnded(id uuid.UUID, err error) {
	c.post(func() {
		s, ok := c.reg.Lookup(id)
		if !ok {
			return
		}
		if err != nil {
			c.handleFailedCall(s, err)
			return
		}
		c.terminate(s, EndedRemoteHangup)
	})
}

// OnAudioLevels forwards capture/receive levels to the host hook.
func (c *Coordinator) OnAudioLevels(captured, received float32) {
	if fn := c.OnAudioLevelsFn; fn != nil {
		fn(captured, received)
	}
}

// OnLowBandwidthForVideo: sustained bandwidth shortfall for video.
func (c *Coordinator) OnLowBandwidthForVideo(id uuid.UUID, recoverable bool) {
	c.post(func() {
		s, ok := c.reg.Lookup(id)
		if !ok {
			return
		}
		log.Printf("CALL: low bandwidth for video on %s (recoverable=%v)", s, recoverable)
		if fn := c.OnLowBandwidthFn; fn != nil {
			fn(recoverable)
		}
	})
}

// ─── Inbound signaling (transport decoder → coordinator) ────────────────────

// ReceivedOffer handles an inbound 1:1 call offer. With a current call
// already present the incoming call is failed outright — a hard single-call
// policy; there is no call waiting.
func (c *Coordinator) ReceivedOffer(from string, callID uuid.UUID, threadID string, sdp []byte) {
	c.post(func() {
		thread, ok := c.dir.LookupThread(threadID)
		if !ok {
			log.Printf("CALL: offer for unknown thread %s — dropping", threadID)
			return
		}
		if thread.Blocked {
			log.Printf("CALL: offer from blocked thread %s — dropping", threadID)
			return
		}
		if cur := c.reg.Current(); cur != nil {
			log.Printf("CALL: busy — refusing incoming call from %s", from)
			c.engine.DeclineBusy(callID, from)
			return
		}

		s := NewIndividualSession(thread, from, IndividualAnswering)
		s.ID = callID // caller-assigned, stable across both sides
		c.reg.AddCall(s)
		c.reg.SetCurrent(s)
		c.device.SetAudioEnabled(true)
		c.device.StartRingtone()
		s.reportedToSystem = true

		if !c.engine.Connect(s) {
			c.handleFailedCall(s, errConnectFailed)
			return
		}
		c.engine.HandleRemoteOffer(s, from, sdp)
	})
}

// ReceivedAnswer routes an answer to its session; stale answers are dropped.
func (c *Coordinator) ReceivedAnswer(from string, callID uuid.UUID, sdp []byte) {
	c.post(func() {
		s, ok := c.reg.Lookup(callID)
		if !ok {
			log.Printf("CALL: answer for unknown call %s — dropping", callID.String()[:8])
			return
		}
		c.engine.HandleRemoteAnswer(s, from, sdp)
	})
}

// ReceivedRinging: the callee's device acknowledged our offer on the wire.
func (c *Coordinator) ReceivedRinging(from string, callID uuid.UUID) {
	c.OnRemoteRinging(callID)
}

// ReceivedIceCandidates routes remote candidates to their session.
func (c *Coordinator) ReceivedIceCandidates(from string, callID uuid.UUID, candidates [][]byte) {
	c.post(func() {
		s, ok := c.reg.Lookup(callID)
		if !ok {
			log.Printf("CALL: candidates for unknown call %s — dropping", callID.String()[:8])
			return
		}
		c.engine.AddRemoteCandidates(s, from, candidates)
	})
}

// ReceivedHangup terminates the session the remote side hung up.
func (c *Coordinator) ReceivedHangup(from string, callID uuid.UUID) {
	c.post(func() {
		s, ok := c.reg.Lookup(callID)
		if !ok {
			log.Printf("CALL: hangup for unknown call %s — dropping", callID.String()[:8])
			return
		}
		c.terminate(s, EndedRemoteHangup)
	})
}

// ReceivedBusy terminates an outgoing call the callee refused as busy.
func (c *Coordinator) ReceivedBusy(from string, callID uuid.UUID) {
	c.post(func() {
		s, ok := c.reg.Lookup(callID)
		if !ok {
			return
		}
		c.terminate(s, EndedRemoteBusy)
	})
}

// ─── Outbound signaling (engine → transport) ────────────────────────────────

// OnSendOffer and friends are the engine's send requests. The session is
// validated on the call-control context, then the send runs asynchronously;
// individual network failures are logged, not retried here. Identity-trust
// failures surface as a session-level failure notification.

func (c *Coordinator) OnSendOffer(id uuid.UUID, recipient string, payload []byte) {
	c.post(func() { c.sendToUser(id, recipient, payload, UrgencyHandleImmediately, "offer") })
}

func (c *Coordinator) OnSendAnswer(id uuid.UUID, recipient string, payload []byte) {
	c.post(func() { c.sendToUser(id, recipient, payload, UrgencyHandleImmediately, "answer") })
}

func (c *Coordinator) OnSendIceCandidates(id uuid.UUID, recipient string, payloads [][]byte) {
	c.post(func() {
		for _, p := range payloads {
			c.sendToUser(id, recipient, p, UrgencyDroppable, "ice")
		}
	})
}

func (c *Coordinator) OnSendRinging(id uuid.UUID, recipient string, payload []byte) {
	c.post(func() { c.sendToUser(id, recipient, payload, UrgencyDroppable, "ringing") })
}

func (c *Coordinator) OnSendHangup(id uuid.UUID, recipient string, payload []byte) {
	// The session is usually gone by the time the engine composes the
	// hangup, so this send skips the registry check on purpose.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := c.transport.SendToUser(ctx, recipient, payload, UrgencyHandleImmediately); err != nil {
			log.Printf("CALL: hangup send to %s failed: %v", recipient, err)
		}
	}()
}

func (c *Coordinator) sendToUser(id uuid.UUID, recipient string, payload []byte, urg Urgency, kind string) {
	if _, ok := c.reg.Lookup(id); !ok {
		log.Printf("CALL: %s send for unknown call %s — dropping", kind, id.String()[:8])
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		err := c.transport.SendToUser(ctx, recipient, payload, urg)
		if err == nil {
			return
		}
		log.Printf("CALL: %s send to %s failed: %v", kind, recipient, err)
		if errors.Is(err, ErrUntrustedPeer) {
			c.post(func() {
				if s, ok := c.reg.Lookup(id); ok {
					c.reg.notifyFailure(s, err)
				}
			})
		}
	}()
}
