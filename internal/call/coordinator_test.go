package call

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/pipit-im/pipit/internal/datamode"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls []string

	connectOK bool
	lowData   []bool
}

func newFakeEngine() *fakeEngine { return &fakeEngine{connectOK: true} }

func (e *fakeEngine) record(name string) {
	e.mu.Lock()
	e.calls = append(e.calls, name)
	e.mu.Unlock()
}

func (e *fakeEngine) recorded() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	copy(out, e.calls)
	return out
}

func (e *fakeEngine) count(name string) int {
	n := 0
	for _, c := range e.recorded() {
		if c == name {
			n++
		}
	}
	return n
}

func (e *fakeEngine) Connect(s *Session) bool {
	e.record("connect")
	return e.connectOK
}
func (e *fakeEngine) Join(s *Session)       { e.record("join") }
func (e *fakeEngine) Leave(s *Session)      { e.record("leave") }
func (e *fakeEngine) Disconnect(s *Session) { e.record("disconnect") }

func (e *fakeEngine) SetLocalAudioEnabled(enabled bool, s *Session) {
	if enabled {
		e.record("audio-on")
	} else {
		e.record("audio-off")
	}
}
func (e *fakeEngine) SetLocalVideoEnabled(enabled bool, s *Session) {
	if enabled {
		e.record("video-on")
	} else {
		e.record("video-off")
	}
}
func (e *fakeEngine) StartLocalCapture(s *Session) { e.record("capture-start") }
func (e *fakeEngine) StopLocalCapture(s *Session)  { e.record("capture-stop") }

func (e *fakeEngine) UpdateGroupMembers(s *Session, members []string) { e.record("members") }
func (e *fakeEngine) RequestPeek(s *Session)                          { e.record("peek") }
func (e *fakeEngine) RingAll(s *Session)                              { e.record("ring-all") }
func (e *fakeEngine) CancelRing(groupID string, ringID uuid.UUID, reason RingCancelReason) {
	e.record("cancel-ring:" + reason.String())
}
func (e *fakeEngine) DeclineBusy(callID uuid.UUID, from string) { e.record("decline-busy") }

func (e *fakeEngine) SetLowDataMode(s *Session, low bool) {
	e.mu.Lock()
	e.lowData = append(e.lowData, low)
	e.mu.Unlock()
}

func (e *fakeEngine) HandleRemoteOffer(s *Session, from string, sdp []byte)  { e.record("offer-in") }
func (e *fakeEngine) HandleRemoteAnswer(s *Session, from string, sdp []byte) { e.record("answer-in") }
func (e *fakeEngine) AddRemoteCandidates(s *Session, from string, candidates [][]byte) {
	e.record("candidates-in")
}

type fakeTransport struct {
	mu    sync.Mutex
	sends []string
	err   error
}

func (t *fakeTransport) SendToUser(ctx context.Context, recipientID string, payload []byte, urgency Urgency) error {
	t.mu.Lock()
	t.sends = append(t.sends, "user:"+recipientID)
	t.mu.Unlock()
	return t.err
}

func (t *fakeTransport) SendToGroup(ctx context.Context, groupID string, payload []byte, urgency Urgency) error {
	t.mu.Lock()
	t.sends = append(t.sends, "group:"+groupID)
	t.mu.Unlock()
	return t.err
}

type fakeDirectory struct {
	mu        sync.Mutex
	threads   map[string]Thread
	members   map[string][]string
	cancelled map[uuid.UUID]int // ring id → times recorded
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		threads:   make(map[string]Thread),
		members:   make(map[string][]string),
		cancelled: make(map[uuid.UUID]int),
	}
}

func (d *fakeDirectory) addGroup(t Thread, members []string) {
	d.mu.Lock()
	d.threads[t.ID] = t
	d.members[t.GroupID] = members
	d.mu.Unlock()
}

func (d *fakeDirectory) LookupThread(id string) (Thread, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.threads[id]
	return t, ok
}

func (d *fakeDirectory) LookupThreadByGroup(groupID string) (Thread, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.threads {
		if t.Kind == ThreadGroup && t.GroupID == groupID {
			return t, true
		}
	}
	return Thread{}, false
}

func (d *fakeDirectory) LookupGroupMembership(groupID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.members[groupID], nil
}

func (d *fakeDirectory) RingCancellationExists(ringID uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled[ringID] > 0
}

func (d *fakeDirectory) RecordRingCancellation(ringID uuid.UUID) {
	d.mu.Lock()
	d.cancelled[ringID]++
	d.mu.Unlock()
}

func (d *fakeDirectory) recordCount(ringID uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled[ringID]
}

type fakePerms struct {
	mu      sync.Mutex
	micFns  []func(bool)
	camFns  []func(bool)
	autoMic bool
}

func (p *fakePerms) RequestMicrophone(fn func(granted bool)) {
	if p.autoMic {
		fn(true)
		return
	}
	p.mu.Lock()
	p.micFns = append(p.micFns, fn)
	p.mu.Unlock()
}

func (p *fakePerms) RequestCamera(fn func(granted bool)) {
	p.mu.Lock()
	p.camFns = append(p.camFns, fn)
	p.mu.Unlock()
}

type fakeIdentity struct {
	mu       sync.Mutex
	verified bool
	siblings map[string]bool
	pending  []func(bool)
}

func (i *fakeIdentity) Verified(peerID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.verified
}

func (i *fakeIdentity) SiblingDevice(peerID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.siblings[peerID]
}

func (i *fakeIdentity) RequestConfirmation(peerID string, fn func(confirmed bool)) {
	i.mu.Lock()
	i.pending = append(i.pending, fn)
	i.mu.Unlock()
}

type harness struct {
	coord  *Coordinator
	eng    *fakeEngine
	trans  *fakeTransport
	dir    *fakeDirectory
	dev    *fakeDevice
	perms  *fakePerms
	ident  *fakeIdentity
	sink   *reportSink
	sinkMu sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		eng:   newFakeEngine(),
		trans: &fakeTransport{},
		dir:   newFakeDirectory(),
		dev:   &fakeDevice{},
		perms: &fakePerms{},
		ident: &fakeIdentity{verified: true, siblings: make(map[string]bool)},
		sink:  &reportSink{},
	}
	h.coord = New(Options{
		Engine:             h.eng,
		Transport:          h.trans,
		Directory:          h.dir,
		Device:             h.dev,
		Permissions:        h.perms,
		Identity:           h.ident,
		MaxRingMembers:     8,
		HighDataPreference: datamode.PreferenceWifiOnly,
		Reportf: func(format string, args ...any) {
			h.sinkMu.Lock()
			h.sink.reportf(format, args...)
			h.sinkMu.Unlock()
		},
	})
	t.Cleanup(h.coord.Close)
	h.coord.SetRegistered(true)
	h.flush()
	return h
}

// flush drains the call-control queue so async posts have applied.
func (h *harness) flush() {
	h.coord.do(func() {})
}

func (h *harness) reports() []string {
	h.sinkMu.Lock()
	defer h.sinkMu.Unlock()
	out := make([]string, len(h.sink.reports))
	copy(out, h.sink.reports)
	return out
}

func TestBuildAndConnectGroupCall(t *testing.T) {
	h := newHarness(t)
	thread := groupThread("g1")
	h.dir.addGroup(thread, []string{"alice", "bob"})

	s := h.coord.BuildAndConnectGroupCall(thread, false)
	if s == nil {
		t.Fatal("expected a session")
	}
	if h.coord.CurrentCall() != s {
		t.Fatal("session did not become current")
	}
	if s.Group.JoinState != GroupConnecting {
		t.Fatalf("join state = %v, want connecting", s.Group.JoinState)
	}
	if len(h.dev.speaker) == 0 || !h.dev.speaker[0] {
		t.Fatal("speakerphone was not enabled")
	}
	if h.eng.count("connect") != 1 || h.eng.count("members") != 1 {
		t.Fatalf("engine calls = %v", h.eng.recorded())
	}

	t.Run("second build while in progress is refused", func(t *testing.T) {
		if got := h.coord.BuildAndConnectGroupCall(groupThread("g2"), false); got != nil {
			t.Fatal("expected nil while another call is in progress")
		}
	})
}

func TestBuildAndConnectGroupCallEngineRefusal(t *testing.T) {
	h := newHarness(t)
	h.eng.connectOK = false
	thread := groupThread("g1")
	h.dir.addGroup(thread, []string{"alice"})

	if s := h.coord.BuildAndConnectGroupCall(thread, false); s != nil {
		t.Fatal("expected nil on engine refusal")
	}
	if h.coord.CurrentCall() != nil {
		t.Fatal("refused session left current")
	}
	if h.coord.HasCallInProgress() {
		t.Fatal("refused session left in registry")
	}
	// Audio session came up for the attempt and back down on cleanup.
	last := h.dev.audioOn[len(h.dev.audioOn)-1]
	if last {
		t.Fatalf("audio sequence = %v, want final false", h.dev.audioOn)
	}
}

func TestInitiateOutgoingCall(t *testing.T) {
	t.Run("refused when not registered", func(t *testing.T) {
		h := newHarness(t)
		h.coord.SetRegistered(false)
		h.flush()
		if h.coord.InitiateOutgoingCall(directThread("t1"), false) {
			t.Fatal("unregistered client placed a call")
		}
	})

	t.Run("refused while another call is in progress", func(t *testing.T) {
		h := newHarness(t)
		if !h.coord.InitiateOutgoingCall(directThread("t1"), false) {
			t.Fatal("first call failed")
		}
		if h.coord.InitiateOutgoingCall(directThread("t2"), false) {
			t.Fatal("second call succeeded while first is in progress")
		}
	})

	t.Run("identity confirmation retries exactly once", func(t *testing.T) {
		h := newHarness(t)
		h.ident.verified = false

		if h.coord.InitiateOutgoingCall(directThread("t1"), false) {
			t.Fatal("call placed without confirmation")
		}
		h.ident.mu.Lock()
		if len(h.ident.pending) != 1 {
			h.ident.mu.Unlock()
			t.Fatalf("confirmation requests = %d, want 1", len(h.ident.pending))
		}
		fn := h.ident.pending[0]
		h.ident.mu.Unlock()

		fn(true)
		h.flush()
		if h.coord.CurrentCall() == nil {
			t.Fatal("confirmed retry did not place the call")
		}
		if h.eng.count("connect") != 1 {
			t.Fatalf("connect count = %d, want 1", h.eng.count("connect"))
		}
	})

	t.Run("denied confirmation stays idle", func(t *testing.T) {
		h := newHarness(t)
		h.ident.verified = false
		h.coord.InitiateOutgoingCall(directThread("t1"), false)

		h.ident.mu.Lock()
		fn := h.ident.pending[0]
		h.ident.mu.Unlock()
		fn(false)
		h.flush()

		if h.coord.HasCallInProgress() {
			t.Fatal("denied confirmation still placed a call")
		}
	})
}

func TestTerminate(t *testing.T) {
	h := newHarness(t)
	thread := groupThread("g1")
	h.dir.addGroup(thread, []string{"alice"})
	s := h.coord.BuildAndConnectGroupCall(thread, false)

	h.coord.Terminate(s)
	if h.coord.CurrentCall() != nil || h.coord.HasCallInProgress() {
		t.Fatal("terminated session still present")
	}
	if s.EndReason() != EndedLocalHangup {
		t.Fatalf("end reason = %v, want local hangup", s.EndReason())
	}
	if h.eng.count("leave") != 1 || h.eng.count("disconnect") != 1 || h.eng.count("peek") != 1 {
		t.Fatalf("group teardown calls = %v", h.eng.recorded())
	}

	// The peek must land before the engine forgets the session.
	calls := h.eng.recorded()
	idx := func(name string) int {
		for i, c := range calls {
			if c == name {
				return i
			}
		}
		return -1
	}
	if !(idx("leave") < idx("peek") && idx("peek") < idx("disconnect")) {
		t.Fatalf("teardown order = %v, want leave before peek before disconnect", calls)
	}

	t.Run("second terminate reports and does nothing", func(t *testing.T) {
		before := h.eng.count("disconnect")
		h.coord.Terminate(s)
		if h.eng.count("disconnect") != before {
			t.Fatal("second terminate re-ran teardown")
		}
		if len(h.reports()) == 0 {
			t.Fatal("second terminate was not reported")
		}
	})
}

func TestReceivedOfferWhileBusyIsRefused(t *testing.T) {
	h := newHarness(t)
	h.dir.threads["t1"] = directThread("t1")
	h.dir.threads["t2"] = directThread("t2")

	if !h.coord.InitiateOutgoingCall(h.dir.threads["t1"], false) {
		t.Fatal("setup call failed")
	}
	cur := h.coord.CurrentCall()

	h.coord.ReceivedOffer("mallory", uuid.New(), "t2", []byte("{}"))
	h.flush()

	if h.eng.count("decline-busy") != 1 {
		t.Fatal("busy offer was not declined")
	}
	if h.coord.CurrentCall() != cur {
		t.Fatal("busy offer displaced the current call")
	}
	if got := len(h.coord.Registry().Sessions()); got != 1 {
		t.Fatalf("sessions = %d, want 1", got)
	}
}

func TestAudioUnmutePermissionStaleness(t *testing.T) {
	h := newHarness(t)
	h.dir.threads["t1"] = directThread("t1")
	h.coord.InitiateOutgoingCall(h.dir.threads["t1"], false)
	s := h.coord.CurrentCall()

	h.coord.UpdateIsLocalAudioMuted(true)
	h.flush()
	if !s.Individual.AudioMuted {
		t.Fatal("mute did not apply")
	}

	// Unmute prompts; the call ends before the user answers.
	h.coord.UpdateIsLocalAudioMuted(false)
	h.flush()
	h.coord.Terminate(s)

	h.perms.mu.Lock()
	if len(h.perms.micFns) != 1 {
		h.perms.mu.Unlock()
		t.Fatalf("mic prompts = %d, want 1", len(h.perms.micFns))
	}
	fn := h.perms.micFns[0]
	h.perms.mu.Unlock()

	before := h.eng.count("audio-on")
	fn(true)
	h.flush()
	if h.eng.count("audio-on") != before {
		t.Fatal("stale permission grant reached the engine")
	}
}

func TestVideoUnmutePermissionStaleness(t *testing.T) {
	h := newHarness(t)
	h.dir.threads["t1"] = directThread("t1")
	h.coord.InitiateOutgoingCall(h.dir.threads["t1"], true)
	s := h.coord.CurrentCall()

	h.coord.UpdateIsLocalVideoMuted(true)
	h.flush()
	if s.Individual.HasLocalVideo {
		t.Fatal("video mute did not apply")
	}

	// Unmute prompts for the camera; the call ends before the user answers.
	h.coord.UpdateIsLocalVideoMuted(false)
	h.flush()
	h.coord.Terminate(s)

	h.perms.mu.Lock()
	if len(h.perms.camFns) != 1 {
		h.perms.mu.Unlock()
		t.Fatalf("camera prompts = %d, want 1", len(h.perms.camFns))
	}
	fn := h.perms.camFns[0]
	h.perms.mu.Unlock()

	fn(true)
	h.flush()
	if s.Individual.HasLocalVideo {
		t.Fatal("stale camera grant re-enabled video on a dead call")
	}
}

func TestDataModeFollowsRouteChanges(t *testing.T) {
	h := newHarness(t)
	h.dir.threads["t1"] = directThread("t1")
	h.coord.InitiateOutgoingCall(h.dir.threads["t1"], false)

	h.coord.OnNetworkRouteChanged(datamode.Route{LocalAdapter: datamode.AdapterCellular})
	h.flush()

	h.eng.mu.Lock()
	last := h.eng.lowData[len(h.eng.lowData)-1]
	h.eng.mu.Unlock()
	if !last {
		t.Fatal("cellular route with wifi-only preference did not force low data")
	}

	h.coord.OnNetworkRouteChanged(datamode.Route{LocalAdapter: datamode.AdapterWifi})
	h.flush()

	h.eng.mu.Lock()
	last = h.eng.lowData[len(h.eng.lowData)-1]
	h.eng.mu.Unlock()
	if last {
		t.Fatal("wifi route with wifi preference stayed in low data")
	}
}

func TestGroupJoinLifecycle(t *testing.T) {
	h := newHarness(t)
	thread := groupThread("g1")
	h.dir.addGroup(thread, []string{"alice", "bob"})
	s := h.coord.BuildAndConnectGroupCall(thread, false)
	h.coord.JoinGroupCallIfNecessary(s)

	// Engine reports connected; the pending join fires.
	h.coord.OnLocalDeviceStateChanged(s.ID, GroupConnected)
	h.flush()
	if h.eng.count("join") != 1 {
		t.Fatalf("join count = %d, want 1", h.eng.count("join"))
	}
	if s.Group.JoinState != GroupJoining {
		t.Fatalf("join state = %v, want joining", s.Group.JoinState)
	}

	t.Run("ring only after join succeeds", func(t *testing.T) {
		h.coord.SetOutgoingRing(s)
		h.flush()
		if h.eng.count("ring-all") != 0 {
			t.Fatal("rang before join completed")
		}
		h.coord.OnLocalDeviceStateChanged(s.ID, GroupJoined)
		h.flush()
		if h.eng.count("ring-all") != 1 {
			t.Fatal("did not ring after join")
		}
		if s.Group.Ring.Kind != RingRinging {
			t.Fatalf("ring state = %v, want ringing", s.Group.Ring.Kind)
		}
		if h.dev.ringStarts == 0 {
			t.Fatal("ringtone did not start")
		}
	})

	t.Run("join is idempotent", func(t *testing.T) {
		h.coord.JoinGroupCallIfNecessary(s)
		if h.eng.count("join") != 1 {
			t.Fatal("repeated join request re-issued join")
		}
	})
}

func TestStaleEngineEventsAreDropped(t *testing.T) {
	h := newHarness(t)
	h.dir.threads["t1"] = directThread("t1")
	h.coord.InitiateOutgoingCall(h.dir.threads["t1"], false)
	s := h.coord.CurrentCall()
	h.coord.Terminate(s)

	// Events for the dead session must not resurrect or crash anything.
	h.coord.OnCallConnected(s.ID)
	h.coord.OnCallEnded(s.ID, EndedRemoteHangup)
	h.coord.OnLocalDeviceStateChanged(s.ID, GroupJoined)
	h.flush()

	if h.coord.HasCallInProgress() {
		t.Fatal("stale event resurrected a session")
	}
	if s.EndReason() != EndedLocalHangup {
		t.Fatalf("end reason changed to %v after stale events", s.EndReason())
	}
}
