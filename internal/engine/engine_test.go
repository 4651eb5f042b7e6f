package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pipit-im/pipit/internal/call"
	"github.com/pipit-im/pipit/internal/datamode"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []string // "user:<id>" / "group:<id>"

	inFlight chan string   // receives the group id as each group publish starts
	hold     chan struct{} // when non-nil, group publishes block until closed
}

func (t *fakeTransport) SendToUser(ctx context.Context, recipientID string, payload []byte, urgency call.Urgency) error {
	t.mu.Lock()
	t.sent = append(t.sent, "user:"+recipientID)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) SendToGroup(ctx context.Context, groupID string, payload []byte, urgency call.Urgency) error {
	if t.inFlight != nil {
		t.inFlight <- groupID
	}
	if t.hold != nil {
		<-t.hold
	}
	t.mu.Lock()
	t.sent = append(t.sent, "group:"+groupID)
	t.mu.Unlock()
	return nil
}

type fakeGroups struct {
	mu    sync.Mutex
	joins int
	left  chan string
}

func (g *fakeGroups) JoinGroup(groupID string) error {
	g.mu.Lock()
	g.joins++
	g.mu.Unlock()
	return nil
}

func (g *fakeGroups) LeaveGroup(groupID string) { g.left <- groupID }

func (g *fakeGroups) joinCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.joins
}

type fakeEvents struct {
	mu      sync.Mutex
	hangups []string
}

func (e *fakeEvents) sentHangups() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.hangups...)
}

func (e *fakeEvents) OnCallConnected(id uuid.UUID)                                   {}
func (e *fakeEvents) OnCallReconnecting(id uuid.UUID)                                {}
func (e *fakeEvents) OnRemoteRinging(id uuid.UUID)                                   {}
func (e *fakeEvents) OnCallEnded(id uuid.UUID, reason call.EndReason)                {}
func (e *fakeEvents) OnCallFailure(id uuid.UUID, err error)                          {}
func (e *fakeEvents) OnLocalDeviceStateChanged(id uuid.UUID, js call.GroupJoinState) {}
func (e *fakeEvents) OnPeekChanged(id uuid.UUID, members []string)                   {}
func (e *fakeEvents) OnGroupCallEnded(id uuid.UUID, err error)                       {}
func (e *fakeEvents) OnAudioLevels(captured, received float32)                       {}
func (e *fakeEvents) OnLowBandwidthForVideo(id uuid.UUID, recoverable bool)          {}
func (e *fakeEvents) OnNetworkRouteChanged(route datamode.Route)                     {}
func (e *fakeEvents) OnSendOffer(id uuid.UUID, recipient string, payload []byte)     {}
func (e *fakeEvents) OnSendAnswer(id uuid.UUID, recipient string, payload []byte)    {}
func (e *fakeEvents) OnSendRinging(id uuid.UUID, recipient string, payload []byte)   {}
func (e *fakeEvents) OnSendIceCandidates(id uuid.UUID, recipient string, payloads [][]byte) {
}

func (e *fakeEvents) OnSendHangup(id uuid.UUID, recipient string, payload []byte) {
	e.mu.Lock()
	e.hangups = append(e.hangups, recipient)
	e.mu.Unlock()
}

func newEngineHarness() (*Engine, *fakeTransport, *fakeGroups, *fakeEvents) {
	tr := &fakeTransport{}
	gr := &fakeGroups{left: make(chan string, 4)}
	ev := &fakeEvents{}
	e := New(tr, gr, "self")
	e.SetEvents(ev)
	return e, tr, gr, ev
}

func TestDisconnectHangupGate(t *testing.T) {
	tests := []struct {
		name   string
		reason call.EndReason
		want   int
	}{
		{"local hangup tells the remote", call.EndedLocalHangup, 1},
		{"remote hangup is not echoed", call.EndedRemoteHangup, 0},
		{"remote busy is not echoed", call.EndedRemoteBusy, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _, ev := newEngineHarness()
			thread := call.Thread{ID: "d-bob", Kind: call.ThreadDirect, Peer: "bob"}
			s := call.NewIndividualSession(thread, "bob", call.IndividualConnected)
			e.sessions[s.ID] = &peerSession{id: s.ID, remote: "bob"}

			s.MarkEnded(tt.reason)
			e.Disconnect(s)

			if got := len(ev.sentHangups()); got != tt.want {
				t.Fatalf("hangups sent = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDisconnectHoldsGroupTopicForPendingPublishes(t *testing.T) {
	e, tr, gr, _ := newEngineHarness()
	tr.inFlight = make(chan string, 4)
	tr.hold = make(chan struct{})

	thread := call.Thread{ID: "t-g1", Kind: call.ThreadGroup, GroupID: "g1"}
	s := call.NewGroupSession(thread)
	if !e.Connect(s) {
		t.Fatal("group connect failed")
	}

	e.Leave(s)
	e.RequestPeek(s)
	<-tr.inFlight
	<-tr.inFlight

	e.Disconnect(s)
	select {
	case g := <-gr.left:
		t.Fatalf("left topic %s while leave/peek were still in flight", g)
	case <-time.After(50 * time.Millisecond):
	}

	close(tr.hold)
	select {
	case g := <-gr.left:
		if g != "g1" {
			t.Fatalf("left topic %s, want g1", g)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("topic was never left after the publishes completed")
	}
}

func TestCancelRingWithoutSessionReleasesTopic(t *testing.T) {
	e, tr, gr, _ := newEngineHarness()

	e.CancelRing("g9", uuid.New(), call.RingCancelDeclined)

	select {
	case g := <-gr.left:
		if g != "g9" {
			t.Fatalf("left topic %s, want g9", g)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("refused-ring cancel kept the topic subscribed")
	}
	if gr.joinCount() != 1 {
		t.Fatalf("join count = %d, want 1", gr.joinCount())
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.sent) != 1 || tr.sent[0] != "group:g9" {
		t.Fatalf("publishes = %v, want one to g9", tr.sent)
	}
}

func TestCancelRingKeepsOwnedTopic(t *testing.T) {
	e, tr, gr, _ := newEngineHarness()
	tr.inFlight = make(chan string, 1)

	thread := call.Thread{ID: "t-g1", Kind: call.ThreadGroup, GroupID: "g1"}
	s := call.NewGroupSession(thread)
	if !e.Connect(s) {
		t.Fatal("group connect failed")
	}

	e.CancelRing("g1", uuid.New(), call.RingCancelBusy)
	<-tr.inFlight

	select {
	case g := <-gr.left:
		t.Fatalf("cancel on an owned group left topic %s", g)
	case <-time.After(50 * time.Millisecond):
	}
}
