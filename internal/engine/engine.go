// Package engine is the pion-backed media layer behind the call
// coordinator's MediaEngine interface. It owns peer connections, local
// capture, and the group presence plane; everything it learns flows back to
// the coordinator through the Events sink.
package engine

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/pipit-im/pipit/internal/call"
	"github.com/pipit-im/pipit/internal/datamode"
	"github.com/pipit-im/pipit/internal/signal"
)

// candidateFlushDelay batches ICE candidates so a gathering burst becomes one
// signaling envelope instead of a dozen.
const candidateFlushDelay = 200 * time.Millisecond

// Events is everything the engine reports back to the coordinator. All
// callbacks may fire from engine-internal goroutines.
type Events interface {
	OnCallConnected(id uuid.UUID)
	OnCallReconnecting(id uuid.UUID)
	OnRemoteRinging(id uuid.UUID)
	OnCallEnded(id uuid.UUID, reason call.EndReason)
	OnCallFailure(id uuid.UUID, err error)
	OnLocalDeviceStateChanged(id uuid.UUID, js call.GroupJoinState)
	OnPeekChanged(id uuid.UUID, members []string)
	OnGroupCallEnded(id uuid.UUID, err error)
	OnAudioLevels(captured, received float32)
	OnLowBandwidthForVideo(id uuid.UUID, recoverable bool)
	OnNetworkRouteChanged(route datamode.Route)

	OnSendOffer(id uuid.UUID, recipient string, payload []byte)
	OnSendAnswer(id uuid.UUID, recipient string, payload []byte)
	OnSendRinging(id uuid.UUID, recipient string, payload []byte)
	OnSendIceCandidates(id uuid.UUID, recipient string, payloads [][]byte)
	OnSendHangup(id uuid.UUID, recipient string, payload []byte)
}

// GroupControl is the slice of the signaling manager the engine needs for
// group topics.
type GroupControl interface {
	JoinGroup(groupID string) error
	LeaveGroup(groupID string)
}

// Engine implements call.MediaEngine on pion. One peerSession per call.
type Engine struct {
	events    Events
	transport call.MessageTransport
	groups    GroupControl
	selfID    string

	mu        sync.Mutex
	sessions  map[uuid.UUID]*peerSession
	groupSess map[string]uuid.UUID           // groupID → owning session
	presence  map[string]map[string]struct{} // groupID → member set
}

// peerSession is the engine-side state for one call.
type peerSession struct {
	id      uuid.UUID
	remote  string // individual calls: peer id
	groupID string // group calls

	pc         *webrtc.PeerConnection
	closeMedia func() // releases capture tracks; may be nil

	// pubWG tracks in-flight presence publishes so Disconnect can hold the
	// group topic open until they are on the wire.
	pubWG sync.WaitGroup

	// Original local tracks per sender, for mute/unmute via ReplaceTrack.
	audioSenders map[*webrtc.RTPSender]webrtc.TrackLocal
	videoSenders map[*webrtc.RTPSender]webrtc.TrackLocal

	pendingOffer []byte // inbound offer held until the user accepts

	candMu    sync.Mutex
	candBatch []json.RawMessage
	candTimer *time.Timer

	lowData    bool
	audioOn    bool
	videoOn    bool
	capturing  bool
	lowBwRuns  int
}

// New creates the engine. events is installed afterwards with SetEvents
// because the coordinator and the engine reference each other.
func New(transport call.MessageTransport, groups GroupControl, selfID string) *Engine {
	return &Engine{
		transport: transport,
		groups:    groups,
		selfID:    selfID,
		sessions:  make(map[uuid.UUID]*peerSession),
		groupSess: make(map[string]uuid.UUID),
		presence:  make(map[string]map[string]struct{}),
	}
}

// SetEvents installs the coordinator-side event sink. Must be called before
// the first Connect.
func (e *Engine) SetEvents(ev Events) { e.events = ev }

func (e *Engine) lookup(id uuid.UUID) (*peerSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps, ok := e.sessions[id]
	return ps, ok
}

// Connect prepares media for a session. Individual calls get a peer
// connection with local capture; group calls join the group's signaling
// topic and report connected asynchronously.
func (e *Engine) Connect(s *call.Session) bool {
	switch s.Mode() {
	case call.ModeIndividual:
		return e.connectIndividual(s)
	case call.ModeGroup:
		return e.connectGroup(s)
	}
	return false
}

func (e *Engine) connectIndividual(s *call.Session) bool {
	pc, closeMedia, err := newMediaPC(s.ID.String()[:8])
	if err != nil {
		log.Printf("ENG [%s]: peer connection setup: %v", s.ID.String()[:8], err)
		return false
	}

	ps := &peerSession{
		id:           s.ID,
		remote:       s.Individual.RemoteUser,
		pc:           pc,
		closeMedia:   closeMedia,
		audioSenders: make(map[*webrtc.RTPSender]webrtc.TrackLocal),
		videoSenders: make(map[*webrtc.RTPSender]webrtc.TrackLocal),
		audioOn:      true,
		videoOn:      true,
	}
	for _, sender := range pc.GetSenders() {
		track := sender.Track()
		if track == nil {
			continue
		}
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			ps.audioSenders[sender] = track
		case webrtc.RTPCodecTypeVideo:
			ps.videoSenders[sender] = track
		}
		go e.readSenderRTCP(ps, sender)
	}

	e.mu.Lock()
	e.sessions[s.ID] = ps
	e.mu.Unlock()

	e.wirePC(ps)

	// Caller side drives negotiation; callee waits for HandleRemoteOffer.
	if s.Individual.State == call.IndividualDialing {
		go e.negotiate(ps, s.Thread.ID)
	}
	return true
}

func (e *Engine) connectGroup(s *call.Session) bool {
	groupID := s.Thread.GroupID
	if err := e.groups.JoinGroup(groupID); err != nil {
		log.Printf("ENG: join group %s: %v", groupID, err)
		return false
	}

	ps := &peerSession{id: s.ID, groupID: groupID, audioOn: true}
	e.mu.Lock()
	e.sessions[s.ID] = ps
	e.groupSess[groupID] = s.ID
	if e.presence[groupID] == nil {
		e.presence[groupID] = make(map[string]struct{})
	}
	e.mu.Unlock()

	// Topic membership is synchronous; report connected off the caller's
	// stack so the coordinator sees it as a state event like any other.
	go e.events.OnLocalDeviceStateChanged(s.ID, call.GroupConnected)
	return true
}

// Join: individual calls answer the pending remote offer; group calls
// announce presence on the topic.
func (e *Engine) Join(s *call.Session) {
	ps, ok := e.lookup(s.ID)
	if !ok {
		return
	}
	switch s.Mode() {
	case call.ModeIndividual:
		go e.answer(ps)
	case call.ModeGroup:
		ps.pubWG.Add(1)
		go func() {
			defer ps.pubWG.Done()
			e.publishPresence(ps.groupID, "join")
			e.events.OnLocalDeviceStateChanged(s.ID, call.GroupJoined)
		}()
	}
}

// Leave drops group presence; the topic itself survives until Disconnect.
func (e *Engine) Leave(s *call.Session) {
	ps, ok := e.lookup(s.ID)
	if !ok || ps.groupID == "" {
		return
	}
	ps.pubWG.Add(1)
	go func() {
		defer ps.pubWG.Done()
		e.publishPresence(ps.groupID, "leave")
	}()
}

// Disconnect tears the session's media down and forgets it.
func (e *Engine) Disconnect(s *call.Session) {
	e.mu.Lock()
	ps, ok := e.sessions[s.ID]
	if ok {
		delete(e.sessions, s.ID)
		if ps.groupID != "" {
			delete(e.groupSess, ps.groupID)
			delete(e.presence, ps.groupID)
		}
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	if ps.groupID != "" {
		// Hold the topic open until the leave/peek announcements are out.
		gid := ps.groupID
		go func() {
			ps.pubWG.Wait()
			e.groups.LeaveGroup(gid)
		}()
		return
	}

	// Tell the remote side before closing, best effort — unless the remote
	// side ended the call, in which case a hangup would just echo back.
	switch s.EndReason() {
	case call.EndedRemoteHangup, call.EndedRemoteBusy:
	default:
		payload := composeEnvelope(signal.KindHangup, ps.id, "", nil)
		e.events.OnSendHangup(ps.id, ps.remote, payload)
	}

	ps.candMu.Lock()
	if ps.candTimer != nil {
		ps.candTimer.Stop()
	}
	ps.candMu.Unlock()

	if ps.closeMedia != nil {
		ps.closeMedia()
	}
	if ps.pc != nil {
		if err := ps.pc.Close(); err != nil {
			log.Printf("ENG [%s]: close: %v", ps.id.String()[:8], err)
		}
	}
}

// DeclineBusy refuses an inbound offer without a session: the busy envelope
// goes straight out the transport.
func (e *Engine) DeclineBusy(callID uuid.UUID, from string) {
	payload := composeEnvelope(signal.KindBusy, callID, "", nil)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.transport.SendToUser(ctx, from, payload, call.UrgencyHandleImmediately); err != nil {
			log.Printf("ENG: busy decline to %s: %v", from, err)
		}
	}()
}

// SetLocalAudioEnabled mutes by detaching the sender's track.
func (e *Engine) SetLocalAudioEnabled(enabled bool, s *call.Session) {
	ps, ok := e.lookup(s.ID)
	if !ok {
		return
	}
	ps.audioOn = enabled
	for sender, track := range ps.audioSenders {
		e.replace(ps, sender, track, enabled)
	}
}

// SetLocalVideoEnabled mirrors SetLocalAudioEnabled for video, except low
// data mode keeps video off regardless.
func (e *Engine) SetLocalVideoEnabled(enabled bool, s *call.Session) {
	ps, ok := e.lookup(s.ID)
	if !ok {
		return
	}
	ps.videoOn = enabled
	e.applyVideo(ps)
}

func (e *Engine) applyVideo(ps *peerSession) {
	on := ps.videoOn && !ps.lowData
	for sender, track := range ps.videoSenders {
		e.replace(ps, sender, track, on)
	}
}

func (e *Engine) replace(ps *peerSession, sender *webrtc.RTPSender, track webrtc.TrackLocal, on bool) {
	var err error
	if on {
		err = sender.ReplaceTrack(track)
	} else {
		err = sender.ReplaceTrack(nil)
	}
	if err != nil {
		log.Printf("ENG [%s]: replace track: %v", ps.id.String()[:8], err)
	}
}

// StartLocalCapture and StopLocalCapture drive the pre-connect self preview.
// Capture already lives with the peer connection here, so these only track
// intent; the headless daemon has no preview surface.
func (e *Engine) StartLocalCapture(s *call.Session) {
	if ps, ok := e.lookup(s.ID); ok {
		ps.capturing = true
	}
}

func (e *Engine) StopLocalCapture(s *call.Session) {
	if ps, ok := e.lookup(s.ID); ok {
		ps.capturing = false
	}
}

// UpdateGroupMembers seeds the presence set from the directory's membership.
func (e *Engine) UpdateGroupMembers(s *call.Session, members []string) {
	ps, ok := e.lookup(s.ID)
	if !ok || ps.groupID == "" {
		return
	}
	e.mu.Lock()
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	e.presence[ps.groupID] = set
	e.mu.Unlock()
}

// RequestPeek asks current participants to re-announce themselves.
func (e *Engine) RequestPeek(s *call.Session) {
	ps, ok := e.lookup(s.ID)
	if !ok || ps.groupID == "" {
		return
	}
	ps.pubWG.Add(1)
	go func() {
		defer ps.pubWG.Done()
		e.publishPresence(ps.groupID, "peek")
	}()
}

// RingAll broadcasts the ring request on the group topic.
func (e *Engine) RingAll(s *call.Session) {
	ps, ok := e.lookup(s.ID)
	if !ok || ps.groupID == "" {
		return
	}
	env := signal.Envelope{
		Kind:    signal.KindRingUpdate,
		GroupID: ps.groupID,
		RingID:  s.Group.Ring.RingID.String(),
		Update:  "requested",
	}
	go e.publishGroup(ps.groupID, env)
}

// CancelRing broadcasts a ring cancellation. Works without a session so a
// refused ring can be cancelled before one exists.
func (e *Engine) CancelRing(groupID string, ringID uuid.UUID, reason call.RingCancelReason) {
	update := "declinedOnAnotherDevice"
	if reason == call.RingCancelBusy {
		update = "busyOnAnotherDevice"
	}
	env := signal.Envelope{
		Kind:    signal.KindRingUpdate,
		GroupID: groupID,
		RingID:  ringID.String(),
		Update:  update,
	}
	go func() {
		// The topic may not be joined when we refuse a ring outright.
		if err := e.groups.JoinGroup(groupID); err != nil {
			log.Printf("ENG: cancel ring %s: %v", ringID.String()[:8], err)
			return
		}
		e.publishGroup(groupID, env)

		// If no session owns this group the join above was only for the
		// cancel; drop the subscription again.
		e.mu.Lock()
		_, owned := e.groupSess[groupID]
		e.mu.Unlock()
		if !owned {
			e.groups.LeaveGroup(groupID)
		}
	}()
}

// SetLowDataMode caps media quality; currently that means no outbound video.
func (e *Engine) SetLowDataMode(s *call.Session, low bool) {
	ps, ok := e.lookup(s.ID)
	if !ok || ps.lowData == low {
		return
	}
	ps.lowData = low
	log.Printf("ENG [%s]: low data mode %v", ps.id.String()[:8], low)
	e.applyVideo(ps)
}

// HandleRemoteOffer stores the offer until the user accepts, and tells the
// caller we are ringing.
func (e *Engine) HandleRemoteOffer(s *call.Session, from string, sdp []byte) {
	ps, ok := e.lookup(s.ID)
	if !ok {
		return
	}
	ps.pendingOffer = sdp
	payload := composeEnvelope(signal.KindRinging, ps.id, "", nil)
	e.events.OnSendRinging(ps.id, from, payload)
}

// HandleRemoteAnswer completes the caller-side negotiation.
func (e *Engine) HandleRemoteAnswer(s *call.Session, from string, sdp []byte) {
	ps, ok := e.lookup(s.ID)
	if !ok || ps.pc == nil {
		return
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(sdp, &desc); err != nil {
		e.events.OnCallFailure(ps.id, err)
		return
	}
	if err := ps.pc.SetRemoteDescription(desc); err != nil {
		e.events.OnCallFailure(ps.id, err)
	}
}

// AddRemoteCandidates applies a batch of remote ICE candidates.
func (e *Engine) AddRemoteCandidates(s *call.Session, from string, candidates [][]byte) {
	ps, ok := e.lookup(s.ID)
	if !ok || ps.pc == nil {
		return
	}
	for _, raw := range candidates {
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal(raw, &init); err != nil {
			log.Printf("ENG [%s]: bad candidate: %v", ps.id.String()[:8], err)
			continue
		}
		if err := ps.pc.AddICECandidate(init); err != nil {
			log.Printf("ENG [%s]: add candidate: %v", ps.id.String()[:8], err)
		}
	}
}

// ─── Negotiation ────────────────────────────────────────────────────────────

func (e *Engine) negotiate(ps *peerSession, threadID string) {
	offer, err := ps.pc.CreateOffer(nil)
	if err != nil {
		e.events.OnCallFailure(ps.id, err)
		return
	}
	if err := ps.pc.SetLocalDescription(offer); err != nil {
		e.events.OnCallFailure(ps.id, err)
		return
	}
	body, err := json.Marshal(ps.pc.LocalDescription())
	if err != nil {
		e.events.OnCallFailure(ps.id, err)
		return
	}
	payload := composeEnvelope(signal.KindOffer, ps.id, threadID, body)
	e.events.OnSendOffer(ps.id, ps.remote, payload)
}

func (e *Engine) answer(ps *peerSession) {
	if ps.pc == nil || ps.pendingOffer == nil {
		return
	}
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(ps.pendingOffer, &offer); err != nil {
		e.events.OnCallFailure(ps.id, err)
		return
	}
	if err := ps.pc.SetRemoteDescription(offer); err != nil {
		e.events.OnCallFailure(ps.id, err)
		return
	}
	answer, err := ps.pc.CreateAnswer(nil)
	if err != nil {
		e.events.OnCallFailure(ps.id, err)
		return
	}
	if err := ps.pc.SetLocalDescription(answer); err != nil {
		e.events.OnCallFailure(ps.id, err)
		return
	}
	body, err := json.Marshal(ps.pc.LocalDescription())
	if err != nil {
		e.events.OnCallFailure(ps.id, err)
		return
	}
	payload := composeEnvelope(signal.KindAnswer, ps.id, "", body)
	e.events.OnSendAnswer(ps.id, ps.remote, payload)
}

// wirePC attaches connection-state, candidate, and track plumbing.
func (e *Engine) wirePC(ps *peerSession) {
	pc := ps.pc

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("ENG [%s]: connection %s", ps.id.String()[:8], state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			e.reportRoute(ps)
			e.events.OnCallConnected(ps.id)
		case webrtc.PeerConnectionStateDisconnected:
			e.events.OnCallReconnecting(ps.id)
		case webrtc.PeerConnectionStateFailed:
			e.events.OnCallFailure(ps.id, errConnectionFailed)
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			e.flushCandidates(ps)
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		ps.candMu.Lock()
		ps.candBatch = append(ps.candBatch, raw)
		if ps.candTimer == nil {
			ps.candTimer = time.AfterFunc(candidateFlushDelay, func() { e.flushCandidates(ps) })
		}
		ps.candMu.Unlock()
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Printf("ENG [%s]: remote %s track", ps.id.String()[:8], track.Kind())
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			go e.readAudioLevels(ps, track, receiver)
			return
		}
		go drainTrack(track)
	})
}

func (e *Engine) flushCandidates(ps *peerSession) {
	ps.candMu.Lock()
	batch := ps.candBatch
	ps.candBatch = nil
	if ps.candTimer != nil {
		ps.candTimer.Stop()
		ps.candTimer = nil
	}
	ps.candMu.Unlock()
	if len(batch) == 0 {
		return
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return
	}
	payload := composeEnvelope(signal.KindIce, ps.id, "", body)
	e.events.OnSendIceCandidates(ps.id, ps.remote, [][]byte{payload})
}

// reportRoute derives the network adapter from the selected candidate pair.
func (e *Engine) reportRoute(ps *peerSession) {
	sctp := ps.pc.SCTP()
	if sctp == nil || sctp.Transport() == nil || sctp.Transport().ICETransport() == nil {
		return
	}
	pair, err := sctp.Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil || pair == nil || pair.Local == nil {
		return
	}
	route := datamode.Route{LocalAdapter: adapterForIP(pair.Local.Address)}
	e.events.OnNetworkRouteChanged(route)
}

// adapterForIP maps a local candidate address onto the interface it belongs
// to and classifies that interface.
func adapterForIP(addr string) datamode.Adapter {
	ip := net.ParseIP(addr)
	if ip == nil {
		return datamode.AdapterUnknown
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return datamode.AdapterUnknown
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok || !ipn.IP.Equal(ip) {
				continue
			}
			return datamode.ClassifyInterface(iface)
		}
	}
	return datamode.AdapterUnknown
}

// ─── Group presence plane ───────────────────────────────────────────────────

// publishPresence broadcasts a join/leave/peek announcement on the group
// topic.
func (e *Engine) publishPresence(groupID, update string) {
	env := signal.Envelope{
		Kind:    signal.KindPresence,
		GroupID: groupID,
		Update:  update,
	}
	e.publishGroup(groupID, env)
}

func (e *Engine) publishGroup(groupID string, env signal.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.transport.SendToGroup(ctx, groupID, payload, call.UrgencyHandleImmediately); err != nil {
		log.Printf("ENG: group publish (%s) to %s: %v", env.Kind, groupID, err)
	}
}

// HandlePresence is wired to the signal manager's presence dispatch. It
// maintains the member set and answers peeks with a re-announcement.
func (e *Engine) HandlePresence(from, groupID, update string) {
	e.mu.Lock()
	sessID, active := e.groupSess[groupID]
	set := e.presence[groupID]
	var changed bool
	switch update {
	case "join":
		if set != nil {
			if _, ok := set[from]; !ok {
				set[from] = struct{}{}
				changed = true
			}
		}
	case "leave":
		if set != nil {
			if _, ok := set[from]; ok {
				delete(set, from)
				changed = true
			}
		}
	}
	var members []string
	if changed {
		members = make([]string, 0, len(set))
		for m := range set {
			members = append(members, m)
		}
	}
	e.mu.Unlock()

	if !active {
		return
	}
	if update == "peek" {
		go e.publishPresence(groupID, "join")
		return
	}
	if changed {
		e.events.OnPeekChanged(sessID, members)
	}
}

func composeEnvelope(kind string, callID uuid.UUID, threadID string, body []byte) []byte {
	env := signal.Envelope{
		Kind:     kind,
		CallID:   callID.String(),
		ThreadID: threadID,
		Body:     body,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		// Envelope fields are all marshalable; this cannot fail in practice.
		log.Printf("ENG: compose %s envelope: %v", kind, err)
		return nil
	}
	return raw
}
