package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/pipit-im/pipit/internal/call"
	"github.com/pipit-im/pipit/internal/identity"
)

// ackTimeout is how long SendToUser waits for a transport ACK on an
// immediate-urgency send before returning an error.
const ackTimeout = 10 * time.Second

// short abbreviates peer and envelope ids for logs.
func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Manager owns the call signaling transport: direct libp2p streams for 1:1
// envelopes, pubsub topics for group envelopes, and an optional websocket
// relay fallback when no direct path exists. It satisfies
// call.MessageTransport.
type Manager struct {
	host   host.Host
	ps     *pubsub.PubSub
	ids    *identity.Store
	rx     Receiver
	relay  *RelayClient // nil when no relay is configured
	selfID string

	seq int64 // atomic monotonic counter for outbound envelopes

	// Joined group topics, by group id.
	topicMu sync.Mutex
	topics  map[string]*groupSub

	// onPresence handles group presence announcements (the media engine
	// installs it at wiring time, before any topic is joined).
	onPresence func(from, groupID, update string)
}

type groupSub struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

// New creates a signaling manager and registers the /pipit/call/1.0.0 stream
// handler. relay may be nil.
func New(h host.Host, ps *pubsub.PubSub, ids *identity.Store, rx Receiver, relay *RelayClient) *Manager {
	m := &Manager{
		host:   h,
		ps:     ps,
		ids:    ids,
		rx:     rx,
		relay:  relay,
		selfID: h.ID().String(),
		topics: make(map[string]*groupSub),
	}
	h.SetStreamHandler(protocol.ID(CallProtoID), m.handleIncoming)
	if relay != nil {
		relay.onEnvelope = m.dispatch
	}
	log.Printf("SIG: registered handler for %s", CallProtoID)
	return m
}

// SendToUser frames payload (a marshaled Envelope body) and delivers it to
// one peer. Immediate urgency waits for the transport ACK; droppable sends
// are fire-and-forget. A peer whose identity key changed is refused before
// any bytes move.
func (m *Manager) SendToUser(ctx context.Context, recipientID string, payload []byte, urgency call.Urgency) error {
	if m.ids != nil && m.ids.TrustState(recipientID) == identity.TrustChanged {
		return fmt.Errorf("signal: key changed for %s: %w", short(recipientID), call.ErrUntrustedPeer)
	}

	env, err := m.frame(payload, urgency)
	if err != nil {
		return err
	}

	pid, err := peer.Decode(recipientID)
	if err != nil {
		return fmt.Errorf("signal: invalid peer id %q: %w", recipientID, err)
	}

	if err := m.sendDirect(ctx, pid, env, urgency); err != nil {
		if m.relay == nil {
			return err
		}
		log.Printf("SIG: direct send to %s failed (%v) — trying relay", short(recipientID), err)
		if rerr := m.relay.Send(ctx, recipientID, env); rerr != nil {
			return fmt.Errorf("signal: direct: %v; relay: %w", err, rerr)
		}
	}
	return nil
}

func (m *Manager) sendDirect(ctx context.Context, pid peer.ID, env Envelope, urgency call.Urgency) error {
	dialCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	stream, err := m.host.NewStream(dialCtx, pid, protocol.ID(CallProtoID))
	if err != nil {
		return fmt.Errorf("signal: open stream to %s: %w", short(pid.String()), err)
	}
	defer stream.Close()

	_ = stream.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(stream).Encode(env); err != nil {
		return fmt.Errorf("signal: encode envelope: %w", err)
	}

	if urgency == call.UrgencyDroppable {
		// Best effort: no ack wait. The remote either got it or it is
		// superseded by the next candidate batch anyway.
		return nil
	}

	var ack Ack
	_ = stream.SetReadDeadline(time.Now().Add(ackTimeout))
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&ack); err != nil {
		return fmt.Errorf("signal: waiting for ack from %s: %w", short(pid.String()), err)
	}
	if ack.ID != env.ID {
		return fmt.Errorf("signal: ack id mismatch (got %s, want %s)", ack.ID, env.ID)
	}
	log.Printf("SIG: sent %s %s to %s", env.Kind, short(env.ID), short(pid.String()))
	return nil
}

// SendToGroup publishes a framed envelope on the group's pubsub topic. The
// group must have been joined first.
func (m *Manager) SendToGroup(ctx context.Context, groupID string, payload []byte, urgency call.Urgency) error {
	env, err := m.frame(payload, urgency)
	if err != nil {
		return err
	}
	env.GroupID = groupID

	m.topicMu.Lock()
	gs, ok := m.topics[groupID]
	m.topicMu.Unlock()
	if !ok {
		return fmt.Errorf("signal: group %s not joined", groupID)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("signal: marshal group envelope: %w", err)
	}
	if err := gs.topic.Publish(ctx, raw); err != nil {
		return fmt.Errorf("signal: publish to %s: %w", groupID, err)
	}
	log.Printf("SIG: published %s %s to group %s", env.Kind, short(env.ID), groupID)
	return nil
}

// frame decodes the engine-composed envelope body and stamps the transport
// fields.
func (m *Manager) frame(payload []byte, urgency call.Urgency) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("signal: bad envelope payload: %w", err)
	}
	env.Type = "msg"
	env.ID = uuid.NewString()
	env.Seq = atomic.AddInt64(&m.seq, 1)
	if urgency == call.UrgencyDroppable {
		env.Urgency = "droppable"
	} else {
		env.Urgency = "immediate"
	}
	return env, nil
}

// SetPresenceHandler installs the presence callback. Call before joining any
// group topic.
func (m *Manager) SetPresenceHandler(fn func(from, groupID, update string)) {
	m.onPresence = fn
}

// JoinGroup subscribes to a group's signaling topic and starts its read loop.
// Idempotent.
func (m *Manager) JoinGroup(groupID string) error {
	m.topicMu.Lock()
	defer m.topicMu.Unlock()
	if _, ok := m.topics[groupID]; ok {
		return nil
	}

	topic, err := m.ps.Join(GroupTopic(groupID))
	if err != nil {
		return fmt.Errorf("signal: join topic for %s: %w", groupID, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return fmt.Errorf("signal: subscribe for %s: %w", groupID, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.topics[groupID] = &groupSub{topic: topic, sub: sub, cancel: cancel}
	go m.readGroup(ctx, groupID, sub)
	log.Printf("SIG: joined group topic %s", groupID)
	return nil
}

// LeaveGroup unsubscribes from a group's signaling topic.
func (m *Manager) LeaveGroup(groupID string) {
	m.topicMu.Lock()
	gs, ok := m.topics[groupID]
	if ok {
		delete(m.topics, groupID)
	}
	m.topicMu.Unlock()
	if !ok {
		return
	}
	gs.cancel()
	gs.sub.Cancel()
	gs.topic.Close()
	log.Printf("SIG: left group topic %s", groupID)
}

func (m *Manager) readGroup(ctx context.Context, groupID string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return // cancelled or closed
		}
		from := msg.ReceivedFrom.String()
		if from == m.selfID {
			continue // our own publish echoed back
		}
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Printf("SIG: bad group envelope from %s: %v", short(from), err)
			continue
		}
		if env.GroupID == "" {
			env.GroupID = groupID
		}
		m.dispatch(from, env)
	}
}

// handleIncoming is the libp2p stream handler for /pipit/call/1.0.0. It reads
// one envelope, acks immediately, then dispatches.
func (m *Manager) handleIncoming(stream network.Stream) {
	defer stream.Close()
	from := stream.Conn().RemotePeer().String()

	_ = stream.SetReadDeadline(time.Now().Add(30 * time.Second))
	var env Envelope
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&env); err != nil {
		log.Printf("SIG: decode error from %s: %v", short(from), err)
		return
	}

	// Ack immediately — the bytes are already ours. Droppable senders have
	// moved on and will not be reading.
	if env.Urgency != "droppable" {
		ack := Ack{Type: "ack", ID: env.ID, Seq: env.Seq}
		_ = stream.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := json.NewEncoder(stream).Encode(ack); err != nil {
			log.Printf("SIG: ack write error to %s: %v", short(from), err)
		}
	}

	m.dispatch(from, env)
}

// dispatch routes one decoded envelope into the receiver. Malformed ids are
// logged and dropped; signaling is loss-tolerant by design of the caller.
func (m *Manager) dispatch(from string, env Envelope) {
	log.Printf("SIG: received %s %s from %s", env.Kind, short(env.ID), short(from))

	switch env.Kind {
	case KindPresence:
		if fn := m.onPresence; fn != nil {
			fn(from, env.GroupID, env.Update)
		}
		return
	case KindRingUpdate:
		ringID, err := uuid.Parse(env.RingID)
		if err != nil {
			log.Printf("SIG: bad ring id %q from %s", env.RingID, short(from))
			return
		}
		update, err := ParseRingUpdate(env.Update)
		if err != nil {
			log.Printf("SIG: %v (from %s)", err, short(from))
			return
		}
		m.rx.ReceivedGroupRingUpdate(env.GroupID, ringID, from, update)
		return
	}

	callID, err := uuid.Parse(env.CallID)
	if err != nil {
		log.Printf("SIG: bad call id %q in %s from %s", env.CallID, env.Kind, short(from))
		return
	}

	switch env.Kind {
	case KindOffer:
		m.rx.ReceivedOffer(from, callID, env.ThreadID, env.Body)
	case KindAnswer:
		m.rx.ReceivedAnswer(from, callID, env.Body)
	case KindRinging:
		m.rx.ReceivedRinging(from, callID)
	case KindIce:
		var candidates [][]byte
		if err := json.Unmarshal(env.Body, &candidates); err != nil {
			log.Printf("SIG: bad candidate batch from %s: %v", short(from), err)
			return
		}
		m.rx.ReceivedIceCandidates(from, callID, candidates)
	case KindHangup:
		m.rx.ReceivedHangup(from, callID)
	case KindBusy:
		m.rx.ReceivedBusy(from, callID)
	default:
		log.Printf("SIG: unknown envelope kind %q from %s", env.Kind, short(from))
	}
}
