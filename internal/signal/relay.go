package signal

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pipit-im/pipit/internal/util"
)

// relayFrame is one message on the relay websocket, both directions.
type relayFrame struct {
	To   string   `json:"to,omitempty"`
	From string   `json:"from,omitempty"`
	Env  Envelope `json:"env"`
}

// RelayClient keeps a websocket to the signaling relay and forwards envelopes
// for peers we cannot reach directly. The relay sees envelope framing but the
// SDP bodies are opaque to it.
type RelayClient struct {
	url    string
	selfID string

	mu   sync.Mutex
	conn *websocket.Conn

	onEnvelope func(from string, env Envelope) // set by the signal manager

	// diag keeps the most recent relay events for troubleshooting.
	diag *util.RingBuffer[string]

	done chan struct{}
}

// NewRelayClient creates a relay client and starts its connect/read loop.
func NewRelayClient(url, selfID string) *RelayClient {
	r := &RelayClient{
		url:    url,
		selfID: selfID,
		diag:   util.NewRingBuffer[string](64),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Close tears down the relay connection and stops reconnecting.
func (r *RelayClient) Close() {
	select {
	case <-r.done:
		return
	default:
	}
	close(r.done)
	r.mu.Lock()
	if r.conn != nil {
		r.conn.Close()
	}
	r.mu.Unlock()
}

// Send forwards one envelope through the relay. Fails fast when the relay is
// not connected; the caller already exhausted the direct path.
func (r *RelayClient) Send(ctx context.Context, recipientID string, env Envelope) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relay: not connected")
	}

	frame := relayFrame{To: recipientID, Env: env}
	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return fmt.Errorf("relay: not connected")
	}
	_ = r.conn.SetWriteDeadline(deadline)
	if err := r.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("relay: write: %w", err)
	}
	return nil
}

func (r *RelayClient) run() {
	backoff := time.Second
	for {
		select {
		case <-r.done:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(r.url, nil)
		if err != nil {
			log.Printf("SIG: relay dial %s: %v (retry in %s)", r.url, err, backoff)
			r.note("dial failed: " + err.Error())
			select {
			case <-r.done:
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		// Announce who we are so the relay can route inbound frames to us.
		hello := relayFrame{From: r.selfID}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(hello); err != nil {
			log.Printf("SIG: relay hello: %v", err)
			conn.Close()
			continue
		}

		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()
		log.Printf("SIG: relay connected (%s)", r.url)
		r.note("connected")

		r.readLoop(conn)
		r.note("disconnected")

		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
	}
}

func (r *RelayClient) note(msg string) {
	r.diag.Push(time.Now().Format(time.RFC3339) + " " + msg)
}

// Diagnostics returns recent relay events, oldest first.
func (r *RelayClient) Diagnostics() []string {
	return r.diag.Snapshot()
}

func (r *RelayClient) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		var frame relayFrame
		if err := conn.ReadJSON(&frame); err != nil {
			select {
			case <-r.done:
			default:
				log.Printf("SIG: relay read: %v — reconnecting", err)
			}
			return
		}
		if frame.From == "" || frame.From == r.selfID {
			continue
		}
		if fn := r.onEnvelope; fn != nil {
			fn(frame.From, frame.Env)
		}
	}
}
