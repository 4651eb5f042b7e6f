// Package identity tracks the public-key fingerprints of known peers and the
// trust state a call placement must check before signaling them.
package identity

import (
	"encoding/hex"
	"errors"
	"log"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// ErrUntrusted marks a signaling send that was refused (or failed) because
// the recipient's identity key changed and the change is unconfirmed.
var ErrUntrusted = errors.New("identity: peer key changed and not confirmed")

// TrustState is the verification status of a peer's identity key.
type TrustState int

const (
	// TrustUnknown: we have never seen a key for this peer. Calls proceed
	// on first use; the key observed during setup becomes the pin.
	TrustUnknown TrustState = iota
	// TrustVerified: the pinned key matches the last observed key.
	TrustVerified
	// TrustChanged: the observed key differs from the pin and the user has
	// not yet confirmed the new key.
	TrustChanged
)

func (s TrustState) String() string {
	switch s {
	case TrustUnknown:
		return "unknown"
	case TrustVerified:
		return "verified"
	case TrustChanged:
		return "changed"
	default:
		return "invalid"
	}
}

// Fingerprint is a short stable digest of a peer's public key, the value
// shown to users for comparison and pinned for change detection.
type Fingerprint [32]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:8])
}

// FingerprintKey digests a raw public key.
func FingerprintKey(pub []byte) Fingerprint {
	return blake2b.Sum256(pub)
}

// Store pins one fingerprint per peer and tracks confirmation state.
type Store struct {
	mu     sync.Mutex
	pinned map[string]Fingerprint
	state  map[string]TrustState
}

func NewStore() *Store {
	return &Store{
		pinned: make(map[string]Fingerprint),
		state:  make(map[string]TrustState),
	}
}

// Observe records the key seen for a peer during connection setup. The first
// key pins; a differing key flips the peer to TrustChanged until Confirm.
func (s *Store) Observe(peerID string, pub []byte) TrustState {
	fp := FingerprintKey(pub)

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.pinned[peerID]
	if !ok {
		s.pinned[peerID] = fp
		s.state[peerID] = TrustVerified
		return TrustVerified
	}
	if old == fp {
		if s.state[peerID] != TrustChanged {
			s.state[peerID] = TrustVerified
		}
		return s.state[peerID]
	}

	log.Printf("IDN: key changed for %s (%s → %s)", short(peerID), old, fp)
	s.pinned[peerID] = fp
	s.state[peerID] = TrustChanged
	return TrustChanged
}

// TrustState returns the current state for a peer.
func (s *Store) TrustState(peerID string) TrustState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[peerID]
	if !ok {
		return TrustUnknown
	}
	return st
}

// Confirm marks a changed key as accepted by the user.
func (s *Store) Confirm(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state[peerID] == TrustChanged {
		s.state[peerID] = TrustVerified
		log.Printf("IDN: key confirmed for %s", short(peerID))
	}
}

// Pinned returns the pinned fingerprint for a peer, if any.
func (s *Store) Pinned(peerID string) (Fingerprint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.pinned[peerID]
	return fp, ok
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
