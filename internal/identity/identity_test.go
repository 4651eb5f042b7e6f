package identity

import "testing"

func TestObservePinsFirstKey(t *testing.T) {
	s := NewStore()

	if got := s.TrustState("alice"); got != TrustUnknown {
		t.Fatalf("fresh peer state = %v, want unknown", got)
	}

	if got := s.Observe("alice", []byte("key-1")); got != TrustVerified {
		t.Fatalf("first observe = %v, want verified", got)
	}
	if got := s.Observe("alice", []byte("key-1")); got != TrustVerified {
		t.Fatalf("same key re-observe = %v, want verified", got)
	}
}

func TestKeyChangeFlagsUntilConfirmed(t *testing.T) {
	s := NewStore()
	s.Observe("alice", []byte("key-1"))

	if got := s.Observe("alice", []byte("key-2")); got != TrustChanged {
		t.Fatalf("changed key observe = %v, want changed", got)
	}
	if got := s.TrustState("alice"); got != TrustChanged {
		t.Fatalf("state after change = %v, want changed", got)
	}

	// Re-seeing the same changed key does not self-heal.
	if got := s.Observe("alice", []byte("key-2")); got != TrustChanged {
		t.Fatalf("re-observe of changed key = %v, want changed", got)
	}

	s.Confirm("alice")
	if got := s.TrustState("alice"); got != TrustVerified {
		t.Fatalf("state after confirm = %v, want verified", got)
	}

	// The confirmed key is now the pin; yet another key re-flags.
	if got := s.Observe("alice", []byte("key-3")); got != TrustChanged {
		t.Fatalf("third key observe = %v, want changed", got)
	}
}

func TestConfirmWithoutChangeIsNoop(t *testing.T) {
	s := NewStore()
	s.Observe("alice", []byte("key-1"))
	s.Confirm("alice")
	if got := s.TrustState("alice"); got != TrustVerified {
		t.Fatalf("state = %v, want verified", got)
	}
}

func TestFingerprintStability(t *testing.T) {
	a := FingerprintKey([]byte("key-1"))
	b := FingerprintKey([]byte("key-1"))
	c := FingerprintKey([]byte("key-2"))
	if a != b {
		t.Fatal("same key produced different fingerprints")
	}
	if a == c {
		t.Fatal("different keys collided")
	}
	if len(a.String()) != 16 {
		t.Fatalf("display fingerprint %q, want 8 bytes hex", a.String())
	}
}
