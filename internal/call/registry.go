package call

import (
	"log"
	"sync"

	"github.com/google/uuid"
)

// Registry is the set of all sessions currently in play plus the single
// designated current call. Mutation happens only on the call-control
// goroutine; the mutex exists so other goroutines (UI queries) can read the
// current pointer without ever observing a half-applied transition.
type Registry struct {
	mu      sync.Mutex
	calls   map[uuid.UUID]*Session
	current *Session

	obsMu     sync.Mutex
	observers []Observer

	notifyCh chan func()
	done     chan struct{}

	device  DeviceController
	reportf func(format string, args ...any)

	// onCurrentChanged runs synchronously on the call-control context after
	// a current-call transition, before observers hear about it. The
	// coordinator uses it to recompute video and data-mode policy.
	onCurrentChanged func(old, newCall *Session)

	// ringNextEarly is the pending "ring the next incoming call early"
	// flag; any current-call transition resets it.
	ringNextEarly bool
}

// NewRegistry creates a registry and starts its observer notifier goroutine.
// reportf is the non-fatal assertion sink for invariant violations; nil means
// log only.
func NewRegistry(device DeviceController, reportf func(string, ...any)) *Registry {
	if reportf == nil {
		reportf = func(format string, args ...any) {
			log.Printf("CALL: invariant: "+format, args...)
		}
	}
	r := &Registry{
		calls:    make(map[uuid.UUID]*Session),
		notifyCh: make(chan func(), 64),
		done:     make(chan struct{}),
		device:   device,
		reportf:  reportf,
	}
	go r.notifyLoop()
	return r
}

// Close stops the notifier goroutine. Pending notifications are dropped.
func (r *Registry) Close() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// AddObserver subscribes an observer to current-call transitions.
// Notification order is FIFO by subscription.
func (r *Registry) AddObserver(o Observer) {
	r.obsMu.Lock()
	r.observers = append(r.observers, o)
	r.obsMu.Unlock()
}

// RemoveObserver unsubscribes a previously added observer.
func (r *Registry) RemoveObserver(o Observer) {
	r.obsMu.Lock()
	for i, cur := range r.observers {
		if cur == o {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			break
		}
	}
	r.obsMu.Unlock()
}

func (r *Registry) snapshotObservers() []Observer {
	r.obsMu.Lock()
	obs := make([]Observer, len(r.observers))
	copy(obs, r.observers)
	r.obsMu.Unlock()
	return obs
}

// AddCall inserts a session into the in-play set. Adding a session twice is
// an invariant violation: reported, and the second add is rejected.
func (r *Registry) AddCall(s *Session) {
	r.mu.Lock()
	if _, exists := r.calls[s.ID]; exists {
		r.mu.Unlock()
		r.reportf("addCall: %s already registered", s)
		return
	}
	r.calls[s.ID] = s
	r.mu.Unlock()

	log.Printf("CALL: registered %s", s)
}

// RemoveCall removes a session from the in-play set and reports whether it
// was present. The caller must clear current first — the registry never
// implicitly clears it on removal.
func (r *Registry) RemoveCall(id uuid.UUID) bool {
	r.mu.Lock()
	s, present := r.calls[id]
	if present {
		delete(r.calls, id)
	}
	wasCurrent := present && r.current == s
	r.mu.Unlock()

	if !present {
		return false
	}
	if wasCurrent {
		r.reportf("removeCall: %s removed while still current", s)
	}
	log.Printf("CALL: unregistered %s", s)
	return true
}

// SetCurrent designates s (possibly nil) as the current call. Setting a new
// current call while a different one is still current is rejected and
// reported; the caller must clear first. Must run on the call-control
// context.
func (r *Registry) SetCurrent(s *Session) {
	r.mu.Lock()
	old := r.current
	if old == s {
		r.mu.Unlock()
		return
	}
	if s != nil && old != nil {
		r.mu.Unlock()
		r.reportf("setCurrent: %s while %s is still current", s, old)
		return
	}
	if s != nil {
		if _, member := r.calls[s.ID]; !member {
			r.mu.Unlock()
			r.reportf("setCurrent: %s is not registered", s)
			return
		}
	}
	r.current = s
	r.ringNextEarly = false
	r.mu.Unlock()

	if old != nil {
		log.Printf("CALL: %s no longer current", old)
	}
	if s != nil {
		log.Printf("CALL: %s is now current", s)
	}

	r.device.KeepAwake(s != nil)
	r.device.ObserveOrientation(s != nil)

	if r.onCurrentChanged != nil {
		r.onCurrentChanged(old, s)
	}

	// Observers hear about the transition after the synchronous state change
	// completes, in subscription order.
	obs := r.snapshotObservers()
	r.notify(func() {
		for _, o := range obs {
			o.OnCurrentCallChanged(old, s)
		}
	})
}

// Current returns the current call, or nil. Safe from any goroutine.
func (r *Registry) Current() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Lookup returns the in-play session with the given id, if any.
func (r *Registry) Lookup(id uuid.UUID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.calls[id]
	return s, ok
}

// LookupByThread returns the in-play session for a thread, if any.
func (r *Registry) LookupByThread(threadID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.calls {
		if s.Thread.ID == threadID {
			return s, true
		}
	}
	return nil, false
}

// HasCallInProgress reports whether any session is in play. Safe from any
// goroutine.
func (r *Registry) HasCallInProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls) > 0
}

// Sessions returns a snapshot of all in-play sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.calls))
	for _, s := range r.calls {
		out = append(out, s)
	}
	return out
}

// SetRingNextEarly arms early ringing for the next incoming call.
func (r *Registry) SetRingNextEarly(v bool) {
	r.mu.Lock()
	r.ringNextEarly = v
	r.mu.Unlock()
}

// RingNextEarly reports the pending early-ring flag.
func (r *Registry) RingNextEarly() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ringNextEarly
}

// notifyFailure fans a session-level failure out to observers that opted in.
// Delivered on the notifier goroutine so ordering with current-call
// notifications is preserved.
func (r *Registry) notifyFailure(s *Session, err error) {
	obs := r.snapshotObservers()
	r.notify(func() {
		for _, o := range obs {
			if f, ok := o.(FailureObserver); ok {
				f.OnSessionFailure(s, err)
			}
		}
	})
}

func (r *Registry) notify(fn func()) {
	select {
	case r.notifyCh <- fn:
	case <-r.done:
	}
}

func (r *Registry) notifyLoop() {
	for {
		select {
		case <-r.done:
			return
		case fn := <-r.notifyCh:
			fn()
		}
	}
}
