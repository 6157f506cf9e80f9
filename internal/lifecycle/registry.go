package lifecycle

import "sync"

// Waiter is one parked request: its machine plus the channel its handler
// blocks on. Verdicts is buffered so delivery never blocks the dispatcher
// goroutine, even if the handler has already given up.
type Waiter struct {
	Machine  *Machine
	Verdicts chan Verdict
}

// Registry correlates dispatch tokens with parked requests. An entry lives
// from dispatch until verdict delivery or cancellation, whichever comes
// first, so no lifecycle state outlives its request.
type Registry struct {
	mu      sync.Mutex
	waiting map[uint64]*Waiter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{waiting: make(map[uint64]*Waiter)}
}

// Add parks a machine under its correlation token and returns the waiter
// whose Verdicts channel the caller should block on.
func (r *Registry) Add(token uint64, m *Machine) *Waiter {
	w := &Waiter{Machine: m, Verdicts: make(chan Verdict, 1)}
	r.mu.Lock()
	r.waiting[token] = w
	r.mu.Unlock()
	return w
}

// Deliver routes a backend response to the parked machine and removes the
// entry. It reports false for an unknown token, which happens when the
// request was canceled before the response arrived; the response is
// dropped in that case.
func (r *Registry) Deliver(token uint64, headers map[string]string) bool {
	r.mu.Lock()
	w, ok := r.waiting[token]
	if ok {
		delete(r.waiting, token)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	verdict, err := w.Machine.OnCallResponse(headers)
	if err != nil {
		// The machine refused the event; resolve the waiter as rejected so
		// the handler never hangs.
		verdict = VerdictForbidden
	}
	w.Verdicts <- verdict
	return true
}

// Cancel removes a parked entry without delivering a verdict. Called when
// the inbound request goes away while waiting.
func (r *Registry) Cancel(token uint64) {
	r.mu.Lock()
	delete(r.waiting, token)
	r.mu.Unlock()
}

// Len returns the number of requests currently waiting. Exposed for
// observability.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiting)
}
