// Package cancel implements the in-process cancellation registry and the
// cross-process DB-polled fallback.
package cancel

import (
	"context"
	"sync"

	"github.com/cswenor/conductor/internal/model"
)

// Token is a cooperative cancellation signal for one run. It behaves like
// context.Context's cancellation half, but is keyed by run id rather than
// tied to a single goroutine tree, since register/unregister calls for the
// same run can come from different workers' request-handling goroutines.
type Token struct {
	done chan struct{}
	once sync.Once
}

func newToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Done returns a channel closed when the token is aborted.
func (t *Token) Done() <-chan struct{} { return t.done }

// Cancelled reports whether the token has been aborted.
func (t *Token) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Token) abort() {
	t.once.Do(func() { close(t.done) })
}

type entry struct {
	token    *Token
	refCount int
}

// Registry is a process-local map of run_id -> (token, ref_count).
// Because tokens are per-process, a Signal call on worker B does not
// immediately abort in-flight work on worker A — see
// PollUntilCancelledOrDone for the cross-process path.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register increments the ref count for runID, creating a fresh token if
// none exists yet, and returns the (possibly already-aborted) token.
func (r *Registry) Register(runID string) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[runID]
	if !ok {
		e = &entry{token: newToken()}
		r.entries[runID] = e
	}
	e.refCount++
	return e.token
}

// Signal aborts runID's token if an entry exists, and reports whether one did.
func (r *Registry) Signal(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[runID]
	if !ok {
		return false
	}
	e.token.abort()
	return true
}

// Unregister decrements runID's ref count, deleting the entry once it
// reaches zero.
func (r *Registry) Unregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[runID]
	if !ok {
		return
	}
	e.refCount--
	if e.refCount <= 0 {
		delete(r.entries, runID)
	}
}

// IsCancelled reports whether runID currently has an aborted token.
func (r *Registry) IsCancelled(runID string) bool {
	r.mu.Lock()
	token, ok := r.entries[runID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return token.token.Cancelled()
}

// GetToken returns runID's token if an entry exists.
func (r *Registry) GetToken(runID string) (*Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[runID]
	if !ok {
		return nil, false
	}
	return e.token, true
}

// PhaseReader is the read surface the DB-polled fallback needs: just
// enough to ask whether a run has already reached `cancelled`.
type PhaseReader interface {
	RunPhase(runID string) (phase string, err error)
}

// PollUntilCancelledOrDone returns at once with a channel that is closed
// when ctx is done or when reader, asked on each receive from poll, reports
// the run's phase as cancelled (read errors are ignored until the next
// poll) — the cross-process fallback an agent executor can select on
// alongside its own I/O, so cancellation still takes effect on a worker
// that never called Register for this run.
func PollUntilCancelledOrDone(ctx context.Context, reader PhaseReader, runID string, poll <-chan struct{}) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-poll:
				phase, err := reader.RunPhase(runID)
				if err == nil && phase == string(model.PhaseCancelled) {
					return
				}
			}
		}
	}()
	return out
}
