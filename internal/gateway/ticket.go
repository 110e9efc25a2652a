package gateway

import (
	"context"
	"sync"

	"tonempire.game/internal/store"
)

type Outcome string

const (
	OutcomePending    Outcome = ""
	OutcomeAcked      Outcome = "acked"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeOrphaned   Outcome = "orphaned"
)

// Ticket tracks one submitted intent until the server, a newer push, the timeout or
// Close settles it.
type Ticket struct {
	ID     string // correlation id
	Target string
	Intent store.Intent

	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	outcome  Outcome
	err      error
	entityID string
}

func newTicket(id, target string, intent store.Intent) *Ticket {
	return &Ticket{ID: id, Target: target, Intent: intent, done: make(chan struct{})}
}

func (t *Ticket) Done() <-chan struct{} { return t.done }

func (t *Ticket) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// Err is the failure that caused a rollback or orphaning, nil otherwise.
func (t *Ticket) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// EntityID is the server id of the affected entity once acked. For creates it replaces
// the temporary Target id.
func (t *Ticket) EntityID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entityID == "" {
		return t.Target
	}
	return t.entityID
}

// Wait blocks until the ticket settles or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		return t.Outcome(), t.Err()
	case <-ctx.Done():
		return OutcomePending, ctx.Err()
	}
}

func (t *Ticket) resolve(o Outcome, err error, entityID string) bool {
	settled := false
	t.once.Do(func() {
		t.mu.Lock()
		t.outcome = o
		t.err = err
		t.entityID = entityID
		t.mu.Unlock()
		close(t.done)
		settled = true
	})
	return settled
}
