// Package store holds the client's mirror of the player's district. All mutation goes
// through Apply, which commits a whole patch or nothing and then notifies listeners
// synchronously, in registration order.
package store

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"tonempire.game/internal/game"
)

// Listener receives the snapshot produced by each applied patch. Listeners run on the
// applying goroutine and must not call Apply themselves.
type Listener func(Snapshot)

type listenerEntry struct {
	id int
	fn Listener
}

type Store struct {
	log *log.Logger

	// publishMu serializes apply+notify so every listener sees revisions in order.
	publishMu sync.Mutex

	mu        sync.RWMutex
	st        *state
	rev       uint64
	listeners []listenerEntry
	nextID    int
	refreshed time.Time
	closed    bool
}

func New(logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Store{log: logger, st: newState()}
}

// Apply commits p when it is acceptable and reports whether it did. Stale authoritative
// patches are dropped silently.
func (s *Store) Apply(p Patch, sourceVersion int64) bool {
	return s.TryApply(p, sourceVersion) == nil
}

// TryApply is Apply with the rejection reason.
func (s *Store) TryApply(p Patch, sourceVersion int64) error {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	work := s.st.clone()
	c := applyCtx{version: sourceVersion, optimistic: p.Optimistic}
	for _, op := range p.Ops {
		if err := op.apply(work, c); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	superseded := work.superseded
	work.superseded = nil
	s.st = work
	s.rev++
	snap := s.st.snapshot(s.rev)
	snap.Superseded = superseded
	listeners := append([]listenerEntry(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l.fn(snap)
	}
	return nil
}

// Subscribe registers fn and returns a function that removes it.
func (s *Store) Subscribe(fn Listener) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.snapshot(s.rev)
}

// Refresh re-publishes the current snapshot when a construction or upgrade deadline fell
// between the previous refresh and now. It changes nothing; listeners use it to redraw
// buildings whose state flipped by the clock alone.
func (s *Store) Refresh(now time.Time) bool {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	last := s.refreshed
	s.refreshed = now
	crossed := false
	for _, b := range s.st.buildings {
		if b.UpgradeEndAt == nil {
			continue
		}
		end := *b.UpgradeEndAt
		if end.After(last) && !end.After(now) {
			crossed = true
			break
		}
	}
	if !crossed {
		s.mu.Unlock()
		return false
	}
	snap := s.st.snapshot(s.rev)
	listeners := append([]listenerEntry(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l.fn(snap)
	}
	return true
}

// Digest fingerprints the district and buildings so two mirrors can be compared cheaply.
func (s *Store) Digest() string {
	snap := s.Snapshot()
	type digestView struct {
		District  game.District   `json:"district"`
		Buildings []game.Building `json:"buildings"`
	}
	b, err := json.Marshal(digestView{District: snap.District, Buildings: snap.Buildings})
	if err != nil {
		s.log.Printf("digest: %v", err)
		return ""
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Close drops every listener. The state stays readable.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.listeners = nil
}
