package push

import (
	"sync"
	"time"

	"tonempire.game/internal/protocol"
)

const maxSeenNotifications = 1024

// seenNotifications remembers the notifications already handed to the UI. After a
// reconnect the server replays recent notifications with their original id and
// created_at; a notification raised again under the same id carries a later created_at
// and is shown again. Notifications without an id are always shown.
type seenNotifications struct {
	mu     sync.Mutex
	window time.Duration
	byID   map[string]shownNotification
	order  []shownNotification // oldest first
}

type shownNotification struct {
	id      string
	created time.Time
	shown   time.Time
}

func newSeenNotifications(window time.Duration) *seenNotifications {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &seenNotifications{window: window, byID: map[string]shownNotification{}}
}

// allow reports whether n should be shown and, if so, remembers it.
func (s *seenNotifications) allow(n protocol.Notification, now time.Time) bool {
	if s == nil || n.ID == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.forget(now)
	if prev, ok := s.byID[n.ID]; ok && !n.CreatedAt.After(prev.created) {
		return false
	}
	rec := shownNotification{id: n.ID, created: n.CreatedAt, shown: now}
	s.byID[n.ID] = rec
	s.order = append(s.order, rec)
	if len(s.order) > maxSeenNotifications {
		s.drop()
	}
	return true
}

// forget drops entries shown longer than window ago.
func (s *seenNotifications) forget(now time.Time) {
	for len(s.order) > 0 && now.Sub(s.order[0].shown) >= s.window {
		s.drop()
	}
}

func (s *seenNotifications) drop() {
	head := s.order[0]
	s.order = s.order[1:]
	// A later showing of the same id owns the map entry.
	if cur, ok := s.byID[head.id]; ok && cur.shown.Equal(head.shown) && cur.created.Equal(head.created) {
		delete(s.byID, head.id)
	}
}
