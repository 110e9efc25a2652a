// Package lifecycle evaluates a building's construction/upgrade state from its stored
// timestamps. Nothing here schedules timers: a building whose deadline has passed is
// Active the moment anyone looks at it.
package lifecycle

import (
	"errors"
	"time"

	"tonempire.game/internal/game"
)

type State int

const (
	Empty State = iota
	UnderConstruction
	Active
	UnderUpgrade
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case UnderConstruction:
		return "under_construction"
	case Active:
		return "active"
	case UnderUpgrade:
		return "under_upgrade"
	}
	return "unknown"
}

var (
	ErrNotActive = errors.New("building is not active")
	ErrMaxLevel  = errors.New("building is at max level")
	ErrUnknown   = errors.New("unknown building type")
)

// pendingTimer reports whether b still waits for upgrade_end_at at now.
func pendingTimer(b game.Building, now time.Time) bool {
	return b.UpgradeEndAt != nil && now.Before(*b.UpgradeEndAt)
}

// constructing tells construction timers from upgrade timers: a building under
// construction has not been given any health yet.
func constructing(b game.Building) bool {
	return b.UpgradeEndAt != nil && b.Health <= 0
}

func StateOf(b game.Building, now time.Time) State {
	if !pendingTimer(b, now) {
		return Active
	}
	if constructing(b) {
		return UnderConstruction
	}
	return UnderUpgrade
}

// CellState is the state of the grid cell at pos.
func CellState(buildings []game.Building, pos game.Position, now time.Time) State {
	for _, b := range buildings {
		if b.Position == pos {
			return StateOf(b, now)
		}
	}
	return Empty
}

// Resolve returns b as it stands at now, applying any completed timer.
func Resolve(b game.Building, now time.Time) game.Building {
	b = b.Clone()
	if b.UpgradeEndAt == nil || pendingTimer(b, now) {
		return b
	}
	if constructing(b) {
		if b.MaxHealth <= 0 {
			b.MaxHealth = game.MaxHealthForLevel(b.Level)
		}
	} else {
		b.Level++
		b.MaxHealth = game.MaxHealthForLevel(b.Level)
	}
	b.Health = b.MaxHealth
	b.UpgradeEndAt = nil
	return b
}

// CompletedLevel is the level b produces at once its pending timer (if any) elapses.
func CompletedLevel(b game.Building) int {
	if b.UpgradeEndAt != nil && !constructing(b) {
		return b.Level + 1
	}
	return b.Level
}

// StartConstruction projects a new building at pos. The caller assigns the id.
func StartConstruction(cat *game.Catalog, typ game.BuildingType, pos game.Position, now time.Time) (game.Building, error) {
	if _, ok := cat.Spec(typ); !ok {
		return game.Building{}, ErrUnknown
	}
	end := now.Add(cat.BuildTime(typ))
	return game.Building{
		Type:         typ,
		Level:        1,
		Position:     pos,
		Health:       0,
		MaxHealth:    game.MaxHealthForLevel(1),
		IsActive:     true,
		UpgradeEndAt: &end,
		CreatedAt:    now,
	}, nil
}

// StartUpgrade moves an Active building into UnderUpgrade. The returned building keeps
// its current level; the level increments when the timer elapses.
func StartUpgrade(cat *game.Catalog, b game.Building, now time.Time) (game.Building, error) {
	spec, ok := cat.Spec(b.Type)
	if !ok {
		return game.Building{}, ErrUnknown
	}
	if StateOf(b, now) != Active {
		return game.Building{}, ErrNotActive
	}
	b = Resolve(b, now)
	if b.Level >= spec.MaxLevel {
		return game.Building{}, ErrMaxLevel
	}
	end := now.Add(cat.UpgradeTime(b.Type, b.Level+1))
	b.UpgradeEndAt = &end
	return b, nil
}

// Degraded marks buildings below half health. Degraded buildings still produce.
func Degraded(b game.Building) bool {
	if b.MaxHealth <= 0 || b.UpgradeEndAt != nil && b.Health <= 0 {
		return false
	}
	return b.Health < b.MaxHealth/2
}

// Producing reports whether b yields resources at now.
func Producing(b game.Building, now time.Time) bool {
	return b.IsActive && StateOf(b, now) == Active
}

// NextDeadline returns the earliest pending timer after now.
func NextDeadline(buildings []game.Building, now time.Time) (time.Time, bool) {
	var next time.Time
	found := false
	for _, b := range buildings {
		if !pendingTimer(b, now) {
			continue
		}
		if !found || b.UpgradeEndAt.Before(next) {
			next = *b.UpgradeEndAt
			found = true
		}
	}
	return next, found
}
