package gateway

import (
	"errors"
	"fmt"

	"tonempire.game/internal/lifecycle"
	"tonempire.game/internal/store"
)

var (
	ErrTimeout             = errors.New("no answer from server in time")
	ErrClosed              = errors.New("gateway closed")
	ErrUnknownBuildingType = errors.New("unknown building type")
	ErrOutOfBounds         = errors.New("position outside the district grid")
	ErrNoDistrict          = errors.New("district not loaded yet")

	ErrMaxLevel  = lifecycle.ErrMaxLevel
	ErrNotActive = lifecycle.ErrNotActive
)

// ValidationError is a local rejection. Nothing was sent and nothing changed.
type ValidationError struct {
	Intent store.Intent
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s rejected: %v", e.Intent, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(intent store.Intent, err error) error {
	return &ValidationError{Intent: intent, Err: err}
}
