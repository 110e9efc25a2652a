package protocol

const (
	// Request validation.
	ErrBadRequest   = "E_BAD_REQUEST"
	ErrUnauthorized = "E_UNAUTHORIZED"
	ErrNotFound     = "E_NOT_FOUND"

	// Command conflicts.
	ErrConflict   = "E_CONFLICT"
	ErrOccupied   = "E_OCCUPIED"
	ErrNoResource = "E_NO_RESOURCE"
	ErrBusy       = "E_BUSY"

	// Server side.
	ErrRateLimit = "E_RATE_LIMIT"
	ErrInternal  = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadRequest:   {},
	ErrUnauthorized: {},
	ErrNotFound:     {},
	ErrConflict:     {},
	ErrOccupied:     {},
	ErrNoResource:   {},
	ErrBusy:         {},
	ErrRateLimit:    {},
	ErrInternal:     {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Retryable reports whether the same command may succeed if the user tries again.
func Retryable(code string) bool {
	switch code {
	case ErrConflict, ErrBusy, ErrRateLimit, ErrInternal:
		return true
	}
	return false
}
