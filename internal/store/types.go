package store

import (
	"errors"
	"sort"
	"time"

	"tonempire.game/internal/game"
)

var (
	ErrStale                 = errors.New("stale version")
	ErrInsufficientResources = errors.New("insufficient resources")
	ErrOccupied              = errors.New("position already occupied")
	ErrMutationInFlight      = errors.New("mutation already in flight for target")
	ErrNotFound              = errors.New("entity not found")
	ErrNoPending             = errors.New("no pending mutation")
	ErrVersionMoved          = errors.New("entity changed since validation")
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDegraded     Status = "degraded"
	StatusDisconnected Status = "disconnected"
)

type ConnectionState struct {
	Status        Status        `json:"status"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Backoff       time.Duration `json:"backoff"`
	Attempts      int           `json:"attempts"`
	LastError     string        `json:"last_error,omitempty"`
}

type Intent string

const (
	IntentCollect Intent = "collect"
	IntentCreate  Intent = "create"
	IntentUpgrade Intent = "upgrade"
)

// PendingMutation lives between an optimistic apply and its resolution. Patch is what was
// applied locally; Inverse compensates it.
type PendingMutation struct {
	CorrelationID   string    `json:"correlation_id"`
	Target          string    `json:"target"`
	Intent          Intent    `json:"intent"`
	Patch           Patch     `json:"-"`
	Inverse         Patch     `json:"-"`
	BaseVersion     int64     `json:"base_version"`
	DistrictVersion int64     `json:"district_version"`
	SubmittedAt     time.Time `json:"submitted_at"`
	Retries         int       `json:"retries"`
}

// Snapshot is an immutable copy of the store at one revision.
type Snapshot struct {
	Revision   uint64                     `json:"revision"`
	District   game.District              `json:"district"`
	Buildings  []game.Building            `json:"buildings"`
	Optimistic map[string]bool            `json:"optimistic,omitempty"`
	Connection ConnectionState            `json:"connection"`
	Pending    map[string]PendingMutation `json:"pending,omitempty"`

	// Superseded lists pending mutations this revision discarded because a newer
	// authoritative version of their target arrived.
	Superseded []PendingMutation `json:"-"`
}

func (s Snapshot) Building(id string) (game.Building, bool) {
	for _, b := range s.Buildings {
		if b.ID == id {
			return b.Clone(), true
		}
	}
	return game.Building{}, false
}

func (s Snapshot) BuildingAt(pos game.Position) (game.Building, bool) {
	for _, b := range s.Buildings {
		if b.Position == pos {
			return b.Clone(), true
		}
	}
	return game.Building{}, false
}

// PendingFor returns the in-flight mutation targeting id, if any.
func (s Snapshot) PendingFor(target string) (PendingMutation, bool) {
	for _, pm := range s.Pending {
		if pm.Target == target {
			return pm, true
		}
	}
	return PendingMutation{}, false
}

// state is the mutable representation behind the store. Patches run against a clone and
// the clone replaces the live state only when every op succeeded.
type state struct {
	district           game.District
	districtOptimistic bool
	buildings          map[string]game.Building
	optimistic         map[string]bool
	tombstones         map[string]int64
	pending            map[string]PendingMutation
	conn               ConnectionState

	superseded []PendingMutation
}

func newState() *state {
	return &state{
		buildings:  map[string]game.Building{},
		optimistic: map[string]bool{},
		tombstones: map[string]int64{},
		pending:    map[string]PendingMutation{},
		conn:       ConnectionState{Status: StatusDisconnected},
	}
}

func (st *state) clone() *state {
	out := &state{
		district:           st.district,
		districtOptimistic: st.districtOptimistic,
		buildings:          make(map[string]game.Building, len(st.buildings)),
		optimistic:         make(map[string]bool, len(st.optimistic)),
		tombstones:         make(map[string]int64, len(st.tombstones)),
		pending:            make(map[string]PendingMutation, len(st.pending)),
		conn:               st.conn,
	}
	for k, v := range st.buildings {
		out.buildings[k] = v.Clone()
	}
	for k, v := range st.optimistic {
		out.optimistic[k] = v
	}
	for k, v := range st.tombstones {
		out.tombstones[k] = v
	}
	for k, v := range st.pending {
		out.pending[k] = v
	}
	return out
}

// supersede drops pending mutations on target whose base is older than version.
func (st *state) supersede(target string, version int64) {
	for id, pm := range st.pending {
		if pm.Target == target && pm.BaseVersion < version {
			delete(st.pending, id)
			st.superseded = append(st.superseded, pm)
		}
	}
}

func (st *state) snapshot(rev uint64) Snapshot {
	snap := Snapshot{
		Revision:   rev,
		District:   st.district,
		Buildings:  make([]game.Building, 0, len(st.buildings)),
		Optimistic: map[string]bool{},
		Connection: st.conn,
		Pending:    make(map[string]PendingMutation, len(st.pending)),
	}
	for _, b := range st.buildings {
		snap.Buildings = append(snap.Buildings, b.Clone())
	}
	sort.Slice(snap.Buildings, func(i, j int) bool {
		a, b := snap.Buildings[i], snap.Buildings[j]
		if a.Position.Y != b.Position.Y {
			return a.Position.Y < b.Position.Y
		}
		if a.Position.X != b.Position.X {
			return a.Position.X < b.Position.X
		}
		return a.ID < b.ID
	})
	for id, v := range st.optimistic {
		if v {
			snap.Optimistic[id] = true
		}
	}
	if st.districtOptimistic && st.district.ID != "" {
		snap.Optimistic[st.district.ID] = true
	}
	for k, v := range st.pending {
		snap.Pending[k] = v
	}
	return snap
}
