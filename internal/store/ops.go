package store

import (
	"time"

	"tonempire.game/internal/game"
)

// Patch is one atomic change. Optimistic patches skip the version rule; authoritative
// patches are accepted only when their source version is newer than every versioned
// entity they touch.
type Patch struct {
	Optimistic bool
	Ops        []Op
}

// Optimistic builds an optimistic patch from ops.
func Optimistic(ops ...Op) Patch { return Patch{Optimistic: true, Ops: ops} }

// Authoritative builds a server-sourced patch from ops.
func Authoritative(ops ...Op) Patch { return Patch{Ops: ops} }

// Local builds a patch for client-only state such as connection health.
func Local(ops ...Op) Patch { return Patch{Optimistic: true, Ops: ops} }

type applyCtx struct {
	version    int64
	optimistic bool
}

// Op is a single step of a patch.
type Op interface {
	apply(st *state, c applyCtx) error
}

// SetResources replaces the district's resources with server values.
type SetResources struct {
	Resources game.Resources
	UpdatedAt time.Time // zero keeps the current watermark
}

func (o SetResources) apply(st *state, c applyCtx) error {
	if !c.optimistic && c.version <= st.district.Version {
		return ErrStale
	}
	st.district.Resources = o.Resources.ClampZero()
	if !o.UpdatedAt.IsZero() {
		st.district.UpdatedAt = o.UpdatedAt
	}
	if c.optimistic {
		st.districtOptimistic = true
		return nil
	}
	st.district.Version = c.version
	st.districtOptimistic = false
	st.supersede(st.district.ID, c.version)
	return nil
}

// SetDistrict replaces the whole district record.
type SetDistrict struct {
	District game.District
}

func (o SetDistrict) apply(st *state, c applyCtx) error {
	if !c.optimistic && c.version <= st.district.Version {
		return ErrStale
	}
	d := o.District
	d.Resources = d.Resources.ClampZero()
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = st.district.UpdatedAt
	}
	if c.optimistic {
		d.Version = st.district.Version
		st.district = d
		st.districtOptimistic = true
		return nil
	}
	d.Version = c.version
	st.district = d
	st.districtOptimistic = false
	st.supersede(d.ID, c.version)
	return nil
}

// AdjustResources adds Delta to the district. A debit that would go negative fails with
// ErrInsufficientResources unless Clamp is set. With Guard, the op is a no-op when the
// district's version is no longer GuardVersion, because a newer server value already
// replaced whatever the delta was compensating.
type AdjustResources struct {
	Delta        game.Resources
	Clamp        bool
	Guard        bool
	GuardVersion int64
	UpdatedAt    time.Time
}

func (o AdjustResources) apply(st *state, _ applyCtx) error {
	if o.Guard && st.district.Version != o.GuardVersion {
		return nil
	}
	next := st.district.Resources.Add(o.Delta)
	if next.HasNegative() {
		if !o.Clamp {
			return ErrInsufficientResources
		}
		next = next.ClampZero()
	}
	st.district.Resources = next
	if !o.UpdatedAt.IsZero() {
		st.district.UpdatedAt = o.UpdatedAt
	}
	st.districtOptimistic = true
	return nil
}

// PutBuilding inserts or replaces a building. Optimistic puts may demand an empty cell
// (RequireVacant) or an unchanged stored version (Expect).
type PutBuilding struct {
	Building      game.Building
	RequireVacant bool
	Expect        *int64
}

func (o PutBuilding) apply(st *state, c applyCtx) error {
	b := o.Building.Clone()
	cur, exists := st.buildings[b.ID]
	if o.Expect != nil {
		if !exists {
			return ErrNotFound
		}
		if cur.Version != *o.Expect {
			return ErrVersionMoved
		}
	}
	if o.RequireVacant {
		for id, other := range st.buildings {
			if id != b.ID && other.Position == b.Position {
				return ErrOccupied
			}
		}
	}

	if c.optimistic {
		if exists {
			b.Version = cur.Version
		}
		st.buildings[b.ID] = b
		st.optimistic[b.ID] = true
		return nil
	}

	if exists && c.version <= cur.Version {
		return ErrStale
	}
	if tomb, ok := st.tombstones[b.ID]; ok && c.version <= tomb {
		return ErrStale
	}
	b.Version = c.version
	st.buildings[b.ID] = b
	delete(st.optimistic, b.ID)
	delete(st.tombstones, b.ID)
	st.supersede(b.ID, c.version)

	// A confirmed building owns its cell; optimistic placeholders there were wrong guesses.
	for id, other := range st.buildings {
		if id != b.ID && other.Position == b.Position && st.optimistic[id] {
			delete(st.buildings, id)
			delete(st.optimistic, id)
			st.dropPendingFor(id)
		}
	}
	return nil
}

// RemoveBuilding deletes a building on the server's word and remembers the version so a
// late update cannot bring it back.
type RemoveBuilding struct {
	ID string
}

func (o RemoveBuilding) apply(st *state, c applyCtx) error {
	cur, exists := st.buildings[o.ID]
	if !c.optimistic {
		if exists && c.version <= cur.Version {
			return ErrStale
		}
		if tomb, ok := st.tombstones[o.ID]; ok && c.version <= tomb {
			return ErrStale
		}
		st.tombstones[o.ID] = c.version
		st.supersede(o.ID, c.version)
		st.dropPendingFor(o.ID)
	}
	delete(st.buildings, o.ID)
	delete(st.optimistic, o.ID)
	return nil
}

// DropOptimisticBuilding removes a placeholder if it is still optimistic.
type DropOptimisticBuilding struct {
	ID string
}

func (o DropOptimisticBuilding) apply(st *state, _ applyCtx) error {
	if st.optimistic[o.ID] {
		delete(st.buildings, o.ID)
		delete(st.optimistic, o.ID)
	}
	return nil
}

// RestoreBuilding puts back a previous value if the stored building still carries
// GuardVersion.
type RestoreBuilding struct {
	Building     game.Building
	GuardVersion int64
}

func (o RestoreBuilding) apply(st *state, _ applyCtx) error {
	cur, ok := st.buildings[o.Building.ID]
	if !ok || cur.Version != o.GuardVersion {
		return nil
	}
	st.buildings[o.Building.ID] = o.Building.Clone()
	delete(st.optimistic, o.Building.ID)
	return nil
}

// TrackPending registers an in-flight mutation. Only one may exist per target.
type TrackPending struct {
	Mutation PendingMutation
}

func (o TrackPending) apply(st *state, _ applyCtx) error {
	for _, pm := range st.pending {
		if pm.Target == o.Mutation.Target {
			return ErrMutationInFlight
		}
	}
	st.pending[o.Mutation.CorrelationID] = o.Mutation
	return nil
}

// ResolvePending removes an in-flight mutation. With MustExist the whole patch fails when
// it is already gone, which keeps rollbacks from running after an ack or a superseding
// push.
type ResolvePending struct {
	CorrelationID string
	MustExist     bool
}

func (o ResolvePending) apply(st *state, _ applyCtx) error {
	if _, ok := st.pending[o.CorrelationID]; !ok {
		if o.MustExist {
			return ErrNoPending
		}
		return nil
	}
	delete(st.pending, o.CorrelationID)
	return nil
}

// CountRetry notes that the command behind a pending mutation is being resent.
type CountRetry struct {
	CorrelationID string
}

func (o CountRetry) apply(st *state, _ applyCtx) error {
	pm, ok := st.pending[o.CorrelationID]
	if !ok {
		return ErrNoPending
	}
	pm.Retries++
	st.pending[o.CorrelationID] = pm
	return nil
}

// SetConnection records transport health. It is local state and never versioned.
type SetConnection struct {
	State ConnectionState
}

func (o SetConnection) apply(st *state, _ applyCtx) error {
	st.conn = o.State
	return nil
}

// LoadSnapshot merges a full server snapshot, entity by entity, keeping whichever side
// is newer. When the snapshot's district is at least as new as ours, confirmed buildings
// the snapshot no longer lists are removed.
type LoadSnapshot struct {
	District  game.District
	Buildings []game.Building
}

func (o LoadSnapshot) apply(st *state, _ applyCtx) error {
	fresh := o.District.Version >= st.district.Version
	if st.district.ID == "" || o.District.Version > st.district.Version {
		if err := (SetDistrict{District: o.District}).apply(st, applyCtx{version: o.District.Version}); err != nil && err != ErrStale {
			return err
		}
		if st.district.ID == "" {
			st.district = o.District
		}
	}

	seen := make(map[string]bool, len(o.Buildings))
	for _, b := range o.Buildings {
		seen[b.ID] = true
		err := (PutBuilding{Building: b}).apply(st, applyCtx{version: b.Version})
		if err != nil && err != ErrStale {
			return err
		}
	}
	if !fresh {
		return nil
	}
	// Confirmed buildings the snapshot no longer lists are gone on the server. Their
	// tombstone keeps a redelivered older push from bringing them back.
	for id, b := range st.buildings {
		if seen[id] || st.optimistic[id] {
			continue
		}
		if b.Version > st.tombstones[id] {
			st.tombstones[id] = b.Version
		}
		st.dropPendingFor(id)
		delete(st.buildings, id)
	}
	return nil
}

func (st *state) dropPendingFor(target string) {
	for id, pm := range st.pending {
		if pm.Target == target {
			delete(st.pending, id)
			st.superseded = append(st.superseded, pm)
		}
	}
}
