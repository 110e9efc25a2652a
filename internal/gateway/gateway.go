// Package gateway turns player intents into optimistic store patches plus remote
// commands, and reconciles each one when the server answers, a newer push arrives or the
// client-side timer fires.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"tonempire.game/internal/api"
	"tonempire.game/internal/economy"
	"tonempire.game/internal/game"
	"tonempire.game/internal/lifecycle"
	"tonempire.game/internal/persistence/journal"
	"tonempire.game/internal/protocol"
	"tonempire.game/internal/store"
)

const (
	DefaultTimeout    = 15 * time.Second
	DefaultMaxRetries = 2
	DefaultRetryDelay = 250 * time.Millisecond
)

// Commands is the remote half of each intent.
type Commands interface {
	CollectResources(ctx context.Context) (protocol.CollectResponse, error)
	CreateBuilding(ctx context.Context, typ game.BuildingType, pos game.Position) (protocol.BuildingResponse, error)
	UpgradeBuilding(ctx context.Context, buildingID string) (protocol.BuildingResponse, error)
}

// Notice is a user-facing message about a mutation.
type Notice struct {
	Level         string
	Title         string
	Message       string
	Retryable     bool
	CorrelationID string
}

type Notifier interface {
	Notify(Notice)
}

type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

type Options struct {
	Timeout time.Duration
	// MaxRetries bounds how often a command whose fate is unknown (transport failure) or
	// that was rate limited is sent again under the same correlation id. Negative
	// disables retries.
	MaxRetries int
	RetryDelay time.Duration

	Catalog  *game.Catalog
	Notifier Notifier
	Journal  *journal.Journal
	Logger   *log.Logger
	Now      func() time.Time
	NewID    func() string
}

type inflight struct {
	ticket *Ticket
	pm     store.PendingMutation
	timer  *time.Timer
}

// ack is the authoritative result of a command. main is applied under the version rule;
// cleanup removes optimistic leftovers the server result does not overwrite.
type ack struct {
	version  int64
	main     []store.Op
	cleanup  []store.Op
	entityID string
}

type Gateway struct {
	store *store.Store
	cmds  Commands
	opt   Options
	log   *log.Logger

	mu       sync.Mutex
	inflight map[string]*inflight
	closed   bool
	unsub    func()
}

func New(st *store.Store, cmds Commands, opt Options) *Gateway {
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	if opt.MaxRetries == 0 {
		opt.MaxRetries = DefaultMaxRetries
	}
	if opt.RetryDelay <= 0 {
		opt.RetryDelay = DefaultRetryDelay
	}
	if opt.Catalog == nil {
		opt.Catalog = game.DefaultCatalog()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.NewID == nil {
		opt.NewID = func() string { return uuid.NewString() }
	}
	logger := opt.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	g := &Gateway{
		store:    st,
		cmds:     cmds,
		opt:      opt,
		log:      logger,
		inflight: map[string]*inflight{},
	}
	g.unsub = st.Subscribe(g.onSnapshot)
	return g
}

// CollectResources optimistically credits what the district produced since its last
// settlement and asks the server to settle.
func (g *Gateway) CollectResources(ctx context.Context) (*Ticket, error) {
	if g.isClosed() {
		return nil, ErrClosed
	}
	snap := g.store.Snapshot()
	d := snap.District
	if d.ID == "" {
		return nil, invalid(store.IntentCollect, ErrNoDistrict)
	}
	now := g.opt.Now()
	res := economy.Accrue(d, snap.Buildings, now, g.opt.Catalog)

	corr := g.opt.NewID()
	apply := store.Optimistic(store.AdjustResources{Delta: res.Delta, UpdatedAt: res.District.UpdatedAt})
	inverse := store.Optimistic(
		store.ResolvePending{CorrelationID: corr, MustExist: true},
		store.AdjustResources{Delta: res.Delta.Neg(), Clamp: true, Guard: true, GuardVersion: d.Version, UpdatedAt: d.UpdatedAt},
	)
	pm := store.PendingMutation{
		CorrelationID:   corr,
		Target:          d.ID,
		Intent:          store.IntentCollect,
		Patch:           apply,
		Inverse:         inverse,
		BaseVersion:     d.Version,
		DistrictVersion: d.Version,
		SubmittedAt:     now,
	}
	t, err := g.submit(pm)
	if err != nil {
		return nil, err
	}
	g.dispatch(ctx, t, func(ctx context.Context) (ack, error) {
		resp, err := g.cmds.CollectResources(ctx)
		if err != nil {
			return ack{}, err
		}
		op := store.SetResources{Resources: resp.Resources}
		if resp.UpdatedAt != nil {
			op.UpdatedAt = *resp.UpdatedAt
		}
		return ack{version: resp.Version, main: []store.Op{op}, entityID: d.ID}, nil
	})
	return t, nil
}

// CreateBuilding places an under-construction placeholder with a temporary id and debits
// the level 1 cost.
func (g *Gateway) CreateBuilding(ctx context.Context, typ game.BuildingType, pos game.Position) (*Ticket, error) {
	if g.isClosed() {
		return nil, ErrClosed
	}
	spec, ok := g.opt.Catalog.Spec(typ)
	if !ok || !spec.Buildable {
		return nil, invalid(store.IntentCreate, ErrUnknownBuildingType)
	}
	if !pos.InBounds() {
		return nil, invalid(store.IntentCreate, ErrOutOfBounds)
	}
	snap := g.store.Snapshot()
	d := snap.District
	if d.ID == "" {
		return nil, invalid(store.IntentCreate, ErrNoDistrict)
	}
	now := g.opt.Now()
	if lifecycle.CellState(snap.Buildings, pos, now) != lifecycle.Empty {
		return nil, invalid(store.IntentCreate, store.ErrOccupied)
	}
	cost := g.opt.Catalog.Cost(typ, 1)
	if !d.Resources.Covers(cost) {
		return nil, invalid(store.IntentCreate, store.ErrInsufficientResources)
	}

	b, err := lifecycle.StartConstruction(g.opt.Catalog, typ, pos, now)
	if err != nil {
		return nil, invalid(store.IntentCreate, err)
	}
	corr := g.opt.NewID()
	b.ID = "tmp-" + corr
	b.DistrictID = d.ID

	apply := store.Optimistic(
		store.PutBuilding{Building: b, RequireVacant: true},
		store.AdjustResources{Delta: cost.Neg()},
	)
	inverse := store.Optimistic(
		store.ResolvePending{CorrelationID: corr, MustExist: true},
		store.DropOptimisticBuilding{ID: b.ID},
		store.AdjustResources{Delta: cost, Clamp: true, Guard: true, GuardVersion: d.Version},
	)
	pm := store.PendingMutation{
		CorrelationID:   corr,
		Target:          b.ID,
		Intent:          store.IntentCreate,
		Patch:           apply,
		Inverse:         inverse,
		DistrictVersion: d.Version,
		SubmittedAt:     now,
	}
	t, err := g.submit(pm)
	if err != nil {
		return nil, err
	}
	tempID := b.ID
	g.dispatch(ctx, t, func(ctx context.Context) (ack, error) {
		resp, err := g.cmds.CreateBuilding(ctx, typ, pos)
		if err != nil {
			return ack{}, err
		}
		return ack{
			version:  ackVersion(resp),
			main:     []store.Op{store.PutBuilding{Building: resp.Building}},
			cleanup:  []store.Op{store.DropOptimisticBuilding{ID: tempID}},
			entityID: resp.Building.ID,
		}, nil
	})
	return t, nil
}

// UpgradeBuilding settles accrued output, starts the upgrade timer locally and debits the
// next level's cost. Only one mutation per building may be in flight.
func (g *Gateway) UpgradeBuilding(ctx context.Context, buildingID string) (*Ticket, error) {
	if g.isClosed() {
		return nil, ErrClosed
	}
	snap := g.store.Snapshot()
	d := snap.District
	b, ok := snap.Building(buildingID)
	if !ok {
		return nil, invalid(store.IntentUpgrade, store.ErrNotFound)
	}
	if _, busy := snap.PendingFor(buildingID); busy {
		return nil, invalid(store.IntentUpgrade, store.ErrMutationInFlight)
	}
	now := g.opt.Now()
	next, err := lifecycle.StartUpgrade(g.opt.Catalog, b, now)
	if err != nil {
		return nil, invalid(store.IntentUpgrade, err)
	}
	// Output up to now is settled at the current level before the upgrade pauses it.
	res := economy.Accrue(d, snap.Buildings, now, g.opt.Catalog)
	cost := g.opt.Catalog.Cost(b.Type, next.Level+1)
	if !res.District.Resources.Covers(cost) {
		return nil, invalid(store.IntentUpgrade, store.ErrInsufficientResources)
	}
	delta := res.Delta.Add(cost.Neg())

	corr := g.opt.NewID()
	expect := b.Version
	apply := store.Optimistic(
		store.PutBuilding{Building: next, Expect: &expect},
		store.AdjustResources{Delta: delta, UpdatedAt: res.District.UpdatedAt},
	)
	inverse := store.Optimistic(
		store.ResolvePending{CorrelationID: corr, MustExist: true},
		store.RestoreBuilding{Building: b, GuardVersion: b.Version},
		store.AdjustResources{Delta: delta.Neg(), Clamp: true, Guard: true, GuardVersion: d.Version, UpdatedAt: d.UpdatedAt},
	)
	pm := store.PendingMutation{
		CorrelationID:   corr,
		Target:          buildingID,
		Intent:          store.IntentUpgrade,
		Patch:           apply,
		Inverse:         inverse,
		BaseVersion:     b.Version,
		DistrictVersion: d.Version,
		SubmittedAt:     now,
	}
	t, err := g.submit(pm)
	if err != nil {
		return nil, err
	}
	g.dispatch(ctx, t, func(ctx context.Context) (ack, error) {
		resp, err := g.cmds.UpgradeBuilding(ctx, buildingID)
		if err != nil {
			return ack{}, err
		}
		return ack{
			version:  ackVersion(resp),
			main:     []store.Op{store.PutBuilding{Building: resp.Building}},
			entityID: resp.Building.ID,
		}, nil
	})
	return t, nil
}

// Close orphans every in-flight mutation. Late answers are ignored.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	pending := g.inflight
	g.inflight = map[string]*inflight{}
	g.mu.Unlock()

	g.unsub()
	for _, f := range pending {
		if f.timer != nil {
			f.timer.Stop()
		}
		if f.ticket.resolve(OutcomeOrphaned, ErrClosed, "") {
			g.record(f.pm, OutcomeOrphaned, ErrClosed)
		}
	}
}

// InFlight reports how many mutations await resolution.
func (g *Gateway) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}

func (g *Gateway) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// submit registers the ticket, applies the optimistic patch together with the pending
// record, and arms the timeout. The ticket is registered first so a push that supersedes
// the mutation right after the apply still finds it.
func (g *Gateway) submit(pm store.PendingMutation) (*Ticket, error) {
	t := newTicket(pm.CorrelationID, pm.Target, pm.Intent)
	f := &inflight{ticket: t, pm: pm}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	g.inflight[pm.CorrelationID] = f
	g.mu.Unlock()

	ops := append(append([]store.Op(nil), pm.Patch.Ops...), store.TrackPending{Mutation: pm})
	if err := g.store.TryApply(store.Optimistic(ops...), 0); err != nil {
		g.mu.Lock()
		delete(g.inflight, pm.CorrelationID)
		g.mu.Unlock()
		return nil, invalid(pm.Intent, err)
	}

	g.mu.Lock()
	if _, ok := g.inflight[pm.CorrelationID]; ok {
		f.timer = time.AfterFunc(g.opt.Timeout, func() { g.fail(pm.CorrelationID, ErrTimeout) })
	}
	g.mu.Unlock()
	g.record(pm, "submitted", nil)
	return t, nil
}

func (g *Gateway) dispatch(ctx context.Context, t *Ticket, call func(context.Context) (ack, error)) {
	cctx := api.WithCorrelationID(context.WithoutCancel(ctx), t.ID)
	go func() {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = g.opt.RetryDelay
		bo.MaxInterval = 8 * g.opt.RetryDelay
		bo.RandomizationFactor = 0.2
		for attempt := 0; ; attempt++ {
			a, err := call(cctx)
			if g.isClosed() {
				return
			}
			if err == nil {
				g.ack(t.ID, a)
				return
			}
			if attempt >= g.opt.MaxRetries || !transient(err) || !g.countRetry(t.ID, err) {
				g.fail(t.ID, err)
				return
			}
			timer := time.NewTimer(bo.NextBackOff())
			select {
			case <-timer.C:
			case <-t.Done():
				timer.Stop()
				return
			}
		}
	}()
}

// countRetry bumps the retry count of a still-pending mutation. It fails once the
// mutation was rolled back or superseded, which ends the retries.
func (g *Gateway) countRetry(corr string, cause error) bool {
	if err := g.store.TryApply(store.Optimistic(store.CountRetry{CorrelationID: corr}), 0); err != nil {
		return false
	}
	g.log.Printf("retrying %s: %v", corr, cause)
	return true
}

// transient reports whether err leaves the command safe to resend under the same request
// id: either it never reached a verdict or the server refused it before running it.
func transient(err error) bool {
	var ae *api.Error
	if errors.As(err, &ae) {
		return ae.Code == protocol.ErrRateLimit
	}
	return !errors.Is(err, context.Canceled)
}

func (g *Gateway) ack(corr string, a ack) {
	ops := append([]store.Op{store.ResolvePending{CorrelationID: corr, MustExist: true}}, a.cleanup...)
	ops = append(ops, a.main...)
	err := g.store.TryApply(store.Authoritative(ops...), a.version)
	switch {
	case err == nil:
		g.finish(corr, OutcomeAcked, nil, a.entityID)

	case errors.Is(err, store.ErrNoPending):
		// Already rolled back or superseded; the server result still counts if it is newer.
		g.store.Apply(store.Authoritative(a.main...), a.version)

	case errors.Is(err, store.ErrStale):
		// The store already holds something newer than this answer.
		cleanup := append([]store.Op{store.ResolvePending{CorrelationID: corr, MustExist: true}}, a.cleanup...)
		if g.store.TryApply(store.Optimistic(cleanup...), 0) == nil {
			g.finish(corr, OutcomeAcked, nil, a.entityID)
		}

	default:
		g.fail(corr, fmt.Errorf("apply ack: %w", err))
	}
}

func (g *Gateway) fail(corr string, cause error) {
	g.mu.Lock()
	f, ok := g.inflight[corr]
	g.mu.Unlock()
	if !ok {
		return
	}
	if err := g.store.TryApply(f.pm.Inverse, 0); err != nil {
		// ErrNoPending: an ack or a newer push got there first.
		return
	}
	if !g.finish(corr, OutcomeRolledBack, cause, "") {
		return
	}
	g.log.Printf("%s %s rolled back: %v", f.pm.Intent, f.pm.Target, cause)
	if g.opt.Notifier != nil {
		g.opt.Notifier.Notify(noticeFor(f.pm, cause))
	}
}

// finish settles the ticket for corr. It never touches the store, so it is safe to call
// from a store listener.
func (g *Gateway) finish(corr string, o Outcome, err error, entityID string) bool {
	g.mu.Lock()
	f, ok := g.inflight[corr]
	if ok {
		delete(g.inflight, corr)
		if f.timer != nil {
			f.timer.Stop()
		}
	}
	g.mu.Unlock()
	if !ok {
		return false
	}
	if !f.ticket.resolve(o, err, entityID) {
		return false
	}
	g.record(f.pm, o, err)
	return true
}

func (g *Gateway) onSnapshot(snap store.Snapshot) {
	for _, pm := range snap.Superseded {
		g.finish(pm.CorrelationID, OutcomeSuperseded, nil, "")
	}
}

func (g *Gateway) record(pm store.PendingMutation, outcome Outcome, err error) {
	e := journal.Entry{
		Kind:          journal.KindMutation,
		CorrelationID: pm.CorrelationID,
		Intent:        string(pm.Intent),
		Target:        pm.Target,
		Outcome:       string(outcome),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if jerr := g.opt.Journal.Record(e); jerr != nil {
		g.log.Printf("journal: %v", jerr)
	}
}

func ackVersion(resp protocol.BuildingResponse) int64 {
	if resp.Version > 0 {
		return resp.Version
	}
	return resp.Building.Version
}

func noticeFor(pm store.PendingMutation, cause error) Notice {
	n := Notice{Level: "error", CorrelationID: pm.CorrelationID, Retryable: true}
	switch pm.Intent {
	case store.IntentCollect:
		n.Title = "Collection failed"
	case store.IntentCreate:
		n.Title = "Construction failed"
	case store.IntentUpgrade:
		n.Title = "Upgrade failed"
	}
	switch code := api.CodeOf(cause); {
	case errors.Is(cause, ErrTimeout):
		n.Message = "The server did not confirm in time. Changes were reverted; try again."
	case code == protocol.ErrOccupied:
		n.Message = "That spot is already taken."
		n.Retryable = false
	case code == protocol.ErrNoResource:
		n.Message = "Not enough resources."
		n.Retryable = false
	case code == protocol.ErrBusy:
		n.Message = "The building is busy. Try again when it is done."
	case code != "":
		n.Message = fmt.Sprintf("The server refused the request (%s). Changes were reverted.", code)
		n.Retryable = protocol.Retryable(code)
	default:
		n.Message = "Connection problem. Changes were reverted; try again."
	}
	return n
}
