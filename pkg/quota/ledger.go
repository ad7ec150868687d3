package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/berth/pkg/log"
	"github.com/cuemby/berth/pkg/metrics"
	"github.com/cuemby/berth/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ProfileStore persists quota profiles
type ProfileStore interface {
	GetQuota(owner string) (*types.QuotaProfile, error)
	PutQuota(p *types.QuotaProfile) error
	ListQuotas() ([]*types.QuotaProfile, error)
}

// State is the position of a reservation
type State string

const (
	StateHeld      State = "held"
	StateCommitted State = "committed"
	StateReleased  State = "released"
)

// Reservation is a provisional claim on an owner's quota. It is never persisted.
type Reservation struct {
	ID    string
	Owner string
	Delta types.QuotaVector

	state State // guarded by the owner's mutex
}

// ownerState is the in-memory ledger position of one owner
type ownerState struct {
	mu      sync.Mutex
	loaded  bool
	profile types.QuotaProfile // Usage includes held reservations
	held    types.QuotaVector
	holds   map[string]*Reservation
}

// committed returns usage without the held reservations
func (o *ownerState) committed() types.QuotaVector {
	u, _ := o.profile.Usage.Sub(o.held).ClampZero()
	return u
}

// Ledger is the per-owner quota accounting. Every mutation for an owner is
// serialized on that owner's mutex; different owners never contend.
type Ledger struct {
	store    ProfileStore
	defaults types.QuotaVector
	owners   sync.Map // owner -> *ownerState
	logger   zerolog.Logger
}

// NewLedger creates a ledger. defaults are the limits given to owners
// that were never provisioned explicitly.
func NewLedger(store ProfileStore, defaults types.QuotaVector) *Ledger {
	return &Ledger{
		store:    store,
		defaults: defaults,
		logger:   log.WithComponent("quota"),
	}
}

// Defaults returns the limits applied to unprovisioned owners
func (l *Ledger) Defaults() types.QuotaVector {
	return l.defaults
}

// lock returns the owner's state locked and loaded
func (l *Ledger) lock(owner string) (*ownerState, error) {
	return l.lockWithLimits(owner, l.defaults)
}

// lockWithLimits is lock, creating a missing profile with limits
func (l *Ledger) lockWithLimits(owner string, limits types.QuotaVector) (*ownerState, error) {
	v, _ := l.owners.LoadOrStore(owner, &ownerState{})
	o := v.(*ownerState)
	o.mu.Lock()
	if o.loaded {
		return o, nil
	}

	p, err := l.store.GetQuota(owner)
	switch {
	case err == nil:
		o.profile = *p
	case errors.Is(err, types.ErrNotFound):
		o.profile = types.QuotaProfile{Owner: owner, Limits: limits, UpdatedAt: time.Now().UTC()}
		if err := l.store.PutQuota(&o.profile); err != nil {
			o.mu.Unlock()
			return nil, fmt.Errorf("failed to create quota profile for %s: %w", owner, err)
		}
	default:
		o.mu.Unlock()
		return nil, fmt.Errorf("failed to load quota profile for %s: %w", owner, err)
	}
	o.holds = make(map[string]*Reservation)
	o.loaded = true
	return o, nil
}

// persist writes the committed position. Failures are logged; usage is
// recomputed from container records on start-up.
func (l *Ledger) persist(o *ownerState) {
	o.profile.UpdatedAt = time.Now().UTC()
	p := o.profile
	p.Usage = o.committed()
	if err := l.store.PutQuota(&p); err != nil {
		l.logger.Error().Err(err).Str("owner", p.Owner).Msg("Failed to persist quota usage")
	}
	metrics.SetQuota(&p)
}

// Reserve atomically checks delta against the owner's remaining quota and
// holds it. Nothing is held when any dimension would be exceeded; the
// error names the first exceeded dimension.
func (l *Ledger) Reserve(ctx context.Context, owner string, delta types.QuotaVector) (*Reservation, error) {
	if owner == "" {
		return nil, types.Validationf("reserve", "owner is required")
	}
	if _, neg := delta.ClampZero(); len(neg) > 0 {
		return nil, types.Validationf("reserve", "negative demand on %s", neg[0])
	}
	o, err := l.lock(owner)
	if err != nil {
		return nil, err
	}
	defer o.mu.Unlock()

	if dim, over := o.profile.Usage.Add(delta).FirstExceeded(o.profile.Limits); over {
		metrics.QuotaRejections.WithLabelValues(string(dim)).Inc()
		l.logger.Debug().
			Str("owner", owner).
			Str("dimension", string(dim)).
			Float64("used", o.profile.Usage.Value(dim)).
			Float64("requested", delta.Value(dim)).
			Float64("limit", o.profile.Limits.Value(dim)).
			Msg("Reservation rejected")
		return nil, types.QuotaExceeded(owner, dim)
	}

	r := &Reservation{ID: uuid.New().String(), Owner: owner, Delta: delta, state: StateHeld}
	o.profile.Usage = o.profile.Usage.Add(delta)
	o.held = o.held.Add(delta)
	o.holds[r.ID] = r
	metrics.ReservationsHeld.Inc()
	return r, nil
}

// settle moves a held reservation to its final state under the owner lock
func (l *Ledger) settle(r *Reservation, to State) error {
	if r == nil {
		return &types.Error{Kind: types.KindReservationState, Op: string(to), Msg: "nil reservation"}
	}
	o, err := l.lock(r.Owner)
	if err != nil {
		return err
	}
	defer o.mu.Unlock()

	if r.state != StateHeld || o.holds[r.ID] != r {
		return &types.Error{
			Kind:     types.KindReservationState,
			Op:       string(to),
			Resource: r.ID,
			Msg:      fmt.Sprintf("reservation is %s", r.state),
		}
	}
	delete(o.holds, r.ID)
	o.held = o.held.Sub(r.Delta)
	if to == StateReleased {
		o.profile.Usage = o.profile.Usage.Sub(r.Delta)
	}
	r.state = to
	metrics.ReservationsHeld.Dec()
	l.persist(o)
	return nil
}

// Commit makes a held reservation permanent usage. Usage does not change.
func (l *Ledger) Commit(r *Reservation) error {
	return l.settle(r, StateCommitted)
}

// Release returns a held reservation's delta to the owner
func (l *Ledger) Release(r *Reservation) error {
	return l.settle(r, StateReleased)
}

// State returns the reservation's current state
func (l *Ledger) State(r *Reservation) State {
	v, ok := l.owners.Load(r.Owner)
	if !ok {
		return r.state
	}
	o := v.(*ownerState)
	o.mu.Lock()
	defer o.mu.Unlock()
	return r.state
}

// Apply adds a non-positive delta to committed usage immediately, for
// deletions. Any dimension that would drop below zero is clamped and logged.
func (l *Ledger) Apply(ctx context.Context, owner string, delta types.QuotaVector) error {
	if delta.Containers > 0 || delta.Ports > 0 || delta.StorageGB > 0 || delta.CPU > 0 || delta.MemoryMB > 0 {
		return types.Validationf("apply", "apply only decrements usage")
	}
	o, err := l.lock(owner)
	if err != nil {
		return err
	}
	defer o.mu.Unlock()

	next := o.committed().Add(delta)
	next, clamped := next.ClampZero()
	if len(clamped) > 0 {
		olog := log.WithOwner("quota", owner)
		olog.Warn().
			Strs("dimensions", dimNames(clamped)).
			Msg("Quota usage would go negative, clamped at zero")
	}
	o.profile.Usage = next.Add(o.held)
	l.persist(o)
	return nil
}

// Profile returns the owner's limits and usage, held reservations included.
// Unknown owners are provisioned with the default limits.
func (l *Ledger) Profile(ctx context.Context, owner string) (*types.QuotaProfile, error) {
	if owner == "" {
		return nil, types.Validationf("profile", "owner is required")
	}
	o, err := l.lock(owner)
	if err != nil {
		return nil, err
	}
	defer o.mu.Unlock()
	p := o.profile
	return &p, nil
}

// Provision creates the owner's profile with limits, or with the defaults when
// limits is nil. An existing profile is returned unchanged.
func (l *Ledger) Provision(ctx context.Context, owner string, limits *types.QuotaVector) (*types.QuotaProfile, error) {
	if owner == "" {
		return nil, types.Validationf("provision", "owner is required")
	}
	initial := l.defaults
	if limits != nil {
		if err := validateLimits(*limits); err != nil {
			return nil, err
		}
		initial = *limits
	}
	o, err := l.lockWithLimits(owner, initial)
	if err != nil {
		return nil, err
	}
	defer o.mu.Unlock()
	p := o.profile
	return &p, nil
}

// SetLimits replaces the owner's limits. Lowering limits below current usage
// is allowed; further reservations fail until usage drops.
func (l *Ledger) SetLimits(ctx context.Context, owner string, limits types.QuotaVector) (*types.QuotaProfile, error) {
	if err := validateLimits(limits); err != nil {
		return nil, err
	}
	o, err := l.lock(owner)
	if err != nil {
		return nil, err
	}
	defer o.mu.Unlock()

	o.profile.Limits = limits
	l.persist(o)
	p := o.profile
	return &p, nil
}

// Profiles lists every persisted profile
func (l *Ledger) Profiles(ctx context.Context) ([]*types.QuotaProfile, error) {
	stored, err := l.store.ListQuotas()
	if err != nil {
		return nil, fmt.Errorf("failed to list quota profiles: %w", err)
	}
	out := make([]*types.QuotaProfile, 0, len(stored))
	for _, p := range stored {
		current, err := l.Profile(ctx, p.Owner)
		if err != nil {
			return nil, err
		}
		out = append(out, current)
	}
	return out, nil
}

// Recompute rebuilds every owner's usage from the container records that
// count toward quota. Held reservations are presumed lost.
func (l *Ledger) Recompute(ctx context.Context, records []*types.ContainerRecord) error {
	usage := make(map[string]types.QuotaVector)
	for _, r := range records {
		if r.CountsTowardQuota() {
			usage[r.Owner] = usage[r.Owner].Add(r.Usage())
		}
	}

	stored, err := l.store.ListQuotas()
	if err != nil {
		return fmt.Errorf("failed to list quota profiles: %w", err)
	}
	owners := make(map[string]bool, len(stored)+len(usage))
	for _, p := range stored {
		owners[p.Owner] = true
	}
	for owner := range usage {
		owners[owner] = true
	}

	for owner := range owners {
		o, err := l.lock(owner)
		if err != nil {
			return err
		}
		if len(o.holds) > 0 {
			l.logger.Warn().Str("owner", owner).Int("held", len(o.holds)).Msg("Dropping held reservations during recompute")
			metrics.ReservationsHeld.Sub(float64(len(o.holds)))
			for _, r := range o.holds {
				r.state = StateReleased
			}
			o.holds = make(map[string]*Reservation)
		}
		o.held = types.QuotaVector{}
		o.profile.Usage = usage[owner]
		l.persist(o)
		o.mu.Unlock()
	}
	l.logger.Info().Int("owners", len(owners)).Int("records", len(records)).Msg("Quota usage recomputed")
	return nil
}

func validateLimits(q types.QuotaVector) error {
	if _, neg := q.ClampZero(); len(neg) > 0 {
		return types.Validationf("set limits", "limit on %s must not be negative", neg[0])
	}
	return nil
}

func dimNames(dims []types.Dimension) []string {
	out := make([]string, len(dims))
	for i, d := range dims {
		out[i] = string(d)
	}
	return out
}
