package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/berth/pkg/driver"
	"github.com/cuemby/berth/pkg/events"
	"github.com/cuemby/berth/pkg/log"
	"github.com/cuemby/berth/pkg/metrics"
	"github.com/cuemby/berth/pkg/storage"
	"github.com/cuemby/berth/pkg/types"
	"github.com/rs/zerolog"
)

// Engines is the set of configured drivers. *driver.Registry implements it.
type Engines interface {
	Get(engine types.Engine) (driver.Driver, error)
	Engines() []types.Engine
}

// Ledger takes back the usage of records that leave the active phase.
// *quota.Ledger implements it.
type Ledger interface {
	Apply(ctx context.Context, owner string, delta types.QuotaVector) error
}

// Networks drops records of networks gone from an engine. *network.Manager implements it.
type Networks interface {
	Prune(ctx context.Context, engine types.Engine, observed []*types.ObservedNetwork) (int, error)
}

// Config tunes the reconciliation loop
type Config struct {
	Interval       time.Duration
	AdoptUnmanaged bool
	UnmanagedOwner string
	AdoptGrace     time.Duration // Engine containers younger than this are left for an in-flight create
	CallTimeout    time.Duration
}

// Result counts what one pass over an engine changed
type Result struct {
	Engine         types.Engine `json:"engine"`
	Adopted        int          `json:"adopted"`
	Vanished       int          `json:"vanished"`
	Purged         int          `json:"purged"`
	Synced         int          `json:"synced"`
	Removed        int          `json:"removed"`
	NetworksPruned int          `json:"networks_pruned"`
	Err            error        `json:"-"`
}

// Changed reports whether the pass wrote anything
func (r Result) Changed() bool {
	return r.Adopted+r.Vanished+r.Purged+r.Synced+r.Removed+r.NetworksPruned > 0
}

// Reconciler keeps records in line with what the engines report. Each
// engine is polled by its own goroutine so a slow engine never delays the
// others. It shares nothing with the lifecycle manager but the store and
// the ledger, and it never adds quota usage.
type Reconciler struct {
	store    storage.Store
	engines  Engines
	ledger   Ledger
	networks Networks
	broker   *events.Broker
	cfg      Config
	logger   zerolog.Logger

	mu       sync.Mutex
	up       map[types.Engine]bool
	triggers map[types.Engine]chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReconciler creates a new reconciler
func NewReconciler(store storage.Store, engines Engines, ledger Ledger, networks Networks, broker *events.Broker, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.UnmanagedOwner == "" {
		cfg.UnmanagedOwner = "unmanaged"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = driver.DefaultCallTimeout
	}
	return &Reconciler{
		store:    store,
		engines:  engines,
		ledger:   ledger,
		networks: networks,
		broker:   broker,
		cfg:      cfg,
		logger:   log.WithComponent("reconciler"),
		up:       make(map[types.Engine]bool),
		triggers: make(map[types.Engine]chan struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Start begins one reconciliation loop per engine
func (r *Reconciler) Start() {
	metrics.RegisterComponent(metrics.ComponentReconciler, true, "running")
	for _, engine := range r.engines.Engines() {
		trigger := make(chan struct{}, 1)
		r.mu.Lock()
		r.triggers[engine] = trigger
		r.mu.Unlock()

		r.wg.Add(1)
		go r.run(engine, trigger)
	}
}

// Stop stops every loop and waits for in-progress passes
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	metrics.UpdateComponent(metrics.ComponentReconciler, false, "stopped")
}

// Trigger requests an immediate pass on every engine without waiting for it
func (r *Reconciler) Trigger() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.triggers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// run is the reconciliation loop of one engine
func (r *Reconciler) run(engine types.Engine, trigger <-chan struct{}) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		res := r.ReconcileEngine(ctx, engine)
		if res.Err != nil && !errors.Is(res.Err, context.Canceled) {
			r.logger.Warn().Err(res.Err).Str("engine", string(engine)).Msg("Reconciliation pass failed")
		}

		select {
		case <-ticker.C:
		case <-trigger:
		case <-r.stopCh:
			return
		}
	}
}

// ReconcileOnce runs a pass over every engine concurrently and waits for all of them
func (r *Reconciler) ReconcileOnce(ctx context.Context) []Result {
	engines := r.engines.Engines()
	results := make([]Result, len(engines))

	var wg sync.WaitGroup
	for i, engine := range engines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.ReconcileEngine(ctx, engine)
		}()
	}
	wg.Wait()
	return results
}

// ReconcileEngine performs one pass over a single engine
func (r *Reconciler) ReconcileEngine(ctx context.Context, engine types.Engine) (res Result) {
	res.Engine = engine
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.ReconciliationDuration, string(engine))
		metrics.ReconciliationCycles.Inc()
	}()

	logger := log.WithEngine("reconciler", string(engine))

	d, err := r.engines.Get(engine)
	if err != nil {
		res.Err = err
		return res
	}

	// Records created after this instant may be missing from the listing
	observedAt := time.Now().UTC()
	listCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	observed, err := d.List(listCtx)
	cancel()
	r.setEngineHealth(engine, err)
	if err != nil {
		res.Err = err
		return res
	}

	records, err := r.store.ListContainersByEngine(engine)
	if err != nil {
		res.Err = err
		return res
	}
	byID := make(map[string]*types.ContainerRecord, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	var errs []error
	seen := make(map[string]bool, len(observed))
	for _, obs := range observed {
		seen[obs.ID] = true
		rec, known := byID[obs.ID]
		if !known {
			if r.adopt(logger, obs, observedAt) {
				res.Adopted++
				r.drift(engine, "adopted")
			}
			continue
		}
		if rec.Phase != types.PhaseActive || rec.ObservedState == obs.State {
			continue
		}
		changed, err := r.syncObserved(obs, observedAt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			res.Synced++
			r.drift(engine, "state")
			r.broker.Publish(&events.Event{
				Type:     events.EventContainerDrift,
				Owner:    rec.Owner,
				Engine:   string(engine),
				Resource: rec.ID,
				Message:  "observed state changed from " + string(rec.ObservedState) + " to " + string(obs.State),
			})
		}
	}

	for _, rec := range records {
		if rec.Phase == types.PhaseFailed || rec.UpdatedAt.After(observedAt) {
			continue
		}
		if seen[rec.ID] {
			if rec.Phase != types.PhaseRemoving {
				continue
			}
			removed, err := r.finishRemoval(ctx, d, rec.ID, observedAt)
			if err != nil {
				errs = append(errs, err)
			}
			if removed {
				res.Removed++
			}
			continue
		}
		outcome, err := r.markVanished(ctx, rec.ID, observedAt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch outcome {
		case purged:
			res.Purged++
		case vanished:
			res.Vanished++
			r.drift(engine, "vanished")
		}
	}

	if r.networks != nil {
		listCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		nets, err := d.ListNetworks(listCtx)
		cancel()
		switch {
		case errors.Is(err, types.ErrUnsupported):
		case err != nil:
			errs = append(errs, err)
		default:
			pruned, err := r.networks.Prune(ctx, engine, nets)
			res.NetworksPruned = pruned
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	res.Err = errors.Join(errs...)
	if res.Changed() {
		logger.Info().
			Int("adopted", res.Adopted).
			Int("vanished", res.Vanished).
			Int("purged", res.Purged).
			Int("synced", res.Synced).
			Int("removed", res.Removed).
			Int("networks_pruned", res.NetworksPruned).
			Msg("Reconciled engine")
	}
	return res
}

func (r *Reconciler) drift(engine types.Engine, kind string) {
	metrics.ReconcileDrift.WithLabelValues(string(engine), kind).Inc()
}

// setEngineHealth publishes engine reachability. The aggregate engines
// component stays healthy while at least one engine answers.
func (r *Reconciler) setEngineHealth(engine types.Engine, err error) {
	up := err == nil
	r.mu.Lock()
	was, known := r.up[engine]
	r.up[engine] = up
	anyUp := false
	for _, v := range r.up {
		anyUp = anyUp || v
	}
	if up {
		metrics.EngineUp.WithLabelValues(string(engine)).Set(1)
		metrics.UpdateComponent(metrics.EngineComponent(string(engine)), true, "reachable")
	} else {
		metrics.EngineUp.WithLabelValues(string(engine)).Set(0)
		metrics.UpdateComponent(metrics.EngineComponent(string(engine)), false, err.Error())
	}
	if anyUp {
		metrics.UpdateComponent(metrics.ComponentEngines, true, "")
	} else {
		metrics.UpdateComponent(metrics.ComponentEngines, false, "no engine reachable")
	}
	r.mu.Unlock()

	if known && was == up {
		return
	}
	if up {
		if known {
			r.logger.Info().Str("engine", string(engine)).Msg("Engine reachable again")
		}
		r.broker.Publish(&events.Event{Type: events.EventEngineUp, Engine: string(engine), Message: "engine reachable"})
		return
	}
	r.logger.Warn().Err(err).Str("engine", string(engine)).Msg("Engine unreachable, skipping")
	r.broker.Publish(&events.Event{Type: events.EventEngineDown, Engine: string(engine), Message: err.Error()})
}
