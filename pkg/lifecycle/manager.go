package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/berth/pkg/driver"
	"github.com/cuemby/berth/pkg/events"
	"github.com/cuemby/berth/pkg/log"
	"github.com/cuemby/berth/pkg/metrics"
	"github.com/cuemby/berth/pkg/quota"
	"github.com/cuemby/berth/pkg/storage"
	"github.com/cuemby/berth/pkg/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Drivers resolves an engine to its driver. *driver.Registry implements it.
type Drivers interface {
	Get(engine types.Engine) (driver.Driver, error)
	Default() types.Engine
}

// NetworkAttacher joins a container to a tracked network
type NetworkAttacher interface {
	Attach(ctx context.Context, caller types.Caller, containerID, networkID string) error
}

// Config tunes retries and timeouts
type Config struct {
	MaxAttempts int           // Attempts per driver call while the engine is unreachable
	Backoff     time.Duration // First retry delay, doubled per attempt
	StopTimeout time.Duration // Grace period for stop and restart when the caller gives none
	QueueSize   int           // Pending background removals
}

// DefaultConfig returns the values used for unset fields
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Backoff:     500 * time.Millisecond,
		StopTimeout: 10 * time.Second,
		QueueSize:   256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts < 1 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = d.Backoff
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

// Manager drives containers through their lifecycle. Every state change
// goes through it: quota is reserved before an engine sees a request and
// returned exactly once when a counted record leaves the active phase.
type Manager struct {
	store    storage.Store
	drivers  Drivers
	ledger   *quota.Ledger
	cfg      Config
	broker   *events.Broker
	networks NetworkAttacher
	tracer   trace.Tracer
	logger   zerolog.Logger

	ids   *keyedMutex // container ID
	names *keyedMutex // engine/name
	ports *portClaims

	removals  chan string
	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// Option configures a Manager
type Option func(*Manager)

// WithBroker publishes lifecycle events on b
func WithBroker(b *events.Broker) Option {
	return func(m *Manager) { m.broker = b }
}

// WithNetworks attaches spec networks on create through a
func WithNetworks(a NetworkAttacher) Option {
	return func(m *Manager) { m.networks = a }
}

// WithTracer sets the tracer used for operation spans
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithLogger replaces the component logger
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a lifecycle manager. Call Start to run the removal worker.
func NewManager(store storage.Store, drivers Drivers, ledger *quota.Ledger, cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		store:    store,
		drivers:  drivers,
		ledger:   ledger,
		cfg:      cfg,
		tracer:   otel.Tracer("berth/lifecycle"),
		logger:   log.WithComponent("lifecycle"),
		ids:      newKeyedMutex(),
		names:    newKeyedMutex(),
		ports:    newPortClaims(),
		removals: make(chan string, cfg.QueueSize),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run starts the background removal worker
func (m *Manager) Run() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.runRemovals()
	})
}

// Close stops the removal worker and waits for it. Records still queued
// stay in the removing phase until the reconciler or the next Recover
// finishes them.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Recover rebuilds quota usage from the stored records and queues records
// left in removing for the removal worker. Run it once at startup before
// serving requests.
func (m *Manager) Recover(ctx context.Context) error {
	records, err := m.store.ListContainers()
	if err != nil {
		return err
	}
	if err := m.ledger.Recompute(ctx, records); err != nil {
		return err
	}
	for _, r := range records {
		if r.Phase == types.PhaseRemoving {
			m.enqueue(r.ID, "left in removing")
		}
	}
	return nil
}

// begin opens a span and returns the function that records the outcome
func (m *Manager) begin(ctx context.Context, op string) (context.Context, func(error)) {
	timer := metrics.NewTimer()
	ctx, span := m.tracer.Start(ctx, "lifecycle."+op)
	return ctx, func(err error) {
		result := "success"
		if err != nil {
			result = "error"
			if kind := types.KindOf(err); kind != "" {
				result = string(kind)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.LifecycleOperations.WithLabelValues(op, result).Inc()
		timer.ObserveDurationVec(metrics.LifecycleDuration, op)
		span.End()
	}
}

// call runs a driver operation, retrying while the engine is unreachable
func (m *Manager) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return retryWithBackoff(ctx, m.cfg.MaxAttempts, m.cfg.Backoff, func(int) error {
		return fn(ctx)
	})
}

func (m *Manager) publish(t events.EventType, rec *types.ContainerRecord, msg string) {
	m.broker.Publish(&events.Event{
		Type:     t,
		Owner:    rec.Owner,
		Engine:   string(rec.Engine),
		Resource: rec.ID,
		Message:  msg,
		Metadata: map[string]string{"name": rec.Name},
	})
}

// lookup loads a record the caller may operate on
func (m *Manager) lookup(caller types.Caller, op, id string) (*types.ContainerRecord, error) {
	rec, err := m.store.GetContainer(id)
	if err != nil {
		return nil, err
	}
	if !caller.CanAccess(rec.Owner) {
		return nil, &types.Error{Kind: types.KindNotOwner, Op: op, Resource: id}
	}
	return rec, nil
}

// lookupActive is lookup restricted to records in the active phase, with their driver
func (m *Manager) lookupActive(caller types.Caller, op, id string) (*types.ContainerRecord, driver.Driver, error) {
	rec, err := m.lookup(caller, op, id)
	if err != nil {
		return nil, nil, err
	}
	if rec.Phase != types.PhaseActive {
		return nil, nil, &types.Error{Kind: types.KindConflict, Op: op, Resource: id, Msg: "container is " + string(rec.Phase)}
	}
	d, err := m.drivers.Get(rec.Engine)
	if err != nil {
		return nil, nil, err
	}
	return rec, d, nil
}

// setStates records the outcome of a successful driver call
func (m *Manager) setStates(id string, desired, observed types.ContainerState) (*types.ContainerRecord, error) {
	return m.store.MutateContainer(id, func(c *types.ContainerRecord) error {
		c.DesiredState = desired
		c.ObservedState = observed
		c.Error = ""
		c.UpdatedAt = time.Now().UTC()
		return nil
	})
}
