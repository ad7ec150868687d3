package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/berth/pkg/types"
)

// Registry holds the configured drivers keyed by engine
type Registry struct {
	mu            sync.RWMutex
	drivers       map[types.Engine]Driver
	defaultEngine types.Engine
}

// NewRegistry creates an empty registry. defaultEngine is used when a
// request does not name an engine.
func NewRegistry(defaultEngine types.Engine) *Registry {
	return &Registry{
		drivers:       make(map[types.Engine]Driver),
		defaultEngine: defaultEngine,
	}
}

// Register adds or replaces the driver for its engine
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Engine()] = d
}

// Get returns the driver for engine, or the default driver when engine is empty
func (r *Registry) Get(engine types.Engine) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if engine == "" {
		engine = r.defaultEngine
	}
	d, ok := r.drivers[engine]
	if !ok {
		return nil, &types.Error{
			Kind:   types.KindUnsupported,
			Op:     "get driver",
			Engine: engine,
			Msg:    fmt.Sprintf("engine %q is not configured", engine),
		}
	}
	return d, nil
}

// Default returns the default engine name
func (r *Registry) Default() types.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultEngine
}

// Engines lists the configured engines in a stable order
func (r *Registry) Engines() []types.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Engine, 0, len(r.drivers))
	for e := range r.drivers {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Health pings every configured engine concurrently. A nil entry means healthy.
func (r *Registry) Health(ctx context.Context) map[types.Engine]error {
	r.mu.RLock()
	drivers := make([]Driver, 0, len(r.drivers))
	for _, d := range r.drivers {
		drivers = append(drivers, d)
	}
	r.mu.RUnlock()

	var mu sync.Mutex
	var wg sync.WaitGroup
	out := make(map[types.Engine]error, len(drivers))
	for _, d := range drivers {
		wg.Add(1)
		go func(d Driver) {
			defer wg.Done()
			err := d.Ping(ctx)
			mu.Lock()
			out[d.Engine()] = err
			mu.Unlock()
		}(d)
	}
	wg.Wait()
	return out
}

// Close closes every driver
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for e, d := range r.drivers {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s driver: %w", e, err))
		}
	}
	return errors.Join(errs...)
}
