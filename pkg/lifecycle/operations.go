package lifecycle

import (
	"context"
	"io"
	"time"

	"github.com/cuemby/berth/pkg/events"
	"github.com/cuemby/berth/pkg/types"
)

// ListFilter narrows List. Empty fields match everything the caller may see.
type ListFilter struct {
	Owner  string
	Engine types.Engine
}

// BatchResult is the outcome for one ID of a batch operation
type BatchResult struct {
	ID  string `json:"id"`
	Err error  `json:"-"`
}

// Get returns one container record
func (m *Manager) Get(ctx context.Context, caller types.Caller, id string) (*types.ContainerRecord, error) {
	return m.lookup(caller, "get", id)
}

// List returns the records visible to the caller. Non-admin callers only
// see their own containers.
func (m *Manager) List(ctx context.Context, caller types.Caller, filter ListFilter) ([]*types.ContainerRecord, error) {
	owner := filter.Owner
	if !caller.Admin {
		if owner != "" && owner != caller.Owner {
			return nil, &types.Error{Kind: types.KindNotOwner, Op: "list", Resource: owner}
		}
		if caller.Owner == "" {
			return nil, types.Validationf("list", "owner is required")
		}
		owner = caller.Owner
	}

	var (
		records []*types.ContainerRecord
		err     error
	)
	switch {
	case owner != "":
		records, err = m.store.ListContainersByOwner(owner)
	case filter.Engine != "":
		records, err = m.store.ListContainersByEngine(filter.Engine)
	default:
		records, err = m.store.ListContainers()
	}
	if err != nil {
		return nil, err
	}
	if filter.Engine == "" {
		return records, nil
	}
	out := records[:0]
	for _, r := range records {
		if r.Engine == filter.Engine {
			out = append(out, r)
		}
	}
	return out, nil
}

// Start starts a container
func (m *Manager) Start(ctx context.Context, caller types.Caller, id string) (err error) {
	ctx, end := m.begin(ctx, "start")
	defer func() { end(err) }()

	unlock := m.ids.Lock(id)
	defer unlock()

	_, d, err := m.lookupActive(caller, "start", id)
	if err != nil {
		return err
	}
	if err := m.call(ctx, func(ctx context.Context) error { return d.Start(ctx, id) }); err != nil {
		return err
	}
	rec, err := m.setStates(id, types.StateRunning, types.StateRunning)
	if err != nil {
		return err
	}
	m.publish(events.EventContainerStarted, rec, "container started")
	return nil
}

// Stop stops a container. A zero timeout uses the configured grace period.
func (m *Manager) Stop(ctx context.Context, caller types.Caller, id string, timeout time.Duration) (err error) {
	ctx, end := m.begin(ctx, "stop")
	defer func() { end(err) }()

	unlock := m.ids.Lock(id)
	defer unlock()

	_, d, err := m.lookupActive(caller, "stop", id)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = m.cfg.StopTimeout
	}
	if err := m.call(ctx, func(ctx context.Context) error { return d.Stop(ctx, id, timeout) }); err != nil {
		return err
	}
	rec, err := m.setStates(id, types.StateStopped, types.StateStopped)
	if err != nil {
		return err
	}
	m.publish(events.EventContainerStopped, rec, "container stopped")
	return nil
}

// Restart stops and starts a container
func (m *Manager) Restart(ctx context.Context, caller types.Caller, id string, timeout time.Duration) (err error) {
	ctx, end := m.begin(ctx, "restart")
	defer func() { end(err) }()

	unlock := m.ids.Lock(id)
	defer unlock()

	_, d, err := m.lookupActive(caller, "restart", id)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = m.cfg.StopTimeout
	}
	if err := m.call(ctx, func(ctx context.Context) error { return d.Restart(ctx, id, timeout) }); err != nil {
		return err
	}
	rec, err := m.setStates(id, types.StateRunning, types.StateRunning)
	if err != nil {
		return err
	}
	m.publish(events.EventContainerStarted, rec, "container restarted")
	return nil
}

// Remove deletes a container. A running container is only removed with force.
// The owner's usage is returned when the record leaves the active phase; if
// the engine then fails, the record stays in removing until the reconciler
// finishes it.
func (m *Manager) Remove(ctx context.Context, caller types.Caller, id string, force bool) (err error) {
	ctx, end := m.begin(ctx, "remove")
	defer func() { end(err) }()

	unlock := m.ids.Lock(id)
	defer unlock()

	rec, err := m.lookup(caller, "remove", id)
	if err != nil {
		return err
	}
	if !force && rec.Phase == types.PhaseActive && rec.ObservedState == types.StateRunning {
		return &types.Error{Kind: types.KindConflict, Op: "remove", Engine: rec.Engine, Resource: id, Msg: "container is running, stop it or force removal"}
	}
	if _, err := m.markRemoving(ctx, id); err != nil {
		return err
	}
	return m.finishRemoval(ctx, rec.Engine, id, force)
}

// Exec runs cmd in a running container and returns its combined output
func (m *Manager) Exec(ctx context.Context, caller types.Caller, id string, cmd []string) (io.ReadCloser, error) {
	if len(cmd) == 0 {
		return nil, types.Validationf("exec", "command is required")
	}
	_, d, err := m.lookupActive(caller, "exec", id)
	if err != nil {
		return nil, err
	}
	return d.Exec(ctx, id, cmd)
}

// Logs streams the container log. tail <= 0 returns everything.
func (m *Manager) Logs(ctx context.Context, caller types.Caller, id string, tail int) (io.ReadCloser, error) {
	_, d, err := m.lookupActive(caller, "logs", id)
	if err != nil {
		return nil, err
	}
	return d.Logs(ctx, id, tail)
}

// BatchStart starts each container, reporting per-ID results in order
func (m *Manager) BatchStart(ctx context.Context, caller types.Caller, ids []string) []BatchResult {
	return batch(ids, func(id string) error { return m.Start(ctx, caller, id) })
}

// BatchStop stops each container, reporting per-ID results in order
func (m *Manager) BatchStop(ctx context.Context, caller types.Caller, ids []string, timeout time.Duration) []BatchResult {
	return batch(ids, func(id string) error { return m.Stop(ctx, caller, id, timeout) })
}

// BatchRemove removes each container, reporting per-ID results in order
func (m *Manager) BatchRemove(ctx context.Context, caller types.Caller, ids []string, force bool) []BatchResult {
	return batch(ids, func(id string) error { return m.Remove(ctx, caller, id, force) })
}

func batch(ids []string, fn func(id string) error) []BatchResult {
	out := make([]BatchResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, BatchResult{ID: id, Err: fn(id)})
	}
	return out
}
