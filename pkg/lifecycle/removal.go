package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/berth/pkg/driver"
	"github.com/cuemby/berth/pkg/events"
	"github.com/cuemby/berth/pkg/log"
	"github.com/cuemby/berth/pkg/metrics"
	"github.com/cuemby/berth/pkg/storage"
	"github.com/cuemby/berth/pkg/types"
)

// markRemoving moves a record to removing and returns its usage to the
// ledger if it was counted. A record already removing is left as is, so
// usage is returned once.
func (m *Manager) markRemoving(ctx context.Context, id string) (*types.ContainerRecord, error) {
	var (
		counted bool
		usage   types.QuotaVector
	)
	rec, err := m.store.MutateContainer(id, func(c *types.ContainerRecord) error {
		if c.Phase == types.PhaseRemoving {
			return storage.ErrSkipWrite
		}
		if !types.CanTransition(c.Phase, types.PhaseRemoving) {
			return &types.Error{Kind: types.KindConflict, Op: "remove", Resource: c.ID, Msg: "container is " + string(c.Phase)}
		}
		counted = c.CountsTowardQuota()
		usage = c.Usage()
		c.Phase = types.PhaseRemoving
		c.DesiredState = types.StateRemoved
		c.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if counted {
		if err := m.ledger.Apply(context.WithoutCancel(ctx), rec.Owner, usage.Neg()); err != nil {
			m.logger.Error().Err(err).Str("container_id", id).Msg("Failed to return quota usage")
		}
	}
	return rec, nil
}

// finishRemoval removes the container from its engine and deletes the
// record. The caller holds the ID lock and the record is removing.
func (m *Manager) finishRemoval(ctx context.Context, engine types.Engine, id string, force bool) error {
	d, err := m.drivers.Get(engine)
	if err != nil {
		return err
	}
	if err := m.call(ctx, func(ctx context.Context) error { return d.Remove(ctx, id, force) }); err != nil {
		m.logger.Warn().Err(err).Str("container_id", id).Msg("Engine removal failed, record left in removing")
		if _, merr := m.store.MutateContainer(id, func(c *types.ContainerRecord) error {
			c.Error = err.Error()
			c.UpdatedAt = time.Now().UTC()
			return nil
		}); merr != nil && !errors.Is(merr, types.ErrNotFound) {
			m.logger.Error().Err(merr).Str("container_id", id).Msg("Failed to record removal error")
		}
		return err
	}

	rec, err := m.store.GetContainer(id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := m.store.DeleteContainer(id); err != nil {
		return err
	}
	m.publish(events.EventContainerRemoved, rec, "container removed")
	m.logger.Info().Str("container_id", id).Str("owner", rec.Owner).Msg("Container removed")
	return nil
}

// queueRemoval marks a record removing and hands it to the worker
func (m *Manager) queueRemoval(id, reason string) {
	if _, err := m.markRemoving(context.Background(), id); err != nil {
		m.logger.Error().Err(err).Str("container_id", id).Msg("Failed to mark container for removal")
		return
	}
	m.enqueue(id, reason)
}

// enqueue hands a removing record to the worker. When the queue is full
// the record waits for the reconciler.
func (m *Manager) enqueue(id, reason string) {
	select {
	case m.removals <- id:
		metrics.RemovalQueueDepth.Inc()
		m.logger.Info().Str("container_id", id).Str("reason", reason).Msg("Container queued for removal")
	default:
		m.logger.Warn().Str("container_id", id).Msg("Removal queue full, deferring to reconciler")
	}
}

func (m *Manager) runRemovals() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case id := <-m.removals:
			metrics.RemovalQueueDepth.Dec()
			m.removeQueued(id)
		}
	}
}

func (m *Manager) removeQueued(id string) {
	timeout := driver.DefaultCallTimeout * time.Duration(m.cfg.MaxAttempts)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	unlock := m.ids.Lock(id)
	defer unlock()

	logger := log.WithContainerID("lifecycle", id)
	rec, err := m.store.GetContainer(id)
	if err != nil || rec.Phase != types.PhaseRemoving {
		logger.Debug().Err(err).Msg("Queued removal no longer needed")
		return
	}
	if err := m.finishRemoval(ctx, rec.Engine, id, true); err != nil {
		logger.Warn().Err(err).Msg("Queued removal failed")
	}
}
