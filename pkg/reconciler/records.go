package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/berth/pkg/driver"
	"github.com/cuemby/berth/pkg/events"
	"github.com/cuemby/berth/pkg/storage"
	"github.com/cuemby/berth/pkg/types"
	"github.com/rs/zerolog"
)

// Every write below re-checks the record inside the store transaction and
// skips records changed after the engine listing, so an operation that got
// to the record first always wins.

type vanishOutcome int

const (
	untouched vanishOutcome = iota
	purged
	vanished
)

// adopt records an unknown engine container under the unmanaged owner.
// Young containers are skipped because their create may not have stored
// its record yet.
func (r *Reconciler) adopt(logger zerolog.Logger, obs *types.ObservedContainer, observedAt time.Time) bool {
	if !r.cfg.AdoptUnmanaged {
		return false
	}
	if !obs.CreatedAt.IsZero() && observedAt.Sub(obs.CreatedAt) < r.cfg.AdoptGrace {
		return false
	}

	now := time.Now().UTC()
	rec := &types.ContainerRecord{
		ID:               obs.ID,
		Name:             obs.Name,
		Owner:            r.cfg.UnmanagedOwner,
		Engine:           obs.Engine,
		DesiredState:     obs.State,
		ObservedState:    obs.State,
		Phase:            types.PhaseActive,
		Image:            obs.Image,
		Ports:            append([]types.PortMapping(nil), obs.Ports...),
		Labels:           obs.Labels,
		Adopted:          true,
		CreatedAt:        now,
		UpdatedAt:        now,
		LastReconciledAt: now,
	}
	if err := r.store.CreateContainer(rec); err != nil {
		if !errors.Is(err, types.ErrConflict) {
			logger.Warn().Err(err).Str("container_id", obs.ID).Msg("Failed to adopt container")
		}
		return false
	}

	msg := "adopted unmanaged container"
	if labelOwner := obs.Labels[driver.LabelOwner]; labelOwner != "" && labelOwner != rec.Owner {
		msg = "adopted orphan labelled for " + labelOwner
	}
	r.publish(events.EventContainerAdopted, rec, msg)
	logger.Info().Str("container_id", rec.ID).Str("name", rec.Name).Msg("Container adopted")
	return true
}

// syncObserved copies the engine state onto an active record. Desired state
// and quota are never touched. It reports whether the record changed.
func (r *Reconciler) syncObserved(obs *types.ObservedContainer, observedAt time.Time) (bool, error) {
	changed := false
	_, err := r.store.MutateContainer(obs.ID, func(c *types.ContainerRecord) error {
		if c.Phase != types.PhaseActive || c.ObservedState == obs.State || c.UpdatedAt.After(observedAt) {
			return storage.ErrSkipWrite
		}
		now := time.Now().UTC()
		c.ObservedState = obs.State
		c.UpdatedAt = now
		c.LastReconciledAt = now
		changed = true
		return nil
	})
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	return changed, err
}

// markVanished handles a record whose container is gone from the engine. A
// record being removed is deleted. An active record moves to failed and
// its usage goes back to the ledger. Failed records are left alone, so the
// usage is returned once.
func (r *Reconciler) markVanished(ctx context.Context, id string, observedAt time.Time) (vanishOutcome, error) {
	var (
		phase   types.Phase
		counted bool
	)
	cause := &types.Error{Kind: types.KindVanishedExternally, Op: "reconcile", Resource: id, Msg: "container removed outside the control plane"}
	rec, err := r.store.MutateContainer(id, func(c *types.ContainerRecord) error {
		phase = c.Phase
		if c.UpdatedAt.After(observedAt) || !types.CanTransition(c.Phase, types.PhaseFailed) {
			return storage.ErrSkipWrite
		}
		counted = c.CountsTowardQuota()
		now := time.Now().UTC()
		cause.Engine = c.Engine
		c.Phase = types.PhaseFailed
		c.ObservedState = types.StateRemoved
		c.Error = cause.Error()
		c.UpdatedAt = now
		c.LastReconciledAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return untouched, nil
		}
		return untouched, err
	}

	switch {
	case phase == types.PhaseRemoving && !rec.UpdatedAt.After(observedAt):
		if err := r.store.DeleteContainer(id); err != nil {
			return untouched, err
		}
		r.publish(events.EventContainerRemoved, rec, "removal completed by engine")
		return purged, nil
	case rec.Phase != types.PhaseFailed || phase == types.PhaseFailed:
		return untouched, nil
	}

	if counted {
		if err := r.ledger.Apply(ctx, rec.Owner, rec.Usage().Neg()); err != nil {
			r.logger.Error().Err(err).Str("container_id", id).Msg("Failed to return quota usage")
		}
	}
	r.publish(events.EventContainerVanished, rec, cause.Msg)
	r.publish(events.EventContainerFailed, rec, cause.Error())
	r.logger.Warn().Str("container_id", id).Str("owner", rec.Owner).Msg("Container vanished from engine")
	return vanished, nil
}

// finishRemoval force-removes a record left in removing from its engine and
// deletes the record. A failure stays on the record for the next pass.
func (r *Reconciler) finishRemoval(ctx context.Context, d driver.Driver, id string, observedAt time.Time) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	err := d.Remove(callCtx, id, true)
	cancel()
	if err != nil {
		if _, merr := r.store.MutateContainer(id, func(c *types.ContainerRecord) error {
			if c.Phase != types.PhaseRemoving || c.Error == err.Error() {
				return storage.ErrSkipWrite
			}
			c.Error = err.Error()
			return nil
		}); merr != nil && !errors.Is(merr, types.ErrNotFound) {
			r.logger.Error().Err(merr).Str("container_id", id).Msg("Failed to record removal error")
		}
		return false, err
	}

	rec, err := r.store.GetContainer(id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if rec.Phase != types.PhaseRemoving || rec.UpdatedAt.After(observedAt) {
		return false, nil
	}
	if err := r.store.DeleteContainer(id); err != nil {
		return false, err
	}
	r.publish(events.EventContainerRemoved, rec, "container removed")
	r.logger.Info().Str("container_id", id).Str("owner", rec.Owner).Msg("Container removed")
	return true, nil
}

func (r *Reconciler) publish(t events.EventType, rec *types.ContainerRecord, msg string) {
	r.broker.Publish(&events.Event{
		Type:     t,
		Owner:    rec.Owner,
		Engine:   string(rec.Engine),
		Resource: rec.ID,
		Message:  msg,
		Metadata: map[string]string{"name": rec.Name},
	})
}
