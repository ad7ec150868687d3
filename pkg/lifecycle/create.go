package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/berth/pkg/driver"
	"github.com/cuemby/berth/pkg/events"
	"github.com/cuemby/berth/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CreateResult is a created container and the follow-up steps that failed
type CreateResult struct {
	Record   *types.ContainerRecord
	Warnings []types.Warning
}

// resolveOwner binds the spec to an owner. Only admins may create on behalf of others.
func resolveOwner(caller types.Caller, requested string) (string, error) {
	switch {
	case requested == "" || requested == caller.Owner:
		if caller.Owner == "" {
			return "", types.Validationf("create", "owner is required")
		}
		return caller.Owner, nil
	case caller.Admin:
		return requested, nil
	default:
		return "", &types.Error{Kind: types.KindNotOwner, Op: "create", Resource: requested, Msg: "cannot create for another owner"}
	}
}

// Create provisions a container. Quota is reserved before the engine is
// called and committed once the record is stored; any failure up to that
// point releases it. Starting and network attachment happen afterwards
// and are reported as warnings without rolling the container back.
//
// The engine call is not cancelled with ctx. When ctx ends while the engine
// is creating, the container is recorded, committed and queued for removal.
func (m *Manager) Create(ctx context.Context, caller types.Caller, spec types.ContainerSpec) (res *CreateResult, err error) {
	ctx, end := m.begin(ctx, "create")
	defer func() { end(err) }()

	if spec.Owner, err = resolveOwner(caller, spec.Owner); err != nil {
		return nil, err
	}
	if spec.Engine == "" {
		spec.Engine = m.drivers.Default()
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("owner", spec.Owner),
		attribute.String("engine", string(spec.Engine)),
		attribute.String("name", spec.Name),
	)

	d, err := m.drivers.Get(spec.Engine)
	if err != nil {
		return nil, err
	}
	if err := driver.ValidateContainerSpec(&spec); err != nil {
		return nil, err
	}

	unlockName := m.names.Lock(string(spec.Engine) + "/" + spec.Name)
	defer unlockName()

	existing, err := m.store.ListContainersByEngine(spec.Engine)
	if err != nil {
		return nil, err
	}
	for _, r := range existing {
		if r.Name == spec.Name {
			return nil, &types.Error{Kind: types.KindConflict, Op: "create", Engine: spec.Engine, Resource: spec.Name, Msg: "name already in use"}
		}
	}
	releasePorts, err := m.ports.claim(&spec, m.store.ListContainersByEngine)
	if err != nil {
		return nil, err
	}
	defer releasePorts()

	reservation, err := m.ledger.Reserve(ctx, spec.Owner, spec.Demand())
	if err != nil {
		if qe, ok := asQuotaError(err); ok {
			m.broker.Publish(&events.Event{
				Type:     events.EventQuotaRejected,
				Owner:    spec.Owner,
				Engine:   string(spec.Engine),
				Resource: spec.Name,
				Message:  fmt.Sprintf("quota exceeded on %s", qe.Dimension),
				Metadata: map[string]string{"dimension": string(qe.Dimension)},
			})
		}
		return nil, err
	}

	logger := m.logger.With().Str("owner", spec.Owner).Str("engine", string(spec.Engine)).Str("name", spec.Name).Logger()
	detached := context.WithoutCancel(ctx)

	var (
		rec      *types.ContainerRecord
		lostCall bool // an earlier attempt may have created the container
	)
	err = retryWithBackoff(ctx, m.cfg.MaxAttempts, m.cfg.Backoff, func(attempt int) error {
		if attempt > 0 {
			logger.Warn().Int("attempt", attempt+1).Msg("Retrying create, engine unreachable")
		}
		var cerr error
		rec, cerr = d.Create(detached, &spec)
		if lostCall && errors.Is(cerr, types.ErrConflict) {
			if found := m.findCreated(detached, d, &spec); found != nil {
				logger.Warn().Str("container_id", found.ID).Msg("Create reply was lost, keeping the container it made")
				rec = found
				return nil
			}
		}
		lostCall = lostCall || types.IsRetryable(cerr)
		return cerr
	})
	if err != nil {
		if rerr := m.ledger.Release(reservation); rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to release reservation")
		}
		logger.Warn().Err(err).Msg("Container create failed")
		m.broker.Publish(&events.Event{
			Type:     events.EventContainerFailed,
			Owner:    spec.Owner,
			Engine:   string(spec.Engine),
			Resource: spec.Name,
			Message:  err.Error(),
		})
		return nil, &types.Error{Kind: types.KindProvisioningFailed, Op: "create", Engine: spec.Engine, Resource: spec.Name, Cause: err}
	}

	now := time.Now().UTC()
	rec.Owner = spec.Owner
	rec.Phase = types.PhaseActive
	rec.Networks = nil
	rec.CreatedAt = now
	rec.UpdatedAt = now

	if err := m.store.CreateContainer(rec); err != nil {
		if rerr := d.Remove(detached, rec.ID, true); rerr != nil {
			logger.Error().Err(rerr).Str("container_id", rec.ID).Msg("Failed to remove unrecorded container")
		}
		if rerr := m.ledger.Release(reservation); rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to release reservation")
		}
		return nil, &types.Error{Kind: types.KindProvisioningFailed, Op: "create", Engine: spec.Engine, Resource: spec.Name, Msg: "record not stored", Cause: err}
	}
	if err := m.ledger.Commit(reservation); err != nil {
		logger.Error().Err(err).Str("container_id", rec.ID).Msg("Failed to commit reservation")
	}
	m.publish(events.EventContainerCreated, rec, "container created")
	logger.Info().Str("container_id", rec.ID).Msg("Container created")

	if ctx.Err() != nil {
		m.queueRemoval(rec.ID, "create cancelled")
		return nil, fmt.Errorf("create %s: container %s queued for removal: %w", spec.Name, rec.ID, ctx.Err())
	}

	unlockID := m.ids.Lock(rec.ID)
	defer unlockID()

	res = &CreateResult{Record: rec}
	for _, networkID := range spec.Networks {
		if m.networks == nil {
			res.Warnings = append(res.Warnings, types.NewWarning("attach "+networkID, types.Unsupported(spec.Engine, "attach")))
			continue
		}
		if err := m.networks.Attach(ctx, caller, rec.ID, networkID); err != nil {
			logger.Warn().Err(err).Str("network_id", networkID).Msg("Network attach failed after create")
			res.Warnings = append(res.Warnings, types.NewWarning("attach "+networkID, err))
		}
	}

	if spec.Start {
		if err := m.call(ctx, func(ctx context.Context) error { return d.Start(ctx, rec.ID) }); err != nil {
			logger.Warn().Err(err).Msg("Start failed after create")
			res.Warnings = append(res.Warnings, types.NewWarning("start", err))
			if _, merr := m.store.MutateContainer(rec.ID, func(c *types.ContainerRecord) error {
				c.Error = err.Error()
				return nil
			}); merr != nil {
				logger.Error().Err(merr).Msg("Failed to record start error")
			}
		} else {
			if _, err := m.setStates(rec.ID, types.StateRunning, types.StateRunning); err != nil {
				return nil, err
			}
			m.publish(events.EventContainerStarted, rec, "container started")
		}
	}

	latest, err := m.store.GetContainer(rec.ID)
	if err != nil {
		return nil, err
	}
	res.Record = latest
	return res, nil
}

// findCreated looks for the container an unanswered create left behind. Only
// a container with the spec's name that carries the owner's labels is taken.
func (m *Manager) findCreated(ctx context.Context, d driver.Driver, spec *types.ContainerSpec) *types.ContainerRecord {
	var observed []*types.ObservedContainer
	err := m.call(ctx, func(ctx context.Context) (err error) {
		observed, err = d.List(ctx)
		return err
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("name", spec.Name).Msg("Failed to list engine after conflicting create")
		return nil
	}
	for _, obs := range observed {
		if obs.Name != spec.Name || obs.Labels[driver.LabelManaged] != "true" || obs.Labels[driver.LabelOwner] != spec.Owner {
			continue
		}
		rec := driver.NewRecord(d.Engine(), obs.ID, spec, obs.Labels)
		rec.ObservedState = obs.State
		return rec
	}
	return nil
}

func asQuotaError(err error) (*types.Error, bool) {
	var e *types.Error
	if !errors.As(err, &e) || e.Kind != types.KindQuotaExceeded {
		return nil, false
	}
	return e, true
}
