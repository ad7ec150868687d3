package network

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/cuemby/berth/pkg/driver"
	"github.com/cuemby/berth/pkg/events"
	"github.com/cuemby/berth/pkg/log"
	"github.com/cuemby/berth/pkg/storage"
	"github.com/cuemby/berth/pkg/types"
	"github.com/rs/zerolog"
)

// SystemNetworks exist on every engine and are never created or removed here
var SystemNetworks = []string{"bridge", "host", "none", "default"}

// Drivers resolves an engine to its driver. *driver.Registry implements it.
type Drivers interface {
	Get(engine types.Engine) (driver.Driver, error)
	Default() types.Engine
}

// Manager creates engine networks and tracks which containers are attached
type Manager struct {
	store     storage.Store
	drivers   Drivers
	allocator *Allocator
	broker    *events.Broker
	logger    zerolog.Logger

	mu    sync.Mutex
	locks map[types.Engine]*sync.Mutex
}

// NewManager creates a network manager allocating subnets from alloc
func NewManager(store storage.Store, drivers Drivers, alloc *Allocator, broker *events.Broker) *Manager {
	return &Manager{
		store:     store,
		drivers:   drivers,
		allocator: alloc,
		broker:    broker,
		logger:    log.WithComponent("network"),
		locks:     make(map[types.Engine]*sync.Mutex),
	}
}

// lockEngine serializes allocation and attachment changes on one engine
func (m *Manager) lockEngine(engine types.Engine) func() {
	m.mu.Lock()
	l, ok := m.locks[engine]
	if !ok {
		l = &sync.Mutex{}
		m.locks[engine] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) publish(t events.EventType, n *types.NetworkRecord, resource, msg string) {
	m.broker.Publish(&events.Event{
		Type:     t,
		Owner:    n.Owner,
		Engine:   string(n.Engine),
		Resource: resource,
		Message:  msg,
		Metadata: map[string]string{"network_id": n.ID, "network": n.Name},
	})
}

// CreateNetwork creates a network on the spec's engine. Without an explicit
// subnet the first free subnet of the configured base range is used.
func (m *Manager) CreateNetwork(ctx context.Context, caller types.Caller, spec types.NetworkSpec) (*types.NetworkRecord, error) {
	const op = "create network"
	switch {
	case spec.Owner == "" || spec.Owner == caller.Owner:
		spec.Owner = caller.Owner
	case !caller.Admin:
		return nil, &types.Error{Kind: types.KindNotOwner, Op: op, Resource: spec.Owner}
	}
	if spec.Owner == "" {
		return nil, types.Validationf(op, "owner is required")
	}
	if spec.Engine == "" {
		spec.Engine = m.drivers.Default()
	}
	if err := driver.ValidateNetworkSpec(&spec); err != nil {
		return nil, err
	}
	d, err := m.drivers.Get(spec.Engine)
	if err != nil {
		return nil, err
	}

	unlock := m.lockEngine(spec.Engine)
	defer unlock()

	existing, err := m.store.ListNetworksByEngine(spec.Engine)
	if err != nil {
		return nil, err
	}
	duplicate := &types.Error{Kind: types.KindDuplicateName, Op: op, Engine: spec.Engine, Resource: spec.Name}
	if slices.Contains(SystemNetworks, spec.Name) {
		return nil, duplicate
	}
	for _, n := range existing {
		if n.Name == spec.Name {
			return nil, duplicate
		}
	}

	if spec.Subnet != "" {
		prefix, err := driver.ParseSubnet(spec.Subnet)
		if err != nil {
			return nil, err
		}
		for _, n := range existing {
			if u, err := netip.ParsePrefix(n.Subnet); err == nil && prefix.Overlaps(u) {
				return nil, &types.Error{Kind: types.KindSubnetConflict, Op: op, Engine: spec.Engine, Resource: spec.Name, Msg: prefix.String() + " overlaps " + n.Name}
			}
		}
	} else {
		prefix, err := m.allocator.Next(usedSubnets(existing))
		if err != nil {
			return nil, err
		}
		spec.Subnet = prefix.String()
	}
	if spec.Gateway == "" {
		prefix, _ := driver.ParseSubnet(spec.Subnet)
		spec.Gateway = driver.Gateway(prefix).String()
	}

	id, err := d.CreateNetwork(ctx, &spec)
	if err != nil {
		return nil, err
	}
	rec := &types.NetworkRecord{
		ID:        id,
		Owner:     spec.Owner,
		Engine:    spec.Engine,
		Name:      spec.Name,
		Driver:    driver.NetworkDriver(&spec),
		Subnet:    spec.Subnet,
		Gateway:   spec.Gateway,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateNetwork(rec); err != nil {
		if rerr := d.RemoveNetwork(context.WithoutCancel(ctx), id); rerr != nil {
			m.logger.Error().Err(rerr).Str("network_id", id).Msg("Failed to remove unrecorded network")
		}
		return nil, err
	}

	m.publish(events.EventNetworkCreated, rec, rec.ID, "network created")
	m.logger.Info().
		Str("network_id", rec.ID).
		Str("engine", string(rec.Engine)).
		Str("name", rec.Name).
		Str("subnet", rec.Subnet).
		Msg("Network created")
	return rec, nil
}

// RemoveNetwork deletes an unused network
func (m *Manager) RemoveNetwork(ctx context.Context, caller types.Caller, id string) error {
	const op = "remove network"
	n, err := m.lookup(caller, op, id)
	if err != nil {
		return err
	}

	unlock := m.lockEngine(n.Engine)
	defer unlock()

	// Re-read under the engine lock; attachments may have changed
	n, err = m.store.GetNetwork(id)
	if err != nil {
		return err
	}
	if slices.Contains(SystemNetworks, n.Name) {
		return &types.Error{Kind: types.KindConflict, Op: op, Engine: n.Engine, Resource: id, Msg: "system networks cannot be removed"}
	}
	if len(n.Attached) > 0 {
		return &types.Error{Kind: types.KindConflict, Op: op, Engine: n.Engine, Resource: id, Msg: "containers are still attached"}
	}

	d, err := m.drivers.Get(n.Engine)
	if err != nil {
		return err
	}
	if err := d.RemoveNetwork(ctx, id); err != nil {
		return err
	}
	if err := m.store.DeleteNetwork(id); err != nil {
		return err
	}
	m.publish(events.EventNetworkRemoved, n, n.ID, "network removed")
	m.logger.Info().Str("network_id", id).Str("name", n.Name).Msg("Network removed")
	return nil
}

// Get returns one network record
func (m *Manager) Get(ctx context.Context, caller types.Caller, id string) (*types.NetworkRecord, error) {
	return m.lookup(caller, "get network", id)
}

// List returns the networks visible to the caller, optionally on one engine
func (m *Manager) List(ctx context.Context, caller types.Caller, engine types.Engine) ([]*types.NetworkRecord, error) {
	var (
		records []*types.NetworkRecord
		err     error
	)
	if engine != "" {
		records, err = m.store.ListNetworksByEngine(engine)
	} else {
		records, err = m.store.ListNetworks()
	}
	if err != nil {
		return nil, err
	}
	if caller.Admin {
		return records, nil
	}
	out := records[:0]
	for _, n := range records {
		if caller.CanAccess(n.Owner) {
			out = append(out, n)
		}
	}
	return out, nil
}

// Attach connects a container to a network. Both must share owner and
// engine. Nothing changes when a check fails. Attaching twice is a no-op.
func (m *Manager) Attach(ctx context.Context, caller types.Caller, containerID, networkID string) error {
	return m.link(ctx, caller, containerID, networkID, true)
}

// Detach disconnects a container from a network. Detaching an unattached
// container is a no-op.
func (m *Manager) Detach(ctx context.Context, caller types.Caller, containerID, networkID string) error {
	return m.link(ctx, caller, containerID, networkID, false)
}

func (m *Manager) link(ctx context.Context, caller types.Caller, containerID, networkID string, attach bool) error {
	op := "detach"
	if attach {
		op = "attach"
	}

	c, err := m.store.GetContainer(containerID)
	if err != nil {
		return err
	}
	n, err := m.store.GetNetwork(networkID)
	if err != nil {
		return err
	}
	if !caller.CanAccess(c.Owner) || !caller.CanAccess(n.Owner) {
		return &types.Error{Kind: types.KindNotOwner, Op: op, Resource: containerID}
	}
	if c.Owner != n.Owner && !caller.Admin {
		return &types.Error{Kind: types.KindNotOwner, Op: op, Resource: networkID, Msg: "network belongs to another owner"}
	}
	if c.Engine != n.Engine {
		return &types.Error{
			Kind:     types.KindEngineMismatch,
			Op:       op,
			Resource: containerID,
			Msg:      "container is on " + string(c.Engine) + ", network " + n.Name + " is on " + string(n.Engine),
		}
	}

	unlock := m.lockEngine(n.Engine)
	defer unlock()

	n, err = m.store.GetNetwork(networkID)
	if err != nil {
		return err
	}
	if n.HasContainer(containerID) == attach {
		return nil
	}
	if attach && c.Phase != types.PhaseActive {
		return &types.Error{Kind: types.KindConflict, Op: op, Resource: containerID, Msg: "container is " + string(c.Phase)}
	}

	d, err := m.drivers.Get(n.Engine)
	if err != nil {
		return err
	}
	if attach {
		err = d.Attach(ctx, containerID, networkID)
	} else {
		err = d.Detach(ctx, containerID, networkID)
	}
	if err != nil {
		return err
	}

	if err := m.store.LinkContainerNetwork(containerID, networkID, attach); err != nil {
		if attach {
			if derr := d.Detach(context.WithoutCancel(ctx), containerID, networkID); derr != nil {
				m.logger.Error().Err(derr).Str("container_id", containerID).Str("network_id", networkID).Msg("Failed to undo attach")
			}
		}
		return err
	}

	if attach {
		m.publish(events.EventNetworkAttached, n, containerID, "container attached")
	} else {
		m.publish(events.EventNetworkDetached, n, containerID, "container detached")
	}
	return nil
}

// Prune deletes records of networks on engine that are missing from
// observed. It returns how many were removed.
func (m *Manager) Prune(ctx context.Context, engine types.Engine, observed []*types.ObservedNetwork) (int, error) {
	unlock := m.lockEngine(engine)
	defer unlock()

	present := make(map[string]bool, len(observed))
	for _, o := range observed {
		present[o.ID] = true
	}
	records, err := m.store.ListNetworksByEngine(engine)
	if err != nil {
		return 0, err
	}

	pruned := 0
	var errs []error
	for _, n := range records {
		if present[n.ID] {
			continue
		}
		for _, cid := range n.Attached {
			if err := m.store.LinkContainerNetwork(cid, n.ID, false); err != nil && !errors.Is(err, types.ErrNotFound) {
				errs = append(errs, err)
			}
		}
		if err := m.store.DeleteNetwork(n.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		pruned++
		m.publish(events.EventNetworkRemoved, n, n.ID, "network vanished from engine")
		m.logger.Warn().Str("network_id", n.ID).Str("name", n.Name).Msg("Network vanished from engine, record pruned")
	}
	return pruned, errors.Join(errs...)
}

func (m *Manager) lookup(caller types.Caller, op, id string) (*types.NetworkRecord, error) {
	n, err := m.store.GetNetwork(id)
	if err != nil {
		return nil, err
	}
	if !caller.CanAccess(n.Owner) {
		return nil, &types.Error{Kind: types.KindNotOwner, Op: op, Resource: id}
	}
	return n, nil
}
