// Package drivertest provides an in-memory engine for exercising code that
// depends on driver.Driver without a container runtime.
package drivertest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/berth/pkg/driver"
	"github.com/cuemby/berth/pkg/types"
)

// Fake is an in-memory driver.Driver. It is safe for concurrent use.
type Fake struct {
	mu          sync.Mutex
	engine      types.Engine
	seq         int
	containers  map[string]*types.ObservedContainer
	networks    map[string]*types.ObservedNetwork
	attachments map[string]map[string]bool // network ID -> container IDs
	errs        map[string][]error
	lostReplies []error
	calls       map[string]int
	unreachable bool

	// Creating receives the container name when Create is entered, if non-nil.
	Creating chan string
	// GateCreate blocks Create until a value is received, if non-nil.
	GateCreate chan struct{}
}

var _ driver.Driver = (*Fake)(nil)

// New returns an empty fake engine
func New(engine types.Engine) *Fake {
	return &Fake{
		engine:      engine,
		containers:  make(map[string]*types.ObservedContainer),
		networks:    make(map[string]*types.ObservedNetwork),
		attachments: make(map[string]map[string]bool),
		errs:        make(map[string][]error),
		calls:       make(map[string]int),
	}
}

// FailNext queues err to be returned by the next call of op ("create", "start", ...)
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = append(f.errs[op], err)
}

// LoseNextCreateReply makes the next Create make its container and then
// return err, as when the engine's reply never arrives
func (f *Fake) LoseNextCreateReply(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lostReplies = append(f.lostReplies, err)
}

// SetUnreachable makes every call fail with EngineUnreachable
func (f *Fake) SetUnreachable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable = v
}

// Calls returns how many times op was invoked
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// AddExternal places a container on the engine as if created outside the control plane
func (f *Fake) AddExternal(obs types.ObservedContainer) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if obs.ID == "" {
		obs.ID = f.nextID("ext")
	}
	obs.Engine = f.engine
	if obs.State == "" {
		obs.State = types.StateRunning
	}
	if obs.CreatedAt.IsZero() {
		obs.CreatedAt = time.Now().UTC()
	}
	f.containers[obs.ID] = &obs
	return obs.ID
}

// RemoveExternal deletes a container behind the control plane's back
func (f *Fake) RemoveExternal(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(id)
}

// SetState changes a container's engine state behind the control plane's back
func (f *Fake) SetState(id string, state types.ContainerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.State = state
	}
}

// Container returns a copy of the engine's view of id
func (f *Fake) Container(id string) (types.ObservedContainer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return types.ObservedContainer{}, false
	}
	return *c, true
}

// Count returns the number of containers on the engine
func (f *Fake) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// Attached reports whether containerID is attached to networkID on the engine
func (f *Fake) Attached(containerID, networkID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attachments[networkID][containerID]
}

func (f *Fake) nextID(kind string) string {
	f.seq++
	return fmt.Sprintf("%s-%s-%04d", f.engine, kind, f.seq)
}

// begin records the call and returns a queued or unreachable error
func (f *Fake) begin(op string) error {
	f.calls[op]++
	if f.unreachable {
		return &types.Error{Kind: types.KindEngineUnreachable, Op: string(f.engine) + " " + op, Engine: f.engine, Msg: "fake engine unreachable"}
	}
	if q := f.errs[op]; len(q) > 0 {
		f.errs[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *Fake) notFound(op, id string) error {
	return &types.Error{Kind: types.KindNotFound, Op: string(f.engine) + " " + op, Engine: f.engine, Resource: id}
}

func (f *Fake) removeLocked(id string) {
	delete(f.containers, id)
	for _, members := range f.attachments {
		delete(members, id)
	}
}

func (f *Fake) Engine() types.Engine {
	return f.engine
}

func (f *Fake) Close() error {
	return nil
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.begin("ping")
}

func (f *Fake) Create(ctx context.Context, spec *types.ContainerSpec) (*types.ContainerRecord, error) {
	if err := driver.ValidateContainerSpec(spec); err != nil {
		return nil, err
	}
	if f.Creating != nil {
		f.Creating <- spec.Name
	}
	if f.GateCreate != nil {
		<-f.GateCreate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("create"); err != nil {
		return nil, err
	}
	for _, c := range f.containers {
		if c.Name == spec.Name {
			return nil, &types.Error{Kind: types.KindConflict, Op: string(f.engine) + " create", Engine: f.engine, Resource: spec.Name, Msg: "name in use"}
		}
	}

	labels := map[string]string{driver.LabelManaged: "true", driver.LabelOwner: spec.Owner}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	id := f.nextID("ctr")
	now := time.Now().UTC()
	f.containers[id] = &types.ObservedContainer{
		ID:        id,
		Name:      spec.Name,
		Engine:    f.engine,
		State:     types.StateCreated,
		Image:     spec.Image,
		Labels:    labels,
		Ports:     append([]types.PortMapping(nil), spec.Ports...),
		CreatedAt: now,
	}
	if len(f.lostReplies) > 0 {
		err := f.lostReplies[0]
		f.lostReplies = f.lostReplies[1:]
		return nil, err
	}
	return &types.ContainerRecord{
		ID:            id,
		Name:          spec.Name,
		Owner:         spec.Owner,
		Engine:        f.engine,
		DesiredState:  types.StateCreated,
		ObservedState: types.StateCreated,
		Phase:         types.PhaseProvisioning,
		Image:         spec.Image,
		Ports:         append([]types.PortMapping(nil), spec.Ports...),
		Env:           spec.Env,
		Volumes:       spec.Volumes,
		Resources:     spec.Resources,
		Labels:        labels,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (f *Fake) setState(op, id string, state types.ContainerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(op); err != nil {
		return err
	}
	c, ok := f.containers[id]
	if !ok {
		return f.notFound(op, id)
	}
	c.State = state
	return nil
}

func (f *Fake) Start(ctx context.Context, id string) error {
	return f.setState("start", id, types.StateRunning)
}

func (f *Fake) Stop(ctx context.Context, id string, timeout time.Duration) error {
	return f.setState("stop", id, types.StateStopped)
}

func (f *Fake) Restart(ctx context.Context, id string, timeout time.Duration) error {
	return f.setState("restart", id, types.StateRunning)
}

func (f *Fake) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("remove"); err != nil {
		return err
	}
	c, ok := f.containers[id]
	if !ok {
		return nil
	}
	if c.State == types.StateRunning && !force {
		return &types.Error{Kind: types.KindConflict, Op: string(f.engine) + " remove", Engine: f.engine, Resource: id, Msg: "container is running"}
	}
	f.removeLocked(id)
	return nil
}

func (f *Fake) Inspect(ctx context.Context, id string) (*types.ObservedContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("inspect"); err != nil {
		return nil, err
	}
	c, ok := f.containers[id]
	if !ok {
		return nil, f.notFound("inspect", id)
	}
	cp := *c
	return &cp, nil
}

func (f *Fake) List(ctx context.Context) ([]*types.ObservedContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("list"); err != nil {
		return nil, err
	}
	out := make([]*types.ObservedContainer, 0, len(f.containers))
	for _, c := range f.containers {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) Exec(ctx context.Context, id string, cmd []string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("exec"); err != nil {
		return nil, err
	}
	if _, ok := f.containers[id]; !ok {
		return nil, f.notFound("exec", id)
	}
	return io.NopCloser(strings.NewReader(strings.Join(cmd, " ") + "\n")), nil
}

func (f *Fake) Logs(ctx context.Context, id string, tail int) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("logs"); err != nil {
		return nil, err
	}
	if _, ok := f.containers[id]; !ok {
		return nil, f.notFound("logs", id)
	}
	return io.NopCloser(strings.NewReader("log line for " + id + "\n")), nil
}

func (f *Fake) CreateNetwork(ctx context.Context, spec *types.NetworkSpec) (string, error) {
	if err := driver.ValidateNetworkSpec(spec); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("create_network"); err != nil {
		return "", err
	}
	for _, n := range f.networks {
		if n.Name == spec.Name {
			return "", &types.Error{Kind: types.KindConflict, Op: string(f.engine) + " create network", Engine: f.engine, Resource: spec.Name}
		}
	}
	id := f.nextID("net")
	f.networks[id] = &types.ObservedNetwork{ID: id, Name: spec.Name, Driver: driver.NetworkDriver(spec), Subnet: spec.Subnet}
	f.attachments[id] = make(map[string]bool)
	return id, nil
}

func (f *Fake) RemoveNetwork(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("remove_network"); err != nil {
		return err
	}
	delete(f.networks, id)
	delete(f.attachments, id)
	return nil
}

func (f *Fake) ListNetworks(ctx context.Context) ([]*types.ObservedNetwork, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("list_networks"); err != nil {
		return nil, err
	}
	out := make([]*types.ObservedNetwork, 0, len(f.networks))
	for _, n := range f.networks {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RemoveNetworkExternal deletes a network behind the control plane's back
func (f *Fake) RemoveNetworkExternal(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.networks, id)
	delete(f.attachments, id)
}

func (f *Fake) Attach(ctx context.Context, containerID, networkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("attach"); err != nil {
		return err
	}
	if _, ok := f.containers[containerID]; !ok {
		return f.notFound("attach", containerID)
	}
	members, ok := f.attachments[networkID]
	if !ok {
		return f.notFound("attach", networkID)
	}
	members[containerID] = true
	return nil
}

func (f *Fake) Detach(ctx context.Context, containerID, networkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("detach"); err != nil {
		return err
	}
	delete(f.attachments[networkID], containerID)
	return nil
}
