package driver

import (
	"context"
	"io"
	"time"

	"github.com/cuemby/berth/pkg/types"
)

// Labels written on every container created through a driver
const (
	LabelManaged = "berth.managed"
	LabelOwner   = "berth.owner"
)

// Timeouts applied when none is configured
const (
	DefaultCallTimeout = 30 * time.Second
	DefaultPullTimeout = 10 * time.Minute
)

// Driver translates control plane operations into calls on one container engine.
// Every engine implements the full capability set. Operations an engine cannot
// perform return a types.ErrUnsupported error. All errors leaving a driver are
// *types.Error values; callers never see engine specific error shapes.
//
// Repeating an operation whose effect already holds succeeds: starting a running
// container, stopping a stopped one, removing a missing one, detaching an
// unattached one and removing a missing network all return nil.
type Driver interface {
	Engine() types.Engine
	Ping(ctx context.Context) error

	Create(ctx context.Context, spec *types.ContainerSpec) (*types.ContainerRecord, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Restart(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string, force bool) error
	Inspect(ctx context.Context, id string) (*types.ObservedContainer, error)
	List(ctx context.Context) ([]*types.ObservedContainer, error)
	Exec(ctx context.Context, id string, cmd []string) (io.ReadCloser, error)
	Logs(ctx context.Context, id string, tail int) (io.ReadCloser, error)

	CreateNetwork(ctx context.Context, spec *types.NetworkSpec) (string, error)
	RemoveNetwork(ctx context.Context, id string) error
	ListNetworks(ctx context.Context) ([]*types.ObservedNetwork, error)
	Attach(ctx context.Context, containerID, networkID string) error
	Detach(ctx context.Context, containerID, networkID string) error

	Close() error
}

// managedLabels merges the spec labels with the ownership labels
func managedLabels(spec *types.ContainerSpec) map[string]string {
	labels := make(map[string]string, len(spec.Labels)+2)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[LabelManaged] = "true"
	if spec.Owner != "" {
		labels[LabelOwner] = spec.Owner
	}
	return labels
}

// NewRecord builds the record a driver returns after a successful create
func NewRecord(engine types.Engine, id string, spec *types.ContainerSpec, labels map[string]string) *types.ContainerRecord {
	now := time.Now().UTC()
	return &types.ContainerRecord{
		ID:            id,
		Name:          spec.Name,
		Owner:         spec.Owner,
		Engine:        engine,
		DesiredState:  types.StateCreated,
		ObservedState: types.StateCreated,
		Phase:         types.PhaseProvisioning,
		Image:         spec.Image,
		Ports:         append([]types.PortMapping(nil), spec.Ports...),
		Env:           copyMap(spec.Env),
		Volumes:       append([]types.VolumeMount(nil), spec.Volumes...),
		Resources:     spec.Resources,
		Labels:        labels,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// bounded applies the per-call timeout
func bounded(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
