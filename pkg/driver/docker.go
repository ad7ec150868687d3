package driver

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cuemby/berth/pkg/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
)

// Docker drives an engine speaking the Docker Engine API. Podman's
// compatible socket is driven by the same type (see NewPodman).
type Docker struct {
	engine  types.Engine
	cli     client.APIClient
	timeout time.Duration
	logger  zerolog.Logger
	hidden  func(*types.ObservedContainer) bool // engine-internal containers left out of List
}

var _ Driver = (*Docker)(nil)

// NewDocker connects to the Docker daemon at host (e.g. unix:///var/run/docker.sock)
func NewDocker(host string, opts ...Option) (*Docker, error) {
	cli, err := newAPIClient(host)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return NewDockerFromClient(types.EngineDocker, cli, opts...), nil
}

// NewDockerFromClient wraps an existing API client
func NewDockerFromClient(engine types.Engine, cli client.APIClient, opts ...Option) *Docker {
	o := buildOptions(string(engine)+"-driver", opts)
	return &Docker{
		engine:  engine,
		cli:     cli,
		timeout: o.callTimeout,
		logger:  *o.logger,
	}
}

func newAPIClient(host string) (*client.Client, error) {
	clientOpts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		clientOpts = append(clientOpts, client.WithHost(host))
	} else {
		clientOpts = append(clientOpts, client.FromEnv)
	}
	return client.NewClientWithOpts(clientOpts...)
}

func (d *Docker) Engine() types.Engine {
	return d.engine
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

func (d *Docker) Ping(ctx context.Context) error {
	ctx, cancel := bounded(ctx, d.timeout)
	defer cancel()
	_, err := d.cli.Ping(ctx)
	return d.wrap("ping", "", err)
}

func (d *Docker) wrap(op, resource string, err error) error {
	return normalize(d.engine, op, resource, err)
}

func (d *Docker) Create(ctx context.Context, spec *types.ContainerSpec) (*types.ContainerRecord, error) {
	if err := ValidateContainerSpec(spec); err != nil {
		return nil, err
	}

	labels := managedLabels(spec)
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Env:        envList(spec.Env),
		User:       spec.User,
		WorkingDir: spec.WorkingDir,
		Labels:     labels,
	}
	hc := &container.HostConfig{
		Privileged:    spec.Privileged,
		RestartPolicy: restartPolicy(spec.RestartPolicy),
		Resources: container.Resources{
			NanoCPUs: int64(spec.Resources.CPU * 1e9),
			Memory:   spec.Resources.MemoryMB * 1024 * 1024,
		},
	}

	if len(spec.Ports) > 0 {
		portBindings := make(nat.PortMap, len(spec.Ports))
		exposedPorts := make(nat.PortSet, len(spec.Ports))
		for _, p := range spec.Ports {
			containerPort := nat.Port(p.Key())
			exposedPorts[containerPort] = struct{}{}
			portBindings[containerPort] = append(portBindings[containerPort], nat.PortBinding{HostPort: strconv.Itoa(p.HostPort)})
		}
		cfg.ExposedPorts = exposedPorts
		hc.PortBindings = portBindings
	}

	hc.Mounts = make([]mount.Mount, 0, len(spec.Volumes))
	for _, v := range spec.Volumes {
		m := mount.Mount{Type: mount.TypeBind, Source: v.Source, Target: v.Target, ReadOnly: v.ReadOnly}
		if !strings.HasPrefix(v.Source, "/") {
			m.Type = mount.TypeVolume
		}
		hc.Mounts = append(hc.Mounts, m)
	}

	resp, err := d.containerCreate(ctx, cfg, hc, spec.Name)
	if errdefs.IsNotFound(err) {
		// Image not present locally; pull it and retry once
		if err := d.pull(ctx, spec.Image); err != nil {
			return nil, err
		}
		resp, err = d.containerCreate(ctx, cfg, hc, spec.Name)
	}
	if err != nil {
		return nil, d.wrap("create", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn().Str("container_id", resp.ID).Msg(w)
	}
	return NewRecord(d.engine, resp.ID, spec, labels), nil
}

func (d *Docker) containerCreate(ctx context.Context, cfg *container.Config, hc *container.HostConfig, name string) (container.CreateResponse, error) {
	ctx, cancel := bounded(ctx, d.timeout)
	defer cancel()
	return d.cli.ContainerCreate(ctx, cfg, hc, nil, nil, name)
}

// pull fetches img and drains the progress stream. It is bounded by
// DefaultPullTimeout rather than the per-call timeout.
func (d *Docker) pull(ctx context.Context, img string) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultPullTimeout)
	defer cancel()
	d.logger.Info().Str("image", img).Msg("Pulling image")
	rc, err := d.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return d.wrap("pull", img, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return d.wrap("pull", img, fmt.Errorf("read pull response: %w", err))
	}
	return nil
}

func (d *Docker) Start(ctx context.Context, id string) error {
	ctx, cancel := bounded(ctx, d.timeout)
	defer cancel()
	err := d.cli.ContainerStart(ctx, id, container.StartOptions{})
	if isAlreadyInState(err) {
		return nil
	}
	return d.wrap("start", id, err)
}

func (d *Docker) Stop(ctx context.Context, id string, timeout time.Duration) error {
	ctx, cancel := bounded(ctx, d.timeout+timeout)
	defer cancel()
	secs := int(timeout.Seconds())
	err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
	if isAlreadyInState(err) {
		return nil
	}
	return d.wrap("stop", id, err)
}

func (d *Docker) Restart(ctx context.Context, id string, timeout time.Duration) error {
	ctx, cancel := bounded(ctx, d.timeout+timeout)
	defer cancel()
	secs := int(timeout.Seconds())
	return d.wrap("restart", id, d.cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: &secs}))
}

func (d *Docker) Remove(ctx context.Context, id string, force bool) error {
	ctx, cancel := bounded(ctx, d.timeout)
	defer cancel()
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force, RemoveVolumes: true})
	if errdefs.IsNotFound(err) {
		return nil
	}
	return d.wrap("remove", id, err)
}

func (d *Docker) Inspect(ctx context.Context, id string) (*types.ObservedContainer, error) {
	ctx, cancel := bounded(ctx, d.timeout)
	defer cancel()
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, d.wrap("inspect", id, err)
	}
	if info.ContainerJSONBase == nil {
		return nil, types.NotFoundf(string(d.engine)+" inspect", id)
	}

	obs := &types.ObservedContainer{
		ID:     info.ID,
		Name:   strings.TrimPrefix(info.Name, "/"),
		Engine: d.engine,
		State:  types.StateCreated,
	}
	if info.State != nil {
		obs.State = dockerState(string(info.State.Status))
	}
	if info.Config != nil {
		obs.Image = info.Config.Image
		obs.Labels = copyMap(info.Config.Labels)
	}
	if t, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		obs.CreatedAt = t
	}
	if info.NetworkSettings != nil {
		obs.Ports = portsFromMap(info.NetworkSettings.Ports)
		for _, ep := range info.NetworkSettings.Networks {
			if ep != nil && ep.NetworkID != "" {
				obs.Networks = append(obs.Networks, ep.NetworkID)
			}
		}
		sort.Strings(obs.Networks)
	}
	return obs, nil
}

func (d *Docker) List(ctx context.Context) ([]*types.ObservedContainer, error) {
	ctx, cancel := bounded(ctx, d.timeout)
	defer cancel()
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, d.wrap("list", "", err)
	}

	out := make([]*types.ObservedContainer, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		obs := &types.ObservedContainer{
			ID:        c.ID,
			Name:      name,
			Engine:    d.engine,
			State:     dockerState(string(c.State)),
			Image:     c.Image,
			Labels:    copyMap(c.Labels),
			CreatedAt: time.Unix(c.Created, 0).UTC(),
		}
		for _, p := range c.Ports {
			if p.PublicPort == 0 {
				continue
			}
			obs.Ports = append(obs.Ports, types.PortMapping{
				ContainerPort: int(p.PrivatePort),
				Protocol:      p.Type,
				HostPort:      int(p.PublicPort),
			})
		}
		if c.NetworkSettings != nil {
			for _, ep := range c.NetworkSettings.Networks {
				if ep != nil && ep.NetworkID != "" {
					obs.Networks = append(obs.Networks, ep.NetworkID)
				}
			}
			sort.Strings(obs.Networks)
		}
		if d.hidden != nil && d.hidden(obs) {
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

// Exec runs cmd in the container and streams the demultiplexed stdout and stderr
func (d *Docker) Exec(ctx context.Context, id string, cmd []string) (io.ReadCloser, error) {
	if len(cmd) == 0 {
		return nil, types.Validationf(string(d.engine)+" exec", "command is required")
	}
	resp, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, d.wrap("exec", id, err)
	}
	attach, err := d.cli.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, d.wrap("exec attach", id, err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, attach.Reader)
		attach.Close()
		pw.CloseWithError(err)
	}()
	return &streamCloser{Reader: pr, close: func() error {
		attach.Close()
		return pr.Close()
	}}, nil
}

func (d *Docker) Logs(ctx context.Context, id string, tail int) (io.ReadCloser, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	rc, err := d.cli.ContainerLogs(ctx, id, opts)
	if err != nil {
		return nil, d.wrap("logs", id, err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		rc.Close()
		pw.CloseWithError(err)
	}()
	return &streamCloser{Reader: pr, close: func() error {
		rc.Close()
		return pr.Close()
	}}, nil
}

func (d *Docker) CreateNetwork(ctx context.Context, spec *types.NetworkSpec) (string, error) {
	if err := ValidateNetworkSpec(spec); err != nil {
		return "", err
	}
	ctx, cancel := bounded(ctx, d.timeout)
	defer cancel()

	opts := network.CreateOptions{
		Driver: NetworkDriver(spec),
		Labels: copyMap(spec.Labels),
	}
	if spec.Subnet != "" {
		opts.IPAM = &network.IPAM{Config: []network.IPAMConfig{{Subnet: spec.Subnet, Gateway: spec.Gateway}}}
	}
	resp, err := d.cli.NetworkCreate(ctx, spec.Name, opts)
	if err != nil {
		return "", d.wrap("create network", spec.Name, err)
	}
	return resp.ID, nil
}

func (d *Docker) RemoveNetwork(ctx context.Context, id string) error {
	ctx, cancel := bounded(ctx, d.timeout)
	defer cancel()
	err := d.cli.NetworkRemove(ctx, id)
	if errdefs.IsNotFound(err) {
		return nil
	}
	return d.wrap("remove network", id, err)
}

func (d *Docker) ListNetworks(ctx context.Context) ([]*types.ObservedNetwork, error) {
	ctx, cancel := bounded(ctx, d.timeout)
	defer cancel()
	networks, err := d.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return nil, d.wrap("list networks", "", err)
	}
	out := make([]*types.ObservedNetwork, 0, len(networks))
	for _, n := range networks {
		obs := &types.ObservedNetwork{ID: n.ID, Name: n.Name, Driver: n.Driver}
		if len(n.IPAM.Config) > 0 {
			obs.Subnet = n.IPAM.Config[0].Subnet
		}
		out = append(out, obs)
	}
	return out, nil
}

func (d *Docker) Attach(ctx context.Context, containerID, networkID string) error {
	ctx, cancel := bounded(ctx, d.timeout)
	defer cancel()
	err := d.cli.NetworkConnect(ctx, networkID, containerID, &network.EndpointSettings{})
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists in network") {
		return nil
	}
	return d.wrap("attach", containerID, err)
}

func (d *Docker) Detach(ctx context.Context, containerID, networkID string) error {
	ctx, cancel := bounded(ctx, d.timeout)
	defer cancel()
	err := d.cli.NetworkDisconnect(ctx, networkID, containerID, false)
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "is not connected") || strings.Contains(msg, "not connected to network") {
			return nil
		}
	}
	return d.wrap("detach", containerID, err)
}

func dockerState(status string) types.ContainerState {
	switch strings.ToLower(status) {
	case "running", "restarting", "paused":
		return types.StateRunning
	case "created":
		return types.StateCreated
	case "removing":
		return types.StateRemoved
	default: // exited, dead, stopped (podman)
		return types.StateStopped
	}
}

func restartPolicy(policy string) container.RestartPolicy {
	switch policy {
	case "always":
		return container.RestartPolicy{Name: container.RestartPolicyAlways}
	case "on-failure":
		return container.RestartPolicy{Name: container.RestartPolicyOnFailure}
	case "unless-stopped":
		return container.RestartPolicy{Name: container.RestartPolicyUnlessStopped}
	default:
		return container.RestartPolicy{Name: container.RestartPolicyDisabled}
	}
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func portsFromMap(pm nat.PortMap) []types.PortMapping {
	var out []types.PortMapping
	for port, bindings := range pm {
		for _, b := range bindings {
			host, err := strconv.Atoi(b.HostPort)
			if err != nil || host == 0 {
				continue
			}
			out = append(out, types.PortMapping{ContainerPort: port.Int(), Protocol: port.Proto(), HostPort: host})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostKey() < out[j].HostKey() })
	return out
}

// streamCloser closes the underlying engine stream along with the pipe
type streamCloser struct {
	io.Reader
	close func() error
}

func (s *streamCloser) Close() error {
	return s.close()
}
