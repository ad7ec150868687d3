package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/netip"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/berth/pkg/types"
	"github.com/rs/zerolog"
)

// Runner executes the lxc client binary
type Runner interface {
	// Run executes the command and returns its stdout. A non-zero exit is
	// returned as *CommandError carrying stderr.
	Run(ctx context.Context, args ...string) ([]byte, error)
	// Stream starts the command and returns its combined output
	Stream(ctx context.Context, args ...string) (io.ReadCloser, error)
}

// CommandError is a failed lxc invocation
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("lxc %s: %s", strings.Join(e.Args, " "), e.Stderr)
	}
	return fmt.Sprintf("lxc %s: %v", strings.Join(e.Args, " "), e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExecRunner runs the lxc binary with os/exec
type ExecRunner struct {
	Binary string
}

func (r ExecRunner) binary() string {
	if r.Binary == "" {
		return "lxc"
	}
	return r.Binary
}

func (r ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.binary(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return stdout.Bytes(), &CommandError{Args: args, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return stdout.Bytes(), nil
}

func (r ExecRunner) Stream(ctx context.Context, args ...string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, r.binary(), args...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, &CommandError{Args: args, Err: err}
	}
	go func() {
		pw.CloseWithError(cmd.Wait())
	}()
	return pr, nil
}

// LXC drives LXD/Incus system containers through the lxc client
type LXC struct {
	runner  Runner
	remote  string
	timeout time.Duration
	logger  zerolog.Logger
}

var _ Driver = (*LXC)(nil)

// NewLXC creates an LXC driver. remote is an optional lxc remote name.
func NewLXC(runner Runner, remote string, opts ...Option) *LXC {
	o := buildOptions("lxc-driver", opts)
	return &LXC{
		runner:  runner,
		remote:  strings.TrimSuffix(remote, ":"),
		timeout: o.callTimeout,
		logger:  *o.logger,
	}
}

func (l *LXC) Engine() types.Engine {
	return types.EngineLXC
}

func (l *LXC) Close() error {
	return nil
}

// ref qualifies a resource name with the configured remote
func (l *LXC) ref(name string) string {
	if l.remote == "" {
		return name
	}
	return l.remote + ":" + name
}

// target returns the optional positional argument for list commands
func (l *LXC) target(filter string) []string {
	if l.remote == "" && filter == "" {
		return nil
	}
	return []string{l.ref(filter)}
}

func (l *LXC) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := bounded(ctx, l.timeout)
	defer cancel()
	return l.runner.Run(ctx, args...)
}

func (l *LXC) wrap(op, resource string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		if kind := classifyLXC(ce.Stderr); kind != "" {
			return &types.Error{Kind: kind, Op: "lxc " + op, Engine: types.EngineLXC, Resource: resource, Cause: err}
		}
	}
	return normalize(types.EngineLXC, op, resource, err)
}

func classifyLXC(stderr string) types.ErrorKind {
	msg := strings.ToLower(stderr)
	switch {
	case msg == "":
		return ""
	case strings.Contains(msg, "unix.socket"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "failed to connect"), strings.Contains(msg, "unable to connect"),
		strings.Contains(msg, "is the daemon running"):
		return types.KindEngineUnreachable
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no such"),
		strings.Contains(msg, "doesn't exist"), strings.Contains(msg, "does not exist"):
		return types.KindNotFound
	case strings.Contains(msg, "already exists"), strings.Contains(msg, "currently running"):
		return types.KindConflict
	case strings.Contains(msg, "no space left"), strings.Contains(msg, "quota"):
		return types.KindQuotaRejectedByEngine
	case strings.Contains(msg, "invalid"), strings.Contains(msg, "unknown configuration key"),
		strings.Contains(msg, "bad "):
		return types.KindValidation
	}
	return ""
}

func stderrContains(err error, substrs ...string) bool {
	var ce *CommandError
	if !errors.As(err, &ce) {
		return false
	}
	msg := strings.ToLower(ce.Stderr)
	for _, s := range substrs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (l *LXC) Ping(ctx context.Context) error {
	args := append([]string{"list"}, l.target("")...)
	_, err := l.run(ctx, append(args, "--format=json")...)
	return l.wrap("ping", "", err)
}

// createArgs builds the `lxc init` invocation for spec
func (l *LXC) createArgs(spec *types.ContainerSpec) ([]string, error) {
	const op = "lxc create"
	switch {
	case len(spec.Command) > 0:
		return nil, &types.Error{Kind: types.KindUnsupported, Op: op, Engine: types.EngineLXC, Msg: "system containers run their own init, command is not supported"}
	case spec.WorkingDir != "":
		return nil, types.Unsupported(types.EngineLXC, op+" working_dir")
	case spec.User != "":
		return nil, types.Unsupported(types.EngineLXC, op+" user")
	}
	for _, p := range spec.Ports {
		if p.Proto() == "sctp" {
			return nil, portProtoErr(types.EngineLXC, p)
		}
	}

	config := make(map[string]string)
	for k, v := range managedLabels(spec) {
		config["user."+k] = v
	}
	for k, v := range spec.Env {
		config["environment."+k] = v
	}
	if cpu := spec.Resources.CPU; cpu > 0 {
		cores := math.Ceil(cpu)
		config["limits.cpu"] = strconv.Itoa(int(cores))
		if cores != cpu {
			config["limits.cpu.allowance"] = fmt.Sprintf("%d%%", int(math.Round(cpu/cores*100)))
		}
	}
	if spec.Resources.MemoryMB > 0 {
		config["limits.memory"] = fmt.Sprintf("%dMB", spec.Resources.MemoryMB)
	}
	if spec.Privileged {
		config["security.privileged"] = "true"
	}
	if spec.RestartPolicy == "always" || spec.RestartPolicy == "unless-stopped" {
		config["boot.autostart"] = "true"
	}

	args := []string{"init", spec.Image, l.ref(spec.Name)}
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-c", k+"="+config[k])
	}
	if spec.Resources.StorageGB > 0 {
		args = append(args, "-d", fmt.Sprintf("root,size=%dGiB", spec.Resources.StorageGB))
	}
	return args, nil
}

// deviceArgs builds the `lxc config device add` invocations for ports and mounts
func (l *LXC) deviceArgs(spec *types.ContainerSpec) [][]string {
	var out [][]string
	for _, p := range spec.Ports {
		dev := fmt.Sprintf("port%d%s", p.HostPort, p.Proto())
		out = append(out, []string{"config", "device", "add", l.ref(spec.Name), dev, "proxy",
			fmt.Sprintf("listen=%s:0.0.0.0:%d", p.Proto(), p.HostPort),
			fmt.Sprintf("connect=%s:127.0.0.1:%d", p.Proto(), p.ContainerPort)})
	}
	for i, v := range spec.Volumes {
		args := []string{"config", "device", "add", l.ref(spec.Name), fmt.Sprintf("vol%d", i), "disk",
			"source=" + v.Source, "path=" + v.Target}
		if v.ReadOnly {
			args = append(args, "readonly=true")
		}
		out = append(out, args)
	}
	return out
}

func (l *LXC) Create(ctx context.Context, spec *types.ContainerSpec) (*types.ContainerRecord, error) {
	if err := ValidateContainerSpec(spec); err != nil {
		return nil, err
	}
	args, err := l.createArgs(spec)
	if err != nil {
		return nil, err
	}
	if _, err := l.run(ctx, args...); err != nil {
		return nil, l.wrap("create", spec.Name, err)
	}
	for _, dev := range l.deviceArgs(spec) {
		if _, err := l.run(ctx, dev...); err != nil {
			// The instance was never started; remove it so the create has no effect
			if _, derr := l.run(context.WithoutCancel(ctx), "delete", l.ref(spec.Name), "--force"); derr != nil {
				l.logger.Error().Err(derr).Str("container_id", spec.Name).Msg("failed to clean up partially created instance")
			}
			return nil, l.wrap("create", spec.Name, err)
		}
	}
	return NewRecord(types.EngineLXC, spec.Name, spec, managedLabels(spec)), nil
}

func (l *LXC) Start(ctx context.Context, id string) error {
	_, err := l.run(ctx, "start", l.ref(id))
	if stderrContains(err, "already running") {
		return nil
	}
	return l.wrap("start", id, err)
}

func (l *LXC) Stop(ctx context.Context, id string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout+timeout)
	defer cancel()
	_, err := l.runner.Run(ctx, "stop", l.ref(id), "--timeout", strconv.Itoa(int(timeout.Seconds())))
	if stderrContains(err, "already stopped") {
		return nil
	}
	return l.wrap("stop", id, err)
}

func (l *LXC) Restart(ctx context.Context, id string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout+timeout)
	defer cancel()
	_, err := l.runner.Run(ctx, "restart", l.ref(id), "--timeout", strconv.Itoa(int(timeout.Seconds())))
	return l.wrap("restart", id, err)
}

func (l *LXC) Remove(ctx context.Context, id string, force bool) error {
	args := []string{"delete", l.ref(id)}
	if force {
		args = append(args, "--force")
	}
	_, err := l.run(ctx, args...)
	err = l.wrap("remove", id, err)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	return err
}

// lxcInstance is the subset of `lxc list --format=json` the driver reads
type lxcInstance struct {
	Name            string                       `json:"name"`
	Status          string                       `json:"status"`
	CreatedAt       time.Time                    `json:"created_at"`
	Config          map[string]string            `json:"config"`
	ExpandedDevices map[string]map[string]string `json:"expanded_devices"`
}

func (l *LXC) listInstances(ctx context.Context, filter string) ([]lxcInstance, error) {
	args := append([]string{"list"}, l.target(filter)...)
	out, err := l.run(ctx, append(args, "--format=json")...)
	if err != nil {
		return nil, l.wrap("list", "", err)
	}
	var instances []lxcInstance
	if err := json.Unmarshal(out, &instances); err != nil {
		return nil, &types.Error{Kind: types.KindEngineError, Op: "lxc list", Engine: types.EngineLXC, Msg: "unreadable output", Cause: err}
	}
	return instances, nil
}

func (i *lxcInstance) observed() *types.ObservedContainer {
	obs := &types.ObservedContainer{
		ID:        i.Name,
		Name:      i.Name,
		Engine:    types.EngineLXC,
		CreatedAt: i.CreatedAt,
		Image:     i.Config["image.description"],
	}
	if obs.Image == "" {
		obs.Image = i.Config["volatile.base_image"]
	}

	switch strings.ToLower(i.Status) {
	case "running", "freezing", "frozen":
		obs.State = types.StateRunning
	default:
		// An instance that never ran has no recorded power state
		if i.Config["volatile.last_state.power"] == "" {
			obs.State = types.StateCreated
		} else {
			obs.State = types.StateStopped
		}
	}

	for k, v := range i.Config {
		if label, ok := strings.CutPrefix(k, "user."); ok {
			if obs.Labels == nil {
				obs.Labels = make(map[string]string)
			}
			obs.Labels[label] = v
		}
	}

	for _, dev := range i.ExpandedDevices {
		switch dev["type"] {
		case "proxy":
			if p, ok := parseProxy(dev["listen"], dev["connect"]); ok {
				obs.Ports = append(obs.Ports, p)
			}
		case "nic":
			if dev["network"] != "" {
				obs.Networks = append(obs.Networks, dev["network"])
			}
		}
	}
	sort.Slice(obs.Ports, func(a, b int) bool { return obs.Ports[a].HostKey() < obs.Ports[b].HostKey() })
	sort.Strings(obs.Networks)
	return obs
}

// parseProxy reads a proxy device, e.g. listen=tcp:0.0.0.0:8080 connect=tcp:127.0.0.1:80
func parseProxy(listen, connect string) (types.PortMapping, bool) {
	lp := strings.Split(listen, ":")
	cp := strings.Split(connect, ":")
	if len(lp) < 3 || len(cp) < 3 {
		return types.PortMapping{}, false
	}
	host, err1 := strconv.Atoi(lp[len(lp)-1])
	ctr, err2 := strconv.Atoi(cp[len(cp)-1])
	if err1 != nil || err2 != nil {
		return types.PortMapping{}, false
	}
	return types.PortMapping{ContainerPort: ctr, Protocol: lp[0], HostPort: host}, true
}

func (l *LXC) Inspect(ctx context.Context, id string) (*types.ObservedContainer, error) {
	instances, err := l.listInstances(ctx, "^"+id+"$")
	if err != nil {
		return nil, err
	}
	for i := range instances {
		if instances[i].Name == id {
			return instances[i].observed(), nil
		}
	}
	return nil, types.NotFoundf("lxc inspect", id)
}

func (l *LXC) List(ctx context.Context) ([]*types.ObservedContainer, error) {
	instances, err := l.listInstances(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]*types.ObservedContainer, 0, len(instances))
	for i := range instances {
		out = append(out, instances[i].observed())
	}
	return out, nil
}

func (l *LXC) Exec(ctx context.Context, id string, cmd []string) (io.ReadCloser, error) {
	if len(cmd) == 0 {
		return nil, types.Validationf("lxc exec", "command is required")
	}
	args := append([]string{"exec", l.ref(id), "--"}, cmd...)
	rc, err := l.runner.Stream(ctx, args...)
	if err != nil {
		return nil, l.wrap("exec", id, err)
	}
	return rc, nil
}

// Logs is unsupported: system containers log to their own journal
func (l *LXC) Logs(ctx context.Context, id string, tail int) (io.ReadCloser, error) {
	return nil, types.Unsupported(types.EngineLXC, "lxc logs")
}

func (l *LXC) CreateNetwork(ctx context.Context, spec *types.NetworkSpec) (string, error) {
	if err := ValidateNetworkSpec(spec); err != nil {
		return "", err
	}
	args := []string{"network", "create", l.ref(spec.Name)}
	if drv := NetworkDriver(spec); drv != "bridge" {
		args = append(args, "--type="+drv)
	}
	if spec.Subnet != "" {
		prefix, err := ParseSubnet(spec.Subnet)
		if err != nil {
			return "", err
		}
		gw := Gateway(prefix)
		if spec.Gateway != "" {
			gw = netip.MustParseAddr(spec.Gateway)
		}
		args = append(args,
			fmt.Sprintf("ipv4.address=%s/%d", gw, prefix.Bits()),
			"ipv4.nat=true",
			"ipv6.address=none")
	}
	if _, err := l.run(ctx, args...); err != nil {
		return "", l.wrap("create network", spec.Name, err)
	}
	return spec.Name, nil
}

func (l *LXC) RemoveNetwork(ctx context.Context, id string) error {
	_, err := l.run(ctx, "network", "delete", l.ref(id))
	err = l.wrap("remove network", id, err)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	return err
}

// lxcNetwork is the subset of `lxc network list --format=json` the driver reads
type lxcNetwork struct {
	Name    string            `json:"name"`
	Type    string            `json:"type"`
	Managed bool              `json:"managed"`
	Config  map[string]string `json:"config"`
}

func (l *LXC) ListNetworks(ctx context.Context) ([]*types.ObservedNetwork, error) {
	args := append([]string{"network", "list"}, l.target("")...)
	out, err := l.run(ctx, append(args, "--format=json")...)
	if err != nil {
		return nil, l.wrap("list networks", "", err)
	}
	var networks []lxcNetwork
	if err := json.Unmarshal(out, &networks); err != nil {
		return nil, &types.Error{Kind: types.KindEngineError, Op: "lxc list networks", Engine: types.EngineLXC, Msg: "unreadable output", Cause: err}
	}
	result := make([]*types.ObservedNetwork, 0, len(networks))
	for _, n := range networks {
		if !n.Managed {
			continue
		}
		obs := &types.ObservedNetwork{ID: n.Name, Name: n.Name, Driver: n.Type}
		if addr := n.Config["ipv4.address"]; addr != "" {
			if p, err := netip.ParsePrefix(addr); err == nil {
				obs.Subnet = p.Masked().String()
			}
		}
		result = append(result, obs)
	}
	return result, nil
}

func (l *LXC) Attach(ctx context.Context, containerID, networkID string) error {
	_, err := l.run(ctx, "network", "attach", l.ref(networkID), containerID)
	if stderrContains(err, "already exists") {
		return nil
	}
	return l.wrap("attach", containerID, err)
}

func (l *LXC) Detach(ctx context.Context, containerID, networkID string) error {
	_, err := l.run(ctx, "network", "detach", l.ref(networkID), containerID)
	if stderrContains(err, "no device found") {
		return nil
	}
	return l.wrap("detach", containerID, err)
}
