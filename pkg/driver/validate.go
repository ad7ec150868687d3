package driver

import (
	"fmt"
	"net/netip"
	"path"
	"regexp"
	"slices"

	"github.com/cuemby/berth/pkg/types"
)

var nameRE = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,62}$`)

var protocols = []string{"tcp", "udp", "sctp"}

var restartPolicies = []string{"", "no", "always", "on-failure", "unless-stopped"}

// Network drivers accepted per engine; "bridge" is the default everywhere
var networkDrivers = map[types.Engine][]string{
	types.EngineDocker: {"bridge", "macvlan", "ipvlan", "overlay"},
	types.EnginePodman: {"bridge", "macvlan", "ipvlan"},
	types.EngineLXC:    {"bridge", "macvlan"},
}

// ValidateContainerSpec checks a create request before any engine call
func ValidateContainerSpec(spec *types.ContainerSpec) error {
	const op = "validate container"
	if spec == nil {
		return types.Validationf(op, "spec is required")
	}
	if spec.Name == "" {
		return types.Validationf(op, "name is required")
	}
	if !nameRE.MatchString(spec.Name) {
		return types.Validationf(op, "invalid name %q", spec.Name)
	}
	if spec.Image == "" {
		return types.Validationf(op, "image is required")
	}
	if !spec.Engine.Valid() {
		return types.Validationf(op, "unknown engine %q", spec.Engine)
	}
	if err := ValidatePorts(spec.Ports); err != nil {
		return err
	}
	for _, v := range spec.Volumes {
		if v.Source == "" || v.Target == "" {
			return types.Validationf(op, "volume needs both source and target")
		}
		if !path.IsAbs(v.Target) {
			return types.Validationf(op, "volume target %q must be absolute", v.Target)
		}
	}
	r := spec.Resources
	if r.CPU < 0 || r.MemoryMB < 0 || r.StorageGB < 0 {
		return types.Validationf(op, "resource limits must not be negative")
	}
	if r.MemoryMB > 0 && r.MemoryMB < 6 {
		return types.Validationf(op, "memory limit %dMB is below the 6MB engine minimum", r.MemoryMB)
	}
	if !slices.Contains(restartPolicies, spec.RestartPolicy) {
		return types.Validationf(op, "unknown restart policy %q", spec.RestartPolicy)
	}
	for k := range spec.Env {
		if k == "" {
			return types.Validationf(op, "environment variable name is empty")
		}
	}
	return nil
}

// ValidatePorts checks port ranges, protocols and duplicate host ports within one spec
func ValidatePorts(ports []types.PortMapping) error {
	const op = "validate ports"
	hostSeen := make(map[string]bool, len(ports))
	containerSeen := make(map[string]bool, len(ports))
	for _, p := range ports {
		if p.ContainerPort < 1 || p.ContainerPort > 65535 {
			return types.Validationf(op, "container port %d out of range 1-65535", p.ContainerPort)
		}
		if p.HostPort < 1 || p.HostPort > 65535 {
			return types.Validationf(op, "host port %d out of range 1-65535", p.HostPort)
		}
		if !slices.Contains(protocols, p.Proto()) {
			return types.Validationf(op, "unknown protocol %q", p.Protocol)
		}
		if hostSeen[p.HostKey()] {
			return types.Validationf(op, "host port %s mapped twice", p.HostKey())
		}
		if containerSeen[p.Key()] {
			return types.Validationf(op, "container port %s mapped twice", p.Key())
		}
		hostSeen[p.HostKey()] = true
		containerSeen[p.Key()] = true
	}
	return nil
}

// ValidateNetworkSpec checks a network create request before any engine call
func ValidateNetworkSpec(spec *types.NetworkSpec) error {
	const op = "validate network"
	if spec == nil {
		return types.Validationf(op, "spec is required")
	}
	if !nameRE.MatchString(spec.Name) {
		return types.Validationf(op, "invalid network name %q", spec.Name)
	}
	if !spec.Engine.Valid() {
		return types.Validationf(op, "unknown engine %q", spec.Engine)
	}
	if spec.Driver != "" && !slices.Contains(networkDrivers[spec.Engine], spec.Driver) {
		return types.Validationf(op, "network driver %q is not supported on %s", spec.Driver, spec.Engine)
	}
	if spec.Subnet == "" {
		if spec.Gateway != "" {
			return types.Validationf(op, "gateway requires an explicit subnet")
		}
		return nil
	}
	prefix, err := ParseSubnet(spec.Subnet)
	if err != nil {
		return err
	}
	if spec.Gateway != "" {
		gw, err := netip.ParseAddr(spec.Gateway)
		if err != nil {
			return types.Validationf(op, "invalid gateway %q", spec.Gateway)
		}
		if !prefix.Contains(gw) {
			return types.Validationf(op, "gateway %s is outside %s", gw, prefix)
		}
	}
	return nil
}

// ParseSubnet parses an IPv4 CIDR and requires it to be in canonical form
func ParseSubnet(s string) (netip.Prefix, error) {
	const op = "parse subnet"
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, types.Validationf(op, "invalid CIDR %q", s)
	}
	if !prefix.Addr().Is4() {
		return netip.Prefix{}, types.Validationf(op, "subnet %s is not IPv4", s)
	}
	if prefix.Masked() != prefix {
		return netip.Prefix{}, types.Validationf(op, "subnet %s has host bits set, use %s", s, prefix.Masked())
	}
	if prefix.Bits() > 30 {
		return netip.Prefix{}, types.Validationf(op, "subnet %s is too small", s)
	}
	return prefix, nil
}

// Gateway returns the first host address of prefix
func Gateway(prefix netip.Prefix) netip.Addr {
	return prefix.Masked().Addr().Next()
}

// NetworkDriver returns the driver name to pass to the engine
func NetworkDriver(spec *types.NetworkSpec) string {
	if spec.Driver == "" {
		return "bridge"
	}
	return spec.Driver
}

func portProtoErr(engine types.Engine, p types.PortMapping) error {
	return types.Validationf(fmt.Sprintf("%s create", engine), "protocol %s unsupported for port %d", p.Proto(), p.ContainerPort)
}
