package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/berth/pkg/types"
)

// parsePort parses HOST:CONTAINER[/PROTO] or CONTAINER[/PROTO]
func parsePort(s string) (types.PortMapping, error) {
	var p types.PortMapping
	spec, proto, hasProto := strings.Cut(s, "/")
	if hasProto {
		p.Protocol = strings.ToLower(proto)
	}

	host, ctr, hasHost := strings.Cut(spec, ":")
	if !hasHost {
		ctr, host = host, ""
	}
	var err error
	if p.ContainerPort, err = strconv.Atoi(ctr); err != nil {
		return p, fmt.Errorf("invalid port %q: container port must be a number", s)
	}
	if host != "" {
		if p.HostPort, err = strconv.Atoi(host); err != nil {
			return p, fmt.Errorf("invalid port %q: host port must be a number", s)
		}
	}
	return p, nil
}

// parseVolume parses SOURCE:TARGET[:ro]
func parseVolume(s string) (types.VolumeMount, error) {
	parts := strings.Split(s, ":")
	switch {
	case len(parts) == 2:
		return types.VolumeMount{Source: parts[0], Target: parts[1]}, nil
	case len(parts) == 3 && (parts[2] == "ro" || parts[2] == "rw"):
		return types.VolumeMount{Source: parts[0], Target: parts[1], ReadOnly: parts[2] == "ro"}, nil
	}
	return types.VolumeMount{}, fmt.Errorf("invalid volume %q: expected SOURCE:TARGET[:ro]", s)
}

// parseKeyValues parses repeated KEY=VALUE flags
func parseKeyValues(flag string, values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for _, kv := range values {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --%s %q: expected KEY=VALUE", flag, kv)
		}
		out[k] = v
	}
	return out, nil
}
