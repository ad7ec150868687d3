package driver

import (
	"fmt"
	"strings"

	"github.com/cuemby/berth/pkg/types"
)

// NewPodman connects to Podman's Docker-compatible REST socket
// (e.g. unix:///run/podman/podman.sock)
func NewPodman(host string, opts ...Option) (*Docker, error) {
	if host == "" {
		return nil, fmt.Errorf("create podman client: host is required")
	}
	cli, err := newAPIClient(host)
	if err != nil {
		return nil, fmt.Errorf("create podman client: %w", err)
	}
	d := NewDockerFromClient(types.EnginePodman, cli, opts...)
	d.hidden = isPodInfra
	return d, nil
}

// isPodInfra hides the pause container Podman runs for every pod. It is
// owned by the pod and removed with it.
func isPodInfra(c *types.ObservedContainer) bool {
	return strings.Contains(c.Image, "podman-pause")
}
