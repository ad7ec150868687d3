package config

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cuemby/berth/pkg/types"
	"gopkg.in/yaml.v3"
)

// Resource is one document of a manifest file
type Resource struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ResourceMetadata `yaml:"metadata"`
	Spec       yaml.Node        `yaml:"spec"`
}

type ResourceMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

const (
	KindContainer = "Container"
	KindNetwork   = "Network"
)

// containerManifest mirrors types.ContainerSpec with human friendly resource values
type containerManifest struct {
	Image         string              `yaml:"image"`
	Engine        string              `yaml:"engine"`
	Ports         []types.PortMapping `yaml:"ports"`
	Env           map[string]string   `yaml:"env"`
	Volumes       []types.VolumeMount `yaml:"volumes"`
	Command       []string            `yaml:"command"`
	WorkingDir    string              `yaml:"working_dir"`
	User          string              `yaml:"user"`
	Privileged    bool                `yaml:"privileged"`
	RestartPolicy string              `yaml:"restart_policy"`
	Networks      []string            `yaml:"networks"`
	Start         *bool               `yaml:"start"`
	Resources     struct {
		CPU       float64 `yaml:"cpu"`
		Memory    string  `yaml:"memory"`
		StorageGB int64   `yaml:"storage_gb"`
	} `yaml:"resources"`
}

// ParseManifests decodes every YAML document in r
func ParseManifests(r io.Reader) ([]Resource, error) {
	dec := yaml.NewDecoder(r)
	var out []Resource
	for {
		var res Resource
		err := dec.Decode(&res)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		if res.Kind == "" && res.Metadata.Name == "" {
			continue
		}
		if res.Metadata.Name == "" {
			return nil, fmt.Errorf("%s resource is missing metadata.name", res.Kind)
		}
		out = append(out, res)
	}
	return out, nil
}

// ContainerSpec converts a Container resource into a create request.
// Containers start unless spec.start is false.
func (r *Resource) ContainerSpec(defaultEngine types.Engine) (*types.ContainerSpec, error) {
	if r.Kind != KindContainer {
		return nil, fmt.Errorf("resource %s is a %s, not a %s", r.Metadata.Name, r.Kind, KindContainer)
	}
	var m containerManifest
	if err := r.Spec.Decode(&m); err != nil {
		return nil, fmt.Errorf("container %s: %w", r.Metadata.Name, err)
	}

	engine := defaultEngine
	if m.Engine != "" {
		e, err := types.ParseEngine(m.Engine)
		if err != nil {
			return nil, err
		}
		engine = e
	}
	memory, err := ParseMemoryMB(m.Resources.Memory)
	if err != nil {
		return nil, fmt.Errorf("container %s: %w", r.Metadata.Name, err)
	}

	spec := &types.ContainerSpec{
		Name:          r.Metadata.Name,
		Image:         m.Image,
		Engine:        engine,
		Ports:         m.Ports,
		Env:           m.Env,
		Volumes:       m.Volumes,
		Command:       m.Command,
		WorkingDir:    m.WorkingDir,
		User:          m.User,
		Privileged:    m.Privileged,
		RestartPolicy: m.RestartPolicy,
		Labels:        r.Metadata.Labels,
		Networks:      m.Networks,
		Start:         m.Start == nil || *m.Start,
		Resources: types.ResourceLimits{
			CPU:       m.Resources.CPU,
			MemoryMB:  memory,
			StorageGB: m.Resources.StorageGB,
		},
	}
	return spec, nil
}

// NetworkSpec converts a Network resource into a create request
func (r *Resource) NetworkSpec(defaultEngine types.Engine) (*types.NetworkSpec, error) {
	if r.Kind != KindNetwork {
		return nil, fmt.Errorf("resource %s is a %s, not a %s", r.Metadata.Name, r.Kind, KindNetwork)
	}
	var spec types.NetworkSpec
	if err := r.Spec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("network %s: %w", r.Metadata.Name, err)
	}
	spec.Name = r.Metadata.Name
	spec.Labels = r.Metadata.Labels
	if spec.Engine == "" {
		spec.Engine = defaultEngine
	} else {
		e, err := types.ParseEngine(string(spec.Engine))
		if err != nil {
			return nil, err
		}
		spec.Engine = e
	}
	return &spec, nil
}

// ParseMemoryMB parses "512", "512M", "512MB", "2G", "2GB" or "1.5GB" into megabytes.
// An empty string is zero.
func ParseMemoryMB(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	multiplier := 1.0
	switch {
	case strings.HasSuffix(s, "GB"), strings.HasSuffix(s, "GIB"):
		multiplier = 1024
		s = strings.TrimRight(s, "GIB")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "MB"), strings.HasSuffix(s, "MIB"):
		s = strings.TrimRight(s, "MIB")
	case strings.HasSuffix(s, "M"):
		s = strings.TrimSuffix(s, "M")
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid memory value %q", s)
	}
	return int64(v * multiplier), nil
}
