package types

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// Engine identifies a container runtime backend
type Engine string

const (
	EngineDocker Engine = "docker"
	EnginePodman Engine = "podman"
	EngineLXC    Engine = "lxc"
)

// Engines lists every engine kind the control plane knows how to drive
var Engines = []Engine{EngineDocker, EnginePodman, EngineLXC}

// Valid reports whether e is a known engine
func (e Engine) Valid() bool {
	return slices.Contains(Engines, e)
}

// ParseEngine converts a user supplied engine name
func ParseEngine(s string) (Engine, error) {
	e := Engine(strings.ToLower(strings.TrimSpace(s)))
	if !e.Valid() {
		return "", Validationf("parse engine", "unknown engine %q", s)
	}
	return e, nil
}

// ContainerState is the engine-level state of a container
type ContainerState string

const (
	StateCreated ContainerState = "created"
	StateRunning ContainerState = "running"
	StateStopped ContainerState = "stopped"
	StateRemoved ContainerState = "removed"
)

// Phase is the lifecycle state machine position of a container record
type Phase string

const (
	PhaseRequested    Phase = "requested"
	PhaseReserved     Phase = "reserved"
	PhaseProvisioning Phase = "provisioning"
	PhaseActive       Phase = "active"
	PhaseRemoving     Phase = "removing"
	PhaseRemoved      Phase = "removed"
	PhaseFailed       Phase = "failed"
)

// phaseTransitions is the allowed edge set of the lifecycle state machine
var phaseTransitions = map[Phase][]Phase{
	PhaseRequested:    {PhaseReserved, PhaseFailed},
	PhaseReserved:     {PhaseProvisioning, PhaseFailed},
	PhaseProvisioning: {PhaseActive, PhaseFailed},
	PhaseActive:       {PhaseActive, PhaseRemoving, PhaseFailed},
	PhaseRemoving:     {PhaseRemoving, PhaseRemoved},
	PhaseFailed:       {PhaseRemoving},
}

// CanTransition reports whether the state machine allows from -> to
func CanTransition(from, to Phase) bool {
	return slices.Contains(phaseTransitions[from], to)
}

// Caller is the identity handed to the core by the session layer
type Caller struct {
	Owner string
	Admin bool
}

// CanAccess reports whether the caller may operate on resources of owner
func (c Caller) CanAccess(owner string) bool {
	return c.Admin || (c.Owner != "" && c.Owner == owner)
}

// PortMapping publishes a container port on the engine host
type PortMapping struct {
	ContainerPort int    `json:"container_port" yaml:"container_port"`
	Protocol      string `json:"protocol,omitempty" yaml:"protocol,omitempty"` // "tcp", "udp" or "sctp"
	HostPort      int    `json:"host_port" yaml:"host_port"`
}

// Proto returns the lower-cased protocol, defaulting to tcp
func (p PortMapping) Proto() string {
	proto := strings.ToLower(strings.TrimSpace(p.Protocol))
	if proto == "" {
		return "tcp"
	}
	return proto
}

// Key returns the container side key, e.g. "80/tcp"
func (p PortMapping) Key() string {
	return fmt.Sprintf("%d/%s", p.ContainerPort, p.Proto())
}

// HostKey returns the host side key, e.g. "8080/tcp"
func (p PortMapping) HostKey() string {
	return fmt.Sprintf("%d/%s", p.HostPort, p.Proto())
}

// VolumeMount defines a mount point inside a container
type VolumeMount struct {
	Source   string `json:"source" yaml:"source"` // Host path or named volume
	Target   string `json:"target" yaml:"target"` // Container path
	ReadOnly bool   `json:"read_only,omitempty" yaml:"read_only,omitempty"`
}

// ResourceLimits are the per-container limits passed to the engine
type ResourceLimits struct {
	CPU       float64 `json:"cpu,omitempty" yaml:"cpu,omitempty"`             // Cores (e.g., 0.5)
	MemoryMB  int64   `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"` // Megabytes
	StorageGB int64   `json:"storage_gb,omitempty" yaml:"storage_gb,omitempty"`
}

// ContainerSpec is a create request after the session layer resolved the owner
type ContainerSpec struct {
	Name          string            `json:"name" yaml:"name"`
	Image         string            `json:"image" yaml:"image"`
	Engine        Engine            `json:"engine" yaml:"engine"`
	Owner         string            `json:"owner,omitempty" yaml:"-"`
	Ports         []PortMapping     `json:"ports,omitempty" yaml:"ports,omitempty"`
	Env           map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Volumes       []VolumeMount     `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	Resources     ResourceLimits    `json:"resources" yaml:"resources,omitempty"`
	Command       []string          `json:"command,omitempty" yaml:"command,omitempty"`
	WorkingDir    string            `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	User          string            `json:"user,omitempty" yaml:"user,omitempty"`
	Privileged    bool              `json:"privileged,omitempty" yaml:"privileged,omitempty"`
	RestartPolicy string            `json:"restart_policy,omitempty" yaml:"restart_policy,omitempty"`
	Labels        map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Networks      []string          `json:"networks,omitempty" yaml:"networks,omitempty"` // Network record IDs attached after create
	Start         bool              `json:"start,omitempty" yaml:"start,omitempty"`
}

// Demand returns the quota delta a container built from this spec consumes
func (s *ContainerSpec) Demand() QuotaVector {
	return QuotaVector{
		Containers: 1,
		Ports:      len(s.Ports),
		StorageGB:  s.Resources.StorageGB,
		CPU:        s.Resources.CPU,
		MemoryMB:   s.Resources.MemoryMB,
	}
}

// ContainerRecord is the tracked state of one container
type ContainerRecord struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Owner            string            `json:"owner"`
	Engine           Engine            `json:"engine"`
	DesiredState     ContainerState    `json:"desired_state"`
	ObservedState    ContainerState    `json:"observed_state"`
	Phase            Phase             `json:"phase"`
	Image            string            `json:"image"`
	Ports            []PortMapping     `json:"ports,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	Volumes          []VolumeMount     `json:"volumes,omitempty"`
	Resources        ResourceLimits    `json:"resources"`
	Labels           map[string]string `json:"labels,omitempty"`
	Networks         []string          `json:"networks,omitempty"`
	Adopted          bool              `json:"adopted,omitempty"` // Discovered on the engine, never counted against a quota
	Error            string            `json:"error,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	LastReconciledAt time.Time         `json:"last_reconciled_at"`
}

// Usage returns the quota vector this record holds while it counts
func (c *ContainerRecord) Usage() QuotaVector {
	return QuotaVector{
		Containers: 1,
		Ports:      len(c.Ports),
		StorageGB:  c.Resources.StorageGB,
		CPU:        c.Resources.CPU,
		MemoryMB:   c.Resources.MemoryMB,
	}
}

// CountsTowardQuota reports whether the record's usage is part of the owner's committed usage.
// Removing and failed records already had their usage returned.
func (c *ContainerRecord) CountsTowardQuota() bool {
	return !c.Adopted && c.Phase == PhaseActive
}

// HasNetwork reports whether the record lists networkID as attached
func (c *ContainerRecord) HasNetwork(networkID string) bool {
	return slices.Contains(c.Networks, networkID)
}

// ObservedContainer is what an engine reports about one container
type ObservedContainer struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Engine    Engine            `json:"engine"`
	State     ContainerState    `json:"state"`
	Image     string            `json:"image"`
	Labels    map[string]string `json:"labels,omitempty"`
	Ports     []PortMapping     `json:"ports,omitempty"`
	Networks  []string          `json:"networks,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// NetworkSpec describes a network create request
type NetworkSpec struct {
	Engine  Engine            `json:"engine" yaml:"engine"`
	Name    string            `json:"name" yaml:"name"`
	Driver  string            `json:"driver,omitempty" yaml:"driver,omitempty"`
	Subnet  string            `json:"subnet,omitempty" yaml:"subnet,omitempty"`
	Gateway string            `json:"gateway,omitempty" yaml:"gateway,omitempty"`
	Owner   string            `json:"owner,omitempty" yaml:"-"`
	Labels  map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// NetworkRecord is the tracked state of one engine network
type NetworkRecord struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Engine    Engine    `json:"engine"`
	Name      string    `json:"name"`
	Driver    string    `json:"driver"`
	Subnet    string    `json:"subnet"`
	Gateway   string    `json:"gateway,omitempty"`
	Attached  []string  `json:"attached,omitempty"` // Sorted set of container IDs
	CreatedAt time.Time `json:"created_at"`
}

// HasContainer reports whether containerID is attached
func (n *NetworkRecord) HasContainer(containerID string) bool {
	_, found := slices.BinarySearch(n.Attached, containerID)
	return found
}

// AddContainer inserts containerID into the attached set
func (n *NetworkRecord) AddContainer(containerID string) bool {
	i, found := slices.BinarySearch(n.Attached, containerID)
	if found {
		return false
	}
	n.Attached = slices.Insert(n.Attached, i, containerID)
	return true
}

// RemoveContainer drops containerID from the attached set
func (n *NetworkRecord) RemoveContainer(containerID string) bool {
	i, found := slices.BinarySearch(n.Attached, containerID)
	if !found {
		return false
	}
	n.Attached = slices.Delete(n.Attached, i, i+1)
	return true
}

// ObservedNetwork is what an engine reports about one network
type ObservedNetwork struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Driver string `json:"driver"`
	Subnet string `json:"subnet,omitempty"`
}

// Dimension names one quota axis
type Dimension string

const (
	DimContainers Dimension = "containers"
	DimPorts      Dimension = "ports"
	DimStorage    Dimension = "storage"
	DimCPU        Dimension = "cpu"
	DimMemory     Dimension = "memory"
)

// DimensionOrder is the order in which quota violations are reported
var DimensionOrder = []Dimension{DimContainers, DimPorts, DimStorage, DimCPU, DimMemory}

// cpuEpsilon absorbs float drift from repeated fractional CPU additions
const cpuEpsilon = 1e-9

// QuotaVector holds one value per quota dimension
type QuotaVector struct {
	Containers int     `json:"containers"`
	Ports      int     `json:"ports"`
	StorageGB  int64   `json:"storage_gb"`
	CPU        float64 `json:"cpu"`
	MemoryMB   int64   `json:"memory_mb"`
}

// Add returns q + o
func (q QuotaVector) Add(o QuotaVector) QuotaVector {
	return QuotaVector{
		Containers: q.Containers + o.Containers,
		Ports:      q.Ports + o.Ports,
		StorageGB:  q.StorageGB + o.StorageGB,
		CPU:        q.CPU + o.CPU,
		MemoryMB:   q.MemoryMB + o.MemoryMB,
	}
}

// Sub returns q - o
func (q QuotaVector) Sub(o QuotaVector) QuotaVector {
	return q.Add(o.Neg())
}

// Neg returns -q
func (q QuotaVector) Neg() QuotaVector {
	return QuotaVector{
		Containers: -q.Containers,
		Ports:      -q.Ports,
		StorageGB:  -q.StorageGB,
		CPU:        -q.CPU,
		MemoryMB:   -q.MemoryMB,
	}
}

// IsZero reports whether every dimension is zero
func (q QuotaVector) IsZero() bool {
	return q.Containers == 0 && q.Ports == 0 && q.StorageGB == 0 &&
		math.Abs(q.CPU) < cpuEpsilon && q.MemoryMB == 0
}

// ClampZero raises negative dimensions to zero and reports which were clamped
func (q QuotaVector) ClampZero() (QuotaVector, []Dimension) {
	var clamped []Dimension
	if q.Containers < 0 {
		q.Containers = 0
		clamped = append(clamped, DimContainers)
	}
	if q.Ports < 0 {
		q.Ports = 0
		clamped = append(clamped, DimPorts)
	}
	if q.StorageGB < 0 {
		q.StorageGB = 0
		clamped = append(clamped, DimStorage)
	}
	if q.CPU < cpuEpsilon {
		if q.CPU < -cpuEpsilon {
			clamped = append(clamped, DimCPU)
		}
		q.CPU = 0
	}
	if q.MemoryMB < 0 {
		q.MemoryMB = 0
		clamped = append(clamped, DimMemory)
	}
	return q, clamped
}

// FirstExceeded returns the first dimension, in DimensionOrder, where q is above limits
func (q QuotaVector) FirstExceeded(limits QuotaVector) (Dimension, bool) {
	switch {
	case q.Containers > limits.Containers:
		return DimContainers, true
	case q.Ports > limits.Ports:
		return DimPorts, true
	case q.StorageGB > limits.StorageGB:
		return DimStorage, true
	case q.CPU > limits.CPU+cpuEpsilon:
		return DimCPU, true
	case q.MemoryMB > limits.MemoryMB:
		return DimMemory, true
	}
	return "", false
}

// Value returns the dimension's value as a float for metrics
func (q QuotaVector) Value(d Dimension) float64 {
	switch d {
	case DimContainers:
		return float64(q.Containers)
	case DimPorts:
		return float64(q.Ports)
	case DimStorage:
		return float64(q.StorageGB)
	case DimCPU:
		return q.CPU
	case DimMemory:
		return float64(q.MemoryMB)
	}
	return 0
}

// QuotaProfile holds a user's limits and committed usage
type QuotaProfile struct {
	Owner     string      `json:"owner"`
	Limits    QuotaVector `json:"limits"`
	Usage     QuotaVector `json:"usage"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Available returns limits minus usage
func (p *QuotaProfile) Available() QuotaVector {
	return p.Limits.Sub(p.Usage)
}
