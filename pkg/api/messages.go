package api

import (
	"github.com/cuemby/berth/pkg/reconciler"
	"github.com/cuemby/berth/pkg/types"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "berth.v1.Berth"

// Method names of the Berth service
const (
	MethodCreateContainer  = "CreateContainer"
	MethodStartContainer   = "StartContainer"
	MethodStopContainer    = "StopContainer"
	MethodRestartContainer = "RestartContainer"
	MethodRemoveContainer  = "RemoveContainer"
	MethodGetContainer     = "GetContainer"
	MethodListContainers   = "ListContainers"
	MethodContainerLogs    = "ContainerLogs"
	MethodExecContainer    = "ExecContainer"
	MethodBatchContainers  = "BatchContainers"
	MethodCreateNetwork    = "CreateNetwork"
	MethodRemoveNetwork    = "RemoveNetwork"
	MethodListNetworks     = "ListNetworks"
	MethodAttachNetwork    = "AttachNetwork"
	MethodDetachNetwork    = "DetachNetwork"
	MethodGetQuota         = "GetQuota"
	MethodSetQuota         = "SetQuota"
	MethodListQuotas       = "ListQuotas"
	MethodReconcile        = "Reconcile"
	MethodListEngines      = "ListEngines"
)

// FullMethod returns the gRPC path of a method
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// Empty is the request or response of calls that carry nothing
type Empty struct{}

type CreateContainerRequest struct {
	Spec types.ContainerSpec `json:"spec"`
}

type CreateContainerResponse struct {
	Container *types.ContainerRecord `json:"container"`
	Warnings  []types.Warning        `json:"warnings,omitempty"`
}

type ContainerRequest struct {
	ID string `json:"id"`
}

type StopContainerRequest struct {
	ID             string `json:"id"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

type RemoveContainerRequest struct {
	ID    string `json:"id"`
	Force bool   `json:"force,omitempty"`
}

type ContainerResponse struct {
	Container *types.ContainerRecord `json:"container"`
}

type ListContainersRequest struct {
	Owner  string       `json:"owner,omitempty"`
	Engine types.Engine `json:"engine,omitempty"`
}

type ListContainersResponse struct {
	Containers []*types.ContainerRecord `json:"containers"`
}

type LogsRequest struct {
	ID   string `json:"id"`
	Tail int    `json:"tail,omitempty"`
}

type ExecRequest struct {
	ID      string   `json:"id"`
	Command []string `json:"command"`
}

// OutputResponse carries captured logs or exec output
type OutputResponse struct {
	Output    string `json:"output"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Batch actions
const (
	BatchStart  = "start"
	BatchStop   = "stop"
	BatchRemove = "remove"
)

type BatchRequest struct {
	Action         string   `json:"action"`
	IDs            []string `json:"ids"`
	Force          bool     `json:"force,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

type BatchItem struct {
	ID    string `json:"id"`
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`
}

type BatchResponse struct {
	Results []BatchItem `json:"results"`
}

type CreateNetworkRequest struct {
	Spec types.NetworkSpec `json:"spec"`
}

type NetworkRequest struct {
	ID string `json:"id"`
}

type NetworkResponse struct {
	Network *types.NetworkRecord `json:"network"`
}

type ListNetworksRequest struct {
	Engine types.Engine `json:"engine,omitempty"`
}

type ListNetworksResponse struct {
	Networks []*types.NetworkRecord `json:"networks"`
}

type AttachRequest struct {
	ContainerID string `json:"container_id"`
	NetworkID   string `json:"network_id"`
}

type QuotaRequest struct {
	Owner string `json:"owner,omitempty"`
}

type SetQuotaRequest struct {
	Owner  string            `json:"owner"`
	Limits types.QuotaVector `json:"limits"`
}

type QuotaResponse struct {
	Profile *types.QuotaProfile `json:"profile"`
}

type ListQuotasResponse struct {
	Profiles []*types.QuotaProfile `json:"profiles"`
}

// EngineResult is one engine's reconciliation outcome
type EngineResult struct {
	reconciler.Result
	Error string `json:"error,omitempty"`
}

type ReconcileResponse struct {
	Results []EngineResult `json:"results"`
}

type EngineStatus struct {
	Engine  types.Engine `json:"engine"`
	Default bool         `json:"default,omitempty"`
	Healthy bool         `json:"healthy"`
	Error   string       `json:"error,omitempty"`
}

type ListEnginesResponse struct {
	Engines []EngineStatus `json:"engines"`
}
