package client

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/berth/pkg/api"
	"github.com/cuemby/berth/pkg/reconciler"
	"github.com/cuemby/berth/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultTimeout bounds a call whose context carries no deadline
const DefaultTimeout = 30 * time.Second

// Client wraps the Berth gRPC API for CLI usage
type Client struct {
	conn    *grpc.ClientConn
	caller  types.Caller
	timeout time.Duration
}

// NewClient connects to the API at addr acting as caller. Transport security
// is left to the deployment, so the default dial is insecure; pass
// grpc.WithTransportCredentials to override it.
func NewClient(addr string, caller types.Caller, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn, caller: caller, timeout: DefaultTimeout}, nil
}

// Close closes the client connection
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	ctx = metadata.AppendToOutgoingContext(ctx,
		api.MetadataOwner, c.caller.Owner,
		api.MetadataAdmin, strconv.FormatBool(c.caller.Admin),
	)

	if req == nil {
		req = api.Empty{}
	}
	in, err := api.ToStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, out); err != nil {
		return api.ErrorFromStatus(err)
	}
	if resp == nil {
		return nil
	}
	return api.FromStruct(out, resp)
}

// Ping checks the server's gRPC health service
func (c *Client) Ping(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: api.ServiceName})
	if err != nil {
		return api.ErrorFromStatus(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("api is %s", resp.GetStatus())
	}
	return nil
}

// CreateContainer creates a container. Warnings report steps that failed
// after the container was created.
func (c *Client) CreateContainer(ctx context.Context, spec types.ContainerSpec) (*types.ContainerRecord, []types.Warning, error) {
	var resp api.CreateContainerResponse
	if err := c.invoke(ctx, api.MethodCreateContainer, api.CreateContainerRequest{Spec: spec}, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Container, resp.Warnings, nil
}

// StartContainer starts a container
func (c *Client) StartContainer(ctx context.Context, id string) error {
	return c.invoke(ctx, api.MethodStartContainer, api.ContainerRequest{ID: id}, nil)
}

// StopContainer stops a container. A zero timeout uses the server default.
func (c *Client) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	return c.invoke(ctx, api.MethodStopContainer, api.StopContainerRequest{ID: id, TimeoutSeconds: int(timeout.Seconds())}, nil)
}

// RestartContainer restarts a container
func (c *Client) RestartContainer(ctx context.Context, id string, timeout time.Duration) error {
	return c.invoke(ctx, api.MethodRestartContainer, api.StopContainerRequest{ID: id, TimeoutSeconds: int(timeout.Seconds())}, nil)
}

// RemoveContainer removes a container
func (c *Client) RemoveContainer(ctx context.Context, id string, force bool) error {
	return c.invoke(ctx, api.MethodRemoveContainer, api.RemoveContainerRequest{ID: id, Force: force}, nil)
}

// GetContainer returns one container record
func (c *Client) GetContainer(ctx context.Context, id string) (*types.ContainerRecord, error) {
	var resp api.ContainerResponse
	if err := c.invoke(ctx, api.MethodGetContainer, api.ContainerRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return resp.Container, nil
}

// ListContainers lists the containers visible to the caller
func (c *Client) ListContainers(ctx context.Context, owner string, engine types.Engine) ([]*types.ContainerRecord, error) {
	var resp api.ListContainersResponse
	if err := c.invoke(ctx, api.MethodListContainers, api.ListContainersRequest{Owner: owner, Engine: engine}, &resp); err != nil {
		return nil, err
	}
	return resp.Containers, nil
}

// Logs returns the container's recent output
func (c *Client) Logs(ctx context.Context, id string, tail int) (string, error) {
	var resp api.OutputResponse
	if err := c.invoke(ctx, api.MethodContainerLogs, api.LogsRequest{ID: id, Tail: tail}, &resp); err != nil {
		return "", err
	}
	return resp.Output, nil
}

// Exec runs a command in the container and returns its combined output
func (c *Client) Exec(ctx context.Context, id string, cmd []string) (string, error) {
	var resp api.OutputResponse
	if err := c.invoke(ctx, api.MethodExecContainer, api.ExecRequest{ID: id, Command: cmd}, &resp); err != nil {
		return "", err
	}
	return resp.Output, nil
}

// Batch applies action to each id and reports per-id outcomes
func (c *Client) Batch(ctx context.Context, req api.BatchRequest) ([]api.BatchItem, error) {
	var resp api.BatchResponse
	if err := c.invoke(ctx, api.MethodBatchContainers, req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// CreateNetwork creates a network
func (c *Client) CreateNetwork(ctx context.Context, spec types.NetworkSpec) (*types.NetworkRecord, error) {
	var resp api.NetworkResponse
	if err := c.invoke(ctx, api.MethodCreateNetwork, api.CreateNetworkRequest{Spec: spec}, &resp); err != nil {
		return nil, err
	}
	return resp.Network, nil
}

// RemoveNetwork removes a network
func (c *Client) RemoveNetwork(ctx context.Context, id string) error {
	return c.invoke(ctx, api.MethodRemoveNetwork, api.NetworkRequest{ID: id}, nil)
}

// ListNetworks lists the networks visible to the caller
func (c *Client) ListNetworks(ctx context.Context, engine types.Engine) ([]*types.NetworkRecord, error) {
	var resp api.ListNetworksResponse
	if err := c.invoke(ctx, api.MethodListNetworks, api.ListNetworksRequest{Engine: engine}, &resp); err != nil {
		return nil, err
	}
	return resp.Networks, nil
}

// AttachNetwork connects a container to a network
func (c *Client) AttachNetwork(ctx context.Context, containerID, networkID string) error {
	return c.invoke(ctx, api.MethodAttachNetwork, api.AttachRequest{ContainerID: containerID, NetworkID: networkID}, nil)
}

// DetachNetwork disconnects a container from a network
func (c *Client) DetachNetwork(ctx context.Context, containerID, networkID string) error {
	return c.invoke(ctx, api.MethodDetachNetwork, api.AttachRequest{ContainerID: containerID, NetworkID: networkID}, nil)
}

// GetQuota returns the quota profile of owner, or the caller's when owner is empty
func (c *Client) GetQuota(ctx context.Context, owner string) (*types.QuotaProfile, error) {
	var resp api.QuotaResponse
	if err := c.invoke(ctx, api.MethodGetQuota, api.QuotaRequest{Owner: owner}, &resp); err != nil {
		return nil, err
	}
	return resp.Profile, nil
}

// SetQuota replaces owner's limits. Admin only.
func (c *Client) SetQuota(ctx context.Context, owner string, limits types.QuotaVector) (*types.QuotaProfile, error) {
	var resp api.QuotaResponse
	if err := c.invoke(ctx, api.MethodSetQuota, api.SetQuotaRequest{Owner: owner, Limits: limits}, &resp); err != nil {
		return nil, err
	}
	return resp.Profile, nil
}

// ListQuotas lists every quota profile. Admin only.
func (c *Client) ListQuotas(ctx context.Context) ([]*types.QuotaProfile, error) {
	var resp api.ListQuotasResponse
	if err := c.invoke(ctx, api.MethodListQuotas, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Profiles, nil
}

// Reconcile runs one reconciliation pass over every engine. Admin only.
func (c *Client) Reconcile(ctx context.Context) ([]reconciler.Result, error) {
	var resp api.ReconcileResponse
	if err := c.invoke(ctx, api.MethodReconcile, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]reconciler.Result, 0, len(resp.Results))
	for _, r := range resp.Results {
		res := r.Result
		if r.Error != "" {
			res.Err = fmt.Errorf("%s", r.Error)
		}
		out = append(out, res)
	}
	return out, nil
}

// ListEngines reports the configured engines and their health
func (c *Client) ListEngines(ctx context.Context) ([]api.EngineStatus, error) {
	var resp api.ListEnginesResponse
	if err := c.invoke(ctx, api.MethodListEngines, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Engines, nil
}
