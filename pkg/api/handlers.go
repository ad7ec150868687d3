package api

import (
	"context"
	"io"
	"time"

	"github.com/cuemby/berth/pkg/lifecycle"
	"github.com/cuemby/berth/pkg/types"
)

// Container operations

func (s *Server) CreateContainer(ctx context.Context, caller types.Caller, req *CreateContainerRequest) (*CreateContainerResponse, error) {
	res, err := s.lifecycle.Create(ctx, caller, req.Spec)
	if err != nil {
		return nil, err
	}
	return &CreateContainerResponse{Container: res.Record, Warnings: res.Warnings}, nil
}

func (s *Server) StartContainer(ctx context.Context, caller types.Caller, req *ContainerRequest) (*Empty, error) {
	return &Empty{}, s.lifecycle.Start(ctx, caller, req.ID)
}

func (s *Server) StopContainer(ctx context.Context, caller types.Caller, req *StopContainerRequest) (*Empty, error) {
	return &Empty{}, s.lifecycle.Stop(ctx, caller, req.ID, seconds(req.TimeoutSeconds))
}

func (s *Server) RestartContainer(ctx context.Context, caller types.Caller, req *StopContainerRequest) (*Empty, error) {
	return &Empty{}, s.lifecycle.Restart(ctx, caller, req.ID, seconds(req.TimeoutSeconds))
}

func (s *Server) RemoveContainer(ctx context.Context, caller types.Caller, req *RemoveContainerRequest) (*Empty, error) {
	return &Empty{}, s.lifecycle.Remove(ctx, caller, req.ID, req.Force)
}

func (s *Server) GetContainer(ctx context.Context, caller types.Caller, req *ContainerRequest) (*ContainerResponse, error) {
	rec, err := s.lifecycle.Get(ctx, caller, req.ID)
	if err != nil {
		return nil, err
	}
	return &ContainerResponse{Container: rec}, nil
}

func (s *Server) ListContainers(ctx context.Context, caller types.Caller, req *ListContainersRequest) (*ListContainersResponse, error) {
	recs, err := s.lifecycle.List(ctx, caller, lifecycle.ListFilter{Owner: req.Owner, Engine: req.Engine})
	if err != nil {
		return nil, err
	}
	return &ListContainersResponse{Containers: recs}, nil
}

func (s *Server) ContainerLogs(ctx context.Context, caller types.Caller, req *LogsRequest) (*OutputResponse, error) {
	rc, err := s.lifecycle.Logs(ctx, caller, req.ID, req.Tail)
	if err != nil {
		return nil, err
	}
	return readOutput(rc)
}

func (s *Server) ExecContainer(ctx context.Context, caller types.Caller, req *ExecRequest) (*OutputResponse, error) {
	rc, err := s.lifecycle.Exec(ctx, caller, req.ID, req.Command)
	if err != nil {
		return nil, err
	}
	return readOutput(rc)
}

func (s *Server) BatchContainers(ctx context.Context, caller types.Caller, req *BatchRequest) (*BatchResponse, error) {
	var results []lifecycle.BatchResult
	switch req.Action {
	case BatchStart:
		results = s.lifecycle.BatchStart(ctx, caller, req.IDs)
	case BatchStop:
		results = s.lifecycle.BatchStop(ctx, caller, req.IDs, seconds(req.TimeoutSeconds))
	case BatchRemove:
		results = s.lifecycle.BatchRemove(ctx, caller, req.IDs, req.Force)
	default:
		return nil, types.Validationf("batch", "unknown action %q", req.Action)
	}

	resp := &BatchResponse{Results: make([]BatchItem, 0, len(results))}
	for _, r := range results {
		item := BatchItem{ID: r.ID}
		if r.Err != nil {
			item.Kind = string(types.KindOf(r.Err))
			item.Error = r.Err.Error()
		}
		resp.Results = append(resp.Results, item)
	}
	return resp, nil
}

// Network operations

func (s *Server) CreateNetwork(ctx context.Context, caller types.Caller, req *CreateNetworkRequest) (*NetworkResponse, error) {
	rec, err := s.networks.CreateNetwork(ctx, caller, req.Spec)
	if err != nil {
		return nil, err
	}
	return &NetworkResponse{Network: rec}, nil
}

func (s *Server) RemoveNetwork(ctx context.Context, caller types.Caller, req *NetworkRequest) (*Empty, error) {
	return &Empty{}, s.networks.RemoveNetwork(ctx, caller, req.ID)
}

func (s *Server) ListNetworks(ctx context.Context, caller types.Caller, req *ListNetworksRequest) (*ListNetworksResponse, error) {
	recs, err := s.networks.List(ctx, caller, req.Engine)
	if err != nil {
		return nil, err
	}
	return &ListNetworksResponse{Networks: recs}, nil
}

func (s *Server) AttachNetwork(ctx context.Context, caller types.Caller, req *AttachRequest) (*Empty, error) {
	return &Empty{}, s.networks.Attach(ctx, caller, req.ContainerID, req.NetworkID)
}

func (s *Server) DetachNetwork(ctx context.Context, caller types.Caller, req *AttachRequest) (*Empty, error) {
	return &Empty{}, s.networks.Detach(ctx, caller, req.ContainerID, req.NetworkID)
}

// Quota operations

func (s *Server) GetQuota(ctx context.Context, caller types.Caller, req *QuotaRequest) (*QuotaResponse, error) {
	owner := req.Owner
	if owner == "" {
		owner = caller.Owner
	}
	if owner == "" {
		return nil, types.Validationf("get quota", "owner is required")
	}
	if !caller.CanAccess(owner) {
		return nil, &types.Error{Kind: types.KindNotOwner, Op: "get quota", Resource: owner}
	}
	p, err := s.ledger.Profile(ctx, owner)
	if err != nil {
		return nil, err
	}
	return &QuotaResponse{Profile: p}, nil
}

func (s *Server) SetQuota(ctx context.Context, caller types.Caller, req *SetQuotaRequest) (*QuotaResponse, error) {
	if err := requireAdmin(caller, "set quota"); err != nil {
		return nil, err
	}
	if req.Owner == "" {
		return nil, types.Validationf("set quota", "owner is required")
	}
	p, err := s.ledger.SetLimits(ctx, req.Owner, req.Limits)
	if err != nil {
		return nil, err
	}
	return &QuotaResponse{Profile: p}, nil
}

func (s *Server) ListQuotas(ctx context.Context, caller types.Caller, _ *Empty) (*ListQuotasResponse, error) {
	if err := requireAdmin(caller, "list quotas"); err != nil {
		return nil, err
	}
	profiles, err := s.ledger.Profiles(ctx)
	if err != nil {
		return nil, err
	}
	return &ListQuotasResponse{Profiles: profiles}, nil
}

// Control plane operations

func (s *Server) Reconcile(ctx context.Context, caller types.Caller, _ *Empty) (*ReconcileResponse, error) {
	if err := requireAdmin(caller, "reconcile"); err != nil {
		return nil, err
	}
	if s.reconciler == nil {
		return nil, &types.Error{Kind: types.KindUnsupported, Op: "reconcile", Msg: "reconciler is not running"}
	}
	results := s.reconciler.ReconcileOnce(ctx)
	resp := &ReconcileResponse{Results: make([]EngineResult, 0, len(results))}
	for _, r := range results {
		er := EngineResult{Result: r}
		if r.Err != nil {
			er.Error = r.Err.Error()
		}
		resp.Results = append(resp.Results, er)
	}
	return resp, nil
}

func (s *Server) ListEngines(ctx context.Context, _ types.Caller, _ *Empty) (*ListEnginesResponse, error) {
	health := s.drivers.Health(ctx)
	def := s.drivers.Default()
	resp := &ListEnginesResponse{}
	for _, e := range s.drivers.Engines() {
		st := EngineStatus{Engine: e, Default: e == def, Healthy: health[e] == nil}
		if err := health[e]; err != nil {
			st.Error = err.Error()
		}
		resp.Engines = append(resp.Engines, st)
	}
	return resp, nil
}

func requireAdmin(caller types.Caller, op string) error {
	if caller.Admin {
		return nil
	}
	return &types.Error{Kind: types.KindNotOwner, Op: op, Msg: "admin only"}
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func readOutput(rc io.ReadCloser) (*OutputResponse, error) {
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxOutput+1))
	if err != nil {
		return nil, types.NewError(types.KindEngineError, "read output", err)
	}
	resp := &OutputResponse{}
	if len(data) > maxOutput {
		data = data[:maxOutput]
		resp.Truncated = true
	}
	resp.Output = string(data)
	return resp, nil
}
