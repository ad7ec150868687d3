package api

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/cuemby/berth/pkg/driver"
	"github.com/cuemby/berth/pkg/lifecycle"
	"github.com/cuemby/berth/pkg/log"
	"github.com/cuemby/berth/pkg/metrics"
	"github.com/cuemby/berth/pkg/network"
	"github.com/cuemby/berth/pkg/quota"
	"github.com/cuemby/berth/pkg/reconciler"
	"github.com/cuemby/berth/pkg/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Metadata keys carrying the caller identity set by the session layer
const (
	MetadataOwner = "x-berth-owner"
	MetadataAdmin = "x-berth-admin"
)

// maxOutput bounds the logs or exec output returned in one response
const maxOutput = 4 << 20

// Reconciler is the part of the reconciler the API triggers on demand
type Reconciler interface {
	ReconcileOnce(ctx context.Context) []reconciler.Result
}

// Server exposes the control plane over gRPC
type Server struct {
	lifecycle  *lifecycle.Manager
	networks   *network.Manager
	ledger     *quota.Ledger
	drivers    *driver.Registry
	reconciler Reconciler
	grpc       *grpc.Server
	health     *health.Server
	logger     zerolog.Logger
}

// NewServer creates the API server and registers the Berth and health services
func NewServer(lc *lifecycle.Manager, networks *network.Manager, ledger *quota.Ledger, drivers *driver.Registry, rec Reconciler) *Server {
	s := &Server{
		lifecycle:  lc,
		networks:   networks,
		ledger:     ledger,
		drivers:    drivers,
		reconciler: rec,
		health:     health.NewServer(),
		logger:     log.WithComponent("api"),
	}

	s.grpc = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(RecoveryInterceptor(s.logger), MetricsInterceptor(s.logger)),
	)
	s.grpc.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return s
}

// Start serves gRPC on addr until Stop is called
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Serve serves gRPC on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("API server listening")
	metrics.UpdateComponent(metrics.ComponentAPI, true, "")
	return s.grpc.Serve(lis)
}

// Stop marks the service not serving and drains in-flight calls
func (s *Server) Stop() {
	s.health.Shutdown()
	metrics.UpdateComponent(metrics.ComponentAPI, false, "stopped")
	s.grpc.GracefulStop()
}

// CallerFromContext reads the caller identity from incoming metadata
func CallerFromContext(ctx context.Context) types.Caller {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return types.Caller{}
	}
	var caller types.Caller
	if v := md.Get(MetadataOwner); len(v) > 0 {
		caller.Owner = strings.TrimSpace(v[0])
	}
	if v := md.Get(MetadataAdmin); len(v) > 0 {
		caller.Admin, _ = strconv.ParseBool(v[0])
	}
	return caller
}

// berthService is the handler type checked by RegisterService
type berthService interface {
	CreateContainer(ctx context.Context, caller types.Caller, req *CreateContainerRequest) (*CreateContainerResponse, error)
}

// handler adapts a typed method to the structpb wire form
func handler[Req, Resp any](name string, fn func(*Server, context.Context, types.Caller, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, raw any) (any, error) {
				req := new(Req)
				if err := FromStruct(raw.(*structpb.Struct), req); err != nil {
					return nil, status.Error(codes.InvalidArgument, err.Error())
				}
				resp, err := fn(srv.(*Server), ctx, CallerFromContext(ctx), req)
				if err != nil {
					return nil, GRPCStatus(err).Err()
				}
				out, err := ToStruct(resp)
				if err != nil {
					return nil, status.Error(codes.Internal, err.Error())
				}
				return out, nil
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, call)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*berthService)(nil),
	Methods: []grpc.MethodDesc{
		handler(MethodCreateContainer, (*Server).CreateContainer),
		handler(MethodStartContainer, (*Server).StartContainer),
		handler(MethodStopContainer, (*Server).StopContainer),
		handler(MethodRestartContainer, (*Server).RestartContainer),
		handler(MethodRemoveContainer, (*Server).RemoveContainer),
		handler(MethodGetContainer, (*Server).GetContainer),
		handler(MethodListContainers, (*Server).ListContainers),
		handler(MethodContainerLogs, (*Server).ContainerLogs),
		handler(MethodExecContainer, (*Server).ExecContainer),
		handler(MethodBatchContainers, (*Server).BatchContainers),
		handler(MethodCreateNetwork, (*Server).CreateNetwork),
		handler(MethodRemoveNetwork, (*Server).RemoveNetwork),
		handler(MethodListNetworks, (*Server).ListNetworks),
		handler(MethodAttachNetwork, (*Server).AttachNetwork),
		handler(MethodDetachNetwork, (*Server).DetachNetwork),
		handler(MethodGetQuota, (*Server).GetQuota),
		handler(MethodSetQuota, (*Server).SetQuota),
		handler(MethodListQuotas, (*Server).ListQuotas),
		handler(MethodReconcile, (*Server).Reconcile),
		handler(MethodListEngines, (*Server).ListEngines),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "berth/v1/berth.proto",
}
