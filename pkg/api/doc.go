/*
Package api implements the Berth gRPC API server and its HTTP health endpoints.

The API is the only outer surface of the control plane. Every method is a
thin adapter over the lifecycle, network and quota managers: it decodes the
request, reads the caller identity from metadata, calls the core and maps
the typed error onto a gRPC status.

# Wire Format

The service is berth.v1.Berth. Requests and responses travel as
google.protobuf.Struct values holding the JSON form of the message types in
messages.go, so the service needs no generated stubs:

	in, _ := api.ToStruct(api.ContainerRequest{ID: id})
	out := new(structpb.Struct)
	err := conn.Invoke(ctx, api.FullMethod(api.MethodGetContainer), in, out)

pkg/client wraps this for Go callers.

# Identity

Authentication belongs to the session layer in front of the API. It forwards
the resolved identity as two metadata keys:

	x-berth-owner: alice
	x-berth-admin: true

A request without an owner can only reach operations that need none.

# Errors

GRPCStatus maps each error kind to a status code and attaches the kind,
dimension and resource as a Struct detail. ErrorFromStatus rebuilds the
*types.Error on the client, so errors.Is(err, types.ErrQuotaExceeded) holds
across the wire. HTTPStatus gives the mapping for HTTP facades:

	Validation                                      400
	NotOwner, QuotaExceeded                         403
	NotFound                                        404
	Conflict, DuplicateName, SubnetConflict,
	EngineMismatch                                  409
	VanishedExternally                              410
	Unsupported                                     501
	EngineUnreachable                               503
	anything else                                   500

ProvisioningFailed maps through its engine cause when that cause is a
client error or an unreachable engine.

# Observability

Calls are traced with otelgrpc, counted and timed per method and status in
berth_api_requests_total and berth_api_request_duration_seconds, and the
standard grpc.health.v1 service reports SERVING until Stop. HealthServer
serves /health, /ready and /metrics over HTTP.
*/
package api
