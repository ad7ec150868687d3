package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/cuemby/berth/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// effectiveKind looks through ProvisioningFailed to the engine cause, so a
// create rejected for bad input still reads as a client error
func effectiveKind(err error) types.ErrorKind {
	var e *types.Error
	if !errors.As(err, &e) {
		return ""
	}
	if e.Kind == types.KindProvisioningFailed {
		if cause := types.KindOf(e.Cause); cause == types.KindValidation || cause == types.KindUnsupported || cause == types.KindEngineUnreachable {
			return cause
		}
	}
	return e.Kind
}

// HTTPStatus maps an error to the status code an HTTP facade should return
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch effectiveKind(err) {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindNotOwner, types.KindQuotaExceeded:
		return http.StatusForbidden
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindConflict, types.KindDuplicateName, types.KindSubnetConflict, types.KindEngineMismatch:
		return http.StatusConflict
	case types.KindVanishedExternally:
		return http.StatusGone
	case types.KindUnsupported:
		return http.StatusNotImplemented
	case types.KindEngineUnreachable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// GRPCCode maps an error to a gRPC status code
func GRPCCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	switch effectiveKind(err) {
	case types.KindValidation:
		return codes.InvalidArgument
	case types.KindNotOwner:
		return codes.PermissionDenied
	case types.KindQuotaExceeded, types.KindQuotaRejectedByEngine:
		return codes.ResourceExhausted
	case types.KindNotFound:
		return codes.NotFound
	case types.KindDuplicateName:
		return codes.AlreadyExists
	case types.KindConflict, types.KindSubnetConflict, types.KindEngineMismatch, types.KindVanishedExternally, types.KindReservationState:
		return codes.FailedPrecondition
	case types.KindUnsupported:
		return codes.Unimplemented
	case types.KindEngineUnreachable:
		return codes.Unavailable
	}
	return codes.Internal
}

// GRPCStatus converts an error into a status. Typed errors carry their
// kind, dimension and resource as a detail so clients can rebuild them.
func GRPCStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	st := status.New(GRPCCode(err), err.Error())

	var e *types.Error
	if !errors.As(err, &e) {
		return st
	}
	detail, derr := structpb.NewStruct(map[string]any{
		"kind":      string(e.Kind),
		"op":        e.Op,
		"engine":    string(e.Engine),
		"resource":  e.Resource,
		"dimension": string(e.Dimension),
		"msg":       e.Msg,
	})
	if derr != nil {
		return st
	}
	if withDetail, derr := st.WithDetails(detail); derr == nil {
		return withDetail
	}
	return st
}

// ErrorFromStatus rebuilds the typed error sent by GRPCStatus. Errors
// without a detail keep their status message.
func ErrorFromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		s, ok := d.(*structpb.Struct)
		if !ok {
			continue
		}
		f := s.GetFields()
		kind := types.ErrorKind(f["kind"].GetStringValue())
		if kind == "" {
			continue
		}
		return &types.Error{
			Kind:      kind,
			Op:        f["op"].GetStringValue(),
			Engine:    types.Engine(f["engine"].GetStringValue()),
			Resource:  f["resource"].GetStringValue(),
			Dimension: types.Dimension(f["dimension"].GetStringValue()),
			Msg:       f["msg"].GetStringValue(),
		}
	}
	switch st.Code() {
	case codes.Unavailable:
		return &types.Error{Kind: types.KindEngineUnreachable, Op: "api", Msg: st.Message()}
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return errors.New(st.Message())
}
