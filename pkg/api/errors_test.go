package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/cuemby/berth/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		httpCode int
		grpcCode codes.Code
	}{
		{"nil", nil, http.StatusOK, codes.OK},
		{"validation", types.Validationf("create", "image is required"), http.StatusBadRequest, codes.InvalidArgument},
		{"not owner", &types.Error{Kind: types.KindNotOwner}, http.StatusForbidden, codes.PermissionDenied},
		{"quota", types.QuotaExceeded("alice", types.DimContainers), http.StatusForbidden, codes.ResourceExhausted},
		{"not found", types.NotFoundf("get", "c1"), http.StatusNotFound, codes.NotFound},
		{"conflict", types.ConflictF("remove", "running"), http.StatusConflict, codes.FailedPrecondition},
		{"duplicate name", &types.Error{Kind: types.KindDuplicateName}, http.StatusConflict, codes.AlreadyExists},
		{"subnet conflict", &types.Error{Kind: types.KindSubnetConflict}, http.StatusConflict, codes.FailedPrecondition},
		{"engine mismatch", &types.Error{Kind: types.KindEngineMismatch}, http.StatusConflict, codes.FailedPrecondition},
		{"vanished", &types.Error{Kind: types.KindVanishedExternally}, http.StatusGone, codes.FailedPrecondition},
		{"unsupported", types.Unsupported(types.EngineLXC, "exec"), http.StatusNotImplemented, codes.Unimplemented},
		{"unreachable", &types.Error{Kind: types.KindEngineUnreachable}, http.StatusServiceUnavailable, codes.Unavailable},
		{"engine error", &types.Error{Kind: types.KindEngineError}, http.StatusInternalServerError, codes.Internal},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, codes.Internal},
		{"wrapped", fmt.Errorf("outer: %w", types.NotFoundf("get", "c1")), http.StatusNotFound, codes.NotFound},
		{"cancelled", context.Canceled, http.StatusInternalServerError, codes.Canceled},
		{
			"provisioning failed with validation cause",
			&types.Error{Kind: types.KindProvisioningFailed, Cause: types.Validationf("docker create", "bad image")},
			http.StatusBadRequest, codes.InvalidArgument,
		},
		{
			"provisioning failed with engine cause",
			&types.Error{Kind: types.KindProvisioningFailed, Cause: &types.Error{Kind: types.KindEngineError}},
			http.StatusInternalServerError, codes.Internal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.httpCode, HTTPStatus(tt.err))
			assert.Equal(t, tt.grpcCode, GRPCCode(tt.err))
		})
	}
}

func TestErrorFromStatusKeepsKind(t *testing.T) {
	orig := types.QuotaExceeded("alice", types.DimPorts)

	back := ErrorFromStatus(GRPCStatus(orig).Err())

	assert.ErrorIs(t, back, types.ErrQuotaExceeded)
	var e *types.Error
	require.ErrorAs(t, back, &e)
	assert.Equal(t, types.DimPorts, e.Dimension)
	assert.Equal(t, "alice", e.Resource)
}

func TestErrorFromStatusPlain(t *testing.T) {
	back := ErrorFromStatus(GRPCStatus(errors.New("boom")).Err())
	assert.EqualError(t, back, "boom")
	assert.Empty(t, types.KindOf(back))
}

func TestStructRoundTrip(t *testing.T) {
	in := StopContainerRequest{ID: "c1", TimeoutSeconds: 15}

	s, err := ToStruct(in)
	require.NoError(t, err)
	assert.Equal(t, "c1", s.GetFields()["id"].GetStringValue())

	var out StopContainerRequest
	require.NoError(t, FromStruct(s, &out))
	assert.Equal(t, in, out)
}
