package driver

import (
	"context"
	"errors"
	"net"
	"os/exec"
	"strings"
	"syscall"

	"github.com/containerd/errdefs"
	"github.com/cuemby/berth/pkg/types"
	"github.com/docker/docker/client"
)

// normalize converts an engine error into a *types.Error. Errors that are
// already typed pass through so wrapping layers keep the innermost kind.
func normalize(engine types.Engine, op, resource string, err error) error {
	if err == nil {
		return nil
	}
	var typed *types.Error
	if errors.As(err, &typed) {
		return err
	}
	return &types.Error{
		Kind:     classify(err),
		Op:       string(engine) + " " + op,
		Engine:   engine,
		Resource: resource,
		Cause:    err,
	}
}

func classify(err error) types.ErrorKind {
	switch {
	case isUnreachable(err):
		return types.KindEngineUnreachable
	case errdefs.IsNotFound(err):
		return types.KindNotFound
	case errdefs.IsInvalidArgument(err):
		return types.KindValidation
	case errdefs.IsResourceExhausted(err):
		return types.KindQuotaRejectedByEngine
	case errdefs.IsConflict(err), errdefs.IsAlreadyExists(err):
		return types.KindConflict
	case errdefs.IsNotImplemented(err):
		return types.KindUnsupported
	}
	return types.KindEngineError
}

func isUnreachable(err error) bool {
	if client.IsErrConnectionFailed(err) {
		return true
	}
	if errdefs.IsUnavailable(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, exec.ErrNotFound) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return isDial(err)
}

func isDial(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// isAlreadyInState matches engine replies for start on running or stop on stopped.
// Docker answers 304 which the client maps to nil; Podman versions differ.
func isAlreadyInState(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already running") ||
		strings.Contains(msg, "already stopped") ||
		strings.Contains(msg, "is not running") ||
		strings.Contains(msg, "container state improper") ||
		strings.Contains(msg, "already started")
}
