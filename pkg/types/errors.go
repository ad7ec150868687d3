package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failure so transport layers can map it without
// inspecting engine specific error shapes
type ErrorKind string

const (
	KindValidation            ErrorKind = "Validation"
	KindQuotaExceeded         ErrorKind = "QuotaExceeded"
	KindEngineUnreachable     ErrorKind = "EngineUnreachable"
	KindUnsupported           ErrorKind = "Unsupported"
	KindVanishedExternally    ErrorKind = "VanishedExternally"
	KindProvisioningFailed    ErrorKind = "ProvisioningFailed"
	KindNotFound              ErrorKind = "NotFound"
	KindNotOwner              ErrorKind = "NotOwner"
	KindDuplicateName         ErrorKind = "DuplicateName"
	KindSubnetConflict        ErrorKind = "SubnetConflict"
	KindEngineMismatch        ErrorKind = "EngineMismatch"
	KindConflict              ErrorKind = "Conflict"
	KindQuotaRejectedByEngine ErrorKind = "QuotaRejectedByEngine"
	KindEngineError           ErrorKind = "EngineError"
	KindReservationState      ErrorKind = "ReservationState"
)

// Sentinels for errors.Is. Any *Error with the same Kind matches.
var (
	ErrValidation            = &Error{Kind: KindValidation}
	ErrQuotaExceeded         = &Error{Kind: KindQuotaExceeded}
	ErrEngineUnreachable     = &Error{Kind: KindEngineUnreachable}
	ErrUnsupported           = &Error{Kind: KindUnsupported}
	ErrVanishedExternally    = &Error{Kind: KindVanishedExternally}
	ErrProvisioningFailed    = &Error{Kind: KindProvisioningFailed}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrNotOwner              = &Error{Kind: KindNotOwner}
	ErrDuplicateName         = &Error{Kind: KindDuplicateName}
	ErrSubnetConflict        = &Error{Kind: KindSubnetConflict}
	ErrEngineMismatch        = &Error{Kind: KindEngineMismatch}
	ErrConflict              = &Error{Kind: KindConflict}
	ErrQuotaRejectedByEngine = &Error{Kind: KindQuotaRejectedByEngine}
	ErrEngineError           = &Error{Kind: KindEngineError}
	ErrReservationState      = &Error{Kind: KindReservationState}
)

// Error is the typed error returned by every core operation
type Error struct {
	Kind      ErrorKind
	Op        string    // Operation that failed, e.g. "docker create"
	Engine    Engine    // Engine involved, if any
	Resource  string    // Container or network ID/name, if any
	Dimension Dimension // Set for QuotaExceeded
	Msg       string
	Cause     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Dimension != "" {
		fmt.Fprintf(&b, "(%s)", e.Dimension)
	}
	if e.Resource != "" {
		fmt.Fprintf(&b, " %s", e.Resource)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Kind so errors.Is(err, ErrNotFound) works for any NotFound error
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf returns the kind of the outermost *Error in err's chain, or "" if none
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is transient and worth retrying
func IsRetryable(err error) bool {
	return errors.Is(err, ErrEngineUnreachable)
}

// NewError builds an *Error
func NewError(kind ErrorKind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// Validationf builds a Validation error with a formatted message
func Validationf(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a NotFound error for the given resource
func NotFoundf(op, resource string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Resource: resource}
}

// ConflictF builds a Conflict error with a formatted message
func ConflictF(op, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// QuotaExceeded builds the reservation failure for the first violated dimension
func QuotaExceeded(owner string, dim Dimension) *Error {
	return &Error{Kind: KindQuotaExceeded, Op: "reserve", Resource: owner, Dimension: dim}
}

// Unsupported builds the error an engine returns for a capability it lacks
func Unsupported(engine Engine, op string) *Error {
	return &Error{Kind: KindUnsupported, Op: op, Engine: engine, Msg: fmt.Sprintf("not supported by %s", engine)}
}

// Warning records a partial failure of a multi-step operation that was not rolled back
type Warning struct {
	Step string `json:"step"`
	Kind string `json:"kind"`
	Msg  string `json:"msg"`
}

// NewWarning converts a step failure into a Warning
func NewWarning(step string, err error) Warning {
	return Warning{Step: step, Kind: string(KindOf(err)), Msg: err.Error()}
}
