package ceremony

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Code is one of the stable error identifiers from spec.md §7. Every Code
// carries a matching gRPC status code so transports can map it without the
// taxonomy itself depending on any one transport.
type Code string

const (
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodePreconditionFailed Code = "PRECONDITION_FAILED"
	CodeConflict           Code = "CONFLICT"
	CodeInvalidInput       Code = "INVALID_INPUT"
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
	CodeDeadlineExceeded   Code = "DEADLINE_EXCEEDED"
	CodeInternal           Code = "INTERNAL"
)

// grpcCode maps a taxonomy Code onto the closest gRPC status code.
var grpcCode = map[Code]codes.Code{
	CodeUnauthenticated:     codes.Unauthenticated,
	CodeForbidden:           codes.PermissionDenied,
	CodeNotFound:            codes.NotFound,
	CodePreconditionFailed:  codes.FailedPrecondition,
	CodeConflict:            codes.Aborted,
	CodeInvalidInput:        codes.InvalidArgument,
	CodeUpstreamUnavailable: codes.Unavailable,
	CodeDeadlineExceeded:    codes.DeadlineExceeded,
	CodeInternal:            codes.Internal,
}

// retryableCodes holds taxonomy codes that a caller (or the bounded-backoff
// helper in internal/retry) may retry. State-machine guard failures
// (PRECONDITION_FAILED, CONFLICT after retries exhausted) are never retried
// server-side, per spec.md §7.
var retryableCodes = map[Code]bool{
	CodeUpstreamUnavailable: true,
}

// Error is the error type returned across every component and RPC boundary.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// GRPCCode returns the gRPC status code to use when this error crosses a
// transport boundary.
func (e *Error) GRPCCode() codes.Code { return grpcCode[e.Code] }

// Retryable reports whether the component that owns the failing upstream
// call may retry it with bounded exponential backoff before converting it to
// this Error at the RPC boundary.
func (e *Error) Retryable() bool { return retryableCodes[e.Code] }

// New constructs a taxonomy Error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a taxonomy Error around an upstream error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the taxonomy Code of err, or CodeInternal if err is not (or
// does not wrap) a *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err is (or wraps) a taxonomy Error with the given Code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
