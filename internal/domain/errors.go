package domain

import (
	"errors"
	"fmt"
)

// Category sentinels shared by every subsystem.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrRateLimit    = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid  = fmt.Errorf("authentication failed")
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
)

// Relay errors. Each one has a wire code so clients can rebuild it.
var (
	// ErrRoleConflict is reported when a second connection asks to be the worker.
	ErrRoleConflict = fmt.Errorf("worker role already taken")
	// ErrRoleAssigned is returned when a connection answers the role query twice.
	ErrRoleAssigned = fmt.Errorf("role already assigned")
	// ErrRoleRequired is returned when a connection without the client role originates a call.
	ErrRoleRequired = fmt.Errorf("connection has not negotiated the client role")
	// ErrNoWorkerAvailable is returned for calls issued while no worker is registered.
	ErrNoWorkerAvailable = fmt.Errorf("no worker available")
	// ErrWorkerDisconnected fails calls whose worker dropped before replying.
	ErrWorkerDisconnected = fmt.Errorf("worker disconnected")
	// ErrWorkerCallFailed wraps an error reported by the worker itself.
	ErrWorkerCallFailed = fmt.Errorf("worker call failed")
	// ErrLocalValidation is returned by the client driver before any round trip.
	ErrLocalValidation = fmt.Errorf("local validation failed: %w", ErrInvalidInput)
	// ErrConnectionClosed is returned when the local endpoint's own connection is gone.
	ErrConnectionClosed = fmt.Errorf("connection closed")
	// ErrConnectionNotFound is returned for operations on an unknown session ID.
	ErrConnectionNotFound = fmt.Errorf("connection %w", ErrNotFound)

	// Gateway / RPC errors.
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Router.Route")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category carried in response frames.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeDuplicate          ErrorCode = "DUPLICATE"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeRoleConflict       ErrorCode = "ROLE_CONFLICT"
	CodeRoleAssigned       ErrorCode = "ROLE_ASSIGNED"
	CodeRoleRequired       ErrorCode = "ROLE_REQUIRED"
	CodeNoWorker           ErrorCode = "NO_WORKER_AVAILABLE"
	CodeWorkerDisconnected ErrorCode = "WORKER_DISCONNECTED"
	CodeWorkerCallFailed   ErrorCode = "WORKER_CALL_FAILED"
	CodeLocalValidation    ErrorCode = "LOCAL_VALIDATION"
	CodeConnectionClosed   ErrorCode = "CONNECTION_CLOSED"
	CodeConnectionNotFound ErrorCode = "CONNECTION_NOT_FOUND"
	CodeGatewayAuth        ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound  ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload  ErrorCode = "RPC_INVALID_PAYLOAD"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:           CodeNotFound,
	ErrDuplicate:          CodeDuplicate,
	ErrTimeout:            CodeTimeout,
	ErrInvalidInput:       CodeInvalidInput,
	ErrRateLimit:          CodeRateLimit,
	ErrAuthInvalid:        CodeAuthInvalid,
	ErrConfigLoad:         CodeConfigLoad,
	ErrRoleConflict:       CodeRoleConflict,
	ErrRoleAssigned:       CodeRoleAssigned,
	ErrRoleRequired:       CodeRoleRequired,
	ErrNoWorkerAvailable:  CodeNoWorker,
	ErrWorkerDisconnected: CodeWorkerDisconnected,
	ErrWorkerCallFailed:   CodeWorkerCallFailed,
	ErrLocalValidation:    CodeLocalValidation,
	ErrConnectionClosed:   CodeConnectionClosed,
	ErrConnectionNotFound: CodeConnectionNotFound,
	ErrGatewayAuthFailed:  CodeGatewayAuth,
	ErrRPCMethodNotFound:  CodeRPCMethodNotFound,
	ErrRPCInvalidPayload:  CodeRPCInvalidPayload,
}

// codeErrorMap is the inverse of errorCodeMap, built once at init.
var codeErrorMap = func() map[ErrorCode]error {
	m := make(map[ErrorCode]error, len(errorCodeMap))
	for err, code := range errorCodeMap {
		m[code] = err
	}
	return m
}()

// wrapperSentinels are sentinels that wrap a category sentinel. They must be
// matched before the category they wrap so the most specific code wins.
var wrapperSentinels = []error{ErrLocalValidation, ErrConnectionNotFound, ErrGatewayAuthFailed}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for _, sentinel := range wrapperSentinels {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// ErrorFromWire rebuilds an error received in a response frame. The result
// satisfies errors.Is against the sentinel registered for code, if any.
func ErrorFromWire(code, message string) error {
	if code == "" && message == "" {
		return nil
	}
	sentinel, ok := codeErrorMap[ErrorCode(code)]
	if !ok {
		sentinel = ErrWorkerCallFailed
	}
	if message == "" || message == sentinel.Error() {
		return sentinel
	}
	return &RemoteError{Message: message, Err: sentinel}
}

// RemoteError is an error reported by the peer on the other end of a call.
type RemoteError struct {
	Message string
	Err     error
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error { return e.Err }
