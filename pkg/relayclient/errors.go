package relayclient

import "snippet-relay/internal/domain"

// Errors returned by Connect and the call methods. Match them with
// errors.Is; broker and worker failures arrive as one of these.
var (
	// ErrLocalValidation rejects arguments before anything is sent.
	ErrLocalValidation = domain.ErrLocalValidation
	ErrInvalidInput    = domain.ErrInvalidInput

	ErrNoWorkerAvailable  = domain.ErrNoWorkerAvailable
	ErrWorkerDisconnected = domain.ErrWorkerDisconnected
	ErrWorkerCallFailed   = domain.ErrWorkerCallFailed
	ErrConnectionClosed   = domain.ErrConnectionClosed
	ErrRoleRequired       = domain.ErrRoleRequired
	ErrTimeout            = domain.ErrTimeout
	ErrRateLimit          = domain.ErrRateLimit
	ErrRPCMethodNotFound  = domain.ErrRPCMethodNotFound
	ErrRPCInvalidPayload  = domain.ErrRPCInvalidPayload
)

// RemoteError carries the message reported by the broker or the worker.
// Its Unwrap returns one of the sentinels above.
type RemoteError = domain.RemoteError
