package relayworker

import "snippet-relay/internal/domain"

// Errors returned by Run and Push. Match them with errors.Is.
var (
	ErrRoleConflict     = domain.ErrRoleConflict
	ErrConnectionClosed = domain.ErrConnectionClosed
)
