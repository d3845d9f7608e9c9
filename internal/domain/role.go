package domain

import "time"

// Role is the part a connection plays in the relay.
type Role string

const (
	// RoleUnknown is held until the connection answers the role query with a
	// recognised value. Unknown connections never originate or receive calls.
	RoleUnknown Role = ""
	RoleWorker  Role = "worker"
	RoleClient  Role = "client"
)

// ParseRole maps a role answer to a Role. Anything other than "worker" or
// "client" yields RoleUnknown and false.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleWorker:
		return RoleWorker, true
	case RoleClient:
		return RoleClient, true
	default:
		return RoleUnknown, false
	}
}

func (r Role) String() string {
	if r == RoleUnknown {
		return "unknown"
	}
	return string(r)
}

// ConnInfo is a snapshot of one live connection.
type ConnInfo struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// RelayStats is a point-in-time view of the broker.
type RelayStats struct {
	Connections     int  `json:"connections"`
	Clients         int  `json:"clients"`
	Unknown         int  `json:"unknown"`
	WorkerAvailable bool `json:"worker_available"`
	PendingCalls    int  `json:"pending_calls"`
}
