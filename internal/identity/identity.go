// Package identity defines the caller principal and the authorization
// predicates used by the marketplace services.
//
// Roles are a closed enumeration; every operation's authorization is a
// predicate over (caller, resource) rather than string comparisons
// scattered through handlers.
package identity

// Role is a closed enumeration of marketplace roles.
type Role string

const (
	RoleClient Role = "client"
	RoleMaster Role = "master"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleMaster, RoleAdmin:
		return true
	}
	return false
}

// Principal identifies the authenticated caller of an operation.
type Principal struct {
	UserID string
	Role   Role
}

// IsAdmin reports whether the caller holds the admin role.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// IsClient reports whether the caller holds the client role.
func (p Principal) IsClient() bool {
	return p.Role == RoleClient
}

// IsMaster reports whether the caller holds the master role.
func (p Principal) IsMaster() bool {
	return p.Role == RoleMaster
}

// Owns reports whether the caller is the given user.
func (p Principal) Owns(userID string) bool {
	return userID != "" && p.UserID == userID
}

// OwnsOrAdmin reports ownership or admin override.
func (p Principal) OwnsOrAdmin(userID string) bool {
	return p.IsAdmin() || p.Owns(userID)
}

// Participant reports whether the caller is one of the two sides of an
// order (its client or its assigned master).
func (p Principal) Participant(clientID, masterID string) bool {
	return p.Owns(clientID) || p.Owns(masterID)
}
