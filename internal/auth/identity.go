// ABOUTME: Identity and role types that every tool call is authorized against
// ABOUTME: Two roles exist: demo (read-only) and authenticated (read-write)

package auth

// Role is the permission class of an identity.
type Role string

const (
	RoleDemo          Role = "demo"
	RoleAuthenticated Role = "authenticated"
)

// Identity is the resolved caller. It is a value type and never mutated after resolution.
type Identity struct {
	UserID string
	Role   Role
}

// DemoIdentity returns a read-only identity for userID.
func DemoIdentity(userID string) Identity {
	return Identity{UserID: userID, Role: RoleDemo}
}

// AuthenticatedIdentity returns a read-write identity for userID.
func AuthenticatedIdentity(userID string) Identity {
	return Identity{UserID: userID, Role: RoleAuthenticated}
}

// IsDemo reports whether the identity is limited to read-only tools.
// Anything that is not explicitly authenticated counts as demo.
func (i Identity) IsDemo() bool {
	return i.Role != RoleAuthenticated
}

// CanWrite reports whether the identity may call write tools.
func (i Identity) CanWrite() bool {
	return i.Role == RoleAuthenticated
}

// RoleLabel is the metric/log label for the identity's role.
func (i Identity) RoleLabel() string {
	if i.IsDemo() {
		return string(RoleDemo)
	}
	return string(RoleAuthenticated)
}
