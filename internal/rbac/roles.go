package rbac

// Role names. Keep these stable; they are carried in access tokens.
const (
	// RoleSubscriber receives calls and reads their own history.
	RoleSubscriber = "subscriber"
	// RoleOperator may inject simulated incoming calls.
	RoleOperator   = "operator"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// Valid reports whether role is one this service issues.
func Valid(role string) bool {
	switch role {
	case RoleSubscriber, RoleOperator, RoleSuperAdmin:
		return true
	default:
		return false
	}
}
