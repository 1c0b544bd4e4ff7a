package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleLandlord = "landlord"
	RoleTenant   = "tenant"
	RoleAdmin    = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsKnownRole(role string) bool {
	switch role {
	case RoleLandlord, RoleTenant, RoleAdmin:
		return true
	default:
		return false
	}
}
