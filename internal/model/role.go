package model

// Roles carried in device tokens.
const (
	RoleAdmin    = "admin"
	RoleReviewer = "reviewer"
	RoleAuditor  = "auditor"
)

// RoleAtLeast checks if role meets or exceeds the minimum required role.
func RoleAtLeast(role, minimum string) bool {
	levels := map[string]int{
		RoleAdmin:    3,
		RoleReviewer: 2,
		RoleAuditor:  1,
	}
	return levels[role] >= levels[minimum] && levels[minimum] > 0
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	return role == RoleAdmin || role == RoleReviewer || role == RoleAuditor
}
