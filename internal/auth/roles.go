// Package auth guards the alarm rule API with JWT bearer tokens and a
// three-tier role model: viewers read rules, stats and the alarm stream,
// operators author and toggle rules, admins cover everything above.
package auth

// Role is an access tier carried in the token's role claim.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// roleOrder lists tiers from weakest to strongest; position is privilege.
var roleOrder = []Role{RoleViewer, RoleOperator, RoleAdmin}

// NormalizeRole maps a claim string onto a known tier.
func NormalizeRole(value string) (Role, bool) {
	for _, role := range roleOrder {
		if Role(value) == role {
			return role, true
		}
	}
	return "", false
}

// RoleAtLeast reports whether role grants at least the required tier.
func RoleAtLeast(role, required Role) bool {
	return roleRank(role) >= roleRank(required)
}

func roleRank(role Role) int {
	for i, candidate := range roleOrder {
		if role == candidate {
			return i + 1
		}
	}
	return 0
}
