package auth

import "github.com/golang-jwt/jwt/v5"

// Role names. Keep these stable; tokens in the wild carry them.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Claims is the only supported JWT claims shape for this service.
// Multi-tenant invariant: OrganizationID must be present; every campaign
// operation is scoped to it.
type Claims struct {
	jwt.RegisteredClaims

	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
}

// CanMutate reports whether the role may start, pause or resume campaigns.
func CanMutate(role string) bool {
	return role == RoleAdmin || role == RoleOperator
}
