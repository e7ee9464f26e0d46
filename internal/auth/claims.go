package auth

import "github.com/golang-jwt/jwt/v5"

// Claims is the only token shape the status API accepts. Subject names the
// operator; Role is checked by internal/rbac.
type Claims struct {
	jwt.RegisteredClaims

	Role string `json:"role"`
}
