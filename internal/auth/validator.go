package auth

import (
	"context"
	"strings"
)

// Operator is the authenticated identity behind an admin request.
// Cancellations and campaign changes record the operator ID as actor.
type Operator struct {
	ID    string
	Roles []string
}

// HasRole reports whether the operator carries the given role.
func (o Operator) HasRole(role string) bool {
	for _, r := range o.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenValidator validates a bearer token and resolves the operator.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (Operator, error)
}

// ExtractTokenFromAuthHeader extracts the token from an Authorization header
func ExtractTokenFromAuthHeader(authHeader string) string {
	if authHeader == "" {
		return ""
	}

	// Handle "Bearer <token>" format
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}

	// If no Bearer prefix, assume the entire header is the token
	return authHeader
}
