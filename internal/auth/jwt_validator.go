package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTValidator validates operator JWT tokens signed with RS256.
type JWTValidator struct {
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
}

// NewJWTValidator creates a new JWT validator from PEM string. Issuer
// and audience are enforced only when non-empty.
func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	if publicKeyPEM == "" {
		return nil, fmt.Errorf("public key PEM is required")
	}

	// Parse the PEM block
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block containing public key")
	}

	// Parse the public key
	publicKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	// Type assert to RSA public key
	rsaPublicKey, ok := publicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not an RSA key")
	}

	return &JWTValidator{
		publicKey: rsaPublicKey,
		issuer:    issuer,
		audience:  audience,
	}, nil
}

// NewJWTValidatorFromFile creates a new JWT validator from a file path
func NewJWTValidatorFromFile(publicKeyPath, issuer, audience string) (*JWTValidator, error) {
	publicKeyPEM, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}

	return NewJWTValidator(string(publicKeyPEM), issuer, audience)
}

// Validate validates a JWT token and returns the operator identity
func (v *JWTValidator) Validate(ctx context.Context, token string) (Operator, error) {
	if token == "" {
		return Operator{}, fmt.Errorf("empty token")
	}

	// Remove Bearer prefix if present
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimSpace(token)

	if len(token) < 10 {
		return Operator{}, fmt.Errorf("token too short")
	}

	parsedToken, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
		// Only allow RSA signing
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))

	if err != nil {
		return Operator{}, fmt.Errorf("failed to parse JWT token: %w", err)
	}

	if !parsedToken.Valid {
		return Operator{}, fmt.Errorf("invalid token")
	}

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok {
		return Operator{}, fmt.Errorf("failed to extract claims from token")
	}

	if err := v.validateClaims(claims); err != nil {
		return Operator{}, fmt.Errorf("claim validation failed: %w", err)
	}

	operatorID, ok := claims["sub"].(string)
	if !ok || strings.TrimSpace(operatorID) == "" {
		return Operator{}, fmt.Errorf("subject claim missing from token")
	}

	return Operator{ID: operatorID, Roles: extractRoles(claims)}, nil
}

func extractRoles(claims jwt.MapClaims) []string {
	raw, ok := claims["roles"].([]interface{})
	if !ok {
		return nil
	}
	roles := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			roles = append(roles, s)
		}
	}
	return roles
}

// validateClaims validates JWT claims for security
func (v *JWTValidator) validateClaims(claims jwt.MapClaims) error {
	// Check expiration
	if exp, ok := claims["exp"].(float64); ok {
		expTime := time.Unix(int64(exp), 0)
		if time.Now().After(expTime) {
			return fmt.Errorf("token has expired at %v", expTime)
		}
	} else {
		return fmt.Errorf("expiration claim (exp) is missing")
	}

	// Check issued at time with 5 minute tolerance for clock skew
	if iat, ok := claims["iat"].(float64); ok {
		iatTime := time.Unix(int64(iat), 0)
		if time.Now().Before(iatTime.Add(-5 * time.Minute)) {
			return fmt.Errorf("token issued in the future: %v", iatTime)
		}
	}

	// Check not before time (nbf) if present
	if nbf, ok := claims["nbf"].(float64); ok {
		nbfTime := time.Unix(int64(nbf), 0)
		if time.Now().Before(nbfTime) {
			return fmt.Errorf("token not valid until %v", nbfTime)
		}
	}

	if v.issuer != "" {
		iss, _ := claims["iss"].(string)
		if iss != v.issuer {
			return fmt.Errorf("unexpected issuer: %q", iss)
		}
	}

	if v.audience != "" {
		if !audienceMatches(claims["aud"], v.audience) {
			return fmt.Errorf("audience claim does not include %q", v.audience)
		}
	}

	return nil
}

func audienceMatches(aud interface{}, want string) bool {
	switch a := aud.(type) {
	case string:
		return a == want
	case []interface{}:
		for _, item := range a {
			if s, ok := item.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}
