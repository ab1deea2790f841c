// Package auth verifies bearer tokens presented at WebSocket upgrade and
// yields the Principal the rest of the gateway operates on (§4.1).
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is a principal's authorization role.
type Role string

const (
	RolePlayer    Role = "player"
	RoleSpectator Role = "spectator"
	RoleAdmin     Role = "admin"
)

// Principal is the authenticated subject derived from a verified token.
// Immutable for the life of a Connection.
type Principal struct {
	UserID   string
	Username string
	Role     Role
}

// IsAdmin reports whether the principal bypasses rate limiting (§4.4, §9).
// Bypass is derived exclusively from the verified token's role claim.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// Claims is the gateway's JWT claim set.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier is the capability abstraction named in §4.1: one operation,
// Verify(token) -> principal or error.
type Verifier interface {
	Verify(token string) (Principal, error)
}

// JWTVerifier verifies HS256-signed tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier constructs a Verifier backed by a shared HMAC secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates token, returning the decoded Principal.
func (v *JWTVerifier) Verify(token string) (Principal, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("invalid authentication token: %w", err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Principal{}, errors.New("invalid authentication token")
	}
	if claims.UserID == "" {
		return Principal{}, errors.New("invalid authentication token: missing subject")
	}

	role := Role(claims.Role)
	switch role {
	case RolePlayer, RoleSpectator, RoleAdmin:
	default:
		role = RolePlayer
	}

	return Principal{UserID: claims.UserID, Username: claims.Username, Role: role}, nil
}

// GenerateTestToken signs a short-lived token for a given principal, used by
// tests and local tooling to exercise the upgrade path without a real IdP.
func GenerateTestToken(secret, userID, username string, role Role, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Role:     string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   userID,
			Issuer:    "poker-ws-gateway",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
