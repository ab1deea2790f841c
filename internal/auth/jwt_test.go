package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-do-not-use-in-prod"

func TestVerifyAcceptsValidToken(t *testing.T) {
	token, err := GenerateTestToken(testSecret, "u1", "alice", RoleAdmin, time.Minute)
	if err != nil {
		t.Fatalf("GenerateTestToken: %v", err)
	}

	v := NewJWTVerifier(testSecret)
	p, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.UserID != "u1" || p.Username != "alice" || p.Role != RoleAdmin {
		t.Errorf("Verify() = %+v, want UserID=u1 Username=alice Role=admin", p)
	}
	if !p.IsAdmin() {
		t.Error("expected admin role to report IsAdmin() = true")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := GenerateTestToken(testSecret, "u1", "alice", RolePlayer, time.Minute)
	if err != nil {
		t.Fatalf("GenerateTestToken: %v", err)
	}

	v := NewJWTVerifier("a-different-secret")
	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected an error verifying a token signed with a different secret")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	token, err := GenerateTestToken(testSecret, "u1", "alice", RolePlayer, -time.Minute)
	if err != nil {
		t.Fatalf("GenerateTestToken: %v", err)
	}

	v := NewJWTVerifier(testSecret)
	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected an error verifying an expired token")
	}
}

func TestVerifyRejectsMissingSubject(t *testing.T) {
	claims := &Claims{
		Role: string(RolePlayer),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := raw.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	v := NewJWTVerifier(testSecret)
	if _, err := v.Verify(signed); err == nil {
		t.Fatal("expected an error verifying a token with no subject/userId claim")
	}
}

func TestVerifyDefaultsUnknownRoleToPlayer(t *testing.T) {
	token, err := GenerateTestToken(testSecret, "u1", "alice", Role("referee"), time.Minute)
	if err != nil {
		t.Fatalf("GenerateTestToken: %v", err)
	}

	v := NewJWTVerifier(testSecret)
	p, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.Role != RolePlayer {
		t.Errorf("Role = %q, want fallback to %q for an unrecognized claim", p.Role, RolePlayer)
	}
}

func TestVerifyRejectsUnexpectedSigningMethod(t *testing.T) {
	claims := &Claims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			Subject:   "u1",
		},
	}
	raw := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	signed, err := raw.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	v := NewJWTVerifier(testSecret)
	if _, err := v.Verify(signed); err == nil {
		t.Fatal("expected an error verifying a token signed with alg=none")
	}
}
