package access

import (
	"errors"
	"testing"
	"time"
)

func TestTokenSignVerifyRoundTrip(t *testing.T) {
	signer, err := NewTokenSigner("secret-secret-secret", 15*time.Minute)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	principal := Principal{
		User:        User{ID: "u1", OrganizationID: "org1"},
		Permissions: PermissionSet{"clients:read": {}},
	}
	token, exp, err := signer.Sign(principal)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !exp.After(time.Now()) {
		t.Fatalf("expected future expiry")
	}

	claims, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "u1" || claims.OrganizationID != "org1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Permissions) != 1 || claims.Permissions[0] != "clients:read" {
		t.Fatalf("unexpected permissions claim: %v", claims.Permissions)
	}
}

func TestTokenVerifyRejectsExpired(t *testing.T) {
	now := time.Now()
	signer, err := NewTokenSigner("secret-secret-secret", time.Minute)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	signer.WithClock(func() time.Time { return now })

	token, _, err := signer.Sign(Principal{User: User{ID: "u1"}})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := signer.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTokenVerifyRejectsWrongSecret(t *testing.T) {
	a, _ := NewTokenSigner("secret-a-secret-a", time.Minute)
	b, _ := NewTokenSigner("secret-b-secret-b", time.Minute)

	token, _, err := a.Sign(Principal{User: User{ID: "u1"}})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := b.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestCatalogValidateKeys(t *testing.T) {
	catalog := NewCatalog(BuiltinPermissions)
	if err := catalog.ValidateKeys([]string{"clients:read", "audit:export"}); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := catalog.ValidateKeys([]string{"clients:read", "rockets:launch"}); !errors.Is(err, ErrUnknownPermission) {
		t.Fatalf("expected ErrUnknownPermission, got %v", err)
	}
}

func TestSplitKey(t *testing.T) {
	resource, action, err := SplitKey(" clients:read ")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if resource != "clients" || action != "read" {
		t.Fatalf("got %q %q", resource, action)
	}
	if _, _, err := SplitKey("broken"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
