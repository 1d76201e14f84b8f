package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret = "secret"
	testIssuer        = "writestreak-test"
	testCookieName    = "writestreak_session"
	testSubject       = "operator-1"
)

func TestValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)
	validator := mustValidator(t, func() time.Time { return clockNow })

	signed := signClaims(t, Claims{
		Roles: []string{RoleAdmin},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   testSubject,
			IssuedAt:  jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})

	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.Subject != testSubject {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if !claims.HasRole(RoleAdmin) || claims.HasRole(RoleScheduler) {
		t.Fatalf("unexpected roles %v", claims.Roles)
	}
}

func TestValidatorRejectsExpiredToken(t *testing.T) {
	clockNow := time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)
	validator := mustValidator(t, func() time.Time { return clockNow })

	signed := signClaims(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   testSubject,
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(-time.Minute)),
		},
	})

	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestValidatorRejectsForeignIssuer(t *testing.T) {
	validator := mustValidator(t, nil)

	signed := signClaims(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   testSubject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidatorValidateRequestPrefersBearerHeader(t *testing.T) {
	validator := mustValidator(t, nil)
	signed := signClaims(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   testSubject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	request := httptest.NewRequest(http.MethodGet, "/admin/users/u/streak", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+signed)
	request.AddCookie(&http.Cookie{Name: testCookieName, Value: "garbage"})
	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.Subject != testSubject {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}

	cookieRequest := httptest.NewRequest(http.MethodGet, "/admin/users/u/streak", http.NoBody)
	cookieRequest.AddCookie(&http.Cookie{Name: testCookieName, Value: signed})
	if _, err := validator.ValidateRequest(cookieRequest); err != nil {
		t.Fatalf("cookie validation failed: %v", err)
	}

	bare := httptest.NewRequest(http.MethodGet, "/admin/users/u/streak", http.NoBody)
	if _, err := validator.ValidateRequest(bare); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestNewValidatorRequiresSecretAndIssuer(t *testing.T) {
	if _, err := NewValidator(ValidatorConfig{Issuer: testIssuer}); !errors.Is(err, ErrMissingSigningKey) {
		t.Fatalf("expected ErrMissingSigningKey, got %v", err)
	}
	if _, err := NewValidator(ValidatorConfig{SigningSecret: []byte(testSigningSecret)}); !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected ErrMissingIssuer, got %v", err)
	}
}

func mustValidator(testContext *testing.T, clock func() time.Time) *Validator {
	testContext.Helper()
	validator, err := NewValidator(ValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
		Clock:         clock,
	})
	if err != nil {
		testContext.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signClaims(testContext *testing.T, claims Claims) string {
	testContext.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		testContext.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
