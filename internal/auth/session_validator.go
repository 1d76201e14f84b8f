package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

var (
	ErrMissingSigningKey = errors.New("token validator: signing key required")
	ErrMissingIssuer     = errors.New("token validator: issuer required")
	ErrMissingToken      = errors.New("token validator: token required")
	ErrInvalidToken      = errors.New("token validator: invalid token")
	ErrExpiredToken      = errors.New("token validator: token expired")
	ErrMissingSubject    = errors.New("token validator: subject required")
)

// ValidatorConfig describes how to validate service tokens.
type ValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	// CookieName, when set, is consulted if no Authorization header is present.
	CookieName string
	Clock      func() time.Time
}

// Validator validates HS256 service tokens.
type Validator struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	clock         func() time.Time
}

// NewValidator constructs a validator with the provided configuration.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Validator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    strings.TrimSpace(cfg.CookieName),
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *Validator) ValidateToken(tokenString string) (Claims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Claims{}, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithIssuer(v.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrMissingSubject
	}
	return *claims, nil
}

// ValidateRequest validates the bearer token of the request, falling back to
// the configured cookie.
func (v *Validator) ValidateRequest(r *http.Request) (Claims, error) {
	if r == nil {
		return Claims{}, ErrMissingToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		if !strings.HasPrefix(header, bearerPrefix) {
			return Claims{}, fmt.Errorf("%w: unsupported authorization scheme", ErrInvalidToken)
		}
		return v.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
	}
	if v.cookieName == "" {
		return Claims{}, ErrMissingToken
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil || cookie == nil {
		return Claims{}, ErrMissingToken
	}
	return v.ValidateToken(cookie.Value)
}
