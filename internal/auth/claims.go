// Package auth issues and validates the HS256 bearer tokens that guard the
// admin and internal endpoints.
package auth

import (
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// RoleAdmin may run backfills and read projections.
	RoleAdmin = "admin"
	// RoleScheduler may record posts and close days.
	RoleScheduler = "scheduler"
)

// Claims is the JWT payload of a service token.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims grant role.
func (c Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// KnownRole reports whether role is one the service understands.
func KnownRole(role string) bool {
	return role == RoleAdmin || role == RoleScheduler
}
