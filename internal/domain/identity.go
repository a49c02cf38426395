// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxIdentityIDLen = 64

var (
	ErrIdentityEmpty   = errors.New("identity id empty")
	ErrIdentityTooLong = errors.New("identity id too long")
	ErrRoleNotFound    = errors.New("role not found")
)

type IdentityID string

// Role is the directory role attached to an identity.
type Role string

const (
	RoleEmployee   Role = "employee"
	RoleManager    Role = "manager"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Identity is the resolved caller: who they are and what the directory
// says about them.
type Identity struct {
	ID   IdentityID `json:"id"`
	Role Role       `json:"role"`
}

// NewIdentityID is a tiny helper to avoid ad-hoc casts in adapters.
func NewIdentityID(raw string) (IdentityID, error) {
	if len(raw) == 0 {
		return "", ErrIdentityEmpty
	}
	if len(raw) > MaxIdentityIDLen {
		return "", ErrIdentityTooLong
	}
	return IdentityID(raw), nil
}

// CanMonitor reports whether the role may open covert monitoring
// sessions. Intermediate administrative roles fail closed.
func (r Role) CanMonitor() bool {
	return r == RoleSuperAdmin
}
