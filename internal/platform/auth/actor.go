package auth

import (
	"context"
	"strings"
)

// Role is the single role carried by a bearer credential.
type Role string

const (
	RolePatient       Role = "PATIENT"
	RoleDoctor        Role = "DOCTOR"
	RoleNurse         Role = "NURSE"
	RoleLabTechnician Role = "LAB_TECHNICIAN"
	RoleAdmin         Role = "ADMIN"
)

// userID prefixes per role.
var rolePrefixes = map[Role]string{
	RolePatient:       "P",
	RoleDoctor:        "D",
	RoleNurse:         "N",
	RoleLabTechnician: "L",
	RoleAdmin:         "A",
}

// ParseRole normalizes s and reports whether it names a known role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := rolePrefixes[r]
	return r, ok
}

// AllRoles lists every role, for routes open to any authenticated user.
func AllRoles() []Role {
	return []Role{RolePatient, RoleDoctor, RoleNurse, RoleLabTechnician, RoleAdmin}
}

// Prefix returns the userId prefix for the role.
func (r Role) Prefix() string {
	return rolePrefixes[r]
}

// IsClinical reports whether the role may create medical records.
func (r Role) IsClinical() bool {
	return r == RoleDoctor || r == RoleNurse || r == RoleLabTechnician
}

// ValidUserID reports whether id is non-empty and carries the role's prefix.
func ValidUserID(id string, role Role) bool {
	p := role.Prefix()
	return p != "" && len(id) > len(p) && strings.HasPrefix(id, p)
}

// Actor is the authenticated caller.
type Actor struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

type contextKey string

const actorKey contextKey = "actor"

// WithActor stores the actor in ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFromContext returns the authenticated actor, if any.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok && a.UserID != ""
}

func UserIDFromContext(ctx context.Context) string {
	a, _ := ActorFromContext(ctx)
	return a.UserID
}

func RoleFromContext(ctx context.Context) Role {
	a, _ := ActorFromContext(ctx)
	return a.Role
}
