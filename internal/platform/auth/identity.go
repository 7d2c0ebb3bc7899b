package auth

import (
	"context"
)

// Roles understood by the queue service.
const (
	RolePatient = "patient"
	RoleStaff   = "staff"
	RoleAdmin   = "admin"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the verified caller: who they are, what they may do, and which
// hospital they belong to. Patients usually carry no hospital; staff always do.
type Identity struct {
	UserID       string `json:"user_id"`
	Name         string `json:"name,omitempty"`
	Role         string `json:"role"`
	HospitalName string `json:"hospital_name,omitempty"`
}

// HospitalScope returns the hospital the identity is restricted to. Admins are
// unrestricted and get "".
func (i *Identity) HospitalScope() string {
	if i == nil || i.Role == RoleAdmin {
		return ""
	}
	return i.HospitalName
}

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the identity stored by the auth middleware, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

func UserIDFromContext(ctx context.Context) string {
	if id := IdentityFromContext(ctx); id != nil {
		return id.UserID
	}
	return ""
}

func RoleFromContext(ctx context.Context) string {
	if id := IdentityFromContext(ctx); id != nil {
		return id.Role
	}
	return ""
}
