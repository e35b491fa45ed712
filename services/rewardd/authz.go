package rewardd

import (
	"context"

	"incentives/native/incentives"
	"incentives/services/rewardd/middleware"
)

const (
	// RoleAdmin grants every capability.
	RoleAdmin = "admin"
	// RoleWriter may call the volume, referral and contribution routes when
	// write tokens are required.
	RoleWriter = "writer"
)

// RoleAuthorizer grants a capability when the caller's token carries the
// admin role or a role named after the capability.
func RoleAuthorizer(ctx context.Context, capability incentives.Capability) bool {
	for _, role := range middleware.RolesFromContext(ctx) {
		if role == RoleAdmin || role == string(capability) {
			return true
		}
	}
	return false
}
