// Package resolve decides which role profile is active for a principal.
// It is pure: no I/O, no clocks, no shared state.
package resolve

import "github.com/boddenberg/marketplace-session-bfa/internal/domain"

// Input is everything the decision depends on.
type Input struct {
	HasSession      bool
	Loading         bool
	PreserveCurrent bool
	CurrentRole     domain.Role
	// PreferredRole is the raw accounts.preferred_role value, any spelling.
	PreferredRole     string
	PendingIntent     domain.Role
	ClientCompleted   bool
	ProviderCompleted bool
}

// Output is the resolved role plus the onboarding signal.
type Output struct {
	ActiveRole domain.Role
	NeedsSetup bool
	SetupRole  domain.Role
}

// Resolve computes the active role. First matching rule wins:
//
//  1. preserve the current role when asked to and one is set
//  2. normalize the stored preference
//  3. preference provider + provider completed
//  4. preference client + client completed
//  5. exactly one completed profile
//  6. both completed, no usable preference: client
//  7. nothing usable: RoleNone
func Resolve(in Input) Output {
	return Output{
		ActiveRole: activeRole(in),
		NeedsSetup: needsSetup(in),
		SetupRole:  setupRole(in),
	}
}

func activeRole(in Input) domain.Role {
	if in.PreserveCurrent && in.CurrentRole != domain.RoleNone {
		return in.CurrentRole
	}

	preferred := domain.ParseRole(in.PreferredRole)

	switch {
	case preferred == domain.RoleProvider && in.ProviderCompleted:
		return domain.RoleProvider
	case preferred == domain.RoleClient && in.ClientCompleted:
		return domain.RoleClient
	case in.ClientCompleted && !in.ProviderCompleted:
		return domain.RoleClient
	case in.ProviderCompleted && !in.ClientCompleted:
		return domain.RoleProvider
	case in.ClientCompleted && in.ProviderCompleted:
		return domain.RoleClient
	default:
		return domain.RoleNone
	}
}

func completed(in Input, role domain.Role) bool {
	switch role {
	case domain.RoleClient:
		return in.ClientCompleted
	case domain.RoleProvider:
		return in.ProviderCompleted
	default:
		return false
	}
}

func intentUnmet(in Input) bool {
	return in.PendingIntent.Valid() && !completed(in, in.PendingIntent)
}

func needsSetup(in Input) bool {
	if !in.HasSession || in.Loading {
		return false
	}
	return intentUnmet(in) || (!in.ClientCompleted && !in.ProviderCompleted)
}

func setupRole(in Input) domain.Role {
	if intentUnmet(in) {
		return in.PendingIntent
	}
	return domain.RoleNone
}
