package domain

import "strings"

// ============================================================
// Roles
// ============================================================

// Role is one of the two onboarding tracks a principal may complete.
// The zero value RoleNone means "no role".
type Role string

const (
	RoleNone     Role = ""
	RoleClient   Role = "client"
	RoleProvider Role = "service_provider"
)

// wireProvider is how the backend spells the provider role in accounts.preferred_role.
const wireProvider = "service-provider"

// ParseRole normalizes any known spelling of a role into its canonical form.
// Unknown values map to RoleNone so callers treat them as "no preference".
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "client":
		return RoleClient
	case "service_provider", "service-provider", "provider":
		return RoleProvider
	default:
		return RoleNone
	}
}

// WireValue returns the backend spelling of the role, or "" for RoleNone.
func (r Role) WireValue() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleProvider:
		return wireProvider
	default:
		return ""
	}
}

// Valid reports whether r is one of the two concrete roles.
func (r Role) Valid() bool {
	return r == RoleClient || r == RoleProvider
}

// Other returns the opposite role. RoleNone maps to RoleNone.
func (r Role) Other() Role {
	switch r {
	case RoleClient:
		return RoleProvider
	case RoleProvider:
		return RoleClient
	default:
		return RoleNone
	}
}

func (r Role) String() string {
	if r == RoleNone {
		return "none"
	}
	return string(r)
}
