package domain

import (
	"encoding/json"
	"time"
)

// ============================================================
// Identity
// ============================================================

// Principal is the authenticated identity, independent of any role profile.
type Principal struct {
	ID    string `json:"id"`
	Phone string `json:"phone,omitempty"`
}

// Session is the identity service session as seen by the BFA.
// Tokens never leave the server.
type Session struct {
	PrincipalID  string    `json:"principalId"`
	Phone        string    `json:"phone,omitempty"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	Expiry       time.Time `json:"expiresAt"`
}

// Principal returns the principal the session belongs to.
func (s *Session) Principal() *Principal {
	if s == nil {
		return nil
	}
	return &Principal{ID: s.PrincipalID, Phone: s.Phone}
}

// ============================================================
// Backend records
// ============================================================

// AccountRecord is the accounts row of a principal.
// PreferredRole keeps the raw backend spelling; use ParseRole to read it.
type AccountRecord struct {
	ID            string `json:"id"`
	PreferredRole string `json:"preferred_role,omitempty"`
}

// RoleProfile is a client_profiles or service_provider_profiles row.
type RoleProfile struct {
	ID               string    `json:"id,omitempty"`
	UserID           string    `json:"user_id"`
	Role             Role      `json:"role"`
	FullName         string    `json:"full_name"`
	AvatarURL        string    `json:"avatar_url,omitempty"`
	Location         string    `json:"location,omitempty"`
	Bio              string    `json:"bio,omitempty"`
	Category         string    `json:"category,omitempty"` // provider only
	ProfileCompleted bool      `json:"profile_completed"`
	UpdatedAt        time.Time `json:"updated_at,omitempty"`
}

// Completed reports whether p exists and finished onboarding.
func (p *RoleProfile) Completed() bool {
	return p != nil && p.ProfileCompleted
}

// Clone returns a copy of p. Nil stays nil.
func (p *RoleProfile) Clone() *RoleProfile {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// ============================================================
// Session state (the core's public surface)
// ============================================================

// Phase is the lifecycle phase of a session controller.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseLoading       Phase = "loading"
	PhaseReady         Phase = "ready"
	PhaseSignedOut     Phase = "signed_out"
)

// State is an immutable snapshot of a device's session.
// Consumers must not read ActiveRole while IsLoading is true.
type State struct {
	Phase             Phase          `json:"phase"`
	Principal         *Principal     `json:"principal"`
	Account           *AccountRecord `json:"accountRecord"`
	ClientProfile     *RoleProfile   `json:"clientProfile"`
	ProviderProfile   *RoleProfile   `json:"providerProfile"`
	ActiveRole        Role           `json:"activeRole"`
	PendingRoleIntent Role           `json:"pendingRoleIntent"`
	NeedsSetup        bool           `json:"needsSetup"`
	SetupRole         Role           `json:"setupRole"`
	IsLoading         bool           `json:"isLoading"`
	Version           uint64         `json:"version"`
}

// Profile returns the profile held for role.
func (s *State) Profile(role Role) *RoleProfile {
	switch role {
	case RoleClient:
		return s.ClientProfile
	case RoleProvider:
		return s.ProviderProfile
	default:
		return nil
	}
}

// Clone deep-copies the state so callers can keep it across commits.
func (s State) Clone() State {
	cp := s
	if s.Principal != nil {
		p := *s.Principal
		cp.Principal = &p
	}
	if s.Account != nil {
		a := *s.Account
		cp.Account = &a
	}
	cp.ClientProfile = s.ClientProfile.Clone()
	cp.ProviderProfile = s.ProviderProfile.Clone()
	return cp
}

// MarshalJSON encodes RoleNone as null.
func (r Role) MarshalJSON() ([]byte, error) {
	if r == RoleNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(r))
}

// UnmarshalJSON accepts null and every known role spelling.
func (r *Role) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*r = RoleNone
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*r = ParseRole(s)
	return nil
}

// ============================================================
// Identity service events
// ============================================================

// EventKind enumerates identity service lifecycle events.
type EventKind int

const (
	EventSignedIn EventKind = iota + 1
	EventTokenRefreshed
	EventUserUpdated
	EventSignedOut
)

func (k EventKind) String() string {
	switch k {
	case EventSignedIn:
		return "signed_in"
	case EventTokenRefreshed:
		return "token_refreshed"
	case EventUserUpdated:
		return "user_updated"
	case EventSignedOut:
		return "signed_out"
	default:
		return "unknown"
	}
}

// SessionEvent is delivered by a SessionSource. Session is nil for EventSignedOut.
type SessionEvent struct {
	Kind    EventKind
	Session *Session
}
