// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the session
// controller from the identity backend and the device-local store.
package port

import (
	"context"

	"github.com/boddenberg/marketplace-session-bfa/internal/domain"
)

// SessionSource is the per-device view of the identity service.
type SessionSource interface {
	// GetSession returns the current session or nil. It never fails;
	// errors are logged by the implementation.
	GetSession(ctx context.Context) *domain.Session
	// Events delivers lifecycle events in arrival order. The channel is
	// closed by Close.
	Events() <-chan domain.SessionEvent

	SignIn(ctx context.Context, accessToken, refreshToken string) (*domain.Session, error)
	Refresh(ctx context.Context) (*domain.Session, error)
	UpdateUser(ctx context.Context, attrs map[string]any) (*domain.Session, error)
	SignOut(ctx context.Context) error
	Close()
}

// ProfileStore performs the account and role-profile reads/writes.
// Absence is reported as (nil, nil), never as an error.
type ProfileStore interface {
	FetchAccountRecord(ctx context.Context, principalID string) (*domain.AccountRecord, error)
	FetchRoleProfile(ctx context.Context, principalID string, role domain.Role) (*domain.RoleProfile, error)
	PersistPreferredRole(ctx context.Context, principalID string, role domain.Role) error
}

// IntentStore durably holds the pending role intent of one device.
// Get must not block on I/O.
type IntentStore interface {
	Get() domain.Role
	Set(role domain.Role)
}
