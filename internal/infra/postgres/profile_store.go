// Package postgres implements port.ProfileStore directly against the
// Supabase Postgres database, bypassing PostgREST.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/marketplace-session-bfa/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("postgres")

// DBTX is the subset of *pgxpool.Pool the store needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// profileQueries selects one role profile per table. Client profiles have
// no category column.
var profileQueries = map[domain.Role]string{
	domain.RoleClient: `
		SELECT id::text, user_id::text, full_name, avatar_url, location, bio, NULL::text AS category, profile_completed, updated_at
		FROM client_profiles
		WHERE user_id = $1
		LIMIT 1`,
	domain.RoleProvider: `
		SELECT id::text, user_id::text, full_name, avatar_url, location, bio, category, profile_completed, updated_at
		FROM service_provider_profiles
		WHERE user_id = $1
		LIMIT 1`,
}

// ProfileStore reads accounts and role profiles with pgx.
type ProfileStore struct {
	db     DBTX
	logger *zap.Logger
}

// NewProfileStore creates a Postgres-backed profile store.
func NewProfileStore(db DBTX, logger *zap.Logger) *ProfileStore {
	return &ProfileStore{db: db, logger: logger}
}

// FetchAccountRecord returns (nil, nil) when the principal has no accounts row.
func (s *ProfileStore) FetchAccountRecord(ctx context.Context, principalID string) (*domain.AccountRecord, error) {
	ctx, span := tracer.Start(ctx, "Postgres.FetchAccountRecord")
	defer span.End()
	span.SetAttributes(attribute.String("principal.id", principalID))

	query := `SELECT id::text, preferred_role FROM accounts WHERE id = $1`

	var (
		acc       domain.AccountRecord
		preferred *string
	)
	err := s.db.QueryRow(ctx, query, principalID).Scan(&acc.ID, &preferred)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, &domain.ErrExternalService{Service: "postgres/accounts", Err: fmt.Errorf("select account: %w", err)}
	}
	if preferred != nil {
		acc.PreferredRole = *preferred
	}
	return &acc, nil
}

// FetchRoleProfile returns (nil, nil) when the principal has no profile for role.
func (s *ProfileStore) FetchRoleProfile(ctx context.Context, principalID string, role domain.Role) (*domain.RoleProfile, error) {
	ctx, span := tracer.Start(ctx, "Postgres.FetchRoleProfile")
	defer span.End()
	span.SetAttributes(
		attribute.String("principal.id", principalID),
		attribute.String("role", role.String()),
	)

	query, ok := profileQueries[role]
	if !ok {
		return nil, &domain.ErrValidation{Field: "role", Message: "unknown role " + role.String()}
	}

	var (
		p                                         domain.RoleProfile
		fullName, avatar, location, bio, category *string
		updatedAt                                 *time.Time
	)
	err := s.db.QueryRow(ctx, query, principalID).Scan(
		&p.ID, &p.UserID, &fullName, &avatar, &location, &bio, &category, &p.ProfileCompleted, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, &domain.ErrExternalService{Service: "postgres/" + role.String() + "_profiles", Err: fmt.Errorf("select profile: %w", err)}
	}

	p.Role = role
	p.FullName = deref(fullName)
	p.AvatarURL = deref(avatar)
	p.Location = deref(location)
	p.Bio = deref(bio)
	p.Category = deref(category)
	if updatedAt != nil {
		p.UpdatedAt = *updatedAt
	}
	return &p, nil
}

// PersistPreferredRole upserts accounts.preferred_role in the backend spelling.
func (s *ProfileStore) PersistPreferredRole(ctx context.Context, principalID string, role domain.Role) error {
	ctx, span := tracer.Start(ctx, "Postgres.PersistPreferredRole")
	defer span.End()
	span.SetAttributes(
		attribute.String("principal.id", principalID),
		attribute.String("role", role.String()),
	)

	query := `
		INSERT INTO accounts (id, preferred_role)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET preferred_role = EXCLUDED.preferred_role`

	var preferred any
	if role.Valid() {
		preferred = role.WireValue()
	}

	if _, err := s.db.Exec(ctx, query, principalID, preferred); err != nil {
		return &domain.ErrExternalService{Service: "postgres/accounts", Err: fmt.Errorf("upsert preferred role: %w", err)}
	}

	s.logger.Info("postgres: preferred role persisted",
		zap.String("principal_id", principalID),
		zap.String("preferred_role", role.WireValue()),
	)
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
