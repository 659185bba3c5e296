package supabase

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/boddenberg/marketplace-session-bfa/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// ProfileStore implementation: accounts + role profiles via PostgREST
// ============================================================

// profileTables maps a role to its PostgREST table.
var profileTables = map[domain.Role]string{
	domain.RoleClient:   "client_profiles",
	domain.RoleProvider: "service_provider_profiles",
}

type accountRow struct {
	ID            string  `json:"id"`
	PreferredRole *string `json:"preferred_role"`
}

type profileRow struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	FullName         string    `json:"full_name"`
	AvatarURL        *string   `json:"avatar_url"`
	Location         *string   `json:"location"`
	Bio              *string   `json:"bio"`
	Category         *string   `json:"category"`
	ProfileCompleted bool      `json:"profile_completed"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r profileRow) toDomain(role domain.Role) *domain.RoleProfile {
	return &domain.RoleProfile{
		ID:               r.ID,
		UserID:           r.UserID,
		Role:             role,
		FullName:         r.FullName,
		AvatarURL:        deref(r.AvatarURL),
		Location:         deref(r.Location),
		Bio:              deref(r.Bio),
		Category:         deref(r.Category),
		ProfileCompleted: r.ProfileCompleted,
		UpdatedAt:        r.UpdatedAt,
	}
}

// FetchAccountRecord reads the accounts row of a principal. No row is (nil, nil).
func (c *Client) FetchAccountRecord(ctx context.Context, principalID string) (*domain.AccountRecord, error) {
	ctx, span := tracer.Start(ctx, "Supabase.FetchAccountRecord")
	defer span.End()
	span.SetAttributes(attribute.String("principal.id", principalID))

	var row accountRow
	path := fmt.Sprintf("accounts?id=eq.%s&select=id,preferred_role&limit=1", url.QueryEscape(principalID))
	found, err := getFirst(ctx, c, path, &row)
	if err != nil {
		return nil, &domain.ErrExternalService{Service: "supabase/accounts", Err: err}
	}
	if !found {
		return nil, nil
	}
	return &domain.AccountRecord{ID: row.ID, PreferredRole: deref(row.PreferredRole)}, nil
}

// FetchRoleProfile reads the profile of principalID for role. No row is (nil, nil).
func (c *Client) FetchRoleProfile(ctx context.Context, principalID string, role domain.Role) (*domain.RoleProfile, error) {
	ctx, span := tracer.Start(ctx, "Supabase.FetchRoleProfile")
	defer span.End()
	span.SetAttributes(
		attribute.String("principal.id", principalID),
		attribute.String("role", role.String()),
	)

	table, ok := profileTables[role]
	if !ok {
		return nil, &domain.ErrValidation{Field: "role", Message: "unknown role " + role.String()}
	}

	var row profileRow
	path := fmt.Sprintf("%s?user_id=eq.%s&limit=1", table, url.QueryEscape(principalID))
	found, err := getFirst(ctx, c, path, &row)
	if err != nil {
		return nil, &domain.ErrExternalService{Service: "supabase/" + table, Err: err}
	}
	if !found {
		return nil, nil
	}
	return row.toDomain(role), nil
}

// PersistPreferredRole upserts accounts.preferred_role using the backend spelling.
// Writes are not retried: the caller owns the retry policy.
func (c *Client) PersistPreferredRole(ctx context.Context, principalID string, role domain.Role) error {
	ctx, span := tracer.Start(ctx, "Supabase.PersistPreferredRole")
	defer span.End()
	span.SetAttributes(
		attribute.String("principal.id", principalID),
		attribute.String("role", role.String()),
	)

	var preferred any
	if role.Valid() {
		preferred = role.WireValue()
	}

	_, err := c.cb.Execute(func() (any, error) {
		return c.doRequest(ctx, http.MethodPost, "accounts?on_conflict=id",
			map[string]any{"id": principalID, "preferred_role": preferred},
			"resolution=merge-duplicates,return=minimal",
		)
	})
	if err = c.breakerError(err); err != nil {
		return &domain.ErrExternalService{Service: "supabase/accounts", Err: err}
	}

	c.logger.Info("supabase: preferred role persisted",
		zap.String("principal_id", principalID),
		zap.String("preferred_role", role.WireValue()),
	)
	return nil
}
