package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/marketplace-session-bfa/internal/domain"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newStoreTestFixture(t *testing.T) (*ProfileStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return NewProfileStore(mock, zap.NewNop()), mock
}

func strPtr(s string) *string { return &s }

func profileColumns() []string {
	return []string{
		"id", "user_id", "full_name", "avatar_url", "location",
		"bio", "category", "profile_completed", "updated_at",
	}
}

// ---------------------------------------------------------------------------
// FetchAccountRecord
// ---------------------------------------------------------------------------

func TestProfileStore_FetchAccountRecord_Success(t *testing.T) {
	store, mock := newStoreTestFixture(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT .+ FROM accounts WHERE id =").
		WithArgs("u-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "preferred_role"}).AddRow("u-1", strPtr("service-provider")))

	got, err := store.FetchAccountRecord(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.ID)
	assert.Equal(t, domain.RoleProvider, domain.ParseRole(got.PreferredRole))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProfileStore_FetchAccountRecord_NullPreference(t *testing.T) {
	store, mock := newStoreTestFixture(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT .+ FROM accounts WHERE id =").
		WithArgs("u-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "preferred_role"}).AddRow("u-1", (*string)(nil)))

	got, err := store.FetchAccountRecord(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, "", got.PreferredRole)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProfileStore_FetchAccountRecord_NotFoundIsNil(t *testing.T) {
	store, mock := newStoreTestFixture(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT .+ FROM accounts WHERE id =").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	got, err := store.FetchAccountRecord(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProfileStore_FetchAccountRecord_DBError(t *testing.T) {
	store, mock := newStoreTestFixture(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT .+ FROM accounts WHERE id =").
		WithArgs("u-1").
		WillReturnError(errors.New("connection reset"))

	_, err := store.FetchAccountRecord(context.Background(), "u-1")
	var ext *domain.ErrExternalService
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, "postgres/accounts", ext.Service)
}

// ---------------------------------------------------------------------------
// FetchRoleProfile
// ---------------------------------------------------------------------------

func TestProfileStore_FetchRoleProfile_Provider(t *testing.T) {
	store, mock := newStoreTestFixture(t)
	defer mock.Close()

	updated := time.Now().UTC().Truncate(time.Microsecond)
	mock.ExpectQuery("SELECT .+ FROM service_provider_profiles WHERE user_id =").
		WithArgs("u-1").
		WillReturnRows(pgxmock.NewRows(profileColumns()).AddRow(
			"p-1", "u-1", strPtr("Ana Lima"), (*string)(nil), strPtr("Recife"),
			strPtr("Eletricista"), strPtr("electrical"), true, &updated,
		))

	got, err := store.FetchRoleProfile(context.Background(), "u-1", domain.RoleProvider)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleProvider, got.Role)
	assert.Equal(t, "Ana Lima", got.FullName)
	assert.Equal(t, "", got.AvatarURL)
	assert.Equal(t, "electrical", got.Category)
	assert.True(t, got.Completed())
	assert.Equal(t, updated, got.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProfileStore_FetchRoleProfile_NullFullName(t *testing.T) {
	store, mock := newStoreTestFixture(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT .+ FROM client_profiles WHERE user_id =").
		WithArgs("u-1").
		WillReturnRows(pgxmock.NewRows(profileColumns()).AddRow(
			"c-1", "u-1", (*string)(nil), (*string)(nil), (*string)(nil),
			(*string)(nil), (*string)(nil), false, (*time.Time)(nil),
		))

	got, err := store.FetchRoleProfile(context.Background(), "u-1", domain.RoleClient)
	require.NoError(t, err)
	require.NotNil(t, got, "a half-filled onboarding row is still a profile")
	assert.Equal(t, "", got.FullName)
	assert.False(t, got.Completed())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProfileStore_FetchRoleProfile_ClientNotFound(t *testing.T) {
	store, mock := newStoreTestFixture(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT .+ FROM client_profiles WHERE user_id =").
		WithArgs("u-1").
		WillReturnError(pgx.ErrNoRows)

	got, err := store.FetchRoleProfile(context.Background(), "u-1", domain.RoleClient)
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProfileStore_FetchRoleProfile_UnknownRole(t *testing.T) {
	store, mock := newStoreTestFixture(t)
	defer mock.Close()

	_, err := store.FetchRoleProfile(context.Background(), "u-1", domain.RoleNone)
	var verr *domain.ErrValidation
	assert.ErrorAs(t, err, &verr)
}

// ---------------------------------------------------------------------------
// PersistPreferredRole
// ---------------------------------------------------------------------------

func TestProfileStore_PersistPreferredRole_WireSpelling(t *testing.T) {
	store, mock := newStoreTestFixture(t)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO accounts").
		WithArgs("u-1", "service-provider").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.PersistPreferredRole(context.Background(), "u-1", domain.RoleProvider))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProfileStore_PersistPreferredRole_Error(t *testing.T) {
	store, mock := newStoreTestFixture(t)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO accounts").
		WithArgs("u-1", "client").
		WillReturnError(errors.New("permission denied"))

	err := store.PersistPreferredRole(context.Background(), "u-1", domain.RoleClient)
	var ext *domain.ErrExternalService
	assert.ErrorAs(t, err, &ext)
	assert.NoError(t, mock.ExpectationsWereMet())
}
