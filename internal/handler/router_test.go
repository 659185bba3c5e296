package handler_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/marketplace-session-bfa/internal/domain"
	"github.com/boddenberg/marketplace-session-bfa/internal/handler"
	"github.com/boddenberg/marketplace-session-bfa/internal/infra/intent"
	"github.com/boddenberg/marketplace-session-bfa/internal/infra/observability"
	"github.com/boddenberg/marketplace-session-bfa/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Fakes ---

// fakeSource signs in whatever access token it is given, using it as the
// principal id.
type fakeSource struct {
	mu      sync.Mutex
	session *domain.Session
	events  chan domain.SessionEvent
	once    sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: make(chan domain.SessionEvent, 16)}
}

func (f *fakeSource) GetSession(context.Context) *domain.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return nil
	}
	cp := *f.session
	return &cp
}

func (f *fakeSource) Events() <-chan domain.SessionEvent { return f.events }

func (f *fakeSource) SignIn(_ context.Context, accessToken, refreshToken string) (*domain.Session, error) {
	if strings.HasPrefix(accessToken, "bad") {
		return nil, &domain.ErrUnauthorized{Message: "invalid access token"}
	}
	s := domain.Session{PrincipalID: accessToken, AccessToken: accessToken, RefreshToken: refreshToken}
	f.mu.Lock()
	f.session = &s
	f.mu.Unlock()
	cp := s
	f.events <- domain.SessionEvent{Kind: domain.EventSignedIn, Session: &cp}
	return &s, nil
}

func (f *fakeSource) Refresh(context.Context) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return nil, &domain.ErrNoSession{}
	}
	cp := *f.session
	return &cp, nil
}

func (f *fakeSource) UpdateUser(_ context.Context, attrs map[string]any) (*domain.Session, error) {
	f.mu.Lock()
	if f.session == nil {
		f.mu.Unlock()
		return nil, &domain.ErrNoSession{}
	}
	s := *f.session
	s.Phone, _ = attrs["phone"].(string)
	f.session = &s
	f.mu.Unlock()
	cp := s
	f.events <- domain.SessionEvent{Kind: domain.EventUserUpdated, Session: &cp}
	return &s, nil
}

func (f *fakeSource) SignOut(context.Context) error {
	f.mu.Lock()
	f.session = nil
	f.mu.Unlock()
	f.events <- domain.SessionEvent{Kind: domain.EventSignedOut}
	return nil
}

func (f *fakeSource) Close() {
	f.once.Do(func() { close(f.events) })
}

type fakeStore struct {
	mu         sync.Mutex
	accounts   map[string]string
	profiles   map[domain.Role]*domain.RoleProfile
	persistErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: make(map[string]string),
		profiles: make(map[domain.Role]*domain.RoleProfile),
	}
}

func (f *fakeStore) FetchAccountRecord(_ context.Context, principalID string) (*domain.AccountRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	preferred, ok := f.accounts[principalID]
	if !ok {
		return nil, nil
	}
	return &domain.AccountRecord{ID: principalID, PreferredRole: preferred}, nil
}

func (f *fakeStore) FetchRoleProfile(_ context.Context, principalID string, role domain.Role) (*domain.RoleProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.profiles[role].Clone()
	if p != nil {
		p.UserID = principalID
		p.Role = role
	}
	return p, nil
}

func (f *fakeStore) PersistPreferredRole(_ context.Context, principalID string, role domain.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistErr != nil {
		return f.persistErr
	}
	f.accounts[principalID] = role.WireValue()
	return nil
}

// --- Helpers ---

type sessionBody struct {
	DeviceID          string              `json:"deviceId"`
	Phase             string              `json:"phase"`
	ActiveRole        *string             `json:"activeRole"`
	PendingRoleIntent *string             `json:"pendingRoleIntent"`
	NeedsSetup        bool                `json:"needsSetup"`
	SetupRole         *string             `json:"setupRole"`
	IsLoading         bool                `json:"isLoading"`
	ClientProfile     *domain.RoleProfile `json:"clientProfile"`
	DirtyFields       map[string][]string `json:"dirtyFields"`
	Principal         *domain.Principal   `json:"principal"`
}

type switchBody struct {
	Switched bool        `json:"switched"`
	Error    string      `json:"error"`
	Session  sessionBody `json:"session"`
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func newTestRouter(t *testing.T, store *fakeStore, checks ...handler.HealthCheck) (http.Handler, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics()
	logger := zap.NewNop()
	factory := func(_ context.Context, deviceID string) *session.Controller {
		return session.NewController(deviceID, newFakeSource(), store, intent.NewMemory(),
			session.Options{Metrics: metrics}, logger)
	}
	reg := session.NewRegistry(factory, time.Minute, metrics, logger)
	t.Cleanup(reg.Close)
	return handler.NewRouter(reg, checks, metrics, logger), metrics
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(observability.DeviceHeader, "device-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// --- Operational endpoints ---

func TestHealthz(t *testing.T) {
	router := handler.NewRouter(nil, nil, observability.NewMetrics(), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	checks := []handler.HealthCheck{{Name: "supabase", Check: func(context.Context) error { return nil }}}
	router := handler.NewRouter(nil, checks, observability.NewMetrics(), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestReadyz_DependencyDown(t *testing.T) {
	checks := []handler.HealthCheck{
		{Name: "supabase", Check: func(context.Context) error { return nil }},
		{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }},
	}
	router := handler.NewRouter(nil, checks, observability.NewMetrics(), zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	status := decode[domain.HealthStatus](t, rec)
	assert.Equal(t, "degraded", status.Status)
	require.Len(t, status.Services, 3)
	assert.Equal(t, "redis", status.Services[2].Name)
	assert.Equal(t, "connection refused", status.Services[2].Error)

	// healthz reports the same but stays 200.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetrics(t *testing.T) {
	router := handler.NewRouter(nil, nil, observability.NewMetrics(), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

// --- Device identification ---

func TestSession_IssuesDeviceID(t *testing.T) {
	router, _ := newTestRouter(t, newFakeStore())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/session", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	issued := rec.Header().Get(observability.DeviceHeader)
	require.NotEmpty(t, issued)

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == handler.DeviceCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "device cookie not set")
	assert.Equal(t, issued, cookie.Value)

	body := decode[sessionBody](t, rec)
	assert.Equal(t, issued, body.DeviceID)
	assert.Equal(t, string(domain.PhaseSignedOut), body.Phase)
	assert.Nil(t, body.ActiveRole)
}

func TestSession_DeviceFromCookie(t *testing.T) {
	router, _ := newTestRouter(t, newFakeStore())

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.AddCookie(&http.Cookie{Name: handler.DeviceCookie, Value: "cookie-device"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cookie-device", decode[sessionBody](t, rec).DeviceID)
	assert.Empty(t, rec.Result().Cookies())
}

func TestSession_DeviceIDTooLong(t *testing.T) {
	router, _ := newTestRouter(t, newFakeStore())

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set(observability.DeviceHeader, strings.Repeat("x", 200))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- Session flow ---

func TestSignIn_ResolvesPreferredRole(t *testing.T) {
	store := newFakeStore()
	store.accounts["user-1"] = "service-provider"
	store.profiles[domain.RoleClient] = &domain.RoleProfile{FullName: "Ana", ProfileCompleted: true}
	store.profiles[domain.RoleProvider] = &domain.RoleProfile{FullName: "Ana Pro", ProfileCompleted: true}
	router, metrics := newTestRouter(t, store)

	rec := do(t, router, http.MethodPost, "/v1/session/signin", `{"accessToken":"user-1","refreshToken":"rt"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[sessionBody](t, rec)
	assert.Equal(t, string(domain.PhaseReady), body.Phase)
	assert.False(t, body.IsLoading)
	assert.Equal(t, "service_provider", str(body.ActiveRole))
	assert.False(t, body.NeedsSetup)
	require.NotNil(t, body.Principal)
	assert.Equal(t, "user-1", body.Principal.ID)

	assert.Equal(t, float64(1), metrics.Snapshot().Events["signed_in"])
}

func TestSignIn_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"missing token", `{"refreshToken":"rt"}`, http.StatusBadRequest},
		{"malformed json", `{"accessToken":`, http.StatusBadRequest},
		{"unknown field", `{"accessToken":"u","password":"x"}`, http.StatusBadRequest},
		{"rejected token", `{"accessToken":"bad-token"}`, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestRouter(t, newFakeStore())
			rec := do(t, router, http.MethodPost, "/v1/session/signin", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestSignOut_ClearsState(t *testing.T) {
	store := newFakeStore()
	store.profiles[domain.RoleClient] = &domain.RoleProfile{FullName: "Ana", ProfileCompleted: true}
	router, _ := newTestRouter(t, store)

	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/v1/session/signin", `{"accessToken":"user-1"}`).Code)

	rec := do(t, router, http.MethodPost, "/v1/session/signout", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[sessionBody](t, rec)
	assert.Equal(t, string(domain.PhaseSignedOut), body.Phase)
	assert.Nil(t, body.ActiveRole)
	assert.Nil(t, body.ClientProfile)
	assert.Nil(t, body.Principal)
}

func TestRefresh_WithoutSession(t *testing.T) {
	router, _ := newTestRouter(t, newFakeStore())

	rec := do(t, router, http.MethodPost, "/v1/session/refresh", "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefresh_KeepsRole(t *testing.T) {
	store := newFakeStore()
	store.profiles[domain.RoleClient] = &domain.RoleProfile{FullName: "Ana", ProfileCompleted: true}
	store.profiles[domain.RoleProvider] = &domain.RoleProfile{FullName: "Ana Pro", ProfileCompleted: true}
	router, _ := newTestRouter(t, store)

	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/v1/session/signin", `{"accessToken":"user-1"}`).Code)
	rec := do(t, router, http.MethodPost, "/v1/session/role", `{"role":"service_provider"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// Backend preference moves back; a refresh must not follow it.
	store.mu.Lock()
	store.accounts["user-1"] = "client"
	store.mu.Unlock()

	rec = do(t, router, http.MethodPost, "/v1/session/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "service_provider", str(decode[sessionBody](t, rec).ActiveRole))
}

func TestUpdateUser(t *testing.T) {
	store := newFakeStore()
	store.profiles[domain.RoleClient] = &domain.RoleProfile{FullName: "Ana", ProfileCompleted: true}
	router, _ := newTestRouter(t, store)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/v1/session/signin", `{"accessToken":"user-1"}`).Code)

	rec := do(t, router, http.MethodPut, "/v1/session/user", `{"phone":"not-a-phone"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPut, "/v1/session/user", `{"phone":"+5511999990000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[sessionBody](t, rec)
	require.NotNil(t, body.Principal)
	assert.Equal(t, "+5511999990000", body.Principal.Phone)
	assert.Equal(t, "client", str(body.ActiveRole))
}

// --- Roles ---

func TestSwitchRole(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		persistErr   error
		wantStatus   int
		wantSwitched bool
		wantRole     string
	}{
		{
			name:       "incomplete role without force is a no-op",
			body:       `{"role":"service_provider"}`,
			wantStatus: http.StatusOK,
			wantRole:   "client",
		},
		{
			name:         "forced switch into setup",
			body:         `{"role":"service-provider","force":true}`,
			wantStatus:   http.StatusOK,
			wantSwitched: true,
			wantRole:     "service_provider",
		},
		{
			name:         "persist failure keeps the new role",
			body:         `{"role":"provider","force":true}`,
			persistErr:   &domain.ErrExternalService{Service: "supabase/accounts", Err: errors.New("502")},
			wantStatus:   http.StatusBadGateway,
			wantSwitched: true,
			wantRole:     "service_provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.profiles[domain.RoleClient] = &domain.RoleProfile{FullName: "Ana", ProfileCompleted: true}
			router, _ := newTestRouter(t, store)
			require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/v1/session/signin", `{"accessToken":"user-1"}`).Code)

			store.mu.Lock()
			store.persistErr = tt.persistErr
			store.mu.Unlock()

			rec := do(t, router, http.MethodPost, "/v1/session/role", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			body := decode[switchBody](t, rec)
			assert.Equal(t, tt.wantSwitched, body.Switched)
			assert.Equal(t, tt.wantRole, str(body.Session.ActiveRole))
			assert.False(t, body.Session.NeedsSetup)
			if tt.persistErr != nil {
				assert.NotEmpty(t, body.Error)
			}
		})
	}
}

func TestSwitchRole_Invalid(t *testing.T) {
	router, _ := newTestRouter(t, newFakeStore())

	rec := do(t, router, http.MethodPost, "/v1/session/role", `{"role":"admin"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "role")
}

func TestSwitchRole_WithoutSession(t *testing.T) {
	router, _ := newTestRouter(t, newFakeStore())

	rec := do(t, router, http.MethodPost, "/v1/session/role", `{"role":"client"}`)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIntent_SetAndClear(t *testing.T) {
	store := newFakeStore()
	store.profiles[domain.RoleClient] = &domain.RoleProfile{FullName: "Ana", ProfileCompleted: true}
	router, _ := newTestRouter(t, store)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/v1/session/signin", `{"accessToken":"user-1"}`).Code)

	rec := do(t, router, http.MethodPut, "/v1/session/intent", `{"role":"service_provider"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[sessionBody](t, rec)
	assert.Equal(t, "service_provider", str(body.PendingRoleIntent))
	assert.True(t, body.NeedsSetup)
	assert.Equal(t, "service_provider", str(body.SetupRole))
	assert.Equal(t, "client", str(body.ActiveRole))

	rec = do(t, router, http.MethodDelete, "/v1/session/intent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode[sessionBody](t, rec)
	assert.Nil(t, body.PendingRoleIntent)
	assert.False(t, body.NeedsSetup)
	assert.Nil(t, body.SetupRole)
}

// --- Profile edits ---

func TestPatchProfile(t *testing.T) {
	store := newFakeStore()
	store.profiles[domain.RoleClient] = &domain.RoleProfile{FullName: "Ana", ProfileCompleted: true}
	router, _ := newTestRouter(t, store)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/v1/session/signin", `{"accessToken":"user-1"}`).Code)

	rec := do(t, router, http.MethodPatch, "/v1/session/profiles/client", `{"bio":"hello","location":"SP"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode[sessionBody](t, rec)
	require.NotNil(t, body.ClientProfile)
	assert.Equal(t, "hello", body.ClientProfile.Bio)
	assert.Equal(t, "SP", body.ClientProfile.Location)
	assert.ElementsMatch(t, []string{"bio", "location"}, body.DirtyFields["client"])
}

func TestPatchProfile_Errors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{"unknown role", "/v1/session/profiles/admin", `{"bio":"x"}`, http.StatusBadRequest},
		{"empty patch", "/v1/session/profiles/client", `{}`, http.StatusBadRequest},
		{"bad avatar url", "/v1/session/profiles/client", `{"avatar_url":"not a url"}`, http.StatusBadRequest},
		{"empty name", "/v1/session/profiles/client", `{"full_name":""}`, http.StatusBadRequest},
		{"no profile for role", "/v1/session/profiles/service_provider", `{"bio":"x"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.profiles[domain.RoleClient] = &domain.RoleProfile{FullName: "Ana", ProfileCompleted: true}
			router, _ := newTestRouter(t, store)
			require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/v1/session/signin", `{"accessToken":"user-1"}`).Code)

			rec := do(t, router, http.MethodPatch, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

// --- Metrics + stream ---

func TestSessionMetrics(t *testing.T) {
	store := newFakeStore()
	router, _ := newTestRouter(t, store)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/v1/session/signin", `{"accessToken":"user-1"}`).Code)

	rec := do(t, router, http.MethodGet, "/v1/metrics/session", "")
	require.Equal(t, http.StatusOK, rec.Code)

	snap := decode[observability.SessionSnapshot](t, rec)
	assert.Equal(t, float64(1), snap.Events["signed_in"])
}

func TestSessionEvents_Streams(t *testing.T) {
	store := newFakeStore()
	store.profiles[domain.RoleClient] = &domain.RoleProfile{FullName: "Ana", ProfileCompleted: true}
	router, _ := newTestRouter(t, store)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/session/events", nil)
	require.NoError(t, err)
	req.Header.Set(observability.DeviceHeader, "device-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan sessionBody, 8)
	go func() {
		defer close(events)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var b sessionBody
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &b) == nil {
				events <- b
			}
		}
	}()

	first := <-events
	assert.Equal(t, string(domain.PhaseSignedOut), first.Phase)

	signIn, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/v1/session/signin",
		strings.NewReader(`{"accessToken":"user-1"}`))
	require.NoError(t, err)
	signIn.Header.Set(observability.DeviceHeader, "device-1")
	signResp, err := http.DefaultClient.Do(signIn)
	require.NoError(t, err)
	signResp.Body.Close()
	require.Equal(t, http.StatusOK, signResp.StatusCode)

	for ev := range events {
		if ev.Phase == string(domain.PhaseReady) && !ev.IsLoading {
			assert.Equal(t, "client", str(ev.ActiveRole))
			cancel()
			return
		}
	}
	t.Fatal("stream ended before the signed-in state arrived")
}

func TestSession_UnknownDeviceStartsNoController(t *testing.T) {
	metrics := observability.NewMetrics()
	logger := zap.NewNop()
	var mu sync.Mutex
	built := 0
	factory := func(_ context.Context, deviceID string) *session.Controller {
		mu.Lock()
		built++
		mu.Unlock()
		return session.NewController(deviceID, newFakeSource(), newFakeStore(), intent.NewMemory(),
			session.Options{Metrics: metrics}, logger)
	}
	peek := func(_ context.Context, deviceID string) domain.Role {
		if deviceID == "returning" {
			return domain.RoleProvider
		}
		return domain.RoleNone
	}
	reg := session.NewRegistry(factory, time.Minute, metrics, logger, session.WithIntentPeek(peek))
	t.Cleanup(reg.Close)
	router := handler.NewRouter(reg, nil, metrics, logger)

	calls := []struct {
		method, path, body string
		wantStatus         int
	}{
		{http.MethodGet, "/v1/session", "", http.StatusOK},
		{http.MethodPost, "/v1/session/refresh", "", http.StatusUnauthorized},
		{http.MethodPost, "/v1/session/signout", "", http.StatusOK},
		{http.MethodPut, "/v1/session/user", `{"phone":"+5511999990000"}`, http.StatusUnauthorized},
		{http.MethodPost, "/v1/session/role", `{"role":"client"}`, http.StatusUnauthorized},
		{http.MethodPatch, "/v1/session/profiles/client", `{"bio":"x"}`, http.StatusUnauthorized},
	}
	for i := 0; i < 20; i++ {
		for _, c := range calls {
			req := httptest.NewRequest(c.method, c.path, strings.NewReader(c.body))
			// Even rounds send no id at all, so a fresh one is issued each time.
			if i%2 == 1 {
				req.Header.Set(observability.DeviceHeader, "crawler-"+c.path)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			require.Equal(t, c.wantStatus, rec.Code, "%s %s", c.method, c.path)
		}
	}

	mu.Lock()
	assert.Zero(t, built)
	mu.Unlock()
	assert.Zero(t, reg.Len())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set(observability.DeviceHeader, "returning")
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[sessionBody](t, rec)
	assert.Equal(t, "returning", body.DeviceID)
	assert.Equal(t, string(domain.PhaseSignedOut), body.Phase)
	assert.Equal(t, "service_provider", str(body.PendingRoleIntent))
	assert.Zero(t, reg.Len())
}
