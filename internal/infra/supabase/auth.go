package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/boddenberg/marketplace-session-bfa/internal/domain"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ============================================================
// Auth: per-device GoTrue session source (implements port.SessionSource)
// ============================================================

// AuthConfig configures the GoTrue session source.
type AuthConfig struct {
	BaseURL string
	AnonKey string
	// JWTSecret verifies access tokens locally. Empty means tokens are
	// validated with a GET /auth/v1/user round trip.
	JWTSecret string
	// RefreshLead is how long before expiry the token is refreshed.
	RefreshLead time.Duration
	// RetryAfter is the delay before retrying a failed background refresh.
	RetryAfter time.Duration
}

const eventBuffer = 16

// Auth tracks one device's session against Supabase Auth.
type Auth struct {
	httpClient *http.Client
	cfg        AuthConfig
	logger     *zap.Logger

	mu      sync.Mutex
	session *domain.Session
	gen     uint64
	timer   *time.Timer
	pending []domain.SessionEvent

	events   chan domain.SessionEvent
	wake     chan struct{}
	done     chan struct{}
	pumpDone chan struct{}
	once     sync.Once
}

// NewAuth creates a session source with no session.
func NewAuth(httpClient *http.Client, cfg AuthConfig, logger *zap.Logger) *Auth {
	if cfg.RefreshLead <= 0 {
		cfg.RefreshLead = time.Minute
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 10 * time.Second
	}
	a := &Auth{
		httpClient: httpClient,
		cfg:        cfg,
		logger:     logger,
		events:     make(chan domain.SessionEvent, eventBuffer),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		pumpDone:   make(chan struct{}),
	}
	go a.pump()
	return a
}

// tokenResponse is the GoTrue /token payload.
type tokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int64    `json:"expires_in"`
	ExpiresAt    int64    `json:"expires_at"`
	User         userInfo `json:"user"`
}

type userInfo struct {
	ID    string `json:"id"`
	Phone string `json:"phone"`
}

type accessClaims struct {
	Phone string `json:"phone"`
	jwt.RegisteredClaims
}

// Events delivers lifecycle events in order.
func (a *Auth) Events() <-chan domain.SessionEvent {
	return a.events
}

// GetSession returns a copy of the current session, refreshing it first when
// it has expired. Failures are logged and reported as no session.
func (a *Auth) GetSession(ctx context.Context) *domain.Session {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()

	if s == nil {
		return nil
	}
	if !s.Expiry.IsZero() && time.Now().After(s.Expiry) {
		refreshed, err := a.Refresh(ctx)
		if err != nil {
			a.logger.Warn("auth: expired session could not be refreshed",
				zap.String("principal_id", s.PrincipalID),
				zap.Error(err),
			)
			return nil
		}
		return refreshed
	}
	cp := *s
	return &cp
}

// SignIn adopts tokens issued to the frontend by the external OTP flow.
func (a *Auth) SignIn(ctx context.Context, accessToken, refreshToken string) (*domain.Session, error) {
	ctx, span := tracer.Start(ctx, "Auth.SignIn")
	defer span.End()

	if accessToken == "" {
		return nil, &domain.ErrValidation{Field: "accessToken", Message: "required"}
	}

	s, err := a.sessionFromToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	s.RefreshToken = refreshToken

	a.mu.Lock()
	a.gen++
	a.session = s
	a.scheduleLocked(s)
	a.enqueueLocked(domain.SessionEvent{Kind: domain.EventSignedIn, Session: copySession(s)})
	a.mu.Unlock()

	a.logger.Info("auth: signed in", zap.String("principal_id", s.PrincipalID))
	return copySession(s), nil
}

// Refresh exchanges the refresh token for a new access token.
func (a *Auth) Refresh(ctx context.Context) (*domain.Session, error) {
	ctx, span := tracer.Start(ctx, "Auth.Refresh")
	defer span.End()

	a.mu.Lock()
	cur := a.session
	gen := a.gen
	a.mu.Unlock()

	if cur == nil || cur.RefreshToken == "" {
		return nil, &domain.ErrNoSession{}
	}

	var tr tokenResponse
	err := a.call(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token", "",
		map[string]string{"refresh_token": cur.RefreshToken}, &tr)
	if err != nil {
		return nil, &domain.ErrExternalService{Service: "supabase/auth", Err: err}
	}

	s := &domain.Session{
		PrincipalID:  tr.User.ID,
		Phone:        tr.User.Phone,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		Expiry:       expiryOf(tr),
	}
	if s.PrincipalID == "" {
		s.PrincipalID = cur.PrincipalID
		s.Phone = cur.Phone
	}

	a.mu.Lock()
	if a.gen != gen {
		// Signed out or signed in again while the refresh was in flight.
		a.mu.Unlock()
		return nil, &domain.ErrNoSession{}
	}
	a.session = s
	a.scheduleLocked(s)
	a.enqueueLocked(domain.SessionEvent{Kind: domain.EventTokenRefreshed, Session: copySession(s)})
	a.mu.Unlock()

	a.logger.Debug("auth: token refreshed", zap.String("principal_id", s.PrincipalID))
	return copySession(s), nil
}

// UpdateUser changes identity attributes and announces the update.
func (a *Auth) UpdateUser(ctx context.Context, attrs map[string]any) (*domain.Session, error) {
	ctx, span := tracer.Start(ctx, "Auth.UpdateUser")
	defer span.End()

	a.mu.Lock()
	cur := a.session
	a.mu.Unlock()
	if cur == nil {
		return nil, &domain.ErrNoSession{}
	}

	var u userInfo
	if err := a.call(ctx, http.MethodPut, "/auth/v1/user", cur.AccessToken, attrs, &u); err != nil {
		return nil, &domain.ErrExternalService{Service: "supabase/auth", Err: err}
	}

	a.mu.Lock()
	if a.session == nil || a.session.PrincipalID != cur.PrincipalID {
		a.mu.Unlock()
		return nil, &domain.ErrNoSession{}
	}
	if u.Phone != "" {
		a.session.Phone = u.Phone
	}
	s := copySession(a.session)
	a.enqueueLocked(domain.SessionEvent{Kind: domain.EventUserUpdated, Session: copySession(s)})
	a.mu.Unlock()

	return s, nil
}

// SignOut drops the session locally and revokes it remotely, best effort.
func (a *Auth) SignOut(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Auth.SignOut")
	defer span.End()

	a.mu.Lock()
	cur := a.session
	a.session = nil
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.enqueueLocked(domain.SessionEvent{Kind: domain.EventSignedOut})
	a.mu.Unlock()

	if cur == nil {
		return nil
	}
	if err := a.call(ctx, http.MethodPost, "/auth/v1/logout", cur.AccessToken, nil, nil); err != nil {
		a.logger.Warn("auth: remote logout failed",
			zap.String("principal_id", cur.PrincipalID),
			zap.Error(err),
		)
	}
	a.logger.Info("auth: signed out", zap.String("principal_id", cur.PrincipalID))
	return nil
}

// Close stops the refresher and closes the event channel.
// Undelivered events are dropped.
func (a *Auth) Close() {
	a.once.Do(func() {
		a.mu.Lock()
		if a.timer != nil {
			a.timer.Stop()
			a.timer = nil
		}
		a.mu.Unlock()

		close(a.done)
		<-a.pumpDone
	})
}

// enqueueLocked queues ev behind every event committed before it.
// Caller holds a.mu.
func (a *Auth) enqueueLocked(ev domain.SessionEvent) {
	a.pending = append(a.pending, ev)
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// pump is the only sender on a.events.
func (a *Auth) pump() {
	defer close(a.pumpDone)
	defer close(a.events)

	for {
		select {
		case <-a.done:
			return
		case <-a.wake:
		}

		a.mu.Lock()
		batch := a.pending
		a.pending = nil
		a.mu.Unlock()

		for _, ev := range batch {
			select {
			case a.events <- ev:
			case <-a.done:
				return
			}
		}
	}
}

// scheduleLocked arms the background refresh for s. Caller holds a.mu.
func (a *Auth) scheduleLocked(s *domain.Session) {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if s.RefreshToken == "" || s.Expiry.IsZero() {
		return
	}
	wait := time.Until(s.Expiry) - a.cfg.RefreshLead
	if wait < 0 {
		wait = 0
	}
	a.armLocked(wait)
}

func (a *Auth) armLocked(wait time.Duration) {
	gen := a.gen
	a.timer = time.AfterFunc(wait, func() { a.backgroundRefresh(gen) })
}

func (a *Auth) backgroundRefresh(gen uint64) {
	select {
	case <-a.done:
		return
	default:
	}

	a.mu.Lock()
	stale := a.gen != gen || a.session == nil
	a.mu.Unlock()
	if stale {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := a.Refresh(ctx)
	if err == nil {
		return
	}

	var se *statusError
	if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 {
		a.logger.Warn("auth: refresh token rejected, signing out", zap.Error(err))
		_ = a.SignOut(ctx)
		return
	}

	a.logger.Warn("auth: background refresh failed, will retry",
		zap.Duration("retry_after", a.cfg.RetryAfter),
		zap.Error(err),
	)
	a.mu.Lock()
	if a.gen == gen && a.session != nil {
		a.armLocked(a.cfg.RetryAfter)
	}
	a.mu.Unlock()
}

// sessionFromToken derives a session from an access token, verifying it
// locally when a JWT secret is configured and remotely otherwise.
func (a *Auth) sessionFromToken(ctx context.Context, accessToken string) (*domain.Session, error) {
	var claims accessClaims

	if a.cfg.JWTSecret != "" {
		_, err := jwt.ParseWithClaims(accessToken, &claims, func(t *jwt.Token) (any, error) {
			return []byte(a.cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			return nil, &domain.ErrUnauthorized{Message: "invalid access token: " + err.Error()}
		}
		if claims.Subject == "" {
			return nil, &domain.ErrUnauthorized{Message: "access token has no subject"}
		}
		return &domain.Session{
			PrincipalID: claims.Subject,
			Phone:       claims.Phone,
			AccessToken: accessToken,
			Expiry:      claimsExpiry(&claims),
		}, nil
	}

	var u userInfo
	if err := a.call(ctx, http.MethodGet, "/auth/v1/user", accessToken, nil, &u); err != nil {
		var se *statusError
		if errors.As(err, &se) && (se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden) {
			return nil, &domain.ErrUnauthorized{Message: "invalid access token"}
		}
		return nil, &domain.ErrExternalService{Service: "supabase/auth", Err: err}
	}
	if u.ID == "" {
		return nil, &domain.ErrUnauthorized{Message: "access token has no user"}
	}

	// The signature was checked by GoTrue; only exp is read here.
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err != nil {
		a.logger.Debug("auth: access token claims unreadable", zap.Error(err))
	}
	return &domain.Session{
		PrincipalID: u.ID,
		Phone:       u.Phone,
		AccessToken: accessToken,
		Expiry:      claimsExpiry(&claims),
	}, nil
}

// call performs a GoTrue request. bearer falls back to the anon key.
func (a *Auth) call(ctx context.Context, method, path, bearer string, payload, dst any) error {
	var reader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if bearer == "" {
		bearer = a.cfg.AnonKey
	}
	req.Header.Set("apikey", a.cfg.AnonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{Status: resp.StatusCode, Body: string(body)}
	}
	if dst == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func claimsExpiry(c *accessClaims) time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

func expiryOf(tr tokenResponse) time.Time {
	switch {
	case tr.ExpiresAt > 0:
		return time.Unix(tr.ExpiresAt, 0)
	case tr.ExpiresIn > 0:
		return time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	default:
		return time.Time{}
	}
}

func copySession(s *domain.Session) *domain.Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}
