package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/boddenberg/marketplace-session-bfa/internal/domain"
	"github.com/boddenberg/marketplace-session-bfa/internal/infra/observability"
	"github.com/boddenberg/marketplace-session-bfa/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Sessions hands out the running controller of a device. Only Get creates
// one; routes that read or need an existing session use Lookup.
type Sessions interface {
	Get(ctx context.Context, deviceID string) *session.Controller
	Lookup(deviceID string) (*session.Controller, bool)
	Idle(ctx context.Context, deviceID string) domain.State
	Await(ctx context.Context, deviceID string) (*session.Controller, error)
}

// HealthCheck checks one dependency for /healthz and /readyz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(sessions Sessions, checks []HealthCheck, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(checks, logger))
	r.Get("/readyz", readyzHandler(checks, logger))
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/metrics/session", sessionMetricsHandler(metrics))

		r.Route("/session", func(r chi.Router) {
			r.Use(DeviceMiddleware(logger))

			r.Get("/", getSessionHandler(sessions, logger))
			r.Get("/events", sessionEventsHandler(sessions, logger))
			r.Post("/signin", signInHandler(sessions, logger))
			r.Post("/signout", signOutHandler(sessions, logger))
			r.Post("/refresh", refreshHandler(sessions, logger))
			r.Put("/user", updateUserHandler(sessions, logger))
			r.Post("/role", switchRoleHandler(sessions, logger))
			r.Put("/intent", setIntentHandler(sessions, logger))
			r.Delete("/intent", clearIntentHandler(sessions, logger))
			r.Patch("/profiles/{role}", patchProfileHandler(sessions, logger))
		})
	})

	return r
}

// ============================================================
// Request / response bodies
// ============================================================

type signInRequest struct {
	AccessToken  string `json:"accessToken" validate:"required"`
	RefreshToken string `json:"refreshToken"`
}

type updateUserRequest struct {
	Phone string `json:"phone" validate:"required,e164"`
}

type switchRoleRequest struct {
	Role  string `json:"role" validate:"required"`
	Force bool   `json:"force"`
}

type intentRequest struct {
	Role string `json:"role" validate:"required"`
}

// sessionResponse is the device's state plus the profile fields edited
// locally and not yet confirmed by the backend.
type sessionResponse struct {
	DeviceID string `json:"deviceId"`
	domain.State
	DirtyFields map[string][]string `json:"dirtyFields,omitempty"`
}

type switchRoleResponse struct {
	Switched bool            `json:"switched"`
	Error    string          `json:"error,omitempty"`
	Session  sessionResponse `json:"session"`
}

func newSessionResponse(c *session.Controller) sessionResponse {
	resp := sessionResponse{DeviceID: c.DeviceID(), State: c.Snapshot()}
	for _, role := range []domain.Role{domain.RoleClient, domain.RoleProvider} {
		if fields := c.DirtyFields(role); len(fields) > 0 {
			if resp.DirtyFields == nil {
				resp.DirtyFields = make(map[string][]string, 2)
			}
			resp.DirtyFields[role.String()] = fields
		}
	}
	return resp
}

// controllerFor returns the initialized controller of the calling device,
// creating it if needed.
func controllerFor(ctx context.Context, sessions Sessions) *session.Controller {
	c := sessions.Get(ctx, DeviceIDFromContext(ctx))
	c.Init(ctx)
	return c
}

// existingController returns the initialized controller of the calling
// device if it has one.
func existingController(ctx context.Context, sessions Sessions) (*session.Controller, bool) {
	c, ok := sessions.Lookup(DeviceIDFromContext(ctx))
	if !ok {
		return nil, false
	}
	c.Init(ctx)
	return c, true
}

func idleResponse(ctx context.Context, sessions Sessions) sessionResponse {
	deviceID := DeviceIDFromContext(ctx)
	return sessionResponse{DeviceID: deviceID, State: sessions.Idle(ctx, deviceID)}
}

// ============================================================
// Session
// ============================================================

func getSessionHandler(sessions Sessions, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/session")
		defer span.End()
		span.SetAttributes(attribute.String("device.id", DeviceIDFromContext(ctx)))

		c, ok := existingController(ctx, sessions)
		if !ok {
			writeJSON(w, http.StatusOK, idleResponse(ctx, sessions))
			return
		}
		writeJSON(w, http.StatusOK, newSessionResponse(c))
	}
}

// sessionEventsHandler streams every committed state as server-sent events
// until the client goes away.
func sessionEventsHandler(sessions Sessions, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		send := func(resp sessionResponse) bool {
			b, err := json.Marshal(resp)
			if err != nil {
				logger.Error("session stream: encode state", zap.Error(err))
				return false
			}
			if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", b); err != nil {
				return false
			}
			flusher.Flush()
			return true
		}

		// Devices without a controller get their idle state and wait for
		// one to be created by a sign-in or an intent write.
		c, ok := existingController(ctx, sessions)
		if !ok {
			if !send(idleResponse(ctx, sessions)) {
				return
			}
			var err error
			if c, err = sessions.Await(ctx, DeviceIDFromContext(ctx)); err != nil {
				return
			}
			c.Init(ctx)
		}

		for st := range c.Watch(ctx) {
			if !send(sessionResponse{DeviceID: c.DeviceID(), State: st}) {
				return
			}
		}
	}
}

func signInHandler(sessions Sessions, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/session/signin")
		defer span.End()

		var req signInRequest
		if err := decodeAndValidate(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		c := controllerFor(ctx, sessions)
		if err := c.SignIn(ctx, req.AccessToken, req.RefreshToken); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		resp := newSessionResponse(c)
		if resp.Principal != nil {
			span.SetAttributes(attribute.String("principal.id", resp.Principal.ID))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func signOutHandler(sessions Sessions, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/session/signout")
		defer span.End()

		c, ok := existingController(ctx, sessions)
		if !ok {
			writeJSON(w, http.StatusOK, idleResponse(ctx, sessions))
			return
		}
		if err := c.SignOut(ctx); err != nil {
			// The local session is already gone; the remote logout is best effort.
			logger.Warn("sign-out: remote logout failed",
				zap.String("device_id", c.DeviceID()),
				zap.Error(err),
			)
		}
		writeJSON(w, http.StatusOK, newSessionResponse(c))
	}
}

func refreshHandler(sessions Sessions, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/session/refresh")
		defer span.End()

		c, ok := existingController(ctx, sessions)
		if !ok {
			handleServiceError(w, &domain.ErrNoSession{}, logger)
			return
		}
		if err := c.Refresh(ctx); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, newSessionResponse(c))
	}
}

func updateUserHandler(sessions Sessions, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /v1/session/user")
		defer span.End()

		var req updateUserRequest
		if err := decodeAndValidate(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		c, ok := existingController(ctx, sessions)
		if !ok {
			handleServiceError(w, &domain.ErrNoSession{}, logger)
			return
		}
		if err := c.UpdateUser(ctx, map[string]any{"phone": req.Phone}); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, newSessionResponse(c))
	}
}

// ============================================================
// Roles
// ============================================================

func switchRoleHandler(sessions Sessions, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/session/role")
		defer span.End()

		var req switchRoleRequest
		if err := decodeAndValidate(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		role, err := parseRoleParam("role", req.Role)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(
			attribute.String("role", role.String()),
			attribute.Bool("force", req.Force),
		)

		c, ok := existingController(ctx, sessions)
		if !ok {
			handleServiceError(w, &domain.ErrNoSession{}, logger)
			return
		}
		switched, err := c.SwitchRole(ctx, role, req.Force)
		if err != nil {
			var persistErr *domain.ErrPersistRole
			if !errors.As(err, &persistErr) {
				handleServiceError(w, err, logger)
				return
			}
			// The switch stands or was rolled back; either way the
			// frontend needs the resulting state.
			logger.Error("role switch: preferred role not persisted",
				zap.String("device_id", c.DeviceID()),
				zap.String("role", role.String()),
				zap.String("active_role", persistErr.Active.String()),
				zap.Error(err),
			)
			writeJSON(w, http.StatusBadGateway, switchRoleResponse{
				Switched: switched,
				Error:    err.Error(),
				Session:  newSessionResponse(c),
			})
			return
		}

		writeJSON(w, http.StatusOK, switchRoleResponse{
			Switched: switched,
			Session:  newSessionResponse(c),
		})
	}
}

func setIntentHandler(sessions Sessions, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /v1/session/intent")
		defer span.End()

		var req intentRequest
		if err := decodeAndValidate(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		role, err := parseRoleParam("role", req.Role)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		c := controllerFor(ctx, sessions)
		c.SetPendingIntent(role)
		writeJSON(w, http.StatusOK, newSessionResponse(c))
	}
}

func clearIntentHandler(sessions Sessions, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /v1/session/intent")
		defer span.End()

		c := controllerFor(ctx, sessions)
		c.ClearPendingIntent()
		writeJSON(w, http.StatusOK, newSessionResponse(c))
	}
}

func patchProfileHandler(sessions Sessions, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PATCH /v1/session/profiles/{role}")
		defer span.End()

		role, err := parseRoleParam("role", chi.URLParam(r, "role"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		var patch domain.ProfilePatch
		if err := decodeAndValidate(r, &patch); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if patch.Empty() {
			handleServiceError(w, &domain.ErrValidation{Field: "body", Message: "no profile fields to change"}, logger)
			return
		}

		c, ok := existingController(ctx, sessions)
		if !ok {
			handleServiceError(w, &domain.ErrNoSession{}, logger)
			return
		}
		if err := c.PatchProfileLocal(role, patch); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, newSessionResponse(c))
	}
}

// ============================================================
// Operational
// ============================================================

func sessionMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.Snapshot())
	}
}

// runChecks checks every dependency with a short deadline.
func runChecks(ctx context.Context, checks []HealthCheck, logger *zap.Logger) domain.HealthStatus {
	now := time.Now().Format(time.RFC3339)
	services := []domain.ServiceHealth{
		{Name: "session-bfa", Status: "healthy", LastChecked: now},
	}

	overall := "healthy"
	for _, hc := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		start := time.Now()
		err := hc.Check(checkCtx)
		cancel()

		sh := domain.ServiceHealth{
			Name:        hc.Name,
			Status:      "healthy",
			LatencyMs:   time.Since(start).Milliseconds(),
			LastChecked: now,
		}
		if err != nil {
			logger.Warn("health check failed", zap.String("service", hc.Name), zap.Error(err))
			sh.Status = "degraded"
			sh.Error = err.Error()
			overall = "degraded"
		}
		services = append(services, sh)
	}

	return domain.HealthStatus{Status: overall, Services: services}
}

func healthzHandler(checks []HealthCheck, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, runChecks(r.Context(), checks, logger))
	}
}

// readyzHandler fails while any dependency is unreachable so the
// orchestrator stops routing traffic to this instance.
func readyzHandler(checks []HealthCheck, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := runChecks(r.Context(), checks, logger)
		if status.Status != "healthy" {
			writeJSON(w, http.StatusServiceUnavailable, status)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}
