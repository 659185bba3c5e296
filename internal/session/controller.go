// Package session keeps the signed-in principal, its role profiles and the
// resolved active role of one device, and keeps them current as identity
// events arrive.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/boddenberg/marketplace-session-bfa/internal/domain"
	"github.com/boddenberg/marketplace-session-bfa/internal/infra/observability"
	"github.com/boddenberg/marketplace-session-bfa/internal/infra/resilience"
	"github.com/boddenberg/marketplace-session-bfa/internal/port"
	"github.com/boddenberg/marketplace-session-bfa/internal/resolve"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("session")

// dirtyField is an unconfirmed local edit.
type dirtyField struct {
	value   string
	version uint64
}

// overlay holds the unconfirmed edits of one role profile.
type overlay struct {
	version uint64
	fields  map[string]dirtyField
}

// Controller is the single writer of a device's session state.
// Identity events are handled one at a time, in arrival order, by the
// goroutine started with Start.
type Controller struct {
	deviceID string
	source   port.SessionSource
	store    port.ProfileStore
	intents  port.IntentStore
	opts     Options
	metrics  *observability.Metrics
	logger   *zap.Logger

	mu      sync.Mutex
	state   domain.State
	session *domain.Session
	changed chan struct{}
	closed  bool

	// Fetch sequencing: a result is applied only if its seq is newer than
	// the last one applied.
	seq     uint64
	applied uint64

	initStarted   bool
	initPrincipal string

	patches map[domain.Role]*overlay
	handled map[domain.EventKind]uint64

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	runDone   chan struct{}
	closeOnce sync.Once
}

// NewController wires a controller for deviceID. Call Start to begin
// consuming identity events and Init to load the session. logger is
// expected to carry the device id already.
func NewController(
	deviceID string,
	source port.SessionSource,
	store port.ProfileStore,
	intents port.IntentStore,
	opts Options,
	logger *zap.Logger,
) *Controller {
	opts = opts.withDefaults()
	return &Controller{
		deviceID: deviceID,
		source:   source,
		store:    store,
		intents:  intents,
		opts:     opts,
		metrics:  opts.Metrics,
		logger:   logger,
		state:    domain.State{Phase: domain.PhaseUninitialized},
		changed:  make(chan struct{}),
		patches:  make(map[domain.Role]*overlay),
		handled:  make(map[domain.EventKind]uint64),
		done:     make(chan struct{}),
		runDone:  make(chan struct{}),
	}
}

// DeviceID returns the device the controller belongs to.
func (c *Controller) DeviceID() string {
	return c.deviceID
}

// Start launches the event loop. Calling it more than once is harmless.
func (c *Controller) Start() {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			cancel()
			return
		}
		c.cancel = cancel
		go c.run(ctx)
	})
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.runDone)

	events := c.source.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handle(ctx, ev)
		}
	}
}

func (c *Controller) handle(ctx context.Context, ev domain.SessionEvent) {
	c.metrics.IncrEvent(ev.Kind.String())
	c.logger.Debug("session: event", zap.String("kind", ev.Kind.String()))

	switch ev.Kind {
	case domain.EventSignedIn:
		c.onSignedIn(ctx, ev.Session)
	case domain.EventTokenRefreshed:
		c.onTokenRefreshed(ev.Session)
	case domain.EventUserUpdated:
		c.onUserUpdated(ctx, ev.Session)
	case domain.EventSignedOut:
		c.onSignedOut()
	default:
		c.logger.Warn("session: unknown event kind", zap.Int("kind", int(ev.Kind)))
	}

	c.mu.Lock()
	c.handled[ev.Kind]++
	c.notifyLocked()
	c.mu.Unlock()
}

// ============================================================
// Lifecycle
// ============================================================

// Init loads the session once. Later calls, including concurrent ones
// while the first is still loading, return immediately.
func (c *Controller) Init(ctx context.Context) {
	c.mu.Lock()
	if c.initStarted || c.closed {
		c.mu.Unlock()
		return
	}
	c.initStarted = true
	c.mu.Unlock()

	ctx, span := tracer.Start(ctx, "Controller.Init")
	defer span.End()

	pending := c.intents.Get()
	sess := c.source.GetSession(ctx)

	c.mu.Lock()
	if sess == nil {
		st := domain.State{Phase: domain.PhaseSignedOut, PendingRoleIntent: pending}
		c.commitLocked(st)
		c.mu.Unlock()
		c.logger.Info("session: initialized without session")
		return
	}
	st := c.state.Clone()
	st.PendingRoleIntent = pending
	c.state = st
	c.initPrincipal = sess.PrincipalID
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.initPrincipal = ""
		c.mu.Unlock()
	}()

	span.SetAttributes(attribute.String("principal.id", sess.PrincipalID))
	c.reload(ctx, sess, false)
}

func (c *Controller) onSignedIn(ctx context.Context, sess *domain.Session) {
	if sess == nil {
		return
	}
	c.mu.Lock()
	racingInit := c.initPrincipal != "" && c.initPrincipal == sess.PrincipalID
	c.mu.Unlock()

	if racingInit {
		c.logger.Debug("session: sign-in covered by init", zap.String("principal_id", sess.PrincipalID))
		return
	}
	c.reload(ctx, sess, false)
}

// onTokenRefreshed stores the new token only. State is not touched.
func (c *Controller) onTokenRefreshed(sess *domain.Session) {
	if sess == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || c.session.PrincipalID != sess.PrincipalID {
		c.logger.Warn("session: token refresh for unknown principal ignored",
			zap.String("principal_id", sess.PrincipalID),
		)
		return
	}
	c.session = sess
}

// onUserUpdated adopts the updated session and reloads, keeping the role.
func (c *Controller) onUserUpdated(ctx context.Context, sess *domain.Session) {
	if sess == nil {
		return
	}
	c.mu.Lock()
	if c.session != nil && c.session.PrincipalID == sess.PrincipalID {
		c.session = sess
	}
	c.mu.Unlock()
	c.reload(ctx, sess, true)
}

func (c *Controller) onSignedOut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

// resetLocked drops everything tied to the principal, including the intent.
func (c *Controller) resetLocked() {
	c.session = nil
	c.patches = make(map[domain.Role]*overlay)
	c.intents.Set(domain.RoleNone)
	c.commitLocked(domain.State{Phase: domain.PhaseSignedOut})
}

// ============================================================
// Fetch + resolve
// ============================================================

type fetchResult struct {
	account  *domain.AccountRecord
	client   *domain.RoleProfile
	provider *domain.RoleProfile
}

// reload fetches the account and both profiles of sess's principal and
// resolves the active role. A fresh load (preserve false) adopts sess; a
// preserving reload only runs while sess's principal is still signed in
// and keeps the session already held, which may be newer than sess.
// Results that arrive after a newer fetch, a sign-out or a principal
// change are discarded.
func (c *Controller) reload(ctx context.Context, sess *domain.Session, preserve bool) {
	// In-flight fetches are never cancelled; staleness is checked on arrival.
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "Controller.reload")
	defer span.End()

	principal := sess.PrincipalID
	span.SetAttributes(
		attribute.String("principal.id", principal),
		attribute.Bool("preserve_current", preserve),
	)

	c.mu.Lock()
	if c.closed || (preserve && (c.session == nil || c.session.PrincipalID != principal)) {
		c.mu.Unlock()
		c.metrics.IncrStaleDiscard()
		return
	}
	c.seq++
	seq := c.seq
	baseVersions := c.patchVersionsLocked()

	st := c.state.Clone()
	if st.Principal == nil || st.Principal.ID != principal {
		st = domain.State{PendingRoleIntent: st.PendingRoleIntent}
		c.patches = make(map[domain.Role]*overlay)
	}
	if preserve {
		sess = c.session
	} else {
		st.ActiveRole = domain.RoleNone
		c.session = sess
	}
	st.Phase = domain.PhaseLoading
	st.IsLoading = true
	st.Principal = sess.Principal()
	st.NeedsSetup = false
	st.SetupRole = domain.RoleNone
	c.commitLocked(st)
	c.mu.Unlock()

	start := time.Now()
	res := c.fetch(ctx, principal)
	c.metrics.RecordReload(time.Since(start))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.session == nil || c.session.PrincipalID != principal || seq <= c.applied {
		c.metrics.IncrStaleDiscard()
		c.logger.Debug("session: stale fetch discarded",
			zap.String("principal_id", principal),
			zap.Uint64("seq", seq),
		)
		return
	}
	c.applied = seq

	st = c.state.Clone()
	st.Account = res.account
	st.ClientProfile = c.reconcileLocked(domain.RoleClient, res.client, baseVersions[domain.RoleClient])
	st.ProviderProfile = c.reconcileLocked(domain.RoleProvider, res.provider, baseVersions[domain.RoleProvider])

	if intent := st.PendingRoleIntent; intent.Valid() && st.Profile(intent).Completed() {
		c.logger.Info("session: pending intent fulfilled", zap.String("role", intent.String()))
		c.intents.Set(domain.RoleNone)
		st.PendingRoleIntent = domain.RoleNone
	}

	preferred := ""
	if res.account != nil {
		preferred = res.account.PreferredRole
	}
	out := resolve.Resolve(resolve.Input{
		HasSession:        true,
		PreserveCurrent:   preserve,
		CurrentRole:       st.ActiveRole,
		PreferredRole:     preferred,
		PendingIntent:     st.PendingRoleIntent,
		ClientCompleted:   st.ClientProfile.Completed(),
		ProviderCompleted: st.ProviderProfile.Completed(),
	})

	st.ActiveRole = out.ActiveRole
	st.NeedsSetup = out.NeedsSetup
	st.SetupRole = out.SetupRole
	st.IsLoading = seq != c.seq
	if st.IsLoading {
		st.Phase = domain.PhaseLoading
		st.NeedsSetup = false
	} else {
		st.Phase = domain.PhaseReady
	}
	c.commitLocked(st)

	c.metrics.IncrResolution(out.ActiveRole.String(), out.NeedsSetup)
	c.logger.Info("session: resolved",
		zap.String("principal_id", principal),
		zap.String("active_role", out.ActiveRole.String()),
		zap.Bool("needs_setup", out.NeedsSetup),
		zap.Bool("preserve_current", preserve),
	)
}

// fetch reads the three records concurrently. A failed read is logged,
// counted and reported as absent.
func (c *Controller) fetch(ctx context.Context, principal string) fetchResult {
	var res fetchResult
	var g errgroup.Group

	g.Go(func() error {
		err := c.opts.Bulkhead.Do(ctx, func() error {
			acc, err := c.store.FetchAccountRecord(ctx, principal)
			res.account = acc
			return err
		})
		c.fetchFailed("account", principal, err)
		return nil
	})
	g.Go(func() error {
		err := c.opts.Bulkhead.Do(ctx, func() error {
			p, err := c.store.FetchRoleProfile(ctx, principal, domain.RoleClient)
			res.client = p
			return err
		})
		c.fetchFailed(domain.RoleClient.String(), principal, err)
		return nil
	})
	g.Go(func() error {
		err := c.opts.Bulkhead.Do(ctx, func() error {
			p, err := c.store.FetchRoleProfile(ctx, principal, domain.RoleProvider)
			res.provider = p
			return err
		})
		c.fetchFailed(domain.RoleProvider.String(), principal, err)
		return nil
	})
	_ = g.Wait()

	return res
}

func (c *Controller) fetchFailed(record, principal string, err error) {
	if err == nil {
		return
	}
	c.metrics.IncrFetchError(record)
	c.logger.Warn("session: fetch failed, treating as absent",
		zap.String("record", record),
		zap.String("principal_id", principal),
		zap.Error(err),
	)
}

// ============================================================
// Optimistic profile patches
// ============================================================

func (c *Controller) patchVersionsLocked() map[domain.Role]uint64 {
	out := make(map[domain.Role]uint64, len(c.patches))
	for role, ov := range c.patches {
		out[role] = ov.version
	}
	return out
}

// reconcileLocked merges the unconfirmed edits of role into the fetched
// profile. Edits made after the fetch started (version > base) are kept
// as they are. Older edits are confirmed when the server agrees, and
// otherwise settled by the patch policy.
func (c *Controller) reconcileLocked(role domain.Role, server *domain.RoleProfile, base uint64) *domain.RoleProfile {
	ov := c.patches[role]
	if ov == nil || len(ov.fields) == 0 || server == nil {
		return server
	}

	out := server.Clone()
	for name, df := range ov.fields {
		if df.version > base {
			domain.SetProfileField(out, name, df.value)
			continue
		}

		sv, _ := domain.ProfileField(server, name)
		if sv == df.value {
			delete(ov.fields, name)
			continue
		}

		resolution := "server_wins"
		if c.opts.Patch == PatchLocalWins {
			resolution = "local_wins"
			domain.SetProfileField(out, name, df.value)
		} else {
			delete(ov.fields, name)
		}
		c.metrics.IncrPatchConflict(resolution)
		c.logger.Info("session: profile patch conflict",
			zap.String("role", role.String()),
			zap.String("field", name),
			zap.String("resolution", resolution),
		)
	}

	if len(ov.fields) == 0 {
		delete(c.patches, role)
	}
	return out
}

// PatchProfileLocal applies patch to the in-memory profile of role without
// a backend write. The edit stays dirty until a reload confirms it.
func (c *Controller) PatchProfileLocal(role domain.Role, patch domain.ProfilePatch) error {
	if !role.Valid() {
		return &domain.ErrValidation{Field: "role", Message: "must be client or service_provider"}
	}
	fields := patch.Fields()
	if len(fields) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return &domain.ErrNoSession{}
	}
	current := c.state.Profile(role)
	if current == nil {
		return &domain.ErrNotFound{Resource: "role profile", ID: role.String()}
	}

	ov := c.patches[role]
	if ov == nil {
		ov = &overlay{fields: make(map[string]dirtyField)}
		c.patches[role] = ov
	}
	ov.version++

	updated := current.Clone()
	for name, value := range fields {
		domain.SetProfileField(updated, name, value)
		ov.fields[name] = dirtyField{value: value, version: ov.version}
	}

	st := c.state.Clone()
	switch role {
	case domain.RoleClient:
		st.ClientProfile = updated
	case domain.RoleProvider:
		st.ProviderProfile = updated
	}
	c.commitLocked(st)
	return nil
}

// DirtyFields lists the unconfirmed fields of role's profile.
func (c *Controller) DirtyFields(role domain.Role) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ov := c.patches[role]
	if ov == nil {
		return nil
	}
	out := make([]string, 0, len(ov.fields))
	for name := range ov.fields {
		out = append(out, name)
	}
	return out
}

// ============================================================
// Role switching + intent
// ============================================================

// SwitchRole makes role active and persists it as the preferred role.
// Without force it is a no-op unless role has a completed profile; the
// returned bool reports whether the switch happened. A failed write is
// handled by the configured SwitchFailurePolicy and returned as
// *domain.ErrPersistRole.
func (c *Controller) SwitchRole(ctx context.Context, role domain.Role, force bool) (bool, error) {
	ctx, span := tracer.Start(ctx, "Controller.SwitchRole")
	defer span.End()
	span.SetAttributes(
		attribute.String("role", role.String()),
		attribute.Bool("force", force),
	)

	if !role.Valid() {
		return false, &domain.ErrValidation{Field: "role", Message: "must be client or service_provider"}
	}

	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return false, &domain.ErrNoSession{}
	}
	if !force && !c.state.Profile(role).Completed() {
		c.mu.Unlock()
		c.metrics.IncrRoleSwitch("noop")
		c.logger.Debug("session: switch ignored, role not completed", zap.String("role", role.String()))
		return false, nil
	}

	principal := c.session.PrincipalID
	previous := c.state.ActiveRole
	st := c.state.Clone()
	st.ActiveRole = role
	c.commitLocked(st)
	c.mu.Unlock()

	persist := func() error {
		return c.store.PersistPreferredRole(ctx, principal, role)
	}

	var err error
	if c.opts.SwitchFailure == SwitchRetry {
		err = resilience.RetryWithBackoff(ctx, c.opts.Retry, persist)
	} else {
		err = persist()
	}
	if err == nil {
		c.metrics.IncrRoleSwitch("ok")
		return true, nil
	}

	c.mu.Lock()
	outcome := "persist_failed"
	if c.opts.SwitchFailure == SwitchRollback &&
		c.session != nil && c.session.PrincipalID == principal &&
		c.state.ActiveRole == role {
		st := c.state.Clone()
		st.ActiveRole = previous
		c.commitLocked(st)
		outcome = "rolled_back"
	}
	active := c.state.ActiveRole
	c.mu.Unlock()

	c.metrics.IncrRoleSwitch(outcome)
	c.logger.Warn("session: preferred role not persisted",
		zap.String("principal_id", principal),
		zap.String("role", role.String()),
		zap.String("policy", string(c.opts.SwitchFailure)),
		zap.String("active_role", active.String()),
		zap.Error(err),
	)
	return true, &domain.ErrPersistRole{Role: role, Active: active, Err: err}
}

// SetPendingIntent records the role the user is onboarding into.
// RoleNone clears it.
func (c *Controller) SetPendingIntent(role domain.Role) {
	if !role.Valid() {
		role = domain.RoleNone
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.intents.Set(role)

	st := c.state.Clone()
	st.PendingRoleIntent = role
	c.applySetupLocked(&st)
	c.commitLocked(st)
}

// ClearPendingIntent removes the pending intent.
func (c *Controller) ClearPendingIntent() {
	c.SetPendingIntent(domain.RoleNone)
}

// applySetupLocked recomputes the onboarding signal without touching the
// active role.
func (c *Controller) applySetupLocked(st *domain.State) {
	preferred := ""
	if st.Account != nil {
		preferred = st.Account.PreferredRole
	}
	out := resolve.Resolve(resolve.Input{
		HasSession:        c.session != nil,
		Loading:           st.IsLoading,
		PreserveCurrent:   true,
		CurrentRole:       st.ActiveRole,
		PreferredRole:     preferred,
		PendingIntent:     st.PendingRoleIntent,
		ClientCompleted:   st.ClientProfile.Completed(),
		ProviderCompleted: st.ProviderProfile.Completed(),
	})
	st.NeedsSetup = out.NeedsSetup
	st.SetupRole = out.SetupRole
}

// ============================================================
// Consumer operations
// ============================================================

// Refresh refetches and re-resolves, keeping the current role.
func (c *Controller) Refresh(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Controller.Refresh")
	defer span.End()

	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	if sess != nil {
		c.reload(ctx, sess, true)
		return nil
	}

	// Nothing loaded yet: pick up a session the source may have restored.
	if sess = c.source.GetSession(ctx); sess == nil {
		return &domain.ErrNoSession{}
	}
	c.reload(ctx, sess, false)
	return nil
}

// SignIn adopts tokens from the external sign-in flow and waits until the
// resulting SignedIn event has been handled.
func (c *Controller) SignIn(ctx context.Context, accessToken, refreshToken string) error {
	before := c.handledCount(domain.EventSignedIn)
	if _, err := c.source.SignIn(ctx, accessToken, refreshToken); err != nil {
		return err
	}
	return c.waitFor(ctx, func() bool {
		return c.handled[domain.EventSignedIn] > before && !c.state.IsLoading
	})
}

// UpdateUser changes identity attributes and waits for the resulting
// reload, which keeps the current role.
func (c *Controller) UpdateUser(ctx context.Context, attrs map[string]any) error {
	before := c.handledCount(domain.EventUserUpdated)
	if _, err := c.source.UpdateUser(ctx, attrs); err != nil {
		return err
	}
	return c.waitFor(ctx, func() bool {
		return c.handled[domain.EventUserUpdated] > before && !c.state.IsLoading
	})
}

// SignOut clears the local state at once and ends the remote session.
func (c *Controller) SignOut(ctx context.Context) error {
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()

	return c.source.SignOut(ctx)
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() domain.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Watch delivers the current state and then every later one until ctx is
// done or the controller closes. Slow readers see only the latest state.
func (c *Controller) Watch(ctx context.Context) <-chan domain.State {
	out := make(chan domain.State, 1)
	go func() {
		defer close(out)
		var last uint64
		first := true
		for {
			c.mu.Lock()
			st := c.state.Clone()
			ch := c.changed
			closed := c.closed
			c.mu.Unlock()

			if first || st.Version != last {
				select {
				case out <- st:
				case <-ctx.Done():
					return
				}
				first = false
				last = st.Version
			}
			if closed {
				return
			}

			select {
			case <-ch:
			case <-ctx.Done():
				return
			case <-c.done:
			}
		}
	}()
	return out
}

// Close stops the event loop and releases the session source and intent
// store. The state is frozen; in-flight fetches are discarded.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		cancel := c.cancel
		c.notifyLocked()
		c.mu.Unlock()

		close(c.done)
		if cancel != nil {
			cancel()
			<-c.runDone
		}
		c.source.Close()
		if closer, ok := c.intents.(interface{ Close() }); ok {
			closer.Close()
		}
	})
}

// ============================================================
// State plumbing
// ============================================================

func (c *Controller) commitLocked(st domain.State) {
	st.Version = c.state.Version + 1
	c.state = st
	c.notifyLocked()
}

func (c *Controller) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Controller) handledCount(kind domain.EventKind) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handled[kind]
}

// waitFor blocks until cond, evaluated under the lock, holds.
func (c *Controller) waitFor(ctx context.Context, cond func() bool) error {
	for {
		c.mu.Lock()
		if cond() {
			c.mu.Unlock()
			return nil
		}
		ch := c.changed
		closed := c.closed
		c.mu.Unlock()

		if closed {
			return &domain.ErrNoSession{}
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
