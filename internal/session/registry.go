package session

import (
	"context"
	"sync"
	"time"

	"github.com/boddenberg/marketplace-session-bfa/internal/domain"
	"github.com/boddenberg/marketplace-session-bfa/internal/infra/cache"
	"github.com/boddenberg/marketplace-session-bfa/internal/infra/observability"

	"go.uber.org/zap"
)

// Factory builds the controller of a device that has none yet.
type Factory func(ctx context.Context, deviceID string) *Controller

// IntentPeek reads the stored intent of a device that has no controller.
type IntentPeek func(ctx context.Context, deviceID string) domain.Role

// Registry holds one running Controller per device. Controllers idle for
// longer than the TTL are closed and dropped, and so is the least recently
// used one when the registry is full.
type Registry struct {
	factory    Factory
	peek       IntentPeek
	maxDevices int
	cache      *cache.InMemory[*Controller]
	metrics    *observability.Metrics
	logger     *zap.Logger

	mu      sync.Mutex
	created chan struct{}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMaxDevices caps the number of live controllers. Zero means no cap.
func WithMaxDevices(n int) RegistryOption {
	return func(r *Registry) { r.maxDevices = n }
}

// WithIntentPeek sets how Idle reads the stored intent of devices without
// a controller. Without it Idle reports no intent.
func WithIntentPeek(fn IntentPeek) RegistryOption {
	return func(r *Registry) { r.peek = fn }
}

// NewRegistry creates a registry whose controllers expire after idleTTL.
func NewRegistry(factory Factory, idleTTL time.Duration, metrics *observability.Metrics, logger *zap.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		factory: factory,
		metrics: metrics,
		logger:  logger,
		created: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cache = cache.New[*Controller](idleTTL,
		cache.WithEvictHook[*Controller](r.evicted),
		cache.WithMaxEntries[*Controller](r.maxDevices),
	)
	return r
}

// Get returns the running controller of deviceID, creating and starting
// it on first use. It does not call Init.
func (r *Registry) Get(ctx context.Context, deviceID string) *Controller {
	if c, ok := r.cache.Get(deviceID); ok {
		return c
	}

	// Built outside the cache lock: factories may do I/O.
	built := r.factory(ctx, deviceID)
	c := r.cache.GetOrCreate(deviceID, func() *Controller { return built })
	if c != built {
		built.Close()
		return c
	}

	c.Start()
	r.metrics.SetActiveSessions(r.cache.Len())
	r.logger.Debug("registry: controller created", zap.String("device_id", deviceID))

	r.mu.Lock()
	close(r.created)
	r.created = make(chan struct{})
	r.mu.Unlock()
	return c
}

// Lookup returns the controller of deviceID without creating one.
func (r *Registry) Lookup(deviceID string) (*Controller, bool) {
	return r.cache.Get(deviceID)
}

// Idle is the state of a device without a controller: signed out, with
// whatever intent it stored earlier.
func (r *Registry) Idle(ctx context.Context, deviceID string) domain.State {
	st := domain.State{Phase: domain.PhaseSignedOut}
	if r.peek != nil {
		st.PendingRoleIntent = r.peek(ctx, deviceID)
	}
	return st
}

// Await blocks until deviceID has a controller or ctx is done.
func (r *Registry) Await(ctx context.Context, deviceID string) (*Controller, error) {
	for {
		r.mu.Lock()
		created := r.created
		r.mu.Unlock()

		if c, ok := r.Lookup(deviceID); ok {
			return c, nil
		}
		select {
		case <-created:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Forget closes and drops the controller of deviceID, if any.
func (r *Registry) Forget(deviceID string) {
	r.cache.Delete(deviceID)
}

// Len returns the number of held controllers.
func (r *Registry) Len() int {
	return r.cache.Len()
}

// Close closes every controller.
func (r *Registry) Close() {
	r.cache.Close()
}

func (r *Registry) evicted(deviceID string, c *Controller) {
	c.Close()
	r.metrics.SetActiveSessions(r.cache.Len())
	r.logger.Debug("registry: controller closed", zap.String("device_id", deviceID))
}
