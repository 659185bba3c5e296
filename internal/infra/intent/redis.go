package intent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/boddenberg/marketplace-session-bfa/internal/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "intent:"

const writeTimeout = 2 * time.Second

// Redis mirrors one device's intent in memory and persists it under
// intent:<deviceID>. Reads never touch Redis after OpenRedis returns.
type Redis struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
	logger *zap.Logger

	mu    sync.Mutex
	role  domain.Role
	dirty bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// OpenRedis loads the stored intent for deviceID and starts the background
// writer. A failed or malformed read starts the device with no intent.
// logger is expected to carry the device id already.
func OpenRedis(ctx context.Context, client redis.Cmdable, deviceID string, ttl time.Duration, logger *zap.Logger) *Redis {
	r := &Redis{
		client: client,
		key:    keyPrefix + deviceID,
		ttl:    ttl,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	r.role = load(ctx, client, r.key, logger)

	r.wg.Add(1)
	go r.writer()
	return r
}

// Peek reads the stored intent of deviceID once, without opening a store
// or starting a writer.
func Peek(ctx context.Context, client redis.Cmdable, deviceID string, logger *zap.Logger) domain.Role {
	return load(ctx, client, keyPrefix+deviceID, logger.With(zap.String("device_id", deviceID)))
}

func load(ctx context.Context, client redis.Cmdable, key string, logger *zap.Logger) domain.Role {
	val, err := client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return domain.RoleNone
	case err != nil:
		logger.Warn("intent: redis read failed, starting without intent", zap.Error(err))
		return domain.RoleNone
	}
	role := domain.ParseRole(val)
	if role == domain.RoleNone {
		logger.Warn("intent: ignoring unknown stored role", zap.String("value", val))
	}
	return role
}

func (r *Redis) Get() domain.Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role
}

// Set updates the mirror immediately and schedules the write.
// RoleNone deletes the key.
func (r *Redis) Set(role domain.Role) {
	if !role.Valid() {
		role = domain.RoleNone
	}

	r.mu.Lock()
	r.role = role
	r.dirty = true
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Close flushes the last pending write and stops the writer.
func (r *Redis) Close() {
	r.once.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

// writer persists the latest value. Intermediate values may be skipped;
// the last Set always lands last.
func (r *Redis) writer() {
	defer r.wg.Done()
	for {
		select {
		case <-r.wake:
			r.flush()
		case <-r.done:
			r.flush()
			return
		}
	}
}

func (r *Redis) flush() {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return
	}
	role := r.role
	r.dirty = false
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	if role == domain.RoleNone {
		err = r.client.Del(ctx, r.key).Err()
	} else {
		err = r.client.Set(ctx, r.key, string(role), r.ttl).Err()
	}
	if err != nil {
		r.logger.Warn("intent: redis write failed",
			zap.String("role", role.String()),
			zap.Error(err),
		)
	}
}
