package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrLockHeld     = errors.New("lock already held by another process")
	ErrLockNotOwned = errors.New("lock not owned by this token")
)

type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out named locks that expire on their own after ttl.
type Locker interface {
	AcquireLock(ctx context.Context, resource string, ttl time.Duration) (Lock, error)
}

// Store keeps the few facts the service is allowed to remember between
// requests, and coordinates background work across instances.
type Store interface {
	Locker
	RouterRegistered(ctx context.Context, appID, assetID uint64) bool
	MarkRouterRegistered(ctx context.Context, appID, assetID uint64)
}

func routerKey(appID, assetID uint64) string {
	return fmt.Sprintf("router:%d:asset:%d:registered", appID, assetID)
}

// ===============================
// Redis
// ===============================

type redisStore struct {
	client    *redis.Client
	namespace string
	logger    *zap.Logger
}

func NewRedisStore(client *redis.Client, namespace string, logger *zap.Logger) Store {
	return &redisStore{
		client:    client,
		namespace: namespace,
		logger:    logger.Named("cache"),
	}
}

func (c *redisStore) key(k string) string {
	return c.namespace + ":" + k
}

func (c *redisStore) RouterRegistered(ctx context.Context, appID, assetID uint64) bool {
	n, err := c.client.Exists(ctx, c.key(routerKey(appID, assetID))).Result()
	if err != nil {
		c.logger.Warn("read router memo", zap.Error(err))
		return false
	}
	return n == 1
}

func (c *redisStore) MarkRouterRegistered(ctx context.Context, appID, assetID uint64) {
	if err := c.client.Set(ctx, c.key(routerKey(appID, assetID)), "1", 0).Err(); err != nil {
		c.logger.Warn("write router memo", zap.Error(err))
	}
}

type redisLock struct {
	client *redis.Client
	key    string
	token  string
}

func (c *redisStore) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (Lock, error) {
	key := c.key("lock:" + resource)
	token := uuid.NewString()

	// SET key value NX PX ttl
	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	c.logger.Debug("lock acquired", zap.String("resource", resource), zap.Duration("ttl", ttl))
	return &redisLock{client: c.client, key: key, token: token}, nil
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Release deletes the lock only while this holder still owns it.
func (l *redisLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n == 0 {
		return ErrLockNotOwned
	}
	return nil
}

// ===============================
// In-process
// ===============================

type memoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	memo  map[string]bool
	locks map[string]memoryLockEntry
}

type memoryLockEntry struct {
	token   string
	expires time.Time
}

// NewMemoryStore is the single-instance Store used when Redis is not configured.
func NewMemoryStore() Store {
	return &memoryStore{
		now:   time.Now,
		memo:  map[string]bool{},
		locks: map[string]memoryLockEntry{},
	}
}

func (m *memoryStore) RouterRegistered(ctx context.Context, appID, assetID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memo[routerKey(appID, assetID)]
}

func (m *memoryStore) MarkRouterRegistered(ctx context.Context, appID, assetID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memo[routerKey(appID, assetID)] = true
}

type memoryLock struct {
	store    *memoryStore
	resource string
	token    string
}

func (m *memoryStore) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if held, ok := m.locks[resource]; ok && now.Before(held.expires) {
		return nil, ErrLockHeld
	}

	token := uuid.NewString()
	m.locks[resource] = memoryLockEntry{token: token, expires: now.Add(ttl)}
	return &memoryLock{store: m, resource: resource, token: token}, nil
}

func (l *memoryLock) Release(ctx context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	held, ok := l.store.locks[l.resource]
	if !ok || held.token != l.token {
		return ErrLockNotOwned
	}
	delete(l.store.locks, l.resource)
	return nil
}
