package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Manager provides short-lived, tenant-scoped named leases backed by Redis.
// Acquire is fail-fast: contention is a normal skip signal for the caller,
// not an error. A crashed holder's lease self-expires via TTL.
type Manager struct {
	client     *redis.Client
	defaultTTL time.Duration
}

// NewManager builds a lock manager. ttl is the lease lifetime applied when
// Acquire is called with a zero duration.
func NewManager(client *redis.Client, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Manager{client: client, defaultTTL: ttl}
}

func leaseKey(key, tenantID string) string {
	return fmt.Sprintf("lock:%s:%s", tenantID, key)
}

// Acquire takes the lease for (key, tenantID) if no live holder exists.
// It returns the owner token on success and ok=false without blocking when
// the lease is held elsewhere.
func (m *Manager) Acquire(ctx context.Context, key, tenantID string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	token := uuid.New().String()
	ok, err := m.client.SetNX(ctx, leaseKey(key, tenantID), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release drops the lease only when token still matches the current holder,
// so a worker that outlived its TTL cannot release a re-acquired lease.
func (m *Manager) Release(ctx context.Context, key, tenantID, token string) (bool, error) {
	res, err := releaseScript.Run(ctx, m.client, []string{leaseKey(key, tenantID)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	return res == 1, nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
