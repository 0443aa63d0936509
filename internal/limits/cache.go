package limits

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/transfa/wallet-service/internal/domain"
)

// tierSnapshot is what the engine needs to resolve a user's current tier.
type tierSnapshot struct {
	assignments []domain.UserTierAssignment
	approved    map[uuid.UUID]struct{}
}

// TierCache keeps per-user tier snapshots for a short TTL. Tier data changes rarely
// but is read on every limit check.
type TierCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

func NewTierCache(maxUsers int64, ttl time.Duration) (*TierCache, error) {
	if maxUsers <= 0 {
		maxUsers = 10000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10 * maxUsers,
		MaxCost:     maxUsers,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create tier cache failed: %w", err)
	}
	return &TierCache{cache: c, ttl: ttl}, nil
}

func (c *TierCache) get(userID uuid.UUID) (*tierSnapshot, bool) {
	if c == nil || c.ttl <= 0 {
		return nil, false
	}
	v, ok := c.cache.Get(userID.String())
	if !ok {
		return nil, false
	}
	snap, ok := v.(*tierSnapshot)
	return snap, ok
}

func (c *TierCache) set(userID uuid.UUID, snap *tierSnapshot) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.cache.SetWithTTL(userID.String(), snap, 1, c.ttl)
}

// Invalidate drops the cached snapshot, e.g. after a verification is approved.
func (c *TierCache) Invalidate(userID uuid.UUID) {
	if c == nil {
		return
	}
	c.cache.Del(userID.String())
}

// Wait blocks until buffered writes are applied.
func (c *TierCache) Wait() {
	if c != nil {
		c.cache.Wait()
	}
}

func (c *TierCache) Close() {
	if c != nil {
		c.cache.Close()
	}
}
