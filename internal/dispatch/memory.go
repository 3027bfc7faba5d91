package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemorySlotManager mirrors RedisSlotManager semantics in process memory.
// Used by tests and by single-node development runs.
type MemorySlotManager struct {
	mu       sync.Mutex
	ttl      time.Duration
	slots    map[string]map[string]time.Time // org -> slot id -> acquired at
	mappings map[string]SlotMapping

	Clock func() time.Time
}

func NewMemorySlotManager(slotTTL time.Duration) *MemorySlotManager {
	return &MemorySlotManager{
		ttl:      slotTTL,
		slots:    make(map[string]map[string]time.Time),
		mappings: make(map[string]SlotMapping),
		Clock:    time.Now,
	}
}

func (m *MemorySlotManager) purgeLocked(orgID string, now time.Time) int {
	removed := 0
	for id, acquired := range m.slots[orgID] {
		if now.Sub(acquired) >= m.ttl {
			delete(m.slots[orgID], id)
			removed++
		}
	}
	return removed
}

func (m *MemorySlotManager) TryAcquire(_ context.Context, orgID string, limit int) (string, bool, error) {
	if limit <= 0 {
		return "", false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Clock()
	m.purgeLocked(orgID, now)
	if len(m.slots[orgID]) >= limit {
		return "", false, nil
	}
	if m.slots[orgID] == nil {
		m.slots[orgID] = make(map[string]time.Time)
	}
	slotID := uuid.NewString()
	m.slots[orgID][slotID] = now
	return slotID, true, nil
}

func (m *MemorySlotManager) Release(_ context.Context, orgID, slotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots[orgID], slotID)
	return nil
}

func (m *MemorySlotManager) Held(_ context.Context, orgID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked(orgID, m.Clock())
	return len(m.slots[orgID]), nil
}

func (m *MemorySlotManager) StoreMapping(_ context.Context, callID string, mapping SlotMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings[callID] = mapping
	return nil
}

func (m *MemorySlotManager) GetMapping(_ context.Context, callID string) (SlotMapping, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mapping, ok := m.mappings[callID]
	return mapping, ok, nil
}

func (m *MemorySlotManager) DeleteMapping(_ context.Context, callID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mappings, callID)
	return nil
}

func (m *MemorySlotManager) InFlight(_ context.Context, campaignID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mapping := range m.mappings {
		if mapping.CampaignID == campaignID {
			n++
		}
	}
	return n, nil
}

func (m *MemorySlotManager) SweepExpired(_ context.Context, orgID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purgeLocked(orgID, m.Clock()), nil
}

// MemoryRateLimiter is a per-campaign token bucket with the same refill
// rules as the Redis script.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	Clock func() time.Time
}

type bucket struct {
	tokens float64
	ts     time.Time
}

func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{buckets: make(map[string]*bucket), Clock: time.Now}
}

func (r *MemoryRateLimiter) Allow(_ context.Context, campaignID string, ratePerSecond int) (bool, error) {
	if ratePerSecond <= 0 {
		return true, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.Clock()
	burst := float64(ratePerSecond)
	b, ok := r.buckets[campaignID]
	if !ok {
		b = &bucket{tokens: burst, ts: now}
		r.buckets[campaignID] = b
	}
	if elapsed := now.Sub(b.ts); elapsed > 0 {
		b.tokens = min(burst, b.tokens+elapsed.Seconds()*float64(ratePerSecond))
		b.ts = now
	}
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

var _ SlotManager = (*MemorySlotManager)(nil)
var _ RateLimiter = (*MemoryRateLimiter)(nil)
