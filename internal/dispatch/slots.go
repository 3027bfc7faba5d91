// Package dispatch admits queued campaign rows against distributed
// concurrency and rate limits, places the calls, and reconciles terminal
// call statuses back onto the queue.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SlotMapping ties a provider call id back to the slot it occupies, so the
// status callback can release the right slot and finish the right run.
type SlotMapping struct {
	OrganizationID string `json:"organization_id"`
	SlotID         string `json:"slot_id"`
	CampaignID     string `json:"campaign_id"`
	RunID          string `json:"run_id"`
}

// SlotManager hands out per-organization concurrency slots. Slots expire
// after a TTL so a crashed holder cannot pin capacity forever; Release is
// idempotent and never drives the held count below zero.
type SlotManager interface {
	// TryAcquire grabs one slot if the organization is under its limit.
	// It returns the slot id and whether a slot was granted.
	TryAcquire(ctx context.Context, orgID string, limit int) (string, bool, error)
	Release(ctx context.Context, orgID, slotID string) error
	Held(ctx context.Context, orgID string) (int, error)

	StoreMapping(ctx context.Context, callID string, m SlotMapping) error
	GetMapping(ctx context.Context, callID string) (SlotMapping, bool, error)
	DeleteMapping(ctx context.Context, callID, campaignID string) error

	// InFlight counts the campaign's calls that have been placed but have
	// not reported a terminal status yet. A campaign with pending queue rows
	// or in-flight calls is not done.
	InFlight(ctx context.Context, campaignID string) (int, error)

	// SweepExpired drops slots older than the TTL for one organization and
	// returns how many it removed.
	SweepExpired(ctx context.Context, orgID string) (int, error)
}

// Held slots live in a per-org sorted set scored by acquisition time in
// unix milliseconds. Acquire purges expired members first so a leaked slot
// can delay capacity by at most the TTL.
var slotAcquireScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local slot = ARGV[4]
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - ttl)
if redis.call('ZCARD', key) >= limit then
	return 0
end
redis.call('ZADD', key, now, slot)
redis.call('PEXPIRE', key, ttl)
return 1
`)

var slotSweepScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
return redis.call('ZREMRANGEBYSCORE', key, '-inf', now - ttl)
`)

var inFlightCountScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - ttl)
return redis.call('ZCARD', key)
`)

// RedisSlotManager is the production SlotManager. All workers and API
// instances share the same Redis, so the ceiling holds across processes.
type RedisSlotManager struct {
	client *redis.Client
	ttl    time.Duration

	clock func() time.Time
}

func NewRedisSlotManager(client *redis.Client, slotTTL time.Duration) *RedisSlotManager {
	return &RedisSlotManager{client: client, ttl: slotTTL, clock: time.Now}
}

func slotSetKey(orgID string) string { return "campaign:slots:" + orgID }
func callMappingKey(callID string) string { return "campaign:callslot:" + callID }
func inFlightKey(campaignID string) string { return "campaign:inflight:" + campaignID }

func (m *RedisSlotManager) TryAcquire(ctx context.Context, orgID string, limit int) (string, bool, error) {
	if limit <= 0 {
		return "", false, nil
	}
	slotID := uuid.NewString()
	now := m.clock().UnixMilli()
	granted, err := slotAcquireScript.Run(ctx, m.client,
		[]string{slotSetKey(orgID)},
		now, m.ttl.Milliseconds(), limit, slotID,
	).Int()
	if err != nil {
		return "", false, fmt.Errorf("dispatch: acquire slot for org %s: %w", orgID, err)
	}
	if granted == 0 {
		return "", false, nil
	}
	return slotID, true, nil
}

func (m *RedisSlotManager) Release(ctx context.Context, orgID, slotID string) error {
	if err := m.client.ZRem(ctx, slotSetKey(orgID), slotID).Err(); err != nil {
		return fmt.Errorf("dispatch: release slot %s for org %s: %w", slotID, orgID, err)
	}
	return nil
}

func (m *RedisSlotManager) Held(ctx context.Context, orgID string) (int, error) {
	n, err := m.client.ZCard(ctx, slotSetKey(orgID)).Result()
	if err != nil {
		return 0, fmt.Errorf("dispatch: count slots for org %s: %w", orgID, err)
	}
	return int(n), nil
}

func (m *RedisSlotManager) StoreMapping(ctx context.Context, callID string, mapping SlotMapping) error {
	payload, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("dispatch: encode mapping for call %s: %w", callID, err)
	}
	now := m.clock().UnixMilli()
	pipe := m.client.TxPipeline()
	pipe.Set(ctx, callMappingKey(callID), payload, m.ttl)
	pipe.ZAdd(ctx, inFlightKey(mapping.CampaignID), redis.Z{Score: float64(now), Member: callID})
	pipe.PExpire(ctx, inFlightKey(mapping.CampaignID), m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dispatch: store mapping for call %s: %w", callID, err)
	}
	return nil
}

func (m *RedisSlotManager) GetMapping(ctx context.Context, callID string) (SlotMapping, bool, error) {
	payload, err := m.client.Get(ctx, callMappingKey(callID)).Bytes()
	if err == redis.Nil {
		return SlotMapping{}, false, nil
	}
	if err != nil {
		return SlotMapping{}, false, fmt.Errorf("dispatch: load mapping for call %s: %w", callID, err)
	}
	var mapping SlotMapping
	if err := json.Unmarshal(payload, &mapping); err != nil {
		return SlotMapping{}, false, fmt.Errorf("dispatch: decode mapping for call %s: %w", callID, err)
	}
	return mapping, true, nil
}

func (m *RedisSlotManager) DeleteMapping(ctx context.Context, callID, campaignID string) error {
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, callMappingKey(callID))
	pipe.ZRem(ctx, inFlightKey(campaignID), callID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dispatch: delete mapping for call %s: %w", callID, err)
	}
	return nil
}

// InFlight purges entries older than the slot TTL first, so a call whose
// callback never arrived stops counting once its slot has expired too.
func (m *RedisSlotManager) InFlight(ctx context.Context, campaignID string) (int, error) {
	now := m.clock().UnixMilli()
	n, err := inFlightCountScript.Run(ctx, m.client,
		[]string{inFlightKey(campaignID)},
		now, m.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("dispatch: count in-flight calls for campaign %s: %w", campaignID, err)
	}
	return n, nil
}

func (m *RedisSlotManager) SweepExpired(ctx context.Context, orgID string) (int, error) {
	now := m.clock().UnixMilli()
	removed, err := slotSweepScript.Run(ctx, m.client,
		[]string{slotSetKey(orgID)},
		now, m.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("dispatch: sweep slots for org %s: %w", orgID, err)
	}
	return removed, nil
}

var _ SlotManager = (*RedisSlotManager)(nil)
