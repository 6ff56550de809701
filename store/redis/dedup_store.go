// Package redisstore backs the durable dedup tier with Redis so several
// ingest nodes share one idempotency ledger. Entry expiry rides on Redis key
// TTLs instead of a sweep.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/core"
	"github.com/redis/go-redis/v9"
)

const dedupKeyPrefix = "go-ingest::dedup::v1"

const defaultDedupTTL = 72 * time.Hour

// releaseClaimScript deletes a claim only while it is still pending, so a
// slow worker cannot wipe an outcome a faster redelivery already recorded.
var releaseClaimScript = redis.NewScript(`
local entry = redis.call("GET", KEYS[1])
if not entry then
	return 0
end
local decoded = cjson.decode(entry)
if decoded.completed then
	return 0
end
return redis.call("DEL", KEYS[1])
`)

type dedupEntry struct {
	Completed bool          `json:"completed"`
	Outcome   *core.Outcome `json:"outcome,omitempty"`
}

type DedupStore struct {
	client redis.UniversalClient
}

func NewDedupStore(client redis.UniversalClient) (*DedupStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redisstore: redis client is required")
	}
	return &DedupStore{client: client}, nil
}

// DedupKey returns the deterministic key contract for dedup entries:
// go-ingest::dedup::v1::<delivery_id> with the delivery id URL-path escaped.
func DedupKey(deliveryID string) (string, error) {
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return "", fmt.Errorf("redisstore: delivery id is required")
	}
	return dedupKeyPrefix + "::" + url.PathEscape(deliveryID), nil
}

func (s *DedupStore) Claim(ctx context.Context, deliveryID string, ttl time.Duration) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("redisstore: dedup store is not configured")
	}
	key, err := DedupKey(deliveryID)
	if err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	payload, err := encodeDedupEntry(dedupEntry{})
	if err != nil {
		return false, err
	}
	claimed, err := s.client.SetNX(ctx, key, payload, ttl).Result()
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (s *DedupStore) CompleteWithOutcome(
	ctx context.Context,
	deliveryID string,
	outcome core.Outcome,
	ttl time.Duration,
) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redisstore: dedup store is not configured")
	}
	key, err := DedupKey(deliveryID)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	payload, err := encodeDedupEntry(dedupEntry{Completed: true, Outcome: &outcome})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, payload, ttl).Err()
}

func (s *DedupStore) LookupOutcome(ctx context.Context, deliveryID string) (core.Outcome, bool, error) {
	if s == nil || s.client == nil {
		return core.Outcome{}, false, fmt.Errorf("redisstore: dedup store is not configured")
	}
	key, err := DedupKey(deliveryID)
	if err != nil {
		return core.Outcome{}, false, err
	}
	raw, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return core.Outcome{}, false, nil
		}
		return core.Outcome{}, false, err
	}
	entry, err := decodeDedupEntry([]byte(raw))
	if err != nil {
		return core.Outcome{}, false, err
	}
	if !entry.Completed || entry.Outcome == nil {
		return core.Outcome{}, false, nil
	}
	return *entry.Outcome, true, nil
}

func (s *DedupStore) Release(ctx context.Context, deliveryID string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redisstore: dedup store is not configured")
	}
	key, err := DedupKey(deliveryID)
	if err != nil {
		return err
	}
	return releaseClaimScript.Run(ctx, s.client, []string{key}).Err()
}

// PurgeExpired is a no-op here: Redis evicts entries when their TTL lapses.
func (s *DedupStore) PurgeExpired(_ context.Context) (int, error) {
	if s == nil || s.client == nil {
		return 0, fmt.Errorf("redisstore: dedup store is not configured")
	}
	return 0, nil
}

func encodeDedupEntry(entry dedupEntry) ([]byte, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("redisstore: encode dedup entry: %w", err)
	}
	return payload, nil
}

func decodeDedupEntry(payload []byte) (dedupEntry, error) {
	entry := dedupEntry{}
	if err := json.Unmarshal(payload, &entry); err != nil {
		return dedupEntry{}, fmt.Errorf("redisstore: decode dedup entry: %w", err)
	}
	return entry, nil
}

var _ core.DedupStore = (*DedupStore)(nil)
