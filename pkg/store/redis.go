package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/securitygate"
)

const defaultTrustKey = "vibebridge:trusted_signatures"

// RedisTrustStore keeps approved hashes in one Redis hash so several
// bridge processes can share approvals.
type RedisTrustStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisTrustStore wraps an existing client. An empty key uses the
// default hash name.
func NewRedisTrustStore(client redis.UniversalClient, key string) *RedisTrustStore {
	if key == "" {
		key = defaultTrustKey
	}
	return &RedisTrustStore{client: client, key: key}
}

func (s *RedisTrustStore) Lookup(ctx context.Context, hash string) (securitygate.TrustRecord, bool, error) {
	raw, err := s.client.HGet(ctx, s.key, hash).Result()
	if errors.Is(err, redis.Nil) {
		return securitygate.TrustRecord{}, false, nil
	}
	if err != nil {
		return securitygate.TrustRecord{}, false, fmt.Errorf("trust redis: hget: %w", err)
	}
	var rec securitygate.TrustRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return securitygate.TrustRecord{}, false, fmt.Errorf("trust redis: decode %s: %w", hash, err)
	}
	return rec, true, nil
}

func (s *RedisTrustStore) Put(ctx context.Context, hash string, rec securitygate.TrustRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("trust redis: encode: %w", err)
	}
	if err := s.client.HSet(ctx, s.key, hash, raw).Err(); err != nil {
		return fmt.Errorf("trust redis: hset: %w", err)
	}
	return nil
}
