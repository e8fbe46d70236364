// redis.go: Redis-backed processed-digest set for multi-instance gateways
package store

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

const processedKeyPrefix = "bridgeguard:processed:"

// RedisSet shares the processed-digest set across gateway instances. Keys
// carry no TTL; replay protection must outlive any cache horizon.
type RedisSet struct {
	client *redis.Client
}

// NewRedisSet wraps an existing Redis client.
func NewRedisSet(client *redis.Client) *RedisSet {
	return &RedisSet{client: client}
}

func processedKey(digest common.Hash) string {
	return processedKeyPrefix + digest.Hex()
}

func (s *RedisSet) Contains(ctx context.Context, digest common.Hash) (bool, error) {
	n, err := s.client.Exists(ctx, processedKey(digest)).Result()
	if err != nil {
		return false, fmt.Errorf("store: check processed digest: %w", err)
	}
	return n > 0, nil
}

// Insert uses SETNX so two instances racing on the same digest admit it
// exactly once.
func (s *RedisSet) Insert(ctx context.Context, digest common.Hash) (bool, error) {
	ok, err := s.client.SetNX(ctx, processedKey(digest), 1, 0).Result()
	if err != nil {
		return false, fmt.Errorf("store: record processed digest: %w", err)
	}
	return ok, nil
}
