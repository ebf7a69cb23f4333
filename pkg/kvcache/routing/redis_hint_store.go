/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package routing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisHintStoreConfig holds the configuration for the RedisHintStore.
type RedisHintStoreConfig struct {
	Address string `json:"address,omitempty"` // Redis server address
}

// DefaultRedisHintStoreConfig returns a default configuration for the
// RedisHintStore.
func DefaultRedisHintStoreConfig() *RedisHintStoreConfig {
	return &RedisHintStoreConfig{
		Address: "redis://127.0.0.1:6379",
	}
}

// NewRedisHintStore creates a new RedisHintStore instance.
func NewRedisHintStore(config *RedisHintStoreConfig) (*RedisHintStore, error) {
	if config == nil {
		config = DefaultRedisHintStoreConfig()
	}

	if !strings.HasPrefix(config.Address, "redis://") &&
		!strings.HasPrefix(config.Address, "rediss://") &&
		!strings.HasPrefix(config.Address, "unix://") {
		config.Address = "redis://" + config.Address
	}

	redisOpt, err := redis.ParseURL(config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redisURL: %w", err)
	}

	redisClient := redis.NewClient(redisOpt)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisHintStore{
		RedisClient: redisClient,
	}, nil
}

// RedisHintStore implements the HintStore interface using Redis as the
// backend, letting multiple coordinator replicas share one hint map.
type RedisHintStore struct {
	RedisClient *redis.Client
}

var _ HintStore = &RedisHintStore{}

func hintKey(seqID uint64) string {
	return fmt.Sprintf("kvcache:routing-hint:%d", seqID)
}

// Set records the node a sequence is routed to.
func (r *RedisHintStore) Set(ctx context.Context, seqID uint64, nodeID uint32) error {
	if err := r.RedisClient.Set(ctx, hintKey(seqID), strconv.FormatUint(uint64(nodeID), 10), 0).Err(); err != nil {
		return fmt.Errorf("failed to set routing hint for sequence %d: %w", seqID, err)
	}
	return nil
}

// Get returns the hinted node for a sequence, and whether one exists.
func (r *RedisHintStore) Get(ctx context.Context, seqID uint64) (uint32, bool, error) {
	val, err := r.RedisClient.Get(ctx, hintKey(seqID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get routing hint for sequence %d: %w", seqID, err)
	}

	nodeID, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, false, fmt.Errorf("malformed routing hint for sequence %d: %w", seqID, err)
	}
	return uint32(nodeID), true, nil
}

// Delete drops the hint for a sequence.
func (r *RedisHintStore) Delete(ctx context.Context, seqID uint64) error {
	if err := r.RedisClient.Del(ctx, hintKey(seqID)).Err(); err != nil {
		return fmt.Errorf("failed to delete routing hint for sequence %d: %w", seqID, err)
	}
	return nil
}
