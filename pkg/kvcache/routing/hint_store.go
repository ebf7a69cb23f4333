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
	"fmt"
	"sync"
)

// HintStore persists the sequence-to-node routing hint map. Multiple
// backends may be configured; the first configured one is used.
//
// Hint operations are thread-safe and can be performed concurrently.
type HintStore interface {
	// Set records the node a sequence is routed to.
	Set(ctx context.Context, seqID uint64, nodeID uint32) error
	// Get returns the hinted node for a sequence, and whether one exists.
	Get(ctx context.Context, seqID uint64) (uint32, bool, error)
	// Delete drops the hint for a sequence.
	Delete(ctx context.Context, seqID uint64) error
}

// HintStoreConfig holds the configuration for the routing-hint store.
// If multiple backends are configured, only the first one will be used.
type HintStoreConfig struct {
	// InMemoryConfig holds the configuration for the in-memory hint store.
	InMemoryConfig *InMemoryHintStoreConfig `json:"inMemoryConfig"`
	// RedisConfig holds the configuration for the Redis hint store.
	RedisConfig *RedisHintStoreConfig `json:"redisConfig"`
}

// DefaultHintStoreConfig returns a default configuration for the hint
// store.
func DefaultHintStoreConfig() *HintStoreConfig {
	return &HintStoreConfig{
		InMemoryConfig: &InMemoryHintStoreConfig{},
	}
}

// NewHintStore creates a HintStore instance for the first configured
// backend.
func NewHintStore(cfg *HintStoreConfig) (HintStore, error) {
	if cfg == nil {
		cfg = DefaultHintStoreConfig()
	}

	switch {
	case cfg.InMemoryConfig != nil:
		return NewInMemoryHintStore(cfg.InMemoryConfig), nil
	case cfg.RedisConfig != nil:
		store, err := NewRedisHintStore(cfg.RedisConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis hint store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("no valid hint store configuration provided")
	}
}

// InMemoryHintStoreConfig holds the configuration for the in-memory hint
// store. It has no tunables; the type exists for backend selection.
type InMemoryHintStoreConfig struct{}

// InMemoryHintStore is an in-memory implementation of the HintStore
// interface.
type InMemoryHintStore struct {
	mu    sync.RWMutex
	hints map[uint64]uint32
}

var _ HintStore = &InMemoryHintStore{}

// NewInMemoryHintStore creates a new InMemoryHintStore instance.
func NewInMemoryHintStore(_ *InMemoryHintStoreConfig) *InMemoryHintStore {
	return &InMemoryHintStore{
		hints: make(map[uint64]uint32),
	}
}

// Set records the node a sequence is routed to.
func (s *InMemoryHintStore) Set(_ context.Context, seqID uint64, nodeID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hints[seqID] = nodeID
	return nil
}

// Get returns the hinted node for a sequence, and whether one exists.
func (s *InMemoryHintStore) Get(_ context.Context, seqID uint64) (uint32, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodeID, ok := s.hints[seqID]
	return nodeID, ok, nil
}

// Delete drops the hint for a sequence.
func (s *InMemoryHintStore) Delete(_ context.Context, seqID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hints, seqID)
	return nil
}
