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

package eviction

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/metrics"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/utils/logging"
)

var (
	// ErrNoEvictableBlock is returned when every block on the node is
	// locked or the node has no blocks at all.
	ErrNoEvictableBlock = errors.New("no evictable block")
	// ErrOutOfCapacity is returned by EvictUntil when eviction could not
	// free the requested number of bytes.
	ErrOutOfCapacity = errors.New("eviction could not satisfy request")
)

// Config holds the configuration for the eviction engine.
type Config struct {
	Policy PolicyName `json:"policy"`
}

// DefaultConfig returns a default configuration for the eviction engine.
func DefaultConfig() *Config {
	return &Config{Policy: LRU}
}

// NodeCounters records evictions per node. Implemented by
// registry.Registry.
type NodeCounters interface {
	RecordEviction(nodeID uint32)
}

// Engine selects and evicts victim blocks on a node. Victim selection is
// serialized with allocation on the same node through the store's node lock.
type Engine struct {
	policy   Policy
	store    *kvblock.Store
	counters NodeCounters
}

// NewEngine creates an Engine given a Config.
func NewEngine(config *Config, store *kvblock.Store, counters NodeCounters) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}

	policy, err := NewPolicy(config.Policy)
	if err != nil {
		return nil, fmt.Errorf("failed to create eviction policy: %w", err)
	}

	return &Engine{
		policy:   policy,
		store:    store,
		counters: counters,
	}, nil
}

// Policy returns the active policy name.
func (e *Engine) Policy() PolicyName {
	return e.policy.Name()
}

// SelectVictim chooses the block to evict on the node under the active
// policy, excluding locked blocks.
func (e *Engine) SelectVictim(nodeID uint32) (kvblock.Block, error) {
	var victim kvblock.Block
	err := e.store.WithNodeLock(nodeID, func() error {
		block, err := e.selectVictim(nodeID)
		if err != nil {
			return err
		}
		victim = block
		return nil
	})
	return victim, err
}

// EvictUntil evicts victims on the node until bytesNeeded bytes were freed.
// When no evictable block remains before the target is met it returns
// ErrOutOfCapacity.
func (e *Engine) EvictUntil(ctx context.Context, nodeID uint32, bytesNeeded uint64) error {
	return e.store.WithNodeLock(nodeID, func() error {
		return e.FreeCapacity(ctx, nodeID, bytesNeeded)
	})
}

// FreeCapacity is the locked eviction entry point invoked by the block store
// during allocation; the caller holds the node's allocation lock.
func (e *Engine) FreeCapacity(ctx context.Context, nodeID uint32, bytesNeeded uint64) error {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("eviction.Engine")

	var freed uint64
	for freed < bytesNeeded {
		victim, err := e.selectVictim(nodeID)
		if err != nil {
			return fmt.Errorf("%w: freed %d of %d bytes on node %d: %s",
				ErrOutOfCapacity, freed, bytesNeeded, nodeID, err)
		}

		bytes, _, err := e.store.EvictBlock(ctx, victim.ID)
		if err != nil {
			if errors.Is(err, kvblock.ErrBlockLocked) {
				// Victim got locked between selection and eviction;
				// re-select.
				continue
			}
			return fmt.Errorf("failed to evict block %d: %w", victim.ID, err)
		}

		if e.counters != nil {
			e.counters.RecordEviction(nodeID)
		}
		metrics.Evictions.Inc()
		freed += bytes
	}

	debugLogger.Info("eviction satisfied request", "node", nodeID,
		"bytes-needed", bytesNeeded, "bytes-freed", freed,
		"policy", e.policy.Name())
	return nil
}

// selectVictim scans the node's blocks for the policy's best candidate.
func (e *Engine) selectVictim(nodeID uint32) (kvblock.Block, error) {
	candidates := e.store.NodeBlocks(nodeID)

	var best *kvblock.Block
	for i := range candidates {
		block := &candidates[i]
		if !block.Evictable() {
			continue
		}
		if best == nil || e.policy.Less(block, best) {
			best = block
		}
	}

	if best == nil {
		return kvblock.Block{}, fmt.Errorf("%w: node %d", ErrNoEvictableBlock, nodeID)
	}
	return *best, nil
}
