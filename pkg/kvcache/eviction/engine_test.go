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

package eviction_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/eviction"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/registry"
)

const testBlockSize = 1024

func newTestEngine(t *testing.T, policy eviction.PolicyName, capacityBlocks uint64) (*eviction.Engine, *kvblock.Store, *registry.Registry) {
	t.Helper()

	reg := registry.NewRegistry(nil)
	require.NoError(t, reg.Register(registry.Node{
		ID:                 1,
		Address:            "10.0.0.1:8000",
		TotalCapacityBytes: capacityBlocks * testBlockSize,
	}))

	store := kvblock.NewStore(&kvblock.Config{
		BlockSizeBytes: testBlockSize,
		Protocol:       kvblock.CoherencyMESI,
	}, reg)

	engine, err := eviction.NewEngine(&eviction.Config{Policy: policy}, store, reg)
	require.NoError(t, err)
	store.SetEvictor(engine)
	return engine, store, reg
}

func TestNewEngineUnknownPolicy(t *testing.T) {
	_, err := eviction.NewEngine(&eviction.Config{Policy: "CLOCK"}, nil, nil)
	assert.Error(t, err)
}

func TestLRUSelectsOldestAccess(t *testing.T) {
	engine, store, _ := newTestEngine(t, eviction.LRU, 4)

	first, err := store.Allocate(t.Context(), 100, 1, 0)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = store.Allocate(t.Context(), 100, 1, 1)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	third, err := store.Allocate(t.Context(), 100, 1, 2)
	require.NoError(t, err)

	// Touch the first block so the second becomes the LRU victim.
	require.NoError(t, store.Touch(first.ID))

	victim, err := engine.SelectVictim(1)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, victim.ID)
	assert.NotEqual(t, third.ID, victim.ID)
}

func TestLFUSelectsLeastAccessed(t *testing.T) {
	engine, store, _ := newTestEngine(t, eviction.LFU, 4)

	hot, err := store.Allocate(t.Context(), 100, 1, 0)
	require.NoError(t, err)
	cold, err := store.Allocate(t.Context(), 100, 1, 1)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Touch(hot.ID))
	}

	victim, err := engine.SelectVictim(1)
	require.NoError(t, err)
	assert.Equal(t, cold.ID, victim.ID)
}

func TestCostAwareSelectsCheapestPerByte(t *testing.T) {
	engine, store, _ := newTestEngine(t, eviction.CostAware, 4)

	cheap, err := store.Allocate(t.Context(), 100, 1, 0)
	require.NoError(t, err)
	expensive, err := store.Allocate(t.Context(), 100, 1, 1)
	require.NoError(t, err)

	require.NoError(t, store.SetRecomputeCost(cheap.ID, 1.0))
	require.NoError(t, store.SetRecomputeCost(expensive.ID, 100.0))

	victim, err := engine.SelectVictim(1)
	require.NoError(t, err)
	assert.Equal(t, cheap.ID, victim.ID)
}

func TestFIFOTieBreaksOnSmallestID(t *testing.T) {
	engine, store, _ := newTestEngine(t, eviction.FIFO, 4)

	// Allocations within the same timestamp resolution tie-break on ID.
	first, err := store.Allocate(t.Context(), 100, 1, 0)
	require.NoError(t, err)
	_, err = store.Allocate(t.Context(), 100, 1, 1)
	require.NoError(t, err)

	victim, err := engine.SelectVictim(1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, victim.ID)
}

func TestLockedBlocksAreNotEvictable(t *testing.T) {
	engine, store, _ := newTestEngine(t, eviction.LRU, 4)

	oldest, err := store.Allocate(t.Context(), 100, 1, 0)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	next, err := store.Allocate(t.Context(), 100, 1, 1)
	require.NoError(t, err)

	require.NoError(t, store.MarkLocked(t.Context(), oldest.ID, true))

	victim, err := engine.SelectVictim(1)
	require.NoError(t, err)
	assert.Equal(t, next.ID, victim.ID)

	require.NoError(t, store.MarkLocked(t.Context(), next.ID, true))
	_, err = engine.SelectVictim(1)
	assert.ErrorIs(t, err, eviction.ErrNoEvictableBlock)
}

func TestAllocationEvictsUnderPressure(t *testing.T) {
	_, store, reg := newTestEngine(t, eviction.LRU, 2)

	oldest, err := store.Allocate(t.Context(), 100, 1, 0)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = store.Allocate(t.Context(), 100, 1, 1)
	require.NoError(t, err)

	// The node is full; the next allocation evicts the LRU block.
	replacement, err := store.Allocate(t.Context(), 200, 1, 0)
	require.NoError(t, err)

	_, err = store.Get(oldest.ID)
	assert.ErrorIs(t, err, kvblock.ErrNotFound)
	_, err = store.Get(replacement.ID)
	assert.NoError(t, err)

	node, err := reg.Get(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), node.Evictions)
	assert.Equal(t, uint64(2*testBlockSize), node.UsedCapacityBytes)
}

func TestEvictUntilFreesRequestedBytes(t *testing.T) {
	engine, store, _ := newTestEngine(t, eviction.LRU, 4)

	for i := 0; i < 4; i++ {
		_, err := store.Allocate(t.Context(), 100, 1, uint32(i))
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	require.NoError(t, engine.EvictUntil(t.Context(), 1, 2*testBlockSize))
	assert.Equal(t, 2, store.Len())
}

func TestEvictUntilFailsWhenNothingEvictable(t *testing.T) {
	engine, store, _ := newTestEngine(t, eviction.LRU, 2)

	block, err := store.Allocate(t.Context(), 100, 1, 0)
	require.NoError(t, err)
	require.NoError(t, store.MarkLocked(t.Context(), block.ID, true))

	err = engine.EvictUntil(t.Context(), 1, testBlockSize)
	assert.ErrorIs(t, err, eviction.ErrOutOfCapacity)
}
