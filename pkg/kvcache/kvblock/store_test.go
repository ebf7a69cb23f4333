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

package kvblock_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/registry"
)

const testBlockSize = 1024

// newTestStore builds a store backed by a real registry with two nodes of
// the given per-node block capacity.
func newTestStore(t *testing.T, protocol kvblock.CoherencyProtocol, capacityBlocks uint64) (*kvblock.Store, *registry.Registry) {
	t.Helper()

	reg := registry.NewRegistry(nil)
	for _, id := range []uint32{1, 2} {
		require.NoError(t, reg.Register(registry.Node{
			ID:                 id,
			Address:            "10.0.0.1:8000",
			TotalCapacityBytes: capacityBlocks * testBlockSize,
		}))
	}

	store := kvblock.NewStore(&kvblock.Config{
		BlockSizeBytes: testBlockSize,
		Protocol:       protocol,
	}, reg)
	return store, reg
}

func TestAllocateAndGet(t *testing.T) {
	store, reg := newTestStore(t, kvblock.CoherencyMESI, 4)

	block, err := store.Allocate(t.Context(), 100, 1, 0)
	require.NoError(t, err)

	got, err := store.Get(block.ID)
	require.NoError(t, err)
	assert.Equal(t, kvblock.StateExclusive, got.State)
	assert.Equal(t, uint32(1), got.RefCount)
	assert.Equal(t, uint32(1), got.NodeID)
	assert.True(t, got.Sharers.Has(uint64(100)))

	node, err := reg.Get(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(testBlockSize), node.UsedCapacityBytes)
}

func TestAllocateOutOfCapacity(t *testing.T) {
	store, _ := newTestStore(t, kvblock.CoherencyMESI, 2)

	_, err := store.Allocate(t.Context(), 100, 1, 0)
	require.NoError(t, err)
	_, err = store.Allocate(t.Context(), 100, 1, 1)
	require.NoError(t, err)

	// No evictor installed, so a full node fails the allocation.
	_, err = store.Allocate(t.Context(), 100, 1, 2)
	assert.ErrorIs(t, err, kvblock.ErrOutOfCapacity)
}

func TestAllocateUnknownNodeSurfacesRegistryError(t *testing.T) {
	store, _ := newTestStore(t, kvblock.CoherencyMESI, 2)

	// An unregistered node is a caller bug, not memory pressure.
	_, err := store.Allocate(t.Context(), 100, 99, 0)
	assert.ErrorIs(t, err, registry.ErrUnknownNode)
	assert.NotErrorIs(t, err, kvblock.ErrOutOfCapacity)
}

func TestSharedWriteInvalidatesOtherSharers(t *testing.T) {
	store, _ := newTestStore(t, kvblock.CoherencyMESI, 4)

	block, err := store.Allocate(t.Context(), 100, 1, 0)
	require.NoError(t, err)
	require.NoError(t, store.AddSharer(block.ID, 200))

	got, err := store.Get(block.ID)
	require.NoError(t, err)
	assert.Equal(t, kvblock.StateShared, got.State)
	assert.Equal(t, uint32(2), got.RefCount)

	invalidated, err := store.MarkWritten(t.Context(), block.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, []uint64{200}, invalidated)

	got, err = store.Get(block.ID)
	require.NoError(t, err)
	assert.Equal(t, kvblock.StateModified, got.State)
	assert.True(t, got.Dirty)
	assert.Equal(t, uint32(1), got.RefCount)
	assert.False(t, got.Sharers.Has(uint64(200)))
}

func TestReadDemotesModifiedToShared(t *testing.T) {
	store, _ := newTestStore(t, kvblock.CoherencyMESI, 4)

	block, err := store.Allocate(t.Context(), 100, 1, 0)
	require.NoError(t, err)
	_, err = store.MarkWritten(t.Context(), block.ID, 100)
	require.NoError(t, err)

	require.NoError(t, store.AddSharer(block.ID, 200))
	require.NoError(t, store.MarkRead(t.Context(), block.ID, 200))

	got, err := store.Get(block.ID)
	require.NoError(t, err)
	assert.Equal(t, kvblock.StateShared, got.State)
	assert.Equal(t, uint32(2), got.RefCount)
}

func TestCoherencyNoneSkipsTransitions(t *testing.T) {
	store, _ := newTestStore(t, kvblock.CoherencyNone, 4)

	block, err := store.Allocate(t.Context(), 100, 1, 0)
	require.NoError(t, err)
	require.NoError(t, store.AddSharer(block.ID, 200))

	invalidated, err := store.MarkWritten(t.Context(), block.ID, 100)
	require.NoError(t, err)
	assert.Empty(t, invalidated)

	got, err := store.Get(block.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got.RefCount)
	assert.True(t, got.Sharers.Has(uint64(200)))
}

func TestFreeDestroysLastReference(t *testing.T) {
	store, reg := newTestStore(t, kvblock.CoherencyMESI, 4)

	block, err := store.Allocate(t.Context(), 100, 1, 0)
	require.NoError(t, err)
	require.NoError(t, store.AddSharer(block.ID, 200))

	require.NoError(t, store.Free(t.Context(), block.ID, 100))
	got, err := store.Get(block.ID)
	require.NoError(t, err)
	// One sharer left on a clean block promotes back to Exclusive.
	assert.Equal(t, kvblock.StateExclusive, got.State)
	assert.Equal(t, uint32(1), got.RefCount)

	require.NoError(t, store.Free(t.Context(), block.ID, 200))
	_, err = store.Get(block.ID)
	assert.ErrorIs(t, err, kvblock.ErrNotFound)

	node, err := reg.Get(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), node.UsedCapacityBytes)
}

func TestFreeLockedBlockIsDeferred(t *testing.T) {
	store, reg := newTestStore(t, kvblock.CoherencyMESI, 4)

	block, err := store.Allocate(t.Context(), 100, 1, 0)
	require.NoError(t, err)
	require.NoError(t, store.MarkLocked(t.Context(), block.ID, true))

	err = store.Free(t.Context(), block.ID, 100)
	assert.ErrorIs(t, err, kvblock.ErrBlockLocked)

	// The block survives while locked.
	got, err := store.Get(block.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got.RefCount)

	// Unlocking performs the deferred free.
	require.NoError(t, store.MarkLocked(t.Context(), block.ID, false))
	_, err = store.Get(block.ID)
	assert.ErrorIs(t, err, kvblock.ErrNotFound)

	node, err := reg.Get(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), node.UsedCapacityBytes)
}

func TestEvictBlockDropsOneReference(t *testing.T) {
	store, _ := newTestStore(t, kvblock.CoherencyMESI, 4)

	block, err := store.Allocate(t.Context(), 200, 1, 0)
	require.NoError(t, err)
	require.NoError(t, store.AddSharer(block.ID, 100))

	// The smallest sharer ID loses its reference first.
	freed, victimSeq, err := store.EvictBlock(t.Context(), block.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), freed)
	assert.Equal(t, uint64(100), victimSeq)

	freed, victimSeq, err = store.EvictBlock(t.Context(), block.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(testBlockSize), freed)
	assert.Equal(t, uint64(200), victimSeq)

	_, err = store.Get(block.ID)
	assert.ErrorIs(t, err, kvblock.ErrNotFound)
}

func TestEvictLockedBlockFails(t *testing.T) {
	store, _ := newTestStore(t, kvblock.CoherencyMESI, 4)

	block, err := store.Allocate(t.Context(), 100, 1, 0)
	require.NoError(t, err)
	require.NoError(t, store.MarkLocked(t.Context(), block.ID, true))

	_, _, err = store.EvictBlock(t.Context(), block.ID)
	assert.ErrorIs(t, err, kvblock.ErrBlockLocked)
}

func TestMoveBlock(t *testing.T) {
	store, reg := newTestStore(t, kvblock.CoherencyMESI, 4)

	block, err := store.Allocate(t.Context(), 100, 1, 0)
	require.NoError(t, err)
	require.NoError(t, store.MoveBlock(t.Context(), block.ID, 2))

	got, err := store.Get(block.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got.NodeID)

	source, err := reg.Get(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), source.UsedCapacityBytes)
	target, err := reg.Get(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(testBlockSize), target.UsedCapacityBytes)

	assert.Contains(t, blockIDs(store.NodeBlocks(2)), block.ID)
	assert.Empty(t, store.NodeBlocks(1))
}

func TestInvalidateNode(t *testing.T) {
	store, _ := newTestStore(t, kvblock.CoherencyMESI, 4)

	b1, err := store.Allocate(t.Context(), 100, 1, 0)
	require.NoError(t, err)
	b2, err := store.Allocate(t.Context(), 200, 1, 1)
	require.NoError(t, err)

	affected := store.InvalidateNode(t.Context(), 1)
	assert.ElementsMatch(t, []uint64{100, 200}, affected)

	_, err = store.Get(b1.ID)
	assert.ErrorIs(t, err, kvblock.ErrNotFound)
	_, err = store.Get(b2.ID)
	assert.ErrorIs(t, err, kvblock.ErrNotFound)
	assert.Equal(t, 0, store.Len())
}

func TestRoundTripCapacity(t *testing.T) {
	store, reg := newTestStore(t, kvblock.CoherencyMESI, 3)

	var blocks []uint64
	for i := 0; i < 3; i++ {
		block, err := store.Allocate(t.Context(), 100, 1, uint32(i))
		require.NoError(t, err)
		blocks = append(blocks, block.ID)
	}

	for _, id := range blocks {
		require.NoError(t, store.Free(t.Context(), id, 100))
	}

	node, err := reg.Get(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), node.UsedCapacityBytes)

	// The full capacity is usable again.
	for i := 0; i < 3; i++ {
		_, err := store.Allocate(t.Context(), 200, 1, uint32(i))
		require.NoError(t, err)
	}
}

func blockIDs(blocks []kvblock.Block) []uint64 {
	ids := make([]uint64, 0, len(blocks))
	for _, b := range blocks {
		ids = append(ids, b.ID)
	}
	return ids
}
