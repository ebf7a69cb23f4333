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

package kvcache_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/registry"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/replication"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/sequence"
)

const testBlockSize = 1024

// memTransport is an in-memory NodeTransport.
type memTransport struct {
	mu       sync.Mutex
	failPush bool
	payloads map[uint32]map[uint64][]byte
}

func newMemTransport() *memTransport {
	return &memTransport{payloads: map[uint32]map[uint64][]byte{}}
}

func (m *memTransport) Fetch(_ context.Context, nodeID uint32, blockID uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if payload, ok := m.payloads[nodeID][blockID]; ok {
		return payload, nil
	}
	return []byte(fmt.Sprintf("block-%d", blockID)), nil
}

func (m *memTransport) Push(_ context.Context, nodeID uint32, blockID uint64, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPush {
		return errors.New("push refused")
	}
	if m.payloads[nodeID] == nil {
		m.payloads[nodeID] = map[uint64][]byte{}
	}
	m.payloads[nodeID][blockID] = payload
	return nil
}

func (m *memTransport) setFailPush(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPush = fail
}

func (m *memTransport) stored(nodeID uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payloads[nodeID])
}

// newTestCoordinator builds a coordinator with node 1 holding 15 blocks and
// node 2 holding 10.
func newTestCoordinator(t *testing.T, transport replication.NodeTransport, replicationFactor int) *kvcache.Coordinator {
	t.Helper()

	cfg := kvcache.NewDefaultConfig()
	cfg.BlockSizeBytes = testBlockSize
	cfg.BlockGranularityTokens = 16
	cfg.ReplicationFactor = replicationFactor

	c, err := kvcache.NewCoordinator(t.Context(), cfg, transport)
	require.NoError(t, err)

	require.NoError(t, c.RegisterNode(registryNode(1, 15)))
	require.NoError(t, c.RegisterNode(registryNode(2, 10)))
	return c
}

func prompt(base uint32, n int) []uint32 {
	tokens := make([]uint32, n)
	for i := range tokens {
		tokens[i] = base + uint32(i)
	}
	return tokens
}

func TestAdmitPlacesOnFirstNodeByTieBreak(t *testing.T) {
	c := newTestCoordinator(t, nil, 0)

	seqID, nodeID, err := c.AdmitSequence(t.Context(), prompt(0, 160))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seqID)
	assert.Equal(t, uint32(1), nodeID)

	seq, err := c.Sequence(seqID)
	require.NoError(t, err)
	assert.Len(t, seq.BlockIDs, 10)
	assert.Equal(t, uint32(160), seq.Length)

	stats := c.GetStatistics()
	assert.Equal(t, 10, stats.TotalBlocks)
	assert.Equal(t, uint64(0), stats.CacheHits)
	assert.Equal(t, uint64(10), stats.CacheMisses)
}

func TestAdmitSharesPrefixOnSameNode(t *testing.T) {
	c := newTestCoordinator(t, nil, 0)

	s1, _, err := c.AdmitSequence(t.Context(), prompt(0, 160))
	require.NoError(t, err)

	// Same first 80 tokens, different continuation: routes to node 1 by
	// affinity and reuses the first 5 blocks.
	tokens := prompt(0, 160)
	for i := 80; i < 160; i++ {
		tokens[i] += 100000
	}
	s2, nodeID, err := c.AdmitSequence(t.Context(), tokens)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), nodeID)

	seq1, err := c.Sequence(s1)
	require.NoError(t, err)
	seq2, err := c.Sequence(s2)
	require.NoError(t, err)
	assert.Equal(t, seq1.BlockIDs[:5], seq2.BlockIDs[:5])
	assert.True(t, seq2.PrefixCached)
	assert.InDelta(t, 0.5, seq2.CacheHitRate, 0.001)

	for _, blockID := range seq2.BlockIDs[:5] {
		block, err := c.BlockStore().Get(blockID)
		require.NoError(t, err)
		assert.Equal(t, uint32(2), block.RefCount)
		assert.Equal(t, kvblock.StateShared, block.State)
	}
	for _, blockID := range seq2.BlockIDs[5:] {
		block, err := c.BlockStore().Get(blockID)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), block.RefCount)
	}

	stats := c.GetStatistics()
	assert.Equal(t, uint64(5), stats.CacheHits)
	assert.Equal(t, uint64(15), stats.CacheMisses)
	assert.InDelta(t, 0.25, stats.HitRate, 0.001)
}

func TestAdmitFallsBackToSecondNodeWhenFull(t *testing.T) {
	c := newTestCoordinator(t, nil, 0)

	_, _, err := c.AdmitSequence(t.Context(), prompt(0, 160))
	require.NoError(t, err)

	tokens := prompt(0, 160)
	for i := 80; i < 160; i++ {
		tokens[i] += 100000
	}
	_, _, err = c.AdmitSequence(t.Context(), tokens)
	require.NoError(t, err)

	// Node 1 is now full; an unrelated prompt lands on node 2.
	_, nodeID, err := c.AdmitSequence(t.Context(), prompt(500000, 160))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), nodeID)

	stats := c.GetStatistics()
	assert.Equal(t, uint64(5), stats.CacheHits)
	assert.Equal(t, uint64(25), stats.CacheMisses)
	assert.InDelta(t, float64(5)/float64(30), stats.HitRate, 0.001)
}

func TestFreeSequenceReleasesBlocksAndIsIdempotent(t *testing.T) {
	c := newTestCoordinator(t, nil, 0)

	seqID, _, err := c.AdmitSequence(t.Context(), prompt(0, 32))
	require.NoError(t, err)
	require.Equal(t, 2, c.GetStatistics().TotalBlocks)

	require.NoError(t, c.FreeSequence(t.Context(), seqID))
	assert.Equal(t, 0, c.GetStatistics().TotalBlocks)
	assert.Equal(t, 0, c.GetStatistics().ActiveSequences)

	require.NoError(t, c.FreeSequence(t.Context(), seqID))
}

func TestFreeSequenceDefersLockedBlocks(t *testing.T) {
	c := newTestCoordinator(t, nil, 0)

	seqID, _, err := c.AdmitSequence(t.Context(), prompt(0, 32))
	require.NoError(t, err)
	seq, err := c.Sequence(seqID)
	require.NoError(t, err)
	locked := seq.BlockIDs[0]

	require.NoError(t, c.BlockStore().MarkLocked(t.Context(), locked, true))
	require.NoError(t, c.FreeSequence(t.Context(), seqID))

	// The unlocked block is gone; the locked one survives until unlock.
	assert.Equal(t, 1, c.BlockStore().Len())
	require.NoError(t, c.BlockStore().MarkLocked(t.Context(), locked, false))
	assert.Equal(t, 0, c.BlockStore().Len())
}

func TestDeregisterNodeReroutesSequencesCold(t *testing.T) {
	c := newTestCoordinator(t, nil, 0)

	seqID, nodeID, err := c.AdmitSequence(t.Context(), prompt(0, 32))
	require.NoError(t, err)
	require.Equal(t, uint32(1), nodeID)

	require.NoError(t, c.DeregisterNode(t.Context(), 1))

	seq, err := c.Sequence(seqID)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), seq.PreferredNodeID)
	assert.False(t, seq.Degraded)
	// Cold start: the cached blocks are gone, the length survives.
	assert.Empty(t, seq.BlockIDs)
	assert.Equal(t, uint32(32), seq.Length)

	// The next append recomputes the footprint on node 2.
	require.NoError(t, c.AppendTokens(t.Context(), seqID, 16))
	seq, err = c.Sequence(seqID)
	require.NoError(t, err)
	assert.Len(t, seq.BlockIDs, 3)

	stats := c.GetStatistics()
	assert.Equal(t, 1, stats.NodesOnline)
	assert.Equal(t, 3, stats.TotalBlocks)
}

func TestReplicationOnAdmit(t *testing.T) {
	transport := newMemTransport()
	c := newTestCoordinator(t, transport, 1)

	seqID, nodeID, err := c.AdmitSequence(t.Context(), prompt(0, 64))
	require.NoError(t, err)
	require.Equal(t, uint32(1), nodeID)

	// Every block of the sequence was pushed to the secondary node.
	assert.Equal(t, 4, transport.stored(2))

	seq, err := c.Sequence(seqID)
	require.NoError(t, err)
	assert.Len(t, seq.BlockIDs, 4)

	node, err := c.Registry().Get(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(4*testBlockSize), node.NetworkTransfersBytes)
}

func TestMigrateSequence(t *testing.T) {
	transport := newMemTransport()
	c := newTestCoordinator(t, transport, 0)

	seqID, _, err := c.AdmitSequence(t.Context(), prompt(0, 32))
	require.NoError(t, err)

	require.NoError(t, c.MigrateSequence(t.Context(), seqID, 2))

	seq, err := c.Sequence(seqID)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), seq.PreferredNodeID)
	for _, blockID := range seq.BlockIDs {
		block, err := c.BlockStore().Get(blockID)
		require.NoError(t, err)
		assert.Equal(t, uint32(2), block.NodeID)
	}

	source, err := c.Registry().Get(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), source.UsedCapacityBytes)
	assert.Equal(t, 2, transport.stored(2))

	// The in-flight request follows the sequence to the target node.
	assert.Equal(t, uint32(0), source.CurrentRequests)
	target, err := c.Registry().Get(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), target.CurrentRequests)

	require.NoError(t, c.FreeSequence(t.Context(), seqID))
	target, err = c.Registry().Get(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), target.CurrentRequests)
}

func TestMigrateSequenceWithoutTransport(t *testing.T) {
	c := newTestCoordinator(t, nil, 0)

	seqID, _, err := c.AdmitSequence(t.Context(), prompt(0, 32))
	require.NoError(t, err)

	err = c.MigrateSequence(t.Context(), seqID, 2)
	assert.ErrorIs(t, err, kvcache.ErrReplicationDisabled)
}

func TestWriteEventInvalidatesSharersAndUnlocks(t *testing.T) {
	c := newTestCoordinator(t, nil, 0)

	s1, _, err := c.AdmitSequence(t.Context(), prompt(0, 32))
	require.NoError(t, err)
	s2, _, err := c.AdmitSequence(t.Context(), prompt(0, 32))
	require.NoError(t, err)

	seq2, err := c.Sequence(s2)
	require.NoError(t, err)
	shared := seq2.BlockIDs[0]
	block, err := c.BlockStore().Get(shared)
	require.NoError(t, err)
	require.Equal(t, uint32(2), block.RefCount)

	c.OnBlockWriteComplete(t.Context(), s2, []uint64{shared})

	block, err = c.BlockStore().Get(shared)
	require.NoError(t, err)
	assert.Equal(t, kvblock.StateModified, block.State)
	assert.True(t, block.Dirty)
	assert.Equal(t, uint32(1), block.RefCount)
	assert.False(t, block.Sharers.Has(s1))

	// The invalidated copy is detached from the sharer's block list so the
	// lost range gets recomputed on the next append.
	seq1, err := c.Sequence(s1)
	require.NoError(t, err)
	assert.NotContains(t, seq1.BlockIDs, shared)
	assert.Len(t, seq1.BlockIDs, 1)
	assert.False(t, seq1.PrefixCached)
}

func TestReadEventDemotesAndTouches(t *testing.T) {
	c := newTestCoordinator(t, nil, 0)

	s1, _, err := c.AdmitSequence(t.Context(), prompt(0, 32))
	require.NoError(t, err)
	seq, err := c.Sequence(s1)
	require.NoError(t, err)
	blockID := seq.BlockIDs[0]

	c.OnBlockWriteComplete(t.Context(), s1, []uint64{blockID})
	c.OnBlockReadComplete(t.Context(), 999, []uint64{blockID})

	block, err := c.BlockStore().Get(blockID)
	require.NoError(t, err)
	assert.Equal(t, kvblock.StateShared, block.State)
}

func TestRoutingHintFollowsSequence(t *testing.T) {
	transport := newMemTransport()
	c := newTestCoordinator(t, transport, 0)

	seqID, nodeID, err := c.AdmitSequence(t.Context(), prompt(0, 32))
	require.NoError(t, err)

	hinted, found, err := c.Hint(t.Context(), seqID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, nodeID, hinted)

	require.NoError(t, c.MigrateSequence(t.Context(), seqID, 2))
	hinted, found, err = c.Hint(t.Context(), seqID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint32(2), hinted)

	require.NoError(t, c.FreeSequence(t.Context(), seqID))
	_, found, err = c.Hint(t.Context(), seqID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPrefetchAllocatesAheadOfLength(t *testing.T) {
	cfg := kvcache.NewDefaultConfig()
	cfg.BlockSizeBytes = testBlockSize
	cfg.BlockGranularityTokens = 16
	cfg.EnablePrefetch = true
	cfg.PrefetchDistance = 32

	c, err := kvcache.NewCoordinator(t.Context(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, c.RegisterNode(registryNode(1, 15)))

	seqID, _, err := c.AdmitSequence(t.Context(), prompt(0, 16))
	require.NoError(t, err)

	seq, err := c.Sequence(seqID)
	require.NoError(t, err)
	assert.Equal(t, uint32(16), seq.Length)
	// One block for the prompt plus two prefetched ahead.
	assert.Len(t, seq.BlockIDs, 3)
}

func TestFailedAdmissionLeavesNoFootprint(t *testing.T) {
	cfg := kvcache.NewDefaultConfig()
	cfg.BlockSizeBytes = testBlockSize
	cfg.BlockGranularityTokens = 16
	cfg.SequenceTableConfig.MaxBlocksPerSequence = 4

	c, err := kvcache.NewCoordinator(t.Context(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, c.RegisterNode(registryNode(1, 4)))

	s1, _, err := c.AdmitSequence(t.Context(), prompt(0, 32))
	require.NoError(t, err)

	// Routes to node 1 by affinity, attaches the two shared blocks, then
	// needs ten blocks total and trips the per-sequence limit mid-admission.
	_, _, err = c.AdmitSequence(t.Context(), prompt(0, 160))
	require.ErrorIs(t, err, sequence.ErrBlockLimitExceeded)

	// The aborted admission left nothing behind: no sequence entry, no
	// extra block references, no in-flight request on the node.
	stats := c.GetStatistics()
	assert.Equal(t, 1, stats.ActiveSequences)
	assert.Equal(t, 2, stats.TotalBlocks)

	node, err := c.Registry().Get(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*testBlockSize), node.UsedCapacityBytes)
	assert.Equal(t, uint32(1), node.CurrentRequests)

	seq1, err := c.Sequence(s1)
	require.NoError(t, err)
	for _, blockID := range seq1.BlockIDs {
		block, err := c.BlockStore().Get(blockID)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), block.RefCount)
	}
}

func TestHeartbeatTimeoutReroutesOnNextAppend(t *testing.T) {
	transport := newMemTransport()

	cfg := kvcache.NewDefaultConfig()
	cfg.BlockSizeBytes = testBlockSize
	cfg.BlockGranularityTokens = 16
	cfg.ReplicationFactor = 1
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.ReplicationConfig.MaxAttempts = 2
	cfg.ReplicationConfig.RetryBaseDelay = time.Millisecond

	c, err := kvcache.NewCoordinator(t.Context(), cfg, transport)
	require.NoError(t, err)
	require.NoError(t, c.RegisterNode(registryNode(1, 15)))
	require.NoError(t, c.RegisterNode(registryNode(2, 15)))
	require.NoError(t, c.RegisterNode(registryNode(3, 15)))

	// Pushes fail during admission, so the sequence holds stale replicas
	// only and a later reroute cannot promote one.
	transport.setFailPush(true)
	seqID, nodeID, err := c.AdmitSequence(t.Context(), prompt(0, 32))
	require.NoError(t, err)
	require.Equal(t, uint32(1), nodeID)
	transport.setFailPush(false)

	c.Registry().StartSweep(t.Context())

	// Nodes 2 and 3 keep heartbeating while node 1 goes silent; the sweep
	// takes it offline and degrades its sequence.
	require.Eventually(t, func() bool {
		if err := c.NodeHeartbeat(2); err != nil {
			return false
		}
		if err := c.NodeHeartbeat(3); err != nil {
			return false
		}
		seq, err := c.Sequence(seqID)
		return err == nil && seq.Degraded
	}, 2*time.Second, 5*time.Millisecond)

	node1, err := c.Registry().Get(1)
	require.NoError(t, err)
	assert.False(t, node1.Online)

	// The next append reroutes cold onto node 2 and recomputes the whole
	// footprint there.
	require.NoError(t, c.AppendTokens(t.Context(), seqID, 16))

	seq, err := c.Sequence(seqID)
	require.NoError(t, err)
	assert.False(t, seq.Degraded)
	assert.Equal(t, uint32(2), seq.PreferredNodeID)
	assert.Len(t, seq.BlockIDs, 3)
	for _, blockID := range seq.BlockIDs {
		block, err := c.BlockStore().Get(blockID)
		require.NoError(t, err)
		assert.Equal(t, uint32(2), block.NodeID)
	}

	// All three recomputed blocks, not just the appended one, reached the
	// new secondary.
	assert.Equal(t, 3, transport.stored(3))
}

func registryNode(id uint32, capacityBlocks uint64) registry.Node {
	return registry.Node{
		ID:                 id,
		Address:            fmt.Sprintf("10.0.0.%d:8000", id),
		TotalCapacityBytes: capacityBlocks * testBlockSize,
	}
}
