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

// Package replication duplicates cache blocks to secondary nodes and keeps
// the copies in sync for failover.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/metrics"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/sequence"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/utils/logging"
)

// ErrReplicationFailed is returned when a replication push exhausted its
// retries. The replica is marked stale and excluded from failover; the
// primary write is unaffected.
var ErrReplicationFailed = errors.New("replication failed")

// NodeTransport is the wire layer between the coordinator and nodes. The
// manager never holds internal locks across transport calls.
type NodeTransport interface {
	// Fetch retrieves a block's payload from a node.
	Fetch(ctx context.Context, nodeID uint32, blockID uint64) ([]byte, error)
	// Push writes a block's payload to a node.
	Push(ctx context.Context, nodeID uint32, blockID uint64, payload []byte) error
}

// Config holds the configuration for the replication manager.
type Config struct {
	// MaxAttempts bounds the push retries before a replica degrades to
	// stale.
	MaxAttempts int `json:"maxAttempts"`
	// RetryBaseDelay is the initial backoff delay between push retries.
	RetryBaseDelay time.Duration `json:"retryBaseDelay"`
	// PushesPerSecond paces transport pushes cluster-wide.
	PushesPerSecond float64 `json:"pushesPerSecond"`
	// SyncWorkers is the number of workers draining the lazy sync queue.
	SyncWorkers int `json:"syncWorkers"`
	// PayloadCacheConfig configures the payload staging cache.
	PayloadCacheConfig *PayloadCacheConfig `json:"payloadCacheConfig"`
}

// DefaultConfig returns a default configuration for the replication
// manager.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:        4,
		RetryBaseDelay:     100 * time.Millisecond,
		PushesPerSecond:    200,
		SyncWorkers:        2,
		PayloadCacheConfig: DefaultPayloadCacheConfig(),
	}
}

// BlockSource reads block metadata. Implemented by kvblock.Store.
type BlockSource interface {
	Get(blockID uint64) (kvblock.Block, error)
}

// SequenceSource reads sequence metadata. Implemented by sequence.Table.
type SequenceSource interface {
	Get(seqID uint64) (sequence.Sequence, error)
}

// replica is one secondary copy of a block.
type replica struct {
	NodeID uint32
	Synced bool
	Stale  bool
}

// Manager replicates blocks to secondary nodes. All operations are safe for
// concurrent use.
type Manager struct {
	config    *Config
	transport NodeTransport
	blocks    BlockSource
	sequences SequenceSource

	payloads *payloadCache
	limiter  *rate.Limiter

	mu       sync.RWMutex
	replicas map[uint64][]*replica

	syncQueue workqueue.TypedRateLimitingInterface[uint64]
	wg        sync.WaitGroup
	started   sync.Once
}

// NewManager creates a Manager given a Config.
func NewManager(config *Config, transport NodeTransport, blocks BlockSource, sequences SequenceSource) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}

	payloads, err := newPayloadCache(config.PayloadCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload cache: %w", err)
	}

	return &Manager{
		config:    config,
		transport: transport,
		blocks:    blocks,
		sequences: sequences,
		payloads:  payloads,
		limiter:   rate.NewLimiter(rate.Limit(config.PushesPerSecond), config.MaxAttempts),
		replicas:  make(map[uint64][]*replica),
		syncQueue: workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[uint64]()),
	}, nil
}

// Start launches the lazy sync workers. It is non-blocking; the workers
// stop when Shutdown is called.
func (m *Manager) Start(ctx context.Context) {
	m.started.Do(func() {
		m.wg.Add(m.config.SyncWorkers)
		for i := 0; i < m.config.SyncWorkers; i++ {
			go m.syncWorker(ctx)
		}
	})
}

// Shutdown drains the sync queue and waits for the workers to finish.
func (m *Manager) Shutdown() {
	m.syncQueue.ShutDownWithDrain()
	m.wg.Wait()
}

// Replicate copies the block's content to a secondary node. On transport
// failure the push is retried with exponential backoff up to the bounded
// attempt count, after which the replica is marked stale and excluded from
// failover candidates.
func (m *Manager) Replicate(ctx context.Context, blockID uint64, targetNodeID uint32) error {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("replication.Manager.Replicate")

	block, err := m.blocks.Get(blockID)
	if err != nil {
		return fmt.Errorf("cannot replicate unknown block %d: %w", blockID, err)
	}

	payload, err := m.stagePayload(ctx, &block)
	if err != nil {
		m.markStale(blockID, targetNodeID)
		metrics.ReplicationFailures.Inc()
		return fmt.Errorf("%w: block %d: %s", ErrReplicationFailed, blockID, err)
	}

	if err := m.pushWithRetry(ctx, targetNodeID, blockID, payload); err != nil {
		m.markStale(blockID, targetNodeID)
		metrics.ReplicationFailures.Inc()
		return fmt.Errorf("%w: block %d to node %d: %s", ErrReplicationFailed, blockID, targetNodeID, err)
	}

	m.setReplica(blockID, targetNodeID, true)
	debugLogger.Info("replicated block", "block", blockID, "target", targetNodeID,
		"bytes", len(payload))
	return nil
}

// SyncReplicas re-pushes the block's latest content to all of its replicas.
// Invoked synchronously after every write under Strong coherency, and
// lazily through the sync queue otherwise.
func (m *Manager) SyncReplicas(ctx context.Context, blockID uint64) error {
	block, err := m.blocks.Get(blockID)
	if err != nil {
		// Block evicted since the sync was scheduled; drop its replicas.
		m.DropBlock(blockID)
		return nil
	}

	targets := m.replicaNodes(blockID)
	if len(targets) == 0 {
		return nil
	}

	// Re-fetch from the primary; the staged copy may predate the write.
	m.payloads.drop(blockID)
	payload, err := m.stagePayload(ctx, &block)
	if err != nil {
		return fmt.Errorf("failed to fetch block %d for sync: %w", blockID, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			if err := m.pushWithRetry(gctx, target, blockID, payload); err != nil {
				m.markStale(blockID, target)
				metrics.ReplicationFailures.Inc()
				klog.FromContext(ctx).V(logging.DEBUG).WithName("replication.Manager.SyncReplicas").
					Info("replica degraded to stale", "block", blockID, "node", target)
				return nil // stale replica is non-fatal
			}
			m.setReplica(blockID, target, true)
			return nil
		})
	}
	return g.Wait()
}

// EnqueueSync schedules a lazy, batched re-sync of the block's replicas.
func (m *Manager) EnqueueSync(blockID uint64) {
	m.syncQueue.Add(blockID)
}

// ReplicaNodes returns the nodes holding a synced, non-stale replica of the
// block.
func (m *Manager) ReplicaNodes(blockID uint64) []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var nodes []uint32
	for _, rep := range m.replicas[blockID] {
		if rep.Synced && !rep.Stale {
			nodes = append(nodes, rep.NodeID)
		}
	}
	return nodes
}

// SyncedReplicaForSequence returns a node holding synced replicas of every
// block of the sequence, if one exists.
func (m *Manager) SyncedReplicaForSequence(_ context.Context, seqID uint64) (uint32, bool) {
	seq, err := m.sequences.Get(seqID)
	if err != nil || len(seq.BlockIDs) == 0 {
		return 0, false
	}

	counts := make(map[uint32]int)
	for _, blockID := range seq.BlockIDs {
		for _, nodeID := range m.ReplicaNodes(blockID) {
			counts[nodeID]++
		}
	}

	best, found := uint32(0), false
	for nodeID, count := range counts {
		if count == len(seq.BlockIDs) && (!found || nodeID < best) {
			best, found = nodeID, true
		}
	}
	return best, found
}

// StaleReplicaCount returns the number of replicas currently marked stale.
func (m *Manager) StaleReplicaCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, reps := range m.replicas {
		for _, rep := range reps {
			if rep.Stale {
				count++
			}
		}
	}
	return count
}

// DropBlock forgets the replicas and staged payload of a destroyed block.
func (m *Manager) DropBlock(blockID uint64) {
	m.mu.Lock()
	delete(m.replicas, blockID)
	m.mu.Unlock()
	m.payloads.drop(blockID)
}

// stagePayload returns the block's payload, fetching from the primary node
// through the staging cache.
func (m *Manager) stagePayload(ctx context.Context, block *kvblock.Block) ([]byte, error) {
	if payload, _, ok := m.payloads.get(block.ID); ok {
		return payload, nil
	}

	payload, err := m.transport.Fetch(ctx, block.NodeID, block.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block %d from node %d: %w", block.ID, block.NodeID, err)
	}

	m.payloads.put(block.ID, payload)
	return payload, nil
}

// pushWithRetry pushes a payload under the pacing limiter with exponential
// backoff, bounded by MaxAttempts.
func (m *Manager) pushWithRetry(ctx context.Context, nodeID uint32, blockID uint64, payload []byte) error {
	backoff := wait.Backoff{
		Duration: m.config.RetryBaseDelay,
		Factor:   2.0,
		Jitter:   0.1,
		Steps:    m.config.MaxAttempts,
	}

	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		if err := m.limiter.Wait(ctx); err != nil {
			return false, err
		}
		if err := m.transport.Push(ctx, nodeID, blockID, payload); err != nil {
			lastErr = err
			return false, nil // retry
		}
		return true, nil
	})
	if err != nil && lastErr != nil {
		return lastErr
	}
	return err
}

// setReplica records a replica entry for the block, updating an existing
// entry for the node in place.
func (m *Manager) setReplica(blockID uint64, nodeID uint32, synced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rep := range m.replicas[blockID] {
		if rep.NodeID == nodeID {
			rep.Synced = synced
			rep.Stale = false
			return
		}
	}
	m.replicas[blockID] = append(m.replicas[blockID], &replica{NodeID: nodeID, Synced: synced})
}

// markStale degrades the block's replica on the node, creating the entry if
// the first push never succeeded.
func (m *Manager) markStale(blockID uint64, nodeID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rep := range m.replicas[blockID] {
		if rep.NodeID == nodeID {
			rep.Stale = true
			return
		}
	}
	m.replicas[blockID] = append(m.replicas[blockID], &replica{NodeID: nodeID, Stale: true})
}

// replicaNodes returns every replica node of the block, stale or not.
func (m *Manager) replicaNodes(blockID uint64) []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]uint32, 0, len(m.replicas[blockID]))
	for _, rep := range m.replicas[blockID] {
		nodes = append(nodes, rep.NodeID)
	}
	return nodes
}

// syncWorker drains the lazy sync queue.
func (m *Manager) syncWorker(ctx context.Context) {
	defer m.wg.Done()
	for {
		blockID, shutdown := m.syncQueue.Get()
		if shutdown {
			return
		}

		func(blockID uint64) {
			defer m.syncQueue.Done(blockID)
			if err := m.SyncReplicas(ctx, blockID); err != nil {
				m.syncQueue.AddRateLimited(blockID)
				return
			}
			m.syncQueue.Forget(blockID)
		}(blockID)
	}
}
