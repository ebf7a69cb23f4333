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

// Package kvcache coordinates the KV-cache blocks of an LLM inference
// cluster: placement, prefix reuse, coherency, eviction and replication.
package kvcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/eviction"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/kvevents"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/metrics"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/registry"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/replication"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/routing"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/sequence"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/utils/logging"
)

// ErrReplicationDisabled is returned by operations that need a node
// transport when the coordinator was built without one.
var ErrReplicationDisabled = errors.New("replication transport not configured")

// Coordinator is the façade over the coordinator's components. All
// operations are safe for concurrent use.
type Coordinator struct {
	config *Config

	registry  *registry.Registry
	store     *kvblock.Store
	evictor   *eviction.Engine
	sequences *sequence.Table
	router    *routing.Router
	repl      *replication.Manager // nil without a transport
	events    *kvevents.Pool

	nextSeqID atomic.Uint64
	runOnce   sync.Once
}

var _ kvevents.Handler = &Coordinator{}

// NewCoordinator creates a Coordinator given a Config. The transport is
// used for block replication and migration; it may be nil, which disables
// both.
func NewCoordinator(ctx context.Context, config *Config, transport replication.NodeTransport) (*Coordinator, error) {
	if config == nil {
		config = NewDefaultConfig()
	}

	reg := registry.NewRegistry(&registry.Config{
		HeartbeatInterval:          config.HeartbeatInterval,
		HeartbeatTimeoutMultiplier: config.HeartbeatTimeoutMultiplier,
	})

	store := kvblock.NewStore(&kvblock.Config{
		BlockSizeBytes: config.blockSize(),
		Protocol:       config.CoherencyProtocol,
	}, reg)

	evictor, err := eviction.NewEngine(&eviction.Config{Policy: config.EvictionPolicy}, store, reg)
	if err != nil {
		return nil, fmt.Errorf("failed to create eviction engine: %w", err)
	}
	store.SetEvictor(evictor)

	seqCfg := config.SequenceTableConfig
	if seqCfg == nil {
		seqCfg = sequence.DefaultConfig()
	}
	if config.BlockGranularityTokens > 0 {
		seqCfg.BlockGranularityTokens = config.BlockGranularityTokens
	}
	sequences, err := sequence.NewTable(seqCfg, store)
	if err != nil {
		return nil, fmt.Errorf("failed to create sequence table: %w", err)
	}

	router, err := routing.NewRouter(config.RouterConfig, reg, sequences)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	c := &Coordinator{
		config:    config,
		registry:  reg,
		store:     store,
		evictor:   evictor,
		sequences: sequences,
		router:    router,
	}

	if transport != nil {
		repl, err := replication.NewManager(config.ReplicationConfig, transport, store, sequences)
		if err != nil {
			return nil, fmt.Errorf("failed to create replication manager: %w", err)
		}
		c.repl = repl
		router.SetReplicaSource(repl)
	}

	c.events = kvevents.NewPool(config.EventsConfig, c)
	reg.SetOfflineHandler(c.handleNodeOffline)

	if config.EnableMetrics {
		metrics.Register()
	}

	klog.FromContext(ctx).WithName("kvcache.Coordinator").
		Info("created coordinator", "block-size", config.blockSize(),
			"granularity", seqCfg.BlockGranularityTokens,
			"policy", config.EvictionPolicy, "protocol", config.CoherencyProtocol,
			"replication-factor", config.ReplicationFactor)
	return c, nil
}

// Run starts the coordinator's background loops: the liveness sweep, the
// replica sync workers and the event pool. It is non-blocking; the loops
// stop when the context is canceled.
func (c *Coordinator) Run(ctx context.Context) {
	c.runOnce.Do(func() {
		c.registry.StartSweep(ctx)
		if c.repl != nil {
			c.repl.Start(ctx)
		}
		c.events.Start(ctx)
		if c.config.EnableMetrics {
			go metrics.StartMetricsLogging(ctx, c.config.MetricsLoggingInterval)
		}
	})
}

// Shutdown drains in-flight work and stops the background loops.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.events.Shutdown(ctx)
		return nil
	})
	if c.repl != nil {
		g.Go(func() error {
			c.repl.Shutdown()
			return nil
		})
	}
	return g.Wait()
}

// Registry returns the node registry used by the Coordinator.
func (c *Coordinator) Registry() *registry.Registry {
	return c.registry
}

// BlockStore returns the block store used by the Coordinator.
func (c *Coordinator) BlockStore() *kvblock.Store {
	return c.store
}

// Sequence returns a copy of the tracked sequence's current state.
func (c *Coordinator) Sequence(seqID uint64) (sequence.Sequence, error) {
	return c.sequences.Get(seqID)
}

// Hint returns the recorded routing hint for a sequence.
func (c *Coordinator) Hint(ctx context.Context, seqID uint64) (uint32, bool, error) {
	return c.router.Hint(ctx, seqID)
}

// AdmitSequence admits a new inference request given its prompt tokens. It
// routes the sequence to a node, reuses the longest cached prefix found,
// allocates the remainder and replicates the fresh blocks per the
// configured factor. It returns the assigned sequence and node IDs.
func (c *Coordinator) AdmitSequence(ctx context.Context, tokens []uint32) (uint64, uint32, error) {
	start := time.Now()
	defer func() {
		metrics.AdmitLatency.Observe(time.Since(start).Seconds())
	}()
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("kvcache.Coordinator.AdmitSequence")

	seqID := c.nextSeqID.Add(1)

	decision, err := c.router.RouteNewSequence(ctx, tokens, c.estimateBytes(len(tokens)))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to route sequence %d: %w", seqID, err)
	}

	if err := c.sequences.CreateSequence(seqID, uint32(len(tokens))); err != nil {
		return 0, 0, err
	}
	if err := c.sequences.SetPreferredNode(seqID, decision.NodeID); err != nil {
		c.abortAdmission(ctx, seqID, decision.NodeID, false)
		return 0, 0, err
	}
	if err := c.sequences.IndexPrompt(seqID, tokens); err != nil {
		c.abortAdmission(ctx, seqID, decision.NodeID, false)
		return 0, 0, err
	}
	c.registry.AddRequest(decision.NodeID)

	if decision.MatchedTokens > 0 && decision.NodeID == decision.Matched.PreferredNodeID {
		if err := c.sequences.SharePrefix(ctx, decision.Matched.ID, seqID, decision.MatchedTokens); err != nil {
			debugLogger.Error(err, "failed to share prefix", "from", decision.Matched.ID, "to", seqID)
		}
	}

	seq, err := c.sequences.Get(seqID)
	if err != nil {
		c.abortAdmission(ctx, seqID, decision.NodeID, true)
		return 0, 0, err
	}
	sharedBlocks := len(seq.BlockIDs)
	c.recordHitMiss(decision.NodeID, sharedBlocks, c.blocksFor(len(tokens)))

	if remainder := uint32(len(tokens)) - seq.Length; remainder > 0 {
		if err := c.sequences.AppendTokens(ctx, seqID, remainder); err != nil {
			c.abortAdmission(ctx, seqID, decision.NodeID, true)
			return 0, 0, fmt.Errorf("failed to allocate sequence %d: %w", seqID, err)
		}
	}
	if c.config.EnablePrefetch && c.config.PrefetchDistance > 0 {
		if err := c.sequences.Prefetch(ctx, seqID, c.config.PrefetchDistance); err != nil {
			debugLogger.Error(err, "prefetch failed", "sequence", seqID)
		}
	}

	c.replicateNewBlocks(ctx, seqID, sharedBlocks)

	if err := c.router.RecordHint(ctx, seqID, decision.NodeID); err != nil {
		debugLogger.Error(err, "failed to record routing hint", "sequence", seqID)
	}

	debugLogger.Info("admitted sequence", "sequence", seqID, "node", decision.NodeID,
		"tokens", len(tokens), "shared-blocks", sharedBlocks)
	return seqID, decision.NodeID, nil
}

// AppendTokens grows a sequence by n generated tokens, allocating blocks as
// boundaries are crossed. A sequence degraded by its node going offline is
// rerouted first.
func (c *Coordinator) AppendTokens(ctx context.Context, seqID uint64, n uint32) error {
	seq, err := c.sequences.Get(seqID)
	if err != nil {
		return err
	}

	if seq.Degraded {
		if _, err := c.RerouteSequence(ctx, seqID); err != nil {
			return fmt.Errorf("failed to reroute degraded sequence %d: %w", seqID, err)
		}
		// A cold reroute drops the block list; re-read so the recomputed
		// blocks count as new for replication below.
		seq, err = c.sequences.Get(seqID)
		if err != nil {
			return err
		}
	}

	before := len(seq.BlockIDs)
	if err := c.sequences.AppendTokens(ctx, seqID, n); err != nil {
		return err
	}
	if c.config.EnablePrefetch && c.config.PrefetchDistance > 0 {
		if err := c.sequences.Prefetch(ctx, seqID, c.config.PrefetchDistance); err != nil {
			klog.FromContext(ctx).V(logging.DEBUG).WithName("kvcache.Coordinator.AppendTokens").
				Error(err, "prefetch failed", "sequence", seqID)
		}
	}

	c.replicateNewBlocks(ctx, seqID, before)
	return nil
}

// FreeSequence releases the sequence's blocks and routing state. It is
// idempotent.
func (c *Coordinator) FreeSequence(ctx context.Context, seqID uint64) error {
	seq, err := c.sequences.Get(seqID)
	if err != nil {
		if errors.Is(err, sequence.ErrSequenceNotFound) {
			return nil
		}
		return err
	}

	if err := c.sequences.FreeSequence(ctx, seqID); err != nil {
		return err
	}
	c.registry.DoneRequest(seq.PreferredNodeID)

	if err := c.router.DropHint(ctx, seqID); err != nil {
		klog.FromContext(ctx).V(logging.DEBUG).WithName("kvcache.Coordinator.FreeSequence").
			Error(err, "failed to drop routing hint", "sequence", seqID)
	}

	if c.repl != nil {
		for _, blockID := range seq.BlockIDs {
			if _, err := c.store.Get(blockID); errors.Is(err, kvblock.ErrNotFound) {
				c.repl.DropBlock(blockID)
			}
		}
	}
	return nil
}

// RegisterNode adds a cache node to the cluster. A zero capacity defaults
// to the configured per-node capacity.
func (c *Coordinator) RegisterNode(node registry.Node) error {
	if node.TotalCapacityBytes == 0 {
		node.TotalCapacityBytes = c.config.TotalCapacityBytes
	}
	return c.registry.Register(node)
}

// NodeHeartbeat refreshes a node's liveness. Implements the kvevents
// heartbeat path as well as direct in-process calls.
func (c *Coordinator) NodeHeartbeat(nodeID uint32) error {
	return c.registry.Heartbeat(nodeID)
}

// DeregisterNode removes a node from the cluster. Blocks resident on it are
// invalidated and the sequences that referenced them are rerouted; those
// with no capacity left anywhere stay degraded until capacity returns.
func (c *Coordinator) DeregisterNode(ctx context.Context, nodeID uint32) error {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("kvcache.Coordinator.DeregisterNode")

	affected := c.store.InvalidateNode(ctx, nodeID)
	if err := c.registry.Deregister(nodeID); err != nil {
		return err
	}

	for _, seqID := range affected {
		if err := c.sequences.MarkDegraded(seqID); err != nil {
			continue
		}
		if _, err := c.RerouteSequence(ctx, seqID); err != nil {
			debugLogger.Error(err, "sequence left degraded", "sequence", seqID)
		}
	}

	debugLogger.Info("deregistered node", "node", nodeID, "affected-sequences", len(affected))
	return nil
}

// RerouteSequence moves a degraded sequence to a new node. A node holding a
// synced replica of all its blocks is preferred; otherwise the blocks are
// dropped and the sequence cold starts on the least loaded node.
func (c *Coordinator) RerouteSequence(ctx context.Context, seqID uint64) (uint32, error) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("kvcache.Coordinator.RerouteSequence")

	seq, err := c.sequences.Get(seqID)
	if err != nil {
		return 0, err
	}

	nodeID, err := c.router.Reroute(ctx, seqID, uint64(len(seq.BlockIDs))*c.store.BlockSizeBytes())
	if err != nil {
		return 0, err
	}

	onReplica := false
	if c.repl != nil {
		if replicaNode, ok := c.repl.SyncedReplicaForSequence(ctx, seqID); ok && replicaNode == nodeID {
			onReplica = true
		}
	}

	if onReplica {
		// The replica already holds the payloads; only residency moves.
		for _, blockID := range seq.BlockIDs {
			if err := c.store.MoveBlock(ctx, blockID, nodeID); err != nil &&
				!errors.Is(err, kvblock.ErrNotFound) {
				debugLogger.Error(err, "failed to move block to replica", "block", blockID)
			}
		}
	} else {
		// Cold start: the cached state is gone and will be recomputed.
		if err := c.sequences.Invalidate(ctx, seqID); err != nil {
			return 0, err
		}
	}

	if err := c.sequences.SetPreferredNode(seqID, nodeID); err != nil {
		return 0, err
	}
	if nodeID != seq.PreferredNodeID {
		// The in-flight request moves with the sequence.
		c.registry.DoneRequest(seq.PreferredNodeID)
		c.registry.AddRequest(nodeID)
	}
	if err := c.router.RecordHint(ctx, seqID, nodeID); err != nil {
		debugLogger.Error(err, "failed to record routing hint", "sequence", seqID)
	}

	debugLogger.Info("rerouted sequence", "sequence", seqID, "node", nodeID, "replica", onReplica)
	return nodeID, nil
}

// MigrateSequence moves a sequence's blocks to the target node, copying the
// payloads through the node transport. The routing hint follows the blocks.
func (c *Coordinator) MigrateSequence(ctx context.Context, seqID uint64, targetNodeID uint32) error {
	if c.repl == nil {
		return ErrReplicationDisabled
	}

	node, err := c.registry.Get(targetNodeID)
	if err != nil {
		return err
	}
	if !node.Online {
		return fmt.Errorf("cannot migrate sequence %d to offline node %d", seqID, targetNodeID)
	}

	seq, err := c.sequences.Get(seqID)
	if err != nil {
		return err
	}

	for _, blockID := range seq.BlockIDs {
		if err := c.repl.Replicate(ctx, blockID, targetNodeID); err != nil {
			return fmt.Errorf("failed to migrate sequence %d: %w", seqID, err)
		}
		if err := c.store.MoveBlock(ctx, blockID, targetNodeID); err != nil {
			return fmt.Errorf("failed to migrate sequence %d: %w", seqID, err)
		}
		c.registry.RecordTransfer(targetNodeID, c.store.BlockSizeBytes())
	}

	if err := c.sequences.SetPreferredNode(seqID, targetNodeID); err != nil {
		return err
	}
	if targetNodeID != seq.PreferredNodeID {
		c.registry.DoneRequest(seq.PreferredNodeID)
		c.registry.AddRequest(targetNodeID)
	}
	if err := c.router.RecordHint(ctx, seqID, targetNodeID); err != nil {
		klog.FromContext(ctx).V(logging.DEBUG).WithName("kvcache.Coordinator.MigrateSequence").
			Error(err, "failed to record routing hint", "sequence", seqID)
	}
	return nil
}

// OnBlockWriteComplete applies a write-completion event from a compute
// backend: the blocks turn dirty under the coherency protocol, other
// sharers are invalidated, in-flight locks are released and replicas are
// brought back in sync.
func (c *Coordinator) OnBlockWriteComplete(ctx context.Context, seqID uint64, blockIDs []uint64) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("kvcache.Coordinator.OnBlockWriteComplete")

	for _, blockID := range blockIDs {
		invalidated, err := c.store.MarkWritten(ctx, blockID, seqID)
		if err != nil {
			debugLogger.Error(err, "failed to mark block written", "block", blockID)
			continue
		}
		if len(invalidated) > 0 {
			debugLogger.Info("write invalidated sharers", "block", blockID, "sequences", invalidated)
		}
		for _, invalidatedSeq := range invalidated {
			if err := c.sequences.DetachBlock(ctx, invalidatedSeq, blockID); err != nil {
				debugLogger.Error(err, "failed to detach invalidated block",
					"block", blockID, "sequence", invalidatedSeq)
			}
		}

		if err := c.store.MarkLocked(ctx, blockID, false); err != nil {
			debugLogger.Error(err, "failed to unlock block", "block", blockID)
		}

		if c.repl == nil || c.config.ReplicationFactor == 0 {
			continue
		}
		if c.store.Protocol() == kvblock.CoherencyStrong {
			if err := c.repl.SyncReplicas(ctx, blockID); err != nil {
				debugLogger.Error(err, "failed to sync replicas", "block", blockID)
			}
		} else {
			c.repl.EnqueueSync(blockID)
		}
	}
}

// OnBlockReadComplete applies a read-completion event from a compute
// backend: owned blocks demote to shared and recency is refreshed.
func (c *Coordinator) OnBlockReadComplete(ctx context.Context, seqID uint64, blockIDs []uint64) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("kvcache.Coordinator.OnBlockReadComplete")

	for _, blockID := range blockIDs {
		if err := c.store.MarkRead(ctx, blockID, seqID); err != nil {
			debugLogger.Error(err, "failed to mark block read", "block", blockID)
			continue
		}
		if err := c.store.Touch(blockID); err != nil {
			debugLogger.Error(err, "failed to touch block", "block", blockID)
		}
	}
}

// handleNodeOffline is invoked by the liveness sweep. Sequences preferring
// the silent node are marked degraded and rerouted lazily on their next
// access; the node's memory is out of reach and is not touched.
func (c *Coordinator) handleNodeOffline(nodeID uint32) {
	metrics.NodesOffline.Inc()
	for _, seqID := range c.sequences.SequencesPreferring(nodeID) {
		_ = c.sequences.MarkDegraded(seqID)
	}
}

// abortAdmission rolls back a partially admitted sequence so a failed
// admission leaves no footprint: the sequence entry, its block references
// and, when already counted, the node's in-flight request.
func (c *Coordinator) abortAdmission(ctx context.Context, seqID uint64, nodeID uint32, requested bool) {
	if err := c.sequences.FreeSequence(ctx, seqID); err != nil {
		klog.FromContext(ctx).V(logging.DEBUG).WithName("kvcache.Coordinator.AdmitSequence").
			Error(err, "failed to roll back admission", "sequence", seqID)
	}
	if requested {
		c.registry.DoneRequest(nodeID)
	}
}

// replicateNewBlocks pushes the sequence's blocks from position fromBlock
// onward to the replica targets. Replication failures degrade to stale
// replicas and never fail the primary path.
func (c *Coordinator) replicateNewBlocks(ctx context.Context, seqID uint64, fromBlock int) {
	if c.repl == nil || c.config.ReplicationFactor == 0 {
		return
	}
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("kvcache.Coordinator.replicateNewBlocks")

	seq, err := c.sequences.Get(seqID)
	if err != nil || fromBlock >= len(seq.BlockIDs) {
		return
	}

	targets := c.replicaTargets(seq.PreferredNodeID)
	for _, blockID := range seq.BlockIDs[fromBlock:] {
		for _, target := range targets {
			if err := c.repl.Replicate(ctx, blockID, target); err != nil {
				debugLogger.Error(err, "replication degraded", "block", blockID, "target", target)
				continue
			}
			c.registry.RecordTransfer(target, c.store.BlockSizeBytes())
		}
	}
}

// replicaTargets picks up to ReplicationFactor online nodes other than the
// primary, by ascending node ID for determinism.
func (c *Coordinator) replicaTargets(primaryNodeID uint32) []uint32 {
	var targets []uint32
	for _, node := range c.registry.Snapshot() {
		if node.ID == primaryNodeID || !node.Online {
			continue
		}
		targets = append(targets, node.ID)
		if len(targets) == c.config.ReplicationFactor {
			break
		}
	}
	return targets
}

// recordHitMiss updates the node and Prometheus hit/miss counters at block
// granularity.
func (c *Coordinator) recordHitMiss(nodeID uint32, hitBlocks, totalBlocks int) {
	for i := 0; i < hitBlocks; i++ {
		c.registry.RecordHit(nodeID)
	}
	for i := hitBlocks; i < totalBlocks; i++ {
		c.registry.RecordMiss(nodeID)
	}
	metrics.CacheHits.Add(float64(hitBlocks))
	metrics.CacheMisses.Add(float64(totalBlocks - hitBlocks))
}

// blocksFor returns the number of blocks covering n tokens.
func (c *Coordinator) blocksFor(tokens int) int {
	granularity := c.sequences.BlockGranularity()
	return (tokens + granularity - 1) / granularity
}

// estimateBytes is the byte footprint of a prompt of n tokens.
func (c *Coordinator) estimateBytes(tokens int) uint64 {
	return uint64(c.blocksFor(tokens)) * c.store.BlockSizeBytes()
}
