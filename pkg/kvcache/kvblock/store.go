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

package kvblock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/metrics"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/registry"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/utils/logging"
)

var (
	// ErrNotFound is returned when a block ID is absent from the table.
	ErrNotFound = errors.New("block not found")
	// ErrBlockLocked is returned when freeing a block that is in-flight.
	// The free is deferred and performed on unlock.
	ErrBlockLocked = errors.New("block locked")
	// ErrOutOfCapacity is returned when allocation fails even after
	// eviction was attempted.
	ErrOutOfCapacity = errors.New("out of capacity")
)

const defaultRecomputeCost = 1.0

// Config holds the configuration for the block store.
type Config struct {
	// BlockSizeBytes is the payload size of every block.
	BlockSizeBytes uint64 `json:"blockSizeBytes"`
	// Protocol selects the coherency behavior for writes and cross-sequence
	// reads.
	Protocol CoherencyProtocol `json:"protocol"`
}

// DefaultConfig returns a default configuration for the block store.
func DefaultConfig() *Config {
	return &Config{
		BlockSizeBytes: 4096,
		Protocol:       CoherencyMESI,
	}
}

// CapacityManager accounts per-node byte capacity. Implemented by
// registry.Registry.
type CapacityManager interface {
	Reserve(nodeID uint32, bytes uint64) error
	Release(nodeID uint32, bytes uint64) error
}

// Evictor frees capacity on a node under memory pressure. The store invokes
// it while holding the node's allocation lock, so implementations must not
// re-acquire it (use the store's locked eviction entry points).
type Evictor interface {
	FreeCapacity(ctx context.Context, nodeID uint32, bytesNeeded uint64) error
}

// Store is the global block table. All operations are safe for concurrent
// use. Allocation and eviction on the same node are serialized through a
// per-node lock; the lock order everywhere is node allocation lock before
// the table lock.
type Store struct {
	config   *Config
	capacity CapacityManager

	evictor atomic.Pointer[Evictor]

	// mu guards the block table and per-block state transitions.
	mu      sync.RWMutex
	blocks  map[uint64]*Block
	byNode  map[uint32]sets.Set[uint64]
	pending map[uint64]sets.Set[uint64] // blockID -> sequence IDs awaiting deferred free

	// nodeMu serializes allocation and eviction per node.
	nodeMuMu sync.Mutex
	nodeMu   map[uint32]*sync.Mutex

	nextID atomic.Uint64
}

// NewStore creates a Store given a Config and a capacity manager.
func NewStore(config *Config, capacity CapacityManager) *Store {
	if config == nil {
		config = DefaultConfig()
	}

	return &Store{
		config:   config,
		capacity: capacity,
		blocks:   make(map[uint64]*Block),
		byNode:   make(map[uint32]sets.Set[uint64]),
		pending:  make(map[uint64]sets.Set[uint64]),
		nodeMu:   make(map[uint32]*sync.Mutex),
	}
}

// SetEvictor installs the eviction engine consulted when a node is full.
func (s *Store) SetEvictor(e Evictor) {
	s.evictor.Store(&e)
}

// BlockSizeBytes returns the configured per-block payload size.
func (s *Store) BlockSizeBytes() uint64 {
	return s.config.BlockSizeBytes
}

// Protocol returns the configured coherency protocol.
func (s *Store) Protocol() CoherencyProtocol {
	return s.config.Protocol
}

// WithNodeLock runs fn while holding the node's allocation lock. Used by the
// eviction engine to make victim selection atomic with allocation.
func (s *Store) WithNodeLock(nodeID uint32, fn func() error) error {
	mu := s.nodeLock(nodeID)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// Allocate reserves one block on the given node for the sequence. If the
// node lacks a free block, the eviction engine is asked to free one block's
// worth of bytes first; if that fails the allocation fails with
// ErrOutOfCapacity.
func (s *Store) Allocate(ctx context.Context, seqID uint64, nodeID uint32, position uint32) (Block, error) {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.Store.Allocate")

	mu := s.nodeLock(nodeID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.capacity.Reserve(nodeID, s.config.BlockSizeBytes); err != nil {
		// Only capacity exhaustion is recoverable through eviction; anything
		// else (an unknown node, say) surfaces as-is.
		if !errors.Is(err, registry.ErrInsufficientCapacity) {
			return Block{}, fmt.Errorf("failed to reserve block on node %d: %w", nodeID, err)
		}

		evictor := s.evictor.Load()
		if evictor == nil {
			return Block{}, fmt.Errorf("%w: node %d: %s", ErrOutOfCapacity, nodeID, err)
		}

		if evictErr := (*evictor).FreeCapacity(ctx, nodeID, s.config.BlockSizeBytes); evictErr != nil {
			return Block{}, fmt.Errorf("%w: node %d: %s", ErrOutOfCapacity, nodeID, evictErr)
		}

		if err = s.capacity.Reserve(nodeID, s.config.BlockSizeBytes); err != nil {
			return Block{}, fmt.Errorf("%w: node %d: %s", ErrOutOfCapacity, nodeID, err)
		}

		traceLogger.Info("allocated after eviction", "node", nodeID, "sequence", seqID)
	}

	now := time.Now()
	block := &Block{
		ID:            s.nextID.Add(1),
		NodeID:        nodeID,
		Position:      position,
		State:         StateExclusive,
		RefCount:      1,
		Sharers:       sets.New(seqID),
		SizeBytes:     s.config.BlockSizeBytes,
		CreatedAt:     now,
		LastAccessAt:  now,
		AccessCount:   1,
		RecomputeCost: defaultRecomputeCost,
	}

	s.mu.Lock()
	s.blocks[block.ID] = block
	nodeSet, ok := s.byNode[nodeID]
	if !ok {
		nodeSet = sets.New[uint64]()
		s.byNode[nodeID] = nodeSet
	}
	nodeSet.Insert(block.ID)
	s.mu.Unlock()

	metrics.Allocations.Inc()
	traceLogger.Info("allocated block", "block", block.ID, "node", nodeID,
		"sequence", seqID, "position", position)
	return block.clone(), nil
}

// Get returns a copy of the block's current state.
func (s *Store) Get(blockID uint64) (Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	block, ok := s.blocks[blockID]
	if !ok {
		return Block{}, fmt.Errorf("%w: block %d", ErrNotFound, blockID)
	}
	return block.clone(), nil
}

// Free drops the sequence's reference on the block. When the reference count
// reaches zero the block transitions to Invalid and its bytes return to the
// node's free pool. Freeing a locked block returns ErrBlockLocked and arms a
// deferred free performed on unlock.
func (s *Store) Free(ctx context.Context, blockID, seqID uint64) error {
	s.mu.Lock()

	block, ok := s.blocks[blockID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: block %d", ErrNotFound, blockID)
	}

	if block.Locked {
		deferred, ok := s.pending[blockID]
		if !ok {
			deferred = sets.New[uint64]()
			s.pending[blockID] = deferred
		}
		deferred.Insert(seqID)
		s.mu.Unlock()
		return fmt.Errorf("%w: block %d, free deferred", ErrBlockLocked, blockID)
	}

	release := s.dropSharerLocked(block, seqID)
	s.mu.Unlock()

	if release {
		if err := s.capacity.Release(block.NodeID, block.SizeBytes); err != nil {
			return fmt.Errorf("failed to release capacity for block %d: %w", blockID, err)
		}
		klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.Store.Free").
			Info("block returned to free pool", "block", blockID, "node", block.NodeID)
	}
	return nil
}

// MarkLocked toggles the in-flight flag set by the compute backend around
// active use. Unlocking performs any frees deferred while the block was
// locked.
func (s *Store) MarkLocked(ctx context.Context, blockID uint64, locked bool) error {
	s.mu.Lock()

	block, ok := s.blocks[blockID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: block %d", ErrNotFound, blockID)
	}

	block.Locked = locked
	if locked {
		s.mu.Unlock()
		return nil
	}

	deferred := s.pending[blockID]
	delete(s.pending, blockID)

	release := false
	for seqID := range deferred {
		release = s.dropSharerLocked(block, seqID) || release
	}
	s.mu.Unlock()

	if release {
		if err := s.capacity.Release(block.NodeID, block.SizeBytes); err != nil {
			return fmt.Errorf("failed to release capacity for block %d: %w", blockID, err)
		}
		klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.Store.MarkLocked").
			Info("deferred free completed on unlock", "block", blockID)
	}
	return nil
}

// AddSharer attaches a sequence to an existing block, incrementing its
// reference count and transitioning it to Shared.
func (s *Store) AddSharer(blockID, seqID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, ok := s.blocks[blockID]
	if !ok {
		return fmt.Errorf("%w: block %d", ErrNotFound, blockID)
	}
	if !block.State.Valid() {
		return fmt.Errorf("%w: block %d is invalid", ErrNotFound, blockID)
	}

	if block.Sharers.Has(seqID) {
		return nil
	}

	block.Sharers.Insert(seqID)
	block.RefCount = uint32(block.Sharers.Len())
	block.State = StateShared
	block.LastAccessAt = time.Now()
	block.AccessCount++
	return nil
}

// Touch records an access to the block for recency/frequency bookkeeping.
func (s *Store) Touch(blockID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, ok := s.blocks[blockID]
	if !ok {
		return fmt.Errorf("%w: block %d", ErrNotFound, blockID)
	}

	block.LastAccessAt = time.Now()
	block.AccessCount++
	return nil
}

// SetRecomputeCost overrides the block's relative recomputation cost
// estimate, as reported by the compute backend.
func (s *Store) SetRecomputeCost(blockID uint64, cost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, ok := s.blocks[blockID]
	if !ok {
		return fmt.Errorf("%w: block %d", ErrNotFound, blockID)
	}

	block.RecomputeCost = cost
	return nil
}

// MarkWritten applies the coherency write rule for a write issued by seqID.
// Under MESI/Strong, writing a Shared block first invalidates all other
// holders (their references are dropped) before the writer's copy becomes
// Modified. Under None the write lands in place, last writer wins.
// It returns the sequence IDs whose references were invalidated.
func (s *Store) MarkWritten(ctx context.Context, blockID, seqID uint64) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, ok := s.blocks[blockID]
	if !ok {
		return nil, fmt.Errorf("%w: block %d", ErrNotFound, blockID)
	}

	block.Dirty = true
	block.LastAccessAt = time.Now()
	block.AccessCount++

	if s.config.Protocol == CoherencyNone {
		return nil, nil
	}

	var invalidated []uint64
	if block.State == StateShared {
		for sharer := range block.Sharers {
			if sharer != seqID {
				invalidated = append(invalidated, sharer)
			}
		}
		block.Sharers = sets.New(seqID)
	}
	block.RefCount = uint32(block.Sharers.Len())
	block.State = StateModified

	if len(invalidated) > 0 {
		klog.FromContext(ctx).V(logging.DEBUG).WithName("kvblock.Store.MarkWritten").
			Info("invalidated sharers on write", "block", blockID,
				"writer", seqID, "invalidated", invalidated)
	}
	return invalidated, nil
}

// MarkRead applies the coherency read rule for a read issued by seqID.
// A Modified or Exclusive block read by a new sequence demotes to Shared;
// both copies stay valid until the next write.
func (s *Store) MarkRead(_ context.Context, blockID, seqID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, ok := s.blocks[blockID]
	if !ok {
		return fmt.Errorf("%w: block %d", ErrNotFound, blockID)
	}

	block.LastAccessAt = time.Now()
	block.AccessCount++

	if s.config.Protocol == CoherencyNone {
		return nil
	}

	if !block.Sharers.Has(seqID) {
		block.Sharers.Insert(seqID)
		block.RefCount = uint32(block.Sharers.Len())
		if block.State == StateModified || block.State == StateExclusive {
			block.State = StateShared
		}
	}
	return nil
}

// NodeBlocks returns copies of the valid blocks currently resident on the
// node. Used by the eviction engine for victim scans.
func (s *Store) NodeBlocks(nodeID uint32) []Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, ok := s.byNode[nodeID]
	if !ok {
		return nil
	}

	out := make([]Block, 0, ids.Len())
	for id := range ids {
		if block, ok := s.blocks[id]; ok {
			out = append(out, block.clone())
		}
	}
	return out
}

// EvictBlock removes one holder's reference from the victim. A shared block
// with multiple holders only loses one reference; the last reference
// destroys the block and frees its bytes. It returns the bytes freed (zero
// when only a reference was dropped) and the sequence whose reference was
// taken.
func (s *Store) EvictBlock(ctx context.Context, blockID uint64) (uint64, uint64, error) {
	s.mu.Lock()

	block, ok := s.blocks[blockID]
	if !ok {
		s.mu.Unlock()
		return 0, 0, fmt.Errorf("%w: block %d", ErrNotFound, blockID)
	}
	if block.Locked {
		s.mu.Unlock()
		return 0, 0, fmt.Errorf("%w: block %d", ErrBlockLocked, blockID)
	}

	// Drop the reference of the smallest sharer ID for determinism.
	victimSeq := uint64(0)
	first := true
	for sharer := range block.Sharers {
		if first || sharer < victimSeq {
			victimSeq = sharer
			first = false
		}
	}

	release := s.dropSharerLocked(block, victimSeq)
	s.mu.Unlock()

	if !release {
		return 0, victimSeq, nil
	}

	if err := s.capacity.Release(block.NodeID, block.SizeBytes); err != nil {
		return 0, victimSeq, fmt.Errorf("failed to release capacity for block %d: %w", blockID, err)
	}

	klog.FromContext(ctx).V(logging.DEBUG).WithName("kvblock.Store.EvictBlock").
		Info("evicted block", "block", blockID, "node", block.NodeID)
	return block.SizeBytes, victimSeq, nil
}

// InvalidateNode invalidates every block resident on the node and returns
// the IDs of the sequences that were referencing them. Used when a node is
// explicitly deregistered; the memory of a node that merely timed out is no
// longer under coordinator control and is left untouched.
func (s *Store) InvalidateNode(ctx context.Context, nodeID uint32) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	affected := sets.New[uint64]()
	ids := s.byNode[nodeID]
	for id := range ids {
		block, ok := s.blocks[id]
		if !ok {
			continue
		}
		affected = affected.Union(block.Sharers)
		block.State = StateInvalid
		block.RefCount = 0
		block.Sharers = sets.New[uint64]()
		delete(s.blocks, id)
		delete(s.pending, id)
	}
	delete(s.byNode, nodeID)

	klog.FromContext(ctx).V(logging.DEBUG).WithName("kvblock.Store.InvalidateNode").
		Info("invalidated node blocks", "node", nodeID, "sequences", affected.Len())
	return affected.UnsortedList()
}

// MoveBlock transfers residency of a block to another node. Capacity is
// reserved on the target before the source is released, so the move fails
// cleanly when the target is full. The caller is responsible for copying
// the payload first.
func (s *Store) MoveBlock(ctx context.Context, blockID uint64, targetNodeID uint32) error {
	s.mu.Lock()
	block, ok := s.blocks[blockID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: block %d", ErrNotFound, blockID)
	}
	if block.Locked {
		s.mu.Unlock()
		return fmt.Errorf("%w: block %d", ErrBlockLocked, blockID)
	}
	sourceNodeID := block.NodeID
	s.mu.Unlock()

	if sourceNodeID == targetNodeID {
		return nil
	}

	if err := s.capacity.Reserve(targetNodeID, block.SizeBytes); err != nil {
		return fmt.Errorf("failed to reserve capacity on node %d: %w", targetNodeID, err)
	}

	s.mu.Lock()
	block, ok = s.blocks[blockID]
	if !ok {
		s.mu.Unlock()
		// Freed while we reserved; give the reservation back.
		_ = s.capacity.Release(targetNodeID, s.config.BlockSizeBytes)
		return fmt.Errorf("%w: block %d", ErrNotFound, blockID)
	}
	if nodeSet, ok := s.byNode[sourceNodeID]; ok {
		nodeSet.Delete(blockID)
	}
	targetSet, ok := s.byNode[targetNodeID]
	if !ok {
		targetSet = sets.New[uint64]()
		s.byNode[targetNodeID] = targetSet
	}
	targetSet.Insert(blockID)
	block.NodeID = targetNodeID
	s.mu.Unlock()

	if err := s.capacity.Release(sourceNodeID, block.SizeBytes); err != nil {
		return fmt.Errorf("failed to release capacity on node %d: %w", sourceNodeID, err)
	}

	klog.FromContext(ctx).V(logging.DEBUG).WithName("kvblock.Store.MoveBlock").
		Info("moved block", "block", blockID, "from", sourceNodeID, "to", targetNodeID)
	return nil
}

// Len returns the number of valid blocks in the table.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

// dropSharerLocked removes seqID's reference and reports whether the block
// was destroyed and its capacity must be released. Caller holds s.mu.
func (s *Store) dropSharerLocked(block *Block, seqID uint64) bool {
	block.Sharers.Delete(seqID)
	block.RefCount = uint32(block.Sharers.Len())

	switch block.Sharers.Len() {
	case 0:
		block.State = StateInvalid
		if nodeSet, ok := s.byNode[block.NodeID]; ok {
			nodeSet.Delete(block.ID)
		}
		delete(s.blocks, block.ID)
		return true
	case 1:
		if block.State == StateShared && !block.Dirty {
			block.State = StateExclusive
		}
	}
	return false
}

// nodeLock returns the allocation lock of the node, creating it on first
// use.
func (s *Store) nodeLock(nodeID uint32) *sync.Mutex {
	s.nodeMuMu.Lock()
	defer s.nodeMuMu.Unlock()

	mu, ok := s.nodeMu[nodeID]
	if !ok {
		mu = &sync.Mutex{}
		s.nodeMu[nodeID] = mu
	}
	return mu
}
