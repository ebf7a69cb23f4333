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

// Package sequence owns per-request cache metadata: the ordered block list
// of every sequence, its prompt prefix hashes, and prefix-sharing between
// sequences with identical leading tokens.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/utils/logging"
)

var (
	// ErrSequenceNotFound is returned for operations on an unknown
	// sequence ID.
	ErrSequenceNotFound = errors.New("sequence not found")
	// ErrSequenceExists is returned when creating a sequence ID that is
	// already tracked.
	ErrSequenceExists = errors.New("sequence already exists")
	// ErrBlockLimitExceeded is returned when a sequence would grow past the
	// configured per-sequence block bound.
	ErrBlockLimitExceeded = errors.New("sequence block limit exceeded")
)

const (
	defaultBlockGranularity = 16
	defaultMaxBlocksPerSeq  = 2048
	defaultPrefixIndexSize  = 500000
)

// Config holds the configuration for the sequence table.
type Config struct {
	// BlockGranularityTokens is the number of tokens represented by one
	// cache block.
	BlockGranularityTokens int `json:"blockGranularityTokens"`
	// MaxBlocksPerSequence bounds the block list of a single sequence.
	MaxBlocksPerSequence int `json:"maxBlocksPerSequence"`
	// PrefixIndexSize is the maximum number of chunk hashes kept in the
	// prefix index.
	PrefixIndexSize int `json:"prefixIndexSize"`
	// HashSeed seeds the chunk hash chain; deployments that must agree on
	// hashes across coordinators align this value.
	HashSeed string `json:"hashSeed"`
}

// DefaultConfig returns a default configuration for the sequence table.
func DefaultConfig() *Config {
	return &Config{
		BlockGranularityTokens: defaultBlockGranularity,
		MaxBlocksPerSequence:   defaultMaxBlocksPerSeq,
		PrefixIndexSize:        defaultPrefixIndexSize,
	}
}

// Sequence is one inference request's cache footprint.
type Sequence struct {
	ID uint64
	// BlockIDs is ordered by monotonically increasing position in the
	// sequence.
	BlockIDs []uint64
	// Length is the sequence length in tokens.
	Length uint32

	PrefixHash   uint64
	PrefixLength uint32
	PrefixCached bool

	PreferredNodeID uint32
	// Degraded marks a sequence whose node went offline; the router
	// reroutes it on next access.
	Degraded bool

	CacheHitRate float64
	CreatedAt    time.Time
	LastAccessAt time.Time
}

// entry wraps a Sequence with its serialization lock and prompt bookkeeping.
// Append and free operations on the same sequence are serialized through
// this lock.
type entry struct {
	mu  sync.Mutex
	seq Sequence

	promptTokens []uint32
	chunkHashes  []uint64

	hitBlocks   uint64
	totalBlocks uint64
}

// sharerList tracks the sequences whose prefix covers one chunk hash.
type sharerList struct {
	mu   sync.Mutex
	seqs sets.Set[uint64]
}

// Table is the sequence table. All operations are safe for concurrent use.
type Table struct {
	config    *Config
	store     *kvblock.Store
	processor TokenProcessor

	mu        sync.RWMutex
	sequences map[uint64]*entry

	prefixIdx *lru.Cache[uint64, *sharerList]
}

// NewTable creates a Table given a Config and the block store.
func NewTable(config *Config, store *kvblock.Store) (*Table, error) {
	if config == nil {
		config = DefaultConfig()
	}

	idx, err := lru.New[uint64, *sharerList](config.PrefixIndexSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create prefix index: %w", err)
	}

	return &Table{
		config:    config,
		store:     store,
		processor: NewTokenProcessor(config.BlockGranularityTokens, config.HashSeed),
		sequences: make(map[uint64]*entry),
		prefixIdx: idx,
	}, nil
}

// BlockGranularity returns the configured tokens-per-block granularity.
func (t *Table) BlockGranularity() int {
	return t.config.BlockGranularityTokens
}

// CreateSequence registers a new, block-less sequence.
func (t *Table) CreateSequence(seqID uint64, estimatedLength uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sequences[seqID]; ok {
		return fmt.Errorf("%w: sequence %d", ErrSequenceExists, seqID)
	}

	now := time.Now()
	t.sequences[seqID] = &entry{
		seq: Sequence{
			ID:           seqID,
			CreatedAt:    now,
			LastAccessAt: now,
		},
		promptTokens: nil,
	}
	_ = estimatedLength // capacity hinting is the router's concern
	return nil
}

// IndexPrompt stores the admitted prompt tokens of the sequence and inserts
// its chunk hash chain into the prefix index so later admissions can find
// it.
func (t *Table) IndexPrompt(seqID uint64, tokens []uint32) error {
	e, err := t.entry(seqID)
	if err != nil {
		return err
	}

	hashes := t.processor.ChunkHashes(tokens)

	e.mu.Lock()
	e.promptTokens = append([]uint32(nil), tokens...)
	e.chunkHashes = hashes
	if len(hashes) > 0 {
		e.seq.PrefixHash = hashes[len(hashes)-1]
	}
	e.mu.Unlock()

	for _, h := range hashes {
		sharers, ok := t.prefixIdx.Get(h)
		if !ok {
			sharers = &sharerList{seqs: sets.New[uint64]()}
			if existing, found, _ := t.prefixIdx.PeekOrAdd(h, sharers); found {
				sharers = existing
			}
		}
		sharers.mu.Lock()
		sharers.seqs.Insert(seqID)
		sharers.mu.Unlock()
	}
	return nil
}

// FindPrefix returns the tracked sequence with the longest token prefix
// exactly matching the leading tokens, and the matched length in tokens
// (zero when nothing matches). Matching is on exact token equality; the
// chunk hash chain only narrows candidates. Ties are broken by the smallest
// sequence ID.
func (t *Table) FindPrefix(ctx context.Context, tokens []uint32) (Sequence, int) {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("sequence.Table.FindPrefix")

	queryHashes := t.processor.ChunkHashes(tokens)
	granularity := t.config.BlockGranularityTokens

	for i := len(queryHashes) - 1; i >= 0; i-- {
		sharers, ok := t.prefixIdx.Get(queryHashes[i])
		if !ok {
			continue
		}

		sharers.mu.Lock()
		candidates := sharers.seqs.UnsortedList()
		sharers.mu.Unlock()
		sort.Slice(candidates, func(a, b int) bool { return candidates[a] < candidates[b] })

		matched := (i + 1) * granularity
		for _, candidate := range candidates {
			e, err := t.entry(candidate)
			if err != nil {
				continue
			}

			e.mu.Lock()
			ok := len(e.promptTokens) >= matched &&
				len(e.seq.BlockIDs) >= i+1 &&
				tokensEqual(e.promptTokens[:matched], tokens[:matched])
			seq := e.cloneLocked()
			e.mu.Unlock()

			if ok {
				traceLogger.Info("prefix match", "sequence", candidate,
					"matched-tokens", matched)
				return seq, matched
			}
		}
	}

	traceLogger.Info("no prefix match", "tokens", len(tokens))
	return Sequence{}, 0
}

// SharePrefix attaches seqB to seqA's blocks covering the matched token
// range: each shared block gains a reference and transitions to Shared.
// Blocks beyond the matched prefix are appended fresh and unshared by later
// AppendTokens calls.
func (t *Table) SharePrefix(ctx context.Context, seqAID, seqBID uint64, matchedTokens int) error {
	a, err := t.entry(seqAID)
	if err != nil {
		return err
	}
	b, err := t.entry(seqBID)
	if err != nil {
		return err
	}

	numBlocks := matchedTokens / t.config.BlockGranularityTokens

	a.mu.Lock()
	if numBlocks > len(a.seq.BlockIDs) {
		numBlocks = len(a.seq.BlockIDs)
	}
	shared := append([]uint64(nil), a.seq.BlockIDs[:numBlocks]...)
	a.seq.LastAccessAt = time.Now()
	a.mu.Unlock()

	attached := make([]uint64, 0, len(shared))
	for _, blockID := range shared {
		if err := t.store.AddSharer(blockID, seqBID); err != nil {
			// The chain breaks here (block evicted since the match);
			// share only the intact leading range.
			break
		}
		attached = append(attached, blockID)
	}

	b.mu.Lock()
	b.seq.BlockIDs = append(b.seq.BlockIDs, attached...)
	b.seq.Length = uint32(len(attached) * t.config.BlockGranularityTokens)
	b.seq.PrefixLength = b.seq.Length
	b.seq.PrefixCached = len(attached) > 0
	b.hitBlocks += uint64(len(attached))
	b.totalBlocks += uint64(len(attached))
	b.seq.CacheHitRate = hitRate(b.hitBlocks, b.totalBlocks)
	b.seq.LastAccessAt = time.Now()
	b.mu.Unlock()

	klog.FromContext(ctx).V(logging.DEBUG).WithName("sequence.Table.SharePrefix").
		Info("attached shared prefix", "from", seqAID, "to", seqBID,
			"blocks", len(attached))
	return nil
}

// AppendTokens grows the sequence by n tokens, allocating blocks on its
// preferred node as block boundaries are crossed.
func (t *Table) AppendTokens(ctx context.Context, seqID uint64, n uint32) error {
	e, err := t.entry(seqID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	granularity := uint32(t.config.BlockGranularityTokens)
	newLength := e.seq.Length + n
	neededBlocks := int((newLength + granularity - 1) / granularity)

	if neededBlocks > t.config.MaxBlocksPerSequence {
		return fmt.Errorf("%w: sequence %d needs %d blocks, limit %d",
			ErrBlockLimitExceeded, seqID, neededBlocks, t.config.MaxBlocksPerSequence)
	}

	for len(e.seq.BlockIDs) < neededBlocks {
		block, err := t.store.Allocate(ctx, seqID, e.seq.PreferredNodeID, uint32(len(e.seq.BlockIDs)))
		if err != nil {
			return fmt.Errorf("failed to grow sequence %d: %w", seqID, err)
		}
		e.seq.BlockIDs = append(e.seq.BlockIDs, block.ID)
		e.totalBlocks++
	}

	e.seq.Length = newLength
	e.seq.CacheHitRate = hitRate(e.hitBlocks, e.totalBlocks)
	e.seq.LastAccessAt = time.Now()
	return nil
}

// Prefetch allocates blocks ahead of the written position so the next
// appends land in pre-reserved blocks. The sequence length is unchanged;
// later AppendTokens calls find the blocks already in place.
func (t *Table) Prefetch(ctx context.Context, seqID uint64, distanceTokens uint32) error {
	e, err := t.entry(seqID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	granularity := uint32(t.config.BlockGranularityTokens)
	aheadBlocks := int((e.seq.Length + distanceTokens + granularity - 1) / granularity)
	if aheadBlocks > t.config.MaxBlocksPerSequence {
		aheadBlocks = t.config.MaxBlocksPerSequence
	}

	for len(e.seq.BlockIDs) < aheadBlocks {
		block, err := t.store.Allocate(ctx, seqID, e.seq.PreferredNodeID, uint32(len(e.seq.BlockIDs)))
		if err != nil {
			return fmt.Errorf("failed to prefetch for sequence %d: %w", seqID, err)
		}
		e.seq.BlockIDs = append(e.seq.BlockIDs, block.ID)
		e.totalBlocks++
	}
	return nil
}

// Invalidate drops the sequence's blocks while keeping the sequence itself.
// The token length is preserved, so the next append re-allocates and
// recomputes the full footprint. Used when a sequence cold starts on a new
// node after losing its cache.
func (t *Table) Invalidate(ctx context.Context, seqID uint64) error {
	e, err := t.entry(seqID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	blocks := e.seq.BlockIDs
	e.seq.BlockIDs = nil
	e.seq.PrefixCached = false
	e.seq.PrefixLength = 0
	e.mu.Unlock()

	for _, blockID := range blocks {
		if err := t.store.Free(ctx, blockID, seqID); err != nil &&
			!errors.Is(err, kvblock.ErrBlockLocked) && !errors.Is(err, kvblock.ErrNotFound) {
			return fmt.Errorf("failed to invalidate sequence %d: %w", seqID, err)
		}
	}

	klog.FromContext(ctx).V(logging.DEBUG).WithName("sequence.Table.Invalidate").
		Info("invalidated sequence blocks", "sequence", seqID, "blocks", len(blocks))
	return nil
}

// DetachBlock removes the block from the sequence's block list after the
// sequence's copy was invalidated by another writer. The lost range must be
// recomputed, so the cached-prefix flag is cleared; the token length is
// unchanged and the next append re-allocates the missing footprint.
func (t *Table) DetachBlock(ctx context.Context, seqID, blockID uint64) error {
	e, err := t.entry(seqID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	kept := e.seq.BlockIDs[:0]
	detached := false
	for _, id := range e.seq.BlockIDs {
		if id == blockID {
			detached = true
			continue
		}
		kept = append(kept, id)
	}
	e.seq.BlockIDs = kept
	if detached {
		e.seq.PrefixCached = false
	}
	e.mu.Unlock()

	if detached {
		klog.FromContext(ctx).V(logging.DEBUG).WithName("sequence.Table.DetachBlock").
			Info("detached invalidated block", "sequence", seqID, "block", blockID)
	}
	return nil
}

// FreeSequence drops the sequence's reference on every owned block and
// removes the sequence entry. It is idempotent: freeing an unknown sequence
// is a no-op. Blocks locked by in-flight compute are freed on unlock.
func (t *Table) FreeSequence(ctx context.Context, seqID uint64) error {
	t.mu.Lock()
	e, ok := t.sequences[seqID]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.sequences, seqID)
	t.mu.Unlock()

	e.mu.Lock()
	blocks := append([]uint64(nil), e.seq.BlockIDs...)
	hashes := e.chunkHashes
	e.seq.BlockIDs = nil
	e.mu.Unlock()

	for _, h := range hashes {
		if sharers, ok := t.prefixIdx.Peek(h); ok {
			sharers.mu.Lock()
			sharers.seqs.Delete(seqID)
			empty := sharers.seqs.Len() == 0
			sharers.mu.Unlock()
			if empty {
				t.prefixIdx.Remove(h)
			}
		}
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("sequence.Table.FreeSequence")
	for _, blockID := range blocks {
		if err := t.store.Free(ctx, blockID, seqID); err != nil {
			if errors.Is(err, kvblock.ErrBlockLocked) {
				traceLogger.Info("block free deferred to unlock", "block", blockID)
				continue
			}
			if errors.Is(err, kvblock.ErrNotFound) {
				continue // already evicted
			}
			return fmt.Errorf("failed to free sequence %d: %w", seqID, err)
		}
	}

	traceLogger.Info("freed sequence", "sequence", seqID, "blocks", len(blocks))
	return nil
}

// Get returns a copy of the sequence's current state.
func (t *Table) Get(seqID uint64) (Sequence, error) {
	e, err := t.entry(seqID)
	if err != nil {
		return Sequence{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cloneLocked(), nil
}

// SetPreferredNode updates the sequence's routing hint and clears its
// degraded flag.
func (t *Table) SetPreferredNode(seqID uint64, nodeID uint32) error {
	return t.update(seqID, func(s *Sequence) {
		s.PreferredNodeID = nodeID
		s.Degraded = false
	})
}

// MarkDegraded flags the sequence for rerouting on next access.
func (t *Table) MarkDegraded(seqID uint64) error {
	return t.update(seqID, func(s *Sequence) { s.Degraded = true })
}

// SequencesPreferring returns the IDs of sequences currently routed to the
// node, sorted for determinism.
func (t *Table) SequencesPreferring(nodeID uint32) []uint64 {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.sequences))
	for _, e := range t.sequences {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	var ids []uint64
	for _, e := range entries {
		e.mu.Lock()
		if e.seq.PreferredNodeID == nodeID {
			ids = append(ids, e.seq.ID)
		}
		e.mu.Unlock()
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

// Len returns the number of tracked sequences.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sequences)
}

func (t *Table) entry(seqID uint64) (*entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.sequences[seqID]
	if !ok {
		return nil, fmt.Errorf("%w: sequence %d", ErrSequenceNotFound, seqID)
	}
	return e, nil
}

func (t *Table) update(seqID uint64, fn func(*Sequence)) error {
	e, err := t.entry(seqID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	fn(&e.seq)
	e.mu.Unlock()
	return nil
}

// cloneLocked copies the sequence; caller holds e.mu.
func (e *entry) cloneLocked() Sequence {
	out := e.seq
	out.BlockIDs = append([]uint64(nil), e.seq.BlockIDs...)
	return out
}

func hitRate(hits, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func tokensEqual(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
