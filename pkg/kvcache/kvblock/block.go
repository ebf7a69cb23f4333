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

// Package kvblock owns the table of cache blocks, the unit of allocation,
// and their coherency state.
package kvblock

import (
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Block is the atomic cache unit: one page of key/value tensor data for one
// position range of one sequence. The coordinator treats the payload as
// opaque bytes of SizeBytes length.
//
// Invariants: a Modified block has exactly one owning node; a Shared block
// may be referenced by multiple sequences; RefCount == 0 iff the state is
// Invalid, and such a block is immediately eviction-eligible.
type Block struct {
	ID       uint64
	NodeID   uint32
	Position uint32

	State    BlockState
	RefCount uint32
	// Sharers holds the IDs of the sequences referencing this block.
	// Its cardinality tracks RefCount.
	Sharers sets.Set[uint64]

	SizeBytes     uint64
	CreatedAt     time.Time
	LastAccessAt  time.Time
	AccessCount   uint64
	RecomputeCost float64

	Dirty  bool
	Locked bool
}

// OwnerSequenceID returns the owning sequence while the block is unshared,
// and false when the block is shared or invalid.
func (b *Block) OwnerSequenceID() (uint64, bool) {
	if b.Sharers.Len() != 1 {
		return 0, false
	}
	return b.Sharers.UnsortedList()[0], true
}

// Evictable reports whether the block may be selected as an eviction victim.
func (b *Block) Evictable() bool {
	return !b.Locked && b.State.Valid()
}

// CostPerByte is the ordering key of cost-aware eviction: the relative cost
// of recomputing this block per byte it would free.
func (b *Block) CostPerByte() float64 {
	if b.SizeBytes == 0 {
		return b.RecomputeCost
	}
	return b.RecomputeCost / float64(b.SizeBytes)
}

// clone returns a copy safe to hand out of the store.
func (b *Block) clone() Block {
	out := *b
	out.Sharers = b.Sharers.Clone()
	return out
}
