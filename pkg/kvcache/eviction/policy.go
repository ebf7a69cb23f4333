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

// Package eviction chooses victim blocks under memory pressure with a
// pluggable policy.
package eviction

import (
	"fmt"

	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/kvblock"
)

// PolicyName identifies an eviction policy.
type PolicyName string

const (
	// LRU evicts the block with the oldest last access time.
	LRU PolicyName = "LRU"
	// LFU evicts the block with the smallest access count.
	LFU PolicyName = "LFU"
	// CostAware evicts the block with the smallest recomputation cost per
	// byte freed, so eviction preserves the most saved recomputation.
	CostAware PolicyName = "CostAware"
	// FIFO evicts the oldest block by creation time.
	FIFO PolicyName = "FIFO"
)

// Policy orders eviction candidates. Less reports whether a is a better
// victim than b. All policies fall back to the smallest block ID so victim
// selection is deterministic.
type Policy interface {
	Name() PolicyName
	Less(a, b *kvblock.Block) bool
}

// NewPolicy returns the Policy for the given name.
func NewPolicy(name PolicyName) (Policy, error) {
	switch name {
	case LRU:
		return lruPolicy{}, nil
	case LFU:
		return lfuPolicy{}, nil
	case CostAware:
		return costAwarePolicy{}, nil
	case FIFO:
		return fifoPolicy{}, nil
	default:
		return nil, fmt.Errorf("unsupported eviction policy: %s", name)
	}
}

type lruPolicy struct{}

func (lruPolicy) Name() PolicyName { return LRU }

func (lruPolicy) Less(a, b *kvblock.Block) bool {
	if !a.LastAccessAt.Equal(b.LastAccessAt) {
		return a.LastAccessAt.Before(b.LastAccessAt)
	}
	return a.ID < b.ID
}

type lfuPolicy struct{}

func (lfuPolicy) Name() PolicyName { return LFU }

func (lfuPolicy) Less(a, b *kvblock.Block) bool {
	if a.AccessCount != b.AccessCount {
		return a.AccessCount < b.AccessCount
	}
	return a.ID < b.ID
}

type costAwarePolicy struct{}

func (costAwarePolicy) Name() PolicyName { return CostAware }

// Less prefers the cheapest block to recompute per byte freed; equal-cost
// blocks fall back to LRU ordering.
func (costAwarePolicy) Less(a, b *kvblock.Block) bool {
	ca, cb := a.CostPerByte(), b.CostPerByte()
	if ca != cb {
		return ca < cb
	}
	return lruPolicy{}.Less(a, b)
}

type fifoPolicy struct{}

func (fifoPolicy) Name() PolicyName { return FIFO }

func (fifoPolicy) Less(a, b *kvblock.Block) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
