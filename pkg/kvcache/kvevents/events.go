// Copyright 2025 The llm-d Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kvevents

import (
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// BlockWriteCompleteTag is the tag for BlockWriteComplete events.
	BlockWriteCompleteTag = "BlockWriteComplete"
	// BlockReadCompleteTag is the tag for BlockReadComplete events.
	BlockReadCompleteTag = "BlockReadComplete"
	// NodeHeartbeatTag is the tag for NodeHeartbeat events.
	NodeHeartbeatTag = "NodeHeartbeat"
)

// event is a marker interface for compute-backend events.
type event interface {
	isEvent()
	ToTaggedUnion() []any
}

// EventBatch represents a batch of events published by one node.
// It is encoded as an array on the wire.
type EventBatch struct {
	_      struct{} `msgpack:",array"`
	TS     float64
	Events []msgpack.RawMessage
}

// BlockWriteComplete reports that the compute backend finished writing the
// listed blocks for a sequence; they are dirty and no longer locked.
type BlockWriteComplete struct {
	_          struct{} `msgpack:",array"`
	BlockIDs   []uint64
	SequenceID uint64
}

// ToTaggedUnion encodes the event as a tagged union array.
func (e BlockWriteComplete) ToTaggedUnion() []any {
	return []any{
		BlockWriteCompleteTag,
		e.BlockIDs,
		e.SequenceID,
	}
}

func (BlockWriteComplete) isEvent() {}

// BlockReadComplete reports that the compute backend finished reading the
// listed blocks on behalf of a sequence.
type BlockReadComplete struct {
	_          struct{} `msgpack:",array"`
	BlockIDs   []uint64
	SequenceID uint64
}

// ToTaggedUnion encodes the event as a tagged union array.
func (e BlockReadComplete) ToTaggedUnion() []any {
	return []any{
		BlockReadCompleteTag,
		e.BlockIDs,
		e.SequenceID,
	}
}

func (BlockReadComplete) isEvent() {}

// NodeHeartbeat is the liveness beacon a node piggybacks on its event
// stream.
type NodeHeartbeat struct {
	_      struct{} `msgpack:",array"`
	NodeID uint32
}

// ToTaggedUnion encodes the event as a tagged union array.
func (e NodeHeartbeat) ToTaggedUnion() []any {
	return []any{
		NodeHeartbeatTag,
		e.NodeID,
	}
}

func (NodeHeartbeat) isEvent() {}
