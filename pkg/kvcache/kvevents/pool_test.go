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

package kvevents_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/kvevents"
)

// recordingHandler captures dispatched events.
type recordingHandler struct {
	mu         sync.Mutex
	writes     [][]uint64
	reads      [][]uint64
	heartbeats []uint32
}

func (h *recordingHandler) OnBlockWriteComplete(_ context.Context, _ uint64, blockIDs []uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writes = append(h.writes, blockIDs)
}

func (h *recordingHandler) OnBlockReadComplete(_ context.Context, _ uint64, blockIDs []uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reads = append(h.reads, blockIDs)
}

func (h *recordingHandler) NodeHeartbeat(nodeID uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heartbeats = append(h.heartbeats, nodeID)
	return nil
}

func (h *recordingHandler) counts() (int, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.writes), len(h.reads), len(h.heartbeats)
}

// marshalBatch packs events into the wire form published by compute
// backends.
func marshalBatch(t *testing.T, events ...interface{ ToTaggedUnion() []any }) []byte {
	t.Helper()

	batch := kvevents.EventBatch{TS: float64(time.Now().UnixNano())}
	for _, ev := range events {
		raw, err := msgpack.Marshal(ev.ToTaggedUnion())
		require.NoError(t, err)
		batch.Events = append(batch.Events, raw)
	}

	payload, err := msgpack.Marshal(&batch)
	require.NoError(t, err)
	return payload
}

func startPool(t *testing.T, handler kvevents.Handler) *kvevents.Pool {
	t.Helper()

	pool := kvevents.NewPool(&kvevents.Config{
		ZMQEndpoint: "tcp://*:0",
		TopicFilter: "kv@",
		Concurrency: 2,
	}, handler)

	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(func() {
		cancel()
		pool.Shutdown(context.Background())
	})

	// Messages are injected with AddTask instead of going through ZMQ.
	pool.Start(ctx)
	return pool
}

func TestPoolDispatchesEvents(t *testing.T) {
	handler := &recordingHandler{}
	pool := startPool(t, handler)

	payload := marshalBatch(t,
		kvevents.BlockWriteComplete{BlockIDs: []uint64{1, 2}, SequenceID: 100},
		kvevents.BlockReadComplete{BlockIDs: []uint64{3}, SequenceID: 200},
		kvevents.NodeHeartbeat{NodeID: 7},
	)
	pool.AddTask(&kvevents.Message{Topic: "kv@node-7", Payload: payload, Seq: 1, NodeKey: "node-7"})

	require.Eventually(t, func() bool {
		w, r, h := handler.counts()
		return w == 1 && r == 1 && h == 1
	}, time.Second, 5*time.Millisecond)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, []uint64{1, 2}, handler.writes[0])
	assert.Equal(t, []uint64{3}, handler.reads[0])
	assert.Equal(t, []uint32{7}, handler.heartbeats)
}

func TestPoolDropsPoisonPill(t *testing.T) {
	handler := &recordingHandler{}
	pool := startPool(t, handler)

	pool.AddTask(&kvevents.Message{Topic: "kv@node-1", Payload: []byte("not msgpack"), NodeKey: "node-1"})
	// A malformed batch is dropped; a valid one after it still processes.
	payload := marshalBatch(t, kvevents.NodeHeartbeat{NodeID: 1})
	pool.AddTask(&kvevents.Message{Topic: "kv@node-1", Payload: payload, NodeKey: "node-1"})

	require.Eventually(t, func() bool {
		_, _, h := handler.counts()
		return h == 1
	}, time.Second, 5*time.Millisecond)

	w, r, _ := handler.counts()
	assert.Equal(t, 0, w)
	assert.Equal(t, 0, r)
}

func TestPoolSkipsUnknownTag(t *testing.T) {
	handler := &recordingHandler{}
	pool := startPool(t, handler)

	unknown, err := msgpack.Marshal([]any{"BlockDefrag", uint64(1)})
	require.NoError(t, err)
	known, err := msgpack.Marshal(kvevents.NodeHeartbeat{NodeID: 2}.ToTaggedUnion())
	require.NoError(t, err)

	batch := kvevents.EventBatch{Events: []msgpack.RawMessage{unknown, known}}
	payload, err := msgpack.Marshal(&batch)
	require.NoError(t, err)

	pool.AddTask(&kvevents.Message{Topic: "kv@node-2", Payload: payload, NodeKey: "node-2"})

	require.Eventually(t, func() bool {
		_, _, h := handler.counts()
		return h == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint32{2}, handler.heartbeats)
}
