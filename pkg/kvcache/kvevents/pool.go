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

// Package kvevents ingests completion and liveness events published by the
// compute backends of the cluster nodes and applies them to the
// coordinator.
package kvevents

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/utils/logging"
)

// Config holds the configuration for the event processing pool.
type Config struct {
	// ZMQEndpoint is the ZMQ address to bind (e.g., "tcp://*:5557").
	ZMQEndpoint string `json:"zmqEndpoint"`
	// TopicFilter is the ZMQ subscription filter (e.g., "kv@").
	TopicFilter string `json:"topicFilter"`
	// Concurrency is the number of parallel workers to run.
	Concurrency int `json:"concurrency"`
}

// DefaultConfig returns a default configuration for the event processing
// pool.
func DefaultConfig() *Config {
	return &Config{
		ZMQEndpoint: "tcp://*:5557",
		TopicFilter: "kv@",
		Concurrency: 4,
	}
}

// Handler applies decoded events to the coordinator state.
// Implemented by kvcache.Coordinator.
type Handler interface {
	OnBlockWriteComplete(ctx context.Context, seqID uint64, blockIDs []uint64)
	OnBlockReadComplete(ctx context.Context, seqID uint64, blockIDs []uint64)
	NodeHeartbeat(nodeID uint32) error
}

// Message represents a message that is read from a ZMQ topic.
type Message struct {
	Topic   string
	Payload []byte
	// Seq is the publisher-side sequence number of the message.
	Seq uint64
	// NodeKey identifies the publishing node; extracted from the topic.
	NodeKey string
}

// Pool is a sharded worker pool that processes events from a ZMQ
// subscriber. Events from the same node always land on the same worker, so
// per-node ordering is preserved.
type Pool struct {
	queues      []workqueue.TypedRateLimitingInterface[*Message]
	concurrency int
	subscriber  *zmqSubscriber
	handler     Handler
	wg          sync.WaitGroup
}

// NewPool creates a Pool with a sharded worker setup.
func NewPool(cfg *Config, handler Handler) *Pool {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Pool{
		queues:      make([]workqueue.TypedRateLimitingInterface[*Message], cfg.Concurrency),
		concurrency: cfg.Concurrency,
		handler:     handler,
	}

	for i := 0; i < p.concurrency; i++ {
		p.queues[i] = workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[*Message]())
	}

	p.subscriber = newZMQSubscriber(p, cfg.ZMQEndpoint, cfg.TopicFilter)
	return p
}

// Start begins the worker pool and the ZMQ subscriber.
// It is non-blocking.
func (p *Pool) Start(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("starting sharded event processing pool", "workers", p.concurrency)

	p.wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		go p.worker(ctx, i)
	}

	go p.subscriber.Start(ctx)
}

// Shutdown gracefully stops the pool and its subscriber.
func (p *Pool) Shutdown(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("shutting down event processing pool")

	for _, queue := range p.queues {
		queue.ShutDown()
	}

	p.wg.Wait()
	logger.Info("event processing pool shut down")
}

// AddTask is called by the subscriber to add a message to the processing
// queue. It hashes the node key to select a queue, ensuring messages for
// the same node always go to the same worker.
func (p *Pool) AddTask(task *Message) {
	h := fnv.New32a()
	if _, err := h.Write([]byte(task.NodeKey)); err != nil {
		return
	}

	queueIndex := h.Sum32() % uint32(p.concurrency) //nolint:gosec // concurrency is small
	p.queues[queueIndex].Add(task)
}

// worker is the main processing loop for a single worker goroutine.
func (p *Pool) worker(ctx context.Context, workerIndex int) {
	defer p.wg.Done()
	queue := p.queues[workerIndex]
	for {
		task, shutdown := queue.Get()
		if shutdown {
			return
		}

		func(task *Message) {
			defer queue.Done(task)
			p.processMessage(ctx, task)
			queue.Forget(task)
		}(task)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// processMessage deserializes the message payload and applies each event
// through the handler. Malformed messages are dropped, not retried.
func (p *Pool) processMessage(ctx context.Context, msg *Message) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("kvevents.Pool")
	debugLogger.Info("processing event batch", "topic", msg.Topic, "seq", msg.Seq)

	var eventBatch EventBatch
	if err := msgpack.Unmarshal(msg.Payload, &eventBatch); err != nil {
		debugLogger.Error(err, "failed to unmarshal event batch, dropping message")
		return
	}

	for _, rawEvent := range eventBatch.Events {
		var taggedUnion []msgpack.RawMessage
		if err := msgpack.Unmarshal(rawEvent, &taggedUnion); err != nil {
			debugLogger.Error(err, "failed to unmarshal tagged union, skipping event")
			continue
		}

		if len(taggedUnion) < 1 {
			debugLogger.Error(nil, "malformed tagged union, no tag element")
			continue
		}

		var tag string
		if err := msgpack.Unmarshal(taggedUnion[0], &tag); err != nil {
			debugLogger.Error(err, "failed to unmarshal tag, skipping event")
			continue
		}

		p.applyEvent(ctx, debugLogger, tag, taggedUnion[1:])
	}
}

// applyEvent decodes the tag's payload parts and dispatches to the handler.
func (p *Pool) applyEvent(ctx context.Context, debugLogger klog.Logger, tag string, parts []msgpack.RawMessage) {
	switch tag {
	case BlockWriteCompleteTag:
		ev, ok := decodeBlockEvent(debugLogger, tag, parts)
		if !ok {
			return
		}
		p.handler.OnBlockWriteComplete(ctx, ev.SequenceID, ev.BlockIDs)

	case BlockReadCompleteTag:
		ev, ok := decodeBlockEvent(debugLogger, tag, parts)
		if !ok {
			return
		}
		p.handler.OnBlockReadComplete(ctx, ev.SequenceID, ev.BlockIDs)

	case NodeHeartbeatTag:
		if len(parts) < 1 {
			debugLogger.Error(nil, "malformed heartbeat event")
			return
		}
		var nodeID uint32
		if err := msgpack.Unmarshal(parts[0], &nodeID); err != nil {
			debugLogger.Error(err, "failed to unmarshal heartbeat node ID")
			return
		}
		if err := p.handler.NodeHeartbeat(nodeID); err != nil {
			debugLogger.Error(err, "heartbeat for unknown node", "node", nodeID)
		}

	default:
		debugLogger.Info("unknown event tag, skipping", "tag", tag)
	}
}

// blockEvent is the shared shape of read/write completion events.
type blockEvent struct {
	BlockIDs   []uint64
	SequenceID uint64
}

func decodeBlockEvent(debugLogger klog.Logger, tag string, parts []msgpack.RawMessage) (blockEvent, bool) {
	var ev blockEvent
	if len(parts) < 2 {
		debugLogger.Error(nil, "malformed block event", "tag", tag, "parts", len(parts))
		return ev, false
	}
	if err := msgpack.Unmarshal(parts[0], &ev.BlockIDs); err != nil {
		debugLogger.Error(err, "failed to unmarshal block IDs", "tag", tag)
		return ev, false
	}
	if err := msgpack.Unmarshal(parts[1], &ev.SequenceID); err != nil {
		debugLogger.Error(err, "failed to unmarshal sequence ID", "tag", tag)
		return ev, false
	}
	return ev, true
}
