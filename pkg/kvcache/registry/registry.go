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

// Package registry tracks the cache-storage nodes of the cluster: capacity,
// load, health and heartbeat liveness.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/utils/logging"
)

var (
	// ErrDuplicateNode is returned when registering a node ID that is
	// already present.
	ErrDuplicateNode = errors.New("duplicate node")
	// ErrUnknownNode is returned for operations on a node ID that was never
	// registered or has been deregistered.
	ErrUnknownNode = errors.New("unknown node")
	// ErrInsufficientCapacity is returned by Reserve when the node lacks the
	// requested free bytes.
	ErrInsufficientCapacity = errors.New("insufficient node capacity")
)

const defaultHeartbeatTimeoutMultiplier = 3

// Config holds the configuration for the node registry.
type Config struct {
	// HeartbeatInterval is the expected cadence of node heartbeats and the
	// cadence of the background liveness sweep.
	HeartbeatInterval time.Duration `json:"heartbeatInterval"`
	// HeartbeatTimeoutMultiplier scales the interval into the timeout after
	// which a silent node is marked offline.
	HeartbeatTimeoutMultiplier int `json:"heartbeatTimeoutMultiplier"`
}

// DefaultConfig returns a default configuration for the node registry.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval:          5 * time.Second,
		HeartbeatTimeoutMultiplier: defaultHeartbeatTimeoutMultiplier,
	}
}

// Node describes one cache-storage endpoint and its capacity and load
// counters. Capacity fields are only mutated through the registry so that
// the per-node lock discipline holds.
type Node struct {
	ID      uint32 `json:"id"`
	Address string `json:"address"`

	TotalCapacityBytes uint64 `json:"totalCapacityBytes"`
	UsedCapacityBytes  uint64 `json:"usedCapacityBytes"`
	NumBlocks          uint32 `json:"numBlocks"`
	NumFreeBlocks      uint32 `json:"numFreeBlocks"`

	CacheHits              uint64 `json:"cacheHits"`
	CacheMisses            uint64 `json:"cacheMisses"`
	Evictions              uint64 `json:"evictions"`
	NetworkTransfersBytes  uint64 `json:"networkTransfersBytes"`
	CurrentRequests        uint32 `json:"currentRequests"`
	MaxConcurrentRequests  uint32 `json:"maxConcurrentRequests"`

	Online          bool      `json:"online"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// Utilization returns the node's used capacity as a percentage.
func (n *Node) Utilization() float64 {
	if n.TotalCapacityBytes == 0 {
		return 0
	}
	return float64(n.UsedCapacityBytes) / float64(n.TotalCapacityBytes) * 100
}

// FreeBytes returns the node's unreserved capacity.
func (n *Node) FreeBytes() uint64 {
	if n.UsedCapacityBytes >= n.TotalCapacityBytes {
		return 0
	}
	return n.TotalCapacityBytes - n.UsedCapacityBytes
}

// entry wraps a Node with its own lock. Capacity counters of a node are only
// mutated while holding this lock.
type entry struct {
	mu   sync.Mutex
	node Node
}

// OfflineFunc is invoked by the liveness sweep for every node that
// transitions to offline. It runs outside the node lock.
type OfflineFunc func(nodeID uint32)

// Registry is the authoritative view of cluster nodes.
// All operations are safe for concurrent use.
type Registry struct {
	config *Config

	mu    sync.RWMutex
	nodes map[uint32]*entry

	onOffline atomic.Pointer[OfflineFunc]

	sweepStarted sync.Once
}

// NewRegistry creates a Registry given a Config.
func NewRegistry(config *Config) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if config.HeartbeatTimeoutMultiplier <= 0 {
		config.HeartbeatTimeoutMultiplier = defaultHeartbeatTimeoutMultiplier
	}

	return &Registry{
		config: config,
		nodes:  make(map[uint32]*entry),
	}
}

// SetOfflineHandler installs the callback notified when the sweep marks a
// node offline.
func (r *Registry) SetOfflineHandler(fn OfflineFunc) {
	r.onOffline.Store(&fn)
}

// Register adds a node to the registry. A node re-registering under an
// existing ID fails with ErrDuplicateNode unless the entry is offline, in
// which case the node is revived in place.
func (r *Registry) Register(node Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.nodes[node.ID]; ok {
		existing.mu.Lock()
		defer existing.mu.Unlock()
		if existing.node.Online {
			return fmt.Errorf("%w: node %d", ErrDuplicateNode, node.ID)
		}
		// Offline node coming back: keep capacity accounting, refresh
		// liveness and address.
		existing.node.Address = node.Address
		existing.node.Online = true
		existing.node.LastHeartbeatAt = time.Now()
		return nil
	}

	node.Online = true
	node.LastHeartbeatAt = time.Now()
	r.nodes[node.ID] = &entry{node: node}
	return nil
}

// Deregister removes a node from the registry.
func (r *Registry) Deregister(nodeID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[nodeID]; !ok {
		return fmt.Errorf("%w: node %d", ErrUnknownNode, nodeID)
	}

	delete(r.nodes, nodeID)
	return nil
}

// Heartbeat refreshes a node's liveness timestamp. A heartbeat from a node
// previously marked offline brings it back online.
func (r *Registry) Heartbeat(nodeID uint32) error {
	e, err := r.entry(nodeID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.node.LastHeartbeatAt = time.Now()
	e.node.Online = true
	return nil
}

// Get returns a copy of the node's current state.
func (r *Registry) Get(nodeID uint32) (Node, error) {
	e, err := r.entry(nodeID)
	if err != nil {
		return Node{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.node, nil
}

// Snapshot returns a copy of every node, ordered by node ID for
// deterministic iteration in routing decisions.
func (r *Registry) Snapshot() []Node {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.nodes))
	for _, e := range r.nodes {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	nodes := make([]Node, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		nodes = append(nodes, e.node)
		e.mu.Unlock()
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Reserve accounts one block worth of capacity on the node.
// Fails when the node lacks the requested bytes.
func (r *Registry) Reserve(nodeID uint32, bytes uint64) error {
	e, err := r.entry(nodeID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.node.FreeBytes() < bytes {
		return fmt.Errorf("%w: node %d has %d free bytes, requested %d",
			ErrInsufficientCapacity, nodeID, e.node.FreeBytes(), bytes)
	}

	e.node.UsedCapacityBytes += bytes
	e.node.NumBlocks++
	if e.node.NumFreeBlocks > 0 {
		e.node.NumFreeBlocks--
	}
	return nil
}

// Release returns one block worth of capacity to the node.
func (r *Registry) Release(nodeID uint32, bytes uint64) error {
	e, err := r.entry(nodeID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if bytes > e.node.UsedCapacityBytes {
		bytes = e.node.UsedCapacityBytes
	}
	e.node.UsedCapacityBytes -= bytes
	if e.node.NumBlocks > 0 {
		e.node.NumBlocks--
	}
	e.node.NumFreeBlocks++
	return nil
}

// RecordHit increments the node's cache-hit counter.
func (r *Registry) RecordHit(nodeID uint32) {
	r.bump(nodeID, func(n *Node) { n.CacheHits++ })
}

// RecordMiss increments the node's cache-miss counter.
func (r *Registry) RecordMiss(nodeID uint32) {
	r.bump(nodeID, func(n *Node) { n.CacheMisses++ })
}

// RecordEviction increments the node's eviction counter.
func (r *Registry) RecordEviction(nodeID uint32) {
	r.bump(nodeID, func(n *Node) { n.Evictions++ })
}

// RecordTransfer adds transferred bytes to the node's network counter.
func (r *Registry) RecordTransfer(nodeID uint32, bytes uint64) {
	r.bump(nodeID, func(n *Node) { n.NetworkTransfersBytes += bytes })
}

// AddRequest tracks an in-flight request on the node.
func (r *Registry) AddRequest(nodeID uint32) {
	r.bump(nodeID, func(n *Node) { n.CurrentRequests++ })
}

// DoneRequest untracks an in-flight request on the node.
func (r *Registry) DoneRequest(nodeID uint32) {
	r.bump(nodeID, func(n *Node) {
		if n.CurrentRequests > 0 {
			n.CurrentRequests--
		}
	})
}

// StartSweep launches the background liveness sweep. It is non-blocking and
// stops when the context is cancelled. Subsequent calls are no-ops.
func (r *Registry) StartSweep(ctx context.Context) {
	r.sweepStarted.Do(func() {
		go wait.UntilWithContext(ctx, r.sweep, r.config.HeartbeatInterval)
	})
}

// sweep marks nodes whose heartbeat age exceeds the timeout as offline and
// notifies the offline handler for each transition.
func (r *Registry) sweep(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("registry.sweep")
	timeout := r.config.HeartbeatInterval * time.Duration(r.config.HeartbeatTimeoutMultiplier)
	now := time.Now()

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.nodes))
	for _, e := range r.nodes {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var offlined []uint32
	for _, e := range entries {
		e.mu.Lock()
		if e.node.Online && now.Sub(e.node.LastHeartbeatAt) > timeout {
			e.node.Online = false
			offlined = append(offlined, e.node.ID)
		}
		e.mu.Unlock()
	}

	for _, nodeID := range offlined {
		logger.Info("node missed heartbeat, marked offline",
			"node", nodeID, "timeout", timeout)
		if fn := r.onOffline.Load(); fn != nil {
			(*fn)(nodeID)
		}
	}

	if len(offlined) == 0 {
		logger.V(logging.TRACE).Info("sweep completed, all nodes alive",
			"nodes", len(entries))
	}
}

// entry looks up the lock-carrying entry for a node ID.
func (r *Registry) entry(nodeID uint32) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: node %d", ErrUnknownNode, nodeID)
	}
	return e, nil
}

// bump applies a counter mutation under the node lock, ignoring unknown
// nodes (stat counters never fail a request).
func (r *Registry) bump(nodeID uint32, fn func(*Node)) {
	e, err := r.entry(nodeID)
	if err != nil {
		return
	}

	e.mu.Lock()
	fn(&e.node)
	e.mu.Unlock()
}
