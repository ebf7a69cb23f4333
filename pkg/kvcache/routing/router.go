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

// Package routing assigns sequences to nodes, weighing cache locality
// against load.
package routing

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/registry"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/sequence"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/utils/logging"
)

// ErrNoCapacityAvailable is returned when no online node can accommodate
// the estimated footprint of a sequence.
var ErrNoCapacityAvailable = errors.New("no capacity available")

const defaultUtilizationCutoff = 90.0

// Config holds the configuration for the router.
type Config struct {
	// UtilizationCutoffPercent is the utilization floor above which cache
	// affinity no longer overrides load-based selection.
	UtilizationCutoffPercent float64 `json:"utilizationCutoffPercent"`
	// HintStoreConfig selects the backend of the sequence-to-node hint map.
	HintStoreConfig *HintStoreConfig `json:"hintStoreConfig"`
}

// DefaultConfig returns a default configuration for the router.
func DefaultConfig() *Config {
	return &Config{
		UtilizationCutoffPercent: defaultUtilizationCutoff,
		HintStoreConfig:          DefaultHintStoreConfig(),
	}
}

// PrefixFinder locates the tracked sequence with the longest exactly-equal
// token prefix. Implemented by sequence.Table.
type PrefixFinder interface {
	FindPrefix(ctx context.Context, tokens []uint32) (sequence.Sequence, int)
}

// ReplicaSource reports an online node holding a synced replica of the
// sequence's blocks. Implemented by replication.Manager.
type ReplicaSource interface {
	SyncedReplicaForSequence(ctx context.Context, seqID uint64) (uint32, bool)
}

// Decision is the outcome of routing a new sequence.
type Decision struct {
	NodeID uint32
	// Matched is the sequence whose cached prefix the new sequence can
	// reuse; meaningful only when MatchedTokens > 0 and the decision routed
	// to that sequence's node.
	Matched       sequence.Sequence
	MatchedTokens int
}

// Router assigns sequences to nodes. All operations are safe for concurrent
// use.
type Router struct {
	config   *Config
	registry *registry.Registry
	prefixes PrefixFinder
	replicas ReplicaSource
	hints    HintStore
}

// NewRouter creates a Router given a Config.
func NewRouter(config *Config, reg *registry.Registry, prefixes PrefixFinder) (*Router, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.UtilizationCutoffPercent <= 0 {
		config.UtilizationCutoffPercent = defaultUtilizationCutoff
	}

	hints, err := NewHintStore(config.HintStoreConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create hint store: %w", err)
	}

	return &Router{
		config:   config,
		registry: reg,
		prefixes: prefixes,
		hints:    hints,
	}, nil
}

// SetReplicaSource installs the replica lookup consulted during rerouting.
func (r *Router) SetReplicaSource(replicas ReplicaSource) {
	r.replicas = replicas
}

// RouteNewSequence picks a node for a new sequence. A prefix match routes to
// the matched sequence's node to maximize cache reuse, provided that node is
// online and below the utilization cutoff; otherwise selection falls back to
// load.
func (r *Router) RouteNewSequence(ctx context.Context, tokens []uint32, estimatedBytes uint64) (Decision, error) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("routing.Router.RouteNewSequence")

	matched, matchedTokens := r.prefixes.FindPrefix(ctx, tokens)
	if matchedTokens > 0 && !matched.Degraded {
		node, err := r.registry.Get(matched.PreferredNodeID)
		if err == nil && node.Online && node.Utilization() < r.config.UtilizationCutoffPercent {
			debugLogger.Info("routing by cache affinity", "node", node.ID,
				"matched-sequence", matched.ID, "matched-tokens", matchedTokens)
			return Decision{NodeID: node.ID, Matched: matched, MatchedTokens: matchedTokens}, nil
		}
		debugLogger.Info("affinity node unusable, falling back to load",
			"node", matched.PreferredNodeID)
	}

	nodeID, err := r.selectByLoad(estimatedBytes)
	if err != nil {
		return Decision{}, err
	}

	debugLogger.Info("routing by load", "node", nodeID, "estimated-bytes", estimatedBytes)
	return Decision{NodeID: nodeID}, nil
}

// Reroute picks a new node for a sequence whose current node went offline.
// An online node holding a synced replica wins; otherwise the sequence cold
// starts on the least loaded node (a cache miss, not an error).
func (r *Router) Reroute(ctx context.Context, seqID uint64, estimatedBytes uint64) (uint32, error) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("routing.Router.Reroute")

	if r.replicas != nil {
		if nodeID, ok := r.replicas.SyncedReplicaForSequence(ctx, seqID); ok {
			if node, err := r.registry.Get(nodeID); err == nil && node.Online {
				debugLogger.Info("rerouting to synced replica", "sequence", seqID, "node", nodeID)
				return nodeID, nil
			}
		}
	}

	nodeID, err := r.selectByLoad(estimatedBytes)
	if err != nil {
		return 0, err
	}

	debugLogger.Info("rerouting cold", "sequence", seqID, "node", nodeID)
	return nodeID, nil
}

// RecordHint persists the sequence-to-node assignment.
func (r *Router) RecordHint(ctx context.Context, seqID uint64, nodeID uint32) error {
	return r.hints.Set(ctx, seqID, nodeID)
}

// Hint returns the recorded node for a sequence.
func (r *Router) Hint(ctx context.Context, seqID uint64) (uint32, bool, error) {
	return r.hints.Get(ctx, seqID)
}

// DropHint removes the recorded node for a sequence.
func (r *Router) DropHint(ctx context.Context, seqID uint64) error {
	return r.hints.Delete(ctx, seqID)
}

// selectByLoad picks, among online nodes with enough free capacity, the one
// with minimal utilization; ties break on fewest in-flight requests, then on
// the smallest node ID for determinism.
func (r *Router) selectByLoad(estimatedBytes uint64) (uint32, error) {
	var best *registry.Node
	for _, node := range r.registry.Snapshot() {
		if !node.Online || node.FreeBytes() < estimatedBytes {
			continue
		}

		node := node
		if best == nil {
			best = &node
			continue
		}

		bu, nu := best.Utilization(), node.Utilization()
		switch {
		case nu < bu:
			best = &node
		case nu == bu && node.CurrentRequests < best.CurrentRequests:
			best = &node
		}
		// Snapshot is ID-ordered, so equal scores keep the smallest ID.
	}

	if best == nil {
		return 0, fmt.Errorf("%w: no online node with %d free bytes", ErrNoCapacityAvailable, estimatedBytes)
	}
	return best.ID, nil
}
