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

package kvcache

import (
	"time"

	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/eviction"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/kvevents"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/replication"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/routing"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/sequence"
)

// Config holds the configuration for the Coordinator module.
// The configuration covers the different components found in the
// Coordinator module.
type Config struct {
	// TotalCapacityBytes is the default per-node cache capacity, used for
	// nodes registering without an explicit capacity.
	TotalCapacityBytes uint64 `json:"totalCapacityBytes"`
	// BlockSizeBytes is the payload size of one cache block.
	BlockSizeBytes uint64 `json:"blockSizeBytes"`
	// PageSizeBytes is an alias for the block payload page size; it is used
	// when BlockSizeBytes is unset.
	PageSizeBytes uint64 `json:"pageSizeBytes"`
	// BlockGranularityTokens is the number of tokens represented by one
	// cache block.
	BlockGranularityTokens int `json:"blockGranularityTokens"`

	// EvictionPolicy selects the victim ordering under memory pressure.
	EvictionPolicy eviction.PolicyName `json:"evictionPolicy"`
	// CoherencyProtocol selects the coherency behavior for writes and
	// cross-sequence reads.
	CoherencyProtocol kvblock.CoherencyProtocol `json:"coherencyProtocol"`
	// ReplicationFactor is the number of secondary copies kept per block.
	// Zero disables replication.
	ReplicationFactor int `json:"replicationFactor"`

	// EnablePrefetch allocates blocks ahead of the written position.
	EnablePrefetch bool `json:"enablePrefetch"`
	// PrefetchDistance is how many tokens ahead to pre-allocate.
	PrefetchDistance uint32 `json:"prefetchDistance"`

	// HeartbeatInterval is the expected node heartbeat cadence.
	HeartbeatInterval time.Duration `json:"heartbeatInterval"`
	// HeartbeatTimeoutMultiplier scales the interval into the offline
	// timeout.
	HeartbeatTimeoutMultiplier int `json:"heartbeatTimeoutMultiplier"`

	// EnableMetrics registers the Prometheus collectors and starts the
	// periodic metrics log.
	EnableMetrics bool `json:"enableMetrics"`
	// MetricsLoggingInterval is the cadence of the metrics log line.
	MetricsLoggingInterval time.Duration `json:"metricsLoggingInterval"`

	SequenceTableConfig *sequence.Config    `json:"sequenceTableConfig"`
	RouterConfig        *routing.Config     `json:"routerConfig"`
	ReplicationConfig   *replication.Config `json:"replicationConfig"`
	EventsConfig        *kvevents.Config    `json:"eventsConfig"`
}

// NewDefaultConfig returns a default configuration for the Coordinator
// module.
func NewDefaultConfig() *Config {
	return &Config{
		TotalCapacityBytes:         1 << 30,
		BlockSizeBytes:             4096,
		BlockGranularityTokens:     16,
		EvictionPolicy:             eviction.LRU,
		CoherencyProtocol:          kvblock.CoherencyMESI,
		ReplicationFactor:          0,
		HeartbeatInterval:          5 * time.Second,
		HeartbeatTimeoutMultiplier: 3,
		EnableMetrics:              false,
		MetricsLoggingInterval:     time.Minute,
		SequenceTableConfig:        sequence.DefaultConfig(),
		RouterConfig:               routing.DefaultConfig(),
		ReplicationConfig:          replication.DefaultConfig(),
		EventsConfig:               kvevents.DefaultConfig(),
	}
}

// blockSize resolves the effective block payload size, honoring the page
// size alias.
func (c *Config) blockSize() uint64 {
	if c.BlockSizeBytes > 0 {
		return c.BlockSizeBytes
	}
	if c.PageSizeBytes > 0 {
		return c.PageSizeBytes
	}
	return 4096
}
