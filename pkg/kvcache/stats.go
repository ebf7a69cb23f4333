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
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/registry"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/utils"
)

// NodeStats is the per-node slice of the cluster statistics.
type NodeStats struct {
	NodeID             uint32  `json:"nodeId"`
	Address            string  `json:"address"`
	Online             bool    `json:"online"`
	UtilizationPercent float64 `json:"utilizationPercent"`
	UsedCapacityBytes  uint64  `json:"usedCapacityBytes"`
	TotalCapacityBytes uint64  `json:"totalCapacityBytes"`
	NumBlocks          uint32  `json:"numBlocks"`
	CacheHits          uint64  `json:"cacheHits"`
	CacheMisses        uint64  `json:"cacheMisses"`
	Evictions          uint64  `json:"evictions"`
	TransfersBytes     uint64  `json:"transfersBytes"`
	CurrentRequests    uint32  `json:"currentRequests"`
}

// Stats is an on-demand aggregation of the coordinator's state.
type Stats struct {
	TotalRequests   uint64      `json:"totalRequests"`
	ActiveSequences int         `json:"activeSequences"`
	TotalBlocks     int         `json:"totalBlocks"`
	CacheHits       uint64      `json:"cacheHits"`
	CacheMisses     uint64      `json:"cacheMisses"`
	HitRate         float64     `json:"hitRate"`
	TotalEvictions  uint64      `json:"totalEvictions"`
	NodesOnline     int         `json:"nodesOnline"`
	NodesOffline    int         `json:"nodesOffline"`
	StaleReplicas   int         `json:"staleReplicas"`
	Nodes           []NodeStats `json:"nodes"`
}

// GetStatistics aggregates the registry counters, the block table and the
// sequence table into a point-in-time snapshot.
func (c *Coordinator) GetStatistics() Stats {
	stats := Stats{
		TotalRequests:   c.nextSeqID.Load(),
		ActiveSequences: c.sequences.Len(),
		TotalBlocks:     c.store.Len(),
	}
	if c.repl != nil {
		stats.StaleReplicas = c.repl.StaleReplicaCount()
	}

	nodes := c.registry.Snapshot()
	for _, node := range nodes {
		stats.CacheHits += node.CacheHits
		stats.CacheMisses += node.CacheMisses
		stats.TotalEvictions += node.Evictions
		if node.Online {
			stats.NodesOnline++
		} else {
			stats.NodesOffline++
		}
	}

	stats.Nodes = utils.SliceMap(nodes, func(node registry.Node) NodeStats {
		return NodeStats{
			NodeID:             node.ID,
			Address:            node.Address,
			Online:             node.Online,
			UtilizationPercent: node.Utilization(),
			UsedCapacityBytes:  node.UsedCapacityBytes,
			TotalCapacityBytes: node.TotalCapacityBytes,
			NumBlocks:          node.NumBlocks,
			CacheHits:          node.CacheHits,
			CacheMisses:        node.CacheMisses,
			Evictions:          node.Evictions,
			TransfersBytes:     node.NetworkTransfersBytes,
			CurrentRequests:    node.CurrentRequests,
		}
	})

	if total := stats.CacheHits + stats.CacheMisses; total > 0 {
		stats.HitRate = float64(stats.CacheHits) / float64(total)
	}
	return stats
}
