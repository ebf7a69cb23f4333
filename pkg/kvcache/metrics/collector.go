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

// Package metrics holds the Prometheus collectors of the coordinator and a
// periodic logger for their values.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// Allocations counts block allocations.
	Allocations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "coordinator", Name: "allocations_total",
		Help: "Total number of cache block allocations",
	})
	// Evictions counts blocks evicted under memory pressure.
	Evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "coordinator", Name: "evictions_total",
		Help: "Total number of cache block evictions",
	})
	// CacheHits counts token positions served from existing cache.
	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "coordinator", Name: "cache_hits_total",
		Help: "Total number of prefix-cache hits",
	})
	// CacheMisses counts token positions that required recomputation.
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "coordinator", Name: "cache_misses_total",
		Help: "Total number of prefix-cache misses",
	})
	// ReplicationFailures counts replication attempts that exhausted their
	// retries and left a stale replica.
	ReplicationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "coordinator", Name: "replication_failures_total",
		Help: "Total number of replication pushes that degraded to a stale replica",
	})
	// NodesOffline counts heartbeat-timeout transitions.
	NodesOffline = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvcache", Subsystem: "coordinator", Name: "nodes_offline_total",
		Help: "Total number of nodes marked offline by the heartbeat sweep",
	})
	// AdmitLatency logs latency of sequence admissions.
	AdmitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kvcache", Subsystem: "coordinator", Name: "admit_latency_seconds",
		Help:    "Latency of AdmitSequence calls in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

// Collectors returns a slice of all registered Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Allocations, Evictions,
		CacheHits, CacheMisses,
		ReplicationFailures, NodesOffline,
		AdmitLatency,
	}
}

var registerMetricsOnce = sync.Once{}

// Register registers all metrics with the K8s registry.
func Register() {
	registerMetricsOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// StartMetricsLogging spawns a goroutine that logs current metric values
// every interval.
func StartMetricsLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logMetrics(ctx)
			}
		}
	}()
}

func logMetrics(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("kvcache-metrics")

	counter := func(c prometheus.Counter) float64 {
		var m dto.Metric
		if err := c.Write(&m); err != nil {
			return 0
		}
		return m.GetCounter().GetValue()
	}

	hits := counter(CacheHits)
	misses := counter(CacheMisses)
	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = hits / (hits + misses)
	}

	var latencyMetric dto.Metric
	if err := AdmitLatency.Write(&latencyMetric); err != nil {
		return
	}
	latencyCount := latencyMetric.GetHistogram().GetSampleCount()
	latencySum := latencyMetric.GetHistogram().GetSampleSum()
	avgLatency := 0.0
	if latencyCount > 0 {
		avgLatency = latencySum / float64(latencyCount)
	}

	logger.Info("coordinator metrics",
		"allocations", counter(Allocations),
		"evictions", counter(Evictions),
		"hits", hits,
		"misses", misses,
		"hit-rate", hitRate,
		"replication-failures", counter(ReplicationFailures),
		"nodes-offline", counter(NodesOffline),
		"avg-admit-latency-seconds", avgLatency,
	)
}
