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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/eviction"
	"github.com/llm-d/llm-d-kv-cache-coordinator/pkg/kvcache/registry"
)

const (
	envZMQEndpoint     = "ZMQ_ENDPOINT"
	envZMQTopic        = "ZMQ_TOPIC"
	envPoolConcurrency = "POOL_CONCURRENCY"

	envBlockSize         = "BLOCK_SIZE"
	envEvictionPolicy    = "EVICTION_POLICY"
	envReplicationFactor = "REPLICATION_FACTOR"
	envNodeCapacity      = "NODE_CAPACITY_BYTES"
	envHashSeed          = "PYTHONHASHSEED"

	envHTTPPort     = "HTTP_PORT"
	defaultHTTPPort = "8080"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := klog.FromContext(ctx)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx); err != nil {
		logger.Error(err, "Failed to run KV-cache coordinator service")
		return
	}
}

func run(ctx context.Context) error {
	logger := klog.FromContext(ctx)

	coordinator, err := kvcache.NewCoordinator(ctx, getCoordinatorConfig(), nil)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	logger.Info("Created Coordinator")

	coordinator.Run(ctx)
	logger.Info("Started Coordinator, listening for ZMQ cache events")

	httpServer := setupHTTPEndpoints(ctx, coordinator)

	logger.Info("=== KV-Cache Coordinator Service Started ===")
	logger.Info("Available endpoints:")
	logger.Info("  - POST /nodes - register a node")
	logger.Info("  - POST /heartbeat - record a node heartbeat")
	logger.Info("  - POST /admit - admit a sequence")
	logger.Info("  - POST /free - free a sequence")
	logger.Info("  - GET  /stats - cluster statistics")

	// Wait for shutdown
	<-ctx.Done()
	logger.Info("Shutting down coordinator service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "HTTP server shutdown error")
	}

	return coordinator.Shutdown(shutdownCtx)
}

func getCoordinatorConfig() *kvcache.Config {
	config := kvcache.NewDefaultConfig()

	if blockSize, err := strconv.ParseUint(os.Getenv(envBlockSize), 10, 64); err == nil && blockSize > 0 {
		config.BlockSizeBytes = blockSize
	}

	if policy := os.Getenv(envEvictionPolicy); policy != "" {
		config.EvictionPolicy = eviction.PolicyName(policy)
	}

	if factor, err := strconv.Atoi(os.Getenv(envReplicationFactor)); err == nil && factor >= 0 {
		config.ReplicationFactor = factor
	}

	if capacity, err := strconv.ParseUint(os.Getenv(envNodeCapacity), 10, 64); err == nil && capacity > 0 {
		config.TotalCapacityBytes = capacity
	}

	if hashSeed := os.Getenv(envHashSeed); hashSeed != "" {
		config.SequenceTableConfig.HashSeed = hashSeed
	}

	if zmqEndpoint := os.Getenv(envZMQEndpoint); zmqEndpoint != "" {
		config.EventsConfig.ZMQEndpoint = zmqEndpoint
	}

	if zmqTopic := os.Getenv(envZMQTopic); zmqTopic != "" {
		config.EventsConfig.TopicFilter = zmqTopic
	}

	if concurrency, err := strconv.Atoi(os.Getenv(envPoolConcurrency)); err == nil && concurrency > 0 {
		config.EventsConfig.Concurrency = concurrency
	}

	config.EnableMetrics = true

	return config
}

//nolint:gocognit // endpoint wiring is sequential by nature
func setupHTTPEndpoints(ctx context.Context, coordinator *kvcache.Coordinator) *http.Server {
	logger := klog.FromContext(ctx)

	mux := http.NewServeMux()

	mux.HandleFunc("/nodes", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var node registry.Node
		if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if node.ID == 0 {
			http.Error(w, "field 'id' required", http.StatusBadRequest)
			return
		}

		if err := coordinator.RegisterNode(node); err != nil {
			http.Error(w, fmt.Sprintf("error: %v", err), http.StatusConflict)
			return
		}

		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			NodeID uint32 `json:"nodeId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		if err := coordinator.NodeHeartbeat(req.NodeID); err != nil {
			http.Error(w, fmt.Sprintf("error: %v", err), http.StatusNotFound)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/admit", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Tokens []uint32 `json:"tokens"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if len(req.Tokens) == 0 {
			http.Error(w, "field 'tokens' required", http.StatusBadRequest)
			return
		}

		seqID, nodeID, err := coordinator.AdmitSequence(r.Context(), req.Tokens)
		if err != nil {
			http.Error(w, fmt.Sprintf("error: %v", err), http.StatusServiceUnavailable)
			return
		}

		resp := struct {
			SequenceID uint64 `json:"sequenceId"`
			NodeID     uint32 `json:"nodeId"`
		}{SequenceID: seqID, NodeID: nodeID}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Error(err, "failed to encode response")
		}
	})

	mux.HandleFunc("/free", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SequenceID uint64 `json:"sequenceId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		if err := coordinator.FreeSequence(r.Context(), req.SequenceID); err != nil {
			http.Error(w, fmt.Sprintf("error: %v", err), http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(coordinator.GetStatistics()); err != nil {
			logger.Error(err, "failed to encode statistics")
		}
	})

	httpPort := os.Getenv(envHTTPPort)
	if httpPort == "" {
		httpPort = defaultHTTPPort
	}

	server := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           mux,
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       1 * time.Minute,
		WriteTimeout:      1 * time.Minute,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "HTTP server error")
		}
	}()

	return server
}
