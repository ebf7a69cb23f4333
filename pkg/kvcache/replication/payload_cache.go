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

package replication

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"
)

const (
	defaultCacheNumCounters = 1e7
	defaultCacheBufferItems = 64
)

// PayloadCacheConfig holds the configuration for the replication payload
// staging cache.
type PayloadCacheConfig struct {
	// Size is the maximum memory held by staged payloads.
	// Supports human-readable formats like "512MiB", "2GiB", etc.
	Size string `json:"size,omitempty"`
}

// DefaultPayloadCacheConfig returns a default configuration for the payload
// cache.
func DefaultPayloadCacheConfig() *PayloadCacheConfig {
	return &PayloadCacheConfig{
		Size: "512MiB",
	}
}

// stagedPayload is one block payload fetched from its primary node, kept
// with its content checksum so re-fetches can detect content changes
// cheaply.
type stagedPayload struct {
	data     []byte
	checksum uint64
}

// payloadCache stages block payloads between the fetch from the primary and
// the pushes to replicas, so replicating one block to several targets costs
// one primary fetch. Entry cost is the payload byte size.
type payloadCache struct {
	data *ristretto.Cache[uint64, *stagedPayload]
}

func newPayloadCache(cfg *PayloadCacheConfig) (*payloadCache, error) {
	if cfg == nil {
		cfg = DefaultPayloadCacheConfig()
	}

	sizeBytes, err := humanize.ParseBytes(cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to parse payload cache size: %w", err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[uint64, *stagedPayload]{
		NumCounters: defaultCacheNumCounters,
		MaxCost:     int64(sizeBytes), //nolint:gosec // bounded by humanize parse
		BufferItems: defaultCacheBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payload cache: %w", err)
	}

	return &payloadCache{data: cache}, nil
}

// put stages a payload and returns its checksum.
func (c *payloadCache) put(blockID uint64, payload []byte) uint64 {
	sum := xxhash.Sum64(payload)
	c.data.Set(blockID, &stagedPayload{data: payload, checksum: sum}, int64(len(payload)))
	c.data.Wait()
	return sum
}

// get returns the staged payload and its checksum.
func (c *payloadCache) get(blockID uint64) ([]byte, uint64, bool) {
	staged, ok := c.data.Get(blockID)
	if !ok || staged == nil {
		return nil, 0, false
	}
	return staged.data, staged.checksum, true
}

// drop removes a staged payload.
func (c *payloadCache) drop(blockID uint64) {
	c.data.Del(blockID)
}
