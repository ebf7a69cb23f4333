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

package sequence

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
	"k8s.io/klog/v2"
)

// TokenProcessor chunks a token stream into block-granularity pieces and
// derives a chained hash per chunk. Chunk i's hash depends on chunks 0..i,
// so equal hash chains identify equal token prefixes up to chunk
// granularity.
type TokenProcessor interface {
	// ChunkHashes returns the chained hashes of the full chunks of tokens.
	// Partial trailing chunks are not hashed.
	ChunkHashes(tokens []uint32) []uint64
}

// chunkedTokenProcessor hashes token chunks with canonical CBOR encoding and
// SHA-256, keeping the chain format stable across processes regardless of
// map ordering or integer widths.
type chunkedTokenProcessor struct {
	chunkSize int
	hashSeed  string

	initHash *uint64 // computed once
}

// NewTokenProcessor creates a TokenProcessor with the given chunk size in
// tokens and chain seed.
func NewTokenProcessor(chunkSize int, hashSeed string) TokenProcessor {
	return &chunkedTokenProcessor{
		chunkSize: chunkSize,
		hashSeed:  hashSeed,
	}
}

// getInitHash returns the root parent hash derived from the seed.
func (p *chunkedTokenProcessor) getInitHash() *uint64 {
	if p.initHash != nil {
		return p.initHash
	}

	encMode, err := cbor.CanonicalEncOptions().EncMode() // deterministic
	if err != nil {
		klog.FromContext(context.Background()).Error(err, "failed to create CBOR encoder")
		return nil
	}

	b, err := encMode.Marshal(p.hashSeed)
	if err != nil {
		klog.FromContext(context.Background()).Error(err, "failed to marshal seed to CBOR")
		return nil
	}

	sum := sha256.Sum256(b)
	hashVal := binary.BigEndian.Uint64(sum[24:])
	p.initHash = &hashVal
	return p.initHash
}

// hash computes a uint64 hash (lower 64 bits of SHA-256) over the parent
// hash and one chunk of tokens.
func (p *chunkedTokenProcessor) hash(parent uint64, chunk []uint32) uint64 {
	payload := []interface{}{parent, chunk}

	encMode, err := cbor.CanonicalEncOptions().EncMode() // deterministic
	if err != nil {
		klog.FromContext(context.Background()).Error(err, "failed to create CBOR encoder")
		return 0
	}

	b, err := encMode.Marshal(payload)
	if err != nil {
		klog.FromContext(context.Background()).Error(err, "failed to marshal payload to CBOR")
		return 0
	}

	sum := sha256.Sum256(b)
	return binary.BigEndian.Uint64(sum[24:])
}

// ChunkHashes returns the chained hashes of the full chunks of tokens.
func (p *chunkedTokenProcessor) ChunkHashes(tokens []uint32) []uint64 {
	parentPtr := p.getInitHash()
	if parentPtr == nil {
		return nil
	}

	parent := *parentPtr
	var hashes []uint64
	for i := 0; i+p.chunkSize <= len(tokens); i += p.chunkSize {
		parent = p.hash(parent, tokens[i:i+p.chunkSize])
		hashes = append(hashes, parent)
	}
	return hashes
}
