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

package kvblock

// BlockState is the MESI-like coherency state of a cache block.
type BlockState string

const (
	// StateInvalid marks a block with no valid cached content.
	StateInvalid BlockState = "Invalid"
	// StateShared marks a block referenced by multiple sequences, possibly
	// replicated read-only on multiple nodes.
	StateShared BlockState = "Shared"
	// StateExclusive marks a clean block owned by exactly one sequence.
	StateExclusive BlockState = "Exclusive"
	// StateModified marks a dirty block with exactly one owning node.
	StateModified BlockState = "Modified"
)

// Valid reports whether the block holds usable cached content.
func (s BlockState) Valid() bool {
	return s != StateInvalid
}

// String returns the state name.
func (s BlockState) String() string {
	return string(s)
}

// CoherencyProtocol selects how multi-copy validity is maintained across
// nodes.
type CoherencyProtocol string

const (
	// CoherencyNone disables cross-node invalidation; writes overwrite in
	// place, last writer wins.
	CoherencyNone CoherencyProtocol = "None"
	// CoherencyMESI runs the four-state invalidation protocol with lazy
	// replica synchronization.
	CoherencyMESI CoherencyProtocol = "MESI"
	// CoherencyStrong runs the four-state protocol and synchronously
	// re-pushes modified content to replicas after every write.
	CoherencyStrong CoherencyProtocol = "Strong"
)
