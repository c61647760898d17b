// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package htb

import "time"

// Builder assigns Labels to caller-chosen string names in insertion order,
// so callers don't have to hand-number buckets themselves. Buckets must
// still be added in depth-first order (root first, then each child
// subtree fully before the next sibling) — the builder does not reorder
// anything, it only removes the bookkeeping of turning names into indices.
//
// This is the escape hatch the engine's design notes call for: "an
// implementation in a language without cheap small enums can provide
// either a helper to generate such a mapping, or replace it with a
// hash-indexed table at a small constant-factor cost." Builder takes the
// first approach; the external contract (Label == position) is preserved.
type Builder struct {
	index map[string]Label
	cfgs  []BucketCfg
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{index: make(map[string]Label)}
}

// Add registers a bucket named name, fed from parentName (or, if
// parentName is "", from an infinite source, making it the root), with the
// given rate and capacity. It returns
// the Label assigned to name. Add must be called for the root first, then
// for each child subtree fully, before moving to the next sibling — the
// same depth-first discipline New requires.
func (b *Builder) Add(name, parentName string, rateNum uint64, ratePer time.Duration, capacity uint64) Label {
	label := Label(len(b.cfgs))
	var parent *Label
	if parentName != "" {
		if p, ok := b.index[parentName]; ok {
			parent = &p
		}
	}
	b.index[name] = label
	b.cfgs = append(b.cfgs, BucketCfg{
		This:     label,
		Parent:   parent,
		RateNum:  rateNum,
		RatePer:  ratePer,
		Capacity: capacity,
	})
	return label
}

// Label returns the index assigned to a previously Add-ed name, and
// whether it was found.
func (b *Builder) Label(name string) (Label, bool) {
	l, ok := b.index[name]
	return l, ok
}

// Build compiles the registered buckets into an HTB, exactly as calling
// New(b.Configs()) would.
func (b *Builder) Build() (*HTB, error) {
	return New(b.cfgs)
}

// Configs returns the compiled BucketCfg slice in insertion order, for
// callers that want to inspect or serialize the tree shape before
// building, or pass it to New directly.
func (b *Builder) Configs() []BucketCfg {
	out := make([]BucketCfg, len(b.cfgs))
	copy(out, b.cfgs)
	return out
}
