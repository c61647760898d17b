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

// Package htb implements a Hierarchical Token Bucket rate-limiter engine:
// a tree of rate-limited buckets that share a common inflow, compiled into
// a linear op-list so that one tick advances every bucket in O(N).
//
// The engine is single-threaded and allocation-free on every call. It does
// not read a clock, does not persist itself, and does not lock internally;
// callers that share an *HTB across goroutines must provide their own
// mutual exclusion (see internal/ratelimiter/core.Store for one way to do
// that per tenant).
package htb

import (
	"math"
	"math/bits"
	"time"
)

// Label is an opaque bucket identifier. It must equal the bucket's position
// in the config slice passed to New (see Builder for a helper that assigns
// this automatically from string names).
type Label int

// BucketCfg describes one bucket in the tree. This bucket is fed from
// Parent (or from an infinite source if Parent is nil) at a rate of at
// most RateNum tokens per RatePer, and can accumulate up to Capacity
// burst tokens.
type BucketCfg struct {
	This     Label
	Parent   *Label
	RateNum  uint64
	RatePer  time.Duration
	Capacity uint64
}

// bucket is the internal per-node state, measured in scaled units rather
// than raw tokens (see New for the scaling contract). value <= cap always
// holds after any public call returns.
type bucket struct {
	cap   uint64
	value uint64
}

// opKind distinguishes the three compiled instruction shapes.
type opKind uint8

const (
	opInflow opKind = iota
	opTake
	opDeposit
)

// op is one compiled instruction. Only the fields relevant to kind are
// meaningful; this is deliberately a flat struct (not an interface) so the
// advancement loop never allocates or does an interface dispatch.
type op struct {
	kind   opKind
	label  Label // target of Take/Deposit; unused for Inflow
	rate   uint64
	parent Label // parent of Take; unused otherwise
}

// HTB is a compiled hierarchical token bucket tree. Construct with New;
// mutate with Advance/AdvanceNS/Take/TakeN; read with Peek/PeekN/Index.
type HTB struct {
	state []bucket
	ops   []op

	// UnitCost is the number of internal units that make up one raw
	// token: UnitCost == U == lcm(all configured durations) in
	// nanoseconds. Exported for callers that want raw token counts from
	// Index: raw == Index(label) / UnitCost.
	UnitCost uint64

	// timeLimit is the largest delta (in ns) for which rate*delta cannot
	// overflow a uint64; Advance/AdvanceNS saturate to this value.
	timeLimit uint64
}

// New compiles cfgs into an HTB. cfgs must be in depth-first traversal
// order: the root first (Parent == nil), then each of its children's
// subtrees fully before the next sibling. Earlier siblings get strict
// priority over later ones at advance time.
func New(cfgs []BucketCfg) (*HTB, error) {
	if len(cfgs) == 0 || cfgs[0].Parent != nil {
		return nil, ErrNoRoot
	}

	unitCost, err := lcmDurations(cfgs)
	if err != nil {
		return nil, err
	}

	scaledRates := make([]uint64, len(cfgs))
	for i, cfg := range cfgs {
		perNS := uint64(cfg.RatePer.Nanoseconds())
		k := unitCost / perNS // exact: unitCost is a multiple of perNS
		rate, overflow := mul64(cfg.RateNum, k)
		if overflow {
			return nil, ErrInvalidRate
		}
		scaledRates[i] = rate
	}

	state := make([]bucket, 0, len(cfgs))
	ops := make([]op, 0, len(cfgs)*2)
	stack := make([]Label, 0, len(cfgs))

	for i, cfg := range cfgs {
		if int(cfg.This) != i {
			return nil, ErrInvalidStructure
		}
		if i == 0 && cfg.Parent != nil {
			return nil, ErrNoRoot
		}

		cap_, overflow := mul64(cfg.Capacity, unitCost)
		if overflow {
			return nil, ErrInvalidRate
		}
		// Buckets start full so an initial burst is immediately available.
		state = append(state, bucket{cap: cap_, value: cap_})

		if !labelEqual(cfg.Parent, stackTop(stack)) {
			// Pop ancestors that are not cfg.Parent, depositing each one's
			// leftover flow on the way up. The ancestor that does match is
			// also deposited here (its subtree is done contributing for
			// now) but is left on the stack, since it is still open: the
			// next Take against it (this bucket's own, below) needs it.
			for {
				top := stackTop(stack)
				if top == nil {
					return nil, ErrInvalidStructure
				}
				ops = append(ops, op{kind: opDeposit, label: *top})
				if labelEqual(cfg.Parent, top) {
					break
				}
				stackPop(&stack)
			}
		}

		stack = append(stack, cfg.This)
		if cfg.Parent != nil {
			ops = append(ops, op{kind: opTake, label: cfg.This, parent: *cfg.Parent, rate: scaledRates[i]})
		} else {
			ops = append(ops, op{kind: opInflow, rate: scaledRates[i]})
		}
	}

	for i := len(stack) - 1; i >= 0; i-- {
		ops = append(ops, op{kind: opDeposit, label: stack[i]})
	}

	var rateSum uint64
	for _, r := range scaledRates {
		sum, overflow := add64(rateSum, r)
		if overflow {
			return nil, ErrInvalidRate
		}
		rateSum = sum
	}
	limit, overflow := mul64(unitCost, rateSum)
	if overflow || limit > math.MaxUint64/2 {
		return nil, ErrInvalidRate
	}

	return &HTB{state: state, ops: ops, UnitCost: unitCost, timeLimit: limit}, nil
}

// AdvanceNS advances the tree by deltaNS nanoseconds of idealized
// operation: inflow is applied through every edge, each bucket fills to no
// more than its cap, and priority is honored (earlier DFS siblings drain
// a shared parent before later ones). Complexity is O(len(ops)) = O(N).
func (h *HTB) AdvanceNS(deltaNS uint64) {
	if deltaNS > h.timeLimit {
		deltaNS = h.timeLimit // see New: rate*delta is guaranteed not to overflow at this bound
	}

	var flow uint64
	for _, o := range h.ops {
		switch o.kind {
		case opInflow:
			flow = o.rate * deltaNS
		case opTake:
			p := &h.state[o.parent]
			combined := flow + p.value
			budget := o.rate * deltaNS
			if combined < budget {
				flow = combined
			} else {
				flow = budget
			}
			p.value = combined - flow
		case opDeposit:
			b := &h.state[o.label]
			combined := flow + b.value
			deposited := combined
			if deposited > b.cap {
				deposited = b.cap
			}
			b.value = deposited
			flow = combined - deposited
		}
	}
}

// Advance is AdvanceNS over a time.Duration. A zero or negative duration
// advances nothing. A positive duration's int64 nanosecond count always
// fits in a uint64, so it is passed to AdvanceNS unchanged (no truncation
// or wrapping), and AdvanceNS clamps it at the time limit.
func (h *HTB) Advance(delta time.Duration) {
	ns := delta.Nanoseconds()
	if ns <= 0 {
		return
	}
	h.AdvanceNS(uint64(ns))
}

// Peek reports whether at least one token is available at label.
func (h *HTB) Peek(label Label) bool {
	return h.state[label].value >= h.UnitCost
}

// PeekN reports whether at least n tokens are available at label. The
// caller is responsible for ensuring UnitCost*n does not overflow.
func (h *HTB) PeekN(label Label, n uint64) bool {
	if n == 0 {
		return true
	}
	return h.state[label].value >= h.UnitCost*n
}

// Take consumes one token from label if available, leaving state
// unchanged otherwise. Returns whether the token was consumed.
func (h *HTB) Take(label Label) bool {
	return h.TakeN(label, 1)
}

// TakeN debits UnitCost*n from label, all-or-nothing: either every token
// is consumed and TakeN returns true, or nothing is and it returns false.
// n == 0 always succeeds without changing state. The caller is
// responsible for ensuring UnitCost*n does not overflow.
func (h *HTB) TakeN(label Label, n uint64) bool {
	if n == 0 {
		return true
	}
	cost := h.UnitCost * n
	b := &h.state[label]
	if b.value < cost {
		return false
	}
	b.value -= cost
	return true
}

// Index returns the raw scaled-unit value currently held at label, for
// diagnostics. Divide by UnitCost for a raw token count.
func (h *HTB) Index(label Label) uint64 {
	return h.state[label].value
}

// Len reports the number of buckets in the compiled tree.
func (h *HTB) Len() int { return len(h.state) }

func stackTop(stack []Label) *Label {
	if len(stack) == 0 {
		return nil
	}
	return &stack[len(stack)-1]
}

func stackPop(stack *[]Label) (Label, bool) {
	s := *stack
	if len(s) == 0 {
		return 0, false
	}
	last := s[len(s)-1]
	*stack = s[:len(s)-1]
	return last, true
}

func labelEqual(a, b *Label) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// lcmDurations computes the least common multiple, in nanoseconds, of
// every configured bucket's rate period, failing with ErrInvalidRate if
// it does not fit a uint64 (e.g. two large coprime periods).
func lcmDurations(cfgs []BucketCfg) (uint64, error) {
	if len(cfgs) == 0 {
		return 0, ErrNoRoot
	}
	acc := uint64(cfgs[0].RatePer.Nanoseconds())
	if acc == 0 {
		return 0, ErrInvalidRate
	}
	for _, cfg := range cfgs[1:] {
		d := uint64(cfg.RatePer.Nanoseconds())
		if d == 0 {
			return 0, ErrInvalidRate
		}
		l, err := lcm(acc, d)
		if err != nil {
			return 0, err
		}
		acc = l
	}
	return acc, nil
}

func lcm(a, b uint64) (uint64, error) {
	g := gcd(a, b)
	reduced := a / g
	product, overflow := mul64(reduced, b)
	if overflow {
		return 0, ErrInvalidRate
	}
	return product, nil
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// mul64 multiplies a*b using a 128-bit intermediate (via bits.Mul64) and
// reports whether the true product overflows 64 bits.
func mul64(a, b uint64) (product uint64, overflow bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi != 0
}

// add64 adds a+b and reports whether it overflowed 64 bits.
func add64(a, b uint64) (sum uint64, overflow bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry != 0
}
