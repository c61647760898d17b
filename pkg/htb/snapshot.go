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

// Snapshot is the optional persisted form of an HTB: a pure, serializable
// copy of everything New computes, so a caller can restart a process and
// resume exactly where a tree left off. The engine itself does not read
// or write one — persistence is an external collaborator (see
// internal/ratelimiter/persistence) — Snapshot just exposes the shape.
type Snapshot struct {
	State     []BucketState `json:"state"`
	Ops       []OpRecord    `json:"ops"`
	UnitCost  uint64        `json:"unit_cost"`
	TimeLimit uint64        `json:"time_limit"`
}

// BucketState is the serializable form of one bucket's cap/value pair.
type BucketState struct {
	Cap   uint64 `json:"cap"`
	Value uint64 `json:"value"`
}

// OpRecord is the serializable form of one compiled instruction.
type OpRecord struct {
	Kind   string `json:"kind"` // "inflow", "take", "deposit"
	Label  Label  `json:"label,omitempty"`
	Parent Label  `json:"parent,omitempty"`
	Rate   uint64 `json:"rate,omitempty"`
}

var opKindNames = [...]string{"inflow", "take", "deposit"}

// Snapshot captures the current, fully-compiled state of h. Calling
// Snapshot twice with no Advance/Take in between yields equal results.
func (h *HTB) Snapshot() Snapshot {
	state := make([]BucketState, len(h.state))
	for i, b := range h.state {
		state[i] = BucketState{Cap: b.cap, Value: b.value}
	}
	ops := make([]OpRecord, len(h.ops))
	for i, o := range h.ops {
		ops[i] = OpRecord{Kind: opKindNames[o.kind], Label: o.label, Parent: o.parent, Rate: o.rate}
	}
	return Snapshot{State: state, Ops: ops, UnitCost: h.UnitCost, TimeLimit: h.timeLimit}
}

// Load reconstructs an HTB from a Snapshot produced by Snapshot, without
// re-running the rate normalizer or tree compiler. It trusts the snapshot
// to have come from a valid HTB; it does not re-validate DFS order or
// overflow bounds.
func Load(s Snapshot) *HTB {
	state := make([]bucket, len(s.State))
	for i, bs := range s.State {
		state[i] = bucket{cap: bs.Cap, value: bs.Value}
	}
	ops := make([]op, len(s.Ops))
	for i, or := range s.Ops {
		var kind opKind
		switch or.Kind {
		case "inflow":
			kind = opInflow
		case "take":
			kind = opTake
		case "deposit":
			kind = opDeposit
		}
		ops[i] = op{kind: kind, label: or.Label, parent: or.Parent, rate: or.Rate}
	}
	return &HTB{state: state, ops: ops, UnitCost: s.UnitCost, timeLimit: s.TimeLimit}
}
