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

import "errors"

// Construction-time failure modes. HTB has no runtime errors: once built,
// every operation either succeeds with a bool or mutates unconditionally.
var (
	// ErrNoRoot is returned when the config list is empty, or its first
	// entry names a parent (the root must have none).
	ErrNoRoot = errors.New("htb: config list is empty or first bucket has a parent")

	// ErrInvalidRate is returned when the least-common-multiple of all
	// configured durations, a scaled rate, a scaled capacity, or the sum
	// of scaled rates does not fit in a uint64, or the aggregate
	// time_limit exceeds half of math.MaxUint64. Callers hitting this
	// with coprime durations (e.g. 881ms and 883ms) should round one of
	// them to share a common factor.
	ErrInvalidRate = errors.New("htb: rate or capacity does not fit the machine word")

	// ErrInvalidStructure is returned when a bucket's label does not equal
	// its position in the config slice, or a bucket's parent is not an
	// open ancestor at that point in the depth-first traversal.
	ErrInvalidStructure = errors.New("htb: config is not a valid depth-first bucket tree")
)
