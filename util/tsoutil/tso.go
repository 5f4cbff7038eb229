// Copyright 2016 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package tsoutil

import (
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	physicalShiftBits = 18
	logicalBits       = (1 << physicalShiftBits) - 1

	// MaxLogical is the number of transaction IDs that can be issued within one millisecond.
	MaxLogical = int64(1 << physicalShiftBits)

	updateTimestampGuard = time.Millisecond
)

// ComposeTS builds a transaction ID from its physical (ms) and logical parts.
func ComposeTS(physical, logical int64) uint64 {
	return uint64((physical << physicalShiftBits) + logical)
}

// ParseTS parses the ts to (physical,logical).
func ParseTS(ts uint64) (time.Time, uint64) {
	logical := ts & logicalBits
	physical := ExtractPhysical(ts)
	physicalTime := time.Unix(0, physical*int64(time.Millisecond))
	return physicalTime, logical
}

// ExtractPhysical returns the millisecond part of ts.
func ExtractPhysical(ts uint64) int64 {
	return int64(ts >> physicalShiftBits)
}

// DurationToTS converts a duration into the equivalent distance between two transaction IDs.
func DurationToTS(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d/time.Millisecond) << physicalShiftBits
}

// MillisToTS is DurationToTS for a duration given in milliseconds.
func MillisToTS(ms int64) uint64 {
	if ms <= 0 {
		return 0
	}
	return uint64(ms) << physicalShiftBits
}

// Allocator hands out strictly increasing transaction IDs. It is only used by
// the transaction authority, so a mutex is enough.
type Allocator struct {
	mu       sync.Mutex
	physical int64
	logical  int64
	now      func() time.Time
}

// NewAllocator creates an Allocator driven by the wall clock.
func NewAllocator() *Allocator {
	return &Allocator{now: time.Now}
}

// NewAllocatorWithClock creates an Allocator driven by now. Used by tests.
func NewAllocatorWithClock(now func() time.Time) *Allocator {
	return &Allocator{now: now}
}

// Observe makes sure every ID handed out afterwards is greater than ts.
func (a *Allocator) Observe(ts uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ts < ComposeTS(a.physical, a.logical) {
		return
	}
	a.physical = ExtractPhysical(ts)
	a.logical = int64(ts & logicalBits)
}

// Last returns the last issued ID, or the observed floor.
func (a *Allocator) Last() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ComposeTS(a.physical, a.logical)
}

// Next returns the next transaction ID. When the logical part of the current
// millisecond is used up it waits for the clock to move on.
func (a *Allocator) Next() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		nowMs := a.now().UnixNano() / int64(time.Millisecond)
		if nowMs > a.physical {
			a.physical = nowMs
			a.logical = 0
			return ComposeTS(a.physical, a.logical)
		}
		if a.logical+1 < MaxLogical {
			a.logical++
			return ComposeTS(a.physical, a.logical)
		}
		if a.physical-nowMs > 1 {
			log.Warn("clock is behind the last issued transaction id",
				zap.Int64("physical", a.physical), zap.Int64("now", nowMs))
		}
		time.Sleep(updateTimestampGuard)
	}
}
