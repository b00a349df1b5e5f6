// Copyright 2024 The RangeServer authors. All Rights Reserved.
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

package maintenance

import (
	"testing"
	"time"

	"github.com/wcstore/rangeserver/rangekeyspace"
)

func TestSchedulerCyclePurgesAtMinRevision(t *testing.T) {
	r1 := newTestRange()
	r2 := newTestRange()
	var purgedTo uint64
	s := NewScheduler(SchedulerOptions{
		Queue: NewQueue(),
		CollectStats: func() []RangeStats {
			return []RangeStats{
				{Range: r1, EarliestCachedRevision: 42},
				{Range: r2, EarliestCachedRevision: 7},
			}
		},
		PurgeLogs: func(minRevision uint64) error {
			purgedTo = minRevision
			return nil
		},
	})
	if err := s.cycle(); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if purgedTo != 7 {
		t.Fatalf("purgedTo = %d, want 7 (the smaller of the two revisions)", purgedTo)
	}
}

func TestSchedulerCycleEnqueuesPlannedTasks(t *testing.T) {
	r := newTestRange()
	q := NewQueue()
	s := NewScheduler(SchedulerOptions{
		Queue: q,
		CollectStats: func() []RangeStats {
			return []RangeStats{{Range: r, EarliestCachedRevision: 3}}
		},
	})
	if err := s.cycle(); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if !q.InQueue(r) {
		t.Fatalf("expected the cycle to enqueue a task for the pinning range")
	}
}

func TestSchedulerCycleSkipsInProgressRanges(t *testing.T) {
	r := newTestRange()
	q := NewQueue()
	if err := q.Enqueue(&Task{Range: r, StartTime: time.Now()}); err != nil {
		t.Fatal(err)
	}
	s := NewScheduler(SchedulerOptions{
		Queue: q,
		CollectStats: func() []RangeStats {
			return []RangeStats{{Range: r, EarliestCachedRevision: 3}}
		},
	})
	if err := s.cycle(); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("cycle should not enqueue a second task for an already-queued range, len=%d", q.Len())
	}
}

func TestSchedulerCycleEmptyStatsIsNoop(t *testing.T) {
	s := NewScheduler(SchedulerOptions{
		Queue:        NewQueue(),
		CollectStats: func() []RangeStats { return nil },
	})
	if err := s.cycle(); err != nil {
		t.Fatalf("cycle: %v", err)
	}
}
