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
	"context"
	"sort"
	"time"

	"github.com/wcstore/rangeserver/rangekeyspace"
	"k8s.io/klog/v2"
)

// RangeLookup resolves a ledger-persisted range ID back to a live Range, for
// reenqueueing in-flight splits found at startup.
type RangeLookup func(rangeID string) (*rangekeyspace.Range, bool)

// Scheduler runs the maintenance cycle described in §4.11.
type Scheduler struct {
	interval time.Duration
	queue    *Queue
	ledger   *Ledger // optional; nil disables split-recovery persistence

	logCleanup Prioritizer
	lowMemory  Prioritizer

	collectStats func() []RangeStats
	memoryState  func([]RangeStats) MemoryState
	purgeLogs    func(minRevision uint64) error
	lookupRange  RangeLookup
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Interval     time.Duration
	Queue        *Queue
	Ledger       *Ledger
	LogCleanup   Prioritizer
	LowMemory    Prioritizer
	CollectStats func() []RangeStats
	MemoryState  func([]RangeStats) MemoryState
	PurgeLogs    func(minRevision uint64) error
	LookupRange  RangeLookup
}

// NewScheduler builds a Scheduler from opts, defaulting both prioritizers if
// unset.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	if opts.LogCleanup == nil {
		opts.LogCleanup = LogCleanupPrioritizer{}
	}
	if opts.LowMemory == nil {
		opts.LowMemory = NewLowMemoryPrioritizer(10)
	}
	return &Scheduler{
		interval:     opts.Interval,
		queue:        opts.Queue,
		ledger:       opts.Ledger,
		logCleanup:   opts.LogCleanup,
		lowMemory:    opts.LowMemory,
		collectStats: opts.CollectStats,
		memoryState:  opts.MemoryState,
		purgeLogs:    opts.PurgeLogs,
		lookupRange:  opts.LookupRange,
	}
}

// Run executes the scheduler cycle once per interval until ctx is done. Step
// 5 (reenqueue in-flight splits) runs once, before the first tick.
func (s *Scheduler) Run(ctx context.Context) error {
	s.reenqueueInFlightSplits()

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := s.cycle(); err != nil {
				klog.Warningf("maintenance: cycle failed: %v", err)
			}
		}
	}
}

func (s *Scheduler) reenqueueInFlightSplits() {
	if s.ledger == nil || s.lookupRange == nil {
		return
	}
	pending, err := s.ledger.PendingSplits()
	if err != nil {
		klog.Warningf("maintenance: reading split ledger: %v", err)
		return
	}
	now := time.Now()
	for id, state := range pending {
		r, ok := s.lookupRange(id)
		if !ok {
			klog.Warningf("maintenance: ledger references unknown range %s (state %s)", id, state)
			continue
		}
		klog.Infof("maintenance: reenqueueing in-flight split for range %s (state %s)", id, state)
		if err := s.queue.Enqueue(&Task{Range: r, Flags: FlagSplit, Priority: -1, StartTime: now}); err != nil {
			klog.Warningf("maintenance: reenqueue %s: %v", id, err)
		}
	}
}

// cycle runs one pass of the scheduler: purge logs, collect stats, plan
// work with the active prioritizer, and enqueue one task per eligible
// range.
func (s *Scheduler) cycle() error {
	stats := s.collectStats()
	if len(stats) == 0 {
		return nil
	}

	minRevision := stats[0].EarliestCachedRevision
	for _, st := range stats[1:] {
		if st.EarliestCachedRevision != 0 && (minRevision == 0 || st.EarliestCachedRevision < minRevision) {
			minRevision = st.EarliestCachedRevision
		}
	}
	if s.purgeLogs != nil && minRevision > 0 {
		if err := s.purgeLogs(minRevision); err != nil {
			klog.Warningf("maintenance: purge logs up to revision %d: %v", minRevision, err)
		}
	}

	mem := MemoryState{}
	if s.memoryState != nil {
		mem = s.memoryState(stats)
	}

	var planned []PlannedTask
	if mem.Needed > 0 {
		planned = s.lowMemory.Prioritize(stats, mem)
	} else {
		planned = s.logCleanup.Prioritize(stats, mem)
	}
	sort.Slice(planned, func(i, j int) bool { return planned[i].Priority < planned[j].Priority })

	now := time.Now()
	for _, p := range planned {
		if s.queue.InQueue(p.Range) {
			continue // currently in-progress ranges are skipped this cycle
		}
		if p.Range.Guard.InProgress() {
			continue
		}
		// memory purge never targets a guarded range; the Guard.InProgress
		// check above already filters every flag kind, so this is covered.
		flags := p.Flags
		if p.Range.ShouldSplit() {
			flags = FlagSplit // a split beats a compaction for the same range
		}
		task := &Task{Range: p.Range, Flags: flags, Priority: p.Priority, StartTime: now}
		if err := s.queue.Enqueue(task); err != nil && err != ErrAlreadyQueued {
			klog.Warningf("maintenance: enqueue %s: %v", p.Range.ID(), err)
		}
	}
	return nil
}
