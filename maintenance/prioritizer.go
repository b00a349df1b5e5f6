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
	"sort"
	"sync"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/wcstore/rangeserver/rangekeyspace"
)

// RangeStats is one range's contribution to a scheduler cycle's snapshot,
// collected in step 2 of §4.11.
type RangeStats struct {
	Range                  *rangekeyspace.Range
	Data                   rangekeyspace.MaintenanceData
	EarliestCachedRevision uint64
}

// MemoryState describes how much memory the server must release, per
// §4.11 step 3.
type MemoryState struct {
	Balance int64 // currently available headroom
	Needed  int64 // bytes that must be freed; 0 means no pressure
}

// PlannedTask is a prioritizer's verdict for one range: what to do and how
// urgently, before the scheduler's split-beats-compaction override and
// guard/in-progress filtering are applied.
type PlannedTask struct {
	Range    *rangekeyspace.Range
	Flags    Flags
	Priority float64
}

// Prioritizer ranks ranges for maintenance given the current snapshot and
// memory pressure.
type Prioritizer interface {
	Prioritize(stats []RangeStats, mem MemoryState) []PlannedTask
}

// LogCleanupPrioritizer ranks ranges by how much commit-log space a minor
// compaction would free: the range pinning the oldest revision (the
// smallest EarliestCachedRevision) is compacted first.
type LogCleanupPrioritizer struct{}

func (LogCleanupPrioritizer) Prioritize(stats []RangeStats, _ MemoryState) []PlannedTask {
	candidates := make([]RangeStats, 0, len(stats))
	for _, s := range stats {
		if s.EarliestCachedRevision == 0 || s.Data.Guarded {
			continue
		}
		candidates = append(candidates, s)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].EarliestCachedRevision < candidates[j].EarliestCachedRevision
	})
	out := make([]PlannedTask, 0, len(candidates))
	for i, s := range candidates {
		out = append(out, PlannedTask{
			Range:    s.Range,
			Flags:    FlagCompactMinor,
			Priority: float64(i),
		})
	}
	return out
}

// LowMemoryPrioritizer ranks ranges by the memory a purge or compaction
// would release, smoothing each range's releasable-memory figure with a
// moving average before ranking so a single noisy cycle doesn't dominate
// the plan, and stops once MemoryState.Needed bytes are accounted for.
type LowMemoryPrioritizer struct {
	mu      sync.Mutex
	growth  map[*rangekeyspace.Range]*movingaverage.MovingAverage
	window  int
}

// NewLowMemoryPrioritizer returns a prioritizer smoothing each range's
// memory figure over the last window cycles (the teacher's hammer package
// uses the same movingaverage.New(30) shape for throughput smoothing).
func NewLowMemoryPrioritizer(window int) *LowMemoryPrioritizer {
	if window <= 0 {
		window = 10
	}
	return &LowMemoryPrioritizer{growth: map[*rangekeyspace.Range]*movingaverage.MovingAverage{}, window: window}
}

func (p *LowMemoryPrioritizer) smoothed(r *rangekeyspace.Range, mem int64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ma, ok := p.growth[r]
	if !ok {
		ma = movingaverage.New(p.window)
		p.growth[r] = ma
	}
	ma.Add(float64(mem))
	return ma.Avg()
}

func (p *LowMemoryPrioritizer) Prioritize(stats []RangeStats, mem MemoryState) []PlannedTask {
	type ranked struct {
		stats     RangeStats
		releasable int64
		smoothed  float64
	}
	candidates := make([]ranked, 0, len(stats))
	for _, s := range stats {
		if s.Data.Guarded {
			continue
		}
		releasable := s.Data.CellCacheMem + s.Data.ShadowCacheMem + s.Data.BlockIndexMem + s.Data.CompactableMem
		if releasable <= 0 {
			continue
		}
		candidates = append(candidates, ranked{
			stats:      s,
			releasable: releasable,
			smoothed:   p.smoothed(s.Range, releasable),
		})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].smoothed > candidates[j].smoothed })

	out := make([]PlannedTask, 0, len(candidates))
	var freed int64
	for i, c := range candidates {
		flags := FlagMemoryPurge
		if c.stats.Data.CompactableMem > c.stats.Data.CellCacheMem+c.stats.Data.ShadowCacheMem {
			flags = FlagCompactMajor
		}
		out = append(out, PlannedTask{Range: c.stats.Range, Flags: flags, Priority: float64(i)})
		freed += c.releasable
		if mem.Needed > 0 && freed >= mem.Needed {
			break
		}
	}
	return out
}
