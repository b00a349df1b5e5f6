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

// Package maintenance implements §4.11's MaintenanceQueue, the two
// prioritizer strategies, and the scheduler cycle that drives compaction,
// memory purge, and split work across every range on the server.
package maintenance

import (
	"fmt"
	"time"

	"github.com/wcstore/rangeserver/rangekeyspace"
)

// Flags selects which operation a Task performs.
type Flags uint8

const (
	FlagSplit Flags = 1 << iota
	FlagCompactMinor
	FlagCompactMajor
	FlagMemoryPurge
)

func (f Flags) String() string {
	switch {
	case f&FlagSplit != 0:
		return "SPLIT"
	case f&FlagCompactMajor != 0:
		return "COMPACT_MAJOR"
	case f&FlagCompactMinor != 0:
		return "COMPACT_MINOR"
	case f&FlagMemoryPurge != 0:
		return "MEMORY_PURGE"
	default:
		return "NONE"
	}
}

// Task is one unit of maintenance work queued against a range.
type Task struct {
	Range     *rangekeyspace.Range
	Flags     Flags
	Priority  float64
	StartTime time.Time

	heapIndex int
}

func (t *Task) String() string {
	return fmt.Sprintf("Task{range=%s flags=%s priority=%.3f start=%s}", t.Range.ID(), t.Flags, t.Priority, t.StartTime.Format(time.RFC3339Nano))
}
