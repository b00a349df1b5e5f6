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

func TestFlagsStringPriorityOrder(t *testing.T) {
	cases := []struct {
		flags Flags
		want  string
	}{
		{FlagSplit | FlagCompactMajor, "SPLIT"},
		{FlagCompactMajor | FlagCompactMinor, "COMPACT_MAJOR"},
		{FlagCompactMinor | FlagMemoryPurge, "COMPACT_MINOR"},
		{FlagMemoryPurge, "MEMORY_PURGE"},
		{0, "NONE"},
	}
	for _, c := range cases {
		if got := c.flags.String(); got != c.want {
			t.Errorf("Flags(%d).String() = %q, want %q", c.flags, got, c.want)
		}
	}
}

func TestTaskStringIncludesRangeID(t *testing.T) {
	r := newTestRange()
	task := &Task{Range: r, Flags: FlagCompactMinor, StartTime: time.Now()}
	s := task.String()
	if s == "" {
		t.Fatalf("Task.String() returned empty string")
	}
}
