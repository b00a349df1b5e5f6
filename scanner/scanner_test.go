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

package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/wcstore/rangeserver/key"
)

type sliceScanner struct {
	cells []key.Cell
	i     int
}

func (s *sliceScanner) Next() (key.Cell, bool) {
	if s.i >= len(s.cells) {
		return key.Cell{}, false
	}
	c := s.cells[s.i]
	s.i++
	return c, true
}

func (s *sliceScanner) Close() {}

func cellForRow(row string) key.Cell {
	return key.Cell{Key: key.Key{Row: []byte(row)}}
}

func TestCacheCreateAndFetchDrainsToEOS(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewCache(ctx, time.Minute)

	cells := make([]key.Cell, 0, BlockSize+10)
	for i := 0; i < BlockSize+10; i++ {
		cells = append(cells, cellForRow(string(rune('a'+i%26))))
	}
	id, first := c.Create(&sliceScanner{cells: cells})
	if len(first.Cells) != BlockSize {
		t.Fatalf("first block len = %d, want %d", len(first.Cells), BlockSize)
	}
	if first.EOS {
		t.Fatalf("first block should not be EOS")
	}
	if c.Len() != 1 {
		t.Fatalf("cache len = %d, want 1", c.Len())
	}

	second, err := c.FetchScanBlock(id)
	if err != nil {
		t.Fatalf("FetchScanBlock: %v", err)
	}
	if len(second.Cells) != 10 || !second.EOS {
		t.Fatalf("second block = %d cells, eos=%v; want 10 cells, eos=true", len(second.Cells), second.EOS)
	}
	if c.Len() != 0 {
		t.Fatalf("cache should have evicted the EOS'd scanner, len = %d", c.Len())
	}

	if _, err := c.FetchScanBlock(id); err == nil {
		t.Fatalf("fetching a destroyed scanner should error")
	}
}

func TestCacheDestroyScanner(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewCache(ctx, time.Minute)

	id, _ := c.Create(&sliceScanner{cells: make([]key.Cell, BlockSize+1)})
	if err := c.DestroyScanner(id); err != nil {
		t.Fatalf("DestroyScanner: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("cache len = %d, want 0 after destroy", c.Len())
	}
	// destroying twice is not an error
	if err := c.DestroyScanner(id); err != nil {
		t.Fatalf("second DestroyScanner: %v", err)
	}
}

func TestCacheSweepEvictsIdleScanner(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewCache(ctx, 10*time.Millisecond)

	id, _ := c.Create(&sliceScanner{cells: make([]key.Cell, BlockSize+1)})
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.Len() == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if c.Len() != 0 {
		t.Fatalf("scanner %d was not evicted after TTL", id)
	}
}
