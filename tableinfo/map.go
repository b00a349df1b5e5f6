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

package tableinfo

import (
	"fmt"
	"sync"
)

// Map is the server-global registry of TableInfo containers, keyed by table
// id (not generation — a schema change replaces the Schema a Range was
// opened with, it doesn't create a second live TableInfo for the same
// table).
type Map struct {
	mu     sync.Mutex
	tables map[string]*TableInfo
}

// NewMap returns an empty registry.
func NewMap() *Map {
	return &Map{tables: map[string]*TableInfo{}}
}

// Get returns the TableInfo for id, if one is registered.
func (m *Map) Get(id string) (*TableInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ti, ok := m.tables[id]
	return ti, ok
}

// IDs returns every currently registered table id, in no particular order.
func (m *Map) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tables))
	for id := range m.tables {
		out = append(out, id)
	}
	return out
}

// Register installs ti under id, replacing any prior entry for the same id.
// Used once per table when its first range is loaded.
func (m *Map) Register(id string, ti *TableInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[id] = ti
}

// Drop removes id's TableInfo entirely, e.g. when a table is deleted.
func (m *Map) Drop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, id)
}

// Len reports how many tables are currently registered.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables)
}

// AtomicMerge merges other's ranges into the live TableInfo for id, linking
// replayLogDir (if non-empty) into each merged range's commit log so
// revisions written during replay are preserved rather than orphaned in a
// log nothing reads from again. Mirrors §4.14's atomic_merge(other,
// replay_log): this is how a range recovered from a replay pass rejoins the
// server's live map without a point where a row is served by neither map.
func (m *Map) AtomicMerge(id string, other *TableInfo, replayLogDir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	live, ok := m.tables[id]
	if !ok {
		m.tables[id] = other
		live = other
	}

	for _, r := range other.Ranges() {
		if live != other {
			if err := live.AddRange(r); err != nil {
				return fmt.Errorf("tableinfo: atomic merge: %w", err)
			}
		}
		if replayLogDir != "" {
			if err := r.LinkReplayLog(replayLogDir); err != nil {
				return fmt.Errorf("tableinfo: atomic merge: link replay log for %s: %w", r.ID(), err)
			}
		}
	}
	return nil
}
