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

package key

import (
	"fmt"
	"time"
)

// ColumnFamily describes one column family: its stable integer id, the
// access group that stores it, and its retention policy.
type ColumnFamily struct {
	ID          uint8
	Name        string
	AccessGroup string
	MaxVersions int
	TTL         time.Duration
	Counter     bool
}

// AccessGroupSpec describes one access group's options as declared by the
// schema; the runtime accessgroup package builds a live AccessGroup from one
// of these.
type AccessGroupSpec struct {
	Name            string
	InMemory        bool
	BlockSize       int
	ReplicaBlooms   bool
	CommitInterval  time.Duration
}

// Schema is the full table definition: name, a monotonically increasing
// generation, and the set of access groups/column families that partition
// its cells.
type Schema struct {
	TableName    string
	Generation   uint64
	AccessGroups []AccessGroupSpec
	Families     []ColumnFamily
}

// Validate checks the invariants in §3: family ids are unique, and every
// family names an access group declared in the schema.
func (s Schema) Validate() error {
	seenID := map[uint8]bool{}
	agNames := map[string]bool{}
	for _, ag := range s.AccessGroups {
		agNames[ag.Name] = true
	}
	for _, f := range s.Families {
		if seenID[f.ID] {
			return fmt.Errorf("schema %s: duplicate family id %d", s.TableName, f.ID)
		}
		seenID[f.ID] = true
		if !agNames[f.AccessGroup] {
			return fmt.Errorf("schema %s: family %s references unknown access group %s", s.TableName, f.Name, f.AccessGroup)
		}
	}
	return nil
}

// FamilyByID looks up a column family by its stable id.
func (s Schema) FamilyByID(id uint8) (ColumnFamily, bool) {
	for _, f := range s.Families {
		if f.ID == id {
			return f, true
		}
	}
	return ColumnFamily{}, false
}

// AccessGroupNames returns the declared access group names, in schema order.
func (s Schema) AccessGroupNames() []string {
	names := make([]string, 0, len(s.AccessGroups))
	for _, ag := range s.AccessGroups {
		names = append(names, ag.Name)
	}
	return names
}

// TableIdentifier pairs a table id with the schema generation at which an
// operation was issued, matching the commit log's block-level table tag
// described in §4.4 and §6.
type TableIdentifier struct {
	ID         string
	Generation uint64
}

func (t TableIdentifier) String() string {
	return fmt.Sprintf("%s/%d", t.ID, t.Generation)
}
