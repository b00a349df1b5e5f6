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
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/wcstore/rangeserver/key"
	"github.com/wcstore/rangeserver/metalog"
)

const catalogEntryType uint32 = 1

// CatalogEntry is everything needed to reopen one range: which table it
// belongs to, the schema generation it was opened under, its boundary, and
// the on-disk directory holding its commit log and access groups.
type CatalogEntry struct {
	TableID    string
	Generation uint64
	Schema     key.Schema
	Start      []byte
	End        []byte
	Dir        string
}

func catalogID(tableID string, end []byte) uint64 {
	h := fnv.New64a()
	h.Write([]byte(tableID))
	h.Write([]byte{0})
	h.Write(end)
	return h.Sum64()
}

// Catalog is the local stand-in for the boundary information a real
// deployment gets from METADATA via the Master (out of scope per §1):
// each live range's table, schema and boundary, persisted as a metalog
// entry so a restarted server can rebuild its Map without a Master to ask.
// A future RPC front-end that implements range creation/assignment is the
// natural caller of Put/Remove; today only server startup reads it back.
type Catalog struct {
	log *metalog.Log
}

// OpenCatalog opens (or creates) the catalog journal rooted at dir.
func OpenCatalog(dir string) (*Catalog, error) {
	log, err := metalog.Open(dir, "tableinfo-catalog")
	if err != nil {
		return nil, fmt.Errorf("tableinfo: open catalog: %w", err)
	}
	return &Catalog{log: log}, nil
}

// Put records e, replacing any existing entry for the same (table, end row).
func (c *Catalog) Put(ts uint64, e CatalogEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("tableinfo: marshal catalog entry: %w", err)
	}
	id := catalogID(e.TableID, e.End)
	return c.log.Append(metalog.Entry{Type: catalogEntryType, ID: id, Timestamp: ts, Payload: payload})
}

// Remove drops the catalog entry for (tableID, end), e.g. once a split has
// replaced it with two narrower entries.
func (c *Catalog) Remove(ts uint64, tableID string, end []byte) error {
	return c.log.Remove(catalogID(tableID, end), catalogEntryType, ts)
}

// List returns every currently live catalog entry, in no particular order.
func (c *Catalog) List() ([]CatalogEntry, error) {
	snap := c.log.Snapshot()
	out := make([]CatalogEntry, 0, len(snap))
	for _, raw := range snap {
		var e CatalogEntry
		if err := json.Unmarshal(raw.Payload, &e); err != nil {
			return nil, fmt.Errorf("tableinfo: unmarshal catalog entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Close flushes and closes the underlying metalog.
func (c *Catalog) Close() error {
	return c.log.Close()
}
