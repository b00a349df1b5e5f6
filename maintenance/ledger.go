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

// Ledger persists each range's split state to a local Badger store, so that
// step 5 of the scheduler cycle ("on first invocation after startup,
// reenqueue any ranges whose persisted state is SPLIT_LOG_INSTALLED or
// SPLIT_SHRUNK") survives a server restart. Grounded on the teacher's
// storage/posix/antispam/badger.go, which opens a local Badger instance the
// same way (badger.Open(badger.DefaultOptions(path))) for a different
// crash-recoverable local index.
package maintenance

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/wcstore/rangeserver/rangekeyspace"
)

// Ledger records the last known split-state of every range by its stable
// ID, so the scheduler can resume in-flight splits after a crash.
type Ledger struct {
	db *badger.DB
}

// OpenLedger opens (or creates) a Badger store at path.
func OpenLedger(path string) (*Ledger, error) {
	db, err := badger.Open(badger.DefaultOptions(path))
	if err != nil {
		return nil, fmt.Errorf("maintenance: open ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// RecordState persists rangeID's current split state.
func (l *Ledger) RecordState(rangeID string, state rangekeyspace.State) error {
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(rangeID), []byte{byte(state)})
	})
}

// Forget removes rangeID's entry, once its split has fully completed and
// settled back to ACTIVE.
func (l *Ledger) Forget(rangeID string) error {
	return l.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(rangeID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// PendingSplits returns every recorded range ID whose last known state was
// SPLIT_LOG_INSTALLED or SPLIT_SHRUNK — a split that didn't reach ACTIVE
// before the process exited.
func (l *Ledger) PendingSplits() (map[string]rangekeyspace.State, error) {
	out := map[string]rangekeyspace.State{}
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var state rangekeyspace.State
			if err := item.Value(func(v []byte) error {
				if len(v) != 1 {
					return fmt.Errorf("maintenance: ledger: malformed state for %s", item.Key())
				}
				state = rangekeyspace.State(v[0])
				return nil
			}); err != nil {
				return err
			}
			if state == rangekeyspace.SplitLogInstalled || state == rangekeyspace.SplitShrunk {
				out[string(item.KeyCopy(nil))] = state
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("maintenance: ledger: scan: %w", err)
	}
	return out, nil
}

// Close flushes and closes the underlying Badger store.
func (l *Ledger) Close() error {
	return l.db.Close()
}
