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

	"github.com/wcstore/rangeserver/rangekeyspace"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenLedger(t.TempDir())
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedgerRecordAndPendingSplits(t *testing.T) {
	l := openTestLedger(t)

	if err := l.RecordState("range-a", rangekeyspace.SplitLogInstalled); err != nil {
		t.Fatalf("RecordState: %v", err)
	}
	if err := l.RecordState("range-b", rangekeyspace.SplitShrunk); err != nil {
		t.Fatalf("RecordState: %v", err)
	}
	if err := l.RecordState("range-c", rangekeyspace.Active); err != nil {
		t.Fatalf("RecordState: %v", err)
	}

	pending, err := l.PendingSplits()
	if err != nil {
		t.Fatalf("PendingSplits: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("len(pending) = %d, want 2 (ACTIVE range excluded)", len(pending))
	}
	if pending["range-a"] != rangekeyspace.SplitLogInstalled {
		t.Errorf("range-a state = %v, want SplitLogInstalled", pending["range-a"])
	}
	if pending["range-b"] != rangekeyspace.SplitShrunk {
		t.Errorf("range-b state = %v, want SplitShrunk", pending["range-b"])
	}
}

func TestLedgerForgetRemovesEntry(t *testing.T) {
	l := openTestLedger(t)

	if err := l.RecordState("range-a", rangekeyspace.SplitLogInstalled); err != nil {
		t.Fatalf("RecordState: %v", err)
	}
	if err := l.Forget("range-a"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	// Forgetting an already-absent key must not error.
	if err := l.Forget("range-a"); err != nil {
		t.Fatalf("Forget (idempotent): %v", err)
	}

	pending, err := l.PendingSplits()
	if err != nil {
		t.Fatalf("PendingSplits: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("len(pending) = %d, want 0 after Forget", len(pending))
	}
}
