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
	"testing"
	"time"

	"github.com/wcstore/rangeserver/rangekeyspace"
)

func TestQueueEnqueueRejectsDuplicate(t *testing.T) {
	q := NewQueue()
	r := newTestRange()
	t1 := &Task{Range: r, StartTime: time.Now()}
	if err := q.Enqueue(t1); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	t2 := &Task{Range: r, StartTime: time.Now()}
	if err := q.Enqueue(t2); err != ErrAlreadyQueued {
		t.Fatalf("second enqueue: got %v, want ErrAlreadyQueued", err)
	}
}

func TestQueuePopOrdersByStartTime(t *testing.T) {
	q := NewQueue()
	now := time.Now()
	rLate := newTestRange()
	rEarly := newTestRange()
	if err := q.Enqueue(&Task{Range: rLate, StartTime: now.Add(50 * time.Millisecond)}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(&Task{Range: rEarly, StartTime: now}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if first.Range != rEarly {
		t.Fatalf("popped wrong task first")
	}
	q.Complete(first)

	second, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if second.Range != rLate {
		t.Fatalf("popped wrong task second")
	}
}

func TestQueuePauseBlocksPop(t *testing.T) {
	q := NewQueue()
	q.Pause()
	r := newTestRange()
	if err := q.Enqueue(&Task{Range: r, StartTime: time.Now()}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); err == nil {
		t.Fatalf("Pop should have blocked while paused")
	}

	q.Resume()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if _, err := q.Pop(ctx2); err != nil {
		t.Fatalf("Pop after resume: %v", err)
	}
}

func TestQueueRequeueDelaysStartTime(t *testing.T) {
	q := NewQueue()
	r := newTestRange()
	task := &Task{Range: r, StartTime: time.Now()}
	if err := q.Enqueue(task); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	popped, err := q.Pop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	orig := popped.StartTime
	if err := q.Requeue(popped, 100*time.Millisecond); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if d := popped.StartTime.Sub(orig); d < 100*time.Millisecond {
		t.Fatalf("start time moved by %s, want at least 100ms", d)
	}
	if !q.InQueue(r) {
		t.Fatalf("range should still be in queue after requeue")
	}
	if q.Len() != 1 {
		t.Fatalf("queue len = %d, want 1", q.Len())
	}
}
