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
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wcstore/rangeserver/rangekeyspace"
)

// ErrAlreadyQueued is returned by Enqueue for a range that is already
// pending or in progress — a range is "in the queue" if either set
// contains it, per §4.11.
var ErrAlreadyQueued = errors.New("maintenance: range already queued")

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if !h[i].StartTime.Equal(h[j].StartTime) {
		return h[i].StartTime.Before(h[j].StartTime)
	}
	return h[i].Priority < h[j].Priority
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex, h[j].heapIndex = i, j
}
func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}

// Queue is the priority queue of pending maintenance tasks described in
// §4.11: workers wake at the earliest start time, a pause counter can halt
// dispatch entirely, and two sets track which ranges are pending versus
// in-progress so a range is never queued twice.
//
// Go has no condition variable with a deadline, so where the original
// blocks a worker thread on a CV and a timer, this uses a buffered wake
// channel a worker selects on alongside a timer for the earliest start
// time — the same wake-on-earliest-deadline behavior, expressed with
// channels instead of a CV.
type Queue struct {
	mu         sync.Mutex
	h          taskHeap
	pending    map[*rangekeyspace.Range]*Task
	inProgress map[*rangekeyspace.Range]*Task
	paused     int
	wake       chan struct{}
}

// NewQueue returns an empty, unpaused queue.
func NewQueue() *Queue {
	return &Queue{
		pending:    map[*rangekeyspace.Range]*Task{},
		inProgress: map[*rangekeyspace.Range]*Task{},
		wake:       make(chan struct{}, 1),
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue adds t, failing if its range is already pending or in progress.
func (q *Queue) Enqueue(t *Task) error {
	q.mu.Lock()
	if _, ok := q.pending[t.Range]; ok {
		q.mu.Unlock()
		return ErrAlreadyQueued
	}
	if _, ok := q.inProgress[t.Range]; ok {
		q.mu.Unlock()
		return ErrAlreadyQueued
	}
	heap.Push(&q.h, t)
	q.pending[t.Range] = t
	q.mu.Unlock()
	q.signal()
	return nil
}

// Pop blocks until paused==0 and a task's start time has arrived, or ctx is
// done. The popped task moves from pending to in-progress.
func (q *Queue) Pop(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if q.paused == 0 && len(q.h) > 0 {
			t := q.h[0]
			wait := time.Until(t.StartTime)
			if wait <= 0 {
				heap.Pop(&q.h)
				delete(q.pending, t.Range)
				q.inProgress[t.Range] = t
				q.mu.Unlock()
				return t, nil
			}
			q.mu.Unlock()
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			case <-q.wake:
				timer.Stop()
			}
			continue
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

// Complete removes t from the in-progress set once its work has finished.
func (q *Queue) Complete(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inProgress, t.Range)
}

// Requeue moves t from in-progress back to pending with its start time
// pushed out by delay, per the retry policy in §6's error propagation
// section (every failed task is re-enqueued with a delay except memory
// purges, which callers should drop instead of requeueing).
func (q *Queue) Requeue(t *Task, delay time.Duration) error {
	q.mu.Lock()
	delete(q.inProgress, t.Range)
	if _, ok := q.pending[t.Range]; ok {
		q.mu.Unlock()
		return ErrAlreadyQueued
	}
	t.StartTime = t.StartTime.Add(delay)
	if t.StartTime.Before(time.Now()) {
		t.StartTime = time.Now().Add(delay)
	}
	heap.Push(&q.h, t)
	q.pending[t.Range] = t
	q.mu.Unlock()
	q.signal()
	return nil
}

// Pause increments the pause counter; while paused, Pop never returns a
// task. Resume decrements it and, once it reaches zero, wakes any blocked
// worker.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused++
	q.mu.Unlock()
}

func (q *Queue) Resume() {
	q.mu.Lock()
	if q.paused > 0 {
		q.paused--
	}
	resumed := q.paused == 0
	q.mu.Unlock()
	if resumed {
		q.signal()
	}
}

// InQueue reports whether r has a pending or in-progress task.
func (q *Queue) InQueue(r *rangekeyspace.Range) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[r]; ok {
		return true
	}
	_, ok := q.inProgress[r]
	return ok
}

// Len reports the number of pending (not yet dispatched) tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}
