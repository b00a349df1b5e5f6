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

package rangekeyspace

import (
	"errors"
	"sync"
)

// Barrier is the counting barrier described in §5: any number of holders may
// be inside at once (Enter/Leave); a maintenance task that needs exclusive
// access calls PutUp, which blocks new entrants and waits for the current
// holders to drain, then TakeDown to resume admitting holders.
type Barrier struct {
	mu     sync.Mutex
	cond   *sync.Cond
	count  int
	raised bool
}

// NewBarrier returns a barrier with no holders and not raised.
func NewBarrier() *Barrier {
	b := &Barrier{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Enter blocks while the barrier is raised, then registers one holder.
func (b *Barrier) Enter() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.raised {
		b.cond.Wait()
	}
	b.count++
}

// Leave releases one holder.
func (b *Barrier) Leave() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count--
	if b.count == 0 {
		b.cond.Broadcast()
	}
}

// PutUp raises the barrier, blocking new Enter calls, and waits for every
// current holder to Leave before returning.
func (b *Barrier) PutUp() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.raised = true
	for b.count > 0 {
		b.cond.Wait()
	}
}

// TakeDown lowers the barrier, unblocking any Enter calls waiting on it.
func (b *Barrier) TakeDown() {
	b.mu.Lock()
	b.raised = false
	b.mu.Unlock()
	b.cond.Broadcast()
}

// ErrRangeBusy is returned by MaintenanceGuard.Activate when another
// maintenance task already holds the guard.
var ErrRangeBusy = errors.New("rangekeyspace: range busy")

// MaintenanceGuard is the single-entry latch described in §5: at most one
// maintenance task (split, compact, purge) may run against a range at a
// time.
type MaintenanceGuard struct {
	mu         sync.Mutex
	inProgress bool
}

// Activator releases a MaintenanceGuard exactly once, on every exit path of
// the task that acquired it.
type Activator struct {
	g    *MaintenanceGuard
	done bool
}

// Activate acquires the guard, or returns ErrRangeBusy if it is already
// held.
func (g *MaintenanceGuard) Activate() (*Activator, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inProgress {
		return nil, ErrRangeBusy
	}
	g.inProgress = true
	return &Activator{g: g}, nil
}

// InProgress reports whether the guard is currently held.
func (g *MaintenanceGuard) InProgress() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inProgress
}

// Release clears the guard. Safe to call more than once; only the first
// call has an effect.
func (a *Activator) Release() {
	if a.done {
		return
	}
	a.done = true
	a.g.mu.Lock()
	a.g.inProgress = false
	a.g.mu.Unlock()
}
