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

// WorkerPool dispatches queued tasks to a fixed number of worker
// goroutines, grounded on the teacher's hammer/workerpool.go Grow/Shrink
// shape but collapsed to a fixed-size pool driven by errgroup, the same
// worker-pool primitive migrate.go's copier.Copy uses.
package maintenance

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Runner executes one task's work (compact, purge, or split) and reports
// whether it succeeded.
type Runner func(ctx context.Context, t *Task) error

// retryDelay is how far a failed, non-memory-purge task's start time is
// pushed out before it's eligible to run again.
const retryDelay = 30 * time.Second

// WorkerPool runs n workers pulling tasks off a Queue and executing them
// via run.
type WorkerPool struct {
	n     int
	queue *Queue
	run   Runner
}

// NewWorkerPool returns a pool of n workers draining queue via run.
func NewWorkerPool(n int, queue *Queue, run Runner) *WorkerPool {
	return &WorkerPool{n: n, queue: queue, run: run}
}

// Run blocks until ctx is done, running all n workers concurrently.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.n; i++ {
		g.Go(func() error { return p.worker(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (p *WorkerPool) worker(ctx context.Context) error {
	for {
		t, err := p.queue.Pop(ctx)
		if err != nil {
			return err
		}
		if runErr := p.run(ctx, t); runErr != nil {
			if t.Flags&FlagMemoryPurge != 0 {
				klog.Warningf("maintenance: dropping failed memory-purge task for %s: %v", t.Range.ID(), runErr)
				p.queue.Complete(t)
				continue
			}
			klog.Warningf("maintenance: task for %s failed, requeueing in %s: %v", t.Range.ID(), retryDelay, runErr)
			if rqErr := p.queue.Requeue(t, retryDelay); rqErr != nil {
				klog.Warningf("maintenance: requeue %s: %v", t.Range.ID(), rqErr)
				p.queue.Complete(t)
			}
			continue
		}
		p.queue.Complete(t)
	}
}
