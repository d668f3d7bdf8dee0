// Package exec runs a plan's tasks across three bounded-concurrency
// queues. The queue shape follows packerUploader's pattern: a fixed pool
// of errgroup-managed workers draining a shared channel, down to the same
// select{queue, ctx.Done()} loop. Each task gets up to three attempts,
// narrowing its install mode and backing off exponentially between
// retries before a failure is treated as terminal.
package exec

import (
	"context"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/YuehaiTeam/kachina-installer/internal/kerrors"
	"github.com/YuehaiTeam/kachina-installer/internal/plan"
	"github.com/YuehaiTeam/kachina-installer/internal/plan/mode"
)

// Queue names the three scheduling classes.
type Queue int

const (
	QueueLarge Queue = iota
	QueueSmall
	QueueLocal
)

const (
	largeSlots = 4
	smallSlots = 6
	localSlots = 16
)

// maxAttempts bounds how many times a single task is retried before its
// failure is treated as terminal and aborts the run.
const maxAttempts = 3

// errLocked backs the fail-fast check for tasks the planner already found
// unwritable: surfacing it before any worker runs means a locked file
// aborts the run before touching anything else, rather than partway
// through after other tasks already wrote their targets.
var errLocked = errors.New("target path is locked or not writable")

// RunFunc executes one task; errors abort the whole run via errgroup.
type RunFunc func(ctx context.Context, t *plan.Task) error

// Scheduler dispatches tasks into three bounded worker pools.
type Scheduler struct {
	large chan *plan.Task
	small chan *plan.Task
	local chan *plan.Task
	run   RunFunc
}

// NewScheduler returns a scheduler whose run func decides how to fetch and
// write each task's bytes; the scheduler itself only decides concurrency.
func NewScheduler(run RunFunc) *Scheduler {
	return &Scheduler{
		large: make(chan *plan.Task),
		small: make(chan *plan.Task),
		local: make(chan *plan.Task),
		run:   run,
	}
}

// Threshold computes the large/small size boundary: 80% of the size of the
// N-th largest task, where N = min(4, max(2, files*0.3)), keeping 2-4 tasks
// in the large queue regardless of how skewed the size distribution is.
func Threshold(tasks []*plan.Task) int64 {
	if len(tasks) == 0 {
		return 0
	}
	sorted := make([]*plan.Task, len(tasks))
	copy(sorted, tasks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Target.Size > sorted[j].Target.Size })

	n := int(float64(len(sorted)) * 0.3)
	if n < 2 {
		n = 2
	}
	if n > 4 {
		n = 4
	}
	if n > len(sorted) {
		n = len(sorted)
	}
	nth := sorted[n-1].Target.Size
	return int64(float64(nth) * 0.8)
}

// classify assigns a task to large/small/local based on its install mode
// (local-mode tasks never touch the network) and the size threshold.
func classify(t *plan.Task, threshold int64, localMode func(*plan.Task) bool) Queue {
	if localMode(t) {
		return QueueLocal
	}
	if int64(t.Target.Size) >= threshold {
		return QueueLarge
	}
	return QueueSmall
}

// Run starts the three worker pools and feeds tasks into them, returning
// once every task has been dispatched to a worker and every worker has
// finished (or one returned an error, in which case ctx is cancelled and
// Run returns that error once all workers unwind).
func (s *Scheduler) Run(ctx context.Context, tasks []*plan.Task, localMode func(*plan.Task) bool) error {
	for _, t := range tasks {
		if t.Unwritable {
			return kerrors.FilesystemErrorf(errLocked, "target for %s", t.Target.FileName)
		}
	}

	threshold := Threshold(tasks)

	g, ctx := errgroup.WithContext(ctx)
	s.startWorkers(g, ctx, s.large, largeSlots)
	s.startWorkers(g, ctx, s.small, smallSlots)
	s.startWorkers(g, ctx, s.local, localSlots)

	g.Go(func() error {
		defer close(s.large)
		defer close(s.small)
		defer close(s.local)
		for _, t := range tasks {
			var target chan *plan.Task
			switch classify(t, threshold, localMode) {
			case QueueLarge:
				target = s.large
			case QueueLocal:
				target = s.local
			default:
				target = s.small
			}
			select {
			case target <- t:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	return g.Wait()
}

func (s *Scheduler) startWorkers(g *errgroup.Group, ctx context.Context, queue chan *plan.Task, n int) {
	for i := 0; i < n; i++ {
		g.Go(func() error {
			for {
				select {
				case t, ok := <-queue:
					if !ok {
						return nil
					}
					t.SetState(plan.Running)
					if err := s.runWithRetry(ctx, t); err != nil {
						t.SetState(plan.Failed)
						return err
					}
					t.SetState(plan.Succeeded)
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}
}

// runWithRetry attempts t up to maxAttempts times. A failure that
// kerrors.Classify marks non-retriable (bad data, not a transient
// condition) fails immediately; a retriable one narrows the task's
// allowed install modes one notch further (dropping Local first, then
// Patch and HybridPatch, forcing Direct on the last attempt) and backs
// off exponentially before trying again.
func (s *Scheduler) runWithRetry(ctx context.Context, t *plan.Task) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if !kerrors.Classify(err).Retriable() {
				return err
			}
			t.Mode = plan.NarrowMode(t, mode.Narrow(attempt))
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = s.run(ctx, t); err == nil {
			return nil
		}
	}
	return err
}
