package exec

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/YuehaiTeam/kachina-installer/internal/hashalgo"
	"github.com/YuehaiTeam/kachina-installer/internal/kerrors"
	"github.com/YuehaiTeam/kachina-installer/internal/manifest"
	"github.com/YuehaiTeam/kachina-installer/internal/plan"
	"github.com/YuehaiTeam/kachina-installer/internal/plan/mode"
)

func newTask(name string, size uint64, m mode.InstallMode) *plan.Task {
	return &plan.Task{
		Target: manifest.HashedFile{FileName: name, Size: size},
		Mode:   m,
	}
}

func TestThresholdPicksTopPortionOfSizes(t *testing.T) {
	tasks := []*plan.Task{
		newTask("a", 1000, mode.Direct),
		newTask("b", 900, mode.Direct),
		newTask("c", 800, mode.Direct),
		newTask("d", 10, mode.Direct),
		newTask("e", 5, mode.Direct),
	}
	// 5 tasks -> n = max(2, int(5*0.3)) = 2, so threshold is 80% of the
	// 2nd largest task's size (900).
	got := Threshold(tasks)
	want := int64(float64(900) * 0.8)
	if got != want {
		t.Errorf("Threshold: got %d, want %d", got, want)
	}
}

func TestThresholdEmpty(t *testing.T) {
	if got := Threshold(nil); got != 0 {
		t.Errorf("Threshold(nil) = %d, want 0", got)
	}
}

func TestThresholdClampsNBetween2And4(t *testing.T) {
	// A single task still needs an n-1 index into the sorted slice; n is
	// clamped up to 2 but then down to len(sorted).
	tasks := []*plan.Task{newTask("only", 500, mode.Direct)}
	got := Threshold(tasks)
	want := int64(float64(500) * 0.8)
	if got != want {
		t.Errorf("Threshold single task: got %d, want %d", got, want)
	}
}

func TestSchedulerRunsEveryTaskExactlyOnce(t *testing.T) {
	tasks := []*plan.Task{
		newTask("big1", 10_000_000, mode.Direct),
		newTask("big2", 9_000_000, mode.Direct),
		newTask("small1", 100, mode.Direct),
		newTask("small2", 200, mode.Direct),
		newTask("local1", 50, mode.Local),
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	run := func(ctx context.Context, tk *plan.Task) error {
		mu.Lock()
		seen[tk.Target.FileName]++
		mu.Unlock()
		return nil
	}

	sched := NewScheduler(run)
	localMode := func(tk *plan.Task) bool { return tk.Mode == mode.Local }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sched.Run(ctx, tasks, localMode); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(seen) != len(tasks) {
		t.Fatalf("ran %d distinct tasks, want %d", len(seen), len(tasks))
	}
	for _, tk := range tasks {
		if seen[tk.Target.FileName] != 1 {
			t.Errorf("task %q ran %d times, want 1", tk.Target.FileName, seen[tk.Target.FileName])
		}
		if tk.State() != plan.Succeeded {
			t.Errorf("task %q state: got %v, want Succeeded", tk.Target.FileName, tk.State())
		}
	}
}

func TestSchedulerPropagatesTaskError(t *testing.T) {
	tasks := []*plan.Task{
		newTask("ok", 100, mode.Direct),
		newTask("bad", 200, mode.Direct),
	}

	boom := errFake("task failed")
	run := func(ctx context.Context, tk *plan.Task) error {
		if tk.Target.FileName == "bad" {
			return boom
		}
		<-ctx.Done()
		return ctx.Err()
	}

	sched := NewScheduler(run)
	localMode := func(tk *plan.Task) bool { return false }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := sched.Run(ctx, tasks, localMode)
	if err == nil {
		t.Fatal("expected Run to return an error when a task fails")
	}
}

type errFake string

func (e errFake) Error() string { return string(e) }

func TestSchedulerFailsFastOnUnwritableTask(t *testing.T) {
	ok := newTask("ok", 100, mode.Direct)
	locked := newTask("locked", 200, mode.Direct)
	locked.Unwritable = true

	var ran int32
	run := func(ctx context.Context, tk *plan.Task) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}

	sched := NewScheduler(run)
	localMode := func(tk *plan.Task) bool { return false }

	err := sched.Run(context.Background(), []*plan.Task{ok, locked}, localMode)
	if err == nil {
		t.Fatal("expected Run to fail fast when a task is Unwritable")
	}
	if kerrors.Classify(err) != kerrors.CategoryFilesystem {
		t.Errorf("error category: got %v, want CategoryFilesystem", kerrors.Classify(err))
	}
	if ran != 0 {
		t.Errorf("expected no task to run once an Unwritable task is present, got %d", ran)
	}
}

func TestSchedulerRetriesAndNarrowsModeOnRetriableFailure(t *testing.T) {
	// Local fails once; narrowing drops Local on the first retry. With no
	// LocalPatchSource, HybridPatch isn't reachable either, so the task
	// falls all the way to Patch (it has both Patch and LocalHash set).
	tk := newTask("patched.bin", 100, mode.Local)
	tk.Patch = &manifest.PatchRecord{}
	localHash := hashalgo.Compute(hashalgo.AlgoMD5, []byte("local"))
	tk.LocalHash = &localHash

	var attempts int32
	run := func(ctx context.Context, t *plan.Task) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			return kerrors.FilesystemErrorf(errFake("locked"), "write %s", t.Target.FileName)
		}
		return nil
	}

	sched := NewScheduler(run)
	localMode := func(t *plan.Task) bool { return false }

	if err := sched.Run(context.Background(), []*plan.Task{tk}, localMode); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts: got %d, want 2", attempts)
	}
	if tk.Mode != mode.Patch {
		t.Errorf("mode after retry: got %v, want Patch (Local narrowed away, HybridPatch unreachable)", tk.Mode)
	}
}
