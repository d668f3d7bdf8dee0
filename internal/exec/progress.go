package exec

import (
	"sync"
	"sync/atomic"
)

// Progress is a single worker's progress counter, published to whoever
// polls it. Only the worker that owns a task ever writes to its Counter;
// readers (the UI poll loop) only load, matching the "each worker publishes
// its own counter, nothing else touches it" model.
type Progress struct {
	FileName   string
	TotalBytes int64
	downloaded atomic.Int64
}

func NewProgress(fileName string, totalBytes int64) *Progress {
	return &Progress{FileName: fileName, TotalBytes: totalBytes}
}

// Add records n more bytes processed; only the owning worker calls this.
func (p *Progress) Add(n int64) {
	p.downloaded.Add(n)
}

// Downloaded returns the current count; safe to call from any goroutine.
func (p *Progress) Downloaded() int64 {
	return p.downloaded.Load()
}

// Tracker aggregates one Progress per in-flight task for polling. Entries
// are added/removed by the scheduler as tasks start and finish; a UI poll
// loop only ever reads.
type Tracker struct {
	mu    sync.RWMutex
	tasks map[string]*Progress
}

func NewTracker() *Tracker {
	return &Tracker{tasks: make(map[string]*Progress)}
}

func (t *Tracker) Start(name string, totalBytes int64) *Progress {
	p := NewProgress(name, totalBytes)
	t.mu.Lock()
	t.tasks[name] = p
	t.mu.Unlock()
	return p
}

func (t *Tracker) Finish(name string) {
	t.mu.Lock()
	delete(t.tasks, name)
	t.mu.Unlock()
}

// Snapshot returns a copy of the current set of in-flight progress
// counters, safe to read without racing the workers that own them.
func (t *Tracker) Snapshot() []*Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Progress, 0, len(t.tasks))
	for _, p := range t.tasks {
		out = append(out, p)
	}
	return out
}
