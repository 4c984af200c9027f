// Package progress tracks in-memory progress for one running task and
// writes it through to the task row at a bounded rate. There is one
// reporter per task; fan-out jobs funnel their advances through it.
package progress

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"picavault/internal/storage"
)

// writeInterval is the minimum spacing between row writes for plain
// advances. Total and message changes bypass the limit.
const writeInterval = 500 * time.Millisecond

// Reporter is the single serialized writer for one task row.
type Reporter struct {
	mu       sync.Mutex
	store    *storage.Storage
	log      *slog.Logger
	taskID   string
	progress int
	total    int
	message  string
	limiter  *rate.Limiter
}

func NewReporter(store *storage.Storage, log *slog.Logger, taskID string) *Reporter {
	return &Reporter{
		store:   store,
		log:     log,
		taskID:  taskID,
		limiter: rate.NewLimiter(rate.Every(writeInterval), 1),
	}
}

// Seed primes the in-memory counters from a persisted row without
// writing. A resumed task starts from what the previous attempt
// recorded, so the first write-through can never lower the row.
func (r *Reporter) Seed(progress, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if progress > r.progress {
		r.progress = progress
	}
	if total > r.total {
		r.total = total
	}
}

// SetTotal sets the work-unit total and forces an immediate write.
func (r *Reporter) SetTotal(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n < 0 {
		n = 0
	}
	r.total = n
	r.flushLocked()
}

// Advance raises progress by delta. Row writes are rate limited so
// fan-out traffic does not swamp SQLite.
func (r *Reporter) Advance(delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress += delta
	if r.total > 0 && r.progress > r.total {
		r.progress = r.total
	}
	if r.limiter.Allow() {
		r.flushLocked()
	}
}

// EnsureAtLeast monotonically raises progress to v. Used on resume to
// account for files already present in the staging directory.
func (r *Reporter) EnsureAtLeast(v int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v <= r.progress {
		return
	}
	r.progress = v
	if r.total > 0 && r.progress > r.total {
		r.progress = r.total
	}
	r.flushLocked()
}

// SetMessage replaces the short status message and writes immediately.
func (r *Reporter) SetMessage(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.message = s
	r.flushLocked()
}

// Flush forces a write of the current counters. The worker calls this
// once before entering a terminal state so the row is never stale.
func (r *Reporter) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
}

// Progress returns the in-memory progress counter.
func (r *Reporter) Progress() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// Total returns the in-memory total.
func (r *Reporter) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *Reporter) flushLocked() {
	if err := r.store.SetTaskProgress(r.taskID, r.progress, r.total, r.message); err != nil {
		r.log.Warn("progress write failed", "task", r.taskID, "error", err)
	}
}
