// Package engine schedules download tasks: a FIFO of queued ids, a
// bounded set of workers, cooperative pause/cancel through stop
// tokens, and the commit handoff into the library.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"picavault/internal/config"
	"picavault/internal/fetch"
	"picavault/internal/library"
	"picavault/internal/progress"
	"picavault/internal/sources"
	"picavault/internal/stop"
	"picavault/internal/storage"
)

// Sentinel errors the REST layer maps onto status codes.
var (
	ErrAlreadyDownloaded = errors.New("already downloaded")
	ErrTaskExists        = errors.New("task already exists")
	ErrTaskRunning       = errors.New("task is running")
	ErrBadState          = errors.New("operation not allowed in current state")
	ErrUnknownSource     = errors.New("unknown source")
)

// Settings keys for the runtime-mutable policy knobs.
const (
	settingMaxConcurrent  = "policy.maxConcurrent"
	settingFileConcurrent = "policy.fileConcurrent"
)

// DownloadParams is the persisted params blob of a download task.
type DownloadParams struct {
	Eps      []int  `json:"eps,omitempty"`
	Title    string `json:"title,omitempty"`
	CoverURL string `json:"coverUrl,omitempty"`
}

// runState is the in-memory handle for one running task. The client
// is task-scoped so a cancel can tear down its socket pool without
// touching other tasks.
type runState struct {
	tok    *stop.Token
	cancel context.CancelFunc
	client *http.Client
}

// Engine owns the queue, the worker slots and the task lifecycle.
type Engine struct {
	store    *storage.Storage
	lib      *library.Library
	adapters map[string]sources.Adapter
	log      *slog.Logger
	debug    bool

	mu      sync.Mutex
	policy  config.Policy
	queue   *taskQueue
	running map[string]*runState
	wg      sync.WaitGroup
}

func New(store *storage.Storage, lib *library.Library, policy config.Policy, log *slog.Logger, debug bool) *Engine {
	return &Engine{
		store:    store,
		lib:      lib,
		adapters: sources.All(),
		log:      log,
		debug:    debug,
		policy:   policy,
		queue:    newTaskQueue(),
		running:  map[string]*runState{},
	}
}

// Start performs boot recovery and opens the worker slots. It must
// run before the REST listener accepts traffic.
func (e *Engine) Start() error {
	if err := e.loadPersistedPolicy(); err != nil {
		return err
	}
	n, err := e.store.RecoverRunningTasks()
	if err != nil {
		return errors.Wrap(err, "recover running tasks")
	}
	if n > 0 {
		e.log.Warn("marked orphaned running tasks as failed", "count", n)
	}
	queued, err := e.store.TasksByStatus(storage.StatusQueued)
	if err != nil {
		return errors.Wrap(err, "list queued tasks")
	}
	for _, t := range queued {
		e.queue.Push(t.ID)
	}
	if len(queued) > 0 {
		e.log.Info("re-enqueued queued tasks", "count", len(queued))
	}
	e.pump()
	return nil
}

// Shutdown waits for in-flight workers. Rows left running are picked
// up by the next boot's recovery.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CanonicalID resolves (source, target) to the library primary key.
func (e *Engine) CanonicalID(source, target string) (string, error) {
	a, ok := e.adapters[source]
	if !ok {
		return "", ErrUnknownSource
	}
	return a.CanonicalID(target)
}

// CreateDownloadTask validates, persists and enqueues a new task.
func (e *Engine) CreateDownloadTask(source, target string, params DownloadParams) (*storage.Task, error) {
	id, err := e.CanonicalID(source, target)
	if err != nil {
		return nil, err
	}
	exists, err := e.store.ComicExists(id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAlreadyDownloaded
	}
	active, err := e.store.ActiveTaskExists(source, target)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrTaskExists
	}

	blob, _ := json.Marshal(params)
	task := &storage.Task{
		ID:         uuid.NewString(),
		Type:       "download",
		Source:     source,
		Target:     target,
		ParamsJSON: string(blob),
		Status:     storage.StatusQueued,
	}
	if err := e.store.CreateTask(task); err != nil {
		return nil, err
	}
	e.log.Info("task created", "task", task.ID, "source", source, "target", target)
	e.queue.Push(task.ID)
	e.pump()
	return task, nil
}

// pump fills free worker slots from the queue. Re-entered from every
// enqueue and every worker completion.
func (e *Engine) pump() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.running) < e.policy.MaxConcurrent {
		id, ok := e.queue.Pop()
		if !ok {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		rs := &runState{
			tok:    stop.NewToken(),
			cancel: cancel,
			client: fetch.NewClient(),
		}
		e.running[id] = rs
		e.wg.Add(1)
		go func(id string, rs *runState, ctx context.Context) {
			defer e.wg.Done()
			e.runTask(ctx, id, rs)
			e.mu.Lock()
			delete(e.running, id)
			e.mu.Unlock()
			rs.cancel()
			e.pump()
		}(id, rs, ctx)
	}
}

func (e *Engine) runTask(ctx context.Context, id string, rs *runState) {
	task, err := e.store.GetTask(id)
	if err != nil {
		e.log.Error("dequeued task not loadable", "task", id, "error", err)
		return
	}
	if task.Status != storage.StatusQueued {
		return
	}
	// A control op may have landed between dequeue and here.
	if err := rs.tok.Err(); err != nil {
		e.finishStopped(id, err)
		return
	}

	// Boot recovery re-enqueues whatever rows a previous version left
	// behind; a source this build does not know must fail, not panic.
	adapter, ok := e.adapters[task.Source]
	if !ok {
		e.finishFailed(id, errors.Wrapf(ErrUnknownSource, "%s", task.Source))
		return
	}
	canonical, err := adapter.CanonicalID(task.Target)
	if err != nil {
		e.finishFailed(id, err)
		return
	}
	// A competing task may have committed while this one sat queued.
	if exists, err := e.store.ComicExists(canonical); err == nil && exists {
		e.lib.DeleteStaging(id)
		e.store.MarkTaskSucceeded(id, canonical, "already downloaded", task.Total)
		e.log.Info("task skipped, already in library", "task", id, "comic", canonical)
		return
	}

	if err := e.store.SetTaskStatus(id, storage.StatusRunning, ""); err != nil {
		e.log.Error("cannot mark task running", "task", id, "error", err)
		return
	}
	e.log.Info("task started", "task", id, "source", task.Source, "target", task.Target)

	workDir, err := e.lib.EnsureStaging(id)
	if err != nil {
		e.finishFailed(id, err)
		return
	}

	var params DownloadParams
	if task.ParamsJSON != "" {
		json.Unmarshal([]byte(task.ParamsJSON), &params)
	}
	auth := e.loadAuth(task.Source)

	e.mu.Lock()
	policy := e.policy
	e.mu.Unlock()

	reporter := progress.NewReporter(e.store, e.log, id)
	reporter.Seed(task.Progress, task.Total)
	downloaded, err := adapter.Run(ctx, &sources.Input{
		WorkDir:     workDir,
		Target:      task.Target,
		Eps:         params.Eps,
		Auth:        auth,
		Fetch:       fetch.New(rs.client, e.log),
		Progress:    reporter,
		Stop:        rs.tok,
		Retries:     policy.FileRetries(task.Source),
		Concurrency: policy.FileConcurrent(task.Source),
		OnError:     func() { closeClient(rs.client) },
	})
	reporter.Flush()

	switch {
	case err == nil:
		row, cerr := e.lib.Commit(id, downloaded)
		if cerr != nil {
			e.finishFailed(id, cerr)
			return
		}
		total := reporter.Total()
		if total == 0 {
			total = reporter.Progress()
		}
		e.store.MarkTaskSucceeded(id, row.ID, "", total)
		e.log.Info("task succeeded", "task", id, "comic", row.ID, "size", row.Size)
	default:
		if _, stopped := stop.IsStopped(err); stopped {
			e.finishStopped(id, err)
			return
		}
		e.finishFailed(id, err)
	}
}

// finishStopped maps a Stopped unwind to its terminal state: paused
// keeps the staging directory, canceled tears it down.
func (e *Engine) finishStopped(id string, err error) {
	mode, _ := stop.IsStopped(err)
	if mode == stop.ModeCancel {
		e.lib.DeleteStaging(id)
		e.store.SetTaskStatus(id, storage.StatusCanceled, "")
		e.log.Info("task canceled", "task", id)
		return
	}
	e.store.SetTaskStatus(id, storage.StatusPaused, "")
	e.log.Info("task paused", "task", id)
}

// finishFailed records a failure. Staging is kept so a retry resumes
// instead of redownloading.
func (e *Engine) finishFailed(id string, err error) {
	msg := "download failed: " + err.Error()
	if e.debug {
		full := fmt.Sprintf("%+v", err)
		if len(full) > 2000 {
			full = full[:2000]
		}
		msg = "download failed: " + full
	}
	e.store.SetTaskStatus(id, storage.StatusFailed, msg)
	e.log.Warn("task failed", "task", id, "error", err)
}

// loadAuth returns the stored credential map for a source; absent or
// malformed blobs yield an empty map and the adapter reports the
// missing key precisely.
func (e *Engine) loadAuth(source string) map[string]any {
	auth := map[string]any{}
	sess, err := e.store.GetAuth(source)
	if err != nil {
		return auth
	}
	json.Unmarshal([]byte(sess.Blob), &auth)
	return auth
}

// closeClient force-closes the task client's socket pool to unblock
// transfers already mid-read.
func closeClient(c *http.Client) {
	if t, ok := c.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	c.CloseIdleConnections()
}

// ============= external controls =============

// Pause stops a queued or running task without losing its staging.
func (e *Engine) Pause(id string) error {
	e.mu.Lock()
	rs, isRunning := e.running[id]
	e.mu.Unlock()
	if isRunning {
		rs.tok.Signal(stop.ModePause)
		return nil
	}
	task, err := e.store.GetTask(id)
	if err != nil {
		return err
	}
	if task.Status != storage.StatusQueued {
		return ErrBadState
	}
	e.queue.Remove(id)
	return e.store.SetTaskStatus(id, storage.StatusPaused, "")
}

// Resume re-enqueues a paused or failed task.
func (e *Engine) Resume(id string) error {
	task, err := e.store.GetTask(id)
	if err != nil {
		return err
	}
	if task.Status != storage.StatusPaused && task.Status != storage.StatusFailed {
		return ErrBadState
	}
	if err := e.store.SetTaskStatus(id, storage.StatusQueued, ""); err != nil {
		return err
	}
	e.queue.Push(id)
	e.pump()
	return nil
}

// Cancel terminates a task in any non-terminal state and removes its
// staging. A running task is signalled and cleans up when its worker
// exits.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	rs, isRunning := e.running[id]
	e.mu.Unlock()
	if isRunning {
		rs.tok.Signal(stop.ModeCancel)
		closeClient(rs.client)
		rs.cancel()
		return nil
	}
	task, err := e.store.GetTask(id)
	if err != nil {
		return err
	}
	switch task.Status {
	case storage.StatusQueued, storage.StatusPaused, storage.StatusFailed:
		e.queue.Remove(id)
		e.lib.DeleteStaging(id)
		return e.store.SetTaskStatus(id, storage.StatusCanceled, "")
	default:
		return ErrBadState
	}
}

// Retry resets a terminal or paused task back to queued. Staging left
// behind by the previous attempt makes the rerun a resume.
func (e *Engine) Retry(id string) error {
	task, err := e.store.GetTask(id)
	if err != nil {
		return err
	}
	switch task.Status {
	case storage.StatusFailed, storage.StatusCanceled, storage.StatusPaused:
	default:
		return ErrBadState
	}
	if err := e.store.SetTaskStatus(id, storage.StatusQueued, ""); err != nil {
		return err
	}
	e.queue.Push(id)
	e.pump()
	return nil
}

// Delete removes a non-running task row and its staging.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	_, isRunning := e.running[id]
	e.mu.Unlock()
	if isRunning {
		return ErrTaskRunning
	}
	if _, err := e.store.GetTask(id); err != nil {
		return err
	}
	e.queue.Remove(id)
	if err := e.lib.DeleteStaging(id); err != nil {
		return err
	}
	return e.store.DeleteTask(id)
}

// ============= policy =============

// Policy returns the current policy record.
func (e *Engine) Policy() config.Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy
}

// SetMaxConcurrent swaps the task ceiling and persists it. Raising
// the ceiling resumes pumping immediately.
func (e *Engine) SetMaxConcurrent(n int) config.Policy {
	e.mu.Lock()
	e.policy = e.policy.WithMaxConcurrent(n)
	p := e.policy
	e.mu.Unlock()
	e.store.SetString(settingMaxConcurrent, strconv.Itoa(p.MaxConcurrent))
	e.pump()
	return p
}

// SetFileConcurrent swaps the default file fan-out ceiling and
// persists it. Running tasks keep the value they started with.
func (e *Engine) SetFileConcurrent(n int) config.Policy {
	e.mu.Lock()
	e.policy = e.policy.WithFileConcurrentDefault(n)
	p := e.policy
	e.mu.Unlock()
	e.store.SetString(settingFileConcurrent, strconv.Itoa(p.FileConcurrentDefault))
	return p
}

// loadPersistedPolicy overlays settings saved by previous runs onto
// the boot policy.
func (e *Engine) loadPersistedPolicy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, err := e.store.GetString(settingMaxConcurrent); err == nil && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			e.policy = e.policy.WithMaxConcurrent(n)
		}
	}
	if v, err := e.store.GetString(settingFileConcurrent); err == nil && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			e.policy = e.policy.WithFileConcurrentDefault(n)
		}
	}
	return nil
}

// WaitIdle blocks until no task is running or queued, or the timeout
// elapses. Test helper.
func (e *Engine) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		idle := len(e.running) == 0 && e.queue.Len() == 0
		e.mu.Unlock()
		if idle {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
