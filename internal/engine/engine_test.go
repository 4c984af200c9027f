package engine

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"picavault/internal/config"
	"picavault/internal/library"
	"picavault/internal/storage"
)

const fakeGallery = `{
	"media_id": "1",
	"title": {"english": "English", "japanese": "日本語", "pretty": "Pretty"},
	"images": {"cover": {"t": "j"}, "pages": [{"t": "j"}, {"t": "p"}]},
	"tags": [{"type": "language", "name": "english"}]
}`

type fixture struct {
	eng       *Engine
	store     *storage.Storage
	lib       *library.Library
	root      string
	upstream  *httptest.Server
	imageGETs *atomic.Int32
	pageHook  func(w http.ResponseWriter, r *http.Request) bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{imageGETs: &atomic.Int32{}}
	f.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/gallery/"):
			fmt.Fprint(w, fakeGallery)
		case strings.HasPrefix(r.URL.Path, "/galleries/1/"):
			f.imageGETs.Add(1)
			if f.pageHook != nil && f.pageHook(w, r) {
				return
			}
			w.Write([]byte("bytes-" + r.URL.Path))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.upstream.Close)

	f.root = t.TempDir()
	store, err := storage.Open(f.root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	f.store = store

	blob := fmt.Sprintf(`{"apiBaseUrl":%q,"thumbBaseUrl":%q,"imgBaseUrl":%q}`,
		f.upstream.URL, f.upstream.URL, f.upstream.URL)
	if err := store.SaveAuth("nhentai", blob); err != nil {
		t.Fatalf("SaveAuth: %v", err)
	}

	f.lib = library.New(f.root, store)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy := config.Policy{
		FileRetriesDefault:    1,
		FileConcurrentDefault: 4,
		MaxConcurrent:         2,
	}
	f.eng = New(store, f.lib, policy, log, false)
	return f
}

func (f *fixture) waitStatus(t *testing.T, id, status string) *storage.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		task, err := f.store.GetTask(id)
		if err == nil && task.Status == status {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := f.store.GetTask(id)
	t.Fatalf("task %s never reached %s (now %+v)", id, status, task)
	return nil
}

func TestEngineDownloadSucceeds(t *testing.T) {
	f := newFixture(t)
	if err := f.eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	task, err := f.eng.CreateDownloadTask("nhentai", "177013", DownloadParams{})
	if err != nil {
		t.Fatalf("CreateDownloadTask: %v", err)
	}
	row := f.waitStatus(t, task.ID, storage.StatusSucceeded)

	if row.ComicID != "nhentai177013" {
		t.Errorf("comicId = %q", row.ComicID)
	}
	if row.Progress != 3 || row.Total != 3 {
		t.Errorf("progress/total = %d/%d, want 3/3", row.Progress, row.Total)
	}
	comic, err := f.store.GetComic("nhentai177013")
	if err != nil {
		t.Fatalf("GetComic: %v", err)
	}
	if comic.Title != "Pretty" || comic.Type != 5 {
		t.Errorf("comic = %+v", comic)
	}
	for _, rel := range []string{"cover.jpg", "pages/1.jpg", "pages/2.png"} {
		if _, serr := os.Stat(filepath.Join(f.root, "comics", "nhentai177013", rel)); serr != nil {
			t.Errorf("library file %s missing: %v", rel, serr)
		}
	}
	if _, serr := os.Stat(f.lib.StagingDir(task.ID)); !os.IsNotExist(serr) {
		t.Error("staging survived the commit")
	}
}

func TestEngineDuplicateCreateRejected(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.pageHook = func(w http.ResponseWriter, r *http.Request) bool {
		if strings.HasSuffix(r.URL.Path, "/2.png") {
			<-release
		}
		return false
	}
	if err := f.eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	first, err := f.eng.CreateDownloadTask("nhentai", "177013", DownloadParams{})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := f.eng.CreateDownloadTask("nhentai", "177013", DownloadParams{}); !errors.Is(err, ErrTaskExists) {
		t.Errorf("second create err = %v, want ErrTaskExists", err)
	}

	close(release)
	f.waitStatus(t, first.ID, storage.StatusSucceeded)

	if _, err := f.eng.CreateDownloadTask("nhentai", "177013", DownloadParams{}); !errors.Is(err, ErrAlreadyDownloaded) {
		t.Errorf("third create err = %v, want ErrAlreadyDownloaded", err)
	}
}

func TestEnginePauseAndResume(t *testing.T) {
	f := newFixture(t)
	blocked := make(chan struct{})
	release := make(chan struct{})
	var paused atomic.Bool
	f.pageHook = func(w http.ResponseWriter, r *http.Request) bool {
		if strings.HasSuffix(r.URL.Path, "/2.png") && !paused.Load() {
			close(blocked)
			<-release
			w.WriteHeader(http.StatusInternalServerError)
			return true
		}
		return false
	}
	if err := f.eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	task, err := f.eng.CreateDownloadTask("nhentai", "177013", DownloadParams{})
	if err != nil {
		t.Fatalf("CreateDownloadTask: %v", err)
	}
	<-blocked
	if err := f.eng.Pause(task.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	paused.Store(true)
	close(release)

	row := f.waitStatus(t, task.ID, storage.StatusPaused)
	if row.Message != "" {
		t.Errorf("paused message = %q, want empty", row.Message)
	}
	staging := f.lib.StagingDir(task.ID)
	if _, serr := os.Stat(filepath.Join(staging, "pages", "1.jpg")); serr != nil {
		t.Fatalf("page 1 missing from kept staging: %v", serr)
	}
	before := f.imageGETs.Load()

	if err := f.eng.Resume(task.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	row = f.waitStatus(t, task.ID, storage.StatusSucceeded)
	if row.Progress != 3 || row.Total != 3 {
		t.Errorf("progress/total = %d/%d", row.Progress, row.Total)
	}
	// Resume must only fetch what the pause left missing.
	if got := f.imageGETs.Load() - before; got != 1 {
		t.Errorf("image GETs after resume = %d, want 1", got)
	}
}

func TestEngineCancelCleansStaging(t *testing.T) {
	f := newFixture(t)
	blocked := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f.pageHook = func(w http.ResponseWriter, r *http.Request) bool {
		if strings.HasSuffix(r.URL.Path, "/2.png") {
			close(blocked)
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return true
		}
		return false
	}
	if err := f.eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	task, err := f.eng.CreateDownloadTask("nhentai", "177013", DownloadParams{})
	if err != nil {
		t.Fatalf("CreateDownloadTask: %v", err)
	}
	<-blocked
	if err := f.eng.Cancel(task.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	f.waitStatus(t, task.ID, storage.StatusCanceled)
	if _, serr := os.Stat(f.lib.StagingDir(task.ID)); !os.IsNotExist(serr) {
		t.Error("staging survived the cancel")
	}
}

func TestEngineDeleteRunningRefused(t *testing.T) {
	f := newFixture(t)
	blocked := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f.pageHook = func(w http.ResponseWriter, r *http.Request) bool {
		if strings.HasSuffix(r.URL.Path, "/2.png") {
			close(blocked)
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return true
		}
		return false
	}
	if err := f.eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	task, _ := f.eng.CreateDownloadTask("nhentai", "177013", DownloadParams{})
	<-blocked
	if err := f.eng.Delete(task.ID); !errors.Is(err, ErrTaskRunning) {
		t.Fatalf("Delete while running err = %v, want ErrTaskRunning", err)
	}
	f.eng.Cancel(task.ID)
	f.waitStatus(t, task.ID, storage.StatusCanceled)
	if err := f.eng.Delete(task.ID); err != nil {
		t.Fatalf("Delete after cancel: %v", err)
	}
	if _, err := f.store.GetTask(task.ID); err == nil {
		t.Error("task row survived delete")
	}
}

func TestEngineBootRecovery(t *testing.T) {
	f := newFixture(t)

	// Rows left behind by a killed process.
	f.store.CreateTask(&storage.Task{ID: "orphan", Source: "nhentai", Target: "9", Status: storage.StatusRunning})
	f.store.CreateTask(&storage.Task{ID: "waiting", Source: "nhentai", Target: "177013", Status: storage.StatusQueued})

	if err := f.eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	orphan, _ := f.store.GetTask("orphan")
	if orphan.Status != storage.StatusFailed || orphan.Message != "server restarted" {
		t.Errorf("orphan = %+v, want failed/server restarted", orphan)
	}
	// The queued row must not be lost: it runs to completion.
	f.waitStatus(t, "waiting", storage.StatusSucceeded)
}

func TestEngineCollisionAtRunTime(t *testing.T) {
	f := newFixture(t)
	f.store.CreateTask(&storage.Task{ID: "late", Source: "nhentai", Target: "177013", Status: storage.StatusQueued})
	// A competing commit happened while the row sat queued.
	f.store.UpsertComic(&storage.Comic{ID: "nhentai177013", Title: "already there"})

	if err := f.eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	row := f.waitStatus(t, "late", storage.StatusSucceeded)
	if row.Message != "already downloaded" || row.ComicID != "nhentai177013" {
		t.Errorf("row = %+v", row)
	}
	if f.imageGETs.Load() != 0 {
		t.Error("collision skip must not download anything")
	}
}

func TestEngineRetryAfterFailure(t *testing.T) {
	f := newFixture(t)
	var failing atomic.Bool
	failing.Store(true)
	f.pageHook = func(w http.ResponseWriter, r *http.Request) bool {
		if strings.HasSuffix(r.URL.Path, "/2.png") && failing.Load() {
			w.WriteHeader(http.StatusTooManyRequests)
			return true
		}
		return false
	}
	if err := f.eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	task, _ := f.eng.CreateDownloadTask("nhentai", "177013", DownloadParams{})
	row := f.waitStatus(t, task.ID, storage.StatusFailed)
	if !strings.Contains(row.Message, "bad status: 429") {
		t.Errorf("failure message = %q", row.Message)
	}
	// Staging keeps the completed files for the retry.
	if _, serr := os.Stat(filepath.Join(f.lib.StagingDir(task.ID), "pages", "1.jpg")); serr != nil {
		t.Errorf("page 1 missing from kept staging: %v", serr)
	}

	failing.Store(false)
	if err := f.eng.Retry(task.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	row = f.waitStatus(t, task.ID, storage.StatusSucceeded)
	if row.Progress != 3 || row.Message != "" {
		t.Errorf("row after retry = %+v", row)
	}
}

func TestEnginePolicySwap(t *testing.T) {
	f := newFixture(t)
	if err := f.eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p := f.eng.SetMaxConcurrent(500)
	if p.MaxConcurrent != config.MaxTaskConcurrent {
		t.Errorf("maxConcurrent = %d, want clamp", p.MaxConcurrent)
	}
	p = f.eng.SetFileConcurrent(0)
	if p.FileConcurrentDefault != config.MinFileConcurrent {
		t.Errorf("fileConcurrent = %d, want clamp", p.FileConcurrentDefault)
	}

	// The swapped values survive a restart through the settings table.
	eng2 := New(f.store, f.lib, config.Policy{MaxConcurrent: 3, FileConcurrentDefault: 6},
		slog.New(slog.NewTextHandler(io.Discard, nil)), false)
	if err := eng2.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	p = eng2.Policy()
	if p.MaxConcurrent != config.MaxTaskConcurrent || p.FileConcurrentDefault != config.MinFileConcurrent {
		t.Errorf("persisted policy = %+v", p)
	}
}

func TestEngineRecoveredUnknownSourceFails(t *testing.T) {
	f := newFixture(t)
	// A queued row written by a build that still knew this source.
	f.store.CreateTask(&storage.Task{ID: "stale", Source: "gutenberg", Target: "1", Status: storage.StatusQueued})

	if err := f.eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	row := f.waitStatus(t, "stale", storage.StatusFailed)
	if !strings.Contains(row.Message, "unknown source") {
		t.Errorf("message = %q, want unknown source failure", row.Message)
	}
}

func TestEngineUnknownSourceRejected(t *testing.T) {
	f := newFixture(t)
	if _, err := f.eng.CreateDownloadTask("gutenberg", "1", DownloadParams{}); !errors.Is(err, ErrUnknownSource) {
		t.Errorf("err = %v, want ErrUnknownSource", err)
	}
}
