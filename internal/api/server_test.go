package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"picavault/internal/config"
	"picavault/internal/engine"
	"picavault/internal/library"
	"picavault/internal/storage"
)

type apiFixture struct {
	srv   *Server
	eng   *engine.Engine
	store *storage.Storage
}

func newAPIFixture(t *testing.T, apiKey string) *apiFixture {
	t.Helper()
	root := t.TempDir()
	store, err := storage.Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	lib := library.New(root, store)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(store, lib, config.Policy{
		FileConcurrentDefault: 4,
		MaxConcurrent:         2,
	}, log, false)
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return &apiFixture{srv: NewServer(eng, store, lib, apiKey), eng: eng, store: store}
}

// call drives one request through the router and decodes the JSON
// envelope.
func (f *apiFixture) call(t *testing.T, method, path, body string, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec.Code, out
}

func TestCreateDownloadValidation(t *testing.T) {
	f := newAPIFixture(t, "")

	code, out := f.call(t, "POST", "/api/v1/tasks/download", `{"source":"gutenberg","target":"1"}`, nil)
	if code != http.StatusBadRequest || out["ok"] != false {
		t.Errorf("unknown source: code %d, body %v", code, out)
	}
	code, _ = f.call(t, "POST", "/api/v1/tasks/download", `{"source":"nhentai"}`, nil)
	if code != http.StatusBadRequest {
		t.Errorf("missing target: code %d", code)
	}
	code, _ = f.call(t, "POST", "/api/v1/tasks/download", `{not json`, nil)
	if code != http.StatusBadRequest {
		t.Errorf("malformed body: code %d", code)
	}
}

func TestDownloadLifecycleOverREST(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/gallery/177013":
			fmt.Fprint(w, `{"media_id":"1","title":{"pretty":"Pretty"},"images":{"cover":{"t":"j"},"pages":[{"t":"j"}]},"tags":[]}`)
		case strings.HasPrefix(r.URL.Path, "/galleries/1/"):
			w.Write([]byte("bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	f := newAPIFixture(t, "")
	blob := fmt.Sprintf(`{"apiBaseUrl":%q,"thumbBaseUrl":%q,"imgBaseUrl":%q}`,
		upstream.URL, upstream.URL, upstream.URL)
	code, _ := f.call(t, "PUT", "/api/v1/auth/nhentai", blob, nil)
	if code != http.StatusOK {
		t.Fatalf("put auth: code %d", code)
	}

	code, out := f.call(t, "POST", "/api/v1/tasks/download", `{"source":"nhentai","target":"177013"}`, nil)
	if code != http.StatusOK || out["taskId"] == nil {
		t.Fatalf("create: code %d, body %v", code, out)
	}
	taskID := out["taskId"].(string)

	if !f.eng.WaitIdle(10 * time.Second) {
		t.Fatal("engine never went idle")
	}
	code, out = f.call(t, "GET", "/api/v1/tasks/"+taskID, "", nil)
	if code != http.StatusOK {
		t.Fatalf("get task: code %d", code)
	}
	task := out["task"].(map[string]any)
	if task["status"] != storage.StatusSucceeded || task["comicId"] != "nhentai177013" {
		t.Errorf("task = %v", task)
	}

	code, out = f.call(t, "GET", "/api/v1/tasks", "", nil)
	if code != http.StatusOK || len(out["tasks"].([]any)) != 1 {
		t.Errorf("list tasks: code %d, body %v", code, out)
	}

	// The committed comic shows up on the library surface.
	code, out = f.call(t, "GET", "/api/v1/comics/nhentai177013", "", nil)
	if code != http.StatusOK {
		t.Fatalf("get comic: code %d", code)
	}
	comic := out["comic"].(map[string]any)
	if comic["title"] != "Pretty" {
		t.Errorf("comic = %v", comic)
	}

	// Cover and pages are served straight off the committed directory.
	req := httptest.NewRequest("GET", "/api/v1/comics/nhentai177013/cover", nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "bytes" {
		t.Errorf("cover: code %d, body %q", rec.Code, rec.Body.String())
	}
	req = httptest.NewRequest("GET", "/api/v1/comics/nhentai177013/pages/1.jpg", nil)
	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("page: code %d", rec.Code)
	}
	code, _ = f.call(t, "GET", "/api/v1/comics/nhentai177013/pages/99.jpg", "", nil)
	if code != http.StatusNotFound {
		t.Errorf("missing page: code %d, want 404", code)
	}

	// A second create for the same target is refused.
	code, _ = f.call(t, "POST", "/api/v1/tasks/download", `{"source":"nhentai","target":"177013"}`, nil)
	if code != http.StatusConflict {
		t.Errorf("duplicate create: code %d, want 409", code)
	}
}

func TestTaskEndpointsMissingID(t *testing.T) {
	f := newAPIFixture(t, "")
	for _, c := range []struct{ method, path string }{
		{"GET", "/api/v1/tasks/nope"},
		{"DELETE", "/api/v1/tasks/nope"},
		{"POST", "/api/v1/tasks/nope/pause"},
		{"POST", "/api/v1/tasks/nope/retry"},
	} {
		code, _ := f.call(t, c.method, c.path, "", nil)
		if code != http.StatusNotFound {
			t.Errorf("%s %s: code %d, want 404", c.method, c.path, code)
		}
	}
	// An op outside the route's verb set never reaches a handler.
	code, _ := f.call(t, "POST", "/api/v1/tasks/nope/explode", "", nil)
	if code != http.StatusNotFound {
		t.Errorf("unknown op: code %d, want 404", code)
	}
}

func TestAuthRoundTrip(t *testing.T) {
	f := newAPIFixture(t, "")

	code, out := f.call(t, "GET", "/api/v1/auth/nhentai", "", nil)
	if code != http.StatusOK || out["exists"] != false {
		t.Errorf("before put: code %d, body %v", code, out)
	}

	code, _ = f.call(t, "PUT", "/api/v1/auth/nhentai", `{"cookie":"sessionid=abc"}`, nil)
	if code != http.StatusOK {
		t.Fatalf("put: code %d", code)
	}
	code, out = f.call(t, "GET", "/api/v1/auth/nhentai", "", nil)
	if code != http.StatusOK || out["exists"] != true {
		t.Errorf("after put: code %d, body %v", code, out)
	}
	if ts, ok := out["updatedAt"].(float64); !ok || ts <= 0 {
		t.Errorf("updatedAt = %v", out["updatedAt"])
	}
	// The blob is stored verbatim for the adapters.
	sess, err := f.store.GetAuth("nhentai")
	if err != nil || sess.Blob != `{"cookie":"sessionid=abc"}` {
		t.Errorf("stored blob = %q, %v", sess.Blob, err)
	}

	code, _ = f.call(t, "PUT", "/api/v1/auth/nhentai", `{broken`, nil)
	if code != http.StatusBadRequest {
		t.Errorf("invalid blob: code %d", code)
	}
	code, _ = f.call(t, "PUT", "/api/v1/auth/gutenberg", `{}`, nil)
	if code != http.StatusBadRequest {
		t.Errorf("unknown source: code %d", code)
	}
}

func TestConfigEndpoint(t *testing.T) {
	f := newAPIFixture(t, "")

	code, out := f.call(t, "GET", "/api/v1/tasks/config", "", nil)
	if code != http.StatusOK || out["maxConcurrent"] != float64(2) || out["fileConcurrent"] != float64(4) {
		t.Errorf("get: code %d, body %v", code, out)
	}

	code, out = f.call(t, "PUT", "/api/v1/tasks/config", `{"maxConcurrent":500,"fileConcurrent":0}`, nil)
	if code != http.StatusOK {
		t.Fatalf("put: code %d", code)
	}
	if out["maxConcurrent"] != float64(config.MaxTaskConcurrent) {
		t.Errorf("maxConcurrent = %v, want clamp", out["maxConcurrent"])
	}
	if out["fileConcurrent"] != float64(config.MinFileConcurrent) {
		t.Errorf("fileConcurrent = %v, want clamp", out["fileConcurrent"])
	}
}

func TestComicEndpoints(t *testing.T) {
	f := newAPIFixture(t, "")
	f.store.UpsertComic(&storage.Comic{
		ID: "jm12345", Title: "T", Type: 2,
		TagsJSON: `["a","b"]`, MetaJSON: `{"k":"v"}`, Size: 10,
	})

	code, out := f.call(t, "GET", "/api/v1/comics", "", nil)
	if code != http.StatusOK || len(out["comics"].([]any)) != 1 {
		t.Errorf("list: code %d, body %v", code, out)
	}

	code, out = f.call(t, "GET", "/api/v1/comics/jm12345", "", nil)
	if code != http.StatusOK {
		t.Fatalf("get: code %d", code)
	}
	comic := out["comic"].(map[string]any)
	if tags := comic["tags"].([]any); len(tags) != 2 || tags[0] != "a" {
		t.Errorf("tags = %v", comic["tags"])
	}
	if meta := comic["meta"].(map[string]any); meta["k"] != "v" {
		t.Errorf("meta = %v", comic["meta"])
	}

	code, _ = f.call(t, "GET", "/api/v1/comics/absent", "", nil)
	if code != http.StatusNotFound {
		t.Errorf("missing comic: code %d", code)
	}

	code, _ = f.call(t, "DELETE", "/api/v1/comics/jm12345", "", nil)
	if code != http.StatusOK {
		t.Errorf("delete: code %d", code)
	}
	code, _ = f.call(t, "GET", "/api/v1/comics/jm12345", "", nil)
	if code != http.StatusNotFound {
		t.Errorf("after delete: code %d", code)
	}
}

func TestFavoriteEndpoints(t *testing.T) {
	f := newAPIFixture(t, "")
	f.store.UpsertComic(&storage.Comic{ID: "hitomi7", Title: "T"})

	code, _ := f.call(t, "PUT", "/api/v1/favorites/hitomi7", `{"folder":"keep"}`, nil)
	if code != http.StatusOK {
		t.Fatalf("put: code %d", code)
	}
	code, out := f.call(t, "GET", "/api/v1/favorites", "", nil)
	if code != http.StatusOK || len(out["favorites"].([]any)) != 1 {
		t.Errorf("list: code %d, body %v", code, out)
	}

	code, out = f.call(t, "GET", "/api/v1/favorites/hitomi7", "", nil)
	if code != http.StatusOK {
		t.Fatalf("get one: code %d", code)
	}
	if fav := out["favorite"].(map[string]any); fav["folder"] != "keep" {
		t.Errorf("favorite = %v", out["favorite"])
	}
	code, _ = f.call(t, "GET", "/api/v1/favorites/absent", "", nil)
	if code != http.StatusNotFound {
		t.Errorf("get missing: code %d, want 404", code)
	}

	code, _ = f.call(t, "PUT", "/api/v1/favorites/absent", `{"folder":"x"}`, nil)
	if code != http.StatusNotFound {
		t.Errorf("favorite of missing comic: code %d", code)
	}

	code, _ = f.call(t, "DELETE", "/api/v1/favorites/hitomi7", "", nil)
	if code != http.StatusOK {
		t.Errorf("delete: code %d", code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t, "")
	f.store.UpsertComic(&storage.Comic{ID: "a", Type: 5, Size: 100})
	f.store.UpsertComic(&storage.Comic{ID: "b", Type: 2, Size: 50})
	f.store.CreateTask(&storage.Task{ID: "t1", Status: storage.StatusFailed})

	code, out := f.call(t, "GET", "/api/v1/stats", "", nil)
	if code != http.StatusOK {
		t.Fatalf("stats: code %d", code)
	}
	stats := out["stats"].(map[string]any)
	if stats["comics"] != float64(2) || stats["totalBytes"] != float64(150) {
		t.Errorf("stats = %v", stats)
	}
	byStatus := stats["tasksByStatus"].(map[string]any)
	if byStatus[storage.StatusFailed] != float64(1) {
		t.Errorf("tasksByStatus = %v", byStatus)
	}
}

func TestAPIKeyGuard(t *testing.T) {
	f := newAPIFixture(t, "secret")

	code, out := f.call(t, "GET", "/api/v1/tasks", "", nil)
	if code != http.StatusUnauthorized || out["ok"] != false {
		t.Errorf("no key: code %d, body %v", code, out)
	}
	code, _ = f.call(t, "GET", "/api/v1/tasks", "", map[string]string{"X-Api-Key": "wrong"})
	if code != http.StatusUnauthorized {
		t.Errorf("wrong key: code %d", code)
	}
	code, _ = f.call(t, "GET", "/api/v1/tasks", "", map[string]string{"X-Api-Key": "secret"})
	if code != http.StatusOK {
		t.Errorf("right key: code %d", code)
	}
}
