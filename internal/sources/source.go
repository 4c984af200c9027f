// Package sources implements the per-source download pipelines. Every
// adapter consumes credentials, a target and a staging directory and
// produces a Downloaded record plus a populated staging layout; it
// never writes outside its work directory.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"picavault/internal/fanout"
	"picavault/internal/fetch"
	"picavault/internal/stop"
)

// Per-request receive deadlines. Connect timeouts live in the shared
// client (fetch.NewClient).
const (
	pageTimeout  = 25 * time.Second // HTML / JSON
	imageTimeout = 5 * time.Minute  // image bodies
)

// Progress is the slice of the task reporter the adapters see.
type Progress interface {
	SetTotal(n int)
	Advance(delta int)
	EnsureAtLeast(v int)
	SetMessage(s string)
}

// Downloaded is the adapter → commit contract.
type Downloaded struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Subtitle  string          `json:"subtitle,omitempty"`
	Type      int             `json:"type"` // source ordinal 0..5
	Tags      []string        `json:"tags"`
	Directory string          `json:"directory"`
	Raw       json.RawMessage `json:"downloaded,omitempty"` // source blob, verbatim
}

// Input carries everything one adapter run needs. The fetcher wraps
// the task-scoped HTTP client; OnError force-closes that client's
// pool when the first fan-out job fails.
type Input struct {
	WorkDir     string
	Target      string
	Eps         []int // zero-based display indexes; empty = all
	Auth        map[string]any
	Fetch       *fetch.Fetcher
	Progress    Progress
	Stop        *stop.Token
	Retries     int
	Concurrency int
	OnError     func()
}

// Adapter is one source pipeline.
type Adapter interface {
	Name() string
	CanonicalID(target string) (string, error)
	Run(ctx context.Context, in *Input) (*Downloaded, error)
}

// All returns the six adapters keyed by source name.
func All() map[string]Adapter {
	adapters := []Adapter{
		&Picacg{},
		&Ehentai{},
		&JM{},
		&Hitomi{},
		&Htmanga{},
		&Nhentai{},
	}
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Name()] = a
	}
	return m
}

// SafeID replaces every character outside [A-Za-z0-9._-] with '_'.
// It is the on-disk folder name for a canonical id.
func SafeID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, c := range []byte(id) {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '.', c == '_', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

var digitsRe = regexp.MustCompile(`\d+`)

// digitsID extracts the first digit run from target and prefixes it.
func digitsID(prefix, target string) (string, error) {
	d := digitsRe.FindString(target)
	if d == "" {
		return "", fetch.Argf("no numeric id in target %q", target)
	}
	return prefix + d, nil
}

// ============= auth helpers =============

// authString fetches a required credential key; a missing or empty
// value is an argument error naming the key.
func authString(auth map[string]any, key string) (string, error) {
	if v, ok := auth[key].(string); ok && v != "" {
		return v, nil
	}
	return "", fetch.Argf("missing auth.%s", key)
}

// authStringDefault fetches an optional credential key.
func authStringDefault(auth map[string]any, key, def string) string {
	if v, ok := auth[key].(string); ok && v != "" {
		return v
	}
	return def
}

// ============= staging layout helpers =============

func pagesDir(workDir string) string {
	return filepath.Join(workDir, "pages")
}

func epDir(workDir string, epNo int) string {
	return filepath.Join(workDir, "pages", strconv.Itoa(epNo))
}

func coverFile(workDir string) string {
	return filepath.Join(workDir, "cover.jpg")
}

func fileNonEmpty(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}

// CountDownloaded walks a staging directory and counts completed
// files: the cover plus every non-empty page file. It is the resume
// floor for EnsureAtLeast after a paused or failed run.
func CountDownloaded(workDir string) int {
	count := 0
	if fileNonEmpty(coverFile(workDir)) {
		count++
	}
	filepath.Walk(pagesDir(workDir), func(path string, fi os.FileInfo, err error) error {
		if err == nil && fi.Mode().IsRegular() && fi.Size() > 0 {
			count++
		}
		return nil
	})
	return count
}

// selectEps resolves the eps selection against n chapters: the result
// is the sorted set of valid zero-based display indexes; an empty
// selection means all of them.
func selectEps(n int, eps []int) []int {
	if len(eps) == 0 {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	seen := make(map[int]bool, len(eps))
	var out []int
	for _, e := range eps {
		if e >= 0 && e < n && !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	sort.Ints(out)
	return out
}

// extFromName returns the lower-case extension of a file name or URL
// path, without the dot; jpg when absent.
func extFromName(name string) string {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" {
		return "jpg"
	}
	return ext
}

// ============= job runner =============

// pageJob is one file to place into the staging directory. URLs are
// tried in order; Process, when set, rewrites the body before it is
// written (jm descrambling).
type pageJob struct {
	URLs    []string
	Dest    string
	Headers map[string]string
	Timeout time.Duration
	Process func(body []byte, contentType string) ([]byte, error)
}

// runJobs executes the job list through the bounded fan-out with the
// task's file concurrency. Jobs whose destination is already a
// non-empty file skip without advancing: the resume floor has
// already accounted for them.
func runJobs(ctx context.Context, in *Input, jobs []pageJob) error {
	return fanout.ForEach(ctx, jobs, in.Concurrency, in.Stop, func(ctx context.Context, j pageJob) error {
		return j.run(ctx, in)
	}, in.OnError)
}

func (j pageJob) run(ctx context.Context, in *Input) error {
	if fileNonEmpty(j.Dest) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(j.Dest), 0o755); err != nil {
		return err
	}
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = imageTimeout
	}
	opt := fetch.Options{
		Headers: j.Headers,
		Timeout: timeout,
		Retries: in.Retries,
	}

	var lastErr error
	for _, uri := range j.URLs {
		if err := in.Stop.Err(); err != nil {
			return err
		}
		if j.Process == nil {
			lastErr = in.Fetch.DownloadToFile(ctx, uri, j.Dest, opt, in.Stop)
			if lastErr == nil {
				in.Progress.Advance(1)
				return nil
			}
		} else {
			resp, err := in.Fetch.GetBytesWithRetry(ctx, uri, opt, in.Stop)
			if err != nil {
				lastErr = err
			} else {
				body, err := j.Process(resp.Body, resp.ContentType)
				if err != nil {
					return err
				}
				if err := os.WriteFile(j.Dest, body, 0o644); err != nil {
					return err
				}
				in.Progress.Advance(1)
				return nil
			}
		}
		if _, stopped := stop.IsStopped(lastErr); stopped {
			return lastErr
		}
	}
	return lastErr
}

// upstreamErrf formats an "upstream invariant broken" failure with a
// short actionable line.
func upstreamErrf(source, format string, a ...any) error {
	return fmt.Errorf("%s: %s", source, fmt.Sprintf(format, a...))
}
