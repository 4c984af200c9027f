// Package library owns the on-disk comic layout and the commit step
// that publishes a task's staging directory as a library entry.
package library

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"picavault/internal/sources"
	"picavault/internal/storage"
)

// Library maps canonical ids to directories under <root>/comics and
// task ids to staging areas under <root>/tasks.
type Library struct {
	root  string
	store *storage.Storage
}

func New(root string, store *storage.Storage) *Library {
	return &Library{root: root, store: store}
}

// StagingDir is a task's private scratch area. It survives restarts;
// its contents are what makes retry resume instead of redownload.
func (l *Library) StagingDir(taskID string) string {
	return filepath.Join(l.root, "tasks", taskID)
}

// ComicDir is the committed location for one safe folder name.
func (l *Library) ComicDir(directory string) string {
	return filepath.Join(l.root, "comics", directory)
}

// EnsureStaging creates and returns the staging directory.
func (l *Library) EnsureStaging(taskID string) (string, error) {
	dir := l.StagingDir(taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create staging dir")
	}
	return dir, nil
}

// DeleteStaging tears down a task's staging directory.
func (l *Library) DeleteStaging(taskID string) error {
	return os.RemoveAll(l.StagingDir(taskID))
}

// Commit publishes a completed staging directory: rename into the
// comics tree, then insert-or-replace the library row. The rename and
// the row insert together are the commit point; a directory without a
// row (crash in between) is inert and gets overwritten by the next
// commit for the same id.
func (l *Library) Commit(taskID string, d *sources.Downloaded) (*storage.Comic, error) {
	src := l.StagingDir(taskID)
	dst := l.ComicDir(d.Directory)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, errors.Wrap(err, "create comics dir")
	}
	if _, err := os.Stat(dst); err == nil {
		if err := os.RemoveAll(dst); err != nil {
			return nil, errors.Wrap(err, "clear stale comic dir")
		}
	}
	if err := os.Rename(src, dst); err != nil {
		return nil, errors.Wrap(err, "publish comic dir")
	}

	tags, _ := json.Marshal(d.Tags)
	meta, _ := json.Marshal(d)
	row := &storage.Comic{
		ID:        d.ID,
		Title:     d.Title,
		Subtitle:  d.Subtitle,
		Type:      d.Type,
		TagsJSON:  string(tags),
		Directory: d.Directory,
		Time:      time.Now().UnixMilli(),
		Size:      dirSize(filepath.Join(dst, "pages")),
		MetaJSON:  string(meta),
		CoverPath: coverPath(dst),
	}
	if err := l.store.UpsertComic(row); err != nil {
		return nil, errors.Wrap(err, "insert library row")
	}
	return row, nil
}

// FilePath resolves a comic-relative path for serving, refusing
// anything that escapes the comic directory.
func (l *Library) FilePath(directory, rel string) (string, error) {
	base := l.ComicDir(directory)
	p := filepath.Clean(filepath.Join(base, filepath.FromSlash(rel)))
	if p != base && !strings.HasPrefix(p, base+string(filepath.Separator)) {
		return "", errors.Newf("path escapes comic directory: %s", rel)
	}
	return p, nil
}

// DeleteComic removes both the row and the directory.
func (l *Library) DeleteComic(id string) error {
	c, err := l.store.GetComic(id)
	if err != nil {
		return err
	}
	if c.Directory != "" {
		if err := os.RemoveAll(l.ComicDir(c.Directory)); err != nil {
			return errors.Wrap(err, "remove comic dir")
		}
	}
	return l.store.DeleteComic(id)
}

// dirSize sums regular file lengths under dir.
func dirSize(dir string) int64 {
	var total int64
	filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err == nil && fi.Mode().IsRegular() {
			total += fi.Size()
		}
		return nil
	})
	return total
}

// coverPath returns the comic-relative cover location, preferring the
// top-level cover.jpg.
func coverPath(comicDir string) string {
	for _, rel := range []string{"cover.jpg", filepath.Join("pages", "cover.jpg")} {
		if fi, err := os.Stat(filepath.Join(comicDir, rel)); err == nil && fi.Size() > 0 {
			return rel
		}
	}
	return ""
}
