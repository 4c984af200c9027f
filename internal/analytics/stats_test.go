package analytics

import (
	"testing"

	"picavault/internal/storage"
)

func TestSnapshot(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	store.UpsertComic(&storage.Comic{ID: "nhentai1", Type: 5, Size: 100})
	store.UpsertComic(&storage.Comic{ID: "nhentai2", Type: 5, Size: 40})
	store.UpsertComic(&storage.Comic{ID: "jm3", Type: 2, Size: 10})
	store.CreateTask(&storage.Task{ID: "a", Status: storage.StatusSucceeded})
	store.CreateTask(&storage.Task{ID: "b", Status: storage.StatusFailed})
	store.CreateTask(&storage.Task{ID: "c", Status: storage.StatusFailed})

	m := NewManager(store)
	s, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if s.Comics != 3 {
		t.Errorf("Comics = %d, want 3", s.Comics)
	}
	if s.TotalBytes != 150 {
		t.Errorf("TotalBytes = %d, want 150", s.TotalBytes)
	}
	if s.ComicsByType[5] != 2 || s.ComicsByType[2] != 1 {
		t.Errorf("ComicsByType = %v", s.ComicsByType)
	}
	if s.TasksByStatus[storage.StatusFailed] != 2 {
		t.Errorf("TasksByStatus = %v", s.TasksByStatus)
	}
	if s.GeneratedAt == 0 {
		t.Error("GeneratedAt not set")
	}
}

func TestSnapshotCaches(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	m := NewManager(store)
	first, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	// A write inside the cache window is not visible yet.
	store.UpsertComic(&storage.Comic{ID: "hitomi9", Type: 3})
	second, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if second != first {
		t.Error("snapshot recomputed inside the cache window")
	}

	m.ttl = 0
	third, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if third.Comics != 1 {
		t.Errorf("Comics after expiry = %d, want 1", third.Comics)
	}
}
