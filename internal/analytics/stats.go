// Package analytics summarizes the library and the task table for the
// control plane's stats endpoint.
package analytics

import (
	"sync"
	"time"

	"picavault/internal/storage"
)

// Stats is one snapshot of the server's state.
type Stats struct {
	Comics        int64            `json:"comics"`
	TotalBytes    int64            `json:"totalBytes"`
	TasksByStatus map[string]int64 `json:"tasksByStatus"`
	ComicsByType  map[int]int64    `json:"comicsByType"`
	GeneratedAt   int64            `json:"generatedAt"`
}

// Manager computes stats with a short cache so a polling client does
// not turn every refresh into table scans.
type Manager struct {
	store *storage.Storage

	mu      sync.Mutex
	cached  *Stats
	fetched time.Time
	ttl     time.Duration
}

func NewManager(store *storage.Storage) *Manager {
	return &Manager{store: store, ttl: 5 * time.Second}
}

// Snapshot returns the current stats, recomputing when the cache has
// expired.
func (m *Manager) Snapshot() (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != nil && time.Since(m.fetched) < m.ttl {
		return m.cached, nil
	}
	s, err := m.compute()
	if err != nil {
		return nil, err
	}
	m.cached = s
	m.fetched = time.Now()
	return s, nil
}

func (m *Manager) compute() (*Stats, error) {
	s := &Stats{
		TasksByStatus: map[string]int64{},
		ComicsByType:  map[int]int64{},
		GeneratedAt:   time.Now().UnixMilli(),
	}

	if err := m.store.DB.Model(&storage.Comic{}).Count(&s.Comics).Error; err != nil {
		return nil, err
	}
	var totalBytes *int64
	if err := m.store.DB.Model(&storage.Comic{}).Select("sum(size)").Scan(&totalBytes).Error; err != nil {
		return nil, err
	}
	if totalBytes != nil {
		s.TotalBytes = *totalBytes
	}

	var typeRows []struct {
		Type  int
		Count int64
	}
	if err := m.store.DB.Model(&storage.Comic{}).
		Select("type, count(*) as count").Group("type").Scan(&typeRows).Error; err != nil {
		return nil, err
	}
	for _, row := range typeRows {
		s.ComicsByType[row.Type] = row.Count
	}

	var statusRows []struct {
		Status string
		Count  int64
	}
	if err := m.store.DB.Model(&storage.Task{}).
		Select("status, count(*) as count").Group("status").Scan(&statusRows).Error; err != nil {
		return nil, err
	}
	for _, row := range statusRows {
		s.TasksByStatus[row.Status] = row.Count
	}
	return s, nil
}
