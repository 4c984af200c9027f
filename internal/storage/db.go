package storage

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage wraps the single-process SQLite database. All writers go
// through this one handle; progress updates are the dominant traffic.
type Storage struct {
	DB *gorm.DB
}

// Open initializes the database at <dir>/library.db.
func Open(dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}
	dbPath := filepath.Join(dir, "library.db")

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	// WAL keeps concurrent progress writes cheap.
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA cache_size=10000;")

	if err := db.AutoMigrate(
		&Task{},
		&Comic{},
		&Favorite{},
		&AuthSession{},
		&Setting{},
	); err != nil {
		return nil, errors.Wrap(err, "migrate database")
	}

	return &Storage{DB: db}, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// ============= Tasks =============

// CreateTask inserts a new task row.
func (s *Storage) CreateTask(task *Task) error {
	now := nowMillis()
	task.CreatedAt = now
	task.UpdatedAt = now
	return s.DB.Create(task).Error
}

// GetTask retrieves a task by id.
func (s *Storage) GetTask(id string) (*Task, error) {
	var task Task
	if err := s.DB.First(&task, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns up to limit tasks, newest first.
func (s *Storage) ListTasks(limit int) ([]Task, error) {
	var tasks []Task
	err := s.DB.Order("created_at desc").Limit(limit).Find(&tasks).Error
	return tasks, err
}

// TasksByStatus returns tasks in the given status, oldest first.
func (s *Storage) TasksByStatus(status string) ([]Task, error) {
	var tasks []Task
	err := s.DB.Where("status = ?", status).Order("created_at asc").Find(&tasks).Error
	return tasks, err
}

// ActiveTaskExists reports whether any task for (source, target) is
// queued, running or paused. Used to refuse duplicate creates.
func (s *Storage) ActiveTaskExists(source, target string) (bool, error) {
	var count int64
	err := s.DB.Model(&Task{}).
		Where("source = ? AND target = ? AND status IN ?",
			source, target, []string{StatusQueued, StatusRunning, StatusPaused}).
		Count(&count).Error
	return count > 0, err
}

// SetTaskStatus updates status and message in one write.
func (s *Storage) SetTaskStatus(id, status, message string) error {
	return s.DB.Model(&Task{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     status,
		"message":    message,
		"updated_at": nowMillis(),
	}).Error
}

// SetTaskProgress writes the current progress counters.
func (s *Storage) SetTaskProgress(id string, progress, total int, message string) error {
	return s.DB.Model(&Task{}).Where("id = ?", id).Updates(map[string]interface{}{
		"progress":   progress,
		"total":      total,
		"message":    message,
		"updated_at": nowMillis(),
	}).Error
}

// MarkTaskSucceeded finalizes a committed task.
func (s *Storage) MarkTaskSucceeded(id, comicID, message string, total int) error {
	return s.DB.Model(&Task{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     StatusSucceeded,
		"comic_id":   comicID,
		"message":    message,
		"progress":   total,
		"total":      total,
		"updated_at": nowMillis(),
	}).Error
}

// DeleteTask removes a task row.
func (s *Storage) DeleteTask(id string) error {
	return s.DB.Delete(&Task{}, "id = ?", id).Error
}

// RecoverRunningTasks rewrites every running row to failed. Runs once
// per boot, before REST traffic is accepted: a running status is only
// valid while a live worker owns it.
func (s *Storage) RecoverRunningTasks() (int64, error) {
	res := s.DB.Model(&Task{}).Where("status = ?", StatusRunning).Updates(map[string]interface{}{
		"status":     StatusFailed,
		"message":    "server restarted",
		"updated_at": nowMillis(),
	})
	return res.RowsAffected, res.Error
}

// ============= Comics (library rows) =============

// UpsertComic inserts or replaces a library row by canonical id.
func (s *Storage) UpsertComic(c *Comic) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(c).Error
}

// GetComic retrieves a library row by canonical id.
func (s *Storage) GetComic(id string) (*Comic, error) {
	var c Comic
	if err := s.DB.First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ComicExists reports whether a library row exists for id.
func (s *Storage) ComicExists(id string) (bool, error) {
	var count int64
	err := s.DB.Model(&Comic{}).Where("id = ?", id).Count(&count).Error
	return count > 0, err
}

// ListComics returns library rows, newest commit first.
func (s *Storage) ListComics(limit, offset int) ([]Comic, error) {
	var comics []Comic
	err := s.DB.Order("time desc").Limit(limit).Offset(offset).Find(&comics).Error
	return comics, err
}

// DeleteComic removes a library row.
func (s *Storage) DeleteComic(id string) error {
	return s.DB.Delete(&Comic{}, "id = ?", id).Error
}

// ============= Favorites =============

// SaveFavorite upserts a favorite entry.
func (s *Storage) SaveFavorite(comicID, folder string) error {
	fav := Favorite{ComicID: comicID, Folder: folder, CreatedAt: nowMillis()}
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "comic_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"folder"}),
	}).Create(&fav).Error
}

// ListFavorites returns all favorites, newest first.
func (s *Storage) ListFavorites() ([]Favorite, error) {
	var favs []Favorite
	err := s.DB.Order("created_at desc").Find(&favs).Error
	return favs, err
}

// GetFavorite retrieves one favorite by comic id.
func (s *Storage) GetFavorite(comicID string) (*Favorite, error) {
	var fav Favorite
	if err := s.DB.First(&fav, "comic_id = ?", comicID).Error; err != nil {
		return nil, err
	}
	return &fav, nil
}

// DeleteFavorite removes a favorite.
func (s *Storage) DeleteFavorite(comicID string) error {
	return s.DB.Delete(&Favorite{}, "comic_id = ?", comicID).Error
}

// ============= Auth sessions =============

// SaveAuth stores the credential blob for a source verbatim.
func (s *Storage) SaveAuth(source, blob string) error {
	sess := AuthSession{Source: source, Blob: blob, UpdatedAt: nowMillis()}
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source"}},
		DoUpdates: clause.AssignmentColumns([]string{"blob", "updated_at"}),
	}).Create(&sess).Error
}

// GetAuth retrieves the stored blob for a source.
func (s *Storage) GetAuth(source string) (*AuthSession, error) {
	var sess AuthSession
	if err := s.DB.First(&sess, "source = ?", source).Error; err != nil {
		return nil, err
	}
	return &sess, nil
}

// ============= Settings =============

// GetString retrieves a string setting by key; missing keys yield "".
func (s *Storage) GetString(key string) (string, error) {
	var setting Setting
	err := s.DB.First(&setting, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return setting.Value, err
}

// SetString stores a string setting.
func (s *Storage) SetString(key, value string) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&Setting{Key: key, Value: value}).Error
}
