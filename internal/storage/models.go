package storage

// Task status values. Terminal states are sticky except through an
// explicit retry, which resets the row to queued.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// Task is one persisted download task.
type Task struct {
	ID         string `gorm:"primaryKey" json:"id"`
	Type       string `json:"type"` // currently always "download"
	Source     string `gorm:"index" json:"source"`
	Target     string `gorm:"index" json:"target"`
	ParamsJSON string `json:"-"` // opaque params blob, includes eps selection
	Status     string `gorm:"index" json:"status"`
	Progress   int    `json:"progress"`
	Total      int    `json:"total"` // 0 = unknown
	Message    string `json:"message,omitempty"`
	ComicID    string `json:"comicId,omitempty"` // set iff succeeded
	CreatedAt  int64  `json:"createdAt"`         // epoch millis
	UpdatedAt  int64  `json:"updatedAt"`
}

func (Task) TableName() string { return "tasks" }

// Terminal reports whether the status is sticky.
func (t *Task) Terminal() bool {
	switch t.Status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Comic is a committed library row. A row exists iff the comic
// directory exists under <storage>/comics/.
type Comic struct {
	ID        string `gorm:"primaryKey" json:"id"`
	Title     string `json:"title"`
	Subtitle  string `json:"subtitle,omitempty"`
	Type      int    `json:"type"` // source ordinal 0..5
	TagsJSON  string `json:"-"`
	Directory string `json:"directory"` // filesystem-safe folder name
	Time      int64  `json:"time"`      // commit epoch millis
	Size      int64  `json:"size"`      // bytes under pages/
	MetaJSON  string `json:"-"`         // serialized download record
	CoverPath string `json:"coverPath,omitempty"`
}

func (Comic) TableName() string { return "comics" }

// Favorite marks a comic in a user folder.
type Favorite struct {
	ComicID   string `gorm:"primaryKey" json:"comicId"`
	Folder    string `gorm:"index" json:"folder"`
	CreatedAt int64  `json:"createdAt"`
}

func (Favorite) TableName() string { return "favorites" }

// AuthSession stores the client-pushed credential blob for one source,
// verbatim. The server never refreshes it.
type AuthSession struct {
	Source    string `gorm:"primaryKey" json:"source"`
	Blob      string `json:"-"`
	UpdatedAt int64  `json:"updatedAt"`
}

func (AuthSession) TableName() string { return "auth_sessions" }

// Setting stores key-value runtime settings that survive restarts.
type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (Setting) TableName() string { return "settings" }
