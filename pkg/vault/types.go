package vault

import "time"

// Status is a task's position in the lifecycle state machine (§3).
//
//	pending -> downloading
//	downloading -> injecting | paused | failed | completed
//	injecting -> completed
//	paused -> downloading
//	completed, failed are terminal until deleted
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusInjecting   Status = "injecting"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Software is the vendor-supplied descriptor of the archive being
// fetched. BundleID and Version are both path segments (after
// sanitization) and user-visible identifiers.
type Software struct {
	Name          string `json:"name"`
	BundleID      string `json:"bundleID"`
	Version       string `json:"version"`
	FileSizeBytes int64  `json:"fileSizeBytes,omitempty"`
}

// Sinf is an opaque per-bundle-file signature blob paired with the
// manifest entry it signs. Data is base64 text on the wire; callers
// that need raw bytes decode it themselves (see inject.go).
type Sinf struct {
	ID   int    `json:"id"`
	Data string `json:"data"`
}

// Task is the authoritative record of one archive download, from
// creation through completion or failure (§3). Only Manager mutates
// Status, Progress, Speed, Error and FilePath; Downloader mutates
// Progress and Speed exclusively through the callback Manager supplies.
type Task struct {
	ID             string    `json:"id"`
	Software       Software  `json:"software"`
	AccountHash    string    `json:"accountHash"`
	DownloadURL    string    `json:"downloadURL"`
	Sinfs          []Sinf    `json:"sinfs"`
	ITunesMetadata string    `json:"iTunesMetadata,omitempty"`
	Status         Status    `json:"status"`
	Progress       int       `json:"progress"`
	Speed          string    `json:"speed"`
	FilePath       string    `json:"filePath,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// clone returns a deep-enough copy of t for safe handoff across the
// Manager/subscriber boundary: callers must not be able to mutate a
// Task the Manager still owns.
func (t *Task) clone() *Task {
	c := *t
	c.Sinfs = append([]Sinf(nil), t.Sinfs...)
	return &c
}

// PublicTask is the sanitized projection returned over the HTTP API
// (§4.6 sanitizeTaskForResponse). It never carries downloadURL, sinfs,
// iTunesMetadata, or filePath.
type PublicTask struct {
	ID        string    `json:"id"`
	Software  Software  `json:"software"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Speed     string    `json:"speed"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	HasFile   bool      `json:"hasFile"`
}
