package vault

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/warpdl/ipavault/pkg/logger"
)

// ManagerConfig configures a Manager at construction time. Every field
// has a safe zero value; DownloadThreads is clamped to
// [MinThreads, MaxThreads] the same way the Downloader clamps its own
// Threads option.
type ManagerConfig struct {
	DataDir          string
	DownloadThreads  int
	AutoCleanupDays  int
	AutoCleanupMaxMB int64
	HTTPClient       *http.Client
}

// downloadHandle is what the Manager tracks for one in-flight download:
// the single cancellation source plus the registered Downloader instance
// (§3 invariant: "at most one active Downloader instance registered in
// the Manager's internal indices").
type downloadHandle struct {
	cancel   context.CancelFunc
	timer    *time.Timer
	timedOut *int32
	dl       *Downloader
}

// Manager is the top-level orchestrator (§4.6): it creates tasks, runs
// cleanup before each start, drives the Downloader, invokes the
// Injector, transitions task state, persists, and handles
// abort/pause/resume/delete. All Task mutation happens through Manager
// entry points, serialized by store's single mutex (§9).
type Manager struct {
	store *Store
	fan   *fanout
	cfg   ManagerConfig
	log   logger.Logger
	http  *http.Client

	mu      sync.Mutex
	handles map[string]*downloadHandle
}

// NewManager opens the data directory's persistent store and returns a
// ready-to-use Manager. Call Start to run the initial cleanup sweep and
// schedule the midnight cleanup tick.
func NewManager(cfg ManagerConfig, l logger.Logger) (*Manager, error) {
	if l == nil {
		l = logger.NewStandardLogger(stdlog.Default())
	}
	store, err := NewStore(cfg.DataDir, l)
	if err != nil {
		return nil, err
	}
	cfg.DownloadThreads = clampThreads(cfg.DownloadThreads)
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Manager{
		store:   store,
		fan:     newFanout(),
		cfg:     cfg,
		log:     l,
		http:    client,
		handles: make(map[string]*downloadHandle),
	}, nil
}

// Start runs the initial age- and size-based cleanup sweep and schedules
// the next run at the next local midnight (§4.5 startup step 5), looping
// until ctx is canceled. Size-based cleanup also runs at every download
// start (§9 open question: a long-idle process still trims nightly).
func (m *Manager) Start(ctx context.Context) {
	m.runAgeCleanup()
	m.runSizeCleanup()
	safeGo(m.log, "cleanup-scheduler", nil, func() {
		for {
			wake := nextLocalMidnight(time.Now())
			timer := time.NewTimer(time.Until(wake))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				m.runAgeCleanup()
				m.runSizeCleanup()
			}
		}
	})
}

// Create validates a new download request, builds a pending task, and
// schedules the download to begin asynchronously (§4.6 create).
func (m *Manager) Create(software Software, accountHash, downloadURL string, sinfs []Sinf, iTunesMetadata string) (*PublicTask, error) {
	if err := ValidateDownloadURL(downloadURL); err != nil {
		return nil, err
	}
	if _, err := SanitizePathSegment(accountHash, "account hash"); err != nil {
		return nil, err
	}
	if _, err := SanitizePathSegment(software.BundleID, "bundle ID"); err != nil {
		return nil, err
	}
	if _, err := SanitizePathSegment(software.Version, "version"); err != nil {
		return nil, err
	}

	task := &Task{
		ID:             uuid.NewString(),
		Software:       software,
		AccountHash:    accountHash,
		DownloadURL:    downloadURL,
		Sinfs:          append([]Sinf(nil), sinfs...),
		ITunesMetadata: iTunesMetadata,
		Status:         StatusPending,
		Progress:       0,
		Speed:          "0 B/s",
		CreatedAt:      time.Now(),
	}
	m.store.Insert(task)
	pub := m.SanitizeForResponse(task)
	safeGo(m.log, "start-download:"+task.ID, nil, func() { m.startDownload(task.ID) })
	return pub, nil
}

// Get returns the sanitized projection of a task, or ErrTaskNotFound.
func (m *Manager) Get(id string) (*PublicTask, error) {
	t, ok := m.store.Get(id)
	if !ok {
		return nil, ErrTaskNotFound
	}
	return m.SanitizeForResponse(t), nil
}

// GetOwned is like Get but also returns the task's account hash so the
// HTTP layer can enforce the ownership check described in §6.
func (m *Manager) GetOwned(id string) (*PublicTask, string, error) {
	t, ok := m.store.Get(id)
	if !ok {
		return nil, "", ErrTaskNotFound
	}
	return m.SanitizeForResponse(t), t.AccountHash, nil
}

// List returns the sanitized projection of every task owned by any of
// the given account hashes.
func (m *Manager) List(accountHashes []string) []*PublicTask {
	tasks := m.store.List(accountHashes)
	out := make([]*PublicTask, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, m.SanitizeForResponse(t))
	}
	return out
}

// SanitizeForResponse strips every internal-only field and computes
// HasFile from the live filesystem (§4.6 sanitizeTaskForResponse).
func (m *Manager) SanitizeForResponse(t *Task) *PublicTask {
	hasFile := false
	if t.FilePath != "" {
		if _, err := os.Stat(t.FilePath); err == nil {
			hasFile = true
		}
	}
	return &PublicTask{
		ID:        t.ID,
		Software:  t.Software,
		Status:    t.Status,
		Progress:  t.Progress,
		Speed:     t.Speed,
		Error:     t.Error,
		CreatedAt: t.CreatedAt,
		HasFile:   hasFile,
	}
}

// Subscribe registers a new progress/status channel for a task.
func (m *Manager) Subscribe(id string) chan Event { return m.fan.Subscribe(id) }

// Unsubscribe removes a previously subscribed channel.
func (m *Manager) Unsubscribe(id string, ch chan Event) { m.fan.Unsubscribe(id, ch) }

func (m *Manager) notifyStatus(id string) {
	t, ok := m.store.Get(id)
	if !ok {
		return
	}
	m.fan.Notify(id, Event{Task: m.SanitizeForResponse(t)})
}

// startDownload drives one task from pending through to completed or
// failed (§4.6 startDownload). It is always invoked in its own goroutine
// by Create or Resume.
func (m *Manager) startDownload(id string) {
	m.runAgeCleanup()
	m.runSizeCleanup()

	task, ok := m.store.Get(id)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	var timedOut int32
	timer := time.AfterFunc(DownloadTimeout, func() {
		atomic.StoreInt32(&timedOut, 1)
		cancel()
	})

	m.mu.Lock()
	m.handles[id] = &downloadHandle{cancel: cancel, timer: timer, timedOut: &timedOut}
	m.mu.Unlock()

	m.store.withTask(id, func(t *Task) {
		t.Status = StatusDownloading
		t.Progress = 0
		t.Speed = "0 B/s"
		t.Error = ""
	})
	m.notifyStatus(id)

	filePath, err := m.assignFilePath(task)
	if err != nil {
		m.finishWithError(id, err, &timedOut, cancel, timer)
		return
	}
	m.store.withTask(id, func(t *Task) { t.FilePath = filePath })

	if err := ValidateDownloadURL(task.DownloadURL); err != nil {
		m.finishWithError(id, err, &timedOut, cancel, timer)
		return
	}

	dl := NewDownloader(m.http, task.DownloadURL, filePath, &DownloaderOpts{
		Threads: m.cfg.DownloadThreads,
		OnProgress: func(downloaded, total int64, speed string) {
			progress := 0
			if total > 0 {
				progress = int(downloaded * 100 / total)
				if progress > 100 {
					progress = 100
				}
			}
			m.store.withTask(id, func(t *Task) {
				t.Speed = speed
				if total > 0 {
					t.Progress = progress
				}
			})
			m.notifyStatus(id)
		},
	}, m.log)

	m.mu.Lock()
	if h, ok := m.handles[id]; ok {
		h.dl = dl
	}
	m.mu.Unlock()

	dlErr := dl.Download(ctx)

	m.mu.Lock()
	delete(m.handles, id)
	m.mu.Unlock()
	timer.Stop()

	if dlErr != nil {
		m.finishWithError(id, dlErr, &timedOut, cancel, timer)
		return
	}

	task, _ = m.store.Get(id)
	if len(task.Sinfs) > 0 {
		m.store.withTask(id, func(t *Task) {
			t.Status = StatusInjecting
			t.Progress = 100
		})
		m.notifyStatus(id)
		if err := Inject(filePath, task.Sinfs, task.ITunesMetadata, m.log); err != nil {
			m.log.Error("vault: injection failed for task %s: %v", id, err)
			m.store.withTask(id, func(t *Task) {
				t.Status = StatusFailed
				t.Error = "Download failed"
			})
			m.notifyStatus(id)
			_ = os.Remove(filePath)
			return
		}
	}

	m.store.withTask(id, func(t *Task) {
		t.Status = StatusCompleted
		t.DownloadURL = ""
		t.Sinfs = nil
		t.ITunesMetadata = ""
		t.Progress = 100
	})
	if err := m.store.Persist(); err != nil {
		m.log.Warning("vault: failed to persist snapshot: %v", err)
	}
	m.notifyStatus(id)
}

// assignFilePath re-sanitizes the task's path segments, composes the
// deterministic destination directory, asserts it resolves strictly
// within the packages base, and creates it (§4.6 step 5, §3 invariant).
func (m *Manager) assignFilePath(task *Task) (string, error) {
	acct, err := SanitizePathSegment(task.AccountHash, "account hash")
	if err != nil {
		return "", err
	}
	bundle, err := SanitizePathSegment(task.Software.BundleID, "bundle ID")
	if err != nil {
		return "", err
	}
	version, err := SanitizePathSegment(task.Software.Version, "version")
	if err != nil {
		return "", err
	}
	dir := filepath.Join(m.store.PackagesBase(), acct, bundle, version)
	if !isStrictlyWithin(dir, m.store.PackagesBase()) {
		return "", ErrInvalidPath
	}
	if err := os.MkdirAll(dir, DefaultDirMode); err != nil {
		return "", err
	}
	return filepath.Join(dir, task.ID+".ipa"), nil
}

// isStrictlyWithin reports whether path resolves strictly beneath base,
// i.e. the resolved path begins with the resolved base plus the path
// separator (§3 invariant).
func isStrictlyWithin(path, base string) bool {
	path = filepath.Clean(path)
	base = filepath.Clean(base)
	return strings.HasPrefix(path, base+string(filepath.Separator))
}

// finishWithError classifies a download failure and, unless the task
// was paused out from under it, transitions the task to failed (§4.6
// step 12, §9 pause/abort race).
func (m *Manager) finishWithError(id string, err error, timedOut *int32, cancel context.CancelFunc, timer *time.Timer) {
	m.mu.Lock()
	delete(m.handles, id)
	m.mu.Unlock()
	timer.Stop()
	cancel()

	aborted := errors.Is(err, context.Canceled) || errors.Is(err, ErrAborted)

	task, ok := m.store.Get(id)
	if !ok {
		return
	}
	if aborted && task.Status == StatusPaused {
		// pause() already transitioned the task; this goroutine's abort
		// observation loses the race and must not override it.
		return
	}

	var msg string
	switch {
	case errors.Is(err, ErrInvalidPath):
		msg = ErrInvalidPath.Error()
	case atomic.LoadInt32(timedOut) == 1:
		msg = ErrTimedOut.Error()
	default:
		msg = "Download failed"
	}

	m.store.withTask(id, func(t *Task) {
		t.Status = StatusFailed
		t.Error = msg
	})
	if task.FilePath != "" {
		_ = os.Remove(task.FilePath)
	}
	m.notifyStatus(id)
}

// Pause aborts an in-flight download and marks the task paused (§4.6
// pause). Only valid when the task is currently downloading.
func (m *Manager) Pause(id string) error {
	task, ok := m.store.Get(id)
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != StatusDownloading {
		return ErrNotDownloading
	}

	// Set paused before aborting so the awaiting startDownload goroutine
	// observes the new status as soon as its abort returns (§9, §5).
	m.store.withTask(id, func(t *Task) { t.Status = StatusPaused })
	m.notifyStatus(id)

	m.mu.Lock()
	h := m.handles[id]
	m.mu.Unlock()
	if h != nil {
		if h.dl != nil {
			h.dl.Abort()
		}
		h.cancel()
	}
	return nil
}

// Resume re-invokes startDownload for a paused task; the download always
// restarts from byte 0 (§4.6 resume: no resumable-byte state).
func (m *Manager) Resume(id string) error {
	task, ok := m.store.Get(id)
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != StatusPaused {
		return ErrNotPaused
	}
	safeGo(m.log, "resume-download:"+id, nil, func() { m.startDownload(id) })
	return nil
}

// Delete aborts any in-flight downloader/cancellation, removes the
// task's file and any now-empty ancestor directories up to the packages
// base, drops the map entry, and persists the snapshot (§4.6 delete).
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	h := m.handles[id]
	delete(m.handles, id)
	m.mu.Unlock()
	if h != nil {
		if h.dl != nil {
			h.dl.Abort()
		}
		h.cancel()
	}

	task, ok := m.store.Delete(id)
	if !ok {
		return ErrTaskNotFound
	}

	if task.FilePath != "" && isStrictlyWithin(task.FilePath, m.store.PackagesBase()) {
		if _, err := os.Stat(task.FilePath); err == nil {
			_ = os.Remove(task.FilePath)
		}
		dir := filepath.Dir(task.FilePath)
		for isStrictlyWithin(dir, m.store.PackagesBase()) {
			entries, err := os.ReadDir(dir)
			if err != nil || len(entries) > 0 {
				break
			}
			if err := os.Remove(dir); err != nil {
				break
			}
			dir = filepath.Dir(dir)
		}
	}

	m.fan.Close(id)
	if err := m.store.Persist(); err != nil {
		return fmt.Errorf("persist after delete: %w", err)
	}
	return nil
}
