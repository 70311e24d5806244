package vault

import (
	"encoding/json"
	stdlog "log"
	"os"
	"path/filepath"
	"sync"

	"github.com/warpdl/ipavault/pkg/logger"
)

const (
	tasksFileName       = "tasks.json"
	legacyTasksFileName = "downloads.json"
	packagesDirName     = "packages"
)

// snapshotEntry is the on-disk projection of a completed Task (§4.5): the
// secret-bearing fields are always empty, never merely omitted, so an
// older reader that doesn't understand `omitempty` still sees them cleared.
type snapshotEntry struct {
	ID          string   `json:"id"`
	Software    Software `json:"software"`
	AccountHash string   `json:"accountHash"`
	DownloadURL string   `json:"downloadURL"`
	Sinfs       []Sinf   `json:"sinfs"`
	Status      Status   `json:"status"`
	Progress    int      `json:"progress"`
	Speed       string   `json:"speed"`
	FilePath    string   `json:"filePath"`
	CreatedAt   string   `json:"createdAt"`
}

// Store owns the in-memory id->Task map and its crash-safe on-disk JSON
// snapshot. Only Manager entry points call into Store, so a single mutex
// is sufficient (§9: "a single-writer model ... is the simplest correct
// design").
type Store struct {
	mu           sync.RWMutex
	items        map[string]*Task
	dataDir      string
	packagesBase string
	log          logger.Logger
}

// NewStore opens (or creates) the data directory layout, migrates away
// the legacy snapshot file, loads tasks.json, and reconciles the
// packages tree against what was admitted (§4.5 steps 1-4).
func NewStore(dataDir string, l logger.Logger) (*Store, error) {
	if l == nil {
		l = logger.NewStandardLogger(stdlog.Default())
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, err
	}
	s := &Store{
		items:        make(map[string]*Task),
		dataDir:      absDataDir,
		packagesBase: filepath.Join(absDataDir, packagesDirName),
		log:          l,
	}
	if err := os.MkdirAll(s.dataDir, DefaultDirMode); err != nil {
		return nil, err
	}
	// Migration hygiene: drop the legacy snapshot unconditionally.
	_ = os.Remove(filepath.Join(s.dataDir, legacyTasksFileName))

	if err := os.MkdirAll(s.packagesBase, DefaultDirMode); err != nil {
		return nil, err
	}
	s.load()
	s.reconcilePackagesTree()
	return s, nil
}

// PackagesBase returns the absolute `<dataDir>/packages` directory that
// every task's FilePath must resolve strictly beneath.
func (s *Store) PackagesBase() string { return s.packagesBase }

// DataDir returns the absolute data directory root.
func (s *Store) DataDir() string { return s.dataDir }

// load reads tasks.json, admitting only completed entries whose file
// still exists. A corrupt snapshot is logged and treated as empty.
func (s *Store) load() {
	path := filepath.Join(s.dataDir, tasksFileName)
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warning("vault: failed to read %s: %v", path, err)
		}
		return
	}
	var entries []snapshotEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		s.log.Warning("vault: corrupt snapshot %s, starting empty: %v", path, err)
		return
	}
	for _, e := range entries {
		if e.Status != StatusCompleted {
			continue
		}
		if e.FilePath == "" {
			continue
		}
		if _, err := os.Stat(e.FilePath); err != nil {
			continue
		}
		createdAt := parseTimeOrZero(e.CreatedAt)
		s.items[e.ID] = &Task{
			ID:          e.ID,
			Software:    e.Software,
			AccountHash: e.AccountHash,
			Status:      StatusCompleted,
			Progress:    e.Progress,
			Speed:       e.Speed,
			FilePath:    e.FilePath,
			CreatedAt:   createdAt,
		}
	}
}

// reconcilePackagesTree removes any on-disk file under the packages base
// that is not the FilePath of an admitted task, then removes directories
// left empty by that removal, bottom-up (§4.5 step 4).
func (s *Store) reconcilePackagesTree() {
	known := make(map[string]struct{}, len(s.items))
	for _, t := range s.items {
		known[t.FilePath] = struct{}{}
	}
	var dirs []string
	_ = filepath.Walk(s.packagesBase, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil {
			return nil
		}
		if info.IsDir() {
			if path != s.packagesBase {
				dirs = append(dirs, path)
			}
			return nil
		}
		if _, ok := known[path]; !ok {
			if rmErr := os.Remove(path); rmErr != nil {
				s.log.Warning("vault: failed to remove orphan file %s: %v", path, rmErr)
			}
		}
		return nil
	})
	// Remove empty directories deepest-first.
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = removeIfEmptyDir(dirs[i])
	}
}

func removeIfEmptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return nil
	}
	return os.Remove(dir)
}

// Get returns a copy of the task with the given id.
func (s *Store) Get(id string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.items[id]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// withTask runs fn with exclusive access to the live Task record (not a
// copy), so Manager entry points can mutate status/progress/etc. in
// place. Returns false if id is unknown.
func (s *Store) withTask(id string, fn func(t *Task)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.items[id]
	if !ok {
		return false
	}
	fn(t)
	return true
}

// Insert adds a newly created task to the map.
func (s *Store) Insert(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[t.ID] = t
}

// Delete removes a task from the map and reports whether it was present.
func (s *Store) Delete(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.items[id]
	if ok {
		delete(s.items, id)
	}
	return t, ok
}

// List returns copies of every task owned by any of the given account
// hashes. An empty accountHashes yields an empty list, never "all tasks".
func (s *Store) List(accountHashes []string) []*Task {
	if len(accountHashes) == 0 {
		return []*Task{}
	}
	want := make(map[string]struct{}, len(accountHashes))
	for _, a := range accountHashes {
		want[a] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.items))
	for _, t := range s.items {
		if _, ok := want[t.AccountHash]; ok {
			out = append(out, t.clone())
		}
	}
	return out
}

// CompletedWithFile returns copies of every completed task whose file
// still exists on disk, used by both persistence and size-based cleanup.
func (s *Store) CompletedWithFile() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.items))
	for _, t := range s.items {
		if t.Status != StatusCompleted || t.FilePath == "" {
			continue
		}
		if _, err := os.Stat(t.FilePath); err != nil {
			continue
		}
		out = append(out, t.clone())
	}
	return out
}

// Persist writes the whole-file JSON snapshot of every completed task
// whose file still exists (§4.5, §8 invariant 3). Small N justifies the
// whole-file rewrite over an incremental format.
func (s *Store) Persist() error {
	tasks := s.CompletedWithFile()
	entries := make([]snapshotEntry, 0, len(tasks))
	for _, t := range tasks {
		entries = append(entries, snapshotEntry{
			ID:          t.ID,
			Software:    t.Software,
			AccountHash: t.AccountHash,
			DownloadURL: "",
			Sinfs:       []Sinf{},
			Status:      t.Status,
			Progress:    t.Progress,
			Speed:       t.Speed,
			FilePath:    t.FilePath,
			CreatedAt:   t.CreatedAt.Format(timeLayout),
		})
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dataDir, tasksFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, DefaultFileMode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
