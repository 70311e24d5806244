package vault

import (
	"os"
	"sort"
	"time"
)

// nextLocalMidnight returns the next occurrence of local midnight after
// now. Rescheduling from this absolute value on every iteration (rather
// than sleeping a fixed 24h) avoids clock drift (§4.5).
func nextLocalMidnight(now time.Time) time.Time {
	y, mo, d := now.Date()
	return time.Date(y, mo, d+1, 0, 0, 0, 0, now.Location())
}

// runAgeCleanup deletes every completed task whose file's modification
// time is older than autoCleanupDays. A non-positive autoCleanupDays
// disables age-based cleanup entirely.
func (m *Manager) runAgeCleanup() {
	if m.cfg.AutoCleanupDays <= 0 {
		return
	}
	threshold := time.Now().Add(-time.Duration(m.cfg.AutoCleanupDays) * 24 * time.Hour)
	for _, t := range m.store.CompletedWithFile() {
		info, err := os.Stat(t.FilePath)
		if err != nil {
			continue
		}
		if info.ModTime().Before(threshold) {
			m.log.Info("vault: age-cleanup evicting task %s (modified %s)", t.ID, info.ModTime())
			_ = m.Delete(t.ID)
		}
	}
}

// runSizeCleanup sums the size of every completed task's file and, if
// the total exceeds autoCleanupMaxMB, evicts the oldest-modified files
// until the total is back within budget. A non-positive autoCleanupMaxMB
// disables size-based cleanup entirely.
func (m *Manager) runSizeCleanup() {
	if m.cfg.AutoCleanupMaxMB <= 0 {
		return
	}
	budget := m.cfg.AutoCleanupMaxMB * MB
	tasks := m.store.CompletedWithFile()

	type sized struct {
		task    *Task
		size    int64
		modTime time.Time
	}
	entries := make([]sized, 0, len(tasks))
	var total int64
	for _, t := range tasks {
		info, err := os.Stat(t.FilePath)
		if err != nil {
			continue
		}
		entries = append(entries, sized{task: t, size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
	}
	if total <= budget {
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].modTime.Before(entries[j].modTime) })
	for _, e := range entries {
		if total <= budget {
			break
		}
		m.log.Info("vault: size-cleanup evicting task %s (%d bytes)", e.task.ID, e.size)
		_ = m.Delete(e.task.ID)
		total -= e.size
	}
}
