package vault

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// relaxValidator swaps in a no-op download-URL validator for the duration
// of a test, matching spec.md §8's "test can relax host allowlist via
// injected validator" end-to-end scenario note.
func relaxValidator(t *testing.T) {
	t.Helper()
	orig := ValidateDownloadURL
	ValidateDownloadURL = func(string) error { return nil }
	t.Cleanup(func() { ValidateDownloadURL = orig })
}

func newTestManager(t *testing.T, client *http.Client) *Manager {
	t.Helper()
	mgr, err := NewManager(ManagerConfig{
		DataDir:         t.TempDir(),
		DownloadThreads: 4,
		HTTPClient:      client,
	}, nil)
	require.NoError(t, err)
	return mgr
}

func waitForStatus(t *testing.T, mgr *Manager, id string, want Status) *PublicTask {
	t.Helper()
	var last *PublicTask
	require.Eventually(t, func() bool {
		task, err := mgr.Get(id)
		if err != nil {
			return false
		}
		last = task
		return task.Status == want
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached status %s (last seen %+v)", id, want, last)
	return last
}

func TestManager_HappyMultiChunkDownload(t *testing.T) {
	relaxValidator(t)
	payload := deterministicPayload(256 * 1024)
	srv := rangeTestServer(t, payload, true)

	mgr := newTestManager(t, srv.Client())
	task, err := mgr.Create(Software{Name: "App", BundleID: "com.example.app", Version: "1.0"}, "acct-1", srv.URL, nil, "")
	require.NoError(t, err)
	require.Equal(t, StatusPending, task.Status)

	final := waitForStatus(t, mgr, task.ID, StatusCompleted)
	require.Equal(t, 100, final.Progress)
	require.True(t, final.HasFile)

	internal, ok := mgr.store.Get(task.ID)
	require.True(t, ok)
	got, err := os.ReadFile(internal.FilePath)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got))

	// §3/§8 invariant 1: a completed task never retains secret fields.
	require.Empty(t, internal.DownloadURL)
	require.Empty(t, internal.Sinfs)
	require.Empty(t, internal.ITunesMetadata)
}

func TestManager_PauseThenResume(t *testing.T) {
	relaxValidator(t)
	payload := deterministicPayload(512 * 1024)

	var serveSlowly atomic.Bool
	serveSlowly.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.WriteHeader(http.StatusOK)
			return
		}
		if serveSlowly.Load() {
			time.Sleep(200 * time.Millisecond)
		}
		rangeHeader := r.Header.Get("Range")
		var start, end int64
		fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
		if end >= int64(len(payload)) {
			end = int64(len(payload)) - 1
		}
		chunk := payload[start : end+1]
		w.Header().Set("Content-Length", strconv.Itoa(len(chunk)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(chunk)
	}))
	t.Cleanup(srv.Close)

	mgr := newTestManager(t, srv.Client())
	task, err := mgr.Create(Software{Name: "App", BundleID: "com.example.app", Version: "2.0"}, "acct-1", srv.URL, nil, "")
	require.NoError(t, err)

	waitForStatus(t, mgr, task.ID, StatusDownloading)
	require.NoError(t, mgr.Pause(task.ID))

	paused := waitForStatus(t, mgr, task.ID, StatusPaused)
	require.False(t, paused.HasFile)

	serveSlowly.Store(false)
	require.NoError(t, mgr.Resume(task.ID))
	final := waitForStatus(t, mgr, task.ID, StatusCompleted)
	require.Equal(t, 100, final.Progress)
}

func TestManager_DeleteRemovesFileAndEmptyDirs(t *testing.T) {
	relaxValidator(t)
	payload := deterministicPayload(32 * 1024)
	srv := rangeTestServer(t, payload, true)

	mgr := newTestManager(t, srv.Client())
	task, err := mgr.Create(Software{Name: "App", BundleID: "com.example.app", Version: "1.0"}, "acct-1", srv.URL, nil, "")
	require.NoError(t, err)
	waitForStatus(t, mgr, task.ID, StatusCompleted)

	internal, ok := mgr.store.Get(task.ID)
	require.True(t, ok)
	versionDir := filepath.Dir(internal.FilePath)

	require.NoError(t, mgr.Delete(task.ID))

	_, err = os.Stat(internal.FilePath)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(versionDir)
	require.True(t, os.IsNotExist(err))

	_, err = mgr.Get(task.ID)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestManager_PauseRejectsNonDownloadingTask(t *testing.T) {
	relaxValidator(t)
	payload := deterministicPayload(8 * 1024)
	srv := rangeTestServer(t, payload, true)

	mgr := newTestManager(t, srv.Client())
	task, err := mgr.Create(Software{Name: "App", BundleID: "com.example.app", Version: "1.0"}, "acct-1", srv.URL, nil, "")
	require.NoError(t, err)
	waitForStatus(t, mgr, task.ID, StatusCompleted)

	err = mgr.Pause(task.ID)
	require.ErrorIs(t, err, ErrNotDownloading)
}

func TestManager_SanitizeForResponseNeverLeaksInternalFields(t *testing.T) {
	mgr := newTestManager(t, http.DefaultClient)
	internal := &Task{
		ID:             "t1",
		DownloadURL:    "https://secret.apple.com/x.ipa",
		Sinfs:          []Sinf{{ID: 1, Data: "abc"}},
		ITunesMetadata: "base64stuff",
		FilePath:       "/does/not/exist",
		Status:         StatusFailed,
	}
	pub := mgr.SanitizeForResponse(internal)
	require.False(t, pub.HasFile)

	b, err := json.Marshal(pub)
	require.NoError(t, err)
	s := string(b)
	require.NotContains(t, s, "secret.apple.com")
	require.NotContains(t, s, "base64stuff")
	require.NotContains(t, s, "/does/not/exist")
}
