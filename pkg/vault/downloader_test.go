package vault

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// rangeTestServer serves a fixed payload, honoring Range requests when
// supportsRange is true and advertising Accept-Ranges on HEAD.
func rangeTestServer(t *testing.T, payload []byte, supportsRange bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			if supportsRange {
				w.Header().Set("Accept-Ranges", "bytes")
			}
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.WriteHeader(http.StatusOK)
			return
		}
		rangeHeader := r.Header.Get("Range")
		if supportsRange && rangeHeader != "" {
			var start, end int64
			fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
			if end >= int64(len(payload)) {
				end = int64(len(payload)) - 1
			}
			chunk := payload[start : end+1]
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(payload)))
			w.Header().Set("Content-Length", strconv.Itoa(len(chunk)))
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(chunk)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func deterministicPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestDownloader_ChunkedHappyPath(t *testing.T) {
	payload := deterministicPayload(64 * 1024)
	srv := rangeTestServer(t, payload, true)

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	d := NewDownloader(srv.Client(), srv.URL, dest, &DownloaderOpts{Threads: 4}, nil)

	require.NoError(t, d.Download(context.Background()))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.Contains(e.Name(), ".part"), "leftover part file %s", e.Name())
	}
}

func TestDownloader_RangeUnsupportedFallback(t *testing.T) {
	payload := deterministicPayload(32 * 1024)
	srv := rangeTestServer(t, payload, false)

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	d := NewDownloader(srv.Client(), srv.URL, dest, &DownloaderOpts{Threads: 4}, nil)

	require.NoError(t, d.Download(context.Background()))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got))
}

func TestDownloader_ChunkRetrySucceedsAfterFailures(t *testing.T) {
	payload := deterministicPayload(64 * 1024)
	const failingChunkStart = "32768"
	var attempts int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.WriteHeader(http.StatusOK)
			return
		}
		rangeHeader := r.Header.Get("Range")
		var start, end int64
		fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
		if end >= int64(len(payload)) {
			end = int64(len(payload)) - 1
		}
		if strings.Contains(rangeHeader, "bytes="+failingChunkStart+"-") {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
		}
		chunk := payload[start : end+1]
		w.Header().Set("Content-Length", strconv.Itoa(len(chunk)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(chunk)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	d := NewDownloader(srv.Client(), srv.URL, dest, &DownloaderOpts{
		Threads:       4,
		RetryAttempts: 3,
		RetryDelay:    5 * time.Millisecond,
	}, nil)

	require.NoError(t, d.Download(context.Background()))
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got))
}

func TestDownloader_AbortRemovesPartFiles(t *testing.T) {
	payload := deterministicPayload(64 * 1024)
	block := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.WriteHeader(http.StatusOK)
			return
		}
		<-block
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	d := NewDownloader(srv.Client(), srv.URL, dest, &DownloaderOpts{Threads: 4}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Download(ctx) }()

	time.Sleep(20 * time.Millisecond)
	d.Abort()
	cancel()
	<-done

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.Contains(e.Name(), ".part"), "leftover part file %s", e.Name())
	}
}

func TestLimitedChunkWriter_ExceedsLimit(t *testing.T) {
	var buf bytes.Buffer
	w := &limitedChunkWriter{w: &buf, limit: 4}
	_, err := w.Write([]byte("12345"))
	require.ErrorIs(t, err, ErrChunkExceededSize)
}

func TestLimitedChunkWriter_WithinLimit(t *testing.T) {
	var buf bytes.Buffer
	var written int64
	w := &limitedChunkWriter{w: &buf, limit: 10, onWrite: func(n int64) { written += n }}
	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, int64(5), written)
}
