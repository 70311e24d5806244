package vault

import "time"

// Size unit constants, ported from the teacher's pkg/warplib/misc.go.
const (
	B  int64 = 1
	KB       = 1024 * B
	MB       = 1024 * KB
	GB       = 1024 * MB
)

const (
	// DefaultFileMode is the permission mode for created files.
	DefaultFileMode = 0644
	// DefaultDirMode is the permission mode for created directories.
	DefaultDirMode = 0755
)

// MaxArtifactSize is the global cap on a single downloaded archive (§6).
const MaxArtifactSize = 8 * GB

// DefaultThreads is the Chunked Downloader's thread count absent any
// configuration override, clamped to [1, 32] wherever it is set.
const DefaultThreads = 8

// MinThreads and MaxThreads bound DOWNLOAD_THREADS (§6).
const (
	MinThreads = 1
	MaxThreads = 32
)

// ChunkRetries and ChunkRetryDelay govern per-chunk retry (§4.3).
const (
	ChunkRetries    = 3
	ChunkRetryDelay = 2 * time.Second
)

// DownloadTimeout is the global per-task timeout (§6).
const DownloadTimeout = 8 * time.Hour

// ProgressTickInterval is the throttled progress/speed sampling period.
const ProgressTickInterval = 500 * time.Millisecond

// timeLayout is the ISO-8601 layout used for Task.CreatedAt in the
// on-disk snapshot.
const timeLayout = time.RFC3339

func parseTimeOrZero(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// clampThreads clamps n to [MinThreads, MaxThreads], substituting
// DefaultThreads for n <= 0.
func clampThreads(n int) int {
	if n <= 0 {
		n = DefaultThreads
	}
	if n < MinThreads {
		n = MinThreads
	}
	if n > MaxThreads {
		n = MaxThreads
	}
	return n
}
