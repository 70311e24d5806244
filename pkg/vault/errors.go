package vault

import "errors"

// Sentinel errors surfaced by the validator, sanitizer, downloader, and
// injector. Callers use errors.Is to classify them; the Manager only ever
// needs to distinguish "validation" (never starts a task) from everything
// else (fails an already-started task).
var (
	// ErrInvalidURL is returned when the download URL does not parse.
	ErrInvalidURL = errors.New("Invalid URL")
	// ErrNotHTTPS is returned when the download URL scheme is not https.
	ErrNotHTTPS = errors.New("Must use HTTPS")
	// ErrDisallowedDomain is returned when the hostname is not an allowed suffix.
	ErrDisallowedDomain = errors.New("Must be from an allowed domain")
	// ErrIPLiteral is returned when the hostname is an IPv4 or IPv6 literal.
	ErrIPLiteral = errors.New("Must not use IP addresses")

	// ErrInvalidPath is returned when a resolved filesystem path escapes
	// the packages base directory.
	ErrInvalidPath = errors.New("Invalid path")

	// ErrSizeLimitExceeded is returned when a probed or observed
	// Content-Length exceeds the configured maximum artifact size.
	ErrSizeLimitExceeded = errors.New("file exceeds maximum allowed size")
	// ErrSizeUnknown is returned by the size pre-flight when neither HEAD
	// nor a ranged GET reveal a total size.
	ErrSizeUnknown = errors.New("Unable to verify file size")

	// ErrChunkExceededSize is returned when a chunk stream delivers more
	// than twice its expected length, guarding against a misbehaving origin.
	ErrChunkExceededSize = errors.New("exceeded expected size")

	// ErrAborted is returned when Downloader.Abort (pause/delete) stops a
	// download. The global per-task timeout cancels the download's context
	// instead; Manager recognizes a timeout by a flag its timer sets.
	ErrAborted = errors.New("download aborted")
	// ErrTimedOut's message is the task error Manager records when the
	// global per-task timeout fires.
	ErrTimedOut = errors.New("Download timed out")

	// ErrManifestAndInfoMissing is returned by the injector when neither a
	// manifest nor an info plist could be read from the archive.
	ErrManifestAndInfoMissing = errors.New("Could not read manifest or info plist")

	// ErrTaskNotFound is returned by Manager operations on an unknown id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrNotDownloading is returned by pause when the task isn't downloading.
	ErrNotDownloading = errors.New("task is not downloading")
	// ErrNotPaused is returned by resume when the task isn't paused.
	ErrNotPaused = errors.New("task is not paused")
)
