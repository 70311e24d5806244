package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warpdl/ipavault/pkg/logger"
)

// ProgressFunc receives a downloaded/total byte pair and a formatted
// speed string at each tick of the progress ticker (§4.3).
type ProgressFunc func(downloaded, total int64, speed string)

// DownloaderOpts configures a Downloader. Threads defaults to
// DefaultThreads (clamped to [MinThreads, MaxThreads]) when zero.
type DownloaderOpts struct {
	Threads       int
	OnProgress    ProgressFunc
	RetryAttempts int
	RetryDelay    time.Duration
}

// Downloader performs a parallel range-request download of a single
// URL into destPath, falling back to single-stream when the origin does
// not advertise range support, under one cancellation signal (the ctx
// passed to Download). It is constructed fresh for every task start and
// never outlives that one Download call (§9 ownership note).
type Downloader struct {
	client   *http.Client
	url      string
	destPath string
	threads  int
	onProg   ProgressFunc
	log      logger.Logger

	retryAttempts int
	retryDelay    time.Duration

	stopped int32

	countersMu sync.Mutex
	counters   []int64
}

// NewDownloader constructs a Downloader. client must be non-nil.
func NewDownloader(client *http.Client, url, destPath string, opts *DownloaderOpts, l logger.Logger) *Downloader {
	if opts == nil {
		opts = &DownloaderOpts{}
	}
	if l == nil {
		l = logger.NewStandardLogger(stdlog.Default())
	}
	retryAttempts := opts.RetryAttempts
	if retryAttempts <= 0 {
		retryAttempts = ChunkRetries
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = ChunkRetryDelay
	}
	return &Downloader{
		client:        client,
		url:           url,
		destPath:      destPath,
		threads:       clampThreads(opts.Threads),
		onProg:        opts.OnProgress,
		log:           l,
		retryAttempts: retryAttempts,
		retryDelay:    retryDelay,
	}
}

// probeResult is what Probe learns about the origin without downloading
// any body bytes.
type probeResult struct {
	supportsRange bool
	contentLength int64
}

// probe issues a HEAD request under ctx. Any non-2xx response, a missing
// Accept-Ranges/Content-Length header pair, or a network error is not
// fatal: it simply means the caller should fall back to single-stream.
func (d *Downloader) probe(ctx context.Context) probeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.url, nil)
	if err != nil {
		return probeResult{}
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return probeResult{}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return probeResult{}
	}
	if !strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes") {
		return probeResult{}
	}
	cl, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil || cl <= 0 {
		return probeResult{}
	}
	return probeResult{supportsRange: true, contentLength: cl}
}

// Download runs the full probe -> (chunked | single-stream) -> merge
// pipeline, honoring ctx as the single cancellation signal for every
// suspension point (§5).
func (d *Downloader) Download(ctx context.Context) error {
	pr := d.probe(ctx)
	if !pr.supportsRange {
		return d.downloadSingleStream(ctx, 0)
	}
	if pr.contentLength > MaxArtifactSize {
		return fmt.Errorf("%w: %d bytes", ErrSizeLimitExceeded, pr.contentLength)
	}
	return d.downloadChunked(ctx, pr.contentLength)
}

type chunkRange struct {
	idx        int
	start, end int64 // inclusive, per the Range header convention
}

func (d *Downloader) chunkRanges(total int64) []chunkRange {
	chunkSize := (total + int64(d.threads) - 1) / int64(d.threads)
	ranges := make([]chunkRange, 0, d.threads)
	for i := 0; i < d.threads; i++ {
		start := int64(i) * chunkSize
		if start > total-1 {
			break
		}
		end := start + chunkSize - 1
		if end > total-1 {
			end = total - 1
		}
		ranges = append(ranges, chunkRange{idx: i, start: start, end: end})
	}
	return ranges
}

func (d *Downloader) partPath(idx int) string {
	return fmt.Sprintf("%s.part%d", d.destPath, idx)
}

func (d *Downloader) downloadChunked(ctx context.Context, total int64) error {
	ranges := d.chunkRanges(total)
	d.countersMu.Lock()
	d.counters = make([]int64, len(ranges))
	d.countersMu.Unlock()

	tickerCtx, stopTicker := context.WithCancel(context.Background())
	defer stopTicker()
	go d.runTicker(tickerCtx, total)

	var wg sync.WaitGroup
	errs := make([]error, len(ranges))
	for _, r := range ranges {
		wg.Add(1)
		go func(r chunkRange) {
			defer wg.Done()
			errs[r.idx] = d.fetchChunkWithRetry(ctx, r)
		}(r)
	}
	wg.Wait()
	stopTicker()

	for _, err := range errs {
		if err != nil {
			d.removePartFiles()
			return err
		}
	}
	if atomic.LoadInt32(&d.stopped) == 1 {
		d.removePartFiles()
		return ErrAborted
	}
	if err := d.mergeParts(len(ranges)); err != nil {
		return err
	}
	if d.onProg != nil {
		d.onProg(total, total, "0 B/s")
	}
	return nil
}

func (d *Downloader) fetchChunkWithRetry(ctx context.Context, r chunkRange) error {
	var lastErr error
	for attempt := 0; attempt < d.retryAttempts; attempt++ {
		if atomic.LoadInt32(&d.stopped) == 1 {
			return ErrAborted
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := d.fetchChunk(ctx, r)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || atomic.LoadInt32(&d.stopped) == 1 {
			return err
		}
		if attempt < d.retryAttempts-1 {
			d.log.Warning("vault: chunk %d attempt %d/%d failed: %v", r.idx, attempt+1, d.retryAttempts, err)
			select {
			case <-time.After(d.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("chunk %d: %w", r.idx, lastErr)
}

func (d *Downloader) fetchChunk(ctx context.Context, r chunkRange) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", r.start, r.end))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d for chunk %d", resp.StatusCode, r.idx)
	}
	f, err := os.OpenFile(d.partPath(r.idx), os.O_RDWR|os.O_CREATE|os.O_TRUNC, DefaultFileMode)
	if err != nil {
		return err
	}
	defer f.Close()

	expected := r.end - r.start + 1
	limit := &limitedChunkWriter{
		w:        f,
		limit:    2 * expected,
		onWrite:  func(n int64) { d.addChunkBytes(r.idx, n) },
	}
	_, err = io.Copy(limit, resp.Body)
	return err
}

// limitedChunkWriter guards against a misbehaving origin sending far
// more than the expected chunk length (§4.3).
type limitedChunkWriter struct {
	w       io.Writer
	limit   int64
	written int64
	onWrite func(n int64)
}

func (l *limitedChunkWriter) Write(p []byte) (int, error) {
	l.written += int64(len(p))
	if l.written > l.limit {
		return 0, ErrChunkExceededSize
	}
	n, err := l.w.Write(p)
	if n > 0 && l.onWrite != nil {
		l.onWrite(int64(n))
	}
	return n, err
}

func (d *Downloader) addChunkBytes(idx int, n int64) {
	d.countersMu.Lock()
	if idx < len(d.counters) {
		d.counters[idx] += n
	}
	d.countersMu.Unlock()
}

func (d *Downloader) sumCounters() int64 {
	d.countersMu.Lock()
	defer d.countersMu.Unlock()
	var total int64
	for _, c := range d.counters {
		total += c
	}
	return total
}

func (d *Downloader) runTicker(ctx context.Context, total int64) {
	ticker := time.NewTicker(ProgressTickInterval)
	defer ticker.Stop()
	var last int64
	lastAt := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sum := d.sumCounters()
			elapsed := now.Sub(lastAt).Seconds()
			var bps float64
			if elapsed > 0 {
				bps = float64(sum-last) / elapsed
			}
			last = sum
			lastAt = now
			if d.onProg != nil {
				d.onProg(sum, total, FormatSpeed(bps))
			}
		}
	}
}

func (d *Downloader) mergeParts(n int) error {
	out, err := os.OpenFile(d.destPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, DefaultFileMode)
	if err != nil {
		return err
	}
	defer out.Close()
	for i := 0; i < n; i++ {
		in, err := os.Open(d.partPath(i))
		if err != nil {
			return err
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			return err
		}
	}
	d.removePartFiles()
	return nil
}

// removePartFiles best-effort removes every sibling of destPath whose
// name begins with "<basename>.part" — covering both a normal merge and
// the leftovers of a just-torn-down abort (§4.3 Abort).
func (d *Downloader) removePartFiles() {
	dir := filepath.Dir(d.destPath)
	base := filepath.Base(d.destPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	prefix := base + ".part"
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}

func (d *Downloader) downloadSingleStream(ctx context.Context, already int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	total := int64(-1)
	if cl, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil && cl > 0 {
		total = cl
	}
	if total > MaxArtifactSize {
		return fmt.Errorf("%w: %d bytes", ErrSizeLimitExceeded, total)
	}

	f, err := os.OpenFile(d.destPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, DefaultFileMode)
	if err != nil {
		return err
	}
	defer f.Close()

	tickerCtx, stopTicker := context.WithCancel(context.Background())
	defer stopTicker()
	d.countersMu.Lock()
	d.counters = make([]int64, 1)
	d.countersMu.Unlock()
	go d.runTicker(tickerCtx, total)

	var nread int64
	buf := make([]byte, 256*KB)
	for {
		if atomic.LoadInt32(&d.stopped) == 1 {
			stopTicker()
			return ErrAborted
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			nread += int64(n)
			if nread > MaxArtifactSize {
				stopTicker()
				return ErrSizeLimitExceeded
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				stopTicker()
				return werr
			}
			d.addChunkBytes(0, int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			stopTicker()
			return rerr
		}
	}
	stopTicker()
	if total == -1 {
		total = nread
	}
	if d.onProg != nil {
		d.onProg(total, total, "0 B/s")
	}
	return nil
}

// Abort marks the downloader as stopped (short-circuiting retry and the
// single-stream read loop), then best-effort removes any part files left
// behind. The parent context cancellation (owned by Manager) is what
// actually unblocks any in-flight HTTP read; Abort only guarantees the
// filesystem cleanup side of pause/delete.
func (d *Downloader) Abort() {
	atomic.StoreInt32(&d.stopped, 1)
	d.removePartFiles()
}
