// Package download implements a resumable, retry-capable HTTP file
// downloader. The destination file itself is the only durable checkpoint:
// a partial file's on-disk size is the resume cursor, so an interrupted
// multi-gigabyte transfer continues from where it stopped with no extra
// bookkeeping.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openmobility/bikeshare-etl/internal/observability"
)

// sizeUnknown marks a transfer whose expected size could not be probed.
const sizeUnknown int64 = -1

// Config bounds one downloader's retry and transfer behavior.
type Config struct {
	// MaxRetries is the per-file attempt budget.
	MaxRetries int
	// ChunkSize is the copy buffer size; the body is streamed to disk in
	// chunks of this size and never held in memory whole.
	ChunkSize int
	// Timeout applies to each GET attempt.
	Timeout time.Duration
	// ProbeTimeout applies to the HEAD size probe.
	ProbeTimeout time.Duration
	// Backoff is the base retry delay; attempt n sleeps Backoff * n.
	Backoff time.Duration
	// AcceptRatio is the minimum achieved/expected size ratio accepted as
	// a degraded last-resort success once retries are exhausted.
	AcceptRatio float64
}

// Result reports what one Fetch achieved so callers can decide whether to
// accept degraded data.
type Result struct {
	OK           bool
	Size         int64   // final on-disk size in bytes
	ExpectedSize int64   // -1 when the probe failed
	Ratio        float64 // Size/ExpectedSize; 1 when expected is unknown
	Attempts     int
	Resumed      bool // at least one attempt resumed from a partial file
}

// Downloader fetches remote files to local paths, one at a time.
type Downloader struct {
	cfg     Config
	client  *http.Client
	probe   *http.Client
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a Downloader. The clock is swappable so tests run without
// real backoff sleeps.
func New(cfg Config, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Downloader {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Downloader{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		probe:   &http.Client{Timeout: cfg.ProbeTimeout},
		clock:   clock,
		logger:  logger,
		metrics: metrics,
	}
}

// Fetch downloads url to dest, resuming any partial file already present.
// It retries transient failures and size mismatches with linear backoff up
// to the configured budget. When no acceptable result remains after the
// budget is spent, any incomplete artifact is removed so downstream stages
// never mistake a truncated file for a complete one.
func (d *Downloader) Fetch(ctx context.Context, url, dest string) (Result, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Result{}, fmt.Errorf("create download dir: %w", err)
	}

	expected := d.probeSize(ctx, url)
	res := Result{ExpectedSize: expected, Ratio: 1}

	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		res.Attempts = attempt
		d.metrics.DownloadAttempts.Inc()

		size, resumed, err := d.attempt(ctx, url, dest, expected)
		if resumed {
			res.Resumed = true
		}
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			d.logger.Warn("download attempt failed",
				"url", url, "attempt", attempt, "error", err)
			if attempt == d.cfg.MaxRetries {
				break
			}
			if !d.sleep(ctx, attempt) {
				return res, ctx.Err()
			}
			continue
		}

		res.Size = size
		if expected != sizeUnknown && size != expected {
			d.logger.Warn("size mismatch after download",
				"url", url, "attempt", attempt, "size", size, "expected", expected)
			if attempt == d.cfg.MaxRetries {
				break
			}
			if !d.sleep(ctx, attempt) {
				return res, ctx.Err()
			}
			continue
		}

		res.OK = true
		return res, nil
	}

	return d.finalize(url, dest, expected, res), nil
}

// finalize applies the last-resort acceptance rule: an existing file
// covering at least AcceptRatio of the expected size passes, surfacing the
// achieved ratio. Anything less is deleted.
func (d *Downloader) finalize(url, dest string, expected int64, res Result) Result {
	info, err := os.Stat(dest)
	if err != nil {
		d.metrics.DownloadsFailed.Inc()
		return res
	}
	res.Size = info.Size()

	if expected == sizeUnknown {
		res.OK = true
		return res
	}

	res.Ratio = float64(res.Size) / float64(expected)
	if res.Ratio >= d.cfg.AcceptRatio {
		d.logger.Warn("accepting incomplete download",
			"url", url, "ratio", res.Ratio, "size", res.Size, "expected", expected)
		res.OK = true
		return res
	}

	if err := os.Remove(dest); err != nil {
		d.logger.Warn("remove incomplete download", "path", dest, "error", err)
	}
	res.Size = 0
	d.metrics.DownloadsFailed.Inc()
	return res
}

// attempt performs one transfer, resuming from the existing partial file
// when the server honors the range request. Returns the resulting on-disk
// size.
func (d *Downloader) attempt(ctx context.Context, url, dest string, expected int64) (int64, bool, error) {
	var offset int64
	if info, err := os.Stat(dest); err == nil {
		existing := info.Size()
		if existing > 0 && (expected == sizeUnknown || existing < expected) {
			offset = existing
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, false, fmt.Errorf("create request: %w", err)
	}
	resumed := offset > 0
	if resumed {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		d.metrics.DownloadsResumed.Inc()
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, resumed, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	appendMode := resumed
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// Server ignored the range request; appending the full body to
		// the partial file would corrupt it, so start over.
		appendMode = false
	default:
		return 0, resumed, fmt.Errorf("get %s: status %d", url, resp.StatusCode)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		return 0, resumed, fmt.Errorf("open %s: %w", dest, err)
	}

	buf := make([]byte, d.cfg.ChunkSize)
	written, err := io.CopyBuffer(f, resp.Body, buf)
	d.metrics.BytesDownloaded.Add(float64(written))
	if err != nil {
		f.Close()
		return 0, resumed, fmt.Errorf("write %s: %w", dest, err)
	}
	if err := f.Close(); err != nil {
		return 0, resumed, fmt.Errorf("close %s: %w", dest, err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return 0, resumed, fmt.Errorf("stat %s: %w", dest, err)
	}
	return info.Size(), resumed, nil
}

// probeSize issues a HEAD request for the expected byte size. Probe failure
// is non-fatal; size-based verification is simply skipped.
func (d *Downloader) probeSize(ctx context.Context, url string) int64 {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return sizeUnknown
	}
	resp, err := d.probe.Do(req)
	if err != nil {
		d.logger.Debug("size probe failed", "url", url, "error", err)
		return sizeUnknown
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return sizeUnknown
	}
	if resp.ContentLength > 0 {
		return resp.ContentLength
	}
	return sizeUnknown
}

// sleep blocks for Backoff * attempt, honoring cancellation. Returns false
// when the context ended first.
func (d *Downloader) sleep(ctx context.Context, attempt int) bool {
	delay := d.cfg.Backoff * time.Duration(attempt)
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := d.clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
