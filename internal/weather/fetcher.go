// Package weather downloads hourly observations from a hosted weather API
// that caps each request at a 30-day window. The requested range is split
// into inclusive chunks, fetched sequentially with retries and gentle
// pacing, and persisted as one aggregated JSON artifact plus a flat CSV.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/openmobility/bikeshare-etl/internal/observability"
)

// Config carries the API endpoint and retry/pacing budgets.
type Config struct {
	URL       string
	Host      string
	APIKey    string
	StationID string
	// ChunkDays is the inclusive window size per request, at most the
	// API's 30-day maximum.
	ChunkDays  int
	MaxRetries int
	// Backoff is the base retry delay; attempt n sleeps Backoff * n.
	Backoff time.Duration
	// Pacing is the minimum interval between chunk requests.
	Pacing time.Duration
}

// Meta describes the range an Aggregate covers.
type Meta struct {
	Station   string `json:"station"`
	Start     string `json:"start"`
	End       string `json:"end"`
	Chunks    int    `json:"chunks"`
	SourceURL string `json:"source_url"`
}

// Aggregate is the combined result of all chunk requests. Rows are kept as
// raw JSON so the upstream field order survives into the CSV artifact.
type Aggregate struct {
	Meta Meta              `json:"meta"`
	Data []json.RawMessage `json:"data"`
}

type chunkPayload struct {
	Data []json.RawMessage `json:"data"`
}

// Fetcher downloads hourly weather data one date-range chunk at a time.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a Fetcher. The clock is swappable so retry backoff is
// instant under test.
func New(cfg Config, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Fetcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.Pacing > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.Pacing), 1)
	}
	return &Fetcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: limiter,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
	}
}

// FetchHourly retrieves all hourly rows for [start, end], both inclusive
// ISO dates. A chunk that fails after its retry budget is skipped rather
// than failing the whole range.
func (f *Fetcher) FetchHourly(ctx context.Context, start, end string) (*Aggregate, error) {
	chunks, err := dateRangeChunks(start, end, f.cfg.ChunkDays)
	if err != nil {
		return nil, err
	}

	agg := &Aggregate{
		Meta: Meta{
			Station:   f.cfg.StationID,
			Start:     start,
			End:       end,
			SourceURL: f.cfg.URL,
		},
	}

	for _, ch := range chunks {
		if err := f.limiter.Wait(ctx); err != nil {
			return agg, err
		}
		rows, err := f.fetchChunk(ctx, ch)
		if err != nil {
			if ctx.Err() != nil {
				return agg, ctx.Err()
			}
			f.logger.Warn("weather chunk failed",
				"start", ch.start, "end", ch.end, "error", err)
			f.metrics.WeatherChunks.WithLabelValues("error").Inc()
			continue
		}
		agg.Data = append(agg.Data, rows...)
		agg.Meta.Chunks++
		f.metrics.WeatherChunks.WithLabelValues("success").Inc()
	}
	return agg, nil
}

type chunk struct {
	start, end string
}

// dateRangeChunks yields inclusive [start, end] windows of at most
// chunkDays days, back to back with no gaps or overlap.
func dateRangeChunks(start, end string, chunkDays int) ([]chunk, error) {
	const layout = "2006-01-02"
	s, err := time.Parse(layout, start)
	if err != nil {
		return nil, fmt.Errorf("parse start date: %w", err)
	}
	e, err := time.Parse(layout, end)
	if err != nil {
		return nil, fmt.Errorf("parse end date: %w", err)
	}

	var chunks []chunk
	for cur := s; !cur.After(e); {
		chunkEnd := cur.AddDate(0, 0, chunkDays-1)
		if chunkEnd.After(e) {
			chunkEnd = e
		}
		chunks = append(chunks, chunk{cur.Format(layout), chunkEnd.Format(layout)})
		cur = chunkEnd.AddDate(0, 0, 1)
	}
	return chunks, nil
}

// fetchChunk requests one window, retrying rate-limit and server errors
// with linear backoff.
func (f *Fetcher) fetchChunk(ctx context.Context, ch chunk) ([]json.RawMessage, error) {
	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxRetries; attempt++ {
		rows, retryable, err := f.doRequest(ctx, ch)
		if err == nil {
			return rows, nil
		}
		lastErr = err
		if !retryable || attempt == f.cfg.MaxRetries {
			break
		}
		if !f.sleep(ctx, attempt) {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (f *Fetcher) doRequest(ctx context.Context, ch chunk) ([]json.RawMessage, bool, error) {
	u := fmt.Sprintf("%s?%s", f.cfg.URL, url.Values{
		"station": {f.cfg.StationID},
		"start":   {ch.start},
		"end":     {ch.end},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-rapidapi-host", f.cfg.Host)
	req.Header.Set("x-rapidapi-key", f.cfg.APIKey)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		body, _ := io.ReadAll(resp.Body)
		return nil, retryable, fmt.Errorf("weather api: status %d: %s", resp.StatusCode, body)
	}

	var payload chunkPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, false, fmt.Errorf("decode weather response: %w", err)
	}
	return payload.Data, false, nil
}

func (f *Fetcher) sleep(ctx context.Context, attempt int) bool {
	delay := f.cfg.Backoff * time.Duration(attempt)
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := f.clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
