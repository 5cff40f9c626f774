// Package pipeline orchestrates the normalization run: downloaded ridership
// archives are processed strictly sequentially in ascending year order so
// repeated runs are deterministic and idempotent. Failures are isolated to
// one year; the run always continues with the remaining years and reports
// which ones were skipped.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/openmobility/bikeshare-etl/internal/archive"
)

// archiveNameRe captures the 4-digit year suffix of *-<year>.zip names.
var archiveNameRe = regexp.MustCompile(`-(\d{4})\.zip$`)

// ArchiveExtractor unpacks one year's archive.
type ArchiveExtractor interface {
	ExtractYear(ctx context.Context, zipPath, outDir string, year int) (archive.Result, error)
}

// Config bounds one run.
type Config struct {
	// DownloadDir is scanned for *-<year>.zip archives.
	DownloadDir string
	// InterimDir receives one ridership_<year> directory per archive.
	InterimDir string
	// MinYear and MaxYear bound the accepted archive years, inclusive.
	MinYear int
	MaxYear int
}

// YearOutcome records what happened to one archive.
type YearOutcome struct {
	Year    int
	Archive string
	Monthly int
	Split   int
	Skipped bool
	Reason  string
}

// Pipeline runs the extract-and-normalize phase.
type Pipeline struct {
	cfg       Config
	extractor ArchiveExtractor
	logger    *slog.Logger
}

// New creates a Pipeline.
func New(cfg Config, extractor ArchiveExtractor, logger *slog.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, extractor: extractor, logger: logger}
}

// Run processes every matching archive in ascending year order. It returns
// one outcome per archive; the error is non-nil only for setup failures
// (unreadable download directory), never for per-year failures.
func (p *Pipeline) Run(ctx context.Context) ([]YearOutcome, error) {
	years, err := p.discoverArchives()
	if err != nil {
		return nil, err
	}
	if len(years) == 0 {
		p.logger.Info("no ridership archives found", "dir", p.cfg.DownloadDir)
		return nil, nil
	}

	if err := os.MkdirAll(p.cfg.InterimDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", p.cfg.InterimDir, err)
	}

	outcomes := make([]YearOutcome, 0, len(years))
	for _, ya := range years {
		if ctx.Err() != nil {
			return outcomes, ctx.Err()
		}

		outDir := filepath.Join(p.cfg.InterimDir, fmt.Sprintf("ridership_%d", ya.year))
		p.logger.Info("extracting archive", "archive", ya.path, "year", ya.year, "out", outDir)

		res, err := p.extractor.ExtractYear(ctx, ya.path, outDir, ya.year)
		outcome := YearOutcome{Year: ya.year, Archive: ya.path}
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return outcomes, ctx.Err()
			}
			outcome.Skipped = true
			outcome.Reason = err.Error()
			p.logger.Error("archive extraction failed", "year", ya.year, "error", err)
		case res.Skipped:
			outcome.Skipped = true
			outcome.Reason = res.Reason
			p.logger.Warn("year skipped", "year", ya.year, "reason", res.Reason)
		default:
			outcome.Monthly = len(res.MonthlyFiles)
			outcome.Split = res.SplitWritten
			p.logger.Info("year extracted",
				"year", ya.year, "monthly", outcome.Monthly, "split", outcome.Split)
		}
		outcomes = append(outcomes, outcome)
	}

	p.logSummary(outcomes)
	return outcomes, nil
}

type yearArchive struct {
	year int
	path string
}

// discoverArchives lists *-<year>.zip files in the download directory whose
// year falls within the configured bounds, sorted ascending by year.
func (p *Pipeline) discoverArchives() ([]yearArchive, error) {
	entries, err := os.ReadDir(p.cfg.DownloadDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", p.cfg.DownloadDir, err)
	}

	var years []yearArchive
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := archiveNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		year, err := strconv.Atoi(m[1])
		if err != nil || year < p.cfg.MinYear || year > p.cfg.MaxYear {
			continue
		}
		years = append(years, yearArchive{year: year, path: filepath.Join(p.cfg.DownloadDir, e.Name())})
	}

	sort.Slice(years, func(i, j int) bool { return years[i].year < years[j].year })
	return years, nil
}

func (p *Pipeline) logSummary(outcomes []YearOutcome) {
	var done, skipped int
	for _, o := range outcomes {
		if o.Skipped {
			skipped++
		} else {
			done++
		}
	}
	p.logger.Info("normalization run complete", "years", len(outcomes), "extracted", done, "skipped", skipped)
}
