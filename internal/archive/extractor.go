// Package archive extracts downloaded ridership archives into per-year
// directories of tabular files, classifying each member as monthly or
// quarterly granularity. A corrupt archive gets one repair cycle: its
// source URL is recovered from previously-saved catalog metadata and the
// file is re-downloaded before giving up on the year.
package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/openmobility/bikeshare-etl/internal/download"
	"github.com/openmobility/bikeshare-etl/internal/observability"
)

var quarterTokens = []string{"q1", "q2", "q3", "q4"}

// Fetcher re-downloads a corrupt archive during repair.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) (download.Result, error)
}

// URLResolver locates the known source URL for a year's archive from saved
// resource metadata.
type URLResolver interface {
	FindYearResourceURL(year int) (string, bool)
}

// QuarterSplitter re-buckets quarterly files into monthly ones, returning
// the number of monthly files written.
type QuarterSplitter interface {
	Split(year int, files []string, outDir string) (int, error)
}

// Result describes one archive extraction.
type Result struct {
	MonthlyFiles   []string
	QuarterlyFiles []string
	// SplitWritten is the number of monthly files produced from quarterly
	// inputs, when a split ran.
	SplitWritten int
	// Skipped is set with a reason when the year was abandoned (corrupt
	// archive that could not be repaired). Its output directory is left
	// untouched.
	Skipped bool
	Reason  string
}

// Extractor validates and unpacks ridership archives.
type Extractor struct {
	fetcher  Fetcher
	resolver URLResolver
	splitter QuarterSplitter
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// New creates an Extractor.
func New(fetcher Fetcher, resolver URLResolver, splitter QuarterSplitter, logger *slog.Logger, metrics *observability.Metrics) *Extractor {
	return &Extractor{
		fetcher:  fetcher,
		resolver: resolver,
		splitter: splitter,
		logger:   logger,
		metrics:  metrics,
	}
}

// ExtractYear unpacks the archive for one year into outDir. Directory
// entries and non-CSV members are skipped and nested paths are flattened to
// their base filename; a collision between two differently-pathed entries
// overwrites, which is accepted. When the archive contains no monthly files
// but at least one quarterly file, the quarterly set is split into monthly
// buckets and, on success, the quarterly sources are deleted.
func (e *Extractor) ExtractYear(ctx context.Context, zipPath, outDir string, year int) (Result, error) {
	start := time.Now()

	r, err := e.openValid(ctx, zipPath, year)
	if err != nil {
		e.metrics.YearsSkipped.Inc()
		return Result{Skipped: true, Reason: err.Error()}, nil
	}
	defer r.Close()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create %s: %w", outDir, err)
	}

	var res Result
	for _, member := range r.File {
		if member.FileInfo().IsDir() || strings.HasSuffix(member.Name, "/") {
			continue
		}
		base := path.Base(member.Name)
		lower := strings.ToLower(base)
		if !strings.HasSuffix(lower, ".csv") {
			continue
		}

		target := filepath.Join(outDir, base)
		if err := extractMember(member, target); err != nil {
			return res, fmt.Errorf("extract %s: %w", member.Name, err)
		}

		if isQuarterly(lower) {
			res.QuarterlyFiles = append(res.QuarterlyFiles, target)
		} else {
			res.MonthlyFiles = append(res.MonthlyFiles, target)
		}
	}

	if len(res.MonthlyFiles) == 0 && len(res.QuarterlyFiles) > 0 {
		e.logger.Info("no monthly files found, splitting quarterly files",
			"year", year, "quarterly", len(res.QuarterlyFiles))
		written, err := e.splitter.Split(year, res.QuarterlyFiles, outDir)
		if err != nil {
			return res, fmt.Errorf("split year %d: %w", year, err)
		}
		res.SplitWritten = written
		if written > 0 {
			// The monthly files the quarterlies were split into are now
			// canonical; remove the sources. A zero count means the split
			// failed and the inputs must survive.
			for _, qf := range res.QuarterlyFiles {
				if err := os.Remove(qf); err != nil && !os.IsNotExist(err) {
					e.logger.Warn("remove quarterly source", "file", qf, "error", err)
				}
			}
		} else {
			e.logger.Warn("quarterly split produced no buckets, keeping sources", "year", year)
		}
	}

	e.metrics.ArchivesExtracted.Inc()
	e.metrics.ExtractDuration.Observe(time.Since(start).Seconds())
	return res, nil
}

// openValid opens the archive, attempting one re-download repair cycle when
// it fails validation.
func (e *Extractor) openValid(ctx context.Context, zipPath string, year int) (*zip.ReadCloser, error) {
	r, err := zip.OpenReader(zipPath)
	if err == nil {
		return r, nil
	}

	e.logger.Warn("archive appears corrupted, attempting re-download",
		"archive", zipPath, "year", year, "error", err)

	url, ok := e.resolver.FindYearResourceURL(year)
	if !ok {
		return nil, fmt.Errorf("no metadata URL found for year %d", year)
	}

	res, ferr := e.fetcher.Fetch(ctx, url, zipPath)
	if ferr != nil {
		return nil, fmt.Errorf("re-download for year %d: %w", year, ferr)
	}
	if !res.OK {
		return nil, fmt.Errorf("re-download for year %d failed after %d attempts", year, res.Attempts)
	}

	r, err = zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("archive still invalid after re-download: %w", err)
	}
	e.metrics.ArchivesRepaired.Inc()
	return r, nil
}

func extractMember(member *zip.File, target string) error {
	src, err := member.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func isQuarterly(lowerName string) bool {
	for _, q := range quarterTokens {
		if strings.Contains(lowerName, q) {
			return true
		}
	}
	return false
}
