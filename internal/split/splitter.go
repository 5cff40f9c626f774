// Package split re-buckets quarterly-granularity trip files into monthly
// CSV files. Input schemas drift across years: column names, date formats,
// and encodings all vary, so the event-date column is inferred rather than
// configured.
package split

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/openmobility/bikeshare-etl/internal/observability"
	"github.com/openmobility/bikeshare-etl/internal/tabular"
)

// defaultStartNames are the exact header names observed across historical
// exports, tried when no header matches the start+time/date heuristic.
var defaultStartNames = []string{
	"Start Time", "Trip Start Time", "Start time", "start_time", "starttime",
	"start", "Start Date", "StartDate", "Started At", "started_at", "Started at",
}

var (
	// yearFirstRe matches YYYY-MM or YYYY/MM with an optional day.
	yearFirstRe = regexp.MustCompile(`(\d{4})[-/](\d{1,2})(?:[-/]\d{1,2})?`)
	// dayOrderRe matches two 1-2 digit fields before a 4-digit year. The
	// same shape covers both MM/DD/YYYY and DD/MM/YYYY; which field is the
	// month is decided by range, MM/DD first.
	dayOrderRe = regexp.MustCompile(`(\d{1,2})[-/](\d{1,2})[-/](\d{4})`)
)

// A columnMatcher proposes the event-date column for a header set. Matchers
// run in priority order; new heuristics are appended to the list without
// touching parsing logic.
type columnMatcher func(headers []string) (string, bool)

// Config carries the injected heuristics so tests can substitute smaller
// whitelists.
type Config struct {
	// ExactStartNames overrides the historical exact-name fallback list
	// when non-nil.
	ExactStartNames []string
}

// Splitter routes quarterly rows into monthly buckets keyed on their parsed
// event date.
type Splitter struct {
	matchers []columnMatcher
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// New creates a Splitter.
func New(cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Splitter {
	names := cfg.ExactStartNames
	if names == nil {
		names = defaultStartNames
	}
	return &Splitter{
		matchers: []columnMatcher{matchStartHeuristic, matchExactNames(names)},
		logger:   logger,
		metrics:  metrics,
	}
}

// Split reads the quarterly files, buckets each row by its parsed
// year-month, and writes one CSV per month into outDir. It returns the
// number of monthly files written; zero means the inputs must be preserved.
//
// Rows whose date cannot be parsed, or whose parsed year differs from the
// archive's declared year, are dropped rather than mis-filed. The output
// column order for every monthly file is frozen to the header of the first
// quarterly file successfully read.
func (s *Splitter) Split(year int, files []string, outDir string) (int, error) {
	buckets := make(map[string][]tabular.Row)
	var header []string

	for _, qf := range files {
		t, err := tabular.ReadFile(qf)
		if err != nil {
			s.logger.Warn("failed reading quarterly file", "file", qf, "error", err)
			continue
		}
		if header == nil && len(t.Header) > 0 {
			header = t.Header
		}

		startCol, hasStart := s.inferStartColumn(t.Header)

		for _, row := range t.Rows {
			var ym string
			if hasStart {
				ym = extractYearMonth(row.Get(startCol), year)
			}
			if ym == "" {
				// No identified column, or it failed to parse: scan
				// every field until one yields a usable date.
				for _, col := range t.Header {
					if ym = extractYearMonth(row.Get(col), year); ym != "" {
						break
					}
				}
			}
			if ym == "" {
				s.metrics.RowsDropped.Inc()
				continue
			}
			s.metrics.RowsBucketed.Inc()
			buckets[ym] = append(buckets[ym], row)
		}
	}

	if len(buckets) == 0 || header == nil {
		return 0, nil
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", outDir, err)
	}

	months := make([]string, 0, len(buckets))
	for ym := range buckets {
		months = append(months, ym)
	}
	sort.Strings(months)

	written := 0
	for _, ym := range months {
		out := filepath.Join(outDir, ym+".csv")
		if err := tabular.WriteFile(out, tabular.Table{Header: header, Rows: buckets[ym]}); err != nil {
			s.logger.Warn("failed writing monthly file", "file", out, "error", err)
			continue
		}
		written++
		s.metrics.MonthlyFilesWritten.Inc()
	}
	return written, nil
}

// inferStartColumn runs the prioritized matcher list over the header.
func (s *Splitter) inferStartColumn(headers []string) (string, bool) {
	for _, m := range s.matchers {
		if col, ok := m(headers); ok {
			return col, true
		}
	}
	return "", false
}

// matchStartHeuristic prefers a header whose lowercased name contains
// "start" together with a time-ish token.
func matchStartHeuristic(headers []string) (string, bool) {
	for _, h := range headers {
		low := strings.ToLower(h)
		if strings.Contains(low, "start") &&
			(strings.Contains(low, "time") || strings.Contains(low, "date") || strings.Contains(low, "datetime")) {
			return h, true
		}
	}
	return "", false
}

// matchExactNames falls back to historically-observed exact header names.
func matchExactNames(names []string) columnMatcher {
	return func(headers []string) (string, bool) {
		present := make(map[string]struct{}, len(headers))
		for _, h := range headers {
			present[h] = struct{}{}
		}
		for _, name := range names {
			if _, ok := present[name]; ok {
				return name, true
			}
		}
		return "", false
	}
}

// extractYearMonth returns "YYYY-MM" when value holds a parsable date whose
// year equals expectedYear, else "".
func extractYearMonth(value string, expectedYear int) string {
	y, m, ok := parseYearMonth(value)
	if !ok || y != expectedYear {
		return ""
	}
	return fmt.Sprintf("%d-%02d", y, m)
}

// parseYearMonth extracts (year, month) from heterogeneous date strings.
// Patterns are tried in order: YYYY-MM[-DD] (dash or slash), MM/DD/YYYY,
// then DD/MM/YYYY. The MM/DD-first ordering is deliberate and matches the
// historical exports; for days <= 12 the two are indistinguishable and the
// misread risk is accepted.
func parseYearMonth(value string) (int, int, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, 0, false
	}

	if m := yearFirstRe.FindStringSubmatch(v); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		if month >= 1 && month <= 12 {
			return year, month, true
		}
	}

	if m := dayOrderRe.FindStringSubmatch(v); m != nil {
		year, _ := strconv.Atoi(m[3])
		// MM/DD/YYYY first.
		if month, _ := strconv.Atoi(m[1]); month >= 1 && month <= 12 {
			return year, month, true
		}
		// DD/MM/YYYY.
		if month, _ := strconv.Atoi(m[2]); month >= 1 && month <= 12 {
			return year, month, true
		}
	}

	return 0, 0, false
}
