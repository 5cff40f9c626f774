// Package report summarizes the normalized monthly ridership tree for BI
// consumption: total trip count and the number of unique stations seen as
// either a trip origin or destination.
package report

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/openmobility/bikeshare-etl/internal/tabular"
)

// stationColumns maps the column-name conventions observed across export
// generations to the origin/destination pair they carry.
var stationColumns = [][2]string{
	{"from_station_id", "to_station_id"},   // old format
	{"Start Station Id", "End Station Id"}, // new format
}

// Summary aggregates the interim tree.
type Summary struct {
	TotalTrips     int
	UniqueStations int
}

// Builder walks the interim monthly files and writes the summary CSV.
type Builder struct {
	logger *slog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(logger *slog.Logger) *Builder {
	return &Builder{logger: logger}
}

// Build reads every monthly CSV under interimDir's year subdirectories and
// accumulates totals. Files that cannot be read or whose station columns
// are unrecognized are logged and skipped; they never abort the summary.
func (b *Builder) Build(interimDir string) (Summary, error) {
	entries, err := os.ReadDir(interimDir)
	if err != nil {
		return Summary{}, fmt.Errorf("read %s: %w", interimDir, err)
	}

	var total int
	stations := make(map[string]struct{})

	dirs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)

	for _, dir := range dirs {
		files, err := filepath.Glob(filepath.Join(interimDir, dir, "*.csv"))
		if err != nil {
			continue
		}
		sort.Strings(files)
		for _, file := range files {
			t, err := tabular.ReadFile(file)
			if err != nil {
				b.logger.Warn("failed reading monthly file", "file", file, "error", err)
				continue
			}
			total += len(t.Rows)
			if !collectStations(t, stations) {
				b.logger.Warn("unknown station column format", "file", file)
			}
		}
	}

	return Summary{TotalTrips: total, UniqueStations: len(stations)}, nil
}

// Write persists the summary as processed/ridership_summary.csv.
func (b *Builder) Write(processedDir string, s Summary) error {
	if err := os.MkdirAll(processedDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", processedDir, err)
	}
	out := filepath.Join(processedDir, "ridership_summary.csv")
	t := tabular.Table{
		Header: []string{"Total_trips", "Num_unique_stations"},
		Rows: []tabular.Row{{
			"Total_trips":         strconv.Itoa(s.TotalTrips),
			"Num_unique_stations": strconv.Itoa(s.UniqueStations),
		}},
	}
	if err := tabular.WriteFile(out, t); err != nil {
		return err
	}
	b.logger.Info("ridership summary written",
		"file", out, "total_trips", s.TotalTrips, "unique_stations", s.UniqueStations)
	return nil
}

// collectStations adds non-empty origin and destination IDs to the set,
// returning false when no known column pair is present.
func collectStations(t tabular.Table, stations map[string]struct{}) bool {
	for _, pair := range stationColumns {
		if !hasColumn(t.Header, pair[0]) {
			continue
		}
		for _, row := range t.Rows {
			if id := row.Get(pair[0]); id != "" {
				stations[id] = struct{}{}
			}
			if id := row.Get(pair[1]); id != "" {
				stations[id] = struct{}{}
			}
		}
		return true
	}
	return false
}

func hasColumn(header []string, name string) bool {
	for _, h := range header {
		if h == name {
			return true
		}
	}
	return false
}
