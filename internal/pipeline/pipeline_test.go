package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmobility/bikeshare-etl/internal/archive"
	"github.com/openmobility/bikeshare-etl/internal/pipeline"
)

type mockExtractor struct {
	years   []int
	results map[int]archive.Result
	errs    map[int]error
}

func (m *mockExtractor) ExtractYear(_ context.Context, _, _ string, year int) (archive.Result, error) {
	m.years = append(m.years, year)
	if err := m.errs[year]; err != nil {
		return archive.Result{}, err
	}
	return m.results[year], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func touch(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("zip"), 0o644))
}

func TestRun_AscendingYearOrder(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "bikeshare-ridership-2023.zip")
	touch(t, dir, "bikeshare-ridership-2017.zip")
	touch(t, dir, "bikeshare-ridership-2020.zip")
	touch(t, dir, "notes.txt")
	touch(t, dir, "bikeshare-ridership-1999.zip") // below MinYear
	touch(t, dir, "bikeshare-ridership-2030.zip") // above MaxYear

	ext := &mockExtractor{results: map[int]archive.Result{
		2017: {MonthlyFiles: []string{"a"}},
		2020: {MonthlyFiles: []string{"a", "b"}},
		2023: {SplitWritten: 12},
	}}

	p := pipeline.New(pipeline.Config{
		DownloadDir: dir,
		InterimDir:  filepath.Join(dir, "interim"),
		MinYear:     2017,
		MaxYear:     2024,
	}, ext, testLogger())

	outcomes, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{2017, 2020, 2023}, ext.years)
	require.Len(t, outcomes, 3)
	assert.Equal(t, 1, outcomes[0].Monthly)
	assert.Equal(t, 12, outcomes[2].Split)
}

func TestRun_FailedYearDoesNotAbortRun(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "bikeshare-ridership-2018.zip")
	touch(t, dir, "bikeshare-ridership-2019.zip")

	ext := &mockExtractor{
		results: map[int]archive.Result{2019: {MonthlyFiles: []string{"a"}}},
		errs:    map[int]error{2018: errors.New("disk full")},
	}

	p := pipeline.New(pipeline.Config{
		DownloadDir: dir,
		InterimDir:  filepath.Join(dir, "interim"),
		MinYear:     2017,
		MaxYear:     2024,
	}, ext, testLogger())

	outcomes, err := p.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, outcomes, 2)
	assert.True(t, outcomes[0].Skipped)
	assert.Equal(t, "disk full", outcomes[0].Reason)
	assert.False(t, outcomes[1].Skipped)
}

func TestRun_SkippedYearReported(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "bikeshare-ridership-2021.zip")

	ext := &mockExtractor{results: map[int]archive.Result{
		2021: {Skipped: true, Reason: "no metadata URL found for year 2021"},
	}}

	p := pipeline.New(pipeline.Config{
		DownloadDir: dir,
		InterimDir:  filepath.Join(dir, "interim"),
		MinYear:     2017,
		MaxYear:     2024,
	}, ext, testLogger())

	outcomes, err := p.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Skipped)
	assert.Contains(t, outcomes[0].Reason, "no metadata URL")
}

func TestRun_MissingDownloadDir(t *testing.T) {
	p := pipeline.New(pipeline.Config{
		DownloadDir: filepath.Join(t.TempDir(), "nope"),
		InterimDir:  t.TempDir(),
		MinYear:     2017,
		MaxYear:     2024,
	}, &mockExtractor{}, testLogger())

	outcomes, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestRun_ContextCancellation(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "bikeshare-ridership-2022.zip")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := pipeline.New(pipeline.Config{
		DownloadDir: dir,
		InterimDir:  filepath.Join(dir, "interim"),
		MinYear:     2017,
		MaxYear:     2024,
	}, &mockExtractor{}, testLogger())

	_, err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
