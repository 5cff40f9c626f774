package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmobility/bikeshare-etl/internal/download"
	"github.com/openmobility/bikeshare-etl/internal/observability"
	"github.com/openmobility/bikeshare-etl/internal/split"
)

type stubFetcher struct {
	payload []byte
	err     error
	calls   int
}

func (f *stubFetcher) Fetch(_ context.Context, _ string, dest string) (download.Result, error) {
	f.calls++
	if f.err != nil {
		return download.Result{}, f.err
	}
	if err := os.WriteFile(dest, f.payload, 0o644); err != nil {
		return download.Result{}, err
	}
	return download.Result{OK: true, Size: int64(len(f.payload)), Ratio: 1, Attempts: 1}, nil
}

type stubResolver struct {
	url string
	ok  bool
}

func (r stubResolver) FindYearResourceURL(int) (string, bool) { return r.url, r.ok }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExtractor(fetcher Fetcher, resolver URLResolver) *Extractor {
	metrics := observability.NewMetricsForTesting()
	splitter := split.New(split.Config{}, testLogger(), metrics)
	return New(fetcher, resolver, splitter, testLogger(), metrics)
}

// buildZip writes a zip archive containing the given name -> content members.
func buildZip(t *testing.T, path string, members map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range members {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func zipBytes(t *testing.T, members map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range members {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestExtractYear_MonthlyArchive(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "bikeshare-ridership-2022.zip")
	buildZip(t, zipPath, map[string]string{
		"2022-01.csv":            "a,b\n1,2\n",
		"nested/dir/2022-02.csv": "a,b\n3,4\n",
		"readme.txt":             "not tabular",
		"folder/":                "",
	})

	outDir := filepath.Join(dir, "out")
	ext := newTestExtractor(&stubFetcher{}, stubResolver{})

	res, err := ext.ExtractYear(context.Background(), zipPath, outDir, 2022)
	require.NoError(t, err)

	assert.False(t, res.Skipped)
	assert.Len(t, res.MonthlyFiles, 2)
	assert.Empty(t, res.QuarterlyFiles)

	// Nested paths are flattened to the base filename.
	_, statErr := os.Stat(filepath.Join(outDir, "2022-02.csv"))
	assert.NoError(t, statErr)
	// Non-CSV members are not extracted.
	_, statErr = os.Stat(filepath.Join(outDir, "readme.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractYear_QuarterlySplitAndCleanup(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "bikeshare-ridership-2023.zip")
	buildZip(t, zipPath, map[string]string{
		"Bike share ridership 2023-Q1.csv": "Trip Id,Start Time\n1,2023-01-10\n2,2023-02-01\n",
		"Bike share ridership 2023-Q2.csv": "Trip Id,Start Time\n3,2023-04-20\n",
	})

	outDir := filepath.Join(dir, "out")
	ext := newTestExtractor(&stubFetcher{}, stubResolver{})

	res, err := ext.ExtractYear(context.Background(), zipPath, outDir, 2023)
	require.NoError(t, err)

	assert.Equal(t, 3, res.SplitWritten)
	for _, name := range []string{"2023-01.csv", "2023-02.csv", "2023-04.csv"} {
		_, statErr := os.Stat(filepath.Join(outDir, name))
		assert.NoError(t, statErr, name)
	}
	// Quarterly sources are deleted once monthly files exist.
	for _, qf := range res.QuarterlyFiles {
		_, statErr := os.Stat(qf)
		assert.True(t, os.IsNotExist(statErr), qf)
	}
}

func TestExtractYear_FailedSplitKeepsQuarterlySources(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "bikeshare-ridership-2023.zip")
	// No row parses to 2023, so the split produces zero buckets.
	buildZip(t, zipPath, map[string]string{
		"ridership-2023-q1.csv": "Trip Id,Start Time\n1,2019-01-01\n",
	})

	outDir := filepath.Join(dir, "out")
	ext := newTestExtractor(&stubFetcher{}, stubResolver{})

	res, err := ext.ExtractYear(context.Background(), zipPath, outDir, 2023)
	require.NoError(t, err)

	assert.Zero(t, res.SplitWritten)
	require.Len(t, res.QuarterlyFiles, 1)
	_, statErr := os.Stat(res.QuarterlyFiles[0])
	assert.NoError(t, statErr, "quarterly input must survive a failed split")
}

func TestExtractYear_CorruptWithoutMetadataSkips(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "bikeshare-ridership-2020.zip")
	require.NoError(t, os.WriteFile(zipPath, []byte("definitely not a zip"), 0o644))

	outDir := filepath.Join(dir, "out")
	ext := newTestExtractor(&stubFetcher{}, stubResolver{ok: false})

	res, err := ext.ExtractYear(context.Background(), zipPath, outDir, 2020)
	require.NoError(t, err)

	assert.True(t, res.Skipped)
	assert.Contains(t, res.Reason, "no metadata URL")
	// The year's output directory is left untouched.
	_, statErr := os.Stat(outDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractYear_RepairsCorruptArchive(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "bikeshare-ridership-2021.zip")
	require.NoError(t, os.WriteFile(zipPath, []byte("corrupt"), 0o644))

	fetcher := &stubFetcher{payload: zipBytes(t, map[string]string{
		"2021-06.csv": "a\n1\n",
	})}
	ext := newTestExtractor(fetcher, stubResolver{url: "https://example.org/2021.zip", ok: true})

	outDir := filepath.Join(dir, "out")
	res, err := ext.ExtractYear(context.Background(), zipPath, outDir, 2021)
	require.NoError(t, err)

	assert.False(t, res.Skipped)
	assert.Equal(t, 1, fetcher.calls)
	assert.Len(t, res.MonthlyFiles, 1)
}

func TestExtractYear_RepairDownloadFailureSkips(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "bikeshare-ridership-2021.zip")
	require.NoError(t, os.WriteFile(zipPath, []byte("corrupt"), 0o644))

	// Re-download "succeeds" but delivers another invalid file.
	fetcher := &stubFetcher{payload: []byte("still corrupt")}
	ext := newTestExtractor(fetcher, stubResolver{url: "https://example.org/2021.zip", ok: true})

	res, err := ext.ExtractYear(context.Background(), zipPath, filepath.Join(dir, "out"), 2021)
	require.NoError(t, err)

	assert.True(t, res.Skipped)
	assert.Contains(t, res.Reason, "still invalid")
}

func TestExtractYear_Idempotent(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "bikeshare-ridership-2023.zip")
	buildZip(t, zipPath, map[string]string{
		"ridership-2023-q1.csv": "Trip Id,Start Time\n1,2023-01-10\n2,2023-03-05\n",
	})

	run := func(outDir string) map[string][]byte {
		ext := newTestExtractor(&stubFetcher{}, stubResolver{})
		_, err := ext.ExtractYear(context.Background(), zipPath, outDir, 2023)
		require.NoError(t, err)

		files := map[string][]byte{}
		entries, err := os.ReadDir(outDir)
		require.NoError(t, err)
		for _, e := range entries {
			data, err := os.ReadFile(filepath.Join(outDir, e.Name()))
			require.NoError(t, err)
			files[e.Name()] = data
		}
		return files
	}

	first := run(filepath.Join(dir, "out1"))
	second := run(filepath.Join(dir, "out2"))
	assert.Equal(t, first, second)
}
