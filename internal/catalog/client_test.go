package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmobility/bikeshare-etl/internal/download"
)

type recordingFetcher struct {
	fetched map[string]string // url -> dest
}

func (f *recordingFetcher) Fetch(_ context.Context, url, dest string) (download.Result, error) {
	if f.fetched == nil {
		f.fetched = map[string]string{}
	}
	f.fetched[url] = dest
	if err := os.WriteFile(dest, []byte("archive bytes"), 0o644); err != nil {
		return download.Result{}, err
	}
	return download.Result{OK: true, Size: 13, Ratio: 1, Attempts: 1}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ckanServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/3/action/package_show", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bike-share-ridership", r.URL.Query().Get("id"))
		fmt.Fprint(w, `{
			"success": true,
			"result": {
				"id": "pkg-1",
				"name": "bike-share-ridership",
				"resources": [
					{"id": "res-active", "datastore_active": true},
					{"id": "res-2023", "datastore_active": false},
					{"id": "res-nourl", "datastore_active": false}
				]
			}
		}`)
	})
	mux.HandleFunc("/api/3/action/resource_show", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("id") {
		case "res-2023":
			fmt.Fprint(w, `{
				"success": true,
				"result": {
					"id": "res-2023",
					"name": "Bike share ridership 2023",
					"url": "https://files.example.org/bikeshare-ridership-2023.zip",
					"format": "ZIP",
					"size": 1024
				}
			}`)
		case "res-nourl":
			fmt.Fprint(w, `{"success": true, "result": {"id": "res-nourl", "name": "datastore only", "url": ""}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	return httptest.NewServer(mux)
}

func TestAcquirePackage(t *testing.T) {
	srv := ckanServer(t)
	defer srv.Close()

	dir := t.TempDir()
	metaDir := filepath.Join(dir, "metadata")
	dlDir := filepath.Join(dir, "downloads")
	require.NoError(t, os.MkdirAll(dlDir, 0o755))

	fetcher := &recordingFetcher{}
	c := NewClient(srv.URL, fetcher, testLogger())

	err := c.AcquirePackage(context.Background(), "bike-share-ridership", metaDir, dlDir)
	require.NoError(t, err)

	// Package metadata saved.
	_, statErr := os.Stat(filepath.Join(metaDir, "package.json"))
	assert.NoError(t, statErr)

	// Resource metadata saved with the positional index prefix.
	metaPath := filepath.Join(metaDir, "resource_1_res-2023_metadata.json")
	data, err := os.ReadFile(metaPath)
	require.NoError(t, err)
	var res Resource
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, "Bike share ridership 2023", res.Name)

	// Only the non-datastore resource with a URL was downloaded, named
	// after the URL path's base name.
	require.Len(t, fetcher.fetched, 1)
	dest := fetcher.fetched["https://files.example.org/bikeshare-ridership-2023.zip"]
	assert.Equal(t, filepath.Join(dlDir, "bikeshare-ridership-2023.zip"), dest)
}

func TestPackageShow_CatalogFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"success": false, "result": null}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &recordingFetcher{}, testLogger())
	_, _, err := c.PackageShow(context.Background(), "whatever")
	assert.ErrorContains(t, err, "catalog reported failure")
}

func TestFindYearResourceURL(t *testing.T) {
	dir := t.TempDir()

	write := func(name string, res Resource) {
		data, err := json.Marshal(res)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
	write("resource_0_aaa_metadata.json", Resource{Name: "Station data", URL: "https://example.org/stations.json"})
	write("resource_1_bbb_metadata.json", Resource{Name: "Bike share ridership 2023", URL: "https://example.org/2023.zip"})
	write("resource_2_ccc_metadata.json", Resource{Name: "Bike share ridership 2024", URL: "https://example.org/2024.zip"})

	idx := MetadataIndex{Dir: dir}

	url, ok := idx.FindYearResourceURL(2023)
	require.True(t, ok)
	assert.Equal(t, "https://example.org/2023.zip", url)

	_, ok = idx.FindYearResourceURL(2019)
	assert.False(t, ok)
}

func TestFindYearResourceURL_MissingDir(t *testing.T) {
	idx := MetadataIndex{Dir: filepath.Join(t.TempDir(), "nope")}
	_, ok := idx.FindYearResourceURL(2023)
	assert.False(t, ok)
}

func TestFilenameFromURL(t *testing.T) {
	assert.Equal(t, "archive.zip", filenameFromURL("https://example.org/files/archive.zip?x=1", "fb.bin"))
	assert.Equal(t, "fb.bin", filenameFromURL("https://example.org/", "fb.bin"))
	assert.Equal(t, "fb.bin", filenameFromURL("https://example.org", "fb.bin"))
}
