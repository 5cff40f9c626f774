// Package catalog talks to a CKAN-style open-data catalog: it looks up
// package and resource metadata, persists the metadata alongside the
// downloads, and hands each resource URL to the resumable downloader. The
// saved resource metadata doubles as the repair index the archive extractor
// consults when a downloaded file turns out corrupt.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/openmobility/bikeshare-etl/internal/download"
)

// Fetcher downloads one resource file.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) (download.Result, error)
}

// Package is the subset of a CKAN package_show result the pipeline needs.
type Package struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Resources []Resource `json:"resources"`
}

// Resource describes one downloadable file within a package.
type Resource struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	URL             string `json:"url"`
	Format          string `json:"format"`
	Size            int64  `json:"size"`
	DatastoreActive bool   `json:"datastore_active"`
}

type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
}

// Client queries the catalog API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	fetcher    Fetcher
	logger     *slog.Logger
}

// NewClient creates a catalog client. The fetcher performs the actual file
// transfers.
func NewClient(baseURL string, fetcher Fetcher, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		fetcher:    fetcher,
		logger:     logger,
	}
}

// PackageShow fetches a package's metadata, returning both the decoded
// package and the raw result document for persistence.
func (c *Client) PackageShow(ctx context.Context, packageID string) (Package, []byte, error) {
	raw, err := c.action(ctx, "package_show", packageID)
	if err != nil {
		return Package{}, nil, err
	}
	var pkg Package
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return Package{}, nil, fmt.Errorf("decode package %s: %w", packageID, err)
	}
	return pkg, raw, nil
}

// ResourceShow fetches one resource's metadata.
func (c *Client) ResourceShow(ctx context.Context, resourceID string) (Resource, []byte, error) {
	raw, err := c.action(ctx, "resource_show", resourceID)
	if err != nil {
		return Resource{}, nil, err
	}
	var res Resource
	if err := json.Unmarshal(raw, &res); err != nil {
		return Resource{}, nil, fmt.Errorf("decode resource %s: %w", resourceID, err)
	}
	return res, raw, nil
}

func (c *Client) action(ctx context.Context, action, id string) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/api/3/action/%s?%s", c.baseURL, action,
		url.Values{"id": {id}}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", action, id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s %s: status %d: %s", action, id, resp.StatusCode, body)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", action, id, err)
	}
	if !env.Success {
		return nil, fmt.Errorf("%s %s: catalog reported failure", action, id)
	}
	return env.Result, nil
}

// AcquirePackage saves package metadata under metaDir and downloads every
// non-datastore resource with a URL into downloadDir. Individual resource
// failures are logged and skipped; only metadata-listing failures abort.
func (c *Client) AcquirePackage(ctx context.Context, packageID, metaDir, downloadDir string) error {
	pkg, rawPkg, err := c.PackageShow(ctx, packageID)
	if err != nil {
		return err
	}
	if err := writeJSONFile(filepath.Join(metaDir, "package.json"), rawPkg); err != nil {
		return err
	}

	for idx, listed := range pkg.Resources {
		if listed.DatastoreActive {
			continue
		}
		res, rawRes, err := c.ResourceShow(ctx, listed.ID)
		if err != nil {
			c.logger.Warn("resource metadata lookup failed",
				"package", packageID, "resource", listed.ID, "error", err)
			continue
		}

		metaPath := filepath.Join(metaDir, fmt.Sprintf("resource_%d_%s_metadata.json", idx, res.ID))
		if err := writeJSONFile(metaPath, rawRes); err != nil {
			c.logger.Warn("save resource metadata failed", "path", metaPath, "error", err)
			continue
		}

		if res.URL == "" {
			continue
		}
		dest := filepath.Join(downloadDir, filenameFromURL(res.URL, res.ID+".bin"))
		result, err := c.fetcher.Fetch(ctx, res.URL, dest)
		if err != nil {
			return err
		}
		if !result.OK {
			c.logger.Warn("resource download failed",
				"package", packageID, "url", res.URL, "attempts", result.Attempts)
			continue
		}
		c.logger.Info("resource downloaded",
			"package", packageID, "file", dest, "bytes", result.Size, "resumed", result.Resumed)
	}
	return nil
}

// MetadataIndex resolves archive source URLs from previously-saved resource
// metadata files. It implements the extractor's repair lookup.
type MetadataIndex struct {
	Dir string
}

// FindYearResourceURL scans saved resource metadata in sorted filename
// order for a record whose name contains the year token and that carries a
// download URL. Unreadable files are skipped.
func (m MetadataIndex) FindYearResourceURL(year int) (string, bool) {
	entries, err := os.ReadDir(m.Dir)
	if err != nil {
		return "", false
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), "_metadata.json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	token := strconv.Itoa(year)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(m.Dir, name))
		if err != nil {
			continue
		}
		var res Resource
		if err := json.Unmarshal(data, &res); err != nil {
			continue
		}
		if res.URL != "" && strings.Contains(strings.ToLower(res.Name), token) {
			return res.URL, true
		}
	}
	return "", false
}

// filenameFromURL derives a local filename from the URL path, falling back
// when the path has no usable base name.
func filenameFromURL(raw, fallback string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return fallback
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return fallback
	}
	return name
}

func writeJSONFile(dest string, raw []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	var buf json.RawMessage = raw
	pretty, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", dest, err)
	}
	if err := os.WriteFile(dest, pretty, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return nil
}
