// Package gbfs polls a GBFS (General Bikeshare Feed Specification) system:
// auto-discovery, then the station_information and station_status feeds.
// Feed records are normalized into CSV snapshots plus a merged
// station_details file combining static info with live status.
package gbfs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/openmobility/bikeshare-etl/internal/observability"
	"github.com/openmobility/bikeshare-etl/internal/tabular"
)

// StationInfo is a station_information record: static attributes that do
// not change between polls.
type StationInfo struct {
	StationID string  `json:"station_id" csv:"station_id"`
	Name      string  `json:"name" csv:"name"`
	Lat       float64 `json:"lat" csv:"lat"`
	Lon       float64 `json:"lon" csv:"lon"`
	Capacity  int     `json:"capacity" csv:"capacity"`
}

// StationStatus is a station_status record: live availability. Capacity at
// any instant equals NumBikesAvailable + NumDocksAvailable.
type StationStatus struct {
	StationID         string `json:"station_id" csv:"station_id"`
	NumBikesAvailable int    `json:"num_bikes_available" csv:"num_bikes_available"`
	NumDocksAvailable int    `json:"num_docks_available" csv:"num_docks_available"`
	IsRenting         int    `json:"is_renting" csv:"is_renting"`
	IsReturning       int    `json:"is_returning" csv:"is_returning"`
	LastReported      int64  `json:"last_reported" csv:"last_reported"`
	Status            string `json:"status" csv:"status"`
}

type discovery struct {
	Data map[string]struct {
		Feeds []feed `json:"feeds"`
	} `json:"data"`
}

type feed struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type stationsPayload[T any] struct {
	Data struct {
		Stations []T `json:"stations"`
	} `json:"data"`
}

// Client fetches GBFS feeds for one system.
type Client struct {
	discoveryURL string
	language     string
	httpClient   *http.Client
	logger       *slog.Logger
	metrics      *observability.Metrics
}

// NewClient creates a GBFS client rooted at the system's auto-discovery URL.
func NewClient(discoveryURL, language string, logger *slog.Logger, metrics *observability.Metrics) *Client {
	return &Client{
		discoveryURL: discoveryURL,
		language:     language,
		httpClient:   &http.Client{},
		logger:       logger,
		metrics:      metrics,
	}
}

// Feeds fetches the auto-discovery document and indexes feed URLs by name
// for the configured language block.
func (c *Client) Feeds(ctx context.Context) (map[string]string, error) {
	var disc discovery
	if err := c.getJSON(ctx, c.discoveryURL, &disc); err != nil {
		return nil, fmt.Errorf("gbfs discovery: %w", err)
	}
	block, ok := disc.Data[c.language]
	if !ok {
		return nil, fmt.Errorf("gbfs discovery: no %q language block", c.language)
	}
	feeds := make(map[string]string, len(block.Feeds))
	for _, f := range block.Feeds {
		feeds[f.Name] = f.URL
	}
	return feeds, nil
}

// StationInformation fetches and decodes the station_information feed.
func (c *Client) StationInformation(ctx context.Context, feedURL string) ([]StationInfo, error) {
	var payload stationsPayload[StationInfo]
	if err := c.getJSON(ctx, feedURL, &payload); err != nil {
		return nil, fmt.Errorf("station_information: %w", err)
	}
	c.metrics.FeedRecordsFetched.WithLabelValues("station_information").Add(float64(len(payload.Data.Stations)))
	return payload.Data.Stations, nil
}

// StationStatus fetches and decodes the station_status feed.
func (c *Client) StationStatus(ctx context.Context, feedURL string) ([]StationStatus, error) {
	var payload stationsPayload[StationStatus]
	if err := c.getJSON(ctx, feedURL, &payload); err != nil {
		return nil, fmt.Errorf("station_status: %w", err)
	}
	c.metrics.FeedRecordsFetched.WithLabelValues("station_status").Add(float64(len(payload.Data.Stations)))
	return payload.Data.Stations, nil
}

func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("get %s: status %d: %s", url, resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// InfoTable converts station_information records into the keyed tabular
// form the record normalizer merges.
func InfoTable(infos []StationInfo) tabular.Table {
	t := tabular.Table{
		Header: []string{"station_id", "name", "lat", "lon", "capacity"},
		Rows:   make([]tabular.Row, 0, len(infos)),
	}
	for _, s := range infos {
		t.Rows = append(t.Rows, tabular.Row{
			"station_id": s.StationID,
			"name":       s.Name,
			"lat":        strconv.FormatFloat(s.Lat, 'f', -1, 64),
			"lon":        strconv.FormatFloat(s.Lon, 'f', -1, 64),
			"capacity":   strconv.Itoa(s.Capacity),
		})
	}
	return t
}

// StatusTable converts station_status records into tabular form.
func StatusTable(statuses []StationStatus) tabular.Table {
	t := tabular.Table{
		Header: []string{"station_id", "num_bikes_available", "num_docks_available", "is_renting", "is_returning", "last_reported", "status"},
		Rows:   make([]tabular.Row, 0, len(statuses)),
	}
	for _, s := range statuses {
		t.Rows = append(t.Rows, tabular.Row{
			"station_id":          s.StationID,
			"num_bikes_available": strconv.Itoa(s.NumBikesAvailable),
			"num_docks_available": strconv.Itoa(s.NumDocksAvailable),
			"is_renting":          strconv.Itoa(s.IsRenting),
			"is_returning":        strconv.Itoa(s.IsReturning),
			"last_reported":       strconv.FormatInt(s.LastReported, 10),
			"status":              s.Status,
		})
	}
	return t
}
