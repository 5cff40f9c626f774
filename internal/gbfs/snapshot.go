package gbfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jszwec/csvutil"

	"github.com/openmobility/bikeshare-etl/internal/tabular"
)

// Snapshot fetches both station feeds and writes three files into rawDir:
// station_information.csv and station_status.csv as typed per-feed
// snapshots, and station_details.csv as the left join of info onto status
// keyed by station_id (info fields preserved, status fields added; the
// status set drives output cardinality).
func (c *Client) Snapshot(ctx context.Context, rawDir string) error {
	feeds, err := c.Feeds(ctx)
	if err != nil {
		return err
	}
	infoURL, ok := feeds["station_information"]
	if !ok {
		return fmt.Errorf("gbfs: no station_information feed")
	}
	statusURL, ok := feeds["station_status"]
	if !ok {
		return fmt.Errorf("gbfs: no station_status feed")
	}

	infos, err := c.StationInformation(ctx, infoURL)
	if err != nil {
		return err
	}
	statuses, err := c.StationStatus(ctx, statusURL)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", rawDir, err)
	}

	if err := writeRecords(filepath.Join(rawDir, "station_information.csv"), infos); err != nil {
		return err
	}
	if err := writeRecords(filepath.Join(rawDir, "station_status.csv"), statuses); err != nil {
		return err
	}

	details := tabular.Merge(InfoTable(infos), StatusTable(statuses), "station_id")
	detailsPath := filepath.Join(rawDir, "station_details.csv")
	if err := tabular.WriteFile(detailsPath, details); err != nil {
		return err
	}

	c.logger.Info("station snapshot written",
		"stations", len(infos), "statuses", len(statuses), "details_rows", len(details.Rows))
	return nil
}

func writeRecords[T any](path string, records []T) error {
	data, err := csvutil.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
