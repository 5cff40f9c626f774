package weather

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/openmobility/bikeshare-etl/internal/tabular"
)

// WriteArtifacts persists the aggregate as weather_hourly_<station>.json
// and, when any rows were fetched, a flat weather_hourly_<station>.csv. The
// CSV column order is the union of row keys in first-seen order, preserved
// from the upstream JSON documents.
func (f *Fetcher) WriteArtifacts(rawDir string, agg *Aggregate) error {
	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", rawDir, err)
	}

	jsonPath := filepath.Join(rawDir, fmt.Sprintf("weather_hourly_%s.json", agg.Meta.Station))
	data, err := json.MarshalIndent(agg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode aggregate: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", jsonPath, err)
	}

	if len(agg.Data) == 0 {
		f.logger.Info("no weather rows fetched, skipping csv", "chunks", agg.Meta.Chunks)
		return nil
	}

	table, err := rowsToTable(agg.Data)
	if err != nil {
		return err
	}
	csvPath := filepath.Join(rawDir, fmt.Sprintf("weather_hourly_%s.csv", agg.Meta.Station))
	if err := tabular.WriteFile(csvPath, table); err != nil {
		return err
	}
	f.logger.Info("weather artifacts written",
		"rows", len(agg.Data), "chunks", agg.Meta.Chunks, "csv", csvPath)
	return nil
}

func rowsToTable(rows []json.RawMessage) (tabular.Table, error) {
	var t tabular.Table
	seen := make(map[string]struct{})

	for _, raw := range rows {
		keys, err := objectKeyOrder(raw)
		if err != nil {
			return tabular.Table{}, fmt.Errorf("scan weather row: %w", err)
		}
		for _, k := range keys {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				t.Header = append(t.Header, k)
			}
		}

		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return tabular.Table{}, fmt.Errorf("decode weather row: %w", err)
		}
		row := make(tabular.Row, len(fields))
		for k, v := range fields {
			row[k] = formatValue(v)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// objectKeyOrder returns a JSON object's keys in document order, which
// encoding/json's map decoding discards.
func objectKeyOrder(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if tok != json.Delim('{') {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}

	var keys []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("expected key, got %v", keyTok)
		}
		keys = append(keys, key)

		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}
