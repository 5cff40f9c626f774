package tabular

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ReadFile loads a delimited file into a Table. The bytes are decoded as
// UTF-8 (a leading byte-order mark is stripped); if they are not valid
// UTF-8 the file is re-decoded as Latin-1, matching the mix of encodings
// observed across years of third-party exports.
func ReadFile(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read %s: %w", path, err)
	}
	return decode(data, path)
}

func decode(data []byte, path string) (Table, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err != nil {
			return Table{}, fmt.Errorf("decode %s: %w", path, err)
		}
		data = decoded
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1 // ragged rows are a fact of life in these exports

	header, err := r.Read()
	if err == io.EOF {
		return Table{}, nil
	}
	if err != nil {
		return Table{}, fmt.Errorf("parse %s: %w", path, err)
	}

	t := Table{Header: header}
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Table{}, fmt.Errorf("parse %s: %w", path, err)
		}
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// WriteFile writes a Table as UTF-8 CSV. Only columns named in the header
// are emitted; row keys outside it are ignored and missing keys are written
// blank.
func WriteFile(path string, t Table) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(t.Header); err != nil {
		f.Close()
		return fmt.Errorf("write header %s: %w", path, err)
	}

	record := make([]string, len(t.Header))
	for _, row := range t.Rows {
		for i, col := range t.Header {
			record[i] = row[col]
		}
		if err := w.Write(record); err != nil {
			f.Close()
			return fmt.Errorf("write row %s: %w", path, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return f.Close()
}
