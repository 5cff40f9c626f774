// Package tabular models delimited data whose column set drifts across
// files of the same nominal schema. A Table carries an explicit, ordered
// header alongside loosely-keyed rows, so readers and writers never depend
// on any one year's export agreeing with another's.
package tabular

// Row is one record keyed by column name. Values are raw strings exactly as
// they appeared in the source; no type coercion happens at this layer.
type Row map[string]string

// Table is an ordered header plus its rows. Rows may carry keys absent from
// Header (ignored on write) or miss keys present in Header (written blank).
type Table struct {
	Header []string
	Rows   []Row
}

// Get returns the value for col, or "" when the row has no such column.
func (r Row) Get(col string) string { return r[col] }

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Dedupe removes rows whose key-column value was already seen, keeping the
// first occurrence. Order is preserved. Rows with an empty key value are
// kept as-is; they cannot collide.
func Dedupe(t Table, key string) Table {
	seen := make(map[string]struct{}, len(t.Rows))
	out := Table{Header: t.Header, Rows: make([]Row, 0, len(t.Rows))}
	for _, row := range t.Rows {
		k := row.Get(key)
		if k != "" {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
		}
		out.Rows = append(out.Rows, row)
	}
	return out
}

// Merge left-joins primary onto secondary by the shared key column, after
// deduplicating both sides (first occurrence wins). Every secondary row
// produces exactly one output row: enriched with primary fields when the key
// matches, otherwise carrying only its own fields. Primary rows without a
// secondary match are not emitted; the secondary set drives output
// cardinality, which downstream row counts depend on.
//
// The output header is the primary header in its original order followed by
// any secondary columns not already present.
func Merge(primary, secondary Table, key string) Table {
	primary = Dedupe(primary, key)
	secondary = Dedupe(secondary, key)

	header := make([]string, 0, len(primary.Header)+len(secondary.Header))
	have := make(map[string]struct{}, len(primary.Header))
	for _, col := range primary.Header {
		header = append(header, col)
		have[col] = struct{}{}
	}
	for _, col := range secondary.Header {
		if _, ok := have[col]; !ok {
			header = append(header, col)
			have[col] = struct{}{}
		}
	}

	byKey := make(map[string]Row, len(primary.Rows))
	for _, row := range primary.Rows {
		if k := row.Get(key); k != "" {
			byKey[k] = row
		}
	}

	out := Table{Header: header, Rows: make([]Row, 0, len(secondary.Rows))}
	for _, sec := range secondary.Rows {
		merged := make(Row, len(sec))
		if prim, ok := byKey[sec.Get(key)]; ok {
			for k, v := range prim {
				merged[k] = v
			}
		}
		// Secondary fields fill remaining columns; the join key is
		// identical on both sides by construction.
		for k, v := range sec {
			if _, ok := merged[k]; !ok {
				merged[k] = v
			}
		}
		out.Rows = append(out.Rows, merged)
	}
	return out
}
