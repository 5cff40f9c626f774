package tabular

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestReadFile_UTF8WithBOM(t *testing.T) {
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("id,name\n1,Union Station\n")...)
	path := writeTemp(t, "bom.csv", data)

	table, err := ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "name"}, table.Header)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, "Union Station", table.Rows[0].Get("name"))
}

func TestReadFile_Latin1Fallback(t *testing.T) {
	// "Côté" encoded as Latin-1: invalid UTF-8 bytes trigger the fallback.
	data := []byte("id,name\n1,C\xf4t\xe9\n")
	path := writeTemp(t, "latin1.csv", data)

	table, err := ReadFile(path)
	require.NoError(t, err)

	require.Len(t, table.Rows, 1)
	assert.Equal(t, "Côté", table.Rows[0].Get("name"))
}

func TestReadFile_RaggedRows(t *testing.T) {
	path := writeTemp(t, "ragged.csv", []byte("a,b,c\n1,2\n3,4,5,6\n"))

	table, err := ReadFile(path)
	require.NoError(t, err)

	require.Len(t, table.Rows, 2)
	assert.Equal(t, "", table.Rows[0].Get("c"))
	assert.Equal(t, "5", table.Rows[1].Get("c"))
}

func TestReadFile_Empty(t *testing.T) {
	path := writeTemp(t, "empty.csv", nil)

	table, err := ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, table.Header)
	assert.Empty(t, table.Rows)
}

func TestWriteFile_IgnoresExtraAndBlanksMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	table := Table{
		Header: []string{"a", "b"},
		Rows: []Row{
			{"a": "1", "b": "2", "extra": "ignored"},
			{"a": "3"},
		},
	}

	require.NoError(t, WriteFile(path, table))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n3,\n", string(data))
}

func TestReadWrite_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rt.csv")
	in := Table{
		Header: []string{"id", "note"},
		Rows: []Row{
			{"id": "1", "note": "has,comma"},
			{"id": "2", "note": `has "quotes"`},
		},
	}

	require.NoError(t, WriteFile(path, in))
	out, err := ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, in.Header, out.Header)
	assert.Equal(t, in.Rows, out.Rows)
}
