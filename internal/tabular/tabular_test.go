package tabular_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kiranshivaraju/csvforge/internal/tabular"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *tabular.Engine {
	t.Helper()
	e, err := tabular.New()
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func writeCSV(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestProfile(t *testing.T) {
	e := newEngine(t)
	p := writeCSV(t, "input.csv", "id,name,amount\n1,alice,10.5\n2,,7\n3,carol,\n")

	s, err := e.Profile(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, int64(3), s.RowCount)
	require.Len(t, s.Columns, 3)
	assert.Equal(t, "id", s.Columns[0].Name)
	assert.Equal(t, "name", s.Columns[1].Name)
	assert.Equal(t, int64(1), s.Columns[1].NullCount)
	assert.Equal(t, int64(1), s.Columns[2].NullCount)
	assert.Len(t, s.SampleRows, 3)
	assert.Equal(t, "alice", s.SampleRows[0]["name"])
}

func TestCompare_Match(t *testing.T) {
	e := newEngine(t)
	a := writeCSV(t, "actual.csv", "date,amount\n2024-01-15,10\n2024-02-01, 20\n")
	x := writeCSV(t, "expected.csv", "date,amount\n2024-01-15,10\n2024-02-01,20\n")

	res, err := e.Compare(context.Background(), a, x)
	require.NoError(t, err)
	assert.True(t, res.Match)
	assert.Empty(t, res.Suggestions)
	assert.Equal(t, int64(2), res.ActualRows)
}

func TestCompare_ValueMismatch(t *testing.T) {
	e := newEngine(t)
	a := writeCSV(t, "actual.csv", "date,amount\n01/15/2024,10\n2024-02-01,20\n")
	x := writeCSV(t, "expected.csv", "date,amount\n2024-01-15,10\n2024-02-01,20\n")

	res, err := e.Compare(context.Background(), a, x)
	require.NoError(t, err)
	assert.False(t, res.Match)
	assert.Equal(t, int64(1), res.MismatchedRows)
	require.Len(t, res.Suggestions, 1)
	assert.Contains(t, res.Suggestions[0], "Column 'date' has 1 mismatched values")
	assert.Contains(t, res.Suggestions[0], `expected "2024-01-15" but got "01/15/2024"`)
}

func TestCompare_ColumnsAndRows(t *testing.T) {
	e := newEngine(t)
	a := writeCSV(t, "actual.csv", "id,extra\n1,x\n2,y\n3,z\n")
	x := writeCSV(t, "expected.csv", "id,name\n1,a\n2,b\n")

	res, err := e.Compare(context.Background(), a, x)
	require.NoError(t, err)
	assert.False(t, res.Match)
	assert.Equal(t, []string{"name"}, res.MissingColumns)
	assert.Equal(t, []string{"extra"}, res.ExtraColumns)
	assert.Contains(t, res.Suggestions, "Add missing column 'name'")
	assert.Contains(t, res.Suggestions, "Remove unexpected column 'extra'")
	assert.Contains(t, res.Suggestions, "Output has 3 rows but 2 were expected")
}

func TestCompare_ColumnOrder(t *testing.T) {
	e := newEngine(t)
	a := writeCSV(t, "actual.csv", "b,a\n2,1\n")
	x := writeCSV(t, "expected.csv", "a,b\n1,2\n")

	res, err := e.Compare(context.Background(), a, x)
	require.NoError(t, err)
	assert.False(t, res.Match)
	assert.Equal(t, []string{"Reorder columns to match expected order: a, b"}, res.Suggestions)
}

type pathResolver map[string]string

func (r pathResolver) Path(ref string) (string, error) { return r[ref], nil }

func TestProfiler_SetsRef(t *testing.T) {
	e := newEngine(t)
	p := writeCSV(t, "input.csv", "a\n1\n")
	prof := tabular.NewProfiler(e, pathResolver{"file:///in.csv": p})

	s, err := prof.Profile(context.Background(), "file:///in.csv")
	require.NoError(t, err)
	assert.Equal(t, "file:///in.csv", s.Ref)
	assert.Equal(t, int64(1), s.RowCount)
}
