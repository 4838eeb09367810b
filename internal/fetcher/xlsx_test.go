package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func createTestXLSX(t *testing.T, sheets map[string][][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				cell := row.AddCell()
				cell.SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "test.xlsx")
	err := f.Save(path)
	require.NoError(t, err)
	return path
}

func TestReadXLSX_Basic(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Sheet1": {
			{"고객명", "연락처", "수납액"},
			{"김민지", "010-1111-2222", "100000"},
			{"이서준", "010-3333-4444", "50000"},
		},
	})

	rows, err := ReadXLSX(path, XLSXOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"고객명", "연락처", "수납액"}, rows[0])
	assert.Equal(t, []string{"김민지", "010-1111-2222", "100000"}, rows[1])
}

func TestReadXLSX_SkipRowsAndTrim(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Sheet1": {
			{"title"},
			{" a ", "b"},
			{"", ""},
		},
	})

	rows, err := ReadXLSX(path, XLSXOptions{SkipRows: 1, TrimSpace: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"a", "b"}, rows[0])
}

func TestReadXLSX_SheetName(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"First":  {{"a", "b"}},
		"Second": {{"x", "y"}, {"1", "2"}},
	})

	rows, err := ReadXLSX(path, XLSXOptions{SheetName: "Second"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"x", "y"}, rows[0])

	names, err := SheetNames(path)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"First", "Second"}, names)
}

func TestReadXLSX_SheetNameNotFound(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{"Sheet1": {{"a"}}})

	_, err := ReadXLSX(path, XLSXOptions{SheetName: "Missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestReadXLSX_SheetIndexOutOfRange(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{"Sheet1": {{"a"}}})

	_, err := ReadXLSX(path, XLSXOptions{SheetIndex: 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestReadXLSX_MissingFile(t *testing.T) {
	_, err := ReadXLSX(filepath.Join(t.TempDir(), "nope.xlsx"), XLSXOptions{})
	assert.Error(t, err)
}

func TestReadFile_DispatchesByExtension(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{"Sheet1": {{"a", "b"}}})
	rows, err := ReadFile(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}}, rows)

	csvPath := filepath.Join(t.TempDir(), "w.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("x, y\n1,2\n"), 0o644))
	rows, err = ReadFile(context.Background(), csvPath, EncodingAuto)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"x", "y"}, {"1", "2"}}, rows)

	_, err = ReadFile(context.Background(), filepath.Join(t.TempDir(), "w.pdf"), "")
	assert.ErrorContains(t, err, "unsupported file type")
}
