// Package testutil provides shared test helpers for writing recording
// fixtures to disk.
package testutil

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

// WriteCSV writes a CSV file with the given header and rows, creating
// parent directories as needed.
func WriteCSV(t *testing.T, path string, header []string, rows [][]string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create %s: %v", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		t.Fatalf("failed to write header: %v", err)
	}
	if err := w.WriteAll(rows); err != nil {
		t.Fatalf("failed to write rows: %v", err)
	}
}

// Row formats a mix of floats, ints and strings as CSV cells.
func Row(cells ...any) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		switch v := c.(type) {
		case float64:
			out[i] = strconv.FormatFloat(v, 'g', -1, 64)
		case int:
			out[i] = strconv.Itoa(v)
		case string:
			out[i] = v
		default:
			panic("testutil.Row: unsupported cell type")
		}
	}
	return out
}

// WorldTimestamps returns n frame timestamps spaced by step seconds.
func WorldTimestamps(n int, step float64) [][]string {
	rows := make([][]string, n)
	for i := range rows {
		rows[i] = Row(float64(i) * step)
	}
	return rows
}
