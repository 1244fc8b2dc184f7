package output

import (
	"bytes"
	"context"
	"encoding/csv"
	"reflect"
	"testing"
)

func exportCSV(t *testing.T, includeHeader bool, payloads ...string) [][]string {
	t.Helper()
	var buf bytes.Buffer
	if err := NewCSVExporter(includeHeader).Export(context.Background(), sampleReport(payloads...), &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("output is not valid CSV: %v", err)
	}
	return rows
}

func TestCSVExportFlattensNestedObjects(t *testing.T) {
	rows := exportCSV(t, true,
		`{"id":"a","cvss":{"score":9.8,"vector":"AV:N"}}`,
	)

	wantHeader := []string{"cvss.score", "cvss.vector", "id"}
	if !reflect.DeepEqual(rows[0], wantHeader) {
		t.Errorf("header = %v, want %v", rows[0], wantHeader)
	}
	wantRow := []string{"9.8", "AV:N", "a"}
	if !reflect.DeepEqual(rows[1], wantRow) {
		t.Errorf("row = %v, want %v", rows[1], wantRow)
	}
}

func TestCSVExportHeaderIsColumnUnion(t *testing.T) {
	rows := exportCSV(t, true,
		`{"id":"a","severity":"high"}`,
		`{"id":"b","cve_id":"CVE-2024-1"}`,
	)

	wantHeader := []string{"cve_id", "id", "severity"}
	if !reflect.DeepEqual(rows[0], wantHeader) {
		t.Errorf("header = %v, want %v", rows[0], wantHeader)
	}
	// Missing columns render as empty cells.
	if rows[1][0] != "" || rows[2][2] != "" {
		t.Errorf("missing fields not empty: %v / %v", rows[1], rows[2])
	}
}

func TestCSVExportScalarRendering(t *testing.T) {
	rows := exportCSV(t, true,
		`{"id":"a","count":3,"active":true,"note":null,"tags":["x","y"]}`,
	)

	byCol := make(map[string]string)
	for i, col := range rows[0] {
		byCol[col] = rows[1][i]
	}
	want := map[string]string{
		"id":     "a",
		"count":  "3",
		"active": "true",
		"note":   "",
		"tags":   `["x","y"]`,
	}
	for col, val := range want {
		if byCol[col] != val {
			t.Errorf("column %s = %q, want %q", col, byCol[col], val)
		}
	}
}

func TestCSVExportWithoutHeader(t *testing.T) {
	rows := exportCSV(t, false, `{"id":"a"}`)
	if len(rows) != 1 {
		t.Errorf("rows = %d, want 1 data row and no header", len(rows))
	}
}

func TestCSVExportEmptyReport(t *testing.T) {
	var buf bytes.Buffer
	if err := NewCSVExporter(true).Export(context.Background(), sampleReport(), &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	// No records means no columns, so the file is empty.
	if buf.Len() != 0 {
		t.Errorf("empty report output = %q", buf.String())
	}
}
