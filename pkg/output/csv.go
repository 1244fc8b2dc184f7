package output

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/Sternrassler/falcon-image-export/pkg/export"
)

// CSVExporter writes export records as CSV. Record payloads are opaque
// JSON, so the column set is computed from the data: nested objects
// flatten into dotted column names and the header is the sorted union of
// every record's keys. Arrays and other non-scalar leaves stay JSON-encoded
// in their cell.
type CSVExporter struct {
	// IncludeHeader includes the column-name row.
	IncludeHeader bool
}

// NewCSVExporter creates a CSV exporter.
func NewCSVExporter(includeHeader bool) *CSVExporter {
	return &CSVExporter{IncludeHeader: includeHeader}
}

// Export writes all records of the report to w. The header union requires
// a full pass over the records before the first row, so the whole record
// set stays in memory; the report is already materialized anyway.
func (e *CSVExporter) Export(ctx context.Context, report *export.Report, w io.Writer) error {
	flat := make([]map[string]string, 0, len(report.Records))
	columns := make(map[string]struct{})
	for _, rec := range report.Records {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := flattenPayload(rec.Payload)
		if err != nil {
			return fmt.Errorf("flatten record %s: %w", rec.ID, err)
		}
		for col := range row {
			columns[col] = struct{}{}
		}
		flat = append(flat, row)
	}

	header := make([]string, 0, len(columns))
	for col := range columns {
		header = append(header, col)
	}
	sort.Strings(header)

	writer := csv.NewWriter(w)
	defer writer.Flush()

	if e.IncludeHeader && len(header) > 0 {
		if err := writer.Write(header); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
	}

	row := make([]string, len(header))
	for _, cells := range flat {
		for i, col := range header {
			row[i] = cells[col]
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// flattenPayload turns one record payload into column/value cells.
func flattenPayload(raw json.RawMessage) (map[string]string, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	cells := make(map[string]string)
	flattenInto(cells, "", obj)
	return cells, nil
}

func flattenInto(cells map[string]string, prefix string, obj map[string]any) {
	for key, value := range obj {
		col := key
		if prefix != "" {
			col = prefix + "." + key
		}
		switch v := value.(type) {
		case map[string]any:
			flattenInto(cells, col, v)
		case string:
			cells[col] = v
		case float64:
			cells[col] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			cells[col] = strconv.FormatBool(v)
		case nil:
			cells[col] = ""
		default:
			// Arrays keep their JSON form in one cell.
			data, _ := json.Marshal(v)
			cells[col] = string(data)
		}
	}
}
