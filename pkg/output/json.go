// Package output renders a finished export report to JSON and CSV.
package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/Sternrassler/falcon-image-export/pkg/export"
)

// JSONExporter writes an export report as a single JSON document with the
// run metadata followed by the records.
type JSONExporter struct {
	// Pretty enables indented output.
	Pretty bool
}

// NewJSONExporter creates a JSON exporter.
func NewJSONExporter(pretty bool) *JSONExporter {
	return &JSONExporter{Pretty: pretty}
}

// Export writes the full report to w. Record payloads pass through
// unchanged; only the envelope is ours.
func (e *JSONExporter) Export(ctx context.Context, report *export.Report, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	doc := struct {
		Meta    export.ReportMeta `json:"meta"`
		Records []export.Record   `json:"records"`
	}{Meta: report.Meta, Records: report.Records}
	if doc.Records == nil {
		doc.Records = []export.Record{}
	}

	enc := json.NewEncoder(w)
	if e.Pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
