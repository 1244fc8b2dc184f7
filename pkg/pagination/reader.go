// Package pagination drives offset/limit paging against a Falcon export
// file endpoint. The API refuses offsets past a hard ceiling, so a shard
// with more records than the ceiling is deliberately truncated rather than
// failed; the reader surfaces that so the report can flag the shard.
package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "falcon_export_pages_fetched_total",
		Help: "Total export file pages fetched",
	})

	truncatedFetchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "falcon_export_truncated_fetches_total",
		Help: "Total pagination passes stopped by the offset ceiling",
	})
)

// TotalUnknown marks a page whose response did not report a total count.
const TotalUnknown = -1

// Page is one offset/limit slice of an export file. Pages are ephemeral:
// produced by a Fetcher, consumed by the Reader, never persisted.
type Page struct {
	Offset  int
	Limit   int
	Records []json.RawMessage

	// Total is the server-reported number of available records, or
	// TotalUnknown when the response carries no pagination meta.
	Total int
}

// Fetcher fetches a single page. Implementations own retry semantics for
// transient failures; an error returned here is final for the pass.
type Fetcher interface {
	FetchPage(ctx context.Context, offset, limit int) (Page, error)
}

// Result is the outcome of one pagination pass.
type Result struct {
	Records []json.RawMessage
	Pages   int

	// Truncated is set when the pass stopped at the offset ceiling with
	// data still available upstream. Not an error.
	Truncated bool
}

// Reader pages through an export file from offset zero. A Reader is
// restartable per invocation but not resumable mid-stream.
type Reader struct {
	limit     int
	maxOffset int
	logger    zerolog.Logger

	// OnPage, when non-nil, observes every fetched page.
	OnPage func(Page)
}

// NewReader creates a reader requesting limit records per page and never
// requesting an offset that would cross maxOffset.
func NewReader(limit, maxOffset int, logger zerolog.Logger) (*Reader, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("page limit must be positive (got %d)", limit)
	}
	if maxOffset < limit {
		return nil, fmt.Errorf("max offset %d must be at least the page limit %d", maxOffset, limit)
	}
	return &Reader{
		limit:     limit,
		maxOffset: maxOffset,
		logger:    logger.With().Str("component", "pagination").Logger(),
	}, nil
}

// FetchAll pages through the fetcher until end of data, the reported total,
// or the offset ceiling. The offset advances by the records actually
// returned, not the nominal page size, so a server under-filling pages
// cannot cause skipped records.
func (r *Reader) FetchAll(ctx context.Context, fetcher Fetcher) (Result, error) {
	start := time.Now()
	result := Result{}
	offset := 0
	total := TotalUnknown

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if offset+r.limit > r.maxOffset {
			// Ceiling reached. Whether data remains decides truncation.
			result.Truncated = total == TotalUnknown || offset < total
			if result.Truncated {
				truncatedFetchesTotal.Inc()
				r.logger.Warn().
					Int("offset", offset).
					Int("max_offset", r.maxOffset).
					Int("total", total).
					Msg("Offset ceiling reached - remaining records not fetched")
			}
			break
		}

		page, err := fetcher.FetchPage(ctx, offset, r.limit)
		if err != nil {
			return result, fmt.Errorf("fetch page at offset %d: %w", offset, err)
		}

		pagesFetchedTotal.Inc()
		result.Pages++
		result.Records = append(result.Records, page.Records...)
		if r.OnPage != nil {
			r.OnPage(page)
		}

		if page.Total >= 0 {
			total = page.Total
		}

		n := len(page.Records)
		offset += n

		r.logger.Debug().
			Int("offset", offset).
			Int("records", n).
			Int("total", total).
			Msg("Page fetched")

		if n < r.limit {
			break
		}
		if total != TotalUnknown && offset >= total {
			break
		}
	}

	r.logger.Info().
		Int("pages", result.Pages).
		Int("records", len(result.Records)).
		Bool("truncated", result.Truncated).
		Dur("duration", time.Since(start)).
		Msg("Pagination pass complete")

	return result, nil
}
