package export

import (
	"time"

	"github.com/google/uuid"
)

// ReportMeta summarizes an export run.
type ReportMeta struct {
	RunID       string    `json:"run_id"`
	GeneratedAt time.Time `json:"generated_at"`

	TotalRecords      int `json:"total_records"`
	DuplicatesDropped int `json:"duplicates_dropped"`
	InvalidRecords    int `json:"invalid_records"`

	// PerShardCounts holds post-dedup record counts for succeeded shards.
	// Every shard appears in exactly one of PerShardCounts or FailedShards.
	PerShardCounts map[string]int `json:"per_shard_counts"`
	FailedShards   []string       `json:"failed_shards,omitempty"`

	// TruncatedShards lists succeeded shards whose datasets exceeded the
	// pagination ceiling. Truncation is surfaced, not treated as failure.
	TruncatedShards []string `json:"truncated_shards,omitempty"`
}

// Report is the combined outcome of an export run.
type Report struct {
	Meta    ReportMeta `json:"meta"`
	Records []Record   `json:"records"`
}

// Empty reports whether every shard succeeded yet produced no records.
// An empty dataset is a valid outcome, distinct from a failed run.
func (r *Report) Empty() bool {
	return len(r.Meta.FailedShards) == 0 && r.Meta.TotalRecords == 0
}

// AllFailed reports whether no shard produced a usable result.
func (r *Report) AllFailed() bool {
	return len(r.Meta.PerShardCounts) == 0 && len(r.Meta.FailedShards) > 0
}

// Combine merges per-shard results into one report, dropping duplicate
// record IDs on a first-seen basis. Results are processed in the order
// given, so callers control dedup precedence by ordering the slice.
func Combine(results []ShardResult) *Report {
	report := &Report{
		Meta: ReportMeta{
			RunID:          uuid.NewString(),
			GeneratedAt:    time.Now().UTC(),
			PerShardCounts: make(map[string]int),
		},
	}

	seen := make(map[string]struct{})
	for _, res := range results {
		shard := res.Shard.String()
		report.Meta.InvalidRecords += res.InvalidRecords

		if res.Failed() {
			report.Meta.FailedShards = append(report.Meta.FailedShards, shard)
			continue
		}
		if res.Truncated {
			report.Meta.TruncatedShards = append(report.Meta.TruncatedShards, shard)
		}

		kept := 0
		for _, rec := range res.Records {
			if _, dup := seen[rec.ID]; dup {
				report.Meta.DuplicatesDropped++
				continue
			}
			seen[rec.ID] = struct{}{}
			report.Records = append(report.Records, rec)
			kept++
		}
		report.Meta.PerShardCounts[shard] = kept
	}

	report.Meta.TotalRecords = len(report.Records)
	return report
}
