package export

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/falcon-image-export/pkg/auth"
)

// DefaultConcurrency is the shard worker count. The export API rejects
// concurrent jobs aggressively, so the default stays small.
const DefaultConcurrency = 2

// Orchestrator fans the shard set out over a bounded worker pool and
// collects per-shard results into a combined report.
type Orchestrator struct {
	lifecycle   *Lifecycle
	concurrency int
	observer    Observer
	logger      zerolog.Logger
}

// NewOrchestrator creates an orchestrator around a shared lifecycle.
func NewOrchestrator(lifecycle *Lifecycle, concurrency int, observer Observer, logger zerolog.Logger) (*Orchestrator, error) {
	if lifecycle == nil {
		return nil, fmt.Errorf("lifecycle is required")
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if observer == nil {
		observer = NopObserver
	}
	return &Orchestrator{
		lifecycle:   lifecycle,
		concurrency: concurrency,
		observer:    observer,
		logger:      logger.With().Str("component", "orchestrator").Logger(),
	}, nil
}

// Run exports every shard in shards and combines the results. One shard's
// failure never aborts the run; the two exceptions are credential
// rejection, which fails every remaining shard identically, and context
// cancellation, which keeps finished shards and returns a partial report
// alongside ctx.Err().
func (o *Orchestrator) Run(ctx context.Context, shards []ShardKey) (*Report, error) {
	if len(shards) == 0 {
		shards = AllShards()
	}
	if err := ValidateShards(shards); err != nil {
		return nil, err
	}

	started := time.Now()
	o.logger.Info().
		Int("shards", len(shards)).
		Int("concurrency", o.concurrency).
		Msg("Export run started")
	emit(o.observer, Event{Type: EventRunStarted, Shards: len(shards)})

	// An auth failure on any shard cancels the rest; there is no point
	// retrying credentials the identity provider already rejected.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan ShardKey)
	results := make([]ShardResult, len(shards))
	index := make(map[ShardKey]int, len(shards))
	for i, s := range shards {
		index[s] = i
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		authFail error
	)

	for w := 0; w < o.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for shard := range queue {
				res := o.lifecycle.Run(runCtx, shard)

				var authErr *auth.AuthError
				if res.Err != nil && errors.As(res.Err, &authErr) {
					mu.Lock()
					if authFail == nil {
						authFail = res.Err
					}
					mu.Unlock()
					cancel()
				}

				mu.Lock()
				results[index[shard]] = res
				mu.Unlock()
			}
		}()
	}

	for _, shard := range shards {
		select {
		case queue <- shard:
		case <-runCtx.Done():
			// Shards never handed to a worker are marked failed below.
		}
		if runCtx.Err() != nil {
			break
		}
	}
	close(queue)
	wg.Wait()

	if authFail != nil {
		o.logger.Error().Err(authFail).Msg("Export run aborted: credentials rejected")
		return nil, authFail
	}

	// Fill in shards that never ran or were cut off mid-flight.
	runErr := ctx.Err()
	for i, shard := range shards {
		if results[i].Job.Status.Terminal() {
			continue
		}
		reason := runErr
		if reason == nil {
			reason = context.Canceled
		}
		results[i] = ShardResult{
			Shard: shard,
			Job:   Job{Shard: shard, Status: JobFailed},
			Err:   fmt.Errorf("shard not completed: %w", reason),
		}
	}

	report := Combine(results)
	emit(o.observer, Event{Type: EventRunCompleted, Shards: len(shards), Records: report.Meta.TotalRecords})
	o.logger.Info().
		Int("records", report.Meta.TotalRecords).
		Int("failed_shards", len(report.Meta.FailedShards)).
		Dur("elapsed", time.Since(started)).
		Msg("Export run finished")

	return report, runErr
}
