package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/falcon-image-export/pkg/client"
	"github.com/Sternrassler/falcon-image-export/pkg/pagination"
)

// Prometheus metrics for shard job lifecycles.
var (
	shardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "falcon_export_shards_total",
		Help: "Shard outcomes by terminal state",
	}, []string{"state"})

	recordsFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "falcon_export_records_fetched_total",
		Help: "Total records fetched across all shards",
	})

	jobPollsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "falcon_export_job_polls_total",
		Help: "Total export job status polls",
	})
)

// JobStatus is the lifecycle state of one shard's export job.
type JobStatus int

const (
	JobPending JobStatus = iota
	JobRunning
	JobSucceeded
	JobFailed
	JobTimedOut
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobSucceeded:
		return "succeeded"
	case JobFailed:
		return "failed"
	case JobTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobTimedOut
}

// Remote job status values reported by the export API.
const (
	remoteStatusDone   = "DONE"
	remoteStatusFailed = "FAILED"
	remoteStatusError  = "ERROR"
)

// Job tracks one shard's export job. A Job is owned by the lifecycle
// running it; nothing else mutates it.
type Job struct {
	Shard     ShardKey
	RemoteID  string
	Status    JobStatus
	Polls     int
	CreatedAt time.Time
}

// API is the remote surface the lifecycle drives. *client.Client satisfies
// it; tests substitute scripted implementations.
type API interface {
	CreateExportJob(ctx context.Context, shard string) (string, error)
	ExportJobStatus(ctx context.Context, jobID string) (string, error)
	FetchExportPage(ctx context.Context, jobID string, offset, limit int) (pagination.Page, error)
}

// ShardResult is the outcome of one shard's lifecycle.
type ShardResult struct {
	Shard     ShardKey
	Job       Job
	Records   []Record
	Truncated bool

	// InvalidRecords counts records dropped for missing identity.
	InvalidRecords int

	// Err is the terminal failure, nil for a succeeded shard.
	Err error
}

// Failed reports whether the shard produced no usable result.
func (r ShardResult) Failed() bool {
	return r.Err != nil
}

// LifecycleConfig holds per-shard lifecycle tuning.
type LifecycleConfig struct {
	// PageLimit is the records requested per page.
	PageLimit int

	// MaxOffset is the pagination ceiling.
	MaxOffset int

	// PollInterval is the fixed wait between job status polls.
	PollInterval time.Duration

	// MaxPolls bounds the poll loop; exceeding it times the shard out.
	MaxPolls int
}

// DefaultLifecycleConfig returns the defaults matching the export API.
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		PageLimit:    100,
		MaxOffset:    10000,
		PollInterval: 15 * time.Second,
		MaxPolls:     20,
	}
}

// Lifecycle runs one shard from job creation to downloaded records.
type Lifecycle struct {
	api      API
	cfg      LifecycleConfig
	observer Observer
	logger   zerolog.Logger
}

// NewLifecycle creates a lifecycle runner shared by all shard workers.
func NewLifecycle(api API, cfg LifecycleConfig, observer Observer, logger zerolog.Logger) (*Lifecycle, error) {
	if api == nil {
		return nil, fmt.Errorf("api is required")
	}
	if cfg.PageLimit <= 0 || cfg.MaxPolls <= 0 {
		return nil, fmt.Errorf("page limit and max polls must be positive")
	}
	if observer == nil {
		observer = NopObserver
	}
	return &Lifecycle{
		api:      api,
		cfg:      cfg,
		observer: observer,
		logger:   logger.With().Str("component", "lifecycle").Logger(),
	}, nil
}

// Run drives one shard to a terminal state. Failures are captured in the
// result, not returned; the orchestrator decides what aborts a run.
func (l *Lifecycle) Run(ctx context.Context, shard ShardKey) ShardResult {
	logger := l.logger.With().Str("shard", shard.String()).Logger()
	result := ShardResult{
		Shard: shard,
		Job:   Job{Shard: shard, Status: JobPending, CreatedAt: time.Now()},
	}

	emit(l.observer, Event{Type: EventShardStarted, Shard: shard})
	logger.Info().Msg("Shard export started")

	// Pending: submit the job. The client retries transient failures
	// internally, so an error here is terminal for the shard.
	jobID, err := l.api.CreateExportJob(ctx, shard.String())
	if err != nil {
		return l.fail(logger, result, JobFailed, fmt.Errorf("create export job: %w", err))
	}
	result.Job.RemoteID = jobID
	result.Job.Status = JobRunning
	emit(l.observer, Event{Type: EventJobCreated, Shard: shard, JobID: jobID})
	logger.Info().Str("job_id", jobID).Msg("Export job created")

	// Running: poll to a terminal remote state within the poll budget.
	status, err := l.poll(ctx, logger, &result.Job)
	if err != nil {
		return l.fail(logger, result, status, err)
	}
	result.Job.Status = JobSucceeded

	// Succeeded: one pagination pass over the job's file endpoint.
	reader, err := pagination.NewReader(l.cfg.PageLimit, l.cfg.MaxOffset, logger)
	if err != nil {
		return l.fail(logger, result, JobFailed, err)
	}
	reader.OnPage = func(p pagination.Page) {
		emit(l.observer, Event{
			Type:    EventPageFetched,
			Shard:   shard,
			JobID:   jobID,
			Offset:  p.Offset,
			Records: len(p.Records),
		})
	}

	pages, err := reader.FetchAll(ctx, pageFetcher{l.api, jobID})
	if err != nil {
		return l.fail(logger, result, JobFailed, fmt.Errorf("download export: %w", err))
	}
	result.Truncated = pages.Truncated
	if pages.Truncated {
		emit(l.observer, Event{Type: EventShardTruncated, Shard: shard, JobID: jobID})
	}

	for _, raw := range pages.Records {
		rec, err := ParseRecord(shard, raw)
		if err != nil {
			result.InvalidRecords++
			logger.Warn().Err(err).Msg("Dropping invalid record")
			continue
		}
		result.Records = append(result.Records, rec)
	}

	shardsTotal.WithLabelValues(JobSucceeded.String()).Inc()
	recordsFetchedTotal.Add(float64(len(result.Records)))
	emit(l.observer, Event{
		Type:    EventShardCompleted,
		Shard:   shard,
		JobID:   jobID,
		Records: len(result.Records),
	})
	logger.Info().
		Int("records", len(result.Records)).
		Int("invalid", result.InvalidRecords).
		Bool("truncated", result.Truncated).
		Msg("Shard export complete")

	return result
}

// poll waits for the remote job to finish. Returns the terminal failure
// status and error when the job fails or the budget runs out.
func (l *Lifecycle) poll(ctx context.Context, logger zerolog.Logger, job *Job) (JobStatus, error) {
	for job.Polls = 1; job.Polls <= l.cfg.MaxPolls; job.Polls++ {
		remote, err := l.api.ExportJobStatus(ctx, job.RemoteID)
		if err != nil {
			return JobFailed, fmt.Errorf("poll export job: %w", err)
		}
		jobPollsTotal.Inc()

		logger.Debug().
			Str("job_id", job.RemoteID).
			Str("remote_status", remote).
			Int("attempt", job.Polls).
			Msg("Export job polled")

		switch remote {
		case remoteStatusDone:
			emit(l.observer, Event{Type: EventJobStatus, Shard: job.Shard, JobID: job.RemoteID, Status: JobSucceeded})
			return JobSucceeded, nil
		case remoteStatusFailed, remoteStatusError:
			emit(l.observer, Event{Type: EventJobStatus, Shard: job.Shard, JobID: job.RemoteID, Status: JobFailed})
			return JobFailed, fmt.Errorf("export job reported %s", remote)
		}

		emit(l.observer, Event{Type: EventJobStatus, Shard: job.Shard, JobID: job.RemoteID, Status: JobRunning})
		if job.Polls == l.cfg.MaxPolls {
			break
		}

		emit(l.observer, Event{
			Type:    EventPollWait,
			Shard:   job.Shard,
			JobID:   job.RemoteID,
			Delay:   l.cfg.PollInterval,
			Attempt: job.Polls,
		})
		if err := client.Wait(ctx, l.cfg.PollInterval, nil); err != nil {
			return JobFailed, err
		}
	}

	return JobTimedOut, fmt.Errorf("export job not finished after %d polls", l.cfg.MaxPolls)
}

// fail records a terminal shard failure.
func (l *Lifecycle) fail(logger zerolog.Logger, result ShardResult, status JobStatus, err error) ShardResult {
	result.Job.Status = status
	result.Err = err
	shardsTotal.WithLabelValues(status.String()).Inc()
	emit(l.observer, Event{Type: EventShardFailed, Shard: result.Shard, JobID: result.Job.RemoteID, Err: err})

	event := logger.Error()
	if errors.Is(err, context.Canceled) {
		event = logger.Warn()
	}
	event.Err(err).Str("state", status.String()).Msg("Shard export failed")
	return result
}

// pageFetcher adapts the API to the pagination.Fetcher interface for one job.
type pageFetcher struct {
	api   API
	jobID string
}

func (f pageFetcher) FetchPage(ctx context.Context, offset, limit int) (pagination.Page, error) {
	return f.api.FetchExportPage(ctx, f.jobID, offset, limit)
}
