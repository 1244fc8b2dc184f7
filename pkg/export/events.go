package export

import "time"

// EventType identifies a lifecycle event emitted during a run.
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventShardStarted   EventType = "shard_started"
	EventJobCreated     EventType = "job_created"
	EventJobStatus      EventType = "job_status"
	EventPollWait       EventType = "poll_wait"
	EventBackoffWait    EventType = "backoff_wait"
	EventPageFetched    EventType = "page_fetched"
	EventShardTruncated EventType = "shard_truncated"
	EventShardCompleted EventType = "shard_completed"
	EventShardFailed    EventType = "shard_failed"
	EventRunCompleted   EventType = "run_completed"
)

// Event is one structured lifecycle notification. The orchestration core
// emits events and never renders; progress UIs subscribe via an Observer.
type Event struct {
	Type  EventType
	Time  time.Time
	Shard ShardKey

	// JobID is set for job-scoped events.
	JobID string

	// Status is set for job_status events.
	Status JobStatus

	// Records carries the record count for page_fetched, shard_completed
	// and run_completed events.
	Records int

	// Offset is the page offset for page_fetched events.
	Offset int

	// Shards is the total shard count for run_started events.
	Shards int

	// Delay and Attempt describe poll_wait and backoff_wait events.
	Delay   time.Duration
	Attempt int

	// Operation is the API operation for backoff_wait events.
	Operation string

	// Err is set for shard_failed events.
	Err error
}

// Observer receives lifecycle events. Implementations must be fast and
// non-blocking; events fire from shard workers.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// NopObserver drops all events.
var NopObserver Observer = ObserverFunc(func(Event) {})

func emit(obs Observer, e Event) {
	if obs == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	obs.OnEvent(e)
}
