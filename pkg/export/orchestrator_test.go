package export

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/falcon-image-export/pkg/auth"
)

func testOrchestrator(t *testing.T, api API, concurrency int) *Orchestrator {
	t.Helper()
	lc := testLifecycle(t, api, fastConfig(), nil)
	o, err := NewOrchestrator(lc, concurrency, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	return o
}

func TestOrchestratorRunsAllShards(t *testing.T) {
	api := newScriptedAPI()
	for _, shard := range AllShards() {
		api.setRecords(shard.String(), 3)
	}

	o := testOrchestrator(t, api, 4)
	report, err := o.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.Meta.TotalRecords != 48 {
		t.Errorf("total records = %d, want 48", report.Meta.TotalRecords)
	}
	if len(report.Meta.PerShardCounts) != 16 {
		t.Errorf("succeeded shards = %d, want 16", len(report.Meta.PerShardCounts))
	}
	if len(report.Meta.FailedShards) != 0 {
		t.Errorf("failed shards = %v, want none", report.Meta.FailedShards)
	}
}

// Every shard must land in exactly one of PerShardCounts or FailedShards.
func TestOrchestratorShardPartition(t *testing.T) {
	api := newScriptedAPI()
	for _, shard := range AllShards() {
		api.setRecords(shard.String(), 2)
	}
	api.createErr["3"] = errors.New("boom")
	api.createErr["c"] = errors.New("boom")

	o := testOrchestrator(t, api, 3)
	report, err := o.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	failed := make(map[string]bool)
	for _, s := range report.Meta.FailedShards {
		failed[s] = true
	}
	for _, shard := range AllShards() {
		s := shard.String()
		_, counted := report.Meta.PerShardCounts[s]
		if counted == failed[s] {
			t.Errorf("shard %s: counted=%v failed=%v, want exactly one", s, counted, failed[s])
		}
	}
	if len(report.Meta.FailedShards) != 2 {
		t.Errorf("failed shards = %v, want 2", report.Meta.FailedShards)
	}
}

// One shard failing must not disturb the others.
func TestOrchestratorFailureIsolation(t *testing.T) {
	api := newScriptedAPI()
	for _, shard := range AllShards() {
		api.setRecords(shard.String(), 5)
	}
	api.statuses["7"] = []string{"FAILED"}

	o := testOrchestrator(t, api, 2)
	report, err := o.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := report.Meta.TotalRecords; got != 75 {
		t.Errorf("total records = %d, want 75", got)
	}
	if len(report.Meta.FailedShards) != 1 || report.Meta.FailedShards[0] != "7" {
		t.Errorf("failed shards = %v, want [7]", report.Meta.FailedShards)
	}
}

func TestOrchestratorAuthFailureIsFatal(t *testing.T) {
	api := newScriptedAPI()
	for _, shard := range AllShards() {
		api.setRecords(shard.String(), 1)
	}
	api.createErr["0"] = &auth.AuthError{StatusCode: 403, Message: "access denied"}

	o := testOrchestrator(t, api, 2)
	report, err := o.Run(context.Background(), nil)

	if report != nil {
		t.Error("Run() report != nil, want nil on credential rejection")
	}
	var authErr *auth.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Run() error = %v, want *auth.AuthError", err)
	}
}

func TestOrchestratorCancellationKeepsCompletedShards(t *testing.T) {
	api := newScriptedAPI()
	for _, shard := range AllShards() {
		api.setRecords(shard.String(), 1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Cancel mid-run, once a few shards have finished.
	var completed atomic.Int32
	obs := ObserverFunc(func(ev Event) {
		if ev.Type == EventShardCompleted && completed.Add(1) == 4 {
			cancel()
		}
	})

	lc := testLifecycle(t, api, fastConfig(), obs)
	o, err := NewOrchestrator(lc, 2, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	report, err := o.Run(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if report == nil {
		t.Fatal("Run() report = nil, want partial report")
	}
	if len(report.Meta.PerShardCounts) < 4 {
		t.Errorf("succeeded shards = %d, want at least the 4 completed", len(report.Meta.PerShardCounts))
	}
	if got := len(report.Meta.PerShardCounts) + len(report.Meta.FailedShards); got != 16 {
		t.Errorf("partitioned shards = %d, want 16", got)
	}
}

func TestOrchestratorConcurrencyBound(t *testing.T) {
	api := newScriptedAPI()
	for _, shard := range AllShards() {
		api.setRecords(shard.String(), 1)
		api.statuses[shard.String()] = []string{"RUNNING", "DONE"}
	}

	var mu sync.Mutex
	inflight, peak := 0, 0
	obs := ObserverFunc(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Type {
		case EventShardStarted:
			inflight++
			if inflight > peak {
				peak = inflight
			}
		case EventShardCompleted, EventShardFailed:
			inflight--
		}
	})

	cfg := fastConfig()
	cfg.PollInterval = 5 * time.Millisecond
	lc := testLifecycle(t, api, cfg, obs)
	o, err := NewOrchestrator(lc, 3, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	if _, err := o.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if peak > 3 {
		t.Errorf("peak in-flight shards = %d, want <= 3", peak)
	}
}

func TestOrchestratorRejectsInvalidShards(t *testing.T) {
	o := testOrchestrator(t, newScriptedAPI(), 1)
	if _, err := o.Run(context.Background(), []ShardKey{"0", "g"}); err == nil {
		t.Error("Run() error = nil, want invalid shard rejection")
	}
}

func TestOrchestratorSubsetOfShards(t *testing.T) {
	api := newScriptedAPI()
	api.setRecords("a", 7)
	api.setRecords("b", 9)

	o := testOrchestrator(t, api, 2)
	report, err := o.Run(context.Background(), []ShardKey{"a", "b"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Meta.TotalRecords != 16 {
		t.Errorf("total records = %d, want 16", report.Meta.TotalRecords)
	}
	if len(report.Meta.PerShardCounts) != 2 {
		t.Errorf("succeeded shards = %d, want 2", len(report.Meta.PerShardCounts))
	}
}
