package ui

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/Sternrassler/falcon-image-export/pkg/export"
)

func capture(events ...export.Event) string {
	// Color codes would make substring checks brittle.
	prev := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = prev }()

	var buf bytes.Buffer
	p := NewProgress(&buf)
	for _, ev := range events {
		p.OnEvent(ev)
	}
	return buf.String()
}

func TestProgressRunLifecycle(t *testing.T) {
	out := capture(
		export.Event{Type: export.EventRunStarted, Shards: 2},
		export.Event{Type: export.EventShardCompleted, Shard: "0", Records: 10},
		export.Event{Type: export.EventShardFailed, Shard: "1", Err: errors.New("boom")},
		export.Event{Type: export.EventRunCompleted, Records: 10},
	)

	for _, want := range []string{
		"Exporting 2 shards",
		"shard 0: 10 records [1/2]",
		"shard 1: boom [2/2]",
		"Export finished: 10 records",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestProgressWaitEvents(t *testing.T) {
	out := capture(
		export.Event{Type: export.EventPollWait, Shard: "a", Delay: 15 * time.Second, Attempt: 3},
		export.Event{Type: export.EventBackoffWait, Operation: "create export job", Delay: 5 * time.Second, Attempt: 2},
		export.Event{Type: export.EventShardTruncated, Shard: "a"},
	)

	for _, want := range []string{
		"next poll in 15s (poll 3)",
		"create export job throttled, retrying in 5s (attempt 2)",
		"result truncated",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
