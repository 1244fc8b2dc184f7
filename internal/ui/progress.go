// Package ui renders export run progress on the terminal. It subscribes to
// lifecycle events and prints one colored status line per event; with
// multiple shards in flight an event log reads better than a single
// animated spinner.
package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/Sternrassler/falcon-image-export/pkg/export"
)

// Progress is an export.Observer printing run progress. The zero value is
// not usable; create one with NewProgress.
type Progress struct {
	mu      sync.Mutex
	writer  io.Writer
	started time.Time
	shards  int
	done    int
	records int
}

// NewProgress creates a progress printer writing to w, or os.Stderr when w
// is nil. Progress shares stderr with the logger so stdout stays free for
// piped output.
func NewProgress(w io.Writer) *Progress {
	if w == nil {
		w = os.Stderr
	}
	return &Progress{writer: w}
}

// OnEvent renders one lifecycle event.
func (p *Progress) OnEvent(ev export.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Type {
	case export.EventRunStarted:
		p.started = time.Now()
		p.shards = ev.Shards
		fmt.Fprintf(p.writer, "%s Exporting %d shards\n", color.CyanString("▸"), ev.Shards)

	case export.EventShardStarted:
		fmt.Fprintf(p.writer, "%s shard %s: export job requested\n", color.CyanString("▸"), ev.Shard)

	case export.EventJobCreated:
		fmt.Fprintf(p.writer, "%s shard %s: job %s created\n", color.CyanString("▸"), ev.Shard, ev.JobID)

	case export.EventPollWait:
		fmt.Fprintf(p.writer, "%s shard %s: job running, next poll in %s %s\n",
			color.YellowString("◆"), ev.Shard, ev.Delay,
			color.HiBlackString("(poll %d)", ev.Attempt))

	case export.EventBackoffWait:
		fmt.Fprintf(p.writer, "%s %s throttled, retrying in %s %s\n",
			color.YellowString("⚠"), ev.Operation, ev.Delay,
			color.HiBlackString("(attempt %d)", ev.Attempt))

	case export.EventPageFetched:
		fmt.Fprintf(p.writer, "%s shard %s: %s\n", color.CyanString("▸"), ev.Shard,
			color.HiBlackString("offset %d, %d records", ev.Offset, ev.Records))

	case export.EventShardTruncated:
		fmt.Fprintf(p.writer, "%s shard %s: dataset exceeds the pagination window, result truncated\n",
			color.YellowString("⚠"), ev.Shard)

	case export.EventShardCompleted:
		p.done++
		p.records += ev.Records
		fmt.Fprintf(p.writer, "%s shard %s: %d records %s\n",
			color.GreenString("✓"), ev.Shard, ev.Records, p.countSuffix())

	case export.EventShardFailed:
		p.done++
		fmt.Fprintf(p.writer, "%s shard %s: %v %s\n",
			color.RedString("✗"), ev.Shard, ev.Err, p.countSuffix())

	case export.EventRunCompleted:
		fmt.Fprintf(p.writer, "%s Export finished: %d records %s\n",
			color.GreenString("✓"), ev.Records,
			color.HiBlackString("(%s)", formatDuration(time.Since(p.started))))
	}
}

func (p *Progress) countSuffix() string {
	return color.HiBlackString("[%d/%d]", p.done, p.shards)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
