package harvest

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/threadyard/internal/config"
	"github.com/zulandar/threadyard/internal/store"
)

// DefaultInterval is the pause between continuous passes.
const DefaultInterval = 5 * time.Minute

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// WatchOpts configures RunContinuous.
type WatchOpts struct {
	Interval time.Duration
	// Schedule, when set, replaces Interval with a 5-field cron expression.
	Schedule string
	// Passes stops the loop after this many passes. Zero runs until ctx ends.
	Passes int
}

// ParseSchedule validates a 5-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("harvest: parse schedule %q: %w", expr, err)
	}
	return sched, nil
}

// RunContinuous re-harvests today for every channel on each pass, ignoring
// day markers. A failed pass is logged and the loop carries on; it returns
// nil once ctx is cancelled.
func (h *Harvester) RunContinuous(ctx context.Context, channels []config.ChannelConfig, opts WatchOpts) error {
	var sched cron.Schedule
	if opts.Schedule != "" {
		s, err := ParseSchedule(opts.Schedule)
		if err != nil {
			return err
		}
		sched = s
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	h.log.Info("harvest: continuous monitoring starting",
		"channels", len(channels), "interval", interval, "schedule", opts.Schedule)

	for pass := 1; ; pass++ {
		if ctx.Err() != nil {
			return nil
		}
		today := store.DayStart(h.now())
		sum, err := h.ProcessTimePeriod(ctx, today, today.AddDate(0, 0, 1), channels, RunOpts{Continuous: true})
		t := sum.Totals()
		if err != nil && ctx.Err() == nil {
			h.log.Error("harvest: pass failed", "run_id", sum.RunID, "pass", pass, "error", err)
		}
		h.log.Info("harvest: pass finished", "run_id", sum.RunID, "pass", pass,
			"threads_written", t.ThreadsWritten, "threads_unchanged", t.ThreadsUnchanged,
			"threads_failed", t.ThreadsFailed)

		if opts.Passes > 0 && pass >= opts.Passes {
			return nil
		}

		wait := interval
		if sched != nil {
			now := h.now()
			wait = sched.Next(now).Sub(now)
			if wait < 0 {
				wait = 0
			}
		}
		if err := h.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}
