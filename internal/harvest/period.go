package harvest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/threadyard/internal/config"
	"github.com/zulandar/threadyard/internal/logging"
	"github.com/zulandar/threadyard/internal/store"
)

// ChannelSummary tallies one channel across a pass.
type ChannelSummary struct {
	ChannelID        string
	Name             string
	Disabled         bool
	DaysProcessed    int
	DaysSkipped      int
	DaysFailed       int
	ThreadsWritten   int
	ThreadsUnchanged int
	ThreadsFailed    int
}

func (c *ChannelSummary) add(r DayResult) {
	c.ThreadsWritten += r.Written
	c.ThreadsUnchanged += r.Unchanged + r.Empty
	c.ThreadsFailed += r.Failed
}

func (c *ChannelSummary) merge(o ChannelSummary) {
	c.DaysProcessed += o.DaysProcessed
	c.DaysSkipped += o.DaysSkipped
	c.DaysFailed += o.DaysFailed
	c.ThreadsWritten += o.ThreadsWritten
	c.ThreadsUnchanged += o.ThreadsUnchanged
	c.ThreadsFailed += o.ThreadsFailed
}

// Summary is the result of one or more harvest batches.
type Summary struct {
	RunID    string
	Channels []ChannelSummary
	// Stopped is set when a date-range run was ended early by Confirm.
	Stopped bool
}

// Totals sums every channel.
func (s Summary) Totals() ChannelSummary {
	var t ChannelSummary
	for _, c := range s.Channels {
		t.merge(c)
	}
	return t
}

func (s *Summary) merge(o Summary) {
	for _, oc := range o.Channels {
		found := false
		for i := range s.Channels {
			if s.Channels[i].ChannelID == oc.ChannelID {
				s.Channels[i].merge(oc)
				found = true
				break
			}
		}
		if !found {
			s.Channels = append(s.Channels, oc)
		}
	}
}

// ProcessTimePeriod harvests every UTC day in [start, end) for each channel,
// sequentially. A failed day is logged and counted and the run moves on; the
// failures are returned joined once every channel has been visited.
func (h *Harvester) ProcessTimePeriod(ctx context.Context, start, end time.Time, channels []config.ChannelConfig, opts RunOpts) (Summary, error) {
	runID := uuid.NewString()
	sum, err := h.processPeriod(ctx, logging.WithRun(h.log, runID), start, end, channels, opts)
	sum.RunID = runID
	return sum, err
}

func (h *Harvester) processPeriod(ctx context.Context, log *slog.Logger, start, end time.Time, channels []config.ChannelConfig, opts RunOpts) (Summary, error) {
	started := h.now()
	defer func() { h.metrics.pass(started, h.now()) }()

	var (
		sum  Summary
		errs []error
	)
	for _, ch := range channels {
		cs := ChannelSummary{ChannelID: ch.ID, Name: ch.Name}
		if !ch.IsEnabled() {
			cs.Disabled = true
			log.Info("harvest: skipping disabled channel", "channel", ch.ID, "name", ch.Name)
			sum.Channels = append(sum.Channels, cs)
			continue
		}

		for day := store.DayStart(start); day.Before(end); day = day.AddDate(0, 0, 1) {
			if ctx.Err() != nil {
				break
			}
			res, err := h.processDay(ctx, log, ch.ID, day, opts)
			cs.add(res)
			switch {
			case err != nil:
				cs.DaysFailed++
				errs = append(errs, err)
				log.Error("harvest: day failed",
					"channel", ch.ID, "day", day.Format(time.DateOnly), "kind", ErrorKind(err), "error", err)
			case res.Skipped:
				cs.DaysSkipped++
			default:
				cs.DaysProcessed++
			}
		}

		attrs := []any{
			"channel", ch.ID, "name", ch.Name,
			"days_processed", cs.DaysProcessed, "days_failed", cs.DaysFailed,
			"threads_written", cs.ThreadsWritten, "threads_unchanged", cs.ThreadsUnchanged,
			"threads_failed", cs.ThreadsFailed,
		}
		if !opts.Continuous {
			attrs = append(attrs, "days_skipped", cs.DaysSkipped)
		}
		log.Info("harvest: channel summary", attrs...)
		sum.Channels = append(sum.Channels, cs)

		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
	}
	return sum, errors.Join(errs...)
}

// RangeOpts configures RunDateRange.
type RangeOpts struct {
	RunOpts
	// Confirm is asked before every month batch after the first. Returning
	// false stops the run. Nil means always continue.
	Confirm func(batchStart, batchEnd time.Time) bool
}

// RunDateRange harvests [start, end) in calendar-month batches so a long
// backfill can be paused between months.
func (h *Harvester) RunDateRange(ctx context.Context, start, end time.Time, channels []config.ChannelConfig, opts RangeOpts) (Summary, error) {
	runID := uuid.NewString()
	log := logging.WithRun(h.log, runID)
	total := Summary{RunID: runID}

	var errs []error
	for i, b := range MonthBatches(start, end) {
		if i > 0 && opts.Confirm != nil && !opts.Confirm(b[0], b[1]) {
			log.Info("harvest: stopped before batch", "from", b[0].Format(time.DateOnly))
			total.Stopped = true
			break
		}
		log.Info("harvest: batch starting",
			"from", b[0].Format(time.DateOnly), "to", b[1].Format(time.DateOnly))
		sum, err := h.processPeriod(ctx, log, b[0], b[1], channels, opts.RunOpts)
		total.merge(sum)
		if err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return total, errors.Join(errs...)
}

// MonthBatches splits [start, end) on UTC month boundaries. start is
// truncated to its day.
func MonthBatches(start, end time.Time) [][2]time.Time {
	var out [][2]time.Time
	cur := store.DayStart(start)
	for cur.Before(end) {
		next := time.Date(cur.Year(), cur.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		if next.After(end) {
			next = end
		}
		out = append(out, [2]time.Time{cur, next})
		cur = next
	}
	return out
}
