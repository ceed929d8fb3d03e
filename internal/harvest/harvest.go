// Package harvest drives the per-(channel, day) harvest: fetch the day's
// thread roots, assemble each thread, upsert it, and mark the day complete.
package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zulandar/threadyard/internal/logging"
	"github.com/zulandar/threadyard/internal/slackclient"
	"github.com/zulandar/threadyard/internal/store"
	"github.com/zulandar/threadyard/internal/thread"
	"golang.org/x/sync/errgroup"
)

// Fetcher is the subset of the Slack client the harvester needs.
type Fetcher interface {
	FetchChannelHistory(ctx context.Context, channelID string, oldest, latest time.Time) ([]slackclient.Message, error)
	FetchThreadReplies(ctx context.Context, channelID, threadTS string) ([]slackclient.Message, error)
}

// Opts configures a Harvester.
type Opts struct {
	Fetcher   Fetcher
	Store     store.Store
	Assembler *thread.Assembler
	Logger    *slog.Logger
	Metrics   *Metrics
	// Workers bounds concurrent thread fetches within one day. Default 1.
	Workers int
	Now     func() time.Time
	// Sleep waits between continuous passes. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Harvester runs harvest passes against one Slack workspace and one store.
type Harvester struct {
	fetch   Fetcher
	store   store.Store
	asm     *thread.Assembler
	log     *slog.Logger
	metrics *Metrics
	workers int
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New validates opts and returns a Harvester.
func New(opts Opts) (*Harvester, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("harvest: fetcher is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("harvest: store is required")
	}
	if opts.Assembler == nil {
		return nil, fmt.Errorf("harvest: assembler is required")
	}
	h := &Harvester{
		fetch:   opts.Fetcher,
		store:   opts.Store,
		asm:     opts.Assembler,
		log:     opts.Logger,
		metrics: opts.Metrics,
		workers: opts.Workers,
		now:     opts.Now,
		sleep:   opts.Sleep,
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	if h.workers < 1 {
		h.workers = 1
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.sleep == nil {
		h.sleep = sleepContext
	}
	return h, nil
}

// RunOpts selects the day-skip policy.
type RunOpts struct {
	// Force reprocesses days that already carry a completion marker.
	Force bool
	// Continuous ignores markers; every pass reprocesses its window.
	Continuous bool
}

// DayResult reports what happened to one (channel, day).
type DayResult struct {
	ChannelID string
	Day       time.Time
	// Skipped is set when the day was already marked and no API call was made.
	Skipped bool
	// Threads is the number of distinct thread roots found in the window.
	Threads   int
	Written   int
	Unchanged int
	// Empty counts threads whose replies assembled to nothing.
	Empty  int
	Failed int
	Marked bool
	// InProgress is set when the day has not ended yet and so was not marked.
	InProgress bool
}

// Processed counts threads handled without error, written or not.
func (r DayResult) Processed() int { return r.Written + r.Unchanged + r.Empty }

// ProcessChannelForDay harvests one channel for the UTC calendar day
// containing day.
func (h *Harvester) ProcessChannelForDay(ctx context.Context, channelID string, day time.Time, opts RunOpts) (DayResult, error) {
	return h.processDay(ctx, h.log, channelID, day, opts)
}

func (h *Harvester) processDay(ctx context.Context, log *slog.Logger, channelID string, day time.Time, opts RunOpts) (DayResult, error) {
	day = store.DayStart(day)
	end := day.AddDate(0, 0, 1)
	date := day.Format(time.DateOnly)
	log = logging.WithDay(log, channelID, day)
	res := DayResult{ChannelID: channelID, Day: day}

	if !opts.Continuous && !opts.Force {
		done, err := h.store.IsDayProcessed(ctx, channelID, day)
		if err != nil {
			h.metrics.day("failed")
			return res, fmt.Errorf("harvest: %s %s: check marker: %w", channelID, date, err)
		}
		if done {
			res.Skipped = true
			h.metrics.day("skipped")
			log.Debug("harvest: day already processed, skipping")
			return res, nil
		}
	}

	msgs, err := h.fetch.FetchChannelHistory(ctx, channelID, day, end)
	if err != nil {
		h.metrics.day("failed")
		return res, fmt.Errorf("harvest: %s %s: fetch history: %w", channelID, date, err)
	}
	roots := threadRoots(msgs)
	res.Threads = len(roots)

	if len(roots) > 0 {
		outcomes := make([]threadOutcome, len(roots))
		var g errgroup.Group
		g.SetLimit(h.workers)
		for i, ts := range roots {
			g.Go(func() error {
				outcomes[i] = h.processThread(ctx, channelID, ts)
				return nil
			})
		}
		g.Wait()

		for i, o := range outcomes {
			switch {
			case o.err != nil:
				res.Failed++
				h.metrics.thread("failed")
				log.Error("harvest: thread failed",
					"thread", roots[i], "kind", ErrorKind(o.err), "error", o.err)
			case o.empty:
				res.Empty++
				h.metrics.thread("empty")
				log.Debug("harvest: thread assembled to nothing", "thread", roots[i])
			case o.written:
				res.Written++
				h.metrics.thread("written")
			default:
				res.Unchanged++
				h.metrics.thread("unchanged")
			}
		}
	}

	// A cancelled pass may have skipped threads; never mark it.
	if err := ctx.Err(); err != nil {
		h.metrics.day("failed")
		return res, fmt.Errorf("harvest: %s %s: %w", channelID, date, err)
	}
	if res.Threads > 0 && res.Processed() == 0 {
		h.metrics.day("failed")
		log.Warn("harvest: all threads failed, day left unmarked", "threads", res.Threads)
		return res, fmt.Errorf("harvest: %s %s: %w", channelID, date, ErrDayIncomplete)
	}

	if end.After(h.now()) {
		res.InProgress = true
		h.metrics.day("in_progress")
		log.Debug("harvest: day still in progress, not marking",
			"written", res.Written, "unchanged", res.Unchanged)
		return res, nil
	}
	if err := h.store.MarkDayProcessed(ctx, channelID, day); err != nil {
		h.metrics.day("failed")
		return res, fmt.Errorf("harvest: %s %s: %w", channelID, date, err)
	}
	res.Marked = true
	h.metrics.day("marked")
	log.Info("harvest: day complete",
		"threads", res.Threads, "written", res.Written, "unchanged", res.Unchanged, "failed", res.Failed)
	return res, nil
}

type threadOutcome struct {
	written bool
	empty   bool
	err     error
}

func (h *Harvester) processThread(ctx context.Context, channelID, threadTS string) threadOutcome {
	msgs, err := h.fetch.FetchThreadReplies(ctx, channelID, threadTS)
	if err != nil {
		return threadOutcome{err: err}
	}
	rec := h.asm.Assemble(channelID, msgs)
	if rec == nil {
		return threadOutcome{empty: true}
	}
	written, err := h.store.UpsertConversation(ctx, rec)
	if err != nil {
		return threadOutcome{err: err}
	}
	return threadOutcome{written: written}
}

// threadRoots returns the distinct thread timestamps among msgs, in order of
// first appearance. A reply broadcast to the channel shares its root's
// thread timestamp and so collapses onto it.
func threadRoots(msgs []slackclient.Message) []string {
	var roots []string
	seen := make(map[string]bool)
	for _, m := range msgs {
		if !m.HasThread() || seen[m.ThreadTimestamp] {
			continue
		}
		seen[m.ThreadTimestamp] = true
		roots = append(roots, m.ThreadTimestamp)
	}
	return roots
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
