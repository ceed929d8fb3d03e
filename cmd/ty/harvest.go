package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/threadyard/internal/harvest"
	"github.com/zulandar/threadyard/internal/store"
	"golang.org/x/term"
)

func newHarvestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Harvest Slack threads into the content store",
	}

	cmd.AddCommand(newHarvestRangeCmd())
	cmd.AddCommand(newHarvestWatchCmd())
	return cmd
}

type rangeFlags struct {
	configPath     string
	start, end     string
	channel        string
	force          bool
	nonInteractive bool
}

func newHarvestRangeCmd() *cobra.Command {
	var f rangeFlags

	cmd := &cobra.Command{
		Use:   "range",
		Short: "Backfill a date range, one calendar month at a time",
		Long: `Harvests every UTC day in [start, end) for each enabled channel.
Days that already carry a completion marker are skipped unless --force is set.
Without dates the range covers the last harvest.lookback_days days.
A day that has not ended yet (today) is harvested but never marked complete,
so a later run picks up the rest of it.
On a terminal you are asked before each month after the first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHarvestRange(cmd, f)
		},
	}

	cmd.Flags().StringVarP(&f.configPath, "config", "c", defaultConfigPath, "path to Threadyard config file")
	cmd.Flags().StringVar(&f.start, "start", "", "first day to harvest (YYYY-MM-DD, UTC)")
	cmd.Flags().StringVar(&f.end, "end", "", "day after the last day to harvest (YYYY-MM-DD, exclusive)")
	cmd.Flags().StringVar(&f.channel, "channel", "", "harvest only this channel ID")
	cmd.Flags().BoolVar(&f.force, "force", false, "reprocess days that are already marked")
	cmd.Flags().BoolVar(&f.nonInteractive, "non-interactive", false, "never prompt between months")
	return cmd
}

// resolveRange applies the lookback default and checks ordering.
func resolveRange(startFlag, endFlag string, lookbackDays int, now time.Time) (time.Time, time.Time, error) {
	start, err := parseDate("start", startFlag)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseDate("end", endFlag)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if end.IsZero() {
		end = store.DayStart(now)
	}
	if start.IsZero() {
		start = end.AddDate(0, 0, -lookbackDays)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("--end (%s) must be after --start (%s)",
			end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	return start, end, nil
}

func runHarvestRange(cmd *cobra.Command, f rangeFlags) error {
	out := cmd.OutOrStdout()

	cfg, logger, err := loadConfig(cmd, f.configPath)
	if err != nil {
		return err
	}
	start, end, err := resolveRange(f.start, f.end, cfg.Harvest.LookbackDays, time.Now())
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	h, err := newHarvester(ctx, cfg, logger, s, newMetrics())
	if err != nil {
		return err
	}

	opts := harvest.RangeOpts{RunOpts: harvest.RunOpts{Force: f.force}}
	if !f.nonInteractive && isTerminal(os.Stdin) {
		opts.Confirm = monthPrompt(cmd.InOrStdin(), out)
	}

	fmt.Fprintf(out, "Harvesting %s to %s\n", start.Format(time.DateOnly), end.Format(time.DateOnly))
	sum, runErr := h.RunDateRange(ctx, start, end, selectChannels(cfg, f.channel), opts)
	printSummary(out, sum)
	if runErr != nil {
		return fmt.Errorf("harvest finished with failures: %w", runErr)
	}
	return nil
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// monthPrompt asks before each batch; anything but an explicit no continues.
func monthPrompt(in io.Reader, out io.Writer) func(from, to time.Time) bool {
	scanner := bufio.NewScanner(in)
	return func(from, to time.Time) bool {
		fmt.Fprintf(out, "Continue with %s (%s to %s)? [Y/n]: ",
			from.Format("January 2006"), from.Format(time.DateOnly), to.Format(time.DateOnly))
		if !scanner.Scan() {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		return answer != "n" && answer != "no"
	}
}

func printSummary(out io.Writer, sum harvest.Summary) {
	for _, c := range sum.Channels {
		name := c.ChannelID
		if c.Name != "" {
			name = fmt.Sprintf("%s (%s)", c.Name, c.ChannelID)
		}
		if c.Disabled {
			fmt.Fprintf(out, "  %-30s disabled\n", name)
			continue
		}
		fmt.Fprintf(out, "  %-30s days: %d processed, %d skipped, %d failed | threads: %d written, %d unchanged, %d failed\n",
			name, c.DaysProcessed, c.DaysSkipped, c.DaysFailed, c.ThreadsWritten, c.ThreadsUnchanged, c.ThreadsFailed)
	}
	if sum.Stopped {
		fmt.Fprintln(out, "Stopped before the next month.")
	}
}

type watchFlags struct {
	configPath string
	interval   time.Duration
	schedule   string
	channel    string
}

func newHarvestWatchCmd() *cobra.Command {
	var f watchFlags

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Continuously re-harvest today",
		Long: `Polls every enabled channel for today's threads, forever. Each pass
reprocesses the whole day regardless of markers. A failed pass is logged and
the next pass runs on schedule. Stops on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHarvestWatch(cmd, f)
		},
	}

	cmd.Flags().StringVarP(&f.configPath, "config", "c", defaultConfigPath, "path to Threadyard config file")
	cmd.Flags().DurationVar(&f.interval, "interval", 0, "pause between passes (default harvest.interval)")
	cmd.Flags().StringVar(&f.schedule, "schedule", "", "5-field cron expression; overrides --interval")
	cmd.Flags().StringVar(&f.channel, "channel", "", "watch only this channel ID")
	return cmd
}

func runHarvestWatch(cmd *cobra.Command, f watchFlags) error {
	out := cmd.OutOrStdout()

	cfg, logger, err := loadConfig(cmd, f.configPath)
	if err != nil {
		return err
	}
	opts := harvest.WatchOpts{Interval: cfg.Harvest.Interval, Schedule: cfg.Harvest.Schedule}
	if f.interval > 0 {
		opts.Interval = f.interval
	}
	if f.schedule != "" {
		opts.Schedule = f.schedule
	}
	if opts.Schedule != "" {
		if _, err := harvest.ParseSchedule(opts.Schedule); err != nil {
			return err
		}
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	h, err := newHarvester(ctx, cfg, logger, s, newMetrics())
	if err != nil {
		return err
	}

	if opts.Schedule != "" {
		fmt.Fprintf(out, "Watching on schedule %q (Ctrl-C to stop)\n", opts.Schedule)
	} else {
		fmt.Fprintf(out, "Watching every %s (Ctrl-C to stop)\n", opts.Interval)
	}
	if err := h.RunContinuous(ctx, selectChannels(cfg, f.channel), opts); err != nil {
		return err
	}
	fmt.Fprintln(out, "Watch stopped.")
	return nil
}
