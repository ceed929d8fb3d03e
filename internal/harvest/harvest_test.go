package harvest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/threadyard/internal/config"
	"github.com/zulandar/threadyard/internal/db"
	"github.com/zulandar/threadyard/internal/logging"
	"github.com/zulandar/threadyard/internal/models"
	"github.com/zulandar/threadyard/internal/slackclient"
	"github.com/zulandar/threadyard/internal/store"
	"github.com/zulandar/threadyard/internal/thread"
)

// --- Test doubles ---

// mockFetcher serves canned history and replies and records every call.
type mockFetcher struct {
	mu          sync.Mutex
	history     map[string][]slackclient.Message // key: channel/date
	historyErr  map[string]error
	replies     map[string][]slackclient.Message // key: thread ts
	repliesErr  map[string]error
	historyHits []string
	repliesHits []string
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{
		history:    make(map[string][]slackclient.Message),
		historyErr: make(map[string]error),
		replies:    make(map[string][]slackclient.Message),
		repliesErr: make(map[string]error),
	}
}

func dayKey(channelID string, day time.Time) string {
	return channelID + "/" + day.UTC().Format(time.DateOnly)
}

func (f *mockFetcher) FetchChannelHistory(_ context.Context, channelID string, oldest, latest time.Time) ([]slackclient.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := dayKey(channelID, oldest)
	f.historyHits = append(f.historyHits, k)
	if latest.Sub(oldest) != 24*time.Hour {
		return nil, fmt.Errorf("window = %s, want 24h", latest.Sub(oldest))
	}
	if err := f.historyErr[k]; err != nil {
		return nil, err
	}
	return f.history[k], nil
}

func (f *mockFetcher) FetchThreadReplies(_ context.Context, channelID, threadTS string) ([]slackclient.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repliesHits = append(f.repliesHits, threadTS)
	if err := f.repliesErr[threadTS]; err != nil {
		return nil, err
	}
	return f.replies[threadTS], nil
}

func (f *mockFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.historyHits) + len(f.repliesHits)
}

// addThread registers a thread on channel/day with one message per author,
// spaced a minute apart from root.
func (f *mockFetcher) addThread(channelID string, root time.Time, authors ...string) string {
	ts := slackclient.FormatTimestamp(root)
	var msgs []slackclient.Message
	for i, a := range authors {
		msgs = append(msgs, slackclient.Message{
			User:            a,
			Text:            fmt.Sprintf("message %d from %s", i, a),
			Timestamp:       slackclient.FormatTimestamp(root.Add(time.Duration(i) * time.Minute)),
			ThreadTimestamp: ts,
		})
	}
	k := dayKey(channelID, root)
	f.history[k] = append(f.history[k], msgs[0])
	f.replies[ts] = msgs
	return ts
}

// faultyStore fails selected operations of an otherwise working store.
type faultyStore struct {
	store.Store
	markErr   error
	upsertErr error
}

func (s *faultyStore) MarkDayProcessed(ctx context.Context, channelID string, day time.Time) error {
	if s.markErr != nil {
		return &store.StoreWriteError{Op: "mark day", Key: store.DayKey(channelID, day), Err: s.markErr}
	}
	return s.Store.MarkDayProcessed(ctx, channelID, day)
}

func (s *faultyStore) UpsertConversation(ctx context.Context, rec *models.Conversation) (bool, error) {
	if s.upsertErr != nil {
		return false, &store.StoreWriteError{Op: "upsert conversation", Key: rec.ThreadID, Err: s.upsertErr}
	}
	return s.Store.UpsertConversation(ctx, rec)
}

// --- Helpers ---

var (
	june1 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	// fixedNow is well after the June test days, so they count as finished.
	fixedNow = time.Date(2024, 7, 1, 12, 0, 30, 0, time.UTC)
)

func testStore(t *testing.T) *store.GormStore {
	t.Helper()
	gdb, err := db.ConnectSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	s, err := store.NewGormStore(gdb, store.WithClock(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestHarvester(t *testing.T, f Fetcher, s store.Store, mut ...func(*Opts)) *Harvester {
	t.Helper()
	opts := Opts{
		Fetcher:   f,
		Store:     s,
		Assembler: thread.NewAssembler(thread.NewAnonymizer("test-salt")),
		Logger:    logging.Discard(),
		Now:       func() time.Time { return fixedNow },
	}
	for _, fn := range mut {
		fn(&opts)
	}
	h, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func isMarked(t *testing.T, s store.Store, channelID string, day time.Time) bool {
	t.Helper()
	done, err := s.IsDayProcessed(context.Background(), channelID, day)
	if err != nil {
		t.Fatalf("IsDayProcessed: %v", err)
	}
	return done
}

func stored(t *testing.T, s store.Store) []models.Conversation {
	t.Helper()
	convs, err := s.GetConversations(context.Background(), store.Filter{})
	if err != nil {
		t.Fatalf("GetConversations: %v", err)
	}
	return convs
}

// --- New ---

func TestNew_RequiresDependencies(t *testing.T) {
	asm := thread.NewAssembler(thread.NewAnonymizer("x"))
	f := newMockFetcher()
	s := testStore(t)
	tests := []struct {
		name string
		opts Opts
	}{
		{"no fetcher", Opts{Store: s, Assembler: asm}},
		{"no store", Opts{Fetcher: f, Assembler: asm}},
		{"no assembler", Opts{Fetcher: f, Store: s}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// --- ProcessChannelForDay ---

func TestProcessChannelForDay_SkipsMarkedDayWithoutAPICalls(t *testing.T) {
	ctx := context.Background()
	f := newMockFetcher()
	f.addThread("C1", june1.Add(10*time.Hour), "U1", "U2")
	s := testStore(t)
	if err := s.MarkDayProcessed(ctx, "C1", june1); err != nil {
		t.Fatalf("MarkDayProcessed: %v", err)
	}
	h := newTestHarvester(t, f, s)

	res, err := h.ProcessChannelForDay(ctx, "C1", june1.Add(5*time.Hour), RunOpts{})
	if err != nil {
		t.Fatalf("ProcessChannelForDay: %v", err)
	}
	if !res.Skipped {
		t.Error("Skipped = false, want true")
	}
	if n := f.calls(); n != 0 {
		t.Errorf("API calls = %d, want 0", n)
	}
}

func TestProcessChannelForDay_ForceAndContinuousIgnoreMarker(t *testing.T) {
	for _, opts := range []RunOpts{{Force: true}, {Continuous: true}} {
		t.Run(fmt.Sprintf("%+v", opts), func(t *testing.T) {
			ctx := context.Background()
			f := newMockFetcher()
			f.addThread("C1", june1.Add(10*time.Hour), "U1")
			s := testStore(t)
			s.MarkDayProcessed(ctx, "C1", june1)
			h := newTestHarvester(t, f, s)

			res, err := h.ProcessChannelForDay(ctx, "C1", june1, opts)
			if err != nil {
				t.Fatalf("ProcessChannelForDay: %v", err)
			}
			if res.Skipped || res.Written != 1 {
				t.Errorf("result = %+v, want one written thread", res)
			}
			if len(f.historyHits) != 1 {
				t.Errorf("history calls = %d, want 1", len(f.historyHits))
			}
		})
	}
}

func TestProcessChannelForDay_EmptyDayIsMarked(t *testing.T) {
	ctx := context.Background()
	f := newMockFetcher()
	// Plain channel messages without a thread marker.
	f.history[dayKey("C1", june1)] = []slackclient.Message{
		{User: "U1", Text: "hi", Timestamp: "1717236000.000100"},
		{User: "U2", Text: "yo", Timestamp: "1717236100.000100"},
	}
	s := testStore(t)
	h := newTestHarvester(t, f, s)

	res, err := h.ProcessChannelForDay(ctx, "C1", june1, RunOpts{})
	if err != nil {
		t.Fatalf("ProcessChannelForDay: %v", err)
	}
	if res.Threads != 0 || !res.Marked {
		t.Errorf("result = %+v, want zero threads and marked", res)
	}
	if !isMarked(t, s, "C1", june1) {
		t.Error("empty day not marked")
	}
	if got := stored(t, s); len(got) != 0 {
		t.Errorf("stored %d conversations, want 0", len(got))
	}
	if len(f.repliesHits) != 0 {
		t.Errorf("replies calls = %d, want 0", len(f.repliesHits))
	}
}

func TestProcessChannelForDay_AllThreadsFailLeavesDayUnmarked(t *testing.T) {
	ctx := context.Background()
	f := newMockFetcher()
	t1 := f.addThread("C1", june1.Add(9*time.Hour), "U1")
	t2 := f.addThread("C1", june1.Add(11*time.Hour), "U2")
	f.repliesErr[t1] = &slackclient.RemoteAPIError{Op: "conversations.replies", Code: "thread_not_found"}
	f.repliesErr[t2] = &slackclient.RateLimitExceededError{Op: "conversations.replies", Attempts: 6}
	s := testStore(t)
	h := newTestHarvester(t, f, s)

	res, err := h.ProcessChannelForDay(ctx, "C1", june1, RunOpts{})
	if !errors.Is(err, ErrDayIncomplete) {
		t.Fatalf("err = %v, want ErrDayIncomplete", err)
	}
	if res.Failed != 2 || res.Marked {
		t.Errorf("result = %+v, want 2 failed, unmarked", res)
	}
	if isMarked(t, s, "C1", june1) {
		t.Error("day marked although every thread failed")
	}
}

func TestProcessChannelForDay_PartialFailureStillMarks(t *testing.T) {
	ctx := context.Background()
	f := newMockFetcher()
	bad := f.addThread("C1", june1.Add(9*time.Hour), "U1")
	f.addThread("C1", june1.Add(11*time.Hour), "U2", "U3")
	f.repliesErr[bad] = &slackclient.RemoteAPIError{Op: "conversations.replies", Code: "thread_not_found"}
	s := testStore(t)
	h := newTestHarvester(t, f, s)

	res, err := h.ProcessChannelForDay(ctx, "C1", june1, RunOpts{})
	if err != nil {
		t.Fatalf("ProcessChannelForDay: %v", err)
	}
	if res.Written != 1 || res.Failed != 1 || !res.Marked {
		t.Errorf("result = %+v, want 1 written, 1 failed, marked", res)
	}
	if got := stored(t, s); len(got) != 1 || got[0].ParticipantCount != 2 {
		t.Errorf("stored = %+v, want one 2-participant thread", got)
	}
}

func TestProcessChannelForDay_StoreWriteFailureCountsAsThreadFailure(t *testing.T) {
	ctx := context.Background()
	f := newMockFetcher()
	f.addThread("C1", june1.Add(9*time.Hour), "U1")
	fs := &faultyStore{Store: testStore(t), upsertErr: errors.New("disk full")}
	h := newTestHarvester(t, f, fs)

	res, err := h.ProcessChannelForDay(ctx, "C1", june1, RunOpts{})
	if !errors.Is(err, ErrDayIncomplete) {
		t.Fatalf("err = %v, want ErrDayIncomplete", err)
	}
	if res.Failed != 1 {
		t.Errorf("Failed = %d, want 1", res.Failed)
	}
}

func TestProcessChannelForDay_DedupesThreadRoots(t *testing.T) {
	ctx := context.Background()
	f := newMockFetcher()
	root := f.addThread("C1", june1.Add(9*time.Hour), "U1", "U2")
	// A reply broadcast to the channel carries the root's thread ts.
	k := dayKey("C1", june1)
	f.history[k] = append(f.history[k], f.replies[root][1])
	s := testStore(t)
	h := newTestHarvester(t, f, s)

	res, err := h.ProcessChannelForDay(ctx, "C1", june1, RunOpts{})
	if err != nil {
		t.Fatalf("ProcessChannelForDay: %v", err)
	}
	if res.Threads != 1 || len(f.repliesHits) != 1 {
		t.Errorf("threads = %d, replies calls = %d, want 1 and 1", res.Threads, len(f.repliesHits))
	}
}

func TestProcessChannelForDay_HistoryFailure(t *testing.T) {
	ctx := context.Background()
	f := newMockFetcher()
	f.historyErr[dayKey("C1", june1)] = &slackclient.RemoteAPIError{Op: "conversations.history", Code: "channel_not_found"}
	s := testStore(t)
	h := newTestHarvester(t, f, s)

	_, err := h.ProcessChannelForDay(ctx, "C1", june1, RunOpts{})
	if ErrorKind(err) != KindRemoteAPI {
		t.Fatalf("kind = %q (%v), want %q", ErrorKind(err), err, KindRemoteAPI)
	}
	if isMarked(t, s, "C1", june1) {
		t.Error("day marked after history failure")
	}
}

func TestProcessChannelForDay_MarkerWriteFailure(t *testing.T) {
	ctx := context.Background()
	f := newMockFetcher()
	fs := &faultyStore{Store: testStore(t), markErr: errors.New("read-only")}
	h := newTestHarvester(t, f, fs)

	res, err := h.ProcessChannelForDay(ctx, "C1", june1, RunOpts{})
	if ErrorKind(err) != KindStoreWrite {
		t.Fatalf("kind = %q (%v), want %q", ErrorKind(err), err, KindStoreWrite)
	}
	if res.Marked {
		t.Error("Marked = true after marker failure")
	}
}

func TestProcessChannelForDay_TodayIsNotMarked(t *testing.T) {
	ctx := context.Background()
	today := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	f := newMockFetcher()
	f.addThread("C1", today.Add(9*time.Hour), "U1")
	s := testStore(t)
	h := newTestHarvester(t, f, s)

	res, err := h.ProcessChannelForDay(ctx, "C1", today, RunOpts{})
	if err != nil {
		t.Fatalf("ProcessChannelForDay: %v", err)
	}
	if !res.InProgress || res.Marked || res.Written != 1 {
		t.Errorf("result = %+v, want written and in progress", res)
	}
	if isMarked(t, s, "C1", today) {
		t.Error("in-progress day was marked")
	}
}

func TestProcessChannelForDay_CancelledContextNeverMarks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newMockFetcher()
	f.addThread("C1", june1.Add(9*time.Hour), "U1")
	s := testStore(t)
	h := newTestHarvester(t, f, s)
	cancel()

	_, err := h.ProcessChannelForDay(ctx, "C1", june1, RunOpts{Force: true})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if isMarked(t, s, "C1", june1) {
		t.Error("cancelled day was marked")
	}
}

func TestProcessChannelForDay_WorkerPool(t *testing.T) {
	ctx := context.Background()
	f := newMockFetcher()
	for i := 0; i < 12; i++ {
		f.addThread("C1", june1.Add(time.Duration(i)*time.Hour), "U1", "U2")
	}
	s := testStore(t)
	h := newTestHarvester(t, f, s, func(o *Opts) { o.Workers = 4 })

	res, err := h.ProcessChannelForDay(ctx, "C1", june1, RunOpts{})
	if err != nil {
		t.Fatalf("ProcessChannelForDay: %v", err)
	}
	if res.Written != 12 || !res.Marked {
		t.Errorf("result = %+v, want 12 written and marked", res)
	}
	if got := stored(t, s); len(got) != 12 {
		t.Errorf("stored = %d, want 12", len(got))
	}
}

func TestProcessChannelForDay_EmptyRepliesAreNotFailures(t *testing.T) {
	ctx := context.Background()
	f := newMockFetcher()
	ts := f.addThread("C1", june1.Add(9*time.Hour), "U1")
	f.replies[ts] = nil // thread deleted between history and replies
	s := testStore(t)
	h := newTestHarvester(t, f, s)

	res, err := h.ProcessChannelForDay(ctx, "C1", june1, RunOpts{})
	if err != nil {
		t.Fatalf("ProcessChannelForDay: %v", err)
	}
	if res.Empty != 1 || !res.Marked {
		t.Errorf("result = %+v, want one empty thread and marked", res)
	}
}

// --- ProcessTimePeriod ---

func TestProcessTimePeriod_ChannelsAndDays(t *testing.T) {
	ctx := context.Background()
	f := newMockFetcher()
	f.addThread("C1", june1.Add(9*time.Hour), "U1", "U2")
	f.addThread("C1", june1.AddDate(0, 0, 2).Add(9*time.Hour), "U1")
	f.historyErr[dayKey("C2", june1.AddDate(0, 0, 1))] = &slackclient.RemoteAPIError{Op: "conversations.history", Code: "internal"}
	s := testStore(t)
	s.MarkDayProcessed(ctx, "C2", june1)
	h := newTestHarvester(t, f, s)

	disabled := false
	channels := []config.ChannelConfig{
		{ID: "C1", Name: "support"},
		{ID: "C2", Name: "random"},
		{ID: "C3", Name: "archive", Enabled: &disabled},
	}
	sum, err := h.ProcessTimePeriod(ctx, june1, june1.AddDate(0, 0, 3), channels, RunOpts{})
	if err == nil || ErrorKind(err) != KindRemoteAPI {
		t.Fatalf("err = %v, want joined remote API error", err)
	}
	if sum.RunID == "" {
		t.Error("RunID empty")
	}
	if len(sum.Channels) != 3 {
		t.Fatalf("channels = %d, want 3", len(sum.Channels))
	}

	c1, c2, c3 := sum.Channels[0], sum.Channels[1], sum.Channels[2]
	if c1.DaysProcessed != 3 || c1.ThreadsWritten != 2 {
		t.Errorf("C1 = %+v, want 3 days, 2 threads", c1)
	}
	if c2.DaysSkipped != 1 || c2.DaysFailed != 1 || c2.DaysProcessed != 1 {
		t.Errorf("C2 = %+v, want 1 skipped, 1 failed, 1 processed", c2)
	}
	if !c3.Disabled {
		t.Errorf("C3 = %+v, want disabled", c3)
	}
	for _, hit := range f.historyHits {
		if strings.HasPrefix(hit, "C3/") {
			t.Errorf("disabled channel fetched: %s", hit)
		}
	}
	if tot := sum.Totals(); tot.ThreadsWritten != 2 || tot.DaysFailed != 1 {
		t.Errorf("totals = %+v", tot)
	}
}

// --- End to end ---

func TestRunDateRange_EndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newMockFetcher()
	f.addThread("X", june1.Add(10*time.Hour), "UALICE", "UBOB")
	s := testStore(t)
	h := newTestHarvester(t, f, s)
	channels := []config.ChannelConfig{{ID: "X", Name: "x"}}
	end := june1.AddDate(0, 0, 1)

	if _, err := h.RunDateRange(ctx, june1, end, channels, RangeOpts{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	convs := stored(t, s)
	if len(convs) != 1 {
		t.Fatalf("stored = %d, want 1", len(convs))
	}
	first := convs[0]
	if first.ParticipantCount != 2 {
		t.Errorf("ParticipantCount = %d, want 2", first.ParticipantCount)
	}
	if strings.Contains(first.Content, "UALICE") || strings.Contains(first.Content, "UBOB") {
		t.Errorf("content leaks author IDs: %q", first.Content)
	}
	if !isMarked(t, s, "X", june1) {
		t.Error("day not marked")
	}

	// A second plain run is short-circuited by the marker.
	calls := f.calls()
	sum, err := h.RunDateRange(ctx, june1, end, channels, RangeOpts{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if f.calls() != calls || sum.Totals().DaysSkipped != 1 {
		t.Errorf("second run made API calls or did not skip: %+v", sum.Totals())
	}

	// A forced run re-reads the thread and finds nothing to write.
	sum, err = h.RunDateRange(ctx, june1, end, channels, RangeOpts{RunOpts: RunOpts{Force: true}})
	if err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if tot := sum.Totals(); tot.ThreadsWritten != 0 || tot.ThreadsUnchanged != 1 {
		t.Errorf("forced run totals = %+v, want 0 written, 1 unchanged", tot)
	}
	after := stored(t, s)
	if len(after) != 1 || after[0].Content != first.Content || !after[0].LastUpdated.Equal(first.LastUpdated) {
		t.Errorf("forced run changed stored state: %+v", after)
	}
}

func TestRunDateRange_ConfirmStopsBetweenMonths(t *testing.T) {
	ctx := context.Background()
	f := newMockFetcher()
	s := testStore(t)
	h := newTestHarvester(t, f, s)
	channels := []config.ChannelConfig{{ID: "C1"}}

	var asked []string
	start := time.Date(2024, 4, 29, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	sum, err := h.RunDateRange(ctx, start, end, channels, RangeOpts{
		Confirm: func(from, to time.Time) bool {
			asked = append(asked, from.Format(time.DateOnly))
			return len(asked) < 2
		},
	})
	if err != nil {
		t.Fatalf("RunDateRange: %v", err)
	}
	if !sum.Stopped {
		t.Error("Stopped = false")
	}
	if strings.Join(asked, ",") != "2024-05-01,2024-06-01" {
		t.Errorf("asked = %v", asked)
	}
	// April 29-30 plus all of May.
	if got := sum.Totals().DaysProcessed; got != 2+31 {
		t.Errorf("DaysProcessed = %d, want 33", got)
	}
}

func TestMonthBatches(t *testing.T) {
	d := func(y int, m time.Month, day int) time.Time { return time.Date(y, m, day, 0, 0, 0, 0, time.UTC) }
	tests := []struct {
		name       string
		start, end time.Time
		want       []string
	}{
		{"single day", d(2024, 6, 1), d(2024, 6, 2), []string{"2024-06-01..2024-06-02"}},
		{"across months", d(2024, 1, 15), d(2024, 3, 10), []string{
			"2024-01-15..2024-02-01", "2024-02-01..2024-03-01", "2024-03-01..2024-03-10",
		}},
		{"year boundary", d(2023, 12, 31), d(2024, 1, 2), []string{
			"2023-12-31..2024-01-01", "2024-01-01..2024-01-02",
		}},
		{"empty", d(2024, 6, 2), d(2024, 6, 2), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, b := range MonthBatches(tt.start, tt.end) {
				got = append(got, b[0].Format(time.DateOnly)+".."+b[1].Format(time.DateOnly))
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("batches = %v, want %v", got, tt.want)
			}
		})
	}
}

// --- RunContinuous ---

func TestRunContinuous_FailedPassDoesNotStopLoop(t *testing.T) {
	ctx := context.Background()
	today := store.DayStart(fixedNow)
	f := newMockFetcher()
	f.historyErr[dayKey("C1", today)] = &slackclient.RemoteAPIError{Op: "conversations.history", Code: "internal_error"}
	var waits []time.Duration
	h := newTestHarvester(t, f, testStore(t), func(o *Opts) {
		o.Sleep = func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		}
	})

	err := h.RunContinuous(ctx, []config.ChannelConfig{{ID: "C1"}}, WatchOpts{Interval: time.Minute, Passes: 3})
	if err != nil {
		t.Fatalf("RunContinuous: %v", err)
	}
	if len(f.historyHits) != 3 {
		t.Errorf("history calls = %d, want 3 (one per pass)", len(f.historyHits))
	}
	if len(waits) != 2 || waits[0] != time.Minute {
		t.Errorf("waits = %v, want two 1m waits", waits)
	}
}

func TestRunContinuous_AlwaysReprocessesToday(t *testing.T) {
	ctx := context.Background()
	today := store.DayStart(fixedNow)
	f := newMockFetcher()
	f.addThread("C1", today.Add(9*time.Hour), "U1")
	s := testStore(t)
	s.MarkDayProcessed(ctx, "C1", today)
	h := newTestHarvester(t, f, s, func(o *Opts) {
		o.Sleep = func(context.Context, time.Duration) error { return nil }
	})

	if err := h.RunContinuous(ctx, []config.ChannelConfig{{ID: "C1"}}, WatchOpts{Passes: 2}); err != nil {
		t.Fatalf("RunContinuous: %v", err)
	}
	if len(f.historyHits) != 2 {
		t.Errorf("history calls = %d, want 2", len(f.historyHits))
	}
	if got := stored(t, s); len(got) != 1 {
		t.Errorf("stored = %d, want 1", len(got))
	}
}

func TestRunContinuous_CronSchedule(t *testing.T) {
	var waits []time.Duration
	h := newTestHarvester(t, newMockFetcher(), testStore(t), func(o *Opts) {
		o.Sleep = func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		}
	})
	err := h.RunContinuous(context.Background(), nil, WatchOpts{Schedule: "*/5 * * * *", Passes: 2})
	if err != nil {
		t.Fatalf("RunContinuous: %v", err)
	}
	// fixedNow is 12:00:30; the next */5 fire is 12:05:00.
	if len(waits) != 1 || waits[0] != 4*time.Minute+30*time.Second {
		t.Errorf("waits = %v, want [4m30s]", waits)
	}
}

func TestRunContinuous_InvalidSchedule(t *testing.T) {
	h := newTestHarvester(t, newMockFetcher(), testStore(t))
	if err := h.RunContinuous(context.Background(), nil, WatchOpts{Schedule: "every tuesday"}); err == nil {
		t.Fatal("expected schedule parse error")
	}
}

func TestRunContinuous_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	passes := 0
	h := newTestHarvester(t, newMockFetcher(), testStore(t), func(o *Opts) {
		o.Sleep = func(ctx context.Context, _ time.Duration) error {
			passes++
			cancel()
			return ctx.Err()
		}
	})
	if err := h.RunContinuous(ctx, []config.ChannelConfig{{ID: "C1"}}, WatchOpts{}); err != nil {
		t.Fatalf("RunContinuous: %v", err)
	}
	if passes != 1 {
		t.Errorf("passes = %d, want 1", passes)
	}
}

// --- Errors and metrics ---

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{context.Canceled, KindCanceled},
		{fmt.Errorf("wrap: %w", context.DeadlineExceeded), KindCanceled},
		{&slackclient.RateLimitExceededError{Op: "x", Attempts: 3}, KindRateLimitExceeded},
		{fmt.Errorf("harvest: %w", &slackclient.RemoteAPIError{Op: "x", Code: "invalid_auth"}), KindRemoteAPI},
		{&store.StoreWriteError{Op: "mark day", Key: "k", Err: errors.New("x")}, KindStoreWrite},
		{fmt.Errorf("harvest: C1 2024-06-01: %w", ErrDayIncomplete), KindDayIncomplete},
		{errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestMetrics_CountThreadsAndDays(t *testing.T) {
	ctx := context.Background()
	f := newMockFetcher()
	bad := f.addThread("C1", june1.Add(9*time.Hour), "U1")
	f.addThread("C1", june1.Add(10*time.Hour), "U2")
	f.repliesErr[bad] = &slackclient.RemoteAPIError{Op: "conversations.replies", Code: "x"}
	m := NewMetrics(prometheus.NewRegistry())
	h := newTestHarvester(t, f, testStore(t), func(o *Opts) { o.Metrics = m })

	if _, err := h.ProcessTimePeriod(ctx, june1, june1.AddDate(0, 0, 1), []config.ChannelConfig{{ID: "C1"}}, RunOpts{}); err != nil {
		t.Fatalf("ProcessTimePeriod: %v", err)
	}
	checks := map[string]float64{
		"written": testutil.ToFloat64(m.Threads.WithLabelValues("written")),
		"failed":  testutil.ToFloat64(m.Threads.WithLabelValues("failed")),
		"marked":  testutil.ToFloat64(m.Days.WithLabelValues("marked")),
	}
	for k, v := range checks {
		if v != 1 {
			t.Errorf("%s = %v, want 1", k, v)
		}
	}
	if testutil.ToFloat64(m.LastPass) != float64(fixedNow.Unix()) {
		t.Errorf("LastPass = %v", testutil.ToFloat64(m.LastPass))
	}

	m.ObserveRetry(slackclient.MethodHistory, "rate_limited", 1, time.Second)
	if got := testutil.ToFloat64(m.APIRetries.WithLabelValues(slackclient.MethodHistory, "rate_limited")); got != 1 {
		t.Errorf("retries = %v, want 1", got)
	}
}

// throttledAPI serves thread roots in one history page and rate-limits the
// first replies request for every thread.
type throttledAPI struct {
	mu      sync.Mutex
	roots   []string
	limited map[string]bool
}

func apiMessage(user, ts string) slackapi.Message {
	var m slackapi.Message
	m.User = user
	m.Timestamp = ts
	m.ThreadTimestamp = ts
	m.Text = "question " + ts
	return m
}

func (a *throttledAPI) AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error) {
	return &slackapi.AuthTestResponse{Team: "acme"}, nil
}

func (a *throttledAPI) GetConversationHistoryContext(ctx context.Context, params *slackapi.GetConversationHistoryParameters) (*slackapi.GetConversationHistoryResponse, error) {
	resp := &slackapi.GetConversationHistoryResponse{}
	for _, ts := range a.roots {
		resp.Messages = append(resp.Messages, apiMessage("U1", ts))
	}
	return resp, nil
}

func (a *throttledAPI) GetConversationRepliesContext(ctx context.Context, params *slackapi.GetConversationRepliesParameters) ([]slackapi.Message, bool, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.limited[params.Timestamp] {
		a.limited[params.Timestamp] = true
		return nil, false, "", &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	}
	return []slackapi.Message{apiMessage("U1", params.Timestamp)}, false, "", nil
}

func TestMetrics_RetryLabelsStayBounded(t *testing.T) {
	api := &throttledAPI{
		roots:   []string{"1717232400.000100", "1717236000.000200", "1717239600.000300"},
		limited: make(map[string]bool),
	}
	m := NewMetrics(prometheus.NewRegistry())
	client, err := slackclient.New(slackclient.Options{
		API:     api,
		Logger:  logging.Discard(),
		OnRetry: m.ObserveRetry,
		Sleep:   func(ctx context.Context, d time.Duration) error { return nil },
	})
	if err != nil {
		t.Fatalf("slackclient.New: %v", err)
	}
	h := newTestHarvester(t, client, testStore(t), func(o *Opts) { o.Metrics = m })

	res, err := h.ProcessChannelForDay(context.Background(), "C1", june1, RunOpts{})
	if err != nil {
		t.Fatalf("ProcessChannelForDay: %v", err)
	}
	if res.Written != 3 {
		t.Errorf("Written = %d, want 3", res.Written)
	}
	// Three throttled threads share one series.
	if n := testutil.CollectAndCount(m.APIRetries); n != 1 {
		t.Errorf("retry series = %d, want 1", n)
	}
	if got := testutil.ToFloat64(m.APIRetries.WithLabelValues(slackclient.MethodReplies, "rate_limited")); got != 3 {
		t.Errorf("replies retries = %v, want 3", got)
	}
}
