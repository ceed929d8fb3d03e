// Package store persists harvested conversations and the per-(channel, day)
// completion ledger. Every backend implements Store with the same semantics:
// conversation writes are skipped when the content hash is unchanged, and
// each write is a single atomic row/document/key update.
package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zulandar/threadyard/internal/models"
	"golang.org/x/crypto/blake2b"
)

// Store is the capability every content store backend provides.
type Store interface {
	// IsDayProcessed reports whether a completion marker exists for the day.
	IsDayProcessed(ctx context.Context, channelID string, day time.Time) (bool, error)
	// MarkDayProcessed upserts the day's completion marker. Idempotent;
	// the latest call wins on ProcessedAt.
	MarkDayProcessed(ctx context.Context, channelID string, day time.Time) error
	// UpsertConversation writes rec unless the stored record for the same
	// (channel, thread) has an identical content hash. It returns true when
	// written.
	UpsertConversation(ctx context.Context, rec *models.Conversation) (bool, error)
	// GetConversations returns records matching f ordered by OccurredAt,
	// then ChannelID, then ThreadID.
	GetConversations(ctx context.Context, f Filter) ([]models.Conversation, error)
	// DateRange returns the earliest and latest OccurredAt stored. ok is
	// false when the store holds no conversations.
	DateRange(ctx context.Context) (earliest, latest time.Time, ok bool, err error)
	Close() error
}

// Filter selects conversations by OccurredAt in [Start, End) and, when
// ChannelID is set, by channel. Zero times leave that bound open.
type Filter struct {
	Start     time.Time
	End       time.Time
	ChannelID string
}

// StoreWriteError wraps a persistence failure during an upsert or marker
// write. The failed write left no partial state behind.
type StoreWriteError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// ContentHash returns the hex BLAKE2b-256 digest of content.
func ContentHash(content string) string {
	sum := blake2b.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ConversationKey identifies a conversation across channels. Slack thread
// timestamps are only unique within a channel.
func ConversationKey(channelID, threadID string) string {
	return channelID + "/" + threadID
}

// DayStart truncates t to midnight UTC of its calendar day.
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DayKey is the completion marker key for a channel and day.
func DayKey(channelID string, day time.Time) string {
	return channelID + "_" + DayStart(day).Format(time.DateOnly)
}

// Option customises a store backend.
type Option func(*options)

type options struct {
	now    func() time.Time
	prefix string
}

func defaultOptions() options {
	return options{now: time.Now, prefix: "threadyard"}
}

// WithClock overrides the wall clock used for LastUpdated and ProcessedAt.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithKeyPrefix sets the key namespace used by the Redis backend.
func WithKeyPrefix(p string) Option { return func(o *options) { o.prefix = p } }

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
