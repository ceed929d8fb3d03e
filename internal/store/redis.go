package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zulandar/threadyard/internal/models"
)

// RedisStore is the key-value backend. Each conversation is a hash at
// <prefix>:conv:<channel_id>/<thread_id>; sorted sets scored by OccurredAt
// in microseconds index all threads and each channel's threads. Index
// members are ConversationKeys, so equal scores order by channel, then
// thread.
type RedisStore struct {
	client *redis.Client
	opts   options
}

// upsertScript skips the write when the stored hash matches ARGV[1].
// occurred_at and the index entries are only set the first time.
var upsertScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'content_hash') == ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1],
  'thread_id', ARGV[2],
  'channel_id', ARGV[3],
  'content', ARGV[4],
  'content_hash', ARGV[1],
  'participant_count', ARGV[5],
  'last_updated', ARGV[6])
if redis.call('HSETNX', KEYS[1], 'occurred_at', ARGV[7]) == 1 then
  redis.call('ZADD', KEYS[2], ARGV[8], ARGV[9])
  redis.call('ZADD', KEYS[3], ARGV[8], ARGV[9])
end
return 1
`)

// ConnectRedis parses a redis:// URL, pings the server and returns a store.
func ConnectRedis(ctx context.Context, url string, opts ...Option) (*RedisStore, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	ropts.PoolSize = 10
	ropts.MinIdleConns = 2
	ropts.DialTimeout = 5 * time.Second
	ropts.ReadTimeout = 3 * time.Second
	ropts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(ropts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}
	slog.Debug("store: connected to redis", "addr", ropts.Addr, "db", ropts.DB)
	return NewRedisStore(client, opts...), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, opts ...Option) *RedisStore {
	return &RedisStore{client: client, opts: buildOptions(opts)}
}

func (s *RedisStore) convKey(member string) string  { return s.opts.prefix + ":conv:" + member }
func (s *RedisStore) dayKey(key string) string      { return s.opts.prefix + ":day:" + key }
func (s *RedisStore) allIndex() string              { return s.opts.prefix + ":idx:all" }
func (s *RedisStore) channelIndex(ch string) string { return s.opts.prefix + ":idx:channel:" + ch }

func (s *RedisStore) IsDayProcessed(ctx context.Context, channelID string, day time.Time) (bool, error) {
	key := DayKey(channelID, day)
	n, err := s.client.Exists(ctx, s.dayKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("store: is day processed %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) MarkDayProcessed(ctx context.Context, channelID string, day time.Time) error {
	key := DayKey(channelID, day)
	err := s.client.HSet(ctx, s.dayKey(key),
		"channel_id", channelID,
		"date", DayStart(day).Format(time.DateOnly),
		"processed_at", s.opts.now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return &StoreWriteError{Op: "mark day", Key: key, Err: err}
	}
	return nil
}

func (s *RedisStore) UpsertConversation(ctx context.Context, rec *models.Conversation) (bool, error) {
	hash := ContentHash(rec.Content)
	rec.ContentHash = hash
	now := s.opts.now().UTC()
	occurred := rec.OccurredAt.UTC()
	member := ConversationKey(rec.ChannelID, rec.ThreadID)

	res, err := upsertScript.Run(ctx, s.client,
		[]string{s.convKey(member), s.allIndex(), s.channelIndex(rec.ChannelID)},
		hash,
		rec.ThreadID,
		rec.ChannelID,
		rec.Content,
		rec.ParticipantCount,
		now.Format(time.RFC3339Nano),
		occurred.Format(time.RFC3339Nano),
		occurred.UnixMicro(),
		member,
	).Int()
	if err != nil {
		return false, &StoreWriteError{Op: "upsert conversation", Key: member, Err: err}
	}
	if res == 0 {
		return false, nil
	}
	rec.LastUpdated = now
	return true, nil
}

func (s *RedisStore) GetConversations(ctx context.Context, f Filter) ([]models.Conversation, error) {
	idx := s.allIndex()
	if f.ChannelID != "" {
		idx = s.channelIndex(f.ChannelID)
	}
	by := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !f.Start.IsZero() {
		by.Min = strconv.FormatInt(f.Start.UnixMicro(), 10)
	}
	if !f.End.IsZero() {
		by.Max = "(" + strconv.FormatInt(f.End.UnixMicro(), 10)
	}
	ids, err := s.client.ZRangeByScore(ctx, idx, by).Result()
	if err != nil {
		return nil, fmt.Errorf("store: get conversations: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.convKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store: get conversations: %w", err)
	}

	convs := make([]models.Conversation, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		c, err := decodeConversation(fields)
		if err != nil {
			return nil, fmt.Errorf("store: get conversations: %s: %w", ids[i], err)
		}
		convs = append(convs, c)
	}
	return convs, nil
}

func decodeConversation(h map[string]string) (models.Conversation, error) {
	c := models.Conversation{
		ThreadID:    h["thread_id"],
		ChannelID:   h["channel_id"],
		Content:     h["content"],
		ContentHash: h["content_hash"],
	}
	var err error
	if c.ParticipantCount, err = strconv.Atoi(h["participant_count"]); err != nil {
		return c, fmt.Errorf("participant_count: %w", err)
	}
	if c.OccurredAt, err = time.Parse(time.RFC3339Nano, h["occurred_at"]); err != nil {
		return c, fmt.Errorf("occurred_at: %w", err)
	}
	if c.LastUpdated, err = time.Parse(time.RFC3339Nano, h["last_updated"]); err != nil {
		return c, fmt.Errorf("last_updated: %w", err)
	}
	return c, nil
}

func (s *RedisStore) DateRange(ctx context.Context) (time.Time, time.Time, bool, error) {
	first, err := s.client.ZRangeWithScores(ctx, s.allIndex(), 0, 0).Result()
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("store: date range: %w", err)
	}
	if len(first) == 0 {
		return time.Time{}, time.Time{}, false, nil
	}
	last, err := s.client.ZRangeWithScores(ctx, s.allIndex(), -1, -1).Result()
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("store: date range: %w", err)
	}
	if len(last) == 0 {
		last = first
	}
	return time.UnixMicro(int64(first[0].Score)).UTC(), time.UnixMicro(int64(last[0].Score)).UTC(), true, nil
}

func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("store: redis close: %w", err)
	}
	return nil
}
