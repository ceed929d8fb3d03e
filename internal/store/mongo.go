package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zulandar/threadyard/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mopts "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names.
const (
	CollectionConversations = "conversations"
	CollectionProcessedDays = "processed_days"
)

// MongoStore is the document backend. BSON datetimes carry millisecond
// precision, so OccurredAt is truncated to the millisecond on read.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	opts   options
}

// ConnectMongo dials uri, pings the primary, and ensures indexes on database.
func ConnectMongo(ctx context.Context, uri, database string, opts ...Option) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOpts := mopts.Client().
		ApplyURI(uri).
		SetMaxPoolSize(20).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("store: mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("store: mongo ping: %w", err)
	}

	s := &MongoStore{client: client, db: client.Database(database), opts: buildOptions(opts)}
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	slog.Debug("store: connected to mongo", "database", database)
	return s, nil
}

// EnsureIndexes creates the secondary indexes used by range queries.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(CollectionConversations).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "occurred_at", Value: 1}, {Key: "channel_id", Value: 1}, {Key: "thread_id", Value: 1}}},
		{Keys: bson.D{{Key: "channel_id", Value: 1}, {Key: "occurred_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("store: mongo conversations indexes: %w", err)
	}
	_, err = s.db.Collection(CollectionProcessedDays).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "channel_id", Value: 1}, {Key: "date", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("store: mongo processed_days indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) IsDayProcessed(ctx context.Context, channelID string, day time.Time) (bool, error) {
	key := DayKey(channelID, day)
	n, err := s.db.Collection(CollectionProcessedDays).CountDocuments(ctx, bson.M{"_id": key}, mopts.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("store: is day processed %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *MongoStore) MarkDayProcessed(ctx context.Context, channelID string, day time.Time) error {
	key := DayKey(channelID, day)
	_, err := s.db.Collection(CollectionProcessedDays).UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{
			"channel_id":   channelID,
			"date":         DayStart(day),
			"processed_at": s.opts.now().UTC(),
		}},
		mopts.Update().SetUpsert(true),
	)
	if err != nil {
		return &StoreWriteError{Op: "mark day", Key: key, Err: err}
	}
	return nil
}

// UpsertConversation matches only a document whose hash differs. When the
// stored hash is equal the filter misses, the upsert collides on _id, and
// the duplicate key error means "unchanged". _id is the ConversationKey.
func (s *MongoStore) UpsertConversation(ctx context.Context, rec *models.Conversation) (bool, error) {
	hash := ContentHash(rec.Content)
	rec.ContentHash = hash
	now := s.opts.now().UTC()
	key := ConversationKey(rec.ChannelID, rec.ThreadID)

	res, err := s.db.Collection(CollectionConversations).UpdateOne(ctx,
		bson.M{"_id": key, "content_hash": bson.M{"$ne": hash}},
		bson.M{
			"$set": bson.M{
				"channel_id":        rec.ChannelID,
				"thread_id":         rec.ThreadID,
				"content":           rec.Content,
				"content_hash":      hash,
				"participant_count": rec.ParticipantCount,
				"last_updated":      now,
			},
			"$setOnInsert": bson.M{"occurred_at": rec.OccurredAt.UTC()},
		},
		mopts.Update().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, &StoreWriteError{Op: "upsert conversation", Key: key, Err: err}
	}
	if res.MatchedCount == 0 && res.UpsertedCount == 0 {
		return false, nil
	}
	rec.LastUpdated = now
	return true, nil
}

func (s *MongoStore) GetConversations(ctx context.Context, f Filter) ([]models.Conversation, error) {
	filter := bson.M{}
	at := bson.M{}
	if !f.Start.IsZero() {
		at["$gte"] = f.Start.UTC()
	}
	if !f.End.IsZero() {
		at["$lt"] = f.End.UTC()
	}
	if len(at) > 0 {
		filter["occurred_at"] = at
	}
	if f.ChannelID != "" {
		filter["channel_id"] = f.ChannelID
	}

	cur, err := s.db.Collection(CollectionConversations).Find(ctx, filter,
		mopts.Find().SetSort(bson.D{
			{Key: "occurred_at", Value: 1}, {Key: "channel_id", Value: 1}, {Key: "thread_id", Value: 1},
		}))
	if err != nil {
		return nil, fmt.Errorf("store: get conversations: %w", err)
	}
	var convs []models.Conversation
	if err := cur.All(ctx, &convs); err != nil {
		return nil, fmt.Errorf("store: get conversations: decode: %w", err)
	}
	for i := range convs {
		convs[i].OccurredAt = convs[i].OccurredAt.UTC()
		convs[i].LastUpdated = convs[i].LastUpdated.UTC()
	}
	return convs, nil
}

func (s *MongoStore) DateRange(ctx context.Context) (time.Time, time.Time, bool, error) {
	coll := s.db.Collection(CollectionConversations)
	edge := func(dir int) (time.Time, error) {
		var doc struct {
			OccurredAt time.Time `bson:"occurred_at"`
		}
		err := coll.FindOne(ctx, bson.M{}, mopts.FindOne().
			SetSort(bson.D{{Key: "occurred_at", Value: dir}}).
			SetProjection(bson.M{"occurred_at": 1})).Decode(&doc)
		return doc.OccurredAt.UTC(), err
	}

	first, err := edge(1)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("store: date range: %w", err)
	}
	last, err := edge(-1)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("store: date range: %w", err)
	}
	return first, last, true, nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("store: mongo disconnect: %w", err)
	}
	return nil
}
