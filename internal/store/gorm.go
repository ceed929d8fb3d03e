package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/threadyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the relational backend (SQLite or MySQL/Dolt).
type GormStore struct {
	db   *gorm.DB
	opts options
}

// NewGormStore wraps an already migrated GORM connection.
func NewGormStore(db *gorm.DB, opts ...Option) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("store: gorm: db is required")
	}
	return &GormStore{db: db, opts: buildOptions(opts)}, nil
}

// DB exposes the underlying connection.
func (s *GormStore) DB() *gorm.DB { return s.db }

func (s *GormStore) IsDayProcessed(ctx context.Context, channelID string, day time.Time) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.ProcessedDay{}).
		Where("id = ?", DayKey(channelID, day)).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("store: is day processed %s: %w", DayKey(channelID, day), err)
	}
	return n > 0, nil
}

func (s *GormStore) MarkDayProcessed(ctx context.Context, channelID string, day time.Time) error {
	marker := models.ProcessedDay{
		ID:          DayKey(channelID, day),
		ChannelID:   channelID,
		Date:        DayStart(day),
		ProcessedAt: s.opts.now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"processed_at"}),
	}).Create(&marker).Error
	if err != nil {
		return &StoreWriteError{Op: "mark day", Key: marker.ID, Err: err}
	}
	return nil
}

func (s *GormStore) UpsertConversation(ctx context.Context, rec *models.Conversation) (bool, error) {
	hash := ContentHash(rec.Content)
	rec.ContentHash = hash

	written := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Conversation
		err := tx.Select("channel_id", "thread_id", "content_hash").
			Where("channel_id = ? AND thread_id = ?", rec.ChannelID, rec.ThreadID).
			Take(&existing).Error
		switch {
		case err == nil:
			if existing.ContentHash == hash {
				return nil
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		row := *rec
		row.LastUpdated = s.opts.now().UTC()
		// occurred_at is only written on insert.
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "channel_id"}, {Name: "thread_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"content", "content_hash", "participant_count", "last_updated",
			}),
		}).Create(&row).Error; err != nil {
			return err
		}
		rec.LastUpdated = row.LastUpdated
		written = true
		return nil
	})
	if err != nil {
		return false, &StoreWriteError{Op: "upsert conversation", Key: ConversationKey(rec.ChannelID, rec.ThreadID), Err: err}
	}
	return written, nil
}

func (s *GormStore) GetConversations(ctx context.Context, f Filter) ([]models.Conversation, error) {
	q := s.db.WithContext(ctx).Model(&models.Conversation{})
	if !f.Start.IsZero() {
		q = q.Where("occurred_at >= ?", f.Start.UTC())
	}
	if !f.End.IsZero() {
		q = q.Where("occurred_at < ?", f.End.UTC())
	}
	if f.ChannelID != "" {
		q = q.Where("channel_id = ?", f.ChannelID)
	}
	var convs []models.Conversation
	if err := q.Order("occurred_at ASC, channel_id ASC, thread_id ASC").Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("store: get conversations: %w", err)
	}
	return convs, nil
}

func (s *GormStore) DateRange(ctx context.Context) (time.Time, time.Time, bool, error) {
	var first, last models.Conversation
	err := s.db.WithContext(ctx).Select("occurred_at").Order("occurred_at ASC").Take(&first).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("store: date range: %w", err)
	}
	if err := s.db.WithContext(ctx).Select("occurred_at").Order("occurred_at DESC").Take(&last).Error; err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("store: date range: %w", err)
	}
	return first.OccurredAt.UTC(), last.OccurredAt.UTC(), true, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return sqlDB.Close()
}
