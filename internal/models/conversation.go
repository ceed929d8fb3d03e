package models

import "time"

// Conversation is one reconstructed Slack thread, keyed by (ChannelID,
// ThreadID). ContentHash is always the hash of Content; a row is only
// rewritten when that hash changes.
type Conversation struct {
	ChannelID        string    `gorm:"primaryKey;size:32;index" json:"channel_id" bson:"channel_id"`
	ThreadID         string    `gorm:"primaryKey;size:32" json:"thread_id" bson:"thread_id"`
	Content          string    `gorm:"type:text;not null" json:"content" bson:"content"`
	ContentHash      string    `gorm:"size:64;not null" json:"content_hash" bson:"content_hash"`
	ParticipantCount int       `gorm:"default:0" json:"participant_count" bson:"participant_count"`
	OccurredAt       time.Time `gorm:"not null;index" json:"occurred_at" bson:"occurred_at"`
	LastUpdated      time.Time `gorm:"not null" json:"last_updated" bson:"last_updated"`
}

// TableName pins the table name regardless of naming strategy.
func (Conversation) TableName() string { return "conversations" }
