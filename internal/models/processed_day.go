package models

import "time"

// ProcessedDay marks a (channel, UTC calendar day) window as fully harvested.
// ID is "<channel_id>_<YYYY-MM-DD>".
type ProcessedDay struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id" bson:"_id"`
	ChannelID   string    `gorm:"size:32;not null;index" json:"channel_id" bson:"channel_id"`
	Date        time.Time `gorm:"not null" json:"date" bson:"date"`
	ProcessedAt time.Time `gorm:"not null" json:"processed_at" bson:"processed_at"`
}

// TableName pins the table name regardless of naming strategy.
func (ProcessedDay) TableName() string { return "processed_days" }
