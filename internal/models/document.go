package models

import "time"

// ConversationDocument is the shape handed to downstream consumers by the
// read API and the JSONL export: the stored record plus roster metadata.
type ConversationDocument struct {
	Conversation
	ChannelName string `json:"channel_name,omitempty"`
	Date        string `json:"date"`
}

// NewConversationDocument decorates c with its channel's display name.
func NewConversationDocument(c Conversation, channelName string) ConversationDocument {
	return ConversationDocument{
		Conversation: c,
		ChannelName:  channelName,
		Date:         c.OccurredAt.UTC().Format(time.DateOnly),
	}
}
