// Package models defines the core data types for dotclaw.
package models

import (
	"time"
)

// Chat is a conversation surface on the messaging provider. Chats are
// created on first sighting of any message carrying their id and are never
// destroyed.
type Chat struct {
	// ID is the provider-assigned chat identifier.
	ID string `json:"id"`

	// DisplayName is the last known human-readable name for the chat.
	DisplayName string `json:"display_name,omitempty"`

	// LastActivity is the timestamp of the most recent message seen.
	LastActivity time.Time `json:"last_activity"`
}

// ChatMessage is a single message within a chat. The primary key is
// (MsgID, ChatID); message ids are provider strings that compare
// numerically for cursor ordering.
type ChatMessage struct {
	MsgID      string    `json:"msg_id"`
	ChatID     string    `json:"chat_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`

	// FromSelf marks bot-originated messages, which are excluded from
	// user-input queries.
	FromSelf bool `json:"from_self"`
}

// ChatCursor is the per-chat read bookmark. It advances monotonically over
// the total order defined by (timestamp, numeric message id).
type ChatCursor struct {
	ChatID        string    `json:"chat_id"`
	LastSeenTS    time.Time `json:"last_seen_ts"`
	LastSeenMsgID string    `json:"last_seen_msg_id"`
}

// GroupSession tracks the one active conversation session per group.
// Session snapshots are copied directories used to isolate background jobs
// from the live session.
type GroupSession struct {
	Group     string    `json:"group"`
	SessionID string    `json:"session_id"`
	UpdatedAt time.Time `json:"updated_at"`
}
