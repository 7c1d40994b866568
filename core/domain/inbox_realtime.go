package domain

import "time"

// =============================================================================
// RealtimeEvent - pushed to live SSE listeners
// =============================================================================

// RealtimeEvent is broadcast to connected clients after an update.
// Delivery is best-effort: no persistence, no replay for listeners that
// connect later.
type RealtimeEvent struct {
	Type      EventType   `json:"type"`
	Seq       int64       `json:"seq"` // ordering sequence
	UserID    string      `json:"-"`   // delivery target, excluded from JSON
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type EventType string

const (
	// Conversation events
	EventConversationUpdated EventType = "conversation.updated"
	EventMessageCreated      EventType = "message.created"
	EventLinkedInMessage     EventType = "linkedin_message"

	// Sync events
	EventSyncStarted   EventType = "sync.started"
	EventSyncProgress  EventType = "sync.progress"
	EventSyncCompleted EventType = "sync.completed"
	EventSyncError     EventType = "sync.error"

	// Account events
	EventAccountDisconnected EventType = "account.disconnected"

	// System events
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
)

// LinkedInMessageEvent is the payload for EventLinkedInMessage.
type LinkedInMessageEvent struct {
	ConversationID string    `json:"conversation_id"`
	ChatID         string    `json:"chat_id"`
	AccountID      string    `json:"account_id"`
	Timestamp      time.Time `json:"timestamp"`
	IsFromLead     bool      `json:"is_from_lead"`
}
