package domain

import "time"

// =============================================================================
// Conversation - one thread with one correspondent on one channel
// =============================================================================

type ConversationStatus string

const (
	ConversationStatusNew           ConversationStatus = "new"
	ConversationStatusEngaged       ConversationStatus = "engaged"
	ConversationStatusQualified     ConversationStatus = "qualified"
	ConversationStatusConverted     ConversationStatus = "converted"
	ConversationStatusNotInterested ConversationStatus = "not_interested"
)

func (s ConversationStatus) IsValid() bool {
	switch s {
	case ConversationStatusNew, ConversationStatusEngaged, ConversationStatusQualified,
		ConversationStatusConverted, ConversationStatusNotInterested:
		return true
	}
	return false
}

type Conversation struct {
	ID          string  `json:"id"`
	WorkspaceID string  `json:"workspace_id"`
	AccountID   string  `json:"account_id"`
	Channel     Channel `json:"channel"`

	// ProviderThreadKey is the provider-native thread identity
	// (gmail thread id, outlook conversation id, linkedin chat id).
	ProviderThreadKey string `json:"provider_thread_key"`
	// CounterpartyKey partitions sent-email threads by recipient so a
	// forwarded thread cannot merge into the wrong conversation. Empty
	// for inbound-keyed and LinkedIn conversations.
	CounterpartyKey string `json:"counterparty_key,omitempty"`

	// Correspondent identity. Set once at creation, never overwritten
	// by later syncs of the same thread.
	SenderName        string `json:"sender_name,omitempty"`
	SenderEmail       string `json:"sender_email,omitempty"`
	SenderLinkedInURL string `json:"sender_linkedin_url,omitempty"`
	SenderAttendeeID  string `json:"sender_attendee_id,omitempty"`
	Subject           string `json:"subject,omitempty"`

	// Mutable CRM state
	AssignedTo      *string            `json:"assigned_to,omitempty"`
	CustomStageID   *string            `json:"custom_stage_id,omitempty"`
	StageAssignedAt *time.Time         `json:"stage_assigned_at,omitempty"`
	Status          ConversationStatus `json:"status"`

	// Legacy per-conversation read/favorite, kept as a fallback when no
	// per-user state row exists.
	IsRead     bool `json:"is_read"`
	IsFavorite bool `json:"is_favorite"`

	// Volatile cache, refreshed on every ingested message
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	Preview       string     `json:"preview,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Read-side projections, not persisted
	WorkQueue   *WorkQueueFlags `json:"work_queue,omitempty"`
	UnreadCount int             `json:"unread_count,omitempty"`
}

// UserConversationState holds per-viewer read/favorite flags. Read and
// favorite are per-user, not per-thread: an admin's unread state is
// independent of an SDR's.
type UserConversationState struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	IsRead         bool      `json:"is_read"`
	IsFavorite     bool      `json:"is_favorite"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ConversationFilter narrows conversation listings.
type ConversationFilter struct {
	WorkspaceID  string
	Channel      Channel
	AccountID    string
	Folder       string
	AssignedTo   *string
	StageID      *string
	Status       ConversationStatus
	UnreadOnly   bool
	FavoriteOnly bool
	Search       string

	// Viewer for per-user read/favorite resolution
	ViewerID string

	Limit  int
	Offset int
}
