// Package in defines inbound ports (driving ports) exposed to the
// HTTP and worker adapters.
package in

import (
	"context"

	"inbox_server/core/domain"
)

// ConversationService is the read/triage surface over conversations.
type ConversationService interface {
	List(ctx context.Context, filter *domain.ConversationFilter) ([]*domain.Conversation, int, error)
	Get(ctx context.Context, workspaceID, viewerID, id string) (*domain.Conversation, error)
	ListMessages(ctx context.Context, workspaceID, conversationID string, limit, offset int) ([]*domain.Message, error)

	SetRead(ctx context.Context, workspaceID, userID, conversationID string, isRead bool) error
	SetFavorite(ctx context.Context, workspaceID, userID, conversationID string, isFavorite bool) error
	Assign(ctx context.Context, workspaceID, conversationID string, assignedTo *string) error
	SetStage(ctx context.Context, workspaceID, conversationID string, stageID *string) error
	SetStatus(ctx context.Context, workspaceID, conversationID string, status domain.ConversationStatus) error
	Delete(ctx context.Context, workspaceID, conversationID string) error

	// WorkQueue lists conversations needing attention, with derived
	// pending_reply/overdue/idle_days flags.
	WorkQueue(ctx context.Context, workspaceID, viewerID string, limit, offset int) ([]*domain.Conversation, int, error)
}

// BodyService fetches message bodies lazily on first read.
type BodyService interface {
	GetBody(ctx context.Context, workspaceID, messageID string) (*domain.MessageBody, error)
}

// SyncService drives account synchronization.
type SyncService interface {
	// EnqueueSync queues a sync run and returns immediately; callers
	// poll the sync status rather than waiting.
	EnqueueSync(ctx context.Context, workspaceID, accountID string) error

	// RunSync executes one account sync. Called by the worker.
	RunSync(ctx context.Context, workspaceID, accountID string) error

	// Status returns the current sync state for an account.
	Status(ctx context.Context, workspaceID, accountID string) (*domain.SyncState, error)

	// IngestSingle runs the resolve/upsert path for one normalized
	// message, used by the webhook receiver.
	IngestSingle(ctx context.Context, account *domain.ChannelAccount, msg *SingleMessage) error
}

// SingleMessage carries one webhook-delivered message into the
// ingestion path.
type SingleMessage struct {
	ProviderMessageID string
	ProviderThreadID  string
	SenderName        string
	SenderAttendeeID  string
	SenderLinkedInURL string
	SenderEmail       string
	Snippet           string
	Timestamp         int64 // unix millis as delivered by the aggregator
	IsSender          bool
}
