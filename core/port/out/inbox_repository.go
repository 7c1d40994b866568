package out

import (
	"context"
	"errors"
	"time"

	"inbox_server/core/domain"
)

// ErrConversationExists is returned by ConversationRepository.Create
// when the thread-identity unique constraint fires. The caller re-reads
// and proceeds with the winner's row.
var ErrConversationExists = errors.New("conversation already exists for thread key")

// =============================================================================
// Conversation Repository (PostgreSQL)
// =============================================================================

type ConversationRepository interface {
	Create(ctx context.Context, conv *domain.Conversation) error
	GetByID(ctx context.Context, workspaceID, id string) (*domain.Conversation, error)

	// FindByThreadKey resolves a conversation by provider thread
	// identity. counterpartyKey is non-empty only for sent-email
	// partitions; empty means thread-key-only matching.
	FindByThreadKey(ctx context.Context, workspaceID string, channel domain.Channel, threadKey, counterpartyKey string) (*domain.Conversation, error)

	// FindLatestByCorrespondent returns the most-recently-active
	// conversation with the same correspondent, for CRM-state
	// inheritance. Returns nil when none exists.
	FindLatestByCorrespondent(ctx context.Context, workspaceID string, channel domain.Channel, correspondentKey string) (*domain.Conversation, error)

	// TouchLastMessage is the narrow update applied on every ingested
	// message: volatile fields only, identity untouched.
	TouchLastMessage(ctx context.Context, id string, at time.Time, preview string) error

	List(ctx context.Context, filter *domain.ConversationFilter) ([]*domain.Conversation, int, error)

	UpdateAssignment(ctx context.Context, workspaceID, id string, assignedTo *string) error
	UpdateStage(ctx context.Context, workspaceID, id string, stageID *string, assignedAt time.Time) error
	UpdateStatus(ctx context.Context, workspaceID, id string, status domain.ConversationStatus) error
	UpdateLegacyRead(ctx context.Context, workspaceID, id string, isRead bool) error
	UpdateLegacyFavorite(ctx context.Context, workspaceID, id string, isFavorite bool) error

	// Delete removes the conversation and cascades to its messages.
	// Explicit user action only, never called by the sync pipeline.
	Delete(ctx context.Context, workspaceID, id string) error
}

// =============================================================================
// Message Repository (PostgreSQL)
// =============================================================================

type MessageRepository interface {
	Create(ctx context.Context, msg *domain.Message) error
	GetByID(ctx context.Context, workspaceID, id string) (*domain.Message, error)

	// ExistsByProviderID is the idempotency check: a message already
	// recorded for (workspace, provider_message_id) is skipped.
	ExistsByProviderID(ctx context.Context, workspaceID, providerMessageID string) (bool, error)

	// FilterExistingProviderIDs returns the subset of ids already
	// stored, for batch dedup before processing a page.
	FilterExistingProviderIDs(ctx context.Context, workspaceID string, providerMessageIDs []string) (map[string]bool, error)

	ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]*domain.Message, error)

	// ListRecentByConversation returns the newest messages first, for
	// derivations that must see the latest activity.
	ListRecentByConversation(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error)

	// MarkBodyFetched stamps body_fetched_at. Stamped even when the
	// fetch failed, to stop refetch loops.
	MarkBodyFetched(ctx context.Context, id string, at time.Time) error
}

// =============================================================================
// Per-user conversation state
// =============================================================================

type UserStateRepository interface {
	Get(ctx context.Context, conversationID, userID string) (*domain.UserConversationState, error)
	GetForConversations(ctx context.Context, conversationIDs []string, userID string) (map[string]*domain.UserConversationState, error)
	SetRead(ctx context.Context, conversationID, userID string, isRead bool) error
	SetFavorite(ctx context.Context, conversationID, userID string, isFavorite bool) error
}

// =============================================================================
// Sync State Repository
// =============================================================================

type SyncStateRepository interface {
	GetOrCreate(ctx context.Context, workspaceID, accountID string, provider domain.Provider) (*domain.SyncState, error)
	Get(ctx context.Context, workspaceID, accountID string) (*domain.SyncState, error)
	Update(ctx context.Context, state *domain.SyncState) error
	SetStatus(ctx context.Context, workspaceID, accountID string, status domain.SyncStatus, syncError string) error

	// ListDueRetries returns error states whose next_retry_at has passed.
	ListDueRetries(ctx context.Context, limit int) ([]*domain.SyncState, error)
}

// =============================================================================
// Channel Account Repository
// =============================================================================

type AccountRepository interface {
	Create(ctx context.Context, account *domain.ChannelAccount) error
	GetByID(ctx context.Context, workspaceID, id string) (*domain.ChannelAccount, error)
	GetByExternalID(ctx context.Context, provider domain.Provider, externalID string) (*domain.ChannelAccount, error)
	ListActive(ctx context.Context) ([]*domain.ChannelAccount, error)
	ListByWorkspace(ctx context.Context, workspaceID string) ([]*domain.ChannelAccount, error)
	UpdateTokens(ctx context.Context, id string, accessToken, refreshToken string, expiry time.Time) error
	Deactivate(ctx context.Context, id string) error
}

// =============================================================================
// Message Body Repository (MongoDB)
// =============================================================================

type BodyRepository interface {
	Get(ctx context.Context, messageID string) (*domain.MessageBody, error)
	Save(ctx context.Context, body *domain.MessageBody) error
	Delete(ctx context.Context, messageID string) error
}
