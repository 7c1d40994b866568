package sync

import (
	"context"
	"strings"
	"time"

	"inbox_server/core/domain"
	"inbox_server/core/port/out"
	"inbox_server/pkg/logger"

	"github.com/google/uuid"
)

// =============================================================================
// UpsertWriter - idempotent conversation/message writes
// =============================================================================

// UpsertWriter lands one normalized message in the store. Messages are
// keyed by (workspace_id, provider_message_id) and skipped when already
// present; conversations take only the narrow volatile update. Partial
// failure is tolerated: a message that fails after its conversation was
// created is retried on the next pass without duplicating the
// conversation, because thread matching is idempotent.
type UpsertWriter struct {
	resolver *ThreadResolver
	msgRepo  out.MessageRepository
	convRepo out.ConversationRepository
}

func NewUpsertWriter(resolver *ThreadResolver, msgRepo out.MessageRepository, convRepo out.ConversationRepository) *UpsertWriter {
	return &UpsertWriter{
		resolver: resolver,
		msgRepo:  msgRepo,
		convRepo: convRepo,
	}
}

// WriteResult reports what one write did.
type WriteResult struct {
	Conversation        *domain.Conversation
	ConversationCreated bool
	MessageSaved        bool
}

// Write ingests one normalized message for an account.
func (w *UpsertWriter) Write(ctx context.Context, account *domain.ChannelAccount, msg *out.ProviderMessage) (*WriteResult, error) {
	exists, err := w.msgRepo.ExistsByProviderID(ctx, account.WorkspaceID, msg.ProviderMessageID)
	if err != nil {
		return nil, err
	}

	conv, created, err := w.resolver.Resolve(ctx, account, msg)
	if err != nil {
		return nil, err
	}

	result := &WriteResult{Conversation: conv, ConversationCreated: created}
	if exists {
		// Re-sync of an already-seen message is a no-op, not a merge.
		return result, nil
	}

	record := w.toMessage(account, conv, msg)
	if err := w.msgRepo.Create(ctx, record); err != nil {
		return nil, err
	}
	result.MessageSaved = true

	// Narrow update: volatile fields only, identity untouched.
	if err := w.convRepo.TouchLastMessage(ctx, conv.ID, record.CreatedAt, msg.Snippet); err != nil {
		logger.Warn("[UpsertWriter] Failed to touch conversation %s: %v", conv.ID, err)
	}
	if conv.LastMessageAt == nil || record.CreatedAt.After(*conv.LastMessageAt) {
		t := record.CreatedAt
		conv.LastMessageAt = &t
		conv.Preview = msg.Snippet
	}

	return result, nil
}

func (w *UpsertWriter) toMessage(account *domain.ChannelAccount, conv *domain.Conversation, msg *out.ProviderMessage) *domain.Message {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return &domain.Message{
		ID:                uuid.NewString(),
		ConversationID:    conv.ID,
		WorkspaceID:       account.WorkspaceID,
		AccountID:         account.ID,
		ProviderMessageID: msg.ProviderMessageID,
		ProviderThreadID:  msg.ProviderThreadID,
		SenderName:        msg.From.Name,
		SenderEmail:       strings.ToLower(strings.TrimSpace(msg.From.Email)),
		SenderAttendeeID:  msg.From.AttendeeID,
		Content:           msg.Snippet,
		IsFromLead:        !isOutbound(msg),
		ProviderFolder:    msg.Folder,
		CreatedAt:         ts,
	}
}
