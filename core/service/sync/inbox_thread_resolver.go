// Package sync implements the ingestion pipeline: thread resolution,
// CRM-state inheritance, idempotent writes and the per-account sync
// orchestrator.
package sync

import (
	"context"
	"errors"
	"strings"
	"time"

	"inbox_server/core/domain"
	"inbox_server/core/port/out"
	"inbox_server/pkg/logger"

	"github.com/google/uuid"
)

// =============================================================================
// ThreadResolver - finds or creates the owning conversation
// =============================================================================

type ThreadResolver struct {
	convRepo    out.ConversationRepository
	inheritance *InheritanceResolver
}

func NewThreadResolver(convRepo out.ConversationRepository, inheritance *InheritanceResolver) *ThreadResolver {
	return &ThreadResolver{
		convRepo:    convRepo,
		inheritance: inheritance,
	}
}

// counterpartyOf picks the non-owning party of a message. For outbound
// email (sent/drafts folders) that is the first recipient; otherwise
// the sender.
func counterpartyOf(msg *out.ProviderMessage) out.ProviderAddress {
	if isOutbound(msg) {
		if len(msg.To) > 0 {
			return msg.To[0]
		}
		return out.ProviderAddress{}
	}
	return msg.From
}

func isOutbound(msg *out.ProviderMessage) bool {
	if msg.IsSender {
		return true
	}
	return domain.IsOutboundFolder(msg.Folder)
}

// correspondentKey normalizes the counterparty identity used for
// CRM-state inheritance lookups.
func correspondentKey(channel domain.Channel, addr out.ProviderAddress) string {
	if channel == domain.ChannelLinkedIn {
		return addr.AttendeeID
	}
	return strings.ToLower(strings.TrimSpace(addr.Email))
}

// Resolve finds the conversation owning msg, creating it when absent.
// Returns the conversation and whether it was created by this call.
//
// Sent-folder email threads are additionally partitioned by the
// counterparty address so a forwarded thread with the same provider
// thread id cannot merge into an unrelated conversation. A sent message
// still joins an inbound-created conversation on the same thread when
// that conversation's correspondent is the recipient, so replies land
// where the lead's message did. When the counterparty address is empty
// the partition degrades to thread-key-only matching; reduced
// anti-merge protection, not an error.
func (r *ThreadResolver) Resolve(ctx context.Context, account *domain.ChannelAccount, msg *out.ProviderMessage) (*domain.Conversation, bool, error) {
	channel := account.Provider.Channel()
	other := counterpartyOf(msg)

	counterpartyKey := ""
	if channel == domain.ChannelEmail && domain.IsOutboundFolder(msg.Folder) {
		counterpartyKey = strings.ToLower(strings.TrimSpace(other.Email))
	}

	existing, err := r.convRepo.FindByThreadKey(ctx, account.WorkspaceID, channel, msg.ProviderThreadID, counterpartyKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	conv := r.buildConversation(account, channel, msg, other, counterpartyKey)

	// Always attempt inheritance; a miss leaves the fields at their
	// default null, and a lookup failure must never abort ingestion.
	if err := r.inheritance.Apply(ctx, conv, correspondentKey(channel, other)); err != nil {
		logger.Warn("[ThreadResolver] Inheritance lookup failed for %s: %v", conv.ProviderThreadKey, err)
	}

	if err := r.convRepo.Create(ctx, conv); err != nil {
		// Unique-violation means a concurrent sync created the thread
		// first; re-read and use the winner's row.
		if errors.Is(err, out.ErrConversationExists) {
			winner, rerr := r.convRepo.FindByThreadKey(ctx, account.WorkspaceID, channel, msg.ProviderThreadID, counterpartyKey)
			if rerr != nil {
				return nil, false, rerr
			}
			if winner != nil {
				return winner, false, nil
			}
		}
		return nil, false, err
	}

	return conv, true, nil
}

func (r *ThreadResolver) buildConversation(account *domain.ChannelAccount, channel domain.Channel, msg *out.ProviderMessage, other out.ProviderAddress, counterpartyKey string) *domain.Conversation {
	now := time.Now()
	conv := &domain.Conversation{
		ID:                uuid.NewString(),
		WorkspaceID:       account.WorkspaceID,
		AccountID:         account.ID,
		Channel:           channel,
		ProviderThreadKey: msg.ProviderThreadID,
		CounterpartyKey:   counterpartyKey,
		SenderName:        other.Name,
		Status:            domain.ConversationStatusNew,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if channel == domain.ChannelLinkedIn {
		conv.SenderAttendeeID = other.AttendeeID
		conv.SenderLinkedInURL = other.LinkedInURL
	} else {
		conv.SenderEmail = strings.ToLower(strings.TrimSpace(other.Email))
		conv.Subject = msg.Subject
	}

	return conv
}
