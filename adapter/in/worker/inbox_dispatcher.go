package worker

import (
	"context"
	"fmt"

	"inbox_server/core/domain"
	"inbox_server/core/port/in"
	"inbox_server/core/port/out"

	"github.com/rs/zerolog"
)

// Handler dispatches pool messages to the sync service by job type.
type Handler struct {
	syncService in.SyncService
	accounts    out.AccountRepository
	log         zerolog.Logger
}

// NewHandler creates a job handler.
func NewHandler(syncService in.SyncService, accounts out.AccountRepository, log zerolog.Logger) *Handler {
	return &Handler{
		syncService: syncService,
		accounts:    accounts,
		log:         log.With().Str("component", "job_handler").Logger(),
	}
}

// Process routes one message to its processor.
func (h *Handler) Process(ctx context.Context, msg *Message) error {
	h.log.Debug().
		Str("job_id", msg.ID).
		Str("job_type", string(msg.Type)).
		Str("account_id", msg.AccountID).
		Msg("processing job")

	switch msg.Type {
	case domain.JobSyncInitial, domain.JobSyncIncremental:
		return h.processSync(ctx, msg)
	case domain.JobWebhookMessage:
		return h.processWebhookMessage(ctx, msg)
	default:
		// Unknown types are dropped, not retried.
		h.log.Warn().Str("job_type", string(msg.Type)).Msg("unknown job type, skipping")
		return nil
	}
}

func (h *Handler) processSync(ctx context.Context, msg *Message) error {
	if msg.WorkspaceID == "" || msg.AccountID == "" {
		return fmt.Errorf("sync job %s missing workspace or account id", msg.ID)
	}
	return h.syncService.RunSync(ctx, msg.WorkspaceID, msg.AccountID)
}

// webhookMessage mirrors the payload the webhook receiver publishes.
type webhookMessage struct {
	ProviderMessageID string `json:"provider_message_id"`
	ProviderThreadID  string `json:"provider_thread_id"`
	SenderName        string `json:"sender_name,omitempty"`
	SenderAttendeeID  string `json:"sender_attendee_id,omitempty"`
	SenderLinkedInURL string `json:"sender_linkedin_url,omitempty"`
	Snippet           string `json:"snippet,omitempty"`
	Timestamp         int64  `json:"timestamp"`
	IsSender          bool   `json:"is_sender"`
}

func (h *Handler) processWebhookMessage(ctx context.Context, msg *Message) error {
	payload, err := ParsePayload[webhookMessage](msg)
	if err != nil {
		return fmt.Errorf("decode webhook payload: %w", err)
	}

	account, err := h.accounts.GetByID(ctx, msg.WorkspaceID, msg.AccountID)
	if err != nil {
		return fmt.Errorf("load account %s: %w", msg.AccountID, err)
	}
	if account == nil {
		// Account was removed between enqueue and processing. Nothing to do.
		h.log.Warn().Str("account_id", msg.AccountID).Msg("webhook job for unknown account, skipping")
		return nil
	}

	return h.syncService.IngestSingle(ctx, account, &in.SingleMessage{
		ProviderMessageID: payload.ProviderMessageID,
		ProviderThreadID:  payload.ProviderThreadID,
		SenderName:        payload.SenderName,
		SenderAttendeeID:  payload.SenderAttendeeID,
		SenderLinkedInURL: payload.SenderLinkedInURL,
		Snippet:           payload.Snippet,
		Timestamp:         payload.Timestamp,
		IsSender:          payload.IsSender,
	})
}
