package http

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"inbox_server/core/domain"
	"inbox_server/core/port/out"
	"inbox_server/pkg/crypto"
	"inbox_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// =============================================================================
// Webhook Handler - aggregator push deliveries
// =============================================================================

const webhookDedupTTL = 5 * time.Minute

// WebhookMetrics counts webhook outcomes.
type WebhookMetrics struct {
	Processed  int64
	Duplicates int64
	Rejected   int64
	Errors     int64
}

// WebhookHandler receives LinkedIn aggregator deliveries. Verification
// failures return 401; everything past verification returns 200 so the
// aggregator stops redelivering.
type WebhookHandler struct {
	accountRepo out.AccountRepository
	producer    out.JobProducer
	deduper     out.WebhookDeduper
	realtime    out.RealtimePort
	secret      string
	metrics     WebhookMetrics
}

// NewWebhookHandler creates a new WebhookHandler. An empty secret
// disables signature verification.
func NewWebhookHandler(
	accountRepo out.AccountRepository,
	producer out.JobProducer,
	deduper out.WebhookDeduper,
	realtime out.RealtimePort,
	secret string,
) *WebhookHandler {
	if secret == "" {
		logger.Warn("Webhook signature verification disabled: no secret configured")
	}
	return &WebhookHandler{
		accountRepo: accountRepo,
		producer:    producer,
		deduper:     deduper,
		realtime:    realtime,
		secret:      secret,
	}
}

// GetMetrics returns webhook counters.
func (h *WebhookHandler) GetMetrics() WebhookMetrics {
	return WebhookMetrics{
		Processed:  atomic.LoadInt64(&h.metrics.Processed),
		Duplicates: atomic.LoadInt64(&h.metrics.Duplicates),
		Rejected:   atomic.LoadInt64(&h.metrics.Rejected),
		Errors:     atomic.LoadInt64(&h.metrics.Errors),
	}
}

// Register registers webhook routes. These sit outside the
// authenticated API group; the HMAC signature is the authentication.
func (h *WebhookHandler) Register(app *fiber.App) {
	app.Post("/webhooks/linkedin", h.LinkedInWebhook)
	app.Post("/api/v1/webhooks/linkedin", h.LinkedInWebhook)
}

// =============================================================================
// Payloads
// =============================================================================

type linkedinWebhookEvent struct {
	EventID   string                  `json:"event_id"`
	Event     string                  `json:"event"`
	AccountID string                  `json:"account_id"` // aggregator-side id
	Message   *linkedinWebhookMessage `json:"message,omitempty"`
}

type linkedinWebhookMessage struct {
	ID               string `json:"id"`
	ChatID           string `json:"chat_id"`
	SenderAttendeeID string `json:"sender_attendee_id"`
	SenderName       string `json:"sender_name"`
	SenderProfileURL string `json:"sender_profile_url"`
	Text             string `json:"text"`
	Timestamp        int64  `json:"timestamp"` // unix millis
	IsSender         bool   `json:"is_sender"`
}

// webhookMessagePayload is what goes onto the webhook stream for the
// worker's single-message ingestion.
type webhookMessagePayload struct {
	ProviderMessageID string `json:"provider_message_id"`
	ProviderThreadID  string `json:"provider_thread_id"`
	SenderName        string `json:"sender_name,omitempty"`
	SenderAttendeeID  string `json:"sender_attendee_id,omitempty"`
	SenderLinkedInURL string `json:"sender_linkedin_url,omitempty"`
	Snippet           string `json:"snippet,omitempty"`
	Timestamp         int64  `json:"timestamp"`
	IsSender          bool   `json:"is_sender"`
}

// =============================================================================
// LinkedIn webhook
// =============================================================================

func (h *WebhookHandler) LinkedInWebhook(c *fiber.Ctx) error {
	body := c.Body()

	if h.secret != "" {
		signature := c.Get("X-Webhook-Signature")
		if !crypto.VerifySignature(h.secret, body, signature) {
			atomic.AddInt64(&h.metrics.Rejected, 1)
			logger.Warn("Webhook rejected: bad signature")
			return ErrorResponse(c, 401, "invalid signature")
		}
	}

	var event linkedinWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		atomic.AddInt64(&h.metrics.Errors, 1)
		return ErrorResponse(c, 400, "invalid payload")
	}

	// Dedup before any side effect; redeliveries ack silently.
	eventID := event.EventID
	if eventID == "" && event.Message != nil {
		eventID = event.Message.ID
	}
	if eventID != "" {
		fresh, err := h.deduper.MarkEventProcessed(c.Context(), eventID, webhookDedupTTL)
		if err != nil {
			logger.Warn("Webhook dedup check failed, processing anyway: %v", err)
		} else if !fresh {
			atomic.AddInt64(&h.metrics.Duplicates, 1)
			return SuccessResponse(c, fiber.Map{"duplicate": true})
		}
	}

	account, err := h.accountRepo.GetByExternalID(c.Context(), domain.ProviderLinkedIn, event.AccountID)
	if err != nil {
		atomic.AddInt64(&h.metrics.Errors, 1)
		logger.Error("Webhook account lookup failed: %v", err)
		// 200 anyway, redelivery will not fix a lookup failure.
		return SuccessResponse(c, fiber.Map{"accepted": false})
	}
	if account == nil {
		logger.Warn("Webhook for unknown aggregator account %s", event.AccountID)
		return SuccessResponse(c, fiber.Map{"accepted": false})
	}

	switch event.Event {
	case "message_received", "message.received":
		return h.handleMessage(c, account, event.Message)
	case "account_disconnected", "account.disconnected":
		return h.handleDisconnect(c, account)
	default:
		logger.Debug("Ignoring webhook event type %s", event.Event)
		return SuccessResponse(c, fiber.Map{"accepted": false})
	}
}

func (h *WebhookHandler) handleMessage(c *fiber.Ctx, account *domain.ChannelAccount, msg *linkedinWebhookMessage) error {
	if msg == nil {
		return ErrorResponse(c, 400, "message event without message")
	}

	payload, err := json.Marshal(&webhookMessagePayload{
		ProviderMessageID: msg.ID,
		ProviderThreadID:  msg.ChatID,
		SenderName:        msg.SenderName,
		SenderAttendeeID:  msg.SenderAttendeeID,
		SenderLinkedInURL: msg.SenderProfileURL,
		Snippet:           msg.Text,
		Timestamp:         msg.Timestamp,
		IsSender:          msg.IsSender,
	})
	if err != nil {
		atomic.AddInt64(&h.metrics.Errors, 1)
		return InternalErrorResponse(c, err, "marshal webhook payload")
	}

	job := &domain.SyncJob{
		ID:          uuid.New().String(),
		Type:        domain.JobWebhookMessage,
		WorkspaceID: account.WorkspaceID,
		AccountID:   account.ID,
		Priority:    domain.PriorityHigh,
		Payload:     payload,
		CreatedAt:   time.Now(),
	}
	if err := h.producer.PublishWebhookMessage(c.Context(), job); err != nil {
		atomic.AddInt64(&h.metrics.Errors, 1)
		return InternalErrorResponse(c, err, "enqueue webhook message")
	}

	atomic.AddInt64(&h.metrics.Processed, 1)
	return SuccessResponse(c, fiber.Map{"accepted": true})
}

func (h *WebhookHandler) handleDisconnect(c *fiber.Ctx, account *domain.ChannelAccount) error {
	if err := h.accountRepo.Deactivate(c.Context(), account.ID); err != nil {
		atomic.AddInt64(&h.metrics.Errors, 1)
		return InternalErrorResponse(c, err, "deactivate account")
	}

	pushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.realtime.Push(pushCtx, account.UserID, &domain.RealtimeEvent{
		Type: domain.EventAccountDisconnected,
		Data: fiber.Map{
			"account_id": account.ID,
			"provider":   string(account.Provider),
		},
		Timestamp: time.Now(),
	})

	atomic.AddInt64(&h.metrics.Processed, 1)
	logger.Info("Account %s marked disconnected via webhook", account.ID)
	return SuccessResponse(c, fiber.Map{"accepted": true})
}
