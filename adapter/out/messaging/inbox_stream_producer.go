// Package messaging provides Redis Stream queue adapters.
package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"inbox_server/core/domain"
	"inbox_server/core/port/out"

	"github.com/redis/go-redis/v9"
)

// Stream names
const (
	StreamInboxSync    = "inbox:sync"
	StreamInboxWebhook = "inbox:webhook"
)

const (
	syncStatusKeyPrefix  = "inbox:sync:status:"
	syncStatusTTL        = 24 * time.Hour
	syncLockKeyPrefix    = "inbox:sync:lock:"
	webhookSeenKeyPrefix = "inbox:webhook:seen:"
)

// RedisProducer implements out.JobProducer plus the Redis coordination
// primitives (sync lock, webhook dedup, status mirror).
type RedisProducer struct {
	client *redis.Client
}

// NewRedisProducer creates a new RedisProducer.
func NewRedisProducer(client *redis.Client) *RedisProducer {
	return &RedisProducer{client: client}
}

// PublishSync enqueues a full or incremental account sync.
func (p *RedisProducer) PublishSync(ctx context.Context, job *domain.SyncJob) error {
	return p.publish(ctx, StreamInboxSync, job)
}

// PublishWebhookMessage enqueues single-message ingestion from a
// verified webhook delivery.
func (p *RedisProducer) PublishWebhookMessage(ctx context.Context, job *domain.SyncJob) error {
	return p.publish(ctx, StreamInboxWebhook, job)
}

func (p *RedisProducer) publish(ctx context.Context, stream string, job *domain.SyncJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}

// =============================================================================
// Sync Status Mirror (Redis Hash)
// =============================================================================

// SetSyncStatus stores the cheap-to-poll status copy. The Postgres row
// stays authoritative.
func (p *RedisProducer) SetSyncStatus(ctx context.Context, accountID string, status *out.SyncStatusSnapshot) error {
	key := syncStatusKeyPrefix + accountID

	err := p.client.HSet(ctx, key,
		"status", string(status.Status),
		"progress", status.Progress,
		"error", status.Error,
		"last_synced_at", formatTime(status.LastSyncedAt),
		"updated_at", formatTime(status.UpdatedAt),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to set sync status: %w", err)
	}

	p.client.Expire(ctx, key, syncStatusTTL)
	return nil
}

// GetSyncStatus retrieves the mirrored status. Returns nil when no run
// has touched the account within the TTL.
func (p *RedisProducer) GetSyncStatus(ctx context.Context, accountID string) (*out.SyncStatusSnapshot, error) {
	key := syncStatusKeyPrefix + accountID

	result, err := p.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get sync status: %w", err)
	}
	if len(result) == 0 {
		return nil, nil
	}

	return &out.SyncStatusSnapshot{
		Status:       domain.SyncStatus(result["status"]),
		Progress:     result["progress"],
		Error:        result["error"],
		LastSyncedAt: parseTime(result["last_synced_at"]),
		UpdatedAt:    parseTime(result["updated_at"]),
	}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// =============================================================================
// Sync Lock (SET NX)
// =============================================================================

// AcquireSyncLock takes the per-account sync lock. Returns false when
// another run holds it; the caller skips silently.
func (p *RedisProducer) AcquireSyncLock(ctx context.Context, accountID string, ttl time.Duration) (bool, error) {
	return p.client.SetNX(ctx, syncLockKeyPrefix+accountID, "1", ttl).Result()
}

// ReleaseSyncLock drops the per-account sync lock.
func (p *RedisProducer) ReleaseSyncLock(ctx context.Context, accountID string) error {
	return p.client.Del(ctx, syncLockKeyPrefix+accountID).Err()
}

// =============================================================================
// Webhook Dedup (SET NX)
// =============================================================================

// MarkEventProcessed records a webhook event id. Returns false when the
// delivery was seen before, so redeliveries drop out.
func (p *RedisProducer) MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	return p.client.SetNX(ctx, webhookSeenKeyPrefix+eventID, "1", ttl).Result()
}

var _ out.JobProducer = (*RedisProducer)(nil)
var _ out.SyncLocker = (*RedisProducer)(nil)
var _ out.WebhookDeduper = (*RedisProducer)(nil)
