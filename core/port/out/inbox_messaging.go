package out

import (
	"context"
	"time"

	"inbox_server/core/domain"
)

// =============================================================================
// Job queue producer (Redis Streams)
// =============================================================================

// JobProducer publishes background jobs to the stream queue.
type JobProducer interface {
	// PublishSync enqueues a full or incremental account sync.
	PublishSync(ctx context.Context, job *domain.SyncJob) error

	// PublishWebhookMessage enqueues single-message ingestion for a
	// verified webhook event.
	PublishWebhookMessage(ctx context.Context, job *domain.SyncJob) error

	// Sync status mirror in Redis for cheap polling. The Postgres row
	// stays authoritative.
	SetSyncStatus(ctx context.Context, accountID string, status *SyncStatusSnapshot) error
	GetSyncStatus(ctx context.Context, accountID string) (*SyncStatusSnapshot, error)
}

// SyncStatusSnapshot is the Redis-cached view of a sync run.
type SyncStatusSnapshot struct {
	Status       domain.SyncStatus `json:"status"`
	Progress     string            `json:"progress,omitempty"`
	Error        string            `json:"error,omitempty"`
	LastSyncedAt time.Time         `json:"last_synced_at,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// =============================================================================
// Coordination primitives (Redis)
// =============================================================================

// SyncLocker serializes syncs per account. Overlapping syncs of the
// same account are the thread-creation race window, so a run starts
// only when the lock is acquired.
type SyncLocker interface {
	// AcquireSyncLock returns false when a sync already holds the lock.
	AcquireSyncLock(ctx context.Context, accountID string, ttl time.Duration) (bool, error)
	ReleaseSyncLock(ctx context.Context, accountID string) error
}

// WebhookDeduper drops webhook deliveries already processed.
type WebhookDeduper interface {
	// MarkEventProcessed returns false when the event id was seen before.
	MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
}
