package domain

import (
	"time"

	"github.com/goccy/go-json"
)

// =============================================================================
// Sync status
// =============================================================================

type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "pending"     // run queued, not started
	SyncStatusInProgress SyncStatus = "in_progress" // run active
	SyncStatusCompleted  SyncStatus = "completed"   // run finished, watermark advanced
	SyncStatusError      SyncStatus = "error"       // run failed
)

// SyncState is the per-account sync record: one row per
// (workspace_id, account_id), overwritten at the start of each run.
type SyncState struct {
	ID          int64    `json:"id"`
	WorkspaceID string   `json:"workspace_id"`
	AccountID   string   `json:"account_id"`
	Provider    Provider `json:"provider"`

	Status SyncStatus `json:"status"`

	// SyncError carries the failure message in the error state and
	// JSON-encoded progress counters while in_progress. Overloaded on
	// purpose; there is no separate progress column.
	SyncError string `json:"sync_error,omitempty"`

	// LastSyncedAt is the incremental watermark. It advances to "now"
	// on completion, not to the last message timestamp.
	LastSyncedAt time.Time `json:"last_synced_at,omitempty"`

	// Retry bookkeeping for retryable failures
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
	FailedAt    time.Time `json:"failed_at,omitempty"`

	// Stats
	TotalSynced   int64     `json:"total_synced"`
	LastSyncCount int       `json:"last_sync_count"`
	LastSyncAt    time.Time `json:"last_sync_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsFirstSync reports whether the account has no watermark yet.
func (s *SyncState) IsFirstSync() bool {
	return s.LastSyncedAt.IsZero()
}

// CanRetry reports whether another retry attempt is allowed.
func (s *SyncState) CanRetry() bool {
	return s.RetryCount < s.MaxRetries
}

// NeedsRetry reports whether a scheduled retry is due.
func (s *SyncState) NeedsRetry() bool {
	if s.Status != SyncStatusError {
		return false
	}
	return !s.NextRetryAt.IsZero() && time.Now().After(s.NextRetryAt)
}

// =============================================================================
// Sync progress - packed into SyncState.SyncError while in_progress
// =============================================================================

type SyncProgress struct {
	Folder        string `json:"folder,omitempty"`
	FoldersDone   int    `json:"folders_done"`
	FoldersTotal  int    `json:"folders_total"`
	PagesFetched  int    `json:"pages_fetched"`
	MessagesSeen  int    `json:"messages_seen"`
	MessagesSaved int    `json:"messages_saved"`
	Errors        int    `json:"errors"`
}

// Encode marshals the progress counters for the overloaded error field.
func (p *SyncProgress) Encode() string {
	data, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(data)
}

// ParseSyncProgress decodes progress counters from the error field.
// Returns nil when the field holds a plain error message.
func ParseSyncProgress(s string) *SyncProgress {
	if s == "" || s[0] != '{' {
		return nil
	}
	var p SyncProgress
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil
	}
	return &p
}

// =============================================================================
// SyncJob - published to the Redis Stream job queue
// =============================================================================

type SyncJob struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	WorkspaceID string          `json:"workspace_id"`
	AccountID   string          `json:"account_id"`
	Priority    Priority        `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RetryCount  int             `json:"retry_count"`
	CreatedAt   time.Time       `json:"created_at"`
}

type JobType string

const (
	JobSyncInitial     JobType = "sync.initial"
	JobSyncIncremental JobType = "sync.incremental"
	JobWebhookMessage  JobType = "webhook.message"
)

type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// =============================================================================
// Retry strategy
// =============================================================================

// RetryDelays is the backoff table for retryable sync failures.
var RetryDelays = []time.Duration{
	30 * time.Second,
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
}

// GetRetryDelay returns the wait before the given retry attempt.
func GetRetryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(RetryDelays) {
		return RetryDelays[len(RetryDelays)-1]
	}
	return RetryDelays[retryCount]
}
