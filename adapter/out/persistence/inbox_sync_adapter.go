package persistence

import (
	"context"
	"database/sql"
	"time"

	"inbox_server/core/domain"
	"inbox_server/core/port/out"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// Sync State Adapter (PostgreSQL)
// =============================================================================

// SyncAdapter implements out.SyncStateRepository. One row per
// (workspace, account), overwritten at the boundaries of each run.
type SyncAdapter struct {
	db *sqlx.DB
}

// NewSyncAdapter creates a new SyncAdapter.
func NewSyncAdapter(db *sqlx.DB) *SyncAdapter {
	return &SyncAdapter{db: db}
}

type syncRow struct {
	ID          int64  `db:"id"`
	WorkspaceID string `db:"workspace_id"`
	AccountID   string `db:"account_id"`
	Provider    string `db:"provider"`

	Status    string         `db:"status"`
	SyncError sql.NullString `db:"sync_error"`

	LastSyncedAt sql.NullTime `db:"last_synced_at"`

	RetryCount  int          `db:"retry_count"`
	MaxRetries  int          `db:"max_retries"`
	NextRetryAt sql.NullTime `db:"next_retry_at"`
	FailedAt    sql.NullTime `db:"failed_at"`

	TotalSynced   int64        `db:"total_synced"`
	LastSyncCount int          `db:"last_sync_count"`
	LastSyncAt    sql.NullTime `db:"last_sync_at"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *syncRow) toDomain() *domain.SyncState {
	state := &domain.SyncState{
		ID:            r.ID,
		WorkspaceID:   r.WorkspaceID,
		AccountID:     r.AccountID,
		Provider:      domain.Provider(r.Provider),
		Status:        domain.SyncStatus(r.Status),
		SyncError:     r.SyncError.String,
		RetryCount:    r.RetryCount,
		MaxRetries:    r.MaxRetries,
		TotalSynced:   r.TotalSynced,
		LastSyncCount: r.LastSyncCount,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}

	if r.LastSyncedAt.Valid {
		state.LastSyncedAt = r.LastSyncedAt.Time
	}
	if r.NextRetryAt.Valid {
		state.NextRetryAt = r.NextRetryAt.Time
	}
	if r.FailedAt.Valid {
		state.FailedAt = r.FailedAt.Time
	}
	if r.LastSyncAt.Valid {
		state.LastSyncAt = r.LastSyncAt.Time
	}

	return state
}

// =============================================================================
// CRUD
// =============================================================================

// GetOrCreate returns the account's sync row, inserting a fresh pending
// row on first contact. Safe under concurrent callers through the
// (workspace_id, account_id) unique constraint.
func (a *SyncAdapter) GetOrCreate(ctx context.Context, workspaceID, accountID string, provider domain.Provider) (*domain.SyncState, error) {
	state, err := a.Get(ctx, workspaceID, accountID)
	if err != nil {
		return nil, err
	}
	if state != nil {
		return state, nil
	}

	insert := `
		INSERT INTO sync_states (workspace_id, account_id, provider, status, max_retries)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workspace_id, account_id) DO NOTHING
	`
	if _, err := a.db.ExecContext(ctx, insert, workspaceID, accountID, string(provider), string(domain.SyncStatusPending), 5); err != nil {
		return nil, err
	}

	// Re-read regardless of who won the insert.
	state, err = a.Get(ctx, workspaceID, accountID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, ErrNotFound
	}
	return state, nil
}

func (a *SyncAdapter) Get(ctx context.Context, workspaceID, accountID string) (*domain.SyncState, error) {
	var row syncRow
	query := `SELECT * FROM sync_states WHERE workspace_id = $1 AND account_id = $2`
	if err := a.db.GetContext(ctx, &row, query, workspaceID, accountID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return row.toDomain(), nil
}

func (a *SyncAdapter) Update(ctx context.Context, state *domain.SyncState) error {
	query := `
		UPDATE sync_states SET
			status = $1,
			sync_error = $2,
			last_synced_at = $3,
			retry_count = $4,
			max_retries = $5,
			next_retry_at = $6,
			failed_at = $7,
			total_synced = $8,
			last_sync_count = $9,
			last_sync_at = $10,
			updated_at = NOW()
		WHERE id = $11
	`

	result, err := a.db.ExecContext(ctx, query,
		string(state.Status),
		nullString(state.SyncError),
		nullTime(state.LastSyncedAt),
		state.RetryCount,
		state.MaxRetries,
		nullTime(state.NextRetryAt),
		nullTime(state.FailedAt),
		state.TotalSynced,
		state.LastSyncCount,
		nullTime(state.LastSyncAt),
		state.ID,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (a *SyncAdapter) SetStatus(ctx context.Context, workspaceID, accountID string, status domain.SyncStatus, syncError string) error {
	query := `
		UPDATE sync_states
		SET status = $3, sync_error = $4, updated_at = NOW()
		WHERE workspace_id = $1 AND account_id = $2
	`
	_, err := a.db.ExecContext(ctx, query, workspaceID, accountID, string(status), nullString(syncError))
	return err
}

// ListDueRetries returns error states whose scheduled retry has come
// due, for the retry scanner to re-enqueue.
func (a *SyncAdapter) ListDueRetries(ctx context.Context, limit int) ([]*domain.SyncState, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []syncRow
	query := `
		SELECT * FROM sync_states
		WHERE status = $1
		  AND next_retry_at IS NOT NULL AND next_retry_at <= NOW()
		  AND retry_count < max_retries
		ORDER BY next_retry_at ASC
		LIMIT $2
	`
	if err := a.db.SelectContext(ctx, &rows, query, string(domain.SyncStatusError), limit); err != nil {
		return nil, err
	}

	states := make([]*domain.SyncState, len(rows))
	for i := range rows {
		states[i] = rows[i].toDomain()
	}
	return states, nil
}

var _ out.SyncStateRepository = (*SyncAdapter)(nil)
