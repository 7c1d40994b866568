// Package persistence provides database adapters implementing outbound ports.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"inbox_server/core/domain"
	"inbox_server/core/port/out"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

// =============================================================================
// Conversation Adapter (PostgreSQL)
// =============================================================================

// ConversationAdapter implements out.ConversationRepository using PostgreSQL.
type ConversationAdapter struct {
	db *sqlx.DB
}

// NewConversationAdapter creates a new ConversationAdapter.
func NewConversationAdapter(db *sqlx.DB) *ConversationAdapter {
	return &ConversationAdapter{db: db}
}

// =============================================================================
// Row mapping
// =============================================================================

const conversationColumns = `
	c.id, c.workspace_id, c.account_id, c.channel,
	c.provider_thread_key, c.counterparty_key,
	c.sender_name, c.sender_email, c.sender_linkedin_url, c.sender_attendee_id, c.subject,
	c.assigned_to, c.custom_stage_id, c.stage_assigned_at, c.status,
	c.is_read, c.is_favorite,
	c.last_message_at, c.preview, c.created_at, c.updated_at`

type conversationRow struct {
	ID          string `db:"id"`
	WorkspaceID string `db:"workspace_id"`
	AccountID   string `db:"account_id"`
	Channel     string `db:"channel"`

	ProviderThreadKey string `db:"provider_thread_key"`
	CounterpartyKey   string `db:"counterparty_key"`

	SenderName        sql.NullString `db:"sender_name"`
	SenderEmail       sql.NullString `db:"sender_email"`
	SenderLinkedInURL sql.NullString `db:"sender_linkedin_url"`
	SenderAttendeeID  sql.NullString `db:"sender_attendee_id"`
	Subject           sql.NullString `db:"subject"`

	AssignedTo      sql.NullString `db:"assigned_to"`
	CustomStageID   sql.NullString `db:"custom_stage_id"`
	StageAssignedAt sql.NullTime   `db:"stage_assigned_at"`
	Status          string         `db:"status"`

	IsRead     bool `db:"is_read"`
	IsFavorite bool `db:"is_favorite"`

	LastMessageAt sql.NullTime   `db:"last_message_at"`
	Preview       sql.NullString `db:"preview"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type conversationRowWithCount struct {
	conversationRow
	TotalCount int `db:"total_count"`
}

func (r *conversationRow) toDomain() *domain.Conversation {
	conv := &domain.Conversation{
		ID:                r.ID,
		WorkspaceID:       r.WorkspaceID,
		AccountID:         r.AccountID,
		Channel:           domain.Channel(r.Channel),
		ProviderThreadKey: r.ProviderThreadKey,
		CounterpartyKey:   r.CounterpartyKey,
		SenderName:        r.SenderName.String,
		SenderEmail:       r.SenderEmail.String,
		SenderLinkedInURL: r.SenderLinkedInURL.String,
		SenderAttendeeID:  r.SenderAttendeeID.String,
		Subject:           r.Subject.String,
		Status:            domain.ConversationStatus(r.Status),
		IsRead:            r.IsRead,
		IsFavorite:        r.IsFavorite,
		Preview:           r.Preview.String,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}

	if r.AssignedTo.Valid {
		conv.AssignedTo = &r.AssignedTo.String
	}
	if r.CustomStageID.Valid {
		conv.CustomStageID = &r.CustomStageID.String
	}
	if r.StageAssignedAt.Valid {
		t := r.StageAssignedAt.Time
		conv.StageAssignedAt = &t
	}
	if r.LastMessageAt.Valid {
		t := r.LastMessageAt.Time
		conv.LastMessageAt = &t
	}

	return conv
}

// =============================================================================
// Writes
// =============================================================================

// Create inserts a new conversation. The thread-identity unique
// constraint (workspace_id, channel, provider_thread_key,
// counterparty_key) maps to out.ErrConversationExists so the caller can
// re-read the winner after a concurrent insert.
func (a *ConversationAdapter) Create(ctx context.Context, conv *domain.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if conv.Status == "" {
		conv.Status = domain.ConversationStatusNew
	}

	query := `
		INSERT INTO conversations (
			id, workspace_id, account_id, channel,
			provider_thread_key, counterparty_key,
			sender_name, sender_email, sender_linkedin_url, sender_attendee_id, subject,
			assigned_to, custom_stage_id, stage_assigned_at, status,
			last_message_at, preview
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at, updated_at
	`

	err := a.db.QueryRowContext(ctx, query,
		conv.ID,
		conv.WorkspaceID,
		conv.AccountID,
		string(conv.Channel),
		conv.ProviderThreadKey,
		conv.CounterpartyKey,
		nullString(conv.SenderName),
		nullString(conv.SenderEmail),
		nullString(conv.SenderLinkedInURL),
		nullString(conv.SenderAttendeeID),
		nullString(conv.Subject),
		conv.AssignedTo,
		conv.CustomStageID,
		nullTimePtr(conv.StageAssignedAt),
		string(conv.Status),
		nullTimePtr(conv.LastMessageAt),
		nullString(conv.Preview),
	).Scan(&conv.CreatedAt, &conv.UpdatedAt)

	if isUniqueViolation(err) {
		return out.ErrConversationExists
	}
	return err
}

func (a *ConversationAdapter) GetByID(ctx context.Context, workspaceID, id string) (*domain.Conversation, error) {
	var row conversationRow
	query := fmt.Sprintf(`SELECT %s FROM conversations c WHERE c.workspace_id = $1 AND c.id = $2`, conversationColumns)
	if err := a.db.GetContext(ctx, &row, query, workspaceID, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return row.toDomain(), nil
}

// FindByThreadKey resolves by provider thread identity. An empty
// counterpartyKey matches the thread key alone. A non-empty key matches
// its sent-email partition, or an inbound-created conversation whose
// correspondent address equals the key, so an outbound reply joins the
// conversation its lead started. Exact partition matches win.
func (a *ConversationAdapter) FindByThreadKey(ctx context.Context, workspaceID string, channel domain.Channel, threadKey, counterpartyKey string) (*domain.Conversation, error) {
	var row conversationRow
	query := fmt.Sprintf(`
		SELECT %s FROM conversations c
		WHERE c.workspace_id = $1 AND c.channel = $2 AND c.provider_thread_key = $3
		  AND ($4 = '' OR c.counterparty_key = $4
		       OR (c.counterparty_key = '' AND LOWER(c.sender_email) = $4))
		ORDER BY (c.counterparty_key = $4) DESC, c.created_at ASC
		LIMIT 1`, conversationColumns)

	if err := a.db.GetContext(ctx, &row, query, workspaceID, string(channel), threadKey, counterpartyKey); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return row.toDomain(), nil
}

// FindLatestByCorrespondent returns the most recently active
// conversation with the same correspondent. Email keys compare
// case-insensitively; LinkedIn keys are attendee ids.
func (a *ConversationAdapter) FindLatestByCorrespondent(ctx context.Context, workspaceID string, channel domain.Channel, correspondentKey string) (*domain.Conversation, error) {
	var row conversationRow
	query := fmt.Sprintf(`
		SELECT %s FROM conversations c
		WHERE c.workspace_id = $1 AND c.channel = $2
		  AND (LOWER(c.sender_email) = $3 OR c.sender_attendee_id = $3)
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC
		LIMIT 1`, conversationColumns)

	if err := a.db.GetContext(ctx, &row, query, workspaceID, string(channel), strings.ToLower(correspondentKey)); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return row.toDomain(), nil
}

// TouchLastMessage refreshes the volatile last-message cache. The guard
// keeps the cache from moving backwards when an older message arrives
// out of order.
func (a *ConversationAdapter) TouchLastMessage(ctx context.Context, id string, at time.Time, preview string) error {
	query := `
		UPDATE conversations
		SET last_message_at = $2, preview = $3, updated_at = NOW()
		WHERE id = $1 AND (last_message_at IS NULL OR last_message_at <= $2)
	`
	_, err := a.db.ExecContext(ctx, query, id, at, nullString(preview))
	return err
}

// =============================================================================
// Listing
// =============================================================================

// List lists conversations with filters. Single query via
// COUNT(*) OVER() window function; per-viewer read/favorite filters
// resolve through a LEFT JOIN on the viewer's state rows.
func (a *ConversationAdapter) List(ctx context.Context, filter *domain.ConversationFilter) ([]*domain.Conversation, int, error) {
	if filter == nil {
		return nil, 0, errors.New("nil conversation filter")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	where, args := a.buildWhereClause(filter)
	argIdx := len(args) + 1

	join := ""
	if filter.ViewerID != "" {
		// $ positions for the join argument come before limit/offset.
		join = fmt.Sprintf(`LEFT JOIN conversation_user_states s
			ON s.conversation_id = c.id AND s.user_id = $%d`, argIdx)
		args = append(args, filter.ViewerID)
		argIdx++
	}

	query := fmt.Sprintf(`
		SELECT %s, COUNT(*) OVER() AS total_count
		FROM conversations c
		%s
		WHERE %s
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC
		LIMIT $%d OFFSET $%d`,
		conversationColumns, join, where, argIdx, argIdx+1)
	args = append(args, limit, filter.Offset)

	rows, err := a.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var conversations []*domain.Conversation
	var total int
	for rows.Next() {
		var row conversationRowWithCount
		if err := rows.StructScan(&row); err != nil {
			return nil, 0, err
		}
		conversations = append(conversations, row.toDomain())
		total = row.TotalCount
	}
	return conversations, total, rows.Err()
}

func (a *ConversationAdapter) buildWhereClause(filter *domain.ConversationFilter) (string, []interface{}) {
	conditions := []string{"c.workspace_id = $1"}
	args := []interface{}{filter.WorkspaceID}

	addCondition := func(cond string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if filter.Channel != "" {
		addCondition("c.channel = $%d", string(filter.Channel))
	}
	if filter.AccountID != "" {
		addCondition("c.account_id = $%d", filter.AccountID)
	}
	if filter.Status != "" {
		addCondition("c.status = $%d", string(filter.Status))
	}
	if filter.AssignedTo != nil {
		if *filter.AssignedTo == "" {
			conditions = append(conditions, "c.assigned_to IS NULL")
		} else {
			addCondition("c.assigned_to = $%d", *filter.AssignedTo)
		}
	}
	if filter.StageID != nil {
		if *filter.StageID == "" {
			conditions = append(conditions, "c.custom_stage_id IS NULL")
		} else {
			addCondition("c.custom_stage_id = $%d", *filter.StageID)
		}
	}
	if filter.Folder != "" {
		addCondition(`EXISTS (
			SELECT 1 FROM messages m
			WHERE m.conversation_id = c.id AND m.provider_folder = $%d)`, filter.Folder)
	}
	if filter.Search != "" {
		pattern := "%" + filter.Search + "%"
		addCondition(`(c.sender_name ILIKE $%[1]d OR c.sender_email ILIKE $%[1]d
			OR c.subject ILIKE $%[1]d OR c.preview ILIKE $%[1]d)`, pattern)
	}

	// Viewer-aware flags: the per-user row wins, the legacy column is
	// the fallback. Without a viewer the legacy column decides.
	if filter.UnreadOnly {
		if filter.ViewerID != "" {
			conditions = append(conditions, "COALESCE(s.is_read, c.is_read) = false")
		} else {
			conditions = append(conditions, "c.is_read = false")
		}
	}
	if filter.FavoriteOnly {
		if filter.ViewerID != "" {
			conditions = append(conditions, "COALESCE(s.is_favorite, c.is_favorite) = true")
		} else {
			conditions = append(conditions, "c.is_favorite = true")
		}
	}

	return strings.Join(conditions, " AND "), args
}

// =============================================================================
// CRM-state updates
// =============================================================================

func (a *ConversationAdapter) UpdateAssignment(ctx context.Context, workspaceID, id string, assignedTo *string) error {
	query := `UPDATE conversations SET assigned_to = $3, updated_at = NOW() WHERE workspace_id = $1 AND id = $2`
	return a.execExpectingRow(ctx, query, workspaceID, id, assignedTo)
}

func (a *ConversationAdapter) UpdateStage(ctx context.Context, workspaceID, id string, stageID *string, assignedAt time.Time) error {
	query := `
		UPDATE conversations
		SET custom_stage_id = $3, stage_assigned_at = $4, updated_at = NOW()
		WHERE workspace_id = $1 AND id = $2
	`
	return a.execExpectingRow(ctx, query, workspaceID, id, stageID, assignedAt)
}

func (a *ConversationAdapter) UpdateStatus(ctx context.Context, workspaceID, id string, status domain.ConversationStatus) error {
	query := `UPDATE conversations SET status = $3, updated_at = NOW() WHERE workspace_id = $1 AND id = $2`
	return a.execExpectingRow(ctx, query, workspaceID, id, string(status))
}

func (a *ConversationAdapter) UpdateLegacyRead(ctx context.Context, workspaceID, id string, isRead bool) error {
	query := `UPDATE conversations SET is_read = $3, updated_at = NOW() WHERE workspace_id = $1 AND id = $2`
	return a.execExpectingRow(ctx, query, workspaceID, id, isRead)
}

func (a *ConversationAdapter) UpdateLegacyFavorite(ctx context.Context, workspaceID, id string, isFavorite bool) error {
	query := `UPDATE conversations SET is_favorite = $3, updated_at = NOW() WHERE workspace_id = $1 AND id = $2`
	return a.execExpectingRow(ctx, query, workspaceID, id, isFavorite)
}

// Delete removes the conversation; messages and per-user state rows go
// with it through ON DELETE CASCADE.
func (a *ConversationAdapter) Delete(ctx context.Context, workspaceID, id string) error {
	query := `DELETE FROM conversations WHERE workspace_id = $1 AND id = $2`
	return a.execExpectingRow(ctx, query, workspaceID, id)
}

func (a *ConversationAdapter) execExpectingRow(ctx context.Context, query string, args ...interface{}) error {
	result, err := a.db.ExecContext(ctx, query, args...)
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

// =============================================================================
// Shared helpers
// =============================================================================

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullTimePtr(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

var _ out.ConversationRepository = (*ConversationAdapter)(nil)
