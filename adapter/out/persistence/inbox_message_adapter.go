package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"inbox_server/core/domain"
	"inbox_server/core/port/out"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// =============================================================================
// Message Adapter (PostgreSQL)
// =============================================================================

// MessageAdapter implements out.MessageRepository using PostgreSQL.
type MessageAdapter struct {
	db *sqlx.DB
}

// NewMessageAdapter creates a new MessageAdapter.
func NewMessageAdapter(db *sqlx.DB) *MessageAdapter {
	return &MessageAdapter{db: db}
}

const messageColumns = `
	m.id, m.conversation_id, m.workspace_id, m.account_id,
	m.provider_message_id, m.provider_thread_id,
	m.sender_name, m.sender_email, m.sender_attendee_id,
	m.content, m.is_from_lead, m.provider_folder,
	m.created_at, m.body_fetched_at`

type messageRow struct {
	ID             string `db:"id"`
	ConversationID string `db:"conversation_id"`
	WorkspaceID    string `db:"workspace_id"`
	AccountID      string `db:"account_id"`

	ProviderMessageID string         `db:"provider_message_id"`
	ProviderThreadID  sql.NullString `db:"provider_thread_id"`

	SenderName       sql.NullString `db:"sender_name"`
	SenderEmail      sql.NullString `db:"sender_email"`
	SenderAttendeeID sql.NullString `db:"sender_attendee_id"`

	Content        sql.NullString `db:"content"`
	IsFromLead     bool           `db:"is_from_lead"`
	ProviderFolder sql.NullString `db:"provider_folder"`

	CreatedAt     time.Time    `db:"created_at"`
	BodyFetchedAt sql.NullTime `db:"body_fetched_at"`
}

func (r *messageRow) toDomain() *domain.Message {
	msg := &domain.Message{
		ID:                r.ID,
		ConversationID:    r.ConversationID,
		WorkspaceID:       r.WorkspaceID,
		AccountID:         r.AccountID,
		ProviderMessageID: r.ProviderMessageID,
		ProviderThreadID:  r.ProviderThreadID.String,
		SenderName:        r.SenderName.String,
		SenderEmail:       r.SenderEmail.String,
		SenderAttendeeID:  r.SenderAttendeeID.String,
		Content:           r.Content.String,
		IsFromLead:        r.IsFromLead,
		ProviderFolder:    r.ProviderFolder.String,
		CreatedAt:         r.CreatedAt,
	}
	if r.BodyFetchedAt.Valid {
		t := r.BodyFetchedAt.Time
		msg.BodyFetchedAt = &t
	}
	return msg
}

// =============================================================================
// CRUD
// =============================================================================

func (a *MessageAdapter) Create(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	query := `
		INSERT INTO messages (
			id, conversation_id, workspace_id, account_id,
			provider_message_id, provider_thread_id,
			sender_name, sender_email, sender_attendee_id,
			content, is_from_lead, provider_folder, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := a.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.WorkspaceID,
		msg.AccountID,
		msg.ProviderMessageID,
		nullString(msg.ProviderThreadID),
		nullString(msg.SenderName),
		nullString(msg.SenderEmail),
		nullString(msg.SenderAttendeeID),
		nullString(msg.Content),
		msg.IsFromLead,
		nullString(msg.ProviderFolder),
		msg.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (a *MessageAdapter) GetByID(ctx context.Context, workspaceID, id string) (*domain.Message, error) {
	var row messageRow
	query := fmt.Sprintf(`SELECT %s FROM messages m WHERE m.workspace_id = $1 AND m.id = $2`, messageColumns)
	if err := a.db.GetContext(ctx, &row, query, workspaceID, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return row.toDomain(), nil
}

// ExistsByProviderID is the idempotency probe on the
// (workspace_id, provider_message_id) unique key.
func (a *MessageAdapter) ExistsByProviderID(ctx context.Context, workspaceID, providerMessageID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM messages WHERE workspace_id = $1 AND provider_message_id = $2)`
	if err := a.db.GetContext(ctx, &exists, query, workspaceID, providerMessageID); err != nil {
		return false, err
	}
	return exists, nil
}

// FilterExistingProviderIDs returns the subset of the given provider
// ids already stored, so a whole page can be deduplicated in one query.
func (a *MessageAdapter) FilterExistingProviderIDs(ctx context.Context, workspaceID string, providerMessageIDs []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(providerMessageIDs))
	if len(providerMessageIDs) == 0 {
		return existing, nil
	}

	query := `SELECT provider_message_id FROM messages WHERE workspace_id = $1 AND provider_message_id = ANY($2)`
	rows, err := a.db.QueryxContext(ctx, query, workspaceID, pq.Array(providerMessageIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

// ListByConversation returns messages oldest first, the order a
// conversation view renders them in.
func (a *MessageAdapter) ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]*domain.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var rows []messageRow
	query := fmt.Sprintf(`
		SELECT %s FROM messages m
		WHERE m.conversation_id = $1
		ORDER BY m.created_at ASC
		LIMIT $2 OFFSET $3`, messageColumns)
	if err := a.db.SelectContext(ctx, &rows, query, conversationID, limit, offset); err != nil {
		return nil, err
	}

	messages := make([]*domain.Message, len(rows))
	for i := range rows {
		messages[i] = rows[i].toDomain()
	}
	return messages, nil
}

// ListRecentByConversation returns the newest messages first. The
// work-queue flags derive from this window; the oldest-first order
// would pin the window to ancient history on long conversations.
func (a *MessageAdapter) ListRecentByConversation(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var rows []messageRow
	query := fmt.Sprintf(`
		SELECT %s FROM messages m
		WHERE m.conversation_id = $1
		ORDER BY m.created_at DESC
		LIMIT $2`, messageColumns)
	if err := a.db.SelectContext(ctx, &rows, query, conversationID, limit); err != nil {
		return nil, err
	}

	messages := make([]*domain.Message, len(rows))
	for i := range rows {
		messages[i] = rows[i].toDomain()
	}
	return messages, nil
}

// MarkBodyFetched stamps the lazy-fetch attempt. Failed fetches stamp
// too, which is what stops refetch loops.
func (a *MessageAdapter) MarkBodyFetched(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE messages SET body_fetched_at = $2 WHERE id = $1`
	_, err := a.db.ExecContext(ctx, query, id, at)
	return err
}

var _ out.MessageRepository = (*MessageAdapter)(nil)
