package persistence

import (
	"context"
	"database/sql"
	"time"

	"inbox_server/core/domain"
	"inbox_server/core/port/out"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// =============================================================================
// User Conversation State Adapter (PostgreSQL)
// =============================================================================

// UserStateAdapter implements out.UserStateRepository. One row per
// (conversation, user); absence of a row means the viewer inherits the
// legacy per-conversation flags.
type UserStateAdapter struct {
	db *sqlx.DB
}

// NewUserStateAdapter creates a new UserStateAdapter.
func NewUserStateAdapter(db *sqlx.DB) *UserStateAdapter {
	return &UserStateAdapter{db: db}
}

type userStateRow struct {
	ConversationID string    `db:"conversation_id"`
	UserID         string    `db:"user_id"`
	IsRead         bool      `db:"is_read"`
	IsFavorite     bool      `db:"is_favorite"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r *userStateRow) toDomain() *domain.UserConversationState {
	return &domain.UserConversationState{
		ConversationID: r.ConversationID,
		UserID:         r.UserID,
		IsRead:         r.IsRead,
		IsFavorite:     r.IsFavorite,
		UpdatedAt:      r.UpdatedAt,
	}
}

func (a *UserStateAdapter) Get(ctx context.Context, conversationID, userID string) (*domain.UserConversationState, error) {
	var row userStateRow
	query := `
		SELECT conversation_id, user_id, is_read, is_favorite, updated_at
		FROM conversation_user_states
		WHERE conversation_id = $1 AND user_id = $2
	`
	if err := a.db.GetContext(ctx, &row, query, conversationID, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return row.toDomain(), nil
}

// GetForConversations batch-loads the viewer's state rows for a page of
// conversations. Conversations without a row are absent from the map.
func (a *UserStateAdapter) GetForConversations(ctx context.Context, conversationIDs []string, userID string) (map[string]*domain.UserConversationState, error) {
	states := make(map[string]*domain.UserConversationState, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return states, nil
	}

	var rows []userStateRow
	query := `
		SELECT conversation_id, user_id, is_read, is_favorite, updated_at
		FROM conversation_user_states
		WHERE conversation_id = ANY($1) AND user_id = $2
	`
	if err := a.db.SelectContext(ctx, &rows, query, pq.Array(conversationIDs), userID); err != nil {
		return nil, err
	}

	for i := range rows {
		states[rows[i].ConversationID] = rows[i].toDomain()
	}
	return states, nil
}

func (a *UserStateAdapter) SetRead(ctx context.Context, conversationID, userID string, isRead bool) error {
	query := `
		INSERT INTO conversation_user_states (conversation_id, user_id, is_read, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET
			is_read = EXCLUDED.is_read,
			updated_at = NOW()
	`
	_, err := a.db.ExecContext(ctx, query, conversationID, userID, isRead)
	return err
}

func (a *UserStateAdapter) SetFavorite(ctx context.Context, conversationID, userID string, isFavorite bool) error {
	query := `
		INSERT INTO conversation_user_states (conversation_id, user_id, is_favorite, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET
			is_favorite = EXCLUDED.is_favorite,
			updated_at = NOW()
	`
	_, err := a.db.ExecContext(ctx, query, conversationID, userID, isFavorite)
	return err
}

var _ out.UserStateRepository = (*UserStateAdapter)(nil)
