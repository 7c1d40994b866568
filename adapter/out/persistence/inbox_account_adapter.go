package persistence

import (
	"context"
	"database/sql"
	"time"

	"inbox_server/core/domain"
	"inbox_server/core/port/out"
	"inbox_server/pkg/crypto"
	"inbox_server/pkg/logger"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// =============================================================================
// Channel Account Adapter (PostgreSQL)
// =============================================================================

// AccountAdapter implements out.AccountRepository. OAuth tokens are
// AES-GCM encrypted at rest and decrypted on read.
type AccountAdapter struct {
	db                *sqlx.DB
	encryptionEnabled bool
}

// NewAccountAdapter creates a new AccountAdapter.
func NewAccountAdapter(db *sqlx.DB) *AccountAdapter {
	err := crypto.Init()
	encryptionEnabled := err == nil
	if !encryptionEnabled {
		logger.Warn("Token encryption disabled: %v", err)
	}

	return &AccountAdapter{
		db:                db,
		encryptionEnabled: encryptionEnabled,
	}
}

func (a *AccountAdapter) encryptToken(token string) string {
	if !a.encryptionEnabled || token == "" {
		return token
	}
	encrypted, err := crypto.EncryptToken(token)
	if err != nil {
		logger.Warn("Failed to encrypt token: %v", err)
		return token
	}
	return encrypted
}

func (a *AccountAdapter) decryptToken(token string) string {
	if token == "" || !crypto.IsEncrypted(token) {
		return token
	}
	decrypted, err := crypto.DecryptToken(token)
	if err != nil {
		// Legacy plaintext token, return as-is.
		return token
	}
	return decrypted
}

// =============================================================================
// Row mapping
// =============================================================================

type accountRow struct {
	ID          string `db:"id"`
	WorkspaceID string `db:"workspace_id"`
	UserID      string `db:"user_id"`
	Provider    string `db:"provider"`

	Email       sql.NullString `db:"email"`
	AttendeeID  sql.NullString `db:"attendee_id"`
	ExternalID  sql.NullString `db:"external_id"`
	DisplayName sql.NullString `db:"display_name"`

	AccessToken  sql.NullString `db:"access_token"`
	RefreshToken sql.NullString `db:"refresh_token"`
	TokenExpiry  sql.NullTime   `db:"token_expiry"`

	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (a *AccountAdapter) toDomain(r *accountRow) *domain.ChannelAccount {
	account := &domain.ChannelAccount{
		ID:           r.ID,
		WorkspaceID:  r.WorkspaceID,
		UserID:       r.UserID,
		Provider:     domain.Provider(r.Provider),
		Email:        r.Email.String,
		AttendeeID:   r.AttendeeID.String,
		ExternalID:   r.ExternalID.String,
		DisplayName:  r.DisplayName.String,
		AccessToken:  a.decryptToken(r.AccessToken.String),
		RefreshToken: a.decryptToken(r.RefreshToken.String),
		IsActive:     r.IsActive,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.TokenExpiry.Valid {
		account.TokenExpiry = r.TokenExpiry.Time
	}
	return account
}

// =============================================================================
// CRUD
// =============================================================================

func (a *AccountAdapter) Create(ctx context.Context, account *domain.ChannelAccount) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}

	query := `
		INSERT INTO channel_accounts (
			id, workspace_id, user_id, provider,
			email, attendee_id, external_id, display_name,
			access_token, refresh_token, token_expiry, is_active
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`

	err := a.db.QueryRowContext(ctx, query,
		account.ID,
		account.WorkspaceID,
		account.UserID,
		string(account.Provider),
		nullString(account.Email),
		nullString(account.AttendeeID),
		nullString(account.ExternalID),
		nullString(account.DisplayName),
		nullString(a.encryptToken(account.AccessToken)),
		nullString(a.encryptToken(account.RefreshToken)),
		nullTime(account.TokenExpiry),
		account.IsActive,
	).Scan(&account.CreatedAt, &account.UpdatedAt)

	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (a *AccountAdapter) GetByID(ctx context.Context, workspaceID, id string) (*domain.ChannelAccount, error) {
	var row accountRow
	query := `SELECT * FROM channel_accounts WHERE workspace_id = $1 AND id = $2`
	if err := a.db.GetContext(ctx, &row, query, workspaceID, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return a.toDomain(&row), nil
}

// GetByExternalID resolves webhook deliveries, which identify accounts
// by the provider-side id rather than ours.
func (a *AccountAdapter) GetByExternalID(ctx context.Context, provider domain.Provider, externalID string) (*domain.ChannelAccount, error) {
	var row accountRow
	query := `SELECT * FROM channel_accounts WHERE provider = $1 AND external_id = $2`
	if err := a.db.GetContext(ctx, &row, query, string(provider), externalID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return a.toDomain(&row), nil
}

// ListActive returns every connected account across workspaces, for the
// periodic sync scheduler.
func (a *AccountAdapter) ListActive(ctx context.Context) ([]*domain.ChannelAccount, error) {
	var rows []accountRow
	query := `SELECT * FROM channel_accounts WHERE is_active = true ORDER BY created_at ASC`
	if err := a.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}

	accounts := make([]*domain.ChannelAccount, len(rows))
	for i := range rows {
		accounts[i] = a.toDomain(&rows[i])
	}
	return accounts, nil
}

func (a *AccountAdapter) ListByWorkspace(ctx context.Context, workspaceID string) ([]*domain.ChannelAccount, error) {
	var rows []accountRow
	query := `SELECT * FROM channel_accounts WHERE workspace_id = $1 ORDER BY created_at ASC`
	if err := a.db.SelectContext(ctx, &rows, query, workspaceID); err != nil {
		return nil, err
	}

	accounts := make([]*domain.ChannelAccount, len(rows))
	for i := range rows {
		accounts[i] = a.toDomain(&rows[i])
	}
	return accounts, nil
}

func (a *AccountAdapter) UpdateTokens(ctx context.Context, id string, accessToken, refreshToken string, expiry time.Time) error {
	query := `
		UPDATE channel_accounts
		SET access_token = $2, refresh_token = $3, token_expiry = $4, updated_at = NOW()
		WHERE id = $1
	`
	_, err := a.db.ExecContext(ctx, query,
		id,
		nullString(a.encryptToken(accessToken)),
		nullString(a.encryptToken(refreshToken)),
		nullTime(expiry),
	)
	return err
}

// Deactivate marks the account disconnected. Rows are kept so the
// conversation history stays attributable.
func (a *AccountAdapter) Deactivate(ctx context.Context, id string) error {
	query := `UPDATE channel_accounts SET is_active = false, updated_at = NOW() WHERE id = $1`
	result, err := a.db.ExecContext(ctx, query, id)
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

var _ out.AccountRepository = (*AccountAdapter)(nil)
