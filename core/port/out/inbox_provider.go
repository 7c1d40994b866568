// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"
	"errors"
	"time"

	"inbox_server/core/domain"
)

// =============================================================================
// Channel Provider Port (Gmail, Outlook, LinkedIn aggregator)
// =============================================================================

// ChannelProviderPort is the outbound port for upstream message sources.
// One implementation per provider; the sync pipeline only ever sees the
// normalized shapes below, never provider payloads.
type ChannelProviderPort interface {
	ProviderType() domain.Provider

	// ListMessages fetches one page of message metadata for a folder.
	// The window is either DaysBack (initial sync) or Since (incremental),
	// mutually exclusive; the caller picks based on the account watermark.
	ListMessages(ctx context.Context, account *domain.ChannelAccount, opts *ListOptions) (*ListResult, error)

	// FetchBody retrieves the full body of a single message.
	FetchBody(ctx context.Context, account *domain.ChannelAccount, providerMessageID string) (*ProviderMessageBody, error)

	// RefreshAuth renews the account credentials. Providers without a
	// refresh capability return a non-retryable auth error.
	RefreshAuth(ctx context.Context, account *domain.ChannelAccount) (*domain.ChannelAccount, error)
}

// =============================================================================
// Provider Types
// =============================================================================

// ListOptions describes one metadata page request.
type ListOptions struct {
	Folder     string     // canonical folder, mapped to the provider's native name by the adapter
	Since      *time.Time // incremental window start (watermark)
	DaysBack   int        // initial window, used when Since is nil
	MaxResults int
	PageToken  string
}

// ListResult is one page of normalized message metadata.
type ListResult struct {
	Messages      []ProviderMessage
	NextPageToken string
	HasMore       bool
}

// ProviderMessage is the channel-neutral normalized message shape.
// Nothing past the provider adapter sees provider-shaped data.
type ProviderMessage struct {
	ProviderMessageID string
	ProviderThreadID  string

	From ProviderAddress
	To   []ProviderAddress

	Subject   string
	Snippet   string
	Timestamp time.Time
	Folder    string // canonical vocabulary, unknown names lower-cased

	// IsSender is the explicit direction flag on the LinkedIn channel:
	// true when the account owner wrote the message. Email adapters
	// leave it false and direction derives from the folder.
	IsSender bool

	HasAttachment bool
}

// ProviderAddress identifies one party on a message.
type ProviderAddress struct {
	Name        string
	Email       string
	AttendeeID  string // linkedin attendee id
	LinkedInURL string // linkedin profile url
}

// ProviderMessageBody is a lazily fetched full body.
type ProviderMessageBody struct {
	HTML        string
	Text        string
	Attachments []domain.Attachment
}

// =============================================================================
// Provider Error
// =============================================================================

// ProviderErrorCode represents error codes.
type ProviderErrorCode string

const (
	ProviderErrAuth         ProviderErrorCode = "auth_error"
	ProviderErrTokenExpired ProviderErrorCode = "token_expired"
	ProviderErrRateLimit    ProviderErrorCode = "rate_limit"
	ProviderErrNotFound     ProviderErrorCode = "not_found"
	ProviderErrNetwork      ProviderErrorCode = "network_error"
	ProviderErrServer       ProviderErrorCode = "server_error"
	ProviderErrInvalidInput ProviderErrorCode = "invalid_input"
)

// ProviderError represents a provider error.
type ProviderError struct {
	Provider  string
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new provider error.
func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// IsAuthError reports whether the error means the stored credentials
// are no longer usable.
func IsAuthError(err error) bool {
	pe, ok := AsProviderError(err)
	return ok && (pe.Code == ProviderErrAuth || pe.Code == ProviderErrTokenExpired)
}

// IsRateLimited reports whether the provider throttled the call.
func IsRateLimited(err error) bool {
	pe, ok := AsProviderError(err)
	return ok && pe.Code == ProviderErrRateLimit
}

// IsRetryable reports whether a later attempt can plausibly succeed.
func IsRetryable(err error) bool {
	pe, ok := AsProviderError(err)
	return ok && pe.Retryable
}

// AsProviderError unwraps err into a *ProviderError when possible.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// =============================================================================
// Provider Factory
// =============================================================================

// ProviderFactory resolves the adapter for a connected account.
type ProviderFactory interface {
	ProviderFor(account *domain.ChannelAccount) (ChannelProviderPort, error)
}
