package domain

import "time"

// =============================================================================
// Channel & Provider
// =============================================================================

// Channel is the channel family a conversation belongs to.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelLinkedIn Channel = "linkedin"
)

func (c Channel) IsValid() bool {
	return c == ChannelEmail || c == ChannelLinkedIn
}

// Provider identifies the upstream message source.
type Provider string

const (
	ProviderGmail    Provider = "gmail"
	ProviderOutlook  Provider = "outlook"
	ProviderLinkedIn Provider = "linkedin"
)

func (p Provider) IsValid() bool {
	switch p {
	case ProviderGmail, ProviderOutlook, ProviderLinkedIn:
		return true
	}
	return false
}

// Channel returns the channel family for the provider.
func (p Provider) Channel() Channel {
	if p == ProviderLinkedIn {
		return ChannelLinkedIn
	}
	return ChannelEmail
}

// =============================================================================
// ChannelAccount - a connected mailbox or LinkedIn account
// =============================================================================

type ChannelAccount struct {
	ID          string   `json:"id"`
	WorkspaceID string   `json:"workspace_id"`
	UserID      string   `json:"user_id"`
	Provider    Provider `json:"provider"`

	// Identity of the connected account
	Email       string `json:"email,omitempty"`       // email providers
	AttendeeID  string `json:"attendee_id,omitempty"` // linkedin: own attendee id
	ExternalID  string `json:"external_id,omitempty"` // aggregator account id
	DisplayName string `json:"display_name,omitempty"`

	// OAuth tokens, AES-GCM encrypted at rest
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenExpiry  time.Time `json:"token_expiry,omitempty"`

	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NeedsTokenRefresh reports whether the access token is expired or close to it.
func (a *ChannelAccount) NeedsTokenRefresh() bool {
	if a.TokenExpiry.IsZero() {
		return false
	}
	return time.Now().After(a.TokenExpiry.Add(-2 * time.Minute))
}
