package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"inbox_server/core/domain"
	"inbox_server/core/port/out"
	"inbox_server/pkg/httputil"
	"inbox_server/pkg/logger"
)

// =============================================================================
// LinkedIn Aggregator Adapter
// =============================================================================

// LinkedInAdapter implements out.ChannelProviderPort against the
// messaging aggregator's REST API. LinkedIn DMs have no folder
// structure; the adapter reports every message under the inbox folder
// and direction comes from the aggregator's is_sender flag.
type LinkedInAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client

	// Attendee profiles are stable per chat; cache them to avoid one
	// lookup per message.
	mu        sync.RWMutex
	attendees map[string]aggregatorAttendee
}

// LinkedInConfig holds aggregator configuration.
type LinkedInConfig struct {
	BaseURL string
	APIKey  string
}

// NewLinkedInAdapter creates a new LinkedIn aggregator adapter.
func NewLinkedInAdapter(cfg *LinkedInConfig) *LinkedInAdapter {
	return &LinkedInAdapter{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		client:    httputil.AggregatorClient(),
		attendees: map[string]aggregatorAttendee{},
	}
}

func (a *LinkedInAdapter) ProviderType() domain.Provider {
	return domain.ProviderLinkedIn
}

// =============================================================================
// Listing
// =============================================================================

// ListMessages fetches one cursor page of DMs for the account. Folders
// other than inbox return an empty page; LinkedIn has no sent folder,
// the account owner's messages arrive in the same stream with
// is_sender set.
func (a *LinkedInAdapter) ListMessages(ctx context.Context, account *domain.ChannelAccount, opts *out.ListOptions) (*out.ListResult, error) {
	if opts.Folder != "" && opts.Folder != domain.FolderInbox {
		return &out.ListResult{}, nil
	}

	params := url.Values{}
	params.Set("account_id", account.ExternalID)
	limit := 50
	if opts.MaxResults > 0 {
		limit = opts.MaxResults
	}
	params.Set("limit", fmt.Sprintf("%d", limit))
	if opts.PageToken != "" {
		params.Set("cursor", opts.PageToken)
	}
	if since := linkedinWindowStart(opts); !since.IsZero() {
		params.Set("after", fmt.Sprintf("%d", since.UnixMilli()))
	}

	var resp struct {
		Items  []aggregatorMessage `json:"items"`
		Cursor string              `json:"cursor"`
	}
	if err := a.doGet(ctx, "/api/v1/messages?"+params.Encode(), &resp); err != nil {
		return nil, err
	}

	messages := make([]out.ProviderMessage, 0, len(resp.Items))
	for i := range resp.Items {
		msg, err := a.convertMessage(ctx, account, &resp.Items[i])
		if err != nil {
			logger.Warn("[LinkedInAdapter] Skipping message %s: %v", resp.Items[i].ID, err)
			continue
		}
		messages = append(messages, msg)
	}

	return &out.ListResult{
		Messages:      messages,
		NextPageToken: resp.Cursor,
		HasMore:       resp.Cursor != "",
	}, nil
}

func linkedinWindowStart(opts *out.ListOptions) time.Time {
	switch {
	case opts.Since != nil:
		return *opts.Since
	case opts.DaysBack > 0:
		return time.Now().AddDate(0, 0, -opts.DaysBack)
	}
	return time.Time{}
}

// =============================================================================
// Body fetching
// =============================================================================

// FetchBody returns the full text of one DM. LinkedIn messages carry no
// HTML alternative; attachments come back as metadata only.
func (a *LinkedInAdapter) FetchBody(ctx context.Context, account *domain.ChannelAccount, providerMessageID string) (*out.ProviderMessageBody, error) {
	var msg aggregatorMessage
	if err := a.doGet(ctx, "/api/v1/messages/"+url.PathEscape(providerMessageID), &msg); err != nil {
		return nil, err
	}

	body := &out.ProviderMessageBody{Text: msg.Text}
	for _, att := range msg.Attachments {
		body.Attachments = append(body.Attachments, domain.Attachment{
			ID:       att.ID,
			Filename: att.Name,
			MimeType: att.MimeType,
			Size:     att.Size,
		})
	}
	return body, nil
}

// =============================================================================
// Auth
// =============================================================================

// RefreshAuth is not supported: aggregator sessions are re-established
// by the user reconnecting the account in the aggregator dashboard.
func (a *LinkedInAdapter) RefreshAuth(ctx context.Context, account *domain.ChannelAccount) (*domain.ChannelAccount, error) {
	return nil, out.NewProviderError("linkedin", out.ProviderErrAuth,
		"aggregator session expired, account must be reconnected", nil, false)
}

// =============================================================================
// Attendee resolution
// =============================================================================

// ResolveAttendee fetches the profile behind an attendee id, cached.
func (a *LinkedInAdapter) ResolveAttendee(ctx context.Context, attendeeID string) (name, profileURL string, err error) {
	a.mu.RLock()
	if att, ok := a.attendees[attendeeID]; ok {
		a.mu.RUnlock()
		return att.Name, att.ProfileURL, nil
	}
	a.mu.RUnlock()

	var att aggregatorAttendee
	if err := a.doGet(ctx, "/api/v1/attendees/"+url.PathEscape(attendeeID), &att); err != nil {
		return "", "", err
	}

	a.mu.Lock()
	a.attendees[attendeeID] = att
	a.mu.Unlock()
	return att.Name, att.ProfileURL, nil
}

// =============================================================================
// Internal Helpers
// =============================================================================

func (a *LinkedInAdapter) convertMessage(ctx context.Context, account *domain.ChannelAccount, msg *aggregatorMessage) (out.ProviderMessage, error) {
	result := out.ProviderMessage{
		ProviderMessageID: msg.ID,
		ProviderThreadID:  msg.ChatID,
		Snippet:           msg.Text,
		Timestamp:         time.UnixMilli(msg.Timestamp),
		Folder:            domain.FolderInbox,
		IsSender:          msg.IsSender,
		HasAttachment:     len(msg.Attachments) > 0,
	}

	// The counterparty is the sender for inbound messages. For the
	// owner's own messages the sender id is the account attendee; the
	// thread resolver picks the counterparty from To instead.
	senderID := msg.SenderAttendeeID
	name, profileURL, err := a.ResolveAttendee(ctx, senderID)
	if err != nil {
		// Identity degrades to the raw attendee id.
		logger.Debug("[LinkedInAdapter] Attendee lookup failed for %s: %v", senderID, err)
	}
	result.From = out.ProviderAddress{
		Name:        name,
		AttendeeID:  senderID,
		LinkedInURL: profileURL,
	}

	if msg.IsSender {
		otherID := a.counterpartyAttendee(msg, account)
		if otherID != "" {
			otherName, otherURL, aerr := a.ResolveAttendee(ctx, otherID)
			if aerr != nil {
				logger.Debug("[LinkedInAdapter] Attendee lookup failed for %s: %v", otherID, aerr)
			}
			result.To = []out.ProviderAddress{{
				Name:        otherName,
				AttendeeID:  otherID,
				LinkedInURL: otherURL,
			}}
		}
	}

	return result, nil
}

// counterpartyAttendee picks the first chat attendee that is not the
// account owner.
func (a *LinkedInAdapter) counterpartyAttendee(msg *aggregatorMessage, account *domain.ChannelAccount) string {
	for _, id := range msg.AttendeeIDs {
		if id != account.AttendeeID && id != msg.SenderAttendeeID {
			return id
		}
	}
	for _, id := range msg.AttendeeIDs {
		if id != account.AttendeeID {
			return id
		}
	}
	return ""
}

func (a *LinkedInAdapter) doGet(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", a.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return out.NewProviderError("linkedin", out.ProviderErrNetwork, "request failed", err, true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return a.wrapHTTPError(resp.StatusCode, string(body))
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

func (a *LinkedInAdapter) wrapHTTPError(statusCode int, body string) error {
	switch statusCode {
	case 401:
		return out.NewProviderError("linkedin", out.ProviderErrTokenExpired, "Aggregator session expired", nil, false)
	case 403:
		return out.NewProviderError("linkedin", out.ProviderErrAuth, "Access denied", nil, false)
	case 404:
		return out.NewProviderError("linkedin", out.ProviderErrNotFound, "Not found", nil, false)
	case 429:
		return out.NewProviderError("linkedin", out.ProviderErrRateLimit, "Too many requests", nil, true)
	default:
		return out.NewProviderError("linkedin", out.ProviderErrServer, fmt.Sprintf("HTTP %d: %s", statusCode, body), nil, true)
	}
}

// Aggregator API types

type aggregatorMessage struct {
	ID               string                 `json:"id"`
	ChatID           string                 `json:"chat_id"`
	SenderAttendeeID string                 `json:"sender_attendee_id"`
	AttendeeIDs      []string               `json:"attendee_ids"`
	Text             string                 `json:"text"`
	Timestamp        int64                  `json:"timestamp"`
	IsSender         bool                   `json:"is_sender"`
	Attachments      []aggregatorAttachment `json:"attachments"`
}

type aggregatorAttachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

type aggregatorAttendee struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ProfileURL string `json:"profile_url"`
}

var _ out.ChannelProviderPort = (*LinkedInAdapter)(nil)
