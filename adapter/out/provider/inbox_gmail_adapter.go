// Package provider implements channel provider adapters.
package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"inbox_server/core/domain"
	"inbox_server/core/port/out"
	"inbox_server/pkg/logger"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// gmailMetadataHeaders are the headers requested on the metadata-only
// list path. Bodies are fetched lazily on first read.
var gmailMetadataHeaders = []string{
	"From", "To", "Cc", "Subject", "Date", "Message-ID",
}

// gmailFolderLabels maps the canonical folder vocabulary to Gmail
// label ids.
var gmailFolderLabels = map[string]string{
	domain.FolderInbox:     "INBOX",
	domain.FolderSent:      "SENT",
	domain.FolderDrafts:    "DRAFT",
	domain.FolderTrash:     "TRASH",
	domain.FolderImportant: "IMPORTANT",
}

// =============================================================================
// Gmail Adapter
// =============================================================================

// GmailAdapter implements out.ChannelProviderPort for Gmail.
type GmailAdapter struct {
	config *oauth2.Config
	cb     *gobreaker.CircuitBreaker
}

// GmailConfig holds Gmail configuration.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// NewGmailAdapter creates a new Gmail adapter.
func NewGmailAdapter(cfg *GmailConfig) *GmailAdapter {
	config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			gmail.GmailReadonlyScope,
		},
		Endpoint: google.Endpoint,
	}

	cbSettings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		},
	}

	return &GmailAdapter{
		config: config,
		cb:     gobreaker.NewCircuitBreaker(cbSettings),
	}
}

func (a *GmailAdapter) ProviderType() domain.Provider {
	return domain.ProviderGmail
}

// =============================================================================
// Listing
// =============================================================================

// ListMessages fetches one page of metadata for a folder. The list call
// returns only ids; the metadata is filled in with a bounded parallel
// fetch.
func (a *GmailAdapter) ListMessages(ctx context.Context, account *domain.ChannelAccount, opts *out.ListOptions) (*out.ListResult, error) {
	svc, err := a.getService(ctx, account)
	if err != nil {
		return nil, err
	}

	maxResults := int64(50)
	if opts.MaxResults > 0 {
		maxResults = int64(opts.MaxResults)
	}

	req := svc.Users.Messages.List("me").MaxResults(maxResults)

	if label, ok := gmailFolderLabels[opts.Folder]; ok {
		req = req.LabelIds(label)
	} else if opts.Folder == domain.FolderArchive {
		// Gmail models archive as the absence of labels.
		req = req.Q("-in:inbox -in:sent -in:trash -in:drafts")
	}

	if query := gmailWindowQuery(opts); query != "" {
		req = req.Q(query)
	}
	if opts.PageToken != "" {
		req = req.PageToken(opts.PageToken)
	}

	var resp *gmail.ListMessagesResponse
	cbErr := a.executeWithCircuitBreaker("ListMessages", func() error {
		var apiErr error
		resp, apiErr = req.Context(ctx).Do()
		return apiErr
	})
	if cbErr != nil {
		return nil, a.wrapError(cbErr, "failed to list messages")
	}

	messages := a.fetchMessagesParallel(ctx, svc, resp.Messages, opts.Folder)

	return &out.ListResult{
		Messages:      messages,
		NextPageToken: resp.NextPageToken,
		HasMore:       resp.NextPageToken != "",
	}, nil
}

// gmailWindowQuery builds the after: filter from the sync window.
func gmailWindowQuery(opts *out.ListOptions) string {
	switch {
	case opts.Since != nil:
		return fmt.Sprintf("after:%s", opts.Since.Format("2006/01/02"))
	case opts.DaysBack > 0:
		start := time.Now().AddDate(0, 0, -opts.DaysBack)
		return fmt.Sprintf("after:%s", start.Format("2006/01/02"))
	}
	return ""
}

// fetchMessagesParallel fills in metadata for a page of message ids
// with a concurrency cap and per-message timeout. Failed fetches are
// dropped from the page; the next sync pass picks them up again.
func (a *GmailAdapter) fetchMessagesParallel(ctx context.Context, svc *gmail.Service, msgRefs []*gmail.Message, folder string) []out.ProviderMessage {
	if len(msgRefs) == 0 {
		return nil
	}

	const maxConcurrency = 10
	const perMessageTimeout = 15 * time.Second

	type result struct {
		index int
		msg   out.ProviderMessage
		err   error
	}

	results := make(chan result, len(msgRefs))
	sem := make(chan struct{}, maxConcurrency)

	for i, msgRef := range msgRefs {
		go func(idx int, id string) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results <- result{index: idx, err: ctx.Err()}
				return
			}

			msgCtx, cancel := context.WithTimeout(ctx, perMessageTimeout)
			defer cancel()

			metaMsg, err := svc.Users.Messages.Get("me", id).
				Format("metadata").
				MetadataHeaders(gmailMetadataHeaders...).
				Context(msgCtx).Do()
			if err != nil {
				results <- result{index: idx, err: err}
				return
			}
			results <- result{index: idx, msg: a.convertMessage(metaMsg, folder)}
		}(i, msgRef.Id)
	}

	messages := make([]out.ProviderMessage, len(msgRefs))
	collected := 0
	for collected < len(msgRefs) {
		select {
		case r := <-results:
			collected++
			if r.err != nil {
				logger.Warn("[GmailAdapter] Metadata fetch failed: %v", r.err)
				continue
			}
			messages[r.index] = r.msg
		case <-ctx.Done():
			collected = len(msgRefs)
		}
	}

	filtered := make([]out.ProviderMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.ProviderMessageID != "" {
			filtered = append(filtered, msg)
		}
	}
	return filtered
}

// =============================================================================
// Body fetching
// =============================================================================

func (a *GmailAdapter) FetchBody(ctx context.Context, account *domain.ChannelAccount, providerMessageID string) (*out.ProviderMessageBody, error) {
	svc, err := a.getService(ctx, account)
	if err != nil {
		return nil, err
	}

	var msg *gmail.Message
	cbErr := a.executeWithCircuitBreaker("FetchBody", func() error {
		var apiErr error
		msg, apiErr = svc.Users.Messages.Get("me", providerMessageID).Format("full").Context(ctx).Do()
		return apiErr
	})
	if cbErr != nil {
		return nil, a.wrapError(cbErr, "failed to get message body")
	}

	body := &out.ProviderMessageBody{}
	a.extractBody(msg.Payload, body)
	body.Attachments = a.extractAttachments(msg.Payload)
	return body, nil
}

// =============================================================================
// Auth
// =============================================================================

// RefreshAuth renews the account's access token via the refresh token.
func (a *GmailAdapter) RefreshAuth(ctx context.Context, account *domain.ChannelAccount) (*domain.ChannelAccount, error) {
	if account.RefreshToken == "" {
		return nil, out.NewProviderError("gmail", out.ProviderErrAuth, "no refresh token", nil, false)
	}

	src := a.config.TokenSource(ctx, &oauth2.Token{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
		Expiry:       account.TokenExpiry,
	})
	token, err := src.Token()
	if err != nil {
		return nil, out.NewProviderError("gmail", out.ProviderErrAuth, "failed to refresh token", err, false)
	}

	refreshed := *account
	refreshed.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		refreshed.RefreshToken = token.RefreshToken
	}
	refreshed.TokenExpiry = token.Expiry
	return &refreshed, nil
}

// =============================================================================
// Internal Helpers
// =============================================================================

func (a *GmailAdapter) getService(ctx context.Context, account *domain.ChannelAccount) (*gmail.Service, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	token := &oauth2.Token{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
		Expiry:       account.TokenExpiry,
	}
	return gmail.NewService(ctx, option.WithTokenSource(
		a.config.TokenSource(ctx, token),
	))
}

// executeWithCircuitBreaker wraps an API call so that sustained Gmail
// outages fail fast instead of hammering the API. Client errors (4xx
// except 429) must not trip the breaker.
func (a *GmailAdapter) executeWithCircuitBreaker(operation string, fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			if apiErr, ok := err.(*googleapi.Error); ok {
				switch apiErr.Code {
				case 500, 502, 503, 429:
					return nil, err
				case 400, 401, 403, 404:
					return nil, &nonCircuitError{err: err}
				}
			}
			return nil, err
		}
		return nil, nil
	})

	if nce, ok := err.(*nonCircuitError); ok {
		return nce.err
	}
	if err != nil {
		logger.Warn("[GmailAdapter] Circuit breaker error for %s: state=%s, err=%v",
			operation, a.cb.State().String(), err)
	}
	return err
}

// nonCircuitError wraps errors that should not trip the circuit breaker.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

func (a *GmailAdapter) convertMessage(msg *gmail.Message, requestedFolder string) out.ProviderMessage {
	result := out.ProviderMessage{
		ProviderMessageID: msg.Id,
		ProviderThreadID:  msg.ThreadId,
		Snippet:           msg.Snippet,
		Timestamp:         time.Unix(0, msg.InternalDate*int64(time.Millisecond)),
		Folder:            requestedFolder,
	}

	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "Subject":
				result.Subject = h.Value
			case "From":
				result.From = parseEmailAddress(h.Value)
			case "To":
				result.To = parseEmailAddresses(h.Value)
			case "Date":
				if result.Timestamp.IsZero() {
					if t, err := mail.ParseDate(h.Value); err == nil {
						result.Timestamp = t
					}
				}
			}
		}
	}

	// Label-derived folder wins over the requested one when present;
	// a message can surface under a label query it no longer carries.
	if folder := gmailFolderFromLabels(msg.LabelIds); folder != "" {
		result.Folder = folder
	}
	if result.Folder == "" {
		result.Folder = domain.FolderInbox
	}

	if msg.Payload != nil {
		result.HasAttachment = len(a.extractAttachments(msg.Payload)) > 0
	}

	return result
}

// gmailFlagLabels are message flags, not placements; they never decide
// the folder.
var gmailFlagLabels = map[string]bool{
	"UNREAD":  true,
	"STARRED": true,
	"SPAM":    true,
	"CHAT":    true,
}

func gmailFolderFromLabels(labels []string) string {
	for _, label := range labels {
		switch label {
		case "SENT":
			return domain.FolderSent
		case "DRAFT":
			return domain.FolderDrafts
		case "TRASH":
			return domain.FolderTrash
		}
	}
	for _, label := range labels {
		if label == "INBOX" {
			return domain.FolderInbox
		}
	}
	for _, label := range labels {
		if label == "IMPORTANT" {
			return domain.FolderImportant
		}
	}
	// Unrecognized labels (user labels, categories) pass through
	// lower-cased instead of entering the canonical vocabulary.
	for _, label := range labels {
		if gmailFlagLabels[label] || strings.HasPrefix(label, "CATEGORY_") {
			continue
		}
		return domain.NormalizeFolder(label)
	}
	return ""
}

func (a *GmailAdapter) extractBody(part *gmail.MessagePart, body *out.ProviderMessageBody) {
	if part == nil {
		return
	}

	if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
		if data, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
			body.Text = string(data)
		}
	}
	if part.MimeType == "text/html" && part.Body != nil && part.Body.Data != "" {
		if data, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
			body.HTML = string(data)
		}
	}

	for _, p := range part.Parts {
		a.extractBody(p, body)
	}
}

func (a *GmailAdapter) extractAttachments(part *gmail.MessagePart) []domain.Attachment {
	var attachments []domain.Attachment

	if part.Filename != "" {
		att := domain.Attachment{
			Filename: part.Filename,
			MimeType: part.MimeType,
		}
		if part.Body != nil {
			att.ID = part.Body.AttachmentId
			att.Size = part.Body.Size
		}
		attachments = append(attachments, att)
	}

	for _, p := range part.Parts {
		attachments = append(attachments, a.extractAttachments(p)...)
	}
	return attachments
}

func parseEmailAddress(s string) out.ProviderAddress {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return out.ProviderAddress{Email: strings.TrimSpace(s)}
	}
	return out.ProviderAddress{
		Name:  addr.Name,
		Email: addr.Address,
	}
}

func parseEmailAddresses(s string) []out.ProviderAddress {
	list, err := mail.ParseAddressList(s)
	if err != nil {
		if s != "" {
			return []out.ProviderAddress{{Email: strings.TrimSpace(s)}}
		}
		return nil
	}

	result := make([]out.ProviderAddress, len(list))
	for i, addr := range list {
		result[i] = out.ProviderAddress{
			Name:  addr.Name,
			Email: addr.Address,
		}
	}
	return result
}

func (a *GmailAdapter) wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}

	if apiErr, ok := err.(*googleapi.Error); ok {
		switch apiErr.Code {
		case 401:
			return out.NewProviderError("gmail", out.ProviderErrTokenExpired, "Token expired", err, false)
		case 403:
			if strings.Contains(apiErr.Message, "Rate Limit") {
				return out.NewProviderError("gmail", out.ProviderErrRateLimit, "Rate limit exceeded", err, true)
			}
			return out.NewProviderError("gmail", out.ProviderErrAuth, "Access denied", err, false)
		case 404:
			return out.NewProviderError("gmail", out.ProviderErrNotFound, "Not found", err, false)
		case 429:
			return out.NewProviderError("gmail", out.ProviderErrRateLimit, "Too many requests", err, true)
		case 500, 502, 503:
			return out.NewProviderError("gmail", out.ProviderErrServer, "Server error", err, true)
		}
	}

	return out.NewProviderError("gmail", out.ProviderErrServer, defaultMsg, err, true)
}

var _ out.ChannelProviderPort = (*GmailAdapter)(nil)
