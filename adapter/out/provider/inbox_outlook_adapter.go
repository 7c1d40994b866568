package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"inbox_server/core/domain"
	"inbox_server/core/port/out"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// outlookFolderNames maps the canonical folder vocabulary to Graph
// well-known folder names.
var outlookFolderNames = map[string]string{
	domain.FolderInbox:   "inbox",
	domain.FolderSent:    "sentitems",
	domain.FolderDrafts:  "drafts",
	domain.FolderTrash:   "deleteditems",
	domain.FolderArchive: "archive",
}

// outlookFolderName resolves the Graph path segment for a folder.
// Unrecognized names pass through lower-cased; Graph accepts well-known
// names and folder ids in the same position.
func outlookFolderName(folder string) string {
	if name, ok := outlookFolderNames[folder]; ok {
		return name
	}
	if name := domain.NormalizeFolder(folder); name != "" {
		return name
	}
	return "inbox"
}

// =============================================================================
// Outlook Adapter
// =============================================================================

// OutlookAdapter implements out.ChannelProviderPort against the
// Microsoft Graph REST API.
type OutlookAdapter struct {
	config *oauth2.Config
}

// OutlookConfig holds Outlook configuration.
type OutlookConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	TenantID     string
}

// NewOutlookAdapter creates a new Outlook adapter.
func NewOutlookAdapter(cfg *OutlookConfig) *OutlookAdapter {
	tenantID := cfg.TenantID
	if tenantID == "" {
		tenantID = "common"
	}

	config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			"https://graph.microsoft.com/Mail.Read",
			"https://graph.microsoft.com/User.Read",
			"offline_access",
		},
		Endpoint: microsoft.AzureADEndpoint(tenantID),
	}

	return &OutlookAdapter{config: config}
}

func (a *OutlookAdapter) ProviderType() domain.Provider {
	return domain.ProviderOutlook
}

// =============================================================================
// Listing
// =============================================================================

// ListMessages fetches one metadata page from a well-known folder. The
// opaque page token is the Graph @odata.nextLink, passed back verbatim.
func (a *OutlookAdapter) ListMessages(ctx context.Context, account *domain.ChannelAccount, opts *out.ListOptions) (*out.ListResult, error) {
	client := a.client(ctx, account)

	requestURL := opts.PageToken
	if requestURL == "" {
		folder := outlookFolderName(opts.Folder)

		maxResults := 50
		if opts.MaxResults > 0 {
			maxResults = opts.MaxResults
		}

		params := url.Values{}
		params.Set("$top", fmt.Sprintf("%d", maxResults))
		params.Set("$orderby", "receivedDateTime desc")
		params.Set("$select", "id,conversationId,subject,bodyPreview,from,toRecipients,hasAttachments,receivedDateTime")

		if filter := outlookWindowFilter(opts); filter != "" {
			params.Set("$filter", filter)
		}

		requestURL = fmt.Sprintf("%s/me/mailFolders/%s/messages?%s", graphBaseURL, url.PathEscape(folder), params.Encode())
	}

	var resp struct {
		Value    []graphMailMessage `json:"value"`
		NextLink string             `json:"@odata.nextLink"`
	}
	if err := a.doGet(ctx, client, requestURL, &resp); err != nil {
		return nil, err
	}

	messages := make([]out.ProviderMessage, len(resp.Value))
	for i := range resp.Value {
		messages[i] = a.convertMessage(&resp.Value[i], domain.NormalizeFolder(opts.Folder))
	}

	return &out.ListResult{
		Messages:      messages,
		NextPageToken: resp.NextLink,
		HasMore:       resp.NextLink != "",
	}, nil
}

func outlookWindowFilter(opts *out.ListOptions) string {
	switch {
	case opts.Since != nil:
		return fmt.Sprintf("receivedDateTime ge %s", opts.Since.UTC().Format(time.RFC3339))
	case opts.DaysBack > 0:
		start := time.Now().AddDate(0, 0, -opts.DaysBack)
		return fmt.Sprintf("receivedDateTime ge %s", start.UTC().Format(time.RFC3339))
	}
	return ""
}

// =============================================================================
// Body fetching
// =============================================================================

func (a *OutlookAdapter) FetchBody(ctx context.Context, account *domain.ChannelAccount, providerMessageID string) (*out.ProviderMessageBody, error) {
	client := a.client(ctx, account)

	var msg struct {
		Body graphMailBody `json:"body"`
	}
	if err := a.doGet(ctx, client, graphBaseURL+"/me/messages/"+providerMessageID+"?$select=body", &msg); err != nil {
		return nil, err
	}

	body := &out.ProviderMessageBody{}
	if strings.EqualFold(msg.Body.ContentType, "html") {
		body.HTML = msg.Body.Content
	} else {
		body.Text = msg.Body.Content
	}

	if attachments, err := a.listAttachments(ctx, client, providerMessageID); err == nil {
		body.Attachments = attachments
	}

	return body, nil
}

func (a *OutlookAdapter) listAttachments(ctx context.Context, client *http.Client, messageID string) ([]domain.Attachment, error) {
	var resp struct {
		Value []struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			ContentType string `json:"contentType"`
			Size        int64  `json:"size"`
		} `json:"value"`
	}

	if err := a.doGet(ctx, client, graphBaseURL+"/me/messages/"+messageID+"/attachments?$select=id,name,contentType,size", &resp); err != nil {
		return nil, err
	}

	attachments := make([]domain.Attachment, 0, len(resp.Value))
	for _, att := range resp.Value {
		attachments = append(attachments, domain.Attachment{
			ID:       att.ID,
			Filename: att.Name,
			MimeType: att.ContentType,
			Size:     att.Size,
		})
	}
	return attachments, nil
}

// =============================================================================
// Auth
// =============================================================================

func (a *OutlookAdapter) RefreshAuth(ctx context.Context, account *domain.ChannelAccount) (*domain.ChannelAccount, error) {
	if account.RefreshToken == "" {
		return nil, out.NewProviderError("outlook", out.ProviderErrAuth, "no refresh token", nil, false)
	}

	src := a.config.TokenSource(ctx, &oauth2.Token{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
		Expiry:       account.TokenExpiry,
	})
	token, err := src.Token()
	if err != nil {
		return nil, out.NewProviderError("outlook", out.ProviderErrAuth, "failed to refresh token", err, false)
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

func (a *OutlookAdapter) client(ctx context.Context, account *domain.ChannelAccount) *http.Client {
	token := &oauth2.Token{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
		Expiry:       account.TokenExpiry,
	}
	return a.config.Client(ctx, token)
}

func (a *OutlookAdapter) doGet(ctx context.Context, client *http.Client, requestURL string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return out.NewProviderError("outlook", out.ProviderErrNetwork, "request failed", err, true)
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

func (a *OutlookAdapter) convertMessage(msg *graphMailMessage, requestedFolder string) out.ProviderMessage {
	result := out.ProviderMessage{
		ProviderMessageID: msg.ID,
		ProviderThreadID:  msg.ConversationID,
		Subject:           msg.Subject,
		Snippet:           msg.BodyPreview,
		Folder:            requestedFolder,
		HasAttachment:     msg.HasAttachments,
	}

	if msg.From.EmailAddress.Address != "" {
		result.From = out.ProviderAddress{
			Name:  msg.From.EmailAddress.Name,
			Email: msg.From.EmailAddress.Address,
		}
	}

	result.To = make([]out.ProviderAddress, len(msg.ToRecipients))
	for i, r := range msg.ToRecipients {
		result.To[i] = out.ProviderAddress{
			Name:  r.EmailAddress.Name,
			Email: r.EmailAddress.Address,
		}
	}

	if msg.ReceivedDateTime != "" {
		result.Timestamp, _ = time.Parse(time.RFC3339, msg.ReceivedDateTime)
	}

	return result
}

func (a *OutlookAdapter) wrapHTTPError(statusCode int, body string) error {
	switch statusCode {
	case 401:
		return out.NewProviderError("outlook", out.ProviderErrTokenExpired, "Token expired", nil, false)
	case 403:
		return out.NewProviderError("outlook", out.ProviderErrAuth, "Access denied", nil, false)
	case 404:
		return out.NewProviderError("outlook", out.ProviderErrNotFound, "Not found", nil, false)
	case 429:
		return out.NewProviderError("outlook", out.ProviderErrRateLimit, "Too many requests", nil, true)
	default:
		return out.NewProviderError("outlook", out.ProviderErrServer, fmt.Sprintf("HTTP %d: %s", statusCode, body), nil, true)
	}
}

// Graph API types

type graphMailMessage struct {
	ID               string               `json:"id"`
	ConversationID   string               `json:"conversationId"`
	Subject          string               `json:"subject"`
	BodyPreview      string               `json:"bodyPreview"`
	From             graphMailRecipient   `json:"from"`
	ToRecipients     []graphMailRecipient `json:"toRecipients"`
	HasAttachments   bool                 `json:"hasAttachments"`
	ReceivedDateTime string               `json:"receivedDateTime"`
}

type graphMailBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphMailRecipient struct {
	EmailAddress graphMailAddress `json:"emailAddress"`
}

type graphMailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

var _ out.ChannelProviderPort = (*OutlookAdapter)(nil)
