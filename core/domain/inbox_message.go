package domain

import (
	"strings"
	"time"
)

// =============================================================================
// Folder vocabulary
// =============================================================================

// Canonical folder names. Provider-native folder and label names are
// normalized into this vocabulary at ingestion; unrecognized names pass
// through lower-cased as-is.
const (
	FolderInbox     = "inbox"
	FolderSent      = "sent"
	FolderTrash     = "trash"
	FolderArchive   = "archive"
	FolderDrafts    = "drafts"
	FolderImportant = "important"
)

// CanonicalFolders lists the fixed folder vocabulary.
var CanonicalFolders = []string{
	FolderInbox, FolderSent, FolderTrash, FolderArchive, FolderDrafts, FolderImportant,
}

// IsOutboundFolder reports whether messages in the folder were written
// by the account owner rather than the counterparty.
func IsOutboundFolder(folder string) bool {
	return folder == FolderSent || folder == FolderDrafts
}

// NormalizeFolder folds a provider folder name into the vocabulary.
// Canonical names come back unchanged; unrecognized names pass through
// lower-cased rather than failing.
func NormalizeFolder(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// =============================================================================
// Message - one communication unit in a conversation
// =============================================================================

type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	WorkspaceID    string `json:"workspace_id"`
	AccountID      string `json:"account_id"`

	// Idempotency key is (workspace_id, provider_message_id)
	ProviderMessageID string `json:"provider_message_id"`
	ProviderThreadID  string `json:"provider_thread_id"`

	SenderName       string `json:"sender_name,omitempty"`
	SenderEmail      string `json:"sender_email,omitempty"`
	SenderAttendeeID string `json:"sender_attendee_id,omitempty"`

	// Snippet stored at sync time; full bodies live in the body store
	// and are fetched lazily.
	Content string `json:"content,omitempty"`
	// IsFromLead is the direction flag: true when the counterparty sent
	// the message. Computed once at ingestion, immutable afterwards.
	IsFromLead     bool   `json:"is_from_lead"`
	ProviderFolder string `json:"provider_folder,omitempty"`

	// CreatedAt is the provider timestamp, not insertion time.
	CreatedAt     time.Time  `json:"created_at"`
	BodyFetchedAt *time.Time `json:"body_fetched_at,omitempty"`
}

// HasBody reports whether the full body was already fetched (or a fetch
// was attempted; failed attempts also stamp BodyFetchedAt to stop
// refetch loops).
func (m *Message) HasBody() bool {
	return m.BodyFetchedAt != nil
}

// MessageBody is the lazily fetched full content of a message.
type MessageBody struct {
	MessageID   string       `json:"message_id"`
	HTMLBody    string       `json:"html_body,omitempty"`
	TextBody    string       `json:"text_body,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	FetchedAt   time.Time    `json:"fetched_at"`
	FetchFailed bool         `json:"fetch_failed,omitempty"`
}

// Attachment holds attachment metadata; content stays at the provider.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}
