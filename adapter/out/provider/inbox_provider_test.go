package provider

import (
	"strings"
	"testing"
	"time"

	"inbox_server/core/domain"
	"inbox_server/core/port/out"
)

func TestGmailFolderFromLabels(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		want   string
	}{
		{"sent wins over inbox", []string{"INBOX", "SENT"}, domain.FolderSent},
		{"inbox wins over important", []string{"INBOX", "IMPORTANT"}, domain.FolderInbox},
		{"important only", []string{"IMPORTANT"}, domain.FolderImportant},
		{"draft", []string{"DRAFT"}, domain.FolderDrafts},
		{"trash", []string{"TRASH"}, domain.FolderTrash},
		{"user label passes through lower-cased", []string{"Newsletters"}, "newsletters"},
		{"flags and categories are not folders", []string{"UNREAD", "CATEGORY_UPDATES"}, ""},
		{"empty", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := gmailFolderFromLabels(tt.labels); got != tt.want {
				t.Errorf("gmailFolderFromLabels(%v) = %q, want %q", tt.labels, got, tt.want)
			}
		})
	}
}

func TestGmailWindowQuery(t *testing.T) {
	since := time.Date(2026, 2, 14, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		opts out.ListOptions
		want string
	}{
		{"watermark window", out.ListOptions{Since: &since}, "after:2026/02/14"},
		{"no window", out.ListOptions{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := gmailWindowQuery(&tt.opts); got != tt.want {
				t.Errorf("gmailWindowQuery() = %q, want %q", got, tt.want)
			}
		})
	}

	// DaysBack is relative to now; only the prefix is stable.
	got := gmailWindowQuery(&out.ListOptions{DaysBack: 30})
	if !strings.HasPrefix(got, "after:") {
		t.Errorf("gmailWindowQuery(DaysBack) = %q, want an after: query", got)
	}
}

func TestOutlookFolderName(t *testing.T) {
	tests := []struct {
		name   string
		folder string
		want   string
	}{
		{"canonical sent", domain.FolderSent, "sentitems"},
		{"canonical trash", domain.FolderTrash, "deleteditems"},
		{"unknown passes through lower-cased", "Clutter", "clutter"},
		{"empty defaults to inbox", "", "inbox"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := outlookFolderName(tt.folder); got != tt.want {
				t.Errorf("outlookFolderName(%q) = %q, want %q", tt.folder, got, tt.want)
			}
		})
	}
}

func TestOutlookWindowFilter(t *testing.T) {
	since := time.Date(2026, 2, 14, 10, 30, 0, 0, time.UTC)

	got := outlookWindowFilter(&out.ListOptions{Since: &since})
	want := "receivedDateTime ge 2026-02-14T10:30:00Z"
	if got != want {
		t.Errorf("outlookWindowFilter(Since) = %q, want %q", got, want)
	}

	if got := outlookWindowFilter(&out.ListOptions{}); got != "" {
		t.Errorf("outlookWindowFilter(empty) = %q, want empty", got)
	}
}

func TestParseEmailAddress(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantName  string
		wantEmail string
	}{
		{"name and address", `"Jane Lead" <jane@example.com>`, "Jane Lead", "jane@example.com"},
		{"bare address", "jane@example.com", "", "jane@example.com"},
		{"unparseable falls through", "not-an-address", "", "not-an-address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseEmailAddress(tt.input)
			if got.Name != tt.wantName || got.Email != tt.wantEmail {
				t.Errorf("parseEmailAddress(%q) = %+v, want name=%q email=%q",
					tt.input, got, tt.wantName, tt.wantEmail)
			}
		})
	}
}

func TestParseEmailAddresses(t *testing.T) {
	got := parseEmailAddresses("a@example.com, \"B\" <b@example.com>")
	if len(got) != 2 {
		t.Fatalf("parsed %d addresses, want 2", len(got))
	}
	if got[0].Email != "a@example.com" || got[1].Email != "b@example.com" {
		t.Errorf("addresses = %+v", got)
	}
	if got[1].Name != "B" {
		t.Errorf("second name = %q, want B", got[1].Name)
	}

	if got := parseEmailAddresses(""); got != nil {
		t.Errorf("empty input parsed to %+v, want nil", got)
	}
}

func TestLinkedInCounterpartyAttendee(t *testing.T) {
	adapter := &LinkedInAdapter{}
	account := &domain.ChannelAccount{AttendeeID: "att-owner"}

	tests := []struct {
		name string
		msg  aggregatorMessage
		want string
	}{
		{
			name: "inbound picks the non-owner",
			msg: aggregatorMessage{
				SenderAttendeeID: "att-lead",
				AttendeeIDs:      []string{"att-owner", "att-lead"},
			},
			want: "att-lead",
		},
		{
			name: "outbound picks the recipient",
			msg: aggregatorMessage{
				SenderAttendeeID: "att-owner",
				AttendeeIDs:      []string{"att-owner", "att-lead"},
				IsSender:         true,
			},
			want: "att-lead",
		},
		{
			name: "owner-only chat has no counterparty",
			msg: aggregatorMessage{
				SenderAttendeeID: "att-owner",
				AttendeeIDs:      []string{"att-owner"},
			},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := adapter.counterpartyAttendee(&tt.msg, account); got != tt.want {
				t.Errorf("counterpartyAttendee() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFactoryResolvesByProvider(t *testing.T) {
	factory := NewFactory(&FactoryConfig{
		Gmail:    &GmailConfig{ClientID: "id", ClientSecret: "secret"},
		Outlook:  &OutlookConfig{ClientID: "id", ClientSecret: "secret"},
		LinkedIn: &LinkedInConfig{BaseURL: "https://aggregator.example.com", APIKey: "key"},
	})

	tests := []struct {
		provider domain.Provider
		want     domain.Provider
	}{
		{domain.ProviderGmail, domain.ProviderGmail},
		{domain.ProviderOutlook, domain.ProviderOutlook},
		{domain.ProviderLinkedIn, domain.ProviderLinkedIn},
	}

	for _, tt := range tests {
		t.Run(string(tt.provider), func(t *testing.T) {
			adapter, err := factory.ProviderFor(&domain.ChannelAccount{Provider: tt.provider})
			if err != nil {
				t.Fatalf("ProviderFor(%s) error = %v", tt.provider, err)
			}
			if adapter.ProviderType() != tt.want {
				t.Errorf("ProviderType() = %s, want %s", adapter.ProviderType(), tt.want)
			}

			// Same instance on repeated resolution.
			again, _ := factory.ProviderFor(&domain.ChannelAccount{Provider: tt.provider})
			if adapter != again {
				t.Error("factory built a second adapter instance")
			}
		})
	}

	if _, err := factory.ProviderFor(&domain.ChannelAccount{Provider: "telegram"}); err == nil {
		t.Error("unknown provider resolved without error")
	}
}
