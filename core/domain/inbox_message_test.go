package domain

import "testing"

func TestNormalizeFolder(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"canonical unchanged", FolderInbox, "inbox"},
		{"upper-cased canonical", "SENT", "sent"},
		{"unknown passes through lower-cased", "Promotions", "promotions"},
		{"surrounding whitespace trimmed", "  Archive ", "archive"},
		{"empty stays empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeFolder(tt.raw); got != tt.want {
				t.Errorf("NormalizeFolder(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestIsOutboundFolder(t *testing.T) {
	tests := []struct {
		folder string
		want   bool
	}{
		{FolderSent, true},
		{FolderDrafts, true},
		{FolderInbox, false},
		{FolderArchive, false},
		{"promotions", false},
	}

	for _, tt := range tests {
		if got := IsOutboundFolder(tt.folder); got != tt.want {
			t.Errorf("IsOutboundFolder(%q) = %v, want %v", tt.folder, got, tt.want)
		}
	}
}
