package provider

import (
	"fmt"
	"sync"

	"inbox_server/core/domain"
	"inbox_server/core/port/out"
)

// =============================================================================
// Provider Factory
// =============================================================================

// Factory resolves channel adapters by account provider. Adapters are
// stateless per account (credentials travel with the account), so one
// instance per provider is shared.
type Factory struct {
	gmailConfig    *GmailConfig
	outlookConfig  *OutlookConfig
	linkedinConfig *LinkedInConfig

	mu       sync.Mutex
	gmail    *GmailAdapter
	outlook  *OutlookAdapter
	linkedin *LinkedInAdapter
}

// FactoryConfig holds all provider configurations.
type FactoryConfig struct {
	Gmail    *GmailConfig
	Outlook  *OutlookConfig
	LinkedIn *LinkedInConfig
}

// NewFactory creates a new provider factory.
func NewFactory(cfg *FactoryConfig) *Factory {
	return &Factory{
		gmailConfig:    cfg.Gmail,
		outlookConfig:  cfg.Outlook,
		linkedinConfig: cfg.LinkedIn,
	}
}

// ProviderFor returns the adapter serving the account's provider.
func (f *Factory) ProviderFor(account *domain.ChannelAccount) (out.ChannelProviderPort, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch account.Provider {
	case domain.ProviderGmail:
		if f.gmailConfig == nil {
			return nil, fmt.Errorf("gmail config not set")
		}
		if f.gmail == nil {
			f.gmail = NewGmailAdapter(f.gmailConfig)
		}
		return f.gmail, nil
	case domain.ProviderOutlook:
		if f.outlookConfig == nil {
			return nil, fmt.Errorf("outlook config not set")
		}
		if f.outlook == nil {
			f.outlook = NewOutlookAdapter(f.outlookConfig)
		}
		return f.outlook, nil
	case domain.ProviderLinkedIn:
		if f.linkedinConfig == nil {
			return nil, fmt.Errorf("linkedin aggregator config not set")
		}
		if f.linkedin == nil {
			f.linkedin = NewLinkedInAdapter(f.linkedinConfig)
		}
		return f.linkedin, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", account.Provider)
	}
}

var _ out.ProviderFactory = (*Factory)(nil)
