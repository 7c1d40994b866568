package inbox

import (
	"context"
	"time"

	"inbox_server/core/domain"
	"inbox_server/core/port/in"
	"inbox_server/core/port/out"
	"inbox_server/pkg/apperr"
	"inbox_server/pkg/logger"
)

// =============================================================================
// BodyService - lazy full-body fetching
// =============================================================================

// BodyService serves message bodies. Sync stores only snippets; the
// full body is fetched from the provider on first read and cached in
// the body store. A failed fetch still stamps body_fetched_at so a
// broken message cannot trigger a refetch loop; the reader gets the
// snippet as a degraded body.
type BodyService struct {
	msgRepo     out.MessageRepository
	bodyRepo    out.BodyRepository
	accountRepo out.AccountRepository
	factory     out.ProviderFactory
}

func NewBodyService(
	msgRepo out.MessageRepository,
	bodyRepo out.BodyRepository,
	accountRepo out.AccountRepository,
	factory out.ProviderFactory,
) *BodyService {
	return &BodyService{
		msgRepo:     msgRepo,
		bodyRepo:    bodyRepo,
		accountRepo: accountRepo,
		factory:     factory,
	}
}

var _ in.BodyService = (*BodyService)(nil)

func (s *BodyService) GetBody(ctx context.Context, workspaceID, messageID string) (*domain.MessageBody, error) {
	msg, err := s.msgRepo.GetByID(ctx, workspaceID, messageID)
	if err != nil {
		return nil, apperr.DatabaseError("get message", err)
	}
	if msg == nil {
		return nil, apperr.NotFound("message")
	}

	// Cached body first.
	if body, err := s.bodyRepo.Get(ctx, messageID); err != nil {
		logger.Warn("[BodyService.GetBody] Body store read failed for %s: %v", messageID, err)
	} else if body != nil {
		return body, nil
	}

	// Already attempted and failed: serve the snippet, do not refetch.
	if msg.HasBody() {
		return s.snippetBody(msg), nil
	}

	body, fetchErr := s.fetchFromProvider(ctx, msg)

	// Stamped regardless of outcome.
	now := time.Now()
	if err := s.msgRepo.MarkBodyFetched(ctx, msg.ID, now); err != nil {
		logger.Warn("[BodyService.GetBody] Failed to stamp body_fetched_at for %s: %v", msg.ID, err)
	}

	if fetchErr != nil {
		logger.Error("[BodyService.GetBody] Provider fetch failed for %s: %v", msg.ID, fetchErr)
		failed := s.snippetBody(msg)
		failed.FetchedAt = now
		if err := s.bodyRepo.Save(ctx, failed); err != nil {
			logger.Warn("[BodyService.GetBody] Failed to cache degraded body: %v", err)
		}
		return failed, nil
	}

	body.MessageID = msg.ID
	body.FetchedAt = now
	if err := s.bodyRepo.Save(ctx, body); err != nil {
		// Serve the fetched body anyway; the cache miss just costs a
		// refetch check next time.
		logger.Warn("[BodyService.GetBody] Failed to cache body for %s: %v", msg.ID, err)
	}
	return body, nil
}

func (s *BodyService) fetchFromProvider(ctx context.Context, msg *domain.Message) (*domain.MessageBody, error) {
	account, err := s.accountRepo.GetByID(ctx, msg.WorkspaceID, msg.AccountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, apperr.NotFound("account")
	}

	provider, err := s.factory.ProviderFor(account)
	if err != nil {
		return nil, err
	}

	raw, err := provider.FetchBody(ctx, account, msg.ProviderMessageID)
	if err != nil {
		if out.IsAuthError(err) {
			refreshed, rerr := provider.RefreshAuth(ctx, account)
			if rerr != nil {
				return nil, err
			}
			*account = *refreshed
			if uerr := s.accountRepo.UpdateTokens(ctx, account.ID, account.AccessToken, account.RefreshToken, account.TokenExpiry); uerr != nil {
				logger.Warn("[BodyService] Failed to persist refreshed tokens: %v", uerr)
			}
			raw, err = provider.FetchBody(ctx, account, msg.ProviderMessageID)
		}
		if err != nil {
			return nil, err
		}
	}

	return &domain.MessageBody{
		HTMLBody:    raw.HTML,
		TextBody:    raw.Text,
		Attachments: raw.Attachments,
	}, nil
}

func (s *BodyService) snippetBody(msg *domain.Message) *domain.MessageBody {
	return &domain.MessageBody{
		MessageID:   msg.ID,
		TextBody:    msg.Content,
		FetchFailed: true,
	}
}
