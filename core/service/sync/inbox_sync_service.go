package sync

import (
	"context"
	"fmt"
	"time"

	"inbox_server/core/domain"
	"inbox_server/core/port/in"
	"inbox_server/core/port/out"
	"inbox_server/pkg/apperr"
	"inbox_server/pkg/logger"

	"github.com/google/uuid"
)

// =============================================================================
// SyncService - per-account sync orchestration
// =============================================================================

const (
	// DefaultMaxPages is the safety ceiling per folder. A provider stub
	// that never stops returning cursors must not loop forever.
	DefaultMaxPages = 50

	DefaultPageSize        = 50
	DefaultInitialDaysBack = 30

	// rateLimitRetryDelay is the single fixed backoff applied after a
	// 429 before the one bounded retry.
	rateLimitRetryDelay = 5 * time.Second

	syncLockTTL     = 30 * time.Minute
	defaultMaxRetry = 5
)

// Options tunes the orchestrator. Zero values fall back to defaults.
type Options struct {
	InitialDaysBack int
	PageSize        int
	MaxPages        int
	Folders         []string
}

func (o *Options) withDefaults() Options {
	opts := Options{
		InitialDaysBack: DefaultInitialDaysBack,
		PageSize:        DefaultPageSize,
		MaxPages:        DefaultMaxPages,
		Folders:         []string{domain.FolderInbox, domain.FolderSent},
	}
	if o == nil {
		return opts
	}
	if o.InitialDaysBack > 0 {
		opts.InitialDaysBack = o.InitialDaysBack
	}
	if o.PageSize > 0 {
		opts.PageSize = o.PageSize
	}
	if o.MaxPages > 0 {
		opts.MaxPages = o.MaxPages
	}
	if len(o.Folders) > 0 {
		opts.Folders = o.Folders
	}
	return opts
}

type SyncService struct {
	accountRepo out.AccountRepository
	syncRepo    out.SyncStateRepository
	writer      *UpsertWriter
	factory     out.ProviderFactory
	producer    out.JobProducer
	locker      out.SyncLocker
	realtime    out.RealtimePort
	opts        Options
}

func NewSyncService(
	accountRepo out.AccountRepository,
	syncRepo out.SyncStateRepository,
	writer *UpsertWriter,
	factory out.ProviderFactory,
	producer out.JobProducer,
	locker out.SyncLocker,
	realtime out.RealtimePort,
	opts *Options,
) *SyncService {
	return &SyncService{
		accountRepo: accountRepo,
		syncRepo:    syncRepo,
		writer:      writer,
		factory:     factory,
		producer:    producer,
		locker:      locker,
		realtime:    realtime,
		opts:        opts.withDefaults(),
	}
}

var _ in.SyncService = (*SyncService)(nil)

// =============================================================================
// EnqueueSync - queue a run and return immediately
// =============================================================================

func (s *SyncService) EnqueueSync(ctx context.Context, workspaceID, accountID string) error {
	account, err := s.accountRepo.GetByID(ctx, workspaceID, accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return apperr.NotFound("account")
	}
	if !account.IsActive {
		return apperr.BadRequest("account is disconnected")
	}

	state, err := s.syncRepo.GetOrCreate(ctx, workspaceID, accountID, account.Provider)
	if err != nil {
		return err
	}
	if state.Status == domain.SyncStatusInProgress {
		return apperr.SyncInProgress(accountID)
	}

	jobType := domain.JobSyncIncremental
	if state.IsFirstSync() {
		jobType = domain.JobSyncInitial
	}

	if err := s.syncRepo.SetStatus(ctx, workspaceID, accountID, domain.SyncStatusPending, ""); err != nil {
		return err
	}
	s.mirrorStatus(ctx, accountID, domain.SyncStatusPending, "", "", time.Time{})

	return s.producer.PublishSync(ctx, &domain.SyncJob{
		ID:          uuid.NewString(),
		Type:        jobType,
		WorkspaceID: workspaceID,
		AccountID:   accountID,
		Priority:    domain.PriorityNormal,
		CreatedAt:   time.Now(),
	})
}

// Status returns the per-account sync record.
func (s *SyncService) Status(ctx context.Context, workspaceID, accountID string) (*domain.SyncState, error) {
	state, err := s.syncRepo.Get(ctx, workspaceID, accountID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, apperr.NotFound("sync state")
	}
	return state, nil
}

// =============================================================================
// RunSync - one account sync invocation
// =============================================================================

// RunSync walks the folder list page by page, normalizing, resolving
// threads and upserting. Per-message and per-folder errors are logged
// and skipped; the one fatal condition is an auth failure whose token
// refresh also fails, which aborts the account with a reconnect-required
// error. On full completion the watermark advances to now.
func (s *SyncService) RunSync(ctx context.Context, workspaceID, accountID string) error {
	startTime := time.Now()
	logger.Info("[SyncService.RunSync] Starting for account %s", accountID)

	account, err := s.accountRepo.GetByID(ctx, workspaceID, accountID)
	if err != nil {
		return err
	}
	if account == nil || !account.IsActive {
		return apperr.NotFound("account")
	}

	// Overlapping syncs of the same account are the known
	// thread-creation race window, so serialize per account.
	acquired, err := s.locker.AcquireSyncLock(ctx, accountID, syncLockTTL)
	if err != nil {
		logger.Warn("[SyncService.RunSync] Lock check failed for %s: %v", accountID, err)
	} else if !acquired {
		logger.Info("[SyncService.RunSync] Sync already running for account %s, skipping", accountID)
		return nil
	}
	defer s.locker.ReleaseSyncLock(ctx, accountID)

	state, err := s.syncRepo.GetOrCreate(ctx, workspaceID, accountID, account.Provider)
	if err != nil {
		return err
	}

	provider, err := s.factory.ProviderFor(account)
	if err != nil {
		return s.failSync(ctx, state, account, err.Error())
	}

	// PENDING -> IN_PROGRESS
	progress := &domain.SyncProgress{FoldersTotal: len(s.opts.Folders)}
	s.setProgress(ctx, state, progress)
	s.pushEvent(ctx, account.UserID, domain.EventSyncStarted, map[string]any{
		"account_id": accountID,
		"initial":    state.IsFirstSync(),
	})

	// Window: initial runs look back a fixed number of days, incremental
	// runs resume from the watermark.
	window := &out.ListOptions{MaxResults: s.opts.PageSize}
	if state.IsFirstSync() {
		window.DaysBack = s.opts.InitialDaysBack
	} else {
		since := state.LastSyncedAt
		window.Since = &since
	}

	totalSaved := 0
	foldersSucceeded := 0
	var lastFolderErr error
	for _, folder := range s.opts.Folders {
		saved, err := s.syncFolder(ctx, account, provider, folder, *window, progress)
		totalSaved += saved
		if err != nil {
			if out.IsAuthError(err) {
				// Fatal: abort remaining folders, surface reconnect.
				return s.failAuth(ctx, state, account, err)
			}
			// Transient per-folder failure: log and move on.
			logger.Error("[SyncService.RunSync] Folder %s failed for account %s: %v", folder, accountID, err)
			progress.Errors++
			lastFolderErr = err
		} else {
			foldersSucceeded++
		}
		progress.FoldersDone++
		s.setProgress(ctx, state, progress)
	}

	// A run where every folder failed must not advance the watermark.
	// Retryable causes get booked on the backoff table for the retry
	// scanner; anything else leaves the record in error.
	if foldersSucceeded == 0 && lastFolderErr != nil {
		if out.IsRetryable(lastFolderErr) {
			return s.ScheduleRetry(ctx, state, lastFolderErr)
		}
		return s.failSync(ctx, state, account, lastFolderErr.Error())
	}

	// Completion: watermark advances to "now", not to the last message
	// timestamp. An interrupted run can skip older unprocessed messages
	// on the next incremental pass.
	now := time.Now()
	state.Status = domain.SyncStatusCompleted
	state.SyncError = ""
	state.LastSyncedAt = now
	state.LastSyncAt = now
	state.LastSyncCount = totalSaved
	state.TotalSynced += int64(totalSaved)
	state.RetryCount = 0
	state.NextRetryAt = time.Time{}
	if err := s.syncRepo.Update(ctx, state); err != nil {
		logger.Error("[SyncService.RunSync] Failed to finalize sync state: %v", err)
	}
	s.mirrorStatus(ctx, accountID, domain.SyncStatusCompleted, "", "", now)

	s.pushEvent(ctx, account.UserID, domain.EventSyncCompleted, map[string]any{
		"account_id": accountID,
		"saved":      totalSaved,
	})

	logger.Info("[SyncService.RunSync] Completed account %s: %d messages in %v",
		accountID, totalSaved, time.Since(startTime))
	return nil
}

// syncFolder drives the fetch/normalize/resolve/upsert loop for one
// folder until the provider stops returning cursors or the page ceiling
// is hit.
func (s *SyncService) syncFolder(ctx context.Context, account *domain.ChannelAccount, provider out.ChannelProviderPort, folder string, window out.ListOptions, progress *domain.SyncProgress) (int, error) {
	window.Folder = folder
	progress.Folder = folder

	saved := 0
	pageToken := ""
	for page := 0; ; page++ {
		if page >= s.opts.MaxPages {
			logger.Warn("[SyncService.syncFolder] Page ceiling (%d) hit for account %s folder %s, stopping",
				s.opts.MaxPages, account.ID, folder)
			break
		}

		window.PageToken = pageToken
		result, err := s.listWithRetry(ctx, account, provider, &window)
		if err != nil {
			return saved, err
		}

		progress.PagesFetched++
		progress.MessagesSeen += len(result.Messages)

		for i := range result.Messages {
			msg := &result.Messages[i]
			wr, err := s.writer.Write(ctx, account, msg)
			if err != nil {
				// At-least-once: the message was never recorded, the
				// next run retries it.
				logger.Error("[SyncService.syncFolder] Failed to process message %s: %v", msg.ProviderMessageID, err)
				progress.Errors++
				continue
			}
			if wr.MessageSaved {
				saved++
				progress.MessagesSaved++
			}
		}

		if result.NextPageToken == "" || !result.HasMore {
			break
		}
		pageToken = result.NextPageToken
	}

	return saved, nil
}

// listWithRetry wraps one metadata page call with the error taxonomy:
// an expired token gets one refresh-then-retry, a rate limit gets one
// bounded retry after a fixed delay, anything else propagates.
func (s *SyncService) listWithRetry(ctx context.Context, account *domain.ChannelAccount, provider out.ChannelProviderPort, window *out.ListOptions) (*out.ListResult, error) {
	result, err := provider.ListMessages(ctx, account, window)
	if err == nil {
		return result, nil
	}

	if out.IsAuthError(err) {
		refreshed, rerr := provider.RefreshAuth(ctx, account)
		if rerr != nil {
			logger.Warn("[SyncService] Token refresh failed for account %s: %v", account.ID, rerr)
			return nil, err
		}
		*account = *refreshed
		if uerr := s.accountRepo.UpdateTokens(ctx, account.ID, account.AccessToken, account.RefreshToken, account.TokenExpiry); uerr != nil {
			logger.Warn("[SyncService] Failed to persist refreshed tokens: %v", uerr)
		}
		return provider.ListMessages(ctx, account, window)
	}

	if out.IsRateLimited(err) {
		logger.Warn("[SyncService] Rate limited for account %s, retrying after %v", account.ID, rateLimitRetryDelay)
		select {
		case <-time.After(rateLimitRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return provider.ListMessages(ctx, account, window)
	}

	return nil, err
}

// =============================================================================
// Webhook single-message ingestion
// =============================================================================

// IngestSingle runs the resolve/upsert path for one webhook-delivered
// message instead of a full sync.
func (s *SyncService) IngestSingle(ctx context.Context, account *domain.ChannelAccount, single *in.SingleMessage) error {
	msg := &out.ProviderMessage{
		ProviderMessageID: single.ProviderMessageID,
		ProviderThreadID:  single.ProviderThreadID,
		From: out.ProviderAddress{
			Name:        single.SenderName,
			Email:       single.SenderEmail,
			AttendeeID:  single.SenderAttendeeID,
			LinkedInURL: single.SenderLinkedInURL,
		},
		Snippet:   single.Snippet,
		Timestamp: time.UnixMilli(single.Timestamp),
		Folder:    domain.FolderInbox,
		IsSender:  single.IsSender,
	}

	wr, err := s.writer.Write(ctx, account, msg)
	if err != nil {
		return err
	}

	if wr.MessageSaved && account.Provider == domain.ProviderLinkedIn {
		s.pushEvent(ctx, account.UserID, domain.EventLinkedInMessage, &domain.LinkedInMessageEvent{
			ConversationID: wr.Conversation.ID,
			ChatID:         single.ProviderThreadID,
			AccountID:      account.ID,
			Timestamp:      msg.Timestamp,
			IsFromLead:     !single.IsSender,
		})
	}
	if wr.MessageSaved {
		s.pushEvent(ctx, account.UserID, domain.EventMessageCreated, map[string]any{
			"conversation_id": wr.Conversation.ID,
			"account_id":      account.ID,
		})
	}

	return nil
}

// =============================================================================
// Retry & failure handling
// =============================================================================

// ScheduleRetry books the next attempt for a retryable failure using
// the backoff table. Exhausted retries leave the record in error.
func (s *SyncService) ScheduleRetry(ctx context.Context, state *domain.SyncState, cause error) error {
	if !state.CanRetry() {
		state.Status = domain.SyncStatusError
		state.SyncError = fmt.Sprintf("max retries exceeded: %v", cause)
		state.FailedAt = time.Now()
		state.NextRetryAt = time.Time{}
		if err := s.syncRepo.Update(ctx, state); err != nil {
			return err
		}
		s.mirrorStatus(ctx, state.AccountID, domain.SyncStatusError, "", state.SyncError, state.LastSyncedAt)
		logger.Error("[SyncService] Max retries exceeded for account %s", state.AccountID)
		return fmt.Errorf("max retries exceeded: %w", cause)
	}

	delay := domain.GetRetryDelay(state.RetryCount)
	state.Status = domain.SyncStatusError
	state.SyncError = cause.Error()
	state.RetryCount++
	state.NextRetryAt = time.Now().Add(delay)
	state.FailedAt = time.Now()
	if err := s.syncRepo.Update(ctx, state); err != nil {
		return err
	}
	s.mirrorStatus(ctx, state.AccountID, domain.SyncStatusError, "", state.SyncError, state.LastSyncedAt)

	logger.Info("[SyncService] Scheduled retry %d for account %s at %v",
		state.RetryCount, state.AccountID, state.NextRetryAt)
	return fmt.Errorf("sync failed, retry scheduled: %w", cause)
}

func (s *SyncService) failAuth(ctx context.Context, state *domain.SyncState, account *domain.ChannelAccount, cause error) error {
	// Token refresh already failed once; no retry will fix this, the
	// user has to re-authorize.
	msg := fmt.Sprintf("account connection expired, please reconnect %s", account.Provider)
	state.Status = domain.SyncStatusError
	state.SyncError = msg
	state.FailedAt = time.Now()
	state.NextRetryAt = time.Time{}
	if err := s.syncRepo.Update(ctx, state); err != nil {
		logger.Error("[SyncService] Failed to record auth failure: %v", err)
	}
	s.mirrorStatus(ctx, account.ID, domain.SyncStatusError, "", msg, state.LastSyncedAt)

	s.pushEvent(ctx, account.UserID, domain.EventSyncError, map[string]any{
		"account_id": account.ID,
		"error":      msg,
		"reconnect":  true,
	})

	logger.Warn("[SyncService] Auth failure for account %s: %v", account.ID, cause)
	return apperr.ReconnectRequired(string(account.Provider)).WithError(cause)
}

func (s *SyncService) failSync(ctx context.Context, state *domain.SyncState, account *domain.ChannelAccount, msg string) error {
	state.Status = domain.SyncStatusError
	state.SyncError = msg
	state.FailedAt = time.Now()
	if err := s.syncRepo.Update(ctx, state); err != nil {
		logger.Error("[SyncService] Failed to record sync failure: %v", err)
	}
	s.mirrorStatus(ctx, account.ID, domain.SyncStatusError, "", msg, state.LastSyncedAt)
	return apperr.Internal(msg)
}

// =============================================================================
// Progress & events
// =============================================================================

// setProgress moves the record to in_progress with the JSON counters
// packed into the error field, and mirrors the snapshot to Redis for
// cheap polling.
func (s *SyncService) setProgress(ctx context.Context, state *domain.SyncState, progress *domain.SyncProgress) {
	encoded := progress.Encode()
	state.Status = domain.SyncStatusInProgress
	state.SyncError = encoded
	if err := s.syncRepo.SetStatus(ctx, state.WorkspaceID, state.AccountID, domain.SyncStatusInProgress, encoded); err != nil {
		logger.Warn("[SyncService] Failed to update progress: %v", err)
	}
	s.mirrorStatus(ctx, state.AccountID, domain.SyncStatusInProgress, encoded, "", state.LastSyncedAt)
}

func (s *SyncService) mirrorStatus(ctx context.Context, accountID string, status domain.SyncStatus, progress, errMsg string, lastSyncedAt time.Time) {
	if s.producer == nil {
		return
	}
	snapshot := &out.SyncStatusSnapshot{
		Status:       status,
		Progress:     progress,
		Error:        errMsg,
		LastSyncedAt: lastSyncedAt,
		UpdatedAt:    time.Now(),
	}
	if err := s.producer.SetSyncStatus(ctx, accountID, snapshot); err != nil {
		logger.Warn("[SyncService] Failed to mirror sync status: %v", err)
	}
}

func (s *SyncService) pushEvent(ctx context.Context, userID string, eventType domain.EventType, data interface{}) {
	if s.realtime == nil || userID == "" {
		return
	}
	event := &domain.RealtimeEvent{
		Type:      eventType,
		UserID:    userID,
		Data:      data,
		Timestamp: time.Now(),
	}
	if err := s.realtime.Push(ctx, userID, event); err != nil {
		logger.Debug("[SyncService] Realtime push skipped: %v", err)
	}
}
