package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"inbox_server/core/domain"
	"inbox_server/core/port/in"
	"inbox_server/core/port/out"
	"inbox_server/pkg/apperr"
)

type syncHarness struct {
	svc      *SyncService
	account  *domain.ChannelAccount
	accounts *fakeAccountRepo
	syncRepo *fakeSyncRepo
	convRepo *fakeConvRepo
	msgRepo  *fakeMsgRepo
	provider *fakeProvider
	producer *fakeProducer
	locker   *fakeLocker
	realtime *fakeRealtime
}

func newSyncHarness(t *testing.T, provider *fakeProvider, opts *Options) *syncHarness {
	t.Helper()
	account := testAccount(provider.provider)
	h := &syncHarness{
		account:  account,
		accounts: newFakeAccountRepo(account),
		syncRepo: newFakeSyncRepo(),
		convRepo: newFakeConvRepo(),
		msgRepo:  newFakeMsgRepo(),
		provider: provider,
		producer: newFakeProducer(),
		locker:   newFakeLocker(),
		realtime: &fakeRealtime{},
	}
	h.svc = NewSyncService(
		h.accounts,
		h.syncRepo,
		newPipeline(h.convRepo, h.msgRepo),
		&fakeFactory{provider: provider},
		h.producer,
		h.locker,
		h.realtime,
		opts,
	)
	return h
}

func (h *syncHarness) state(t *testing.T) *domain.SyncState {
	t.Helper()
	s, err := h.syncRepo.Get(context.Background(), h.account.WorkspaceID, h.account.ID)
	if err != nil || s == nil {
		t.Fatalf("sync state missing: %v", err)
	}
	return s
}

func TestRunSyncHappyPath(t *testing.T) {
	now := time.Now()
	provider := &fakeProvider{
		provider: domain.ProviderGmail,
		pages: map[string][][]out.ProviderMessage{
			domain.FolderInbox: {
				{
					inboundEmail("m1", "t1", "a@example.com", "hello", now.Add(-time.Hour)),
					inboundEmail("m2", "t1", "a@example.com", "again", now.Add(-30*time.Minute)),
				},
				{
					inboundEmail("m3", "t2", "b@example.com", "new thread", now),
				},
			},
			domain.FolderSent: {
				{sentEmail("m4", "t1", "a@example.com", now.Add(-15*time.Minute))},
			},
		},
	}

	h := newSyncHarness(t, provider, nil)
	before := time.Now()
	if err := h.svc.RunSync(context.Background(), h.account.WorkspaceID, h.account.ID); err != nil {
		t.Fatalf("RunSync() error = %v", err)
	}

	state := h.state(t)
	if state.Status != domain.SyncStatusCompleted {
		t.Errorf("status = %q, want completed (error field: %q)", state.Status, state.SyncError)
	}
	if state.SyncError != "" {
		t.Errorf("error field not cleared on completion: %q", state.SyncError)
	}
	// Watermark advances to "now", not to the newest message timestamp.
	if state.LastSyncedAt.Before(before) {
		t.Errorf("watermark %v did not advance to completion time", state.LastSyncedAt)
	}
	if state.LastSyncCount != 4 {
		t.Errorf("last_sync_count = %d, want 4", state.LastSyncCount)
	}

	if got := h.msgRepo.count(); got != 4 {
		t.Errorf("messages stored = %d, want 4", got)
	}
	if got := h.convRepo.count(); got != 2 {
		t.Errorf("conversations = %d, want 2", got)
	}

	types := h.realtime.eventTypes()
	if len(types) < 2 || types[0] != domain.EventSyncStarted || types[len(types)-1] != domain.EventSyncCompleted {
		t.Errorf("event sequence = %v, want started first and completed last", types)
	}
}

func TestRunSyncSkipsWhenLockHeld(t *testing.T) {
	provider := &fakeProvider{provider: domain.ProviderGmail}
	h := newSyncHarness(t, provider, nil)
	h.locker.denied = true

	if err := h.svc.RunSync(context.Background(), h.account.WorkspaceID, h.account.ID); err != nil {
		t.Fatalf("RunSync() error = %v, overlapping run should be a silent skip", err)
	}
	if provider.listCalls != 0 {
		t.Errorf("provider called %d times while lock was held", provider.listCalls)
	}
}

func TestRunSyncPageCeiling(t *testing.T) {
	provider := &fakeProvider{
		provider:    domain.ProviderGmail,
		endlessMore: true,
	}
	h := newSyncHarness(t, provider, &Options{MaxPages: 5, Folders: []string{domain.FolderInbox}})

	if err := h.svc.RunSync(context.Background(), h.account.WorkspaceID, h.account.ID); err != nil {
		t.Fatalf("RunSync() error = %v", err)
	}
	if provider.listCalls != 5 {
		t.Errorf("provider calls = %d, want ceiling of 5", provider.listCalls)
	}
	if state := h.state(t); state.Status != domain.SyncStatusCompleted {
		t.Errorf("status = %q, ceiling stop is still a completion", state.Status)
	}
}

func TestRunSyncTokenRefreshRecovers(t *testing.T) {
	provider := &fakeProvider{
		provider:  domain.ProviderGmail,
		failFirst: 1,
		failWith:  out.NewProviderError("gmail", out.ProviderErrTokenExpired, "token expired", nil, false),
		pages: map[string][][]out.ProviderMessage{
			domain.FolderInbox: {{inboundEmail("m1", "t1", "a@example.com", "hi", time.Now())}},
		},
	}
	h := newSyncHarness(t, provider, &Options{Folders: []string{domain.FolderInbox}})

	if err := h.svc.RunSync(context.Background(), h.account.WorkspaceID, h.account.ID); err != nil {
		t.Fatalf("RunSync() error = %v, refresh should have recovered", err)
	}
	if got := h.msgRepo.count(); got != 1 {
		t.Errorf("messages stored = %d, want 1 after refresh recovery", got)
	}

	// The refreshed tokens must be persisted.
	acct, _ := h.accounts.GetByID(context.Background(), h.account.WorkspaceID, h.account.ID)
	if acct.AccessToken != "refreshed-token" {
		t.Errorf("access token = %q, refreshed credentials not persisted", acct.AccessToken)
	}
}

func TestRunSyncAuthFailureIsFatal(t *testing.T) {
	provider := &fakeProvider{
		provider:   domain.ProviderGmail,
		failFirst:  99,
		failWith:   out.NewProviderError("gmail", out.ProviderErrTokenExpired, "token expired", nil, false),
		refreshErr: errors.New("refresh token revoked"),
	}
	h := newSyncHarness(t, provider, nil)

	err := h.svc.RunSync(context.Background(), h.account.WorkspaceID, h.account.ID)
	if err == nil {
		t.Fatal("RunSync() = nil, want reconnect-required error")
	}
	ae := apperr.AsAppError(err)
	if ae == nil || ae.Code != apperr.CodeReconnectNeeded {
		t.Errorf("error code = %v, want reconnect required", err)
	}

	state := h.state(t)
	if state.Status != domain.SyncStatusError {
		t.Errorf("status = %q, want error", state.Status)
	}
	if !state.NextRetryAt.IsZero() {
		t.Error("auth failure scheduled a retry; only reconnecting can fix it")
	}

	var sawError bool
	for _, et := range h.realtime.eventTypes() {
		if et == domain.EventSyncError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("no sync.error event pushed for the auth failure")
	}
}

func TestRunSyncRateLimitRetriesOnce(t *testing.T) {
	provider := &fakeProvider{
		provider:  domain.ProviderGmail,
		failFirst: 1,
		failWith:  out.NewProviderError("gmail", out.ProviderErrRateLimit, "rate limited", nil, true),
		pages: map[string][][]out.ProviderMessage{
			domain.FolderInbox: {{inboundEmail("m1", "t1", "a@example.com", "hi", time.Now())}},
		},
	}
	h := newSyncHarness(t, provider, &Options{Folders: []string{domain.FolderInbox}})

	if err := h.svc.RunSync(context.Background(), h.account.WorkspaceID, h.account.ID); err != nil {
		t.Fatalf("RunSync() error = %v", err)
	}
	if got := h.msgRepo.count(); got != 1 {
		t.Errorf("messages stored = %d, want 1 after the bounded retry", got)
	}
}

func TestRunSyncFolderFailureSkipsFolder(t *testing.T) {
	// A server error on the first folder must not stop the second.
	provider := &fakeProvider{
		provider:  domain.ProviderGmail,
		failFirst: 1,
		failWith:  out.NewProviderError("gmail", out.ProviderErrServer, "upstream 500", nil, true),
		pages: map[string][][]out.ProviderMessage{
			domain.FolderSent: {{sentEmail("m1", "t1", "a@example.com", time.Now())}},
		},
	}
	h := newSyncHarness(t, provider, nil)

	if err := h.svc.RunSync(context.Background(), h.account.WorkspaceID, h.account.ID); err != nil {
		t.Fatalf("RunSync() error = %v, folder failure should be skipped", err)
	}
	if got := h.msgRepo.count(); got != 1 {
		t.Errorf("messages stored = %d, the second folder should still sync", got)
	}
	if state := h.state(t); state.Status != domain.SyncStatusCompleted {
		t.Errorf("status = %q, want completed despite the skipped folder", state.Status)
	}
}

func TestRunSyncTotalFailureSchedulesRetry(t *testing.T) {
	// When every folder fails with a retryable error the run must not
	// complete: the watermark stays put and the next attempt is booked
	// on the backoff table so the retry scanner can pick it up.
	provider := &fakeProvider{
		provider:  domain.ProviderGmail,
		failFirst: 99,
		failWith:  out.NewProviderError("gmail", out.ProviderErrServer, "upstream 500", nil, true),
	}
	h := newSyncHarness(t, provider, nil)

	if err := h.svc.RunSync(context.Background(), h.account.WorkspaceID, h.account.ID); err == nil {
		t.Fatal("RunSync() = nil, want the wrapped retry error")
	}

	state := h.state(t)
	if state.Status != domain.SyncStatusError {
		t.Errorf("status = %q, want error", state.Status)
	}
	if state.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", state.RetryCount)
	}
	if state.NextRetryAt.IsZero() || !state.NextRetryAt.After(time.Now()) {
		t.Errorf("next retry = %v, want a future attempt booked", state.NextRetryAt)
	}
	if !state.LastSyncedAt.IsZero() {
		t.Errorf("watermark = %v advanced on a failed run", state.LastSyncedAt)
	}
}

func TestRunSyncIncrementalUsesWatermark(t *testing.T) {
	provider := &fakeProvider{provider: domain.ProviderGmail}
	h := newSyncHarness(t, provider, &Options{Folders: []string{domain.FolderInbox}})

	// First run establishes the watermark.
	if err := h.svc.RunSync(context.Background(), h.account.WorkspaceID, h.account.ID); err != nil {
		t.Fatalf("initial RunSync() error = %v", err)
	}
	first := h.state(t)
	if first.LastSyncedAt.IsZero() {
		t.Fatal("watermark not set by initial run")
	}

	time.Sleep(5 * time.Millisecond)
	if err := h.svc.RunSync(context.Background(), h.account.WorkspaceID, h.account.ID); err != nil {
		t.Fatalf("incremental RunSync() error = %v", err)
	}
	second := h.state(t)
	if !second.LastSyncedAt.After(first.LastSyncedAt) {
		t.Error("watermark did not advance on the incremental run")
	}
}

func TestEnqueueSync(t *testing.T) {
	provider := &fakeProvider{provider: domain.ProviderGmail}
	h := newSyncHarness(t, provider, nil)

	if err := h.svc.EnqueueSync(context.Background(), h.account.WorkspaceID, h.account.ID); err != nil {
		t.Fatalf("EnqueueSync() error = %v", err)
	}

	if len(h.producer.published) != 1 {
		t.Fatalf("published %d jobs, want 1", len(h.producer.published))
	}
	job := h.producer.published[0]
	if job.Type != domain.JobSyncInitial {
		t.Errorf("job type = %q, want initial for a fresh account", job.Type)
	}
	if state := h.state(t); state.Status != domain.SyncStatusPending {
		t.Errorf("status = %q, want pending after enqueue", state.Status)
	}
}

func TestEnqueueSyncRejectsRunningSync(t *testing.T) {
	provider := &fakeProvider{provider: domain.ProviderGmail}
	h := newSyncHarness(t, provider, nil)

	st, _ := h.syncRepo.GetOrCreate(context.Background(), h.account.WorkspaceID, h.account.ID, domain.ProviderGmail)
	st.Status = domain.SyncStatusInProgress
	if err := h.syncRepo.Update(context.Background(), st); err != nil {
		t.Fatal(err)
	}

	err := h.svc.EnqueueSync(context.Background(), h.account.WorkspaceID, h.account.ID)
	ae := apperr.AsAppError(err)
	if ae == nil || ae.Code != apperr.CodeSyncInProgress {
		t.Errorf("error = %v, want sync-in-progress", err)
	}
}

func TestEnqueueSyncInactiveAccount(t *testing.T) {
	provider := &fakeProvider{provider: domain.ProviderGmail}
	h := newSyncHarness(t, provider, nil)
	h.accounts.Deactivate(context.Background(), h.account.ID)

	if err := h.svc.EnqueueSync(context.Background(), h.account.WorkspaceID, h.account.ID); err == nil {
		t.Error("EnqueueSync() = nil for a disconnected account")
	}
}

func TestScheduleRetryBacksOff(t *testing.T) {
	provider := &fakeProvider{provider: domain.ProviderGmail}
	h := newSyncHarness(t, provider, nil)

	state, _ := h.syncRepo.GetOrCreate(context.Background(), h.account.WorkspaceID, h.account.ID, domain.ProviderGmail)
	cause := errors.New("upstream down")

	for i := 0; i < state.MaxRetries; i++ {
		if err := h.svc.ScheduleRetry(context.Background(), state, cause); err == nil {
			t.Fatalf("ScheduleRetry() attempt %d returned nil, want the wrapped cause", i)
		}
		if state.RetryCount != i+1 {
			t.Fatalf("retry count = %d after attempt %d", state.RetryCount, i)
		}
		if state.NextRetryAt.IsZero() {
			t.Fatalf("no next retry booked on attempt %d", i)
		}
	}

	// Exhausted: terminal error, no further retry.
	if err := h.svc.ScheduleRetry(context.Background(), state, cause); err == nil {
		t.Fatal("ScheduleRetry() past max returned nil")
	}
	final := h.state(t)
	if final.Status != domain.SyncStatusError {
		t.Errorf("status = %q, want error after exhaustion", final.Status)
	}
	if !final.NextRetryAt.IsZero() {
		t.Error("retry still booked after exhaustion")
	}
}

func TestIngestSingleLinkedIn(t *testing.T) {
	provider := &fakeProvider{provider: domain.ProviderLinkedIn}
	h := newSyncHarness(t, provider, nil)

	single := &in.SingleMessage{
		ProviderMessageID: "li-msg-1",
		ProviderThreadID:  "chat-1",
		SenderName:        "Lead Person",
		SenderAttendeeID:  "att-lead",
		Snippet:           "hey there",
		Timestamp:         time.Now().UnixMilli(),
	}
	if err := h.svc.IngestSingle(context.Background(), h.account, single); err != nil {
		t.Fatalf("IngestSingle() error = %v", err)
	}

	if got := h.msgRepo.count(); got != 1 {
		t.Fatalf("messages stored = %d, want 1", got)
	}

	var sawLinkedIn, sawCreated bool
	for _, et := range h.realtime.eventTypes() {
		switch et {
		case domain.EventLinkedInMessage:
			sawLinkedIn = true
		case domain.EventMessageCreated:
			sawCreated = true
		}
	}
	if !sawLinkedIn || !sawCreated {
		t.Errorf("events = %v, want linkedin_message and message.created", h.realtime.eventTypes())
	}

	// Redelivery of the same webhook message is a no-op.
	if err := h.svc.IngestSingle(context.Background(), h.account, single); err != nil {
		t.Fatalf("redelivered IngestSingle() error = %v", err)
	}
	if got := h.msgRepo.count(); got != 1 {
		t.Errorf("messages after redelivery = %d, want 1", got)
	}
}
