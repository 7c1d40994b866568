package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"inbox_server/core/domain"
	"inbox_server/core/port/out"
)

// In-memory fakes shared by the package tests. They mirror the store
// contracts closely enough for pipeline semantics: the conversation
// fake enforces the thread-identity unique constraint and the message
// fake enforces provider-id dedup.

// =============================================================================
// Conversation repository fake
// =============================================================================

type fakeConvRepo struct {
	mu    sync.Mutex
	convs map[string]*domain.Conversation // by id

	findLatestErr error
	createErr     error
	touchErr      error
}

func newFakeConvRepo() *fakeConvRepo {
	return &fakeConvRepo{convs: map[string]*domain.Conversation{}}
}

func threadIdentity(c *domain.Conversation) string {
	return fmt.Sprintf("%s|%s|%s|%s", c.WorkspaceID, c.Channel, c.ProviderThreadKey, c.CounterpartyKey)
}

func (f *fakeConvRepo) Create(ctx context.Context, conv *domain.Conversation) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := threadIdentity(conv)
	for _, existing := range f.convs {
		if threadIdentity(existing) == key {
			return out.ErrConversationExists
		}
	}
	cp := *conv
	f.convs[conv.ID] = &cp
	return nil
}

func (f *fakeConvRepo) GetByID(ctx context.Context, workspaceID, id string) (*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok || c.WorkspaceID != workspaceID {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeConvRepo) FindByThreadKey(ctx context.Context, workspaceID string, channel domain.Channel, threadKey, counterpartyKey string) (*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Mirrors the adapter's matching: an empty counterparty means
	// thread-key-only; a concrete key matches its partition exactly, or
	// falls back to an inbound-created conversation for the same
	// correspondent. Exact partition matches win.
	var fallback *domain.Conversation
	for _, c := range f.convs {
		if c.WorkspaceID != workspaceID || c.Channel != channel || c.ProviderThreadKey != threadKey {
			continue
		}
		if counterpartyKey == "" || c.CounterpartyKey == counterpartyKey {
			cp := *c
			return &cp, nil
		}
		if c.CounterpartyKey == "" && strings.EqualFold(c.SenderEmail, counterpartyKey) {
			cp := *c
			fallback = &cp
		}
	}
	return fallback, nil
}

func (f *fakeConvRepo) FindLatestByCorrespondent(ctx context.Context, workspaceID string, channel domain.Channel, correspondentKey string) (*domain.Conversation, error) {
	if f.findLatestErr != nil {
		return nil, f.findLatestErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var matches []*domain.Conversation
	for _, c := range f.convs {
		if c.WorkspaceID != workspaceID || c.Channel != channel {
			continue
		}
		key := c.SenderEmail
		if channel == domain.ChannelLinkedIn {
			key = c.SenderAttendeeID
		}
		if strings.EqualFold(key, correspondentKey) {
			matches = append(matches, c)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Slice(matches, func(i, j int) bool {
		return activityOf(matches[i]).After(activityOf(matches[j]))
	})
	cp := *matches[0]
	return &cp, nil
}

func activityOf(c *domain.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func (f *fakeConvRepo) TouchLastMessage(ctx context.Context, id string, at time.Time, preview string) error {
	if f.touchErr != nil {
		return f.touchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return fmt.Errorf("conversation %s not found", id)
	}
	if c.LastMessageAt == nil || at.After(*c.LastMessageAt) {
		t := at
		c.LastMessageAt = &t
		c.Preview = preview
	}
	return nil
}

func (f *fakeConvRepo) List(ctx context.Context, filter *domain.ConversationFilter) ([]*domain.Conversation, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*domain.Conversation
	for _, c := range f.convs {
		if c.WorkspaceID == filter.WorkspaceID {
			cp := *c
			result = append(result, &cp)
		}
	}
	return result, len(result), nil
}

func (f *fakeConvRepo) UpdateAssignment(ctx context.Context, workspaceID, id string, assignedTo *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.convs[id]; ok {
		c.AssignedTo = assignedTo
	}
	return nil
}

func (f *fakeConvRepo) UpdateStage(ctx context.Context, workspaceID, id string, stageID *string, assignedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.convs[id]; ok {
		c.CustomStageID = stageID
		c.StageAssignedAt = &assignedAt
	}
	return nil
}

func (f *fakeConvRepo) UpdateStatus(ctx context.Context, workspaceID, id string, status domain.ConversationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.convs[id]; ok {
		c.Status = status
	}
	return nil
}

func (f *fakeConvRepo) UpdateLegacyRead(ctx context.Context, workspaceID, id string, isRead bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.convs[id]; ok {
		c.IsRead = isRead
	}
	return nil
}

func (f *fakeConvRepo) UpdateLegacyFavorite(ctx context.Context, workspaceID, id string, isFavorite bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.convs[id]; ok {
		c.IsFavorite = isFavorite
	}
	return nil
}

func (f *fakeConvRepo) Delete(ctx context.Context, workspaceID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.convs, id)
	return nil
}

func (f *fakeConvRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.convs)
}

// =============================================================================
// Message repository fake
// =============================================================================

type fakeMsgRepo struct {
	mu       sync.Mutex
	messages map[string]*domain.Message // by id
	byProvID map[string]string          // ws|provider_message_id -> id

	createErr error
}

func newFakeMsgRepo() *fakeMsgRepo {
	return &fakeMsgRepo{
		messages: map[string]*domain.Message{},
		byProvID: map[string]string{},
	}
}

func provKey(workspaceID, providerMessageID string) string {
	return workspaceID + "|" + providerMessageID
}

func (f *fakeMsgRepo) Create(ctx context.Context, msg *domain.Message) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := provKey(msg.WorkspaceID, msg.ProviderMessageID)
	if _, ok := f.byProvID[key]; ok {
		return fmt.Errorf("duplicate provider message id %s", msg.ProviderMessageID)
	}
	cp := *msg
	f.messages[msg.ID] = &cp
	f.byProvID[key] = msg.ID
	return nil
}

func (f *fakeMsgRepo) GetByID(ctx context.Context, workspaceID, id string) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok || m.WorkspaceID != workspaceID {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMsgRepo) ExistsByProviderID(ctx context.Context, workspaceID, providerMessageID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.byProvID[provKey(workspaceID, providerMessageID)]
	return ok, nil
}

func (f *fakeMsgRepo) FilterExistingProviderIDs(ctx context.Context, workspaceID string, providerMessageIDs []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing := map[string]bool{}
	for _, id := range providerMessageIDs {
		if _, ok := f.byProvID[provKey(workspaceID, id)]; ok {
			existing[id] = true
		}
	}
	return existing, nil
}

func (f *fakeMsgRepo) ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*domain.Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			cp := *m
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (f *fakeMsgRepo) ListRecentByConversation(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	result, err := f.ListByConversation(ctx, conversationID, 0, 0)
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (f *fakeMsgRepo) MarkBodyFetched(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.messages[id]; ok {
		t := at
		m.BodyFetchedAt = &t
	}
	return nil
}

func (f *fakeMsgRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// =============================================================================
// Sync state repository fake
// =============================================================================

type fakeSyncRepo struct {
	mu     sync.Mutex
	states map[string]*domain.SyncState // by ws|account
	nextID int64
}

func newFakeSyncRepo() *fakeSyncRepo {
	return &fakeSyncRepo{states: map[string]*domain.SyncState{}}
}

func (f *fakeSyncRepo) GetOrCreate(ctx context.Context, workspaceID, accountID string, provider domain.Provider) (*domain.SyncState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workspaceID + "|" + accountID
	if s, ok := f.states[key]; ok {
		cp := *s
		return &cp, nil
	}
	f.nextID++
	s := &domain.SyncState{
		ID:          f.nextID,
		WorkspaceID: workspaceID,
		AccountID:   accountID,
		Provider:    provider,
		Status:      domain.SyncStatusPending,
		MaxRetries:  defaultMaxRetry,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	f.states[key] = s
	cp := *s
	return &cp, nil
}

func (f *fakeSyncRepo) Get(ctx context.Context, workspaceID, accountID string) (*domain.SyncState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[workspaceID+"|"+accountID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSyncRepo) Update(ctx context.Context, state *domain.SyncState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *state
	cp.UpdatedAt = time.Now()
	f.states[state.WorkspaceID+"|"+state.AccountID] = &cp
	return nil
}

func (f *fakeSyncRepo) SetStatus(ctx context.Context, workspaceID, accountID string, status domain.SyncStatus, syncError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[workspaceID+"|"+accountID]; ok {
		s.Status = status
		s.SyncError = syncError
		s.UpdatedAt = time.Now()
	}
	return nil
}

func (f *fakeSyncRepo) ListDueRetries(ctx context.Context, limit int) ([]*domain.SyncState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []*domain.SyncState
	for _, s := range f.states {
		if s.NeedsRetry() {
			cp := *s
			due = append(due, &cp)
		}
	}
	return due, nil
}

// =============================================================================
// Account repository fake
// =============================================================================

type fakeAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]*domain.ChannelAccount
}

func newFakeAccountRepo(accounts ...*domain.ChannelAccount) *fakeAccountRepo {
	f := &fakeAccountRepo{accounts: map[string]*domain.ChannelAccount{}}
	for _, a := range accounts {
		cp := *a
		f.accounts[a.ID] = &cp
	}
	return f
}

func (f *fakeAccountRepo) Create(ctx context.Context, account *domain.ChannelAccount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *account
	f.accounts[account.ID] = &cp
	return nil
}

func (f *fakeAccountRepo) GetByID(ctx context.Context, workspaceID, id string) (*domain.ChannelAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok || a.WorkspaceID != workspaceID {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAccountRepo) GetByExternalID(ctx context.Context, provider domain.Provider, externalID string) (*domain.ChannelAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.Provider == provider && a.ExternalID == externalID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeAccountRepo) ListActive(ctx context.Context) ([]*domain.ChannelAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*domain.ChannelAccount
	for _, a := range f.accounts {
		if a.IsActive {
			cp := *a
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (f *fakeAccountRepo) ListByWorkspace(ctx context.Context, workspaceID string) ([]*domain.ChannelAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*domain.ChannelAccount
	for _, a := range f.accounts {
		if a.WorkspaceID == workspaceID {
			cp := *a
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (f *fakeAccountRepo) UpdateTokens(ctx context.Context, id string, accessToken, refreshToken string, expiry time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.accounts[id]; ok {
		a.AccessToken = accessToken
		a.RefreshToken = refreshToken
		a.TokenExpiry = expiry
	}
	return nil
}

func (f *fakeAccountRepo) Deactivate(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.accounts[id]; ok {
		a.IsActive = false
	}
	return nil
}

// =============================================================================
// Messaging fakes
// =============================================================================

type fakeProducer struct {
	mu        sync.Mutex
	published []*domain.SyncJob
	statuses  map[string]*out.SyncStatusSnapshot
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{statuses: map[string]*out.SyncStatusSnapshot{}}
}

func (f *fakeProducer) PublishSync(ctx context.Context, job *domain.SyncJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, job)
	return nil
}

func (f *fakeProducer) PublishWebhookMessage(ctx context.Context, job *domain.SyncJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, job)
	return nil
}

func (f *fakeProducer) SetSyncStatus(ctx context.Context, accountID string, status *out.SyncStatusSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[accountID] = status
	return nil
}

func (f *fakeProducer) GetSyncStatus(ctx context.Context, accountID string) (*out.SyncStatusSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[accountID], nil
}

type fakeLocker struct {
	mu     sync.Mutex
	held   map[string]bool
	denied bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]bool{}}
}

func (f *fakeLocker) AcquireSyncLock(ctx context.Context, accountID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied || f.held[accountID] {
		return false, nil
	}
	f.held[accountID] = true
	return true, nil
}

func (f *fakeLocker) ReleaseSyncLock(ctx context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, accountID)
	return nil
}

type fakeRealtime struct {
	mu     sync.Mutex
	events []*domain.RealtimeEvent
}

func (f *fakeRealtime) Subscribe(userID string) <-chan *domain.RealtimeEvent {
	return make(chan *domain.RealtimeEvent)
}

func (f *fakeRealtime) Unsubscribe(userID string, ch <-chan *domain.RealtimeEvent) {}
func (f *fakeRealtime) ConnectedCount() int                                        { return 0 }
func (f *fakeRealtime) IsConnected(userID string) bool                             { return false }

func (f *fakeRealtime) Broadcast(ctx context.Context, event *domain.RealtimeEvent) error {
	return nil
}

func (f *fakeRealtime) Push(ctx context.Context, userID string, event *domain.RealtimeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeRealtime) eventTypes() []domain.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []domain.EventType
	for _, e := range f.events {
		types = append(types, e.Type)
	}
	return types
}

// =============================================================================
// Provider fake
// =============================================================================

// fakeProvider serves scripted pages per folder and can inject errors
// on the first N calls.
type fakeProvider struct {
	provider domain.Provider
	pages    map[string][][]out.ProviderMessage // folder -> pages

	mu          sync.Mutex
	listCalls   int
	failFirst   int   // fail this many leading ListMessages calls
	failWith    error // error used for injected failures
	endlessMore bool  // always report another page

	refreshed  *domain.ChannelAccount
	refreshErr error
}

func (f *fakeProvider) ProviderType() domain.Provider { return f.provider }

func (f *fakeProvider) ListMessages(ctx context.Context, account *domain.ChannelAccount, opts *out.ListOptions) (*out.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.failFirst > 0 {
		f.failFirst--
		return nil, f.failWith
	}

	if f.endlessMore {
		return &out.ListResult{
			Messages:      nil,
			NextPageToken: fmt.Sprintf("cursor-%d", f.listCalls),
			HasMore:       true,
		}, nil
	}

	pages := f.pages[opts.Folder]
	idx := 0
	if opts.PageToken != "" {
		fmt.Sscanf(opts.PageToken, "page-%d", &idx)
	}
	if idx >= len(pages) {
		return &out.ListResult{}, nil
	}
	result := &out.ListResult{Messages: pages[idx]}
	if idx+1 < len(pages) {
		result.NextPageToken = fmt.Sprintf("page-%d", idx+1)
		result.HasMore = true
	}
	return result, nil
}

func (f *fakeProvider) FetchBody(ctx context.Context, account *domain.ChannelAccount, providerMessageID string) (*out.ProviderMessageBody, error) {
	return &out.ProviderMessageBody{Text: "body of " + providerMessageID}, nil
}

func (f *fakeProvider) RefreshAuth(ctx context.Context, account *domain.ChannelAccount) (*domain.ChannelAccount, error) {
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	if f.refreshed != nil {
		return f.refreshed, nil
	}
	cp := *account
	cp.AccessToken = "refreshed-token"
	cp.TokenExpiry = time.Now().Add(time.Hour)
	return &cp, nil
}

type fakeFactory struct {
	provider out.ChannelProviderPort
	err      error
}

func (f *fakeFactory) ProviderFor(account *domain.ChannelAccount) (out.ChannelProviderPort, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.provider, nil
}

// =============================================================================
// Fixture helpers
// =============================================================================

func testAccount(provider domain.Provider) *domain.ChannelAccount {
	return &domain.ChannelAccount{
		ID:          "acct-1",
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		Provider:    provider,
		Email:       "owner@example.com",
		IsActive:    true,
		TokenExpiry: time.Now().Add(time.Hour),
	}
}

func inboundEmail(msgID, threadID, fromEmail, snippet string, at time.Time) out.ProviderMessage {
	return out.ProviderMessage{
		ProviderMessageID: msgID,
		ProviderThreadID:  threadID,
		From:              out.ProviderAddress{Name: "Lead", Email: fromEmail},
		To:                []out.ProviderAddress{{Email: "owner@example.com"}},
		Subject:           "Hello",
		Snippet:           snippet,
		Timestamp:         at,
		Folder:            domain.FolderInbox,
	}
}

func sentEmail(msgID, threadID, toEmail string, at time.Time) out.ProviderMessage {
	return out.ProviderMessage{
		ProviderMessageID: msgID,
		ProviderThreadID:  threadID,
		From:              out.ProviderAddress{Name: "Owner", Email: "owner@example.com"},
		To:                []out.ProviderAddress{{Email: toEmail}},
		Subject:           "Outreach",
		Snippet:           "following up",
		Timestamp:         at,
		Folder:            domain.FolderSent,
	}
}

func newPipeline(convRepo *fakeConvRepo, msgRepo *fakeMsgRepo) *UpsertWriter {
	resolver := NewThreadResolver(convRepo, NewInheritanceResolver(convRepo))
	return NewUpsertWriter(resolver, msgRepo, convRepo)
}
