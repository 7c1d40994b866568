package inbox

import (
	"context"
	"fmt"
	"sort"
	"time"

	"inbox_server/core/domain"
	"inbox_server/core/port/out"
)

// Minimal in-memory stores for the service tests.

type memConvRepo struct {
	convs map[string]*domain.Conversation
}

func newMemConvRepo(convs ...*domain.Conversation) *memConvRepo {
	r := &memConvRepo{convs: map[string]*domain.Conversation{}}
	for _, c := range convs {
		cp := *c
		r.convs[c.ID] = &cp
	}
	return r
}

func (r *memConvRepo) Create(ctx context.Context, conv *domain.Conversation) error {
	cp := *conv
	r.convs[conv.ID] = &cp
	return nil
}

func (r *memConvRepo) GetByID(ctx context.Context, workspaceID, id string) (*domain.Conversation, error) {
	c, ok := r.convs[id]
	if !ok || c.WorkspaceID != workspaceID {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *memConvRepo) FindByThreadKey(ctx context.Context, workspaceID string, channel domain.Channel, threadKey, counterpartyKey string) (*domain.Conversation, error) {
	return nil, nil
}

func (r *memConvRepo) FindLatestByCorrespondent(ctx context.Context, workspaceID string, channel domain.Channel, correspondentKey string) (*domain.Conversation, error) {
	return nil, nil
}

func (r *memConvRepo) TouchLastMessage(ctx context.Context, id string, at time.Time, preview string) error {
	return nil
}

func (r *memConvRepo) List(ctx context.Context, filter *domain.ConversationFilter) ([]*domain.Conversation, int, error) {
	var result []*domain.Conversation
	for _, c := range r.convs {
		if c.WorkspaceID == filter.WorkspaceID {
			cp := *c
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, len(result), nil
}

func (r *memConvRepo) UpdateAssignment(ctx context.Context, workspaceID, id string, assignedTo *string) error {
	if c, ok := r.convs[id]; ok {
		c.AssignedTo = assignedTo
	}
	return nil
}

func (r *memConvRepo) UpdateStage(ctx context.Context, workspaceID, id string, stageID *string, assignedAt time.Time) error {
	if c, ok := r.convs[id]; ok {
		c.CustomStageID = stageID
		c.StageAssignedAt = &assignedAt
	}
	return nil
}

func (r *memConvRepo) UpdateStatus(ctx context.Context, workspaceID, id string, status domain.ConversationStatus) error {
	if c, ok := r.convs[id]; ok {
		c.Status = status
	}
	return nil
}

func (r *memConvRepo) UpdateLegacyRead(ctx context.Context, workspaceID, id string, isRead bool) error {
	if c, ok := r.convs[id]; ok {
		c.IsRead = isRead
	}
	return nil
}

func (r *memConvRepo) UpdateLegacyFavorite(ctx context.Context, workspaceID, id string, isFavorite bool) error {
	if c, ok := r.convs[id]; ok {
		c.IsFavorite = isFavorite
	}
	return nil
}

func (r *memConvRepo) Delete(ctx context.Context, workspaceID, id string) error {
	delete(r.convs, id)
	return nil
}

type memMsgRepo struct {
	messages map[string]*domain.Message
	markErr  error
}

func newMemMsgRepo(messages ...*domain.Message) *memMsgRepo {
	r := &memMsgRepo{messages: map[string]*domain.Message{}}
	for _, m := range messages {
		cp := *m
		r.messages[m.ID] = &cp
	}
	return r
}

func (r *memMsgRepo) Create(ctx context.Context, msg *domain.Message) error {
	cp := *msg
	r.messages[msg.ID] = &cp
	return nil
}

func (r *memMsgRepo) GetByID(ctx context.Context, workspaceID, id string) (*domain.Message, error) {
	m, ok := r.messages[id]
	if !ok || m.WorkspaceID != workspaceID {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (r *memMsgRepo) ExistsByProviderID(ctx context.Context, workspaceID, providerMessageID string) (bool, error) {
	return false, nil
}

func (r *memMsgRepo) FilterExistingProviderIDs(ctx context.Context, workspaceID string, providerMessageIDs []string) (map[string]bool, error) {
	return map[string]bool{}, nil
}

func (r *memMsgRepo) ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]*domain.Message, error) {
	result := r.conversationMessages(conversationID)
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if offset > 0 {
		if offset >= len(result) {
			return nil, nil
		}
		result = result[offset:]
	}
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *memMsgRepo) ListRecentByConversation(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	result := r.conversationMessages(conversationID)
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *memMsgRepo) conversationMessages(conversationID string) []*domain.Message {
	var result []*domain.Message
	for _, m := range r.messages {
		if m.ConversationID == conversationID {
			cp := *m
			result = append(result, &cp)
		}
	}
	return result
}

func (r *memMsgRepo) MarkBodyFetched(ctx context.Context, id string, at time.Time) error {
	if r.markErr != nil {
		return r.markErr
	}
	if m, ok := r.messages[id]; ok {
		t := at
		m.BodyFetchedAt = &t
	}
	return nil
}

type memStateRepo struct {
	states map[string]*domain.UserConversationState // conv|user
}

func newMemStateRepo() *memStateRepo {
	return &memStateRepo{states: map[string]*domain.UserConversationState{}}
}

func stateKey(conversationID, userID string) string {
	return conversationID + "|" + userID
}

func (r *memStateRepo) Get(ctx context.Context, conversationID, userID string) (*domain.UserConversationState, error) {
	s, ok := r.states[stateKey(conversationID, userID)]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *memStateRepo) GetForConversations(ctx context.Context, conversationIDs []string, userID string) (map[string]*domain.UserConversationState, error) {
	result := map[string]*domain.UserConversationState{}
	for _, id := range conversationIDs {
		if s, ok := r.states[stateKey(id, userID)]; ok {
			cp := *s
			result[id] = &cp
		}
	}
	return result, nil
}

func (r *memStateRepo) set(conversationID, userID string, mutate func(*domain.UserConversationState)) {
	key := stateKey(conversationID, userID)
	s, ok := r.states[key]
	if !ok {
		s = &domain.UserConversationState{ConversationID: conversationID, UserID: userID}
		r.states[key] = s
	}
	mutate(s)
	s.UpdatedAt = time.Now()
}

func (r *memStateRepo) SetRead(ctx context.Context, conversationID, userID string, isRead bool) error {
	r.set(conversationID, userID, func(s *domain.UserConversationState) { s.IsRead = isRead })
	return nil
}

func (r *memStateRepo) SetFavorite(ctx context.Context, conversationID, userID string, isFavorite bool) error {
	r.set(conversationID, userID, func(s *domain.UserConversationState) { s.IsFavorite = isFavorite })
	return nil
}

type memBodyRepo struct {
	bodies map[string]*domain.MessageBody
}

func newMemBodyRepo() *memBodyRepo {
	return &memBodyRepo{bodies: map[string]*domain.MessageBody{}}
}

func (r *memBodyRepo) Get(ctx context.Context, messageID string) (*domain.MessageBody, error) {
	b, ok := r.bodies[messageID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (r *memBodyRepo) Save(ctx context.Context, body *domain.MessageBody) error {
	cp := *body
	r.bodies[body.MessageID] = &cp
	return nil
}

func (r *memBodyRepo) Delete(ctx context.Context, messageID string) error {
	delete(r.bodies, messageID)
	return nil
}

type memAccountRepo struct {
	accounts map[string]*domain.ChannelAccount
}

func newMemAccountRepo(accounts ...*domain.ChannelAccount) *memAccountRepo {
	r := &memAccountRepo{accounts: map[string]*domain.ChannelAccount{}}
	for _, a := range accounts {
		cp := *a
		r.accounts[a.ID] = &cp
	}
	return r
}

func (r *memAccountRepo) Create(ctx context.Context, account *domain.ChannelAccount) error {
	cp := *account
	r.accounts[account.ID] = &cp
	return nil
}

func (r *memAccountRepo) GetByID(ctx context.Context, workspaceID, id string) (*domain.ChannelAccount, error) {
	a, ok := r.accounts[id]
	if !ok || a.WorkspaceID != workspaceID {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (r *memAccountRepo) GetByExternalID(ctx context.Context, provider domain.Provider, externalID string) (*domain.ChannelAccount, error) {
	return nil, nil
}

func (r *memAccountRepo) ListActive(ctx context.Context) ([]*domain.ChannelAccount, error) {
	return nil, nil
}

func (r *memAccountRepo) ListByWorkspace(ctx context.Context, workspaceID string) ([]*domain.ChannelAccount, error) {
	return nil, nil
}

func (r *memAccountRepo) UpdateTokens(ctx context.Context, id string, accessToken, refreshToken string, expiry time.Time) error {
	if a, ok := r.accounts[id]; ok {
		a.AccessToken = accessToken
		a.RefreshToken = refreshToken
		a.TokenExpiry = expiry
	}
	return nil
}

func (r *memAccountRepo) Deactivate(ctx context.Context, id string) error {
	if a, ok := r.accounts[id]; ok {
		a.IsActive = false
	}
	return nil
}

// stubProvider answers FetchBody from a script.
type stubProvider struct {
	provider   domain.Provider
	body       *out.ProviderMessageBody
	fetchErr   error
	fetchCalls int
}

func (p *stubProvider) ProviderType() domain.Provider { return p.provider }

func (p *stubProvider) ListMessages(ctx context.Context, account *domain.ChannelAccount, opts *out.ListOptions) (*out.ListResult, error) {
	return &out.ListResult{}, nil
}

func (p *stubProvider) FetchBody(ctx context.Context, account *domain.ChannelAccount, providerMessageID string) (*out.ProviderMessageBody, error) {
	p.fetchCalls++
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	if p.body != nil {
		return p.body, nil
	}
	return &out.ProviderMessageBody{Text: "full body of " + providerMessageID}, nil
}

func (p *stubProvider) RefreshAuth(ctx context.Context, account *domain.ChannelAccount) (*domain.ChannelAccount, error) {
	return nil, fmt.Errorf("refresh not supported")
}

type stubFactory struct {
	provider out.ChannelProviderPort
}

func (f *stubFactory) ProviderFor(account *domain.ChannelAccount) (out.ChannelProviderPort, error) {
	return f.provider, nil
}

type nullRealtime struct {
	pushed []*domain.RealtimeEvent
}

func (n *nullRealtime) Subscribe(userID string) <-chan *domain.RealtimeEvent {
	return make(chan *domain.RealtimeEvent)
}

func (n *nullRealtime) Unsubscribe(userID string, ch <-chan *domain.RealtimeEvent) {}
func (n *nullRealtime) ConnectedCount() int                                        { return 0 }
func (n *nullRealtime) IsConnected(userID string) bool                             { return false }

func (n *nullRealtime) Push(ctx context.Context, userID string, event *domain.RealtimeEvent) error {
	n.pushed = append(n.pushed, event)
	return nil
}

func (n *nullRealtime) Broadcast(ctx context.Context, event *domain.RealtimeEvent) error {
	n.pushed = append(n.pushed, event)
	return nil
}
