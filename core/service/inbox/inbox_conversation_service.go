// Package inbox implements the read/triage services over ingested
// conversations.
package inbox

import (
	"context"
	"sort"
	"time"

	"inbox_server/core/domain"
	"inbox_server/core/port/in"
	"inbox_server/core/port/out"
	"inbox_server/pkg/apperr"
	"inbox_server/pkg/logger"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	// workQueueScanLimit bounds how many conversations one work-queue
	// request derives flags for.
	workQueueScanLimit = 500

	// workQueueMessageWindow is how many recent messages feed the flag
	// derivation per conversation.
	workQueueMessageWindow = 50
)

// =============================================================================
// ConversationService
// =============================================================================

type ConversationService struct {
	convRepo  out.ConversationRepository
	msgRepo   out.MessageRepository
	stateRepo out.UserStateRepository
	realtime  out.RealtimePort
	slaHours  int
}

func NewConversationService(
	convRepo out.ConversationRepository,
	msgRepo out.MessageRepository,
	stateRepo out.UserStateRepository,
	realtime out.RealtimePort,
	slaHours int,
) *ConversationService {
	if slaHours <= 0 {
		slaHours = domain.DefaultSLAHours
	}
	return &ConversationService{
		convRepo:  convRepo,
		msgRepo:   msgRepo,
		stateRepo: stateRepo,
		realtime:  realtime,
		slaHours:  slaHours,
	}
}

var _ in.ConversationService = (*ConversationService)(nil)

func (s *ConversationService) List(ctx context.Context, filter *domain.ConversationFilter) ([]*domain.Conversation, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}

	convs, total, err := s.convRepo.List(ctx, filter)
	if err != nil {
		return nil, 0, apperr.DatabaseError("list conversations", err)
	}

	if err := s.overlayViewerState(ctx, convs, filter.ViewerID); err != nil {
		// Read/favorite flags degrade to the legacy columns.
		logger.Warn("[ConversationService.List] Viewer state overlay failed: %v", err)
	}

	return convs, total, nil
}

func (s *ConversationService) Get(ctx context.Context, workspaceID, viewerID, id string) (*domain.Conversation, error) {
	conv, err := s.convRepo.GetByID(ctx, workspaceID, id)
	if err != nil {
		return nil, apperr.DatabaseError("get conversation", err)
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation")
	}

	if err := s.overlayViewerState(ctx, []*domain.Conversation{conv}, viewerID); err != nil {
		logger.Warn("[ConversationService.Get] Viewer state overlay failed: %v", err)
	}

	// Detail view carries the derived attention flags.
	if flags, err := s.deriveFlags(ctx, conv.ID); err == nil {
		conv.WorkQueue = flags
	}

	return conv, nil
}

func (s *ConversationService) ListMessages(ctx context.Context, workspaceID, conversationID string, limit, offset int) ([]*domain.Message, error) {
	conv, err := s.convRepo.GetByID(ctx, workspaceID, conversationID)
	if err != nil {
		return nil, apperr.DatabaseError("get conversation", err)
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation")
	}

	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	messages, err := s.msgRepo.ListByConversation(ctx, conversationID, limit, offset)
	if err != nil {
		return nil, apperr.DatabaseError("list messages", err)
	}
	return messages, nil
}

// =============================================================================
// Per-user state
// =============================================================================

func (s *ConversationService) SetRead(ctx context.Context, workspaceID, userID, conversationID string, isRead bool) error {
	if _, err := s.mustGet(ctx, workspaceID, conversationID); err != nil {
		return err
	}
	if err := s.stateRepo.SetRead(ctx, conversationID, userID, isRead); err != nil {
		return apperr.DatabaseError("set read state", err)
	}
	// Legacy column kept in step for clients that predate per-user state.
	if err := s.convRepo.UpdateLegacyRead(ctx, workspaceID, conversationID, isRead); err != nil {
		logger.Warn("[ConversationService.SetRead] Legacy column update failed: %v", err)
	}
	s.notify(ctx, userID, conversationID)
	return nil
}

func (s *ConversationService) SetFavorite(ctx context.Context, workspaceID, userID, conversationID string, isFavorite bool) error {
	if _, err := s.mustGet(ctx, workspaceID, conversationID); err != nil {
		return err
	}
	if err := s.stateRepo.SetFavorite(ctx, conversationID, userID, isFavorite); err != nil {
		return apperr.DatabaseError("set favorite state", err)
	}
	if err := s.convRepo.UpdateLegacyFavorite(ctx, workspaceID, conversationID, isFavorite); err != nil {
		logger.Warn("[ConversationService.SetFavorite] Legacy column update failed: %v", err)
	}
	s.notify(ctx, userID, conversationID)
	return nil
}

// =============================================================================
// CRM triage
// =============================================================================

func (s *ConversationService) Assign(ctx context.Context, workspaceID, conversationID string, assignedTo *string) error {
	if _, err := s.mustGet(ctx, workspaceID, conversationID); err != nil {
		return err
	}
	if err := s.convRepo.UpdateAssignment(ctx, workspaceID, conversationID, assignedTo); err != nil {
		return apperr.DatabaseError("assign conversation", err)
	}
	s.broadcast(ctx, conversationID)
	return nil
}

func (s *ConversationService) SetStage(ctx context.Context, workspaceID, conversationID string, stageID *string) error {
	if _, err := s.mustGet(ctx, workspaceID, conversationID); err != nil {
		return err
	}
	if err := s.convRepo.UpdateStage(ctx, workspaceID, conversationID, stageID, time.Now()); err != nil {
		return apperr.DatabaseError("set stage", err)
	}
	s.broadcast(ctx, conversationID)
	return nil
}

func (s *ConversationService) SetStatus(ctx context.Context, workspaceID, conversationID string, status domain.ConversationStatus) error {
	if !status.IsValid() {
		return apperr.InvalidInput("status", "unknown conversation status")
	}
	if _, err := s.mustGet(ctx, workspaceID, conversationID); err != nil {
		return err
	}
	if err := s.convRepo.UpdateStatus(ctx, workspaceID, conversationID, status); err != nil {
		return apperr.DatabaseError("set status", err)
	}
	s.broadcast(ctx, conversationID)
	return nil
}

func (s *ConversationService) Delete(ctx context.Context, workspaceID, conversationID string) error {
	if _, err := s.mustGet(ctx, workspaceID, conversationID); err != nil {
		return err
	}
	if err := s.convRepo.Delete(ctx, workspaceID, conversationID); err != nil {
		return apperr.DatabaseError("delete conversation", err)
	}
	logger.Info("[ConversationService.Delete] Deleted conversation %s", conversationID)
	return nil
}

// =============================================================================
// Work queue
// =============================================================================

// WorkQueue lists conversations needing attention, oldest waiting
// first. Flags are derived on read from message timestamps; nothing is
// persisted.
func (s *ConversationService) WorkQueue(ctx context.Context, workspaceID, viewerID string, limit, offset int) ([]*domain.Conversation, int, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	convs, _, err := s.convRepo.List(ctx, &domain.ConversationFilter{
		WorkspaceID: workspaceID,
		ViewerID:    viewerID,
		Limit:       workQueueScanLimit,
	})
	if err != nil {
		return nil, 0, apperr.DatabaseError("list conversations", err)
	}

	var queue []*domain.Conversation
	for _, conv := range convs {
		flags, err := s.deriveFlags(ctx, conv.ID)
		if err != nil {
			logger.Warn("[ConversationService.WorkQueue] Flag derivation failed for %s: %v", conv.ID, err)
			continue
		}
		if !flags.PendingReply {
			continue
		}
		conv.WorkQueue = flags
		queue = append(queue, conv)
	}

	// PendingReply guarantees LastInboundAt is set.
	sort.Slice(queue, func(i, j int) bool {
		return queue[i].WorkQueue.LastInboundAt.Before(*queue[j].WorkQueue.LastInboundAt)
	})

	total := len(queue)
	if offset >= total {
		return []*domain.Conversation{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}

	page := queue[offset:end]
	if err := s.overlayViewerState(ctx, page, viewerID); err != nil {
		logger.Warn("[ConversationService.WorkQueue] Viewer state overlay failed: %v", err)
	}
	return page, total, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (s *ConversationService) mustGet(ctx context.Context, workspaceID, id string) (*domain.Conversation, error) {
	conv, err := s.convRepo.GetByID(ctx, workspaceID, id)
	if err != nil {
		return nil, apperr.DatabaseError("get conversation", err)
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation")
	}
	return conv, nil
}

// overlayViewerState replaces the legacy read/favorite columns with the
// viewer's own rows where they exist. Conversations without a per-user
// row keep the legacy values.
func (s *ConversationService) overlayViewerState(ctx context.Context, convs []*domain.Conversation, viewerID string) error {
	if viewerID == "" || len(convs) == 0 {
		return nil
	}

	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	states, err := s.stateRepo.GetForConversations(ctx, ids, viewerID)
	if err != nil {
		return err
	}

	for _, c := range convs {
		if st, ok := states[c.ID]; ok {
			c.IsRead = st.IsRead
			c.IsFavorite = st.IsFavorite
		}
	}
	return nil
}

func (s *ConversationService) deriveFlags(ctx context.Context, conversationID string) (*domain.WorkQueueFlags, error) {
	messages, err := s.msgRepo.ListRecentByConversation(ctx, conversationID, workQueueMessageWindow)
	if err != nil {
		return nil, err
	}
	values := make([]domain.Message, len(messages))
	for i, m := range messages {
		values[i] = *m
	}
	flags := domain.DeriveWorkQueue(values, time.Now(), s.slaHours)
	return &flags, nil
}

func (s *ConversationService) notify(ctx context.Context, userID, conversationID string) {
	if s.realtime == nil {
		return
	}
	event := &domain.RealtimeEvent{
		Type:      domain.EventConversationUpdated,
		UserID:    userID,
		Data:      map[string]any{"conversation_id": conversationID},
		Timestamp: time.Now(),
	}
	if err := s.realtime.Push(ctx, userID, event); err != nil {
		logger.Debug("[ConversationService] Realtime push skipped: %v", err)
	}
}

func (s *ConversationService) broadcast(ctx context.Context, conversationID string) {
	if s.realtime == nil {
		return
	}
	event := &domain.RealtimeEvent{
		Type:      domain.EventConversationUpdated,
		Data:      map[string]any{"conversation_id": conversationID},
		Timestamp: time.Now(),
	}
	if err := s.realtime.Broadcast(ctx, event); err != nil {
		logger.Debug("[ConversationService] Realtime broadcast skipped: %v", err)
	}
}
