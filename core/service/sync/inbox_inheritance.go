package sync

import (
	"context"
	"time"

	"inbox_server/core/domain"
	"inbox_server/core/port/out"
)

// =============================================================================
// InheritanceResolver - carries CRM state onto new conversations
// =============================================================================

// InheritanceResolver copies assignment and pipeline stage from a
// correspondent's most-recently-active conversation onto a newly
// created one, so a new thread from a known lead does not reset triage
// state.
type InheritanceResolver struct {
	convRepo out.ConversationRepository
}

func NewInheritanceResolver(convRepo out.ConversationRepository) *InheritanceResolver {
	return &InheritanceResolver{convRepo: convRepo}
}

// Apply mutates conv in place. A correspondent with no prior
// conversation leaves the fields at their default null; the contract is
// "always attempt inheritance, default to null on miss". The returned
// error is informational only, callers log it and proceed.
func (r *InheritanceResolver) Apply(ctx context.Context, conv *domain.Conversation, correspondentKey string) error {
	if correspondentKey == "" {
		return nil
	}

	prior, err := r.convRepo.FindLatestByCorrespondent(ctx, conv.WorkspaceID, conv.Channel, correspondentKey)
	if err != nil {
		return err
	}
	if prior == nil {
		return nil
	}

	conv.AssignedTo = prior.AssignedTo
	conv.CustomStageID = prior.CustomStageID
	if conv.CustomStageID != nil {
		now := time.Now()
		conv.StageAssignedAt = &now
	}

	return nil
}
