package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"inbox_server/core/domain"
	"inbox_server/core/port/out"
)

func TestWriteCreatesConversationAndMessage(t *testing.T) {
	convRepo := newFakeConvRepo()
	msgRepo := newFakeMsgRepo()
	writer := newPipeline(convRepo, msgRepo)
	account := testAccount(domain.ProviderGmail)

	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	msg := inboundEmail("m1", "thread-1", "Lead@Example.com", "hi there", at)

	result, err := writer.Write(context.Background(), account, &msg)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !result.ConversationCreated {
		t.Error("expected a new conversation")
	}
	if !result.MessageSaved {
		t.Error("expected the message to be saved")
	}

	conv := result.Conversation
	if conv.SenderEmail != "lead@example.com" {
		t.Errorf("sender email = %q, want lowercased", conv.SenderEmail)
	}
	if conv.Status != domain.ConversationStatusNew {
		t.Errorf("status = %q, want new", conv.Status)
	}
	if conv.Preview != "hi there" {
		t.Errorf("preview = %q, want snippet", conv.Preview)
	}
	if conv.LastMessageAt == nil || !conv.LastMessageAt.Equal(at) {
		t.Errorf("last_message_at = %v, want provider timestamp %v", conv.LastMessageAt, at)
	}
}

func TestWriteIsIdempotent(t *testing.T) {
	convRepo := newFakeConvRepo()
	msgRepo := newFakeMsgRepo()
	writer := newPipeline(convRepo, msgRepo)
	account := testAccount(domain.ProviderGmail)

	fixture := []out.ProviderMessage{
		inboundEmail("m1", "thread-1", "a@example.com", "first", time.Now().Add(-2*time.Hour)),
		inboundEmail("m2", "thread-1", "a@example.com", "second", time.Now().Add(-time.Hour)),
		inboundEmail("m3", "thread-2", "b@example.com", "other thread", time.Now()),
	}

	run := func() {
		for i := range fixture {
			if _, err := writer.Write(context.Background(), account, &fixture[i]); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
		}
	}

	run()
	convs, msgs := convRepo.count(), msgRepo.count()
	if convs != 2 || msgs != 3 {
		t.Fatalf("first pass: %d conversations, %d messages; want 2 and 3", convs, msgs)
	}

	// Second pass over the identical fixture must change nothing.
	run()
	if got := convRepo.count(); got != convs {
		t.Errorf("conversations after re-sync = %d, want %d", got, convs)
	}
	if got := msgRepo.count(); got != msgs {
		t.Errorf("messages after re-sync = %d, want %d", got, msgs)
	}
}

func TestWriteDirection(t *testing.T) {
	tests := []struct {
		name         string
		provider     domain.Provider
		msg          out.ProviderMessage
		wantFromLead bool
	}{
		{
			name:         "inbox email is from the lead",
			provider:     domain.ProviderGmail,
			msg:          inboundEmail("m1", "t1", "lead@example.com", "hi", time.Now()),
			wantFromLead: true,
		},
		{
			name:         "sent email is from the owner",
			provider:     domain.ProviderGmail,
			msg:          sentEmail("m2", "t2", "lead@example.com", time.Now()),
			wantFromLead: false,
		},
		{
			name:     "drafts folder counts as outbound",
			provider: domain.ProviderOutlook,
			msg: out.ProviderMessage{
				ProviderMessageID: "m3",
				ProviderThreadID:  "t3",
				From:              out.ProviderAddress{Email: "owner@example.com"},
				To:                []out.ProviderAddress{{Email: "lead@example.com"}},
				Folder:            domain.FolderDrafts,
				Timestamp:         time.Now(),
			},
			wantFromLead: false,
		},
		{
			name:     "linkedin message with is_sender set",
			provider: domain.ProviderLinkedIn,
			msg: out.ProviderMessage{
				ProviderMessageID: "m4",
				ProviderThreadID:  "chat-1",
				From:              out.ProviderAddress{Name: "Owner", AttendeeID: "att-owner"},
				To:                []out.ProviderAddress{{AttendeeID: "att-lead"}},
				Folder:            domain.FolderInbox,
				IsSender:          true,
				Timestamp:         time.Now(),
			},
			wantFromLead: false,
		},
		{
			name:     "linkedin message from the lead",
			provider: domain.ProviderLinkedIn,
			msg: out.ProviderMessage{
				ProviderMessageID: "m5",
				ProviderThreadID:  "chat-2",
				From:              out.ProviderAddress{Name: "Lead", AttendeeID: "att-lead"},
				Folder:            domain.FolderInbox,
				Timestamp:         time.Now(),
			},
			wantFromLead: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			convRepo := newFakeConvRepo()
			msgRepo := newFakeMsgRepo()
			writer := newPipeline(convRepo, msgRepo)
			account := testAccount(tt.provider)

			result, err := writer.Write(context.Background(), account, &tt.msg)
			if err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			stored, _ := msgRepo.GetByID(context.Background(), account.WorkspaceID, firstMessageID(msgRepo))
			if stored == nil {
				t.Fatal("message was not stored")
			}
			if stored.IsFromLead != tt.wantFromLead {
				t.Errorf("is_from_lead = %v, want %v", stored.IsFromLead, tt.wantFromLead)
			}
			if result.Conversation == nil {
				t.Fatal("no conversation returned")
			}
		})
	}
}

func firstMessageID(repo *fakeMsgRepo) string {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	for id := range repo.messages {
		return id
	}
	return ""
}

func TestSentEmailAntiMerge(t *testing.T) {
	// Two sent messages sharing a provider thread id but addressed to
	// different recipients must land in different conversations.
	convRepo := newFakeConvRepo()
	msgRepo := newFakeMsgRepo()
	writer := newPipeline(convRepo, msgRepo)
	account := testAccount(domain.ProviderGmail)

	first := sentEmail("m1", "thread-x", "alice@example.com", time.Now().Add(-time.Hour))
	second := sentEmail("m2", "thread-x", "bob@example.com", time.Now())

	r1, err := writer.Write(context.Background(), account, &first)
	if err != nil {
		t.Fatalf("first Write() error = %v", err)
	}
	r2, err := writer.Write(context.Background(), account, &second)
	if err != nil {
		t.Fatalf("second Write() error = %v", err)
	}

	if r1.Conversation.ID == r2.Conversation.ID {
		t.Error("sent threads to different recipients merged into one conversation")
	}
	if r1.Conversation.CounterpartyKey != "alice@example.com" {
		t.Errorf("counterparty key = %q, want alice@example.com", r1.Conversation.CounterpartyKey)
	}

	// Same recipient again joins the existing partition.
	third := sentEmail("m3", "thread-x", "alice@example.com", time.Now())
	r3, err := writer.Write(context.Background(), account, &third)
	if err != nil {
		t.Fatalf("third Write() error = %v", err)
	}
	if r3.Conversation.ID != r1.Conversation.ID {
		t.Error("same-recipient sent message did not join its partition")
	}
}

func TestSentReplyJoinsInboundConversation(t *testing.T) {
	// A reply from the sent folder belongs to the conversation the
	// lead's inbound message created, not to a fresh partition.
	convRepo := newFakeConvRepo()
	msgRepo := newFakeMsgRepo()
	writer := newPipeline(convRepo, msgRepo)
	account := testAccount(domain.ProviderGmail)

	inbound := inboundEmail("m1", "thread-1", "bob@example.com", "question", time.Now().Add(-time.Hour))
	r1, err := writer.Write(context.Background(), account, &inbound)
	if err != nil {
		t.Fatalf("inbound Write() error = %v", err)
	}

	reply := sentEmail("m2", "thread-1", "Bob@Example.com", time.Now())
	r2, err := writer.Write(context.Background(), account, &reply)
	if err != nil {
		t.Fatalf("sent Write() error = %v", err)
	}

	if got := convRepo.count(); got != 1 {
		t.Fatalf("conversations = %d, want 1", got)
	}
	if r2.Conversation.ID != r1.Conversation.ID {
		t.Errorf("reply landed in conversation %s, want the inbound conversation %s",
			r2.Conversation.ID, r1.Conversation.ID)
	}
	if r2.ConversationCreated {
		t.Error("reply reported a conversation create")
	}

	// The reply clears the pending state: last outbound is now newest.
	msgs, _ := msgRepo.ListByConversation(context.Background(), r1.Conversation.ID, 50, 0)
	values := make([]domain.Message, len(msgs))
	for i, m := range msgs {
		values[i] = *m
	}
	flags := domain.DeriveWorkQueue(values, time.Now(), 0)
	if flags.PendingReply {
		t.Error("pending_reply still set after the outbound reply")
	}
}

func TestConversationIdentityImmutable(t *testing.T) {
	convRepo := newFakeConvRepo()
	msgRepo := newFakeMsgRepo()
	writer := newPipeline(convRepo, msgRepo)
	account := testAccount(domain.ProviderGmail)

	first := inboundEmail("m1", "thread-1", "lead@example.com", "original subject msg", time.Now().Add(-time.Hour))
	r1, err := writer.Write(context.Background(), account, &first)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	origSubject := r1.Conversation.Subject
	origSender := r1.Conversation.SenderEmail

	// A later message on the same thread carries a different subject
	// and sender; only the volatile fields may move.
	later := inboundEmail("m2", "thread-1", "other@example.com", "new preview", time.Now())
	later.Subject = "Re: changed subject"
	if _, err := writer.Write(context.Background(), account, &later); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	stored, _ := convRepo.GetByID(context.Background(), account.WorkspaceID, r1.Conversation.ID)
	if stored.Subject != origSubject {
		t.Errorf("subject changed to %q after later message", stored.Subject)
	}
	if stored.SenderEmail != origSender {
		t.Errorf("sender changed to %q after later message", stored.SenderEmail)
	}
	if stored.Preview != "new preview" {
		t.Errorf("preview = %q, want the latest snippet", stored.Preview)
	}
}

func TestTouchKeepsNewestMessage(t *testing.T) {
	// Messages can arrive out of order; last_message_at never moves
	// backwards.
	convRepo := newFakeConvRepo()
	msgRepo := newFakeMsgRepo()
	writer := newPipeline(convRepo, msgRepo)
	account := testAccount(domain.ProviderGmail)

	newest := inboundEmail("m1", "thread-1", "lead@example.com", "newest", time.Now())
	older := inboundEmail("m2", "thread-1", "lead@example.com", "older", time.Now().Add(-2*time.Hour))

	r1, _ := writer.Write(context.Background(), account, &newest)
	if _, err := writer.Write(context.Background(), account, &older); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	stored, _ := convRepo.GetByID(context.Background(), account.WorkspaceID, r1.Conversation.ID)
	if stored.Preview != "newest" {
		t.Errorf("preview = %q, older message overwrote the newer one", stored.Preview)
	}
}

func TestInheritanceOnNewThread(t *testing.T) {
	convRepo := newFakeConvRepo()
	msgRepo := newFakeMsgRepo()
	writer := newPipeline(convRepo, msgRepo)
	account := testAccount(domain.ProviderGmail)

	// Seed an older conversation with CRM state for the correspondent.
	assignee := "user-42"
	stage := "stage-7"
	lastAt := time.Now().Add(-24 * time.Hour)
	seed := &domain.Conversation{
		ID:                "conv-old",
		WorkspaceID:       account.WorkspaceID,
		AccountID:         account.ID,
		Channel:           domain.ChannelEmail,
		ProviderThreadKey: "thread-old",
		SenderEmail:       "lead@example.com",
		AssignedTo:        &assignee,
		CustomStageID:     &stage,
		LastMessageAt:     &lastAt,
		CreatedAt:         lastAt,
	}
	if err := convRepo.Create(context.Background(), seed); err != nil {
		t.Fatalf("seed error = %v", err)
	}

	msg := inboundEmail("m1", "thread-new", "lead@example.com", "new thread", time.Now())
	result, err := writer.Write(context.Background(), account, &msg)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	conv := result.Conversation
	if conv.AssignedTo == nil || *conv.AssignedTo != assignee {
		t.Errorf("assigned_to = %v, want inherited %q", conv.AssignedTo, assignee)
	}
	if conv.CustomStageID == nil || *conv.CustomStageID != stage {
		t.Errorf("custom_stage_id = %v, want inherited %q", conv.CustomStageID, stage)
	}
	if conv.StageAssignedAt == nil {
		t.Error("stage_assigned_at not stamped on inherited stage")
	}
}

func TestInheritanceMissLeavesNull(t *testing.T) {
	convRepo := newFakeConvRepo()
	msgRepo := newFakeMsgRepo()
	writer := newPipeline(convRepo, msgRepo)
	account := testAccount(domain.ProviderGmail)

	msg := inboundEmail("m1", "thread-1", "unknown@example.com", "hello", time.Now())
	result, err := writer.Write(context.Background(), account, &msg)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if result.Conversation.AssignedTo != nil {
		t.Error("assigned_to should stay null for an unknown correspondent")
	}
	if result.Conversation.CustomStageID != nil {
		t.Error("custom_stage_id should stay null for an unknown correspondent")
	}
}

func TestInheritanceFailureDoesNotBlockIngestion(t *testing.T) {
	convRepo := newFakeConvRepo()
	convRepo.findLatestErr = errors.New("store unavailable")
	msgRepo := newFakeMsgRepo()
	writer := newPipeline(convRepo, msgRepo)
	account := testAccount(domain.ProviderGmail)

	msg := inboundEmail("m1", "thread-1", "lead@example.com", "hello", time.Now())
	result, err := writer.Write(context.Background(), account, &msg)
	if err != nil {
		t.Fatalf("Write() error = %v, inheritance failures must not abort ingestion", err)
	}
	if !result.MessageSaved {
		t.Error("message not saved despite inheritance lookup failure")
	}
}

func TestResolveRaceReReadsWinner(t *testing.T) {
	// A concurrent sync created the conversation between our lookup and
	// insert. The unique violation is recoverable: re-read, use the
	// winner's row.
	convRepo := newFakeConvRepo()
	account := testAccount(domain.ProviderGmail)
	resolver := NewThreadResolver(convRepo, NewInheritanceResolver(convRepo))

	winner := &domain.Conversation{
		ID:                "conv-winner",
		WorkspaceID:       account.WorkspaceID,
		Channel:           domain.ChannelEmail,
		ProviderThreadKey: "thread-1",
		SenderEmail:       "lead@example.com",
		CreatedAt:         time.Now(),
	}

	// raceRepo hides the winner from lookups until Create is attempted.
	repo := &raceConvRepo{fakeConvRepo: convRepo, winner: winner}
	resolver = NewThreadResolver(repo, NewInheritanceResolver(repo))

	msg := inboundEmail("m1", "thread-1", "lead@example.com", "hi", time.Now())
	conv, created, err := resolver.Resolve(context.Background(), account, &msg)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if created {
		t.Error("Resolve reported a create despite losing the race")
	}
	if conv.ID != winner.ID {
		t.Errorf("conversation id = %q, want the winner %q", conv.ID, winner.ID)
	}
}

// raceConvRepo simulates losing the create race: the first lookup
// misses, the insert hits the unique constraint, the re-read sees the
// winner.
type raceConvRepo struct {
	*fakeConvRepo
	winner  *domain.Conversation
	lookups int
}

func (r *raceConvRepo) FindByThreadKey(ctx context.Context, workspaceID string, channel domain.Channel, threadKey, counterpartyKey string) (*domain.Conversation, error) {
	r.lookups++
	if r.lookups == 1 {
		return nil, nil
	}
	cp := *r.winner
	return &cp, nil
}

func (r *raceConvRepo) Create(ctx context.Context, conv *domain.Conversation) error {
	return out.ErrConversationExists
}
