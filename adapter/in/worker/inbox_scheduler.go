package worker

import (
	"context"
	"time"

	"inbox_server/core/domain"
	"inbox_server/core/port/out"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SyncScheduler periodically enqueues incremental syncs for every
// active channel account so accounts without webhooks still converge.
type SyncScheduler struct {
	accounts out.AccountRepository
	producer out.JobProducer
	interval time.Duration
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSyncScheduler creates a background sync scheduler.
func NewSyncScheduler(accounts out.AccountRepository, producer out.JobProducer, interval time.Duration, log zerolog.Logger) *SyncScheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncScheduler{
		accounts: accounts,
		producer: producer,
		interval: interval,
		log:      log.With().Str("component", "sync_scheduler").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start launches the scheduling loop.
func (s *SyncScheduler) Start() {
	go s.run()
	s.log.Info().Dur("interval", s.interval).Msg("sync scheduler started")
}

// Stop stops the scheduler and waits for the loop to exit.
func (s *SyncScheduler) Stop() {
	s.cancel()
	<-s.done
	s.log.Info().Msg("sync scheduler stopped")
}

func (s *SyncScheduler) run() {
	defer close(s.done)

	// Let the API and workers settle before the first full pass.
	select {
	case <-time.After(30 * time.Second):
	case <-s.ctx.Done():
		return
	}

	s.enqueueAll()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.enqueueAll()
		}
	}
}

func (s *SyncScheduler) enqueueAll() {
	ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
	defer cancel()

	accounts, err := s.accounts.ListActive(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list active accounts")
		return
	}

	enqueued := 0
	for _, account := range accounts {
		job := &domain.SyncJob{
			ID:          uuid.NewString(),
			Type:        domain.JobSyncIncremental,
			WorkspaceID: account.WorkspaceID,
			AccountID:   account.ID,
			Priority:    domain.PriorityLow,
			CreatedAt:   time.Now(),
		}
		if err := s.producer.PublishSync(ctx, job); err != nil {
			s.log.Error().Err(err).
				Str("account_id", account.ID).
				Msg("failed to enqueue scheduled sync")
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		s.log.Info().Int("count", enqueued).Msg("scheduled incremental syncs")
	}
}
