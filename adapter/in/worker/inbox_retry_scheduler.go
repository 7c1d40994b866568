package worker

import (
	"context"
	"time"

	"inbox_server/core/domain"
	"inbox_server/core/port/out"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const retryCheckInterval = 30 * time.Second

// RetrySchedule re-enqueues failed syncs once their backoff window
// has passed. Retry state lives in the sync_states table, so retries
// survive process restarts.
type RetrySchedule struct {
	states   out.SyncStateRepository
	producer out.JobProducer
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRetrySchedule creates a sync retry scheduler.
func NewRetrySchedule(states out.SyncStateRepository, producer out.JobProducer, log zerolog.Logger) *RetrySchedule {
	ctx, cancel := context.WithCancel(context.Background())
	return &RetrySchedule{
		states:   states,
		producer: producer,
		log:      log.With().Str("component", "retry_scheduler").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start launches the retry loop.
func (r *RetrySchedule) Start() {
	go r.run()
	r.log.Info().Dur("interval", retryCheckInterval).Msg("retry scheduler started")
}

// Stop stops the retry loop.
func (r *RetrySchedule) Stop() {
	r.cancel()
	<-r.done
	r.log.Info().Msg("retry scheduler stopped")
}

func (r *RetrySchedule) run() {
	defer close(r.done)

	ticker := time.NewTicker(retryCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.processDueRetries()
		}
	}
}

func (r *RetrySchedule) processDueRetries() {
	ctx, cancel := context.WithTimeout(r.ctx, 2*time.Minute)
	defer cancel()

	states, err := r.states.ListDueRetries(ctx, 50)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to list due retries")
		return
	}

	for _, state := range states {
		// Flip to pending before enqueueing so the same row is not
		// picked up again on the next tick.
		if err := r.states.SetStatus(ctx, state.WorkspaceID, state.AccountID, domain.SyncStatusPending, ""); err != nil {
			r.log.Error().Err(err).
				Str("account_id", state.AccountID).
				Msg("failed to mark retry pending")
			continue
		}

		job := &domain.SyncJob{
			ID:          uuid.NewString(),
			Type:        domain.JobSyncIncremental,
			WorkspaceID: state.WorkspaceID,
			AccountID:   state.AccountID,
			Priority:    domain.PriorityNormal,
			RetryCount:  state.RetryCount,
			CreatedAt:   time.Now(),
		}
		if err := r.producer.PublishSync(ctx, job); err != nil {
			r.log.Error().Err(err).
				Str("account_id", state.AccountID).
				Msg("failed to enqueue sync retry")
			continue
		}

		r.log.Info().
			Str("account_id", state.AccountID).
			Int("retry_count", state.RetryCount).
			Msg("re-enqueued failed sync")
	}
}
