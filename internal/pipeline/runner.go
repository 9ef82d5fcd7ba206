package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/firedesk/backend/internal/bus"
	"github.com/firedesk/backend/internal/errs"
	"github.com/firedesk/backend/internal/models"
)

// StageFunc does the actual stage work. The returned data map becomes
// the payload of the completed event. Implementations must be safe to
// re-invoke: a crash between the work and the outcome write replays the
// stage on recovery.
type StageFunc func(ctx context.Context) (message string, data map[string]any, err error)

// Runner executes one stage for one ticket: idempotency guard, started/
// completed/failed events, retries on transient failures with capped
// exponential backoff, persistence of the outcome.
type Runner struct {
	Store       Storage
	Bus         *bus.Bus
	Logger      zerolog.Logger
	RetryBudget int
	DBTimeout   time.Duration

	// IsUnavailable recognizes "database unreachable" errors from the
	// concrete store so they can escalate to a batch-fatal failure.
	IsUnavailable func(error) bool
}

// Run drives fn under the stage's per-attempt timeout and wall clock. A
// stage that exhausts its budget is recorded as failed and does NOT
// surface an error; only batch-fatal conditions (database unreachable)
// come back as a non-nil error.
func (r *Runner) Run(
	ctx context.Context,
	ticketID, batchID uuid.UUID,
	stage models.Stage,
	attemptTimeout, wallClock time.Duration,
	fn StageFunc,
) (models.StageOutcome, error) {
	// Idempotency guard: a completed stage is never re-run.
	if prev, err := r.Store.GetStageOutcome(ctx, ticketID, stage); err == nil && prev != nil && prev.Status == models.StageCompleted {
		return *prev, nil
	}

	started := time.Now().UTC()
	outcome := models.StageOutcome{
		TicketID:  ticketID,
		BatchID:   batchID,
		Stage:     stage,
		Status:    models.StageInProgress,
		StartedAt: started,
	}
	// Best effort; an in-progress marker that never lands is harmless.
	_ = r.writeOutcome(ctx, outcome)

	r.publish(ticketID, batchID, stage, models.StageInProgress, "", nil)

	runCtx := ctx
	var cancel context.CancelFunc
	if wallClock > 0 {
		runCtx, cancel = context.WithTimeout(ctx, wallClock)
		defer cancel()
	}

	var (
		message string
		data    map[string]any
	)
	operation := func() error {
		attemptCtx := runCtx
		var attemptCancel context.CancelFunc
		if attemptTimeout > 0 {
			attemptCtx, attemptCancel = context.WithTimeout(runCtx, attemptTimeout)
			defer attemptCancel()
		}
		var err error
		message, data, err = fn(attemptCtx)
		if err == nil {
			return nil
		}
		if runCtx.Err() != nil {
			// Wall clock elapsed or the batch was cancelled; stop retrying.
			return backoff.Permanent(err)
		}
		var fatal *errs.FatalInfraError
		if errors.As(err, &fatal) {
			return backoff.Permanent(err)
		}
		if !errs.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 250 * time.Millisecond
	expo.Multiplier = 2
	expo.RandomizationFactor = 0.2
	expo.MaxInterval = 4 * time.Second
	expo.MaxElapsedTime = 0

	budget := r.RetryBudget
	if budget < 0 {
		budget = 0
	}
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(expo, uint64(budget)), runCtx))

	completed := time.Now().UTC()
	outcome.CompletedAt = &completed

	if err != nil {
		outcome.Status = models.StageFailed
		outcome.ErrorDetail = err.Error()
		outcome.Message = string(stage) + " failed"
		if ctx.Err() != nil {
			outcome.Message = string(stage) + " cancelled"
			outcome.ErrorDetail = errs.ErrCancelled.Error()
		}

		var fatal *errs.FatalInfraError
		isFatal := errors.As(err, &fatal)

		if werr := r.writeOutcome(ctx, outcome); werr != nil {
			r.Logger.Error().Err(werr).Str("stage", string(stage)).Msg("stage outcome write failed")
		}
		r.publish(ticketID, batchID, stage, models.StageFailed, outcome.Message, map[string]any{
			"error":      outcome.ErrorDetail,
			"elapsed_ms": outcome.ElapsedMs(),
		})
		r.Logger.Warn().
			Str("ticket_id", ticketID.String()).
			Str("stage", string(stage)).
			Err(err).
			Msg("stage failed")
		if isFatal {
			return outcome, err
		}
		return outcome, nil
	}

	outcome.Status = models.StageCompleted
	outcome.Message = message
	if werr := r.writeOutcome(ctx, outcome); werr != nil {
		r.Logger.Error().Err(werr).Str("stage", string(stage)).Msg("stage outcome write failed")
		if r.IsUnavailable != nil && r.IsUnavailable(werr) {
			return outcome, &errs.FatalInfraError{Err: werr}
		}
	}

	if data == nil {
		data = map[string]any{}
	}
	data["elapsed_ms"] = outcome.ElapsedMs()
	r.publish(ticketID, batchID, stage, models.StageCompleted, message, data)
	return outcome, nil
}

func (r *Runner) writeOutcome(ctx context.Context, o models.StageOutcome) error {
	// Outcome writes survive stage cancellation: use a detached context
	// bounded by the DB timeout.
	writeCtx := context.WithoutCancel(ctx)
	if r.DBTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(writeCtx, r.DBTimeout)
		defer cancel()
	}
	return r.Store.UpsertStageOutcome(writeCtx, o)
}

func (r *Runner) publish(ticketID, batchID uuid.UUID, stage models.Stage, status models.StageStatus, message string, data map[string]any) {
	if r.Bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	r.Bus.Publish(models.Event{
		TicketID:  ticketID,
		BatchID:   batchID,
		Stage:     stage,
		Status:    status,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}
