package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/firedesk/backend/internal/bus"
	"github.com/firedesk/backend/internal/errs"
	"github.com/firedesk/backend/internal/models"
)

func testRunner(store Storage, b *bus.Bus) *Runner {
	return &Runner{
		Store:       store,
		Bus:         b,
		Logger:      zerolog.Nop(),
		RetryBudget: 2,
		DBTimeout:   time.Second,
	}
}

func TestRunnerRetriesTransient(t *testing.T) {
	store := newMemStore()
	r := testRunner(store, bus.New())
	ticketID, batchID := uuid.New(), uuid.New()

	attempts := 0
	out, err := r.Run(context.Background(), ticketID, batchID, models.StageLLM, time.Second, 10*time.Second,
		func(context.Context) (string, map[string]any, error) {
			attempts++
			if attempts < 3 {
				return "", nil, errs.Transient("flaky upstream")
			}
			return "ok", nil, nil
		})
	require.NoError(t, err)
	require.Equal(t, models.StageCompleted, out.Status)
	require.Equal(t, 3, attempts)
}

func TestRunnerDoesNotRetryPermanent(t *testing.T) {
	store := newMemStore()
	r := testRunner(store, bus.New())
	ticketID, batchID := uuid.New(), uuid.New()

	attempts := 0
	out, err := r.Run(context.Background(), ticketID, batchID, models.StageLLM, time.Second, 10*time.Second,
		func(context.Context) (string, map[string]any, error) {
			attempts++
			return "", nil, errs.Permanent("schema mismatch")
		})
	require.NoError(t, err, "stage failure must not surface as an error")
	require.Equal(t, models.StageFailed, out.Status)
	require.Equal(t, 1, attempts)
	require.Contains(t, out.ErrorDetail, "schema mismatch")
}

func TestRunnerExhaustsBudgetThenFails(t *testing.T) {
	store := newMemStore()
	r := testRunner(store, bus.New())
	ticketID, batchID := uuid.New(), uuid.New()

	attempts := 0
	out, err := r.Run(context.Background(), ticketID, batchID, models.StageGeocode, time.Second, 30*time.Second,
		func(context.Context) (string, map[string]any, error) {
			attempts++
			return "", nil, errs.Transient("still down")
		})
	require.NoError(t, err)
	require.Equal(t, models.StageFailed, out.Status)
	require.Equal(t, 3, attempts, "budget of 2 retries means 3 attempts")
}

func TestRunnerIdempotencyGuard(t *testing.T) {
	store := newMemStore()
	r := testRunner(store, bus.New())
	ticketID, batchID := uuid.New(), uuid.New()

	calls := 0
	fn := func(context.Context) (string, map[string]any, error) {
		calls++
		return "done", nil, nil
	}
	_, err := r.Run(context.Background(), ticketID, batchID, models.StagePII, time.Second, 0, fn)
	require.NoError(t, err)
	out, err := r.Run(context.Background(), ticketID, batchID, models.StagePII, time.Second, 0, fn)
	require.NoError(t, err)
	require.Equal(t, models.StageCompleted, out.Status)
	require.Equal(t, 1, calls, "completed stage must not re-run")
}

func TestRunnerEmitsStartedAndCompletedInOrder(t *testing.T) {
	store := newMemStore()
	b := bus.New()
	sub, err := b.Subscribe(16)
	require.NoError(t, err)

	r := testRunner(store, b)
	ticketID, batchID := uuid.New(), uuid.New()
	_, err = r.Run(context.Background(), ticketID, batchID, models.StageSpam, time.Second, 0,
		func(context.Context) (string, map[string]any, error) {
			return "clean", map[string]any{"is_spam": false}, nil
		})
	require.NoError(t, err)
	b.Close()

	var events []models.Event
	for ev := range sub.Events() {
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	require.Equal(t, models.StageInProgress, events[0].Status)
	require.Equal(t, models.StageCompleted, events[1].Status)
	require.False(t, events[1].Timestamp.Before(events[0].Timestamp))
	require.Contains(t, events[1].Data, "elapsed_ms")
}

func TestRunnerRecordsCancellation(t *testing.T) {
	store := newMemStore()
	r := testRunner(store, bus.New())
	ticketID, batchID := uuid.New(), uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := r.Run(ctx, ticketID, batchID, models.StageLLM, time.Second, 10*time.Second,
		func(ctx context.Context) (string, map[string]any, error) {
			return "", nil, ctx.Err()
		})
	require.NoError(t, err)
	require.Equal(t, models.StageFailed, out.Status)
	require.Equal(t, errs.ErrCancelled.Error(), out.ErrorDetail)
}

func TestRunnerSurfacesFatalInfra(t *testing.T) {
	store := newMemStore()
	r := testRunner(store, bus.New())
	ticketID, batchID := uuid.New(), uuid.New()

	_, err := r.Run(context.Background(), ticketID, batchID, models.StagePriority, time.Second, 0,
		func(context.Context) (string, map[string]any, error) {
			return "", nil, &errs.FatalInfraError{Err: context.DeadlineExceeded}
		})
	require.Error(t, err)
}

func TestOutcomeNeverLeavesTerminalState(t *testing.T) {
	store := newMemStore()
	ticketID := uuid.New()
	completed := time.Now().UTC()
	require.NoError(t, store.UpsertStageOutcome(context.Background(), models.StageOutcome{
		TicketID: ticketID, Stage: models.StageLLM, Status: models.StageCompleted,
		StartedAt: completed, CompletedAt: &completed,
	}))
	require.NoError(t, store.UpsertStageOutcome(context.Background(), models.StageOutcome{
		TicketID: ticketID, Stage: models.StageLLM, Status: models.StageInProgress,
		StartedAt: completed,
	}))
	out, err := store.GetStageOutcome(context.Background(), ticketID, models.StageLLM)
	require.NoError(t, err)
	require.Equal(t, models.StageCompleted, out.Status)
}
