package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/jia-app/dunningservice/internal/dunning/action"
	"github.com/jia-app/dunningservice/internal/dunning/domain"
	"github.com/jia-app/dunningservice/internal/dunning/repo/memory"
	"github.com/jia-app/dunningservice/internal/metrics"
)

// fakeExecutor replays a scripted sequence of outcomes.
type fakeExecutor struct {
	outcomes []action.Outcome
	errs     []error
	calls    int
}

func (f *fakeExecutor) Execute(ctx context.Context, config map[string]any, ec action.Context) (action.Outcome, error) {
	i := f.calls
	f.calls++
	if i >= len(f.outcomes) {
		i = len(f.outcomes) - 1
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return f.outcomes[i], err
}

func succeedAlways() *fakeExecutor {
	return &fakeExecutor{outcomes: []action.Outcome{{Status: domain.ActionLogStatusSuccess}}}
}

func failTransiently() *fakeExecutor {
	return &fakeExecutor{
		outcomes: []action.Outcome{{Status: domain.ActionLogStatusFailed, ErrorMessage: "provider timeout"}},
		errs:     []error{errors.New("provider timeout")},
	}
}

func failPermanently() *fakeExecutor {
	return &fakeExecutor{
		outcomes: []action.Outcome{{Status: domain.ActionLogStatusFailed, ErrorMessage: "invalid template", Permanent: true}},
	}
}

func testCampaign(t *testing.T, store *memory.Store, mutate func(*domain.Campaign)) *domain.Campaign {
	t.Helper()
	c := &domain.Campaign{
		ID:               uuid.New(),
		Name:             "standard-dunning",
		TriggerAfterDays: 7,
		MaxRetries:       3,
		Actions: []domain.Action{
			{Type: domain.ActionTypeEmail, DelayDays: 0, Config: map[string]any{"template_id": "overdue-1"}},
			{Type: domain.ActionTypeSuspendService, DelayDays: 7},
		},
		Priority:           5,
		OnPermanentFailure: domain.FailurePolicyFailExecution,
		IsActive:           true,
	}
	if mutate != nil {
		mutate(c)
	}
	require.NoError(t, c.Validate())
	require.NoError(t, store.Campaigns().Create(context.Background(), c))
	return c
}

func testCandidate() *domain.Candidate {
	return &domain.Candidate{
		SubscriptionID:    "sub-1",
		CustomerID:        "cust-1",
		OutstandingAmount: 99.50,
		DaysOverdue:       10,
	}
}

type fixture struct {
	store    *memory.Store
	registry *action.Registry
	engine   *Engine
	service  *ExecutionService
	now      time.Time
}

func newFixture(t *testing.T, executors map[domain.ActionType]action.Executor) *fixture {
	t.Helper()
	store := memory.NewStore()
	registry := action.NewRegistry()
	for at, ex := range executors {
		registry.Register(at, ex)
	}
	f := &fixture{
		store:    store,
		registry: registry,
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.engine = NewEngine(store, registry, nil).WithClock(clock)
	f.service = NewExecutionService(store, nil, nil).WithClock(clock)
	return f
}

func TestExecutionCreatedPendingAtStepZero(t *testing.T) {
	f := newFixture(t, nil)
	testCampaign(t, f.store, nil)

	exec, err := f.service.EvaluateCandidate(context.Background(), testCandidate())
	require.NoError(t, err)
	require.NotNil(t, exec)

	require.Equal(t, domain.ExecutionStatusPending, exec.Status)
	require.Equal(t, 0, exec.CurrentStep)
	require.Equal(t, 2, exec.TotalSteps)
	require.Equal(t, f.now, exec.NextActionAt, "first action has no delay")
}

func TestSuccessfulDispatchAdvancesStep(t *testing.T) {
	f := newFixture(t, map[domain.ActionType]action.Executor{
		domain.ActionTypeEmail: succeedAlways(),
	})
	testCampaign(t, f.store, nil)
	exec, err := f.service.EvaluateCandidate(context.Background(), testCandidate())
	require.NoError(t, err)

	require.NoError(t, f.engine.ProcessDue(context.Background(), exec.ID))

	got, err := f.store.Executions().GetByID(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusInProgress, got.Status)
	require.Equal(t, 1, got.CurrentStep)
	require.Equal(t, exec.StartedAt.Add(7*24*time.Hour), got.NextActionAt)

	logs, err := f.store.ActionLogs().ListByExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, domain.ActionLogStatusSuccess, logs[0].Status)
	require.Equal(t, 0, logs[0].StepNumber)
}

func TestRecoveryShortCircuitsNextDispatch(t *testing.T) {
	suspend := succeedAlways()
	f := newFixture(t, map[domain.ActionType]action.Executor{
		domain.ActionTypeEmail:          succeedAlways(),
		domain.ActionTypeSuspendService: suspend,
	})
	testCampaign(t, f.store, nil)
	exec, err := f.service.EvaluateCandidate(context.Background(), testCandidate())
	require.NoError(t, err)
	require.NoError(t, f.engine.ProcessDue(context.Background(), exec.ID))

	// Payment arrives before the suspend step is due.
	got, err := f.store.Executions().GetByID(context.Background(), exec.ID)
	require.NoError(t, err)
	got.RecoveredAmount = got.OutstandingAmount
	require.NoError(t, f.store.Executions().Update(context.Background(), got))

	f.now = f.now.Add(8 * 24 * time.Hour)
	require.NoError(t, f.engine.ProcessDue(context.Background(), exec.ID))

	got, err = f.store.Executions().GetByID(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusCompleted, got.Status)
	require.Equal(t, 0, suspend.calls, "suspend must not dispatch after recovery")

	logs, err := f.store.ActionLogs().ListByExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1, "no log entry for the short-circuited step")
}

func TestRetryBudgetExhaustionFailsExecution(t *testing.T) {
	email := failTransiently()
	f := newFixture(t, map[domain.ActionType]action.Executor{
		domain.ActionTypeEmail: email,
	})
	campaign := testCampaign(t, f.store, nil)
	exec, err := f.service.EvaluateCandidate(context.Background(), testCandidate())
	require.NoError(t, err)

	for i := 0; i < campaign.MaxRetries; i++ {
		require.NoError(t, f.engine.ProcessDue(context.Background(), exec.ID))
		f.now = f.now.Add(25 * time.Hour)
	}

	got, err := f.store.Executions().GetByID(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusFailed, got.Status)
	require.LessOrEqual(t, got.RetryCount, campaign.MaxRetries)
	require.Equal(t, 3, email.calls)

	logs, err := f.store.ActionLogs().ListByExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for _, l := range logs {
		require.Equal(t, domain.ActionLogStatusFailed, l.Status)
		require.Equal(t, 0, l.StepNumber)
	}
}

func TestTransientFailureReschedulesSameStep(t *testing.T) {
	f := newFixture(t, map[domain.ActionType]action.Executor{
		domain.ActionTypeEmail: failTransiently(),
	})
	testCampaign(t, f.store, func(c *domain.Campaign) {
		c.RetryIntervalDays = 1
	})
	exec, err := f.service.EvaluateCandidate(context.Background(), testCandidate())
	require.NoError(t, err)

	require.NoError(t, f.engine.ProcessDue(context.Background(), exec.ID))

	got, err := f.store.Executions().GetByID(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusInProgress, got.Status)
	require.Equal(t, 0, got.CurrentStep)
	require.Equal(t, 1, got.RetryCount)
	require.Equal(t, f.now.Add(24*time.Hour), got.NextActionAt)
}

func TestCanceledExecutionIsSkipped(t *testing.T) {
	email := succeedAlways()
	f := newFixture(t, map[domain.ActionType]action.Executor{
		domain.ActionTypeEmail: email,
	})
	testCampaign(t, f.store, nil)
	exec, err := f.service.EvaluateCandidate(context.Background(), testCandidate())
	require.NoError(t, err)

	canceled, err := f.service.Cancel(context.Background(), exec.ID, "customer disputed", "ops-1")
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusCanceled, canceled.Status)
	require.Equal(t, "customer disputed", canceled.CanceledReason)
	require.Equal(t, "ops-1", canceled.CanceledBy)

	require.NoError(t, f.engine.ProcessDue(context.Background(), exec.ID))
	require.Equal(t, 0, email.calls)

	logs, err := f.store.ActionLogs().ListByExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestPermanentFailureFailsExecutionByPolicy(t *testing.T) {
	f := newFixture(t, map[domain.ActionType]action.Executor{
		domain.ActionTypeEmail: failPermanently(),
	})
	testCampaign(t, f.store, nil)
	exec, err := f.service.EvaluateCandidate(context.Background(), testCandidate())
	require.NoError(t, err)

	require.NoError(t, f.engine.ProcessDue(context.Background(), exec.ID))

	got, err := f.store.Executions().GetByID(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusFailed, got.Status)

	logs, err := f.store.ActionLogs().ListByExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
}

func TestPermanentFailureSkipsStepByPolicy(t *testing.T) {
	f := newFixture(t, map[domain.ActionType]action.Executor{
		domain.ActionTypeEmail: failPermanently(),
	})
	testCampaign(t, f.store, func(c *domain.Campaign) {
		c.OnPermanentFailure = domain.FailurePolicySkipStep
	})
	exec, err := f.service.EvaluateCandidate(context.Background(), testCandidate())
	require.NoError(t, err)

	require.NoError(t, f.engine.ProcessDue(context.Background(), exec.ID))

	got, err := f.store.Executions().GetByID(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusInProgress, got.Status)
	require.Equal(t, 1, got.CurrentStep)
}

func TestLastStepWithoutRecoveryFails(t *testing.T) {
	f := newFixture(t, map[domain.ActionType]action.Executor{
		domain.ActionTypeEmail:          succeedAlways(),
		domain.ActionTypeSuspendService: succeedAlways(),
	})
	testCampaign(t, f.store, nil)
	exec, err := f.service.EvaluateCandidate(context.Background(), testCandidate())
	require.NoError(t, err)

	require.NoError(t, f.engine.ProcessDue(context.Background(), exec.ID))
	f.now = f.now.Add(8 * 24 * time.Hour)
	require.NoError(t, f.engine.ProcessDue(context.Background(), exec.ID))

	got, err := f.store.Executions().GetByID(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusFailed, got.Status)
	require.Equal(t, got.TotalSteps, got.CurrentStep)
}

func TestStepNeverDecreases(t *testing.T) {
	f := newFixture(t, map[domain.ActionType]action.Executor{
		domain.ActionTypeEmail:          succeedAlways(),
		domain.ActionTypeSuspendService: succeedAlways(),
	})
	testCampaign(t, f.store, nil)
	exec, err := f.service.EvaluateCandidate(context.Background(), testCandidate())
	require.NoError(t, err)

	lastStep := 0
	for i := 0; i < 5; i++ {
		require.NoError(t, f.engine.ProcessDue(context.Background(), exec.ID))
		got, err := f.store.Executions().GetByID(context.Background(), exec.ID)
		require.NoError(t, err)
		require.GreaterOrEqual(t, got.CurrentStep, lastStep)
		require.LessOrEqual(t, got.CurrentStep, got.TotalSteps)
		lastStep = got.CurrentStep
		f.now = f.now.Add(8 * 24 * time.Hour)
	}
}

func TestTerminalExecutionRejectsMutation(t *testing.T) {
	f := newFixture(t, nil)
	testCampaign(t, f.store, nil)
	exec, err := f.service.EvaluateCandidate(context.Background(), testCandidate())
	require.NoError(t, err)

	_, err = f.service.Cancel(context.Background(), exec.ID, "first", "ops-1")
	require.NoError(t, err)

	_, err = f.service.Cancel(context.Background(), exec.ID, "second", "ops-2")
	require.Error(t, err)
	require.True(t, domain.IsInvalidState(err))

	_, err = f.service.RecordRecovery(context.Background(), exec.ID, 10, "usd")
	require.Error(t, err)
	require.True(t, domain.IsInvalidState(err))
}

// hookExecutor runs a callback against the live stores mid-dispatch, to
// model operator writes racing the engine.
type hookExecutor struct {
	hook    func(ctx context.Context, ec action.Context)
	outcome action.Outcome
	calls   int
}

func (h *hookExecutor) Execute(ctx context.Context, config map[string]any, ec action.Context) (action.Outcome, error) {
	h.calls++
	if h.hook != nil {
		h.hook(ctx, ec)
	}
	return h.outcome, nil
}

func TestCancelDuringDispatchWins(t *testing.T) {
	email := &hookExecutor{outcome: action.Outcome{Status: domain.ActionLogStatusSuccess}}
	f := newFixture(t, map[domain.ActionType]action.Executor{
		domain.ActionTypeEmail: email,
	})
	testCampaign(t, f.store, nil)
	exec, err := f.service.EvaluateCandidate(context.Background(), testCandidate())
	require.NoError(t, err)

	email.hook = func(ctx context.Context, ec action.Context) {
		_, err := f.service.Cancel(ctx, ec.ExecutionID, "customer disputed", "ops-1")
		require.NoError(t, err)
	}

	require.NoError(t, f.engine.ProcessDue(context.Background(), exec.ID))

	got, err := f.store.Executions().GetByID(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusCanceled, got.Status)
	require.Equal(t, "customer disputed", got.CanceledReason)
	require.Equal(t, "ops-1", got.CanceledBy)
	require.Equal(t, 0, got.CurrentStep, "cancel must not be overwritten by the step advance")

	// The dispatched attempt itself is still on the record.
	logs, err := f.store.ActionLogs().ListByExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
}

func TestRecoveryDuringDispatchIsPreserved(t *testing.T) {
	email := &hookExecutor{outcome: action.Outcome{Status: domain.ActionLogStatusSuccess}}
	f := newFixture(t, map[domain.ActionType]action.Executor{
		domain.ActionTypeEmail: email,
	})
	testCampaign(t, f.store, nil)
	exec, err := f.service.EvaluateCandidate(context.Background(), testCandidate())
	require.NoError(t, err)

	email.hook = func(ctx context.Context, ec action.Context) {
		_, err := f.service.RecordRecovery(ctx, ec.ExecutionID, exec.OutstandingAmount, "usd")
		require.NoError(t, err)
	}

	require.NoError(t, f.engine.ProcessDue(context.Background(), exec.ID))

	got, err := f.store.Executions().GetByID(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusCompleted, got.Status)
	require.Equal(t, exec.OutstandingAmount, got.RecoveredAmount)
	require.NotNil(t, got.CompletedAt)
}

func TestPartialRecoveryDuringDispatchSurvivesAdvance(t *testing.T) {
	email := &hookExecutor{outcome: action.Outcome{Status: domain.ActionLogStatusSuccess}}
	f := newFixture(t, map[domain.ActionType]action.Executor{
		domain.ActionTypeEmail: email,
	})
	testCampaign(t, f.store, nil)
	exec, err := f.service.EvaluateCandidate(context.Background(), testCandidate())
	require.NoError(t, err)

	email.hook = func(ctx context.Context, ec action.Context) {
		_, err := f.service.RecordRecovery(ctx, ec.ExecutionID, 40, "usd")
		require.NoError(t, err)
	}

	require.NoError(t, f.engine.ProcessDue(context.Background(), exec.ID))

	got, err := f.store.Executions().GetByID(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusInProgress, got.Status)
	require.Equal(t, 1, got.CurrentStep)
	require.Equal(t, 40.0, got.RecoveredAmount, "partial recovery must survive the step advance")
}

func TestCampaignShrinkFailsExecutionByPolicy(t *testing.T) {
	f := newFixture(t, map[domain.ActionType]action.Executor{
		domain.ActionTypeEmail: succeedAlways(),
	})
	campaign := testCampaign(t, f.store, nil)
	exec, err := f.service.EvaluateCandidate(context.Background(), testCandidate())
	require.NoError(t, err)
	require.NoError(t, f.engine.ProcessDue(context.Background(), exec.ID))

	// The second step is removed while the execution waits on it.
	campaign.Actions = campaign.Actions[:1]
	require.NoError(t, f.store.Campaigns().Update(context.Background(), campaign))

	f.now = f.now.Add(8 * 24 * time.Hour)
	require.NoError(t, f.engine.ProcessDue(context.Background(), exec.ID))

	got, err := f.store.Executions().GetByID(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusFailed, got.Status)

	logs, err := f.store.ActionLogs().ListByExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, domain.ActionLogStatusFailed, logs[1].Status)
	require.Equal(t, 1, logs[1].StepNumber)
	require.NotEmpty(t, logs[1].ErrorMessage)
}

func TestCampaignShrinkSkipsRemainingStepsByPolicy(t *testing.T) {
	f := newFixture(t, map[domain.ActionType]action.Executor{
		domain.ActionTypeEmail: succeedAlways(),
	})
	campaign := testCampaign(t, f.store, func(c *domain.Campaign) {
		c.OnPermanentFailure = domain.FailurePolicySkipStep
		c.Actions = []domain.Action{
			{Type: domain.ActionTypeEmail, DelayDays: 0},
			{Type: domain.ActionTypeSMS, DelayDays: 3},
			{Type: domain.ActionTypeSuspendService, DelayDays: 7},
		}
	})
	exec, err := f.service.EvaluateCandidate(context.Background(), testCandidate())
	require.NoError(t, err)
	require.NoError(t, f.engine.ProcessDue(context.Background(), exec.ID))

	campaign.Actions = campaign.Actions[:1]
	require.NoError(t, f.store.Campaigns().Update(context.Background(), campaign))

	// The missing steps are skipped one per scan until the execution
	// reaches a terminal state instead of staying due forever.
	for i := 0; i < 5; i++ {
		f.now = f.now.Add(8 * 24 * time.Hour)
		require.NoError(t, f.engine.ProcessDue(context.Background(), exec.ID))
		got, err := f.store.Executions().GetByID(context.Background(), exec.ID)
		require.NoError(t, err)
		if got.Status.Terminal() {
			require.Equal(t, domain.ExecutionStatusFailed, got.Status)
			return
		}
	}
	t.Fatal("execution never reached a terminal state after the campaign shrank")
}

func TestMissingExecutorRecordsFailedAttempt(t *testing.T) {
	f := newFixture(t, nil)
	testCampaign(t, f.store, nil)
	exec, err := f.service.EvaluateCandidate(context.Background(), testCandidate())
	require.NoError(t, err)

	require.NoError(t, f.engine.ProcessDue(context.Background(), exec.ID))

	got, err := f.store.Executions().GetByID(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusFailed, got.Status)

	logs, err := f.store.ActionLogs().ListByExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, domain.ActionLogStatusFailed, logs[0].Status)
	require.Equal(t, domain.ActionTypeEmail, logs[0].ActionType)
	require.NotEmpty(t, logs[0].ErrorMessage)
}

func TestRecoveredAmountMetricRoundsToCents(t *testing.T) {
	f := newFixture(t, nil)
	testCampaign(t, f.store, nil)
	exec, err := f.service.EvaluateCandidate(context.Background(), testCandidate())
	require.NoError(t, err)

	counter := metrics.RecoveredAmount.WithLabelValues("eur")
	before := testutil.ToFloat64(counter)
	_, err = f.service.RecordRecovery(context.Background(), exec.ID, 0.29, "eur")
	require.NoError(t, err)
	require.Equal(t, 29.0, testutil.ToFloat64(counter)-before)
}
