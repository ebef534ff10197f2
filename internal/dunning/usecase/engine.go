package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jia-app/dunningservice/internal/dunning/action"
	"github.com/jia-app/dunningservice/internal/dunning/domain"
	"github.com/jia-app/dunningservice/internal/dunning/repo"
	"github.com/jia-app/dunningservice/internal/events"
	"github.com/jia-app/dunningservice/internal/log"
	"github.com/jia-app/dunningservice/internal/metrics"
	"github.com/jia-app/dunningservice/internal/tracing"
)

// Engine advances claimed executions one action at a time. All mutations
// of a single execution are serialized by the scheduler's claim, so the
// engine itself holds no locks.
type Engine struct {
	store          repo.Store
	registry       *action.Registry
	eventPublisher events.Publisher
	clock          func() time.Time
}

// NewEngine creates a new dunning engine
func NewEngine(store repo.Store, registry *action.Registry, eventPublisher events.Publisher) *Engine {
	return &Engine{
		store:          store,
		registry:       registry,
		eventPublisher: eventPublisher,
		clock:          time.Now,
	}
}

// WithClock overrides the engine clock, for tests
func (en *Engine) WithClock(clock func() time.Time) *Engine {
	en.clock = clock
	return en
}

// ProcessDue dispatches at most one action for a claimed execution. The
// execution is re-read here so a cancellation or recovery recorded after
// the scan query took its snapshot is honored before any side effect.
func (en *Engine) ProcessDue(ctx context.Context, executionID uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "engine.ProcessDue")
	defer span.End()
	ctx = log.WithExecutionID(ctx, executionID.String())
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		ctx = log.WithTraceID(ctx, traceID)
	}

	now := en.clock()

	exec, err := en.store.Executions().GetByID(ctx, executionID)
	if err != nil {
		return err
	}

	// Canceled or otherwise finished between scan and dispatch.
	if exec.Status.Terminal() {
		log.Debug(ctx, "Skipping terminal execution",
			zap.String("execution_id", exec.ID.String()),
			zap.String("status", string(exec.Status)))
		return nil
	}

	campaign, err := en.store.Campaigns().GetByID(ctx, exec.CampaignID)
	if err != nil {
		return err
	}

	// Recovery recorded since the last step: finish without dispatching.
	if exec.FullyRecovered() {
		return en.complete(ctx, exec, campaign, now)
	}

	if exec.CurrentStep >= exec.TotalSteps {
		return en.fail(ctx, exec, campaign, "all steps exhausted without recovery", now)
	}

	act, err := campaign.ActionAt(exec.CurrentStep)
	if err != nil {
		// The campaign was edited to fewer steps than this execution
		// started with. Resolve the missing step under the failure
		// policy instead of leaving the execution due forever.
		return en.failStep(ctx, exec, campaign, domain.Action{}, action.Outcome{
			Status:       domain.ActionLogStatusFailed,
			ErrorMessage: err.Error(),
			Permanent:    true,
		}, now)
	}

	executor, err := en.registry.Get(act.Type)
	if err != nil {
		return en.failStep(ctx, exec, campaign, act, action.Outcome{
			Status:       domain.ActionLogStatusFailed,
			ErrorMessage: err.Error(),
			Permanent:    true,
		}, now)
	}

	exec.MarkInProgress(now)
	if ok, err := en.persistExecution(ctx, exec); err != nil || !ok {
		return err
	}

	started := en.clock()
	outcome, execErr := executor.Execute(ctx, act.Config, action.Context{
		ExecutionID:       exec.ID,
		SubscriptionID:    exec.SubscriptionID,
		CustomerID:        exec.CustomerID,
		InvoiceID:         stringValue(exec.InvoiceID),
		OutstandingAmount: exec.OutstandingAmount,
		StepNumber:        exec.CurrentStep,
	})
	metrics.RecordAction(string(act.Type), string(outcome.Status), en.clock().Sub(started))

	// Re-read after the dispatch: a cancel or a recovery recorded while
	// the executor ran owns the row from here on, and any state advance
	// below must start from that version rather than overwrite it.
	if fresh, err := en.store.Executions().GetByID(ctx, exec.ID); err == nil {
		exec = fresh
	}

	// The attempt is recorded before any state advance so a crash between
	// the two leaves a visible log entry rather than a silently lost step.
	entry := domain.NewActionLog(exec.ID, act, exec.CurrentStep, now)
	entry.Status = outcome.Status
	entry.ErrorMessage = outcome.ErrorMessage
	entry.Result = outcome.Result
	entry.ExternalID = outcome.ExternalID
	if err := en.store.ActionLogs().Append(ctx, entry); err != nil {
		return err
	}

	en.publishEvent(ctx, events.TypeActionExecuted, exec, map[string]interface{}{
		"action_type": string(act.Type),
		"step_number": exec.CurrentStep,
		"status":      string(outcome.Status),
	})

	if exec.Status.Terminal() {
		log.Info(ctx, "Execution finished concurrently during dispatch",
			zap.String("execution_id", exec.ID.String()),
			zap.String("status", string(exec.Status)))
		return nil
	}
	if exec.FullyRecovered() {
		return en.complete(ctx, exec, campaign, now)
	}

	if outcome.Status == domain.ActionLogStatusSuccess {
		return en.advance(ctx, exec, campaign, now)
	}

	if outcome.Permanent {
		return en.handlePermanentFailure(ctx, exec, campaign, act, outcome, now)
	}

	if execErr != nil {
		log.Warn(ctx, "Action dispatch failed transiently",
			zap.String("execution_id", exec.ID.String()),
			zap.String("action_type", string(act.Type)),
			zap.Int("retry_count", exec.RetryCount),
			zap.Error(execErr))
	}
	return en.handleTransientFailure(ctx, exec, campaign, now)
}

// failStep records a failed attempt for the current step before applying
// the failure policy, so steps that never reached an executor still leave
// a log entry.
func (en *Engine) failStep(ctx context.Context, exec *domain.Execution, campaign *domain.Campaign, act domain.Action, outcome action.Outcome, now time.Time) error {
	entry := domain.NewActionLog(exec.ID, act, exec.CurrentStep, now)
	entry.Status = outcome.Status
	entry.ErrorMessage = outcome.ErrorMessage
	if err := en.store.ActionLogs().Append(ctx, entry); err != nil {
		return err
	}

	en.publishEvent(ctx, events.TypeActionExecuted, exec, map[string]interface{}{
		"action_type": string(act.Type),
		"step_number": exec.CurrentStep,
		"status":      string(outcome.Status),
	})

	return en.handlePermanentFailure(ctx, exec, campaign, act, outcome, now)
}

// persistExecution writes the execution back and reports whether the write
// landed. A rejected write means another writer finished the execution
// first; the engine yields to that decision.
func (en *Engine) persistExecution(ctx context.Context, exec *domain.Execution) (bool, error) {
	err := en.store.Executions().Update(ctx, exec)
	if err == nil {
		return true, nil
	}
	if domain.IsInvalidState(err) {
		log.Info(ctx, "Execution finished concurrently, dropping stale write",
			zap.String("execution_id", exec.ID.String()),
			zap.String("status", string(exec.Status)))
		return false, nil
	}
	return false, err
}

// advance moves past a successfully dispatched step and finishes the
// execution when that was the last one.
func (en *Engine) advance(ctx context.Context, exec *domain.Execution, campaign *domain.Campaign, now time.Time) error {
	exec.AdvanceStep(campaign, now)

	if exec.CurrentStep >= exec.TotalSteps {
		if exec.FullyRecovered() {
			return en.complete(ctx, exec, campaign, now)
		}
		return en.fail(ctx, exec, campaign, "all steps exhausted without recovery", now)
	}

	_, err := en.persistExecution(ctx, exec)
	return err
}

// handleTransientFailure reschedules the current step, or fails the
// execution when the campaign's retry budget is spent.
func (en *Engine) handleTransientFailure(ctx context.Context, exec *domain.Execution, campaign *domain.Campaign, now time.Time) error {
	if exec.RetryCount+1 >= campaign.MaxRetries {
		exec.RetryCount = campaign.MaxRetries
		return en.fail(ctx, exec, campaign, "retry budget exhausted", now)
	}

	exec.ScheduleRetry(now.Add(retryDelay(campaign)), now)
	_, err := en.persistExecution(ctx, exec)
	return err
}

// handlePermanentFailure applies the campaign's failure policy: skip the
// step or fail the whole execution.
func (en *Engine) handlePermanentFailure(ctx context.Context, exec *domain.Execution, campaign *domain.Campaign, act domain.Action, outcome action.Outcome, now time.Time) error {
	log.Warn(ctx, "Action failed permanently",
		zap.String("execution_id", exec.ID.String()),
		zap.String("action_type", string(act.Type)),
		zap.String("policy", string(campaign.OnPermanentFailure)),
		zap.String("error", outcome.ErrorMessage))

	if campaign.OnPermanentFailure == domain.FailurePolicySkipStep {
		return en.advance(ctx, exec, campaign, now)
	}
	return en.fail(ctx, exec, campaign, outcome.ErrorMessage, now)
}

func (en *Engine) complete(ctx context.Context, exec *domain.Execution, campaign *domain.Campaign, now time.Time) error {
	if err := exec.Complete(now); err != nil {
		return err
	}
	if ok, err := en.persistExecution(ctx, exec); err != nil || !ok {
		return err
	}

	if err := en.store.Campaigns().IncrementCounters(ctx, campaign.ID, 0, 1, exec.RecoveredAmount); err != nil {
		log.L(ctx).Error("Failed to update campaign counters", zap.Error(err))
	}

	metrics.RecordExecutionFinished(campaign.Name, string(domain.ExecutionStatusCompleted))
	en.publishEvent(ctx, events.TypeExecutionCompleted, exec, map[string]interface{}{
		"recovered_amount": exec.RecoveredAmount,
	})

	log.Info(ctx, "Execution completed",
		zap.String("execution_id", exec.ID.String()),
		zap.String("subscription_id", exec.SubscriptionID),
		zap.Float64("recovered_amount", exec.RecoveredAmount))
	return nil
}

func (en *Engine) fail(ctx context.Context, exec *domain.Execution, campaign *domain.Campaign, reason string, now time.Time) error {
	if err := exec.Fail(now); err != nil {
		return err
	}
	if ok, err := en.persistExecution(ctx, exec); err != nil || !ok {
		return err
	}

	metrics.RecordExecutionFinished(campaign.Name, string(domain.ExecutionStatusFailed))
	en.publishEvent(ctx, events.TypeExecutionFailed, exec, map[string]interface{}{
		"reason": reason,
	})

	log.Info(ctx, "Execution failed",
		zap.String("execution_id", exec.ID.String()),
		zap.String("subscription_id", exec.SubscriptionID),
		zap.String("reason", reason))
	return nil
}

func (en *Engine) publishEvent(ctx context.Context, eventType string, exec *domain.Execution, data map[string]interface{}) {
	if en.eventPublisher == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["subscription_id"] = exec.SubscriptionID
	data["customer_id"] = exec.CustomerID
	data["campaign_id"] = exec.CampaignID.String()

	event := events.NewEvent(eventType, exec.ID.String(), data)
	if err := en.eventPublisher.Publish(ctx, event); err != nil {
		log.L(ctx).Warn("Failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// retryDelay is the wait before re-attempting a transiently failed step.
// Campaigns without a configured interval fall back to one hour.
func retryDelay(campaign *domain.Campaign) time.Duration {
	if campaign.RetryIntervalDays > 0 {
		return time.Duration(campaign.RetryIntervalDays) * 24 * time.Hour
	}
	return time.Hour
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
