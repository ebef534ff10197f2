package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus represents the state of a dunning execution
type ExecutionStatus string

const (
	ExecutionStatusPending    ExecutionStatus = "pending"
	ExecutionStatusInProgress ExecutionStatus = "in_progress"
	ExecutionStatusCompleted  ExecutionStatus = "completed"
	ExecutionStatusFailed     ExecutionStatus = "failed"
	ExecutionStatusCanceled   ExecutionStatus = "canceled"
)

// Terminal reports whether the status is final
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCanceled:
		return true
	}
	return false
}

// Active reports whether the execution still counts against the
// one-active-execution-per-subscription limit
func (s ExecutionStatus) Active() bool {
	return s == ExecutionStatusPending || s == ExecutionStatusInProgress
}

// Execution is one running instance of a campaign against a specific
// overdue subscription/invoice.
type Execution struct {
	ID                uuid.UUID       `json:"id"`
	CampaignID        uuid.UUID       `json:"campaign_id"`
	SubscriptionID    string          `json:"subscription_id"`
	CustomerID        string          `json:"customer_id"`
	InvoiceID         *string         `json:"invoice_id,omitempty"`
	OutstandingAmount float64         `json:"outstanding_amount"`
	RecoveredAmount   float64         `json:"recovered_amount"`
	Status            ExecutionStatus `json:"status"`
	CurrentStep       int             `json:"current_step"`
	TotalSteps        int             `json:"total_steps"`
	RetryCount        int             `json:"retry_count"`
	NextActionAt      time.Time       `json:"next_action_at"`
	StartedAt         time.Time       `json:"started_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	CanceledReason    string          `json:"canceled_reason,omitempty"`
	CanceledBy        string          `json:"canceled_by,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// NewExecution creates a pending execution for a matched campaign. The
// first action becomes due at start + its configured delay.
func NewExecution(campaign *Campaign, cand *Candidate, now time.Time) *Execution {
	firstDelay := time.Duration(campaign.Actions[0].DelayDays) * 24 * time.Hour
	return &Execution{
		ID:                uuid.New(),
		CampaignID:        campaign.ID,
		SubscriptionID:    cand.SubscriptionID,
		CustomerID:        cand.CustomerID,
		InvoiceID:         cand.InvoiceID,
		OutstandingAmount: cand.OutstandingAmount,
		RecoveredAmount:   0,
		Status:            ExecutionStatusPending,
		CurrentStep:       0,
		TotalSteps:        len(campaign.Actions),
		RetryCount:        0,
		NextActionAt:      now.Add(firstDelay),
		StartedAt:         now,
		Metadata:          cand.Metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// FullyRecovered reports whether the outstanding balance has been covered
func (e *Execution) FullyRecovered() bool {
	return e.RecoveredAmount >= e.OutstandingAmount
}

// EnsureMutable returns an invalid-state error when the execution is in a
// terminal status. Terminal executions are immutable.
func (e *Execution) EnsureMutable() error {
	if e.Status.Terminal() {
		return NewInvalidStateError(
			fmt.Sprintf("execution is %s", e.Status),
			fmt.Sprintf("execution %s", e.ID))
	}
	return nil
}

// MarkInProgress transitions pending → in_progress on first dispatch
func (e *Execution) MarkInProgress(now time.Time) {
	if e.Status == ExecutionStatusPending {
		e.Status = ExecutionStatusInProgress
	}
	e.UpdatedAt = now
}

// AdvanceStep moves past the action at CurrentStep after a recorded
// outcome. NextActionAt for the following step is computed from the
// execution start plus that step's delay, per the campaign definition.
func (e *Execution) AdvanceStep(campaign *Campaign, now time.Time) {
	e.CurrentStep++
	e.RetryCount = 0
	e.UpdatedAt = now
	if e.CurrentStep >= e.TotalSteps {
		return
	}
	// The campaign may have fewer actions than this execution started
	// with. Keep the step due so the mismatch resolves on the next scan.
	if e.CurrentStep >= len(campaign.Actions) {
		e.NextActionAt = now
		return
	}
	next := campaign.Actions[e.CurrentStep]
	e.NextActionAt = e.StartedAt.Add(time.Duration(next.DelayDays) * 24 * time.Hour)
	if e.NextActionAt.Before(now) {
		e.NextActionAt = now
	}
}

// ScheduleRetry reschedules the same step after a transient failure
func (e *Execution) ScheduleRetry(at time.Time, now time.Time) {
	e.RetryCount++
	e.NextActionAt = at
	e.UpdatedAt = now
}

// Complete transitions to the completed terminal state
func (e *Execution) Complete(now time.Time) error {
	if err := e.EnsureMutable(); err != nil {
		return err
	}
	e.Status = ExecutionStatusCompleted
	e.CompletedAt = &now
	e.UpdatedAt = now
	return nil
}

// Fail transitions to the failed terminal state
func (e *Execution) Fail(now time.Time) error {
	if err := e.EnsureMutable(); err != nil {
		return err
	}
	e.Status = ExecutionStatusFailed
	e.CompletedAt = &now
	e.UpdatedAt = now
	return nil
}

// Cancel transitions any non-terminal state to canceled, recording the
// reason and acting operator
func (e *Execution) Cancel(reason, actor string, now time.Time) error {
	if err := e.EnsureMutable(); err != nil {
		return err
	}
	if reason == "" {
		return NewValidationError("cancellation reason is required", "")
	}
	e.Status = ExecutionStatusCanceled
	e.CanceledReason = reason
	e.CanceledBy = actor
	e.CompletedAt = &now
	e.UpdatedAt = now
	return nil
}

// ApplyRecovery records a recovered amount, capped at the outstanding
// balance. Returns true when the balance is fully covered.
func (e *Execution) ApplyRecovery(amount float64, now time.Time) (bool, error) {
	if err := e.EnsureMutable(); err != nil {
		return false, err
	}
	if amount <= 0 {
		return false, NewValidationError("recovered amount must be positive",
			fmt.Sprintf("got %v", amount))
	}
	e.RecoveredAmount += amount
	if e.RecoveredAmount > e.OutstandingAmount {
		e.RecoveredAmount = e.OutstandingAmount
	}
	e.UpdatedAt = now
	return e.FullyRecovered(), nil
}
