package domain

import (
	"time"

	"github.com/google/uuid"
)

// ActionLogStatus is the outcome of a single action attempt
type ActionLogStatus string

const (
	ActionLogStatusSuccess ActionLogStatus = "success"
	ActionLogStatusFailed  ActionLogStatus = "failed"
)

// ActionLog is an append-only audit record of one action attempt.
// Entries are never updated or deleted.
type ActionLog struct {
	ID           uuid.UUID       `json:"id"`
	ExecutionID  uuid.UUID       `json:"execution_id"`
	ActionType   ActionType      `json:"action_type"`
	StepNumber   int             `json:"step_number"`
	ExecutedAt   time.Time       `json:"executed_at"`
	Status       ActionLogStatus `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	// ActionConfig snapshots the action definition at execution time, so
	// later campaign edits do not rewrite history.
	ActionConfig map[string]any `json:"action_config,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	ExternalID   string         `json:"external_id,omitempty"`
}

// NewActionLog builds a log entry for an attempt at the execution's
// current step
func NewActionLog(executionID uuid.UUID, action Action, step int, now time.Time) *ActionLog {
	return &ActionLog{
		ID:           uuid.New(),
		ExecutionID:  executionID,
		ActionType:   action.Type,
		StepNumber:   step,
		ExecutedAt:   now,
		ActionConfig: action.Config,
	}
}
