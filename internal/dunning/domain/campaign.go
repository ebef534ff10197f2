package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionType identifies the kind of step a campaign performs
type ActionType string

const (
	ActionTypeEmail            ActionType = "email"
	ActionTypeSMS              ActionType = "sms"
	ActionTypeSuspendService   ActionType = "suspend_service"
	ActionTypeTerminateService ActionType = "terminate_service"
	ActionTypeWebhook          ActionType = "webhook"
	ActionTypeChargeRetry      ActionType = "charge_retry"
)

// ValidActionTypes lists every action type the engine can dispatch
var ValidActionTypes = map[ActionType]bool{
	ActionTypeEmail:            true,
	ActionTypeSMS:              true,
	ActionTypeSuspendService:   true,
	ActionTypeTerminateService: true,
	ActionTypeWebhook:          true,
	ActionTypeChargeRetry:      true,
}

// FailurePolicy decides what happens to an execution when a step fails
// permanently (non-retryable provider error).
type FailurePolicy string

const (
	// FailurePolicySkipStep advances past the failed step
	FailurePolicySkipStep FailurePolicy = "skip_step"
	// FailurePolicyFailExecution fails the whole execution
	FailurePolicyFailExecution FailurePolicy = "fail_execution"
)

// Action is a single step within a campaign. DelayDays is relative to the
// execution start, not to the previous step.
type Action struct {
	Type      ActionType     `json:"type"`
	DelayDays int            `json:"delay_days"`
	Config    map[string]any `json:"config,omitempty"`
}

// ExclusionRules disqualify a customer from a campaign. Any matching rule
// excludes (OR semantics).
type ExclusionRules struct {
	MinLifetimeValue float64  `json:"min_lifetime_value,omitempty"`
	CustomerTiers    []string `json:"customer_tiers,omitempty"`
	CustomerTags     []string `json:"customer_tags,omitempty"`
}

// Campaign is a reusable, ordered sequence of dunning actions with a
// trigger condition and retry policy.
type Campaign struct {
	ID                 uuid.UUID      `json:"id"`
	Name               string         `json:"name"`
	Description        string         `json:"description,omitempty"`
	TriggerAfterDays   int            `json:"trigger_after_days"`
	MaxRetries         int            `json:"max_retries"`
	RetryIntervalDays  int            `json:"retry_interval_days"`
	Actions            []Action       `json:"actions"`
	Exclusions         ExclusionRules `json:"exclusions"`
	Priority           int            `json:"priority"`
	OnPermanentFailure FailurePolicy  `json:"on_permanent_failure"`
	IsActive           bool           `json:"is_active"`

	// Aggregate counters; survive soft-disabling the campaign.
	TotalExecutions      int64   `json:"total_executions"`
	SuccessfulExecutions int64   `json:"successful_executions"`
	TotalRecoveredAmount float64 `json:"total_recovered_amount"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks campaign configuration at creation/update time so bad
// config never reaches execution.
func (c *Campaign) Validate() error {
	if c.Name == "" {
		return NewValidationError("campaign name is required", "")
	}
	if len(c.Actions) == 0 {
		return NewValidationError("campaign must define at least one action", "")
	}
	if c.TriggerAfterDays < 0 {
		return NewValidationError("trigger_after_days must not be negative",
			fmt.Sprintf("got %d", c.TriggerAfterDays))
	}
	if c.Priority < 1 || c.Priority > 10 {
		return NewValidationError("priority must be between 1 and 10",
			fmt.Sprintf("got %d", c.Priority))
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return NewValidationError("max_retries must be between 0 and 10",
			fmt.Sprintf("got %d", c.MaxRetries))
	}
	if c.RetryIntervalDays < 0 {
		return NewValidationError("retry_interval_days must not be negative",
			fmt.Sprintf("got %d", c.RetryIntervalDays))
	}
	switch c.OnPermanentFailure {
	case FailurePolicySkipStep, FailurePolicyFailExecution:
	default:
		return NewValidationError("on_permanent_failure must be skip_step or fail_execution",
			string(c.OnPermanentFailure))
	}
	for i, a := range c.Actions {
		if !ValidActionTypes[a.Type] {
			return NewValidationError("unknown action type",
				fmt.Sprintf("action %d: %q", i, a.Type))
		}
		if a.DelayDays < 0 {
			return NewValidationError("action delay_days must not be negative",
				fmt.Sprintf("action %d: %d", i, a.DelayDays))
		}
	}
	return nil
}

// ActionAt returns the action definition at the given step index
func (c *Campaign) ActionAt(step int) (Action, error) {
	if step < 0 || step >= len(c.Actions) {
		return Action{}, NewNotFoundError("campaign action", fmt.Sprintf("step %d", step))
	}
	return c.Actions[step], nil
}

// Candidate carries the overdue-invoice context supplied by the external
// trigger (overdue-invoice check) when requesting execution creation.
type Candidate struct {
	SubscriptionID    string         `json:"subscription_id"`
	CustomerID        string         `json:"customer_id"`
	InvoiceID         *string        `json:"invoice_id,omitempty"`
	OutstandingAmount float64        `json:"outstanding_amount"`
	DaysOverdue       int            `json:"days_overdue"`
	LifetimeValue     float64        `json:"lifetime_value"`
	CustomerTier      string         `json:"customer_tier,omitempty"`
	CustomerTags      []string       `json:"customer_tags,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Validate checks the candidate supplied by the trigger interface
func (c *Candidate) Validate() error {
	if c.SubscriptionID == "" {
		return NewValidationError("subscription_id is required", "")
	}
	if c.CustomerID == "" {
		return NewValidationError("customer_id is required", "")
	}
	if c.OutstandingAmount <= 0 {
		return NewValidationError("outstanding_amount must be positive",
			fmt.Sprintf("got %v", c.OutstandingAmount))
	}
	if c.DaysOverdue < 0 {
		return NewValidationError("days_overdue must not be negative",
			fmt.Sprintf("got %d", c.DaysOverdue))
	}
	return nil
}

// Excluded reports whether the candidate matches any exclusion rule of the
// campaign. Any single match excludes.
func (r ExclusionRules) Excluded(cand *Candidate) bool {
	if r.MinLifetimeValue > 0 && cand.LifetimeValue >= r.MinLifetimeValue {
		return true
	}
	for _, tier := range r.CustomerTiers {
		if tier == cand.CustomerTier {
			return true
		}
	}
	for _, tag := range r.CustomerTags {
		for _, have := range cand.CustomerTags {
			if tag == have {
				return true
			}
		}
	}
	return false
}
