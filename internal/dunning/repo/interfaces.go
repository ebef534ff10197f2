package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jia-app/dunningservice/internal/dunning/domain"
)

// Store bundles the repositories behind one handle so use cases can be
// wired against either the Postgres or the in-memory implementation.
type Store interface {
	Campaigns() CampaignRepository
	Executions() ExecutionRepository
	ActionLogs() ActionLogRepository
}

type CampaignRepository interface {
	// Create creates a new campaign
	Create(ctx context.Context, c *domain.Campaign) error

	// GetByID retrieves a campaign by ID
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)

	// ListActive retrieves all active campaigns
	ListActive(ctx context.Context) ([]*domain.Campaign, error)

	// List retrieves all campaigns
	List(ctx context.Context) ([]*domain.Campaign, error)

	// Update updates an existing campaign
	Update(ctx context.Context, c *domain.Campaign) error

	// IncrementCounters atomically bumps the aggregate counters
	IncrementCounters(ctx context.Context, id uuid.UUID, executions, successes int64, recovered float64) error
}

type ExecutionRepository interface {
	// Create creates a new execution; fails with ALREADY_EXISTS when an
	// active execution already references the subscription
	Create(ctx context.Context, e *domain.Execution) error

	// GetByID retrieves an execution by ID
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Execution, error)

	// HasActiveForSubscription reports whether a pending/in_progress
	// execution exists for the subscription
	HasActiveForSubscription(ctx context.Context, subscriptionID string) (bool, error)

	// ListDue returns executions whose next action is due at or before now
	// and whose status is pending or in_progress
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Execution, error)

	// ListByStatus retrieves executions filtered by status with pagination
	ListByStatus(ctx context.Context, status domain.ExecutionStatus, limit, offset int) ([]*domain.Execution, error)

	// Update persists execution state changes
	Update(ctx context.Context, e *domain.Execution) error

	// Claim atomically marks a due execution as owned by a scheduler
	// worker. It returns false when the execution is already claimed, no
	// longer due, or terminal. A claim older than ttl counts as expired
	// and may be re-taken.
	Claim(ctx context.Context, id uuid.UUID, now time.Time, ttl time.Duration) (bool, error)

	// Release clears a claim so the next scan can pick the execution up
	Release(ctx context.Context, id uuid.UUID) error
}

type ActionLogRepository interface {
	// Append writes a log entry; entries are immutable once written
	Append(ctx context.Context, l *domain.ActionLog) error

	// ListByExecution returns entries for an execution ordered by step
	// number, then execution time
	ListByExecution(ctx context.Context, executionID uuid.UUID) ([]*domain.ActionLog, error)
}
