package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jia-app/dunningservice/internal/dunning/domain"
	"github.com/jia-app/dunningservice/internal/dunning/repo"
	"github.com/jia-app/dunningservice/internal/metrics"
)

// Store represents the PostgreSQL store implementation
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a new PostgreSQL store
func NewStore(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test the connection
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: pool}, nil
}

// NewStoreWithPool creates a new PostgreSQL store with an existing pool
func NewStoreWithPool(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool cannot be nil")
	}
	return &Store{db: pool}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		s.db.Close()
	}
	return nil
}

// Campaigns returns the campaign repository implementation
func (s *Store) Campaigns() repo.CampaignRepository {
	return &campaignRepository{store: s}
}

// Executions returns the execution repository implementation
func (s *Store) Executions() repo.ExecutionRepository {
	return &executionRepository{store: s}
}

// ActionLogs returns the action log repository implementation
func (s *Store) ActionLogs() repo.ActionLogRepository {
	return &actionLogRepository{store: s}
}

// campaignRepository implements repo.CampaignRepository
type campaignRepository struct {
	store *Store
}

const campaignColumns = `id, name, description, trigger_after_days, max_retries,
	retry_interval_days, actions, exclusions, priority, on_permanent_failure,
	is_active, total_executions, successful_executions, total_recovered_amount,
	created_at, updated_at`

func (r *campaignRepository) Create(ctx context.Context, c *domain.Campaign) error {
	actions, err := json.Marshal(c.Actions)
	if err != nil {
		return fmt.Errorf("failed to marshal actions: %w", err)
	}
	exclusions, err := json.Marshal(c.Exclusions)
	if err != nil {
		return fmt.Errorf("failed to marshal exclusions: %w", err)
	}

	_, err = r.store.db.Exec(ctx, `
		INSERT INTO dunning_campaigns (
			id, name, description, trigger_after_days, max_retries,
			retry_interval_days, actions, exclusions, priority,
			on_permanent_failure, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
		pgtype.UUID{Bytes: c.ID, Valid: true}, c.Name, c.Description,
		c.TriggerAfterDays, c.MaxRetries, c.RetryIntervalDays,
		actions, exclusions, c.Priority, string(c.OnPermanentFailure),
		c.IsActive, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

func (r *campaignRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.store.db.QueryRow(ctx,
		`SELECT `+campaignColumns+` FROM dunning_campaigns WHERE id = $1`,
		pgtype.UUID{Bytes: id, Valid: true})
	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("campaign", id.String())
		}
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return c, nil
}

func (r *campaignRepository) ListActive(ctx context.Context) ([]*domain.Campaign, error) {
	rows, err := r.store.db.Query(ctx,
		`SELECT `+campaignColumns+` FROM dunning_campaigns WHERE is_active ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active campaigns: %w", err)
	}
	defer rows.Close()
	return scanCampaigns(rows)
}

func (r *campaignRepository) List(ctx context.Context) ([]*domain.Campaign, error) {
	rows, err := r.store.db.Query(ctx,
		`SELECT `+campaignColumns+` FROM dunning_campaigns ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()
	return scanCampaigns(rows)
}

func (r *campaignRepository) Update(ctx context.Context, c *domain.Campaign) error {
	actions, err := json.Marshal(c.Actions)
	if err != nil {
		return fmt.Errorf("failed to marshal actions: %w", err)
	}
	exclusions, err := json.Marshal(c.Exclusions)
	if err != nil {
		return fmt.Errorf("failed to marshal exclusions: %w", err)
	}

	tag, err := r.store.db.Exec(ctx, `
		UPDATE dunning_campaigns SET
			name = $2, description = $3, trigger_after_days = $4,
			max_retries = $5, retry_interval_days = $6, actions = $7,
			exclusions = $8, priority = $9, on_permanent_failure = $10,
			is_active = $11, updated_at = now()
		WHERE id = $1`,
		pgtype.UUID{Bytes: c.ID, Valid: true}, c.Name, c.Description,
		c.TriggerAfterDays, c.MaxRetries, c.RetryIntervalDays,
		actions, exclusions, c.Priority, string(c.OnPermanentFailure), c.IsActive)
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("campaign", c.ID.String())
	}
	return nil
}

func (r *campaignRepository) IncrementCounters(ctx context.Context, id uuid.UUID, executions, successes int64, recovered float64) error {
	tag, err := r.store.db.Exec(ctx, `
		UPDATE dunning_campaigns SET
			total_executions = total_executions + $2,
			successful_executions = successful_executions + $3,
			total_recovered_amount = total_recovered_amount + $4,
			updated_at = now()
		WHERE id = $1`,
		pgtype.UUID{Bytes: id, Valid: true}, executions, successes, recovered)
	if err != nil {
		return fmt.Errorf("failed to increment campaign counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("campaign", id.String())
	}
	return nil
}

// executionRepository implements repo.ExecutionRepository
type executionRepository struct {
	store *Store
}

const executionColumns = `id, campaign_id, subscription_id, customer_id, invoice_id,
	outstanding_amount, recovered_amount, status, current_step, total_steps,
	retry_count, next_action_at, started_at, completed_at, canceled_reason,
	canceled_by, metadata, created_at, updated_at`

func (r *executionRepository) Create(ctx context.Context, e *domain.Execution) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = r.store.db.Exec(ctx, `
		INSERT INTO dunning_executions (
			id, campaign_id, subscription_id, customer_id, invoice_id,
			outstanding_amount, recovered_amount, status, current_step,
			total_steps, retry_count, next_action_at, started_at, metadata,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)`,
		pgtype.UUID{Bytes: e.ID, Valid: true},
		pgtype.UUID{Bytes: e.CampaignID, Valid: true},
		e.SubscriptionID, e.CustomerID, textOrNull(e.InvoiceID),
		e.OutstandingAmount, e.RecoveredAmount, string(e.Status),
		e.CurrentStep, e.TotalSteps, e.RetryCount, e.NextActionAt,
		e.StartedAt, metadata, e.CreatedAt)
	if err != nil {
		// The partial unique index on active executions per subscription
		// reports 23505 when a second active execution is inserted.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.NewAlreadyExistsError("active execution",
				"subscription "+e.SubscriptionID)
		}
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

func (r *executionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Execution, error) {
	row := r.store.db.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM dunning_executions WHERE id = $1`,
		pgtype.UUID{Bytes: id, Valid: true})
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("execution", id.String())
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return e, nil
}

func (r *executionRepository) HasActiveForSubscription(ctx context.Context, subscriptionID string) (bool, error) {
	var count int64
	err := r.store.db.QueryRow(ctx, `
		SELECT count(*) FROM dunning_executions
		WHERE subscription_id = $1 AND status IN ('pending', 'in_progress')`,
		subscriptionID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check active executions: %w", err)
	}
	return count > 0, nil
}

func (r *executionRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Execution, error) {
	defer func(start time.Time) {
		metrics.RecordDatabaseQuery("list_due_executions", time.Since(start))
	}(time.Now())

	rows, err := r.store.db.Query(ctx, `
		SELECT `+executionColumns+` FROM dunning_executions
		WHERE status IN ('pending', 'in_progress') AND next_action_at <= $1
		ORDER BY next_action_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due executions: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

func (r *executionRepository) ListByStatus(ctx context.Context, status domain.ExecutionStatus, limit, offset int) ([]*domain.Execution, error) {
	rows, err := r.store.db.Query(ctx, `
		SELECT `+executionColumns+` FROM dunning_executions
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at
		LIMIT $2 OFFSET $3`, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

func (r *executionRepository) Update(ctx context.Context, e *domain.Execution) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// The status guard rejects writes against rows another writer already
	// finished, and GREATEST keeps a recovery recorded mid-dispatch from
	// being clobbered by a stale in-memory copy.
	tag, err := r.store.db.Exec(ctx, `
		UPDATE dunning_executions SET
			recovered_amount = GREATEST(recovered_amount, $2), status = $3, current_step = $4,
			retry_count = $5, next_action_at = $6, completed_at = $7,
			canceled_reason = $8, canceled_by = $9, metadata = $10,
			updated_at = now()
		WHERE id = $1
		  AND status NOT IN ('completed', 'failed', 'canceled')`,
		pgtype.UUID{Bytes: e.ID, Valid: true},
		e.RecoveredAmount, string(e.Status), e.CurrentStep, e.RetryCount,
		e.NextActionAt, timestampOrNull(e.CompletedAt),
		pgtype.Text{String: e.CanceledReason, Valid: e.CanceledReason != ""},
		pgtype.Text{String: e.CanceledBy, Valid: e.CanceledBy != ""},
		metadata)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var status string
		err := r.store.db.QueryRow(ctx,
			`SELECT status FROM dunning_executions WHERE id = $1`,
			pgtype.UUID{Bytes: e.ID, Valid: true}).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NewNotFoundError("execution", e.ID.String())
		}
		if err != nil {
			return fmt.Errorf("failed to update execution: %w", err)
		}
		return domain.NewInvalidStateError("execution is already terminal",
			fmt.Sprintf("execution %s is %s", e.ID, status))
	}
	return nil
}

// Claim conditionally marks a due execution as owned by this worker. The
// single UPDATE is the concurrency guard: two workers racing for the same
// row see exactly one RowsAffected() == 1.
func (r *executionRepository) Claim(ctx context.Context, id uuid.UUID, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := r.store.db.Exec(ctx, `
		UPDATE dunning_executions SET claimed_at = $2
		WHERE id = $1
		  AND status IN ('pending', 'in_progress')
		  AND next_action_at <= $2
		  AND (claimed_at IS NULL OR claimed_at < $3)`,
		pgtype.UUID{Bytes: id, Valid: true}, now, now.Add(-ttl))
	if err != nil {
		return false, fmt.Errorf("failed to claim execution: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *executionRepository) Release(ctx context.Context, id uuid.UUID) error {
	_, err := r.store.db.Exec(ctx,
		`UPDATE dunning_executions SET claimed_at = NULL WHERE id = $1`,
		pgtype.UUID{Bytes: id, Valid: true})
	if err != nil {
		return fmt.Errorf("failed to release execution claim: %w", err)
	}
	return nil
}

// actionLogRepository implements repo.ActionLogRepository
type actionLogRepository struct {
	store *Store
}

func (r *actionLogRepository) Append(ctx context.Context, l *domain.ActionLog) error {
	config, err := json.Marshal(l.ActionConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal action config: %w", err)
	}
	result, err := json.Marshal(l.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal action result: %w", err)
	}

	_, err = r.store.db.Exec(ctx, `
		INSERT INTO dunning_action_logs (
			id, execution_id, action_type, step_number, executed_at,
			status, error_message, action_config, result, external_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pgtype.UUID{Bytes: l.ID, Valid: true},
		pgtype.UUID{Bytes: l.ExecutionID, Valid: true},
		string(l.ActionType), l.StepNumber, l.ExecutedAt, string(l.Status),
		pgtype.Text{String: l.ErrorMessage, Valid: l.ErrorMessage != ""},
		config, result,
		pgtype.Text{String: l.ExternalID, Valid: l.ExternalID != ""})
	if err != nil {
		return fmt.Errorf("failed to append action log: %w", err)
	}
	return nil
}

func (r *actionLogRepository) ListByExecution(ctx context.Context, executionID uuid.UUID) ([]*domain.ActionLog, error) {
	rows, err := r.store.db.Query(ctx, `
		SELECT id, execution_id, action_type, step_number, executed_at,
			status, error_message, action_config, result, external_id
		FROM dunning_action_logs
		WHERE execution_id = $1
		ORDER BY step_number, executed_at`,
		pgtype.UUID{Bytes: executionID, Valid: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list action logs: %w", err)
	}
	defer rows.Close()

	var logs []*domain.ActionLog
	for rows.Next() {
		l, err := scanActionLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// Row scanning helpers

func scanCampaign(row pgx.Row) (*domain.Campaign, error) {
	var (
		c          domain.Campaign
		id         pgtype.UUID
		desc       pgtype.Text
		actions    []byte
		exclusions []byte
		policy     string
	)
	err := row.Scan(&id, &c.Name, &desc, &c.TriggerAfterDays, &c.MaxRetries,
		&c.RetryIntervalDays, &actions, &exclusions, &c.Priority, &policy,
		&c.IsActive, &c.TotalExecutions, &c.SuccessfulExecutions,
		&c.TotalRecoveredAmount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.ID = id.Bytes
	if desc.Valid {
		c.Description = desc.String
	}
	c.OnPermanentFailure = domain.FailurePolicy(policy)
	if err := json.Unmarshal(actions, &c.Actions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal actions: %w", err)
	}
	if err := json.Unmarshal(exclusions, &c.Exclusions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal exclusions: %w", err)
	}
	return &c, nil
}

func scanCampaigns(rows pgx.Rows) ([]*domain.Campaign, error) {
	var out []*domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanExecution(row pgx.Row) (*domain.Execution, error) {
	var (
		e           domain.Execution
		id          pgtype.UUID
		campaignID  pgtype.UUID
		invoiceID   pgtype.Text
		status      string
		completedAt pgtype.Timestamptz
		reason      pgtype.Text
		actor       pgtype.Text
		metadata    []byte
	)
	err := row.Scan(&id, &campaignID, &e.SubscriptionID, &e.CustomerID,
		&invoiceID, &e.OutstandingAmount, &e.RecoveredAmount, &status,
		&e.CurrentStep, &e.TotalSteps, &e.RetryCount, &e.NextActionAt,
		&e.StartedAt, &completedAt, &reason, &actor, &metadata,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.ID = id.Bytes
	e.CampaignID = campaignID.Bytes
	if invoiceID.Valid {
		e.InvoiceID = &invoiceID.String
	}
	e.Status = domain.ExecutionStatus(status)
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	if reason.Valid {
		e.CanceledReason = reason.String
	}
	if actor.Valid {
		e.CanceledBy = actor.String
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &e, nil
}

func scanExecutions(rows pgx.Rows) ([]*domain.Execution, error) {
	var out []*domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanActionLog(row pgx.Row) (*domain.ActionLog, error) {
	var (
		l          domain.ActionLog
		id         pgtype.UUID
		execID     pgtype.UUID
		actionType string
		status     string
		errMsg     pgtype.Text
		config     []byte
		result     []byte
		externalID pgtype.Text
	)
	err := row.Scan(&id, &execID, &actionType, &l.StepNumber, &l.ExecutedAt,
		&status, &errMsg, &config, &result, &externalID)
	if err != nil {
		return nil, err
	}
	l.ID = id.Bytes
	l.ExecutionID = execID.Bytes
	l.ActionType = domain.ActionType(actionType)
	l.Status = domain.ActionLogStatus(status)
	if errMsg.Valid {
		l.ErrorMessage = errMsg.String
	}
	if externalID.Valid {
		l.ExternalID = externalID.String
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &l.ActionConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action config: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &l.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action result: %w", err)
		}
	}
	return &l, nil
}

func textOrNull(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func timestampOrNull(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}
