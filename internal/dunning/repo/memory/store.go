package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jia-app/dunningservice/internal/dunning/domain"
	"github.com/jia-app/dunningservice/internal/dunning/repo"
)

// Store is an in-memory implementation of the dunning repositories. Used by
// tests and local development; same claim semantics as the postgres store,
// serialized by a single mutex.
type Store struct {
	mu         sync.RWMutex
	campaigns  map[uuid.UUID]*domain.Campaign
	executions map[uuid.UUID]*domain.Execution
	logs       map[uuid.UUID][]*domain.ActionLog
	claims     map[uuid.UUID]time.Time
	order      []uuid.UUID // campaign insertion order
}

func NewStore() *Store {
	return &Store{
		campaigns:  make(map[uuid.UUID]*domain.Campaign),
		executions: make(map[uuid.UUID]*domain.Execution),
		logs:       make(map[uuid.UUID][]*domain.ActionLog),
		claims:     make(map[uuid.UUID]time.Time),
	}
}

// Campaigns returns the campaign repository implementation
func (s *Store) Campaigns() repo.CampaignRepository {
	return &campaignRepo{store: s}
}

// Executions returns the execution repository implementation
func (s *Store) Executions() repo.ExecutionRepository {
	return &executionRepo{store: s}
}

// ActionLogs returns the action log repository implementation
func (s *Store) ActionLogs() repo.ActionLogRepository {
	return &actionLogRepo{store: s}
}

type campaignRepo struct {
	store *Store
}

func (r *campaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.campaigns[c.ID]; exists {
		return domain.NewAlreadyExistsError("campaign", c.ID.String())
	}
	cp := *c
	s.campaigns[c.ID] = &cp
	s.order = append(s.order, c.ID)
	return nil
}

func (r *campaignRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, domain.NewNotFoundError("campaign", id.String())
	}
	cp := *c
	return &cp, nil
}

func (r *campaignRepo) ListActive(ctx context.Context) ([]*domain.Campaign, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Campaign, 0, len(s.campaigns))
	for _, id := range s.order {
		if c, ok := s.campaigns[id]; ok && c.IsActive {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *campaignRepo) List(ctx context.Context) ([]*domain.Campaign, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Campaign, 0, len(s.campaigns))
	for _, id := range s.order {
		if c, ok := s.campaigns[id]; ok {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *campaignRepo) Update(ctx context.Context, c *domain.Campaign) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[c.ID]; !ok {
		return domain.NewNotFoundError("campaign", c.ID.String())
	}
	cp := *c
	s.campaigns[c.ID] = &cp
	return nil
}

func (r *campaignRepo) IncrementCounters(ctx context.Context, id uuid.UUID, executions, successes int64, recovered float64) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.NewNotFoundError("campaign", id.String())
	}
	c.TotalExecutions += executions
	c.SuccessfulExecutions += successes
	c.TotalRecoveredAmount += recovered
	return nil
}

type executionRepo struct {
	store *Store
}

func (r *executionRepo) Create(ctx context.Context, e *domain.Execution) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.executions {
		if existing.SubscriptionID == e.SubscriptionID && existing.Status.Active() {
			return domain.NewAlreadyExistsError("active execution",
				"subscription "+e.SubscriptionID)
		}
	}
	cp := *e
	s.executions[e.ID] = &cp
	return nil
}

func (r *executionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Execution, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, domain.NewNotFoundError("execution", id.String())
	}
	cp := *e
	return &cp, nil
}

func (r *executionRepo) HasActiveForSubscription(ctx context.Context, subscriptionID string) (bool, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.executions {
		if e.SubscriptionID == subscriptionID && e.Status.Active() {
			return true, nil
		}
	}
	return false, nil
}

func (r *executionRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Execution, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*domain.Execution
	for _, e := range s.executions {
		if e.Status.Active() && !e.NextActionAt.After(now) {
			cp := *e
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextActionAt.Before(due[j].NextActionAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *executionRepo) ListByStatus(ctx context.Context, status domain.ExecutionStatus, limit, offset int) ([]*domain.Execution, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Execution
	for _, e := range s.executions {
		if status == "" || e.Status == status {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *executionRepo) Update(ctx context.Context, e *domain.Execution) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.executions[e.ID]
	if !ok {
		return domain.NewNotFoundError("execution", e.ID.String())
	}
	if stored.Status.Terminal() {
		return domain.NewInvalidStateError("execution is already terminal",
			fmt.Sprintf("execution %s is %s", e.ID, stored.Status))
	}
	cp := *e
	if stored.RecoveredAmount > cp.RecoveredAmount {
		cp.RecoveredAmount = stored.RecoveredAmount
	}
	s.executions[e.ID] = &cp
	return nil
}

func (r *executionRepo) Claim(ctx context.Context, id uuid.UUID, now time.Time, ttl time.Duration) (bool, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return false, domain.NewNotFoundError("execution", id.String())
	}
	if !e.Status.Active() || e.NextActionAt.After(now) {
		return false, nil
	}
	if claimedAt, held := s.claims[id]; held && now.Sub(claimedAt) < ttl {
		return false, nil
	}
	s.claims[id] = now
	return true, nil
}

func (r *executionRepo) Release(ctx context.Context, id uuid.UUID) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, id)
	return nil
}

type actionLogRepo struct {
	store *Store
}

func (r *actionLogRepo) Append(ctx context.Context, l *domain.ActionLog) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.logs[l.ExecutionID] = append(s.logs[l.ExecutionID], &cp)
	return nil
}

func (r *actionLogRepo) ListByExecution(ctx context.Context, executionID uuid.UUID) ([]*domain.ActionLog, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.logs[executionID]
	out := make([]*domain.ActionLog, len(entries))
	for i, l := range entries {
		cp := *l
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StepNumber != out[j].StepNumber {
			return out[i].StepNumber < out[j].StepNumber
		}
		return out[i].ExecutedAt.Before(out[j].ExecutedAt)
	})
	return out, nil
}
