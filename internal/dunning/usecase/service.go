package usecase

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jia-app/dunningservice/internal/cache"
	"github.com/jia-app/dunningservice/internal/dunning/domain"
	"github.com/jia-app/dunningservice/internal/dunning/repo"
	"github.com/jia-app/dunningservice/internal/events"
	"github.com/jia-app/dunningservice/internal/log"
	"github.com/jia-app/dunningservice/internal/metrics"
)

const activeCampaignsCacheKey = "dunning:campaigns:active"
const activeCampaignsCacheTTL = 30 * time.Second

// ExecutionService is the synchronous entry point for triggers,
// cancellations, recovery notifications and execution queries.
type ExecutionService struct {
	store          repo.Store
	cache          *cache.Cache
	eventPublisher events.Publisher
	clock          func() time.Time
}

// NewExecutionService creates a new execution service. The cache and the
// event publisher may be nil.
func NewExecutionService(store repo.Store, c *cache.Cache, eventPublisher events.Publisher) *ExecutionService {
	return &ExecutionService{
		store:          store,
		cache:          c,
		eventPublisher: eventPublisher,
		clock:          time.Now,
	}
}

// WithClock overrides the service clock, for tests
func (s *ExecutionService) WithClock(clock func() time.Time) *ExecutionService {
	s.clock = clock
	return s
}

// EvaluateCandidate matches an overdue candidate against the active
// campaigns and creates an execution for the best fit. It returns nil
// execution (and nil error) when no campaign qualifies or an active
// execution already covers the subscription.
func (s *ExecutionService) EvaluateCandidate(ctx context.Context, cand *domain.Candidate) (*domain.Execution, error) {
	if err := cand.Validate(); err != nil {
		return nil, err
	}

	campaigns, err := s.activeCampaigns(ctx)
	if err != nil {
		return nil, err
	}

	campaign := SelectCampaign(campaigns, cand)
	if campaign == nil {
		log.Debug(ctx, "No campaign qualifies for candidate",
			zap.String("subscription_id", cand.SubscriptionID),
			zap.Int("days_overdue", cand.DaysOverdue))
		return nil, nil
	}

	active, err := s.store.Executions().HasActiveForSubscription(ctx, cand.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if active {
		log.Debug(ctx, "Subscription already has an active execution",
			zap.String("subscription_id", cand.SubscriptionID))
		return nil, nil
	}

	now := s.clock()
	exec := domain.NewExecution(campaign, cand, now)
	if err := s.store.Executions().Create(ctx, exec); err != nil {
		// Lost the race against a concurrent trigger for the same
		// subscription; treat it the same as the pre-check above.
		if de := domain.GetDomainError(err); de != nil && de.Code == domain.ErrCodeAlreadyExists {
			return nil, nil
		}
		return nil, err
	}

	if err := s.store.Campaigns().IncrementCounters(ctx, campaign.ID, 1, 0, 0); err != nil {
		log.L(ctx).Error("Failed to update campaign counters", zap.Error(err))
	}

	metrics.RecordExecutionStarted(campaign.Name)
	s.publishEvent(ctx, events.TypeExecutionStarted, exec, map[string]interface{}{
		"campaign_name":      campaign.Name,
		"outstanding_amount": exec.OutstandingAmount,
		"days_overdue":       cand.DaysOverdue,
	})

	log.Info(ctx, "Execution created",
		zap.String("execution_id", exec.ID.String()),
		zap.String("campaign_id", campaign.ID.String()),
		zap.String("subscription_id", cand.SubscriptionID),
		zap.Float64("outstanding_amount", cand.OutstandingAmount))
	return exec, nil
}

// Cancel halts a non-terminal execution. The write is durable before the
// call returns, so the next scan cannot dispatch for it.
func (s *ExecutionService) Cancel(ctx context.Context, executionID uuid.UUID, reason, actorID string) (*domain.Execution, error) {
	exec, err := s.store.Executions().GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	if err := exec.Cancel(reason, actorID, now); err != nil {
		return nil, err
	}
	if err := s.store.Executions().Update(ctx, exec); err != nil {
		return nil, err
	}

	s.publishEvent(ctx, events.TypeExecutionCanceled, exec, map[string]interface{}{
		"reason": reason,
		"actor":  actorID,
	})

	log.Info(ctx, "Execution canceled",
		zap.String("execution_id", exec.ID.String()),
		zap.String("reason", reason),
		zap.String("actor", actorID))
	return exec, nil
}

// RecordRecovery credits a received payment against an execution. When
// the outstanding balance is fully covered the execution is completed
// immediately instead of waiting for the next scan.
func (s *ExecutionService) RecordRecovery(ctx context.Context, executionID uuid.UUID, amount float64, currency string) (*domain.Execution, error) {
	exec, err := s.store.Executions().GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	recovered, err := exec.ApplyRecovery(amount, now)
	if err != nil {
		return nil, err
	}

	if recovered {
		if err := exec.Complete(now); err != nil {
			return nil, err
		}
	}
	if err := s.store.Executions().Update(ctx, exec); err != nil {
		return nil, err
	}

	if currency == "" {
		currency = "usd"
	}
	metrics.RecordRecoveredAmount(currency, int64(math.Round(amount*100)))
	s.publishEvent(ctx, events.TypePaymentRecovered, exec, map[string]interface{}{
		"amount":          amount,
		"fully_recovered": recovered,
	})

	if recovered {
		if err := s.store.Campaigns().IncrementCounters(ctx, exec.CampaignID, 0, 1, exec.RecoveredAmount); err != nil {
			log.L(ctx).Error("Failed to update campaign counters", zap.Error(err))
		}
		campaignName := exec.CampaignID.String()
		if campaign, err := s.store.Campaigns().GetByID(ctx, exec.CampaignID); err == nil {
			campaignName = campaign.Name
		}
		metrics.RecordExecutionFinished(campaignName, string(domain.ExecutionStatusCompleted))
		s.publishEvent(ctx, events.TypeExecutionCompleted, exec, map[string]interface{}{
			"recovered_amount": exec.RecoveredAmount,
		})
	}

	log.Info(ctx, "Recovery recorded",
		zap.String("execution_id", exec.ID.String()),
		zap.Float64("amount", amount),
		zap.Bool("fully_recovered", recovered))
	return exec, nil
}

// GetExecution retrieves an execution by ID
func (s *ExecutionService) GetExecution(ctx context.Context, executionID uuid.UUID) (*domain.Execution, error) {
	return s.store.Executions().GetByID(ctx, executionID)
}

// ListExecutions retrieves executions filtered by status
func (s *ExecutionService) ListExecutions(ctx context.Context, status domain.ExecutionStatus, limit, offset int) ([]*domain.Execution, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.Executions().ListByStatus(ctx, status, limit, offset)
}

// GetActionLog returns the ordered audit trail of an execution
func (s *ExecutionService) GetActionLog(ctx context.Context, executionID uuid.UUID) ([]*domain.ActionLog, error) {
	if _, err := s.store.Executions().GetByID(ctx, executionID); err != nil {
		return nil, err
	}
	return s.store.ActionLogs().ListByExecution(ctx, executionID)
}

// activeCampaigns lists active campaigns through a short-lived cache so
// a burst of trigger calls does not hammer the campaign table.
func (s *ExecutionService) activeCampaigns(ctx context.Context) ([]*domain.Campaign, error) {
	if s.cache != nil {
		var cached []*domain.Campaign
		err := s.cache.Get(ctx, activeCampaignsCacheKey, &cached)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			log.L(ctx).Warn("Campaign cache read failed", zap.Error(err))
		}
	}

	campaigns, err := s.store.Campaigns().ListActive(ctx)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, activeCampaignsCacheKey, campaigns, activeCampaignsCacheTTL); err != nil {
			log.L(ctx).Warn("Campaign cache write failed", zap.Error(err))
		}
	}
	return campaigns, nil
}

func (s *ExecutionService) publishEvent(ctx context.Context, eventType string, exec *domain.Execution, data map[string]interface{}) {
	if s.eventPublisher == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["subscription_id"] = exec.SubscriptionID
	data["customer_id"] = exec.CustomerID
	data["campaign_id"] = exec.CampaignID.String()

	event := events.NewEvent(eventType, exec.ID.String(), data)
	if err := s.eventPublisher.Publish(ctx, event); err != nil {
		log.L(ctx).Warn("Failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
