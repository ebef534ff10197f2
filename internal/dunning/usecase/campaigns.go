package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jia-app/dunningservice/internal/cache"
	"github.com/jia-app/dunningservice/internal/dunning/domain"
	"github.com/jia-app/dunningservice/internal/dunning/repo"
	"github.com/jia-app/dunningservice/internal/log"
)

// CampaignService manages campaign definitions. Campaigns are soft
// disabled via is_active so their aggregate counters survive.
type CampaignService struct {
	store repo.Store
	cache *cache.Cache
	clock func() time.Time
}

// NewCampaignService creates a new campaign service. The cache may be nil.
func NewCampaignService(store repo.Store, c *cache.Cache) *CampaignService {
	return &CampaignService{store: store, cache: c, clock: time.Now}
}

// CampaignUpdate carries the mutable fields of a partial update. Nil
// fields are left untouched.
type CampaignUpdate struct {
	Name               *string                `json:"name,omitempty"`
	Description        *string                `json:"description,omitempty"`
	TriggerAfterDays   *int                   `json:"trigger_after_days,omitempty"`
	MaxRetries         *int                   `json:"max_retries,omitempty"`
	RetryIntervalDays  *int                   `json:"retry_interval_days,omitempty"`
	Actions            []domain.Action        `json:"actions,omitempty"`
	Exclusions         *domain.ExclusionRules `json:"exclusions,omitempty"`
	Priority           *int                   `json:"priority,omitempty"`
	OnPermanentFailure *domain.FailurePolicy  `json:"on_permanent_failure,omitempty"`
	IsActive           *bool                  `json:"is_active,omitempty"`
}

// Create validates and persists a new campaign
func (s *CampaignService) Create(ctx context.Context, campaign *domain.Campaign) error {
	now := s.clock()
	if campaign.ID == uuid.Nil {
		campaign.ID = uuid.New()
	}
	if campaign.OnPermanentFailure == "" {
		campaign.OnPermanentFailure = domain.FailurePolicyFailExecution
	}
	campaign.CreatedAt = now
	campaign.UpdatedAt = now

	if err := campaign.Validate(); err != nil {
		return err
	}
	if err := s.store.Campaigns().Create(ctx, campaign); err != nil {
		return err
	}
	s.invalidateCache(ctx)

	log.Info(ctx, "Campaign created",
		zap.String("campaign_id", campaign.ID.String()),
		zap.String("name", campaign.Name),
		zap.Int("priority", campaign.Priority))
	return nil
}

// Get retrieves a campaign by ID
func (s *CampaignService) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.store.Campaigns().GetByID(ctx, id)
}

// List retrieves all campaigns, active and disabled
func (s *CampaignService) List(ctx context.Context) ([]*domain.Campaign, error) {
	return s.store.Campaigns().List(ctx)
}

// Update applies a partial update. In-flight executions keep their
// already-computed schedule; only future evaluations see the change.
func (s *CampaignService) Update(ctx context.Context, id uuid.UUID, upd CampaignUpdate) (*domain.Campaign, error) {
	campaign, err := s.store.Campaigns().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if upd.Name != nil {
		campaign.Name = *upd.Name
	}
	if upd.Description != nil {
		campaign.Description = *upd.Description
	}
	if upd.TriggerAfterDays != nil {
		campaign.TriggerAfterDays = *upd.TriggerAfterDays
	}
	if upd.MaxRetries != nil {
		campaign.MaxRetries = *upd.MaxRetries
	}
	if upd.RetryIntervalDays != nil {
		campaign.RetryIntervalDays = *upd.RetryIntervalDays
	}
	if upd.Actions != nil {
		campaign.Actions = upd.Actions
	}
	if upd.Exclusions != nil {
		campaign.Exclusions = *upd.Exclusions
	}
	if upd.Priority != nil {
		campaign.Priority = *upd.Priority
	}
	if upd.OnPermanentFailure != nil {
		campaign.OnPermanentFailure = *upd.OnPermanentFailure
	}
	if upd.IsActive != nil {
		campaign.IsActive = *upd.IsActive
	}
	campaign.UpdatedAt = s.clock()

	if err := campaign.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.Campaigns().Update(ctx, campaign); err != nil {
		return nil, err
	}
	s.invalidateCache(ctx)

	log.Info(ctx, "Campaign updated",
		zap.String("campaign_id", campaign.ID.String()),
		zap.Bool("is_active", campaign.IsActive))
	return campaign, nil
}

// Disable soft-disables a campaign, preserving its counters
func (s *CampaignService) Disable(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	inactive := false
	return s.Update(ctx, id, CampaignUpdate{IsActive: &inactive})
}

// CampaignStats summarizes a campaign's lifetime performance
type CampaignStats struct {
	CampaignID           uuid.UUID `json:"campaign_id"`
	Name                 string    `json:"name"`
	IsActive             bool      `json:"is_active"`
	TotalExecutions      int64     `json:"total_executions"`
	SuccessfulExecutions int64     `json:"successful_executions"`
	SuccessRate          float64   `json:"success_rate"`
	TotalRecoveredAmount float64   `json:"total_recovered_amount"`
}

// Stats returns the aggregate counters for every campaign
func (s *CampaignService) Stats(ctx context.Context) ([]CampaignStats, error) {
	campaigns, err := s.store.Campaigns().List(ctx)
	if err != nil {
		return nil, err
	}

	stats := make([]CampaignStats, 0, len(campaigns))
	for _, c := range campaigns {
		st := CampaignStats{
			CampaignID:           c.ID,
			Name:                 c.Name,
			IsActive:             c.IsActive,
			TotalExecutions:      c.TotalExecutions,
			SuccessfulExecutions: c.SuccessfulExecutions,
			TotalRecoveredAmount: c.TotalRecoveredAmount,
		}
		if c.TotalExecutions > 0 {
			st.SuccessRate = float64(c.SuccessfulExecutions) / float64(c.TotalExecutions)
		}
		stats = append(stats, st)
	}
	return stats, nil
}

func (s *CampaignService) invalidateCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, activeCampaignsCacheKey); err != nil {
		log.L(ctx).Warn("Campaign cache invalidation failed", zap.Error(err))
	}
}
