package usecase

import (
	"github.com/jia-app/dunningservice/internal/dunning/domain"
)

// SelectCampaign picks the single best-fit campaign for an overdue
// candidate. A campaign qualifies when the candidate has been overdue at
// least trigger_after_days and no exclusion rule matches. Among
// qualifying campaigns the highest priority wins; on equal priority the
// smallest trigger_after_days does. Returns nil when nothing qualifies.
func SelectCampaign(campaigns []*domain.Campaign, cand *domain.Candidate) *domain.Campaign {
	var best *domain.Campaign
	for _, c := range campaigns {
		if !c.IsActive {
			continue
		}
		if cand.DaysOverdue < c.TriggerAfterDays {
			continue
		}
		if c.Exclusions.Excluded(cand) {
			continue
		}
		if best == nil || betterFit(c, best) {
			best = c
		}
	}
	return best
}

func betterFit(c, than *domain.Campaign) bool {
	if c.Priority != than.Priority {
		return c.Priority > than.Priority
	}
	return c.TriggerAfterDays < than.TriggerAfterDays
}
