package action

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jia-app/dunningservice/internal/log"
)

// ProvisioningClient talks to the provisioning service that controls
// customer service state
type ProvisioningClient interface {
	SuspendService(ctx context.Context, subscriptionID, reason string) error
	TerminateService(ctx context.Context, subscriptionID, reason string) error
}

// SuspendExecutor suspends the customer's service
type SuspendExecutor struct {
	client ProvisioningClient
}

func NewSuspendExecutor(client ProvisioningClient) *SuspendExecutor {
	return &SuspendExecutor{client: client}
}

func (e *SuspendExecutor) Execute(ctx context.Context, config map[string]any, ec Context) (Outcome, error) {
	reason, ok := configString(config, "reason")
	if !ok {
		reason = "overdue balance"
	}

	if err := e.client.SuspendService(ctx, ec.SubscriptionID, reason); err != nil {
		return failure(err.Error(), false), fmt.Errorf("service suspension failed: %w", err)
	}

	log.Info(ctx, "Service suspended",
		zap.String("subscription_id", ec.SubscriptionID),
		zap.String("reason", reason))

	return success(map[string]any{"reason": reason}, ""), nil
}

// TerminateExecutor terminates the customer's service
type TerminateExecutor struct {
	client ProvisioningClient
}

func NewTerminateExecutor(client ProvisioningClient) *TerminateExecutor {
	return &TerminateExecutor{client: client}
}

func (e *TerminateExecutor) Execute(ctx context.Context, config map[string]any, ec Context) (Outcome, error) {
	reason, ok := configString(config, "reason")
	if !ok {
		reason = "dunning exhausted"
	}

	if err := e.client.TerminateService(ctx, ec.SubscriptionID, reason); err != nil {
		return failure(err.Error(), false), fmt.Errorf("service termination failed: %w", err)
	}

	log.Info(ctx, "Service terminated",
		zap.String("subscription_id", ec.SubscriptionID),
		zap.String("reason", reason))

	return success(map[string]any{"reason": reason}, ""), nil
}

var _ Executor = (*SuspendExecutor)(nil)
var _ Executor = (*TerminateExecutor)(nil)
