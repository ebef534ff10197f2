package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jia-app/dunningservice/internal/circuitbreaker"
	"github.com/jia-app/dunningservice/internal/config"
	"github.com/jia-app/dunningservice/internal/dunning/action"
	"github.com/jia-app/dunningservice/internal/dunning/domain"
	"github.com/jia-app/dunningservice/internal/log"
)

// buildRegistry wires an executor for every action type a campaign can
// carry. Charge retries go through Stripe when a secret key is
// configured and fall back to a logging stub otherwise, so local
// development never needs live credentials.
func buildRegistry(ctx context.Context, cfg *config.Config) *action.Registry {
	logger := log.L(ctx)
	registry := action.NewRegistry()

	breaker := circuitbreaker.New("webhook", circuitbreaker.Config{
		MaxFailures:      5,
		Timeout:          30 * time.Second,
		SuccessThreshold: 2,
	}, logger)

	registry.Register(domain.ActionTypeEmail, action.NewEmailExecutor(&logNotifier{logger: logger}))
	registry.Register(domain.ActionTypeSMS, action.NewSMSExecutor(&logNotifier{logger: logger}))
	registry.Register(domain.ActionTypeWebhook, action.NewWebhookExecutor(10*time.Second, breaker))
	registry.Register(domain.ActionTypeSuspendService, action.NewSuspendExecutor(&logProvisioner{logger: logger}))
	registry.Register(domain.ActionTypeTerminateService, action.NewTerminateExecutor(&logProvisioner{logger: logger}))

	var retrier action.PaymentRetrier
	if cfg.Stripe.SecretKey != "" {
		retrier = action.NewStripeRetrier(cfg.Stripe.SecretKey)
		logger.Info("Stripe payment retrier initialized")
	} else {
		logger.Warn("Stripe secret key not configured, charge retries run in stub mode")
		retrier = &stubRetrier{logger: logger}
	}
	registry.Register(domain.ActionTypeChargeRetry, action.NewChargeRetryExecutor(retrier))

	return registry
}

// logNotifier satisfies the notification interfaces by logging the
// dispatch. It stands in until the notification service client lands.
// TODO: replace with the jia notification-service gRPC client once its
// proto is published.
type logNotifier struct {
	logger *zap.Logger
}

func (n *logNotifier) SendEmail(ctx context.Context, customerID, templateID string, vars map[string]any) (string, error) {
	n.logger.Info("Dunning email dispatched",
		zap.String("customer_id", customerID),
		zap.String("template_id", templateID))
	return "email-" + templateID + "-" + customerID, nil
}

func (n *logNotifier) SendSMS(ctx context.Context, customerID, templateID string, vars map[string]any) (string, error) {
	n.logger.Info("Dunning SMS dispatched",
		zap.String("customer_id", customerID),
		zap.String("template_id", templateID))
	return "sms-" + templateID + "-" + customerID, nil
}

// logProvisioner stands in for the provisioning service client
type logProvisioner struct {
	logger *zap.Logger
}

func (p *logProvisioner) SuspendService(ctx context.Context, subscriptionID, reason string) error {
	p.logger.Info("Service suspension requested",
		zap.String("subscription_id", subscriptionID),
		zap.String("reason", reason))
	return nil
}

func (p *logProvisioner) TerminateService(ctx context.Context, subscriptionID, reason string) error {
	p.logger.Info("Service termination requested",
		zap.String("subscription_id", subscriptionID),
		zap.String("reason", reason))
	return nil
}

// stubRetrier reports every charge retry as a transient failure so the
// execution keeps retrying until real credentials are configured
type stubRetrier struct {
	logger *zap.Logger
}

func (r *stubRetrier) PayInvoice(ctx context.Context, invoiceID string) (string, bool, error) {
	r.logger.Warn("Charge retry skipped, no payment provider configured",
		zap.String("invoice_id", invoiceID))
	return "", false, nil
}
