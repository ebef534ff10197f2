package action

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jia-app/dunningservice/internal/log"
)

// EmailSender delivers a templated email through the notification service.
// Returns the provider message id.
type EmailSender interface {
	SendEmail(ctx context.Context, customerID, templateID string, vars map[string]any) (string, error)
}

// SMSSender delivers a templated SMS through the notification service
type SMSSender interface {
	SendSMS(ctx context.Context, customerID, templateID string, vars map[string]any) (string, error)
}

// EmailExecutor dispatches dunning emails
type EmailExecutor struct {
	sender EmailSender
}

func NewEmailExecutor(sender EmailSender) *EmailExecutor {
	return &EmailExecutor{sender: sender}
}

func (e *EmailExecutor) Execute(ctx context.Context, config map[string]any, ec Context) (Outcome, error) {
	templateID, ok := configString(config, "template_id")
	if !ok {
		// Misconfigured action; retrying cannot fix it.
		return failure("email action missing template_id", true), nil
	}

	vars := map[string]any{
		"subscription_id":    ec.SubscriptionID,
		"outstanding_amount": ec.OutstandingAmount,
	}
	msgID, err := e.sender.SendEmail(ctx, ec.CustomerID, templateID, vars)
	if err != nil {
		return failure(err.Error(), false), fmt.Errorf("email dispatch failed: %w", err)
	}

	log.Debug(ctx, "Dunning email sent",
		zap.String("customer_id", ec.CustomerID),
		zap.String("template_id", templateID),
		zap.String("message_id", msgID))

	return success(map[string]any{"template_id": templateID}, msgID), nil
}

// SMSExecutor dispatches dunning SMS messages
type SMSExecutor struct {
	sender SMSSender
}

func NewSMSExecutor(sender SMSSender) *SMSExecutor {
	return &SMSExecutor{sender: sender}
}

func (e *SMSExecutor) Execute(ctx context.Context, config map[string]any, ec Context) (Outcome, error) {
	templateID, ok := configString(config, "template_id")
	if !ok {
		return failure("sms action missing template_id", true), nil
	}

	vars := map[string]any{
		"subscription_id":    ec.SubscriptionID,
		"outstanding_amount": ec.OutstandingAmount,
	}
	msgID, err := e.sender.SendSMS(ctx, ec.CustomerID, templateID, vars)
	if err != nil {
		return failure(err.Error(), false), fmt.Errorf("sms dispatch failed: %w", err)
	}

	log.Debug(ctx, "Dunning SMS sent",
		zap.String("customer_id", ec.CustomerID),
		zap.String("template_id", templateID),
		zap.String("message_id", msgID))

	return success(map[string]any{"template_id": templateID}, msgID), nil
}

var _ Executor = (*EmailExecutor)(nil)
var _ Executor = (*SMSExecutor)(nil)
