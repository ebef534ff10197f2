package action

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	stripeinvoice "github.com/stripe/stripe-go/v76/invoice"
	"go.uber.org/zap"

	"github.com/jia-app/dunningservice/internal/log"
	"github.com/jia-app/dunningservice/internal/metrics"
)

// PaymentRetrier retries payment collection on an open invoice and
// reports whether the invoice ended up paid.
type PaymentRetrier interface {
	PayInvoice(ctx context.Context, invoiceID string) (externalID string, paid bool, err error)
}

// StripeRetrier collects open invoices through the Stripe API.
type StripeRetrier struct{}

// NewStripeRetrier configures the global Stripe client with the given
// secret key and returns a retrier backed by it.
func NewStripeRetrier(secretKey string) *StripeRetrier {
	if secretKey != "" {
		stripe.Key = secretKey
	}
	return &StripeRetrier{}
}

func (s *StripeRetrier) PayInvoice(ctx context.Context, invoiceID string) (string, bool, error) {
	inv, err := stripeinvoice.Pay(invoiceID, &stripe.InvoicePayParams{})
	if err != nil {
		metrics.RecordStripeAPICall("invoice_pay", "error")
		return "", false, err
	}
	metrics.RecordStripeAPICall("invoice_pay", "success")
	return inv.ID, inv.Status == stripe.InvoiceStatusPaid, nil
}

// ChargeRetryExecutor re-attempts collection on the invoice that put the
// subscription into dunning.
type ChargeRetryExecutor struct {
	retrier PaymentRetrier
}

func NewChargeRetryExecutor(retrier PaymentRetrier) *ChargeRetryExecutor {
	return &ChargeRetryExecutor{retrier: retrier}
}

func (e *ChargeRetryExecutor) Execute(ctx context.Context, config map[string]any, ec Context) (Outcome, error) {
	if ec.InvoiceID == "" {
		return failure("charge retry requires an invoice id", true), nil
	}

	externalID, paid, err := e.retrier.PayInvoice(ctx, ec.InvoiceID)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeInvalidRequest {
			// The invoice is gone or not payable; retrying the same
			// request cannot succeed.
			return failure(fmt.Sprintf("invoice not payable: %s", stripeErr.Code), true), nil
		}
		log.Warn(ctx, "Charge retry failed",
			zap.String("execution_id", ec.ExecutionID.String()),
			zap.String("invoice_id", ec.InvoiceID),
			zap.Error(err))
		return failure(err.Error(), false), fmt.Errorf("paying invoice %s: %w", ec.InvoiceID, err)
	}

	if !paid {
		return failure("payment attempt did not settle the invoice", false), nil
	}

	log.Info(ctx, "Charge retry collected invoice",
		zap.String("execution_id", ec.ExecutionID.String()),
		zap.String("invoice_id", ec.InvoiceID))
	return success(map[string]any{"invoice_id": ec.InvoiceID, "paid": true}, externalID), nil
}
