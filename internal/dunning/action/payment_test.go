package action

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jia-app/dunningservice/internal/dunning/domain"
)

type fakeRetrier struct {
	externalID string
	paid       bool
	err        error
	invoiceID  string
}

func (f *fakeRetrier) PayInvoice(ctx context.Context, invoiceID string) (string, bool, error) {
	f.invoiceID = invoiceID
	return f.externalID, f.paid, f.err
}

func TestChargeRetryCollects(t *testing.T) {
	retrier := &fakeRetrier{externalID: "in_123", paid: true}
	e := NewChargeRetryExecutor(retrier)

	out, err := e.Execute(context.Background(), nil, Context{InvoiceID: "in_123", SubscriptionID: "sub-1"})
	require.NoError(t, err)
	require.Equal(t, domain.ActionLogStatusSuccess, out.Status)
	require.Equal(t, "in_123", out.ExternalID)
	require.Equal(t, "in_123", retrier.invoiceID)
}

func TestChargeRetryWithoutInvoiceIsPermanent(t *testing.T) {
	e := NewChargeRetryExecutor(&fakeRetrier{})

	out, err := e.Execute(context.Background(), nil, Context{SubscriptionID: "sub-1"})
	require.NoError(t, err)
	require.Equal(t, domain.ActionLogStatusFailed, out.Status)
	require.True(t, out.Permanent)
}

func TestChargeRetryProviderErrorIsTransient(t *testing.T) {
	e := NewChargeRetryExecutor(&fakeRetrier{err: errors.New("connection reset")})

	out, err := e.Execute(context.Background(), nil, Context{InvoiceID: "in_1"})
	require.Error(t, err)
	require.Equal(t, domain.ActionLogStatusFailed, out.Status)
	require.False(t, out.Permanent)
}

func TestChargeRetryUnpaidAttemptIsTransientFailure(t *testing.T) {
	e := NewChargeRetryExecutor(&fakeRetrier{externalID: "in_1", paid: false})

	out, err := e.Execute(context.Background(), nil, Context{InvoiceID: "in_1"})
	require.NoError(t, err)
	require.Equal(t, domain.ActionLogStatusFailed, out.Status)
	require.False(t, out.Permanent)
}
