package action

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/jia-app/dunningservice/internal/circuitbreaker"
	"github.com/jia-app/dunningservice/internal/log"
)

const signatureHeader = "X-Dunning-Signature"

// WebhookExecutor POSTs a signed JSON notification to the URL configured on
// the action. The circuit breaker fails fast when the target endpoint is
// repeatedly down, so a broken webhook does not stall every scan cycle.
type WebhookExecutor struct {
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

func NewWebhookExecutor(timeout time.Duration, breaker *circuitbreaker.CircuitBreaker) *WebhookExecutor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookExecutor{
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

type webhookPayload struct {
	ExecutionID       string  `json:"execution_id"`
	SubscriptionID    string  `json:"subscription_id"`
	CustomerID        string  `json:"customer_id"`
	InvoiceID         string  `json:"invoice_id,omitempty"`
	OutstandingAmount float64 `json:"outstanding_amount"`
	StepNumber        int     `json:"step_number"`
	SentAt            int64   `json:"sent_at"`
}

func (e *WebhookExecutor) Execute(ctx context.Context, config map[string]any, ec Context) (Outcome, error) {
	target, ok := configString(config, "url")
	if !ok {
		return failure("webhook action missing url", true), nil
	}
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return failure(fmt.Sprintf("malformed webhook url %q", target), true), nil
	}

	payload := webhookPayload{
		ExecutionID:       ec.ExecutionID.String(),
		SubscriptionID:    ec.SubscriptionID,
		CustomerID:        ec.CustomerID,
		InvoiceID:         ec.InvoiceID,
		OutstandingAmount: ec.OutstandingAmount,
		StepNumber:        ec.StepNumber,
		SentAt:            time.Now().Unix(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return failure(err.Error(), true), nil
	}

	statusCode, err := e.post(ctx, target, config, body)
	if err != nil {
		return failure(err.Error(), false), fmt.Errorf("webhook dispatch failed: %w", err)
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		log.Debug(ctx, "Webhook delivered",
			zap.String("url", target),
			zap.Int("status_code", statusCode))
		return success(map[string]any{"url": target, "status_code": statusCode}, ""), nil
	case statusCode >= 400 && statusCode < 500:
		// Endpoint rejected the payload; retrying the same request will
		// not change the answer.
		return failure(fmt.Sprintf("webhook returned %d", statusCode), true), nil
	default:
		return failure(fmt.Sprintf("webhook returned %d", statusCode), false), nil
	}
}

func (e *WebhookExecutor) post(ctx context.Context, target string, config map[string]any, body []byte) (int, error) {
	var statusCode int
	do := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if secret, ok := configString(config, "secret"); ok {
			req.Header.Set(signatureHeader, sign(secret, body))
		}

		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		statusCode = resp.StatusCode
		return nil
	}

	var err error
	if e.breaker != nil {
		err = e.breaker.Execute(ctx, do)
	} else {
		err = do()
	}
	if err != nil {
		return 0, err
	}
	return statusCode, nil
}

// sign computes the hex HMAC-SHA256 of the payload under the action secret
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

var _ Executor = (*WebhookExecutor)(nil)
