package action

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/jia-app/dunningservice/internal/dunning/domain"
)

// Context carries the execution state an action needs to act on a customer
type Context struct {
	ExecutionID       uuid.UUID
	SubscriptionID    string
	CustomerID        string
	InvoiceID         string
	OutstandingAmount float64
	StepNumber        int
}

// Outcome is the result of one action attempt. A Failed outcome with
// Permanent set means retrying cannot help (bad template, malformed URL);
// without it the engine treats the failure as transient and schedules a
// retry. An error returned alongside the outcome counts as transient
// infrastructure failure.
type Outcome struct {
	Status       domain.ActionLogStatus
	Result       map[string]any
	ErrorMessage string
	ExternalID   string
	Permanent    bool
}

func success(result map[string]any, externalID string) Outcome {
	return Outcome{
		Status:     domain.ActionLogStatusSuccess,
		Result:     result,
		ExternalID: externalID,
	}
}

func failure(msg string, permanent bool) Outcome {
	return Outcome{
		Status:       domain.ActionLogStatusFailed,
		ErrorMessage: msg,
		Permanent:    permanent,
	}
}

// Executor dispatches a single action type against a provider
type Executor interface {
	Execute(ctx context.Context, config map[string]any, ec Context) (Outcome, error)
}

// Registry maps action types to their executors. Constructed explicitly at
// startup and injected into the engine; no package-level state.
type Registry struct {
	mu        sync.RWMutex
	executors map[domain.ActionType]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[domain.ActionType]Executor)}
}

// Register binds an executor to an action type
func (r *Registry) Register(t domain.ActionType, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[t] = e
}

// Get returns the executor for an action type
func (r *Registry) Get(t domain.ActionType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	if !ok {
		return nil, fmt.Errorf("no executor registered for action type %q", t)
	}
	return e, nil
}

// configString reads a required string key from the action config
func configString(config map[string]any, key string) (string, bool) {
	v, ok := config[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
