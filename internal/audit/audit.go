package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event represents an audit event
type Event struct {
	ID         string                 `json:"id"`
	ActorID    string                 `json:"actor_id"`
	Action     string                 `json:"action"`
	Resource   string                 `json:"resource"`
	ResourceID string                 `json:"resource_id"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Result     string                 `json:"result"`
	Error      string                 `json:"error,omitempty"`
}

// Logger defines the interface for audit logging
type Logger interface {
	Log(ctx context.Context, event Event) error
}

// ZapAuditLogger implements audit logging using zap
type ZapAuditLogger struct {
	logger *zap.Logger
}

// NewZapAuditLogger creates a new zap-based audit logger
func NewZapAuditLogger(logger *zap.Logger) *ZapAuditLogger {
	return &ZapAuditLogger{logger: logger}
}

// Log logs an audit event
func (l *ZapAuditLogger) Log(ctx context.Context, event Event) error {
	fields := []zap.Field{
		zap.String("audit_id", event.ID),
		zap.String("audit_action", event.Action),
		zap.String("audit_resource", event.Resource),
		zap.String("audit_resource_id", event.ResourceID),
		zap.String("audit_result", event.Result),
		zap.Time("audit_timestamp", event.Timestamp),
	}
	if event.ActorID != "" {
		fields = append(fields, zap.String("audit_actor_id", event.ActorID))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("audit_error", event.Error))
	}
	if len(event.Details) > 0 {
		detailsJSON, _ := json.Marshal(event.Details)
		fields = append(fields, zap.String("audit_details", string(detailsJSON)))
	}

	if event.Result == "success" {
		l.logger.Info("Audit event", fields...)
	} else {
		l.logger.Error("Audit event", fields...)
	}
	return nil
}

// Manager records operator actions on campaigns and executions
type Manager struct {
	logger Logger
}

// NewManager creates a new audit manager
func NewManager(logger Logger) *Manager {
	return &Manager{logger: logger}
}

func (m *Manager) log(ctx context.Context, actorID, action, resource, resourceID string, details map[string]interface{}) error {
	if m == nil {
		return nil
	}
	return m.logger.Log(ctx, Event{
		ID:         uuid.NewString(),
		ActorID:    actorID,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Details:    details,
		Timestamp:  time.Now().UTC(),
		Result:     "success",
	})
}

// LogCampaignCreated records a campaign creation
func (m *Manager) LogCampaignCreated(ctx context.Context, actorID, campaignID, name string) error {
	return m.log(ctx, actorID, "create", "campaign", campaignID,
		map[string]interface{}{"name": name})
}

// LogCampaignUpdated records a campaign configuration change
func (m *Manager) LogCampaignUpdated(ctx context.Context, actorID, campaignID string) error {
	return m.log(ctx, actorID, "update", "campaign", campaignID, nil)
}

// LogCampaignDisabled records a campaign soft-disable
func (m *Manager) LogCampaignDisabled(ctx context.Context, actorID, campaignID string) error {
	return m.log(ctx, actorID, "disable", "campaign", campaignID, nil)
}

// LogExecutionCanceled records a manual execution cancellation
func (m *Manager) LogExecutionCanceled(ctx context.Context, actorID, executionID, reason string) error {
	return m.log(ctx, actorID, "cancel", "execution", executionID,
		map[string]interface{}{"reason": reason})
}

// LogManualScan records an out-of-band scheduler scan
func (m *Manager) LogManualScan(ctx context.Context, actorID string) error {
	return m.log(ctx, actorID, "scan", "scheduler", "", nil)
}
