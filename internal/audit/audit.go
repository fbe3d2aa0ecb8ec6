// Package audit writes the append-only trail of state-changing attempts.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/xid"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

type Sink interface {
	CreateAuditEvent(ctx context.Context, event domain.AuditEvent) error
	ListAuditEvents(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEvent, error)
}

// Entry describes one attempt. Before, After and Metadata are marshalled to
// JSON as-is; a nil value is stored as null.
type Entry struct {
	Actor      domain.Actor
	StoreID    string
	Action     string
	EntityType string
	EntityID   string
	Err        error
	Before     any
	After      any
	Metadata   map[string]any
}

type Recorder struct {
	sink Sink
	log  *zap.Logger
	now  func() time.Time
}

func NewRecorder(sink Sink, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{sink: sink, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Record never fails the caller. Write errors are logged and dropped.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	event := r.build(entry)
	if err := r.sink.CreateAuditEvent(context.WithoutCancel(ctx), event); err != nil {
		r.log.Warn("audit write failed",
			zap.String("action", event.Action),
			zap.String("entity_type", event.EntityType),
			zap.String("entity_id", event.EntityID),
			zap.Error(err),
		)
	}
}

func (r *Recorder) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEvent, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	events, err := r.sink.ListAuditEvents(ctx, filter)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []domain.AuditEvent{}
	}
	return events, nil
}

func (r *Recorder) build(entry Entry) domain.AuditEvent {
	event := domain.AuditEvent{
		ID:          xid.New("audit"),
		Scope:       domain.AuditScopeStore,
		StoreID:     entry.StoreID,
		ActorUserID: entry.Actor.UserID,
		ActorRole:   entry.Actor.Role,
		Action:      entry.Action,
		EntityType:  entry.EntityType,
		EntityID:    entry.EntityID,
		Result:      domain.AuditSuccess,
		Before:      r.snapshot(entry.Before),
		After:       r.snapshot(entry.After),
		OccurredAt:  r.now(),
	}
	if event.StoreID == "" {
		event.Scope = domain.AuditScopeSystem
	}
	if event.ActorUserID == "" {
		event.ActorUserID = "system"
	}
	if entry.Err != nil {
		event.Result = domain.AuditFail
		event.ReasonCode = domain.ReasonCode(entry.Err)
	}
	if len(entry.Metadata) > 0 {
		event.Metadata = r.snapshot(entry.Metadata)
	}
	return event
}

func (r *Recorder) snapshot(value any) json.RawMessage {
	if value == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		r.log.Warn("audit snapshot not serializable", zap.Error(err))
		return nil
	}
	return raw
}
