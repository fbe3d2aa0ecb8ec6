package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/store/memory"
)

type failingSink struct{}

func (failingSink) CreateAuditEvent(context.Context, domain.AuditEvent) error {
	return errors.New("disk full")
}

func (failingSink) ListAuditEvents(context.Context, domain.AuditFilter) ([]domain.AuditEvent, error) {
	return nil, nil
}

func TestRecordStoresSuccessAndFailure(t *testing.T) {
	repo := memory.New()
	recorder := NewRecorder(repo, nil)
	ctx := context.Background()
	actor := domain.Actor{UserID: "user-1", Role: "manager", StoreID: "main-store"}

	recorder.Record(ctx, Entry{
		Actor: actor, StoreID: "main-store", Action: "po.create", EntityType: "purchase_order", EntityID: "po-1",
		After: map[string]string{"status": "DRAFT"},
	})
	recorder.Record(ctx, Entry{
		Actor: actor, StoreID: "main-store", Action: "stock.movement.create", EntityType: "product", EntityID: "prod-water",
		Err:      domain.BusinessRule(domain.CodeInsufficientStock, "not enough stock"),
		Metadata: map[string]any{"qty": 80, "unitId": "ea"},
	})

	events, err := recorder.List(ctx, domain.AuditFilter{StoreID: "main-store"})
	require.NoError(t, err)
	require.Len(t, events, 2)

	byAction := map[string]domain.AuditEvent{}
	for _, e := range events {
		byAction[e.Action] = e
	}
	created := byAction["po.create"]
	assert.Equal(t, domain.AuditSuccess, created.Result)
	assert.Equal(t, domain.AuditScopeStore, created.Scope)
	assert.JSONEq(t, `{"status":"DRAFT"}`, string(created.After))
	assert.Empty(t, created.ReasonCode)

	rejected := byAction["stock.movement.create"]
	assert.Equal(t, domain.AuditFail, rejected.Result)
	assert.Equal(t, domain.CodeInsufficientStock, rejected.ReasonCode)
	assert.JSONEq(t, `{"qty":80,"unitId":"ea"}`, string(rejected.Metadata))
}

func TestRecordInternalErrorUsesInternalCode(t *testing.T) {
	repo := memory.New()
	recorder := NewRecorder(repo, nil)

	recorder.Record(context.Background(), Entry{
		StoreID: "main-store", Action: "po.settle", EntityType: "purchase_order", EntityID: "po-1",
		Err: errors.New("connection reset"),
	})

	events, err := recorder.List(context.Background(), domain.AuditFilter{StoreID: "main-store"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.CodeInternal, events[0].ReasonCode)
	assert.Equal(t, "system", events[0].ActorUserID)
}

func TestRecordSwallowsSinkErrors(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	recorder := NewRecorder(failingSink{}, zap.New(core))

	assert.NotPanics(t, func() {
		recorder.Record(context.Background(), Entry{StoreID: "main-store", Action: "po.create", EntityType: "purchase_order"})
	})
	assert.Equal(t, 1, logs.FilterMessage("audit write failed").Len())
}

func TestListClampsLimit(t *testing.T) {
	repo := memory.New()
	recorder := NewRecorder(repo, nil)
	for i := 0; i < 3; i++ {
		recorder.Record(context.Background(), Entry{StoreID: "main-store", Action: "po.create", EntityType: "purchase_order"})
	}

	events, err := recorder.List(context.Background(), domain.AuditFilter{StoreID: "main-store", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = recorder.List(context.Background(), domain.AuditFilter{StoreID: "other-store"})
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)
}
