package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"backoffice/backend/internal/audit"
	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/ledger"
	"backoffice/backend/internal/store"
)

// Actions name every state-changing operation. They key idempotency records
// and audit events.
const (
	ActionStockMovement = "stock.movement.create"
	ActionPOCreate      = "po.create"
	ActionPOStatus      = "po.status"
	ActionPOUpdate      = "po.update"
	ActionPOSettle      = "po.settle"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type actorContextKey struct{}

type idempotencyKeyContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// WithIdempotencyKey tags ctx so audit events can reference the request key.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyContextKey{}, key)
}

func idempotencyKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyContextKey{}).(string)
	return key
}

type Options struct {
	DueSoonDays        int
	FXTolerancePercent decimal.Decimal
}

type Service struct {
	repo        store.Repository
	reader      *ledger.Reader
	audit       *audit.Recorder
	log         *zap.Logger
	dueSoonDays int
	fxTolerance decimal.Decimal
	now         func() time.Time
}

func New(repo store.Repository, reader *ledger.Reader, recorder *audit.Recorder, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if reader == nil {
		reader = ledger.NewReader(repo, nil, 0, log)
	}
	if recorder == nil {
		recorder = audit.NewRecorder(repo, log)
	}
	if opts.DueSoonDays < 0 {
		opts.DueSoonDays = ledger.DefaultDueSoonDays
	}

	return &Service{
		repo:        repo,
		reader:      reader,
		audit:       recorder,
		log:         log,
		dueSoonDays: opts.DueSoonDays,
		fxTolerance: opts.FXTolerancePercent,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID == "" || actor.StoreID == "" {
		return domain.Actor{}, domain.Unauthorized("authenticated store user required")
	}
	return actor, nil
}

// attempt starts the audit entry for one mutation. The returned func must be
// deferred with a pointer to the operation's error.
func (s *Service) attempt(ctx context.Context, entry *audit.Entry) func(errp *error) {
	if key := idempotencyKeyFromContext(ctx); key != "" {
		if entry.Metadata == nil {
			entry.Metadata = map[string]any{}
		}
		entry.Metadata["idempotencyKey"] = key
	}
	return func(errp *error) {
		if errp != nil && *errp != nil {
			entry.Err = *errp
			if domain.AsError(*errp).Kind == domain.KindInternal {
				s.log.Error("operation failed",
					zap.String("action", entry.Action),
					zap.String("store_id", entry.StoreID),
					zap.String("entity_id", entry.EntityID),
					zap.Error(*errp),
				)
			}
		}
		s.audit.Record(ctx, *entry)
	}
}

// RecordRejected audits a mutation refused before it reached the service,
// such as a body that failed to bind. entityID may be empty.
func (s *Service) RecordRejected(ctx context.Context, action string, entityType string, entityID string, cause error) {
	actor, _ := ActorFromContext(ctx)
	entry := audit.Entry{
		Actor:      actor,
		StoreID:    actor.StoreID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Metadata:   map[string]any{"stage": "binding"},
	}
	s.attempt(ctx, &entry)(&cause)
}

func (s *Service) storeSettings(ctx context.Context, storeID string) (*domain.StoreSettings, error) {
	settings, err := s.repo.GetStoreSettings(ctx, storeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NotFound(domain.CodeInvalidRequest, "store is not configured")
	}
	if err != nil {
		return nil, fmt.Errorf("load store settings: %w", err)
	}
	return settings, nil
}

// internal wraps an unexpected error unless it already carries a domain
// classification.
func internal(err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, store.ErrStaleClaim) {
		return domain.Conflict(domain.CodeIdempotencySuperseded, "this request timed out and was taken over by a retry with the same Idempotency-Key")
	}
	return domain.Internal(err)
}

func pageBounds(page int, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}
