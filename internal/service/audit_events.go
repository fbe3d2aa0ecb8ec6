package service

import (
	"context"

	"backoffice/backend/internal/domain"
)

func (s *Service) ListAuditEvents(ctx context.Context, filter domain.AuditFilter) (domain.AuditEventListResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.AuditEventListResponse{}, err
	}
	filter.StoreID = actor.StoreID
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return domain.AuditEventListResponse{}, domain.Validation(domain.CodeInvalidRequest, "to must not be before from")
	}
	events, err := s.audit.List(ctx, filter)
	if err != nil {
		return domain.AuditEventListResponse{}, internal(err)
	}
	return domain.AuditEventListResponse{Events: events}, nil
}
