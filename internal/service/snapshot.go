package service

import (
	"context"
	"fmt"

	"makerhub/backend/internal/domain"
)

const snapshotInboxLimit = 20

// InboxSnapshot is the notification state a dashboard re-renders after an inbox event.
type InboxSnapshot struct {
	UserID string                `json:"user_id"`
	Unread int                   `json:"unread"`
	Latest []domain.Notification `json:"latest"`
}

// Snapshot re-reads the resource a change event points at. It does not check the
// caller: it backs the event stream, which authorizes topics before subscribing,
// and its results are shared between subscribers.
func (s *Service) Snapshot(ctx context.Context, event domain.ChangeEvent) (any, error) {
	switch event.ResourceType {
	case domain.ResourceOrder:
		return s.repo.GetOrder(ctx, event.ResourceID)
	case domain.ResourceComplaint:
		return s.repo.GetComplaint(ctx, event.ResourceID)
	case domain.ResourceAccount:
		return s.repo.GetAccount(ctx, event.ResourceID)
	case domain.ResourceNotification:
		unread, err := s.repo.CountUnreadNotifications(ctx, event.ResourceID)
		if err != nil {
			return nil, err
		}
		latest, err := s.repo.ListNotifications(ctx, domain.NotificationsQuery{UserID: event.ResourceID, Limit: snapshotInboxLimit})
		if err != nil {
			return nil, err
		}
		return InboxSnapshot{UserID: event.ResourceID, Unread: unread, Latest: latest}, nil
	}
	return nil, fmt.Errorf("%w: unknown resource type %q", ErrInvalidRequest, event.ResourceType)
}
