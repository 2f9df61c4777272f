package service

import (
	"context"

	"go.uber.org/zap"

	"makerhub/backend/internal/domain"
	"makerhub/backend/internal/propagation"
)

// ListNotifications returns the caller's inbox, newest first.
func (s *Service) ListNotifications(ctx context.Context, query domain.NotificationsQuery) ([]domain.Notification, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	query.UserID = actor.ID
	return s.repo.ListNotifications(ctx, query)
}

func (s *Service) MarkNotificationRead(ctx context.Context, id string) (domain.Notification, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Notification{}, err
	}
	n, err := s.repo.MarkNotificationRead(ctx, actor.ID, id)
	if err != nil {
		return domain.Notification{}, err
	}
	s.publish(ctx, propagation.NotificationsChanged([]string{actor.ID}, domain.ChangeRead, s.timestamp()))
	return *n, nil
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context) (int, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return 0, err
	}
	marked, err := s.repo.MarkAllNotificationsRead(ctx, actor.ID)
	if err != nil {
		return 0, err
	}
	if marked > 0 {
		s.logger.Debug("notifications marked read", zap.String("user_id", actor.ID), zap.Int("count", marked))
		s.publish(ctx, propagation.NotificationsChanged([]string{actor.ID}, domain.ChangeRead, s.timestamp()))
	}
	return marked, nil
}
