package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"makerhub/backend/internal/domain"
	"makerhub/backend/internal/metrics"
	"makerhub/backend/internal/propagation"
	"makerhub/backend/internal/store"
	"makerhub/backend/internal/xid"
)

const (
	DefaultResolutionMessage = "Your complaint has been reviewed and resolved by the platform team."
	defaultWarningMessage    = "The platform team has reviewed a complaint involving your account and issued a warning."
)

// FileComplaint opens a complaint from the caller against another account. The order
// reference is optional; when present both accounts must be parties to that order.
func (s *Service) FileComplaint(ctx context.Context, req domain.FileComplaintRequest) (complaint domain.Complaint, err error) {
	ctx, span := s.startSpan(ctx, "complaint.file", attribute.String("to_user_id", req.ToUserID))
	defer func() { s.endSpan(span, "file_complaint", err) }()

	actor, err := s.requireActiveActor(ctx)
	if err != nil {
		return domain.Complaint{}, err
	}

	req.ToUserID = strings.TrimSpace(req.ToUserID)
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.Subject = strings.TrimSpace(req.Subject)
	req.Message = strings.TrimSpace(req.Message)
	switch {
	case req.ToUserID == "":
		return domain.Complaint{}, fmt.Errorf("%w: to_user_id is required", ErrInvalidRequest)
	case req.ToUserID == actor.ID:
		return domain.Complaint{}, fmt.Errorf("%w: cannot file a complaint against yourself", ErrInvalidRequest)
	case req.Subject == "":
		return domain.Complaint{}, fmt.Errorf("%w: subject is required", ErrInvalidRequest)
	case req.Message == "":
		return domain.Complaint{}, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}

	if _, err := s.repo.GetAccount(ctx, req.ToUserID); err != nil {
		return domain.Complaint{}, fmt.Errorf("accused account %s: %w", req.ToUserID, err)
	}
	if req.OrderID != "" {
		order, err := s.repo.GetOrder(ctx, req.OrderID)
		if err != nil {
			return domain.Complaint{}, fmt.Errorf("order %s: %w", req.OrderID, err)
		}
		if !order.IsParty(actor.ID) || !order.IsParty(req.ToUserID) {
			return domain.Complaint{}, fmt.Errorf("%w: order %s is not between %s and %s", ErrInvalidRequest, order.ID, actor.ID, req.ToUserID)
		}
	}

	admins, err := s.repo.ListAccounts(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.Complaint{}, err
	}

	now := s.timestamp()
	draft := domain.Complaint{
		ID:         xid.New("cmp"),
		OrderID:    req.OrderID,
		FromUserID: actor.ID,
		ToUserID:   req.ToUserID,
		Subject:    req.Subject,
		Message:    req.Message,
		Status:     domain.ComplaintOpen,
		CreatedAt:  now,
	}
	notifications := make([]domain.Notification, 0, len(admins))
	for _, admin := range admins {
		if admin.ID == actor.ID || !admin.Active() {
			continue
		}
		notifications = append(notifications, complaintNotification(draft, admin.ID, "New complaint",
			fmt.Sprintf("%s filed a complaint against %s: %s", actor.ID, draft.ToUserID, draft.Subject)))
	}

	created, err := s.repo.CreateComplaint(ctx, draft, notifications)
	if err != nil {
		return domain.Complaint{}, err
	}
	s.recordNotifications(notifications)
	s.logger.Info("complaint filed",
		zap.String("complaint_id", created.ID),
		zap.String("from_user_id", created.FromUserID),
		zap.String("to_user_id", created.ToUserID),
		zap.Bool("direct", created.Direct()),
	)

	events := propagation.ComplaintChanged(*created, domain.ChangeCreated, now)
	events = append(events, propagation.NotificationsChanged(recipients(notifications), domain.ChangeCreated, now)...)
	s.publish(ctx, events)
	return *created, nil
}

// Resolve closes an open complaint and tells the complainant. It succeeds at most once.
func (s *Service) Resolve(ctx context.Context, complaintID string, adminResponse string) (complaint domain.Complaint, err error) {
	ctx, span := s.startSpan(ctx, "complaint.resolve", attribute.String("complaint_id", complaintID))
	defer func() { s.endSpan(span, "resolve_complaint", err) }()

	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.Complaint{}, err
	}

	unlock, err := s.locks.Lock(ctx, complaintLockKey(complaintID))
	if err != nil {
		return domain.Complaint{}, err
	}
	defer unlock()

	current, err := s.repo.GetComplaint(ctx, complaintID)
	if err != nil {
		return domain.Complaint{}, err
	}
	if err := domain.ComplaintTransition(*current); err != nil {
		return domain.Complaint{}, err
	}

	response := strings.TrimSpace(adminResponse)
	if response == "" {
		response = DefaultResolutionMessage
	}
	at := domain.NextTimestamp(current.CreatedAt, s.now())
	notifications := []domain.Notification{
		complaintNotification(*current, current.FromUserID, "Complaint resolved", response),
	}

	resolved, err := s.repo.ResolveComplaint(ctx, store.ComplaintResolution{
		ComplaintID:     current.ID,
		ExpectedVersion: current.Version,
		Response:        response,
		ResolvedBy:      actor.ID,
		At:              at,
		Notifications:   notifications,
	})
	if err != nil {
		return domain.Complaint{}, err
	}
	s.recordNotifications(notifications)
	s.logger.Info("complaint resolved",
		zap.String("complaint_id", resolved.ID),
		zap.String("admin_id", actor.ID),
	)

	events := propagation.ComplaintChanged(*resolved, domain.ChangeStatusChanged, at)
	events = append(events, propagation.NotificationsChanged(recipients(notifications), domain.ChangeCreated, at)...)
	s.publish(ctx, events)
	return *resolved, nil
}

// WarnAccused notifies the account the complaint was filed against. It does not
// change the complaint and may be repeated, also after resolution.
func (s *Service) WarnAccused(ctx context.Context, complaintID string, adminResponse string) (domain.Notification, error) {
	return s.warn(ctx, "warn_accused", complaintID, adminResponse, func(c domain.Complaint) string { return c.ToUserID })
}

// WarnComplainant notifies the account that filed the complaint.
func (s *Service) WarnComplainant(ctx context.Context, complaintID string, adminResponse string) (domain.Notification, error) {
	return s.warn(ctx, "warn_complainant", complaintID, adminResponse, func(c domain.Complaint) string { return c.FromUserID })
}

func (s *Service) warn(ctx context.Context, operation string, complaintID string, adminResponse string, party func(domain.Complaint) string) (notification domain.Notification, err error) {
	ctx, span := s.startSpan(ctx, "complaint."+operation, attribute.String("complaint_id", complaintID))
	defer func() { s.endSpan(span, operation, err) }()

	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.Notification{}, err
	}
	complaint, err := s.repo.GetComplaint(ctx, complaintID)
	if err != nil {
		return domain.Notification{}, err
	}

	message := strings.TrimSpace(adminResponse)
	if message == "" {
		message = defaultWarningMessage
	}
	now := s.timestamp()
	notification = complaintNotification(*complaint, party(*complaint), "Warning from the platform team", message)
	notification.CreatedAt = now
	if err := s.repo.CreateNotifications(ctx, []domain.Notification{notification}); err != nil {
		return domain.Notification{}, err
	}
	s.recordNotifications([]domain.Notification{notification})
	s.logger.Info("complaint warning issued",
		zap.String("complaint_id", complaint.ID),
		zap.String("admin_id", actor.ID),
		zap.String("recipient_id", notification.UserID),
		zap.String("operation", operation),
	)

	s.publish(ctx, propagation.NotificationsChanged([]string{notification.UserID}, domain.ChangeCreated, now))
	return notification, nil
}

// RestrictAccount toggles the accused account between active and inactive and
// notifies it of the new state. Calling it twice restores the original status.
func (s *Service) RestrictAccount(ctx context.Context, complaintID string) (account domain.Account, err error) {
	ctx, span := s.startSpan(ctx, "complaint.restrict_account", attribute.String("complaint_id", complaintID))
	defer func() { s.endSpan(span, "restrict_account", err) }()

	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.Account{}, err
	}
	complaint, err := s.repo.GetComplaint(ctx, complaintID)
	if err != nil {
		return domain.Account{}, err
	}
	if complaint.ToUserID == actor.ID {
		return domain.Account{}, fmt.Errorf("%w: admins cannot restrict their own account", ErrInvalidRequest)
	}

	unlock, err := s.locks.Lock(ctx, accountLockKey(complaint.ToUserID))
	if err != nil {
		return domain.Account{}, err
	}
	defer unlock()

	at := s.timestamp()
	toggled, err := s.repo.ToggleAccountStatus(ctx, store.AccountToggle{
		AccountID: complaint.ToUserID,
		At:        at,
		Notify: func(updated domain.Account) domain.Notification {
			n := complaintNotification(*complaint, updated.ID, "Account status changed", restrictionMessage(updated.Status))
			n.Type = domain.NotificationAccount
			return n
		},
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Account{}, fmt.Errorf("accused account %s: %w", complaint.ToUserID, err)
		}
		return domain.Account{}, err
	}
	metrics.RecordNotificationCreated(string(domain.NotificationAccount))
	s.logger.Info("account status toggled",
		zap.String("complaint_id", complaint.ID),
		zap.String("account_id", toggled.ID),
		zap.String("admin_id", actor.ID),
		zap.String("status", string(toggled.Status)),
	)

	events := propagation.AccountChanged(toggled.ID, domain.ChangeStatusChanged, at)
	events = append(events, propagation.NotificationsChanged([]string{toggled.ID}, domain.ChangeCreated, at)...)
	s.publish(ctx, events)
	return *toggled, nil
}

func restrictionMessage(status domain.AccountStatus) string {
	if status == domain.AccountInactive {
		return "Your account has been restricted by the platform team following a complaint review."
	}
	return "The restriction on your account has been lifted by the platform team."
}

// GetComplaint returns the complaint with its order when it references one. A direct
// complaint, or one whose order cannot be read, comes back with a nil Order.
func (s *Service) GetComplaint(ctx context.Context, id string) (domain.ComplaintDetail, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.ComplaintDetail{}, err
	}
	complaint, err := s.repo.GetComplaint(ctx, id)
	if err != nil {
		return domain.ComplaintDetail{}, err
	}
	if actor.Role != domain.RoleAdmin && actor.ID != complaint.FromUserID && actor.ID != complaint.ToUserID {
		return domain.ComplaintDetail{}, fmt.Errorf("%w: not a party to complaint %s", ErrUnauthorized, id)
	}

	detail := domain.ComplaintDetail{Complaint: *complaint}
	if complaint.Direct() {
		return detail, nil
	}
	order, err := s.repo.GetOrder(ctx, complaint.OrderID)
	switch {
	case err == nil:
		detail.Order = order
	case errors.Is(err, store.ErrNotFound):
		s.logger.Debug("complaint references a missing order",
			zap.String("complaint_id", complaint.ID),
			zap.String("order_id", complaint.OrderID),
		)
	default:
		return domain.ComplaintDetail{}, err
	}
	return detail, nil
}

// ListComplaints returns every complaint to admins and only the caller's own to everyone else.
func (s *Service) ListComplaints(ctx context.Context, query domain.ComplaintsQuery) ([]domain.Complaint, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if query.Status != "" && query.Status != domain.ComplaintOpen && query.Status != domain.ComplaintResolved {
		return nil, fmt.Errorf("%w: unknown complaint status %q", ErrInvalidRequest, query.Status)
	}
	if actor.Role != domain.RoleAdmin {
		query.PartyID = actor.ID
	}
	return s.repo.ListComplaints(ctx, query)
}

func complaintNotification(complaint domain.Complaint, userID string, title string, message string) domain.Notification {
	return domain.Notification{
		ID:           xid.New("ntf"),
		UserID:       userID,
		Title:        title,
		Message:      message,
		Type:         domain.NotificationDispute,
		ResourceType: domain.ResourceComplaint,
		ResourceID:   complaint.ID,
	}
}
