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

// CreateOrder is the checkout entry point. Card orders start in processing; bank
// transfers wait for the manufacturer to verify the payment.
func (s *Service) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (order domain.Order, err error) {
	ctx, span := s.startSpan(ctx, "order.create", attribute.String("manufacturer_id", req.ManufacturerID))
	defer func() { s.endSpan(span, "create_order", err) }()

	actor, err := s.requireActiveActor(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	if actor.Role != domain.RoleCustomer {
		return domain.Order{}, fmt.Errorf("%w: only customers place orders", ErrUnauthorized)
	}

	req.ManufacturerID = strings.TrimSpace(req.ManufacturerID)
	req.TransactionID = strings.TrimSpace(req.TransactionID)
	req.AccountName = strings.TrimSpace(req.AccountName)
	if err := validateOrderRequest(req); err != nil {
		return domain.Order{}, err
	}

	manufacturer, err := s.repo.GetAccount(ctx, req.ManufacturerID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("manufacturer %s: %w", req.ManufacturerID, err)
	}
	if manufacturer.Role != domain.RoleManufacturer {
		return domain.Order{}, fmt.Errorf("%w: account %s is not a manufacturer", ErrInvalidRequest, manufacturer.ID)
	}
	if !manufacturer.Active() {
		return domain.Order{}, fmt.Errorf("%w: manufacturer %s is not accepting orders", ErrInvalidRequest, manufacturer.ID)
	}

	status := domain.OrderProcessing
	if req.PaymentMethod == domain.PaymentBankTransfer {
		status = domain.OrderAwaitingVerification
	}
	now := s.timestamp()
	draft := domain.Order{
		ID:             xid.New("ord"),
		CustomerID:     actor.ID,
		ManufacturerID: manufacturer.ID,
		Items:          append([]domain.OrderItem(nil), req.Items...),
		TotalAmount:    domain.SumItems(req.Items),
		PaymentMethod:  req.PaymentMethod,
		TransactionID:  req.TransactionID,
		AccountName:    req.AccountName,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	notifications := []domain.Notification{newOrderNotification(draft)}

	created, err := s.repo.CreateOrder(ctx, draft, notifications)
	if err != nil {
		return domain.Order{}, err
	}
	s.recordNotifications(notifications)
	s.logger.Info("order created",
		zap.String("order_id", created.ID),
		zap.String("customer_id", created.CustomerID),
		zap.String("manufacturer_id", created.ManufacturerID),
		zap.String("status", string(created.Status)),
		zap.String("total", created.TotalAmount.StringFixed(2)),
	)

	events := propagation.OrderChanged(*created, domain.ChangeCreated, now)
	events = append(events, propagation.NotificationsChanged(recipients(notifications), domain.ChangeCreated, now)...)
	s.publish(ctx, events)
	return *created, nil
}

func validateOrderRequest(req domain.CreateOrderRequest) error {
	if req.ManufacturerID == "" {
		return fmt.Errorf("%w: manufacturer_id is required", ErrInvalidRequest)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: an order needs at least one item", ErrInvalidRequest)
	}
	for i, item := range req.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("%w: item %d has no product_id", ErrInvalidRequest, i)
		}
		if item.Quantity < 1 || item.Quantity > domain.MaxQuantity {
			return fmt.Errorf("%w: item %d quantity must be between 1 and %d", ErrInvalidRequest, i, domain.MaxQuantity)
		}
		if !domain.ValidAmount(item.UnitPrice) {
			return fmt.Errorf("%w: item %d unit_price must be a non-negative amount in cents below %s", ErrInvalidRequest, i, domain.MaxAmount)
		}
	}
	if total := domain.SumItems(req.Items); !domain.ValidAmount(total) {
		return fmt.Errorf("%w: order total %s is out of range", ErrInvalidRequest, total)
	}
	if !req.PaymentMethod.Valid() {
		return fmt.Errorf("%w: unsupported payment method %q", ErrInvalidRequest, req.PaymentMethod)
	}
	if req.PaymentMethod == domain.PaymentBankTransfer && req.TransactionID == "" {
		return fmt.Errorf("%w: bank transfers need a transaction_id", ErrInvalidRequest)
	}
	return nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if actor.Role != domain.RoleAdmin && !order.IsParty(actor.ID) {
		return domain.Order{}, fmt.Errorf("%w: not a party to order %s", ErrUnauthorized, id)
	}
	return *order, nil
}

// ListOrders reads straight from the store. Non-admins only ever see their own side.
func (s *Service) ListOrders(ctx context.Context, query domain.OrdersQuery) ([]domain.Order, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case domain.RoleAdmin:
	case domain.RoleCustomer:
		if query.CustomerID != "" && query.CustomerID != actor.ID {
			return nil, fmt.Errorf("%w: cannot list another customer's orders", ErrUnauthorized)
		}
		query.CustomerID = actor.ID
	case domain.RoleManufacturer:
		if query.ManufacturerID != "" && query.ManufacturerID != actor.ID {
			return nil, fmt.Errorf("%w: cannot list another manufacturer's orders", ErrUnauthorized)
		}
		query.ManufacturerID = actor.ID
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrUnauthorized, actor.Role)
	}
	return s.repo.ListOrders(ctx, query)
}

func (s *Service) GetActiveOrders(ctx context.Context, query domain.OrdersQuery) ([]domain.Order, error) {
	query.ActiveOnly = true
	return s.ListOrders(ctx, query)
}

// VerifyPayment settles a bank-transfer order. Rejections default to declined;
// RejectOrderCancelled cancels the order outright.
func (s *Service) VerifyPayment(ctx context.Context, orderID string, req domain.VerifyPaymentRequest) (domain.Order, error) {
	action := domain.ActionApprovePayment
	if !req.Approved {
		var ok bool
		if action, ok = req.Reason.Action(); !ok {
			return domain.Order{}, s.rejectVerification(ctx, orderID, req.Reason)
		}
	}
	reason := strings.TrimSpace(req.Note)
	if reason == "" && !req.Approved {
		reason = string(domain.RejectPaymentUnverified)
		if req.Reason != "" {
			reason = string(req.Reason)
		}
	}
	return s.transition(ctx, "verify_payment", orderID, action, reason)
}

// AdvanceStatus moves an order to shipped or delivered. Any other target is an invalid transition.
func (s *Service) AdvanceStatus(ctx context.Context, orderID string, target domain.OrderStatus) (domain.Order, error) {
	action, ok := domain.ActionForTarget(target)
	if !ok {
		return domain.Order{}, s.rejectAdvance(ctx, orderID, target)
	}
	return s.transition(ctx, "advance_status", orderID, action, "")
}

// rejectAdvance builds the error for an unreachable target, naming the order's current status.
func (s *Service) rejectAdvance(ctx context.Context, orderID string, target domain.OrderStatus) (err error) {
	ctx, span := s.startSpan(ctx, "order.advance_status",
		attribute.String("order_id", orderID),
		attribute.String("target", string(target)),
	)
	defer func() { s.endSpan(span, "advance_status", err) }()

	actor, err := s.requireActiveActor(ctx)
	if err != nil {
		return err
	}
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.IsParty(actor.ID) {
		return fmt.Errorf("%w: not a party to order %s", ErrUnauthorized, orderID)
	}
	return &domain.TransitionError{
		Entity: "order",
		ID:     order.ID,
		Action: "advance",
		From:   string(order.Status),
		To:     string(target),
	}
}

// rejectVerification reports an unknown rejection reason, but only to the
// order's manufacturer; anyone else learns nothing beyond the auth failure.
func (s *Service) rejectVerification(ctx context.Context, orderID string, reason domain.RejectionReason) (err error) {
	ctx, span := s.startSpan(ctx, "order.verify_payment",
		attribute.String("order_id", orderID),
		attribute.String("reason", string(reason)),
	)
	defer func() { s.endSpan(span, "verify_payment", err) }()

	actor, err := s.requireActiveActor(ctx)
	if err != nil {
		return err
	}
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if err := authorizeOrderAction(*order, actor, domain.ActionDeclinePayment); err != nil {
		return err
	}
	return fmt.Errorf("%w: unknown rejection reason %q", ErrInvalidRequest, reason)
}

// transition applies one lifecycle edge. The status check, the write, its
// notifications and any delivery accounting happen under the order's lock and in
// one store call; the store additionally rejects the write if the version moved.
func (s *Service) transition(ctx context.Context, operation string, orderID string, action domain.OrderAction, reason string) (result domain.Order, err error) {
	ctx, span := s.startSpan(ctx, "order."+operation,
		attribute.String("order_id", orderID),
		attribute.String("action", string(action)),
	)
	defer func() { s.endSpan(span, operation, err) }()

	actor, err := s.requireActiveActor(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	unlock, err := s.locks.Lock(ctx, orderLockKey(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	defer unlock()

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := authorizeOrderAction(*order, actor, action); err != nil {
		return domain.Order{}, err
	}

	next, err := domain.NextOrderStatus(order.Status, action)
	if err != nil {
		var transitionErr *domain.TransitionError
		if errors.As(err, &transitionErr) {
			transitionErr.ID = order.ID
		}
		return domain.Order{}, err
	}

	at := domain.NextTimestamp(order.UpdatedAt, s.now())
	notifications := transitionNotifications(*order, actor, next, reason)
	var delivery *domain.DeliveryRecord
	if next == domain.OrderDelivered {
		delivery = &domain.DeliveryRecord{
			OrderID:        order.ID,
			ManufacturerID: order.ManufacturerID,
			ItemCount:      order.ItemCount(),
			Amount:         order.TotalAmount,
			ConfirmedBy:    actor.ID,
			DeliveredAt:    at,
		}
	}

	updated, err := s.repo.ApplyOrderTransition(ctx, store.OrderTransition{
		OrderID:         order.ID,
		ExpectedVersion: order.Version,
		From:            order.Status,
		To:              next,
		Reason:          reason,
		At:              at,
		Notifications:   notifications,
		Delivery:        delivery,
	})
	if err != nil {
		return domain.Order{}, err
	}

	metrics.RecordOrderTransition(string(order.Status), string(next))
	s.recordNotifications(notifications)
	fields := []zap.Field{
		zap.String("order_id", updated.ID),
		zap.String("actor_id", actor.ID),
		zap.String("from", string(order.Status)),
		zap.String("to", string(next)),
		zap.Int64("version", updated.Version),
	}
	if delivery != nil {
		fields = append(fields,
			zap.String("manufacturer_id", delivery.ManufacturerID),
			zap.Int64("item_count", delivery.ItemCount),
			zap.String("amount", delivery.Amount.StringFixed(2)),
		)
	}
	s.logger.Info("order transitioned", fields...)

	events := propagation.OrderChanged(*updated, domain.ChangeStatusChanged, at)
	events = append(events, propagation.NotificationsChanged(recipients(notifications), domain.ChangeCreated, at)...)
	if delivery != nil {
		events = append(events, propagation.AccountChanged(delivery.ManufacturerID, domain.ChangeUpdated, at)...)
	}
	s.publish(ctx, events)
	return *updated, nil
}

// authorizeOrderAction requires the actor to be a party to the order, acting from
// their own side, with a role the edge permits.
func authorizeOrderAction(order domain.Order, actor domain.Actor, action domain.OrderAction) error {
	if !order.IsParty(actor.ID) {
		return fmt.Errorf("%w: not a party to order %s", ErrUnauthorized, order.ID)
	}
	side := domain.RoleCustomer
	if actor.ID == order.ManufacturerID {
		side = domain.RoleManufacturer
	}
	if actor.Role != side {
		return fmt.Errorf("%w: account %s is the %s on order %s", ErrUnauthorized, actor.ID, side, order.ID)
	}
	if !action.Permits(actor.Role) {
		return fmt.Errorf("%w: a %s cannot %s", ErrUnauthorized, actor.Role, strings.ReplaceAll(string(action), "_", " "))
	}
	return nil
}

func (s *Service) ListDeliveries(ctx context.Context, manufacturerID string, limit int) ([]domain.DeliveryRecord, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if actor.Role != domain.RoleAdmin && actor.ID != manufacturerID {
		return nil, fmt.Errorf("%w: cannot read another manufacturer's deliveries", ErrUnauthorized)
	}
	return s.repo.ListDeliveries(ctx, manufacturerID, limit)
}

// ReconcileManufacturer rebuilds totalSales and revenue from the delivery ledger.
func (s *Service) ReconcileManufacturer(ctx context.Context, manufacturerID string) (result domain.Account, err error) {
	ctx, span := s.startSpan(ctx, "account.reconcile", attribute.String("account_id", manufacturerID))
	defer func() { s.endSpan(span, "reconcile_manufacturer", err) }()

	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.Account{}, err
	}

	unlock, err := s.locks.Lock(ctx, accountLockKey(manufacturerID))
	if err != nil {
		return domain.Account{}, err
	}
	defer unlock()

	before, err := s.repo.GetAccount(ctx, manufacturerID)
	if err != nil {
		return domain.Account{}, err
	}
	if before.Role != domain.RoleManufacturer {
		return domain.Account{}, fmt.Errorf("%w: account %s is not a manufacturer", ErrInvalidRequest, manufacturerID)
	}

	at := domain.NextTimestamp(before.UpdatedAt, s.now())
	after, err := s.repo.RecomputeManufacturerTotals(ctx, manufacturerID, at)
	if err != nil {
		return domain.Account{}, err
	}

	if after.TotalSales != before.TotalSales || !after.Revenue.Equal(before.Revenue) {
		s.logger.Warn("manufacturer totals drifted from delivery ledger",
			zap.String("account_id", manufacturerID),
			zap.String("admin_id", actor.ID),
			zap.Int64("total_sales_before", before.TotalSales),
			zap.Int64("total_sales_after", after.TotalSales),
			zap.String("revenue_before", before.Revenue.StringFixed(2)),
			zap.String("revenue_after", after.Revenue.StringFixed(2)),
		)
	}
	s.publish(ctx, propagation.AccountChanged(manufacturerID, domain.ChangeUpdated, at))
	return *after, nil
}

func newOrderNotification(order domain.Order) domain.Notification {
	message := fmt.Sprintf("New order %s for %s (%d items).", order.ID, order.TotalAmount.StringFixed(2), order.ItemCount())
	if order.Status == domain.OrderAwaitingVerification {
		message += " Payment is awaiting your verification."
	}
	return orderNotification(order, order.ManufacturerID, domain.NotificationOrder, "New order received", message)
}

// transitionNotifications builds the side-effect notifications for one edge. Payment
// outcomes and shipping go to the customer; a delivery confirmation goes to whichever
// party did not confirm it.
func transitionNotifications(order domain.Order, actor domain.Actor, next domain.OrderStatus, reason string) []domain.Notification {
	var n domain.Notification
	switch next {
	case domain.OrderProcessing:
		n = orderNotification(order, order.CustomerID, domain.NotificationPayment, "Payment approved",
			fmt.Sprintf("Payment for order %s was approved. The manufacturer is now processing your order.", order.ID))
	case domain.OrderDeclined:
		n = orderNotification(order, order.CustomerID, domain.NotificationPayment, "Payment declined",
			withReason(fmt.Sprintf("Payment for order %s could not be verified.", order.ID), reason, domain.RejectPaymentUnverified))
	case domain.OrderCancelled:
		n = orderNotification(order, order.CustomerID, domain.NotificationPayment, "Order cancelled",
			withReason(fmt.Sprintf("Order %s was cancelled by the manufacturer.", order.ID), reason, domain.RejectOrderCancelled))
	case domain.OrderShipped:
		n = orderNotification(order, order.CustomerID, domain.NotificationOrder, "Order shipped",
			fmt.Sprintf("Order %s has been shipped.", order.ID))
	case domain.OrderDelivered:
		n = orderNotification(order, order.Counterparty(actor.ID), domain.NotificationOrder, "Order delivered",
			fmt.Sprintf("Order %s was confirmed delivered by the %s.", order.ID, actor.Role))
	default:
		return nil
	}
	return []domain.Notification{n}
}

func withReason(message string, reason string, code domain.RejectionReason) string {
	if reason == "" || reason == string(code) {
		return message
	}
	return message + " Reason: " + reason
}

func orderNotification(order domain.Order, userID string, kind domain.NotificationType, title string, message string) domain.Notification {
	return domain.Notification{
		ID:           xid.New("ntf"),
		UserID:       userID,
		Title:        title,
		Message:      message,
		Type:         kind,
		ResourceType: domain.ResourceOrder,
		ResourceID:   order.ID,
	}
}
