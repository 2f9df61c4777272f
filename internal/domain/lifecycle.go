package domain

import (
	"errors"
	"fmt"
)

type OrderStatus string

const (
	OrderAwaitingVerification OrderStatus = "awaiting_verification"
	OrderProcessing           OrderStatus = "processing"
	OrderShipped              OrderStatus = "shipped"
	OrderDelivered            OrderStatus = "delivered"
	OrderDeclined             OrderStatus = "declined"
	OrderCancelled            OrderStatus = "cancelled"
)

var OrderStatuses = []OrderStatus{
	OrderAwaitingVerification,
	OrderProcessing,
	OrderShipped,
	OrderDelivered,
	OrderDeclined,
	OrderCancelled,
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderAwaitingVerification, OrderProcessing, OrderShipped,
		OrderDelivered, OrderDeclined, OrderCancelled:
		return true
	}
	return false
}

// Terminal statuses have no outgoing edge.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderDelivered, OrderDeclined, OrderCancelled:
		return true
	}
	return false
}

// OrderAction is a request to move an order along one edge of the lifecycle.
type OrderAction string

const (
	ActionApprovePayment  OrderAction = "approve_payment"
	ActionDeclinePayment  OrderAction = "decline_payment"
	ActionCancelOrder     OrderAction = "cancel_order"
	ActionShip            OrderAction = "ship"
	ActionConfirmDelivery OrderAction = "confirm_delivery"
)

var OrderActions = []OrderAction{
	ActionApprovePayment,
	ActionDeclinePayment,
	ActionCancelOrder,
	ActionShip,
	ActionConfirmDelivery,
}

// Target is the status the action leads to when it is allowed.
func (a OrderAction) Target() OrderStatus {
	switch a {
	case ActionApprovePayment:
		return OrderProcessing
	case ActionDeclinePayment:
		return OrderDeclined
	case ActionCancelOrder:
		return OrderCancelled
	case ActionShip:
		return OrderShipped
	case ActionConfirmDelivery:
		return OrderDelivered
	}
	return ""
}

// Source is the only status the action may be applied to.
func (a OrderAction) Source() OrderStatus {
	switch a {
	case ActionApprovePayment, ActionDeclinePayment, ActionCancelOrder:
		return OrderAwaitingVerification
	case ActionShip:
		return OrderProcessing
	case ActionConfirmDelivery:
		return OrderShipped
	}
	return ""
}

// Permits reports whether an order party with the given role may perform the action.
func (a OrderAction) Permits(role Role) bool {
	switch a {
	case ActionApprovePayment, ActionDeclinePayment, ActionCancelOrder, ActionShip:
		return role == RoleManufacturer
	case ActionConfirmDelivery:
		return role == RoleManufacturer || role == RoleCustomer
	}
	return false
}

var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError explains which transition was attempted and why it was rejected.
type TransitionError struct {
	Entity string
	ID     string
	Action string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	id := e.ID
	if id != "" {
		id = " " + id
	}
	if e.To == "" {
		return fmt.Sprintf("cannot %s %s%s: no transition out of %q", e.Action, e.Entity, id, e.From)
	}
	return fmt.Sprintf("cannot %s %s%s: transition %q -> %q is not allowed", e.Action, e.Entity, id, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// NextOrderStatus is the lifecycle transition function. It is total over every
// (status, action) pair: anything not in the table is a *TransitionError.
func NextOrderStatus(from OrderStatus, action OrderAction) (OrderStatus, error) {
	target := action.Target()
	if target == "" {
		return "", &TransitionError{Entity: "order", Action: string(action), From: string(from)}
	}
	if from != action.Source() {
		return "", &TransitionError{Entity: "order", Action: string(action), From: string(from), To: string(target)}
	}
	return target, nil
}

// ActionForTarget maps a generic status advance onto its lifecycle action.
// Only shipped and delivered are reachable through a plain advance.
func ActionForTarget(target OrderStatus) (OrderAction, bool) {
	switch target {
	case OrderShipped:
		return ActionShip, true
	case OrderDelivered:
		return ActionConfirmDelivery, true
	}
	return "", false
}

// RejectionReason separates a failed payment check from an outright cancellation.
type RejectionReason string

const (
	RejectPaymentUnverified RejectionReason = "payment_unverified"
	RejectOrderCancelled    RejectionReason = "order_cancelled"
)

func (r RejectionReason) Action() (OrderAction, bool) {
	switch r {
	case "", RejectPaymentUnverified:
		return ActionDeclinePayment, true
	case RejectOrderCancelled:
		return ActionCancelOrder, true
	}
	return "", false
}

// ComplaintTransition checks the single complaint edge open -> resolved.
func ComplaintTransition(c Complaint) error {
	if c.Status != ComplaintOpen {
		return &TransitionError{
			Entity: "complaint",
			ID:     c.ID,
			Action: "resolve",
			From:   string(c.Status),
			To:     string(ComplaintResolved),
		}
	}
	return nil
}
