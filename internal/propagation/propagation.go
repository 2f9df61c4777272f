package propagation

import (
	"context"
	"strings"
	"time"

	"makerhub/backend/internal/domain"
)

// Publisher delivers change events after the mutation that produced them committed.
type Publisher interface {
	Publish(ctx context.Context, events []domain.ChangeEvent) error
}

type Noop struct{}

func (Noop) Publish(_ context.Context, _ []domain.ChangeEvent) error {
	return nil
}

const ComplaintsTopic = "complaints"

func OrderTopic(orderID string) string {
	return "order:" + orderID
}

func CustomerOrdersTopic(customerID string) string {
	return "orders:customer:" + customerID
}

func ManufacturerOrdersTopic(manufacturerID string) string {
	return "orders:manufacturer:" + manufacturerID
}

func ComplaintTopic(complaintID string) string {
	return "complaint:" + complaintID
}

func NotificationsTopic(userID string) string {
	return "notifications:" + userID
}

func AccountTopic(accountID string) string {
	return "account:" + accountID
}

// ParseTopic splits a topic into its scope and the id it is scoped to, e.g.
// "orders:customer:acct_1" -> ("orders:customer", "acct_1"). The global complaints
// topic has an empty id.
func ParseTopic(topic string) (scope string, id string, ok bool) {
	if topic == ComplaintsTopic {
		return ComplaintsTopic, "", true
	}
	for _, prefix := range []string{"orders:customer:", "orders:manufacturer:", "order:", "complaint:", "notifications:", "account:"} {
		if rest, found := strings.CutPrefix(topic, prefix); found && rest != "" {
			return strings.TrimSuffix(prefix, ":"), rest, true
		}
	}
	return "", "", false
}

// OrderChanged fans one order mutation out to the order topic and both parties' lists.
func OrderChanged(order domain.Order, kind domain.ChangeKind, at time.Time) []domain.ChangeEvent {
	topics := []string{
		OrderTopic(order.ID),
		CustomerOrdersTopic(order.CustomerID),
		ManufacturerOrdersTopic(order.ManufacturerID),
	}
	return eventsFor(topics, domain.ResourceOrder, order.ID, kind, at)
}

func ComplaintChanged(complaint domain.Complaint, kind domain.ChangeKind, at time.Time) []domain.ChangeEvent {
	return eventsFor([]string{ComplaintsTopic, ComplaintTopic(complaint.ID)}, domain.ResourceComplaint, complaint.ID, kind, at)
}

func AccountChanged(accountID string, kind domain.ChangeKind, at time.Time) []domain.ChangeEvent {
	return eventsFor([]string{AccountTopic(accountID)}, domain.ResourceAccount, accountID, kind, at)
}

// NotificationsChanged emits one event per recipient inbox, not per notification.
func NotificationsChanged(userIDs []string, kind domain.ChangeKind, at time.Time) []domain.ChangeEvent {
	seen := make(map[string]struct{}, len(userIDs))
	events := make([]domain.ChangeEvent, 0, len(userIDs))
	for _, userID := range userIDs {
		if userID == "" {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		events = append(events, eventsFor([]string{NotificationsTopic(userID)}, domain.ResourceNotification, userID, kind, at)...)
	}
	return events
}

func eventsFor(topics []string, resourceType domain.ResourceType, resourceID string, kind domain.ChangeKind, at time.Time) []domain.ChangeEvent {
	events := make([]domain.ChangeEvent, 0, len(topics))
	for _, topic := range topics {
		events = append(events, domain.ChangeEvent{
			Topic:        topic,
			ResourceType: resourceType,
			ResourceID:   resourceID,
			ChangeKind:   kind,
			OccurredAt:   at,
		})
	}
	return events
}
