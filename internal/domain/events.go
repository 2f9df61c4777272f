package domain

import "time"

type ResourceType string

const (
	ResourceOrder        ResourceType = "order"
	ResourceComplaint    ResourceType = "complaint"
	ResourceNotification ResourceType = "notification"
	ResourceAccount      ResourceType = "account"
)

type ChangeKind string

const (
	ChangeCreated       ChangeKind = "created"
	ChangeStatusChanged ChangeKind = "status_changed"
	ChangeUpdated       ChangeKind = "updated"
	ChangeRead          ChangeKind = "read"
)

// ChangeEvent is an invalidation signal: it names what changed, never the new state.
// Subscribers must re-read the resource from the store.
type ChangeEvent struct {
	Topic        string       `json:"topic"`
	ResourceType ResourceType `json:"resource_type"`
	ResourceID   string       `json:"resource_id"`
	ChangeKind   ChangeKind   `json:"change_kind"`
	Origin       string       `json:"origin,omitempty"`
	OccurredAt   time.Time    `json:"occurred_at"`
}

// Key identifies the resource; events with equal keys may be coalesced.
func (e ChangeEvent) Key() string {
	return string(e.ResourceType) + ":" + e.ResourceID
}
