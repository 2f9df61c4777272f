package store

import (
	"context"
	"errors"
	"time"

	"makerhub/backend/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidRecord = errors.New("invalid record")
	// ErrConflict means the record changed between read and write; callers re-read and decide again.
	ErrConflict = errors.New("concurrent modification")
	// ErrUnavailable is a transient storage failure; the whole operation may be retried.
	ErrUnavailable = errors.New("store unavailable")
)

// OrderTransition is one lifecycle step applied atomically: the status write, its
// notifications and, for deliveries, the ledger row plus counter increments either
// all commit or none do.
type OrderTransition struct {
	OrderID         string
	ExpectedVersion int64
	From            domain.OrderStatus
	To              domain.OrderStatus
	Reason          string
	At              time.Time
	Notifications   []domain.Notification
	Delivery        *domain.DeliveryRecord
}

type ComplaintResolution struct {
	ComplaintID     string
	ExpectedVersion int64
	Response        string
	ResolvedBy      string
	At              time.Time
	Notifications   []domain.Notification
}

// AccountToggle flips an account between active and inactive. Notify builds the
// notification from the account as it is after the flip; it runs inside the write.
type AccountToggle struct {
	AccountID string
	At        time.Time
	Notify    func(domain.Account) domain.Notification
}

type Repository interface {
	CreateOrder(ctx context.Context, order domain.Order, notifications []domain.Notification) (*domain.Order, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrders(ctx context.Context, query domain.OrdersQuery) ([]domain.Order, error)
	ApplyOrderTransition(ctx context.Context, transition OrderTransition) (*domain.Order, error)

	CreateComplaint(ctx context.Context, complaint domain.Complaint, notifications []domain.Notification) (*domain.Complaint, error)
	GetComplaint(ctx context.Context, id string) (*domain.Complaint, error)
	ListComplaints(ctx context.Context, query domain.ComplaintsQuery) ([]domain.Complaint, error)
	ResolveComplaint(ctx context.Context, resolution ComplaintResolution) (*domain.Complaint, error)

	CreateNotifications(ctx context.Context, notifications []domain.Notification) error
	ListNotifications(ctx context.Context, query domain.NotificationsQuery) ([]domain.Notification, error)
	// CountUnreadNotifications is exact; ListNotifications caps its page size.
	CountUnreadNotifications(ctx context.Context, userID string) (int, error)
	MarkNotificationRead(ctx context.Context, userID string, id string) (*domain.Notification, error)
	MarkAllNotificationsRead(ctx context.Context, userID string) (int, error)

	CreateAccount(ctx context.Context, account domain.Account) (*domain.Account, error)
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error)
	ListAccounts(ctx context.Context, role domain.Role) ([]domain.Account, error)
	ToggleAccountStatus(ctx context.Context, toggle AccountToggle) (*domain.Account, error)
	ListDeliveries(ctx context.Context, manufacturerID string, limit int) ([]domain.DeliveryRecord, error)
	RecomputeManufacturerTotals(ctx context.Context, manufacturerID string, at time.Time) (*domain.Account, error)
}
