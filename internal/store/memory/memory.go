package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"makerhub/backend/internal/domain"
	"makerhub/backend/internal/store"
	"makerhub/backend/internal/xid"
)

// Seeded account ids, stable so a fresh dev instance can be scripted against.
const (
	SeedAdminID        = "acct_admin"
	SeedManufacturerID = "acct_maker"
	SeedCustomerID     = "acct_buyer"
)

type Store struct {
	mu               sync.RWMutex
	orders           map[string]domain.Order
	complaints       map[string]domain.Complaint
	notifications    map[string]domain.Notification
	accounts         map[string]domain.Account
	accountIDByEmail map[string]string
	deliveries       map[string]domain.DeliveryRecord
}

func New() *Store {
	return &Store{
		orders:           make(map[string]domain.Order),
		complaints:       make(map[string]domain.Complaint),
		notifications:    make(map[string]domain.Notification),
		accounts:         make(map[string]domain.Account),
		accountIDByEmail: make(map[string]string),
		deliveries:       make(map[string]domain.DeliveryRecord),
	}
}

// NewSeeded returns a store with one admin, one manufacturer and one customer for
// dev/demo mode. Passwords come from SEED_ADMIN_PASSWORD, SEED_MANUFACTURER_PASSWORD
// and SEED_CUSTOMER_PASSWORD; unset values fall back to dev defaults with a warning.
func NewSeeded(logger *zap.Logger) (*Store, error) {
	s := New()
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_MANUFACTURER_PASSWORD") == "" || os.Getenv("SEED_CUSTOMER_PASSWORD") == "" {
		logger.Warn("memory store using default dev credentials",
			zap.String("hint", "set SEED_ADMIN_PASSWORD, SEED_MANUFACTURER_PASSWORD and SEED_CUSTOMER_PASSWORD"))
	}

	now := time.Now().UTC()
	for _, seed := range []struct {
		id       string
		email    string
		name     string
		role     domain.Role
		password string
	}{
		{SeedAdminID, "admin@makerhub.local", "Platform Admin", domain.RoleAdmin, envOr("SEED_ADMIN_PASSWORD", "admin123")},
		{SeedManufacturerID, "maker@makerhub.local", "Demo Workshop", domain.RoleManufacturer, envOr("SEED_MANUFACTURER_PASSWORD", "maker123")},
		{SeedCustomerID, "buyer@makerhub.local", "Demo Buyer", domain.RoleCustomer, envOr("SEED_CUSTOMER_PASSWORD", "buyer123")},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(seed.password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		if _, err := s.CreateAccount(context.Background(), domain.Account{
			ID:           seed.id,
			Email:        seed.email,
			DisplayName:  seed.name,
			Role:         seed.role,
			PasswordHash: string(hash),
			CreatedAt:    now,
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order, notifications []domain.Notification) (*domain.Order, error) {
	if order.CustomerID == "" || order.ManufacturerID == "" || len(order.Items) == 0 || !order.Status.Valid() {
		return nil, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if _, exists := s.orders[order.ID]; exists {
		return nil, store.ErrInvalidRecord
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}
	order.Version = 1

	saved := order.Clone()
	s.orders[order.ID] = saved
	s.appendNotificationsLocked(notifications, order.CreatedAt)
	created := saved.Clone()
	return &created, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := order.Clone()
	return &found, nil
}

func (s *Store) ListOrders(_ context.Context, query domain.OrdersQuery) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Order, 0, 32)
	for _, order := range s.orders {
		if query.CustomerID != "" && order.CustomerID != query.CustomerID {
			continue
		}
		if query.ManufacturerID != "" && order.ManufacturerID != query.ManufacturerID {
			continue
		}
		if query.ActiveOnly && order.Status.Terminal() {
			continue
		}
		result = append(result, order.Clone())
	}
	slices.SortFunc(result, func(a, b domain.Order) int {
		return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	if query.Limit > 0 && len(result) > query.Limit {
		result = result[:query.Limit]
	}
	return result, nil
}

func (s *Store) ApplyOrderTransition(_ context.Context, t store.OrderTransition) (*domain.Order, error) {
	if !t.To.Valid() || t.At.IsZero() {
		return nil, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[t.OrderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.Version != t.ExpectedVersion || order.Status != t.From {
		return nil, store.ErrConflict
	}

	var manufacturer domain.Account
	if t.Delivery != nil {
		if _, recorded := s.deliveries[t.OrderID]; recorded {
			return nil, store.ErrConflict
		}
		manufacturer, ok = s.accounts[order.ManufacturerID]
		if !ok {
			return nil, store.ErrNotFound
		}
	}

	// Every check passed; nothing below can fail, so the writes land together.
	order.Status = t.To
	order.StatusReason = t.Reason
	order.Version++
	order.UpdatedAt = t.At
	s.orders[order.ID] = order

	if t.Delivery != nil {
		record := *t.Delivery
		record.OrderID = order.ID
		record.ManufacturerID = order.ManufacturerID
		record.DeliveredAt = t.At
		s.deliveries[order.ID] = record

		manufacturer.TotalSales += record.ItemCount
		manufacturer.Revenue = manufacturer.Revenue.Add(record.Amount)
		manufacturer.UpdatedAt = t.At
		s.accounts[manufacturer.ID] = manufacturer
	}
	s.appendNotificationsLocked(t.Notifications, t.At)

	updated := order.Clone()
	return &updated, nil
}

func (s *Store) CreateComplaint(_ context.Context, complaint domain.Complaint, notifications []domain.Notification) (*domain.Complaint, error) {
	if complaint.FromUserID == "" || complaint.ToUserID == "" || strings.TrimSpace(complaint.Subject) == "" {
		return nil, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if complaint.ID == "" {
		complaint.ID = xid.New("cmp")
	}
	if _, exists := s.complaints[complaint.ID]; exists {
		return nil, store.ErrInvalidRecord
	}
	if complaint.CreatedAt.IsZero() {
		complaint.CreatedAt = time.Now().UTC()
	}
	complaint.Status = domain.ComplaintOpen
	complaint.Version = 1

	s.complaints[complaint.ID] = cloneComplaint(complaint)
	s.appendNotificationsLocked(notifications, complaint.CreatedAt)
	created := cloneComplaint(complaint)
	return &created, nil
}

func (s *Store) GetComplaint(_ context.Context, id string) (*domain.Complaint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	complaint, ok := s.complaints[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := cloneComplaint(complaint)
	return &found, nil
}

func (s *Store) ListComplaints(_ context.Context, query domain.ComplaintsQuery) ([]domain.Complaint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Complaint, 0, 32)
	for _, complaint := range s.complaints {
		if query.Status != "" && complaint.Status != query.Status {
			continue
		}
		if query.PartyID != "" && complaint.FromUserID != query.PartyID && complaint.ToUserID != query.PartyID {
			continue
		}
		result = append(result, cloneComplaint(complaint))
	}
	slices.SortFunc(result, func(a, b domain.Complaint) int {
		return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	if query.Limit > 0 && len(result) > query.Limit {
		result = result[:query.Limit]
	}
	return result, nil
}

func (s *Store) ResolveComplaint(_ context.Context, r store.ComplaintResolution) (*domain.Complaint, error) {
	if r.At.IsZero() || r.ResolvedBy == "" {
		return nil, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	complaint, ok := s.complaints[r.ComplaintID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if complaint.Version != r.ExpectedVersion || complaint.Status != domain.ComplaintOpen {
		return nil, store.ErrConflict
	}

	resolvedAt := r.At
	complaint.Status = domain.ComplaintResolved
	complaint.AdminResponse = r.Response
	complaint.ResolvedBy = r.ResolvedBy
	complaint.ResolvedAt = &resolvedAt
	complaint.Version++
	s.complaints[complaint.ID] = complaint
	s.appendNotificationsLocked(r.Notifications, r.At)

	updated := cloneComplaint(complaint)
	return &updated, nil
}

func (s *Store) CreateNotifications(_ context.Context, notifications []domain.Notification) error {
	for _, n := range notifications {
		if n.UserID == "" || n.Title == "" {
			return store.ErrInvalidRecord
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendNotificationsLocked(notifications, time.Now().UTC())
	return nil
}

func (s *Store) ListNotifications(_ context.Context, query domain.NotificationsQuery) ([]domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Notification, 0, 32)
	for _, n := range s.notifications {
		if query.UserID != "" && n.UserID != query.UserID {
			continue
		}
		if query.UnreadOnly && n.IsRead {
			continue
		}
		result = append(result, n)
	}
	slices.SortFunc(result, func(a, b domain.Notification) int {
		return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	if query.Limit > 0 && len(result) > query.Limit {
		result = result[:query.Limit]
	}
	return result, nil
}

func (s *Store) CountUnreadNotifications(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, n := range s.notifications {
		if n.UserID == userID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (s *Store) MarkNotificationRead(_ context.Context, userID string, id string) (*domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok || n.UserID != userID {
		return nil, store.ErrNotFound
	}
	n.IsRead = true
	s.notifications[id] = n
	return &n, nil
}

func (s *Store) MarkAllNotificationsRead(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	marked := 0
	for id, n := range s.notifications {
		if n.UserID != userID || n.IsRead {
			continue
		}
		n.IsRead = true
		s.notifications[id] = n
		marked++
	}
	return marked, nil
}

func (s *Store) CreateAccount(_ context.Context, account domain.Account) (*domain.Account, error) {
	email := strings.ToLower(strings.TrimSpace(account.Email))
	if email == "" || !account.Role.Valid() {
		return nil, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accountIDByEmail[email]; exists {
		return nil, store.ErrInvalidRecord
	}
	if account.ID == "" {
		account.ID = xid.New("acct")
	}
	if _, exists := s.accounts[account.ID]; exists {
		return nil, store.ErrInvalidRecord
	}
	account.Email = email
	if account.Status == "" {
		account.Status = domain.AccountActive
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = account.CreatedAt
	}

	s.accounts[account.ID] = account
	s.accountIDByEmail[email] = account.ID
	created := account
	return &created, nil
}

func (s *Store) GetAccount(_ context.Context, id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &account, nil
}

func (s *Store) GetAccountByEmail(_ context.Context, email string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.accountIDByEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, store.ErrNotFound
	}
	account := s.accounts[id]
	return &account, nil
}

func (s *Store) ListAccounts(_ context.Context, role domain.Role) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Account, 0, len(s.accounts))
	for _, account := range s.accounts {
		if role != "" && account.Role != role {
			continue
		}
		result = append(result, account)
	}
	slices.SortFunc(result, func(a, b domain.Account) int {
		return strings.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) ToggleAccountStatus(_ context.Context, toggle store.AccountToggle) (*domain.Account, error) {
	if toggle.At.IsZero() {
		return nil, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[toggle.AccountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	account.Status = account.Status.Toggled()
	account.UpdatedAt = toggle.At
	s.accounts[account.ID] = account
	if toggle.Notify != nil {
		s.appendNotificationsLocked([]domain.Notification{toggle.Notify(account)}, toggle.At)
	}
	return &account, nil
}

func (s *Store) ListDeliveries(_ context.Context, manufacturerID string, limit int) ([]domain.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.DeliveryRecord, 0, 32)
	for _, record := range s.deliveries {
		if manufacturerID != "" && record.ManufacturerID != manufacturerID {
			continue
		}
		result = append(result, record)
	}
	slices.SortFunc(result, func(a, b domain.DeliveryRecord) int {
		return newestFirst(a.DeliveredAt, b.DeliveredAt, a.OrderID, b.OrderID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) RecomputeManufacturerTotals(_ context.Context, manufacturerID string, at time.Time) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[manufacturerID]
	if !ok {
		return nil, store.ErrNotFound
	}

	var sales int64
	revenue := decimal.Zero
	for _, record := range s.deliveries {
		if record.ManufacturerID != manufacturerID {
			continue
		}
		sales += record.ItemCount
		revenue = revenue.Add(record.Amount)
	}
	account.TotalSales = sales
	account.Revenue = revenue
	account.UpdatedAt = at
	s.accounts[account.ID] = account
	return &account, nil
}

// appendNotificationsLocked stores notifications; the caller holds s.mu for writing.
func (s *Store) appendNotificationsLocked(notifications []domain.Notification, at time.Time) {
	for _, n := range notifications {
		if n.ID == "" {
			n.ID = xid.New("ntf")
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = at
		}
		n.IsRead = false
		s.notifications[n.ID] = n
	}
}

func newestFirst(a, b time.Time, aID, bID string) int {
	if a.Equal(b) {
		return strings.Compare(bID, aID)
	}
	if a.After(b) {
		return -1
	}
	return 1
}

func cloneComplaint(src domain.Complaint) domain.Complaint {
	dup := src
	if src.ResolvedAt != nil {
		resolvedAt := *src.ResolvedAt
		dup.ResolvedAt = &resolvedAt
	}
	return dup
}
