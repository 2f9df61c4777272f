package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleCustomer     Role = "customer"
	RoleManufacturer Role = "manufacturer"
	RoleAdmin        Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleManufacturer, RoleAdmin:
		return true
	}
	return false
}

type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountInactive AccountStatus = "inactive"
)

// Toggled returns the opposite status. Unknown values toggle to inactive.
func (s AccountStatus) Toggled() AccountStatus {
	if s == AccountInactive {
		return AccountActive
	}
	return AccountInactive
}

type PaymentMethod string

const (
	PaymentCard         PaymentMethod = "card"
	PaymentBankTransfer PaymentMethod = "bank_transfer"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentCard || m == PaymentBankTransfer
}

// Actor is the authenticated caller of an engine operation.
type Actor struct {
	ID   string
	Role Role
}

type OrderItem struct {
	ProductID string          `json:"product_id"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Order struct {
	ID             string          `json:"id"`
	CustomerID     string          `json:"customer_id"`
	ManufacturerID string          `json:"manufacturer_id"`
	Items          []OrderItem     `json:"items"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	PaymentMethod  PaymentMethod   `json:"payment_method"`
	TransactionID  string          `json:"transaction_id,omitempty"`
	AccountName    string          `json:"account_name,omitempty"`
	Status         OrderStatus     `json:"status"`
	StatusReason   string          `json:"status_reason,omitempty"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ItemCount is the number of units across all lines; it is what a delivery adds to totalSales.
func (o Order) ItemCount() int64 {
	var n int64
	for _, item := range o.Items {
		n += int64(item.Quantity)
	}
	return n
}

// MaxAmount bounds every stored money value; it matches NUMERIC(14, 2).
var MaxAmount = decimal.New(1, 12)

// MaxQuantity bounds a single line so item counts stay within a 32-bit column.
const MaxQuantity = 1_000_000

// ValidAmount reports whether d is a non-negative amount in whole cents below MaxAmount.
func ValidAmount(d decimal.Decimal) bool {
	return !d.IsNegative() && d.Equal(d.Round(2)) && d.LessThan(MaxAmount)
}

func SumItems(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// IsParty reports whether the actor is the order's customer or manufacturer.
func (o Order) IsParty(actorID string) bool {
	return actorID != "" && (actorID == o.CustomerID || actorID == o.ManufacturerID)
}

// Counterparty returns the other side of the order, or "" when actorID is not a party.
func (o Order) Counterparty(actorID string) string {
	switch actorID {
	case o.CustomerID:
		return o.ManufacturerID
	case o.ManufacturerID:
		return o.CustomerID
	}
	return ""
}

func (o Order) Clone() Order {
	out := o
	out.Items = append([]OrderItem(nil), o.Items...)
	return out
}

type ComplaintStatus string

const (
	ComplaintOpen     ComplaintStatus = "open"
	ComplaintResolved ComplaintStatus = "resolved"
)

type Complaint struct {
	ID            string          `json:"id"`
	OrderID       string          `json:"order_id,omitempty"`
	FromUserID    string          `json:"from_user_id"`
	ToUserID      string          `json:"to_user_id"`
	Subject       string          `json:"subject"`
	Message       string          `json:"message"`
	Status        ComplaintStatus `json:"status"`
	AdminResponse string          `json:"admin_response,omitempty"`
	ResolvedBy    string          `json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Direct reports whether the complaint was filed without an order reference.
func (c Complaint) Direct() bool {
	return c.OrderID == ""
}

type NotificationType string

const (
	NotificationOrder   NotificationType = "order"
	NotificationPayment NotificationType = "payment"
	NotificationDispute NotificationType = "dispute"
	NotificationAccount NotificationType = "account"
	NotificationGeneral NotificationType = "general"
)

type Notification struct {
	ID           string           `json:"id"`
	UserID       string           `json:"user_id"`
	Title        string           `json:"title"`
	Message      string           `json:"message"`
	Type         NotificationType `json:"type"`
	IsRead       bool             `json:"is_read"`
	ResourceType ResourceType     `json:"resource_type,omitempty"`
	ResourceID   string           `json:"resource_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

type Account struct {
	ID           string          `json:"id"`
	Email        string          `json:"email"`
	DisplayName  string          `json:"display_name"`
	Role         Role            `json:"role"`
	Status       AccountStatus   `json:"status"`
	TotalSales   int64           `json:"total_sales"`
	Revenue      decimal.Decimal `json:"revenue"`
	PasswordHash string          `json:"-"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (a Account) Active() bool {
	return a.Status == AccountActive
}

// DeliveryRecord is the ledger entry written exactly once when an order becomes delivered.
type DeliveryRecord struct {
	OrderID        string          `json:"order_id"`
	ManufacturerID string          `json:"manufacturer_id"`
	ItemCount      int64           `json:"item_count"`
	Amount         decimal.Decimal `json:"amount"`
	ConfirmedBy    string          `json:"confirmed_by"`
	DeliveredAt    time.Time       `json:"delivered_at"`
}

// NextTimestamp returns now, or one microsecond past prev when the clock has not advanced.
// Postgres stores microseconds, so that is the smallest step that survives a round trip.
func NextTimestamp(prev, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}

type CreateOrderRequest struct {
	ManufacturerID string        `json:"manufacturer_id"`
	Items          []OrderItem   `json:"items"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
	TransactionID  string        `json:"transaction_id,omitempty"`
	AccountName    string        `json:"account_name,omitempty"`
}

type VerifyPaymentRequest struct {
	Approved bool            `json:"approved"`
	Reason   RejectionReason `json:"reason,omitempty"`
	Note     string          `json:"note,omitempty"`
}

type AdvanceStatusRequest struct {
	Status OrderStatus `json:"status"`
}

type OrdersQuery struct {
	CustomerID     string
	ManufacturerID string
	ActiveOnly     bool
	Limit          int
}

type FileComplaintRequest struct {
	ToUserID string `json:"to_user_id"`
	OrderID  string `json:"order_id,omitempty"`
	Subject  string `json:"subject"`
	Message  string `json:"message"`
}

type AdminResponseRequest struct {
	Response string `json:"response"`
}

type ComplaintsQuery struct {
	Status  ComplaintStatus
	PartyID string
	Limit   int
}

// ComplaintDetail is what dashboards render; Order is nil for direct complaints
// and when the referenced order is no longer visible.
type ComplaintDetail struct {
	Complaint Complaint `json:"complaint"`
	Order     *Order    `json:"order,omitempty"`
}

type NotificationsQuery struct {
	UserID     string
	UnreadOnly bool
	Limit      int
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	AccountID   string `json:"account_id"`
	Role        Role   `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}
