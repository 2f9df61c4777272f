package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"makerhub/backend/internal/domain"
	"makerhub/backend/internal/store"
	"makerhub/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultListLimit = 200
	maxListLimit     = 1000
)

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, classify(err)
	}

	return NewWithDB(db, logger), nil
}

// NewWithDB wraps an already opened handle; tests pass a sqlmock connection here.
func NewWithDB(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("postgres")}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", classify(err))
	}
	s.logger.Info("schema applied")
	return nil
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// inTx runs fn inside a serializable transaction. Store sentinels returned by fn
// pass through untouched; driver errors are classified.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

const orderColumns = `id, customer_id, manufacturer_id, total_amount, payment_method, transaction_id,
	account_name, status, status_reason, version, created_at, updated_at`

func (s *Store) CreateOrder(ctx context.Context, order domain.Order, notifications []domain.Notification) (*domain.Order, error) {
	if order.CustomerID == "" || order.ManufacturerID == "" || len(order.Items) == 0 || !order.Status.Valid() {
		return nil, store.ErrInvalidRecord
	}
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}
	order.Version = 1

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, order.ID, order.CustomerID, order.ManufacturerID, order.TotalAmount, order.PaymentMethod,
			order.TransactionID, order.AccountName, order.Status, order.StatusReason, order.Version,
			order.CreatedAt, order.UpdatedAt)
		if err != nil {
			switch {
			case isUniqueViolation(err):
				return store.ErrInvalidRecord
			case isForeignKeyViolation(err):
				return store.ErrNotFound
			}
			return err
		}
		for idx, item := range order.Items {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (order_id, line_no, product_id, unit_price, quantity)
				VALUES ($1,$2,$3,$4,$5)
			`, order.ID, idx+1, item.ProductID, item.UnitPrice, item.Quantity)
			if err != nil {
				return err
			}
		}
		return insertNotifications(ctx, tx, notifications, order.CreatedAt)
	})
	if err != nil {
		return nil, err
	}

	created := order.Clone()
	return &created, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	order, err := getOrder(ctx, s.db, id)
	if err != nil {
		return nil, classify(err)
	}
	return order, nil
}

func (s *Store) ListOrders(ctx context.Context, query domain.OrdersQuery) ([]domain.Order, error) {
	conds := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if query.CustomerID != "" {
		args = append(args, query.CustomerID)
		conds = append(conds, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if query.ManufacturerID != "" {
		args = append(args, query.ManufacturerID)
		conds = append(conds, fmt.Sprintf("manufacturer_id = $%d", len(args)))
	}
	if query.ActiveOnly {
		active := make([]string, 0, len(domain.OrderStatuses))
		for _, status := range domain.OrderStatuses {
			if !status.Terminal() {
				active = append(active, string(status))
			}
		}
		args = append(args, active)
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	args = append(args, clampLimit(query.Limit))

	sqlQuery := `SELECT ` + orderColumns + ` FROM orders`
	if len(conds) > 0 {
		sqlQuery += ` WHERE ` + strings.Join(conds, " AND ")
	}
	sqlQuery += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, 32)
	ids := make([]string, 0, 32)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, classify(err)
		}
		orders = append(orders, *order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	itemsByOrder, err := loadItemsForOrders(ctx, s.db, ids)
	if err != nil {
		return nil, classify(err)
	}
	for i := range orders {
		orders[i].Items = itemsByOrder[orders[i].ID]
	}
	return orders, nil
}

func (s *Store) ApplyOrderTransition(ctx context.Context, t store.OrderTransition) (*domain.Order, error) {
	if !t.To.Valid() || t.At.IsZero() {
		return nil, store.ErrInvalidRecord
	}

	var updated *domain.Order
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var status domain.OrderStatus
		var version int64
		var manufacturerID string
		err := tx.QueryRowContext(ctx, `
			SELECT status, version, manufacturer_id
			FROM orders
			WHERE id = $1
			FOR UPDATE
		`, t.OrderID).Scan(&status, &version, &manufacturerID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		if version != t.ExpectedVersion || status != t.From {
			return store.ErrConflict
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET status = $2, status_reason = $3, version = version + 1, updated_at = $4
			WHERE id = $1 AND version = $5 AND status = $6
		`, t.OrderID, t.To, t.Reason, t.At, t.ExpectedVersion, t.From)
		if err != nil {
			return err
		}
		if affected, err := res.RowsAffected(); err != nil {
			return err
		} else if affected == 0 {
			return store.ErrConflict
		}

		if t.Delivery != nil {
			if err := recordDelivery(ctx, tx, t.OrderID, manufacturerID, *t.Delivery, t.At); err != nil {
				return err
			}
		}
		if err := insertNotifications(ctx, tx, t.Notifications, t.At); err != nil {
			return err
		}

		updated, err = getOrder(ctx, tx, t.OrderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// recordDelivery writes the ledger row and bumps the manufacturer counters in SQL.
// The ledger primary key rejects a second delivery of the same order.
func recordDelivery(ctx context.Context, tx *sql.Tx, orderID, manufacturerID string, record domain.DeliveryRecord, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO delivery_records (order_id, manufacturer_id, item_count, amount, confirmed_by, delivered_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, orderID, manufacturerID, record.ItemCount, record.Amount, record.ConfirmedBy, at)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET total_sales = total_sales + $2, revenue = revenue + $3, updated_at = $4
		WHERE id = $1
	`, manufacturerID, record.ItemCount, record.Amount, at)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func getOrder(ctx context.Context, q queryer, id string) (*domain.Order, error) {
	order, err := scanOrder(q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT product_id, unit_price, quantity
		FROM order_items
		WHERE order_id = $1
		ORDER BY line_no
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	order.Items = make([]domain.OrderItem, 0, 4)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.UnitPrice, &item.Quantity); err != nil {
			return nil, err
		}
		order.Items = append(order.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return order, nil
}

func loadItemsForOrders(ctx context.Context, q queryer, orderIDs []string) (map[string][]domain.OrderItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT order_id, product_id, unit_price, quantity
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, line_no
	`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string][]domain.OrderItem, len(orderIDs))
	for rows.Next() {
		var orderID string
		var item domain.OrderItem
		if err := rows.Scan(&orderID, &item.ProductID, &item.UnitPrice, &item.Quantity); err != nil {
			return nil, err
		}
		result[orderID] = append(result[orderID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	if err := row.Scan(&o.ID, &o.CustomerID, &o.ManufacturerID, &o.TotalAmount, &o.PaymentMethod,
		&o.TransactionID, &o.AccountName, &o.Status, &o.StatusReason, &o.Version, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

const complaintColumns = `id, order_id, from_user_id, to_user_id, subject, message, status,
	admin_response, resolved_by, resolved_at, version, created_at`

func (s *Store) CreateComplaint(ctx context.Context, complaint domain.Complaint, notifications []domain.Notification) (*domain.Complaint, error) {
	if complaint.FromUserID == "" || complaint.ToUserID == "" || strings.TrimSpace(complaint.Subject) == "" {
		return nil, store.ErrInvalidRecord
	}
	if complaint.ID == "" {
		complaint.ID = xid.New("cmp")
	}
	if complaint.CreatedAt.IsZero() {
		complaint.CreatedAt = time.Now().UTC()
	}
	complaint.Status = domain.ComplaintOpen
	complaint.Version = 1

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO complaints (id, order_id, from_user_id, to_user_id, subject, message, status, version, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, complaint.ID, nullIfEmpty(complaint.OrderID), complaint.FromUserID, complaint.ToUserID,
			complaint.Subject, complaint.Message, complaint.Status, complaint.Version, complaint.CreatedAt)
		if err != nil {
			switch {
			case isUniqueViolation(err):
				return store.ErrInvalidRecord
			case isForeignKeyViolation(err):
				return store.ErrNotFound
			}
			return err
		}
		return insertNotifications(ctx, tx, notifications, complaint.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &complaint, nil
}

func (s *Store) GetComplaint(ctx context.Context, id string) (*domain.Complaint, error) {
	complaint, err := getComplaint(ctx, s.db, id)
	if err != nil {
		return nil, classify(err)
	}
	return complaint, nil
}

func (s *Store) ListComplaints(ctx context.Context, query domain.ComplaintsQuery) ([]domain.Complaint, error) {
	conds := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if query.Status != "" {
		args = append(args, query.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if query.PartyID != "" {
		args = append(args, query.PartyID)
		conds = append(conds, fmt.Sprintf("(from_user_id = $%d OR to_user_id = $%d)", len(args), len(args)))
	}
	args = append(args, clampLimit(query.Limit))

	sqlQuery := `SELECT ` + complaintColumns + ` FROM complaints`
	if len(conds) > 0 {
		sqlQuery += ` WHERE ` + strings.Join(conds, " AND ")
	}
	sqlQuery += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	complaints := make([]domain.Complaint, 0, 32)
	for rows.Next() {
		complaint, err := scanComplaint(rows)
		if err != nil {
			return nil, classify(err)
		}
		complaints = append(complaints, *complaint)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return complaints, nil
}

func (s *Store) ResolveComplaint(ctx context.Context, r store.ComplaintResolution) (*domain.Complaint, error) {
	if r.At.IsZero() || r.ResolvedBy == "" {
		return nil, store.ErrInvalidRecord
	}

	var resolved *domain.Complaint
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var status domain.ComplaintStatus
		var version int64
		err := tx.QueryRowContext(ctx, `
			SELECT status, version
			FROM complaints
			WHERE id = $1
			FOR UPDATE
		`, r.ComplaintID).Scan(&status, &version)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		if version != r.ExpectedVersion || status != domain.ComplaintOpen {
			return store.ErrConflict
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE complaints
			SET status = $2, admin_response = $3, resolved_by = $4, resolved_at = $5, version = version + 1
			WHERE id = $1 AND version = $6 AND status = $7
		`, r.ComplaintID, domain.ComplaintResolved, r.Response, r.ResolvedBy, r.At, r.ExpectedVersion, domain.ComplaintOpen)
		if err != nil {
			return err
		}
		if affected, err := res.RowsAffected(); err != nil {
			return err
		} else if affected == 0 {
			return store.ErrConflict
		}

		if err := insertNotifications(ctx, tx, r.Notifications, r.At); err != nil {
			return err
		}
		resolved, err = getComplaint(ctx, tx, r.ComplaintID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

func getComplaint(ctx context.Context, q queryer, id string) (*domain.Complaint, error) {
	complaint, err := scanComplaint(q.QueryRowContext(ctx, `SELECT `+complaintColumns+` FROM complaints WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return complaint, nil
}

func scanComplaint(row rowScanner) (*domain.Complaint, error) {
	var c domain.Complaint
	var orderID sql.NullString
	var resolvedAt sql.NullTime
	if err := row.Scan(&c.ID, &orderID, &c.FromUserID, &c.ToUserID, &c.Subject, &c.Message, &c.Status,
		&c.AdminResponse, &c.ResolvedBy, &resolvedAt, &c.Version, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.OrderID = orderID.String
	if resolvedAt.Valid {
		at := resolvedAt.Time.UTC()
		c.ResolvedAt = &at
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

const notificationColumns = `id, user_id, title, message, type, is_read, resource_type, resource_id, created_at`

func (s *Store) CreateNotifications(ctx context.Context, notifications []domain.Notification) error {
	for _, n := range notifications {
		if n.UserID == "" || n.Title == "" {
			return store.ErrInvalidRecord
		}
	}
	if len(notifications) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertNotifications(ctx, tx, notifications, time.Now().UTC())
	})
}

func insertNotifications(ctx context.Context, tx *sql.Tx, notifications []domain.Notification, at time.Time) error {
	for _, n := range notifications {
		if n.ID == "" {
			n.ID = xid.New("ntf")
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = at
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO notifications (`+notificationColumns+`)
			VALUES ($1,$2,$3,$4,$5,false,$6,$7,$8)
		`, n.ID, n.UserID, n.Title, n.Message, n.Type, n.ResourceType, n.ResourceID, n.CreatedAt)
		if err != nil {
			if isForeignKeyViolation(err) {
				return store.ErrNotFound
			}
			return err
		}
	}
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, query domain.NotificationsQuery) ([]domain.Notification, error) {
	conds := make([]string, 0, 2)
	args := make([]any, 0, 2)
	if query.UserID != "" {
		args = append(args, query.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if query.UnreadOnly {
		conds = append(conds, "is_read = false")
	}
	args = append(args, clampLimit(query.Limit))

	sqlQuery := `SELECT ` + notificationColumns + ` FROM notifications`
	if len(conds) > 0 {
		sqlQuery += ` WHERE ` + strings.Join(conds, " AND ")
	}
	sqlQuery += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	notifications := make([]domain.Notification, 0, 32)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, classify(err)
		}
		notifications = append(notifications, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return notifications, nil
}

func (s *Store) CountUnreadNotifications(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND is_read = false`, userID).Scan(&count)
	if err != nil {
		return 0, classify(err)
	}
	return count, nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, userID string, id string) (*domain.Notification, error) {
	n, err := scanNotification(s.db.QueryRowContext(ctx, `
		UPDATE notifications
		SET is_read = true
		WHERE id = $1 AND user_id = $2
		RETURNING `+notificationColumns, id, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}
	return n, nil
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET is_read = true
		WHERE user_id = $1 AND is_read = false
	`, userID)
	if err != nil {
		return 0, classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return int(affected), nil
}

func scanNotification(row rowScanner) (*domain.Notification, error) {
	var n domain.Notification
	if err := row.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.Type, &n.IsRead,
		&n.ResourceType, &n.ResourceID, &n.CreatedAt); err != nil {
		return nil, err
	}
	n.CreatedAt = n.CreatedAt.UTC()
	return &n, nil
}

const accountColumns = `id, email, display_name, role, status, total_sales, revenue, password_hash, created_at, updated_at`

func (s *Store) CreateAccount(ctx context.Context, account domain.Account) (*domain.Account, error) {
	account.Email = strings.ToLower(strings.TrimSpace(account.Email))
	if account.Email == "" || !account.Role.Valid() {
		return nil, store.ErrInvalidRecord
	}
	if account.ID == "" {
		account.ID = xid.New("acct")
	}
	if account.Status == "" {
		account.Status = domain.AccountActive
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = account.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, account.ID, account.Email, account.DisplayName, account.Role, account.Status,
		account.TotalSales, account.Revenue, account.PasswordHash, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRecord
		}
		return nil, classify(err)
	}
	return &account, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	account, err := getAccount(ctx, s.db, `id = $1`, id)
	if err != nil {
		return nil, classify(err)
	}
	return account, nil
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	account, err := getAccount(ctx, s.db, `email = $1`, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, classify(err)
	}
	return account, nil
}

func (s *Store) ListAccounts(ctx context.Context, role domain.Role) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE ($1 = '' OR role = $1)
		ORDER BY id
	`, role)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	accounts := make([]domain.Account, 0, 16)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, classify(err)
		}
		accounts = append(accounts, *account)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return accounts, nil
}

func (s *Store) ToggleAccountStatus(ctx context.Context, toggle store.AccountToggle) (*domain.Account, error) {
	if toggle.At.IsZero() {
		return nil, store.ErrInvalidRecord
	}

	var updated *domain.Account
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var status domain.AccountStatus
		err := tx.QueryRowContext(ctx, `
			SELECT status
			FROM accounts
			WHERE id = $1
			FOR UPDATE
		`, toggle.AccountID).Scan(&status)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts
			SET status = $2, updated_at = $3
			WHERE id = $1
		`, toggle.AccountID, status.Toggled(), toggle.At); err != nil {
			return err
		}

		updated, err = getAccount(ctx, tx, `id = $1`, toggle.AccountID)
		if err != nil {
			return err
		}
		if toggle.Notify == nil {
			return nil
		}
		return insertNotifications(ctx, tx, []domain.Notification{toggle.Notify(*updated)}, toggle.At)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) ListDeliveries(ctx context.Context, manufacturerID string, limit int) ([]domain.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, manufacturer_id, item_count, amount, confirmed_by, delivered_at
		FROM delivery_records
		WHERE ($1 = '' OR manufacturer_id = $1)
		ORDER BY delivered_at DESC, order_id DESC
		LIMIT $2
	`, manufacturerID, clampLimit(limit))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	records := make([]domain.DeliveryRecord, 0, 32)
	for rows.Next() {
		var r domain.DeliveryRecord
		if err := rows.Scan(&r.OrderID, &r.ManufacturerID, &r.ItemCount, &r.Amount, &r.ConfirmedBy, &r.DeliveredAt); err != nil {
			return nil, classify(err)
		}
		r.DeliveredAt = r.DeliveredAt.UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return records, nil
}

func (s *Store) RecomputeManufacturerTotals(ctx context.Context, manufacturerID string, at time.Time) (*domain.Account, error) {
	var account *domain.Account
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts
			SET total_sales = COALESCE((SELECT SUM(item_count) FROM delivery_records WHERE manufacturer_id = $1), 0),
				revenue = COALESCE((SELECT SUM(amount) FROM delivery_records WHERE manufacturer_id = $1), 0),
				updated_at = $2
			WHERE id = $1
		`, manufacturerID, at)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return store.ErrNotFound
		}
		account, err = getAccount(ctx, tx, `id = $1`, manufacturerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

func getAccount(ctx context.Context, q queryer, where string, arg any) (*domain.Account, error) {
	account, err := scanAccount(q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return account, nil
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var a domain.Account
	if err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.Role, &a.Status, &a.TotalSales, &a.Revenue,
		&a.PasswordHash, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// classify maps driver failures onto the store sentinels. Serialization failures
// and deadlocks become ErrConflict; lost connections, shutdowns and timeouts
// become ErrUnavailable. Anything else is returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) ||
		errors.Is(err, store.ErrUnavailable) || errors.Is(err, store.ErrInvalidRecord) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return fmt.Errorf("%w: %w", store.ErrConflict, err)
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
		case strings.HasPrefix(pgErr.Code, "22"):
			return fmt.Errorf("%w: %w", store.ErrInvalidRecord, err)
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func clampLimit(limit int) int {
	if limit < 1 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
