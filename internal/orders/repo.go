package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo is the Postgres-backed Store. Line items, shipping address and payment
// capture are stored as JSONB on the order row: an order is one document.
type Repo struct{ DB *pgxpool.Pool }

func NewRepo(db *pgxpool.Pool) *Repo { return &Repo{DB: db} }

const orderColumns = `id, COALESCE(external_id, ''), user_id, user_email, items, shipping, payment_method,
	items_cents, tax_cents, shipping_cents, total_cents, status, is_paid, paid_at, payment,
	is_delivered, delivered_at, tracking_number, reminder_sent, cancelled_at, cancel_reason,
	version, created_at, updated_at`

const (
	pgUniqueViolation    = "23505"
	externalIDConstraint = "orders_user_external_id_key"
)

func (r *Repo) Create(ctx context.Context, o Order) error {
	items, shipping, payment, err := marshalDocs(o)
	if err != nil {
		return err
	}
	if o.Version == 0 {
		o.Version = 1
	}
	var externalID any
	if o.ExternalID != "" {
		externalID = o.ExternalID
	}

	_, err = r.DB.Exec(ctx, `
		INSERT INTO orders (id, external_id, user_id, user_email, items, shipping, payment_method,
			items_cents, tax_cents, shipping_cents, total_cents, status, is_paid, paid_at, payment,
			is_delivered, delivered_at, tracking_number, reminder_sent, cancelled_at, cancel_reason,
			version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		o.ID, externalID, o.UserID, o.UserEmail, items, shipping, o.PaymentMethod,
		o.Totals.ItemsCents, o.Totals.TaxCents, o.Totals.ShippingCents, o.Totals.TotalCents,
		string(o.Status), o.IsPaid, o.PaidAt, payment,
		o.IsDelivered, o.DeliveredAt, o.TrackingNumber, o.ReminderSent, o.CancelledAt, o.CancelReason,
		o.Version, o.CreatedAt, o.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == externalIDConstraint {
		return ErrDuplicateOrder
	}
	return err
}

func (r *Repo) Get(ctx context.Context, id string) (Order, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (r *Repo) GetByExternalID(ctx context.Context, userID, externalID string) (Order, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = $1 AND external_id = $2`, userID, externalID)
	return scanOrder(row)
}

func (r *Repo) List(ctx context.Context, f ListFilter) ([]Order, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	q := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return r.query(ctx, q, args...)
}

// Update writes every mutable column, conditioned on the version the caller read.
func (r *Repo) Update(ctx context.Context, o Order) error {
	_, _, payment, err := marshalDocs(o)
	if err != nil {
		return err
	}
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET
			status = $3, is_paid = $4, paid_at = $5, payment = $6,
			is_delivered = $7, delivered_at = $8, tracking_number = $9, reminder_sent = $10,
			cancelled_at = $11, cancel_reason = $12, updated_at = $13, version = version + 1
		WHERE id = $1 AND version = $2`,
		o.ID, o.Version,
		string(o.Status), o.IsPaid, o.PaidAt, payment,
		o.IsDelivered, o.DeliveredAt, o.TrackingNumber, o.ReminderSent,
		o.CancelledAt, o.CancelReason, o.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrOrderNotFound
	}
	return ErrVersionConflict
}

func (r *Repo) FindExpired(ctx context.Context, createdBefore time.Time, limit int) ([]Order, error) {
	q, args := withLimit(`SELECT `+orderColumns+` FROM orders
		WHERE status = 'PENDING' AND is_paid = FALSE AND created_at < $1
		ORDER BY created_at`, limit, createdBefore)
	return r.query(ctx, q, args...)
}

func (r *Repo) FindReminderDue(ctx context.Context, from, to time.Time, limit int) ([]Order, error) {
	q, args := withLimit(`SELECT `+orderColumns+` FROM orders
		WHERE status = 'PENDING' AND is_paid = FALSE AND reminder_sent = FALSE
		  AND created_at >= $1 AND created_at < $2
		ORDER BY created_at`, limit, from, to)
	return r.query(ctx, q, args...)
}

// withLimit appends a LIMIT for positive limits; zero or less means no limit, as in MemoryStore.
func withLimit(q string, limit int, args ...any) (string, []any) {
	if limit <= 0 {
		return q, args
	}
	args = append(args, limit)
	return q + fmt.Sprintf(" LIMIT $%d", len(args)), args
}

func (r *Repo) query(ctx context.Context, q string, args ...any) ([]Order, error) {
	rows, err := r.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var status string
	var items, shipping, payment []byte
	err := row.Scan(&o.ID, &o.ExternalID, &o.UserID, &o.UserEmail, &items, &shipping, &o.PaymentMethod,
		&o.Totals.ItemsCents, &o.Totals.TaxCents, &o.Totals.ShippingCents, &o.Totals.TotalCents,
		&status, &o.IsPaid, &o.PaidAt, &payment,
		&o.IsDelivered, &o.DeliveredAt, &o.TrackingNumber, &o.ReminderSent, &o.CancelledAt, &o.CancelReason,
		&o.Version, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.Status = Status(status)

	if err := json.Unmarshal(items, &o.Items); err != nil {
		return Order{}, fmt.Errorf("decode items of %s: %w", o.ID, err)
	}
	if err := json.Unmarshal(shipping, &o.Shipping); err != nil {
		return Order{}, fmt.Errorf("decode shipping of %s: %w", o.ID, err)
	}
	if len(payment) > 0 {
		var p PaymentResult
		if err := json.Unmarshal(payment, &p); err != nil {
			return Order{}, fmt.Errorf("decode payment of %s: %w", o.ID, err)
		}
		o.Payment = &p
	}
	return o, nil
}

func marshalDocs(o Order) (items, shipping []byte, payment any, err error) {
	if items, err = json.Marshal(o.Items); err != nil {
		return nil, nil, nil, err
	}
	if shipping, err = json.Marshal(o.Shipping); err != nil {
		return nil, nil, nil, err
	}
	if o.Payment != nil {
		b, err := json.Marshal(o.Payment)
		if err != nil {
			return nil, nil, nil, err
		}
		payment = b
	}
	return items, shipping, payment, nil
}
