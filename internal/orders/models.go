package orders

import (
	"strings"
	"time"
)

const (
	ExpireAfter  = 24 * time.Hour
	ReminderFrom = 13 * time.Hour
	ReminderTo   = 14 * time.Hour
)

type LineItem struct {
	ProductID  string `json:"product_id"`
	Name       string `json:"name"`
	Qty        int    `json:"qty"`
	PriceCents int64  `json:"price_cents"`
}

type ShippingAddress struct {
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type Totals struct {
	ItemsCents    int64 `json:"items_cents"`
	TaxCents      int64 `json:"tax_cents"`
	ShippingCents int64 `json:"shipping_cents"`
	TotalCents    int64 `json:"total_cents"`
}

// PaymentResult is what the payment gateway returns after a capture.
type PaymentResult struct {
	ID                  string `json:"id"`
	Status              string `json:"status"`
	CapturedAmountCents int64  `json:"captured_amount_cents"`
	Currency            string `json:"currency"`
	PayerEmail          string `json:"payer_email"`
}

const PaymentStatusCompleted = "COMPLETED"

func (p PaymentResult) Captured() bool {
	return strings.EqualFold(p.Status, PaymentStatusCompleted)
}

type Order struct {
	ID             string          `json:"id"`
	ExternalID     string          `json:"external_id,omitempty"`
	UserID         string          `json:"user_id"`
	UserEmail      string          `json:"user_email,omitempty"`
	Items          []LineItem      `json:"items"`
	Shipping       ShippingAddress `json:"shipping"`
	PaymentMethod  string          `json:"payment_method"`
	Totals         Totals          `json:"totals"`
	Status         Status          `json:"status"`
	IsPaid         bool            `json:"is_paid"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	Payment        *PaymentResult  `json:"payment,omitempty"`
	IsDelivered    bool            `json:"is_delivered"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	TrackingNumber string          `json:"tracking_number,omitempty"`
	ReminderSent   bool            `json:"reminder_sent"`
	CancelledAt    *time.Time      `json:"cancelled_at,omitempty"`
	CancelReason   string          `json:"cancel_reason,omitempty"`
	Version        int             `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Expired reports whether an unpaid pending order is past the payment deadline.
func (o Order) Expired(now time.Time) bool {
	return o.Status == StatusPending && !o.IsPaid && o.CreatedAt.Before(now.Add(-ExpireAfter))
}

// ReminderDue reports whether the order falls in the [now-14h, now-13h) window and
// has not been reminded yet.
func (o Order) ReminderDue(now time.Time) bool {
	if o.Status != StatusPending || o.IsPaid || o.ReminderSent {
		return false
	}
	from, to := ReminderWindow(now)
	return !o.CreatedAt.Before(from) && o.CreatedAt.Before(to)
}

func ReminderWindow(now time.Time) (from, to time.Time) {
	return now.Add(-ReminderTo), now.Add(-ReminderFrom)
}

func ExpiryCutoff(now time.Time) time.Time {
	return now.Add(-ExpireAfter)
}

// Clone returns a deep copy so stores never share slices or pointers with callers.
func (o Order) Clone() Order {
	c := o
	if o.Items != nil {
		c.Items = append([]LineItem(nil), o.Items...)
	}
	c.PaidAt = cloneTime(o.PaidAt)
	c.DeliveredAt = cloneTime(o.DeliveredAt)
	c.CancelledAt = cloneTime(o.CancelledAt)
	if o.Payment != nil {
		p := *o.Payment
		c.Payment = &p
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
