package notify

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"math"
	"strings"
	"text/template"

	"github.com/ariefcatur/go-shop-orders/internal/orders"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var ErrUnknownKind = errors.New("no template for notification kind")

var kinds = []orders.NotificationKind{
	orders.KindOrderCreated,
	orders.KindPaymentConfirmed,
	orders.KindOrderPaidAdmin,
	orders.KindOrderStatusChanged,
	orders.KindOrderCancelled,
	orders.KindPaymentReminder,
}

// Renderer turns a notification into a mail subject and body. Every kind has one
// template file defining "subject" and "body".
type Renderer struct {
	byKind map[orders.NotificationKind]*template.Template
}

func NewRenderer() (*Renderer, error) {
	funcs := template.FuncMap{"money": money}
	r := &Renderer{byKind: make(map[orders.NotificationKind]*template.Template, len(kinds))}
	for _, k := range kinds {
		t, err := template.New(string(k)).Funcs(funcs).ParseFS(templateFS, "templates/"+string(k)+".tmpl")
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", k, err)
		}
		r.byKind[k] = t
	}
	return r, nil
}

func (r *Renderer) Render(n orders.Notification) (subject, body string, err error) {
	t, ok := r.byKind[n.Kind]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownKind, n.Kind)
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "subject", n); err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", n.Kind, err)
	}
	subject = strings.TrimSpace(buf.String())

	buf.Reset()
	if err := t.ExecuteTemplate(&buf, "body", n); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", n.Kind, err)
	}
	return subject, buf.String(), nil
}

// money formats cents; numbers decoded from JSON arrive as float64.
func money(v any) string {
	var cents int64
	switch n := v.(type) {
	case int64:
		cents = n
	case int:
		cents = int64(n)
	case float64:
		cents = int64(math.Round(n))
	default:
		return fmt.Sprint(v)
	}
	sign := ""
	if cents < 0 {
		sign, cents = "-", -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
