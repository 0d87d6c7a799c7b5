package notify

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPMailer delivers plain-text mail through one relay.
type SMTPMailer struct {
	host string
	from string
	opts []mail.Option
}

// NewSMTPMailer checks addr (host:port) up front. timeout bounds every network
// operation of a delivery.
func NewSMTPMailer(addr, from, username, password string, timeout time.Duration) (*SMTPMailer, error) {
	host, rawPort, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("smtp addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return nil, fmt.Errorf("smtp port %q: %w", rawPort, err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithTimeout(timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(username),
			mail.WithPassword(password),
		)
	}
	return &SMTPMailer{host: host, from: from, opts: opts}, nil
}

// Send opens one connection per message; ctx cancels the dial and the exchange.
func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	msg, err := newMessage(m.from, to, subject, body, time.Now())
	if err != nil {
		return err
	}
	client, err := mail.NewClient(m.host, m.opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}

func newMessage(from, to, subject, body string, at time.Time) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("mail from %q: %w", from, err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("mail to %q: %w", to, err)
	}
	msg.Subject(strings.NewReplacer("\r", "", "\n", " ").Replace(subject))
	msg.SetDateWithValue(at)
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}

// LogMailer writes mail to the log instead of sending it. Used for local runs.
type LogMailer struct{ logger *zap.Logger }

func NewLogMailer(logger *zap.Logger) *LogMailer { return &LogMailer{logger: logger} }

func (m *LogMailer) Send(_ context.Context, to, subject, body string) error {
	m.logger.Info("mail",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return nil
}
