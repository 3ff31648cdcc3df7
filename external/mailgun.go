package external

import (
	"context"
	"fmt"
	"time"

	"github.com/mailgun/mailgun-go/v4"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// Mailer sends templated email to an address. Delivery is at-least-once:
// implementations must tolerate duplicate sends without user-visible harm.
type Mailer interface {
	Send(ctx context.Context, m Mail) error
}

// Mail describes a single outbound message
type Mail struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// MailgunOptions provides initialization parameters for the Mailgun mailer
type MailgunOptions struct {
	Domain   string
	APIKey   string
	SiteName string
	Logger   *zap.Logger
}

// MailgunMailer sends email through the Mailgun API
type MailgunMailer struct {
	MailgunOptions
	client *mailgun.MailgunImpl
}

var _ Mailer = &MailgunMailer{}

// NewMailgunMailer returns a Mailer backed by Mailgun
func NewMailgunMailer(option MailgunOptions) (*MailgunMailer, error) {
	if len(option.Domain) == 0 {
		return nil, fmt.Errorf("empty Domain is invalid")
	}
	if len(option.APIKey) == 0 {
		return nil, fmt.Errorf("empty APIKey is invalid")
	}
	if len(option.SiteName) == 0 {
		return nil, fmt.Errorf("empty SiteName is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &MailgunMailer{
		MailgunOptions: option,
		client:         mailgun.NewMailgun(option.Domain, option.APIKey),
	}, nil
}

// Send will deliver the message via Mailgun
func (m *MailgunMailer) Send(ctx context.Context, mail Mail) error {
	from := fmt.Sprintf("%s <no-reply@%s>", m.SiteName, m.Domain)
	message := m.client.NewMessage(from, mail.Subject, mail.Text, mail.To)
	if len(mail.HTML) > 0 {
		message.SetHtml(mail.HTML)
	}

	sendCtx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	_, id, err := m.client.Send(sendCtx, message)
	if err != nil {
		m.Logger.Error("Mailgun returned error",
			zap.String("To", mail.To),
			zap.Error(err),
		)
		return extErrors.Wrap(err, "Cannot send email")
	}
	m.Logger.Info("Email accepted by Mailgun",
		zap.String("To", mail.To),
		zap.String("MessageID", id),
	)
	return nil
}
