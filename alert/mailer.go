package alert

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	log "github.com/sirupsen/logrus"
)

type Message struct {
	To      string
	From    string
	Subject string
	Text    string
}

type Mailer interface {
	Send(ctx context.Context, m Message) error
}

type SendGrid struct {
	client *sendgrid.Client
}

func NewSendGrid(apiKey string) *SendGrid {
	return &SendGrid{client: sendgrid.NewSendClient(apiKey)}
}

func (s *SendGrid) Send(ctx context.Context, m Message) error {
	msg := mail.NewV3Mail()
	msg.SetFrom(mail.NewEmail("", m.From))
	msg.Subject = m.Subject
	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail("", m.To))
	msg.AddPersonalizations(p)
	msg.AddContent(mail.NewContent("text/plain", m.Text))

	resp, err := s.client.SendWithContext(ctx, msg)
	if err != nil {
		return errors.Wrap(err, "sendgrid send")
	}
	if resp.StatusCode >= 300 {
		return errors.Errorf("sendgrid: unexpected status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

// LogMailer writes alerts to the log when no mail provider is configured.
type LogMailer struct{}

func (LogMailer) Send(ctx context.Context, m Message) error {
	log.WithField("subject", m.Subject).Warnf("alert email (not sent, no mail provider):\n%s", m.Text)
	return nil
}
