package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Email copies every message to one operator mailbox through SendGrid.
type Email struct {
	APIKey string
	From   string
	To     string
	Logger zerolog.Logger
}

func (e Email) Notify(_ context.Context, recipient, message string) {
	defer guard(e.Logger, "email")
	if e.APIKey == "" || e.To == "" {
		return
	}

	m := e.message(recipient, message)
	resp, err := sendgrid.NewSendClient(e.APIKey).Send(m)
	if err != nil {
		e.Logger.Warn().Err(err).Msg("email send failed")
		return
	}
	if resp.StatusCode >= 300 {
		e.Logger.Warn().Int("status", resp.StatusCode).Str("body", resp.Body).Msg("email rejected")
	}
}

func (e Email) message(recipient, message string) *mail.SGMailV3 {
	subject := subjectFor(message)
	body := fmt.Sprintf("%s\n\nrecipient: %s", message, recipient)
	from := mail.NewEmail("slotwatch", e.From)
	to := mail.NewEmail("Operator", e.To)
	return mail.NewSingleEmail(from, subject, to, body, body)
}

func subjectFor(message string) string {
	const max = 72
	s := []rune("[slotwatch] " + firstLine(message))
	if len(s) > max {
		return string(s[:max-3]) + "..."
	}
	return string(s)
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
