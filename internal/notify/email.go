package notify

import (
	"fmt"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/lcrespo/backwatch/internal/logging"
	"github.com/lcrespo/backwatch/internal/track"
)

// EmailSink forwards error notifications to an operator mailbox. Sends
// run off the caller's goroutine so the polling loop never waits on
// SendGrid.
type EmailSink struct {
	log  *logging.Logger
	from string
	to   string
	send func(n track.Notification) error
}

func NewEmailSink(apiKey, from, to string, log *logging.Logger) *EmailSink {
	if log == nil {
		log = logging.NewNop()
	}
	s := &EmailSink{log: log, from: from, to: to}

	client := sendgrid.NewSendClient(apiKey)
	s.send = func(n track.Notification) error {
		fromEmail := mail.NewEmail("backwatch", s.from)
		toEmail := mail.NewEmail("", s.to)
		subject := fmt.Sprintf("[backwatch] %s: %s", n.Feature, n.Title)
		body := fmt.Sprintf("Task %s\n\n%s\n\nAt %s", n.TaskID, n.Message, n.At.Format(time.RFC3339))
		email := mail.NewSingleEmail(fromEmail, subject, toEmail, body, body)
		response, err := client.Send(email)
		if err != nil {
			return fmt.Errorf("failed to send email: %w", err)
		}
		if response.StatusCode >= 400 {
			return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
		}
		return nil
	}
	return s
}

func (s *EmailSink) Notify(n track.Notification) {
	if n.Severity != track.SeverityError {
		return
	}
	go func() {
		if err := s.send(n); err != nil {
			s.log.Warnw("notification email failed", "task_id", n.TaskID, "error", err)
		}
	}()
}
