package mailer

import (
	"fmt"

	"account_service/internal/models"

	"gopkg.in/gomail.v2"
)

type Mailer struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SendRecovery delivers a queued recovery email, picking subject and body
// from the message purpose.
func (m *Mailer) SendRecovery(msg models.EmailMessage) error {
	const op = "mailer.SendRecovery"

	var subject, body string

	switch msg.Purpose {
	case models.PurposePasswordReset:
		subject = "Password Reset Request"
		body = fmt.Sprintf(
			"You requested a password reset. Please follow the link to reset your password:\n%s\n\n"+
				"This link will expire in 10 minutes.\n\n"+
				"If you did not request this, please ignore this email.",
			msg.Link,
		)
	case models.PurposeEmailVerification:
		subject = "Email Verification"
		body = fmt.Sprintf(
			"Please verify your email address by following the link:\n%s\n\n"+
				"This link will expire in 24 hours.",
			msg.Link,
		)
	default:
		return fmt.Errorf("%s: unknown purpose %q", op, msg.Purpose)
	}

	return m.send(msg.Email, subject, body)
}

func (m *Mailer) send(to, subject, body string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("To", to)
	msg.SetHeader("From", m.From)
	msg.SetHeader("Subject", subject)

	msg.SetBody("text/plain", body)

	dialer := gomail.NewDialer(m.Host, m.Port, m.Username, m.Password)
	return dialer.DialAndSend(msg)
}
