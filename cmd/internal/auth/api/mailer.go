package authapi

import (
	"context"
	"fmt"
	"net/smtp"
	"os"
	"strings"
)

// ConfirmationEmail is the canonical payload for confirmation delivery.
type ConfirmationEmail struct {
	To         string
	Username   string
	ConfirmURL string
}

// EmailSender delivers confirmation emails. The send is awaited during
// registration; a failed send fails the whole request.
type EmailSender interface {
	SendConfirmation(ctx context.Context, msg ConfirmationEmail) error
}

// NoopEmailSender accepts everything. Development default.
type NoopEmailSender struct{}

func (NoopEmailSender) SendConfirmation(context.Context, ConfirmationEmail) error { return nil }

// SMTPSender delivers via a plain SMTP relay.
type SMTPSender struct {
	Addr string // host:port
	From string
	Auth smtp.Auth
}

// SMTPFromEnv builds an SMTPSender from GAMBIT_SMTP_ADDR / GAMBIT_SMTP_FROM /
// GAMBIT_SMTP_USERNAME / GAMBIT_SMTP_PASSWORD. Returns (nil, false) when no
// relay is configured.
func SMTPFromEnv() (*SMTPSender, bool) {
	addr := strings.TrimSpace(os.Getenv("GAMBIT_SMTP_ADDR"))
	from := strings.TrimSpace(os.Getenv("GAMBIT_SMTP_FROM"))
	if addr == "" || from == "" {
		return nil, false
	}

	s := &SMTPSender{Addr: addr, From: from}
	user := strings.TrimSpace(os.Getenv("GAMBIT_SMTP_USERNAME"))
	if user != "" {
		host := addr
		if i := strings.LastIndex(addr, ":"); i >= 0 {
			host = addr[:i]
		}
		s.Auth = smtp.PlainAuth("", user, os.Getenv("GAMBIT_SMTP_PASSWORD"), host)
	}
	return s, true
}

func (s *SMTPSender) SendConfirmation(ctx context.Context, msg ConfirmationEmail) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: Confirm your account\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n"+
			"Hi %s,\r\n\r\nConfirm your email address to finish signing up:\r\n\r\n%s\r\n\r\n"+
			"The link expires in 30 minutes. If you did not sign up, ignore this message.\r\n",
		s.From, msg.To, msg.Username, msg.ConfirmURL,
	)

	return smtp.SendMail(s.Addr, s.Auth, s.From, []string{msg.To}, []byte(body))
}
