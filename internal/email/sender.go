package email

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"strconv"
	"time"

	"github.com/evently/messaging/internal/config"
	"github.com/evently/messaging/internal/model"
)

// Directory resolves a user ID to the address notifications go to.
type Directory interface {
	EmailFor(ctx context.Context, userID string) (string, error)
}

// Sender delivers notification emails over SMTP.
type Sender struct {
	cfg *config.SMTPConfig
	dir Directory
}

func NewSender(cfg *config.SMTPConfig, dir Directory) *Sender {
	return &Sender{cfg: cfg, dir: dir}
}

// Send emails one notification to the user's registered address.
func (s *Sender) Send(ctx context.Context, userID string, n *model.Notification) error {
	if s.cfg.Username == "" || s.cfg.Password == "" {
		return fmt.Errorf("email: SMTP not configured")
	}
	to, err := s.dir.EmailFor(ctx, userID)
	if err != nil {
		return fmt.Errorf("email: resolve user %s: %w", userID, err)
	}
	return s.send(ctx, to, n.Title, n.Body)
}

func (s *Sender) send(ctx context.Context, to, subject, body string) error {
	from := s.cfg.FromEmail
	if from == "" {
		from = s.cfg.Username
	}
	var buf bytes.Buffer
	buf.WriteString("From: " + s.cfg.FromName + " <" + from + ">\r\n")
	buf.WriteString("To: " + to + "\r\n")
	buf.WriteString("Subject: " + subject + "\r\n")
	buf.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	buf.WriteString(body)
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	done := make(chan error, 1)
	go func() { done <- smtp.SendMail(addr, auth, from, []string{to}, buf.Bytes()) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// SendTest sends a probe email to verify SMTP settings.
func (s *Sender) SendTest(ctx context.Context, to string) error {
	body := fmt.Sprintf("Test message sent at %s.", time.Now().Format(time.RFC1123Z))
	return s.send(ctx, to, "SMTP test", body)
}
