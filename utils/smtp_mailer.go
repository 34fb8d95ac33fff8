package utils

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// SMTPConfig holds the submission endpoint.
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	LocalName string
}

// SMTPTransport reuses one SMTP session for every send until Close. A failed
// send drops the session so the next call dials a fresh one.
type SMTPTransport struct {
	dialer *gomail.Dialer
	logger *logrus.Entry

	mu     sync.Mutex
	sender gomail.SendCloser
}

func NewSMTPTransport(cfg SMTPConfig, logger *logrus.Entry) *SMTPTransport {
	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	dialer.TLSConfig = &tls.Config{ServerName: cfg.Host}
	if cfg.LocalName != "" {
		dialer.LocalName = cfg.LocalName
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &SMTPTransport{
		dialer: dialer,
		logger: logger.WithField("transport", "smtp"),
	}
}

func (t *SMTPTransport) Send(ctx context.Context, env *Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sender == nil {
		s, err := t.dialer.Dial()
		if err != nil {
			return fmt.Errorf("SMTP connection failed: %w", err)
		}
		t.sender = s
		t.logger.WithField("host", t.dialer.Host).Debug("SMTP session opened")
	}

	if err := gomail.Send(t.sender, BuildMessage(env)); err != nil {
		_ = t.sender.Close()
		t.sender = nil
		return fmt.Errorf("send failed: %w", err)
	}
	return nil
}

func (t *SMTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sender == nil {
		return nil
	}
	err := t.sender.Close()
	t.sender = nil
	return err
}
