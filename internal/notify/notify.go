package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

const defaultFrom = "inboxsync@localhost"

// TLS modes of the relay connection.
const (
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
	TLSNone     = "none"
)

type Config struct {
	AdminEmail string
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	// TLS is one of TLSStartTLS (default), TLSImplicit or TLSNone.
	TLS       string
	TLSConfig *tls.Config
}

type sendFunc func(addr string, a sasl.Client, from string, to []string, r io.Reader) error

// Mailer emails the administrator. Without an admin address or SMTP host it
// only logs.
type Mailer struct {
	cfg    Config
	logger *slog.Logger
	send   sendFunc
	now    func() time.Time
}

func New(cfg Config, logger *slog.Logger) *Mailer {
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.From == "" {
		cfg.From = defaultFrom
	}
	if cfg.TLS == "" {
		cfg.TLS = TLSStartTLS
	}
	if cfg.Port == 0 {
		cfg.Port = 587
		if cfg.TLS == TLSImplicit {
			cfg.Port = 465
		}
	}
	m := &Mailer{cfg: cfg, logger: logger, now: time.Now}
	m.send = m.sendMail
	return m
}

func (m *Mailer) Enabled() bool {
	return m.cfg.AdminEmail != "" && m.cfg.Host != ""
}

func (m *Mailer) Notify(ctx context.Context, subject, body string) error {
	if !m.Enabled() {
		m.logger.Warn("admin notification not configured", "subject", subject)
		return nil
	}

	message, err := m.compose(subject, body)
	if err != nil {
		return err
	}

	var auth sasl.Client
	if m.cfg.Username != "" {
		auth = sasl.NewPlainClient("", m.cfg.Username, m.cfg.Password)
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))

	done := make(chan error, 1)
	go func() {
		done <- m.send(addr, auth, m.cfg.From, []string{m.cfg.AdminEmail}, bytes.NewReader(message))
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send notification: %w", err)
		}
		m.logger.Info("admin notified", "to", m.cfg.AdminEmail, "subject", subject)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mailer) dial(addr string) (*smtp.Client, error) {
	switch m.cfg.TLS {
	case TLSImplicit:
		return smtp.DialTLS(addr, m.cfg.TLSConfig)
	case TLSNone:
		return smtp.Dial(addr)
	case TLSStartTLS:
		return smtp.DialStartTLS(addr, m.cfg.TLSConfig)
	default:
		return nil, fmt.Errorf("unknown smtp tls mode %q", m.cfg.TLS)
	}
}

func (m *Mailer) sendMail(addr string, a sasl.Client, from string, to []string, r io.Reader) error {
	c, err := m.dial(addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer c.Close()

	if a != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("smtp: server doesn't support AUTH")
		}
		if err := c.Auth(a); err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
	}
	if err := c.SendMail(from, to, r); err != nil {
		return err
	}
	return c.Quit()
}

func (m *Mailer) compose(subject, body string) ([]byte, error) {
	var h mail.Header
	h.SetDate(m.now())
	h.SetAddressList("From", []*mail.Address{{Name: "inboxsync", Address: m.cfg.From}})
	h.SetAddressList("To", []*mail.Address{{Address: m.cfg.AdminEmail}})
	h.SetSubject(subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}
