// Package email delivers items over SMTP.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bilibili-notifier/internal/monitor"
)

// Name is the channel identifier.
const Name = "email"

const defaultTimeout = 15 * time.Second

// Config configures the Notifier.
type Config struct {
	Host     string
	Port     int
	UseTLS   bool
	Username string
	Password string
	// From is the SMTP envelope sender and From header.
	From    string
	To      []string
	Timeout time.Duration
	Logger  *zap.Logger
}

// Notifier sends one plain-text message per item to every recipient.
type Notifier struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New validates cfg and builds a Notifier.
func New(cfg Config) (*Notifier, error) {
	var missing []string
	if strings.TrimSpace(cfg.Host) == "" {
		missing = append(missing, "smtp_host")
	}
	if strings.TrimSpace(cfg.From) == "" {
		missing = append(missing, "from_addr")
	}
	if cfg.Username != "" && cfg.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("email: missing %s", strings.Join(missing, ", "))
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Notifier{cfg: cfg, logger: cfg.Logger.Named(Name), now: time.Now}, nil
}

// Name implements monitor.Notifier.
func (n *Notifier) Name() string { return Name }

// Send implements monitor.Notifier. With no recipients configured the item is
// skipped and counted as delivered.
func (n *Notifier) Send(ctx context.Context, _ monitor.Account, item monitor.ContentItem) error {
	if len(n.cfg.To) == 0 {
		n.logger.Warn("no recipients configured, skipping email", zap.String("item_id", item.ID))
		return nil
	}
	msg := buildMessage(n.cfg.From, n.cfg.To, item.Subject(), item.Text(), n.now())
	if err := n.deliver(ctx, msg); err != nil {
		return &monitor.NotifyError{Channel: Name, ItemID: item.ID, Err: err}
	}
	return nil
}

func (n *Notifier) deliver(ctx context.Context, msg []byte) error {
	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, n.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer func() { _ = c.Close() }()

	if n.cfg.UseTLS {
		if err := c.StartTLS(&tls.Config{ServerName: n.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if n.cfg.Username != "" {
		auth := smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.Mail(n.cfg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range n.cfg.To {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt to %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := c.Quit(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("quit: %w", err)
	}
	return nil
}

func buildMessage(from string, to []string, subject, body string, now time.Time) []byte {
	recipients := make([]string, 0, len(to))
	for _, addr := range to {
		recipients = append(recipients, sanitizeHeader(addr))
	}
	headers := []string{
		"From: " + sanitizeHeader(from),
		"To: " + strings.Join(recipients, ", "),
		"Subject: " + mime.QEncoding.Encode("utf-8", sanitizeHeader(subject)),
		"Date: " + now.Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"Content-Transfer-Encoding: 8bit",
		"",
		strings.ReplaceAll(body, "\n", "\r\n"),
	}
	return []byte(strings.Join(headers, "\r\n"))
}

func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}
