package alerts

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/retry"
)

// DefaultSMTPTimeout bounds one SMTP conversation, dial included.
const DefaultSMTPTimeout = 30 * time.Second

// SMTPConfig holds SMTP relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

// SMTPMailer sends multipart email through an SMTP relay.
type SMTPMailer struct {
	cfg    SMTPConfig
	dialer net.Dialer
}

// NewSMTPMailer creates an SMTP mailer.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSMTPTimeout
	}
	return &SMTPMailer{cfg: cfg, dialer: net.Dialer{Timeout: cfg.Timeout}}
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) (string, error) {
	if len(msg.To) == 0 {
		return "", fmt.Errorf("send email: no recipients")
	}
	env, err := parseEnvelope(msg)
	if err != nil {
		return "", err
	}
	domain := m.cfg.Host
	if at := strings.LastIndex(env.from.Address, "@"); at >= 0 {
		domain = env.from.Address[at+1:]
	}
	id := fmt.Sprintf("<%s@%s>", ulid.Make().String(), domain)

	raw, err := buildMIME(msg, env, id)
	if err != nil {
		return "", err
	}

	if err := m.deliver(ctx, env, raw); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("smtp: %w", ctxErr)
		}
		return "", classifySMTP(err)
	}
	return id, nil
}

// deliver runs one SMTP conversation. The whole conversation is bounded by
// the mailer timeout; when ctx ends first, any pending read or write fails
// at once.
func (m *SMTPMailer) deliver(ctx context.Context, env envelope, raw []byte) error {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	conn, err := m.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(m.cfg.Timeout)); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
			return err
		}
	}
	if m.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("smtp: relay does not support AUTH")
		}
		if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
			return err
		}
	}
	if err := c.Mail(env.from.Address); err != nil {
		return err
	}
	for _, rcpt := range env.to {
		if err := c.Rcpt(rcpt.Address); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

type envelope struct {
	from *mail.Address
	to   []*mail.Address
}

// parseEnvelope validates the header-bound fields. Line breaks are rejected
// so no field can start a new header.
func parseEnvelope(msg Message) (envelope, error) {
	fields := append([]string{msg.From, msg.Subject}, msg.To...)
	for _, f := range fields {
		if strings.ContainsAny(f, "\r\n") {
			return envelope{}, fmt.Errorf("send email: line break in header field %q", f)
		}
	}

	var env envelope
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return envelope{}, fmt.Errorf("send email: sender %q: %w", msg.From, err)
	}
	env.from = from
	for _, to := range msg.To {
		addr, err := mail.ParseAddress(to)
		if err != nil {
			return envelope{}, fmt.Errorf("send email: recipient %q: %w", to, err)
		}
		env.to = append(env.to, addr)
	}
	return env, nil
}

func buildMIME(msg Message, env envelope, messageID string) ([]byte, error) {
	var b strings.Builder
	mw := multipart.NewWriter(&b)

	to := make([]string, 0, len(env.to))
	for _, a := range env.to {
		to = append(to, a.String())
	}

	fmt.Fprintf(&b, "From: %s\r\n", env.from.String())
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", mw.Boundary())

	for _, part := range []struct{ ctype, body string }{
		{"text/plain", msg.Text},
		{"text/html", msg.HTML},
	} {
		if part.body == "" {
			continue
		}
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {part.ctype + `; charset="UTF-8"`}})
		if err != nil {
			return nil, fmt.Errorf("build email: %w", err)
		}
		if _, err := w.Write([]byte(part.body)); err != nil {
			return nil, fmt.Errorf("build email: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build email: %w", err)
	}
	return []byte(b.String()), nil
}

// classifySMTP marks 4xx replies and network errors transient; 5xx replies are permanent.
func classifySMTP(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 400 && tpErr.Code < 500 {
			return retry.Transient(err)
		}
		return fmt.Errorf("smtp: %w", err)
	}
	return retry.Transient(err)
}
