// Package mail sends HTML mail over SMTP. Fire-and-forget from the caller's
// perspective: errors surface, nothing retries.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// Transport holds the SMTP endpoint and sender identity.
type Transport struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	SenderName string
	Timeout    time.Duration
}

func (t *Transport) timeout() time.Duration {
	if t.Timeout <= 0 {
		return defaultTimeout
	}
	return t.Timeout
}

// Send delivers one HTML message. The context deadline (bounded by the
// transport timeout) covers the whole SMTP conversation.
func (t *Transport) Send(ctx context.Context, to, toName, subject, htmlBody string) error {
	if t.Host == "" {
		return errors.New("mail: host not configured")
	}
	addr := fmt.Sprintf("%s:%d", t.Host, t.Port)

	ctx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("mail: dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, t.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("mail: handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: t.Host}); err != nil {
			return fmt.Errorf("mail: starttls: %w", err)
		}
	}
	if t.Username != "" {
		auth := smtp.PlainAuth("", t.Username, t.Password, t.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("mail: auth: %w", err)
		}
	}

	if err := c.Mail(t.From); err != nil {
		return fmt.Errorf("mail: from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("mail: rcpt: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("mail: data: %w", err)
	}
	if _, err := w.Write([]byte(t.message(to, toName, subject, htmlBody))); err != nil {
		return fmt.Errorf("mail: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("mail: close: %w", err)
	}
	return c.Quit()
}

func (t *Transport) message(to, toName, subject, htmlBody string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s <%s>\r\n", t.SenderName, t.From)
	if toName != "" {
		fmt.Fprintf(&b, "To: %s <%s>\r\n", toName, to)
	} else {
		fmt.Fprintf(&b, "To: %s\r\n", to)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(htmlBody)
	b.WriteString("\r\n")
	return b.String()
}
