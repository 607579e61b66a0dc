// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"
)

// SMTPSender delivers mail through an SMTP relay. Port 465 uses implicit
// TLS; other ports upgrade with STARTTLS when the server offers it.
type SMTPSender struct {
	host          string
	port          int
	username      string
	password      string
	skipTLSVerify bool
	timeout       time.Duration
	now           func() time.Time
}

// NewSMTPSender creates an SMTPSender from cfg.
func NewSMTPSender(cfg Config) *SMTPSender {
	return &SMTPSender{
		host:          cfg.Host,
		port:          cfg.Port,
		username:      cfg.Username,
		password:      cfg.Password,
		skipTLSVerify: cfg.SkipTLSVerify,
		timeout:       cfg.Timeout,
		now:           time.Now,
	}
}

// Send delivers msg. The whole SMTP conversation is bounded by the sender
// timeout and by ctx.
func (s *SMTPSender) Send(ctx context.Context, msg *Message) error {
	if len(msg.To) == 0 {
		return oops.Code("MAIL_NO_RECIPIENTS").Errorf("message has no recipients")
	}
	body, err := msg.encode(s.now(), s.host)
	if err != nil {
		return err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	tlsCfg := &tls.Config{
		ServerName:         s.host,
		InsecureSkipVerify: s.skipTLSVerify, //nolint:gosec // operator opt-in for test relays
		MinVersion:         tls.VersionTLS12,
	}

	conn, err := s.dial(ctx, addr, tlsCfg)
	if err != nil {
		return oops.Code("MAIL_DIAL_FAILED").With("addr", addr).Wrap(err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Unblock the conversation if ctx ends before the deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		_ = conn.Close()
		return oops.Code("MAIL_HANDSHAKE_FAILED").With("addr", addr).Wrap(err)
	}
	defer client.Close()

	if s.port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsCfg); err != nil {
				return oops.Code("MAIL_STARTTLS_FAILED").With("addr", addr).Wrap(err)
			}
		}
	}
	if s.username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(smtp.PlainAuth("", s.username, s.password, s.host)); err != nil {
				return oops.Code("MAIL_AUTH_FAILED").With("addr", addr).Wrap(err)
			}
		}
	}

	if err := client.Mail(msg.From.Address); err != nil {
		return oops.Code("MAIL_REJECTED").With("stage", "mail from").Wrap(err)
	}
	for _, to := range msg.To {
		if err := client.Rcpt(to.Address); err != nil {
			return oops.Code("MAIL_REJECTED").With("stage", "rcpt to").With("rcpt", to.Address).Wrap(err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return oops.Code("MAIL_REJECTED").With("stage", "data").Wrap(err)
	}
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return oops.Code("MAIL_WRITE_FAILED").Wrap(err)
	}
	if err := w.Close(); err != nil {
		return oops.Code("MAIL_REJECTED").With("stage", "end of data").Wrap(err)
	}
	if err := client.Quit(); err != nil {
		return oops.Code("MAIL_QUIT_FAILED").Wrap(err)
	}
	return nil
}

func (s *SMTPSender) dial(ctx context.Context, addr string, tlsCfg *tls.Config) (net.Conn, error) {
	if s.port == 465 {
		d := &tls.Dialer{Config: tlsCfg}
		return d.DialContext(ctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// encode renders msg as a multipart/alternative RFC 5322 message.
func (m *Message) encode(now time.Time, domain string) ([]byte, error) {
	if m.Text == "" && m.HTML == "" {
		return nil, oops.Code("MAIL_EMPTY_BODY").Errorf("message has no body")
	}
	boundary := uuid.NewString()

	var sb strings.Builder
	sb.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&sb, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&sb, "Message-ID: <%s@%s>\r\n", uuid.NewString(), domain)
	fmt.Fprintf(&sb, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", m.Subject))
	fmt.Fprintf(&sb, "From: %s\r\n", (&mail.Address{Name: m.From.Name, Address: m.From.Address}).String())

	to := make([]string, len(m.To))
	for i, a := range m.To {
		to[i] = (&mail.Address{Name: a.Name, Address: a.Address}).String()
	}
	fmt.Fprintf(&sb, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&sb, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)

	for _, part := range []struct{ kind, body string }{{"text/plain", m.Text}, {"text/html", m.HTML}} {
		if part.body == "" {
			continue
		}
		fmt.Fprintf(&sb, "--%s\r\n", boundary)
		fmt.Fprintf(&sb, "Content-Type: %s; charset=\"UTF-8\"\r\n", part.kind)
		sb.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
		qp := quotedprintable.NewWriter(&sb)
		if _, err := qp.Write([]byte(part.body)); err != nil {
			return nil, oops.Code("MAIL_ENCODE_FAILED").Wrap(err)
		}
		if err := qp.Close(); err != nil {
			return nil, oops.Code("MAIL_ENCODE_FAILED").Wrap(err)
		}
		sb.WriteString("\r\n")
	}
	fmt.Fprintf(&sb, "--%s--\r\n", boundary)
	return []byte(sb.String()), nil
}
