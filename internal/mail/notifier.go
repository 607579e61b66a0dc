// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package mail

import (
	"bytes"
	"context"
	htmltemplate "html/template"
	"text/template"
	"time"

	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/auth"
)

type templateData struct {
	Product string
	URL     string
	Expires string
}

type templates struct {
	subject string
	text    *template.Template
	html    *htmltemplate.Template
}

var verificationTemplates = templates{
	subject: "Confirm your email address",
	text: template.Must(template.New("verify.txt").Parse(
		`Confirm your {{.Product}} email address by opening this link:

{{.URL}}

The link expires {{.Expires}}. If you did not create an account you can ignore this message.
`)),
	html: htmltemplate.Must(htmltemplate.New("verify.html").Parse(
		`<p>Confirm your {{.Product}} email address:</p>
<p><a href="{{.URL}}">Verify email</a></p>
<p>The link expires {{.Expires}}. If you did not create an account you can ignore this message.</p>
`)),
}

var resetTemplates = templates{
	subject: "Reset your password",
	text: template.Must(template.New("reset.txt").Parse(
		`Someone asked to reset the password of your {{.Product}} account. To choose a new password open:

{{.URL}}

The link expires {{.Expires}} and works once. If this was not you, no action is needed.
`)),
	html: htmltemplate.Must(htmltemplate.New("reset.html").Parse(
		`<p>Someone asked to reset the password of your {{.Product}} account.</p>
<p><a href="{{.URL}}">Choose a new password</a></p>
<p>The link expires {{.Expires}} and works once. If this was not you, no action is needed.</p>
`)),
}

// Notifier renders auth emails and hands them to a Sender.
type Notifier struct {
	sender  Sender
	from    Address
	product string
}

var _ auth.Notifier = (*Notifier)(nil)

// NewNotifier creates a Notifier that sends from cfg.FromAddress.
func NewNotifier(sender Sender, cfg Config) *Notifier {
	product := cfg.ProductName
	if product == "" {
		product = "Gatehouse"
	}
	return &Notifier{
		sender:  sender,
		from:    Address{Name: cfg.FromName, Address: cfg.FromAddress},
		product: product,
	}
}

// SendVerificationEmail mails an email verification link.
func (n *Notifier) SendVerificationEmail(ctx context.Context, email string, link auth.Link) error {
	return n.send(ctx, email, link, verificationTemplates)
}

// SendPasswordResetEmail mails a password reset link.
func (n *Notifier) SendPasswordResetEmail(ctx context.Context, email string, link auth.Link) error {
	return n.send(ctx, email, link, resetTemplates)
}

func (n *Notifier) send(ctx context.Context, email string, link auth.Link, t templates) error {
	data := templateData{
		Product: n.product,
		URL:     link.URL,
		Expires: link.ExpiresAt.UTC().Format(time.RFC1123),
	}

	var text, html bytes.Buffer
	if err := t.text.Execute(&text, data); err != nil {
		return oops.Code("MAIL_TEMPLATE_FAILED").With("template", t.text.Name()).Wrap(err)
	}
	if err := t.html.Execute(&html, data); err != nil {
		return oops.Code("MAIL_TEMPLATE_FAILED").With("template", t.html.Name()).Wrap(err)
	}

	return n.sender.Send(ctx, &Message{
		From:    n.from,
		To:      []Address{{Address: email}},
		Subject: t.subject,
		Text:    text.String(),
		HTML:    html.String(),
	})
}
