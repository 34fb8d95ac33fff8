package utils

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"gopkg.in/gomail.v2"
)

// Address is a display name and mailbox pair used on outbound mail.
type Address struct {
	Email string
	Name  string
}

// StagedFile is an attachment written to temporary storage.
type StagedFile struct {
	Path string
	Name string
	Size int64
}

// Envelope is one outbound message. Bcc recipients are delivered to but
// never written into the message headers.
type Envelope struct {
	From        Address
	ReplyTo     Address
	To          []Address
	Bcc         []string
	Subject     string
	HTML        string
	Text        string
	Headers     map[string]string
	Attachments []StagedFile
}

// Recipients returns every delivery address, visible or hidden.
func (e *Envelope) Recipients() []string {
	rcpts := make([]string, 0, len(e.To)+len(e.Bcc))
	for _, a := range e.To {
		rcpts = append(rcpts, a.Email)
	}
	return append(rcpts, e.Bcc...)
}

// Transport submits envelopes to a mail service. Implementations keep their
// connection open between sends until Close.
type Transport interface {
	Send(ctx context.Context, env *Envelope) error
	Close() error
}

// BuildMessage renders an envelope as a gomail message.
func BuildMessage(env *Envelope) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", env.From.Email, env.From.Name)
	if env.ReplyTo.Email != "" {
		m.SetAddressHeader("Reply-To", env.ReplyTo.Email, env.ReplyTo.Name)
	}

	to := make([]string, 0, len(env.To))
	for _, a := range env.To {
		if a.Name == "" {
			to = append(to, a.Email)
			continue
		}
		to = append(to, m.FormatAddress(a.Email, a.Name))
	}
	if len(to) > 0 {
		m.SetHeader("To", to...)
	}
	if len(env.Bcc) > 0 {
		m.SetHeader("Bcc", env.Bcc...)
	}
	m.SetHeader("Subject", env.Subject)
	for k, v := range env.Headers {
		m.SetHeader(k, v)
	}

	switch {
	case env.Text != "" && env.HTML != "":
		m.SetBody("text/plain", env.Text)
		m.AddAlternative("text/html", env.HTML)
	case env.HTML != "":
		m.SetBody("text/html", env.HTML)
	default:
		m.SetBody("text/plain", env.Text)
	}

	for _, f := range env.Attachments {
		m.Attach(f.Path, gomail.Rename(f.Name))
	}
	return m
}

// Notification template names.
const (
	TemplateUnauthorized = "unauthorized"
	TemplateInactive     = "inactive"
	TemplateUnsubscribed = "unsubscribed"
	TemplateModeration   = "moderation"
	TemplateBounce       = "bounce"
	TemplateDiscarded    = "discarded"
	TemplateErrorReport  = "error_report"
	TemplateCritical     = "critical"
)

// Embedded notification templates
var emailTemplates = map[string]string{
	TemplateUnauthorized: `Bonjour,<br />vous avez envoyé un mail à la liste <strong>{{.List}}</strong>
depuis l'adresse <strong>{{.Sender}}</strong>.
<br />Cette adresse n'est pas autorisée à envoyer des mails sur cette liste.
<br />Votre email ne pourra donc pas être transmis.`,

	TemplateInactive: `Bonjour,<br />vous avez envoyé un mail à la liste <strong>{{.List}}</strong>.
<br />Cette liste est actuellement désactivée, votre email ne pourra donc pas être transmis.`,

	TemplateUnsubscribed: `Bonjour,<br />{{.Sender}} s'est désinscrit de la liste [{{.List}}].<br />`,

	TemplateModeration: `Bonjour,<br />{{.Sender}} a envoyé un message sur la liste [{{.List}}].<br />
Vous devez modérer ce message pour en accepter ou refuser la diffusion.<br /><br />
<em><strong>Sujet: </strong></em>{{.Subject}}<br /><br />
<em><strong>Message: </strong></em><br /><br />{{.Body}}<br /><br />
<a href="{{.ApproveURL}}">Accepter la diffusion</a>  /  <a href="{{.DiscardURL}}">Refuser la diffusion</a><br />`,

	TemplateBounce: `Bonjour,<br />l'adresse <strong>{{.Address}}</strong> a été désactivée,<br />internet ne la connait pas..`,

	TemplateDiscarded: `Bonjour,<br />vous avez envoyé un mail à la liste <strong>{{.List}}</strong>.
<br />Le modérateur de la liste a refusé la transmission de votre mail.`,

	TemplateErrorReport: `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 700px; margin: 0 auto; padding: 20px; }
        .error { color: #c0392b; margin: 6px 0; }
        .stats td { padding: 2px 10px; }
    </style>
</head>
<body>
    <h2>Erreurs lors du traitement ({{.Errors}})</h2>
    <p>Run {{.RunID}} - {{.Time}}</p>
    {{range .Entries}}<div class="error"><strong>{{.Time}}</strong> {{.Message}}</div>
    {{end}}
    <table class="stats">
        <tr><td>Inbox</td><td>{{.Stats.InboxProcessed}}</td></tr>
        <tr><td>Approved</td><td>{{.Stats.ApprovedForwarded}}</td></tr>
        <tr><td>Sent</td><td>{{.Stats.SentMessages}} ({{.Stats.SentEmails}} emails)</td></tr>
    </table>
</body>
</html>`,

	TemplateCritical: `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
    <h2 style="color: #c0392b;">Erreur critique</h2>
    <p>Run {{.RunID}} - {{.Time}}</p>
    <pre>{{.Error}}</pre>
</body>
</html>`,
}

// RenderTemplate executes one of the embedded notification templates.
func RenderTemplate(name string, data interface{}) (string, error) {
	tmplContent, ok := emailTemplates[name]
	if !ok {
		return "", fmt.Errorf("template '%s' not found", name)
	}

	tmpl, err := template.New(name).Parse(tmplContent)
	if err != nil {
		return "", fmt.Errorf("error parsing template: %w", err)
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return "", fmt.Errorf("error executing template: %w", err)
	}
	return body.String(), nil
}

// TextToHTML escapes plain text and keeps its line breaks.
func TextToHTML(text string) template.HTML {
	escaped := template.HTMLEscapeString(text)
	escaped = strings.ReplaceAll(escaped, "\r\n", "\n")
	return template.HTML(strings.ReplaceAll(escaped, "\n", "<br />\n"))
}
