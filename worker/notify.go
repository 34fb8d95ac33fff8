package worker

import (
	"fmt"
	"html/template"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"listproc/models"
	"listproc/utils"
)

const reportTimeFormat = "2006-01-02 15:04:05"

var notificationSubjects = map[string]string{
	utils.TemplateUnauthorized: "[Listes] Envoi non autorisé sur %s",
	utils.TemplateInactive:     "[Listes] Liste %s désactivée",
	utils.TemplateUnsubscribed: "[Desinscription] %s",
	utils.TemplateModeration:   "[Moderation] %s",
	utils.TemplateBounce:       "[Listes] Adresse désactivée%s",
	utils.TemplateDiscarded:    "[Listes] Envoi refusé sur %s",
}

// ModerationURL builds the approve or discard link for a held message.
func ModerationURL(base, action, fingerprint, key string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "action=" + url.QueryEscape(action) +
		"&uid=" + url.QueryEscape(fingerprint) +
		"&key=" + url.QueryEscape(key)
}

// systemSender is the identity used for notifications and reports.
func (r *run) systemSender() utils.Address {
	email := r.settings.SMTPUser
	if !strings.Contains(email, "@") {
		email = r.settings.AdminEmail
	}
	name := "Listes"
	if len(r.settings.Domains) > 0 {
		label := strings.SplitN(r.settings.Domains[0], ".", 2)[0]
		name += " " + strings.ToUpper(label)
		if email == "" {
			email = "listes@" + r.settings.Domains[0]
		}
	}
	return utils.Address{Email: email, Name: name}
}

// outbound opens the cycle's transport on first use.
func (r *run) outbound() (utils.Transport, error) {
	if r.transport != nil {
		return r.transport, nil
	}
	if r.w.transports == nil {
		return nil, fmt.Errorf("no outbound transport configured")
	}
	t, err := r.w.transports(r.ctx, r.settings, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbound transport: %w", err)
	}
	r.transport = t
	return t, nil
}

// deliver sends env with retry without touching the counters.
func (r *run) deliver(env *utils.Envelope, what string) error {
	t, err := r.outbound()
	if err != nil {
		return err
	}
	return SendWithRetry(r.ctx, t, env, r.w.limits.SendRetries, r.w.limits.RetryDelay, r.logger.WithField("context", what))
}

// send delivers env and counts an error when every attempt failed.
func (r *run) send(env *utils.Envelope, what string) error {
	if err := r.deliver(env, what); err != nil {
		r.countError("Failed to send email", err, logrus.Fields{
			"context": what,
			"subject": env.Subject,
		})
		return err
	}
	return nil
}

// notify renders and sends one notification about msg.
func (r *run) notify(n Notification, msg *models.InboundMessage, address string) {
	to := n.To
	if to == "" {
		to = r.settings.AdminEmail
	}
	if to == "" {
		r.logger.WithField("template", n.Template).Warn("No admin address configured, notification dropped")
		return
	}

	data := map[string]interface{}{
		"List":    n.List,
		"Sender":  msg.From.Email,
		"Subject": msg.Subject,
		"Address": address,
	}
	if n.Template == utils.TemplateModeration {
		if msg.HTML != "" {
			data["Body"] = template.HTML(msg.HTML)
		} else {
			data["Body"] = utils.TextToHTML(msg.Plain)
		}
		data["ApproveURL"] = ModerationURL(r.w.baseURL, "approve", msg.Fingerprint, r.settings.CronKey)
		data["DiscardURL"] = ModerationURL(r.w.baseURL, "discard", msg.Fingerprint, r.settings.CronKey)
	}

	body, err := utils.RenderTemplate(n.Template, data)
	if err != nil {
		r.countError("Failed to render notification", err, logrus.Fields{"template": n.Template})
		return
	}

	subject := n.Template
	if format, ok := notificationSubjects[n.Template]; ok {
		arg := n.List
		if n.Template == utils.TemplateBounce {
			arg = ""
			if address != "" {
				arg = " " + address
			}
		}
		subject = fmt.Sprintf(format, arg)
	}

	env := &utils.Envelope{
		From:    r.systemSender(),
		To:      []utils.Address{{Email: to}},
		Subject: subject,
		HTML:    body,
	}
	if err := r.send(env, "notification "+n.Template); err == nil {
		r.logger.WithFields(logrus.Fields{
			"template": n.Template,
			"to":       to,
		}).Debug("Notification sent")
	}
}

// reportToAdmin mails the critical error or the error report of the cycle.
func (r *run) reportToAdmin() {
	if r.settings.AdminEmail == "" {
		return
	}

	var (
		name    string
		subject string
		data    map[string]interface{}
	)
	stamp := r.w.now().Format(reportTimeFormat)

	switch {
	case r.fatal != nil:
		name = utils.TemplateCritical
		subject = "[Listes] CRITICAL ERROR - " + stamp
		data = map[string]interface{}{
			"RunID": r.id,
			"Time":  stamp,
			"Error": r.fatal.Error(),
		}
	case r.stats.Errors > 0:
		name = utils.TemplateErrorReport
		subject = "[Listes] Processing Errors - " + stamp
		entries := make([]map[string]string, 0)
		for _, e := range r.log.Errors() {
			entries = append(entries, map[string]string{
				"Time":    e.Time.Format(reportTimeFormat),
				"Message": formatEntry(e),
			})
		}
		data = map[string]interface{}{
			"Errors":  r.stats.Errors,
			"RunID":   r.id,
			"Time":    stamp,
			"Entries": entries,
			"Stats":   r.stats,
		}
	default:
		return
	}

	body, err := utils.RenderTemplate(name, data)
	if err != nil {
		r.logger.WithError(err).Warn("Failed to render admin report")
		return
	}
	env := &utils.Envelope{
		From:    r.systemSender(),
		To:      []utils.Address{{Email: r.settings.AdminEmail}},
		Subject: subject,
		HTML:    body,
	}
	if err := r.deliver(env, "admin report"); err != nil {
		r.logger.WithError(err).Warn("Failed to send admin report")
		return
	}
	r.logger.WithField("subject", subject).Info("Admin report sent")
}

func formatEntry(e LogEntry) string {
	msg := e.Message
	if v, ok := e.Fields["error"]; ok {
		msg += ": " + fmt.Sprint(v)
	}
	return msg
}
