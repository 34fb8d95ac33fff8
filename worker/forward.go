package worker

import (
	"fmt"
	"html"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"listproc/models"
	"listproc/utils"
)

var tagRe = regexp.MustCompile(`<[^>]*>`)

// ForwardSubject prefixes the subject with the sender and list, dropping any
// earlier list prefix.
func ForwardSubject(senderName, slug, subject string) string {
	rest := subject
	marker := slug + "] "
	if idx := strings.LastIndex(subject, marker); idx >= 0 {
		rest = subject[idx+len(marker):]
	}
	return "[" + senderName + " sur " + slug + "] " + rest
}

// ComposeForward builds the copy of msg sent to list. Blocked subscribers
// are left out and counted in the second result.
func ComposeForward(msg *models.InboundMessage, l *models.List, snap *Snapshot) (*utils.Envelope, int) {
	listAddr := snap.PrimaryAddress(l)
	display := snap.DisplayName(l)

	var (
		rcpts   []string
		blocked int
	)
	for _, email := range l.ActiveEmails() {
		if snap.IsBlocked(email) {
			blocked++
			continue
		}
		rcpts = append(rcpts, email)
	}

	senderName := msg.From.Name
	if senderName == "" {
		senderName = msg.From.Email
	}

	env := &utils.Envelope{
		From:    utils.Address{Email: listAddr, Name: display},
		ReplyTo: utils.Address{Email: msg.From.Email, Name: msg.From.Name},
		Subject: ForwardSubject(senderName, l.Slug, msg.Subject),
		Headers: map[string]string{RelayHeader: listAddr},
	}
	if l.Reponse {
		for _, email := range rcpts {
			env.To = append(env.To, utils.Address{Email: email})
		}
	} else {
		env.To = []utils.Address{{Email: listAddr, Name: display}}
		env.Bcc = rcpts
	}

	sentBy := strings.TrimSpace("Message envoyé par: " + msg.From.Name + " " + msg.From.Email)
	unsubHTML := `Pour vous désabonner de cette liste, <a href="mailto:` + html.EscapeString(listAddr) +
		`?subject=` + UnsubscribeSubject + `">envoyez lui un mail</a> avec ` + UnsubscribeSubject + ` comme sujet.`
	unsubText := "Pour vous désabonner de cette liste, envoyez un mail à " + listAddr +
		" avec " + UnsubscribeSubject + " comme sujet."

	body := msg.HTML
	if body == "" {
		body = string(utils.TextToHTML(msg.Plain))
	}
	env.HTML = "<small><em>" + html.EscapeString(sentBy) + "</em></small><br /><br />" +
		body +
		"<br /><br /><small><em>" + unsubHTML + "</em></small>"

	text := msg.Plain
	if text == "" {
		text = html.UnescapeString(tagRe.ReplaceAllString(msg.HTML, ""))
	}
	env.Text = sentBy + "\n\n" + strings.TrimSpace(text) + "\n\n" + unsubText

	return env, blocked
}

// subscriberCount is the number of subscriber deliveries in env.
func subscriberCount(env *utils.Envelope, l *models.List) int {
	if l.Reponse {
		return len(env.To)
	}
	return len(env.Bcc)
}

// forward relays one approved message to every active list it addresses.
func (r *run) forward(msg *models.InboundMessage) {
	if msg.Malformed() {
		r.countError("Malformed approved message", nil, logrus.Fields{"uid": msg.UID})
		r.move(msg, models.FolderErrors)
		return
	}

	lists := r.snap.Match(msg.Recipients)
	if len(lists) == 0 {
		r.logger.WithFields(logrus.Fields{
			"from":       msg.From.Email,
			"recipients": strings.Join(msg.Recipients, ","),
		}).Warn("Approved message matches no list")
		r.move(msg, models.FolderOthers)
		return
	}

	dir := filepath.Join(r.staging, fmt.Sprint(msg.UID))
	defer func() {
		if err := purgeStaging(dir); err != nil {
			r.logger.WithError(err).Warn("Failed to purge staged attachments")
		}
	}()

	var (
		files     []utils.StagedFile
		staged    bool
		attempted int
		delivered int
	)
	for _, l := range lists {
		fields := logrus.Fields{"list": l.Slug, "from": msg.From.Email}
		if !l.Active {
			r.logger.WithFields(fields).Info("List inactive, not relaying")
			continue
		}
		attempted++

		if !staged {
			files, _ = stageAttachments(dir, msg.Attachments, r.w.limits, r.budget.headroom, r.logger.WithFields(fields))
			staged = true
		}

		env, blocked := ComposeForward(msg, l, r.snap)
		env.Attachments = files
		r.stats.Blocked += blocked

		count := subscriberCount(env, l)
		if count == 0 {
			r.logger.WithFields(fields).Warn("List has no deliverable subscriber")
			delivered++
			continue
		}

		if err := r.send(env, "forward "+l.Slug); err != nil {
			r.logger.WithFields(fields).Error("Relay failed, message kept in APPROVED")
			continue
		}

		delivered++
		r.stats.SentMessages++
		r.stats.SentEmails += count
		if err := r.w.lists.MarkUsed(r.ctx, l.Slug); err != nil {
			r.logger.WithError(err).WithFields(fields).Warn("Failed to update list usage")
		}
		fields["recipients"] = count
		fields["attachments"] = len(files)
		r.logger.WithFields(fields).Info("Message relayed")
	}

	switch {
	case attempted == 0:
		r.logger.WithField("from", msg.From.Email).Warn("No active list for approved message")
		r.stats.Discarded++
		r.move(msg, models.FolderDiscarded)
	case delivered > 0:
		r.move(msg, models.FolderDone)
	}
}
