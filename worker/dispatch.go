package worker

import (
	"bufio"
	"regexp"
	"strings"

	"github.com/emersion/go-message/textproto"

	"listproc/models"
	"listproc/utils"
)

// RelayHeader marks mail relayed by a list so it is archived, not relayed
// again, when it comes back.
const RelayHeader = "X-list-relay"

// UnsubscribeSubject is the subject that removes the sender from a list.
const UnsubscribeSubject = "STOP"

var bounceRe = regexp.MustCompile(`(?i)550 \d\.\d\.\d <([_a-z0-9-]+(?:\.[_a-z0-9-]+)*@[a-z0-9-]+(?:\.[a-z0-9-]+)*\.[a-z]{2,})>`)

// Notification is a mail the dispatcher wants sent. An empty To means the
// administrator.
type Notification struct {
	Template string
	To       string
	List     string
}

// Unsubscription removes one (list, email) pair.
type Unsubscription struct {
	List  string
	Email string
}

// Decision is the outcome of classifying one inbound message.
type Decision struct {
	Folder        models.Folder
	Final         bool
	Reason        string
	Lists         []string
	Notifications []Notification
	Unsubscribe   *Unsubscription
	Block         string

	Errors    int
	Blocked   int
	Discarded int
	Pending   int
}

// settle records a verdict that may be overridden only by a final one.
func (d *Decision) settle(f models.Folder, reason string) bool {
	if d.Folder != "" {
		return false
	}
	d.Folder = f
	d.Reason = reason
	return true
}

// commit records a final verdict, replacing any earlier one.
func (d *Decision) commit(f models.Folder, reason string) {
	d.Folder = f
	d.Reason = reason
	d.Final = true
}

// Classify decides where an inbound message goes and which side effects
// follow. It does not touch the mailbox or any store.
func Classify(msg *models.InboundMessage, snap *Snapshot) Decision {
	var d Decision

	if msg.Malformed() {
		d.commit(models.FolderErrors, "malformed message: missing sender")
		d.Errors++
		return d
	}

	sender := strings.ToLower(msg.From.Email)
	if snap.IsBlocked(sender) {
		d.commit(models.FolderDiscarded, "sender is blocked")
		d.Blocked++
		return d
	}

	if bounced := DetectBounce(msg.Body()); bounced != "" {
		d.commit(models.FolderErrors, "delivery failure for "+bounced)
		d.Block = bounced
		d.Blocked++
		d.Notifications = append(d.Notifications, Notification{Template: utils.TemplateBounce})
		return d
	}

	lists := snap.Match(msg.Recipients)
	if len(lists) == 0 {
		d.commit(models.FolderOthers, "no matching list")
		return d
	}

	for _, l := range lists {
		d.Lists = append(d.Lists, l.Slug)

		switch {
		case HasRelayWatermark(msg.RawHeaders, snap.PrimaryAddress(l)):
			d.commit(models.FolderArchive, "relayed by "+l.Slug)

		case !snap.IsAuthorized(sender):
			if d.settle(models.FolderDiscarded, "unauthorized sender") {
				d.Discarded++
			}
			d.Notifications = append(d.Notifications, Notification{
				Template: utils.TemplateUnauthorized, To: sender, List: l.Slug,
			})

		case strings.TrimSpace(msg.Subject) == UnsubscribeSubject:
			d.Unsubscribe = &Unsubscription{List: l.Slug, Email: sender}
			d.commit(models.FolderDone, "unsubscribed from "+l.Slug)
			d.Notifications = append(d.Notifications, Notification{
				Template: utils.TemplateUnsubscribed, List: l.Slug,
			})

		case !l.Active:
			if d.settle(models.FolderDiscarded, "list "+l.Slug+" is inactive") {
				d.Discarded++
			}
			d.Notifications = append(d.Notifications, Notification{
				Template: utils.TemplateInactive, To: sender, List: l.Slug,
			})

		case l.Moderation:
			d.commit(models.FolderPending, "moderation required on "+l.Slug)
			d.Pending++
			d.Notifications = append(d.Notifications, Notification{
				Template: utils.TemplateModeration, List: l.Slug,
			})

		default:
			d.settle(models.FolderApproved, "approved for "+l.Slug)
		}

		if d.Final {
			break
		}
	}

	if d.Folder == "" {
		d.commit(models.FolderOthers, "no verdict")
	}
	return d
}

// DetectBounce returns the lower-cased address reported in a "550 x.y.z
// <address>" delivery failure, or "".
func DetectBounce(body string) string {
	m := bounceRe.FindStringSubmatch(body)
	if len(m) < 2 {
		return ""
	}
	return strings.ToLower(m[1])
}

// HasRelayWatermark reports whether the raw header block carries the relay
// header naming address.
func HasRelayWatermark(rawHeaders, address string) bool {
	if rawHeaders == "" || address == "" {
		return false
	}
	block := strings.TrimRight(rawHeaders, "\r\n") + "\r\n\r\n"
	h, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(block)))
	if err != nil {
		return strings.Contains(strings.ToLower(rawHeaders), strings.ToLower(RelayHeader+": "+address))
	}
	for _, v := range h.Values(RelayHeader) {
		if strings.EqualFold(strings.TrimSpace(v), address) {
			return true
		}
	}
	return false
}
