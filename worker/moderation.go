package worker

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"listproc/models"
	"listproc/utils"
)

// ErrNotFound is returned when no held message carries a fingerprint.
var ErrNotFound = errors.New("message not found")

// DefaultListingLimit caps moderation queue listings.
const DefaultListingLimit = 20

const previewLength = 200

// MessageSummary describes a stored message without its body.
type MessageSummary struct {
	UID         uint32    `json:"uid"`
	Fingerprint string    `json:"fingerprint"`
	From        string    `json:"from"`
	Name        string    `json:"name"`
	Subject     string    `json:"subject"`
	Date        time.Time `json:"date"`
	Preview     string    `json:"preview"`
	Lists       []string  `json:"lists,omitempty"`
}

// Approve moves the held message with fingerprint to APPROVED and runs a
// full cycle so it is relayed right away. A missing message is reported as
// false without error.
func (w *ListWorker) Approve(ctx context.Context, fingerprint string) (bool, *RunReport, error) {
	release, err := w.acquire(ctx)
	if err != nil {
		return false, nil, err
	}
	defer release()

	err = w.session(ctx, func(r *run) error {
		msg, err := r.findPending(fingerprint)
		if err != nil {
			return err
		}
		if !r.move(msg, models.FolderApproved) {
			return fmt.Errorf("failed to approve message %s", fingerprint)
		}
		r.logger.WithFields(logrus.Fields{
			"from":    msg.From.Email,
			"subject": msg.Subject,
		}).Info("Message approved by moderator")
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}

	report, fatal := w.cycle(ctx)
	return true, report, fatal
}

// Discard moves the held message with fingerprint to DISCARDED and tells the
// sender once, naming the first list it addressed.
func (w *ListWorker) Discard(ctx context.Context, fingerprint string) (bool, error) {
	release, err := w.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	err = w.session(ctx, func(r *run) error {
		w.recordRun(ctx, r)

		msg, err := r.findPending(fingerprint)
		if err != nil {
			return err
		}
		if !r.move(msg, models.FolderDiscarded) {
			return fmt.Errorf("failed to discard message %s", fingerprint)
		}
		r.logger.WithFields(logrus.Fields{
			"from":    msg.From.Email,
			"subject": msg.Subject,
		}).Info("Message discarded by moderator")

		if lists := r.snap.Match(msg.Recipients); len(lists) > 0 && !msg.Malformed() {
			r.notify(Notification{
				Template: utils.TemplateDiscarded,
				To:       msg.From.Email,
				List:     lists[0].Slug,
			}, msg, "")
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PendingMessages lists the moderation queue, oldest first.
func (w *ListWorker) PendingMessages(ctx context.Context, limit int) ([]MessageSummary, error) {
	return w.FolderMessages(ctx, models.FolderPending, limit)
}

// FolderMessages lists up to limit messages of folder.
func (w *ListWorker) FolderMessages(ctx context.Context, folder models.Folder, limit int) ([]MessageSummary, error) {
	if limit <= 0 {
		limit = DefaultListingLimit
	}

	var out []MessageSummary
	err := w.session(ctx, func(r *run) error {
		uids, err := r.mb.ListMessageIDs(folder, limit)
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", folder, err)
		}
		out = make([]MessageSummary, 0, len(uids))
		for _, uid := range uids {
			msg, err := r.mb.Fetch(folder, uid)
			if err != nil {
				r.logger.WithError(err).WithField("uid", uid).Warn("Failed to fetch message")
				continue
			}
			out = append(out, r.summarize(msg))
		}
		return nil
	})
	return out, err
}

// session opens the mailbox for a short operation outside a cycle.
func (w *ListWorker) session(ctx context.Context, fn func(r *run) error) error {
	r := w.newRun(ctx)
	defer r.cleanup(false)

	if err := r.connect(); err != nil {
		return err
	}
	return fn(r)
}

func (w *ListWorker) recordRun(ctx context.Context, r *run) {
	if err := w.settings.Set(ctx, models.SettingLastCronRun, r.budget.start.Format(time.RFC3339)); err != nil {
		r.logger.WithError(err).Warn("Failed to record last run")
	}
}

func (r *run) findPending(fingerprint string) (*models.InboundMessage, error) {
	if fingerprint == "" {
		return nil, ErrNotFound
	}
	uids, err := r.mb.ListMessageIDs(models.FolderPending, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}
	for _, uid := range uids {
		msg, err := r.mb.Fetch(models.FolderPending, uid)
		if err != nil {
			r.logger.WithError(err).WithField("uid", uid).Warn("Failed to fetch pending message")
			continue
		}
		if msg.Fingerprint == fingerprint {
			return msg, nil
		}
	}
	return nil, ErrNotFound
}

func (r *run) summarize(msg *models.InboundMessage) MessageSummary {
	s := MessageSummary{
		UID:         msg.UID,
		Fingerprint: msg.Fingerprint,
		From:        msg.From.Email,
		Name:        msg.From.Name,
		Subject:     msg.Subject,
		Date:        msg.Date,
		Preview:     Preview(msg, previewLength),
	}
	for _, l := range r.snap.Match(msg.Recipients) {
		s.Lists = append(s.Lists, l.Slug)
	}
	return s
}

// Preview is the first n characters of the message text with whitespace
// collapsed.
func Preview(msg *models.InboundMessage, n int) string {
	text := msg.Plain
	if text == "" {
		text = html.UnescapeString(tagRe.ReplaceAllString(msg.HTML, " "))
	}
	return utils.Truncate(strings.Join(strings.Fields(text), " "), n)
}
