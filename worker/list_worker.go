package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"listproc/config"
	"listproc/mailbox"
	"listproc/models"
	"listproc/monitoring"
	"listproc/utils"
)

// MailboxFactory builds the mailbox dialer for the settings of one cycle.
type MailboxFactory func(s MailSettings, logger *logrus.Entry) mailbox.Dialer

// TransportFactory opens the outbound transport of one cycle.
type TransportFactory func(ctx context.Context, s MailSettings, logger *logrus.Entry) (utils.Transport, error)

// Options wires a ListWorker.
type Options struct {
	Lists      ListRepository
	Blocklist  BlocklistRepository
	Settings   SettingsRepository
	Mailboxes  MailboxFactory
	Transports TransportFactory

	Limits   config.Limits
	Fallback config.MailConfig
	BaseURL  string
	TempDir  string

	Lease   Lease
	Metrics *monitoring.Metrics
	Logger  *logrus.Logger
	Memory  MemoryGauge
	Now     func() time.Time
}

// ListWorker drains INBOX and APPROVED and relays approved mail to lists.
type ListWorker struct {
	lists      ListRepository
	blocklist  BlocklistRepository
	settings   SettingsRepository
	mailboxes  MailboxFactory
	transports TransportFactory

	limits   config.Limits
	fallback config.MailConfig
	baseURL  string
	tempDir  string

	lease   Lease
	metrics *monitoring.Metrics
	logger  *logrus.Logger
	memory  MemoryGauge
	now     func() time.Time
}

func NewListWorker(opts Options) *ListWorker {
	w := &ListWorker{
		lists:      opts.Lists,
		blocklist:  opts.Blocklist,
		settings:   opts.Settings,
		mailboxes:  opts.Mailboxes,
		transports: opts.Transports,
		limits:     opts.Limits,
		fallback:   opts.Fallback,
		baseURL:    opts.BaseURL,
		tempDir:    opts.TempDir,
		lease:      opts.Lease,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		memory:     opts.Memory,
		now:        opts.Now,
	}

	if w.limits.MaxMessagesPerRun == 0 {
		w.limits = config.DefaultLimits()
	}
	if w.lease == nil {
		w.lease = &LocalLease{}
	}
	if w.logger == nil {
		w.logger = logrus.StandardLogger()
	}
	if w.memory == nil {
		w.memory = RuntimeMemory
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.tempDir == "" {
		w.tempDir = os.TempDir()
	}
	return w
}

// Start runs a cycle every interval until ctx is done.
func (w *ListWorker) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	w.logger.WithField("interval", interval.String()).Info("List worker started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("List worker shutting down...")
			return
		case <-ticker.C:
			report, err := w.RunOnce(ctx)
			if errors.Is(err, ErrRunInProgress) {
				w.logger.Debug("Skipping tick, a cycle is already running")
				continue
			}
			if err != nil {
				w.logger.WithError(err).Error("Processing cycle failed")
				continue
			}
			w.logger.WithFields(logrus.Fields{
				"run_id":    report.RunID,
				"processed": report.Stats.Processed(),
				"errors":    report.Stats.Errors,
			}).Debug("Tick finished")
		}
	}
}

// RunOnce executes one full cycle under the run lease. The report is
// returned even when the cycle aborted, together with the fatal error.
func (w *ListWorker) RunOnce(ctx context.Context) (*RunReport, error) {
	release, err := w.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	report, fatal := w.cycle(ctx)
	return report, fatal
}

func (w *ListWorker) acquire(ctx context.Context) (func(), error) {
	release, err := w.lease.Acquire(ctx)
	if errors.Is(err, ErrRunInProgress) {
		w.metrics.ObserveContention()
	}
	return release, err
}

func (w *ListWorker) cycle(ctx context.Context) (*RunReport, error) {
	r := w.newRun(ctx)
	r.logger.WithFields(logrus.Fields{
		"max_messages": w.limits.MaxMessagesPerRun,
		"max_time":     w.limits.MaxExecutionTime.String(),
	}).Info("Starting processing cycle")

	w.recordRun(ctx, r)

	if err := r.connect(); err != nil {
		r.abort(err)
	} else {
		r.drainInbox()
		r.drainApproved()
	}

	r.cleanup(true)
	report := r.finish()

	w.metrics.ObserveCycle(report.Stats, r.fatal != nil)
	return report, r.fatal
}

// run is the state of one cycle, owned by a single goroutine.
type run struct {
	w      *ListWorker
	ctx    context.Context
	id     string
	logger *logrus.Entry
	log    *RunLog
	budget budget
	stats  models.RunStats
	phase  Phase

	settings  MailSettings
	snap      *Snapshot
	dialer    mailbox.Dialer
	mb        mailbox.Mailbox
	transport utils.Transport

	reconnected bool
	stopped     string
	fatal       error
	staging     string
}

func (w *ListWorker) newRun(ctx context.Context) *run {
	id := uuid.NewString()
	start := w.now()
	hook := NewRunLog(id, start)

	logger := logrus.New()
	logger.SetOutput(w.logger.Out)
	logger.SetFormatter(w.logger.Formatter)
	logger.SetLevel(w.logger.GetLevel())
	hooks := make(logrus.LevelHooks)
	for lvl, hs := range w.logger.Hooks {
		hooks[lvl] = append(hooks[lvl], hs...)
	}
	logger.ReplaceHooks(hooks)
	logger.AddHook(hook)

	return &run{
		w:       w,
		ctx:     ctx,
		id:      id,
		logger:  logger.WithField("run_id", id),
		log:     hook,
		budget:  budget{limits: w.limits, start: start, now: w.now, memory: w.memory},
		phase:   PhaseIdle,
		staging: filepath.Join(w.tempDir, "listproc-"+id),
	}
}

func (r *run) setPhase(p Phase) {
	r.phase = p
	r.logger.WithField("phase", string(p)).Debug("Phase changed")
}

// connect resolves settings, snapshots the stores and opens the mailbox.
func (r *run) connect() error {
	r.setPhase(PhaseConnecting)

	settings, err := LoadMailSettings(r.ctx, r.w.settings, r.w.fallback)
	if err != nil {
		r.logger.WithError(err).Warn("Failed to read settings, using environment values")
	}
	r.settings = settings
	if len(settings.Domains) == 0 {
		r.logger.Warn("No list domain configured, no recipient will match a list")
	}

	lists, err := r.w.lists.AllWithSubscribers(r.ctx)
	if err != nil {
		return fmt.Errorf("failed to load lists: %w", err)
	}
	blocked, err := r.w.blocklist.AllAsMap(r.ctx)
	if err != nil {
		return fmt.Errorf("failed to load blocklist: %w", err)
	}
	r.snap = NewSnapshot(lists, blocked, settings.Domains)

	r.dialer = r.w.mailboxes(settings, r.logger)
	mb, err := r.dialer.Dial()
	if err != nil {
		return fmt.Errorf("cannot establish mailbox connection: %w", err)
	}
	r.mb = mb

	if err := mailbox.EnsureFolders(mb); err != nil {
		return fmt.Errorf("failed to prepare folders: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"lists":   len(lists),
		"blocked": len(blocked),
		"host":    settings.IMAPHost,
	}).Info("Connected to mailbox")
	return nil
}

func (r *run) abort(err error) {
	if r.fatal == nil {
		r.fatal = err
		r.stats.Errors++
	}
	r.logger.WithError(err).Error("Processing cycle aborted")
}

// alive pings the mailbox and reconnects once per phase when it is gone.
func (r *run) alive() bool {
	if r.mb != nil {
		err := r.mb.Ping()
		if err == nil {
			return true
		}
		r.logger.WithError(err).Warn("Mailbox connection lost")
	}

	if r.reconnected {
		r.abort(errors.New("mailbox connection lost again after reconnect"))
		return false
	}
	r.reconnected = true

	if r.mb != nil {
		_ = r.mb.Close()
		r.mb = nil
	}
	prev := r.phase
	r.setPhase(PhaseConnecting)
	mb, err := r.dialer.Dial()
	if err != nil {
		r.abort(fmt.Errorf("reconnect failed: %w", err))
		return false
	}
	r.mb = mb
	r.setPhase(prev)
	r.logger.WithField("phase", string(prev)).Info("Reconnected to mailbox")
	return true
}

func (r *run) countError(msg string, err error, fields logrus.Fields) {
	r.stats.Errors++
	e := r.logger.WithFields(fields)
	if err != nil {
		e = e.WithError(err)
	}
	e.Error(msg)
}

func (r *run) drainInbox() {
	r.drain(PhaseDrainingInbox, models.FolderInbox, r.dispatch)
}

func (r *run) drainApproved() {
	if r.fatal != nil {
		return
	}
	if reason := r.budget.exhausted(r.stats.Processed()); reason != "" {
		r.stopped = reason
		r.logger.WithField("budget", reason).Warn("Budget exhausted, skipping approved folder")
		return
	}
	r.drain(PhaseDrainingApproved, models.FolderApproved, r.forward)
}

// drain handles the messages of one folder, oldest first, until the folder
// is empty or a budget is reached.
func (r *run) drain(phase Phase, folder models.Folder, handle func(*models.InboundMessage)) {
	r.setPhase(phase)
	r.reconnected = false

	if !r.alive() {
		return
	}

	remaining := r.w.limits.MaxMessagesPerRun - r.stats.Processed()
	if remaining <= 0 {
		return
	}

	uids, err := r.mb.ListMessageIDs(folder, remaining)
	if err != nil {
		r.countError("Failed to list messages", err, logrus.Fields{"folder": folder.String()})
		if !r.alive() {
			return
		}
		if uids, err = r.mb.ListMessageIDs(folder, remaining); err != nil {
			r.countError("Failed to list messages", err, logrus.Fields{"folder": folder.String()})
			return
		}
	}

	r.logger.WithFields(logrus.Fields{
		"folder": folder.String(),
		"count":  len(uids),
	}).Info("Draining folder")

	for i, uid := range uids {
		if err := r.ctx.Err(); err != nil {
			r.stopped = "cancelled"
			r.logger.WithError(err).Warn("Cycle cancelled")
			return
		}
		if reason := r.budget.check(r.stats.Processed()); reason != "" {
			r.stopped = reason
			r.logger.WithFields(logrus.Fields{
				"budget":    reason,
				"folder":    folder.String(),
				"remaining": len(uids) - i,
			}).Warn("Budget reached, leaving remaining messages queued")
			return
		}

		msg, err := r.mb.Fetch(folder, uid)
		if err != nil {
			r.countError("Failed to fetch message", err, logrus.Fields{"folder": folder.String(), "uid": uid})
			if !r.alive() {
				return
			}
			continue
		}

		if folder == models.FolderInbox {
			r.stats.InboxProcessed++
		} else {
			r.stats.ApprovedForwarded++
		}

		r.safely(msg, handle)
		if r.fatal != nil {
			return
		}
	}
}

func (r *run) safely(msg *models.InboundMessage, handle func(*models.InboundMessage)) {
	defer func() {
		if rec := recover(); rec != nil {
			r.countError("Panic while processing message", fmt.Errorf("%v", rec), logrus.Fields{
				"uid":    msg.UID,
				"folder": msg.Folder.String(),
			})
		}
	}()
	handle(msg)
}

// move files msg under dest. A failure is counted and the cycle goes on.
func (r *run) move(msg *models.InboundMessage, dest models.Folder) bool {
	from := msg.Folder
	if err := r.mb.Move(msg, dest); err != nil {
		r.countError("Failed to move message", err, logrus.Fields{
			"uid":  msg.UID,
			"from": from.String(),
			"to":   dest.String(),
		})
		r.alive()
		return false
	}
	r.logger.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   dest.String(),
	}).Debug("Message moved")
	return true
}

// dispatch applies the classifier's decision to one inbound message.
func (r *run) dispatch(msg *models.InboundMessage) {
	d := Classify(msg, r.snap)

	r.stats.Errors += d.Errors
	r.stats.Blocked += d.Blocked
	r.stats.Discarded += d.Discarded
	r.stats.Pending += d.Pending

	fields := logrus.Fields{
		"from":    msg.From.Email,
		"subject": utils.Truncate(msg.Subject, 80),
		"folder":  d.Folder.String(),
		"reason":  d.Reason,
	}

	if d.Block != "" {
		if err := r.w.blocklist.Add(r.ctx, d.Block, models.DefaultBlockCode); err != nil {
			r.countError("Failed to block address", err, logrus.Fields{"address": d.Block})
		}
		r.snap.Block(d.Block, models.DefaultBlockCode)
		r.logger.WithField("address", d.Block).Warn("Blocked undeliverable address")
	}

	if u := d.Unsubscribe; u != nil {
		removed, err := r.w.lists.RemoveSubscriber(r.ctx, u.List, u.Email)
		if err != nil {
			r.countError("Failed to unsubscribe", err, logrus.Fields{"list": u.List, "email": u.Email})
		} else {
			r.logger.WithFields(logrus.Fields{
				"list":    u.List,
				"email":   u.Email,
				"removed": removed,
			}).Info("Unsubscribe request handled")
		}
	}

	for _, n := range d.Notifications {
		r.notify(n, msg, d.Block)
	}

	switch d.Folder {
	case models.FolderErrors, models.FolderOthers:
		r.logger.WithFields(fields).Warn("Message not relayed")
	default:
		r.logger.WithFields(fields).Info("Message classified")
	}
	r.move(msg, d.Folder)
}

// cleanup releases the outbound and mailbox connections. Admin reports are
// sent first so they reuse the open transport.
func (r *run) cleanup(report bool) {
	r.setPhase(PhaseCleanup)

	if report {
		r.reportToAdmin()
	}

	if r.transport != nil {
		if err := r.transport.Close(); err != nil {
			r.logger.WithError(err).Warn("Failed to close outbound transport")
		}
		r.transport = nil
	}
	if err := purgeStaging(r.staging); err != nil {
		r.logger.WithError(err).Warn("Failed to purge staging directory")
	}
	if r.mb != nil {
		if err := r.mb.Close(); err != nil {
			r.logger.WithError(err).Debug("Mailbox logout failed")
		}
		r.mb = nil
	}
}

func (r *run) finish() *RunReport {
	r.stats.TotalTime = r.budget.elapsed()
	r.setPhase(PhaseDone)

	fields := logrus.Fields{
		"inbox":         r.stats.InboxProcessed,
		"approved":      r.stats.ApprovedForwarded,
		"pending":       r.stats.Pending,
		"discarded":     r.stats.Discarded,
		"blocked":       r.stats.Blocked,
		"errors":        r.stats.Errors,
		"sent_messages": r.stats.SentMessages,
		"sent_emails":   r.stats.SentEmails,
		"total_time":    utils.FormatDuration(r.stats.TotalTime),
	}
	if r.stopped != "" {
		fields["stopped"] = r.stopped
	}
	r.logger.WithFields(fields).Info("Processing cycle complete")

	report := &RunReport{
		RunID:     r.id,
		StartedAt: r.budget.start,
		Phase:     r.phase,
		Stats:     r.stats,
		Stopped:   r.stopped,
		Entries:   r.log.Entries(),
	}
	if r.fatal != nil {
		report.Fatal = r.fatal.Error()
		utils.LogError("cycle_fatal", r.fatal, map[string]interface{}{
			"run_id": r.id,
			"errors": r.stats.Errors,
		})
	} else {
		utils.LogEvent("cycle_complete", map[string]interface{}{
			"run_id":    r.id,
			"processed": r.stats.Processed(),
			"sent":      r.stats.SentMessages,
		})
	}
	return report
}
