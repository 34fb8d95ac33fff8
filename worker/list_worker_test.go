package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"listproc/models"
	"listproc/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultLists() []models.List {
	return []models.List{
		list("parents", true, false, false, "jane@example.org", "bob@example.org", "carl@example.org"),
		list("bureau", true, false, true, "jane@example.org", "dora@example.org"),
		list("profs", true, true, false, "prof@example.org"),
		list("ancien", false, false, false, "jane@example.org"),
	}
}

func TestRunRelaysApprovedMessage(t *testing.T) {
	h := newHarness(t, defaultLists())
	h.mb.Deliver(models.FolderInbox, rawMail(`"Jane Doe" <jane@example.org>`, "parents@ecole.org", "Sortie scolaire", "Rendez-vous à 9h"))

	report := h.run(t)

	assert.Equal(t, 1, report.Stats.InboxProcessed)
	assert.Equal(t, 1, report.Stats.ApprovedForwarded)
	assert.Equal(t, 1, report.Stats.SentMessages)
	assert.Equal(t, 3, report.Stats.SentEmails)
	assert.Zero(t, report.Stats.Errors)
	assert.Equal(t, PhaseDone, report.Phase)
	assert.Empty(t, report.Fatal)

	assert.Equal(t, 0, h.mb.Count(models.FolderInbox))
	assert.Equal(t, 0, h.mb.Count(models.FolderApproved))
	assert.Equal(t, 1, h.mb.Count(models.FolderDone))

	sent := h.transport.withSubject("[Jane Doe sur parents]")
	require.Len(t, sent, 1)
	env := sent[0]
	assert.Equal(t, "[Jane Doe sur parents] Sortie scolaire", env.Subject)
	assert.Equal(t, utils.Address{Email: "parents@ecole.org", Name: "Parents ECOLE"}, env.From)
	assert.Equal(t, "jane@example.org", env.ReplyTo.Email)
	assert.Equal(t, []utils.Address{{Email: "parents@ecole.org", Name: "Parents ECOLE"}}, env.To)
	assert.ElementsMatch(t, []string{"jane@example.org", "bob@example.org", "carl@example.org"}, env.Bcc)
	assert.Equal(t, "parents@ecole.org", env.Headers[RelayHeader])

	assert.Equal(t, []string{"parents"}, h.lists.used)
	assert.Equal(t, 1, h.transports)
	assert.Equal(t, 1, h.transport.closed)
	assert.NotEmpty(t, h.settings.get(models.SettingLastCronRun))
}

func TestRunDiscussionListShowsSubscribers(t *testing.T) {
	h := newHarness(t, defaultLists())
	h.mb.Deliver(models.FolderInbox, rawMail("dora@example.org", "bureau@ecole.org", "Réunion", "Jeudi"))

	h.run(t)

	sent := h.transport.withSubject("[dora@example.org sur bureau]")
	require.Len(t, sent, 1)
	assert.Empty(t, sent[0].Bcc)
	assert.ElementsMatch(t, []utils.Address{{Email: "jane@example.org"}, {Email: "dora@example.org"}}, sent[0].To)
}

func TestRunArchivesRelayedCopy(t *testing.T) {
	h := newHarness(t, defaultLists())
	h.mb.Deliver(models.FolderInbox, rawMail("jane@example.org", "parents@ecole.org",
		"[Jane sur parents] Sortie", "copy", "X-list-relay: parents@ecole.org"))

	report := h.run(t)

	assert.Equal(t, 1, h.mb.Count(models.FolderArchive))
	assert.Zero(t, report.Stats.SentMessages)
	assert.Empty(t, h.transport.sent)
}

func TestRunNotifiesUnauthorizedSender(t *testing.T) {
	h := newHarness(t, defaultLists())
	h.mb.Deliver(models.FolderInbox, rawMail("stranger@example.org", "parents@ecole.org", "Hello", "Hi all"))

	report := h.run(t)

	assert.Equal(t, 1, report.Stats.Discarded)
	assert.Equal(t, 1, h.mb.Count(models.FolderDiscarded))
	notes := h.transport.withSubject("[Listes] Envoi non autorisé")
	require.Len(t, notes, 1)
	assert.Equal(t, "stranger@example.org", notes[0].To[0].Email)
	assert.Equal(t, utils.Address{Email: "listes@ecole.org", Name: "Listes ECOLE"}, notes[0].From)
	assert.Contains(t, notes[0].HTML, "parents")
}

func TestRunUnsubscribe(t *testing.T) {
	h := newHarness(t, defaultLists())
	h.mb.Deliver(models.FolderInbox, rawMail("bob@example.org", "parents@ecole.org", "STOP", ""))

	h.run(t)

	assert.Equal(t, []Unsubscription{{List: "parents", Email: "bob@example.org"}}, h.lists.removed)
	assert.Equal(t, 1, h.mb.Count(models.FolderDone))
	notes := h.transport.withSubject("[Desinscription] parents")
	require.Len(t, notes, 1)
	assert.Equal(t, "admin@ecole.org", notes[0].To[0].Email)
}

func TestRunBounceBlocksAddressForTheRestOfTheCycle(t *testing.T) {
	h := newHarness(t, defaultLists())
	h.mb.Deliver(models.FolderInbox, rawMail("mailer-daemon@mx.example.org", "parents@ecole.org",
		"Undelivered", "550 5.1.1 <carl@example.org>: user unknown"))
	h.mb.Deliver(models.FolderInbox, rawMail("jane@example.org", "parents@ecole.org", "Suite", "texte"))

	report := h.run(t)

	assert.Equal(t, map[string]int{"carl@example.org": models.DefaultBlockCode}, h.blocklist.entries)
	assert.Equal(t, 1, h.mb.Count(models.FolderErrors))
	assert.Equal(t, 1, h.mb.Count(models.FolderDone))
	assert.Equal(t, 2, report.Stats.Blocked)
	assert.Equal(t, 2, report.Stats.SentEmails)

	relayed := h.transport.withSubject("[jane@example.org sur parents]")
	require.Len(t, relayed, 1)
	assert.NotContains(t, relayed[0].Bcc, "carl@example.org")
	assert.Len(t, h.transport.withSubject("[Listes] Adresse désactivée carl@example.org"), 1)
}

func TestRunModerationRoundTrip(t *testing.T) {
	h := newHarness(t, defaultLists())
	h.mb.Deliver(models.FolderInbox, rawMail("jane@example.org", "profs@ecole.org", "Conseil", "Ordre du jour"))

	report := h.run(t)
	assert.Equal(t, 1, report.Stats.Pending)
	assert.Equal(t, 1, h.mb.Count(models.FolderPending))

	fp := h.fingerprintIn(t, models.FolderPending)
	notes := h.transport.withSubject("[Moderation] profs")
	require.Len(t, notes, 1)
	assert.Equal(t, "admin@ecole.org", notes[0].To[0].Email)
	assert.Contains(t, notes[0].HTML, "action=approve&amp;uid="+fp+"&amp;key=secret")
	assert.Contains(t, notes[0].HTML, "Ordre du jour")

	found, report, err := h.worker.Approve(context.Background(), fp)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Stats.ApprovedForwarded)
	assert.Equal(t, 1, report.Stats.SentMessages)
	assert.Equal(t, 0, h.mb.Count(models.FolderPending))
	assert.Equal(t, 1, h.mb.Count(models.FolderDone))
	assert.Len(t, h.transport.withSubject("[jane@example.org sur profs] Conseil"), 1)
}

func TestDiscardNotifiesSenderOnce(t *testing.T) {
	h := newHarness(t, defaultLists())
	h.mb.Deliver(models.FolderPending, rawMail("jane@example.org", "profs@ecole.org, parents@ecole.org", "Conseil", "texte"))
	fp := h.fingerprintIn(t, models.FolderPending)

	found, err := h.worker.Discard(context.Background(), fp)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, h.mb.Count(models.FolderDiscarded))

	notes := h.transport.withSubject("[Listes] Envoi refusé")
	require.Len(t, notes, 1)
	assert.Equal(t, "[Listes] Envoi refusé sur profs", notes[0].Subject)
	assert.Equal(t, "jane@example.org", notes[0].To[0].Email)
}

func TestModerationUnknownFingerprint(t *testing.T) {
	h := newHarness(t, defaultLists())
	h.mb.Deliver(models.FolderPending, rawMail("jane@example.org", "profs@ecole.org", "Conseil", "texte"))

	found, err := h.worker.Discard(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.False(t, found)

	found, report, err := h.worker.Approve(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, report)
	assert.Equal(t, 1, h.mb.Count(models.FolderPending))
}

func TestPendingMessages(t *testing.T) {
	h := newHarness(t, defaultLists())
	body := strings.Repeat("mot ", 100)
	h.mb.Deliver(models.FolderPending, rawMail(`"Jane" <jane@example.org>`, "profs@ecole.org", "Conseil", body))

	pending, err := h.worker.PendingMessages(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "jane@example.org", pending[0].From)
	assert.Equal(t, "Jane", pending[0].Name)
	assert.Equal(t, "Conseil", pending[0].Subject)
	assert.Equal(t, []string{"profs"}, pending[0].Lists)
	assert.Len(t, []rune(pending[0].Preview), previewLength)
	assert.Equal(t, h.fingerprintIn(t, models.FolderPending), pending[0].Fingerprint)
}

func TestRunStopsAtCountBudget(t *testing.T) {
	h := newHarness(t, defaultLists(), func(o *Options) {
		o.Limits.MaxMessagesPerRun = 2
	})
	for i := 0; i < 5; i++ {
		h.mb.Deliver(models.FolderInbox, rawMail("jane@example.org", "nobody@elsewhere.org", "x", "y"))
	}

	report := h.run(t)
	assert.Equal(t, 2, report.Stats.InboxProcessed)
	assert.Equal(t, "count", report.Stopped)
	assert.Equal(t, 3, h.mb.Count(models.FolderInbox))
	assert.Equal(t, 2, h.mb.Count(models.FolderOthers))

	h.run(t)
	assert.Equal(t, 1, h.mb.Count(models.FolderInbox))
	assert.Equal(t, 4, h.mb.Count(models.FolderOthers))
}

func TestRunStopsAtTimeBudget(t *testing.T) {
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	calls := 0
	h := newHarness(t, defaultLists(), func(o *Options) {
		o.Now = func() time.Time {
			calls++
			if calls == 1 {
				return start
			}
			return start.Add(time.Minute)
		}
	})
	h.mb.Deliver(models.FolderInbox, rawMail("jane@example.org", "parents@ecole.org", "x", "y"))
	h.mb.Deliver(models.FolderApproved, rawMail("jane@example.org", "parents@ecole.org", "x", "y"))

	report := h.run(t)
	assert.Equal(t, "time", report.Stopped)
	assert.Zero(t, report.Stats.Processed())
	assert.Equal(t, 1, h.mb.Count(models.FolderInbox))
	assert.Equal(t, 1, h.mb.Count(models.FolderApproved))
}

func TestRunStopsAtMemoryThreshold(t *testing.T) {
	h := newHarness(t, defaultLists(), func(o *Options) {
		o.Memory = func() uint64 { return 1 << 40 }
	})
	h.mb.Deliver(models.FolderInbox, rawMail("jane@example.org", "parents@ecole.org", "x", "y"))

	report := h.run(t)
	assert.Equal(t, "memory", report.Stopped)
	assert.Zero(t, report.Stats.Processed())
	assert.Equal(t, 1, h.mb.Count(models.FolderInbox))
}

func TestRunKeepsMessageWhenEveryListFails(t *testing.T) {
	h := newHarness(t, defaultLists())
	h.transport.fail = func(env *utils.Envelope) error {
		if strings.HasPrefix(env.Subject, "[Listes]") {
			return nil
		}
		return errors.New("421 service not available")
	}
	h.mb.Deliver(models.FolderApproved, rawMail("jane@example.org", "parents@ecole.org", "x", "y"))

	report := h.run(t)

	assert.Equal(t, 1, report.Stats.Errors)
	assert.Zero(t, report.Stats.SentMessages)
	assert.Equal(t, 1, h.mb.Count(models.FolderApproved))
	assert.Len(t, h.transport.withSubject("[Listes] Processing Errors"), 1)
}

func TestRunPartialListFailureStillCompletes(t *testing.T) {
	h := newHarness(t, defaultLists())
	h.transport.fail = func(env *utils.Envelope) error {
		if strings.Contains(env.Subject, "sur bureau]") {
			return errors.New("554 rejected")
		}
		return nil
	}
	h.mb.Deliver(models.FolderApproved, rawMail("jane@example.org", "bureau@ecole.org, parents@ecole.org", "x", "y"))

	report := h.run(t)

	assert.Equal(t, 1, report.Stats.Errors)
	assert.Equal(t, 1, report.Stats.SentMessages)
	assert.Equal(t, 1, h.mb.Count(models.FolderDone))
	assert.Equal(t, []string{"parents"}, h.lists.used)
}

func TestRunInactiveOnlyApprovedIsDiscarded(t *testing.T) {
	h := newHarness(t, defaultLists())
	h.mb.Deliver(models.FolderApproved, rawMail("jane@example.org", "ancien@ecole.org", "x", "y"))

	report := h.run(t)

	assert.Equal(t, 1, h.mb.Count(models.FolderDiscarded))
	assert.Equal(t, 1, report.Stats.Discarded)
	assert.Empty(t, h.transport.sent)
}

func TestRunMalformedMessageGoesToErrors(t *testing.T) {
	h := newHarness(t, defaultLists())
	h.mb.Deliver(models.FolderInbox, rawMail("", "parents@ecole.org", "x", "y"))

	report := h.run(t)

	assert.Equal(t, 1, report.Stats.Errors)
	assert.Equal(t, 1, h.mb.Count(models.FolderErrors))
	reports := h.transport.withSubject("[Listes] Processing Errors")
	require.Len(t, reports, 1)
	assert.Equal(t, "admin@ecole.org", reports[0].To[0].Email)
}

func TestRunEmptyMailbox(t *testing.T) {
	h := newHarness(t, defaultLists())

	report := h.run(t)

	assert.Equal(t, models.RunStats{TotalTime: report.Stats.TotalTime}, report.Stats)
	assert.Empty(t, report.Stopped)
	assert.Zero(t, h.transports)
	for _, f := range models.ManagedFolders {
		assert.True(t, h.mb.HasFolder(f), f)
	}
	assert.NotEmpty(t, report.Entries)
}

func TestRunReconnectsOnceAfterLostConnection(t *testing.T) {
	h := newHarness(t, defaultLists())
	h.mb.FailPings = 1
	h.mb.Deliver(models.FolderInbox, rawMail("jane@example.org", "nobody@elsewhere.org", "x", "y"))

	report := h.run(t)

	assert.Empty(t, report.Fatal)
	assert.Equal(t, 2, h.mb.Connected)
	assert.Equal(t, 1, h.mb.Count(models.FolderOthers))
	assert.Zero(t, report.Stats.Errors)

	var phases []Phase
	for _, e := range report.Entries {
		if e.Message == "Phase changed" {
			phases = append(phases, Phase(fmt.Sprint(e.Fields["phase"])))
		}
	}
	assert.Equal(t, []Phase{
		PhaseConnecting,
		PhaseDrainingInbox,
		PhaseConnecting,
		PhaseDrainingInbox,
		PhaseDrainingApproved,
		PhaseCleanup,
		PhaseDone,
	}, phases)
}

func TestRunAbortsOnSecondConnectionLoss(t *testing.T) {
	h := newHarness(t, defaultLists())
	uid := h.mb.Deliver(models.FolderInbox, rawMail("jane@example.org", "nobody@elsewhere.org", "x", "y"))
	h.mb.FetchErr[uid] = errors.New("connection reset")
	h.mb.FailPings = 2

	report, err := h.worker.RunOnce(context.Background())

	require.Error(t, err)
	require.NotNil(t, report)
	assert.True(t, report.Failed())
	// the fetch failure and the abort itself
	assert.Equal(t, 2, report.Stats.Errors)
	assert.Equal(t, 1, h.mb.Count(models.FolderInbox))
	assert.Len(t, h.transport.withSubject("[Listes] CRITICAL ERROR"), 1)
}

func TestRunConnectFailureIsFatal(t *testing.T) {
	h := newHarness(t, defaultLists())
	h.mb.FailDials = 1

	report, err := h.worker.RunOnce(context.Background())

	require.Error(t, err)
	require.NotNil(t, report)
	assert.Contains(t, report.Fatal, "cannot establish mailbox connection")
	assert.Equal(t, PhaseDone, report.Phase)
	assert.Equal(t, 1, report.Stats.Errors)
	assert.Len(t, h.transport.withSubject("[Listes] CRITICAL ERROR"), 1)
}

func TestRunRefusedWhileLeaseHeld(t *testing.T) {
	lease := &LocalLease{}
	h := newHarness(t, defaultLists(), func(o *Options) { o.Lease = lease })

	release, err := lease.Acquire(context.Background())
	require.NoError(t, err)

	_, err = h.worker.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
	_, err = h.worker.Discard(context.Background(), "x")
	assert.ErrorIs(t, err, ErrRunInProgress)

	release()
	h.run(t)
}

func TestRunRecoversFromPanickingStore(t *testing.T) {
	h := newHarness(t, defaultLists())
	h.mb.Deliver(models.FolderApproved, rawMail("jane@example.org", "parents@ecole.org", "x", "y"))
	h.mb.Deliver(models.FolderApproved, rawMail("jane@example.org", "nobody@elsewhere.org", "x", "y"))
	h.worker.lists = panickingLists{h.lists}

	report := h.run(t)

	assert.Equal(t, 1, report.Stats.Errors)
	assert.Equal(t, 2, report.Stats.ApprovedForwarded)
	assert.Equal(t, 1, h.mb.Count(models.FolderOthers))
}

type panickingLists struct {
	*fakeLists
}

func (panickingLists) MarkUsed(ctx context.Context, slug string) error {
	panic("store exploded")
}

func TestStartStopsWithContext(t *testing.T) {
	h := newHarness(t, defaultLists())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.worker.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return h.settings.get(models.SettingLastCronRun) != ""
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
