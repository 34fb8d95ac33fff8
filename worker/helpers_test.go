package worker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"listproc/config"
	"listproc/mailbox"
	"listproc/models"
	"listproc/utils"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeLists struct {
	mu      sync.Mutex
	lists   []models.List
	used    []string
	removed []Unsubscription
	err     error
}

func (f *fakeLists) AllWithSubscribers(ctx context.Context) ([]models.List, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.List, len(f.lists))
	for i, l := range f.lists {
		l.Subscribers = append([]models.Subscriber(nil), l.Subscribers...)
		out[i] = l
	}
	return out, nil
}

func (f *fakeLists) RemoveSubscriber(ctx context.Context, slug, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, Unsubscription{List: slug, Email: email})
	for i := range f.lists {
		if f.lists[i].Slug != slug {
			continue
		}
		subs := f.lists[i].Subscribers
		for j, s := range subs {
			if s.Email == email {
				f.lists[i].Subscribers = append(subs[:j:j], subs[j+1:]...)
				return true, nil
			}
		}
	}
	return false, nil
}

func (f *fakeLists) MarkUsed(ctx context.Context, slug string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used = append(f.used, slug)
	return nil
}

type fakeBlocklist struct {
	mu      sync.Mutex
	entries map[string]int
}

func (f *fakeBlocklist) IsBlocked(ctx context.Context, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[email]
	return ok, nil
}

func (f *fakeBlocklist) Add(ctx context.Context, email string, code int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[email] = code
	return nil
}

func (f *fakeBlocklist) AllAsMap(ctx context.Context) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.entries))
	for k, v := range f.entries {
		out[k] = v
	}
	return out, nil
}

type fakeSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func (f *fakeSettings) Get(ctx context.Context, key, def string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.values[key]; ok && v != "" {
		return v, nil
	}
	return def, nil
}

func (f *fakeSettings) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

func (f *fakeSettings) get(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[key]
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     []*utils.Envelope
	attempts int
	closed   int
	fail     func(env *utils.Envelope) error
}

func (f *fakeTransport) Send(ctx context.Context, env *utils.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.fail != nil {
		if err := f.fail(env); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// withSubject returns sent envelopes whose subject starts with prefix.
func (f *fakeTransport) withSubject(prefix string) []*utils.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*utils.Envelope
	for _, env := range f.sent {
		if strings.HasPrefix(env.Subject, prefix) {
			out = append(out, env)
		}
	}
	return out
}

func list(slug string, active, moderated, discussion bool, emails ...string) models.List {
	l := models.List{Slug: slug, Active: active, Moderation: moderated, Reponse: discussion}
	for _, e := range emails {
		l.Subscribers = append(l.Subscribers, models.Subscriber{Email: e, Active: true})
	}
	return l
}

var msgSeq int64

// rawMail builds a plain text message. An empty from leaves the sender out.
func rawMail(from, to, subject, body string, headers ...string) []byte {
	var b strings.Builder
	if from != "" {
		b.WriteString("From: " + from + "\r\n")
	}
	if to != "" {
		b.WriteString("To: " + to + "\r\n")
	}
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n")
	fmt.Fprintf(&b, "Message-ID: <%d@test.local>\r\n", atomic.AddInt64(&msgSeq, 1))
	for _, h := range headers {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body + "\r\n")
	return []byte(b.String())
}

type harness struct {
	mb         *mailbox.MemoryMailbox
	lists      *fakeLists
	blocklist  *fakeBlocklist
	settings   *fakeSettings
	transport  *fakeTransport
	transports int
	worker     *ListWorker
}

func newHarness(t *testing.T, lists []models.List, mutate ...func(*Options)) *harness {
	t.Helper()

	h := &harness{
		mb:        mailbox.NewMemoryMailbox(),
		lists:     &fakeLists{lists: lists},
		blocklist: &fakeBlocklist{entries: map[string]int{}},
		settings: &fakeSettings{values: map[string]string{
			models.SettingDomains:    "ecole.org",
			models.SettingAdminEmail: "admin@ecole.org",
			models.SettingSMTPUser:   "listes@ecole.org",
			models.SettingCronKey:    "secret",
		}},
		transport: &fakeTransport{},
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)

	limits := config.DefaultLimits()
	limits.RetryDelay = time.Millisecond

	opts := Options{
		Lists:     h.lists,
		Blocklist: h.blocklist,
		Settings:  h.settings,
		Mailboxes: func(s MailSettings, logger *logrus.Entry) mailbox.Dialer {
			return h.mb
		},
		Transports: func(ctx context.Context, s MailSettings, logger *logrus.Entry) (utils.Transport, error) {
			h.transports++
			return h.transport, nil
		},
		Limits:  limits,
		BaseURL: "https://lists.ecole.org/cron",
		TempDir: t.TempDir(),
		Logger:  logger,
		Memory:  func() uint64 { return 0 },
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	h.worker = NewListWorker(opts)
	return h
}

func (h *harness) run(t *testing.T) *RunReport {
	t.Helper()
	report, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)
	return report
}

// fingerprintIn returns the fingerprint of the only message in folder.
func (h *harness) fingerprintIn(t *testing.T, folder models.Folder) string {
	t.Helper()
	raws := h.mb.Raw(folder)
	require.Len(t, raws, 1)
	msg, err := mailbox.ParseMessage(raws[0])
	require.NoError(t, err)
	return msg.Fingerprint
}
