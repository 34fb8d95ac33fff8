package mailbox

import (
	"crypto/tls"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"listproc/models"
)

// IMAPConfig describes how to reach and authenticate against the server.
type IMAPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	Encryption string // SSL, TLS, STARTTLS or NONE
	Timeout    time.Duration
}

// IMAPDialer opens IMAP sessions.
type IMAPDialer struct {
	Config IMAPConfig
	Logger *logrus.Entry
}

func (d IMAPDialer) Dial() (Mailbox, error) {
	return DialIMAP(d.Config, d.Logger)
}

// IMAPMailbox is a Mailbox backed by one IMAP connection.
type IMAPMailbox struct {
	c        *client.Client
	logger   *logrus.Entry
	selected models.Folder
	folders  map[models.Folder]bool
}

// DialIMAP connects, upgrades to TLS as configured and logs in.
func DialIMAP(cfg IMAPConfig, logger *logrus.Entry) (*IMAPMailbox, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	var (
		imapClient *client.Client
		err        error
	)
	imapAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	tlsConfig := &tls.Config{ServerName: cfg.Host}

	switch strings.ToUpper(cfg.Encryption) {
	case "SSL", "TLS":
		imapClient, err = client.DialTLS(imapAddr, tlsConfig)
	case "STARTTLS":
		imapClient, err = client.Dial(imapAddr)
		if err == nil {
			err = imapClient.StartTLS(tlsConfig)
		}
	default:
		imapClient, err = client.Dial(imapAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	if cfg.Timeout > 0 {
		imapClient.Timeout = cfg.Timeout
	}

	if err := imapClient.Login(cfg.Username, cfg.Password); err != nil {
		_ = imapClient.Logout()
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"host": cfg.Host,
		"user": cfg.Username,
	}).Debug("IMAP session opened")

	return &IMAPMailbox{
		c:       imapClient,
		logger:  logger.WithField("mailbox", cfg.Username),
		folders: make(map[models.Folder]bool),
	}, nil
}

func (m *IMAPMailbox) EnsureFolder(folder models.Folder) error {
	if m.c == nil {
		return ErrNotConnected
	}
	if m.folders[folder] {
		return nil
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- m.c.List("", folder.String(), mailboxes)
	}()

	exists := false
	for mbox := range mailboxes {
		if strings.EqualFold(mbox.Name, folder.String()) {
			exists = true
		}
	}
	if err := <-done; err != nil {
		return fmt.Errorf("failed to list folder %s: %w", folder, err)
	}

	if !exists {
		if err := m.c.Create(folder.String()); err != nil {
			return fmt.Errorf("failed to create folder %s: %w", folder, err)
		}
		m.logger.WithField("folder", folder).Info("Created mailbox folder")
	}
	m.folders[folder] = true
	return nil
}

func (m *IMAPMailbox) Select(folder models.Folder) error {
	if m.c == nil {
		return ErrNotConnected
	}
	if m.selected == folder {
		return nil
	}
	if _, err := m.c.Select(folder.String(), false); err != nil {
		m.selected = ""
		return fmt.Errorf("failed to select mailbox %s: %w", folder, err)
	}
	m.selected = folder
	return nil
}

func (m *IMAPMailbox) ListMessageIDs(folder models.Folder, limit int) ([]uint32, error) {
	// Reselect so the server reports messages moved in since the last select.
	m.selected = ""
	if err := m.Select(folder); err != nil {
		return nil, err
	}

	uids, err := m.c.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	return uids, nil
}

func (m *IMAPMailbox) Fetch(folder models.Folder, uid uint32) (*models.InboundMessage, error) {
	if err := m.Select(folder); err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- m.c.UidFetch(seqset, items, messages)
	}()

	var raw []byte
	var readErr error
	for msg := range messages {
		for _, literal := range msg.Body {
			if literal == nil {
				continue
			}
			raw, readErr = io.ReadAll(literal)
			break
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("error during fetch: %w", err)
	}
	if readErr != nil {
		return nil, fmt.Errorf("failed to read message %d: %w", uid, readErr)
	}
	if raw == nil {
		return nil, ErrNoSuchMessage
	}

	parsed, err := ParseMessage(raw)
	if err != nil {
		return nil, err
	}
	parsed.UID = uid
	parsed.Folder = folder
	return parsed, nil
}

func (m *IMAPMailbox) Move(msg *models.InboundMessage, dest models.Folder) error {
	if err := m.EnsureFolder(dest); err != nil {
		return err
	}
	if err := m.Select(msg.Folder); err != nil {
		return err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(msg.UID)
	if err := m.c.UidMove(seqset, dest.String()); err != nil {
		// Some servers advertise MOVE and still refuse it.
		m.logger.WithError(err).WithField("uid", msg.UID).Debug("UID MOVE refused, copying instead")
		if ferr := m.copyAndExpunge(seqset, dest); ferr != nil {
			return fmt.Errorf("failed to move message %d to %s: %v: %w", msg.UID, dest, err, ferr)
		}
	}
	msg.Folder = dest
	return nil
}

// copyAndExpunge moves by UID COPY, a \Deleted flag and EXPUNGE.
func (m *IMAPMailbox) copyAndExpunge(seqset *imap.SeqSet, dest models.Folder) error {
	if err := m.c.UidCopy(seqset, dest.String()); err != nil {
		return fmt.Errorf("copy failed: %w", err)
	}
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := m.c.UidStore(seqset, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("flagging failed: %w", err)
	}
	if err := m.c.Expunge(nil); err != nil {
		return fmt.Errorf("expunge failed: %w", err)
	}
	return nil
}

func (m *IMAPMailbox) Ping() error {
	if m.c == nil {
		return ErrNotConnected
	}
	return m.c.Noop()
}

func (m *IMAPMailbox) Close() error {
	if m.c == nil {
		return nil
	}
	err := m.c.Logout()
	m.c = nil
	return err
}
