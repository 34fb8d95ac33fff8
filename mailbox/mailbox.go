// Package mailbox exposes a remote folder based mail store as named queues
// of messages addressed by UID.
package mailbox

import (
	"errors"

	"listproc/models"
)

var (
	ErrNotConnected  = errors.New("mailbox not connected")
	ErrNoSuchMessage = errors.New("no such message")
)

// Mailbox is one authenticated session against the mail store.
type Mailbox interface {
	EnsureFolder(folder models.Folder) error
	Select(folder models.Folder) error
	// ListMessageIDs returns at most limit UIDs in enumeration order.
	// A limit <= 0 returns every UID.
	ListMessageIDs(folder models.Folder, limit int) ([]uint32, error)
	Fetch(folder models.Folder, uid uint32) (*models.InboundMessage, error)
	Move(msg *models.InboundMessage, dest models.Folder) error
	Ping() error
	Close() error
}

// Dialer opens mailbox sessions.
type Dialer interface {
	Dial() (Mailbox, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func() (Mailbox, error)

func (f DialerFunc) Dial() (Mailbox, error) {
	return f()
}

// EnsureFolders creates every managed folder missing on the server.
func EnsureFolders(mb Mailbox) error {
	for _, f := range models.ManagedFolders {
		if err := mb.EnsureFolder(f); err != nil {
			return err
		}
	}
	return nil
}
