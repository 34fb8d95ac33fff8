package mailbox

import (
	"errors"
	"fmt"
	"sync"

	"listproc/models"
)

var (
	errConnectionRefused = errors.New("connection refused")
	errConnectionReset   = errors.New("connection reset by peer")
)

// MemoryMailbox keeps folders in memory. It backs tests and dry runs.
type MemoryMailbox struct {
	mu      sync.Mutex
	nextUID uint32
	folders map[models.Folder][]memoryEntry
	closed  bool

	// Fault injection. FailDials and FailPings make that many of the next
	// Dial or Ping calls fail.
	FailDials int
	FailPings int
	FetchErr  map[uint32]error
	MoveErr   map[models.Folder]error
	Connected int
}

type memoryEntry struct {
	uid uint32
	raw []byte
}

func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{
		folders:  make(map[models.Folder][]memoryEntry),
		FetchErr: make(map[uint32]error),
		MoveErr:  make(map[models.Folder]error),
	}
}

// Dial returns the same store for every session so state survives reconnects.
func (m *MemoryMailbox) Dial() (Mailbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailDials > 0 {
		m.FailDials--
		return nil, errConnectionRefused
	}
	m.closed = false
	m.Connected++
	return m, nil
}

// Deliver appends a raw message to folder and returns its UID.
func (m *MemoryMailbox) Deliver(folder models.Folder, raw []byte) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextUID++
	m.folders[folder] = append(m.folders[folder], memoryEntry{uid: m.nextUID, raw: raw})
	return m.nextUID
}

// Count returns the number of messages in folder.
func (m *MemoryMailbox) Count(folder models.Folder) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.folders[folder])
}

// Raw returns the raw messages in folder, in order.
func (m *MemoryMailbox) Raw(folder models.Folder) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, 0, len(m.folders[folder]))
	for _, e := range m.folders[folder] {
		out = append(out, e.raw)
	}
	return out
}

func (m *MemoryMailbox) EnsureFolder(folder models.Folder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrNotConnected
	}
	if _, ok := m.folders[folder]; !ok {
		m.folders[folder] = nil
	}
	return nil
}

// HasFolder reports whether folder exists.
func (m *MemoryMailbox) HasFolder(folder models.Folder) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.folders[folder]
	return ok
}

func (m *MemoryMailbox) Select(folder models.Folder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrNotConnected
	}
	if _, ok := m.folders[folder]; !ok && folder != models.FolderInbox {
		return fmt.Errorf("failed to select mailbox %s: no such folder", folder)
	}
	return nil
}

func (m *MemoryMailbox) ListMessageIDs(folder models.Folder, limit int) ([]uint32, error) {
	if err := m.Select(folder); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var uids []uint32
	for _, e := range m.folders[folder] {
		if limit > 0 && len(uids) >= limit {
			break
		}
		uids = append(uids, e.uid)
	}
	return uids, nil
}

func (m *MemoryMailbox) Fetch(folder models.Folder, uid uint32) (*models.InboundMessage, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	if err := m.FetchErr[uid]; err != nil {
		m.mu.Unlock()
		return nil, err
	}
	var raw []byte
	for _, e := range m.folders[folder] {
		if e.uid == uid {
			raw = e.raw
		}
	}
	m.mu.Unlock()

	if raw == nil {
		return nil, ErrNoSuchMessage
	}
	msg, err := ParseMessage(raw)
	if err != nil {
		return nil, err
	}
	msg.UID = uid
	msg.Folder = folder
	return msg, nil
}

func (m *MemoryMailbox) Move(msg *models.InboundMessage, dest models.Folder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrNotConnected
	}
	if err := m.MoveErr[dest]; err != nil {
		return err
	}

	src := m.folders[msg.Folder]
	for i, e := range src {
		if e.uid != msg.UID {
			continue
		}
		m.folders[msg.Folder] = append(src[:i:i], src[i+1:]...)
		m.nextUID++
		m.folders[dest] = append(m.folders[dest], memoryEntry{uid: m.nextUID, raw: e.raw})
		msg.UID = m.nextUID
		msg.Folder = dest
		return nil
	}
	return ErrNoSuchMessage
}

func (m *MemoryMailbox) Ping() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrNotConnected
	}
	if m.FailPings > 0 {
		m.FailPings--
		return errConnectionReset
	}
	return nil
}

func (m *MemoryMailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
