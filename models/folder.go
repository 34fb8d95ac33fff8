package models

import "strings"

// Folder is a mailbox folder used as message state.
type Folder string

const (
	FolderInbox     Folder = "INBOX"
	FolderPending   Folder = "PENDING"
	FolderApproved  Folder = "APPROVED"
	FolderDiscarded Folder = "DISCARDED"
	FolderDone      Folder = "DONE"
	FolderArchive   Folder = "ARCHIVE"
	FolderErrors    Folder = "ERRORS"
	FolderOthers    Folder = "OTHERS"
)

// ManagedFolders are created on first connect when absent.
var ManagedFolders = []Folder{
	FolderPending,
	FolderApproved,
	FolderDiscarded,
	FolderDone,
	FolderArchive,
	FolderErrors,
	FolderOthers,
}

func (f Folder) String() string {
	return string(f)
}

// ParseFolder maps a case-insensitive name onto the closed folder vocabulary.
func ParseFolder(name string) (Folder, bool) {
	f := Folder(strings.ToUpper(strings.TrimSpace(name)))
	if f == FolderInbox {
		return f, true
	}
	for _, known := range ManagedFolders {
		if f == known {
			return f, true
		}
	}
	return "", false
}
