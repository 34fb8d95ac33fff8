package worker

import (
	"strings"

	"listproc/models"
)

// Snapshot is the list, subscriber and blocklist state captured once per
// cycle. Addresses are lower-cased. Only the blocklist changes during a
// cycle, when a bounce is detected.
type Snapshot struct {
	Domains []string

	lists      []*models.List
	byAddress  map[string]*models.List
	authorized map[string]struct{}
	blocked    map[string]int
}

// NewSnapshot indexes lists under slug@domain for every domain.
func NewSnapshot(lists []models.List, blocklist map[string]int, domains []string) *Snapshot {
	s := &Snapshot{
		Domains:    domains,
		byAddress:  make(map[string]*models.List),
		authorized: make(map[string]struct{}),
		blocked:    make(map[string]int, len(blocklist)),
	}

	for i := range lists {
		l := &lists[i]
		l.Slug = strings.ToLower(l.Slug)
		s.lists = append(s.lists, l)
		for _, d := range domains {
			s.byAddress[l.Address(d)] = l
		}
		if l.Moderation {
			continue
		}
		for _, email := range l.ActiveEmails() {
			s.authorized[strings.ToLower(email)] = struct{}{}
		}
	}
	for email, code := range blocklist {
		s.blocked[strings.ToLower(email)] = code
	}
	return s
}

// Lists returns every list in the snapshot.
func (s *Snapshot) Lists() []*models.List {
	return s.lists
}

// Lookup resolves a list address on any configured domain.
func (s *Snapshot) Lookup(address string) (*models.List, bool) {
	l, ok := s.byAddress[strings.ToLower(strings.TrimSpace(address))]
	return l, ok
}

// Match returns the lists addressed by recipients, once each, in recipient
// order.
func (s *Snapshot) Match(recipients []string) []*models.List {
	seen := make(map[string]struct{})
	var out []*models.List
	for _, rcpt := range recipients {
		l, ok := s.Lookup(rcpt)
		if !ok {
			continue
		}
		if _, dup := seen[l.Slug]; dup {
			continue
		}
		seen[l.Slug] = struct{}{}
		out = append(out, l)
	}
	return out
}

// IsAuthorized reports whether email subscribes to any non-moderated list.
func (s *Snapshot) IsAuthorized(email string) bool {
	_, ok := s.authorized[strings.ToLower(email)]
	return ok
}

func (s *Snapshot) IsBlocked(email string) bool {
	_, ok := s.blocked[strings.ToLower(email)]
	return ok
}

// Block records a new blocklist entry for the rest of the cycle.
func (s *Snapshot) Block(email string, code int) {
	s.blocked[strings.ToLower(email)] = code
}

func (s *Snapshot) PrimaryAddress(l *models.List) string {
	return l.PrimaryAddress(s.Domains)
}

func (s *Snapshot) DisplayName(l *models.List) string {
	return l.DisplayName(s.Domains)
}
