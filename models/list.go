package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// List is a mailing list reachable at slug@domain for every configured domain.
type List struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Slug        string     `gorm:"uniqueIndex;not null" json:"slug" validate:"required,max=64,listslug"`
	Name        string     `json:"name"`
	Description string     `gorm:"type:text" json:"description"`
	Moderation  bool       `gorm:"not null" json:"moderation"`
	Reponse     bool       `gorm:"not null" json:"reponse"` // discussion mode: subscribers see each other
	Active      bool       `gorm:"not null" json:"active"`
	LastUsed    *time.Time `json:"last_used"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Relations
	Subscribers []Subscriber `gorm:"foreignKey:ListID;constraint:OnDelete:CASCADE" json:"subscribers,omitempty"`
}

func (l *List) BeforeSave(tx *gorm.DB) error {
	l.Slug = strings.ToLower(strings.TrimSpace(l.Slug))
	return nil
}

// Address returns the list address on the given domain.
func (l *List) Address(domain string) string {
	return l.Slug + "@" + strings.ToLower(domain)
}

// PrimaryAddress is the address on the first configured domain. It is the
// relay identity used for From, the watermark header and unsubscribe links.
func (l *List) PrimaryAddress(domains []string) string {
	if len(domains) == 0 {
		return l.Slug
	}
	return l.Address(domains[0])
}

// DisplayName renders "Slug DOMAIN", e.g. "Parents ECOLE" for parents@ecole.org.
func (l *List) DisplayName(domains []string) string {
	label := "MAIL"
	if len(domains) > 0 && domains[0] != "" {
		label = strings.ToUpper(strings.SplitN(domains[0], ".", 2)[0])
	}
	slug := l.Slug
	if slug != "" {
		slug = strings.ToUpper(slug[:1]) + slug[1:]
	}
	return slug + " " + label
}

// ActiveEmails returns the addresses of active subscribers.
func (l *List) ActiveEmails() []string {
	emails := make([]string, 0, len(l.Subscribers))
	for _, s := range l.Subscribers {
		if s.Active {
			emails = append(emails, s.Email)
		}
	}
	return emails
}

// Subscriber is one (list, email) membership.
type Subscriber struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ListID    uint      `gorm:"not null;uniqueIndex:idx_subscriber_list_email" json:"list_id"`
	Email     string    `gorm:"not null;uniqueIndex:idx_subscriber_list_email" json:"email" validate:"required,email"`
	Active    bool      `gorm:"not null" json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Subscriber) BeforeSave(tx *gorm.DB) error {
	s.Email = strings.ToLower(strings.TrimSpace(s.Email))
	return nil
}
