package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// DefaultBlockCode mirrors the SMTP "mailbox unavailable" reply.
const DefaultBlockCode = 550

// BlocklistEntry bars an address from sending to and receiving from lists.
type BlocklistEntry struct {
	Email     string    `gorm:"primaryKey" json:"email" validate:"required,email"`
	Code      int       `gorm:"not null;default:550" json:"code"`
	CreatedAt time.Time `json:"created_at"`
}

func (BlocklistEntry) TableName() string {
	return "blocklist"
}

func (b *BlocklistEntry) BeforeSave(tx *gorm.DB) error {
	b.Email = strings.ToLower(strings.TrimSpace(b.Email))
	if b.Code == 0 {
		b.Code = DefaultBlockCode
	}
	return nil
}
