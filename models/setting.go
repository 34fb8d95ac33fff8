package models

import "time"

// Setting keys read by the processor.
const (
	SettingIMAPHost       = "imap_host"
	SettingIMAPPort       = "imap_port"
	SettingIMAPUser       = "imap_user"
	SettingIMAPPassword   = "imap_password"
	SettingIMAPEncryption = "imap_encryption"
	SettingSMTPHost       = "smtp_host"
	SettingSMTPPort       = "smtp_port"
	SettingSMTPUser       = "smtp_user"
	SettingSMTPPassword   = "smtp_password"
	SettingDomains        = "domains"
	SettingAdminEmail     = "admin_email"
	SettingCronKey        = "cron_key"
	SettingLastCronRun    = "last_cron_run"
)

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
