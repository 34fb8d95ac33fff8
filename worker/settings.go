package worker

import (
	"context"
	"strconv"
	"strings"

	"listproc/config"
	"listproc/models"
)

// MailSettings are the endpoints and identities resolved for one cycle.
type MailSettings struct {
	IMAPHost       string
	IMAPPort       int
	IMAPUser       string
	IMAPPassword   string
	IMAPEncryption string
	SMTPHost       string
	SMTPPort       int
	SMTPUser       string
	SMTPPassword   string
	Domains        []string
	AdminEmail     string
	CronKey        string
}

// LoadMailSettings reads the settings table, falling back to fallback for
// every key that is unset.
func LoadMailSettings(ctx context.Context, settings SettingsRepository, fallback config.MailConfig) (MailSettings, error) {
	var firstErr error
	get := func(key, def string) string {
		v, err := settings.Get(ctx, key, def)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return strings.TrimSpace(v)
	}
	getInt := func(key string, def int) int {
		v := get(key, "")
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return def
		}
		return n
	}

	s := MailSettings{
		IMAPHost:       get(models.SettingIMAPHost, fallback.IMAPHost),
		IMAPPort:       getInt(models.SettingIMAPPort, fallback.IMAPPort),
		IMAPUser:       get(models.SettingIMAPUser, fallback.IMAPUser),
		IMAPPassword:   get(models.SettingIMAPPassword, fallback.IMAPPassword),
		IMAPEncryption: strings.ToUpper(get(models.SettingIMAPEncryption, fallback.IMAPEncryption)),
		SMTPHost:       get(models.SettingSMTPHost, fallback.SMTPHost),
		SMTPPort:       getInt(models.SettingSMTPPort, fallback.SMTPPort),
		SMTPUser:       get(models.SettingSMTPUser, fallback.SMTPUser),
		SMTPPassword:   get(models.SettingSMTPPassword, fallback.SMTPPassword),
		AdminEmail:     strings.ToLower(get(models.SettingAdminEmail, fallback.AdminEmail)),
		CronKey:        get(models.SettingCronKey, fallback.CronKey),
	}

	s.Domains = config.SplitList(get(models.SettingDomains, ""))
	if len(s.Domains) == 0 {
		s.Domains = fallback.Domains
	}
	return s, firstErr
}
