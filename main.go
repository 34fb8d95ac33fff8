package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"listproc/config"
	"listproc/mailbox"
	"listproc/models"
	"listproc/monitoring"
	"listproc/store"
	"listproc/utils"
	"listproc/worker"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const runLeaseKey = "listproc:run"

// services holds everything a command needs once configuration is loaded.
type services struct {
	cfg       config.Config
	lists     *store.ListStore
	blocklist *store.BlocklistStore
	settings  *store.SettingsStore
	metrics   *monitoring.Metrics
	worker    *worker.ListWorker
	redis     *redis.Client
	logger    *logrus.Entry
}

var svc *services

func setup(c *cli.Context) error {
	if err := config.LoadConfig(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := config.AppConfig

	if err := utils.InitLogger(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}
	if err := utils.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		logrus.WithError(err).Warn("Sentry disabled")
	}

	if err := config.ConnectDB(); err != nil {
		return err
	}
	if err := models.CreateDefaultSettings(config.DB, defaultSettings(cfg.Mail)); err != nil {
		return fmt.Errorf("failed to seed settings: %w", err)
	}

	s := &services{
		cfg:       cfg,
		lists:     store.NewListStore(config.DB),
		blocklist: store.NewBlocklistStore(config.DB),
		settings:  store.NewSettingsStore(config.DB),
		metrics:   monitoring.NewMetrics(),
		logger:    logrus.WithField("component", "main"),
	}

	var lease worker.Lease = &worker.LocalLease{}
	if cfg.Redis.Enabled {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		lease = worker.NewRedisLease(s.redis, runLeaseKey, cfg.LeaseTTL)
	}

	s.worker = worker.NewListWorker(worker.Options{
		Lists:      s.lists,
		Blocklist:  s.blocklist,
		Settings:   s.settings,
		Mailboxes:  dialIMAP,
		Transports: outboundTransport(cfg),
		Limits:     cfg.Limits,
		Fallback:   cfg.Mail,
		BaseURL:    cfg.BaseURL,
		TempDir:    cfg.TempDir,
		Lease:      lease,
		Metrics:    s.metrics,
		Logger:     logrus.StandardLogger(),
	})

	svc = s
	return nil
}

func teardown(c *cli.Context) error {
	sentry.Flush(2 * time.Second)
	if svc != nil && svc.redis != nil {
		_ = svc.redis.Close()
	}
	if config.DB != nil {
		if sqlDB, err := config.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return nil
}

// defaultSettings seeds the settings table from the environment on first start.
func defaultSettings(mail config.MailConfig) map[string]string {
	defaults := map[string]string{
		models.SettingCronKey: mail.CronKey,
	}
	if len(mail.Domains) > 0 {
		defaults[models.SettingDomains] = strings.Join(mail.Domains, ",")
	}
	if mail.AdminEmail != "" {
		defaults[models.SettingAdminEmail] = mail.AdminEmail
	}
	return defaults
}

func dialIMAP(s worker.MailSettings, logger *logrus.Entry) mailbox.Dialer {
	return mailbox.IMAPDialer{
		Config: mailbox.IMAPConfig{
			Host:       s.IMAPHost,
			Port:       s.IMAPPort,
			Username:   s.IMAPUser,
			Password:   s.IMAPPassword,
			Encryption: s.IMAPEncryption,
			Timeout:    30 * time.Second,
		},
		Logger: logger,
	}
}

func outboundTransport(cfg config.Config) worker.TransportFactory {
	return func(ctx context.Context, s worker.MailSettings, logger *logrus.Entry) (utils.Transport, error) {
		if cfg.OutboundDriver == "ses" {
			t, err := utils.NewSESTransport(ctx, utils.SESConfig{
				Region:          cfg.SES.Region,
				AccessKeyID:     cfg.SES.AccessKeyID,
				SecretAccessKey: cfg.SES.SecretAccessKey,
			})
			if err != nil {
				return nil, err
			}
			return t, nil
		}
		local := ""
		if len(s.Domains) > 0 {
			local = s.Domains[0]
		}
		return utils.NewSMTPTransport(utils.SMTPConfig{
			Host:      s.SMTPHost,
			Port:      s.SMTPPort,
			Username:  s.SMTPUser,
			Password:  s.SMTPPassword,
			LocalName: local,
		}, logger), nil
	}
}

func main() {
	app := &cli.App{
		Name:    "listproc",
		Usage:   "Relay mail sent to list addresses to their subscribers",
		Version: "1.0.0",
		After:   teardown,
		Commands: []*cli.Command{
			serveCommand,
			runCommand,
			approveCommand,
			discardCommand,
			pendingCommand,
			exportCommand,
			listsCommand,
			subscribersCommand,
			blocklistCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Error("Command failed")
		os.Exit(1)
	}
}
