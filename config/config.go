package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"listproc/models"
	"listproc/utils"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

// MailConfig are the mailbox and submission settings used when the settings
// table has no value for a key.
type MailConfig struct {
	IMAPHost       string   `json:"imap_host"`
	IMAPPort       int      `json:"imap_port"`
	IMAPUser       string   `json:"imap_user"`
	IMAPPassword   string   `json:"-"`
	IMAPEncryption string   `json:"imap_encryption"`
	SMTPHost       string   `json:"smtp_host"`
	SMTPPort       int      `json:"smtp_port"`
	SMTPUser       string   `json:"smtp_user"`
	SMTPPassword   string   `json:"-"`
	Domains        []string `json:"domains"`
	AdminEmail     string   `json:"admin_email"`
	CronKey        string   `json:"-"`
}

type SESConfig struct {
	Region          string `json:"region"`
	AccessKeyID     string `json:"-"`
	SecretAccessKey string `json:"-"`
}

// Limits bound a single processing cycle.
type Limits struct {
	MaxMessagesPerRun       int           `json:"max_messages_per_run" validate:"gt=0"`
	MaxExecutionTime        time.Duration `json:"max_execution_time" validate:"gt=0"`
	MemoryLimitMB           int           `json:"memory_limit_mb" validate:"gt=0"`
	MemoryThreshold         float64       `json:"memory_threshold" validate:"gt=0,max=1"`
	MaxAttachmentSize       int64         `json:"max_attachment_size" validate:"gt=0"`
	MaxTotalAttachmentSize  int64         `json:"max_total_attachment_size" validate:"gt=0"`
	MinAttachmentHeadroomMB int           `json:"min_attachment_headroom_mb" validate:"min=0"`
	SendRetries             int           `json:"send_retries" validate:"gt=0"`
	RetryDelay              time.Duration `json:"retry_delay" validate:"min=0"`
}

// DefaultLimits are the budgets used when nothing is configured.
func DefaultLimits() Limits {
	return Limits{
		MaxMessagesPerRun:       50,
		MaxExecutionTime:        55 * time.Second,
		MemoryLimitMB:           256,
		MemoryThreshold:         0.7,
		MaxAttachmentSize:       10 * 1024 * 1024,
		MaxTotalAttachmentSize:  25 * 1024 * 1024,
		MinAttachmentHeadroomMB: 50,
		SendRetries:             3,
		RetryDelay:              time.Second,
	}
}

type Config struct {
	Environment    string        `json:"environment"`
	ServerPort     string        `json:"server_port"`
	BaseURL        string        `json:"base_url" validate:"required"`
	DBDriver       string        `json:"db_driver" validate:"oneof=postgres sqlite"`
	DBHost         string        `json:"db_host"`
	DBPort         string        `json:"db_port"`
	DBUser         string        `json:"db_user"`
	DBPassword     string        `json:"-"`
	DBName         string        `json:"db_name"`
	DBSSLMode      string        `json:"db_ssl_mode"`
	DBPath         string        `json:"db_path"`
	DBMaxIdleConns int           `json:"db_max_idle_conns"`
	DBMaxOpenConns int           `json:"db_max_open_conns"`
	LogLevel       string        `json:"log_level" validate:"oneof=trace debug info warn warning error"`
	LogFormat      string        `json:"log_format" validate:"oneof=text json"`
	SentryDSN      string        `json:"-"`
	Redis          RedisConfig   `json:"redis"`
	Mail           MailConfig    `json:"mail"`
	OutboundDriver string        `json:"outbound_driver" validate:"oneof=smtp ses"`
	SES            SESConfig     `json:"ses"`
	Limits         Limits        `json:"limits"`
	PollInterval   time.Duration `json:"poll_interval"`
	LeaseTTL       time.Duration `json:"lease_ttl" validate:"gt=0"`
	RateLimitCron  int           `json:"rate_limit_cron" validate:"gt=0"`
	TempDir        string        `json:"temp_dir"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	envLoaded = godotenv.Load() == nil
}

func LoadConfig() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	AppConfig = cfg
	logConfig()
	return nil
}

// Load reads the configuration from the environment without touching
// package state.
func Load() (Config, error) {
	defaults := DefaultLimits()

	cfg := Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		BaseURL:        getEnv("BASE_URL", "http://localhost:5000/cron"),
		DBDriver:       strings.ToLower(getEnv("DB_DRIVER", "postgres")),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "listproc"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBPath:         getEnv("DB_PATH", "listproc.db"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 20),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(getEnv("LOG_FORMAT", "text")),
		SentryDSN:      getEnv("SENTRY_DSN", ""),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Mail: MailConfig{
			IMAPHost:       getEnv("IMAP_HOST", ""),
			IMAPPort:       getEnvAsInt("IMAP_PORT", 993),
			IMAPUser:       getEnv("IMAP_USER", ""),
			IMAPPassword:   getEnv("IMAP_PASSWORD", ""),
			IMAPEncryption: strings.ToUpper(getEnv("IMAP_ENCRYPTION", "SSL")),
			SMTPHost:       getEnv("SMTP_HOST", ""),
			SMTPPort:       getEnvAsInt("SMTP_PORT", 587),
			SMTPUser:       getEnv("SMTP_USER", ""),
			SMTPPassword:   getEnv("SMTP_PASSWORD", ""),
			Domains:        SplitList(getEnv("LIST_DOMAINS", "")),
			AdminEmail:     getEnv("ADMIN_EMAIL", ""),
			CronKey:        getEnv("CRON_KEY", ""),
		},
		OutboundDriver: strings.ToLower(getEnv("OUTBOUND_DRIVER", "smtp")),
		SES: SESConfig{
			Region:          getEnv("AWS_REGION", "eu-west-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		},
		Limits: Limits{
			MaxMessagesPerRun:       getEnvAsInt("MAX_MESSAGES_PER_RUN", defaults.MaxMessagesPerRun),
			MaxExecutionTime:        getEnvAsDuration("MAX_EXECUTION_TIME", defaults.MaxExecutionTime),
			MemoryLimitMB:           getEnvAsInt("MEMORY_LIMIT_MB", defaults.MemoryLimitMB),
			MemoryThreshold:         getEnvAsFloat("MEMORY_THRESHOLD", defaults.MemoryThreshold),
			MaxAttachmentSize:       int64(getEnvAsInt("MAX_ATTACHMENT_SIZE", int(defaults.MaxAttachmentSize))),
			MaxTotalAttachmentSize:  int64(getEnvAsInt("MAX_TOTAL_ATTACHMENT_SIZE", int(defaults.MaxTotalAttachmentSize))),
			MinAttachmentHeadroomMB: getEnvAsInt("MIN_ATTACHMENT_HEADROOM_MB", defaults.MinAttachmentHeadroomMB),
			SendRetries:             getEnvAsInt("SEND_RETRIES", defaults.SendRetries),
			RetryDelay:              getEnvAsDuration("RETRY_DELAY", defaults.RetryDelay),
		},
		PollInterval:  getEnvAsDuration("POLL_INTERVAL", 0),
		LeaseTTL:      getEnvAsDuration("LEASE_TTL", 2*time.Minute),
		RateLimitCron: getEnvAsInt("RATE_LIMIT_CRON", 30),
		TempDir:       getEnv("TEMP_DIR", os.TempDir()),
	}

	if err := utils.ValidateStruct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.DBDriver == "postgres" && cfg.DBPassword == "" {
		return cfg, fmt.Errorf("DB_PASSWORD is required")
	}
	if cfg.Limits.MaxAttachmentSize > cfg.Limits.MaxTotalAttachmentSize {
		return cfg, fmt.Errorf("MAX_ATTACHMENT_SIZE cannot exceed MAX_TOTAL_ATTACHMENT_SIZE")
	}
	return cfg, nil
}

func ConnectDB() error {
	db, err := OpenDB(AppConfig)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// OpenDB opens, pings and migrates the database described by cfg.
func OpenDB(cfg Config) (*gorm.DB, error) {
	logrus.WithField("driver", cfg.DBDriver).Info("Attempting to connect to database...")

	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "sqlite":
		logrus.WithField("path", cfg.DBPath).Debug("Using sqlite database")
		dialector = sqlite.Open(cfg.DBPath)
	default:
		dsn := fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			cfg.DBHost,
			cfg.DBPort,
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBName,
			cfg.DBSSLMode,
		)
		logrus.WithField("dsn", maskPassword(dsn)).Debug("Using connection string")
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get DB instance: %w", err)
	}

	if cfg.DBDriver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
		sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
		sqlDB.SetConnMaxLifetime(time.Hour)
		sqlDB.SetConnMaxIdleTime(30 * time.Minute)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	logrus.Info("Database ready")
	return db, nil
}

// MigrateDB creates or updates the list tables.
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.List{},
		&models.Subscriber{},
		&models.BlocklistEntry{},
		&models.Setting{},
	)
}

// SplitList splits a comma separated value, trimming and lower-casing items.
func SplitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		logrus.Warnf("Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

// lookupEnv is getEnv for the typed helpers, which carry their own fallback.
func lookupEnv(key string) string {
	value, _ := os.LookupEnv(key)
	return value
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := lookupEnv(key)
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := lookupEnv(key)
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := lookupEnv(key)
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

// getEnvAsDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := strings.TrimSpace(lookupEnv(key))
	if valueStr == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	logrus.WithFields(logrus.Fields{
		"environment":     AppConfig.Environment,
		"server_port":     AppConfig.ServerPort,
		"db_driver":       AppConfig.DBDriver,
		"outbound_driver": AppConfig.OutboundDriver,
		"redis":           AppConfig.Redis.Enabled,
		"max_messages":    AppConfig.Limits.MaxMessagesPerRun,
		"max_time":        AppConfig.Limits.MaxExecutionTime.String(),
		"poll_interval":   AppConfig.PollInterval.String(),
	}).Info("Loaded configuration")
}
