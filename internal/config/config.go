package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone = "UTC"
	configPathEnv   = "PBX_NOTIFIER_CONFIG"
	dotenvPathEnv   = "PBX_NOTIFIER_DOTENV"

	telegramTokenEnv   = "TELEGRAM_BOT_TOKEN"
	telegramChannelEnv = "TELEGRAM_CHANNEL_ID"
	webhookHostEnv     = "WEBHOOK_HOST"
	authURLEnv         = "AUTH_URL"
	authKeyEnv         = "AUTH_KEY"
	historyURLEnv      = "HISTORY_URL"
	storageBackendEnv  = "STORAGE_BACKEND"
	databaseDSNEnv     = "DATABASE_DSN"
	dataDirEnv         = "DATA_DIR"
	logLevelEnv        = "LOG_LEVEL"
	timezoneEnv        = "TZ_NAME"
)

// Storage backends.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Telegram update transports.
const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
	ModeOff     = "off"
)

// Sentinel validation errors.
var (
	ErrMissingBotToken  = errors.New("telegram bot token is not set")
	ErrMissingChannel   = errors.New("telegram channel id is not set")
	ErrMissingPBX       = errors.New("pbx auth url, auth key and history url are required")
	ErrUnknownBackend   = errors.New("unknown storage backend")
	ErrUnknownMode      = errors.New("unknown telegram mode")
	ErrMissingWebhook   = errors.New("webhook mode requires webhook host")
	ErrInvalidIntervals = errors.New("scheduler and delivery intervals must be positive")
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	PBX       PBXConfig       `yaml:"pbx"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// LoggingConfig selects slog level, handler format and optional file sink.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// PBXConfig describes the OnlinePBX call-history API.
type PBXConfig struct {
	AuthURL         string        `yaml:"authUrl"`
	AuthKey         string        `yaml:"authKey"`
	HistoryURL      string        `yaml:"historyUrl"`
	AuthTimeout     time.Duration `yaml:"authTimeout"`
	FetchTimeout    time.Duration `yaml:"fetchTimeout"`
	DownloadTimeout time.Duration `yaml:"downloadTimeout"`
}

// TelegramConfig wires all data required to send messages and receive commands.
type TelegramConfig struct {
	BotToken    string        `yaml:"botToken"`
	ChannelID   string        `yaml:"channelId"`
	APIURL      string        `yaml:"apiUrl"`
	Mode        string        `yaml:"mode"`
	WebhookHost string        `yaml:"webhookHost"`
	PollTimeout time.Duration `yaml:"pollTimeout"`
	SendTimeout time.Duration `yaml:"sendTimeout"`
}

// StorageConfig picks where the checkpoint and delivery log live.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	DataDir string `yaml:"dataDir"`
	DSN     string `yaml:"dsn"`
}

// SchedulerConfig defines how often the unattended check runs.
type SchedulerConfig struct {
	Interval time.Duration  `yaml:"interval"`
	Timezone string         `yaml:"timezone"`
	location *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

// DeliveryConfig tunes pacing and rate-limit handling.
type DeliveryConfig struct {
	SendInterval    time.Duration `yaml:"sendInterval"`
	RateLimitMargin time.Duration `yaml:"rateLimitMargin"`
	ScratchDir      string        `yaml:"scratchDir"`
}

// HTTPConfig holds the listen address for webhook, metrics and health.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// WebhookPath is the path Telegram posts updates to.
func (t TelegramConfig) WebhookPath() string {
	return "/webhook/" + t.BotToken
}

// WebhookURL is the public URL registered with Telegram.
func (t TelegramConfig) WebhookURL() string {
	return "https://" + t.WebhookHost + t.WebhookPath()
}

// Load reads .env, YAML configuration (if present) and applies environment overrides.
func Load() Config {
	dotenv := os.Getenv(dotenvPathEnv)
	if dotenv == "" {
		dotenv = ".env"
	}
	if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("config: cannot load %s: %v", dotenv, err)
	}

	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone()

	return cfg
}

// Validate reports settings the service cannot run without.
func (c Config) Validate() error {
	var errs []error
	if c.Telegram.BotToken == "" {
		errs = append(errs, ErrMissingBotToken)
	}
	if c.Telegram.ChannelID == "" {
		errs = append(errs, ErrMissingChannel)
	}
	if c.PBX.AuthURL == "" || c.PBX.AuthKey == "" || c.PBX.HistoryURL == "" {
		errs = append(errs, ErrMissingPBX)
	}
	switch c.Storage.Backend {
	case BackendFile, BackendSQLite, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownBackend, c.Storage.Backend))
	}
	switch c.Telegram.Mode {
	case ModePolling, ModeOff:
	case ModeWebhook:
		if c.Telegram.WebhookHost == "" {
			errs = append(errs, ErrMissingWebhook)
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownMode, c.Telegram.Mode))
	}
	if c.Scheduler.Interval <= 0 || c.Delivery.SendInterval < 0 {
		errs = append(errs, ErrInvalidIntervals)
	}
	return errors.Join(errs...)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv(telegramChannelEnv); v != "" {
		c.Telegram.ChannelID = v
	}
	if v := os.Getenv(webhookHostEnv); v != "" {
		c.Telegram.WebhookHost = cleanHost(v)
	}
	if v := os.Getenv(authURLEnv); v != "" {
		c.PBX.AuthURL = v
	}
	if v := os.Getenv(authKeyEnv); v != "" {
		c.PBX.AuthKey = v
	}
	if v := os.Getenv(historyURLEnv); v != "" {
		c.PBX.HistoryURL = v
	}
	if v := os.Getenv(storageBackendEnv); v != "" {
		c.Storage.Backend = strings.ToLower(v)
	}
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv(dataDirEnv); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(timezoneEnv); v != "" {
		c.Scheduler.Timezone = v
	}
}

// cleanHost strips quotes and trailing comments that sneak in from .env files.
func cleanHost(v string) string {
	if i := strings.Index(v, "#"); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(v), `'"`))
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to %s", tz, defaultTimezone)
		loc, _ = time.LoadLocation(defaultTimezone)
	}
	c.Scheduler.location = loc
}

func mergeConfig(base, override Config) Config {
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}
	if override.Logging.File != "" {
		base.Logging.File = override.Logging.File
	}

	if override.PBX.AuthURL != "" {
		base.PBX.AuthURL = override.PBX.AuthURL
	}
	if override.PBX.AuthKey != "" {
		base.PBX.AuthKey = override.PBX.AuthKey
	}
	if override.PBX.HistoryURL != "" {
		base.PBX.HistoryURL = override.PBX.HistoryURL
	}
	if override.PBX.AuthTimeout > 0 {
		base.PBX.AuthTimeout = override.PBX.AuthTimeout
	}
	if override.PBX.FetchTimeout > 0 {
		base.PBX.FetchTimeout = override.PBX.FetchTimeout
	}
	if override.PBX.DownloadTimeout > 0 {
		base.PBX.DownloadTimeout = override.PBX.DownloadTimeout
	}

	if override.Telegram.BotToken != "" {
		base.Telegram.BotToken = override.Telegram.BotToken
	}
	if override.Telegram.ChannelID != "" {
		base.Telegram.ChannelID = override.Telegram.ChannelID
	}
	if override.Telegram.APIURL != "" {
		base.Telegram.APIURL = override.Telegram.APIURL
	}
	if override.Telegram.Mode != "" {
		base.Telegram.Mode = override.Telegram.Mode
	}
	if override.Telegram.WebhookHost != "" {
		base.Telegram.WebhookHost = cleanHost(override.Telegram.WebhookHost)
	}
	if override.Telegram.PollTimeout > 0 {
		base.Telegram.PollTimeout = override.Telegram.PollTimeout
	}
	if override.Telegram.SendTimeout > 0 {
		base.Telegram.SendTimeout = override.Telegram.SendTimeout
	}

	if override.Storage.Backend != "" {
		base.Storage.Backend = strings.ToLower(override.Storage.Backend)
	}
	if override.Storage.DataDir != "" {
		base.Storage.DataDir = override.Storage.DataDir
	}
	if override.Storage.DSN != "" {
		base.Storage.DSN = override.Storage.DSN
	}

	if override.Scheduler.Interval > 0 {
		base.Scheduler.Interval = override.Scheduler.Interval
	}
	if override.Scheduler.Timezone != "" {
		base.Scheduler.Timezone = override.Scheduler.Timezone
	}

	if override.Delivery.SendInterval > 0 {
		base.Delivery.SendInterval = override.Delivery.SendInterval
	}
	if override.Delivery.RateLimitMargin > 0 {
		base.Delivery.RateLimitMargin = override.Delivery.RateLimitMargin
	}
	if override.Delivery.ScratchDir != "" {
		base.Delivery.ScratchDir = override.Delivery.ScratchDir
	}

	if override.HTTP.Listen != "" {
		base.HTTP.Listen = override.HTTP.Listen
	}

	return base
}

func defaultConfig() Config {
	tz, _ := time.LoadLocation(defaultTimezone)
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		PBX: PBXConfig{
			AuthTimeout:     30 * time.Second,
			FetchTimeout:    60 * time.Second,
			DownloadTimeout: 180 * time.Second,
		},
		Telegram: TelegramConfig{
			APIURL:      "https://api.telegram.org",
			Mode:        ModePolling,
			PollTimeout: 30 * time.Second,
			SendTimeout: 60 * time.Second,
		},
		Storage: StorageConfig{
			Backend: BackendFile,
			DataDir: "data",
		},
		Scheduler: SchedulerConfig{Interval: 5 * time.Minute, Timezone: defaultTimezone, location: tz},
		Delivery: DeliveryConfig{
			SendInterval:    time.Second,
			RateLimitMargin: time.Second,
		},
		HTTP: HTTPConfig{Listen: ":5000"},
	}
}
