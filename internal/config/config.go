// Package config loads the worker's settings from the environment (and an
// optional .env file).
package config

import (
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is every setting the worker reads at startup.
type Config struct {
	WorkerID  string
	Port      int
	LogLevel  string
	LogPretty bool

	DBDriver    string
	DBDSN       string
	SessionsDir string
	QRDir       string
	DeviceSeed  string

	ProxyCountry string
	Proxy        ProxyConfig
	ProxyList    string

	ChallengeTimeout  time.Duration
	ReadyTimeout      time.Duration
	EnrichDelay       time.Duration
	ReconnectBase     time.Duration
	ReconnectMaxDelay time.Duration
	ReconnectAttempts int
	ProbeTimeout      time.Duration
	SendTimeout       time.Duration

	MaxAttempts   int
	RetryDelay    time.Duration
	MessageDelay  time.Duration
	MessageJitter time.Duration
	VaryText      bool

	BatchSize           int
	BatchDelay          time.Duration
	CampaignMaxDuration time.Duration
	ProgressEvery       int

	TelegramToken  string
	TelegramChatID int64
}

var defaults = map[string]any{
	"WORKER_ID":             "worker-1",
	"WORKER_PORT":           3001,
	"LOG_LEVEL":             "info",
	"LOG_PRETTY":            false,
	"DB_DRIVER":             "sqlite3",
	"DB_DSN":                "file:./data/worker.db?_foreign_keys=on",
	"SESSIONS_DIR":          "./sessions",
	"QR_DIR":                "./qrcodes",
	"PROXY_TYPE":            "socks5",
	"CHALLENGE_TIMEOUT":     "60s",
	"READY_TIMEOUT":         "45s",
	"ENRICH_DELAY":          "10s",
	"RECONNECT_BASE":        "5s",
	"RECONNECT_MAX_DELAY":   "2m",
	"RECONNECT_ATTEMPTS":    5,
	"PROBE_TIMEOUT":         "5s",
	"SEND_TIMEOUT":          "30s",
	"MAX_ATTEMPTS":          3,
	"RETRY_DELAY":           "5s",
	"MESSAGE_DELAY":         "3s",
	"MESSAGE_JITTER":        "0s",
	"VARY_TEXT":             false,
	"BATCH_SIZE":            50,
	"BATCH_DELAY":           "5m",
	"CAMPAIGN_MAX_DURATION": "6h",
	"PROGRESS_EVERY":        10,
	"TELEGRAM_CHAT_ID":      0,
}

// New returns a viper instance reading the worker's environment keys.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	for _, k := range []string{"DEVICE_SEED", "PROXY_COUNTRY", "PROXY_HOST", "PROXY_PORT",
		"PROXY_USER", "PROXY_PASS", "PROXY_LIST", "TELEGRAM_TOKEN"} {
		_ = v.BindEnv(k)
	}
	return v
}

// LoadEnvFile loads a .env file into the process environment. A missing
// default file is not an error; a missing explicit file is.
func LoadEnvFile(path string) error {
	if path == "" {
		_ = godotenv.Load()
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return errors.Wrapf(err, "load env file %s", path)
	}
	return nil
}

// Load reads and validates the configuration from v.
func Load(v *viper.Viper) (*Config, error) {
	c := &Config{
		WorkerID:  v.GetString("WORKER_ID"),
		Port:      v.GetInt("WORKER_PORT"),
		LogLevel:  v.GetString("LOG_LEVEL"),
		LogPretty: v.GetBool("LOG_PRETTY"),

		DBDriver:    strings.ToLower(v.GetString("DB_DRIVER")),
		DBDSN:       v.GetString("DB_DSN"),
		SessionsDir: v.GetString("SESSIONS_DIR"),
		QRDir:       v.GetString("QR_DIR"),
		DeviceSeed:  v.GetString("DEVICE_SEED"),

		ProxyCountry: v.GetString("PROXY_COUNTRY"),
		Proxy: ProxyConfig{
			Host: v.GetString("PROXY_HOST"),
			Port: v.GetString("PROXY_PORT"),
			User: v.GetString("PROXY_USER"),
			Pass: v.GetString("PROXY_PASS"),
			Type: v.GetString("PROXY_TYPE"),
		},
		ProxyList: v.GetString("PROXY_LIST"),

		ChallengeTimeout:  v.GetDuration("CHALLENGE_TIMEOUT"),
		ReadyTimeout:      v.GetDuration("READY_TIMEOUT"),
		EnrichDelay:       v.GetDuration("ENRICH_DELAY"),
		ReconnectBase:     v.GetDuration("RECONNECT_BASE"),
		ReconnectMaxDelay: v.GetDuration("RECONNECT_MAX_DELAY"),
		ReconnectAttempts: v.GetInt("RECONNECT_ATTEMPTS"),
		ProbeTimeout:      v.GetDuration("PROBE_TIMEOUT"),
		SendTimeout:       v.GetDuration("SEND_TIMEOUT"),

		MaxAttempts:   v.GetInt("MAX_ATTEMPTS"),
		RetryDelay:    v.GetDuration("RETRY_DELAY"),
		MessageDelay:  v.GetDuration("MESSAGE_DELAY"),
		MessageJitter: v.GetDuration("MESSAGE_JITTER"),
		VaryText:      v.GetBool("VARY_TEXT"),

		BatchSize:           v.GetInt("BATCH_SIZE"),
		BatchDelay:          v.GetDuration("BATCH_DELAY"),
		CampaignMaxDuration: v.GetDuration("CAMPAIGN_MAX_DURATION"),
		ProgressEvery:       v.GetInt("PROGRESS_EVERY"),

		TelegramToken:  v.GetString("TELEGRAM_TOKEN"),
		TelegramChatID: v.GetInt64("TELEGRAM_CHAT_ID"),
	}
	c.Proxy.Enabled = c.Proxy.Host != ""
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return c, nil
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	nonNegative := validation.Min(time.Duration(0))
	return validation.ValidateStruct(c,
		validation.Field(&c.WorkerID, validation.Required),
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.DBDriver, validation.Required, validation.In("sqlite3", "postgres")),
		validation.Field(&c.DBDSN, validation.Required),
		validation.Field(&c.SessionsDir, validation.Required),
		validation.Field(&c.QRDir, validation.Required),
		validation.Field(&c.Proxy),
		validation.Field(&c.ChallengeTimeout, validation.Required, nonNegative),
		validation.Field(&c.ReadyTimeout, validation.Required, nonNegative),
		validation.Field(&c.EnrichDelay, nonNegative),
		validation.Field(&c.ReconnectBase, validation.Required, nonNegative),
		validation.Field(&c.ReconnectMaxDelay, validation.Required, validation.Min(c.ReconnectBase)),
		validation.Field(&c.ReconnectAttempts, validation.Required, validation.Min(1)),
		validation.Field(&c.ProbeTimeout, validation.Required, nonNegative),
		validation.Field(&c.SendTimeout, validation.Required, nonNegative),
		validation.Field(&c.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&c.RetryDelay, nonNegative),
		validation.Field(&c.MessageDelay, nonNegative),
		validation.Field(&c.MessageJitter, nonNegative),
		validation.Field(&c.BatchSize, validation.Required, validation.Min(1)),
		validation.Field(&c.BatchDelay, nonNegative),
		validation.Field(&c.CampaignMaxDuration, validation.Required, nonNegative),
		validation.Field(&c.ProgressEvery, validation.Required, validation.Min(1)),
		validation.Field(&c.TelegramChatID, validation.When(c.TelegramToken != "", validation.Required)),
	)
}

// TelegramEnabled reports whether operator alerts are configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}
