package config

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config is read from the process environment after .env has been applied.
type Config struct {
	LogLevel      string `env:"LEDGER_LOG_LEVEL" envDefault:"INFO"`
	LogFile       string `env:"LOG_FILE" envDefault:"group_ledger.log"`
	MaxLogSizeMB  int64  `env:"MAX_LOG_SIZE_MB" envDefault:"10"`
	MaxLogBackups int    `env:"MAX_LOG_BACKUPS" envDefault:"3"`

	HTTPAddr      string `env:"HTTP_ADDR" envDefault:":8080"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`

	TelegramToken        string  `env:"TELEGRAM_BOT_TOKEN"`
	TelegramAPIURL       string  `env:"TELEGRAM_API_URL" envDefault:"https://api.telegram.org"`
	TelegramAllowedChats []int64 `env:"TELEGRAM_ALLOWED_CHATS" envSeparator:","`

	DatabaseURL  string   `env:"DATABASE_URL"`
	StateDir     string   `env:"STATE_DIR" envDefault:"data"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"ledger-events"`

	VoteTTL            time.Duration `env:"VOTE_TTL" envDefault:"24h"`
	MinQuorum          int           `env:"MIN_QUORUM" envDefault:"2"`
	RejectExtraVotes   int           `env:"REJECT_EXTRA_VOTES" envDefault:"0"`
	DefaultMemberCount int           `env:"DEFAULT_MEMBER_COUNT" envDefault:"3"`
	LotSize            int64         `env:"LOT_SIZE" envDefault:"1000"`
	RequireUnitMarker  bool          `env:"REQUIRE_UNIT_MARKER" envDefault:"false"`
	ReplyLimit         int           `env:"REPLY_LIMIT" envDefault:"5000"`

	PriceCacheTTL time.Duration `env:"PRICE_CACHE_TTL" envDefault:"60s"`
	DirectoryTTL  time.Duration `env:"DIRECTORY_TTL" envDefault:"24h"`
	TWSEEnabled   bool          `env:"TWSE_ENABLED" envDefault:"true"`

	AlpacaKeyID     string `env:"APCA_API_KEY_ID"`
	AlpacaSecretKey string `env:"APCA_API_SECRET_KEY"`
	AlpacaBaseURL   string `env:"APCA_API_BASE_URL"`
}

// secretVars are masked when the .env file is echoed.
var secretVars = map[string]bool{
	"TELEGRAM_BOT_TOKEN":  true,
	"WEBHOOK_SECRET":      true,
	"DATABASE_URL":        true,
	"APCA_API_KEY_ID":     true,
	"APCA_API_SECRET_KEY": true,
}

var logLevels = map[string]bool{"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true}

// Load applies the given .env files (default ".env"), parses the environment
// and validates the result.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		log.Println("Warning: No .env file found, using system environment variables")
	}

	cfg, err := Parse()
	if err != nil {
		return nil, err
	}

	if envMap, err := godotenv.Read(files...); err == nil {
		log.Println("--- .env File Variables ---")
		for _, line := range maskedLines(envMap) {
			log.Println(line)
		}
		log.Println("---------------------------")
	}
	return cfg, nil
}

// Parse reads the process environment only.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	cfg.LogLevel = strings.ToUpper(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(logLevels[strings.ToUpper(c.LogLevel)], "LEDGER_LOG_LEVEL: unknown level %q", c.LogLevel)
	check(c.MaxLogSizeMB > 0, "MAX_LOG_SIZE_MB must be positive, got %d", c.MaxLogSizeMB)
	check(c.MaxLogBackups >= 0, "MAX_LOG_BACKUPS must not be negative, got %d", c.MaxLogBackups)
	check(c.VoteTTL > 0, "VOTE_TTL must be positive, got %s", c.VoteTTL)
	check(c.MinQuorum >= 1, "MIN_QUORUM must be at least 1, got %d", c.MinQuorum)
	check(c.RejectExtraVotes >= 0, "REJECT_EXTRA_VOTES must not be negative, got %d", c.RejectExtraVotes)
	check(c.DefaultMemberCount >= 1, "DEFAULT_MEMBER_COUNT must be at least 1, got %d", c.DefaultMemberCount)
	check(c.LotSize > 0, "LOT_SIZE must be positive, got %d", c.LotSize)
	check(c.ReplyLimit >= 0, "REPLY_LIMIT must not be negative, got %d", c.ReplyLimit)
	check(c.PriceCacheTTL >= 0, "PRICE_CACHE_TTL must not be negative, got %s", c.PriceCacheTTL)
	check(c.DirectoryTTL > 0, "DIRECTORY_TTL must be positive, got %s", c.DirectoryTTL)
	check((c.AlpacaKeyID == "") == (c.AlpacaSecretKey == ""),
		"APCA_API_KEY_ID and APCA_API_SECRET_KEY must be set together")
	if len(c.KafkaBrokers) > 0 {
		check(c.KafkaTopic != "", "KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// AlpacaEnabled reports whether Alpaca credentials were supplied.
func (c *Config) AlpacaEnabled() bool { return c.AlpacaKeyID != "" && c.AlpacaSecretKey != "" }

// Mask hides all but the last 4 characters of a secret.
func Mask(val string) string {
	if len(val) > 4 {
		return "***" + val[len(val)-4:]
	}
	return "***"
}

func maskedLines(envMap map[string]string) []string {
	keys := make([]string, 0, len(envMap))
	for k := range envMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		val := envMap[k]
		if secretVars[k] {
			val = Mask(val)
		}
		lines = append(lines, k+"="+val)
	}
	return lines
}
