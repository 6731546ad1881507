package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	SecretKey []byte

	Database  DatabaseConfig
	Redis     RedisConfig
	CORS      CORSConfig
	Log       LogConfig
	Admin     AdminConfig
	Relays    RelayConfig
	Provision ProvisionConfig
	Payments  PaymentsConfig
	Intake    IntakeConfig
	Bot       BotConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// AdminConfig identifies the administrative room and who may command the bot.
type AdminConfig struct {
	Room    string
	Relay   string
	Pubkeys []string
}

// RelayConfig enumerates the relay sets the bot talks to.
type RelayConfig struct {
	Indexers       []string
	DefaultInboxes []string
	BotRelays      []string
	DomainSuffix   string
	RequestTimeout time.Duration
}

// ProvisionConfig controls the per-space config document output.
type ProvisionConfig struct {
	ConfigDir string
}

// PaymentsConfig gates application creation behind a settled invoice.
type PaymentsConfig struct {
	SatsPerMonth     int64
	TrialDays        int
	WalletConnectURL string
	LookupTimeout    time.Duration
}

// IntakeConfig tunes the public submission surface.
type IntakeConfig struct {
	RequireApproval bool
	RateLimit       int
	RateWindow      time.Duration
}

// BotConfig carries the display profile published for the bot identity.
type BotConfig struct {
	Name    string
	About   string
	Picture string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var missing []string
	for _, key := range []string{"SECRET_KEY", "ADMIN_ROOM", "ADMIN_RELAY"} {
		if v.GetString(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	secret, err := hex.DecodeString(v.GetString("SECRET_KEY"))
	if err != nil || len(secret) != 32 {
		return nil, errors.New("SECRET_KEY must be 64 hex characters")
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")
	cfg.SecretKey = secret

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("REDIS_ENABLED"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Admin = AdminConfig{
		Room:    v.GetString("ADMIN_ROOM"),
		Relay:   v.GetString("ADMIN_RELAY"),
		Pubkeys: splitAndTrim(v.GetString("ADMIN_PUBKEYS")),
	}

	cfg.Relays = RelayConfig{
		Indexers:       splitAndTrim(v.GetString("INDEXER_RELAYS")),
		DefaultInboxes: splitAndTrim(v.GetString("DEFAULT_INBOX_RELAYS")),
		BotRelays:      splitAndTrim(v.GetString("BOT_RELAYS")),
		DomainSuffix:   v.GetString("RELAY_DOMAIN"),
		RequestTimeout: parseDuration(v.GetString("RELAY_REQUEST_TIMEOUT"), 5*time.Second),
	}

	cfg.Provision = ProvisionConfig{
		ConfigDir: v.GetString("CONFIG_DIR"),
	}

	cfg.Payments = PaymentsConfig{
		SatsPerMonth:     v.GetInt64("SATS_PER_MONTH"),
		TrialDays:        v.GetInt("TRIAL_DAYS"),
		WalletConnectURL: v.GetString("NWC_URL"),
		LookupTimeout:    parseDuration(v.GetString("NWC_LOOKUP_TIMEOUT"), 10*time.Second),
	}

	cfg.Intake = IntakeConfig{
		RequireApproval: v.GetBool("REQUIRE_APPROVAL"),
		RateLimit:       v.GetInt("INTAKE_RATE_LIMIT"),
		RateWindow:      parseDuration(v.GetString("INTAKE_RATE_WINDOW"), 5*time.Minute),
	}

	cfg.Bot = BotConfig{
		Name:    v.GetString("BOT_NAME"),
		About:   v.GetString("BOT_ABOUT"),
		Picture: v.GetString("BOT_PICTURE"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "space_intake")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ADMIN_PUBKEYS", "")

	v.SetDefault("INDEXER_RELAYS", "wss://purplepag.es/,wss://indexer.coracle.social/")
	v.SetDefault("DEFAULT_INBOX_RELAYS", "wss://auth.nostr1.com/,wss://inbox.nostr.wine/")
	v.SetDefault("BOT_RELAYS", "")
	v.SetDefault("RELAY_DOMAIN", "")
	v.SetDefault("RELAY_REQUEST_TIMEOUT", "5s")

	v.SetDefault("CONFIG_DIR", "./spaces")

	v.SetDefault("SATS_PER_MONTH", 0)
	v.SetDefault("TRIAL_DAYS", 0)
	v.SetDefault("NWC_URL", "")
	v.SetDefault("NWC_LOOKUP_TIMEOUT", "10s")

	v.SetDefault("REQUIRE_APPROVAL", true)
	v.SetDefault("INTAKE_RATE_LIMIT", 30)
	v.SetDefault("INTAKE_RATE_WINDOW", "5m")

	v.SetDefault("BOT_NAME", "Application Bot")
	v.SetDefault("BOT_ABOUT", "")
	v.SetDefault("BOT_PICTURE", "")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
