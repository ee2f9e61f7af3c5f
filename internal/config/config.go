package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL        string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	HIPAAEncryptionKey string        `mapstructure:"HIPAA_ENCRYPTION_KEY"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	MFAVerifyRPS       float64       `mapstructure:"MFA_VERIFY_RPS"`
	MFAVerifyBurst     int           `mapstructure:"MFA_VERIFY_BURST"`
	MFAIssuer          string        `mapstructure:"MFA_ISSUER"`
	KafkaBrokers       []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaAuditTopic    string        `mapstructure:"KAFKA_AUDIT_TOPIC"`
	SQSAuthQueueURL    string        `mapstructure:"SQS_AUTH_QUEUE_URL"`
	SweepSchedule      string        `mapstructure:"SWEEP_SCHEDULE"`
	DeletionGrace      time.Duration `mapstructure:"DELETION_GRACE_PERIOD"`
	DeletionReminder   time.Duration `mapstructure:"DELETION_REMINDER_WINDOW"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "HIPAA_ENCRYPTION_KEY", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"MFA_VERIFY_RPS", "MFA_VERIFY_BURST", "MFA_ISSUER",
	"KAFKA_BROKERS", "KAFKA_AUDIT_TOPIC", "SQS_AUTH_QUEUE_URL",
	"SWEEP_SCHEDULE", "DELETION_GRACE_PERIOD", "DELETION_REMINDER_WINDOW",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("MFA_VERIFY_RPS", 0.2)
	v.SetDefault("MFA_VERIFY_BURST", 5)
	v.SetDefault("MFA_ISSUER", "medvault")
	v.SetDefault("KAFKA_AUDIT_TOPIC", "medvault.audit")
	v.SetDefault("SWEEP_SCHEDULE", "0 */5 * * * *")
	v.SetDefault("DELETION_GRACE_PERIOD", "168h")
	v.SetDefault("DELETION_REMINDER_WINDOW", "24h")

	for _, k := range keys {
		v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate rejects configurations that are unsafe to serve traffic with.
// Outside development a JWT source must be configured; in production the PHI
// encryption key is mandatory.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("one of AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}

	if c.IsProduction() && c.HIPAAEncryptionKey == "" {
		return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
	}
	if c.HIPAAEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.HIPAAEncryptionKey)
		if err != nil {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	if c.DeletionGrace <= 0 {
		return fmt.Errorf("DELETION_GRACE_PERIOD must be positive, got %s", c.DeletionGrace)
	}
	if c.DeletionReminder <= 0 || c.DeletionReminder >= c.DeletionGrace {
		return fmt.Errorf("DELETION_REMINDER_WINDOW must be positive and shorter than DELETION_GRACE_PERIOD")
	}
	return nil
}

// WarnIfDev logs a banner when header-based development auth is active.
func (c *Config) WarnIfDev(logger zerolog.Logger) {
	if !c.IsDev() {
		return
	}
	logger.Warn().Msg("ENV=development: identity is taken from X-User-ID / X-User-Role headers; do not expose this server")
}
