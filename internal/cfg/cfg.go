// Package cfg provides process configuration for the gateway.
//
// Settings that operators change at runtime (API keys, SMTP, the sender
// allow-list) live in the database, see package settings. This package only
// covers what the process needs before it can open the database.
package cfg

import (
	"os"
	"strconv"
	"time"
)

// Config holds process configuration.
type Config struct {
	// Listen is the address to listen on (e.g., ":8080").
	Listen string
	// DBURL is the database URL (SQLite path or Postgres URL).
	DBURL string
	// JWTSigningKey is the key used to sign admin JWTs. The admin API is
	// disabled while it is empty.
	JWTSigningKey []byte
	// JWTIssuer is the JWT issuer claim.
	JWTIssuer string
	// AdminTokenTTL is how long admin tokens are valid.
	AdminTokenTTL time.Duration
	// ExtractModel is the model used for field extraction.
	ExtractModel string
	// ExtractTimeout bounds a single extraction call.
	ExtractTimeout time.Duration
	// AuditRetention is how long audit entries are kept. Zero keeps them
	// forever.
	AuditRetention time.Duration
	// SeedFile is an optional YAML file of settings applied on start.
	SeedFile string
	// LogFile receives a copy of every log entry when set.
	LogFile string
	// Debug enables debug logging.
	Debug bool
	// Version is the server version string.
	Version string
}

// FromEnv creates a Config from environment variables.
func FromEnv() *Config {
	return &Config{
		Listen:         getEnv("HASHMAIL_LISTEN", ":8080"),
		DBURL:          getEnv("HASHMAIL_DB_URL", "hashmail.db"),
		JWTSigningKey:  []byte(getEnv("HASHMAIL_JWT_SIGNING_KEY", "")),
		JWTIssuer:      getEnv("HASHMAIL_JWT_ISSUER", "hashmail"),
		AdminTokenTTL:  getEnvDuration("HASHMAIL_ADMIN_TOKEN_TTL", 24*time.Hour),
		ExtractModel:   getEnv("HASHMAIL_EXTRACT_MODEL", "claude-sonnet-4-20250514"),
		ExtractTimeout: getEnvDuration("HASHMAIL_EXTRACT_TIMEOUT", 30*time.Second),
		AuditRetention: getEnvDuration("HASHMAIL_AUDIT_RETENTION", 90*24*time.Hour),
		SeedFile:       getEnv("HASHMAIL_SEED_FILE", ""),
		LogFile:        getEnv("HASHMAIL_LOG_FILE", ""),
		Debug:          getEnvBool("HASHMAIL_DEBUG", false),
		Version:        getEnv("HASHMAIL_VERSION", "0.1.0"),
	}
}

// AdminEnabled reports whether admin tokens can be issued and checked.
func (c *Config) AdminEnabled() bool {
	return len(c.JWTSigningKey) > 0
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
