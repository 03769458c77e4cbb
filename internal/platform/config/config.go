// Package config assembles process configuration from the environment.
package config

import (
	"elogbook/internal/blob"
	"elogbook/internal/core"
	"elogbook/internal/platform/logger"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAddr       = ":8080"
	defaultIssuer     = "elogbook"
	defaultTokenTTL   = 12 * time.Hour
	defaultKafkaTopic = "elogbook.audit"
	defaultTimeout    = 30 * time.Second
)

// Config is the full daemon configuration.
type Config struct {
	Addr           string
	RequestTimeout time.Duration
	Storage        core.StorageConfig
	Blob           blob.Config
	JWTSecret      string
	JWTIssuer      string
	TokenTTL       time.Duration
	KafkaBrokers   []string
	KafkaTopic     string
	Log            logger.Config
	BootstrapAdmin string
	BootstrapName  string
}

// Load reads the given dotenv files (".env" when none are named) without
// overriding variables already set, then returns FromEnv. Missing files are
// ignored.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv()
}

// FromEnv reads the configuration from the process environment.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:           envOr("ELOGBOOK_ADDR", defaultAddr),
		Storage:        core.StorageConfigFromEnv(),
		Blob:           blob.ConfigFromEnv(),
		JWTSecret:      os.Getenv("ELOGBOOK_JWT_SECRET"),
		JWTIssuer:      envOr("ELOGBOOK_JWT_ISSUER", defaultIssuer),
		KafkaBrokers:   splitList(os.Getenv("ELOGBOOK_KAFKA_BROKERS")),
		KafkaTopic:     envOr("ELOGBOOK_KAFKA_TOPIC", defaultKafkaTopic),
		Log:            logger.ConfigFromEnv(),
		BootstrapAdmin: strings.TrimSpace(os.Getenv("ELOGBOOK_BOOTSTRAP_ADMIN")),
		BootstrapName:  envOr("ELOGBOOK_BOOTSTRAP_NAME", "System Administrator"),
	}
	var err error
	if cfg.TokenTTL, err = durationEnv("ELOGBOOK_TOKEN_TTL", defaultTokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.RequestTimeout, err = durationEnv("ELOGBOOK_REQUEST_TIMEOUT", defaultTimeout); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks settings the daemon cannot start without.
func (c Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("ELOGBOOK_JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return errors.New("ELOGBOOK_JWT_SECRET must be at least 32 bytes")
	}
	if c.Storage.Driver == core.StoragePostgres && c.Storage.PostgresDSN == "" {
		return errors.New("ELOGBOOK_POSTGRES_DSN is required for the postgres driver")
	}
	if c.Storage.Driver == core.StorageFile && c.Storage.FileDir == "" {
		return errors.New("ELOGBOOK_FILE_DIR is required for the file driver")
	}
	return nil
}

// KafkaEnabled reports whether audit fan-out is configured.
func (c Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
