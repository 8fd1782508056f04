// Package config loads worker settings from flags, environment and an optional file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment key, e.g. MAILSYNC_DATABASE_URL.
const EnvPrefix = "MAILSYNC"

type Config struct {
	HTTP       HTTPConfig
	Database   DatabaseConfig
	Encryption EncryptionConfig
	Google     OAuthClient
	Microsoft  OAuthClient
	IMAP       IMAPConfig
	JWKS       JWKSConfig
	NATS       NATSConfig
	Sync       SyncConfig
	Dispatch   DispatchConfig
	Log        LogConfig
}

type EncryptionConfig struct {
	// Key seals stored secrets; hex or base64 of 32 bytes, or a passphrase.
	Key string
}

type HTTPConfig struct {
	Addr string
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string
	URL    string
	Path   string
}

type OAuthClient struct {
	ClientID     string
	ClientSecret string
	Tenant       string
}

type IMAPConfig struct {
	RelayURL    string
	RelaySecret string
	DialTimeout time.Duration
}

type JWKSConfig struct {
	URL      string
	Audience string
	Refresh  time.Duration
}

type NATSConfig struct {
	URL     string
	Durable string
}

type SyncConfig struct {
	RunTimeout time.Duration
	MaxPages   int
	PageSize   int
}

type DispatchConfig struct {
	Schedule string
}

type LogConfig struct {
	Level  string
	Format string
}

// SetDefaults registers every key so AutomaticEnv can resolve it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "")
	v.SetDefault("database.path", "data/mailsync.db")
	v.SetDefault("encryption.key", "")
	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
	v.SetDefault("microsoft.client_id", "")
	v.SetDefault("microsoft.client_secret", "")
	v.SetDefault("microsoft.tenant", "common")
	v.SetDefault("imap.relay_url", "")
	v.SetDefault("imap.relay_secret", "")
	v.SetDefault("imap.dial_timeout", 15*time.Second)
	v.SetDefault("jwks.url", "")
	v.SetDefault("jwks.audience", "")
	v.SetDefault("jwks.refresh", 15*time.Minute)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.durable", "mailsync-worker")
	v.SetDefault("sync.run_timeout", 2*time.Minute)
	v.SetDefault("sync.max_pages", 10)
	v.SetDefault("sync.page_size", 100)
	v.SetDefault("dispatch.schedule", "*/15 * * * *")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadDotEnv reads .env style files into the process environment. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load resolves the configuration from v. configFile is optional.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		HTTP:       HTTPConfig{Addr: v.GetString("http.addr")},
		Encryption: EncryptionConfig{Key: v.GetString("encryption.key")},
		Database: DatabaseConfig{
			Driver: strings.ToLower(v.GetString("database.driver")),
			URL:    v.GetString("database.url"),
			Path:   v.GetString("database.path"),
		},
		Google: OAuthClient{
			ClientID:     v.GetString("google.client_id"),
			ClientSecret: v.GetString("google.client_secret"),
		},
		Microsoft: OAuthClient{
			ClientID:     v.GetString("microsoft.client_id"),
			ClientSecret: v.GetString("microsoft.client_secret"),
			Tenant:       v.GetString("microsoft.tenant"),
		},
		IMAP: IMAPConfig{
			RelayURL:    v.GetString("imap.relay_url"),
			RelaySecret: v.GetString("imap.relay_secret"),
			DialTimeout: v.GetDuration("imap.dial_timeout"),
		},
		JWKS: JWKSConfig{
			URL:      v.GetString("jwks.url"),
			Audience: v.GetString("jwks.audience"),
			Refresh:  v.GetDuration("jwks.refresh"),
		},
		NATS: NATSConfig{
			URL:     v.GetString("nats.url"),
			Durable: v.GetString("nats.durable"),
		},
		Sync: SyncConfig{
			RunTimeout: v.GetDuration("sync.run_timeout"),
			MaxPages:   v.GetInt("sync.max_pages"),
			PageSize:   v.GetInt("sync.page_size"),
		},
		Dispatch: DispatchConfig{Schedule: v.GetString("dispatch.schedule")},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late inside a run.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres driver")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if c.IMAP.RelayURL != "" && c.IMAP.RelaySecret == "" {
		return errors.New("imap.relay_secret is required when imap.relay_url is set")
	}
	if c.Sync.MaxPages <= 0 || c.Sync.PageSize <= 0 {
		return errors.New("sync.max_pages and sync.page_size must be positive")
	}
	return nil
}
