package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix               = "COMMENTFEED"
	defaultHTTPAddress      = "0.0.0.0:3102"
	defaultDatabasePath     = "commentfeed.db"
	defaultLogLevel         = "info"
	defaultAccessTTL        = time.Hour
	defaultRefreshTTL       = 168 * time.Hour
	defaultBcryptCost       = 10
	defaultOutboxSize       = 64
	defaultRecoveryWindow   = 2 * time.Minute
	defaultJournalSize      = 512
	defaultMostLikedScope   = "broadcast"
	minBcryptCost           = 4
	maxBcryptCost           = 31
	mostLikedScopeRequester = "requester"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabasePath   string
	LogLevel       string

	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	BcryptCost    int
	SecureCookies bool

	OutboxSize     int
	RecoveryWindow time.Duration
	JournalSize    int
	MostLikedScope string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", "")
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.access_ttl", defaultAccessTTL)
	configViper.SetDefault("auth.refresh_ttl", defaultRefreshTTL)
	configViper.SetDefault("auth.bcrypt_cost", defaultBcryptCost)
	configViper.SetDefault("auth.secure_cookies", false)
	configViper.SetDefault("feed.outbox_size", defaultOutboxSize)
	configViper.SetDefault("feed.recovery_window", defaultRecoveryWindow)
	configViper.SetDefault("feed.journal_size", defaultJournalSize)
	configViper.SetDefault("feed.most_liked_scope", defaultMostLikedScope)
}

// LoadDotEnv exports variables from the given .env files into the process
// environment. Missing files are skipped; existing variables win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		AccessSecret:   configViper.GetString("auth.access_secret"),
		RefreshSecret:  configViper.GetString("auth.refresh_secret"),
		AccessTTL:      configViper.GetDuration("auth.access_ttl"),
		RefreshTTL:     configViper.GetDuration("auth.refresh_ttl"),
		BcryptCost:     configViper.GetInt("auth.bcrypt_cost"),
		SecureCookies:  configViper.GetBool("auth.secure_cookies"),
		OutboxSize:     configViper.GetInt("feed.outbox_size"),
		RecoveryWindow: configViper.GetDuration("feed.recovery_window"),
		JournalSize:    configViper.GetInt("feed.journal_size"),
		MostLikedScope: strings.ToLower(strings.TrimSpace(configViper.GetString("feed.most_liked_scope"))),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AccessSecret) == "" {
		return fmt.Errorf("auth.access_secret is required")
	}
	if strings.TrimSpace(c.RefreshSecret) == "" {
		return fmt.Errorf("auth.refresh_secret is required")
	}
	if c.AccessSecret == c.RefreshSecret {
		return fmt.Errorf("auth.access_secret and auth.refresh_secret must differ")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return fmt.Errorf("auth.access_ttl and auth.refresh_ttl must be positive")
	}
	if c.BcryptCost < minBcryptCost || c.BcryptCost > maxBcryptCost {
		return fmt.Errorf("auth.bcrypt_cost must be between %d and %d", minBcryptCost, maxBcryptCost)
	}
	if c.OutboxSize <= 0 {
		return fmt.Errorf("feed.outbox_size must be positive")
	}
	if c.JournalSize <= 0 {
		return fmt.Errorf("feed.journal_size must be positive")
	}
	if c.RecoveryWindow < 0 {
		return fmt.Errorf("feed.recovery_window must not be negative")
	}
	switch c.MostLikedScope {
	case defaultMostLikedScope, mostLikedScopeRequester:
	default:
		return fmt.Errorf("feed.most_liked_scope must be %q or %q", defaultMostLikedScope, mostLikedScopeRequester)
	}
	return nil
}

// splitList accepts both list values and comma separated strings.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
