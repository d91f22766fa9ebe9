// Package config loads runtime configuration from environment variables and
// flags through viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "TIDEPOOL"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "tidepool.db"
	defaultLogLevel      = "info"
	defaultTokenTTLMin   = 30
	defaultPageSize      = 10
	defaultCacheDuration = 10000
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	TokenTTL      time.Duration

	DefaultPageSize       int
	CacheDuration         time.Duration
	CacheDisabled         bool
	BlockInboundByDefault bool
	BlockPreByDefault     bool
	BlockPostByDefault    bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper
// instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMin)
	configViper.SetDefault("crud.default_page_size", defaultPageSize)
	configViper.SetDefault("crud.cache_duration_ms", defaultCacheDuration)
	configViper.SetDefault("crud.cache_disabled", false)
	configViper.SetDefault("crud.block_inbound_by_default", false)
	configViper.SetDefault("crud.block_pre_by_default", false)
	configViper.SetDefault("crud.block_post_by_default", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,

		DefaultPageSize:       configViper.GetInt("crud.default_page_size"),
		CacheDuration:         time.Duration(configViper.GetInt("crud.cache_duration_ms")) * time.Millisecond,
		CacheDisabled:         configViper.GetBool("crud.cache_disabled"),
		BlockInboundByDefault: configViper.GetBool("crud.block_inbound_by_default"),
		BlockPreByDefault:     configViper.GetBool("crud.block_pre_by_default"),
		BlockPostByDefault:    configViper.GetBool("crud.block_post_by_default"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.DefaultPageSize <= 0 {
		return fmt.Errorf("crud.default_page_size must be positive")
	}
	if c.CacheDuration <= 0 {
		return fmt.Errorf("crud.cache_duration_ms must be positive")
	}
	return nil
}
