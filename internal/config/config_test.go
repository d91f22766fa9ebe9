package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "tidepool.db" {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.DefaultPageSize != 10 {
		t.Fatalf("unexpected page size %d", cfg.DefaultPageSize)
	}
	if cfg.CacheDuration != 10*time.Second {
		t.Fatalf("unexpected cache duration %s", cfg.CacheDuration)
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if cfg.CacheDisabled || cfg.BlockInboundByDefault || cfg.BlockPreByDefault || cfg.BlockPostByDefault {
		t.Fatal("expected permissive defaults")
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	if _, err := Load(NewViper()); err == nil {
		t.Fatal("expected missing signing secret rejected")
	}
}

func TestLoadOverrides(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")
	configViper.Set("crud.cache_duration_ms", 2500)
	configViper.Set("crud.cache_disabled", true)
	configViper.Set("crud.block_pre_by_default", true)

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CacheDuration != 2500*time.Millisecond {
		t.Fatalf("unexpected cache duration %s", cfg.CacheDuration)
	}
	if !cfg.CacheDisabled || !cfg.BlockPreByDefault {
		t.Fatal("expected overrides applied")
	}
}

func TestLoadRejectsNonPositivePageSize(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")
	configViper.Set("crud.default_page_size", 0)

	if _, err := Load(configViper); err == nil {
		t.Fatal("expected zero page size rejected")
	}
}
