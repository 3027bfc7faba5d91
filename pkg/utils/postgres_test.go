package utils

import (
	"testing"
	"time"
)

func TestPostgresPoolConfig_Defaults(t *testing.T) {
	cfg := PostgresPoolConfig{}.withDefaults()
	if cfg.MaxOpenConns != 25 || cfg.MaxIdleConns != 25 {
		t.Fatalf("unexpected pool defaults: %+v", cfg)
	}
	if cfg.PingTimeout != 5*time.Second {
		t.Fatalf("unexpected ping timeout: %v", cfg.PingTimeout)
	}
}

func TestPostgresPoolConfig_KeepsExplicitValues(t *testing.T) {
	cfg := PostgresPoolConfig{MaxOpenConns: 5, ConnMaxLifetime: time.Minute}.withDefaults()
	if cfg.MaxOpenConns != 5 {
		t.Fatalf("explicit MaxOpenConns overwritten: %d", cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime != time.Minute {
		t.Fatalf("explicit ConnMaxLifetime overwritten: %v", cfg.ConnMaxLifetime)
	}
}
