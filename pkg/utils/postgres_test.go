package utils

import (
	"testing"
	"time"
)

func TestPostgresPoolConfigDefaults(t *testing.T) {
	got := PostgresPoolConfig{}.withDefaults()
	if got.MaxOpenConns != 25 || got.MaxIdleConns != 25 {
		t.Fatalf("unexpected pool sizes: %+v", got)
	}
	if got.ConnMaxLifetime != 30*time.Minute || got.PingTimeout != 5*time.Second {
		t.Fatalf("unexpected durations: %+v", got)
	}
}

func TestPostgresPoolConfigExplicitValuesKept(t *testing.T) {
	in := PostgresPoolConfig{MaxOpenConns: 5, PingTimeout: time.Second}
	got := in.withDefaults()
	if got.MaxOpenConns != 5 || got.PingTimeout != time.Second {
		t.Fatalf("explicit values overridden: %+v", got)
	}
}
