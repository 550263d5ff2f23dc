package config

import (
	"testing"
	"time"
)

func TestLoad_ReportsMissingRequired(t *testing.T) {
	// Ensure a clean env by not setting anything and calling validation directly.
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "production", Port: 8080, PublicBaseURL: "https://api.example.com"},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "calls", SSLMode: ""},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret", JWTIssuer: "iss", JWTAudience: "aud"},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaultsSSLMode(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "calls", SSLMode: ""},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
}

func TestValidate_CallsDefaults(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "calls"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Calls.WebhookDeadline != 750*time.Millisecond {
		t.Fatalf("expected webhook deadline default, got %v", c.Calls.WebhookDeadline)
	}
	if c.Calls.MaxConcurrent != 5 {
		t.Fatalf("expected max concurrent default, got %d", c.Calls.MaxConcurrent)
	}
	if c.Calls.CallTimeout != 5*time.Minute {
		t.Fatalf("expected call timeout default, got %v", c.Calls.CallTimeout)
	}
}

func TestValidate_PartialTwilioRejected(t *testing.T) {
	c := Config{
		App:    AppConfig{Env: "local", Port: 8080},
		DB:     DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "calls"},
		Redis:  RedisConfig{Host: "localhost", Port: 6379},
		Auth:   AuthConfig{JWTSecret: "secret"},
		Twilio: TwilioConfig{AccountSID: "AC123"},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for partial Twilio config")
	}
}

func TestValidate_SignatureToggleRequiresCredentials(t *testing.T) {
	c := Config{
		App:    AppConfig{Env: "local", Port: 8080},
		DB:     DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "calls"},
		Redis:  RedisConfig{Host: "localhost", Port: 6379},
		Auth:   AuthConfig{JWTSecret: "secret"},
		Twilio: TwilioConfig{ValidateSignature: true},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for signature validation without credentials")
	}

	c.Twilio = TwilioConfig{
		AccountSID: "AC123", AuthToken: "tok", FromNumber: "+15550000",
		ValidateSignature: true,
	}
	c.App.PublicBaseURL = "https://api.example.com"
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestIsTruthy(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", "yes", "on"} {
		if !isTruthy(v) {
			t.Fatalf("expected %q truthy", v)
		}
	}
	for _, v := range []string{"", "0", "false", "off", "nope"} {
		if isTruthy(v) {
			t.Fatalf("expected %q falsy", v)
		}
	}
}
