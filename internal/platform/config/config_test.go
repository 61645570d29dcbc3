package config

import (
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		DatabaseURL:               "postgres://localhost/booking",
		MaxBodyBytes:              4096,
		RateLimitPerMinute:        60,
		DeletionGracePeriod:       30 * 24 * time.Hour,
		VerificationWindow:        72 * time.Hour,
		ArtifactTTL:               30 * 24 * time.Hour,
		RetentionPolicyTimeout:    time.Minute,
		RetentionSweepConcurrency: 1,
		ArtifactBackend:           "fs",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "zero grace period", mutate: func(c *Config) { c.DeletionGracePeriod = 0 }, wantErr: true},
		{name: "missing database", mutate: func(c *Config) { c.DatabaseURL = "" }, wantErr: true},
		{name: "negative grace period", mutate: func(c *Config) { c.DeletionGracePeriod = -time.Hour }, wantErr: true},
		{name: "zero verification window", mutate: func(c *Config) { c.VerificationWindow = 0 }, wantErr: true},
		{name: "zero policy timeout", mutate: func(c *Config) { c.RetentionPolicyTimeout = 0 }, wantErr: true},
		{name: "zero concurrency", mutate: func(c *Config) { c.RetentionSweepConcurrency = 0 }, wantErr: true},
		{name: "s3 without bucket", mutate: func(c *Config) { c.ArtifactBackend = "s3" }, wantErr: true},
		{name: "unknown backend", mutate: func(c *Config) { c.ArtifactBackend = "ftp" }, wantErr: true},
		{
			name: "production without encryption key",
			mutate: func(c *Config) {
				c.Environment = "production"
				c.JWTSecret = "secret"
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestLoadReadsDurations(t *testing.T) {
	t.Setenv("DELETION_GRACE_PERIOD", "48h")
	t.Setenv("VERIFICATION_WINDOW", "not-a-duration")
	t.Setenv("RETENTION_SWEEP_CONCURRENCY", "4")

	cfg := Load()
	if cfg.DeletionGracePeriod != 48*time.Hour {
		t.Fatalf("expected 48h grace period, got %s", cfg.DeletionGracePeriod)
	}
	if cfg.VerificationWindow != 72*time.Hour {
		t.Fatalf("expected fallback verification window, got %s", cfg.VerificationWindow)
	}
	if cfg.RetentionSweepConcurrency != 4 {
		t.Fatalf("expected concurrency 4, got %d", cfg.RetentionSweepConcurrency)
	}
}
