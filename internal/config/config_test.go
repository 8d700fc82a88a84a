package config

import (
	"os"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	// Clear environment variables
	os.Unsetenv("APP_PORT")
	os.Unsetenv("DATABASE_DSN")
	os.Unsetenv("JWT_SECRET")
	os.Unsetenv("APP_ENV")
	os.Unsetenv("ACCESS_TOKEN_TTL_MINUTES")
	os.Unsetenv("REFRESH_TOKEN_TTL_DAYS")
	os.Unsetenv("S3_ENDPOINT")
	os.Unsetenv("S3_BUCKET")
	os.Unsetenv("S3_USE_SSL")

	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("Port = %s, want 8080", cfg.Port)
	}
	if cfg.Env != "dev" {
		t.Errorf("Env = %s, want dev", cfg.Env)
	}
	if cfg.JWTSecret != "dev-secret-change-me" {
		t.Errorf("JWTSecret = %s, want dev default", cfg.JWTSecret)
	}
	if cfg.AccessTokenTTLMinutes != 15 {
		t.Errorf("AccessTokenTTLMinutes = %d, want 15", cfg.AccessTokenTTLMinutes)
	}
	if cfg.RefreshTokenTTLDays != 7 {
		t.Errorf("RefreshTokenTTLDays = %d, want 7", cfg.RefreshTokenTTLDays)
	}
	if cfg.S3Endpoint != "localhost:9000" {
		t.Errorf("S3Endpoint = %s, want localhost:9000", cfg.S3Endpoint)
	}
	if cfg.S3Bucket != "vetlink" {
		t.Errorf("S3Bucket = %s, want vetlink", cfg.S3Bucket)
	}
	if cfg.S3UseSSL {
		t.Error("S3UseSSL = true, want false by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	os.Setenv("APP_PORT", "9999")
	os.Setenv("APP_ENV", "prod")
	os.Setenv("ACCESS_TOKEN_TTL_MINUTES", "30")
	os.Setenv("S3_BUCKET", "vetlink-test")
	os.Setenv("S3_USE_SSL", "true")
	defer func() {
		os.Unsetenv("APP_PORT")
		os.Unsetenv("APP_ENV")
		os.Unsetenv("ACCESS_TOKEN_TTL_MINUTES")
		os.Unsetenv("S3_BUCKET")
		os.Unsetenv("S3_USE_SSL")
	}()

	cfg := Load()

	if cfg.Port != "9999" {
		t.Errorf("Port = %s, want 9999", cfg.Port)
	}
	if cfg.Env != "prod" {
		t.Errorf("Env = %s, want prod", cfg.Env)
	}
	if cfg.AccessTokenTTLMinutes != 30 {
		t.Errorf("AccessTokenTTLMinutes = %d, want 30", cfg.AccessTokenTTLMinutes)
	}
	if cfg.S3Bucket != "vetlink-test" {
		t.Errorf("S3Bucket = %s, want vetlink-test", cfg.S3Bucket)
	}
	if !cfg.S3UseSSL {
		t.Error("S3UseSSL = false, want true")
	}
}
