// Package config loads enforcement control plane configuration from
// environment variables, with an optional YAML profile for the fail-mode
// matrix.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisAddr   string

	// Approval token signing.
	ApprovalTokenSecret     string
	ApprovalFallbackSecrets []string

	// Export signing.
	ExportSigningSecret string
	ExportSigningKID    string
	ExportArchiveBucket string

	// Gate behavior.
	GateTimeout       time.Duration
	LockWait          time.Duration
	GlobalGatePerMin  int
	AbuseGuardEnabled bool
	TenantGatePerMin  int

	// DefaultTier is the tier assumed for every tenant until a real tenant
	// directory is wired.
	DefaultTier string

	// Fail-mode matrix overrides; empty means "use the policy document".
	ModeOverrides map[string]string

	// Observability.
	OTLPEndpoint string
	Environment  string
}

// Load reads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:                getenv("PORT", "8080"),
		LogLevel:            getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:         getenv("DATABASE_URL", "postgres://ecp@localhost:5432/ecp?sslmode=disable"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		ApprovalTokenSecret: os.Getenv("ENFORCEMENT_APPROVAL_TOKEN_SECRET"),
		ExportSigningSecret: os.Getenv("ENFORCEMENT_EXPORT_SIGNING_SECRET"),
		ExportSigningKID:    getenv("ENFORCEMENT_EXPORT_SIGNING_KID", "export-v1"),
		ExportArchiveBucket: os.Getenv("ENFORCEMENT_EXPORT_ARCHIVE_BUCKET"),
		GateTimeout:         seconds("ENFORCEMENT_GATE_TIMEOUT_SECONDS", 2),
		LockWait:            millis("ENFORCEMENT_GATE_LOCK_WAIT_MS", 500),
		GlobalGatePerMin:    intenv("ENFORCEMENT_GLOBAL_GATE_PER_MINUTE_CAP", 6000),
		AbuseGuardEnabled:   boolenv("ENFORCEMENT_GLOBAL_ABUSE_GUARD_ENABLED", true),
		TenantGatePerMin:    intenv("ENFORCEMENT_TENANT_GATE_PER_MINUTE_CAP", 600),
		DefaultTier:         getenv("ENFORCEMENT_DEFAULT_TIER", "ENTERPRISE"),
		OTLPEndpoint:        getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Environment:         getenv("DEPLOY_ENVIRONMENT", "development"),
	}

	if raw := os.Getenv("ENFORCEMENT_APPROVAL_TOKEN_FALLBACK_SECRETS"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.ApprovalFallbackSecrets = append(cfg.ApprovalFallbackSecrets, s)
			}
		}
	}

	// Per-cell mode overrides beat the policy document when set. The key set
	// mirrors the policy document's mode columns.
	cfg.ModeOverrides = map[string]string{}
	for _, key := range []string{
		"TERRAFORM_MODE_PROD", "TERRAFORM_MODE_NONPROD",
		"K8S_ADMISSION_MODE_PROD", "K8S_ADMISSION_MODE_NONPROD",
		"CLOUD_EVENT_MODE_PROD", "CLOUD_EVENT_MODE_NONPROD",
		"GENERIC_MODE_PROD", "GENERIC_MODE_NONPROD",
	} {
		if v := os.Getenv(key); v != "" {
			cfg.ModeOverrides[strings.ToLower(key)] = strings.ToUpper(v)
		}
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intenv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func boolenv(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func seconds(key string, def int) time.Duration {
	return time.Duration(intenv(key, def)) * time.Second
}

func millis(key string, def int) time.Duration {
	return time.Duration(intenv(key, def)) * time.Millisecond
}
