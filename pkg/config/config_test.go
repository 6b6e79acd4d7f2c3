package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 2*time.Second, cfg.GateTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.LockWait)
	assert.Equal(t, 6000, cfg.GlobalGatePerMin)
	assert.Equal(t, 600, cfg.TenantGatePerMin)
	assert.True(t, cfg.AbuseGuardEnabled)
	assert.Equal(t, "ENTERPRISE", cfg.DefaultTier)
	assert.Equal(t, "export-v1", cfg.ExportSigningKID)
	assert.Empty(t, cfg.ModeOverrides)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENFORCEMENT_GATE_TIMEOUT_SECONDS", "5")
	t.Setenv("ENFORCEMENT_GLOBAL_ABUSE_GUARD_ENABLED", "false")
	t.Setenv("ENFORCEMENT_APPROVAL_TOKEN_FALLBACK_SECRETS", "old-1, old-2,")
	t.Setenv("TERRAFORM_MODE_PROD", "shadow")

	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.GateTimeout)
	assert.False(t, cfg.AbuseGuardEnabled)
	assert.Equal(t, []string{"old-1", "old-2"}, cfg.ApprovalFallbackSecrets)
	assert.Equal(t, map[string]string{"terraform_mode_prod": "SHADOW"}, cfg.ModeOverrides)
}

func TestLoadModeProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: staging
modes:
  TERRAFORM_MODE_PROD: soft
  k8s_admission_mode_nonprod: SHADOW
`), 0o600))

	cfg := &Config{ModeOverrides: map[string]string{
		"terraform_mode_prod": "HARD", // env already set; profile must not clobber it
	}}
	profile, err := LoadModeProfile(cfg, path)
	require.NoError(t, err)

	assert.Equal(t, "staging", profile.Name)
	assert.Equal(t, "HARD", cfg.ModeOverrides["terraform_mode_prod"])
	assert.Equal(t, "SHADOW", cfg.ModeOverrides["k8s_admission_mode_nonprod"])
}

func TestLoadModeProfileRejectsUnknownMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: bad\nmodes:\n  terraform_mode_prod: LOUD\n"), 0o600))

	_, err := LoadModeProfile(&Config{ModeOverrides: map[string]string{}}, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid mode")
}

func TestLoadModeProfileMissingFile(t *testing.T) {
	_, err := LoadModeProfile(&Config{ModeOverrides: map[string]string{}}, filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
