package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "dev", cfg.AppEnv)
	require.True(t, cfg.IsDev())
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "sqlite", cfg.DBEngine)
	require.Equal(t, 120*time.Second, cfg.UpstreamTimeout)
	require.False(t, cfg.MasterKeyEnabled())

	st := cfg.SeedSettings()
	require.Equal(t, 10, st.TargetRotationRequestCount)
	require.Equal(t, 5, st.MaxFailureCount)
	require.Equal(t, 60, st.RateLimitCooldownSeconds)
	require.Equal(t, 3, st.MaxRetries)
	require.Equal(t, 2, st.FailoverDelaySeconds)
	require.Equal(t, 30, st.LogRetentionDays)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("MASTER_API_KEY", "sk-test")
	t.Setenv("DB_ENGINE", "postgres")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092,broker-2:9092")
	t.Setenv("MAX_RETRIES", "5")

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.IsProd())
	require.True(t, cfg.MasterKeyEnabled())
	require.Equal(t, "postgres", cfg.DBEngine)
	require.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 5, cfg.SeedSettings().MaxRetries)
}

func TestLoadRejectsUnknownEngine(t *testing.T) {
	t.Setenv("DB_ENGINE", "mongodb")
	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "DB_ENGINE")
}

func TestLoadRejectsSettingsOutOfRange(t *testing.T) {
	t.Setenv("RATE_LIMIT_COOLDOWN_SECONDS", "5")
	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "settings out of range")
}

func TestLoadTargetsFile(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "sa.json")
	require.NoError(t, os.WriteFile(keyPath, []byte(`{"client_email":"x"}`), 0o600))

	path := filepath.Join(dir, "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
targets:
  - name: pool-a
    project_id: proj-a
    location: us-central1
    service_account_key: '{"inline":true}'
    daily_rate_limit: 500
  - project_id: proj-b
    location: europe-west4
    service_account_key: '{"inline":true}'
    service_account_key_file: `+keyPath+`
`), 0o600))

	specs, err := LoadTargetsFile(path)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	require.Equal(t, "pool-a", specs[0].Name)
	require.Equal(t, "proj-a", specs[0].ProjectID)
	require.Equal(t, `{"inline":true}`, specs[0].ServiceAccountKeyJSON)
	require.Equal(t, 500, *specs[0].DailyRateLimit)
	// The key file wins over the inline key.
	require.Equal(t, `{"client_email":"x"}`, specs[1].ServiceAccountKeyJSON)
}

func TestLoadTargetsFileRequiresBindingFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
targets:
  - name: incomplete
    location: us-central1
    service_account_key: '{}'
`), 0o600))

	_, err := LoadTargetsFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "project_id and location are required")
}

func TestLoadTargetsFileRequiresKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
targets:
  - project_id: p
    location: l
`), 0o600))

	_, err := LoadTargetsFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "service account key is required")
}
