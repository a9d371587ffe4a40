package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "psyduckd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalConfig = `
db:
  name: psyduck
  user: psyduck
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":9001", cfg.WebhookListen)
	assert.Equal(t, 1, cfg.WorkerCount)
	assert.Equal(t, 30, cfg.LeaderLockTTLSec)

	assert.Equal(t, "127.0.0.1", cfg.Redis.Host)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, 20, cfg.Redis.PoolSize)

	assert.Equal(t, "psyduck", cfg.DB.Name)
	assert.Equal(t, "psyduck", cfg.DB.User)
	assert.Equal(t, 3306, cfg.DB.Port)
	assert.Equal(t, 10, cfg.DB.PoolMax)

	for name, b := range map[string]Buffer{
		"pokemon_iv": cfg.PokemonIV, "shiny_rates": cfg.ShinyRates,
		"raids": cfg.Raids, "quests": cfg.Quests, "invasions": cfg.Invasions,
	} {
		assert.True(t, b.Enabled, name)
		assert.Equal(t, 60, b.FlushInterval, name)
		assert.Equal(t, 10000, b.MaxThreshold, name)
	}

	assert.Equal(t, 30, cfg.Retention.RaidDays)
	assert.Equal(t, 12, cfg.Retention.ShinyMonths)
	assert.Equal(t, 2, cfg.PartitionDaysBack)
	assert.Equal(t, 30, cfg.PartitionDaysForward)
}

func TestLoadFileValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
log_level: debug
webhook_listen: ":8080"
worker_count: 4
redis_host: redis.internal
db:
  name: psyduck
  user: ingest
  password: hunter2
pokemon_iv:
  enabled: false
raids:
  flush_interval: 15
  max_threshold: 2500
clean_raid_older_than_x_days: 7
koji_url: http://koji.internal/api
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.WebhookListen)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, "hunter2", cfg.DB.Password)
	assert.False(t, cfg.PokemonIV.Enabled)
	assert.Equal(t, 15, cfg.Raids.FlushInterval)
	assert.Equal(t, 2500, cfg.Raids.MaxThreshold)
	assert.Equal(t, 7, cfg.Retention.RaidDays)
	assert.Equal(t, "http://koji.internal/api", cfg.Koji.URL)
	// Untouched buffers keep their defaults.
	assert.Equal(t, 60, cfg.Quests.FlushInterval)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("PSYDUCKD_REDIS_HOST", "redis.env")
	t.Setenv("PSYDUCKD_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, minimalConfig+"redis_host: redis.file\n"))
	require.NoError(t, err)
	assert.Equal(t, "redis.env", cfg.Redis.Host)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadLegacyFlatKeys(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
db_name: psyduck
db_user: ingest
db_host: mysql.internal
store_sql_pokemon_aggregation: false
store_sql_raid_aggregation: true
pokemon_max_threshold: 500
raid_flush_interval: 20
uvicorn_workers: 3
`))
	require.NoError(t, err)

	assert.Equal(t, "psyduck", cfg.DB.Name)
	assert.Equal(t, "ingest", cfg.DB.User)
	assert.Equal(t, "mysql.internal", cfg.DB.Host)
	assert.False(t, cfg.PokemonIV.Enabled)
	assert.True(t, cfg.Raids.Enabled)
	assert.Equal(t, 500, cfg.PokemonIV.MaxThreshold)
	assert.Equal(t, 20, cfg.Raids.FlushInterval)
	assert.Equal(t, 3, cfg.WorkerCount)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config")
}

func TestLoadRejectsMissingDatabase(t *testing.T) {
	_, err := Load(writeConfig(t, "log_level: info\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db.name")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, minimalConfig))
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.DB.User = ""
	assert.ErrorContains(t, cfg.Validate(), "db.user")

	cfg = base()
	cfg.LeaderLockTTLSec = 2
	assert.ErrorContains(t, cfg.Validate(), "leader_lock_ttl_seconds")

	cfg = base()
	cfg.Raids.MaxThreshold = 0
	assert.ErrorContains(t, cfg.Validate(), "raids.max_threshold")

	assert.NoError(t, base().Validate())
}

func TestLeaderLockTTL(t *testing.T) {
	cfg := &Config{LeaderLockTTLSec: 30}
	assert.Equal(t, "30s", cfg.LeaderLockTTL().String())
}
