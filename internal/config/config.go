// Package config loads psyduckd configuration from psyduckd.yaml with
// PSYDUCKD_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Redis holds staging-store connection settings.
type Redis struct {
	Host          string `mapstructure:"redis_host"`
	Port          int    `mapstructure:"redis_port"`
	DB            int    `mapstructure:"redis_db"`
	Password      string `mapstructure:"redis_password"`
	PoolSize      int    `mapstructure:"redis_pool_size"`
	RetryAttempts int    `mapstructure:"redis_retry_attempts"`
	RetryDelayMS  int    `mapstructure:"redis_retry_delay_ms"`
}

// DB holds relational-store connection settings. The same shape serves the
// primary store and the upstream scanner database the pokestop refresher
// queries.
type DB struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	Name            string `mapstructure:"name"`
	PoolMin         int    `mapstructure:"pool_min"`
	PoolMax         int    `mapstructure:"pool_max"`
	ConnectTimeout  int    `mapstructure:"connect_timeout"`
	PoolRecycleSec  int    `mapstructure:"pool_recycle_sec"`
	RetryConnection int    `mapstructure:"retry_connection"`
	RetryDelaySec   int    `mapstructure:"retry_delay_sec"`
}

// Buffer holds the flush cadence and immediate-drain threshold for one
// staging buffer.
type Buffer struct {
	Enabled       bool `mapstructure:"enabled"`
	FlushInterval int  `mapstructure:"flush_interval"`
	MaxThreshold  int  `mapstructure:"max_threshold"`
}

// Retention holds the cleaner's keep windows. Values <= 0 disable the job.
type Retention struct {
	PokemonDays    int `mapstructure:"clean_pokemon_older_than_x_days"`
	RaidDays       int `mapstructure:"clean_raid_older_than_x_days"`
	QuestDays      int `mapstructure:"clean_quest_older_than_x_days"`
	InvasionDays   int `mapstructure:"clean_invasion_older_than_x_days"`
	PokemonMonths  int `mapstructure:"clean_pokemon_older_than_x_months"`
	RaidMonths     int `mapstructure:"clean_raid_older_than_x_months"`
	InvasionMonths int `mapstructure:"clean_invasion_older_than_x_months"`
	ShinyMonths    int `mapstructure:"clean_shiny_older_than_x_months"`
}

// Koji holds the upstream geofence API settings.
type Koji struct {
	URL                string `mapstructure:"koji_url"`
	BearerToken        string `mapstructure:"koji_bearer_token"`
	RefreshSeconds     int    `mapstructure:"geofence_refresh_cache_seconds"`
	ExpireCacheSeconds int    `mapstructure:"geofence_expire_cache_seconds"`
}

// Config is the full psyduckd configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	WebhookListen string `mapstructure:"webhook_listen"`
	WebhookToken  string `mapstructure:"webhook_token"`

	WorkerCount      int `mapstructure:"worker_count"`
	LeaderLockTTLSec int `mapstructure:"leader_lock_ttl_seconds"`

	Redis Redis `mapstructure:",squash"`
	DB    DB    `mapstructure:"db"`
	// ScannerDB is the upstream pokestop source queried with ST_CONTAINS.
	ScannerDB DB `mapstructure:"scanner_db"`

	PokemonIV  Buffer `mapstructure:"pokemon_iv"`
	ShinyRates Buffer `mapstructure:"shiny_rates"`
	Raids      Buffer `mapstructure:"raids"`
	Quests     Buffer `mapstructure:"quests"`
	Invasions  Buffer `mapstructure:"invasions"`

	Retention Retention `mapstructure:",squash"`
	Koji      Koji      `mapstructure:",squash"`

	PokestopRefreshIntervalSec int `mapstructure:"pokestop_refresh_interval_seconds"`
	PokestopCacheExpirySec     int `mapstructure:"pokestop_cache_expiry_seconds"`

	PartitionDaysBack      int `mapstructure:"partition_days_back"`
	PartitionDaysForward   int `mapstructure:"partition_days_forward"`
	PartitionMonthsBack    int `mapstructure:"partition_months_back"`
	PartitionMonthsForward int `mapstructure:"partition_months_forward"`
}

// LeaderLockTTL returns the election lock TTL as a duration.
func (c *Config) LeaderLockTTL() time.Duration {
	return time.Duration(c.LeaderLockTTLSec) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("webhook_listen", ":9001")
	v.SetDefault("worker_count", 1)
	v.SetDefault("leader_lock_ttl_seconds", 30)

	v.SetDefault("redis_host", "127.0.0.1")
	v.SetDefault("redis_port", 6379)
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_pool_size", 20)
	v.SetDefault("redis_retry_attempts", 3)
	v.SetDefault("redis_retry_delay_ms", 300)

	for _, prefix := range []string{"db", "scanner_db"} {
		v.SetDefault(prefix+".host", "127.0.0.1")
		v.SetDefault(prefix+".port", 3306)
		v.SetDefault(prefix+".pool_min", 1)
		v.SetDefault(prefix+".pool_max", 10)
		v.SetDefault(prefix+".connect_timeout", 10)
		v.SetDefault(prefix+".pool_recycle_sec", 1800)
		v.SetDefault(prefix+".retry_connection", 5)
		v.SetDefault(prefix+".retry_delay_sec", 5)
	}

	for _, prefix := range []string{"pokemon_iv", "shiny_rates", "raids", "quests", "invasions"} {
		v.SetDefault(prefix+".enabled", true)
		v.SetDefault(prefix+".flush_interval", 60)
		v.SetDefault(prefix+".max_threshold", 10000)
	}

	v.SetDefault("clean_pokemon_older_than_x_days", 30)
	v.SetDefault("clean_raid_older_than_x_days", 30)
	v.SetDefault("clean_quest_older_than_x_days", 30)
	v.SetDefault("clean_invasion_older_than_x_days", 30)
	v.SetDefault("clean_pokemon_older_than_x_months", 12)
	v.SetDefault("clean_raid_older_than_x_months", 12)
	v.SetDefault("clean_invasion_older_than_x_months", 12)
	v.SetDefault("clean_shiny_older_than_x_months", 12)

	v.SetDefault("geofence_refresh_cache_seconds", 3600)
	v.SetDefault("geofence_expire_cache_seconds", 7200)
	v.SetDefault("pokestop_refresh_interval_seconds", 3600)
	v.SetDefault("pokestop_cache_expiry_seconds", 7200)

	v.SetDefault("partition_days_back", 2)
	v.SetDefault("partition_days_forward", 30)
	v.SetDefault("partition_months_back", 1)
	v.SetDefault("partition_months_forward", 3)
}

// Load reads configuration from the given file (empty means search for
// psyduckd.yaml in the working directory) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PSYDUCKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("psyduckd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/psyduckd")
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine: defaults plus env cover every option.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	applyLegacyKeys(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// legacyKeys maps the flat option names earlier deployments used to the
// current nested keys. Set values win over file and env values for the
// target key, so a legacy name in the file or environment still applies.
var legacyKeys = map[string]string{
	"store_sql_pokemon_aggregation":  "pokemon_iv.enabled",
	"store_sql_shiny_aggregation":    "shiny_rates.enabled",
	"store_sql_raid_aggregation":     "raids.enabled",
	"store_sql_quest_aggregation":    "quests.enabled",
	"store_sql_invasion_aggregation": "invasions.enabled",

	"pokemon_flush_interval":  "pokemon_iv.flush_interval",
	"pokemon_max_threshold":   "pokemon_iv.max_threshold",
	"shiny_flush_interval":    "shiny_rates.flush_interval",
	"shiny_max_threshold":     "shiny_rates.max_threshold",
	"raid_flush_interval":     "raids.flush_interval",
	"raid_max_threshold":      "raids.max_threshold",
	"quest_flush_interval":    "quests.flush_interval",
	"quest_max_threshold":     "quests.max_threshold",
	"invasion_flush_interval": "invasions.flush_interval",
	"invasion_max_threshold":  "invasions.max_threshold",

	"db_host":             "db.host",
	"db_port":             "db.port",
	"db_user":             "db.user",
	"db_password":         "db.password",
	"db_name":             "db.name",
	"db_pool_min":         "db.pool_min",
	"db_pool_max":         "db.pool_max",
	"db_connect_timeout":  "db.connect_timeout",
	"db_pool_recycle_sec": "db.pool_recycle_sec",
	"db_retry_connection": "db.retry_connection",
	"db_retry_delay_sec":  "db.retry_delay_sec",

	"uvicorn_workers": "worker_count",
}

func applyLegacyKeys(v *viper.Viper) {
	for legacy, target := range legacyKeys {
		if v.IsSet(legacy) {
			v.Set(target, v.Get(legacy))
		}
	}
}

// Validate checks settings that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if c.DB.Name == "" {
		return fmt.Errorf("config: db.name is required")
	}
	if c.DB.User == "" {
		return fmt.Errorf("config: db.user is required")
	}
	if c.LeaderLockTTLSec < 3 {
		return fmt.Errorf("config: leader_lock_ttl_seconds must be >= 3, got %d", c.LeaderLockTTLSec)
	}
	for name, b := range map[string]Buffer{
		"pokemon_iv": c.PokemonIV, "shiny_rates": c.ShinyRates,
		"raids": c.Raids, "quests": c.Quests, "invasions": c.Invasions,
	} {
		if b.Enabled && b.MaxThreshold <= 0 {
			return fmt.Errorf("config: %s.max_threshold must be positive, got %d", name, b.MaxThreshold)
		}
	}
	return nil
}
