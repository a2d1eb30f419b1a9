// Package config loads the storage core's environment knobs (spec.md §6)
// from defaults, a TOML file, and environment variables, in that order of
// increasing precedence — following the viper/TOML wiring eve.evalgo.org's
// cli/root.go demonstrates (config file → env vars → flags), adapted from
// YAML to TOML per this repo's config-format choice and trimmed to the
// flat key set spec.md §6 enumerates instead of eve's nested service config.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// envReplacer maps "storage.backend" to "STORAGE_BACKEND" so
// CORE_STORAGE_BACKEND overrides the storage.backend TOML key.
var envReplacer = strings.NewReplacer(".", "_")

// Scheduler bounds the scheduled-jobs executor and garbage collector,
// spec.md §6's scheduled_job_* knobs.
type Scheduler struct {
	ExecutionParallelism    int           `toml:"execution_parallelism" mapstructure:"execution_parallelism"`
	Retention               time.Duration `toml:"retention" mapstructure:"retention"`
	GarbageCollectionBatch  int           `toml:"garbage_collection_batch_size" mapstructure:"garbage_collection_batch_size"`
	GarbageCollectionPeriod time.Duration `toml:"garbage_collection_period" mapstructure:"garbage_collection_period"`
}

// Transaction bounds one transaction, spec.md §6's transaction_max_* and
// udf_executor_occ_max_retries knobs.
type Transaction struct {
	OCCMaxRetries                 int `toml:"occ_max_retries" mapstructure:"occ_max_retries"`
	MaxNumUserWrites              int `toml:"max_num_user_writes" mapstructure:"max_num_user_writes"`
	MaxReadSizeRows               int `toml:"max_read_size_rows" mapstructure:"max_read_size_rows"`
	MaxReadSizeBytes              int `toml:"max_read_size_bytes" mapstructure:"max_read_size_bytes"`
	MaxReadSetIntervals           int `toml:"max_read_set_intervals" mapstructure:"max_read_set_intervals"`
	MaxUserWriteSizeBytes         int `toml:"max_user_write_size_bytes" mapstructure:"max_user_write_size_bytes"`
	MaxNumScheduled               int `toml:"max_num_scheduled" mapstructure:"max_num_scheduled"`
	MaxScheduledTotalArgSizeBytes int `toml:"max_scheduled_total_argument_size_bytes" mapstructure:"max_scheduled_total_argument_size_bytes"`
}

// Function bounds a single function invocation, spec.md §6's
// function_max_* knobs.
type Function struct {
	MaxArgsSize   int `toml:"max_args_size" mapstructure:"max_args_size"`
	MaxResultSize int `toml:"max_result_size" mapstructure:"max_result_size"`
}

// Retention mirrors internal/retention.Config's two sliding windows,
// spec.md §4.7.
type Retention struct {
	IndexWindow    time.Duration `toml:"index_window" mapstructure:"index_window"`
	DocumentWindow time.Duration `toml:"document_window" mapstructure:"document_window"`
	BatchSize      int           `toml:"batch_size" mapstructure:"batch_size"`
}

// Storage selects and configures the persistence backend spec.md §6
// describes as pluggable: sqlite (local file) or mysql (DSN).
type Storage struct {
	Backend  string `toml:"backend" mapstructure:"backend"` // "sqlite" | "mysql" | "memory"
	SQLite   string `toml:"sqlite_path" mapstructure:"sqlite_path"`
	MySQLDSN string `toml:"mysql_dsn" mapstructure:"mysql_dsn"`
}

// Config is the full set of environment knobs for one storage-core
// process.
type Config struct {
	Storage     Storage     `toml:"storage" mapstructure:"storage"`
	Scheduler   Scheduler   `toml:"scheduler" mapstructure:"scheduler"`
	Transaction Transaction `toml:"transaction" mapstructure:"transaction"`
	Function    Function    `toml:"function" mapstructure:"function"`
	Retention   Retention   `toml:"retention" mapstructure:"retention"`
	MetricsAddr string      `toml:"metrics_addr" mapstructure:"metrics_addr"`
}

// Default returns the knob values spec.md's components fall back to
// absent any file or environment override, matching the magnitudes
// internal/scheduler.DefaultGCConfig and internal/retention.DefaultConfig
// already use for their own standalone defaults.
func Default() Config {
	return Config{
		Storage: Storage{Backend: "sqlite", SQLite: "corestore.db"},
		Scheduler: Scheduler{
			ExecutionParallelism:    10,
			Retention:               7 * 24 * time.Hour,
			GarbageCollectionBatch:  1000,
			GarbageCollectionPeriod: time.Minute,
		},
		Transaction: Transaction{
			OCCMaxRetries:                 3,
			MaxNumUserWrites:              4096,
			MaxReadSizeRows:               32768,
			MaxReadSizeBytes:              32 << 20,
			MaxReadSetIntervals:           4096,
			MaxUserWriteSizeBytes:         8 << 20,
			MaxNumScheduled:               1000,
			MaxScheduledTotalArgSizeBytes: 8 << 20,
		},
		Function: Function{
			MaxArgsSize:   8 << 20,
			MaxResultSize: 8 << 20,
		},
		Retention: Retention{
			IndexWindow:    24 * time.Hour,
			DocumentWindow: 24 * time.Hour,
			BatchSize:      1000,
		},
		MetricsAddr: ":9090",
	}
}

// leafKeys lists every dotted config key Load binds individually, both as
// a TOML default and a CORE_-prefixed environment override. Explicit
// per-key binding sidesteps viper's well-known limitation that
// AutomaticEnv doesn't reach Unmarshal for keys it hasn't otherwise seen.
var leafKeys = []string{
	"storage.backend", "storage.sqlite_path", "storage.mysql_dsn",
	"scheduler.execution_parallelism", "scheduler.retention",
	"scheduler.garbage_collection_batch_size", "scheduler.garbage_collection_period",
	"transaction.occ_max_retries", "transaction.max_num_user_writes",
	"transaction.max_read_size_rows", "transaction.max_read_size_bytes",
	"transaction.max_read_set_intervals", "transaction.max_user_write_size_bytes",
	"transaction.max_num_scheduled", "transaction.max_scheduled_total_argument_size_bytes",
	"function.max_args_size", "function.max_result_size",
	"retention.index_window", "retention.document_window", "retention.batch_size",
	"metrics_addr",
}

// Load reads path (if non-empty) as a TOML file over Default(), then lets
// environment variables with the CORE_ prefix override any field —
// CORE_STORAGE_BACKEND, CORE_SCHEDULER_EXECUTION_PARALLELISM, and so on,
// mirroring eve.evalgo.org/cli's VIPER_-prefixed env mapping but namespaced
// to this repo.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("CORE")
	v.SetEnvKeyReplacer(envReplacer)

	for _, key := range leafKeys {
		if err := v.BindEnv(key); err != nil {
			return cfg, fmt.Errorf("config: bind env %s: %w", key, err)
		}
	}

	if path != "" {
		raw := map[string]any{}
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return cfg, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if err := v.MergeConfigMap(raw); err != nil {
			return cfg, fmt.Errorf("config: merge %s: %w", path, err)
		}
	}

	bindDefaults(v, cfg)
	decodeDuration := viper.DecodeHook(mapstructure.StringToTimeDurationHookFunc())
	if err := v.Unmarshal(&cfg, decodeDuration); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func bindDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("storage.backend", cfg.Storage.Backend)
	v.SetDefault("storage.sqlite_path", cfg.Storage.SQLite)
	v.SetDefault("storage.mysql_dsn", cfg.Storage.MySQLDSN)

	v.SetDefault("scheduler.execution_parallelism", cfg.Scheduler.ExecutionParallelism)
	v.SetDefault("scheduler.retention", cfg.Scheduler.Retention)
	v.SetDefault("scheduler.garbage_collection_batch_size", cfg.Scheduler.GarbageCollectionBatch)
	v.SetDefault("scheduler.garbage_collection_period", cfg.Scheduler.GarbageCollectionPeriod)

	v.SetDefault("transaction.occ_max_retries", cfg.Transaction.OCCMaxRetries)
	v.SetDefault("transaction.max_num_user_writes", cfg.Transaction.MaxNumUserWrites)
	v.SetDefault("transaction.max_read_size_rows", cfg.Transaction.MaxReadSizeRows)
	v.SetDefault("transaction.max_read_size_bytes", cfg.Transaction.MaxReadSizeBytes)
	v.SetDefault("transaction.max_read_set_intervals", cfg.Transaction.MaxReadSetIntervals)
	v.SetDefault("transaction.max_user_write_size_bytes", cfg.Transaction.MaxUserWriteSizeBytes)
	v.SetDefault("transaction.max_num_scheduled", cfg.Transaction.MaxNumScheduled)
	v.SetDefault("transaction.max_scheduled_total_argument_size_bytes", cfg.Transaction.MaxScheduledTotalArgSizeBytes)

	v.SetDefault("function.max_args_size", cfg.Function.MaxArgsSize)
	v.SetDefault("function.max_result_size", cfg.Function.MaxResultSize)

	v.SetDefault("retention.index_window", cfg.Retention.IndexWindow)
	v.SetDefault("retention.document_window", cfg.Retention.DocumentWindow)
	v.SetDefault("retention.batch_size", cfg.Retention.BatchSize)

	v.SetDefault("metrics_addr", cfg.MetricsAddr)
}
