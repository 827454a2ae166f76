// Package config defines WALConfig and CollectionConfig and the two
// ways a caller can populate them: a YAML file (the same
// gopkg.in/yaml.v3 idiom every config struct in the teacher repo uses)
// and an environment-variable overlay built on spf13/viper +
// joho/godotenv, stripped of the teacher's cobra flag binding since CLI
// entry points are out of scope here.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// WALConfig configures a dated-mode store.
type WALConfig struct {
	BaseDir                    string            `yaml:"base_dir"`
	MaxWalSize                 int64             `yaml:"max_wal_size"`
	MaxWalAgeSeconds           int               `yaml:"max_wal_age_seconds"`
	BatchSize                  int               `yaml:"batch_size"`
	DuckdbFlushIntervalSeconds int               `yaml:"duckdb_flush_interval_seconds"`
	ParquetPath                string            `yaml:"parquet_path"`
	ExtraSchema                map[string]string `yaml:"extra_schema"`
}

// WithDefaults returns a copy of c with zero-valued fields replaced by
// the spec's defaults, the way SinkBatchConfig and WatermarkYAMLConfig
// apply their own implicit defaults during parsing.
func (c WALConfig) WithDefaults() WALConfig {
	if c.BaseDir == "" {
		c.BaseDir = "./storage"
	}
	if c.MaxWalSize <= 0 {
		c.MaxWalSize = 10 * 1024 * 1024
	}
	if c.MaxWalAgeSeconds <= 0 {
		c.MaxWalAgeSeconds = 300
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.DuckdbFlushIntervalSeconds <= 0 {
		c.DuckdbFlushIntervalSeconds = 30
	}
	return c
}

func (c WALConfig) FlushInterval() time.Duration {
	return time.Duration(c.DuckdbFlushIntervalSeconds) * time.Second
}

func (c WALConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxWalAgeSeconds) * time.Second
}

// CollectionConfig configures a collection-mode store.
type CollectionConfig struct {
	BaseDir                    string            `yaml:"base_dir"`
	MaxWalSize                 int64             `yaml:"max_wal_size"`
	BatchSize                  int               `yaml:"batch_size"`
	DuckdbFlushIntervalSeconds int               `yaml:"duckdb_flush_interval_seconds"`
	RetainDays                 int               `yaml:"retain_days"`
	ExtraSchema                map[string]string `yaml:"extra_schema"`
}

func (c CollectionConfig) WithDefaults() CollectionConfig {
	if c.BaseDir == "" {
		c.BaseDir = "./collection_storage"
	}
	if c.MaxWalSize <= 0 {
		c.MaxWalSize = 10 * 1024 * 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.DuckdbFlushIntervalSeconds <= 0 {
		c.DuckdbFlushIntervalSeconds = 30
	}
	if c.RetainDays <= 0 {
		c.RetainDays = 5
	}
	return c
}

func (c CollectionConfig) FlushInterval() time.Duration {
	return time.Duration(c.DuckdbFlushIntervalSeconds) * time.Second
}

// LoadWALConfig reads a WALConfig from a YAML file.
func LoadWALConfig(path string) (WALConfig, error) {
	var c WALConfig
	if err := decodeYAMLFile(path, &c); err != nil {
		return WALConfig{}, err
	}
	return c.WithDefaults(), nil
}

// LoadCollectionConfig reads a CollectionConfig from a YAML file.
func LoadCollectionConfig(path string) (CollectionConfig, error) {
	var c CollectionConfig
	if err := decodeYAMLFile(path, &c); err != nil {
		return CollectionConfig{}, err
	}
	return c.WithDefaults(), nil
}

func decodeYAMLFile(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnvOverrides overlays environment variables onto c, following the
// same viper.AutomaticEnv + godotenv.Load pattern dKV's InitClientConfig
// uses for its client config, minus the cobra flag binding. Variables are
// named "<PREFIX>_BASE_DIR", "<PREFIX>_MAX_WAL_SIZE", etc.
func ApplyEnvOverrides(prefix string, c *WALConfig) {
	v := newEnvViper(prefix)
	if s := v.GetString("base_dir"); s != "" {
		c.BaseDir = s
	}
	if n := v.GetInt64("max_wal_size"); n > 0 {
		c.MaxWalSize = n
	}
	if n := v.GetInt("max_wal_age_seconds"); n > 0 {
		c.MaxWalAgeSeconds = n
	}
	if n := v.GetInt("batch_size"); n > 0 {
		c.BatchSize = n
	}
	if n := v.GetInt("duckdb_flush_interval_seconds"); n > 0 {
		c.DuckdbFlushIntervalSeconds = n
	}
	if s := v.GetString("parquet_path"); s != "" {
		c.ParquetPath = s
	}
}

// ApplyEnvOverridesCollection is the CollectionConfig counterpart of
// ApplyEnvOverrides.
func ApplyEnvOverridesCollection(prefix string, c *CollectionConfig) {
	v := newEnvViper(prefix)
	if s := v.GetString("base_dir"); s != "" {
		c.BaseDir = s
	}
	if n := v.GetInt64("max_wal_size"); n > 0 {
		c.MaxWalSize = n
	}
	if n := v.GetInt("batch_size"); n > 0 {
		c.BatchSize = n
	}
	if n := v.GetInt("duckdb_flush_interval_seconds"); n > 0 {
		c.DuckdbFlushIntervalSeconds = n
	}
	if n := v.GetInt("retain_days"); n > 0 {
		c.RetainDays = n
	}
}

func newEnvViper(prefix string) *viper.Viper {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}
