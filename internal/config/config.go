// Package config loads the operator-facing settings the schema manager
// needs at startup: which KV root directory to mount, whether an
// incompatible on-disk version may be wiped, and how the commit-conflict
// retry loop is tuned. Values come from an optional TOML file plus
// SCHEMAKV_-prefixed environment variable overrides, the same two-source
// shape the teacher uses for its own config loading.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bowlofstew/sql-layer/internal/schemamgr"
)

// Config is the fully-resolved set of startup options.
type Config struct {
	ClearIncompatibleData bool
	KVRoot                string
	RetryMaxAttempts      int
	RetryInitialDelay     time.Duration
	RetryMaxDelay         time.Duration
}

// RetryPolicy converts the loaded retry tuning into schemamgr's shape.
func (c Config) RetryPolicy() schemamgr.RetryPolicy {
	return schemamgr.RetryPolicy{
		MaxAttempts:  c.RetryMaxAttempts,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
	}
}

// RootPath returns KVRoot as a single-segment directory path; KVRoot is not
// split on separators.
func (c Config) RootPath() []string { return []string{c.KVRoot} }

func setDefaults(v *viper.Viper) {
	v.SetDefault("clear_incompatible_data", false)
	v.SetDefault("kv.root", "schemaManager")
	v.SetDefault("retry.max_attempts", 8)
	v.SetDefault("retry.initial_delay_ms", 10)
	v.SetDefault("retry.max_delay_ms", 2000)
}

// Load reads configFile (a TOML file; may not exist) and layers
// SCHEMAKV_-prefixed environment variables on top, matching the
// precedence order the teacher's own config loader uses: defaults, then
// file, then environment.
func Load(configFile string) (Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)

	v.SetEnvPrefix("SCHEMAKV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("config: read %s: %w", configFile, err)
			}
		}
	}

	return Config{
		ClearIncompatibleData: v.GetBool("clear_incompatible_data"),
		KVRoot:                v.GetString("kv.root"),
		RetryMaxAttempts:      v.GetInt("retry.max_attempts"),
		RetryInitialDelay:     time.Duration(v.GetInt("retry.initial_delay_ms")) * time.Millisecond,
		RetryMaxDelay:         time.Duration(v.GetInt("retry.max_delay_ms")) * time.Millisecond,
	}, nil
}
