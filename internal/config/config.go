// Copyright (c) 2025 Outline Solutions
// Keyfleet - VPN access key lifecycle manager
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config loads the typed Keyfleet configuration. Precedence, lowest
// to highest: built-in defaults, keyfleet.yaml from the standard locations,
// KEYFLEET_* environment variables, command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Servers   ServersConfig   `mapstructure:"servers" yaml:"servers"`
	Reconcile ReconcileConfig `mapstructure:"reconcile" yaml:"reconcile"`
	Language  string          `mapstructure:"language" yaml:"language"`
	LogLevel  string          `mapstructure:"log_level" yaml:"log_level"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	DSN  string `mapstructure:"dsn" yaml:"dsn"`
}

// ServersConfig locates the server registry file.
type ServersConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ReconcileConfig tunes the expiry sweeper.
type ReconcileConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// Defaults are the built-in settings for a fresh installation.
func Defaults() map[string]any {
	return map[string]any{
		"database.type":      "sqlite",
		"database.dsn":       "keyfleet.db",
		"servers.path":       "servers.yaml",
		"reconcile.interval": 5 * time.Minute,
		"language":           "en",
		"log_level":          "info",
	}
}

// getConfigPath returns the full path for the configuration file.
func getConfigPath(system bool) (string, error) {
	var configDir string
	var err error

	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "Keyfleet")
		default:
			configDir = "/etc/keyfleet"
		}
	} else {
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "keyfleet")
	}

	return filepath.Join(configDir, "keyfleet.yaml"), nil
}

// Load builds the configuration for a command invocation. An explicit
// configFile overrides the search path; bound flags override everything.
func Load(cmd *cobra.Command, configFile string) (Config, error) {
	var c Config
	v := viper.New()

	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	v.SetConfigName("keyfleet")
	v.SetConfigType("yaml")

	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	if userConfigPath, err := getConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := getConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine, defaults still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return c, err
		}
	}

	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix("keyfleet")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if cmd != nil {
		bind := func(key, name string) {
			f := cmd.Flags().Lookup(name)
			if f == nil {
				f = cmd.PersistentFlags().Lookup(name)
			}
			if f != nil {
				_ = v.BindPFlag(key, f)
			}
		}
		bind("database.type", "db-type")
		bind("database.dsn", "db-dsn")
		bind("servers.path", "servers-file")
		bind("language", "lang")
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}

	return c, nil
}

// WriteConfigFile persists the configuration to the standard location.
func WriteConfigFile(c *Config, system bool) error {
	path, err := getConfigPath(system)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", configDir, err)
	}

	// DSNs may carry credentials.
	return os.WriteFile(path, data, 0600)
}
