// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config loads rcall settings from defaults, rcall.yaml files,
// RCALL_* environment variables and cobra flags, and writes them back.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/toeirei/rcall/internal/transport"
)

// SSHConfig mirrors transport.ConnectionConfig in file form.
type SSHConfig struct {
	User            string        `mapstructure:"user" yaml:"user,omitempty"`
	Port            string        `mapstructure:"port" yaml:"port"`
	KeyFile         string        `mapstructure:"key_file" yaml:"key_file,omitempty"`
	Passphrase      string        `mapstructure:"passphrase" yaml:"passphrase,omitempty"`
	HostKeyPolicy   string        `mapstructure:"host_key_policy" yaml:"host_key_policy"`
	KnownHostsFile  string        `mapstructure:"known_hosts_file" yaml:"known_hosts_file,omitempty"`
	TrustOnFirstUse bool          `mapstructure:"trust_on_first_use" yaml:"trust_on_first_use"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// DispatchConfig configures the companion dispatcher and the wire codec.
type DispatchConfig struct {
	Companion         string `mapstructure:"companion" yaml:"companion,omitempty"`
	CompanionBinary   string `mapstructure:"companion_binary" yaml:"companion_binary,omitempty"`
	CompressThreshold int    `mapstructure:"compress_threshold" yaml:"compress_threshold"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	Dsn  string `mapstructure:"dsn" yaml:"dsn"`
}

// Config is the complete rcall configuration.
type Config struct {
	SSH      SSHConfig      `mapstructure:"ssh" yaml:"ssh"`
	Dispatch DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
	Fanout   struct {
		Limit int `mapstructure:"limit" yaml:"limit"`
	} `mapstructure:"fanout" yaml:"fanout"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Language string         `mapstructure:"language" yaml:"language"`
	Log      struct {
		Level string `mapstructure:"level" yaml:"level"`
	} `mapstructure:"log" yaml:"log"`
}

// Defaults returns the viper defaults for every known key.
func Defaults() map[string]any {
	dsn := "rcall.db"
	if dir, err := os.UserConfigDir(); err == nil {
		dsn = filepath.Join(dir, "rcall", "rcall.db")
	}
	return map[string]any{
		"ssh.port":                    transport.DefaultPort,
		"ssh.host_key_policy":         string(transport.HostKeyStore),
		"ssh.trust_on_first_use":      true,
		"ssh.connect_timeout":         transport.DefaultConnectionTimeout,
		"dispatch.compress_threshold": 1024,
		"fanout.limit":                8,
		"database.type":               "sqlite",
		"database.dsn":                dsn,
		"language":                    "en",
		"log.level":                   "warn",
	}
}

// ConnectionConfig converts the ssh section into transport settings.
func (c Config) ConnectionConfig() transport.ConnectionConfig {
	cc := transport.DefaultConnectionConfig()
	cc.User = c.SSH.User
	if c.SSH.Port != "" {
		cc.Port = c.SSH.Port
	}
	cc.KeyFile = c.SSH.KeyFile
	cc.Passphrase = c.SSH.Passphrase
	if c.SSH.HostKeyPolicy != "" {
		cc.HostKeyPolicy = transport.HostKeyPolicy(c.SSH.HostKeyPolicy)
	}
	cc.KnownHostsFile = c.SSH.KnownHostsFile
	cc.TrustOnFirstUse = c.SSH.TrustOnFirstUse
	if c.SSH.ConnectTimeout > 0 {
		cc.ConnectionTimeout = c.SSH.ConnectTimeout
	}
	return cc
}

// Validate rejects values no component can work with.
func (c Config) Validate() error {
	switch transport.HostKeyPolicy(c.SSH.HostKeyPolicy) {
	case "", transport.HostKeyStore, transport.HostKeyKnownHosts, transport.HostKeyInsecure:
	default:
		return fmt.Errorf("unknown ssh.host_key_policy %q", c.SSH.HostKeyPolicy)
	}
	if c.Fanout.Limit < 0 {
		return errors.New("fanout.limit must not be negative")
	}
	if c.Dispatch.CompressThreshold < 0 {
		return errors.New("dispatch.compress_threshold must not be negative")
	}
	return nil
}

// GetConfigPath returns the full path of the user or system rcall.yaml.
func GetConfigPath(system bool) (string, error) {
	var configDir string
	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "rcall")
		default:
			configDir = "/etc/rcall"
		}
	} else {
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(dir, "rcall")
	}
	return filepath.Join(configDir, "rcall.yaml"), nil
}

// LoadConfig merges defaults, the first rcall.yaml found (or configFile when
// given), RCALL_* environment variables and the flags of cmd into a T.
func LoadConfig[T any](cmd *cobra.Command, defaults map[string]any, configFile *string) (T, error) {
	var c T
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("rcall")
	v.SetConfigType("yaml")
	if configFile != nil && *configFile != "" {
		v.SetConfigFile(*configFile)
	}
	if p, err := GetConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(p))
	}
	if p, err := GetConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(p))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return c, err
		}
	}

	v.SetEnvPrefix("rcall")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return c, err
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}
	return c, nil
}

// WriteConfigFile writes c as YAML to the user or system config path and
// returns that path.
func WriteConfigFile[T any](c *T, system bool) (string, error) {
	path, err := GetConfigPath(system)
	if err != nil {
		return "", err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("could not create config directory %s: %w", dir, err)
	}
	// May contain an SSH passphrase.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
