// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the control plane's runtime configuration from a
// file, the environment, or both, using viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the managers need at construction time.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Session  SessionConfig  `mapstructure:"session"`
	Auth     AuthConfig     `mapstructure:"auth"`
	MFA      MFAConfig      `mapstructure:"mfa"`
	Security SecurityConfig `mapstructure:"security"`
}

// DatabaseConfig configures the Postgres storage collaborator.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SessionConfig configures session lifetime and idle timeout.
type SessionConfig struct {
	Lifetime    time.Duration `mapstructure:"lifetime"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// AuthConfig configures authentication throttling.
type AuthConfig struct {
	ThrottleMaxAttempts int           `mapstructure:"throttle_max_attempts"`
	ThrottleWindow      time.Duration `mapstructure:"throttle_window"`
	BcryptFallbackCost  int           `mapstructure:"bcrypt_fallback_cost"`
}

// MFAConfig configures multi-factor verification.
type MFAConfig struct {
	Issuer          string `mapstructure:"issuer"`
	BackupCodeCount int    `mapstructure:"backup_code_count"`
}

// SecurityConfig configures the advanced security controls (C8).
type SecurityConfig struct {
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	AnomalySens     float64       `mapstructure:"anomaly_sensitivity"`
}

// Default returns the configuration used when neither a file nor
// environment overrides are present.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			MaxConns:        10,
			ConnMaxLifetime: time.Hour,
		},
		Session: SessionConfig{
			Lifetime:    24 * time.Hour,
			IdleTimeout: 30 * time.Minute,
		},
		Auth: AuthConfig{
			ThrottleMaxAttempts: 5,
			ThrottleWindow:      5 * time.Minute,
			BcryptFallbackCost:  12,
		},
		MFA: MFAConfig{
			Issuer:          "OpenTrusty",
			BackupCodeCount: 10,
		},
		Security: SecurityConfig{
			RateLimitWindow: time.Minute,
			AnomalySens:     1.0,
		},
	}
}

// Load reads configuration from the named file (if it exists), environment
// variables prefixed OPENTRUSTY_, and falls back to Default for anything
// unset.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("opentrusty")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"database.dsn", "database.max_conns", "database.conn_max_lifetime",
		"session.lifetime", "session.idle_timeout",
		"auth.throttle_max_attempts", "auth.throttle_window", "auth.bcrypt_fallback_cost",
		"mfa.issuer", "mfa.backup_code_count",
		"security.rate_limit_window", "security.anomaly_sensitivity",
	} {
		_ = v.BindEnv(key)
	}

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}
