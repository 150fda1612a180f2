// Copyright 2026 The chainops Authors
// This file is part of the chainops library.
//
// The chainops library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The chainops library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the chainops library. If not, see <http://www.gnu.org/licenses/>.

// Package config holds the process configuration. Values come from CLI
// flags and environment variables, with an optional YAML overlay for the
// per-worker tuning knobs that rarely change per deployment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the merged process configuration.
type Config struct {
	DatastoreURL  string `yaml:"datastore_url"`
	DatastoreKey  string `yaml:"datastore_key"`
	SignerBaseURL string `yaml:"signer_base_url"`
	SignerAPIKey  string `yaml:"signer_api_key"`
	TronAPIKey    string `yaml:"tron_api_key"`

	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`

	BatchBlockSize  int64 `yaml:"batch_block_size"`
	GasPriceCapGwei int64 `yaml:"gas_price_cap_gwei"`

	ScanInterval time.Duration `yaml:"scan_interval"`

	Workers Tuning `yaml:"workers"`
}

// Tuning is the per-worker overlay block.
type Tuning struct {
	SyncBatch    int           `yaml:"sync_batch"`
	PlanBatch    int           `yaml:"plan_batch"`
	ConfirmBatch int           `yaml:"confirm_batch"`
	IntakeBatch  int           `yaml:"intake_batch"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		LogLevel:        "info",
		BatchBlockSize:  100,
		GasPriceCapGwei: 20,
		ScanInterval:    5 * time.Second,
		Workers: Tuning{
			SyncBatch:    50,
			PlanBatch:    50,
			ConfirmBatch: 25,
			IntakeBatch:  25,
			LeaseTTL:     2 * time.Minute,
		},
	}
}

// LoadOverlay merges a YAML file over c. Unset YAML fields keep their
// current values.
func (c *Config) LoadOverlay(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// DSN combines the datastore URL with the separately provided credential.
// The key is kept out of the URL so it can live in its own secret; URL-form
// DSNs get it injected as the password, keyword DSNs get a password
// attribute appended.
func (c *Config) DSN() (string, error) {
	if c.DatastoreKey == "" {
		return c.DatastoreURL, nil
	}
	if strings.HasPrefix(c.DatastoreURL, "postgres://") || strings.HasPrefix(c.DatastoreURL, "postgresql://") {
		u, err := url.Parse(c.DatastoreURL)
		if err != nil {
			return "", fmt.Errorf("parse datastore url: %w", err)
		}
		user := ""
		if u.User != nil {
			user = u.User.Username()
		}
		u.User = url.UserPassword(user, c.DatastoreKey)
		return u.String(), nil
	}
	return c.DatastoreURL + " password=" + c.DatastoreKey, nil
}

// Validate checks the fields every worker needs before it starts.
func (c *Config) Validate() error {
	if c.DatastoreURL == "" {
		return fmt.Errorf("datastore url is required (DATASTORE_URL)")
	}
	if c.BatchBlockSize <= 0 {
		return fmt.Errorf("batch block size must be positive, got %d", c.BatchBlockSize)
	}
	if c.GasPriceCapGwei <= 0 {
		return fmt.Errorf("gas price cap must be positive, got %d", c.GasPriceCapGwei)
	}
	if c.ScanInterval < 100*time.Millisecond {
		return fmt.Errorf("scan interval %v is below 100ms", c.ScanInterval)
	}
	return nil
}

// NeedsSigner reports whether a role set requires signer connectivity.
// Read-only roles (detector, confirmer, sync, planner) run without one.
func (c *Config) NeedsSigner(roles []string) bool {
	for _, r := range roles {
		switch r {
		case "consolidation", "gas_topup", "withdrawal":
			return true
		}
	}
	return false
}
