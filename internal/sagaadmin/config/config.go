// Copyright © 2025 Medroster Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package config loads the saga-admin tool configuration from
// saga-admin.yaml (working directory or /etc/medroster) with environment
// variable overrides under the MEDROSTER_SAGA prefix.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// AdminConfig is the configuration of the saga-admin tool.
type AdminConfig struct {
	Storage struct {
		// Driver selects the storage backend: postgres, redis or mysql.
		Driver string `json:"driver" yaml:"driver" mapstructure:"driver"`

		// DSN for the postgres and mysql drivers.
		DSN string `json:"dsn" yaml:"dsn" mapstructure:"dsn"`

		// Addr, Password and DB for the redis driver.
		Addr     string `json:"addr" yaml:"addr" mapstructure:"addr"`
		Password string `json:"password" yaml:"password" mapstructure:"password"`
		DB       int    `json:"db" yaml:"db" mapstructure:"db"`

		// TablePrefix for the SQL drivers.
		TablePrefix string `json:"table_prefix" yaml:"table_prefix" mapstructure:"table_prefix"`
	} `json:"storage" yaml:"storage" mapstructure:"storage"`

	Cleanup struct {
		// OlderThanDays is the default retention window. Default: 30.
		OlderThanDays int `json:"older_than_days" yaml:"older_than_days" mapstructure:"older_than_days"`

		// BatchSize is the default per-invocation delete cap. Default: 100.
		BatchSize int `json:"batch_size" yaml:"batch_size" mapstructure:"batch_size"`
	} `json:"cleanup" yaml:"cleanup" mapstructure:"cleanup"`
}

// Load reads the configuration file and applies defaults.
func Load(path string) (*AdminConfig, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("saga-admin")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/medroster")
	}
	v.SetEnvPrefix("MEDROSTER_SAGA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default so environment-only values survive
	// Unmarshal; viper only decodes keys it knows about.
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.addr", "")
	v.SetDefault("storage.password", "")
	v.SetDefault("storage.db", 0)
	v.SetDefault("storage.table_prefix", "")
	v.SetDefault("cleanup.older_than_days", 30)
	v.SetDefault("cleanup.batch_size", 100)

	if err := v.ReadInConfig(); err != nil {
		// A missing default file is fine when everything comes from env.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &AdminConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}
