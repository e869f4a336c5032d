/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of dnsserver.
 *
 * dnsserver is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * dnsserver is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package coremain

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/00mjk/DnsServer/mlog"
)

type Config struct {
	Log   mlog.LogConfig `yaml:"log"`
	API   APIConfig      `yaml:"api"`
	Cache CacheConfig    `yaml:"cache"`
	EDNS  EDNSConfig     `yaml:"edns"`
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

type CacheConfig struct {
	// MaximumEntries caps the cached entry count, 0 disables capacity
	// eviction.
	MaximumEntries int `yaml:"maximum_entries"`

	// ServeStale enables RFC 8767 stale answers.
	ServeStale bool `yaml:"serve_stale"`

	// EvictionIntervalSec is the period of the background eviction pass.
	// Default 300.
	EvictionIntervalSec int `yaml:"eviction_interval_sec"`

	// SnapshotIntervalSec periodically persists the cache, 0 disables.
	SnapshotIntervalSec int `yaml:"snapshot_interval_sec"`

	// DisableLoadSnapshot skips restoring cache.bin on startup. By default
	// the snapshot is restored when present.
	DisableLoadSnapshot bool `yaml:"disable_load_snapshot"`

	// DisableSaveOnShutdown skips the snapshot save on shutdown.
	DisableSaveOnShutdown bool `yaml:"disable_save_on_shutdown"`
}

type EDNSConfig struct {
	// UDPPayloadSize advertised in responses. Default 1232.
	UDPPayloadSize int `yaml:"udp_payload_size"`
}

func (c *Config) init() {
	if c.Cache.EvictionIntervalSec <= 0 {
		c.Cache.EvictionIntervalSec = 300
	}
	if c.EDNS.UDPPayloadSize <= 0 {
		c.EDNS.UDPPayloadSize = 1232
	}
}

// loadConfig loads a config from filePath. If filePath is empty it
// searches the working directory for a file named "config". The returned
// viper instance is kept alive for config watching.
func loadConfig(filePath string) (*Config, *viper.Viper, error) {
	v := viper.New()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.init()
	return cfg, v, nil
}

func decoderOpt(cfg *mapstructure.DecoderConfig) {
	cfg.ErrorUnused = true
	cfg.TagName = "yaml"
	cfg.WeaklyTypedInput = true
}
