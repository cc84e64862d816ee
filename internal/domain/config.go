// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

type Config struct {
	Version               string
	Host                  string   `toml:"host" mapstructure:"host"`
	Port                  int      `toml:"port" mapstructure:"port"`
	BaseURL               string   `toml:"baseUrl" mapstructure:"baseUrl"`
	LogLevel              string   `toml:"logLevel" mapstructure:"logLevel"`
	LogPath               string   `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize            int      `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups         int      `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir               string   `toml:"dataDir" mapstructure:"dataDir"`
	UsenetRetention       int      `toml:"usenetRetention" mapstructure:"usenetRetention"`
	SearchTimeout         int      `toml:"searchTimeout" mapstructure:"searchTimeout"`
	MinPollMinutes        int      `toml:"minPollMinutes" mapstructure:"minPollMinutes"`
	PollIntervalMinutes   int      `toml:"pollIntervalMinutes" mapstructure:"pollIntervalMinutes"`
	MaxConcurrentSearches int      `toml:"maxConcurrentSearches" mapstructure:"maxConcurrentSearches"`
	MetricsEnabled        bool     `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost           string   `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort           int      `toml:"metricsPort" mapstructure:"metricsPort"`
	Providers             []string `toml:"providers" mapstructure:"providers"`
}
