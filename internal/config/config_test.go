// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/nzbwatch/internal/domain"
	"github.com/autobrr/nzbwatch/internal/services/newznab"
)

func TestDatabasePathResolution(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, tmpDir string) (configPath string, envDataDir string, expectedDBPath string)
	}{
		{
			name: "default_next_to_config",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				configPath := filepath.Join(tmpDir, "config.toml")
				content := "host = \"localhost\"\nport = 7478\n"
				require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
				return configPath, "", filepath.Join(tmpDir, "nzbwatch.db")
			},
		},
		{
			name: "explicit_data_dir_in_config",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				configPath := filepath.Join(tmpDir, "config.toml")
				dataDir := filepath.Join(tmpDir, "data")
				require.NoError(t, os.MkdirAll(dataDir, 0o755))
				content := fmt.Sprintf("host = \"localhost\"\nport = 7478\ndataDir = %q\n", dataDir)
				require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
				return configPath, "", filepath.Join(dataDir, "nzbwatch.db")
			},
		},
		{
			name: "env_var_override",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				configPath := filepath.Join(tmpDir, "config.toml")
				configDataDir := filepath.Join(tmpDir, "config-data")
				envDataDir := filepath.Join(tmpDir, "env-data")
				content := fmt.Sprintf("dataDir = %q\n", configDataDir)
				require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
				return configPath, envDataDir, filepath.Join(envDataDir, "nzbwatch.db")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath, envValue, expectedDBPath := tt.prepare(t, tmpDir)
			if envValue != "" {
				t.Setenv(envPrefix+"DATA_DIR", envValue)
			}

			cfg, err := New(configPath)
			require.NoError(t, err)

			assert.Equal(t, filepath.Clean(expectedDBPath), filepath.Clean(cfg.GetDatabasePath()))
		})
	}
}

func TestNewCreatesDefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := New(tmpDir, "1.2.3")
	require.NoError(t, err)

	configPath := filepath.Join(tmpDir, "config.toml")
	content, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "port = 7478")
	assert.Contains(t, string(content), "#usenetRetention = 500")

	assert.Equal(t, "1.2.3", cfg.Config.Version)
	assert.Equal(t, 7478, cfg.Config.Port)
	assert.Equal(t, 500, cfg.Config.UsenetRetention)
	assert.Equal(t, 30*time.Second, cfg.SearchTimeout())
	assert.Equal(t, 15*time.Minute, cfg.MinPollInterval())
	assert.Equal(t, 5*time.Minute, cfg.PollInterval())
	assert.Equal(t, 4, cfg.Config.MaxConcurrentSearches)
	assert.False(t, cfg.Config.MetricsEnabled)
	assert.Empty(t, cfg.Config.Providers)
	assert.Equal(t, tmpDir, cfg.GetDataDir())
}

func TestNewLoadsConfigFromFileOrDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	content := `port = 9999
usenetRetention = 1100
providers = [
  "NZBs.org|https://nzbs.org/|key|1",
  "Other|https://other.example/|other|0",
]
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	for _, target := range []string{configPath, tmpDir} {
		t.Run(filepath.Base(target), func(t *testing.T) {
			cfg, err := New(target)
			require.NoError(t, err)

			assert.Equal(t, 9999, cfg.Config.Port)
			assert.Equal(t, 1100, cfg.Config.UsenetRetention)

			providers, err := cfg.ProviderConfigs()
			require.NoError(t, err)
			require.Len(t, providers, 2)
			assert.Equal(t, "NZBs.org", providers[0].Name)
			assert.True(t, providers[0].Enabled)
			assert.False(t, providers[1].Enabled)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("port = 7478\n"), 0o644))

	t.Setenv(envPrefix+"PORT", "8181")
	t.Setenv(envPrefix+"MIN_POLL_MINUTES", "30")
	t.Setenv(envPrefix+"METRICS_ENABLED", "true")
	t.Setenv(envPrefix+"PROVIDERS", "A|http://a.example/|ka|1;B|http://b.example/|kb|0")

	cfg, err := New(configPath)
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Config.Port)
	assert.Equal(t, 30*time.Minute, cfg.MinPollInterval())
	assert.True(t, cfg.Config.MetricsEnabled)
	assert.Equal(t, []string{"A|http://a.example/|ka|1", "B|http://b.example/|kb|0"}, cfg.Config.Providers)
}

func TestProvidersFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("port = 7478\n"), 0o644))

	providersPath := filepath.Join(tmpDir, "providers")
	providers := "# indexers\nA|http://a.example/|ka|1\n\n  B|http://b.example/|kb|0  \n"
	require.NoError(t, os.WriteFile(providersPath, []byte(providers), 0o600))

	t.Setenv(envPrefix+"PROVIDERS", "ignored|http://x/|x|1")
	t.Setenv(envPrefix+"PROVIDERS_FILE", providersPath)

	cfg, err := New(configPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"A|http://a.example/|ka|1", "B|http://b.example/|kb|0"}, cfg.Config.Providers)

	t.Setenv(envPrefix+"PROVIDERS_FILE", filepath.Join(tmpDir, "missing"))
	_, err = New(configPath)
	assert.Error(t, err)
}

func TestProviderConfigsInvalidLine(t *testing.T) {
	_, err := ProviderConfigs(&domain.Config{Providers: []string{"ok|http://a/|k|1", "broken"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "providers[1]")
}

func TestSaveProviders(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("port = 7478\n"), 0o644))

	cfg, err := New(configPath)
	require.NoError(t, err)

	require.NoError(t, cfg.SaveProviders([]newznab.ProviderConfig{
		{Name: "NZBs.org", URL: "https://nzbs.org/", APIKey: "key", Enabled: true},
	}))

	reloaded, err := New(configPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"NZBs.org|https://nzbs.org/|key|1"}, reloaded.Config.Providers)
	assert.Equal(t, 7478, reloaded.Config.Port)
}

func TestConfigDirResolution(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  func(tmpDir string) string
	}{
		{
			name:  "toml_suffix",
			input: "custom.toml",
			want:  func(tmpDir string) string { return filepath.Join(tmpDir, "custom.toml") },
		},
		{
			name:  "directory",
			input: "conf",
			want:  func(tmpDir string) string { return filepath.Join(tmpDir, "conf", "config.toml") },
		},
	}

	c := &AppConfig{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			assert.Equal(t, tt.want(tmpDir), c.resolveConfigPath(filepath.Join(tmpDir, tt.input)))
		})
	}
}

func TestReloadListeners(t *testing.T) {
	c := &AppConfig{Config: &domain.Config{Providers: []string{"a|http://a/|k|1"}}, version: "dev"}

	var got *domain.Config
	c.RegisterReloadListener(func(cfg *domain.Config) { got = cfg })
	c.notifyListeners()

	require.NotNil(t, got)
	got.Providers[0] = "changed"
	assert.Equal(t, "a|http://a/|k|1", c.Config.Providers[0])
}

func TestWriteDefaultConfigKeepsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	require.NoError(t, WriteDefaultConfig(path))

	require.NoError(t, os.WriteFile(path, []byte("port = 1\n"), 0o644))
	require.NoError(t, WriteDefaultConfig(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "port = 1\n", string(content))
}
