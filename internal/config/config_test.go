package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"OPENAI_API_KEY", "OPENAI_API_BASE", "OPENAI_MODEL", "SOURCE_LANG",
		"TARGET_LANG", "CUSTOM_PROMPT", "PORT", "TEMP_DIR", "OUTPUT_DIR",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, DefaultAPIBase, cfg.OpenAI.APIBase)
	assert.Equal(t, DefaultModel, cfg.OpenAI.Model)
	assert.Equal(t, "auto", cfg.Translation.SourceLang)
	assert.Equal(t, "zh", cfg.Translation.TargetLang)
	assert.Equal(t, 60*time.Second, cfg.OpenAI.RequestTimeout.Duration)
}

func TestLoadPriority(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.json")
	fileCfg := New()
	fileCfg.OpenAI.APIKey = "sk-from-file"
	fileCfg.OpenAI.Model = "file-model"
	fileCfg.Translation.RetryDelay = Duration{5 * time.Second}
	require.NoError(t, fileCfg.SaveToFile(path))

	t.Setenv("OPENAI_MODEL", "env-model")
	t.Setenv("TARGET_LANG", "ar")
	t.Setenv("PORT", "9090")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sk-from-file", cfg.OpenAI.APIKey)
	assert.Equal(t, "env-model", cfg.OpenAI.Model)
	assert.Equal(t, "ar", cfg.Translation.TargetLang)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Translation.RetryDelay.Duration)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing key", mutate: func(c *Config) { c.OpenAI.APIKey = "" }, field: "openai.api_key"},
		{name: "placeholder key", mutate: func(c *Config) { c.OpenAI.APIKey = placeholderAPIKey }, field: "openai.api_key"},
		{name: "bad base", mutate: func(c *Config) { c.OpenAI.APIBase = "not a url" }, field: "openai.api_base"},
		{name: "missing model", mutate: func(c *Config) { c.OpenAI.Model = " " }, field: "openai.model"},
		{name: "missing target", mutate: func(c *Config) { c.Translation.TargetLang = "" }, field: "translation.target_language"},
		{name: "negative retries", mutate: func(c *Config) { c.Translation.MaxRetries = -1 }, field: "translation.max_retries"},
		{name: "ratio above one", mutate: func(c *Config) { c.Translation.MaxFailureRatio = 1.5 }, field: "translation.max_failure_ratio"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := New()
			cfg.OpenAI.APIKey = "sk-test"
			tc.mutate(cfg)

			err := cfg.Validate()
			if tc.field == "" {
				require.NoError(t, err)
				return
			}

			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigurationError, got %v", err)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Duration)

	data, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))

	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))
}

func TestInitPromptsForKey(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.json")
	var out bytes.Buffer

	cfg, err := Init(path, strings.NewReader("\nsk-typed-key\n"), &out)
	require.NoError(t, err)
	assert.Equal(t, "sk-typed-key", cfg.OpenAI.APIKey)
	assert.Contains(t, out.String(), "cannot be empty")

	saved := New()
	require.NoError(t, saved.LoadFromFile(path))
	assert.Equal(t, "sk-typed-key", saved.OpenAI.APIKey)
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("OPENAI_API_BASE=http://localhost:11434/v1\n"), 0600))
	require.NoError(t, os.Unsetenv("OPENAI_API_BASE"))

	require.NoError(t, LoadDotEnv(path))
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434/v1", cfg.OpenAI.APIBase)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "sk-abc...wxyz", MaskKey("sk-abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, "*****", MaskKey("short"))
}
