package config

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	DefaultAPIBase = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"

	placeholderAPIKey = "your-openai-api-key-here"
)

// Duration is a custom type that handles JSON marshaling/unmarshaling
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ConfigurationError reports a missing or invalid setting. It is fatal to a
// translation run and is raised before any extraction work starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

type ServerConfig struct {
	Port         int      `json:"port"`
	ReadTimeout  Duration `json:"read_timeout"`
	WriteTimeout Duration `json:"write_timeout"`
}

type OpenAIConfig struct {
	APIKey         string   `json:"api_key"`
	APIBase        string   `json:"api_base"`
	Model          string   `json:"model"`
	MaxTokens      int      `json:"max_tokens"`
	Temperature    float32  `json:"temperature"`
	RequestTimeout Duration `json:"request_timeout"`
}

type TranslationConfig struct {
	SourceLang      string   `json:"source_language"`
	TargetLang      string   `json:"target_language"`
	CustomPrompt    string   `json:"custom_prompt,omitempty"`
	MaxRetries      int      `json:"max_retries"`
	RetryDelay      Duration `json:"retry_delay"`
	MaxFailures     int      `json:"max_failures"`
	MaxFailureRatio float64  `json:"max_failure_ratio"`
	TitleSuffix     string   `json:"title_suffix"`
}

type AppConfig struct {
	TempDir   string `json:"temp_dir"`
	OutputDir string `json:"output_dir"`
}

type Config struct {
	Server      ServerConfig      `json:"server"`
	OpenAI      OpenAIConfig      `json:"openai"`
	Translation TranslationConfig `json:"translation"`
	App         AppConfig         `json:"app"`
}

// envOverrides lists the environment variables that take precedence over the file.
type envOverrides struct {
	APIKey       string `envconfig:"OPENAI_API_KEY"`
	APIBase      string `envconfig:"OPENAI_API_BASE"`
	Model        string `envconfig:"OPENAI_MODEL"`
	SourceLang   string `envconfig:"SOURCE_LANG"`
	TargetLang   string `envconfig:"TARGET_LANG"`
	CustomPrompt string `envconfig:"CUSTOM_PROMPT"`
	Port         int    `envconfig:"PORT"`
	TempDir      string `envconfig:"TEMP_DIR"`
	OutputDir    string `envconfig:"OUTPUT_DIR"`
}

func New() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  Duration{30 * time.Second},
			WriteTimeout: Duration{30 * time.Second},
		},
		OpenAI: OpenAIConfig{
			APIBase:        DefaultAPIBase,
			Model:          DefaultModel,
			MaxTokens:      2000,
			Temperature:    0.3,
			RequestTimeout: Duration{60 * time.Second},
		},
		Translation: TranslationConfig{
			SourceLang:  "auto",
			TargetLang:  "zh",
			MaxRetries:  2,
			RetryDelay:  Duration{2 * time.Second},
			TitleSuffix: " (Translated)",
		},
		App: AppConfig{
			TempDir:   "tmp",
			OutputDir: "output",
		},
	}
}

func (c *Config) LoadFromFile(filepath string) error {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, c)
}

func (c *Config) SaveToFile(filepath string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath, data, 0600)
}

func (c *Config) LoadFromEnv() error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	if env.APIKey != "" {
		c.OpenAI.APIKey = env.APIKey
	}
	if env.APIBase != "" {
		c.OpenAI.APIBase = env.APIBase
	}
	if env.Model != "" {
		c.OpenAI.Model = env.Model
	}
	if env.SourceLang != "" {
		c.Translation.SourceLang = env.SourceLang
	}
	if env.TargetLang != "" {
		c.Translation.TargetLang = env.TargetLang
	}
	if env.CustomPrompt != "" {
		c.Translation.CustomPrompt = env.CustomPrompt
	}
	if env.Port > 0 {
		c.Server.Port = env.Port
	}
	if env.TempDir != "" {
		c.App.TempDir = env.TempDir
	}
	if env.OutputDir != "" {
		c.App.OutputDir = env.OutputDir
	}
	return nil
}

// Validate checks the settings a translation run depends on.
func (c *Config) Validate() error {
	key := strings.TrimSpace(c.OpenAI.APIKey)
	if key == "" || key == placeholderAPIKey {
		return &ConfigurationError{Field: "openai.api_key", Reason: "API key is required"}
	}

	base, err := url.Parse(c.OpenAI.APIBase)
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return &ConfigurationError{Field: "openai.api_base", Reason: fmt.Sprintf("invalid endpoint %q", c.OpenAI.APIBase)}
	}

	if strings.TrimSpace(c.OpenAI.Model) == "" {
		return &ConfigurationError{Field: "openai.model", Reason: "model is required"}
	}
	if strings.TrimSpace(c.Translation.TargetLang) == "" {
		return &ConfigurationError{Field: "translation.target_language", Reason: "target language is required"}
	}
	if c.Translation.MaxRetries < 0 {
		return &ConfigurationError{Field: "translation.max_retries", Reason: "must be >= 0"}
	}
	if c.Translation.MaxFailures < 0 {
		return &ConfigurationError{Field: "translation.max_failures", Reason: "must be >= 0"}
	}
	if c.Translation.MaxFailureRatio < 0 || c.Translation.MaxFailureRatio > 1 {
		return &ConfigurationError{Field: "translation.max_failure_ratio", Reason: "must be between 0 and 1"}
	}
	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from path without overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// Load loads configuration with the following priority:
// 1. Command line flags (handled in main.go)
// 2. Environment variables (including a .env file)
// 3. Configuration file (config.json), when present
// 4. Default values
func Load(configPath string) (*Config, error) {
	cfg := New()

	if configPath != "" {
		if err := cfg.LoadFromFile(configPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Init writes a configuration file at configPath. It copies config.example.json
// when one is found and asks for the API key on in when the result has none.
func Init(configPath string, in io.Reader, out io.Writer) (*Config, error) {
	if err := ensureConfigFile(configPath, out); err != nil {
		return nil, fmt.Errorf("failed to ensure config file: %w", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, err
	}

	if cfg.OpenAI.APIKey == "" || cfg.OpenAI.APIKey == placeholderAPIKey {
		apiKey, err := promptForAPIKey(in, out)
		if err != nil {
			return nil, fmt.Errorf("failed to get OpenAI API key: %w", err)
		}
		cfg.OpenAI.APIKey = apiKey

		if err := cfg.SaveToFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to save API key to config file: %w", err)
		}
		_, _ = fmt.Fprintf(out, "✅ API key saved to %s\n", configPath)
	}

	return cfg, nil
}

// ensureConfigFile checks if config.json exists, if not creates it from config.example.json
func ensureConfigFile(configPath string, out io.Writer) error {
	if _, err := os.Stat(configPath); err == nil {
		return nil
	}

	configDir := filepath.Dir(configPath)
	examplePath := filepath.Join(configDir, "config.example.json")

	if _, err := os.Stat(examplePath); os.IsNotExist(err) {
		if execPath, execErr := os.Executable(); execErr == nil {
			examplePath = filepath.Join(filepath.Dir(execPath), "config.example.json")
		}
	}

	if _, err := os.Stat(examplePath); os.IsNotExist(err) {
		_, _ = fmt.Fprintf(out, "⚠️  No config.example.json found, creating basic config.json...\n")
		return New().SaveToFile(configPath)
	}

	_, _ = fmt.Fprintf(out, "📋 Creating config.json from config.example.json...\n")
	return copyFile(examplePath, configPath)
}

// copyFile copies a file from src to dst
func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = sourceFile.Close() }()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = destFile.Close() }()

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		return err
	}

	return destFile.Sync()
}

func promptForAPIKey(in io.Reader, out io.Writer) (string, error) {
	_, _ = fmt.Fprintln(out, "\n🔑 API Key Required")
	_, _ = fmt.Fprintln(out, "Any OpenAI-compatible endpoint works; set openai.api_base for non-OpenAI providers.")

	reader := bufio.NewReader(in)
	for {
		_, _ = fmt.Fprint(out, "Please enter your API key: ")
		apiKey, err := reader.ReadString('\n')
		apiKey = strings.TrimSpace(apiKey)
		if apiKey != "" {
			return apiKey, nil
		}
		if err != nil {
			return "", err
		}
		_, _ = fmt.Fprintln(out, "❌ API key cannot be empty. Please try again.")
	}
}

// GetConfigPath returns the path to the config file
// It looks for config.json in the same directory as the executable
func GetConfigPath() string {
	if execPath, err := os.Executable(); err == nil {
		return filepath.Join(filepath.Dir(execPath), "config.json")
	}

	if pwd, err := os.Getwd(); err == nil {
		return filepath.Join(pwd, "config.json")
	}

	return "config.json"
}

// MaskKey hides all but the edges of a credential for display.
func MaskKey(key string) string {
	if len(key) <= 10 {
		return strings.Repeat("*", len(key))
	}
	return key[:6] + "..." + key[len(key)-4:]
}
