// Package config provides configuration management for codegrokd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the service configuration.
type Config struct {
	Service   ServiceConfig   `toml:"service"`
	API       APIConfig       `toml:"api"`
	Ingest    IngestConfig    `toml:"ingest"`
	Embedding EmbeddingConfig `toml:"embedding"`
	LLM       LLMConfig       `toml:"llm"`
	Session   SessionConfig   `toml:"session"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Logging   LoggingConfig   `toml:"logging"`
	Security  SecurityConfig  `toml:"security"`
}

// ServiceConfig contains service-level settings.
type ServiceConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	DataDir         string `toml:"data_dir"`
	PIDFile         string `toml:"pid_file"`
	ShutdownTimeout int    `toml:"shutdown_timeout_seconds"`
	MaxRequestSize  int64  `toml:"max_request_size_bytes"`
}

// APIConfig contains HTTP API settings.
type APIConfig struct {
	APIKey         string   `toml:"api_key"`
	AllowedOrigins []string `toml:"allowed_origins"`
	RequestTimeout int      `toml:"request_timeout_seconds"`
}

// IngestConfig contains Source Acquirer / Parser / Orchestrator settings.
type IngestConfig struct {
	MaxArchiveSizeBytes int64    `toml:"max_archive_size_bytes"`
	MaxFileSizeBytes    int64    `toml:"max_file_size_bytes"`
	URLAllowPattern     string   `toml:"url_allow_pattern"`
	ChunkMaxTokens      int      `toml:"chunk_max_tokens"`
	ChunkMinTokens      int      `toml:"chunk_min_tokens"`
	ParseWorkers        int      `toml:"parse_workers"`
	EmbedBatchSize      int      `toml:"embed_batch_size"`
	EmbedBatchDelayMs   int      `toml:"embed_batch_delay_ms"`
	DataDir             string   `toml:"data_dir"`
	WatchEnabled        bool     `toml:"watch_enabled"`
	DebounceMs          int      `toml:"debounce_ms"`
	ExcludeGlobs        []string `toml:"exclude_globs"`
}

// EmbeddingConfig contains embedding-provider settings.
type EmbeddingConfig struct {
	Provider    string `toml:"provider"` // mock, ollama, openai
	APIKey      string `toml:"api_key"`
	BaseURL     string `toml:"base_url"`
	Model       string `toml:"model"`
	Dimensions  int    `toml:"dimensions"`
	TimeoutSecs int    `toml:"timeout_seconds"`
}

// LLMConfig contains LLM-provider settings.
type LLMConfig struct {
	Provider      string  `toml:"provider"` // mock, ollama, openai
	APIKey        string  `toml:"api_key"`
	BaseURL       string  `toml:"base_url"`
	Model         string  `toml:"model"`
	MaxTokens     int     `toml:"max_tokens"`
	Temperature   float64 `toml:"temperature"`
	TimeoutSecs   int     `toml:"timeout_seconds"`
	MaxContextLen int     `toml:"max_context_chars"`
}

// SessionConfig contains key-value session-store settings.
type SessionConfig struct {
	RetentionDays int    `toml:"retention_days"`
	DBPath        string `toml:"db_path"`
	DefaultTopK   int    `toml:"default_top_k"`
	MaxTopK       int    `toml:"max_top_k"`
}

// RateLimitConfig contains the two concurrency gates of §5.
type RateLimitConfig struct {
	PerHour           int `toml:"per_hour"`
	ConcurrentQueries int `toml:"concurrent_queries"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string      `toml:"level"`
	Format     string      `toml:"format"`
	Output     StringSlice `toml:"output"`
	TimeFormat string      `toml:"time_format"`
	MaxSizeMB  int         `toml:"max_size_mb"`
	MaxBackups int         `toml:"max_backups"`
	MaxAgeDays int         `toml:"max_age_days"`
	Compress   bool        `toml:"compress"`
}

// StringSlice unmarshals from either a bare string or a TOML array.
type StringSlice []string

// UnmarshalTOML implements toml.Unmarshaler for flexible config parsing.
func (s *StringSlice) UnmarshalTOML(data interface{}) error {
	switch v := data.(type) {
	case string:
		*s = []string{v}
	case []interface{}:
		result := make([]string, len(v))
		for i, item := range v {
			str, ok := item.(string)
			if !ok {
				return fmt.Errorf("expected string in array, got %T", item)
			}
			result[i] = str
		}
		*s = result
	default:
		return fmt.Errorf("expected string or array, got %T", data)
	}
	return nil
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	TLSEnabled  bool   `toml:"tls_enabled"`
	TLSCertFile string `toml:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file"`
	CORSEnabled bool   `toml:"cors_enabled"`
}

// DefaultConfig returns the default configuration with all values set.
func DefaultConfig() *Config {
	dataDir := DefaultDataDir()

	host := "127.0.0.1"
	if envHost := os.Getenv("CODEGROK_SERVICE_HOST"); envHost != "" {
		host = envHost
	}

	port := 8420
	if envPort := os.Getenv("CODEGROK_SERVICE_PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			port = p
		}
	}

	return &Config{
		Service: ServiceConfig{
			Host:            host,
			Port:            port,
			DataDir:         dataDir,
			PIDFile:         filepath.Join(dataDir, "codegrokd.pid"),
			ShutdownTimeout: 30,
			MaxRequestSize:  100 * 1024 * 1024, // 100MiB archive upload cap
		},
		API: APIConfig{
			APIKey:         "",
			AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
			RequestTimeout: 60,
		},
		Ingest: IngestConfig{
			MaxArchiveSizeBytes: 100 * 1024 * 1024,
			MaxFileSizeBytes:    1024 * 1024,
			URLAllowPattern:     `^https://github\.com/[^/]+/[^/]+`,
			ChunkMaxTokens:      1024,
			ChunkMinTokens:      50,
			ParseWorkers:        8,
			EmbedBatchSize:      100,
			EmbedBatchDelayMs:   100,
			DataDir:             filepath.Join(dataDir, "codebases"),
			WatchEnabled:        false,
			DebounceMs:          500,
			ExcludeGlobs: []string{
				"vendor/**", "node_modules/**", ".git/**",
				"dist/**", "build/**", "__pycache__/**", ".venv/**", "target/**",
			},
		},
		Embedding: EmbeddingConfig{
			Provider:    "mock",
			APIKey:      os.Getenv("EMBEDDING_API_KEY"),
			BaseURL:     "http://localhost:11434",
			Model:       "nomic-embed-text",
			Dimensions:  384,
			TimeoutSecs: 30,
		},
		LLM: LLMConfig{
			Provider:      "mock",
			APIKey:        os.Getenv("LLM_API_KEY"),
			BaseURL:       "http://localhost:11434",
			Model:         "llama3.1",
			MaxTokens:     1024,
			Temperature:   0.3,
			TimeoutSecs:   60,
			MaxContextLen: 50000,
		},
		Session: SessionConfig{
			RetentionDays: 7,
			DBPath:        filepath.Join(dataDir, "sessions.db"),
			DefaultTopK:   5,
			MaxTopK:       20,
		},
		RateLimit: RateLimitConfig{
			PerHour:           100,
			ConcurrentQueries: 10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     StringSlice{"stdout"},
			TimeFormat: "15:04:05.000",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Security: SecurityConfig{
			TLSEnabled:  false,
			CORSEnabled: true,
		},
	}
}

// DefaultDataDir returns the default data directory based on OS.
func DefaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "codegrokd")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "codegrokd")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "codegrokd")
	default:
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, "codegrokd")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".codegrokd")
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.toml")
}

// Load loads configuration from a file, merging with defaults, then applies
// environment variable overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.expandPaths()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromString loads configuration from a TOML string, merging with
// defaults. Used by tests; does not apply env overrides or validation.
func LoadFromString(tomlStr string) (*Config, error) {
	cfg := DefaultConfig()

	expanded := os.ExpandEnv(tomlStr)
	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config string: %w", err)
	}

	cfg.expandPaths()
	return cfg, nil
}

// applyEnvOverrides applies CODEGROK_<SECTION>_<FIELD> style overrides plus
// the two mandatory provider secrets named directly by spec.md §6.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CODEGROK_SERVICE_HOST"); v != "" {
		c.Service.Host = v
	}
	if v := os.Getenv("CODEGROK_SERVICE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Service.Port = p
		}
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		c.Embedding.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
}

// expandPaths expands a leading "~/" in path fields.
func (c *Config) expandPaths() {
	home, _ := os.UserHomeDir()

	expandTilde := func(path string) string {
		if strings.HasPrefix(path, "~/") {
			return filepath.Join(home, path[2:])
		}
		return path
	}

	c.Service.DataDir = expandTilde(c.Service.DataDir)
	c.Service.PIDFile = expandTilde(c.Service.PIDFile)
	c.Ingest.DataDir = expandTilde(c.Ingest.DataDir)
	c.Session.DBPath = expandTilde(c.Session.DBPath)
	c.Security.TLSCertFile = expandTilde(c.Security.TLSCertFile)
	c.Security.TLSKeyFile = expandTilde(c.Security.TLSKeyFile)
}

// Address returns the full address string for the HTTP server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Service.Host, c.Service.Port)
}

// LogPath returns the path to the service log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.Service.DataDir, "logs", "service.log")
}

// PIDPath returns the path to the daemon's PID file.
func (c *Config) PIDPath() string {
	if c.Service.PIDFile != "" {
		return c.Service.PIDFile
	}
	return filepath.Join(c.Service.DataDir, "codegrokd.pid")
}

// EnsureDirectories creates all necessary directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Service.DataDir,
		c.Ingest.DataDir,
		filepath.Dir(c.Session.DBPath),
		filepath.Dir(c.LogPath()),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// WriteExampleConfig writes an example TOML config file with every
// section commented, grounded on ternarybob-iter's own WriteExampleConfig.
func WriteExampleConfig(path string) error {
	example := `# codegrokd configuration file
# All values shown are defaults - uncomment and modify as needed

[service]
host = "127.0.0.1"
port = 8420
# data_dir = "~/.codegrokd"
shutdown_timeout_seconds = 30
max_request_size_bytes = 104857600

[api]
# api_key = ""
allowed_origins = ["http://localhost:*", "http://127.0.0.1:*"]
request_timeout_seconds = 60

[ingest]
max_archive_size_bytes = 104857600
max_file_size_bytes = 1048576
url_allow_pattern = "^https://github\\.com/[^/]+/[^/]+"
chunk_max_tokens = 1024
chunk_min_tokens = 50
parse_workers = 8
embed_batch_size = 100
embed_batch_delay_ms = 100

[embedding]
provider = "mock" # mock, ollama, openai
# api_key = ""
base_url = "http://localhost:11434"
model = "nomic-embed-text"
dimensions = 384
timeout_seconds = 30

[llm]
provider = "mock" # mock, ollama, openai
# api_key = ""
base_url = "http://localhost:11434"
model = "llama3.1"
max_tokens = 1024
temperature = 0.3
timeout_seconds = 60
max_context_chars = 50000

[session]
retention_days = 7
# db_path = "~/.codegrokd/sessions.db"
default_top_k = 5
max_top_k = 20

[ratelimit]
per_hour = 100
concurrent_queries = 10

[logging]
level = "info"
format = "text"
output = ["stdout"]

[security]
tls_enabled = false
cors_enabled = true
`
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, []byte(example), 0644)
}

// isUnsetSecret reports whether a configured secret is missing or still
// carries the placeholder "your_" prefix, per spec.md §6.
func isUnsetSecret(v string) bool {
	return v == "" || strings.HasPrefix(v, "your_")
}

// Validate validates the configuration and returns any errors. Startup
// fails (exit code 1) if a mandatory provider secret is absent or
// placeholder-valued, unless the provider is "mock" (local development /
// tests never require a live credential).
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Service.Port)
	}

	if c.Service.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout_seconds must be at least 1")
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		return fmt.Errorf("llm.temperature must be between 0.0 and 1.0")
	}

	if c.LLM.Provider != "mock" && isUnsetSecret(c.LLM.APIKey) {
		return fmt.Errorf("llm.api_key (env LLM_API_KEY) is required for provider %q", c.LLM.Provider)
	}

	if c.Embedding.Provider != "mock" && isUnsetSecret(c.Embedding.APIKey) {
		return fmt.Errorf("embedding.api_key (env EMBEDDING_API_KEY) is required for provider %q", c.Embedding.Provider)
	}

	if c.Session.MaxTopK < c.Session.DefaultTopK {
		return fmt.Errorf("session.max_top_k must be >= session.default_top_k")
	}

	if c.Security.TLSEnabled {
		if c.Security.TLSCertFile == "" || c.Security.TLSKeyFile == "" {
			return fmt.Errorf("TLS enabled but cert/key files not specified")
		}
	}

	return nil
}
