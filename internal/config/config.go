// Package config loads and validates SeaGOAT configuration.
//
// Configuration is resolved by merging, in order of increasing precedence:
//  1. Built-in defaults
//  2. The global file (~/.config/seagoat/config.yml)
//  3. The repository file (<repo>/.seagoat.yml)
//  4. SEAGOAT_* environment variables
//
// Unknown keys produce a warning, not a failure.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RepoConfigName is the per-repository configuration file name.
const RepoConfigName = ".seagoat.yml"

// Config is the complete SeaGOAT configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
}

// ServerConfig configures the engine and its transport host.
type ServerConfig struct {
	// Port is the transport listen port.
	Port int `yaml:"port"`

	// IgnorePatterns are glob patterns excluded from indexing.
	IgnorePatterns []string `yaml:"ignorePatterns"`

	// ReadMaxCommits bounds the history depth used for frecency.
	ReadMaxCommits int `yaml:"readMaxCommits"`

	// Chroma configures the embedding database adapter.
	Chroma ChromaConfig `yaml:"chroma"`

	// LogLevel is the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"logLevel"`

	// CacheRoot overrides the cache root directory (default ~/.cache/seagoat).
	CacheRoot string `yaml:"cacheRoot"`

	// IdleInterval is how long the worker idles before maintenance runs,
	// as a duration string (e.g. "10s").
	IdleInterval string `yaml:"idleInterval"`

	// QueueSize bounds the task submission queue.
	QueueSize int `yaml:"queueSize"`

	// AllowedExtensions is the set of file extensions eligible for indexing.
	AllowedExtensions []string `yaml:"allowedExtensions"`
}

// ChromaConfig configures the embedding database adapter.
type ChromaConfig struct {
	// EmbeddingFunction names the embedding model ("static" or "ollama:<model>").
	EmbeddingFunction string `yaml:"embeddingFunction"`

	// BatchSize is the maximum number of chunks per upsert batch.
	BatchSize int `yaml:"batchSize"`
}

// ClientConfig configures the CLI client.
type ClientConfig struct {
	// Host is the transport target for the CLI.
	Host string `yaml:"host"`
}

// defaultAllowedExtensions lists the file extensions indexed by default.
var defaultAllowedExtensions = []string{
	".go", ".py", ".js", ".jsx", ".ts", ".tsx", ".java", ".c", ".h",
	".cpp", ".hpp", ".cs", ".rb", ".rs", ".php", ".swift", ".kt",
	".scala", ".sh", ".sql", ".html", ".css", ".scss", ".yaml", ".yml",
	".json", ".toml", ".md", ".txt",
}

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           51241,
			ReadMaxCommits: 10000,
			Chroma: ChromaConfig{
				EmbeddingFunction: "static",
				BatchSize:         500,
			},
			LogLevel:          "info",
			IdleInterval:      "10s",
			QueueSize:         1024,
			AllowedExtensions: defaultAllowedExtensions,
		},
		Client: ClientConfig{
			Host: "http://localhost:51241",
		},
	}
}

// GlobalPath returns the global configuration file path.
func GlobalPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "seagoat", "config.yml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "seagoat", "config.yml")
}

// DefaultCacheRoot returns the default cache root directory.
func DefaultCacheRoot() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "seagoat")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "seagoat-cache")
	}
	return filepath.Join(home, ".cache", "seagoat")
}

// Load resolves the effective configuration for a repository.
// The global file is read first, then the repository's .seagoat.yml is
// merged over it; the repository file wins on conflict.
func Load(repoPath string) (*Config, error) {
	cfg := Default()

	if global := GlobalPath(); global != "" {
		if err := mergeFile(cfg, global); err != nil {
			return nil, err
		}
	}
	if repoPath != "" {
		if err := mergeFile(cfg, filepath.Join(repoPath, RepoConfigName)); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeFile merges one yaml file into cfg. A missing file is not an error.
func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	warnUnknownKeys(path, data)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// recognizedKeys are the dotted key paths this version understands.
var recognizedKeys = map[string]bool{
	"server":                          true,
	"server.port":                     true,
	"server.ignorePatterns":           true,
	"server.readMaxCommits":           true,
	"server.chroma":                   true,
	"server.chroma.embeddingFunction": true,
	"server.chroma.batchSize":         true,
	"server.logLevel":                 true,
	"server.cacheRoot":                true,
	"server.idleInterval":             true,
	"server.queueSize":                true,
	"server.allowedExtensions":        true,
	"client":                          true,
	"client.host":                     true,
}

// warnUnknownKeys logs a warning for every key path the loader does not
// recognize. Unknown keys never fail the load.
func warnUnknownKeys(path string, data []byte) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return // the typed unmarshal will report the syntax error
	}
	walkKeys("", raw, func(key string) {
		if !recognizedKeys[key] {
			slog.Warn("unknown configuration key",
				slog.String("file", path),
				slog.String("key", key))
		}
	})
}

func walkKeys(prefix string, m map[string]any, visit func(string)) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		visit(key)
		if sub, ok := v.(map[string]any); ok {
			walkKeys(key, sub, visit)
		}
	}
}

// applyEnv overlays SEAGOAT_* environment variables with highest precedence.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SEAGOAT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SEAGOAT_EMBEDDING_FUNCTION"); v != "" {
		cfg.Server.Chroma.EmbeddingFunction = v
	}
	if v := os.Getenv("SEAGOAT_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("SEAGOAT_CACHE_ROOT"); v != "" {
		cfg.Server.CacheRoot = v
	}
}

// Validate checks the configuration for out-of-range values.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.ReadMaxCommits <= 0 {
		return fmt.Errorf("server.readMaxCommits must be positive: %d", c.Server.ReadMaxCommits)
	}
	if c.Server.Chroma.BatchSize <= 0 {
		return fmt.Errorf("server.chroma.batchSize must be positive: %d", c.Server.Chroma.BatchSize)
	}
	if c.Server.QueueSize <= 0 {
		return fmt.Errorf("server.queueSize must be positive: %d", c.Server.QueueSize)
	}
	if d, err := time.ParseDuration(c.Server.IdleInterval); err != nil || d <= 0 {
		return fmt.Errorf("server.idleInterval must be a positive duration: %q", c.Server.IdleInterval)
	}
	if c.Server.Chroma.EmbeddingFunction == "" {
		return fmt.Errorf("server.chroma.embeddingFunction must not be empty")
	}
	return nil
}

// IdleIntervalDuration returns the parsed idle interval, falling back to
// 10s when unparseable.
func (c *Config) IdleIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.Server.IdleInterval)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// CacheRoot returns the effective cache root directory.
func (c *Config) CacheRoot() string {
	if c.Server.CacheRoot != "" {
		return c.Server.CacheRoot
	}
	return DefaultCacheRoot()
}

// AllowedExtension reports whether a path's extension is eligible for indexing.
// The check is by path only; content is never sniffed.
func (c *Config) AllowedExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range c.Server.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}
