// Package config loads the agentcore settings file. Values come from
// defaults, then the file, then environment variables. The file format is
// JSON unless the path ends in .yaml or .yml.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/user/agentcore/internal/hooks/builtin"
	"github.com/user/agentcore/internal/memory"
)

type LLMConfig struct {
	Provider          string  `json:"provider" yaml:"provider"`
	BaseURL           string  `json:"base_url" yaml:"base_url"`
	APIKey            string  `json:"api_key" yaml:"api_key"`
	Model             string  `json:"model" yaml:"model"`
	MaxTokens         int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature       float32 `json:"temperature" yaml:"temperature"`
	MaxContextTokens  int     `json:"max_context_tokens" yaml:"max_context_tokens"`
	OutputReserve     int     `json:"output_reserve" yaml:"output_reserve"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	ThinkingBudget    int     `json:"thinking_budget" yaml:"thinking_budget"`
	MaxRetries        int     `json:"max_retries" yaml:"max_retries"`
}

// StorageConfig selects the event log and memory backends.
type StorageConfig struct {
	// EventLog is "jsonl" or "mongo".
	EventLog string `json:"event_log" yaml:"event_log"`
	// Memory is "file" or "redis".
	Memory        string `json:"memory" yaml:"memory"`
	RedisURL      string `json:"redis_url" yaml:"redis_url"`
	MongoURI      string `json:"mongo_uri" yaml:"mongo_uri"`
	MongoDatabase string `json:"mongo_database" yaml:"mongo_database"`
}

type CompactionConfig struct {
	memory.TriggerConfig `yaml:",inline"`
	PreserveRecent       int `json:"preserve_recent" yaml:"preserve_recent"`
}

type RetentionConfig struct {
	// HandoffMaxAge is a time.ParseDuration string; empty disables pruning.
	HandoffMaxAge string `json:"handoff_max_age" yaml:"handoff_max_age"`
	MaxHandoffs   int    `json:"max_handoffs" yaml:"max_handoffs"`
	Schedule      string `json:"schedule" yaml:"schedule"`
}

type Config struct {
	DataDir       string `json:"data_dir" yaml:"data_dir"`
	LogLevel      string `json:"log_level" yaml:"log_level"`
	LogFormat     string `json:"log_format" yaml:"log_format"`
	MaxConcurrent int    `json:"max_concurrent" yaml:"max_concurrent"`
	MaxTurns      int    `json:"max_turns" yaml:"max_turns"`

	LLM        LLMConfig        `json:"llm" yaml:"llm"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Hooks      builtin.Config   `json:"hooks" yaml:"hooks"`
	Compaction CompactionConfig `json:"compaction" yaml:"compaction"`
	Retention  RetentionConfig  `json:"retention" yaml:"retention"`
	Brave      struct {
		APIKey string `json:"api_key" yaml:"api_key"`
	} `json:"brave" yaml:"brave"`
	Telemetry struct {
		Enabled bool `json:"enabled" yaml:"enabled"`
	} `json:"telemetry" yaml:"telemetry"`
}

// Default returns the built-in settings.
func Default() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".agentcore"),
		LogLevel:      "info",
		LogFormat:     "text",
		MaxConcurrent: 2,
		MaxTurns:      25,
		Hooks:         builtin.DefaultConfig(),
	}
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.Model = "claude-sonnet-4-5"
	cfg.LLM.MaxTokens = 8192
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 200000
	cfg.LLM.OutputReserve = 8192
	cfg.LLM.MaxRetries = 3
	cfg.Storage.EventLog = "jsonl"
	cfg.Storage.Memory = "file"
	cfg.Storage.MongoDatabase = "agentcore"
	cfg.Compaction.TriggerConfig = memory.DefaultTriggerConfig()
	cfg.Compaction.PreserveRecent = 6
	cfg.Retention.HandoffMaxAge = "720h"
	cfg.Retention.MaxHandoffs = 20
	cfg.Retention.Schedule = "@daily"
	return cfg
}

// Load reads path, writing the defaults there first if it does not exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	} else {
		return nil, err
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	switch cfg.LLM.Provider {
	case "anthropic":
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			cfg.LLM.APIKey = key
		}
	case "openai":
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.LLM.APIKey = key
		}
		if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
			cfg.LLM.BaseURL = baseURL
		}
	}
	if key := os.Getenv("BRAVE_API_KEY"); key != "" {
		cfg.Brave.APIKey = key
	}
	if url := os.Getenv("AGENTCORE_REDIS_URL"); url != "" {
		cfg.Storage.RedisURL = url
	}
	if uri := os.Getenv("AGENTCORE_MONGO_URI"); uri != "" {
		cfg.Storage.MongoURI = uri
	}
	if dir := os.Getenv("AGENTCORE_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
}

// Validate rejects backend names and combinations the CLI cannot build.
func (c *Config) Validate() error {
	var errs []error
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		errs = append(errs, fmt.Errorf("llm.provider: unknown provider %q", c.LLM.Provider))
	}
	switch c.Storage.EventLog {
	case "jsonl":
	case "mongo":
		if c.Storage.MongoURI == "" {
			errs = append(errs, errors.New("storage.mongo_uri is required for the mongo event log"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.event_log: unknown backend %q", c.Storage.EventLog))
	}
	switch c.Storage.Memory {
	case "file":
	case "redis":
		if c.Storage.RedisURL == "" {
			errs = append(errs, errors.New("storage.redis_url is required for the redis memory store"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.memory: unknown backend %q", c.Storage.Memory))
	}
	if c.MaxTurns < 1 {
		errs = append(errs, errors.New("max_turns must be positive"))
	}
	return errors.Join(errs...)
}

// Save writes cfg to path atomically, creating parent directories.
func Save(path string, cfg *Config) error {
	data, err := encode(path, cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

// ToMap returns cfg as a nested map using the JSON field names. Numbers
// come back as float64.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns every setting as a flat dot-keyed map, with secrets
// masked when mask is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the value stored under a dot-separated key in the file
// at path. A missing file is created with defaults first.
func GetValue(path, key string) (any, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if _, err := Load(path); err != nil {
			return nil, err
		}
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(raw)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under key in the file at path. The value is parsed
// as JSON when possible so numbers and booleans keep their type; anything
// else is stored as a string. Keys outside the known schema are kept.
func SetValue(path, key, value string) error {
	if key == "" {
		return errors.New("empty config key")
	}
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(raw)
	flat[key] = parseValue(value)
	nested := Unflatten(flat)

	// Known keys must still decode into Config.
	check, err := json.Marshal(nested)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(check, Default()); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	data, err := encode(path, nested)
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	m := make(map[string]any)
	if err := decode(path, data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func decode(path string, data []byte, v any) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func encode(path string, v any) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
