// Package config defines the YAML configuration for the fablecrit harness and
// its loader. A config file declares the provider credentials, the model
// chains for each call category, the player archetype roster, the per-model
// price table, and checkpoint storage.
package config

import (
	"log/slog"

	"github.com/fablecrit/fablecrit/internal/tracker"
)

// LogLevel controls log verbosity for the harness.
type LogLevel string

// Valid log levels.
const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to its slog level. Unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root of the YAML configuration.
type Config struct {
	Server      ServerConfig               `yaml:"server"`
	Providers   []ProviderConfig           `yaml:"providers"`
	Models      ModelsConfig               `yaml:"models"`
	Session     SessionDefaults            `yaml:"session"`
	Archetypes  map[string]string          `yaml:"archetypes"`
	Prices      map[string]tracker.ModelPrice `yaml:"prices"`
	Checkpoints CheckpointConfig           `yaml:"checkpoints"`
	Batch       BatchConfig                `yaml:"batch"`
}

// ServerConfig holds logging and metrics settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr, when set, serves Prometheus metrics at /metrics.
	MetricsAddr string `yaml:"metrics_addr"`
}

// ProviderConfig declares one backend provider and the model identifiers it
// serves. Model identifiers are globally unique across providers; chains in
// [ModelsConfig] reference them by name.
type ProviderConfig struct {
	// Name selects the provider implementation: "openai", "anthropic",
	// "gemini", "ollama", "deepseek", "mistral", "groq", or "openai-native"
	// for the dedicated OpenAI SDK backend with structured-output support.
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. Hosted providers require it.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint (local gateways, proxies).
	BaseURL string `yaml:"base_url"`

	// Models lists the model identifiers this provider serves.
	Models []string `yaml:"models"`
}

// ModelsConfig declares the model chain per call category. The first entry of
// each chain is the primary; the rest are ordered fallbacks.
type ModelsConfig struct {
	Narrator   []string `yaml:"narrator"`
	Players    []string `yaml:"players"`
	Classifier []string `yaml:"classifier"`
	Extractor  []string `yaml:"extractor"`
	Detector   []string `yaml:"detector"`
}

// SessionDefaults seeds new session configurations.
type SessionDefaults struct {
	SystemPrompt string  `yaml:"system_prompt"`
	MaxTurns     int     `yaml:"max_turns"`
	Temperature  float64 `yaml:"temperature"`
}

// CheckpointConfig selects the checkpoint store. At most one backend may be
// configured; with neither set, sessions checkpoint to memory only.
type CheckpointConfig struct {
	// Dir stores checkpoints as JSON files under this directory.
	Dir string `yaml:"dir"`

	// PostgresDSN stores checkpoints in a shared PostgreSQL database.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// BatchConfig tunes unattended multi-session runs.
type BatchConfig struct {
	// Parallelism caps concurrently running sessions. Default: 4.
	Parallelism int `yaml:"parallelism"`
}

// knownProviders lists recognised provider names.
var knownProviders = map[string]bool{
	"openai": true, "anthropic": true, "gemini": true, "ollama": true,
	"deepseek": true, "mistral": true, "groq": true, "openai-native": true,
}
