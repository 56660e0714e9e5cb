package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown YAML fields are rejected to catch typos early.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	declared := make(map[string]string)
	for i, p := range cfg.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: name must not be empty", i))
			continue
		}
		if !knownProviders[p.Name] {
			errs = append(errs, fmt.Errorf("providers[%d]: unknown provider %q", i, p.Name))
		}
		if len(p.Models) == 0 {
			errs = append(errs, fmt.Errorf("provider %q declares no models", p.Name))
		}
		for _, m := range p.Models {
			if prev, dup := declared[m]; dup {
				errs = append(errs, fmt.Errorf("model %q declared by both %q and %q", m, prev, p.Name))
			}
			declared[m] = p.Name
		}
	}

	if len(cfg.Models.Narrator) == 0 {
		errs = append(errs, errors.New("models.narrator chain must not be empty"))
	}
	if len(cfg.Models.Players) == 0 {
		errs = append(errs, errors.New("models.players chain must not be empty"))
	}
	for _, chain := range []struct {
		name   string
		models []string
	}{
		{"narrator", cfg.Models.Narrator},
		{"players", cfg.Models.Players},
		{"classifier", cfg.Models.Classifier},
		{"extractor", cfg.Models.Extractor},
		{"detector", cfg.Models.Detector},
	} {
		for _, m := range chain.models {
			if declared[m] == "" {
				errs = append(errs, fmt.Errorf("models.%s references undeclared model %q", chain.name, m))
			}
		}
	}

	if cfg.Session.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("session.max_turns must not be negative, got %d", cfg.Session.MaxTurns))
	}
	if cfg.Session.Temperature < 0 || cfg.Session.Temperature > 2 {
		errs = append(errs, fmt.Errorf("session.temperature %g is outside [0, 2]", cfg.Session.Temperature))
	}

	if cfg.Checkpoints.Dir != "" && cfg.Checkpoints.PostgresDSN != "" {
		errs = append(errs, errors.New("checkpoints.dir and checkpoints.postgres_dsn are mutually exclusive"))
	}

	if cfg.Batch.Parallelism < 0 {
		errs = append(errs, fmt.Errorf("batch.parallelism must not be negative, got %d", cfg.Batch.Parallelism))
	}

	for name, price := range cfg.Prices {
		if price.PromptUSDPerMTok < 0 || price.CompletionUSDPerMTok < 0 {
			errs = append(errs, fmt.Errorf("prices[%q]: negative price", name))
		}
	}

	return errors.Join(errs...)
}
