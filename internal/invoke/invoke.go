// Package invoke implements the model invocation layer: per-model retries with
// exponential backoff and ordered fallback across a chain of candidate models.
//
// Every generative call in the playtest core (narrator output, player
// reactions, spokesperson synthesis, classification, world-state extraction)
// goes through [Do] so that transient provider failure is invisible to callers
// unless the entire candidate chain is exhausted.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"time"
)

// ErrModelsExhausted is returned when every candidate model has failed its
// full retry budget. It is raised exactly once per invocation.
var ErrModelsExhausted = errors.New("invoke: all candidate models exhausted")

// Default retry and backoff parameters, applied by [Config.withDefaults].
const (
	DefaultRetryBudget = 3
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// Config tunes retry behaviour for a single [Do] invocation.
// The zero value selects the defaults above.
type Config struct {
	// RetryBudget is the number of attempts per model before falling back to
	// the next candidate. Values < 1 mean [DefaultRetryBudget].
	RetryBudget int

	// BaseDelay is the backoff before the second attempt on a model. The delay
	// doubles per subsequent attempt, capped at MaxDelay, with randomized
	// jitter applied.
	BaseDelay time.Duration

	// MaxDelay caps the backoff between attempts.
	MaxDelay time.Duration

	// Sleep waits for the given duration or until ctx is done. Nil means a
	// real timer-based sleep. Tests override this to run instantly.
	Sleep func(ctx context.Context, d time.Duration) error
}

// withDefaults fills in zero fields.
func (c Config) withDefaults() Config {
	if c.RetryBudget < 1 {
		c.RetryBudget = DefaultRetryBudget
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Sleep == nil {
		c.Sleep = sleepCtx
	}
	return c
}

// NextFunc selects the next candidate model given the set of model IDs already
// tried (all with value true). Returning "" means no candidate remains.
type NextFunc func(tried map[string]bool) string

// Chain returns a [NextFunc] that yields models in the given order, skipping
// ones already tried. This is the standard selector for config-declared
// fallback chains.
func Chain(models ...string) NextFunc {
	return func(tried map[string]bool) string {
		for _, m := range models {
			if !tried[m] {
				return m
			}
		}
		return ""
	}
}

// Do runs fn against initial and, on repeated failure, against successive
// candidates from next, until one attempt succeeds or no candidate remains.
//
// Each model is attempted up to cfg.RetryBudget times with exponentially
// increasing, jittered delays between attempts. When a model's budget is
// exhausted it is marked tried, next is asked for a fresh candidate, and the
// retry counter resets. Do returns on the first success across any candidate,
// or a single error wrapping [ErrModelsExhausted] and the last failure.
//
// label names the call site in logs (e.g. "narrator", "classifier").
func Do[T any](ctx context.Context, cfg Config, initial string, label string, fn func(ctx context.Context, model string) (T, error), next NextFunc) (T, error) {
	var zero T
	cfg = cfg.withDefaults()

	tried := make(map[string]bool)
	model := initial
	var lastErr error

	for model != "" {
		for attempt := 0; attempt < cfg.RetryBudget; attempt++ {
			if attempt > 0 {
				if err := cfg.Sleep(ctx, backoff(cfg, attempt)); err != nil {
					return zero, fmt.Errorf("invoke: %s: %w", label, err)
				}
			}

			result, err := fn(ctx, model)
			if err == nil {
				return result, nil
			}
			lastErr = err
			slog.Warn("model call failed",
				"label", label,
				"model", model,
				"attempt", attempt+1,
				"budget", cfg.RetryBudget,
				"error", err,
			)
		}

		tried[model] = true
		model = next(tried)
		if model != "" {
			slog.Info("falling back to next model", "label", label, "model", model)
		}
	}

	return zero, fmt.Errorf("%w: %s: tried %v: %v", ErrModelsExhausted, label, triedList(tried), lastErr)
}

// backoff computes the jittered delay before the given attempt (attempt ≥ 1).
// The raw delay is BaseDelay doubled per attempt and capped at MaxDelay; the
// returned value is uniformly drawn from [raw/2, raw).
func backoff(cfg Config, attempt int) time.Duration {
	raw := cfg.BaseDelay << (attempt - 1)
	if raw > cfg.MaxDelay || raw <= 0 {
		raw = cfg.MaxDelay
	}
	half := raw / 2
	return half + rand.N(raw-half)
}

// sleepCtx blocks for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// triedList renders the tried set as a sorted slice for error messages.
func triedList(tried map[string]bool) []string {
	out := make([]string, 0, len(tried))
	for m := range tried {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
