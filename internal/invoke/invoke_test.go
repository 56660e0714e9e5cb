package invoke_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fablecrit/fablecrit/internal/invoke"
)

// instantSleep is a Config.Sleep that never waits.
func instantSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func TestDo_FirstSuccess(t *testing.T) {
	t.Parallel()

	attempts := 0
	got, err := invoke.Do(context.Background(), invoke.Config{Sleep: instantSleep}, "model-a", "test",
		func(_ context.Context, model string) (string, error) {
			attempts++
			return "hello from " + model, nil
		},
		invoke.Chain("model-a", "model-b"),
	)
	if err != nil {
		t.Fatalf("Do returned unexpected error: %v", err)
	}
	if got != "hello from model-a" {
		t.Errorf("got %q, want result from model-a", got)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestDo_FallsBackAfterBudget(t *testing.T) {
	t.Parallel()

	var calls []string
	got, err := invoke.Do(context.Background(), invoke.Config{RetryBudget: 2, Sleep: instantSleep}, "model-a", "test",
		func(_ context.Context, model string) (int, error) {
			calls = append(calls, model)
			if model == "model-a" {
				return 0, errors.New("boom")
			}
			return 42, nil
		},
		invoke.Chain("model-a", "model-b"),
	)
	if err != nil {
		t.Fatalf("Do returned unexpected error: %v", err)
	}
	if got != 42 {
		t.Errorf("got %d, want 42", got)
	}
	want := []string{"model-a", "model-a", "model-b"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestDo_Exhaustion(t *testing.T) {
	t.Parallel()

	const budget = 3
	models := []string{"model-a", "model-b", "model-c"}

	perModel := make(map[string]int)
	var order []string
	_, err := invoke.Do(context.Background(), invoke.Config{RetryBudget: budget, Sleep: instantSleep}, models[0], "test",
		func(_ context.Context, model string) (string, error) {
			perModel[model]++
			if len(order) == 0 || order[len(order)-1] != model {
				order = append(order, model)
			}
			return "", fmt.Errorf("always fails")
		},
		invoke.Chain(models...),
	)
	if !errors.Is(err, invoke.ErrModelsExhausted) {
		t.Fatalf("err = %v, want ErrModelsExhausted", err)
	}

	total := 0
	for _, m := range models {
		if perModel[m] != budget {
			t.Errorf("model %q attempted %d times, want %d", m, perModel[m], budget)
		}
		total += perModel[m]
	}
	if total != len(models)*budget {
		t.Errorf("total attempts = %d, want %d", total, len(models)*budget)
	}
	for i, m := range models {
		if order[i] != m {
			t.Errorf("fallback order[%d] = %q, want %q", i, order[i], m)
		}
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	_, err := invoke.Do(ctx, invoke.Config{}, "model-a", "test",
		func(_ context.Context, _ string) (string, error) {
			attempts++
			cancel()
			return "", errors.New("fail once")
		},
		invoke.Chain("model-a"),
	)
	if err == nil {
		t.Fatal("Do returned nil error after context cancellation")
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(err, invoke.ErrModelsExhausted) {
		t.Errorf("err = %v, want context.Canceled or ErrModelsExhausted", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (backoff should abort on cancellation)", attempts)
	}
}

func TestChain_SkipsTried(t *testing.T) {
	t.Parallel()

	next := invoke.Chain("a", "b", "c")

	if got := next(map[string]bool{}); got != "a" {
		t.Errorf("next(∅) = %q, want a", got)
	}
	if got := next(map[string]bool{"a": true}); got != "b" {
		t.Errorf("next({a}) = %q, want b", got)
	}
	if got := next(map[string]bool{"a": true, "b": true, "c": true}); got != "" {
		t.Errorf("next(all) = %q, want empty", got)
	}
}
