// Command fablecrit runs automated playtest sessions of interactive fiction:
// single runs, parallel batches, branch-and-replay experiments, and checkpoint
// inspection.
//
// Usage:
//
//	fablecrit -config config.yaml run -story the-sunken-lighthouse -players cautious-planner,impulsive-hero
//	fablecrit -config config.yaml batch -story the-sunken-lighthouse -players a,b -n 10
//	fablecrit -config config.yaml branch -session ID -turn 5 -reason "darker tone" -prompt "..."
//	fablecrit -config config.yaml inspect -session ID [-turn 5]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fablecrit/fablecrit/internal/batch"
	"github.com/fablecrit/fablecrit/internal/checkpoint"
	"github.com/fablecrit/fablecrit/internal/config"
	"github.com/fablecrit/fablecrit/internal/observe"
	"github.com/fablecrit/fablecrit/internal/session"
	"github.com/fablecrit/fablecrit/internal/story"
	"github.com/fablecrit/fablecrit/pkg/provider/llm"
	"github.com/fablecrit/fablecrit/pkg/provider/llm/anyllm"
	oai "github.com/fablecrit/fablecrit/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "fablecrit: missing subcommand (run, batch, branch, inspect)")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "fablecrit: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "fablecrit: %v\n", err)
		}
		return 1
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Slog(),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "fablecrit"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.Server.MetricsAddr, mux); err != nil {
				slog.Error("metrics server stopped", "err", err)
			}
		}()
		slog.Info("serving metrics", "addr", cfg.Server.MetricsAddr)
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		slog.Error("failed to build model registry", "err", err)
		return 1
	}

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open checkpoint store", "err", err)
		return 1
	}
	defer closeStore()

	runner := session.NewRunner(reg, store,
		session.WithClassifierModels(cfg.Models.Classifier...),
		session.WithExtractorModels(cfg.Models.Extractor...),
		session.WithDetectorModels(cfg.Models.Detector...),
		session.WithPlayerFallbacks(rest(cfg.Models.Players)...),
		session.WithArchetypes(cfg.Archetypes),
		session.WithPrices(cfg.Prices),
	)

	switch args[0] {
	case "run":
		return cmdRun(ctx, cfg, runner, args[1:])
	case "batch":
		return cmdBatch(ctx, cfg, runner, args[1:])
	case "branch":
		return cmdBranch(ctx, runner, store, args[1:])
	case "inspect":
		return cmdInspect(ctx, store, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "fablecrit: unknown subcommand %q\n", args[0])
		return 2
	}
}

// buildRegistry instantiates one backend per declared model. The dedicated
// OpenAI backend ("openai-native") supports strict structured outputs; all
// other providers route through the any-llm-go wrapper.
func buildRegistry(cfg *config.Config) (*llm.Registry, error) {
	reg := llm.NewRegistry()
	for _, p := range cfg.Providers {
		for _, model := range p.Models {
			var (
				backend llm.Backend
				err     error
			)
			switch p.Name {
			case "openai-native":
				var opts []oai.Option
				if p.BaseURL != "" {
					opts = append(opts, oai.WithBaseURL(p.BaseURL))
				}
				backend, err = oai.New(p.APIKey, model, opts...)
			default:
				var opts []anyllmlib.Option
				if p.APIKey != "" {
					opts = append(opts, anyllmlib.WithAPIKey(p.APIKey))
				}
				if p.BaseURL != "" {
					opts = append(opts, anyllmlib.WithBaseURL(p.BaseURL))
				}
				backend, err = anyllm.New(p.Name, model, opts...)
			}
			if err != nil {
				return nil, fmt.Errorf("provider %q model %q: %w", p.Name, model, err)
			}
			reg.Register(model, backend)
		}
	}
	return reg, nil
}

// buildStore opens the configured checkpoint backend, defaulting to an
// in-memory store for throwaway runs.
func buildStore(ctx context.Context, cfg *config.Config) (checkpoint.Store, func(), error) {
	switch {
	case cfg.Checkpoints.PostgresDSN != "":
		pg, err := checkpoint.NewPGStore(ctx, cfg.Checkpoints.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case cfg.Checkpoints.Dir != "":
		fs, err := checkpoint.NewFSStore(cfg.Checkpoints.Dir)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	default:
		slog.Warn("no checkpoint backend configured, using in-memory store")
		return checkpoint.NewMemStore(), func() {}, nil
	}
}

// buildSessionConfig assembles a SessionConfig from config defaults and the
// run flags. Player names and backstories are generated at session start.
func buildSessionConfig(cfg *config.Config, storyRef, archetypeList, prompt string, maxTurns int) (story.SessionConfig, error) {
	var zero story.SessionConfig
	if storyRef == "" {
		return zero, errors.New("-story is required")
	}
	if archetypeList == "" {
		return zero, errors.New("-players is required (comma-separated archetypes)")
	}

	playerModel := ""
	if len(cfg.Models.Players) > 0 {
		playerModel = cfg.Models.Players[0]
	}
	var players []story.PlayerAgent
	for _, archetype := range strings.Split(archetypeList, ",") {
		archetype = strings.TrimSpace(archetype)
		if archetype == "" {
			continue
		}
		if _, ok := cfg.Archetypes[archetype]; !ok {
			return zero, fmt.Errorf("archetype %q is not in the config archetype table", archetype)
		}
		players = append(players, story.PlayerAgent{Archetype: archetype, Model: playerModel})
	}

	if prompt == "" {
		prompt = cfg.Session.SystemPrompt
	}
	if maxTurns <= 0 {
		maxTurns = cfg.Session.MaxTurns
	}

	narrator := ""
	if len(cfg.Models.Narrator) > 0 {
		narrator = cfg.Models.Narrator[0]
	}
	return story.SessionConfig{
		StoryRef:       storyRef,
		SystemPrompt:   prompt,
		NarratorModel:  narrator,
		FallbackModels: rest(cfg.Models.Narrator),
		Sampling:       story.Sampling{Temperature: cfg.Session.Temperature},
		Group:          story.GroupConfig{Players: players},
		MaxTurns:       maxTurns,
	}, nil
}

func cmdRun(ctx context.Context, cfg *config.Config, runner *session.Runner, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	storyRef := fs.String("story", "", "story reference to playtest")
	players := fs.String("players", "", "comma-separated player archetypes")
	prompt := fs.String("prompt", "", "narrator system prompt (default from config)")
	maxTurns := fs.Int("max-turns", 0, "turn budget (default from config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	sc, err := buildSessionConfig(cfg, *storyRef, *players, *prompt, *maxTurns)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fablecrit run: %v\n", err)
		return 2
	}

	res := runner.Run(ctx, sc)
	printJSON(res)
	if res.Outcome == story.OutcomeFailed {
		slog.Error("session failed", "err", res.Err)
		return 1
	}
	return 0
}

func cmdBatch(ctx context.Context, cfg *config.Config, runner *session.Runner, args []string) int {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	storyRef := fs.String("story", "", "story reference to playtest")
	players := fs.String("players", "", "comma-separated player archetypes")
	prompt := fs.String("prompt", "", "narrator system prompt (default from config)")
	maxTurns := fs.Int("max-turns", 0, "turn budget (default from config)")
	n := fs.Int("n", 1, "number of sessions to run")
	parallelism := fs.Int("parallelism", cfg.Batch.Parallelism, "max sessions in flight")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	sc, err := buildSessionConfig(cfg, *storyRef, *players, *prompt, *maxTurns)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fablecrit batch: %v\n", err)
		return 2
	}

	jobs := make([]batch.Job, *n)
	for i := range jobs {
		jobs[i] = batch.Job{Name: fmt.Sprintf("%s-%03d", *storyRef, i+1), Config: sc}
	}

	summary := batch.Run(ctx, runner, jobs, *parallelism)
	printJSON(summary)
	if summary.Outcomes[story.OutcomeFailed] == len(jobs) {
		return 1
	}
	return 0
}

func cmdBranch(ctx context.Context, runner *session.Runner, store checkpoint.Store, args []string) int {
	fs := flag.NewFlagSet("branch", flag.ContinueOnError)
	sessionID := fs.String("session", "", "parent session ID")
	turn := fs.Int("turn", 0, "parent turn to branch from")
	reason := fs.String("reason", "", "why this branch exists")
	prompt := fs.String("prompt", "", "override narrator system prompt")
	narratorModel := fs.String("narrator-model", "", "override narrator model")
	temperature := fs.Float64("temperature", 0, "override sampling temperature")
	maxTurns := fs.Int("max-turns", 0, "override turn budget")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *sessionID == "" || *turn < 1 {
		fmt.Fprintln(os.Stderr, "fablecrit branch: -session and -turn are required")
		return 2
	}

	cp, err := store.Read(ctx, *sessionID, *turn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fablecrit branch: %v\n", err)
		return 1
	}

	var override checkpoint.ConfigOverride
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "prompt":
			override.SystemPrompt = prompt
		case "narrator-model":
			override.NarratorModel = narratorModel
		case "temperature":
			override.Temperature = temperature
		case "max-turns":
			override.MaxTurns = maxTurns
		}
	})

	res, err := runner.Branch(ctx, cp, override, *reason)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fablecrit branch: %v\n", err)
		return 1
	}
	printJSON(res)
	if res.Outcome == story.OutcomeFailed {
		return 1
	}
	return 0
}

func cmdInspect(ctx context.Context, store checkpoint.Store, args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	sessionID := fs.String("session", "", "session ID to inspect")
	turn := fs.Int("turn", 0, "turn to load (default: latest)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "fablecrit inspect: -session is required")
		return 2
	}

	t := *turn
	if t == 0 {
		turns, err := store.List(ctx, *sessionID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fablecrit inspect: %v\n", err)
			return 1
		}
		if len(turns) == 0 {
			fmt.Fprintf(os.Stderr, "fablecrit inspect: session %q has no checkpoints\n", *sessionID)
			return 1
		}
		t = turns[len(turns)-1]
	}

	cp, err := store.Read(ctx, *sessionID, t)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fablecrit inspect: %v\n", err)
		return 1
	}
	printJSON(cp)
	return 0
}

// rest returns a chain without its primary (first) entry.
func rest(models []string) []string {
	if len(models) <= 1 {
		return nil
	}
	return models[1:]
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Error("failed to render output", "err", err)
	}
}
