// Package session implements the playtest session core: the turn loop that
// drives a narrator model against a simulated player group, the routing
// classifier, the discussion engine, and the session runner that ties them to
// checkpointing, world-state extraction, and the transcript trackers.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fablecrit/fablecrit/internal/checkpoint"
	"github.com/fablecrit/fablecrit/internal/invoke"
	"github.com/fablecrit/fablecrit/internal/observe"
	"github.com/fablecrit/fablecrit/internal/story"
	"github.com/fablecrit/fablecrit/internal/tracker"
	"github.com/fablecrit/fablecrit/internal/worldstate"
	"github.com/fablecrit/fablecrit/pkg/provider/llm"
)

// Result is the terminal summary of one session run: everything a report
// generator or batch aggregator needs without re-reading checkpoints.
type Result struct {
	SessionID string        `json:"session_id"`
	Outcome   story.Outcome `json:"outcome"`

	// History is the full conversation transcript, banter included.
	History []story.Message `json:"history"`

	// WorldState is the final extracted story state.
	WorldState story.WorldState `json:"world_state"`

	// Cost is the accumulated token and money breakdown for this run.
	Cost tracker.CostBreakdown `json:"cost"`

	// Issues are the narrative problems flagged over the full transcript.
	Issues []tracker.Issue `json:"issues,omitempty"`

	// PrivateMoments are all recorded asides, paid off or not.
	PrivateMoments []tracker.PrivateMoment `json:"private_moments,omitempty"`

	// Err is set when Outcome is failed. Checkpoints written before the
	// failure remain valid resume points.
	Err error `json:"-"`
}

// Runner orchestrates full playtest sessions. Construct with [NewRunner]; a
// single Runner is safe to share across concurrent sessions since all mutable
// state lives per run.
type Runner struct {
	registry *llm.Registry
	store    checkpoint.Store
	invoke   invoke.Config
	gate     QualityGate
	metrics  *observe.Metrics
	clock    func() time.Time

	classifierModels []string
	extractorModels  []string
	detectorModels   []string
	playerFallbacks  []string

	archetypes map[string]string
	prices     map[string]tracker.ModelPrice
}

// Option customises a Runner.
type Option func(*Runner)

// WithInvokeConfig sets retry and backoff behaviour for every generative call.
func WithInvokeConfig(cfg invoke.Config) Option {
	return func(r *Runner) { r.invoke = cfg }
}

// WithQualityGate replaces the default narrator output gate.
func WithQualityGate(g QualityGate) Option {
	return func(r *Runner) { r.gate = g }
}

// WithClassifierModels sets the routing classifier's model chain. Without one
// every turn routes with the fail-open default.
func WithClassifierModels(models ...string) Option {
	return func(r *Runner) { r.classifierModels = models }
}

// WithExtractorModels enables world-state extraction on the given chain.
func WithExtractorModels(models ...string) Option {
	return func(r *Runner) { r.extractorModels = models }
}

// WithDetectorModels enables the LLM-assisted contradiction pass on the given
// chain.
func WithDetectorModels(models ...string) Option {
	return func(r *Runner) { r.detectorModels = models }
}

// WithPlayerFallbacks sets the model chain tried after each player's own model.
func WithPlayerFallbacks(models ...string) Option {
	return func(r *Runner) { r.playerFallbacks = models }
}

// WithArchetypes sets the archetype persona table used for identity
// generation and player system prompts.
func WithArchetypes(personas map[string]string) Option {
	return func(r *Runner) { r.archetypes = personas }
}

// WithPrices sets the per-model price table feeding the cost tracker.
func WithPrices(prices map[string]tracker.ModelPrice) Option {
	return func(r *Runner) { r.prices = prices }
}

// WithMetrics replaces the default process-wide metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithClock replaces the wall clock, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) { r.clock = clock }
}

// NewRunner creates a session runner over the given model registry and
// checkpoint store.
func NewRunner(registry *llm.Registry, store checkpoint.Store, opts ...Option) *Runner {
	r := &Runner{
		registry: registry,
		store:    store,
		gate:     NewQualityGate(),
		metrics:  observe.DefaultMetrics(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// state is the mutable per-run session state. It is confined to the single
// goroutine driving the turn loop; parallel player generations only ever
// touch the cost tracker, which locks internally.
type state struct {
	id           string
	cfg          story.SessionConfig
	players      []story.PlayerAgent
	spokesperson string
	history      []story.Message
	world        story.WorldState
	turn         int
	issues       []tracker.Issue
	private      tracker.PrivateTracker
	cost         *tracker.CostTracker
	lineage      *checkpoint.Lineage
}

func (st *state) playerNames() []string {
	names := make([]string, len(st.players))
	for i, p := range st.players {
		names[i] = p.Name
	}
	return names
}

func (st *state) agent(name string) *story.PlayerAgent {
	for i := range st.players {
		if st.players[i].Name == name {
			return &st.players[i]
		}
	}
	return nil
}

func (st *state) spokespersonAgent() *story.PlayerAgent {
	return st.agent(st.spokesperson)
}

// Per-run collaborator constructors. These are cheap value assemblies, built
// fresh so each run's cost tracker is threaded through.

func (r *Runner) classifier(st *state) *Classifier {
	return &Classifier{Registry: r.registry, Models: r.classifierModels, Invoke: r.invoke, Cost: st.cost}
}

func (r *Runner) extractor(st *state) *worldstate.Extractor {
	return &worldstate.Extractor{Registry: r.registry, Models: r.extractorModels, Invoke: r.invoke, Cost: st.cost}
}

func (r *Runner) detector(st *state) *tracker.Detector {
	return &tracker.Detector{Registry: r.registry, Models: r.detectorModels, Invoke: r.invoke, Cost: st.cost}
}

func (r *Runner) discussion(st *state) *Discussion {
	return &Discussion{Registry: r.registry, Fallbacks: r.playerFallbacks, Invoke: r.invoke, Cost: st.cost, Clock: r.clock}
}

// Run executes one full session from cfg: group completion, pre-game banter,
// the main turn loop, and finalization. It always returns a Result; failures
// are reported through Result.Outcome and Result.Err, with any checkpoints
// written before the failure left intact as resume points.
func (r *Runner) Run(ctx context.Context, cfg story.SessionConfig) *Result {
	ctx, span := observe.StartSpan(ctx, "session.run")
	defer span.End()

	st := &state{
		id:   uuid.NewString(),
		cfg:  cfg,
		cost: tracker.NewCostTracker(r.prices),
	}

	if err := r.prepare(ctx, st); err != nil {
		return r.finish(ctx, st, story.OutcomeFailed, err)
	}

	return r.loop(ctx, st)
}

// Resume continues a session from a previously written checkpoint. The
// resumed run keeps the checkpoint's session ID and appends checkpoints for
// the turns it adds. Cost accounting restarts at zero: it measures this run,
// not the lineage.
func (r *Runner) Resume(ctx context.Context, cp *checkpoint.Checkpoint) (*Result, error) {
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	st := &state{
		id:           cp.SessionID,
		cfg:          cp.Config,
		players:      append([]story.PlayerAgent(nil), cp.Players...),
		spokesperson: cp.Spokesperson,
		history:      append([]story.Message(nil), cp.History...),
		world:        cp.WorldState,
		turn:         cp.Turn,
		issues:       append([]tracker.Issue(nil), cp.Issues...),
		private:      tracker.PrivateTracker{Moments: append([]tracker.PrivateMoment(nil), cp.PrivateMoments...)},
		cost:         tracker.NewCostTracker(r.prices),
		lineage:      cp.Lineage,
	}
	slog.Info("resuming session", "session", st.id, "from_turn", st.turn)
	return r.loop(ctx, st), nil
}

// Branch forks a checkpoint under a modified configuration and runs the child
// session from the fork point.
func (r *Runner) Branch(ctx context.Context, cp *checkpoint.Checkpoint, override checkpoint.ConfigOverride, reason string) (*Result, error) {
	child, err := checkpoint.Branch(cp, override, reason)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.Write(ctx, child); err != nil {
		return nil, fmt.Errorf("session: write branch point: %w", err)
	}
	slog.Info("branched session", "parent", cp.SessionID, "child", child.SessionID, "turn", cp.Turn, "reason", reason)
	return r.Resume(ctx, child)
}

// prepare completes the player group (identity generation where names are
// missing), validates the configuration, and runs the turn-0 pre-game banter
// that commits each character's identity.
func (r *Runner) prepare(ctx context.Context, st *state) error {
	players := append([]story.PlayerAgent(nil), st.cfg.Group.Players...)
	for i := range players {
		r.ensureIdentity(ctx, st, &players[i], names(players[:i]))
	}
	st.players = players
	st.spokesperson = st.cfg.Group.Spokesperson
	if st.spokesperson == "" && len(players) > 0 {
		// Generated groups have no pre-declared names to designate; the first
		// player speaks for the party.
		st.spokesperson = players[0].Name
	}
	// The config keeps its own copy: the live player agents mutate (identity
	// commitment appends to their system prompts) while the stored config must
	// stay as configured.
	st.cfg.Group.Players = append([]story.PlayerAgent(nil), players...)
	st.cfg.Group.Spokesperson = st.spokesperson

	if err := st.cfg.Validate(); err != nil {
		return fmt.Errorf("session: invalid config: %w", err)
	}

	r.banter(ctx, st)
	return nil
}

// ensureIdentity fills in a player's name, backstory, and system prompt where
// missing. Identity generation runs on the player's own model; on failure the
// first unused fallback name is taken so the session can still start.
func (r *Runner) ensureIdentity(ctx context.Context, st *state, p *story.PlayerAgent, taken []string) {
	persona := r.archetypes[p.Archetype]

	if p.Name == "" {
		identity, err := r.generateIdentity(ctx, st, p, persona, taken)
		if err != nil {
			slog.Warn("identity generation failed, using fallback name",
				"archetype", p.Archetype, "error", err)
			p.Name = pickFallbackName(taken)
		} else {
			p.Name = identity.Name
			p.Backstory = identity.Backstory
			for _, t := range taken {
				if t == p.Name {
					p.Name = pickFallbackName(taken)
					break
				}
			}
		}
	}

	if p.SystemPrompt == "" {
		p.SystemPrompt = playerSystemPrompt(persona, p.Name, p.Backstory, st.cfg.StoryRef)
	}
}

type identity struct {
	Name      string `json:"name"`
	Backstory string `json:"backstory"`
}

func (r *Runner) generateIdentity(ctx context.Context, st *state, p *story.PlayerAgent, persona string, taken []string) (*identity, error) {
	var used string
	resp, err := invoke.Do(ctx, r.invoke, p.Model, "identity",
		func(ctx context.Context, model string) (*llm.StructuredResponse, error) {
			backend, err := r.registry.Resolve(model)
			if err != nil {
				return nil, err
			}
			used = model
			return backend.CompleteStructured(ctx, llm.StructuredRequest{
				SchemaName: "character_identity",
				Schema:     identitySchema,
				Prompt:     identityPrompt(p.Archetype, persona, st.cfg.StoryRef, taken),
			})
		},
		invoke.Chain(append([]string{p.Model}, r.playerFallbacks...)...),
	)
	if err != nil {
		return nil, err
	}
	st.cost.Add(tracker.CategoryPlayers, used, resp.Usage)

	var id identity
	if err := json.Unmarshal(resp.Raw, &id); err != nil {
		return nil, fmt.Errorf("unusable identity JSON: %w", err)
	}
	if id.Name == "" {
		return nil, fmt.Errorf("model produced an empty character name")
	}
	return &id, nil
}

func pickFallbackName(taken []string) string {
	used := make(map[string]bool, len(taken))
	for _, t := range taken {
		used[t] = true
	}
	for _, name := range fallbackNames {
		if !used[name] {
			return name
		}
	}
	return fmt.Sprintf("Player-%d", len(taken)+1)
}

func names(players []story.PlayerAgent) []string {
	out := make([]string, len(players))
	for i, p := range players {
		out[i] = p.Name
	}
	return out
}

// banter runs the turn-0 pre-game round: a sequential introduction with no
// spokesperson synthesis, after which each character's identity is committed
// into its system prompt exactly once. Banter failure is cosmetic and never
// blocks the session.
func (r *Runner) banter(ctx context.Context, st *state) {
	msgs, err := r.discussion(st).Round(ctx, banterPrompt(st.cfg.StoryRef), 0, st.players, nil)
	if err != nil {
		slog.Warn("pre-game banter failed", "session", st.id, "error", err)
	}
	st.history = append(st.history, msgs...)

	partyNames := st.playerNames()
	for i := range st.players {
		st.players[i].CommitIdentity(commitmentBlock(st.players[i], partyNames))
	}
}

// loop drives the main turn loop until the story ends, the budget runs out,
// or a turn fails.
func (r *Runner) loop(ctx context.Context, st *state) *Result {
	for turn := st.turn + 1; turn <= st.cfg.MaxTurns; turn++ {
		ending, err := r.executeTurn(ctx, st, turn)
		if err != nil {
			return r.finish(ctx, st, story.OutcomeFailed, err)
		}
		st.turn = turn
		if ending {
			return r.finish(ctx, st, story.OutcomeCompleted, nil)
		}
	}
	return r.finish(ctx, st, story.OutcomeTimeout, nil)
}

// finish assembles the Result and emits the session's terminal telemetry.
func (r *Runner) finish(ctx context.Context, st *state, outcome story.Outcome, err error) *Result {
	r.metrics.RecordSession(ctx, string(outcome))

	breakdown := st.cost.Breakdown()
	unresolved := st.private.Unresolved()
	slog.Info("session finished",
		"session", st.id,
		"outcome", outcome,
		"turns", st.turn,
		"issues", len(st.issues),
		"unresolved_private_moments", len(unresolved),
		"total_usd", breakdown.EstimatedUSD,
		"error", err,
	)

	return &Result{
		SessionID:      st.id,
		Outcome:        outcome,
		History:        st.history,
		WorldState:     st.world,
		Cost:           breakdown,
		Issues:         st.issues,
		PrivateMoments: st.private.Moments,
		Err:            err,
	}
}
