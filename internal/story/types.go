// Package story defines the data model shared by the playtest session core:
// messages, player agents, group and session configuration, routing policies,
// and world state. It is a leaf package with no project dependencies so that
// trackers, checkpointing, and the session engine can all build on it.
package story

import (
	"time"
)

// Role identifies the speaker of a [Message].
type Role string

const (
	// RoleNarrator marks story text produced by the narrator agent.
	RoleNarrator Role = "narrator"

	// RoleSpokesperson marks the synthesized group relay sent back to the narrator.
	RoleSpokesperson Role = "spokesperson"

	// RolePlayer marks an individual player agent's reaction.
	RolePlayer Role = "player"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleNarrator, RoleSpokesperson, RolePlayer:
		return true
	}
	return false
}

// RoutingPolicy is the classifier-assigned mode governing how player agents
// respond to a narrator output. The set is closed; the turn executor switches
// over it exhaustively.
type RoutingPolicy string

const (
	// RouteGroup has every player react independently and in parallel,
	// followed by a spokesperson synthesis. This is the permissive default.
	RouteGroup RoutingPolicy = "group"

	// RouteDiscussion runs a sequential deliberation round where each player
	// sees all earlier speakers, followed by a spokesperson synthesis.
	RouteDiscussion RoutingPolicy = "discussion"

	// RouteDirected has only the named target players react, one message each,
	// with no synthesis.
	RouteDirected RoutingPolicy = "directed"

	// RoutePrivate delivers the narrator output secretly to exactly one player.
	RoutePrivate RoutingPolicy = "private"

	// RouteNone means pure narration needing no reply (e.g. an epilogue).
	RouteNone RoutingPolicy = "none"
)

// IsValid reports whether p is a recognised routing policy.
func (p RoutingPolicy) IsValid() bool {
	switch p {
	case RouteGroup, RouteDiscussion, RouteDirected, RoutePrivate, RouteNone:
		return true
	}
	return false
}

// Message is one entry in a session's conversation history.
//
// Turn 0 is reserved for pre-game banter (player/spokesperson roles only);
// main-loop turns are positive and strictly increasing, with exactly one
// narrator message per turn.
type Message struct {
	Role Role `json:"role"`

	// PlayerName is set when Role is player (and for spokesperson messages,
	// the spokesperson's name).
	PlayerName string `json:"player_name,omitempty"`

	Text      string    `json:"text"`
	Turn      int       `json:"turn"`
	Timestamp time.Time `json:"timestamp"`

	// RoutingLabel records the policy that governed the turn this message
	// belongs to. Set on narrator messages after classification.
	RoutingLabel RoutingPolicy `json:"routing_label,omitempty"`

	// Reasoning is the model's reasoning trace, when the provider exposed one.
	Reasoning string `json:"reasoning,omitempty"`
}

// Classification is the routing decision for one narrator output.
type Classification struct {
	// IsEnding reports that the narrator output concludes the story.
	IsEnding bool `json:"is_ending"`

	// ResponseType selects the routing policy for this turn. Policies are
	// mutually exclusive; exactly one governs routing.
	ResponseType RoutingPolicy `json:"response_type"`

	// Targets names the players addressed, for directed and private routing.
	Targets []string `json:"targets,omitempty"`

	// Confidence is the classifier's self-reported confidence in [0, 1].
	// Zero for the fail-open default classification.
	Confidence float64 `json:"confidence"`

	// Rationale is the classifier's free-text justification.
	Rationale string `json:"rationale,omitempty"`
}

// Sampling carries decoding parameters for narrator generation.
type Sampling struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// PlayerAgent is a simulated participant with a fixed behavioral archetype.
//
// Identity fields (Archetype, Name, Model, Backstory) are immutable after
// group generation. SystemPrompt is append-only: once the character identity
// is committed from the group's introduction, a commitment block is appended
// exactly once and never retracted.
type PlayerAgent struct {
	// Archetype is the behavioral archetype identifier (e.g. "cautious-planner").
	Archetype string `json:"archetype"`

	// Name is the generated character name.
	Name string `json:"name"`

	// Model is the model identifier this agent's reactions are generated with.
	Model string `json:"model"`

	// SystemPrompt is the agent's system prompt text.
	SystemPrompt string `json:"system_prompt"`

	// Backstory is the generated character backstory.
	Backstory string `json:"backstory"`

	// Committed reports whether the one-shot commitment block has been
	// appended to SystemPrompt.
	Committed bool `json:"committed"`
}

// CommitIdentity appends block to the agent's system prompt. The append
// happens at most once; later calls are no-ops.
func (p *PlayerAgent) CommitIdentity(block string) {
	if p.Committed || block == "" {
		return
	}
	p.SystemPrompt += "\n\n" + block
	p.Committed = true
}

// GroupConfig is the ordered list of player agents plus the designated
// spokesperson. The spokesperson must be one of the players.
type GroupConfig struct {
	// Players is the ordered group, 2 to 5 agents.
	Players []PlayerAgent `json:"players"`

	// Spokesperson is the name of the player who relays the group's reaction
	// to the narrator.
	Spokesperson string `json:"spokesperson"`
}

// Agent returns a pointer to the player with the given name, or nil.
func (g *GroupConfig) Agent(name string) *PlayerAgent {
	for i := range g.Players {
		if g.Players[i].Name == name {
			return &g.Players[i]
		}
	}
	return nil
}

// SpokespersonAgent returns a pointer to the designated spokesperson, or nil
// when the group is invalid.
func (g *GroupConfig) SpokespersonAgent() *PlayerAgent {
	return g.Agent(g.Spokesperson)
}

// Names returns the player names in group order.
func (g *GroupConfig) Names() []string {
	names := make([]string, len(g.Players))
	for i, p := range g.Players {
		names[i] = p.Name
	}
	return names
}

// SessionConfig is the immutable replay unit for a session. Branching copies
// it forward with at most a few fields overridden.
type SessionConfig struct {
	// StoryRef identifies the story content being playtested.
	StoryRef string `json:"story_ref"`

	// SystemPrompt is the narrator's system prompt text.
	SystemPrompt string `json:"system_prompt"`

	// NarratorModel is the primary model identifier for narrator generation.
	NarratorModel string `json:"narrator_model"`

	// FallbackModels is the ordered fallback chain tried after NarratorModel.
	FallbackModels []string `json:"fallback_models,omitempty"`

	// Sampling holds the narrator's sampling parameters.
	Sampling Sampling `json:"sampling"`

	// Group is the player group composition.
	Group GroupConfig `json:"group"`

	// MaxTurns is the turn budget; a session that never reaches an ending
	// terminates with outcome timeout once the budget is spent.
	MaxTurns int `json:"max_turns"`
}

// WorldState is the best-effort extracted story state. Extraction failures
// leave it unchanged, so all fields are cumulative approximations.
type WorldState struct {
	Location  string            `json:"location,omitempty"`
	Inventory []string          `json:"inventory,omitempty"`
	NPCs      []string          `json:"npcs,omitempty"`
	Flags     map[string]string `json:"flags,omitempty"`
}

// Outcome is the terminal state of a session.
type Outcome string

const (
	// OutcomeCompleted means the narrator signalled an ending.
	OutcomeCompleted Outcome = "completed"

	// OutcomeTimeout means the turn budget was exhausted before an ending.
	OutcomeTimeout Outcome = "timeout"

	// OutcomeFailed means an unrecoverable error aborted the session.
	OutcomeFailed Outcome = "failed"
)

// SilentCounterpart stands in for the party's reply in the narrator-visible
// projection when a turn produced no spokesperson relay (none, directed, or
// private routing). It keeps narrator outputs from sitting adjacent in the
// projection, a shape chat APIs reject or mishandle.
const SilentCounterpart = "The party says nothing and waits for the story to continue."

// NarratorView projects history to the subsequence the narrator is allowed to
// see: narrator and spokesperson messages from main-loop turns only. Turn-0
// pre-game banter and player discussions are never shown to the narrator; it
// only ever sees what the spokesperson relays. Turns without a relay get a
// [SilentCounterpart] placeholder injected so no two narrator messages are
// ever adjacent.
func NarratorView(history []Message) []Message {
	var out []Message
	for _, m := range history {
		if m.Turn < 1 {
			continue
		}
		if m.Role != RoleNarrator && m.Role != RoleSpokesperson {
			continue
		}
		if m.Role == RoleNarrator && len(out) > 0 && out[len(out)-1].Role == RoleNarrator {
			out = append(out, Message{
				Role: RoleSpokesperson,
				Text: SilentCounterpart,
				Turn: out[len(out)-1].Turn,
			})
		}
		out = append(out, m)
	}
	return out
}
