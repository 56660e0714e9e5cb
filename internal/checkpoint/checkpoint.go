// Package checkpoint serializes, validates, and branches full session
// snapshots. A checkpoint is written after every turn, keyed by (session ID,
// turn), and is a pure function of the session state it captures: identical
// inputs serialize identically, which makes branch diffing cheap.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/fablecrit/fablecrit/internal/story"
	"github.com/fablecrit/fablecrit/internal/tracker"
)

// SchemaVersion tags the current checkpoint wire format. Loads reject
// versions above this one.
const SchemaVersion = 2

// ErrInvalidFormat is returned when checkpoint data is structurally invalid:
// missing or mistyped fields, unknown enum values, or an unsupported schema
// version. It is fatal only for the specific load attempting it.
var ErrInvalidFormat = errors.New("checkpoint: invalid format")

// Lineage records a checkpoint's branch ancestry, making the full branch tree
// reconstructible without scanning storage.
type Lineage struct {
	// ParentSessionID is the session this one was branched from.
	ParentSessionID string `json:"parent_session_id"`

	// ParentTurn is the turn of the parent checkpoint that was resumed.
	ParentTurn int `json:"parent_turn"`

	// BranchReason is the operator-supplied reason for the branch.
	BranchReason string `json:"branch_reason"`
}

// Checkpoint is an immutable, turn-indexed snapshot of full session state.
// There is deliberately no creation timestamp: two checkpoints built from
// identical inputs must serialize to identical bytes.
type Checkpoint struct {
	SchemaVersion int    `json:"schema_version"`
	SessionID     string `json:"session_id"`
	Turn          int    `json:"turn"`

	// Config is the session's immutable configuration.
	Config story.SessionConfig `json:"config"`

	// History is the full conversation history up to and including Turn.
	History []story.Message `json:"history"`

	// Players is the live player-agent state (prompts mutate via identity
	// commitment, so this diverges from Config.Group over time).
	Players []story.PlayerAgent `json:"players"`

	// Spokesperson is the designated spokesperson's name.
	Spokesperson string `json:"spokesperson"`

	// WorldState is the extracted story state as of Turn.
	WorldState story.WorldState `json:"world_state"`

	// Issues are the tangents/issues detected so far.
	Issues []tracker.Issue `json:"issues,omitempty"`

	// PrivateMoments are the private asides recorded so far.
	PrivateMoments []tracker.PrivateMoment `json:"private_moments,omitempty"`

	// Lineage is set on branched sessions only.
	Lineage *Lineage `json:"lineage,omitempty"`
}

// Encode serializes the checkpoint deterministically.
func (c *Checkpoint) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode %s/%d: %w", c.SessionID, c.Turn, err)
	}
	return data, nil
}

// Decode parses and validates checkpoint data. Structurally invalid input is
// rejected with an error wrapping [ErrInvalidFormat] rather than proceeding on
// partial state.
func Decode(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks structural integrity of a checkpoint.
func (c *Checkpoint) Validate() error {
	switch {
	case c.SchemaVersion < 1:
		return fmt.Errorf("%w: missing schema_version", ErrInvalidFormat)
	case c.SchemaVersion > SchemaVersion:
		return fmt.Errorf("%w: schema_version %d is newer than supported %d", ErrInvalidFormat, c.SchemaVersion, SchemaVersion)
	case c.SessionID == "":
		return fmt.Errorf("%w: missing session_id", ErrInvalidFormat)
	case c.Turn < 0:
		return fmt.Errorf("%w: negative turn %d", ErrInvalidFormat, c.Turn)
	case len(c.Players) == 0:
		return fmt.Errorf("%w: no players", ErrInvalidFormat)
	}

	names := make(map[string]bool, len(c.Players))
	for i, p := range c.Players {
		if p.Name == "" {
			return fmt.Errorf("%w: player %d has no name", ErrInvalidFormat, i)
		}
		names[p.Name] = true
	}
	if !names[c.Spokesperson] {
		return fmt.Errorf("%w: spokesperson %q is not a player", ErrInvalidFormat, c.Spokesperson)
	}

	prevTurn := 0
	for i, m := range c.History {
		if !m.Role.IsValid() {
			return fmt.Errorf("%w: history[%d] has unknown role %q", ErrInvalidFormat, i, m.Role)
		}
		if m.Turn < prevTurn {
			return fmt.Errorf("%w: history[%d] turn %d decreases from %d", ErrInvalidFormat, i, m.Turn, prevTurn)
		}
		if m.Turn == 0 && m.Role == story.RoleNarrator {
			return fmt.Errorf("%w: history[%d] narrator message at turn 0", ErrInvalidFormat, i)
		}
		prevTurn = m.Turn
	}

	for i, is := range c.Issues {
		if !is.Kind.IsValid() {
			return fmt.Errorf("%w: issues[%d] has unknown kind %q", ErrInvalidFormat, i, is.Kind)
		}
	}

	return nil
}

// ConfigOverride selects the few SessionConfig fields a branch may change.
// Nil fields inherit the parent's value.
type ConfigOverride struct {
	SystemPrompt  *string
	NarratorModel *string
	Temperature   *float64
	MaxTurns      *int
}

// Branch creates a new session snapshot from cp with override applied. The
// child gets a fresh session ID, copies history, players, and trackers forward
// verbatim, and records its lineage back to cp.
func Branch(cp *Checkpoint, override ConfigOverride, reason string) (*Checkpoint, error) {
	if err := cp.Validate(); err != nil {
		return nil, err
	}

	cfg := cp.Config
	cfg.FallbackModels = append([]string(nil), cp.Config.FallbackModels...)
	if override.SystemPrompt != nil {
		cfg.SystemPrompt = *override.SystemPrompt
	}
	if override.NarratorModel != nil {
		cfg.NarratorModel = *override.NarratorModel
	}
	if override.Temperature != nil {
		cfg.Sampling.Temperature = *override.Temperature
	}
	if override.MaxTurns != nil {
		cfg.MaxTurns = *override.MaxTurns
	}

	child := &Checkpoint{
		SchemaVersion:  SchemaVersion,
		SessionID:      uuid.NewString(),
		Turn:           cp.Turn,
		Config:         cfg,
		History:        append([]story.Message(nil), cp.History...),
		Players:        append([]story.PlayerAgent(nil), cp.Players...),
		Spokesperson:   cp.Spokesperson,
		WorldState:     cp.WorldState,
		Issues:         append([]tracker.Issue(nil), cp.Issues...),
		PrivateMoments: append([]tracker.PrivateMoment(nil), cp.PrivateMoments...),
		Lineage: &Lineage{
			ParentSessionID: cp.SessionID,
			ParentTurn:      cp.Turn,
			BranchReason:    reason,
		},
	}
	return child, nil
}
