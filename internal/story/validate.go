package story

import (
	"errors"
	"fmt"
)

// Group size bounds for a playtest session.
const (
	MinPlayers = 2
	MaxPlayers = 5
)

// Validate checks group composition: size bounds, unique non-empty player
// names, per-player required fields, and the spokesperson invariant.
// It returns a joined error listing all failures found.
func (g *GroupConfig) Validate() error {
	var errs []error

	if len(g.Players) < MinPlayers || len(g.Players) > MaxPlayers {
		errs = append(errs, fmt.Errorf("group must have %d-%d players, got %d", MinPlayers, MaxPlayers, len(g.Players)))
	}

	seen := make(map[string]bool, len(g.Players))
	for i, p := range g.Players {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("player %d: name must not be empty", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("player %d: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		if p.Archetype == "" {
			errs = append(errs, fmt.Errorf("player %q: archetype must not be empty", p.Name))
		}
		if p.Model == "" {
			errs = append(errs, fmt.Errorf("player %q: model must not be empty", p.Name))
		}
	}

	if g.Spokesperson == "" {
		errs = append(errs, errors.New("spokesperson must not be empty"))
	} else if !seen[g.Spokesperson] {
		errs = append(errs, fmt.Errorf("spokesperson %q is not a member of the group", g.Spokesperson))
	}

	return errors.Join(errs...)
}

// Validate checks that the session configuration is complete enough to run.
func (c *SessionConfig) Validate() error {
	var errs []error

	if c.StoryRef == "" {
		errs = append(errs, errors.New("story_ref must not be empty"))
	}
	if c.SystemPrompt == "" {
		errs = append(errs, errors.New("system_prompt must not be empty"))
	}
	if c.NarratorModel == "" {
		errs = append(errs, errors.New("narrator_model must not be empty"))
	}
	if c.MaxTurns < 1 {
		errs = append(errs, fmt.Errorf("max_turns must be positive, got %d", c.MaxTurns))
	}
	if err := c.Group.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("group: %w", err))
	}

	return errors.Join(errs...)
}
