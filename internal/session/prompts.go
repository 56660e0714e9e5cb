package session

import (
	"fmt"
	"strings"

	"github.com/fablecrit/fablecrit/internal/story"
	"github.com/fablecrit/fablecrit/pkg/provider/llm"
)

// narratorHistory projects the session transcript into the message list the
// narrator model sees: its own prior outputs as assistant turns and the
// spokesperson relays as user turns. Everything else (turn-0 banter, raw
// player reactions, private replies) stays invisible. When the previous turn
// produced no relay the list would end on an assistant message, so a silent
// counterpart is appended for the narrator to react to.
func narratorHistory(history []story.Message) []llm.Message {
	visible := story.NarratorView(history)
	out := make([]llm.Message, 0, len(visible)+1)
	for _, m := range visible {
		switch m.Role {
		case story.RoleNarrator:
			out = append(out, llm.Message{Role: "assistant", Content: m.Text})
		case story.RoleSpokesperson:
			out = append(out, llm.Message{Role: "user", Content: m.Text, Name: m.PlayerName})
		}
	}
	if len(out) > 0 && out[len(out)-1].Role == "assistant" {
		out = append(out, llm.Message{Role: "user", Content: story.SilentCounterpart})
	}
	return out
}

// openingPrompt seeds the very first narrator turn, when there is no
// spokesperson relay to react to yet.
func openingPrompt(storyRef string, playerNames []string) string {
	return fmt.Sprintf(
		"Begin the story %q. The party consists of %s. Set the opening scene and address the group.",
		storyRef, strings.Join(playerNames, ", "))
}

// playerSystemPrompt builds a player agent's base system prompt from its
// archetype persona and generated identity.
func playerSystemPrompt(persona, name, backstory, storyRef string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a player in the interactive story %q.\n", name, storyRef)
	if persona != "" {
		fmt.Fprintf(&sb, "Play style: %s\n", persona)
	}
	if backstory != "" {
		fmt.Fprintf(&sb, "Backstory: %s\n", backstory)
	}
	sb.WriteString("Stay in character. React in first person, briefly, to what the narrator describes. Never narrate the world yourself.")
	return sb.String()
}

// commitmentBlock is appended to a player's system prompt exactly once, after
// the pre-game introductions, locking the character identity for the rest of
// the session.
func commitmentBlock(p story.PlayerAgent, partyNames []string) string {
	others := make([]string, 0, len(partyNames)-1)
	for _, n := range partyNames {
		if n != p.Name {
			others = append(others, n)
		}
	}
	return fmt.Sprintf(
		"You have introduced yourself to the party as %s. Your companions are %s. This identity is now fixed; do not reinvent your name, backstory, or personality.",
		p.Name, strings.Join(others, ", "))
}

// banterPrompt opens the turn-0 pre-game round.
func banterPrompt(storyRef string) string {
	return fmt.Sprintf(
		"The party is gathering before the story %q begins. Introduce your character to the others in one or two sentences and react to anyone who spoke before you.",
		storyRef)
}

// privateNote frames a narrator aside for its sole recipient.
func privateNote(narratorText string) string {
	return "The narrator tells you, and only you, privately:\n\n" + narratorText +
		"\n\nReact in character. The rest of the party does not hear this."
}

// synthesisPrompt asks the spokesperson to fold the round's reactions into one
// relay back to the narrator.
func synthesisPrompt(narratorText string, reactions []story.Message) string {
	var sb strings.Builder
	sb.WriteString("The narrator said:\n\n")
	sb.WriteString(narratorText)
	sb.WriteString("\n\nYour party reacted:\n")
	for _, m := range reactions {
		fmt.Fprintf(&sb, "- %s: %s\n", m.PlayerName, m.Text)
	}
	sb.WriteString("\nAs the party's spokesperson, combine these into one reply to the narrator, in your own voice, speaking for the whole group. State what the party does next.")
	return sb.String()
}

// identitySchema is the structured-output schema for character generation.
var identitySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"name":      map[string]any{"type": "string"},
		"backstory": map[string]any{"type": "string"},
	},
	"required": []any{"name", "backstory"},
}

// identityPrompt asks a model to invent a character for an archetype.
func identityPrompt(archetype, persona, storyRef string, taken []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Invent a player character for the interactive story %q.\n", storyRef)
	fmt.Fprintf(&sb, "Archetype: %s.", archetype)
	if persona != "" {
		fmt.Fprintf(&sb, " %s", persona)
	}
	sb.WriteString("\nGive a short first name and a two-sentence backstory.")
	if len(taken) > 0 {
		fmt.Fprintf(&sb, " Do not reuse these names: %s.", strings.Join(taken, ", "))
	}
	return sb.String()
}

// fallbackNames seed deterministic character names when identity generation
// fails. Picked in order, skipping names already in use.
var fallbackNames = []string{"Ash", "Briar", "Cole", "Dara", "Eli", "Fen", "Gale"}
