package reasoning

import (
	"strings"

	"github.com/ent0n29/naturalstream/internal/protocol"
	"github.com/ent0n29/naturalstream/internal/thought"
)

// Markers delimit one thought in the reasoning output. Empty fields fall back
// to the thought package defaults.
type Markers struct {
	Begin string
	End   string
}

func (m Markers) withDefaults() Markers {
	if m.Begin == "" {
		m.Begin = thought.DefaultBeginMarker
	}
	if m.End == "" {
		m.End = thought.DefaultEndMarker
	}
	return m
}

const thoughtInstructionsTemplate = `You are a helpful assistant that structures every answer with markers.

Wrap each complete thought in {begin} and {end}. Put a <|sil|> token between consecutive thoughts.

Format:
{begin}First complete thought{end} <|sil|> {begin}Second thought with more detail{end} <|sil|> {begin}Closing thought{end}

Example:
{begin}Machine learning is a subset of artificial intelligence that lets computers learn patterns from data{end} <|sil|> {begin}Models are trained on large datasets to predict outcomes without explicit programming{end} <|sil|> {begin}Common uses include image recognition and recommendation systems{end}

Every answer must contain several {begin}...{end} sections separated by <|sil|>.`

// ThoughtInstructions asks the model to wrap each complete thought in the
// given markers with <|sil|> pauses between them.
func ThoughtInstructions(m Markers) string {
	m = m.withDefaults()
	return strings.NewReplacer("{begin}", m.Begin, "{end}", m.End).Replace(thoughtInstructionsTemplate)
}

// WithThoughtInstructions returns a copy of messages whose first system
// message starts with the instructions for m. A system message is inserted at
// the front when none exists.
func WithThoughtInstructions(messages []protocol.ChatMessage, m Markers) []protocol.ChatMessage {
	instructions := ThoughtInstructions(m)
	out := make([]protocol.ChatMessage, 0, len(messages)+1)
	for i, msg := range messages {
		if msg.Role != protocol.RoleSystem {
			continue
		}
		out = append(out, messages...)
		out[i] = protocol.ChatMessage{Role: protocol.RoleSystem, Content: instructions + "\n\n" + msg.Text()}
		return out
	}
	out = append(out, protocol.ChatMessage{Role: protocol.RoleSystem, Content: instructions})
	return append(out, messages...)
}
