// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package assembler builds the exact turn sequence sent to a provider.
//
// It strips internal marker records (so repeated canvas turns never bloat
// the outbound context), injects the canvas-mode system turns, and applies
// the truncation budget to surfaced canvas content.
package assembler

import (
	"fmt"

	"github.com/quillworks/quill/services/gateway/canvas"
	"github.com/quillworks/quill/services/gateway/datatypes"
)

// ContextBudget is the maximum number of characters of canvas content
// surfaced to a provider in one turn.
const ContextBudget = 12000

// canvasFormatInstructions is the fixed system turn appended on every
// canvas-mode turn. It matches the tag the adapters extract.
const canvasFormatInstructions = `When producing document output, wrap it in a canvas tag:
<canvas title="...">
...content...
</canvas>
Inside the tag, write the final document content only: no conversational framing, no commentary, complete and self-contained. Anything outside the tag is treated as chat text.`

// Build assembles the provider-facing message sequence for one turn.
//
// Inputs:
//   - history: ordered turn history including the user's new message.
//   - target: chat or canvas mode.
//   - current: the conversation's current canvas, nil if none.
//   - newCanvas: explicit fresh-document intent; when set, the prior
//     canvas content is not surfaced since the model must not continue it.
func Build(history []datatypes.Message, target datatypes.OutputTarget,
	current *datatypes.CanvasPayload, newCanvas bool) []datatypes.Message {

	out := StripMarkers(history)

	if target != datatypes.TargetCanvas {
		return out
	}

	if current != nil && !newCanvas {
		out = append(out, datatypes.Message{
			Role: datatypes.RoleSystem,
			Content: fmt.Sprintf("The current canvas document %q follows. Continue it; your output will be appended.\n\n%s",
				current.Title, TruncateTail(current.Content, ContextBudget)),
		})
	}
	out = append(out, datatypes.Message{
		Role:    datatypes.RoleSystem,
		Content: canvasFormatInstructions,
	})
	return out
}

// TruncateTail enforces a character budget by keeping the last budget
// characters, prefixed by a notice stating the original length. The tail
// is kept rather than the head: for continuation, the most recent content
// is the relevant part. The budget counts runes, not bytes, so the cut
// never lands inside a multi-byte character.
func TruncateTail(s string, budget int) string {
	if budget <= 0 || len(s) <= budget {
		return s
	}
	runes := []rune(s)
	if len(runes) <= budget {
		return s
	}
	notice := fmt.Sprintf("[truncated: showing the last %d of %d characters]\n", budget, len(runes))
	return notice + string(runes[len(runes)-budget:])
}

// StripMarkers returns the history without internal marker records: the
// client-facing view of a conversation.
func StripMarkers(history []datatypes.Message) []datatypes.Message {
	out := make([]datatypes.Message, 0, len(history))
	for _, m := range history {
		if canvas.IsMarker(m.Content) {
			continue
		}
		out = append(out, m)
	}
	return out
}
