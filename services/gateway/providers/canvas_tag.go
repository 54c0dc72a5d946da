// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package providers

import (
	"regexp"
	"strings"
)

// Canvas-capable models are instructed (by the context assembler) to wrap
// long-form document output in a canvas tag:
//
//	<canvas title="Optional Title">
//	...document content...
//	</canvas>
//
// The adapter extracts the first such block; any surrounding prose stays
// in the conversational text.
var canvasTagRe = regexp.MustCompile(`(?s)<canvas(?:\s+title="([^"]*)")?\s*>\n?(.*?)</canvas>`)

// extractCanvasBlock pulls the first tagged canvas block out of model
// output. Returns the block (nil if none) and the text with that block
// removed.
func extractCanvasBlock(text string) (*CanvasBlock, string) {
	loc := canvasTagRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil, text
	}

	title := ""
	if loc[2] >= 0 {
		title = text[loc[2]:loc[3]]
	}
	content := strings.TrimRight(text[loc[4]:loc[5]], "\n")

	remaining := strings.TrimSpace(text[:loc[0]] + text[loc[1]:])
	return &CanvasBlock{Title: title, Content: content}, remaining
}
