// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package canvas implements the canvas document state machine.
//
// A conversation is in one of two canvas states: no canvas yet, or an
// active canvas {id, title, content}. The current canvas is never stored
// authoritatively. It is derived on demand by folding over the persisted
// turn history and taking the most recent marker record, so recomputation
// is idempotent and survives restarts with no cache invalidation story.
//
// Each canvas-producing turn emits exactly one marker record for the
// history store: a reserved prefix followed by the JSON payload. The
// marker is inert text from this package's point of view; storage belongs
// to the history collaborator, and the context assembler strips markers
// before anything reaches a provider.
package canvas

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quillworks/quill/services/gateway/datatypes"
)

// MarkerPrefix is the reserved prefix identifying a canvas marker record
// in the turn history. Nothing user-visible may start with it.
const MarkerPrefix = "⁣canvas-marker⁣"

// DefaultTitle is used when neither the caller nor the model output
// yields a usable title.
const DefaultTitle = "Untitled document"

// maxDerivedTitleLen bounds titles taken from the first line of output.
const maxDerivedTitleLen = 80

// EncodeMarker serializes a canvas payload into one marker record.
func EncodeMarker(p datatypes.CanvasPayload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding canvas marker: %w", err)
	}
	return MarkerPrefix + string(body), nil
}

// DecodeMarker parses a marker record back into its payload.
// The second return is false for anything that is not a marker.
func DecodeMarker(s string) (*datatypes.CanvasPayload, bool) {
	if !IsMarker(s) {
		return nil, false
	}
	var p datatypes.CanvasPayload
	if err := json.Unmarshal([]byte(s[len(MarkerPrefix):]), &p); err != nil {
		return nil, false
	}
	return &p, true
}

// IsMarker reports whether a stored message content is a marker record.
func IsMarker(s string) bool {
	return strings.HasPrefix(s, MarkerPrefix)
}

// Derive folds over the ordered turn history and returns the current
// canvas: the payload of the most recent marker record, or nil when the
// conversation has never produced one.
func Derive(history []datatypes.Message) *datatypes.CanvasPayload {
	for i := len(history) - 1; i >= 0; i-- {
		if p, ok := DecodeMarker(history[i].Content); ok {
			return p
		}
	}
	return nil
}

// Update describes one canvas transition request.
type Update struct {
	// Chunk is the model's new document output.
	Chunk string

	// ChunkTitle is a title the model attached to the output, if any.
	ChunkTitle string

	// RequestedTitle is the caller-supplied title for a new canvas.
	RequestedTitle string

	// ForceNew is the explicit intent to start a fresh document even
	// when a prior canvas exists.
	ForceNew bool
}

// Apply runs one transition against the prior state and returns the
// resulting canvas.
//
// Append fires when a prior canvas exists and ForceNew is unset: content
// becomes prior + blank-line separator + chunk, id and title preserved.
// New fires otherwise: fresh id, title from the chunk (or the requested
// title, or the default), content is the chunk alone.
func Apply(prior *datatypes.CanvasPayload, u Update) datatypes.CanvasPayload {
	now := time.Now().UnixMilli()
	chunk := strings.TrimSpace(u.Chunk)

	if prior != nil && !u.ForceNew {
		return datatypes.CanvasPayload{
			ID:        prior.ID,
			Title:     prior.Title,
			Content:   strings.TrimSpace(prior.Content) + "\n\n" + chunk,
			UpdatedAt: now,
		}
	}

	return datatypes.CanvasPayload{
		ID:        uuid.NewString(),
		Title:     pickTitle(u.ChunkTitle, u.RequestedTitle, chunk),
		Content:   chunk,
		UpdatedAt: now,
	}
}

// pickTitle chooses the new document's title: the model's own title wins,
// then the caller's request, then the first line of the output, then the
// default.
func pickTitle(chunkTitle, requestedTitle, chunk string) string {
	if t := strings.TrimSpace(chunkTitle); t != "" {
		return t
	}
	if t := strings.TrimSpace(requestedTitle); t != "" {
		return t
	}
	if line, _, _ := strings.Cut(chunk, "\n"); line != "" {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line != "" {
			if r := []rune(line); len(r) > maxDerivedTitleLen {
				line = string(r[:maxDerivedTitleLen])
			}
			return line
		}
	}
	return DefaultTitle
}
