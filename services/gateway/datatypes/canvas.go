// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// CanvasPayload is the wire and storage shape of a canvas document.
//
// A canvas is a long-form document artifact distinct from the turn stream.
// Exactly one canvas is "current" per conversation; it is derived by
// scanning history for the most recent marker record, never stored as
// authoritative state on its own.
type CanvasPayload struct {
	// ID is an opaque stable identifier (UUID v4). Preserved across
	// append updates; regenerated when a new canvas is started.
	ID string `json:"id"`

	// Title is a short human-readable name for the document.
	Title string `json:"title"`

	// Content is the full document text.
	Content string `json:"content"`

	// UpdatedAt is Unix milliseconds UTC of the last update.
	UpdatedAt int64 `json:"updated_at"`
}
