// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package history persists conversation turns and uploaded attachments.
//
// Two implementations back the same contracts: an in-process map store for
// tests and single-node development, and a BadgerDB store for durable
// local persistence.
package history

import (
	"context"
	"errors"

	"github.com/quillworks/quill/services/gateway/datatypes"
)

// ErrNotFound is returned for lookups of absent conversations or attachments.
var ErrNotFound = errors.New("not found")

// Attachment is one uploaded artifact awaiting extraction into a turn.
type Attachment struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Data       []byte `json:"data"`
	UploadedAt int64  `json:"uploaded_at"`
}

// TurnStore holds the ordered turn record per conversation, canvas marker
// records included. Order of appended messages is the order History returns.
type TurnStore interface {
	// Append adds messages to the end of a conversation's record,
	// creating the conversation on first use.
	Append(ctx context.Context, conversationID string, msgs ...datatypes.Message) error

	// History returns the full record in append order. A conversation
	// that was never written returns ErrNotFound.
	History(ctx context.Context, conversationID string) ([]datatypes.Message, error)

	// Clear removes a conversation's record. Clearing an absent
	// conversation is a no-op.
	Clear(ctx context.Context, conversationID string) error
}

// AttachmentStore holds uploaded artifacts keyed by id.
type AttachmentStore interface {
	Put(ctx context.Context, att Attachment) error

	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (Attachment, error)

	Delete(ctx context.Context, id string) error
}
