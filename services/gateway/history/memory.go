// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/quillworks/quill/services/gateway/datatypes"
)

// MemoryStore is an in-process TurnStore and AttachmentStore. Safe for
// concurrent use. State is lost on restart.
type MemoryStore struct {
	mu          sync.RWMutex
	turns       map[string][]datatypes.Message
	attachments map[string]Attachment
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		turns:       make(map[string][]datatypes.Message),
		attachments: make(map[string]Attachment),
	}
}

// Append implements TurnStore.
func (s *MemoryStore) Append(_ context.Context, conversationID string, msgs ...datatypes.Message) error {
	if conversationID == "" {
		return fmt.Errorf("conversation id is empty")
	}

	s.mu.Lock()
	s.turns[conversationID] = append(s.turns[conversationID], msgs...)
	s.mu.Unlock()
	return nil
}

// History implements TurnStore. The returned slice is a copy.
func (s *MemoryStore) History(_ context.Context, conversationID string) ([]datatypes.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.turns[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %q: %w", conversationID, ErrNotFound)
	}
	out := make([]datatypes.Message, len(record))
	copy(out, record)
	return out, nil
}

// Clear implements TurnStore.
func (s *MemoryStore) Clear(_ context.Context, conversationID string) error {
	s.mu.Lock()
	delete(s.turns, conversationID)
	s.mu.Unlock()
	return nil
}

// Put implements AttachmentStore.
func (s *MemoryStore) Put(_ context.Context, att Attachment) error {
	if att.ID == "" {
		return fmt.Errorf("attachment id is empty")
	}

	s.mu.Lock()
	s.attachments[att.ID] = att
	s.mu.Unlock()
	return nil
}

// Get implements AttachmentStore.
func (s *MemoryStore) Get(_ context.Context, id string) (Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	att, ok := s.attachments[id]
	if !ok {
		return Attachment{}, fmt.Errorf("attachment %q: %w", id, ErrNotFound)
	}
	return att, nil
}

// Delete implements AttachmentStore.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.attachments, id)
	s.mu.Unlock()
	return nil
}
