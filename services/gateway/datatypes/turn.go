// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the gateway service.
//
// This file contains the request and response types for the turn endpoint,
// which runs one conversational turn end to end (attachment extraction,
// context assembly, model invocation, canvas merge). Canvas payload types
// live in canvas.go.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	// Byte length, not rune count, to bound memory on hostile payloads.
	MaxMessageContentBytes = 32 * 1024

	// MaxMessagesPerRequest is the maximum number of history messages a
	// caller may submit in one turn request.
	MaxMessagesPerRequest = 200

	// MaxAttachmentsPerTurn is the maximum number of attachment references
	// one turn may carry.
	MaxAttachmentsPerTurn = 16
)

// =============================================================================
// Roles and Output Targets
// =============================================================================

// Message roles in provider-agnostic form.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// OutputTarget selects where a model's long-form output lands.
type OutputTarget string

const (
	// TargetChat renders the response inline in the conversation.
	TargetChat OutputTarget = "chat"

	// TargetCanvas directs long-form output into the conversation's
	// canvas document.
	TargetCanvas OutputTarget = "canvas"
)

// Valid reports whether the target is one of the known values.
// An empty target is valid and treated as TargetChat.
func (t OutputTarget) Valid() bool {
	return t == "" || t == TargetChat || t == TargetCanvas
}

// =============================================================================
// Shared Validator Instance
// =============================================================================

var turnValidate *validator.Validate

func init() {
	turnValidate = validator.New()
	_ = turnValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces the byte cap on message content fields.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Messages
// =============================================================================

// Message is one role-tagged text turn in provider-agnostic form.
//
// Messages are ordered and append-only within a conversation. Internal
// marker records (see canvas.go) are stored as assistant messages and are
// stripped before anything is sent to a provider.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"maxbytes"`
}

// =============================================================================
// Turn Request
// =============================================================================

// TurnRequest is the body of POST /v1/turn.
//
// # Fields
//
//   - RequestID: unique identifier for this request (UUID v4). Generated
//     server-side if absent.
//   - Timestamp: Unix milliseconds UTC. Generated server-side if absent.
//   - ConversationID: identifies the turn-history stream this turn belongs to.
//   - ModelID: registry identifier of the model to invoke.
//   - Messages: prior history plus the user's new message, oldest first.
//   - AttachmentIDs: references resolved through the attachment store; each
//     is extracted to text and folded into the final user message.
//   - WantReasoning / WantWebSearch: caller intent for optional features.
//     The effective flag is the AND of intent and the model's static
//     capability; intent alone never enables a feature.
//   - OutputTarget: "chat" (default) or "canvas".
//   - NewCanvas: explicit intent to start a fresh canvas instead of
//     appending to the current one.
//   - CanvasTitle: optional title for a newly created canvas.
type TurnRequest struct {
	RequestID      string       `json:"request_id" validate:"omitempty,uuid4"`
	Timestamp      int64        `json:"timestamp" validate:"gte=0"`
	ConversationID string       `json:"conversation_id" validate:"required"`
	ModelID        string       `json:"model_id" validate:"required"`
	Messages       []Message    `json:"messages" validate:"required,min=1,max=200,dive"`
	AttachmentIDs  []string     `json:"attachment_ids" validate:"max=16"`
	WantReasoning  bool         `json:"want_reasoning"`
	WantWebSearch  bool         `json:"want_web_search"`
	OutputTarget   OutputTarget `json:"output_target" validate:"omitempty,oneof=chat canvas"`
	NewCanvas      bool         `json:"new_canvas"`
	CanvasTitle    string       `json:"canvas_title" validate:"max=256"`
}

// Validate checks the request against its field constraints.
func (r *TurnRequest) Validate() error {
	return turnValidate.Struct(r)
}

// EnsureDefaults populates RequestID, Timestamp, and OutputTarget when the
// client omitted them.
func (r *TurnRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
	if r.OutputTarget == "" {
		r.OutputTarget = TargetChat
	}
}

// =============================================================================
// Turn Response
// =============================================================================

// TurnResponse is the result of one turn.
//
// Text always carries the conversational reply. Canvas is non-nil only when
// the turn produced or updated a canvas document. A provider outage never
// surfaces here as an error; the router degrades it into apology text (or an
// apology-bearing canvas) so the conversation continues.
type TurnResponse struct {
	ResponseID       string         `json:"response_id"`
	RequestID        string         `json:"request_id"`
	Timestamp        int64          `json:"timestamp"`
	Text             string         `json:"text"`
	Canvas           *CanvasPayload `json:"canvas,omitempty"`
	Degraded         bool           `json:"degraded,omitempty"`
	ProcessingTimeMs int64          `json:"processing_time_ms,omitempty"`
}

// NewTurnResponse creates a response with a fresh ResponseID and timestamp,
// echoing the request ID for correlation.
func NewTurnResponse(requestID, text string) *TurnResponse {
	return &TurnResponse{
		ResponseID: uuid.NewString(),
		RequestID:  requestID,
		Timestamp:  time.Now().UnixMilli(),
		Text:       text,
	}
}
