// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package services provides the business logic for the gateway.
//
// This package contains service structs that encapsulate the turn
// pipeline, separating it from HTTP handlers. Services are responsible for:
//   - Orchestrating attachment extraction, context assembly, and model calls
//   - Folding provider output into the canvas state machine
//   - Persisting the conversation record
//
// Services are designed to be:
//   - Testable: dependencies are injected via constructors
//   - Traceable: all methods accept context for distributed tracing
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quillworks/quill/services/gateway/assembler"
	"github.com/quillworks/quill/services/gateway/canvas"
	"github.com/quillworks/quill/services/gateway/datatypes"
	"github.com/quillworks/quill/services/gateway/history"
	"github.com/quillworks/quill/services/gateway/observability"
	"github.com/quillworks/quill/services/gateway/providers"
)

// turnTracer is the OpenTelemetry tracer for TurnService operations.
var turnTracer = otel.Tracer("quill.gateway.services.turn")

// ErrConversationBusy is returned when a turn arrives for a conversation
// that already has one in flight. Turns are strictly serialized per
// conversation so the canvas fold and the persisted record stay ordered.
var ErrConversationBusy = errors.New("conversation already has a turn in flight")

// ModelRouter dispatches one request to a provider backend. Implemented
// by registry.Router.
type ModelRouter interface {
	Route(ctx context.Context, modelID string, req providers.Request) (*providers.Result, bool, error)
}

// Extractor turns an uploaded artifact into text. Implemented by
// extract.Extractor.
type Extractor interface {
	Extract(ctx context.Context, name string, data []byte) string
}

// TurnService runs one conversational turn end to end:
//
//	attachments → extraction → context assembly → model call → canvas fold → persist
//
// The service is stateless apart from the per-conversation in-flight
// guard; all conversation state lives in the turn store.
type TurnService struct {
	turns       history.TurnStore
	attachments history.AttachmentStore
	router      ModelRouter
	extractor   Extractor
	metrics     *observability.GatewayMetrics
	logger      *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewTurnService wires the pipeline. metrics may be nil (e.g. in tests);
// recording is then skipped.
func NewTurnService(
	turns history.TurnStore,
	attachments history.AttachmentStore,
	router ModelRouter,
	extractor Extractor,
	metrics *observability.GatewayMetrics,
) *TurnService {
	return &TurnService{
		turns:       turns,
		attachments: attachments,
		router:      router,
		extractor:   extractor,
		metrics:     metrics,
		logger:      slog.Default().With(slog.String("component", "turn-service")),
		inFlight:    make(map[string]struct{}),
	}
}

// Run executes one turn. The request must already be validated and have
// defaults applied.
//
// The caller's message list is the new input for this turn; the persisted
// record is authoritative for everything before it. Backend outages do
// not error here: the router degrades them into apology content and the
// response is flagged Degraded. The only hard errors are an unknown model
// and a busy conversation.
func (s *TurnService) Run(ctx context.Context, req *datatypes.TurnRequest) (*datatypes.TurnResponse, error) {
	ctx, span := turnTracer.Start(ctx, "TurnService.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", req.ConversationID),
		attribute.String("model.id", req.ModelID),
		attribute.String("output.target", string(req.OutputTarget)),
	)

	if !s.acquire(req.ConversationID) {
		span.SetStatus(codes.Error, "conversation busy")
		return nil, fmt.Errorf("%w: %s", ErrConversationBusy, req.ConversationID)
	}
	defer s.release(req.ConversationID)

	start := time.Now()
	if s.metrics != nil {
		s.metrics.TurnStarted()
		defer s.metrics.TurnEnded()
	}

	stored, err := s.turns.History(ctx, req.ConversationID)
	if err != nil && !errors.Is(err, history.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "history read failed")
		return nil, fmt.Errorf("read conversation %s: %w", req.ConversationID, err)
	}

	incoming := s.foldAttachments(ctx, req)
	full := make([]datatypes.Message, 0, len(stored)+len(incoming))
	full = append(full, stored...)
	full = append(full, incoming...)

	current := canvas.Derive(full)
	providerMsgs := assembler.Build(full, req.OutputTarget, current, req.NewCanvas)

	result, degraded, err := s.router.Route(ctx, req.ModelID, providers.Request{
		Messages:  providerMsgs,
		Reasoning: req.WantReasoning,
		WebSearch: req.WantWebSearch,
		Canvas:    req.OutputTarget == datatypes.TargetCanvas,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "routing failed")
		s.recordTurn(req.ModelID, observability.StatusError, start)
		return nil, err
	}

	if degraded {
		span.AddEvent("degraded_fallback", trace.WithAttributes(
			attribute.String("model.id", req.ModelID),
		))
	}

	resp := datatypes.NewTurnResponse(req.RequestID, result.Text)
	resp.Degraded = degraded

	var marker string
	if result.Canvas != nil {
		next := canvas.Apply(current, canvas.Update{
			Chunk:          result.Canvas.Content,
			ChunkTitle:     result.Canvas.Title,
			RequestedTitle: req.CanvasTitle,
			ForceNew:       req.NewCanvas,
		})
		resp.Canvas = &next

		if s.metrics != nil {
			if current == nil || next.ID != current.ID {
				s.metrics.RecordCanvasTransition(observability.TransitionNew)
			} else {
				s.metrics.RecordCanvasTransition(observability.TransitionAppend)
			}
		}

		marker, err = canvas.EncodeMarker(next)
		if err != nil {
			// Response still carries the canvas; only the persisted
			// fold state is lost for this turn.
			s.logger.Error("canvas marker encode failed",
				slog.String("conversation_id", req.ConversationID),
				slog.String("error", err.Error()),
			)
			marker = ""
		}
	}

	s.persist(ctx, req.ConversationID, incoming, result.Text, marker)

	if result.Usage != nil && s.metrics != nil {
		s.metrics.RecordTokens(result.Usage.InputTokens, result.Usage.OutputTokens, req.ModelID)
	}
	status := observability.StatusSuccess
	if degraded {
		status = observability.StatusDegraded
	}
	s.recordTurn(req.ModelID, status, start)

	resp.ProcessingTimeMs = time.Since(start).Milliseconds()
	return resp, nil
}

// foldAttachments resolves attachment references, extracts each to text,
// and folds the truncated results into the final user message. Missing
// attachments become inline diagnostics rather than failing the turn.
func (s *TurnService) foldAttachments(ctx context.Context, req *datatypes.TurnRequest) []datatypes.Message {
	incoming := make([]datatypes.Message, len(req.Messages))
	copy(incoming, req.Messages)

	if len(req.AttachmentIDs) == 0 {
		return incoming
	}

	target := -1
	for i := len(incoming) - 1; i >= 0; i-- {
		if incoming[i].Role == datatypes.RoleUser {
			target = i
			break
		}
	}
	if target < 0 {
		// No user message to fold into; nothing references the
		// attachments this turn.
		s.logger.Warn("attachment ids present but no user message in turn",
			slog.String("conversation_id", req.ConversationID))
		return incoming
	}

	content := incoming[target].Content
	for _, id := range req.AttachmentIDs {
		att, err := s.attachments.Get(ctx, id)
		if err != nil {
			s.logger.Warn("attachment lookup failed",
				slog.String("attachment_id", id),
				slog.String("error", err.Error()),
			)
			content += fmt.Sprintf("\n\n[attachment %s could not be loaded]", id)
			continue
		}

		extracted := s.extractor.Extract(ctx, att.Name, att.Data)
		if s.metrics != nil {
			s.metrics.RecordExtraction(int64(len(att.Data)))
		}
		content += fmt.Sprintf("\n\n--- attachment: %s ---\n%s",
			att.Name, assembler.TruncateTail(extracted, assembler.ContextBudget))
	}
	incoming[target].Content = content
	return incoming
}

// persist appends this turn's record: the caller's messages, the
// assistant reply, and the canvas marker when the canvas changed.
// Persistence failures are logged, not surfaced; the turn already
// completed against the backend.
func (s *TurnService) persist(ctx context.Context, conversationID string, incoming []datatypes.Message, text, marker string) {
	record := make([]datatypes.Message, 0, len(incoming)+2)
	record = append(record, incoming...)
	record = append(record, datatypes.Message{Role: datatypes.RoleAssistant, Content: text})
	if marker != "" {
		record = append(record, datatypes.Message{Role: datatypes.RoleAssistant, Content: marker})
	}

	if err := s.turns.Append(ctx, conversationID, record...); err != nil {
		s.logger.Error("turn record append failed",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *TurnService) recordTurn(modelID string, status observability.DeliveryStatus, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordTurn(modelID, status, time.Since(start).Seconds())
	}
}

// acquire takes the per-conversation in-flight slot.
func (s *TurnService) acquire(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[conversationID]; busy {
		return false
	}
	s.inFlight[conversationID] = struct{}{}
	return true
}

func (s *TurnService) release(conversationID string) {
	s.mu.Lock()
	delete(s.inFlight, conversationID)
	s.mu.Unlock()
}
