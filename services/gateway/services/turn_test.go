// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/quillworks/quill/services/gateway/canvas"
	"github.com/quillworks/quill/services/gateway/datatypes"
	"github.com/quillworks/quill/services/gateway/history"
	"github.com/quillworks/quill/services/gateway/providers"
)

type fakeRouter struct {
	lastModel string
	lastReq   providers.Request
	result    *providers.Result
	degraded  bool
	err       error
}

func (f *fakeRouter) Route(_ context.Context, modelID string, req providers.Request) (*providers.Result, bool, error) {
	f.lastModel = modelID
	f.lastReq = req
	if f.err != nil {
		return nil, false, f.err
	}
	return f.result, f.degraded, nil
}

type fakeExtractor struct {
	output string
}

func (f *fakeExtractor) Extract(_ context.Context, name string, _ []byte) string {
	if f.output != "" {
		return f.output
	}
	return "extracted text of " + name
}

func newService(router *fakeRouter) (*TurnService, *history.MemoryStore) {
	store := history.NewMemoryStore()
	return NewTurnService(store, store, router, &fakeExtractor{}, nil), store
}

func chatRequest(conversationID, content string) *datatypes.TurnRequest {
	req := &datatypes.TurnRequest{
		ConversationID: conversationID,
		ModelID:        "gpt-5",
		Messages: []datatypes.Message{
			{Role: datatypes.RoleUser, Content: content},
		},
	}
	req.EnsureDefaults()
	return req
}

func TestRun_ChatTurn(t *testing.T) {
	router := &fakeRouter{result: &providers.Result{
		Text:  "hello back",
		Usage: &datatypes.TokenUsage{InputTokens: 10, OutputTokens: 5},
	}}
	svc, store := newService(router)

	resp, err := svc.Run(context.Background(), chatRequest("conv-1", "hello"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Text != "hello back" {
		t.Fatalf("text = %q", resp.Text)
	}
	if resp.Degraded {
		t.Fatal("healthy turn flagged degraded")
	}
	if resp.Canvas != nil {
		t.Fatal("chat turn produced a canvas")
	}
	if router.lastModel != "gpt-5" {
		t.Fatalf("routed model = %q", router.lastModel)
	}

	record, err := store.History(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(record) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(record))
	}
	if record[0].Content != "hello" || record[1].Content != "hello back" {
		t.Fatalf("record mismatch: %+v", record)
	}
}

func TestRun_PriorHistoryReachesProvider(t *testing.T) {
	router := &fakeRouter{result: &providers.Result{Text: "ok"}}
	svc, store := newService(router)
	ctx := context.Background()

	if err := store.Append(ctx, "conv-1",
		datatypes.Message{Role: datatypes.RoleUser, Content: "earlier question"},
		datatypes.Message{Role: datatypes.RoleAssistant, Content: "earlier answer"},
	); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	if _, err := svc.Run(ctx, chatRequest("conv-1", "follow-up")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var contents []string
	for _, m := range router.lastReq.Messages {
		contents = append(contents, m.Content)
	}
	joined := strings.Join(contents, "\n")
	for _, want := range []string{"earlier question", "earlier answer", "follow-up"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("provider messages missing %q:\n%s", want, joined)
		}
	}
}

func TestRun_AttachmentFolding(t *testing.T) {
	router := &fakeRouter{result: &providers.Result{Text: "ok"}}
	svc, store := newService(router)
	ctx := context.Background()

	if err := store.Put(ctx, history.Attachment{ID: "att-1", Name: "notes.txt", Data: []byte("raw")}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	req := chatRequest("conv-1", "summarize the attached file")
	req.AttachmentIDs = []string{"att-1"}

	if _, err := svc.Run(ctx, req); err != nil {
		t.Fatalf("Run: %v", err)
	}

	last := router.lastReq.Messages[len(router.lastReq.Messages)-1]
	if !strings.Contains(last.Content, "--- attachment: notes.txt ---") {
		t.Fatalf("attachment header missing:\n%s", last.Content)
	}
	if !strings.Contains(last.Content, "extracted text of notes.txt") {
		t.Fatalf("extracted text missing:\n%s", last.Content)
	}
}

func TestRun_MissingAttachmentBecomesDiagnostic(t *testing.T) {
	router := &fakeRouter{result: &providers.Result{Text: "ok"}}
	svc, _ := newService(router)

	req := chatRequest("conv-1", "see attachment")
	req.AttachmentIDs = []string{"ghost"}

	if _, err := svc.Run(context.Background(), req); err != nil {
		t.Fatalf("missing attachment must not fail the turn: %v", err)
	}
	last := router.lastReq.Messages[len(router.lastReq.Messages)-1]
	if !strings.Contains(last.Content, "attachment ghost could not be loaded") {
		t.Fatalf("diagnostic missing:\n%s", last.Content)
	}
}

func TestRun_OversizedExtractionIsTruncated(t *testing.T) {
	router := &fakeRouter{result: &providers.Result{Text: "ok"}}
	store := history.NewMemoryStore()
	svc := NewTurnService(store, store, router,
		&fakeExtractor{output: strings.Repeat("x", 50000)}, nil)
	ctx := context.Background()

	if err := store.Put(ctx, history.Attachment{ID: "att-1", Name: "big.txt", Data: []byte("raw")}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	req := chatRequest("conv-1", "read this")
	req.AttachmentIDs = []string{"att-1"}

	if _, err := svc.Run(ctx, req); err != nil {
		t.Fatalf("Run: %v", err)
	}
	last := router.lastReq.Messages[len(router.lastReq.Messages)-1]
	if !strings.Contains(last.Content, "[truncated:") {
		t.Fatal("truncation notice missing")
	}
	if len(last.Content) > 20000 {
		t.Fatalf("folded content not truncated: %d chars", len(last.Content))
	}
}

func TestRun_CanvasLifecycle(t *testing.T) {
	router := &fakeRouter{result: &providers.Result{
		Text:   "I drafted the document.",
		Canvas: &providers.CanvasBlock{Title: "Draft", Content: "# Draft\n\nFirst version."},
	}}
	svc, store := newService(router)
	ctx := context.Background()

	req := chatRequest("conv-1", "write a draft")
	req.OutputTarget = datatypes.TargetCanvas

	resp, err := svc.Run(ctx, req)
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if resp.Canvas == nil {
		t.Fatal("canvas turn returned no canvas")
	}
	if resp.Canvas.Title != "Draft" {
		t.Fatalf("title = %q", resp.Canvas.Title)
	}
	firstID := resp.Canvas.ID

	// The fold state must be persisted as a marker record.
	record, _ := store.History(ctx, "conv-1")
	var markerFound bool
	for _, m := range record {
		if canvas.IsMarker(m.Content) {
			markerFound = true
		}
	}
	if !markerFound {
		t.Fatal("no canvas marker persisted")
	}

	// Second canvas turn appends to the same document.
	router.result = &providers.Result{
		Text:   "Extended it.",
		Canvas: &providers.CanvasBlock{Content: "Second section."},
	}
	req2 := chatRequest("conv-1", "add more")
	req2.OutputTarget = datatypes.TargetCanvas

	resp2, err := svc.Run(ctx, req2)
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if resp2.Canvas.ID != firstID {
		t.Fatalf("append changed canvas identity: %q -> %q", firstID, resp2.Canvas.ID)
	}
	if !strings.Contains(resp2.Canvas.Content, "First version.") ||
		!strings.Contains(resp2.Canvas.Content, "Second section.") {
		t.Fatalf("append lost content:\n%s", resp2.Canvas.Content)
	}

	// Explicit new-canvas intent opens a fresh document.
	router.result = &providers.Result{
		Text:   "Started fresh.",
		Canvas: &providers.CanvasBlock{Content: "Clean slate."},
	}
	req3 := chatRequest("conv-1", "start over")
	req3.OutputTarget = datatypes.TargetCanvas
	req3.NewCanvas = true
	req3.CanvasTitle = "Fresh doc"

	resp3, err := svc.Run(ctx, req3)
	if err != nil {
		t.Fatalf("third turn: %v", err)
	}
	if resp3.Canvas.ID == firstID {
		t.Fatal("new-canvas intent reused prior identity")
	}
	if resp3.Canvas.Title != "Fresh doc" {
		t.Fatalf("requested title ignored: %q", resp3.Canvas.Title)
	}
	if strings.Contains(resp3.Canvas.Content, "First version.") {
		t.Fatal("fresh canvas carries prior content")
	}
}

func TestRun_MarkersNeverReachProvider(t *testing.T) {
	router := &fakeRouter{result: &providers.Result{Text: "ok"}}
	svc, store := newService(router)
	ctx := context.Background()

	marker, err := canvas.EncodeMarker(datatypes.CanvasPayload{ID: "c1", Title: "T", Content: "body"})
	if err != nil {
		t.Fatalf("EncodeMarker: %v", err)
	}
	if err := store.Append(ctx, "conv-1",
		datatypes.Message{Role: datatypes.RoleUser, Content: "earlier"},
		datatypes.Message{Role: datatypes.RoleAssistant, Content: marker},
	); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := svc.Run(ctx, chatRequest("conv-1", "next")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, m := range router.lastReq.Messages {
		if canvas.IsMarker(m.Content) {
			t.Fatal("marker record sent to provider")
		}
	}
}

func TestRun_DegradedPassthrough(t *testing.T) {
	router := &fakeRouter{result: &providers.Result{Text: "sorry"}, degraded: true}
	svc, _ := newService(router)

	resp, err := svc.Run(context.Background(), chatRequest("conv-1", "hi"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !resp.Degraded {
		t.Fatal("degraded flag lost")
	}
}

func TestRun_RoutingErrorSurfaces(t *testing.T) {
	router := &fakeRouter{err: errors.New("unknown model")}
	svc, _ := newService(router)

	if _, err := svc.Run(context.Background(), chatRequest("conv-1", "hi")); err == nil {
		t.Fatal("expected routing error")
	}
}

func TestRun_ConversationBusy(t *testing.T) {
	router := &fakeRouter{result: &providers.Result{Text: "ok"}}
	svc, _ := newService(router)

	if !svc.acquire("conv-1") {
		t.Fatal("acquire failed on idle conversation")
	}
	defer svc.release("conv-1")

	_, err := svc.Run(context.Background(), chatRequest("conv-1", "hi"))
	if !errors.Is(err, ErrConversationBusy) {
		t.Fatalf("got %v, want ErrConversationBusy", err)
	}

	// A different conversation is unaffected.
	if _, err := svc.Run(context.Background(), chatRequest("conv-2", "hi")); err != nil {
		t.Fatalf("other conversation blocked: %v", err)
	}
}
