// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/quillworks/quill/services/gateway/datatypes"
)

// storeUnderTest bundles both contracts so every implementation runs the
// same suite.
type storeUnderTest interface {
	TurnStore
	AttachmentStore
}

func openStores(t *testing.T) map[string]storeUnderTest {
	t.Helper()

	bs, err := OpenBadger(BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { bs.Close() })

	return map[string]storeUnderTest{
		"memory": NewMemoryStore(),
		"badger": bs,
	}
}

func TestTurnStore_AppendAndHistory(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := store.Append(ctx, "conv-1",
				datatypes.Message{Role: datatypes.RoleUser, Content: "hello"},
				datatypes.Message{Role: datatypes.RoleAssistant, Content: "hi there"},
			); err != nil {
				t.Fatalf("Append: %v", err)
			}
			if err := store.Append(ctx, "conv-1",
				datatypes.Message{Role: datatypes.RoleUser, Content: "more"},
			); err != nil {
				t.Fatalf("second Append: %v", err)
			}

			record, err := store.History(ctx, "conv-1")
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(record) != 3 {
				t.Fatalf("got %d messages, want 3", len(record))
			}
			want := []string{"hello", "hi there", "more"}
			for i, content := range want {
				if record[i].Content != content {
					t.Fatalf("message %d = %q, want %q", i, record[i].Content, content)
				}
			}
		})
	}
}

func TestTurnStore_HistoryUnknownConversation(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.History(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestTurnStore_Clear(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Append(ctx, "conv-1",
				datatypes.Message{Role: datatypes.RoleUser, Content: "x"},
			); err != nil {
				t.Fatalf("Append: %v", err)
			}
			if err := store.Clear(ctx, "conv-1"); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			if _, err := store.History(ctx, "conv-1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("cleared conversation still readable: %v", err)
			}
			if err := store.Clear(ctx, "never-existed"); err != nil {
				t.Fatalf("clearing absent conversation: %v", err)
			}
		})
	}
}

func TestTurnStore_EmptyConversationID(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			err := store.Append(context.Background(), "",
				datatypes.Message{Role: datatypes.RoleUser, Content: "x"})
			if err == nil {
				t.Fatal("expected error for empty conversation id")
			}
		})
	}
}

func TestTurnStore_ConcurrentAppends(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const writers = 8
			const perWriter = 10

			var wg sync.WaitGroup
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < perWriter; i++ {
						// Badger retries conflicting transactions at
						// the caller's discretion; serialize via retry.
						for {
							err := store.Append(ctx, "shared", datatypes.Message{
								Role:    datatypes.RoleUser,
								Content: fmt.Sprintf("w%d-%d", w, i),
							})
							if err == nil {
								break
							}
						}
					}
				}(w)
			}
			wg.Wait()

			record, err := store.History(ctx, "shared")
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(record) != writers*perWriter {
				t.Fatalf("got %d messages, want %d", len(record), writers*perWriter)
			}
		})
	}
}

func TestAttachmentStore_RoundTrip(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			att := Attachment{
				ID:         "att-1",
				Name:       "report.pdf",
				Data:       []byte{0x25, 0x50, 0x44, 0x46},
				UploadedAt: 1700000000000,
			}
			if err := store.Put(ctx, att); err != nil {
				t.Fatalf("Put: %v", err)
			}

			got, err := store.Get(ctx, "att-1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Name != att.Name || string(got.Data) != string(att.Data) || got.UploadedAt != att.UploadedAt {
				t.Fatalf("round trip mismatch: %+v", got)
			}

			if err := store.Delete(ctx, "att-1"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := store.Get(ctx, "att-1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("deleted attachment still readable: %v", err)
			}
		})
	}
}

func TestAttachmentStore_EmptyID(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Put(context.Background(), Attachment{Name: "x"}); err == nil {
				t.Fatal("expected error for empty attachment id")
			}
		})
	}
}
