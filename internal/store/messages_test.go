package store_test

import (
	"context"
	"testing"

	"github.com/basket/minder/internal/store"
)

func TestMessages_AppendAndLiveTail(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	unitID := mustCreateTask(t, st, "chatty", "talk a lot")

	if _, err := st.AppendMessage(ctx, unitID, "", store.MsgSystem, "you are a helper", 5); err != nil {
		t.Fatalf("append system: %v", err)
	}
	if _, err := st.AppendMessage(ctx, unitID, "run-1", store.MsgUser, "do the thing", 4); err != nil {
		t.Fatalf("append user: %v", err)
	}
	if _, err := st.AppendMessage(ctx, unitID, "run-1", store.MsgAssistant, "doing it", 3); err != nil {
		t.Fatalf("append assistant: %v", err)
	}

	msgs, err := st.LiveMessages(ctx, unitID, 0)
	if err != nil {
		t.Fatalf("live messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Role != store.MsgSystem || msgs[2].Role != store.MsgAssistant {
		t.Fatalf("expected chronological order, got %s..%s", msgs[0].Role, msgs[2].Role)
	}

	total, err := st.LiveMessageTokens(ctx, unitID)
	if err != nil {
		t.Fatalf("live tokens: %v", err)
	}
	if total != 12 {
		t.Fatalf("expected 12 tokens, got %d", total)
	}
}

func TestMessages_ArchiveShrinksTail(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	unitID := mustCreateTask(t, st, "archiver", "p")

	var lastOld int64
	for i := 0; i < 5; i++ {
		id, err := st.AppendMessage(ctx, unitID, "", store.MsgUser, "old", 10)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		lastOld = id
	}
	if _, err := st.AppendMessage(ctx, unitID, "", store.MsgUser, "fresh", 10); err != nil {
		t.Fatalf("append fresh: %v", err)
	}

	archived, err := st.ArchiveMessagesBefore(ctx, unitID, lastOld)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived != 5 {
		t.Fatalf("expected 5 archived, got %d", archived)
	}

	msgs, err := st.LiveMessages(ctx, unitID, 0)
	if err != nil {
		t.Fatalf("live messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "fresh" {
		t.Fatalf("expected only the fresh message, got %+v", msgs)
	}

	total, err := st.LiveMessageTokens(ctx, unitID)
	if err != nil {
		t.Fatalf("live tokens: %v", err)
	}
	if total != 10 {
		t.Fatalf("archived tokens should not count, got %d", total)
	}

	// Archiving again is a no-op.
	archived, err = st.ArchiveMessagesBefore(ctx, unitID, lastOld)
	if err != nil {
		t.Fatalf("second archive: %v", err)
	}
	if archived != 0 {
		t.Fatalf("expected 0 on second archive, got %d", archived)
	}
}

func TestLiveMessages_LimitKeepsNewest(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	unitID := mustCreateTask(t, st, "limited", "p")

	for i := 0; i < 4; i++ {
		if _, err := st.AppendMessage(ctx, unitID, "", store.MsgUser, string(rune('a'+i)), 1); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	msgs, err := st.LiveMessages(ctx, unitID, 2)
	if err != nil {
		t.Fatalf("live messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "c" || msgs[1].Content != "d" {
		t.Fatalf("expected the newest two in order, got %+v", msgs)
	}
}
