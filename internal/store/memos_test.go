package store_test

import (
	"context"
	"testing"
)

func TestMemos_SetGetOverwrite(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	if err := st.MemoSet(ctx, "digest/last-url", "https://example.com/1", ""); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := st.MemoGet(ctx, "digest/last-url")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if v != "https://example.com/1" {
		t.Fatalf("unexpected value %q", v)
	}

	if err := st.MemoSet(ctx, "digest/last-url", "https://example.com/2", ""); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, _, err = st.MemoGet(ctx, "digest/last-url")
	if err != nil {
		t.Fatalf("get after overwrite: %v", err)
	}
	if v != "https://example.com/2" {
		t.Fatalf("expected overwritten value, got %q", v)
	}

	_, ok, err = st.MemoGet(ctx, "missing")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if ok {
		t.Fatalf("missing key should not be found")
	}
}

func TestMemos_ListByPrefix(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	for _, kv := range [][2]string{
		{"digest/a", "1"},
		{"digest/b", "2"},
		{"other/c", "3"},
	} {
		if err := st.MemoSet(ctx, kv[0], kv[1], ""); err != nil {
			t.Fatalf("set %s: %v", kv[0], err)
		}
	}

	memos, err := st.MemoList(ctx, "digest/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(memos) != 2 || memos[0].Key != "digest/a" || memos[1].Key != "digest/b" {
		t.Fatalf("unexpected prefix listing: %+v", memos)
	}

	all, err := st.MemoList(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 memos, got %d", len(all))
	}
}

func TestMemos_Delete(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	if err := st.MemoSet(ctx, "gone", "soon", ""); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := st.MemoDelete(ctx, "gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, err := st.MemoGet(ctx, "gone")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("deleted memo should be gone")
	}
}
