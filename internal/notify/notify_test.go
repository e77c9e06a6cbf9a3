package notify

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/minder/internal/bus"
	"github.com/basket/minder/internal/store"
)

type captureForwarder struct {
	got  []bus.NotifyEvent
	fail bool
}

func (c *captureForwarder) Name() string { return "capture" }

func (c *captureForwarder) Forward(ctx context.Context, ev bus.NotifyEvent) error {
	if c.fail {
		return errors.New("sink offline")
	}
	c.got = append(c.got, ev)
	return nil
}

func openNotifyStore(t *testing.T, b *bus.Bus) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "minder.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestNotify_StoresAndAnnounces(t *testing.T) {
	b := bus.New()
	st := openNotifyStore(t, b)
	sub := b.Subscribe("notify.")
	defer b.Unsubscribe(sub)

	svc := NewService(st, b, nil)
	id, err := svc.Notify(context.Background(), "", "payment_required", "provider balance exhausted")
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		ne, ok := ev.Payload.(bus.NotifyEvent)
		if !ok {
			t.Fatalf("payload type = %T", ev.Payload)
		}
		if ne.NotificationID != id || ne.Kind != "payment_required" {
			t.Fatalf("unexpected event: %+v", ne)
		}
	case <-time.After(time.Second):
		t.Fatal("no bus announcement")
	}

	n, err := st.GetNotification(context.Background(), id)
	if err != nil {
		t.Fatalf("row missing: %v", err)
	}
	if n.Delivered {
		t.Fatal("row must start undelivered")
	}
}

func TestCatchUp_DrainsBacklog(t *testing.T) {
	b := bus.New()
	st := openNotifyStore(t, b)
	ctx := context.Background()

	for _, body := range []string{"first", "second"} {
		if _, err := st.CreateNotification(ctx, "", "chat", body); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	fw := &captureForwarder{}
	svc := NewService(st, b, nil, fw)
	svc.catchUp(ctx)

	if len(fw.got) != 2 {
		t.Fatalf("forwarded %d, want 2", len(fw.got))
	}
	if fw.got[0].Text != "first" || fw.got[1].Text != "second" {
		t.Fatalf("backlog out of order: %+v", fw.got)
	}

	left, err := st.UndeliveredNotifications(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("%d rows still undelivered", len(left))
	}
}

func TestDeliver_FailureKeepsRowUndelivered(t *testing.T) {
	b := bus.New()
	st := openNotifyStore(t, b)
	ctx := context.Background()

	id, err := st.CreateNotification(ctx, "", "escalated", "workflow beyond repair")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	fw := &captureForwarder{fail: true}
	svc := NewService(st, b, nil, fw)
	svc.deliver(ctx, bus.NotifyEvent{NotificationID: id, Kind: "escalated", Text: "workflow beyond repair"})

	n, err := st.GetNotification(ctx, id)
	if err != nil {
		t.Fatalf("row: %v", err)
	}
	if n.Delivered {
		t.Fatal("failed forward must leave the row undelivered")
	}
}

func TestDeliver_SkipsAlreadyDelivered(t *testing.T) {
	b := bus.New()
	st := openNotifyStore(t, b)
	ctx := context.Background()

	id, err := st.CreateNotification(ctx, "", "chat", "hello")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.MarkNotificationDelivered(ctx, id); err != nil {
		t.Fatalf("mark: %v", err)
	}

	fw := &captureForwarder{}
	svc := NewService(st, b, nil, fw)
	svc.deliver(ctx, bus.NotifyEvent{NotificationID: id, Kind: "chat", Text: "hello"})

	if len(fw.got) != 0 {
		t.Fatalf("delivered row forwarded again: %+v", fw.got)
	}
}

func TestRun_ForwardsLiveEvents(t *testing.T) {
	b := bus.New()
	st := openNotifyStore(t, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fw := &captureForwarder{}
	svc := NewService(st, b, nil, fw)
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	// Give the loop a moment to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)
	id, err := svc.Notify(ctx, "", "needs_attention", "unit requires review")
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := st.GetNotification(ctx, id)
		if err == nil && n.Delivered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("live event never delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestSay_AppendsConversation(t *testing.T) {
	b := bus.New()
	st := openNotifyStore(t, b)
	ctx := context.Background()

	unitID, err := st.CreateTask(ctx, "say-target", "say things", nil)
	if err != nil {
		t.Fatalf("create unit: %v", err)
	}

	svc := NewService(st, b, nil)
	if err := svc.Say(ctx, unitID, "", store.MsgAssistant, "weekly digest sent"); err != nil {
		t.Fatalf("say: %v", err)
	}

	msgs, err := st.LiveMessages(ctx, unitID, 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "weekly digest sent" || msgs[0].Role != store.MsgAssistant {
		t.Fatalf("unexpected transcript: %+v", msgs)
	}
	if msgs[0].Tokens <= 0 {
		t.Fatal("token estimate missing")
	}
}

func TestFormatNotification(t *testing.T) {
	plain := formatNotification(bus.NotifyEvent{Kind: "chat", Text: "hi"})
	if plain != "hi" {
		t.Fatalf("chat body changed: %q", plain)
	}
	tagged := formatNotification(bus.NotifyEvent{Kind: "escalated", Text: "beyond repair"})
	if tagged != "[escalated] beyond repair" {
		t.Fatalf("kind prefix missing: %q", tagged)
	}
}
