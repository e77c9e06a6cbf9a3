// Package notify moves operator notifications out of the process. The
// store is the source of truth: every notification is a row first, the
// bus announcement only wakes the delivery loop. Forwarders that were
// down catch up from the undelivered backlog, so losing a bus event
// never loses a message.
package notify

import (
	"context"
	"log/slog"

	"github.com/basket/minder/internal/bus"
	"github.com/basket/minder/internal/store"
	"github.com/basket/minder/internal/tokenutil"
)

// Forwarder pushes one notification to an external sink. Errors mean
// "not delivered, try again later"; they are logged and never reach the
// path that created the notification.
type Forwarder interface {
	Name() string
	Forward(ctx context.Context, ev bus.NotifyEvent) error
}

type Service struct {
	store      *store.Store
	bus        *bus.Bus
	log        *slog.Logger
	forwarders []Forwarder
}

func NewService(st *store.Store, b *bus.Bus, log *slog.Logger, forwarders ...Forwarder) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: st, bus: b, log: log, forwarders: forwarders}
}

// Notify records a notification for the operator. Delivery is
// asynchronous; the returned id refers to the stored row.
func (s *Service) Notify(ctx context.Context, unitID, kind, body string) (string, error) {
	id, err := s.store.CreateNotification(ctx, unitID, kind, body)
	if err != nil {
		return "", err
	}
	s.log.Info("notification recorded", "id", id, "kind", kind, "unit", unitID)
	return id, nil
}

// Say appends a line to a unit's conversation without notifying anyone.
func (s *Service) Say(ctx context.Context, unitID, runID, role, content string) error {
	_, err := s.store.AppendMessage(ctx, unitID, runID, role, content, tokenutil.EstimateTokens(content))
	return err
}

// Run drives delivery until ctx ends: subscribe first, then clear the
// undelivered backlog, then follow live announcements. The subscription
// buffer holds anything recorded while the backlog drains.
func (s *Service) Run(ctx context.Context) {
	sub := s.bus.Subscribe("notify.")
	defer s.bus.Unsubscribe(sub)

	s.catchUp(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			ne, ok := ev.Payload.(bus.NotifyEvent)
			if !ok {
				continue
			}
			s.deliver(ctx, ne)
		}
	}
}

func (s *Service) catchUp(ctx context.Context) {
	rows, err := s.store.UndeliveredNotifications(ctx, 200)
	if err != nil {
		s.log.Error("load undelivered notifications", "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}
	s.log.Info("delivering notification backlog", "count", len(rows))
	for _, n := range rows {
		if ctx.Err() != nil {
			return
		}
		s.deliver(ctx, bus.NotifyEvent{
			NotificationID: n.ID, UnitID: n.UnitID, Kind: n.Kind, Text: n.Body,
		})
	}
}

// deliver forwards one notification. The delivered flag only flips when
// at least one forwarder accepted it, so failed rows stay in the backlog
// for the next catch-up.
func (s *Service) deliver(ctx context.Context, ev bus.NotifyEvent) {
	if len(s.forwarders) == 0 {
		return
	}
	if n, err := s.store.GetNotification(ctx, ev.NotificationID); err == nil && n.Delivered {
		return
	}

	delivered := false
	for _, f := range s.forwarders {
		if err := f.Forward(ctx, ev); err != nil {
			s.log.Warn("notification forward failed", "forwarder", f.Name(), "id", ev.NotificationID, "error", err)
			continue
		}
		delivered = true
	}
	if !delivered {
		return
	}
	if err := s.store.MarkNotificationDelivered(context.WithoutCancel(ctx), ev.NotificationID); err != nil {
		s.log.Warn("mark notification delivered", "id", ev.NotificationID, "error", err)
	}
}
