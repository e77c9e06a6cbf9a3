package bus

// Inbox event topics.
const (
	TopicInboxCreated  = "inbox.created"
	TopicInboxResolved = "inbox.resolved"
)

// Notification event topics.
const (
	TopicNotify = "notify.message"
)

// Scheduler pause topics.
const (
	TopicPauseChanged = "pause.changed"
)

// InboxEvent is published when an inbox item is created or resolved.
type InboxEvent struct {
	ItemID string // Inbox item ID
	UnitID string // Unit the item belongs to
	Kind   string // Item kind (question, repair, escalation, ...)
}

// NotifyEvent is published when an operator notification is recorded.
// Outbound forwarders (e.g. Telegram) subscribe to this topic.
type NotifyEvent struct {
	NotificationID string // Notification ID
	UnitID         string // Originating unit ID, empty for system-wide
	Kind           string // Notification kind (payment_required, escalation, ...)
	Text           string // Human-readable message
}

// PauseChangedEvent is published when the global pause engages or releases.
type PauseChangedEvent struct {
	Paused bool   // True while admission is suspended
	Until  string // Release time (RFC3339), empty when released
	Reason string // Why the pause engaged (e.g. payment_required)
}
