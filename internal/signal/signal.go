// Package signal carries one-shot wakeup messages from workers and the
// maintenance controller to the scheduler. Senders never block and never
// mutate scheduler state directly; the scheduler drains pending signals
// at the start of each admission pass and applies them before selecting
// candidates.
package signal

import (
	"log/slog"
	"time"

	"github.com/basket/minder/internal/fault"
)

// Type identifies what a signal asks the scheduler to do.
type Type string

const (
	// Done reports that a run finished cleanly and the unit's failure
	// streak should be cleared.
	Done Type = "done"

	// Retry reports a failed run; the scheduler records the failure and
	// computes the unit's next eligible time.
	Retry Type = "retry"

	// PaymentRequired reports a balance failure; the scheduler suspends
	// all admission for a fixed window.
	PaymentRequired Type = "payment_required"

	// NeedsAttention asks the scheduler to park the unit until an
	// operator responds.
	NeedsAttention Type = "needs_attention"

	// Maintenance asks the scheduler to admit the maintainer unit for a
	// broken workflow.
	Maintenance Type = "maintenance"
)

// Valid reports whether t is one of the defined signal types.
func (t Type) Valid() bool {
	switch t {
	case Done, Retry, PaymentRequired, NeedsAttention, Maintenance:
		return true
	}
	return false
}

// Signal is a single message to the scheduler.
type Signal struct {
	Type    Type
	UnitID  string     // originating unit; empty only for system-wide signals
	ErrType fault.Type // failure classification, set for Retry
	Err     string     // short failure description, set for Retry
	At      time.Time  // when the signal was raised
}

const defaultCapacity = 256

// Dispatcher is a bounded, non-blocking mailbox for signals.
// Send never blocks the caller; if the buffer is full the signal is
// dropped and logged, and the next admission pass proceeds without it.
type Dispatcher struct {
	ch  chan Signal
	log *slog.Logger
}

// NewDispatcher creates a Dispatcher with the default capacity.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		ch:  make(chan Signal, defaultCapacity),
		log: log,
	}
}

// Send enqueues a signal without blocking. The timestamp is filled in
// when the caller left it zero.
func (d *Dispatcher) Send(s Signal) {
	if s.At.IsZero() {
		s.At = time.Now().UTC()
	}
	select {
	case d.ch <- s:
	default:
		d.log.Warn("signal dropped, mailbox full",
			"signal", string(s.Type),
			"unit_id", s.UnitID)
	}
}

// Drain removes and returns all currently queued signals in arrival
// order. It never blocks; an empty mailbox yields a nil slice.
func (d *Dispatcher) Drain() []Signal {
	var out []Signal
	for {
		select {
		case s := <-d.ch:
			out = append(out, s)
		default:
			return out
		}
	}
}

// Pending returns the number of queued signals.
func (d *Dispatcher) Pending() int {
	return len(d.ch)
}
