package config

import "sync/atomic"

// Holder publishes an immutable config snapshot. Components read the
// snapshot they were handed; new values only take effect through an
// explicit Reload, never mid-run.
type Holder struct {
	v atomic.Pointer[Config]
}

// NewHolder creates a Holder seeded with cfg.
func NewHolder(cfg Config) *Holder {
	h := &Holder{}
	h.v.Store(&cfg)
	return h
}

// Current returns the active snapshot by value.
func (h *Holder) Current() Config {
	return *h.v.Load()
}

// Reload re-runs the full load pipeline and swaps in the result.
// On error the previous snapshot stays active and is returned.
func (h *Holder) Reload() (Config, error) {
	cfg, err := Load()
	if err != nil {
		return h.Current(), err
	}
	h.v.Store(&cfg)
	return cfg, nil
}
