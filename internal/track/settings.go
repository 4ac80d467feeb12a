package track

import (
	"sync/atomic"

	"tools.zach/dev/guildwatch/internal/config"
)

// Settings is the shared, hot-reloadable view of the config. Trackers read
// a consistent snapshot per event; Apply swaps it atomically on reload.
type Settings struct {
	p atomic.Pointer[config.Config]
}

// NewSettings creates a settings view over the initial config.
func NewSettings(cfg *config.Config) *Settings {
	s := &Settings{}
	s.p.Store(cfg)
	return s
}

// Apply installs a new config snapshot.
func (s *Settings) Apply(cfg *config.Config) {
	s.p.Store(cfg)
}

// Get returns the current snapshot. Callers must not mutate it.
func (s *Settings) Get() *config.Config {
	return s.p.Load()
}

// Timings returns the engine delays from the current snapshot.
func (s *Settings) Timings() Timings {
	c := s.Get()
	return Timings{
		Debounce: c.Tracking.Debounce(),
		Confirm:  c.Tracking.Confirm(),
		Grace:    c.Tracking.Grace(),
	}
}
