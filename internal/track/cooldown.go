package track

import (
	"time"

	"tools.zach/dev/guildwatch/internal/store"
)

// ///////////////////////////////////////////////
// Cooldown Ledger
// ///////////////////////////////////////////////

// Ledger gates how often a notification class may fire per subject, backed
// by the persisted cooldown table. Checking and arming are separate
// operations: a check inside the window must never refresh the stored
// timestamp, or a chatty subject would stay suppressed forever.
type Ledger struct {
	store *store.Store
	now   func() time.Time
}

// NewLedger creates a ledger over the persisted cooldown table.
func NewLedger(st *store.Store) *Ledger {
	return &Ledger{store: st, now: time.Now}
}

// key builds the persisted ledger key for a (subject, event) pair.
func key(subject, event string) string {
	return subject + ":" + event
}

// Ready reports whether the cooldown for (subject, event) has elapsed.
// Read-only: a missing or malformed entry reads as elapsed.
func (l *Ledger) Ready(subject, event string, window time.Duration) bool {
	last, ok := l.store.LastNotified(key(subject, event))
	if !ok {
		return true
	}
	return l.now().Sub(last) >= window
}

// Arm records that the notification fired now, starting a fresh window.
func (l *Ledger) Arm(subject, event string) {
	l.store.SetNotified(key(subject, event), l.now())
}
