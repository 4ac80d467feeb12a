package track

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tools.zach/dev/guildwatch/internal/config"
	"tools.zach/dev/guildwatch/internal/discord"
	"tools.zach/dev/guildwatch/internal/notify"
	"tools.zach/dev/guildwatch/internal/store"
)

// ///////////////////////////////////////////////
// Health / Recovery
// ///////////////////////////////////////////////

// Health runs the one-shot startup reconciliation and the periodic sweep.
// Recovery compares persisted open-session markers against the live world:
// a fresh marker whose subject still shows the activity is resurrected with
// its original start time; everything else is cleaned up. The sweep expires
// stalled sessions and member stints and flushes buffered counters.
type Health struct {
	set      *Settings
	store    *store.Store
	state    *discord.State
	game     *GameTracker
	voice    *VoiceTracker
	party    *PartyTracker
	ledger   *Ledger
	notifier *notify.Notifier

	recoverOnce sync.Once
}

// NewHealth wires the coordinator over the trackers it audits.
func NewHealth(set *Settings, st *store.Store, state *discord.State, game *GameTracker, voice *VoiceTracker, party *PartyTracker, led *Ledger, n *notify.Notifier) *Health {
	return &Health{
		set:      set,
		store:    st,
		state:    state,
		game:     game,
		voice:    voice,
		party:    party,
		ledger:   led,
		notifier: n,
	}
}

// Recover runs the startup reconciliation exactly once per process, no
// matter how many gateway reconnects re-trigger it.
func (h *Health) Recover() {
	h.recoverOnce.Do(h.recover)
}

func (h *Health) recover() {
	cfg := h.set.Get()
	now := time.Now()
	resurrected, cleaned := 0, 0

	for _, m := range h.store.Markers() {
		ref := m.LastActive
		if ref.IsZero() {
			ref = m.StartedAt
		}
		fresh := now.Sub(ref) <= cfg.Tracking.Resurrect()

		if fresh && h.worldShows(m) {
			h.resurrect(m, now)
			resurrected++
			continue
		}

		h.store.DeleteMarker(m.Key())
		cleaned++
		if !m.Confirmed && m.NoticeMessageID != "" {
			// An unconfirmed announcement from a dead session is an orphan.
			// Recent ones are retracted; very old ones are left alone, too
			// stale to be worth an API call.
			if m.NoticeSentAt.IsZero() || now.Sub(m.NoticeSentAt) <= cfg.Tracking.Orphan() {
				h.notifier.Retract(notify.Handle{ChannelID: m.NoticeChannelID, MessageID: m.NoticeMessageID})
			}
		}
	}

	slog.Info("startup recovery complete", "resurrected", resurrected, "cleaned", cleaned)
}

// worldShows reports whether the live world still shows the marker's
// activity. Unresolvable lookups read as "gone", the conservative answer.
func (h *Health) worldShows(m store.Marker) bool {
	switch m.Kind {
	case store.MarkerGame:
		acts, ok := h.state.Activities(m.GuildID, m.UserID)
		if !ok {
			return false
		}
		for _, a := range acts {
			if a.Name == m.Label && a.Type != discord.ActivityCustom {
				return true
			}
		}
		return false
	case store.MarkerVoice:
		id, _, ok := h.state.VoiceLocation(m.GuildID, m.UserID)
		return ok && id == m.Label
	default:
		return false
	}
}

// resurrect reinstalls a marker as a confirmed in-memory session with its
// original start time. The entry cooldown is pre-armed so the events that
// follow the reconnect do not re-announce.
func (h *Health) resurrect(m store.Marker, now time.Time) {
	s := &Session{
		SubjectID:   m.UserID,
		DisplayName: h.state.DisplayName(m.UserID),
		ScopeID:     m.GuildID,
		StartTime:   m.StartedAt,
		LastActive:  now,
		Notice:      notify.Handle{ChannelID: m.NoticeChannelID, MessageID: m.NoticeMessageID},
	}
	s.NotifiedEntry = !s.Notice.IsZero()

	switch m.Kind {
	case store.MarkerGame:
		s.Kind = KindGame
		s.Game = &GameData{Label: m.Label}
		h.game.Engine().Resurrect(s)
		h.ledger.Arm(m.UserID, config.EventGameStart)
	case store.MarkerVoice:
		s.Kind = KindVoice
		s.Voice = &VoiceData{ChannelID: m.Label, ChannelName: h.state.ChannelName(m.Label)}
		h.voice.Engine().Resurrect(s)
		h.ledger.Arm(m.UserID, config.EventVoiceJoin)
	}
}

// ///////////////////////////////////////////////
// Periodic sweep
// ///////////////////////////////////////////////

// Run sweeps on the configured interval until ctx is cancelled. The
// interval is re-read each cycle so config reloads take effect.
func (h *Health) Run(ctx context.Context) {
	for {
		interval := h.set.Get().Tracking.Sweep()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			h.Sweep()
		}
	}
}

// Sweep audits every tracker once. Each engine isolates per-session
// failures, so one bad subject cannot abort the cycle.
func (h *Health) Sweep() {
	h.voice.Engine().Sweep()
	h.game.Engine().Sweep()
	h.party.SweepMembers()
	h.party.Engine().Sweep()
	h.store.Flush()
}
