package track

import (
	"fmt"
	"time"

	"tools.zach/dev/guildwatch/internal/config"
	"tools.zach/dev/guildwatch/internal/discord"
	"tools.zach/dev/guildwatch/internal/notify"
	"tools.zach/dev/guildwatch/internal/store"
)

// ///////////////////////////////////////////////
// Voice Tracker
// ///////////////////////////////////////////////

// VoiceTracker turns voice state updates into debounced voice sessions.
// A channel change is modeled as a forced end of the old session plus a new
// session, announced as a single "moved" message when the old session had
// already confirmed.
type VoiceTracker struct {
	set      *Settings
	engine   *Engine
	state    *discord.State
	store    *store.Store
	notifier *notify.Notifier
	ledger   *Ledger
}

// NewVoiceTracker wires a voice tracker over the shared collaborators.
func NewVoiceTracker(set *Settings, state *discord.State, st *store.Store, n *notify.Notifier, led *Ledger) *VoiceTracker {
	v := &VoiceTracker{set: set, state: state, store: st, notifier: n, ledger: led}
	v.engine = NewEngine(KindVoice, v, set.Timings)
	return v
}

// Engine exposes the live session table read-only, for reporting.
func (v *VoiceTracker) Engine() *Engine { return v.engine }

// HandleVoice routes one voice state update.
func (v *VoiceTracker) HandleVoice(ev discord.VoiceStateUpdate) {
	switch {
	case ev.ChannelID == "":
		// Left voice entirely. Within grace this is a no-op blip.
		v.engine.End(ev.UserID)

	case ev.PrevChannelID == "" || ev.PrevChannelID == ev.ChannelID:
		if s := v.engine.Get(ev.UserID); s != nil {
			if s.Voice.ChannelID == ev.ChannelID {
				// Reconnect to the same channel: the session never closed.
				v.engine.Touch(ev.UserID)
				return
			}
			v.move(s, ev)
			return
		}
		v.start(ev, "")

	default:
		// Direct channel-to-channel move.
		if s := v.engine.Get(ev.UserID); s != nil {
			v.move(s, ev)
			return
		}
		v.start(ev, "")
	}
}

// move supersedes the open session with one in the new channel. The old
// session closes immediately (it can never resume) with its exit
// announcement suppressed; the replacement announces a combined "moved"
// message instead, but only when the old session was real (confirmed).
func (v *VoiceTracker) move(old *Session, ev discord.VoiceStateUpdate) {
	movedFrom := ""
	if old.State == StateConfirmed {
		movedFrom = old.Voice.ChannelName
		if movedFrom == "" {
			movedFrom = old.Voice.ChannelID
		}
	}
	old.Voice.superseded = true
	v.engine.ForceEnd(ev.UserID)
	v.start(ev, movedFrom)
}

func (v *VoiceTracker) start(ev discord.VoiceStateUpdate, movedFrom string) {
	v.engine.Start(&Session{
		Kind:        KindVoice,
		SubjectID:   ev.UserID,
		DisplayName: ev.Username,
		ScopeID:     ev.GuildID,
		Voice: &VoiceData{
			ChannelID:   ev.ChannelID,
			ChannelName: ev.ChannelName,
			MovedFrom:   movedFrom,
		},
	})
}

// ///////////////////////////////////////////////
// Engine hooks
// ///////////////////////////////////////////////

// StillActive reports whether the subject still occupies the exact channel.
// An unresolvable member reads as inactive.
func (v *VoiceTracker) StillActive(s *Session) bool {
	id, _, ok := v.state.VoiceLocation(s.ScopeID, s.SubjectID)
	return ok && id == s.Voice.ChannelID
}

// Phase1 persists the open-session marker and announces the join or move.
func (v *VoiceTracker) Phase1(s *Session) {
	cfg := v.set.Get()

	event := config.EventVoiceJoin
	vars := notify.Vars{"user": s.DisplayName, "channel": s.Voice.ChannelName}
	if s.Voice.MovedFrom != "" {
		event = config.EventVoiceMove
		vars = notify.Vars{"user": s.DisplayName, "from": s.Voice.MovedFrom, "to": s.Voice.ChannelName}
	}

	if v.notifier.Enabled(event) && v.ledger.Ready(s.SubjectID, event, cfg.Tracking.Cooldown()) {
		h, sent, err := v.notifier.Announce(event, vars)
		if err != nil {
			logWarn("voice entry announcement failed", s, err)
		} else if sent {
			s.Notice = h
			s.NotifiedEntry = true
			v.ledger.Arm(s.SubjectID, event)
		}
	}

	v.store.PutMarker(v.marker(s))
}

// Phase2 marks the persisted marker confirmed.
func (v *VoiceTracker) Phase2(s *Session) {
	v.store.PutMarker(v.marker(s))
}

// Discarded retracts the provisional announcement and drops the marker.
func (v *VoiceTracker) Discarded(s *Session) {
	v.notifier.Retract(s.Notice)
	v.store.DeleteMarker(v.marker(s).Key())
}

// Closed persists the session's duration and maybe announces the leave.
func (v *VoiceTracker) Closed(s *Session, end time.Time) {
	v.store.DeleteMarker(v.marker(s).Key())
	minutes := wholeMinutes(s.StartTime, end)
	v.store.AddVoiceSession(s.SubjectID, end, minutes)

	if s.Voice.superseded {
		// The move announcement covers this close.
		return
	}

	cfg := v.set.Get()
	window := cfg.Tracking.Cooldown()
	if !v.notifier.Enabled(config.EventVoiceLeave) {
		return
	}
	if !v.ledger.Ready(s.SubjectID, config.EventVoiceLeave, window) {
		return
	}
	// An exit without a visible entry needs the entry window independently
	// elapsed, so users never see a leave with no matching join.
	if !s.NotifiedEntry && !v.ledger.Ready(s.SubjectID, config.EventVoiceJoin, window) {
		return
	}
	_, sent, err := v.notifier.Announce(config.EventVoiceLeave, notify.Vars{
		"user":     s.DisplayName,
		"channel":  s.Voice.ChannelName,
		"duration": formatDuration(end.Sub(s.StartTime)),
	})
	if err != nil {
		logWarn("voice exit announcement failed", s, err)
	} else if sent {
		v.ledger.Arm(s.SubjectID, config.EventVoiceLeave)
	}
}

// marker builds the crash-recovery marker for the session's current state.
func (v *VoiceTracker) marker(s *Session) store.Marker {
	m := store.Marker{
		Kind:       store.MarkerVoice,
		GuildID:    s.ScopeID,
		UserID:     s.SubjectID,
		Label:      s.Voice.ChannelID,
		StartedAt:  s.StartTime,
		LastActive: s.LastActive,
		Confirmed:  s.State == StateConfirmed,
	}
	if !s.Notice.IsZero() {
		m.NoticeChannelID = s.Notice.ChannelID
		m.NoticeMessageID = s.Notice.MessageID
		m.NoticeSentAt = s.StartTime
	}
	return m
}

// formatDuration renders an interval for announcement templates, whole
// minutes with an hour part when applicable.
func formatDuration(d time.Duration) string {
	mins := int64(d / time.Minute)
	if mins < 1 {
		return "under a minute"
	}
	if mins < 60 {
		return fmt.Sprintf("%d min", mins)
	}
	return fmt.Sprintf("%dh %dmin", mins/60, mins%60)
}
