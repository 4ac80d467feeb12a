package track

import (
	"strings"
	"time"

	"tools.zach/dev/guildwatch/internal/config"
	"tools.zach/dev/guildwatch/internal/discord"
	"tools.zach/dev/guildwatch/internal/logger"
	"tools.zach/dev/guildwatch/internal/notify"
	"tools.zach/dev/guildwatch/internal/store"
)

// musicLabel is the one integration allowed to claim activity without an
// app ID; its payloads never carry one.
const musicLabel = "Spotify"

// placeholderLabels are throwaway names that never form real sessions.
var placeholderLabels = map[string]bool{
	"test":        true,
	"game":        true,
	"a game":      true,
	"placeholder": true,
	"unknown":     true,
	"???":         true,
}

// partyChecker is the slice of the party tracker the game tracker needs:
// whether a party is live for a label, to keep a member's individual entry
// announcement from echoing the party announcement.
type partyChecker interface {
	HasActiveParty(label, userID string) bool
}

// ///////////////////////////////////////////////
// Game Tracker
// ///////////////////////////////////////////////

// GameTracker turns presence updates into debounced game sessions. Each
// candidate claim passes a legitimacy screen and the app ID verifier before
// a session forms. At most one game session is open per user; starting a
// different game supersedes the open one.
type GameTracker struct {
	set      *Settings
	engine   *Engine
	state    *discord.State
	store    *store.Store
	notifier *notify.Notifier
	ledger   *Ledger
	verifier *Verifier
	party    partyChecker
}

// NewGameTracker wires a game tracker over the shared collaborators.
func NewGameTracker(set *Settings, state *discord.State, st *store.Store, n *notify.Notifier, led *Ledger) *GameTracker {
	g := &GameTracker{set: set, state: state, store: st, notifier: n, ledger: led, verifier: NewVerifier(st)}
	g.engine = NewEngine(KindGame, g, set.Timings)
	return g
}

// SetPartyChecker installs the party lookup used for entry suppression.
// Must be called before events flow.
func (g *GameTracker) SetPartyChecker(p partyChecker) { g.party = p }

// Engine exposes the live session table read-only, for reporting.
func (g *GameTracker) Engine() *Engine { return g.engine }

// HandlePresence diffs a presence update into game starts, refreshes, and
// ends.
func (g *GameTracker) HandlePresence(ev discord.PresenceUpdate) {
	prev := gameClaims(ev.Previous)
	cur := gameClaims(ev.Current)

	for label, act := range cur {
		if _, was := prev[label]; !was {
			g.maybeStart(ev, label, act)
			continue
		}
		// Re-asserted claim corroborates the open session.
		if s := g.engine.Get(ev.UserID); s != nil && s.Game.Label == label {
			g.engine.Touch(ev.UserID)
		}
	}

	for label := range prev {
		if _, still := cur[label]; still {
			continue
		}
		if s := g.engine.Get(ev.UserID); s != nil && s.Game.Label == label {
			g.engine.End(ev.UserID)
		}
	}
}

// EndAll force-closes the user's open game session, for member departures.
func (g *GameTracker) EndAll(userID string) {
	g.engine.ForceEnd(userID)
}

// maybeStart screens a fresh claim and opens a session when it passes.
func (g *GameTracker) maybeStart(ev discord.PresenceUpdate, label string, act discord.Activity) {
	if s := g.engine.Get(ev.UserID); s != nil && s.Game.Label == label {
		g.engine.Touch(ev.UserID)
		return
	}
	if !g.screen(label, act) {
		return
	}
	if !g.verifier.Admit(label, act.ApplicationID) {
		logger.Trace("claim rejected by verifier", "user", ev.UserID, "game", label, "app_id", act.ApplicationID)
		return
	}

	// Switching games directly supersedes the previous session.
	g.engine.ForceEnd(ev.UserID)

	g.engine.Start(&Session{
		Kind:        KindGame,
		SubjectID:   ev.UserID,
		DisplayName: ev.Username,
		ScopeID:     ev.GuildID,
		Game: &GameData{
			Label: label,
			AppID: act.ApplicationID,
			Kind:  act.Type.String(),
		},
	})
}

// screen applies the basic legitimacy checks: real label, real app ID
// (music integration excepted), nothing denylisted.
func (g *GameTracker) screen(label string, act discord.Activity) bool {
	cfg := g.set.Get()
	switch {
	case label == "":
		return false
	case act.Type == discord.ActivityCustom:
		return false
	case placeholderLabels[strings.ToLower(label)]:
		return false
	case cfg.IsDeniedGame(label):
		logger.Trace("claim rejected by denylist", "game", label)
		return false
	case act.ApplicationID == "":
		return label == musicLabel && act.Type == discord.ActivityListening
	case cfg.IsDeniedAppID(act.ApplicationID):
		logger.Trace("claim rejected by app denylist", "game", label, "app_id", act.ApplicationID)
		return false
	}
	return true
}

// gameClaims indexes an activity list by label, keeping the trackable
// kinds. Listening entries pass through so the music exemption can apply.
func gameClaims(acts []discord.Activity) map[string]discord.Activity {
	out := make(map[string]discord.Activity, len(acts))
	for _, a := range acts {
		if a.Type == discord.ActivityCustom || a.Name == "" {
			continue
		}
		if _, ok := out[a.Name]; !ok {
			out[a.Name] = a
		}
	}
	return out
}

// ///////////////////////////////////////////////
// Engine hooks
// ///////////////////////////////////////////////

// StillActive reports whether the subject's activity list still carries the
// session's label. An unresolvable member reads as inactive.
func (g *GameTracker) StillActive(s *Session) bool {
	acts, ok := g.state.Activities(s.ScopeID, s.SubjectID)
	if !ok {
		return false
	}
	for _, a := range acts {
		if a.Name == s.Game.Label && a.Type != discord.ActivityCustom {
			return true
		}
	}
	return false
}

// Phase1 persists the open-session marker and maybe announces entry. A live
// party for the same game suppresses the announcement; tracking continues
// silently.
func (g *GameTracker) Phase1(s *Session) {
	cfg := g.set.Get()

	suppressed := g.party != nil && g.party.HasActiveParty(s.Game.Label, "")
	if !suppressed && g.notifier.Enabled(config.EventGameStart) &&
		g.ledger.Ready(s.SubjectID, config.EventGameStart, cfg.Tracking.Cooldown()) {
		h, sent, err := g.notifier.Announce(config.EventGameStart, notify.Vars{
			"user": s.DisplayName,
			"game": s.Game.Label,
		})
		if err != nil {
			logWarn("game entry announcement failed", s, err)
		} else if sent {
			s.Notice = h
			s.NotifiedEntry = true
			g.ledger.Arm(s.SubjectID, config.EventGameStart)
		}
	}

	g.store.PutMarker(g.marker(s))
}

// Phase2 marks the persisted marker confirmed.
func (g *GameTracker) Phase2(s *Session) {
	g.store.PutMarker(g.marker(s))
}

// Discarded retracts the provisional announcement and drops the marker.
func (g *GameTracker) Discarded(s *Session) {
	g.notifier.Retract(s.Notice)
	g.store.DeleteMarker(g.marker(s).Key())
}

// Closed persists the session's duration and maybe announces the end.
func (g *GameTracker) Closed(s *Session, end time.Time) {
	g.store.DeleteMarker(g.marker(s).Key())
	minutes := wholeMinutes(s.StartTime, end)
	g.store.AddGameSession(s.SubjectID, s.Game.Label, end, minutes)

	cfg := g.set.Get()
	window := cfg.Tracking.Cooldown()
	if !g.notifier.Enabled(config.EventGameEnd) {
		return
	}
	if !g.ledger.Ready(s.SubjectID, config.EventGameEnd, window) {
		return
	}
	if !s.NotifiedEntry && !g.ledger.Ready(s.SubjectID, config.EventGameStart, window) {
		return
	}
	_, sent, err := g.notifier.Announce(config.EventGameEnd, notify.Vars{
		"user":     s.DisplayName,
		"game":     s.Game.Label,
		"duration": formatDuration(end.Sub(s.StartTime)),
	})
	if err != nil {
		logWarn("game exit announcement failed", s, err)
	} else if sent {
		g.ledger.Arm(s.SubjectID, config.EventGameEnd)
	}
}

// marker builds the crash-recovery marker for the session's current state.
func (g *GameTracker) marker(s *Session) store.Marker {
	m := store.Marker{
		Kind:       store.MarkerGame,
		GuildID:    s.ScopeID,
		UserID:     s.SubjectID,
		Label:      s.Game.Label,
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
