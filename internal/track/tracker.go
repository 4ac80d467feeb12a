package track

import (
	"time"

	"tools.zach/dev/guildwatch/internal/config"
	"tools.zach/dev/guildwatch/internal/discord"
	"tools.zach/dev/guildwatch/internal/notify"
	"tools.zach/dev/guildwatch/internal/store"
)

// ///////////////////////////////////////////////
// Tracker facade
// ///////////////////////////////////////////////

// Tracker bundles the three session trackers, the health coordinator, and
// the event routing between them. It is the single object the daemon wires
// to the gateway.
type Tracker struct {
	set      *Settings
	store    *store.Store
	state    *discord.State
	notifier *notify.Notifier

	Ledger *Ledger
	Game   *GameTracker
	Voice  *VoiceTracker
	Party  *PartyTracker
	Health *Health
}

// New builds the full tracker set over the shared collaborators.
func New(cfg *config.Config, state *discord.State, st *store.Store, n *notify.Notifier) *Tracker {
	set := NewSettings(cfg)
	led := NewLedger(st)

	game := NewGameTracker(set, state, st, n, led)
	voice := NewVoiceTracker(set, state, st, n, led)
	party := NewPartyTracker(set, state, st, n, led)
	game.SetPartyChecker(party)

	return &Tracker{
		set:      set,
		store:    st,
		state:    state,
		notifier: n,
		Ledger:   led,
		Game:     game,
		Voice:    voice,
		Party:    party,
		Health:   NewHealth(set, st, state, game, voice, party, led, n),
	}
}

// Apply installs a reloaded config across the trackers and the notifier.
func (t *Tracker) Apply(cfg *config.Config) {
	t.set.Apply(cfg)
	t.notifier.Apply(cfg)
}

// Shutdown stops all in-flight debounce runs and flushes buffered state.
// Confirmed sessions keep their on-disk markers for the next startup's
// recovery pass.
func (t *Tracker) Shutdown() {
	t.Voice.Engine().Shutdown()
	t.Game.Engine().Shutdown()
	t.Party.Engine().Shutdown()
	t.store.Flush()
}

// ///////////////////////////////////////////////
// Event routing
// ///////////////////////////////////////////////

// Handlers returns the gateway callback set, with guild filtering and the
// ignore-bots policy applied before any tracker sees an event.
func (t *Tracker) Handlers() discord.Handlers {
	return discord.Handlers{
		Ready: func() {
			t.Health.Recover()
		},
		Presence: func(ev discord.PresenceUpdate) {
			if !t.inScope(ev.GuildID) {
				return
			}
			t.Game.HandlePresence(ev)
			// Every label whose claim set may have changed gets a party
			// re-evaluation.
			for label := range affectedLabels(ev) {
				t.Party.Evaluate(ev.GuildID, label)
			}
		},
		VoiceState: func(ev discord.VoiceStateUpdate) {
			if !t.inScope(ev.GuildID) {
				return
			}
			t.Voice.HandleVoice(ev)
		},
		Message: func(ev discord.MessageCreate) {
			if !t.inScope(ev.GuildID) {
				return
			}
			if ev.Bot && t.set.Get().Tracking.IgnoreBots {
				return
			}
			t.store.CountMessage(ev.UserID, ev.HasStickers)
		},
		Reaction: func(ev discord.ReactionAdd) {
			if !t.inScope(ev.GuildID) {
				return
			}
			t.store.CountReaction(ev.UserID)
		},
		MemberLeave: func(ev discord.MemberChange) {
			if !t.inScope(ev.GuildID) {
				return
			}
			// A departed member's sessions can never resume; parties catch
			// up on the next evaluation or sweep.
			t.Game.EndAll(ev.UserID)
			t.Voice.Engine().ForceEnd(ev.UserID)
		},
	}
}

// inScope reports whether an event belongs to the configured guild. An
// empty configured guild tracks everything the bot can see.
func (t *Tracker) inScope(guildID string) bool {
	want := t.set.Get().Discord.GuildID
	return want == "" || want == guildID
}

// affectedLabels collects the game labels present on either side of a
// presence change.
func affectedLabels(ev discord.PresenceUpdate) map[string]bool {
	out := make(map[string]bool)
	for label := range gameClaims(ev.Previous) {
		out[label] = true
	}
	for label := range gameClaims(ev.Current) {
		out[label] = true
	}
	return out
}

// ///////////////////////////////////////////////
// Query surface
// ///////////////////////////////////////////////

// HasActiveParty reports whether a party is open for the label, optionally
// requiring a specific member.
func (t *Tracker) HasActiveParty(label, userID string) bool {
	return t.Party.HasActiveParty(label, userID)
}

// ActiveParties returns open parties as label to active member names.
func (t *Tracker) ActiveParties() map[string][]string {
	return t.Party.ActiveParties()
}

// PartyHistory returns parties finished within the timeframe, most recent
// first, capped at limit. A zero timeframe means all history.
func (t *Tracker) PartyHistory(timeframe time.Duration, limit int) []store.PartyRecord {
	recs := t.store.PartyHistory("", 0)
	if timeframe > 0 {
		cutoff := time.Now().Add(-timeframe)
		kept := recs[:0]
		for _, r := range recs {
			if r.EndedAt.After(cutoff) {
				kept = append(kept, r)
			}
		}
		recs = kept
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs
}

// GameStats returns the guild-wide aggregate for a game label.
func (t *Tracker) GameStats(label string) (store.GameRecord, bool) {
	return t.store.GameStats(label)
}
