package track

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tools.zach/dev/guildwatch/internal/config"
	"tools.zach/dev/guildwatch/internal/discord"
	"tools.zach/dev/guildwatch/internal/notify"
	"tools.zach/dev/guildwatch/internal/store"
)

// ///////////////////////////////////////////////
// Party Tracker
// ///////////////////////////////////////////////

// PartyTracker tracks multi-player parties, keyed by game label rather than
// by member. The party-level session follows the shared debounce engine;
// each roster member additionally carries an independent grace window, so
// one player dropping for a few minutes neither ends the party nor loses
// their seat.
type PartyTracker struct {
	set      *Settings
	engine   *Engine
	state    *discord.State
	store    *store.Store
	notifier *notify.Notifier
	ledger   *Ledger

	// mu guards the finalize lock table; the per-game locks serialize
	// roster mutation and finalization, which can race between an explicit
	// end signal and the health sweep.
	mu        sync.Mutex
	gameLocks map[string]*sync.Mutex
}

// NewPartyTracker wires a party tracker over the shared collaborators.
func NewPartyTracker(set *Settings, state *discord.State, st *store.Store, n *notify.Notifier, led *Ledger) *PartyTracker {
	p := &PartyTracker{
		set:       set,
		state:     state,
		store:     st,
		notifier:  n,
		ledger:    led,
		gameLocks: make(map[string]*sync.Mutex),
	}
	p.engine = NewEngine(KindParty, p, set.Timings)
	return p
}

// Engine exposes the live session table read-only, for reporting.
func (p *PartyTracker) Engine() *Engine { return p.engine }

// lockFor returns the finalize lock for one game label.
func (p *PartyTracker) lockFor(label string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.gameLocks[label]
	if !ok {
		l = &sync.Mutex{}
		p.gameLocks[label] = l
	}
	return l
}

// ///////////////////////////////////////////////
// Evaluation
// ///////////////////////////////////////////////

// Evaluate recomputes the party picture for one game label from the live
// claimant set, after majority filtering. It opens a party when quorum is
// first reached and reconciles the roster of an open one.
func (p *PartyTracker) Evaluate(guildID, label string) {
	cfg := p.set.Get()
	if label == "" || placeholderLabels[strings.ToLower(label)] || cfg.IsDeniedGame(label) {
		return
	}

	claims := Majority(p.state.Claimants(guildID, label))

	s := p.engine.Get(label)
	if s == nil {
		if len(claims) < cfg.Party.MinMembers {
			return
		}
		p.form(guildID, label, claims)
		return
	}
	p.reconcile(s, claims)
}

// form opens a new party session with the claimants as founding roster.
func (p *PartyTracker) form(guildID, label string, claims []discord.Claim) {
	now := time.Now()
	roster := make(map[string]*MemberStint, len(claims))
	initial := make(map[string]bool, len(claims))
	for _, c := range claims {
		roster[c.UserID] = &MemberStint{UserID: c.UserID, Username: c.Username, JoinedAt: now}
		initial[c.UserID] = true
	}
	p.engine.Start(&Session{
		Kind:        KindParty,
		SubjectID:   label,
		DisplayName: label,
		ScopeID:     guildID,
		Party: &PartyData{
			Roster:  roster,
			Initial: initial,
			Peak:    len(claims),
		},
	})
}

// reconcile updates an open party's roster against the filtered claimants.
// Members absent from the claims get a pending leave; claimants not in the
// roster join, with a gated announcement once the party is confirmed.
func (p *PartyTracker) reconcile(s *Session, claims []discord.Claim) {
	lock := p.lockFor(s.SubjectID)
	lock.Lock()
	defer lock.Unlock()

	cfg := p.set.Get()
	now := time.Now()
	present := make(map[string]discord.Claim, len(claims))
	for _, c := range claims {
		present[c.UserID] = c
	}

	for id, st := range s.Party.Roster {
		c, here := present[id]
		switch {
		case here && !st.LeftAt.IsZero():
			// Returned. Within the rejoin window this is a silent resume.
			silent := now.Sub(st.LeftAt) <= cfg.Party.RejoinWindow()
			st.LeftAt = time.Time{}
			if !silent {
				p.announceJoin(s, c)
			}
		case !here && st.LeftAt.IsZero():
			st.LeftAt = now
		}
	}

	for _, c := range claims {
		if _, known := s.Party.Roster[c.UserID]; known {
			continue
		}
		s.Party.Roster[c.UserID] = &MemberStint{UserID: c.UserID, Username: c.Username, JoinedAt: now}
		if !s.Party.Initial[c.UserID] {
			p.announceJoin(s, c)
		}
	}

	if n := len(s.Party.ActiveMembers()); n > s.Party.Peak {
		s.Party.Peak = n
	}
	if len(claims) >= cfg.Party.MinMembers {
		p.engine.Touch(s.SubjectID)
	}
}

// announceJoin posts the late-joiner announcement, gated per player by the
// party cooldown. Pending parties stay silent; the formation announcement
// covers their initial roster.
func (p *PartyTracker) announceJoin(s *Session, c discord.Claim) {
	if s.State != StateConfirmed {
		return
	}
	cfg := p.set.Get()
	if !p.notifier.Enabled(config.EventPartyJoin) {
		return
	}
	if !p.ledger.Ready(c.UserID, config.EventPartyJoin, cfg.Party.Cooldown()) {
		return
	}
	_, sent, err := p.notifier.Announce(config.EventPartyJoin, notify.Vars{
		"user":  c.Username,
		"game":  s.SubjectID,
		"count": strconv.Itoa(len(s.Party.ActiveMembers())),
	})
	if err != nil {
		logWarn("party join announcement failed", s, err)
	} else if sent {
		p.ledger.Arm(c.UserID, config.EventPartyJoin)
	}
}

// SweepMembers expires roster members whose individual grace has passed:
// their completed stint is folded for the party history record and they
// leave the roster, so a later return starts a fresh, announced stint. The
// party itself stays open for the remaining members.
func (p *PartyTracker) SweepMembers() {
	cfg := p.set.Get()
	now := time.Now()
	for _, view := range p.engine.Snapshot() {
		s := p.engine.Get(view.SubjectID)
		if s == nil {
			continue
		}
		lock := p.lockFor(s.SubjectID)
		lock.Lock()
		for id, st := range s.Party.Roster {
			if !st.LeftAt.IsZero() && now.Sub(st.LeftAt) > cfg.Party.MemberGrace() {
				s.Party.Folded = append(s.Party.Folded, st)
				delete(s.Party.Roster, id)
				delete(s.Party.Initial, id)
			}
		}
		lock.Unlock()
	}
}

// ///////////////////////////////////////////////
// Engine hooks
// ///////////////////////////////////////////////

// StillActive reports whether the filtered claimant count still meets the
// party quorum.
func (p *PartyTracker) StillActive(s *Session) bool {
	cfg := p.set.Get()
	claims := Majority(p.state.Claimants(s.ScopeID, s.SubjectID))
	return len(claims) >= cfg.Party.MinMembers
}

// Phase1 announces the party formation, gated by the per-game cooldown.
func (p *PartyTracker) Phase1(s *Session) {
	cfg := p.set.Get()
	if !p.notifier.Enabled(config.EventPartyForm) {
		return
	}
	if !p.ledger.Ready(s.SubjectID, config.EventPartyForm, cfg.Party.Cooldown()) {
		return
	}
	h, sent, err := p.notifier.Announce(config.EventPartyForm, notify.Vars{
		"game":    s.SubjectID,
		"count":   strconv.Itoa(len(s.Party.ActiveMembers())),
		"members": p.memberNames(s),
	})
	if err != nil {
		logWarn("party formation announcement failed", s, err)
		return
	}
	if sent {
		s.Notice = h
		s.NotifiedEntry = true
		p.ledger.Arm(s.SubjectID, config.EventPartyForm)
	}
}

// Phase2 marks full confirmation; nothing extra to do beyond the engine's
// state transition.
func (p *PartyTracker) Phase2(s *Session) {}

// Discarded retracts the formation announcement of a party that never
// confirmed.
func (p *PartyTracker) Discarded(s *Session) {
	p.notifier.Retract(s.Notice)
}

// Closed finalizes the party under its per-game lock: write the history
// record exactly once and maybe announce the wrap-up.
func (p *PartyTracker) Closed(s *Session, end time.Time) {
	lock := p.lockFor(s.SubjectID)
	lock.Lock()
	defer lock.Unlock()

	members := make([]store.PartyMemberRecord, 0, len(s.Party.Roster)+len(s.Party.Folded))
	for _, st := range s.Party.Folded {
		members = append(members, memberRecord(st, st.LeftAt))
	}
	for _, st := range s.Party.Roster {
		left := st.LeftAt
		if left.IsZero() {
			left = end
		}
		members = append(members, memberRecord(st, left))
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].UserID != members[j].UserID {
			return members[i].UserID < members[j].UserID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})

	p.store.AppendParty(store.PartyRecord{
		Game:      s.SubjectID,
		StartedAt: s.StartTime,
		EndedAt:   end,
		Members:   members,
		Peak:      s.Party.Peak,
		Minutes:   wholeMinutes(s.StartTime, end),
	})

	cfg := p.set.Get()
	if !p.notifier.Enabled(config.EventPartyEnd) {
		return
	}
	if !p.ledger.Ready(s.SubjectID, config.EventPartyEnd, cfg.Party.Cooldown()) {
		return
	}
	if !s.NotifiedEntry && !p.ledger.Ready(s.SubjectID, config.EventPartyForm, cfg.Party.Cooldown()) {
		return
	}
	_, sent, err := p.notifier.Announce(config.EventPartyEnd, notify.Vars{
		"game":     s.SubjectID,
		"count":    strconv.Itoa(s.Party.Peak),
		"duration": formatDuration(end.Sub(s.StartTime)),
	})
	if err != nil {
		logWarn("party end announcement failed", s, err)
	} else if sent {
		p.ledger.Arm(s.SubjectID, config.EventPartyEnd)
	}
}

// memberRecord converts one stint into its persisted form.
func memberRecord(st *MemberStint, left time.Time) store.PartyMemberRecord {
	return store.PartyMemberRecord{
		UserID:   st.UserID,
		JoinedAt: st.JoinedAt,
		LeftAt:   left,
		Minutes:  wholeMinutes(st.JoinedAt, left),
	}
}

// memberNames joins the active members' display names for templates.
func (p *PartyTracker) memberNames(s *Session) string {
	var names []string
	for _, st := range s.Party.Roster {
		if st.LeftAt.IsZero() {
			names = append(names, st.Username)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// ///////////////////////////////////////////////
// Queries
// ///////////////////////////////////////////////

// HasActiveParty reports whether a party is open for the label. With a
// non-empty userID it additionally requires that user to be an active
// member.
func (p *PartyTracker) HasActiveParty(label, userID string) bool {
	s := p.engine.Get(label)
	if s == nil {
		return false
	}
	if userID == "" {
		return true
	}
	lock := p.lockFor(label)
	lock.Lock()
	defer lock.Unlock()
	st, ok := s.Party.Roster[userID]
	return ok && st.LeftAt.IsZero()
}

// ActiveParties returns the open parties as label to active member names.
func (p *PartyTracker) ActiveParties() map[string][]string {
	out := make(map[string][]string)
	for _, view := range p.engine.Snapshot() {
		s := p.engine.Get(view.SubjectID)
		if s == nil {
			continue
		}
		lock := p.lockFor(s.SubjectID)
		lock.Lock()
		var names []string
		for _, st := range s.Party.Roster {
			if st.LeftAt.IsZero() {
				names = append(names, st.Username)
			}
		}
		lock.Unlock()
		sort.Strings(names)
		out[s.SubjectID] = names
	}
	return out
}
