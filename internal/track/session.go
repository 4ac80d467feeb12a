// Package track implements session tracking over the noisy event stream:
// a debounced confirmation engine shared by voice, game, and party sessions,
// outlier filtering of spoofed activity claims, cooldown-gated
// notifications, and startup recovery of sessions that survived a restart.
package track

import (
	"log/slog"
	"time"

	"tools.zach/dev/guildwatch/internal/notify"
)

// Session kinds.
const (
	KindVoice = "voice"
	KindGame  = "game"
	KindParty = "party"
)

// State is a session's confirmation state. Sessions only ever move from
// pending to confirmed; a session that fails confirmation is discarded,
// never demoted.
type State int

const (
	StatePending State = iota
	StateConfirmed
)

// String returns the lowercase state name.
func (s State) String() string {
	if s == StateConfirmed {
		return "confirmed"
	}
	return "pending"
}

// ///////////////////////////////////////////////
// Session
// ///////////////////////////////////////////////

// Session is one in-progress continuous activity interval. The subject is a
// user ID for voice and game sessions; for parties it is the game label
// itself, with the members tracked in the roster.
//
// Fields are guarded by the owning engine's lock once the session has been
// handed to [Engine.Start].
type Session struct {
	// Kind is [KindVoice], [KindGame], or [KindParty].
	Kind string
	// SubjectID keys the session within its engine.
	SubjectID string
	// DisplayName is a human-readable label for notifications. May go stale
	// if the subject renames mid-session.
	DisplayName string
	// ScopeID is the guild the session belongs to.
	ScopeID string
	// StartTime is when the interval was first observed.
	StartTime time.Time
	// LastActive is the most recent corroboration that the interval is still
	// ongoing. Monotonically non-decreasing; drives grace expiry.
	LastActive time.Time
	// State is the confirmation state.
	State State
	// Notice is the entry announcement handle, for retraction on discard.
	Notice notify.Handle
	// NotifiedEntry records whether an entry announcement actually went out
	// (false when suppressed by cooldown, config, or a concurrent party).
	NotifiedEntry bool

	// Exactly one of the variant payloads is set, matching Kind.
	Voice *VoiceData
	Game  *GameData
	Party *PartyData
}

// VoiceData is the voice-session payload.
type VoiceData struct {
	ChannelID   string
	ChannelName string
	// MovedFrom names the prior channel when this session was created by a
	// channel move, so the entry announcement reads "moved" instead of
	// "joined". Empty for plain joins.
	MovedFrom string
	// superseded suppresses the exit announcement when the session was
	// replaced by a move rather than genuinely ended.
	superseded bool
}

// GameData is the game-session payload.
type GameData struct {
	// Label is the game name.
	Label string
	// AppID is the opaque application identifier carried by the claim.
	AppID string
	// Kind is the activity type the claim arrived with.
	Kind string
}

// MemberStint is one party member's participation interval.
type MemberStint struct {
	UserID   string
	Username string
	JoinedAt time.Time
	// LeftAt is zero while the member is present. A member who returns
	// within the rejoin window has it cleared again.
	LeftAt time.Time
}

// PartyData is the party-session payload. The roster and folded stints are
// mutated only by the party tracker, under its per-game finalize lock.
type PartyData struct {
	// Roster holds the current and recently departed members, keyed by user
	// ID. A member whose individual grace expires moves to Folded.
	Roster map[string]*MemberStint
	// Folded holds completed stints of members removed from the roster, each
	// written into the party history record at finalization.
	Folded []*MemberStint
	// Initial is the founding member set, distinguishing returning founders
	// from genuinely new joiners.
	Initial map[string]bool
	// Peak is the largest simultaneous member count reached.
	Peak int
}

// ActiveMembers returns the user IDs currently present (no pending leave).
func (p *PartyData) ActiveMembers() []string {
	var out []string
	for id, st := range p.Roster {
		if st.LeftAt.IsZero() {
			out = append(out, id)
		}
	}
	return out
}

// wholeMinutes converts an interval to the persisted whole-minute count.
// Intervals under a minute contribute zero.
func wholeMinutes(start, end time.Time) int64 {
	d := end.Sub(start)
	if d < time.Minute {
		return 0
	}
	return int64(d / time.Minute)
}

func logWarn(msg string, s *Session, err error) {
	slog.Warn(msg, "kind", s.Kind, "subject", s.SubjectID, "error", err)
}
