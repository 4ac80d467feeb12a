// Package store persists the daemon's durable state under the data
// directory: activity aggregates, party history, the notification cooldown
// ledger, and open-session markers for crash recovery. Each file is written
// atomically and carries a schema version for migrations.
package store

import "time"

// DayKey formats a timestamp as the UTC day bucket used by daily aggregates.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ///////////////////////////////////////////////
// Stats (stats.json)
// ///////////////////////////////////////////////

// UserGameRecord aggregates one user's time in one game.
type UserGameRecord struct {
	// Minutes is total confirmed play time, whole minutes.
	Minutes int64 `json:"minutes"`
	// Sessions counts confirmed sessions, including sub-minute ones.
	Sessions int64 `json:"sessions"`
}

// UserRecord aggregates one user's tracked activity.
type UserRecord struct {
	// VoiceMinutes is total confirmed voice time, whole minutes.
	VoiceMinutes int64 `json:"voice_minutes"`
	// VoiceDaily buckets voice minutes by UTC day.
	VoiceDaily map[string]int64 `json:"voice_daily,omitempty"`
	// VoiceSessions counts confirmed voice sessions.
	VoiceSessions int64 `json:"voice_sessions"`
	// Games aggregates play time per game label.
	Games map[string]*UserGameRecord `json:"games,omitempty"`
	// Messages counts posted chat messages.
	Messages int64 `json:"messages"`
	// Stickers counts messages that carried stickers.
	Stickers int64 `json:"stickers"`
	// Reactions counts added reactions.
	Reactions int64 `json:"reactions"`
}

// GameRecord aggregates guild-wide activity for one game label.
type GameRecord struct {
	// Minutes is total confirmed play time across all users.
	Minutes int64 `json:"minutes"`
	// Daily buckets play minutes by UTC day.
	Daily map[string]int64 `json:"daily,omitempty"`
	// Sessions counts confirmed sessions across all users.
	Sessions int64 `json:"sessions"`
}

// AppRecord tracks app-identifier verification for one game label. A label
// becomes verified once any single app ID has been seen claiming it enough
// times; from then on claims carrying other IDs are treated as fake.
type AppRecord struct {
	// Counts tallies sightings per app ID, kept until verification.
	Counts map[string]int `json:"counts,omitempty"`
	// VerifiedAppID is the permanently verified ID, empty until reached.
	VerifiedAppID string `json:"verified_app_id,omitempty"`
}

// StatsData is the root of stats.json.
type StatsData struct {
	Version int                    `json:"version"`
	Users   map[string]*UserRecord `json:"users"`
	Games   map[string]*GameRecord `json:"games"`
	Apps    map[string]*AppRecord  `json:"apps"`
}

// ///////////////////////////////////////////////
// Parties (parties.json)
// ///////////////////////////////////////////////

// PartyMemberRecord is one member's participation interval within a
// finished party. A member who left and rejoined appears once per stint.
type PartyMemberRecord struct {
	// UserID identifies the member.
	UserID string `json:"user_id"`
	// JoinedAt and LeftAt bound the stint.
	JoinedAt time.Time `json:"joined_at"`
	LeftAt   time.Time `json:"left_at"`
	// Minutes is the stint's whole-minute duration.
	Minutes int64 `json:"minutes"`
}

// PartyRecord is one finished party session.
type PartyRecord struct {
	// Game is the activity label the party formed around.
	Game string `json:"game"`
	// StartedAt is when the party reached quorum.
	StartedAt time.Time `json:"started_at"`
	// EndedAt is when the party dissolved.
	EndedAt time.Time `json:"ended_at"`
	// Members holds every stint served in the party, including members whose
	// grace expired before the party ended.
	Members []PartyMemberRecord `json:"members"`
	// Peak is the largest simultaneous member count reached.
	Peak int `json:"peak"`
	// Minutes is the party's confirmed duration, whole minutes.
	Minutes int64 `json:"minutes"`
}

// PartyGameStats aggregates party activity per game label.
type PartyGameStats struct {
	Parties int64 `json:"parties"`
	Minutes int64 `json:"minutes"`
	// PeakMembers is the largest party ever seen for this game.
	PeakMembers int `json:"peak_members"`
	// Participants is the set of every user who ever partied in this game.
	Participants map[string]bool `json:"participants,omitempty"`
}

// UniqueParticipants returns the distinct participant count.
func (g PartyGameStats) UniqueParticipants() int {
	return len(g.Participants)
}

// PartiesData is the root of parties.json.
type PartiesData struct {
	Version int                        `json:"version"`
	History []PartyRecord              `json:"history"`
	Games   map[string]*PartyGameStats `json:"games"`
}

// ///////////////////////////////////////////////
// Cooldowns (cooldowns.json)
// ///////////////////////////////////////////////

// CooldownsData is the root of cooldowns.json. Entries map a
// "subject:event" key to the ISO 8601 timestamp of the last notification.
// Timestamps are kept as strings so a malformed entry degrades to
// "no cooldown recorded" instead of poisoning the whole file.
type CooldownsData struct {
	Version int               `json:"version"`
	Entries map[string]string `json:"entries"`
}

// ///////////////////////////////////////////////
// Open-session markers (pending.json)
// ///////////////////////////////////////////////

// Session marker kinds.
const (
	MarkerGame  = "game"
	MarkerVoice = "voice"
)

// Marker is a persisted open-session record, written at the first debounce
// checkpoint and removed at close. On startup, fresh markers whose subject
// still shows activity are resurrected instead of being treated as new.
type Marker struct {
	// Kind is the session kind, [MarkerGame] or [MarkerVoice].
	Kind string `json:"kind"`
	// GuildID scopes the session.
	GuildID string `json:"guild_id"`
	// UserID is the session subject.
	UserID string `json:"user_id"`
	// Label is the game name for game sessions or the channel ID for voice.
	Label string `json:"label"`
	// StartedAt is the observed session start.
	StartedAt time.Time `json:"started_at"`
	// LastActive is the most recent corroborating activity.
	LastActive time.Time `json:"last_active"`
	// Confirmed records whether the session passed its second checkpoint.
	Confirmed bool `json:"confirmed"`
	// NoticeChannelID and NoticeMessageID identify the entry announcement,
	// when one was posted, so it can be retracted on discard.
	NoticeChannelID string `json:"notice_channel_id,omitempty"`
	NoticeMessageID string `json:"notice_message_id,omitempty"`
	// NoticeSentAt bounds how long an unresolved announcement may dangle.
	NoticeSentAt time.Time `json:"notice_sent_at,omitempty"`
}

// Key returns the marker's identity key within the pending table.
func (m Marker) Key() string {
	return m.Kind + ":" + m.GuildID + ":" + m.UserID + ":" + m.Label
}

// PendingData is the root of pending.json.
type PendingData struct {
	Version int               `json:"version"`
	Markers map[string]Marker `json:"markers"`
}
