// Package discord provides the daemon's Discord boundary: a gateway client
// delivering presence, voice, member, and message events over websocket, an
// in-memory guild state cache answering live-world lookups, and a small REST
// client for posting and retracting notification messages.
package discord

// ///////////////////////////////////////////////
// Activity Types
// ///////////////////////////////////////////////

// ActivityType is the Discord activity type enum.
type ActivityType int

const (
	ActivityPlaying   ActivityType = 0
	ActivityStreaming ActivityType = 1
	ActivityListening ActivityType = 2
	ActivityWatching  ActivityType = 3
	ActivityCustom    ActivityType = 4
	ActivityCompeting ActivityType = 5
)

// String returns the lowercase name of the activity type.
func (t ActivityType) String() string {
	switch t {
	case ActivityPlaying:
		return "playing"
	case ActivityStreaming:
		return "streaming"
	case ActivityListening:
		return "listening"
	case ActivityWatching:
		return "watching"
	case ActivityCustom:
		return "custom"
	case ActivityCompeting:
		return "competing"
	default:
		return "unknown"
	}
}

// Activity is one entry from a member's presence activity list.
type Activity struct {
	// Name is the display label (game name, "Spotify", custom status text).
	Name string `json:"name"`
	// Type is the activity type enum.
	Type ActivityType `json:"type"`
	// ApplicationID is the opaque application identifier accompanying the
	// claim. Empty for integrations that do not carry one (e.g. Spotify).
	ApplicationID string `json:"application_id"`
}

// ///////////////////////////////////////////////
// Domain Events
// ///////////////////////////////////////////////

// PresenceUpdate reports a change in a member's activity list.
type PresenceUpdate struct {
	GuildID  string
	UserID   string
	Username string
	// Previous is the activity list before this update, from the state cache.
	Previous []Activity
	// Current is the activity list after this update.
	Current []Activity
}

// VoiceStateUpdate reports a member joining, leaving, or moving between
// voice channels. Empty channel fields mean "not in a channel".
type VoiceStateUpdate struct {
	GuildID      string
	UserID       string
	Username     string
	ChannelID    string
	ChannelName  string
	PrevChannelID   string
	PrevChannelName string
}

// MessageCreate reports a posted chat message.
type MessageCreate struct {
	GuildID     string
	ChannelID   string
	UserID      string
	Username    string
	Content     string
	HasStickers bool
	Bot         bool
}

// ReactionAdd reports a reaction added to a message.
type ReactionAdd struct {
	GuildID string
	UserID  string
}

// MemberChange reports a member joining or leaving the guild.
type MemberChange struct {
	GuildID  string
	UserID   string
	Username string
	Bot      bool
}

// Handlers holds the callbacks invoked by the gateway for each event kind.
// Nil entries are skipped. Callbacks run on the gateway read goroutine and
// must not block for long.
type Handlers struct {
	Ready       func()
	Presence    func(PresenceUpdate)
	VoiceState  func(VoiceStateUpdate)
	Message     func(MessageCreate)
	Reaction    func(ReactionAdd)
	MemberJoin  func(MemberChange)
	MemberLeave func(MemberChange)
}
