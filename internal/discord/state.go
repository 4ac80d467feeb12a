package discord

import (
	"sync"
)

// ///////////////////////////////////////////////
// State Cache
// ///////////////////////////////////////////////

// voiceLoc records which voice channel a member currently occupies.
type voiceLoc struct {
	ChannelID   string
	ChannelName string
}

// Claim is one member's assertion of a named activity, as used by the
// outlier filters.
type Claim struct {
	UserID   string
	Username string
	AppID    string
}

// State is an in-memory cache of guild presence and voice occupancy, kept
// current by the gateway. It answers the live-world lookups the session
// trackers poll at debounce checkpoints and health sweeps.
//
// All methods are safe for concurrent use.
type State struct {
	mu sync.RWMutex
	// presences maps guild ID -> user ID -> current activity list.
	presences map[string]map[string][]Activity
	// voice maps guild ID -> user ID -> current voice location.
	voice map[string]map[string]voiceLoc
	// names maps user ID -> last known display name.
	names map[string]string
	// channels maps channel ID -> channel name.
	channels map[string]string
	// members tracks which user IDs are resolvable in each guild, so lookups
	// can distinguish "no activity" from "member unknown".
	members map[string]map[string]bool
}

// NewState creates an empty state cache.
func NewState() *State {
	return &State{
		presences: make(map[string]map[string][]Activity),
		voice:     make(map[string]map[string]voiceLoc),
		names:     make(map[string]string),
		channels:  make(map[string]string),
		members:   make(map[string]map[string]bool),
	}
}

// ///////////////////////////////////////////////
// Mutation (called by the gateway)
// ///////////////////////////////////////////////

// SetChannel records or updates a channel name.
func (s *State) SetChannel(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[id] = name
}

// RemoveChannel drops a channel from the cache.
func (s *State) RemoveChannel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, id)
}

// SetMember marks a user as resolvable in a guild and records their name.
func (s *State) SetMember(guildID, userID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[guildID] == nil {
		s.members[guildID] = make(map[string]bool)
	}
	s.members[guildID][userID] = true
	if name != "" {
		s.names[userID] = name
	}
}

// RemoveMember drops a user from a guild, clearing presence and voice state.
func (s *State) RemoveMember(guildID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[guildID], userID)
	delete(s.presences[guildID], userID)
	delete(s.voice[guildID], userID)
}

// SetPresence replaces a member's activity list, returning the previous list.
func (s *State) SetPresence(guildID, userID string, activities []Activity) []Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.presences[guildID] == nil {
		s.presences[guildID] = make(map[string][]Activity)
	}
	prev := s.presences[guildID][userID]
	s.presences[guildID][userID] = activities
	if s.members[guildID] == nil {
		s.members[guildID] = make(map[string]bool)
	}
	s.members[guildID][userID] = true
	return prev
}

// SetVoice replaces a member's voice location, returning the previous one.
// An empty channelID clears the location.
func (s *State) SetVoice(guildID, userID, channelID string) (prevID, prevName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.voice[guildID] == nil {
		s.voice[guildID] = make(map[string]voiceLoc)
	}
	prev := s.voice[guildID][userID]
	if channelID == "" {
		delete(s.voice[guildID], userID)
	} else {
		s.voice[guildID][userID] = voiceLoc{ChannelID: channelID, ChannelName: s.channels[channelID]}
	}
	return prev.ChannelID, prev.ChannelName
}

// Reset clears all cached guild state. Called when the gateway re-identifies
// (a fresh session re-delivers the full guild snapshot).
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presences = make(map[string]map[string][]Activity)
	s.voice = make(map[string]map[string]voiceLoc)
	s.members = make(map[string]map[string]bool)
}

// ///////////////////////////////////////////////
// Lookups (the live-world interface)
// ///////////////////////////////////////////////

// Activities returns a member's current activity list. The second return is
// false when the member is not resolvable in the guild (left, or the cache
// has no snapshot), which callers treat as "not still active".
func (s *State) Activities(guildID, userID string) ([]Activity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.members[guildID][userID] {
		return nil, false
	}
	acts := s.presences[guildID][userID]
	out := make([]Activity, len(acts))
	copy(out, acts)
	return out, true
}

// VoiceLocation returns the channel a member currently occupies.
// ok is false when the member is not in any voice channel or not resolvable.
func (s *State) VoiceLocation(guildID, userID string) (channelID, channelName string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, found := s.voice[guildID][userID]
	if !found {
		return "", "", false
	}
	name := loc.ChannelName
	if name == "" {
		name = s.channels[loc.ChannelID]
	}
	return loc.ChannelID, name, true
}

// Claimants returns every member of the guild currently claiming the given
// activity label with a playing/streaming/watching/competing activity.
// Listening activities are excluded: music integrations never form parties.
func (s *State) Claimants(guildID, label string) []Claim {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var claims []Claim
	for userID, acts := range s.presences[guildID] {
		for _, a := range acts {
			if a.Name != label {
				continue
			}
			switch a.Type {
			case ActivityPlaying, ActivityStreaming, ActivityWatching, ActivityCompeting:
			default:
				// A same-named activity of another type (a listening entry,
				// a custom status) must not shadow a later genuine claim.
				continue
			}
			claims = append(claims, Claim{
				UserID:   userID,
				Username: s.names[userID],
				AppID:    a.ApplicationID,
			})
			break
		}
	}
	return claims
}

// DisplayName returns the last known display name for a user, or the user ID
// itself when no name has been observed.
func (s *State) DisplayName(userID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n := s.names[userID]; n != "" {
		return n
	}
	return userID
}

// ChannelName resolves a channel ID to its cached name, falling back to the
// ID when unknown.
func (s *State) ChannelName(channelID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n := s.channels[channelID]; n != "" {
		return n
	}
	return channelID
}
