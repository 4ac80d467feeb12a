package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"tools.zach/dev/guildwatch/internal/atomicfile"
	"tools.zach/dev/guildwatch/internal/migrate"
	"tools.zach/dev/guildwatch/internal/paths"
)

// verifyThreshold is how many times a single app ID must be seen claiming a
// label before the label is permanently verified.
const verifyThreshold = 3

// Schema registries for the persisted files.
var (
	statsRegistry     = &migrate.Registry{Name: "stats", CurrentVersion: 1}
	partiesRegistry   = &migrate.Registry{Name: "parties", CurrentVersion: 1}
	cooldownsRegistry = &migrate.Registry{Name: "cooldowns", CurrentVersion: 1}
	pendingRegistry   = &migrate.Registry{Name: "pending", CurrentVersion: 1}
)

// ///////////////////////////////////////////////
// Store
// ///////////////////////////////////////////////

// Store owns the daemon's persisted state. All methods are safe for
// concurrent use. Low-frequency mutations (sessions, parties, cooldowns,
// markers) are written through to disk immediately; high-frequency counters
// (messages, reactions) are buffered and written by [Store.Flush].
type Store struct {
	mu  sync.Mutex
	dir paths.DataDir

	stats     *StatsData
	parties   *PartiesData
	cooldowns *CooldownsData
	pending   *PendingData

	statsDirty bool
}

// Open loads all persisted files from the data directory, creating defaults
// for any that are missing and running schema migrations where needed.
func Open(dir paths.DataDir) (*Store, error) {
	s := &Store{
		dir: dir,
		stats: &StatsData{
			Version: statsRegistry.CurrentVersion,
			Users:   map[string]*UserRecord{},
			Games:   map[string]*GameRecord{},
			Apps:    map[string]*AppRecord{},
		},
		parties: &PartiesData{
			Version: partiesRegistry.CurrentVersion,
			Games:   map[string]*PartyGameStats{},
		},
		cooldowns: &CooldownsData{
			Version: cooldownsRegistry.CurrentVersion,
			Entries: map[string]string{},
		},
		pending: &PendingData{
			Version: pendingRegistry.CurrentVersion,
			Markers: map[string]Marker{},
		},
	}

	if err := loadFile(dir.Stats(), statsRegistry, s.stats); err != nil {
		return nil, err
	}
	if err := loadFile(dir.Parties(), partiesRegistry, s.parties); err != nil {
		return nil, err
	}
	if err := loadFile(dir.Cooldowns(), cooldownsRegistry, s.cooldowns); err != nil {
		return nil, err
	}
	if err := loadFile(dir.Pending(), pendingRegistry, s.pending); err != nil {
		return nil, err
	}
	s.fillDefaults()
	return s, nil
}

// fillDefaults replaces nil maps left by partial files.
func (s *Store) fillDefaults() {
	if s.stats.Users == nil {
		s.stats.Users = map[string]*UserRecord{}
	}
	if s.stats.Games == nil {
		s.stats.Games = map[string]*GameRecord{}
	}
	if s.stats.Apps == nil {
		s.stats.Apps = map[string]*AppRecord{}
	}
	if s.parties.Games == nil {
		s.parties.Games = map[string]*PartyGameStats{}
	}
	if s.cooldowns.Entries == nil {
		s.cooldowns.Entries = map[string]string{}
	}
	if s.pending.Markers == nil {
		s.pending.Markers = map[string]Marker{}
	}
}

// loadFile reads one versioned JSON file into dst. Missing files leave dst
// at its defaults.
func loadFile(path string, reg *migrate.Registry, dst any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var peek struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	version := peek.Version
	if version == 0 {
		version = 1
	}
	if reg.Needed(version) {
		data, version, err = reg.Run(data, version)
		if err != nil {
			return err
		}
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// saveLocked writes one file atomically, logging instead of failing: losing
// an aggregate write must never take the tracker down.
func (s *Store) saveLocked(path string, v any) {
	if err := atomicfile.WriteJSON(path, v, 0o600); err != nil {
		slog.Error("persist failed", "file", path, "error", err)
	}
}

// Flush writes buffered counter changes to disk.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statsDirty {
		s.saveLocked(s.dir.Stats(), s.stats)
		s.statsDirty = false
	}
}

// ///////////////////////////////////////////////
// Activity aggregates
// ///////////////////////////////////////////////

func (s *Store) user(id string) *UserRecord {
	u := s.stats.Users[id]
	if u == nil {
		u = &UserRecord{}
		s.stats.Users[id] = u
	}
	return u
}

// AddVoiceSession records one confirmed voice session ending at end.
// Minutes may be zero for sub-minute sessions; the session still counts.
func (s *Store) AddVoiceSession(userID string, end time.Time, minutes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(userID)
	u.VoiceSessions++
	if minutes > 0 {
		u.VoiceMinutes += minutes
		if u.VoiceDaily == nil {
			u.VoiceDaily = map[string]int64{}
		}
		u.VoiceDaily[DayKey(end)] += minutes
	}
	s.saveLocked(s.dir.Stats(), s.stats)
}

// AddGameSession records one confirmed game session for a user and updates
// the guild-wide aggregate for the game.
func (s *Store) AddGameSession(userID, game string, end time.Time, minutes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)
	if u.Games == nil {
		u.Games = map[string]*UserGameRecord{}
	}
	ug := u.Games[game]
	if ug == nil {
		ug = &UserGameRecord{}
		u.Games[game] = ug
	}
	ug.Sessions++
	ug.Minutes += minutes

	g := s.stats.Games[game]
	if g == nil {
		g = &GameRecord{}
		s.stats.Games[game] = g
	}
	g.Sessions++
	if minutes > 0 {
		g.Minutes += minutes
		if g.Daily == nil {
			g.Daily = map[string]int64{}
		}
		g.Daily[DayKey(end)] += minutes
	}
	s.saveLocked(s.dir.Stats(), s.stats)
}

// CountMessage increments a user's message counter. Buffered; written by
// the next [Store.Flush].
func (s *Store) CountMessage(userID string, sticker bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(userID)
	u.Messages++
	if sticker {
		u.Stickers++
	}
	s.statsDirty = true
}

// CountReaction increments a user's reaction counter. Buffered.
func (s *Store) CountReaction(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user(userID).Reactions++
	s.statsDirty = true
}

// UserStats returns a copy of one user's aggregates.
func (s *Store) UserStats(userID string) (UserRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.stats.Users[userID]
	if !ok {
		return UserRecord{}, false
	}
	return *u, true
}

// GameStats returns a copy of the guild-wide aggregate for a game.
func (s *Store) GameStats(game string) (GameRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.stats.Games[game]
	if !ok {
		return GameRecord{}, false
	}
	return *g, true
}

// ///////////////////////////////////////////////
// App verification
// ///////////////////////////////////////////////

// ObserveAppClaim tallies a sighting of appID claiming the label. Once one
// ID accumulates enough sightings the label is permanently verified and the
// tallies are dropped. No-op for already-verified labels or empty IDs.
func (s *Store) ObserveAppClaim(label, appID string) {
	if appID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.stats.Apps[label]
	if a == nil {
		a = &AppRecord{}
		s.stats.Apps[label] = a
	}
	if a.VerifiedAppID != "" {
		return
	}
	if a.Counts == nil {
		a.Counts = map[string]int{}
	}
	a.Counts[appID]++
	if a.Counts[appID] >= verifyThreshold {
		a.VerifiedAppID = appID
		a.Counts = nil
		slog.Info("app id verified", "game", label, "app_id", appID)
	}
	s.saveLocked(s.dir.Stats(), s.stats)
}

// VerifiedAppID returns the verified app ID for a label, if one exists.
func (s *Store) VerifiedAppID(label string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.stats.Apps[label]
	if !ok || a.VerifiedAppID == "" {
		return "", false
	}
	return a.VerifiedAppID, true
}

// ///////////////////////////////////////////////
// Parties
// ///////////////////////////////////////////////

// AppendParty records one finished party and updates the per-game aggregate.
func (s *Store) AppendParty(rec PartyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.parties.History = append(s.parties.History, rec)
	g := s.parties.Games[rec.Game]
	if g == nil {
		g = &PartyGameStats{}
		s.parties.Games[rec.Game] = g
	}
	g.Parties++
	g.Minutes += rec.Minutes
	if rec.Peak > g.PeakMembers {
		g.PeakMembers = rec.Peak
	}
	for _, m := range rec.Members {
		if g.Participants == nil {
			g.Participants = make(map[string]bool)
		}
		g.Participants[m.UserID] = true
	}
	s.saveLocked(s.dir.Parties(), s.parties)
}

// PartyHistory returns finished parties for a game, most recent first,
// capped at limit (0 means all). An empty game matches everything.
func (s *Store) PartyHistory(game string, limit int) []PartyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []PartyRecord
	for _, rec := range s.parties.History {
		if game == "" || rec.Game == game {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EndedAt.After(out[j].EndedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// PartyStats returns the per-game party aggregate.
func (s *Store) PartyStats(game string) (PartyGameStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.parties.Games[game]
	if !ok {
		return PartyGameStats{}, false
	}
	out := *g
	out.Participants = make(map[string]bool, len(g.Participants))
	for id := range g.Participants {
		out.Participants[id] = true
	}
	return out, true
}

// ///////////////////////////////////////////////
// Cooldown ledger
// ///////////////////////////////////////////////

// LastNotified returns when the keyed notification last fired. A missing or
// malformed entry reports ok=false: the ledger fails open, never suppressing
// a notification because of bad data.
func (s *Store) LastNotified(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.cooldowns.Entries[key]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		slog.Warn("malformed cooldown entry, ignoring", "key", key, "value", raw)
		return time.Time{}, false
	}
	return t, true
}

// SetNotified records that the keyed notification fired at t.
func (s *Store) SetNotified(key string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns.Entries[key] = t.UTC().Format(time.RFC3339)
	s.saveLocked(s.dir.Cooldowns(), s.cooldowns)
}

// ///////////////////////////////////////////////
// Open-session markers
// ///////////////////////////////////////////////

// PutMarker writes or replaces an open-session marker.
func (s *Store) PutMarker(m Marker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.Markers[m.Key()] = m
	s.saveLocked(s.dir.Pending(), s.pending)
}

// DeleteMarker removes an open-session marker by key. Unknown keys are a
// no-op.
func (s *Store) DeleteMarker(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending.Markers[key]; !ok {
		return
	}
	delete(s.pending.Markers, key)
	s.saveLocked(s.dir.Pending(), s.pending)
}

// Markers returns a snapshot of all open-session markers.
func (s *Store) Markers() []Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Marker, 0, len(s.pending.Markers))
	for _, m := range s.pending.Markers {
		out = append(out, m)
	}
	return out
}
