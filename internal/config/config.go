// Package config provides configuration loading and defaults for the
// Guildwatch daemon.
//
// Configuration is loaded from a TOML file in the daemon's data directory.
// The package handles Discord connection settings, per-event notification
// toggles and message templates, session-tracking timings, and denylists,
// with sensible defaults for everything except the bot token.
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	"tools.zach/dev/guildwatch/internal/atomicfile"
	"tools.zach/dev/guildwatch/internal/migrate"
	"tools.zach/dev/guildwatch/internal/paths"
)

// TokenEnvVar is the environment variable consulted when discord.token is
// empty, so deployments can keep the secret out of the config file.
const TokenEnvVar = "GUILDWATCH_TOKEN"

// Event keys used for notification toggles, templates, and cooldown entries.
const (
	EventGameStart  = "game_start"
	EventGameEnd    = "game_end"
	EventVoiceJoin  = "voice_join"
	EventVoiceLeave = "voice_leave"
	EventVoiceMove  = "voice_move"
	EventPartyForm  = "party_form"
	EventPartyJoin  = "party_join"
	EventPartyEnd   = "party_end"
)

// EventKeys lists every recognized event key, in display order.
var EventKeys = []string{
	EventGameStart, EventGameEnd,
	EventVoiceJoin, EventVoiceLeave, EventVoiceMove,
	EventPartyForm, EventPartyJoin, EventPartyEnd,
}

// ///////////////////////////////////////////////
// Configuration Types
// ///////////////////////////////////////////////

// Config represents the top-level application configuration.
type Config struct {
	// Version is the config schema version used for migrations.
	Version int `toml:"version"`
	// Discord holds Discord connection settings.
	Discord DiscordConfig `toml:"discord"`
	// Notify holds per-event notification toggles and message templates.
	Notify NotifyConfig `toml:"notify"`
	// Tracking holds session-tracking timings and denylists.
	Tracking TrackingConfig `toml:"tracking"`
	// Party holds multi-player party tracking settings.
	Party PartyConfig `toml:"party"`
	// Log holds logging settings.
	Log LogConfig `toml:"log"`
}

// DiscordConfig holds Discord connection settings.
type DiscordConfig struct {
	// Token is the bot token. May be left empty and supplied via
	// the GUILDWATCH_TOKEN environment variable instead.
	Token string `toml:"token"`
	// GuildID is the guild (server) the daemon tracks.
	GuildID string `toml:"guild_id"`
	// ChannelID is the text channel where notifications are posted.
	ChannelID string `toml:"channel_id"`
}

// NotifyConfig holds per-event notification toggles and message templates.
type NotifyConfig struct {
	// GameStart enables the game entry notification.
	GameStart bool `toml:"game_start"`
	// GameEnd enables the game exit notification.
	GameEnd bool `toml:"game_end"`
	// VoiceJoin enables the voice channel join notification.
	VoiceJoin bool `toml:"voice_join"`
	// VoiceLeave enables the voice channel leave notification.
	VoiceLeave bool `toml:"voice_leave"`
	// VoiceMove enables the combined channel-move notification.
	VoiceMove bool `toml:"voice_move"`
	// PartyForm enables the party formation notification.
	PartyForm bool `toml:"party_form"`
	// PartyJoin enables the late-joiner notification.
	PartyJoin bool `toml:"party_join"`
	// PartyEnd enables the party wrap-up notification.
	PartyEnd bool `toml:"party_end"`
	// Templates maps event keys to message templates with named
	// placeholders ({user}, {game}, {channel}, {from}, {to}, {count},
	// {members}, {duration}). Emoji shortcodes (:tada:) are rendered at
	// send time. Missing keys fall back to the built-in defaults.
	Templates map[string]string `toml:"templates"`
}

// Enabled reports whether notifications for the given event key are on.
func (n NotifyConfig) Enabled(event string) bool {
	switch event {
	case EventGameStart:
		return n.GameStart
	case EventGameEnd:
		return n.GameEnd
	case EventVoiceJoin:
		return n.VoiceJoin
	case EventVoiceLeave:
		return n.VoiceLeave
	case EventVoiceMove:
		return n.VoiceMove
	case EventPartyForm:
		return n.PartyForm
	case EventPartyJoin:
		return n.PartyJoin
	case EventPartyEnd:
		return n.PartyEnd
	default:
		return false
	}
}

// Template returns the message template for an event key, falling back to
// the built-in default when the key is absent from the config.
func (n NotifyConfig) Template(event string) string {
	if t, ok := n.Templates[event]; ok && t != "" {
		return t
	}
	return defaultTemplates[event]
}

// TrackingConfig holds session-tracking timings and denylists.
type TrackingConfig struct {
	// IgnoreBots drops all events originating from bot accounts.
	IgnoreBots bool `toml:"ignore_bots"`
	// DebounceSeconds is the delay before the first still-active checkpoint.
	DebounceSeconds int `toml:"debounce_seconds"`
	// ConfirmSeconds is the total delay before a session is confirmed.
	// Must be greater than DebounceSeconds; the second checkpoint fires
	// after ConfirmSeconds - DebounceSeconds more.
	ConfirmSeconds int `toml:"confirm_seconds"`
	// GraceSeconds is the tolerance window after an end signal during which
	// the session is kept open in case of a transient blip.
	GraceSeconds int `toml:"grace_seconds"`
	// CooldownMinutes is the minimum spacing between repeated notifications
	// of the same kind for the same subject.
	CooldownMinutes int `toml:"cooldown_minutes"`
	// SweepMinutes is the periodic health sweep interval. Must exceed the
	// grace window so every stalled session is caught within one cycle.
	SweepMinutes int `toml:"sweep_minutes"`
	// ResurrectMinutes bounds how old a persisted open-session marker may be
	// and still be resurrected on startup.
	ResurrectMinutes int `toml:"resurrect_minutes"`
	// OrphanHours bounds how old a pending-notification record may be before
	// startup cleanup discards it.
	OrphanHours int `toml:"orphan_hours"`
	// DenyGames lists glob patterns for game labels that are never tracked.
	DenyGames []string `toml:"deny_games"`
	// DenyAppIDs lists opaque application identifiers that are never tracked.
	DenyAppIDs []string `toml:"deny_app_ids"`
}

// Debounce returns the first-checkpoint delay as a duration.
func (t TrackingConfig) Debounce() time.Duration {
	return time.Duration(t.DebounceSeconds) * time.Second
}

// Confirm returns the second-checkpoint delay (after the first) as a duration.
func (t TrackingConfig) Confirm() time.Duration {
	return time.Duration(t.ConfirmSeconds-t.DebounceSeconds) * time.Second
}

// Grace returns the blip-tolerance window as a duration.
func (t TrackingConfig) Grace() time.Duration {
	return time.Duration(t.GraceSeconds) * time.Second
}

// Cooldown returns the notification cooldown as a duration.
func (t TrackingConfig) Cooldown() time.Duration {
	return time.Duration(t.CooldownMinutes) * time.Minute
}

// Sweep returns the health sweep interval as a duration.
func (t TrackingConfig) Sweep() time.Duration {
	return time.Duration(t.SweepMinutes) * time.Minute
}

// Resurrect returns the staleness bound for startup resurrection.
func (t TrackingConfig) Resurrect() time.Duration {
	return time.Duration(t.ResurrectMinutes) * time.Minute
}

// Orphan returns the age bound for orphaned announcement cleanup.
func (t TrackingConfig) Orphan() time.Duration {
	return time.Duration(t.OrphanHours) * time.Hour
}

// PartyConfig holds multi-player party tracking settings.
type PartyConfig struct {
	// MinMembers is the participant count required for a party to exist.
	MinMembers int `toml:"min_members"`
	// MemberGraceMinutes is the per-member rejoin window. A member who drops
	// and does not return within it has their time persisted and is removed
	// from the roster.
	MemberGraceMinutes int `toml:"member_grace_minutes"`
	// CooldownMinutes is the spacing between party notifications per game.
	CooldownMinutes int `toml:"cooldown_minutes"`
	// RejoinWindowMinutes distinguishes a returning member (silent) from a
	// fresh joiner (notified) after a party has formed.
	RejoinWindowMinutes int `toml:"rejoin_window_minutes"`
}

// MemberGrace returns the per-member rejoin window as a duration.
func (p PartyConfig) MemberGrace() time.Duration {
	return time.Duration(p.MemberGraceMinutes) * time.Minute
}

// RejoinWindow returns the returning-member window as a duration.
func (p PartyConfig) RejoinWindow() time.Duration {
	return time.Duration(p.RejoinWindowMinutes) * time.Minute
}

// Cooldown returns the party notification cooldown as a duration.
func (p PartyConfig) Cooldown() time.Duration {
	return time.Duration(p.CooldownMinutes) * time.Minute
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `toml:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation.
	MaxSizeMB int `toml:"max_size_mb"`
}

// ///////////////////////////////////////////////
// Default Configuration
// ///////////////////////////////////////////////

// defaultTemplates holds the built-in message template per event key.
var defaultTemplates = map[string]string{
	EventGameStart:  ":video_game: **{user}** started playing **{game}**",
	EventGameEnd:    "**{user}** stopped playing **{game}** after {duration}",
	EventVoiceJoin:  ":loud_sound: **{user}** joined :speaker: **{channel}**",
	EventVoiceLeave: "**{user}** left :speaker: **{channel}**",
	EventVoiceMove:  "**{user}** moved from **{from}** to **{to}**",
	EventPartyForm:  ":tada: A **{game}** party is forming: {members}",
	EventPartyJoin:  ":heavy_plus_sign: **{user}** joined the **{game}** party",
	EventPartyEnd:   "The **{game}** party wrapped up after {duration} (peak {count} players)",
}

// Registry holds the config schema version and migrations. There are no
// historical versions yet; the registry exists so the first schema change
// ships as a migration instead of a breaking default.
var Registry = &migrate.Registry{
	Name:           "config",
	CurrentVersion: 1,
}

// DefaultConfig returns a Config populated with the reference defaults:
// 3s/10s debounce checkpoints, 5-minute grace, 30-minute sweep, 1-hour
// resurrection bound, and 20-minute party member grace.
func DefaultConfig() *Config {
	return &Config{
		Version: Registry.CurrentVersion,
		Discord: DiscordConfig{},
		Notify: NotifyConfig{
			GameStart:  true,
			GameEnd:    false,
			VoiceJoin:  true,
			VoiceLeave: false,
			VoiceMove:  true,
			PartyForm:  true,
			PartyJoin:  true,
			PartyEnd:   true,
			Templates:  map[string]string{},
		},
		Tracking: TrackingConfig{
			IgnoreBots:       true,
			DebounceSeconds:  3,
			ConfirmSeconds:   10,
			GraceSeconds:     300,
			CooldownMinutes:  30,
			SweepMinutes:     30,
			ResurrectMinutes: 60,
			OrphanHours:      12,
			DenyGames:        []string{},
			DenyAppIDs:       []string{},
		},
		Party: PartyConfig{
			MinMembers:          2,
			MemberGraceMinutes:  20,
			CooldownMinutes:     60,
			RejoinWindowMinutes: 20,
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 10,
		},
	}
}

// ///////////////////////////////////////////////
// PeekVersion
// ///////////////////////////////////////////////

// PeekVersion reads just the version field from raw TOML bytes.
// Returns 1 if the version field is missing or zero.
func PeekVersion(data []byte) int {
	var v struct {
		Version int `toml:"version"`
	}
	if err := toml.Unmarshal(data, &v); err != nil {
		return 1
	}
	if v.Version == 0 {
		return 1
	}
	return v.Version
}

// ///////////////////////////////////////////////
// Loading and Saving
// ///////////////////////////////////////////////

// Load reads and parses the configuration file from dataDir/config.toml.
// If the file doesn't exist, returns DefaultConfig. An empty discord.token
// is filled from the GUILDWATCH_TOKEN environment variable when set.
func Load(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, paths.ConfigFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			cfg.fillTokenFromEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	version := PeekVersion(data)

	shouldMigrate := Registry.Needed(version)
	if shouldMigrate {
		// Write backup before migration
		if backupErr := os.WriteFile(path+".bak", data, 0o644); backupErr != nil {
			slog.Warn("failed to write config backup", "error", backupErr)
		}
		var migrateErr error
		data, _, migrateErr = Registry.Run(data, version)
		if migrateErr != nil {
			return nil, fmt.Errorf("migrate config: %w", migrateErr)
		}
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Version = Registry.CurrentVersion
	cfg.fillTokenFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	// Re-save after migration
	if shouldMigrate {
		if err := cfg.Save(path); err != nil {
			slog.Warn("failed to save migrated config", "error", err)
		}
	}

	return cfg, nil
}

// fillTokenFromEnv populates Discord.Token from the environment when the
// config file leaves it empty.
func (c *Config) fillTokenFromEnv() {
	if c.Discord.Token == "" {
		c.Discord.Token = os.Getenv(TokenEnvVar)
	}
}

// Save writes the config to disk as TOML using atomic file write.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return atomicfile.Write(path, buf.Bytes(), 0o644)
}

// ///////////////////////////////////////////////
// Validation
// ///////////////////////////////////////////////

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks that all configuration values are within acceptable ranges.
// The bot token is deliberately not validated here; the daemon checks it at
// startup so offline tools (and tests) can load token-less configs.
func (c *Config) Validate() error {
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log.level %q: must be trace, debug, info, warn, or error", c.Log.Level)
	}

	t := c.Tracking
	if t.DebounceSeconds <= 0 {
		return fmt.Errorf("debounce_seconds must be > 0, got %d", t.DebounceSeconds)
	}
	if t.ConfirmSeconds <= t.DebounceSeconds {
		return fmt.Errorf("confirm_seconds (%d) must exceed debounce_seconds (%d)", t.ConfirmSeconds, t.DebounceSeconds)
	}
	if t.GraceSeconds <= 0 {
		return fmt.Errorf("grace_seconds must be > 0, got %d", t.GraceSeconds)
	}
	if t.CooldownMinutes < 0 {
		return fmt.Errorf("cooldown_minutes must be >= 0, got %d", t.CooldownMinutes)
	}
	if t.SweepMinutes <= 0 {
		return fmt.Errorf("sweep_minutes must be > 0, got %d", t.SweepMinutes)
	}
	// A sweep shorter than the grace window would close sessions the grace
	// window still protects.
	if time.Duration(t.SweepMinutes)*time.Minute <= t.Grace() {
		return fmt.Errorf("sweep_minutes (%d) must exceed grace_seconds (%d)", t.SweepMinutes, t.GraceSeconds)
	}
	if t.ResurrectMinutes <= 0 {
		return fmt.Errorf("resurrect_minutes must be > 0, got %d", t.ResurrectMinutes)
	}
	if t.OrphanHours <= 0 {
		return fmt.Errorf("orphan_hours must be > 0, got %d", t.OrphanHours)
	}

	for _, pattern := range t.DenyGames {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid deny_games pattern %q", pattern)
		}
	}

	p := c.Party
	if p.MinMembers < 2 {
		return fmt.Errorf("party.min_members must be >= 2, got %d", p.MinMembers)
	}
	if p.MemberGraceMinutes <= 0 {
		return fmt.Errorf("party.member_grace_minutes must be > 0, got %d", p.MemberGraceMinutes)
	}
	if p.RejoinWindowMinutes < 0 {
		return fmt.Errorf("party.rejoin_window_minutes must be >= 0, got %d", p.RejoinWindowMinutes)
	}

	for key := range c.Notify.Templates {
		if !isKnownEvent(key) {
			return fmt.Errorf("unknown template event key %q", key)
		}
	}

	return nil
}

// isKnownEvent reports whether key is one of the recognized event keys.
func isKnownEvent(key string) bool {
	for _, k := range EventKeys {
		if k == key {
			return true
		}
	}
	return false
}

// ///////////////////////////////////////////////
// Denylist Helpers
// ///////////////////////////////////////////////

// IsDeniedGame reports whether a game label matches any deny_games glob
// pattern. Matching is case-insensitive because Discord activity names are
// client-controlled and arrive in inconsistent casing.
func (c *Config) IsDeniedGame(label string) bool {
	lower := strings.ToLower(label)
	for _, pattern := range c.Tracking.DenyGames {
		matched, err := doublestar.Match(strings.ToLower(pattern), lower)
		if err != nil {
			slog.Warn("invalid glob pattern", "pattern", pattern, "error", err)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// IsDeniedAppID reports whether an opaque application identifier is
// denylisted.
func (c *Config) IsDeniedAppID(appID string) bool {
	for _, id := range c.Tracking.DenyAppIDs {
		if id == appID {
			return true
		}
	}
	return false
}
