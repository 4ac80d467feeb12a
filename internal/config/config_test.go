// Tests for configuration loading, defaults, validation, denylist matching,
// and template fallbacks.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig writes raw TOML into a temp data dir and returns the dir.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir
}

// ///////////////////////////////////////////////
// Defaults
// ///////////////////////////////////////////////

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if got := cfg.Tracking.Debounce(); got != 3*time.Second {
		t.Errorf("Debounce = %v, want 3s", got)
	}
	if got := cfg.Tracking.Confirm(); got != 7*time.Second {
		t.Errorf("Confirm = %v, want 7s", got)
	}
	if got := cfg.Tracking.Grace(); got != 5*time.Minute {
		t.Errorf("Grace = %v, want 5m", got)
	}
	if got := cfg.Party.MemberGrace(); got != 20*time.Minute {
		t.Errorf("MemberGrace = %v, want 20m", got)
	}
	if cfg.Party.MinMembers != 2 {
		t.Errorf("MinMembers = %d, want 2", cfg.Party.MinMembers)
	}
}

func TestDefaultTemplatesCoverAllEvents(t *testing.T) {
	cfg := DefaultConfig()
	for _, key := range EventKeys {
		if cfg.Notify.Template(key) == "" {
			t.Errorf("no default template for %q", key)
		}
	}
}

// ///////////////////////////////////////////////
// Load
// ///////////////////////////////////////////////

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tracking.ConfirmSeconds != 10 {
		t.Errorf("ConfirmSeconds = %d, want 10", cfg.Tracking.ConfirmSeconds)
	}
}

func TestLoadOverridesAndFallbacks(t *testing.T) {
	dir := writeConfig(t, `
[discord]
guild_id = "g1"
channel_id = "c1"

[tracking]
grace_seconds = 120
deny_games = ["hack*"]

[notify]
game_end = true

[notify.templates]
game_start = "{user} is playing {game}"
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Discord.GuildID != "g1" {
		t.Errorf("GuildID = %q, want g1", cfg.Discord.GuildID)
	}
	if cfg.Tracking.GraceSeconds != 120 {
		t.Errorf("GraceSeconds = %d, want 120", cfg.Tracking.GraceSeconds)
	}
	// Unset fields keep defaults.
	if cfg.Tracking.DebounceSeconds != 3 {
		t.Errorf("DebounceSeconds = %d, want default 3", cfg.Tracking.DebounceSeconds)
	}
	if !cfg.Notify.GameEnd {
		t.Error("GameEnd override lost")
	}
	if got := cfg.Notify.Template(EventGameStart); got != "{user} is playing {game}" {
		t.Errorf("custom template lost: %q", got)
	}
	if got := cfg.Notify.Template(EventVoiceJoin); got == "" {
		t.Error("fallback template missing for voice_join")
	}
}

func TestLoadTokenFromEnv(t *testing.T) {
	t.Setenv(TokenEnvVar, "env-token")
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discord.Token != "env-token" {
		t.Errorf("Token = %q, want env-token", cfg.Discord.Token)
	}
}

func TestLoadConfigTokenWinsOverEnv(t *testing.T) {
	t.Setenv(TokenEnvVar, "env-token")
	dir := writeConfig(t, `
[discord]
token = "file-token"
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discord.Token != "file-token" {
		t.Errorf("Token = %q, want file-token", cfg.Discord.Token)
	}
}

func TestLoadRejectsBadTOML(t *testing.T) {
	dir := writeConfig(t, `[tracking`)
	if _, err := Load(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

// ///////////////////////////////////////////////
// Validation
// ///////////////////////////////////////////////

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(*Config) {},
		},
		{
			name:    "confirm must exceed debounce",
			mutate:  func(c *Config) { c.Tracking.ConfirmSeconds = 3 },
			wantErr: "confirm_seconds",
		},
		{
			name:    "sweep must exceed grace",
			mutate:  func(c *Config) { c.Tracking.SweepMinutes = 5; c.Tracking.GraceSeconds = 300 },
			wantErr: "sweep_minutes",
		},
		{
			name:    "party minimum",
			mutate:  func(c *Config) { c.Party.MinMembers = 1 },
			wantErr: "min_members",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: "log.level",
		},
		{
			name:    "bad glob pattern",
			mutate:  func(c *Config) { c.Tracking.DenyGames = []string{"[bad"} },
			wantErr: "deny_games",
		},
		{
			name:    "unknown template key",
			mutate:  func(c *Config) { c.Notify.Templates["game_paused"] = "x" },
			wantErr: "template event key",
		},
		{
			name:    "zero grace",
			mutate:  func(c *Config) { c.Tracking.GraceSeconds = 0 },
			wantErr: "grace_seconds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

// ///////////////////////////////////////////////
// Denylists
// ///////////////////////////////////////////////

func TestIsDeniedGame(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracking.DenyGames = []string{"Minecraft*", "crypto *"}

	tests := []struct {
		label string
		want  bool
	}{
		{"Minecraft", true},
		{"minecraft launcher", true},
		{"Crypto Miner Pro", true},
		{"Valorant", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			if got := cfg.IsDeniedGame(tt.label); got != tt.want {
				t.Errorf("IsDeniedGame(%q) = %v, want %v", tt.label, got, tt.want)
			}
		})
	}
}

func TestIsDeniedAppID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracking.DenyAppIDs = []string{"999"}

	if !cfg.IsDeniedAppID("999") {
		t.Error("IsDeniedAppID(999) = false, want true")
	}
	if cfg.IsDeniedAppID("700") {
		t.Error("IsDeniedAppID(700) = true, want false")
	}
}

// ///////////////////////////////////////////////
// Save / Reload
// ///////////////////////////////////////////////

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := DefaultConfig()
	cfg.Discord.GuildID = "g9"
	cfg.Tracking.DenyGames = []string{"spam*"}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Discord.GuildID != "g9" {
		t.Errorf("GuildID = %q, want g9", reloaded.Discord.GuildID)
	}
	if len(reloaded.Tracking.DenyGames) != 1 || reloaded.Tracking.DenyGames[0] != "spam*" {
		t.Errorf("DenyGames = %v, want [spam*]", reloaded.Tracking.DenyGames)
	}
}
