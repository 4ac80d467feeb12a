// Package paths centralizes file and directory names used across the project.
// All data directory file names are defined here as the single source of truth.
package paths

import "path/filepath"

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

// Data directory file names.
const (
	PIDFile       = "daemon.pid"
	ConfigFile    = "config.toml"
	LogFile       = "daemon.log"
	StatsFile     = "stats.json"
	PartiesFile   = "parties.json"
	CooldownsFile = "cooldowns.json"
	PendingFile   = "pending.json"
)

// Daemon identity constants.
const (
	BinaryName = "guildwatch"
	DataDirRel = ".guildwatch" // relative to $HOME
)

// ///////////////////////////////////////////////
// DataDir
// ///////////////////////////////////////////////

// DataDir provides path construction methods rooted at a data directory.
type DataDir struct {
	Root string
}

// PID returns the full path to the PID file.
func (d DataDir) PID() string { return filepath.Join(d.Root, PIDFile) }

// Config returns the full path to the config file.
func (d DataDir) Config() string { return filepath.Join(d.Root, ConfigFile) }

// Log returns the full path to the log file.
func (d DataDir) Log() string { return filepath.Join(d.Root, LogFile) }

// Stats returns the full path to the per-user aggregates file.
func (d DataDir) Stats() string { return filepath.Join(d.Root, StatsFile) }

// Parties returns the full path to the party history file.
func (d DataDir) Parties() string { return filepath.Join(d.Root, PartiesFile) }

// Cooldowns returns the full path to the cooldown ledger file.
func (d DataDir) Cooldowns() string { return filepath.Join(d.Root, CooldownsFile) }

// Pending returns the full path to the pending notification side-table.
func (d DataDir) Pending() string { return filepath.Join(d.Root, PendingFile) }
