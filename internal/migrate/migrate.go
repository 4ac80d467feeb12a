// Package migrate applies sequential schema migrations to on-disk data,
// upgrading records from one version to the next.
//
// Each persisted file (config.toml, stats.json, parties.json) declares a
// [Registry] with its current version and ordered migration steps. Loaders
// peek the stored version, run the registry, and re-save the upgraded bytes.
package migrate

import (
	"fmt"
	"log/slog"
	"sort"
)

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// Migration represents a schema migration that upgrades on-disk data
// from one version to the next.
type Migration struct {
	// Version is the schema version this migration produces.
	Version int
	// Description is a short human-readable label for log output.
	Description string
	// Upgrade transforms data from the prior version to [Migration.Version].
	Upgrade func(data []byte) ([]byte, error)
}

// Registry groups the migrations for one persisted file.
type Registry struct {
	// Name identifies the file in log output (e.g. "config", "stats").
	Name string
	// CurrentVersion is the schema version the code expects.
	CurrentVersion int
	// Migrations holds the registered upgrade steps, in any order.
	Migrations []Migration
}

// ///////////////////////////////////////////////
// Public API
// ///////////////////////////////////////////////

// Needed reports whether data at fileVersion would have any migrations
// applied by this registry.
func (r *Registry) Needed(fileVersion int) bool {
	if fileVersion != r.CurrentVersion {
		return true
	}
	for _, m := range r.Migrations {
		if fileVersion < m.Version {
			return true
		}
	}
	return false
}

// Run applies the registry's migrations sequentially where
// fromVersion < m.Version. Returns the transformed data, the final version
// reached, and any error.
func (r *Registry) Run(data []byte, fromVersion int) ([]byte, int, error) {
	sorted := make([]Migration, len(r.Migrations))
	copy(sorted, r.Migrations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})
	version := fromVersion
	for _, m := range sorted {
		if version < m.Version {
			slog.Info("applying migration", "file", r.Name, "version", m.Version, "description", m.Description)
			var err error
			data, err = m.Upgrade(data)
			if err != nil {
				return nil, version, fmt.Errorf("%s migration to v%d failed: %w", r.Name, m.Version, err)
			}
			version = m.Version
		}
	}
	return data, version, nil
}
