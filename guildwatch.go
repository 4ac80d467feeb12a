// Package guildwatch provides embedded assets for the Guildwatch daemon.
//
// The root package exists solely to embed [config.default.toml] via
// [DefaultConfigTOML]. The daemon copies this file to the data directory
// on first run to seed defaults.
package guildwatch

import _ "embed"

// DefaultConfigTOML holds the raw bytes of config.default.toml, embedded at
// build time. The daemon writes this file to the data directory when no
// config exists yet.
//
//go:embed config.default.toml
var DefaultConfigTOML []byte
