package main

import "tools.zach/dev/guildwatch/internal/paths"

// ///////////////////////////////////////////////
// Path Aliases
// ///////////////////////////////////////////////

// DataPaths aliases [paths.DataDir] so daemon plumbing (PID handling, config
// seeding, store wiring) reads without the internal package qualifier. Path
// construction is platform-neutral, so unlike the lock and signal files this
// one carries no build constraint.
type DataPaths = paths.DataDir
