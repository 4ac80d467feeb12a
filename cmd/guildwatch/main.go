// Package main implements the Guildwatch daemon, which watches Discord
// guild activity and tracks game, voice, and party sessions.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"

	rootpkg "tools.zach/dev/guildwatch"
	"tools.zach/dev/guildwatch/internal/config"
	"tools.zach/dev/guildwatch/internal/discord"
	"tools.zach/dev/guildwatch/internal/logger"
	"tools.zach/dev/guildwatch/internal/notify"
	"tools.zach/dev/guildwatch/internal/paths"
	"tools.zach/dev/guildwatch/internal/store"
	"tools.zach/dev/guildwatch/internal/track"
)

// ///////////////////////////////////////////////
// Version
// ///////////////////////////////////////////////

// version is set at build time via ldflags:
//   - goreleaser: -X main.version={{.Version}}  -> "0.1.0"
//   - make build: -X main.version=$(VERSION)    -> "0.0.0-dev+05ffee5"
//
// When ldflags are not set (bare go build), resolveVersion reads the VCS info
// that Go embeds automatically, so dev builds get a useful version string
// without needing git at runtime.
var version = "dev"

// resolveVersion returns the build version string. If [version] was set via
// ldflags at build time it is returned as-is; otherwise VCS revision and dirty
// state embedded by the Go toolchain are used to construct a "dev+<hash>" tag.
func resolveVersion() string {
	if version != "dev" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version
	}
	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return version
	}
	hash := revision[:min(7, len(revision))]
	if dirty {
		return "dev+" + hash + ".dirty"
	}
	return "dev+" + hash
}

// ///////////////////////////////////////////////
// PID Management
// ///////////////////////////////////////////////

// pidToken generates a random 16-character hex token used to prove ownership
// of the PID file, so [removePID] only deletes the file if this instance wrote it.
func pidToken() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// writePID creates or opens the PID file at [DataPaths.PID], acquires an
// advisory file lock, and writes "PID:TOKEN" content. The returned file handle
// must be kept open for the lifetime of the daemon to hold the lock; pass it to
// [removePID] on shutdown.
func writePID(paths DataPaths, token string) (*os.File, error) {
	f, err := os.OpenFile(paths.PID(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open PID file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock PID file: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		_ = unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("truncate PID file: %w", err)
	}
	content := fmt.Sprintf("%d:%s", os.Getpid(), token)
	if _, err := f.WriteString(content); err != nil {
		_ = unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("write PID file: %w", err)
	}
	return f, nil
}

// removePID releases the advisory lock, closes the file handle, and removes the
// PID file only if the stored token matches, preventing accidental removal of a
// file owned by a different daemon instance.
func removePID(paths DataPaths, token string, f *os.File) {
	if f != nil {
		_ = unlockFile(f)
		f.Close()
	}
	data, err := os.ReadFile(paths.PID())
	if err != nil {
		return
	}
	parts := strings.SplitN(string(data), ":", 2)
	if len(parts) == 2 && parts[1] == token {
		os.Remove(paths.PID())
	}
}

// checkStalePID checks whether another daemon instance is running. It attempts
// to acquire the advisory lock on the PID file; if the lock fails, another
// instance holds it. If the lock succeeds, any previous instance is dead and
// the stale file is cleaned up.
func checkStalePID(paths DataPaths) (alive bool, pid int) {
	f, err := os.OpenFile(paths.PID(), os.O_RDWR, 0o600)
	if err != nil {
		return false, 0
	}

	if lockErr := lockFile(f); lockErr != nil {
		data, _ := os.ReadFile(paths.PID())
		f.Close()
		parts := strings.SplitN(string(data), ":", 2)
		if len(parts) >= 1 {
			if p, convErr := strconv.Atoi(parts[0]); convErr == nil {
				return true, p
			}
		}
		return true, 0
	}

	// Lock acquired -- previous instance is dead. Clean up stale file.
	_ = unlockFile(f)
	f.Close()
	os.Remove(paths.PID())
	return false, 0
}

// ///////////////////////////////////////////////
// Sender Adapter
// ///////////////////////////////////////////////

// restSender adapts the [discord.REST] client to the [notify.Sender]
// interface so the notifier stays decoupled from the HTTP client.
type restSender struct {
	rest *discord.REST
}

func (r restSender) Send(channelID, content string) (string, error) {
	return r.rest.CreateMessage(channelID, content)
}

func (r restSender) Delete(channelID, messageID string) error {
	return r.rest.DeleteMessage(channelID, messageID)
}

// ///////////////////////////////////////////////
// Default Data Directory
// ///////////////////////////////////////////////

// defaultDataDir returns the platform default directory for Guildwatch data,
// typically ~/.guildwatch. Falls back to ./.guildwatch if the home directory
// cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", paths.DataDirRel)
	}
	return filepath.Join(home, paths.DataDirRel)
}

// ///////////////////////////////////////////////
// Main
// ///////////////////////////////////////////////

func main() {
	dataDir := flag.String("data-dir", defaultDataDir(), "Data directory for config, state, and logs")
	flag.Parse()

	dataPaths := DataPaths{Root: *dataDir}

	if err := os.MkdirAll(dataPaths.Root, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: create data dir: %v\n", err)
		os.Exit(1)
	}

	if alive, pid := checkStalePID(dataPaths); alive {
		fmt.Fprintf(os.Stderr, "daemon already running (pid %d)\n", pid)
		os.Exit(1)
	}

	if _, err := os.Stat(dataPaths.Config()); os.IsNotExist(err) {
		if writeErr := os.WriteFile(dataPaths.Config(), rootpkg.DefaultConfigTOML, 0o644); writeErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to write default config: %v\n", writeErr)
		}
	}

	cfg, err := config.Load(dataPaths.Root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: load config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Discord.Token == "" {
		fmt.Fprintf(os.Stderr, "fatal: no bot token: set discord.token in %s or export %s\n",
			dataPaths.Config(), config.TokenEnvVar)
		os.Exit(1)
	}

	logLevel := logger.ParseLevel(cfg.Log.Level)
	log, logCloser, err := logger.NewLogger(dataPaths.Log(), logLevel, cfg.Log.MaxSizeMB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: init logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	ver := resolveVersion()
	slog.Info("guildwatch starting", "version", ver, "data_dir", dataPaths.Root)

	token := pidToken()
	pidFile, err := writePID(dataPaths, token)
	if err != nil {
		slog.Error("failed to write PID file", "error", err)
		os.Exit(1)
	}
	defer removePID(dataPaths, token, pidFile)

	st, err := store.Open(dataPaths)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	state := discord.NewState()
	rest := discord.NewREST(cfg.Discord.Token)
	notifier := notify.New(restSender{rest: rest}, cfg)
	tracker := track.New(cfg, state, st, notifier)
	gateway := discord.NewGateway(cfg.Discord.Token, state, tracker.Handlers())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gatewayDone := make(chan error, 1)
	go func() {
		gatewayDone <- gateway.Run(ctx)
	}()
	go tracker.Health.Run(ctx)

	watcher, err := config.NewWatcher(dataPaths.Config())
	if err != nil {
		slog.Error("failed to create config watcher", "error", err)
		os.Exit(1)
	}
	defer watcher.Close()

	if watcher.Polling() {
		slog.Info("using polling mode for config watching")
	}

	run(dataPaths, watcher, tracker, gatewayDone)

	cancel()
	gateway.Close()
	tracker.Shutdown()
	slog.Info("guildwatch stopped")
}

// ///////////////////////////////////////////////
// Event Loop
// ///////////////////////////////////////////////

// run blocks until an OS interrupt/terminate signal arrives or the gateway
// exits permanently. Config file changes are reloaded in place and applied to
// the tracker and notifier without restarting.
func run(dataPaths DataPaths, watcher *config.Watcher, tracker *track.Tracker, gatewayDone <-chan error) {
	sigCh := signalChannel()

	for {
		select {
		case <-sigCh:
			slog.Info("received shutdown signal")
			return

		case err := <-gatewayDone:
			if err != nil {
				slog.Error("gateway exited", "error", err)
			}
			return

		case <-watcher.Events():
			reloadConfig(dataPaths, tracker)
		}
	}
}

// reloadConfig re-reads the config file and applies it to the running
// tracker. A config that fails to load or validate is logged and ignored;
// the daemon keeps the previous settings.
func reloadConfig(dataPaths DataPaths, tracker *track.Tracker) {
	cfg, err := config.Load(dataPaths.Root)
	if err != nil {
		slog.Warn("config reload failed, keeping previous settings", "error", err)
		return
	}
	tracker.Apply(cfg)
	slog.Info("config reloaded")
}
