// Package notify turns tracker events into channel announcements. It owns
// per-event enable toggles and message templates, renders placeholders, and
// remembers message handles so unconfirmed announcements can be retracted.
package notify

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/enescakir/emoji"
	"tools.zach/dev/guildwatch/internal/config"
)

// discordMaxLen is Discord's message content limit.
const discordMaxLen = 2000

// ellipsis marks truncated announcement content.
const ellipsis = "…"

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// Handle identifies a posted announcement so it can be retracted later.
// The zero Handle means "nothing was posted".
type Handle struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// IsZero reports whether the handle refers to no message.
func (h Handle) IsZero() bool {
	return h.MessageID == ""
}

// Sender posts and deletes raw messages. Implemented by the Discord REST
// client in production and by fakes in tests.
type Sender interface {
	Send(channelID, content string) (messageID string, err error)
	Delete(channelID, messageID string) error
}

// Vars holds the placeholder values for one announcement.
type Vars map[string]string

// settings is an immutable snapshot of the notification config, swapped
// atomically on hot reload so announcements never see a half-applied config.
type settings struct {
	channelID string
	notify    config.NotifyConfig
}

// Notifier renders and posts event announcements.
type Notifier struct {
	sender   Sender
	settings atomic.Pointer[settings]
}

// New creates a notifier from the current config.
func New(sender Sender, cfg *config.Config) *Notifier {
	n := &Notifier{sender: sender}
	n.Apply(cfg)
	return n
}

// Apply installs a new config snapshot. Safe to call while announcements are
// in flight.
func (n *Notifier) Apply(cfg *config.Config) {
	n.settings.Store(&settings{
		channelID: cfg.Discord.ChannelID,
		notify:    cfg.Notify,
	})
}

// ///////////////////////////////////////////////
// Announce / Retract
// ///////////////////////////////////////////////

// Enabled reports whether announcements for the event are switched on.
func (n *Notifier) Enabled(event string) bool {
	s := n.settings.Load()
	return s.channelID != "" && s.notify.Enabled(event)
}

// Announce posts the rendered announcement for an event. It returns the zero
// Handle with sent=false when the event is disabled or no channel is
// configured. A delivery failure is returned to the caller, who decides
// whether the event's side effects (cooldown arming) still apply.
func (n *Notifier) Announce(event string, vars Vars) (h Handle, sent bool, err error) {
	s := n.settings.Load()
	if s.channelID == "" || !s.notify.Enabled(event) {
		return Handle{}, false, nil
	}
	content := Render(s.notify.Template(event), vars)
	if content == "" {
		return Handle{}, false, nil
	}
	msgID, err := n.sender.Send(s.channelID, content)
	if err != nil {
		return Handle{}, false, fmt.Errorf("announce %s: %w", event, err)
	}
	return Handle{ChannelID: s.channelID, MessageID: msgID}, true, nil
}

// Retract deletes a previously posted announcement. Failures are logged and
// swallowed: a stale message is cosmetic, not a correctness problem.
func (n *Notifier) Retract(h Handle) {
	if h.IsZero() {
		return
	}
	if err := n.sender.Delete(h.ChannelID, h.MessageID); err != nil {
		slog.Warn("retract announcement failed", "message", h.MessageID, "error", err)
	}
}

// ///////////////////////////////////////////////
// Rendering
// ///////////////////////////////////////////////

// Render substitutes {name} placeholders from vars, expands :emoji: codes,
// and truncates to Discord's content limit. Unknown placeholders are left
// in place so template typos are visible in the output.
func Render(tmpl string, vars Vars) string {
	s := tmpl
	for name, value := range vars {
		s = strings.ReplaceAll(s, "{"+name+"}", value)
	}
	s = emoji.Parse(s)
	if len(s) > discordMaxLen {
		// Back the cut up to a rune boundary so a multi-byte character is
		// never split into invalid UTF-8.
		cut := discordMaxLen - len(ellipsis)
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + ellipsis
	}
	return s
}
