// Tests for announcement rendering, event gating, and retraction.
package notify

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"tools.zach/dev/guildwatch/internal/config"
)

// fakeSender records sent and deleted messages.
type fakeSender struct {
	sent    []string
	deleted []string
	sendErr error
	nextID  string
}

func (f *fakeSender) Send(channelID, content string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, content)
	if f.nextID == "" {
		return "m1", nil
	}
	return f.nextID, nil
}

func (f *fakeSender) Delete(channelID, messageID string) error {
	f.deleted = append(f.deleted, messageID)
	return nil
}

func newTestNotifier(sender Sender, mutate func(*config.Config)) *Notifier {
	cfg := config.DefaultConfig()
	cfg.Discord.ChannelID = "c1"
	if mutate != nil {
		mutate(cfg)
	}
	return New(sender, cfg)
}

// ///////////////////////////////////////////////
// Render
// ///////////////////////////////////////////////

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars Vars
		want string
	}{
		{
			name: "single placeholder",
			tmpl: "{user} joined",
			vars: Vars{"user": "alice"},
			want: "alice joined",
		},
		{
			name: "repeated placeholder",
			tmpl: "{user} and {user}",
			vars: Vars{"user": "bob"},
			want: "bob and bob",
		},
		{
			name: "unknown placeholder preserved",
			tmpl: "{user} in {channel}",
			vars: Vars{"user": "alice"},
			want: "alice in {channel}",
		},
		{
			name: "no placeholders",
			tmpl: "plain text",
			vars: Vars{"user": "alice"},
			want: "plain text",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.tmpl, tt.vars); got != tt.want {
				t.Errorf("Render = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderExpandsEmoji(t *testing.T) {
	got := Render(":video_game: {game}", Vars{"game": "Celeste"})
	if strings.Contains(got, ":video_game:") {
		t.Errorf("emoji code not expanded: %q", got)
	}
	if !strings.Contains(got, "Celeste") {
		t.Errorf("placeholder lost: %q", got)
	}
}

func TestRenderTruncates(t *testing.T) {
	long := strings.Repeat("x", 3000)
	if got := Render(long, nil); len(got) > discordMaxLen {
		t.Errorf("rendered length %d exceeds limit %d", len(got), discordMaxLen)
	}
}

func TestRenderTruncatesOnRuneBoundary(t *testing.T) {
	// Multi-byte content arranged so a byte-index cut would land inside a
	// rune. The result must stay valid UTF-8 at every offset.
	for pad := 0; pad < 4; pad++ {
		long := strings.Repeat("x", pad) + strings.Repeat("ü", discordMaxLen)
		got := Render(long, nil)
		if len(got) > discordMaxLen {
			t.Errorf("pad %d: rendered length %d exceeds limit", pad, len(got))
		}
		if !utf8.ValidString(got) {
			t.Errorf("pad %d: truncation produced invalid UTF-8", pad)
		}
		if !strings.HasSuffix(got, "…") {
			t.Errorf("pad %d: truncated output missing ellipsis", pad)
		}
	}
}

// ///////////////////////////////////////////////
// Announce
// ///////////////////////////////////////////////

func TestAnnounceEnabledEvent(t *testing.T) {
	sender := &fakeSender{nextID: "m7"}
	n := newTestNotifier(sender, func(c *config.Config) {
		c.Notify.GameStart = true
		c.Notify.Templates[config.EventGameStart] = "{user} started {game}"
	})

	h, sent, err := n.Announce(config.EventGameStart, Vars{"user": "alice", "game": "Celeste"})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if !sent {
		t.Fatal("sent = false, want true")
	}
	if h.MessageID != "m7" || h.ChannelID != "c1" {
		t.Errorf("handle = %+v", h)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "alice started Celeste" {
		t.Errorf("sent = %v", sender.sent)
	}
}

func TestAnnounceDisabledEvent(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNotifier(sender, func(c *config.Config) {
		c.Notify.GameStart = false
	})

	h, sent, err := n.Announce(config.EventGameStart, Vars{"user": "alice"})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if sent || !h.IsZero() {
		t.Errorf("sent=%v handle=%+v, want suppressed", sent, h)
	}
	if len(sender.sent) != 0 {
		t.Errorf("messages sent for disabled event: %v", sender.sent)
	}
}

func TestAnnounceNoChannelConfigured(t *testing.T) {
	sender := &fakeSender{}
	cfg := config.DefaultConfig()
	cfg.Notify.GameStart = true
	n := New(sender, cfg)

	_, sent, err := n.Announce(config.EventGameStart, Vars{})
	if err != nil || sent {
		t.Fatalf("sent=%v err=%v, want suppressed without channel", sent, err)
	}
}

func TestAnnounceDeliveryFailure(t *testing.T) {
	sender := &fakeSender{sendErr: errors.New("api down")}
	n := newTestNotifier(sender, func(c *config.Config) {
		c.Notify.GameStart = true
	})

	_, sent, err := n.Announce(config.EventGameStart, Vars{"user": "alice"})
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if sent {
		t.Error("sent = true on failure")
	}
}

// ///////////////////////////////////////////////
// Retract / Apply
// ///////////////////////////////////////////////

func TestRetract(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNotifier(sender, nil)

	n.Retract(Handle{ChannelID: "c1", MessageID: "m3"})
	if len(sender.deleted) != 1 || sender.deleted[0] != "m3" {
		t.Errorf("deleted = %v, want [m3]", sender.deleted)
	}

	// Zero handle is a no-op.
	n.Retract(Handle{})
	if len(sender.deleted) != 1 {
		t.Errorf("zero handle triggered delete: %v", sender.deleted)
	}
}

func TestApplySwapsSettings(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNotifier(sender, func(c *config.Config) {
		c.Notify.GameStart = false
	})
	if n.Enabled(config.EventGameStart) {
		t.Fatal("game_start enabled before reload")
	}

	updated := config.DefaultConfig()
	updated.Discord.ChannelID = "c2"
	updated.Notify.GameStart = true
	n.Apply(updated)

	if !n.Enabled(config.EventGameStart) {
		t.Fatal("game_start still disabled after reload")
	}
	h, sent, err := n.Announce(config.EventGameStart, Vars{"user": "a", "game": "g"})
	if err != nil || !sent {
		t.Fatalf("Announce after reload: sent=%v err=%v", sent, err)
	}
	if h.ChannelID != "c2" {
		t.Errorf("channel = %q, want c2", h.ChannelID)
	}
}
