// Shared test harness: a real state cache and store over a temp dir, with
// an in-memory sender capturing announcements. Engine delays are zeroed so
// debounce runs complete immediately.
package track

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"tools.zach/dev/guildwatch/internal/config"
	"tools.zach/dev/guildwatch/internal/discord"
	"tools.zach/dev/guildwatch/internal/notify"
	"tools.zach/dev/guildwatch/internal/paths"
	"tools.zach/dev/guildwatch/internal/store"
)

type sentMsg struct {
	id      string
	content string
}

// memSender is an in-memory notify.Sender.
type memSender struct {
	mu      sync.Mutex
	seq     int
	sent    []sentMsg
	deleted []string
}

func (m *memSender) Send(channelID, content string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("m%d", m.seq)
	m.sent = append(m.sent, sentMsg{id: id, content: content})
	return id, nil
}

func (m *memSender) Delete(channelID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, messageID)
	return nil
}

func (m *memSender) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *memSender) deletedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deleted)
}

func (m *memSender) lastContent() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return ""
	}
	return m.sent[len(m.sent)-1].content
}

type harness struct {
	cfg     *config.Config
	state   *discord.State
	store   *store.Store
	sender  *memSender
	tracker *Tracker
}

// newHarness builds a tracker set with instant debounce checkpoints and all
// notifications enabled.
func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Discord.GuildID = "g1"
	cfg.Discord.ChannelID = "chan"
	cfg.Tracking.DebounceSeconds = 0
	cfg.Tracking.ConfirmSeconds = 0
	cfg.Notify.GameStart = true
	cfg.Notify.GameEnd = true
	cfg.Notify.VoiceJoin = true
	cfg.Notify.VoiceLeave = true
	cfg.Notify.VoiceMove = true
	cfg.Notify.PartyForm = true
	cfg.Notify.PartyJoin = true
	cfg.Notify.PartyEnd = true
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.Open(paths.DataDir{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	state := discord.NewState()
	sender := &memSender{}
	notifier := notify.New(sender, cfg)
	tr := New(cfg, state, st, notifier)
	t.Cleanup(tr.Shutdown)

	return &harness{cfg: cfg, state: state, store: st, sender: sender, tracker: tr}
}

// waitConfirmed polls until the engine shows a confirmed session.
func (h *harness) waitConfirmed(t *testing.T, e *Engine, subject string) *Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := e.Get(subject); s != nil && s.State == StateConfirmed {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session for %s never confirmed", subject)
	return nil
}

// waitGone polls until no session exists for the subject.
func (h *harness) waitGone(t *testing.T, e *Engine, subject string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Get(subject) == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session for %s never removed", subject)
}

// playing builds a presence update harness helper: the user's activity list
// becomes the given claims, with previous taken from the cache.
func (h *harness) playing(userID string, acts ...discord.Activity) discord.PresenceUpdate {
	prev := h.state.SetPresence("g1", userID, acts)
	h.state.SetMember("g1", userID, userID)
	return discord.PresenceUpdate{
		GuildID:  "g1",
		UserID:   userID,
		Username: userID,
		Previous: prev,
		Current:  acts,
	}
}

func play(label, appID string) discord.Activity {
	return discord.Activity{Name: label, Type: discord.ActivityPlaying, ApplicationID: appID}
}

// age rewinds a session's clock fields so grace and minute math can be
// exercised without sleeping.
func age(e *Engine, subject string, start, last time.Time) {
	s := e.Get(subject)
	e.mu.Lock()
	s.StartTime = start
	s.LastActive = last
	e.mu.Unlock()
}
