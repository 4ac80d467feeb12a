// Tests for the generic debounce engine: confirmation, discard at either
// checkpoint, grace-window ends, supersession, sweep expiry, and
// resurrection.
package track

import (
	"sync"
	"testing"
	"time"
)

// recordingHooks is a controllable Hooks implementation that records every
// callback.
type recordingHooks struct {
	mu        sync.Mutex
	active    bool
	phase1    int
	phase2    int
	discarded int
	closed    []time.Time
}

func (h *recordingHooks) setActive(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = v
}

func (h *recordingHooks) StillActive(*Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *recordingHooks) Phase1(*Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.phase1++
}

func (h *recordingHooks) Phase2(*Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.phase2++
}

func (h *recordingHooks) Discarded(*Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.discarded++
}

func (h *recordingHooks) Closed(_ *Session, end time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, end)
}

func (h *recordingHooks) counts() (phase1, phase2, discarded, closed int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase1, h.phase2, h.discarded, len(h.closed)
}

// fastTimings keeps debounce runs in the millisecond range.
func fastTimings() Timings {
	return Timings{Debounce: 10 * time.Millisecond, Confirm: 10 * time.Millisecond, Grace: time.Hour}
}

func newTestEngine(active bool) (*Engine, *recordingHooks) {
	h := &recordingHooks{active: active}
	return NewEngine(KindGame, h, fastTimings), h
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testSession(subject string) *Session {
	return &Session{Kind: KindGame, SubjectID: subject, ScopeID: "g1", Game: &GameData{Label: "Celeste"}}
}

// ///////////////////////////////////////////////
// Confirmation path
// ///////////////////////////////////////////////

func TestEngineConfirms(t *testing.T) {
	e, h := newTestEngine(true)
	defer e.Shutdown()

	e.Start(testSession("u1"))
	waitFor(t, func() bool {
		s := e.Get("u1")
		return s != nil && s.State == StateConfirmed
	}, "confirmation")

	p1, p2, disc, closed := h.counts()
	if p1 != 1 || p2 != 1 {
		t.Errorf("phase1=%d phase2=%d, want 1/1", p1, p2)
	}
	if disc != 0 || closed != 0 {
		t.Errorf("discarded=%d closed=%d, want 0/0", disc, closed)
	}
}

func TestEngineDiscardsAtFirstCheckpoint(t *testing.T) {
	e, h := newTestEngine(false)
	defer e.Shutdown()

	e.Start(testSession("u1"))
	waitFor(t, func() bool { _, _, d, _ := h.counts(); return d == 1 }, "discard")

	if e.Get("u1") != nil {
		t.Error("discarded session still in table")
	}
	p1, _, _, _ := h.counts()
	if p1 != 0 {
		t.Errorf("phase1 ran %d times before a failed first checkpoint", p1)
	}
}

func TestEngineDiscardsAtSecondCheckpoint(t *testing.T) {
	e, h := newTestEngine(true)
	defer e.Shutdown()

	e.Start(testSession("u1"))
	waitFor(t, func() bool { p1, _, _, _ := h.counts(); return p1 == 1 }, "phase1")
	h.setActive(false)
	waitFor(t, func() bool { _, _, d, _ := h.counts(); return d == 1 }, "discard")

	if e.Get("u1") != nil {
		t.Error("discarded session still in table")
	}
	_, p2, _, _ := h.counts()
	if p2 != 0 {
		t.Errorf("phase2 ran %d times for a session that failed confirmation", p2)
	}
}

// ///////////////////////////////////////////////
// End semantics
// ///////////////////////////////////////////////

func TestEngineEndCancelsPending(t *testing.T) {
	e, h := newTestEngine(true)
	defer e.Shutdown()

	e.Start(testSession("u1"))
	e.End("u1")
	waitFor(t, func() bool { _, _, d, _ := h.counts(); return d == 1 }, "discard after cancel")

	_, _, _, closed := h.counts()
	if closed != 0 {
		t.Error("pending session was closed instead of discarded")
	}
}

func TestEngineEndWithinGraceIsBlip(t *testing.T) {
	e, h := newTestEngine(true)
	defer e.Shutdown()

	e.Start(testSession("u1"))
	waitFor(t, func() bool {
		s := e.Get("u1")
		return s != nil && s.State == StateConfirmed
	}, "confirmation")

	// End arrives just after corroboration: inside the hour-long grace.
	e.End("u1")
	e.End("u1")
	e.End("u1")

	if e.Get("u1") == nil {
		t.Fatal("session closed inside grace window")
	}
	_, _, _, closed := h.counts()
	if closed != 0 {
		t.Errorf("closed %d times inside grace", closed)
	}
}

func TestEngineEndOutsideGraceCloses(t *testing.T) {
	e, h := newTestEngine(true)
	defer e.Shutdown()

	e.Start(testSession("u1"))
	waitFor(t, func() bool {
		s := e.Get("u1")
		return s != nil && s.State == StateConfirmed
	}, "confirmation")

	// Age the session past the grace window.
	s := e.Get("u1")
	e.mu.Lock()
	s.LastActive = time.Now().Add(-2 * time.Hour)
	e.mu.Unlock()

	e.End("u1")
	if e.Get("u1") != nil {
		t.Fatal("session survived end outside grace")
	}
	_, _, _, closed := h.counts()
	if closed != 1 {
		t.Errorf("closed %d times, want 1", closed)
	}
}

func TestEngineForceEndBypassesGrace(t *testing.T) {
	e, h := newTestEngine(true)
	defer e.Shutdown()

	e.Start(testSession("u1"))
	waitFor(t, func() bool {
		s := e.Get("u1")
		return s != nil && s.State == StateConfirmed
	}, "confirmation")

	e.ForceEnd("u1")
	if e.Get("u1") != nil {
		t.Fatal("session survived forced end")
	}
	if _, _, _, closed := h.counts(); closed != 1 {
		t.Errorf("closed %d times, want 1", closed)
	}
}

// ///////////////////////////////////////////////
// Supersession
// ///////////////////////////////////////////////

func TestEngineStartSupersedesPending(t *testing.T) {
	e, h := newTestEngine(true)
	defer e.Shutdown()

	first := testSession("u1")
	e.Start(first)
	second := testSession("u1")
	e.Start(second)

	waitFor(t, func() bool {
		s := e.Get("u1")
		return s == second && s.State == StateConfirmed
	}, "replacement confirmation")

	// The superseded pending run must have been discarded, not closed.
	waitFor(t, func() bool { _, _, d, _ := h.counts(); return d == 1 }, "discard of superseded run")
	if _, _, _, closed := h.counts(); closed != 0 {
		t.Errorf("superseded pending session was closed %d times", closed)
	}
}

func TestEngineEndAfterSupersedingStart(t *testing.T) {
	h := &recordingHooks{active: true}
	e := NewEngine(KindGame, h, func() Timings {
		return Timings{Debounce: time.Hour, Confirm: time.Hour, Grace: time.Hour}
	})
	defer e.Shutdown()

	// The first run's cleanup must not strip the replacement's cancel entry.
	e.Start(testSession("u1"))
	second := testSession("u1")
	e.Start(second)
	waitFor(t, func() bool { _, _, d, _ := h.counts(); return d == 1 }, "discard of superseded run")

	e.End("u1")
	waitFor(t, func() bool { _, _, d, _ := h.counts(); return d == 2 }, "discard of replacement")

	if e.Get("u1") != nil {
		t.Error("cancelled replacement still in table")
	}
	if _, _, _, closed := h.counts(); closed != 0 {
		t.Errorf("pending sessions closed %d times", closed)
	}
}

func TestEngineChainedSupersessionCancelsEachRun(t *testing.T) {
	h := &recordingHooks{active: true}
	e := NewEngine(KindGame, h, func() Timings {
		return Timings{Debounce: time.Hour, Confirm: time.Hour, Grace: time.Hour}
	})
	defer e.Shutdown()

	// A -> B -> C: each start cancels the previous run, never its own.
	e.Start(testSession("u1"))
	e.Start(testSession("u1"))
	third := testSession("u1")
	e.Start(third)

	waitFor(t, func() bool { _, _, d, _ := h.counts(); return d == 2 }, "discard of both superseded runs")
	if got := e.Get("u1"); got != third {
		t.Fatal("latest session not the live one")
	}

	e.ForceEnd("u1")
	waitFor(t, func() bool { _, _, d, _ := h.counts(); return d == 3 }, "discard of final run")
	if e.Len() != 0 {
		t.Errorf("sessions = %d after chain teardown, want 0", e.Len())
	}
}

// ///////////////////////////////////////////////
// Touch / sweep / resurrect
// ///////////////////////////////////////////////

func TestEngineTouchIsMonotonic(t *testing.T) {
	e, _ := newTestEngine(true)
	defer e.Shutdown()

	s := testSession("u1")
	e.Start(s)
	future := time.Now().Add(time.Hour)
	e.mu.Lock()
	s.LastActive = future
	e.mu.Unlock()

	e.Touch("u1")

	e.mu.Lock()
	got := s.LastActive
	e.mu.Unlock()
	if got.Before(future) {
		t.Error("Touch moved LastActive backwards")
	}
}

func TestEngineSweepClosesExpired(t *testing.T) {
	e, h := newTestEngine(true)
	defer e.Shutdown()

	e.Start(testSession("u1"))
	waitFor(t, func() bool {
		s := e.Get("u1")
		return s != nil && s.State == StateConfirmed
	}, "confirmation")

	// Subject vanishes from the world; grace long expired.
	h.setActive(false)
	s := e.Get("u1")
	stale := time.Now().Add(-2 * time.Hour)
	e.mu.Lock()
	s.LastActive = stale
	e.mu.Unlock()

	e.Sweep()

	if e.Get("u1") != nil {
		t.Fatal("expired session survived sweep")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.closed) != 1 {
		t.Fatalf("closed %d times, want 1", len(h.closed))
	}
	// Sweep closes at the last corroboration, not at sweep time.
	if !h.closed[0].Equal(stale) {
		t.Errorf("close time = %v, want %v", h.closed[0], stale)
	}
}

func TestEngineSweepTouchesActive(t *testing.T) {
	e, _ := newTestEngine(true)
	defer e.Shutdown()

	s := testSession("u1")
	e.Start(s)
	waitFor(t, func() bool { return e.Get("u1") != nil && e.Get("u1").State == StateConfirmed }, "confirmation")

	old := time.Now().Add(-time.Hour)
	e.mu.Lock()
	s.LastActive = old
	e.mu.Unlock()

	e.Sweep()

	e.mu.Lock()
	got := s.LastActive
	e.mu.Unlock()
	if !got.After(old) {
		t.Error("sweep did not refresh an active session")
	}
}

func TestEngineResurrect(t *testing.T) {
	e, h := newTestEngine(true)
	defer e.Shutdown()

	start := time.Now().Add(-10 * time.Minute)
	s := testSession("u1")
	s.StartTime = start
	e.Resurrect(s)

	got := e.Get("u1")
	if got == nil || got.State != StateConfirmed {
		t.Fatal("resurrected session missing or not confirmed")
	}
	if !got.StartTime.Equal(start) {
		t.Errorf("start time = %v, want preserved %v", got.StartTime, start)
	}
	// Resurrection skips the debounce entirely.
	if p1, p2, _, _ := h.counts(); p1 != 0 || p2 != 0 {
		t.Errorf("phases ran for resurrected session: %d/%d", p1, p2)
	}
}

func TestEngineShutdownDiscardsPending(t *testing.T) {
	h := &recordingHooks{active: true}
	e := NewEngine(KindGame, h, func() Timings {
		return Timings{Debounce: time.Hour, Confirm: time.Hour, Grace: time.Hour}
	})

	e.Start(testSession("u1"))
	e.Shutdown()

	if _, _, d, _ := h.counts(); d != 1 {
		t.Errorf("discarded=%d after shutdown, want 1", d)
	}
}
