package track

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tools.zach/dev/guildwatch/internal/logger"
)

// ///////////////////////////////////////////////
// Engine
// ///////////////////////////////////////////////

// Timings holds the engine delays, snapshotted from config per debounce run
// so a hot reload applies to the next session, never mid-flight.
type Timings struct {
	// Debounce is the delay before the first still-active checkpoint.
	Debounce time.Duration
	// Confirm is the additional delay before the second checkpoint.
	Confirm time.Duration
	// Grace is the blip-tolerance window after the last corroboration.
	Grace time.Duration
}

// Hooks is the specialization interface the generic engine drives. One
// implementation exists per session kind.
//
// StillActive polls the live world; a transient lookup failure must report
// false (the conservative answer, driving the session toward discard).
// Phase1 runs after the first checkpoint passes: persist the open-session
// marker and maybe announce entry. Phase2 runs at confirmation. Discarded
// runs for any session that never confirmed, and must retract its
// announcement and marker. Closed runs exactly once per confirmed session
// when it ends.
//
// Hooks are invoked without the engine lock held and may call back into the
// engine. A panic in any hook is recovered and logged.
type Hooks interface {
	StillActive(s *Session) bool
	Phase1(s *Session)
	Phase2(s *Session)
	Discarded(s *Session)
	Closed(s *Session, end time.Time)
}

// Engine owns the session table and the debounced confirmation state
// machine for one session kind. All methods are safe for concurrent use.
type Engine struct {
	kind    string
	hooks   Hooks
	timings func() Timings
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	cancels  map[string]context.CancelFunc

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewEngine creates an engine for one session kind. The timings func is
// called at the start of each debounce run.
func NewEngine(kind string, hooks Hooks, timings func() Timings) *Engine {
	ctx, stop := context.WithCancel(context.Background())
	return &Engine{
		kind:     kind,
		hooks:    hooks,
		timings:  timings,
		now:      time.Now,
		sessions: make(map[string]*Session),
		cancels:  make(map[string]context.CancelFunc),
		ctx:      ctx,
		stop:     stop,
	}
}

// ///////////////////////////////////////////////
// Lifecycle entry points
// ///////////////////////////////////////////////

// Start registers a new pending session and launches its debounce run. Any
// in-flight debounce for the same subject is cancelled first, so no two
// runs for one subject ever overlap.
func (e *Engine) Start(s *Session) {
	now := e.now()
	if s.StartTime.IsZero() {
		s.StartTime = now
	}
	s.LastActive = now
	s.State = StatePending

	e.mu.Lock()
	if cancel, ok := e.cancels[s.SubjectID]; ok {
		cancel()
	}
	e.sessions[s.SubjectID] = s
	ctx, cancel := context.WithCancel(e.ctx)
	e.cancels[s.SubjectID] = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	go e.debounce(ctx, s)
}

// End handles an explicit end signal for a subject. A pending session is
// cancelled outright. A confirmed session within the grace window of its
// last corroboration is left open (transient blip); outside the window it
// closes for real.
func (e *Engine) End(subjectID string) {
	t := e.timings()
	now := e.now()

	e.mu.Lock()
	s, ok := e.sessions[subjectID]
	if !ok {
		e.mu.Unlock()
		return
	}
	if s.State == StatePending {
		cancel := e.cancels[subjectID]
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}
	if now.Sub(s.LastActive) <= t.Grace {
		e.mu.Unlock()
		logger.Trace("end within grace, session stays open", "kind", e.kind, "subject", subjectID)
		return
	}
	delete(e.sessions, subjectID)
	e.mu.Unlock()

	e.close(s, now)
}

// ForceEnd closes or discards a session immediately, bypassing the grace
// window. Used for superseding events (a direct channel move) and member
// departures, where the old session can never resume.
func (e *Engine) ForceEnd(subjectID string) {
	now := e.now()

	e.mu.Lock()
	s, ok := e.sessions[subjectID]
	if !ok {
		e.mu.Unlock()
		return
	}
	if s.State == StatePending {
		cancel := e.cancels[subjectID]
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}
	delete(e.sessions, subjectID)
	e.mu.Unlock()

	e.close(s, now)
}

// Touch refreshes a session's last-corroborated timestamp.
func (e *Engine) Touch(subjectID string) {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[subjectID]; ok && now.After(s.LastActive) {
		s.LastActive = now
	}
}

// Resurrect installs a recovered session directly in the confirmed state,
// skipping the debounce. Used only by startup recovery.
func (e *Engine) Resurrect(s *Session) {
	s.State = StateConfirmed
	if s.LastActive.IsZero() {
		s.LastActive = e.now()
	}
	e.mu.Lock()
	e.sessions[s.SubjectID] = s
	e.mu.Unlock()
	slog.Info("session resurrected", "kind", e.kind, "subject", s.SubjectID, "started", s.StartTime)
}

// ///////////////////////////////////////////////
// Debounce run
// ///////////////////////////////////////////////

// debounce is the per-session confirmation run: two checkpoints, each
// polling the live world. A negative poll or cancellation at any point
// discards the session. The deferred cleanup is the single discard path, so
// cancellation racing the run's own exit still leaves the table consistent.
func (e *Engine) debounce(ctx context.Context, s *Session) {
	defer e.wg.Done()
	confirmed := false
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in debounce run", "kind", e.kind, "subject", s.SubjectID, "panic", r)
		}
		e.mu.Lock()
		// A superseding Start replaces both table entries; a run that no
		// longer owns its session entry must not touch either map, or it
		// would strip the replacement's cancel and leave it uncancellable.
		if e.sessions[s.SubjectID] == s && !confirmed {
			delete(e.sessions, s.SubjectID)
			delete(e.cancels, s.SubjectID)
		}
		e.mu.Unlock()
		if !confirmed {
			e.hooks.Discarded(s)
		}
	}()

	t := e.timings()

	if !sleepCtx(ctx, t.Debounce) {
		return
	}
	if !e.hooks.StillActive(s) {
		logger.Trace("first checkpoint failed, discarding", "kind", e.kind, "subject", s.SubjectID)
		return
	}
	e.Touch(s.SubjectID)
	e.hooks.Phase1(s)

	if !sleepCtx(ctx, t.Confirm) {
		return
	}
	if !e.hooks.StillActive(s) {
		logger.Trace("second checkpoint failed, discarding", "kind", e.kind, "subject", s.SubjectID)
		return
	}

	e.mu.Lock()
	if e.sessions[s.SubjectID] != s {
		// Superseded between the second checkpoint and here. The deferred
		// cleanup discards; the replacement run owns the table entries.
		e.mu.Unlock()
		return
	}
	s.State = StateConfirmed
	if now := e.now(); now.After(s.LastActive) {
		s.LastActive = now
	}
	delete(e.cancels, s.SubjectID)
	e.mu.Unlock()
	confirmed = true

	slog.Debug("session confirmed", "kind", e.kind, "subject", s.SubjectID)
	e.hooks.Phase2(s)
}

// sleepCtx waits for d, returning false if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// close runs the Closed hook with panic containment: one subject's failure
// must never abort the caller (sweep or event dispatch).
func (e *Engine) close(s *Session, end time.Time) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic closing session", "kind", e.kind, "subject", s.SubjectID, "panic", r)
		}
	}()
	e.hooks.Closed(s, end)
}

// ///////////////////////////////////////////////
// Sweep and introspection
// ///////////////////////////////////////////////

// Sweep audits every confirmed session against the live world. Sessions
// still active get their last-corroborated time refreshed; sessions whose
// grace has expired are closed with the last corroboration as the end time.
// Each session is handled independently so one failure cannot abort the
// sweep.
func (e *Engine) Sweep() {
	t := e.timings()
	now := e.now()

	e.mu.Lock()
	candidates := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		if s.State == StateConfirmed {
			candidates = append(candidates, s)
		}
	}
	e.mu.Unlock()

	for _, s := range candidates {
		if stillActive(e, s) {
			e.Touch(s.SubjectID)
			continue
		}
		e.mu.Lock()
		expired := e.sessions[s.SubjectID] == s && now.Sub(s.LastActive) > t.Grace
		if expired {
			delete(e.sessions, s.SubjectID)
		}
		e.mu.Unlock()
		if expired {
			slog.Info("session expired by sweep", "kind", e.kind, "subject", s.SubjectID)
			e.close(s, s.LastActive)
		}
	}
}

// stillActive polls with panic containment; a panicking hook reads as "not
// active", the conservative answer.
func stillActive(e *Engine, s *Session) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in still-active poll", "kind", e.kind, "subject", s.SubjectID, "panic", r)
			ok = false
		}
	}()
	return e.hooks.StillActive(s)
}

// Get returns the live session for a subject, or nil. Callers must treat
// the result as read-only outside the tracker that owns the variant data.
func (e *Engine) Get(subjectID string) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[subjectID]
}

// Snapshot returns shallow copies of all open sessions, for reporting.
func (e *Engine) Snapshot() []Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, *s)
	}
	return out
}

// Len returns the number of open sessions.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Shutdown cancels all in-flight debounce runs and waits for them to
// finish. Confirmed sessions are left in place; their markers persist on
// disk and startup recovery resurrects them on the next run.
func (e *Engine) Shutdown() {
	e.stop()
	e.wg.Wait()
}
