// Package tracker implements the Session Tracker: it groups ParsedEntry
// values by session, detects idle boundaries, and emits CompletedSession
// values for the Event Buffer to consume.
package tracker

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sqrl-dev/sqrld/internal/logparser"
	. "github.com/sqrl-dev/sqrld/internal/logging"
)

// DefaultIdleTimeout is how long a session may go without activity before
// it's considered complete.
const DefaultIdleTimeout = 30 * time.Minute

// CompletedSession is a session that has been idle past the timeout (or was
// explicitly flushed), ready for chunking.
type CompletedSession struct {
	SessionID   string
	ProjectRoot string
	ProjectID   string
	Events      []logparser.ParsedEntry
}

type sessionState struct {
	sessionID    string
	projectRoot  string
	events       []logparser.ParsedEntry
	lastActivity time.Time
}

// Tracker holds one sessionState per active session_id.
type Tracker struct {
	mu          sync.Mutex
	sessions    map[string]*sessionState
	idleTimeout time.Duration
	now         func() time.Time
}

// New creates a Tracker with the given idle timeout. A zero timeout selects
// DefaultIdleTimeout.
func New(idleTimeout time.Duration) *Tracker {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Tracker{
		sessions:    make(map[string]*sessionState),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

// entryTime converts a ParsedEntry's nanosecond timestamp to a time.Time.
func entryTime(e logparser.ParsedEntry) time.Time {
	return time.Unix(0, e.Timestamp)
}

// ProcessEntry sweeps idle sessions first (returning any that completed),
// then appends entry to its session, creating one if this is the first
// entry seen for that session id.
func (t *Tracker) ProcessEntry(entry logparser.ParsedEntry) []CompletedSession {
	t.mu.Lock()
	defer t.mu.Unlock()

	completed := t.sweepIdleLocked()

	s, ok := t.sessions[entry.SessionID]
	if !ok {
		s = &sessionState{
			sessionID:   entry.SessionID,
			projectRoot: entry.ProjectRoot,
		}
		t.sessions[entry.SessionID] = s
	}
	s.events = append(s.events, entry)
	ts := entryTime(entry)
	if ts.After(s.lastActivity) {
		s.lastActivity = ts
	}

	return completed
}

// CheckIdleSessions performs the idle sweep without an incoming entry; it
// is invoked on a timer by the Daemon Orchestrator.
func (t *Tracker) CheckIdleSessions() []CompletedSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sweepIdleLocked()
}

func (t *Tracker) sweepIdleLocked() []CompletedSession {
	cutoff := t.clock().Add(-t.idleTimeout)

	var completed []CompletedSession
	for id, s := range t.sessions {
		if s.lastActivity.Before(cutoff) {
			if len(s.events) > 0 {
				completed = append(completed, toCompleted(s))
			}
			delete(t.sessions, id)
		}
	}
	return completed
}

// FlushAll emits every non-empty session and clears all tracker state.
func (t *Tracker) FlushAll() []CompletedSession {
	t.mu.Lock()
	defer t.mu.Unlock()

	var completed []CompletedSession
	for id, s := range t.sessions {
		if len(s.events) > 0 {
			completed = append(completed, toCompleted(s))
		}
		delete(t.sessions, id)
	}
	return completed
}

// FlushSession emits and clears one session by id, if present and non-empty.
func (t *Tracker) FlushSession(id string) (CompletedSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok || len(s.events) == 0 {
		return CompletedSession{}, false
	}
	delete(t.sessions, id)
	return toCompleted(s), true
}

// ActiveCount returns the number of sessions currently tracked, for tests
// and status reporting.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func toCompleted(s *sessionState) CompletedSession {
	events := make([]logparser.ParsedEntry, len(s.events))
	copy(events, s.events)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })

	return CompletedSession{
		SessionID:   s.sessionID,
		ProjectRoot: s.projectRoot,
		ProjectID:   deriveProjectID(s.projectRoot),
		Events:      events,
	}
}

// deriveProjectID takes the leaf directory name of a project root as its
// stable, human-meaningful id.
func deriveProjectID(projectRoot string) string {
	if projectRoot == "" {
		return ""
	}
	clean := filepath.Clean(projectRoot)
	return filepath.Base(clean)
}

// clock returns the time source, injectable by tests via SetClock.
func (t *Tracker) clock() time.Time {
	if t.now != nil {
		return t.now()
	}
	return time.Now()
}

// SetClock overrides the time source, for deterministic idle-boundary
// tests. Not for production use.
func (t *Tracker) SetClock(now func() time.Time) {
	L_debug("tracker: clock overridden (test-only)")
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}
