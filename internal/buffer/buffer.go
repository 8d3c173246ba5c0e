// Package buffer implements the Event Buffer: a per-session chunk
// accumulator that carries carry-token state across chunk exchanges with
// the extractor.
package buffer

import (
	"sync"

	"github.com/sqrl-dev/sqrld/internal/chunk"
	"github.com/sqrl-dev/sqrld/internal/logparser"
)

// DefaultChunkSize matches the extractor's own batching default.
const DefaultChunkSize = 50

type sessionBuffer struct {
	projectID      string
	ownerType      string
	ownerID        string
	events         []chunk.Event
	chunkIndex     uint64
	carryToken     string
	maxFrustration logparser.Frustration
	errorCount     int
}

// Buffer holds one sessionBuffer per session id currently accumulating
// events, shared by tracker_task (producer) and flush_task (consumer).
type Buffer struct {
	mu        sync.Mutex
	sessions  map[string]*sessionBuffer
	chunkSize int
}

// New creates a Buffer with the given chunk size. A zero or negative size
// selects DefaultChunkSize.
func New(chunkSize int) *Buffer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Buffer{
		sessions:  make(map[string]*sessionBuffer),
		chunkSize: chunkSize,
	}
}

func toChunkEvent(e logparser.ParsedEntry) chunk.Event {
	return chunk.Event{
		Ts:       e.Timestamp,
		Role:     string(e.Role),
		Kind:     string(e.Kind),
		Summary:  e.Summary,
		ToolName: e.ToolName,
		File:     e.FilePath,
		IsError:  e.IsError,
	}
}

// AddSession appends entries to sessionID's buffer, creating it if this is
// the first time this session has been seen. The running max frustration is
// raised monotonically; it is never lowered by a later, calmer event.
func (b *Buffer) AddSession(sessionID, projectID string, entries []logparser.ParsedEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sb, ok := b.sessions[sessionID]
	if !ok {
		sb = &sessionBuffer{
			projectID: projectID,
			ownerType: "session",
			ownerID:   sessionID,
		}
		b.sessions[sessionID] = sb
	}

	for _, e := range entries {
		sb.events = append(sb.events, toChunkEvent(e))
		if e.Frustration > sb.maxFrustration {
			sb.maxFrustration = e.Frustration
		}
		if e.IsError {
			sb.errorCount++
		}
	}
}

// HasReadyChunk reports whether any session has accumulated at least a full
// chunk's worth of events.
func (b *Buffer) HasReadyChunk() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sb := range b.sessions {
		if len(sb.events) >= b.chunkSize {
			return true
		}
	}
	return false
}

// PendingSessionIDs returns the ids of every session with at least one
// buffered event, for the flush loop to iterate.
func (b *Buffer) PendingSessionIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.sessions))
	for id, sb := range b.sessions {
		if len(sb.events) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// BuildChunkRequest drains up to the chunk size's worth of events from
// sessionID, advances its chunk_index, and moves its carry token into the
// outbound request. recentMemories is attached only on chunk 0. Returns
// false if the session has no events to send.
func (b *Buffer) BuildChunkRequest(sessionID string, recentMemories []chunk.RecentMemory) (*chunk.Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sb, ok := b.sessions[sessionID]
	if !ok || len(sb.events) == 0 {
		return nil, false
	}

	n := b.chunkSize
	if n > len(sb.events) {
		n = len(sb.events)
	}
	drained := sb.events[:n]
	sb.events = sb.events[n:]

	req := &chunk.Request{
		ProjectID:  sb.projectID,
		OwnerType:  sb.ownerType,
		OwnerID:    sb.ownerID,
		ChunkIndex: sb.chunkIndex,
		Events:     drained,
		CarryState: sb.carryToken,
	}
	if sb.chunkIndex == 0 {
		req.RecentMemories = recentMemories
	}

	sb.chunkIndex++
	sb.carryToken = ""

	return req, true
}

// RetryChunkRequest re-inserts a chunk's drained events at the front of the
// session's buffer and rolls back its chunk_index, used when the extractor
// exchange fails and the caller wants a subsequent BuildChunkRequest to
// reproduce the same chunk rather than skip it.
func (b *Buffer) RetryChunkRequest(sessionID string, req *chunk.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sb, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	sb.events = append(append([]chunk.Event{}, req.Events...), sb.events...)
	sb.chunkIndex = req.ChunkIndex
	sb.carryToken = req.CarryState
}

// ProcessResponse records the extractor's returned carry token for the next
// chunk and returns the memory operations for the caller to hand to the
// Committer.
func (b *Buffer) ProcessResponse(sessionID string, resp chunk.Response) []chunk.MemoryOp {
	b.mu.Lock()
	defer b.mu.Unlock()

	sb, ok := b.sessions[sessionID]
	if !ok {
		return resp.Memories
	}
	sb.carryToken = resp.CarryState
	return resp.Memories
}

// MaxFrustration returns the running max frustration observed for a session.
func (b *Buffer) MaxFrustration(sessionID string) (logparser.Frustration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sb, ok := b.sessions[sessionID]
	if !ok {
		return logparser.FrustrationNone, false
	}
	return sb.maxFrustration, true
}

// Forget drops all state for a session, used once its events have been
// fully drained and its flush cycle is complete.
func (b *Buffer) Forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}
