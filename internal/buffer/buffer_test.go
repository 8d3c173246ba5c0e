package buffer

import (
	"testing"

	"github.com/sqrl-dev/sqrld/internal/chunk"
	"github.com/sqrl-dev/sqrld/internal/logparser"
)

func entries(n int, frustration logparser.Frustration) []logparser.ParsedEntry {
	out := make([]logparser.ParsedEntry, n)
	for i := range out {
		out[i] = logparser.ParsedEntry{
			SessionID:   "S",
			ProjectRoot: "/p",
			Timestamp:   int64(i),
			Role:        logparser.RoleUser,
			Kind:        logparser.KindMessage,
			Summary:     "msg",
		}
	}
	if n > 0 {
		out[n-1].Frustration = frustration
	}
	return out
}

func TestAddSessionTracksMaxFrustrationMonotonically(t *testing.T) {
	b := New(50)
	b.AddSession("S", "proj", entries(1, logparser.FrustrationSevere))
	b.AddSession("S", "proj", entries(1, logparser.FrustrationNone))

	got, ok := b.MaxFrustration("S")
	if !ok {
		t.Fatal("expected session to exist")
	}
	if got != logparser.FrustrationSevere {
		t.Errorf("expected max frustration to stay severe, got %v", got)
	}
}

func TestHasReadyChunk(t *testing.T) {
	b := New(5)
	if b.HasReadyChunk() {
		t.Fatal("expected no ready chunk on empty buffer")
	}

	b.AddSession("S", "proj", entries(4, logparser.FrustrationNone))
	if b.HasReadyChunk() {
		t.Fatal("expected no ready chunk below chunk size")
	}

	b.AddSession("S", "proj", entries(1, logparser.FrustrationNone))
	if !b.HasReadyChunk() {
		t.Fatal("expected ready chunk at chunk size")
	}
}

func TestBuildChunkRequestDrainsAndAdvancesIndex(t *testing.T) {
	b := New(3)
	b.AddSession("S", "proj", entries(5, logparser.FrustrationNone))

	req, ok := b.BuildChunkRequest("S", []chunk.RecentMemory{{ID: "m1"}})
	if !ok {
		t.Fatal("expected first chunk request")
	}
	if len(req.Events) != 3 {
		t.Fatalf("expected 3 events drained, got %d", len(req.Events))
	}
	if req.ChunkIndex != 0 {
		t.Fatalf("expected first chunk index 0, got %d", req.ChunkIndex)
	}
	if len(req.RecentMemories) != 1 {
		t.Fatal("expected recent memories attached to first chunk")
	}

	req2, ok := b.BuildChunkRequest("S", []chunk.RecentMemory{{ID: "m1"}})
	if !ok {
		t.Fatal("expected second chunk request")
	}
	if len(req2.Events) != 2 {
		t.Fatalf("expected remaining 2 events drained, got %d", len(req2.Events))
	}
	if req2.ChunkIndex != 1 {
		t.Fatalf("expected second chunk index 1, got %d", req2.ChunkIndex)
	}
	if len(req2.RecentMemories) != 0 {
		t.Error("expected recent memories omitted on non-first chunk")
	}

	if _, ok := b.BuildChunkRequest("S", nil); ok {
		t.Fatal("expected no chunk request once drained")
	}
}

func TestBuildChunkRequestCarriesCarryState(t *testing.T) {
	b := New(2)
	b.AddSession("S", "proj", entries(2, logparser.FrustrationNone))

	req, _ := b.BuildChunkRequest("S", nil)
	if req.CarryState != "" {
		t.Fatalf("expected empty initial carry state, got %q", req.CarryState)
	}

	b.ProcessResponse("S", chunk.Response{CarryState: "token-1"})
	b.AddSession("S", "proj", entries(2, logparser.FrustrationNone))

	req2, ok := b.BuildChunkRequest("S", nil)
	if !ok {
		t.Fatal("expected chunk request")
	}
	if req2.CarryState != "token-1" {
		t.Fatalf("expected carry state token-1, got %q", req2.CarryState)
	}
}

func TestRetryChunkRequestRestoresState(t *testing.T) {
	b := New(2)
	b.AddSession("S", "proj", entries(2, logparser.FrustrationNone))

	req, _ := b.BuildChunkRequest("S", nil)
	if _, ok := b.BuildChunkRequest("S", nil); ok {
		t.Fatal("expected buffer drained after first chunk")
	}

	b.RetryChunkRequest("S", req)
	retried, ok := b.BuildChunkRequest("S", nil)
	if !ok {
		t.Fatal("expected chunk available again after retry")
	}
	if len(retried.Events) != 2 {
		t.Fatalf("expected 2 events restored, got %d", len(retried.Events))
	}
	if retried.ChunkIndex != 0 {
		t.Fatalf("expected chunk index rolled back to 0, got %d", retried.ChunkIndex)
	}
}

func TestForgetRemovesSession(t *testing.T) {
	b := New(50)
	b.AddSession("S", "proj", entries(1, logparser.FrustrationNone))
	b.Forget("S")

	if ids := b.PendingSessionIDs(); len(ids) != 0 {
		t.Fatalf("expected no pending sessions after forget, got %v", ids)
	}
}
