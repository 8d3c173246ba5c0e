package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "squirrel.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testVector(seed float32) []float32 {
	v := make([]float32, EmbeddingDimension)
	v[0] = seed
	return v
}

func TestAddMemoryAndGetMemory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m, err := s.AddMemory(ctx, NewMemoryParams{
		ProjectID: "proj-1",
		Scope:     "project",
		OwnerType: "session",
		OwnerID:   "S1",
		Kind:      "preference",
		Tier:      "long_term",
		Polarity:  1,
		Text:      "prefers tabs over spaces",
	})
	if err != nil {
		t.Fatalf("AddMemory failed: %v", err)
	}
	if m.Status != "provisional" {
		t.Errorf("expected initial status provisional, got %q", m.Status)
	}
	if m.UpdatedAt < m.CreatedAt {
		t.Errorf("expected updated_at >= created_at")
	}

	got, err := s.GetMemory(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if got == nil || got.Text != m.Text {
		t.Fatalf("expected to fetch back the inserted memory, got %+v", got)
	}

	metrics, err := s.GetMetrics(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMetrics failed: %v", err)
	}
	if metrics == nil || metrics.UseCount != 0 {
		t.Fatalf("expected zeroed metrics row, got %+v", metrics)
	}
}

func TestAddMemoryWithTTLSetsExpiresAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ttl := 7

	m, err := s.AddMemory(ctx, NewMemoryParams{
		Scope: "user", OwnerType: "session", OwnerID: "S1",
		Kind: "guard", Tier: "short_term", Text: "be careful with rm -rf", TTLDays: &ttl,
	})
	if err != nil {
		t.Fatalf("AddMemory failed: %v", err)
	}
	if !m.ExpiresAt.Valid {
		t.Fatal("expected expires_at to be set when ttl_days is present")
	}
}

func TestDeprecateMemoryExcludedFromActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m, _ := s.AddMemory(ctx, NewMemoryParams{
		ProjectID: "proj-1", Scope: "project", OwnerType: "session", OwnerID: "S1",
		Kind: "note", Tier: "short_term", Text: "uses go 1.25",
	})

	active, err := s.GetActiveMemories(ctx, "proj-1", 20)
	if err != nil {
		t.Fatalf("GetActiveMemories failed: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active memory before deprecation, got %d", len(active))
	}

	if err := s.DeprecateMemory(ctx, m.ID); err != nil {
		t.Fatalf("DeprecateMemory failed: %v", err)
	}

	active, err = s.GetActiveMemories(ctx, "proj-1", 20)
	if err != nil {
		t.Fatalf("GetActiveMemories failed: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected 0 active memories after deprecation, got %d", len(active))
	}
}

func TestUpdateMemoryStatusMissingIDReturnsValidationError(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateMemoryStatus(context.Background(), "does-not-exist", "deprecated", nil, nil)
	if err == nil {
		t.Fatal("expected error for missing memory id")
	}
}

func TestUpsertAndSearchEmbedding(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m, _ := s.AddMemory(ctx, NewMemoryParams{
		ProjectID: "proj-1", Scope: "project", OwnerType: "session", OwnerID: "S1",
		Kind: "pattern", Tier: "long_term", Text: "always wraps errors with context",
	})

	if err := s.UpsertMemoryEmbedding(ctx, m.ID, testVector(1.0)); err != nil {
		t.Fatalf("UpsertMemoryEmbedding failed: %v", err)
	}

	results, err := s.SearchMemoriesByVector(ctx, testVector(1.0), "proj-1", 5)
	if err != nil {
		t.Fatalf("SearchMemoriesByVector failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != m.ID {
		t.Fatalf("expected to find the upserted memory by vector search, got %+v", results)
	}
}

func TestSearchMemoriesByVectorExcludesDeprecated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m, _ := s.AddMemory(ctx, NewMemoryParams{
		ProjectID: "proj-1", Scope: "project", OwnerType: "session", OwnerID: "S1",
		Kind: "pattern", Tier: "long_term", Text: "retired pattern",
	})
	if err := s.UpsertMemoryEmbedding(ctx, m.ID, testVector(2.0)); err != nil {
		t.Fatalf("UpsertMemoryEmbedding failed: %v", err)
	}
	if err := s.DeprecateMemory(ctx, m.ID); err != nil {
		t.Fatalf("DeprecateMemory failed: %v", err)
	}

	results, err := s.SearchMemoriesByVector(ctx, testVector(2.0), "proj-1", 5)
	if err != nil {
		t.Fatalf("SearchMemoriesByVector failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected deprecated memory excluded from search, got %+v", results)
	}
}

func TestIncrementUseCountAndOpportunities(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m, _ := s.AddMemory(ctx, NewMemoryParams{
		Scope: "user", OwnerType: "session", OwnerID: "S1",
		Kind: "invariant", Tier: "long_term", Text: "never force-push main",
	})

	if err := s.IncrementUseCount(ctx, m.ID); err != nil {
		t.Fatalf("IncrementUseCount failed: %v", err)
	}
	if err := s.IncrementOpportunities(ctx, m.ID); err != nil {
		t.Fatalf("IncrementOpportunities failed: %v", err)
	}

	metrics, err := s.GetMetrics(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMetrics failed: %v", err)
	}
	if metrics.UseCount != 1 || metrics.Opportunities != 1 {
		t.Fatalf("expected use_count=1, opportunities=1, got %+v", metrics)
	}
}

func TestInsertEvidenceAndEpisodeLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m, _ := s.AddMemory(ctx, NewMemoryParams{
		Scope: "user", OwnerType: "session", OwnerID: "S1",
		Kind: "note", Tier: "short_term", Text: "noted something",
	})

	ep := Episode{ID: "ep-1", ProjectID: "proj-1", StartTs: "2026-01-01T00:00:00Z", EndTs: "2026-01-01T00:05:00Z", EventsJSON: "[]", CreatedAt: "2026-01-01T00:05:00Z"}
	if err := s.CreateEpisode(ctx, ep); err != nil {
		t.Fatalf("CreateEpisode failed: %v", err)
	}

	if err := s.InsertEvidence(ctx, m.ID, ep.ID, "chunk:S1:0", "moderate"); err != nil {
		t.Fatalf("InsertEvidence failed: %v", err)
	}

	unprocessed, err := s.ListUnprocessedEpisodes(ctx, "proj-1", 10)
	if err != nil {
		t.Fatalf("ListUnprocessedEpisodes failed: %v", err)
	}
	if len(unprocessed) != 1 {
		t.Fatalf("expected 1 unprocessed episode, got %d", len(unprocessed))
	}

	if err := s.MarkEpisodeProcessed(ctx, ep.ID); err != nil {
		t.Fatalf("MarkEpisodeProcessed failed: %v", err)
	}
	unprocessed, err = s.ListUnprocessedEpisodes(ctx, "proj-1", 10)
	if err != nil {
		t.Fatalf("ListUnprocessedEpisodes failed: %v", err)
	}
	if len(unprocessed) != 0 {
		t.Fatalf("expected 0 unprocessed episodes after marking processed, got %d", len(unprocessed))
	}
}
