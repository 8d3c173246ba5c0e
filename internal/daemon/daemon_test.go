package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sqrl-dev/sqrld/internal/chunk"
	"github.com/sqrl-dev/sqrld/internal/config"
)

func userAndProjectOps() []chunk.MemoryOp {
	return []chunk.MemoryOp{
		{Op: chunk.OpAdd, Scope: "user", OwnerType: "user", OwnerID: "alice", Kind: "preference", Tier: "long_term", Text: "prefers tabs", Confidence: 0.8},
		{Op: chunk.OpAdd, Scope: "project", OwnerType: "session", OwnerID: "s1", Kind: "guard", Tier: "short_term", Text: "never force-push", Confidence: 0.9},
	}
}

func isolatedHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	if err := os.MkdirAll(filepath.Join(home, ".claude", "projects"), 0o755); err != nil {
		t.Fatalf("failed to create watch root: %v", err)
	}
	return home
}

func TestDeriveProjectID(t *testing.T) {
	cases := map[string]string{
		"":                    "",
		"/home/alice/project": "project",
		"/home/alice/repo/":   "repo",
	}
	for in, want := range cases {
		if got := deriveProjectID(in); got != want {
			t.Fatalf("deriveProjectID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewWiresStoresAndQueues(t *testing.T) {
	isolatedHome(t)

	policy := config.DefaultPolicyConfig()
	orch, err := New(policy)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer orch.closeStores()

	if orch.globalSt == nil {
		t.Fatal("expected a global store to be opened")
	}
	if orch.buf == nil || orch.tracker == nil {
		t.Fatal("expected buffer and tracker to be constructed")
	}
	if cap(orch.commitQueue) != committerQueueCapacity {
		t.Fatalf("expected commit queue capacity %d, got %d", committerQueueCapacity, cap(orch.commitQueue))
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	isolatedHome(t)

	policy := config.DefaultPolicyConfig()
	policy.Daemon.SocketPath = filepath.Join(t.TempDir(), "sqrld.sock")

	orch, err := New(policy)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned an error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestApplyBatchPartitionsByScope(t *testing.T) {
	isolatedHome(t)
	root := t.TempDir()

	policy := config.DefaultPolicyConfig()
	orch, err := New(policy)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer orch.closeStores()

	batch := commitBatch{
		ProjectRoot: root,
		ProjectID:   "proj",
		EpisodeID:   "ep-1",
		Ops:         userAndProjectOps(),
	}
	orch.applyBatch(context.Background(), batch)

	active, err := orch.globalSt.GetActiveMemories(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("GetActiveMemories on global store failed: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 user-scoped memory in the global store, got %d", len(active))
	}

	projSt, err := orch.projectStoreFor(root)
	if err != nil {
		t.Fatalf("projectStoreFor failed: %v", err)
	}
	projActive, err := projSt.GetActiveMemories(context.Background(), "proj", 10)
	if err != nil {
		t.Fatalf("GetActiveMemories on project store failed: %v", err)
	}
	if len(projActive) != 1 {
		t.Fatalf("expected 1 project-scoped memory, got %d", len(projActive))
	}
}
