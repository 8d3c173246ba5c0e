package extractor

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sqrl-dev/sqrld/internal/chunk"
	"github.com/sqrl-dev/sqrld/internal/rpc"
)

func startTestExtractor(t *testing.T, register func(*rpc.Server)) string {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "extractor.sock")

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	srv := rpc.NewServer()
	register(srv)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go srv.ServeConn(conn)
		}
	}()

	return sockPath
}

func TestIngestChunkRoundTrip(t *testing.T) {
	sockPath := startTestExtractor(t, func(srv *rpc.Server) {
		srv.Handle("ingest_chunk", func(params json.RawMessage) (interface{}, error) {
			var req chunk.Request
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, err
			}
			return chunk.Response{
				CarryState: "next-token",
				Memories: []chunk.MemoryOp{
					{Op: chunk.OpAdd, Kind: "preference", Tier: "user", Text: "prefers tabs"},
				},
			}, nil
		})
	})

	client := New(sockPath, time.Second, time.Second)
	resp, err := client.IngestChunk(context.Background(), chunk.Request{
		ProjectID: "proj",
		OwnerType: "session",
		OwnerID:   "S",
		Events:    []chunk.Event{{Ts: 1, Role: "user", Kind: "message", Summary: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.CarryState != "next-token" {
		t.Errorf("expected carry state next-token, got %q", resp.CarryState)
	}
	if len(resp.Memories) != 1 || resp.Memories[0].Text != "prefers tabs" {
		t.Errorf("unexpected memories: %+v", resp.Memories)
	}
}

func TestEmbedTextRoundTrip(t *testing.T) {
	sockPath := startTestExtractor(t, func(srv *rpc.Server) {
		srv.Handle("embed_text", func(params json.RawMessage) (interface{}, error) {
			return []float32{0.1, 0.2, 0.3}, nil
		})
	})

	client := New(sockPath, time.Second, time.Second)
	vec, err := client.EmbedText(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("expected 3-dim vector, got %d", len(vec))
	}
}

func TestIsAvailableFalseWhenNoSocket(t *testing.T) {
	client := New(filepath.Join(os.TempDir(), "sqrl-test-nonexistent.sock"), 50*time.Millisecond, time.Second)
	if client.IsAvailable() {
		t.Fatal("expected IsAvailable to be false for a nonexistent socket")
	}
}

func TestIngestChunkUnavailableWhenExtractorDown(t *testing.T) {
	client := New(filepath.Join(os.TempDir(), "sqrl-test-nonexistent.sock"), 50*time.Millisecond, time.Second)
	_, err := client.IngestChunk(context.Background(), chunk.Request{})
	if err == nil {
		t.Fatal("expected error when extractor is unreachable")
	}
}
