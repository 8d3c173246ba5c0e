// Package daemon implements the Daemon Orchestrator: it wires the
// Position Store, Log Parser, File Watcher, Session Tracker, Event Buffer,
// Extraction RPC Client, Memory Committer, Memory Store, and Project
// Registry together into five concurrent tasks, and owns their lifetimes.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sqrl-dev/sqrld/internal/buffer"
	"github.com/sqrl-dev/sqrld/internal/bus"
	"github.com/sqrl-dev/sqrld/internal/chunk"
	"github.com/sqrl-dev/sqrld/internal/committer"
	"github.com/sqrl-dev/sqrld/internal/config"
	"github.com/sqrl-dev/sqrld/internal/extractor"
	. "github.com/sqrl-dev/sqrld/internal/logging"
	"github.com/sqrl-dev/sqrld/internal/logparser"
	"github.com/sqrl-dev/sqrld/internal/position"
	"github.com/sqrl-dev/sqrld/internal/registry"
	"github.com/sqrl-dev/sqrld/internal/rpc"
	"github.com/sqrl-dev/sqrld/internal/store"
	"github.com/sqrl-dev/sqrld/internal/tracker"
	"github.com/sqrl-dev/sqrld/internal/watcher"
)

// commitBatch is what flush_task hands to committer_task: the full set of
// memory operations the extractor returned for one chunk exchange, plus
// enough routing information to pick the right store and episode id.
type commitBatch struct {
	ProjectRoot string
	ProjectID   string
	EpisodeID   string
	Ops         []chunk.MemoryOp
}

// committerQueueCapacity bounds how many commit batches can be pending
// before flush_task blocks handing one off.
const committerQueueCapacity = 100

// Orchestrator owns every task's lifetime and the shared resources they
// read and write.
type Orchestrator struct {
	policy   *config.PolicyConfig
	registry *registry.Registry
	posStore *position.Store
	tracker  *tracker.Tracker
	buf      *buffer.Buffer
	extr     *extractor.Client
	globalSt *store.Store

	storesMu     sync.Mutex
	projectStore map[string]*store.Store

	// sessionProjectRoot remembers which project root a session belongs to,
	// looked up by flush_task when a chunk response needs routing to a
	// project-scoped store.
	sessionProjectRoot sync.Map

	embeddedBus *bus.EmbeddedServer

	flushSignal chan struct{}
	commitQueue chan commitBatch

	responseTimeout time.Duration

	wg sync.WaitGroup
}

// New loads the global store, project registry, and position store, and
// prepares (but does not start) an Orchestrator.
func New(policy *config.PolicyConfig) (*Orchestrator, error) {
	if err := os.MkdirAll(config.GlobalDir(), 0o755); err != nil {
		return nil, fmt.Errorf("daemon: failed to create global state directory: %w", err)
	}

	reg, err := registry.Load(config.ProjectsPath())
	if err != nil {
		return nil, fmt.Errorf("daemon: failed to load project registry: %w", err)
	}

	globalSt, err := store.Open(config.GlobalDBPath())
	if err != nil {
		return nil, fmt.Errorf("daemon: failed to open global memory store: %w", err)
	}

	posStore := position.Load(config.PositionsPath())

	extr := extractor.New(
		policy.Rpc.ExtractorSocketPath,
		time.Duration(policy.Rpc.ConnectTimeoutMs)*time.Millisecond,
		time.Duration(policy.Rpc.ResponseTimeoutMs)*time.Millisecond,
	)

	responseTimeout := time.Duration(policy.Rpc.ResponseTimeoutMs) * time.Millisecond
	if responseTimeout <= 0 {
		responseTimeout = extractor.DefaultResponseTimeout
	}

	return &Orchestrator{
		policy:          policy,
		registry:        reg,
		posStore:        posStore,
		tracker:         tracker.New(time.Duration(policy.Daemon.IdleTimeout) * time.Minute),
		buf:             buffer.New(policy.Daemon.ChunkSize),
		extr:            extr,
		globalSt:        globalSt,
		projectStore:    make(map[string]*store.Store),
		flushSignal:     make(chan struct{}, 1),
		commitQueue:     make(chan commitBatch, committerQueueCapacity),
		responseTimeout: responseTimeout,
	}, nil
}

// Run starts all five tasks and blocks until ctx is cancelled, at which
// point it runs one final flush pass before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	embedded, err := bus.StartEmbedded()
	if err != nil {
		return fmt.Errorf("daemon: failed to start internal bus: %w", err)
	}
	o.embeddedBus = embedded
	defer embedded.Shutdown()

	watcherClient, err := bus.NewClient(embedded.URL(), "watcher_task")
	if err != nil {
		return fmt.Errorf("daemon: failed to connect watcher bus client: %w", err)
	}
	defer watcherClient.Close()

	trackerClient, err := bus.NewClient(embedded.URL(), "tracker_task")
	if err != nil {
		return fmt.Errorf("daemon: failed to connect tracker bus client: %w", err)
	}
	defer trackerClient.Close()

	flushClient, err := bus.NewClient(embedded.URL(), "flush_task")
	if err != nil {
		return fmt.Errorf("daemon: failed to connect flush bus client: %w", err)
	}
	defer flushClient.Close()

	fsWatcher, err := watcher.New(config.WatchRoot())
	if err != nil {
		return fmt.Errorf("daemon: failed to create file watcher: %w", err)
	}
	if err := fsWatcher.Start(ctx); err != nil {
		return fmt.Errorf("daemon: failed to start file watcher: %w", err)
	}
	defer fsWatcher.Stop()

	sub, err := trackerClient.SubscribeJSON(bus.SubjectParsedEntries,
		func() interface{} { return &logparser.ParsedEntry{} },
		func(v interface{}) { o.handleParsedEntry(trackerClient, v.(*logparser.ParsedEntry)) })
	if err != nil {
		return fmt.Errorf("daemon: failed to subscribe tracker task: %w", err)
	}
	defer sub.Unsubscribe()

	completedSub, err := flushClient.SubscribeJSON(bus.SubjectCompletedSessions,
		func() interface{} { return &tracker.CompletedSession{} },
		func(v interface{}) { o.handleCompletedSession(v.(*tracker.CompletedSession)) })
	if err != nil {
		return fmt.Errorf("daemon: failed to subscribe flush task: %w", err)
	}
	defer completedSub.Unsubscribe()

	o.wg.Add(3)
	go o.watcherTask(ctx, fsWatcher, watcherClient)
	go o.flushTask(ctx)
	go o.committerTask(ctx)

	listener, ipcErr := net.Listen("unix", o.policy.Daemon.SocketPath)
	if ipcErr != nil {
		L_warn("daemon: failed to start control-plane listener, continuing without it",
			"socket", o.policy.Daemon.SocketPath, "error", ipcErr)
	} else {
		defer listener.Close()
		defer os.Remove(o.policy.Daemon.SocketPath)
		o.wg.Add(1)
		go o.ipcTask(ctx, listener)
	}

	L_info("daemon: started", "watch_root", config.WatchRoot(), "socket", o.policy.Daemon.SocketPath)

	<-ctx.Done()
	L_info("daemon: shutting down, running final flush pass")
	o.finalFlush()

	o.wg.Wait()
	return o.closeStores()
}

func (o *Orchestrator) closeStores() error {
	o.storesMu.Lock()
	defer o.storesMu.Unlock()
	var firstErr error
	for _, st := range o.projectStore {
		if err := st.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := o.globalSt.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// projectStoreFor opens (or reuses) a project-scoped Memory Store given its
// root directory.
func (o *Orchestrator) projectStoreFor(projectRoot string) (*store.Store, error) {
	o.storesMu.Lock()
	defer o.storesMu.Unlock()

	if st, ok := o.projectStore[projectRoot]; ok {
		return st, nil
	}

	dbPath := config.ProjectStorePath(projectRoot)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	o.projectStore[projectRoot] = st
	return st, nil
}

// watcherTask reads OS notifications, parses newly-appended bytes at the
// position last recorded for that file, and publishes each resulting entry
// on the internal bus for tracker_task to pick up.
func (o *Orchestrator) watcherTask(ctx context.Context, w *watcher.Watcher, client *bus.Client) {
	defer o.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.Events:
			o.handleWatchEvent(ev, client)
		case err := <-w.Errors:
			L_warn("watcher_task: filesystem watch error", "error", err)
		}
	}
}

func (o *Orchestrator) handleWatchEvent(ev watcher.Event, client *bus.Client) {
	info, err := os.Stat(ev.Path)
	if err != nil {
		L_debug("watcher_task: skipping event for vanished file", "path", ev.Path)
		return
	}

	start, err := o.posStore.StartPosition(ev.Path)
	if err != nil {
		L_warn("watcher_task: failed to read start position", "path", ev.Path, "error", err)
		return
	}

	entries, newOffset, err := logparser.ParseFromPosition(ev.Path, start)
	if err != nil {
		L_warn("watcher_task: failed to parse file", "path", ev.Path, "error", err)
	}

	for i := range entries {
		if err := client.PublishJSON(bus.SubjectParsedEntries, &entries[i]); err != nil {
			L_warn("watcher_task: failed to publish parsed entry", "error", err)
		}
	}
	if err := client.Flush(); err != nil {
		L_warn("watcher_task: failed to flush bus client", "error", err)
	}

	o.posStore.SetPosition(ev.Path, newOffset, info.Size())
	if err := o.posStore.Save(); err != nil {
		L_warn("watcher_task: failed to persist position store", "error", err)
	}
}

// handleParsedEntry advances the Session Tracker and republishes any
// sessions it completes for flush_task to pick up.
func (o *Orchestrator) handleParsedEntry(client *bus.Client, entry *logparser.ParsedEntry) {
	completed := o.tracker.ProcessEntry(*entry)
	for i := range completed {
		if err := client.PublishJSON(bus.SubjectCompletedSessions, &completed[i]); err != nil {
			L_warn("tracker_task: failed to publish completed session", "error", err)
		}
	}
	_ = client.Flush()
}

// handleCompletedSession hands a session's full event list to the Event
// Buffer, where it waits to be drained into chunks by flush_task.
func (o *Orchestrator) handleCompletedSession(cs *tracker.CompletedSession) {
	o.buf.AddSession(cs.SessionID, cs.ProjectID, cs.Events)
	o.sessionProjectRoot.Store(cs.SessionID, cs.ProjectRoot)
}

// flushTask wakes on a 10-second timer or an explicit flush signal,
// draining every pending session's buffered events through the extractor.
// Each timer tick first sweeps the Session Tracker for idle sessions.
func (o *Orchestrator) flushTask(ctx context.Context) {
	defer o.wg.Done()

	interval := time.Duration(o.policy.Daemon.FlushInterval) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, cs := range o.tracker.CheckIdleSessions() {
				o.handleCompletedSession(&cs)
			}
			o.flushPending(ctx)
		case <-o.flushSignal:
			o.flushPending(ctx)
		}
	}
}

func (o *Orchestrator) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), o.responseTimeout)
	defer cancel()
	o.flushPending(ctx)
}

func (o *Orchestrator) flushPending(ctx context.Context) {
	pending := o.buf.PendingSessionIDs()
	if len(pending) == 0 {
		return
	}
	if !o.extr.IsAvailable() {
		L_debug("flush_task: extractor unreachable, leaving chunks buffered", "pending_sessions", len(pending))
		return
	}
	for _, sessionID := range pending {
		o.flushSession(ctx, sessionID)
	}
}

func (o *Orchestrator) flushSession(ctx context.Context, sessionID string) {
	req, ok := o.buf.BuildChunkRequest(sessionID, nil)
	if !ok {
		return
	}

	resp, err := o.extr.IngestChunk(ctx, *req)
	if err != nil {
		L_warn("flush_task: extractor exchange failed, retrying chunk on next tick",
			"session", sessionID, "chunk_index", req.ChunkIndex, "error", err)
		o.buf.RetryChunkRequest(sessionID, req)
		return
	}

	ops := o.buf.ProcessResponse(sessionID, resp)
	if len(ops) == 0 {
		return
	}

	projectRoot, _ := o.sessionProjectRoot.Load(sessionID)
	root, _ := projectRoot.(string)

	batch := commitBatch{
		ProjectRoot: root,
		ProjectID:   deriveProjectID(root),
		EpisodeID:   ulid.Make().String(),
		Ops:         ops,
	}

	select {
	case o.commitQueue <- batch:
	case <-ctx.Done():
	}
}

// committerTask applies commit batches to the Memory Store, partitioning
// each batch's ops between the global (user-scoped) store and the
// project-scoped store by op.Scope.
func (o *Orchestrator) committerTask(ctx context.Context) {
	defer o.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-o.commitQueue:
			if !ok {
				return
			}
			o.applyBatch(ctx, batch)
		}
	}
}

func (o *Orchestrator) applyBatch(ctx context.Context, batch commitBatch) {
	var userOps, projectOps []chunk.MemoryOp
	for _, op := range batch.Ops {
		if op.Scope == "user" {
			userOps = append(userOps, op)
		} else {
			projectOps = append(projectOps, op)
		}
	}

	if len(userOps) > 0 {
		result := committer.New(o.globalSt).CommitBatch(ctx, userOps, "", batch.EpisodeID)
		logCommitResult("user", batch.ProjectID, result)
	}

	if len(projectOps) > 0 {
		st, err := o.projectStoreFor(batch.ProjectRoot)
		if err != nil {
			L_error("committer_task: failed to open project store, dropping batch",
				"project_root", batch.ProjectRoot, "error", err)
			return
		}
		result := committer.New(st).CommitBatch(ctx, projectOps, batch.ProjectID, batch.EpisodeID)
		logCommitResult("project", batch.ProjectID, result)
	}
}

func logCommitResult(scope, projectID string, result committer.Result) {
	L_info("committer_task: batch applied", "scope", scope, "project", projectID,
		"added", result.Added, "updated", result.Updated, "deprecated", result.Deprecated,
		"errors", len(result.Errors))
	for _, e := range result.Errors {
		L_warn("committer_task: per-op error", "project", projectID, "error", e)
	}
}

func deriveProjectID(projectRoot string) string {
	if projectRoot == "" {
		return ""
	}
	return filepath.Base(filepath.Clean(projectRoot))
}

// ipcTask accepts control-plane connections: flush, status,
// reload_policy. Each connection is served on its own goroutine.
func (o *Orchestrator) ipcTask(ctx context.Context, listener net.Listener) {
	defer o.wg.Done()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	srv := rpc.NewServer()
	srv.Handle("flush", func(_ json.RawMessage) (interface{}, error) {
		select {
		case o.flushSignal <- struct{}{}:
		default:
		}
		return map[string]string{"status": "ok"}, nil
	})
	srv.Handle("status", func(_ json.RawMessage) (interface{}, error) {
		return map[string]string{"status": "running", "version": Version}, nil
	})
	srv.Handle("reload_policy", func(_ json.RawMessage) (interface{}, error) {
		if err := o.registry.Reload(); err != nil {
			return nil, rpc.NewError(-32001, "failed to reload project registry: "+err.Error())
		}
		return map[string]string{"message": "policy reloaded"}, nil
	})

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				L_warn("ipc_task: accept failed", "error", err)
				return
			}
		}
		go func() {
			defer conn.Close()
			if err := srv.ServeConn(conn); err != nil {
				L_debug("ipc_task: connection closed", "error", err)
			}
		}()
	}
}

// Version is the daemon's own build-time version string, reported by the
// "status" control-plane method.
var Version = "dev"
