// Package mcptools implements the Tool Server: a stdio JSON-RPC 2.0
// server exposing exactly two retrieval tools to AI coding assistants,
// squirrel_get_task_context and squirrel_search_memory, backed by a
// project's Memory Store.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sqrl-dev/sqrld/internal/extractor"
	. "github.com/sqrl-dev/sqrld/internal/logging"
	"github.com/sqrl-dev/sqrld/internal/rpc"
	"github.com/sqrl-dev/sqrld/internal/store"
)

// Version is the build-time version string reported on "initialize". The
// sqrld binary sets it to the same value as daemon.Version.
var Version = "dev"

// kindOrder fixes the rendering order of get_task_context's grouped
// sections: guards and invariants first since they bound what's safe to
// do, preferences and patterns next, notes last.
var kindOrder = []string{"guard", "invariant", "preference", "pattern", "note"}

// defaultContextLimit bounds how many active memories feed a task-context
// render. The caller's context_budget_tokens is accepted (default 400) but
// neither selects memories nor trims the rendered prose.
const defaultContextLimit = 20

// Server serves the stdio JSON-RPC 2.0 tool protocol. It opens
// a project's Memory Store on demand, keyed by resolved project root, and
// never writes through any surface but use-count/opportunity metrics.
type Server struct {
	rpc       *rpc.Server
	extractor *extractor.Client
	stores    map[string]*store.Store
}

// New creates a Server. extr is used to obtain query embeddings for
// search_memory; a nil extr (or one that's unreachable) degrades
// search_memory to recency-ordered fallback, never an error.
func New(extr *extractor.Client) *Server {
	s := &Server{
		rpc:       rpc.NewServer(),
		extractor: extr,
		stores:    make(map[string]*store.Store),
	}
	s.rpc.Handle("initialize", s.handleInitialize)
	s.rpc.Handle("notifications/initialized", s.handleNotificationsInitialized)
	s.rpc.Handle("tools/list", s.handleToolsList)
	s.rpc.Handle("tools/call", s.handleToolsCall)
	return s
}

// Serve runs the stdio protocol loop until EOF on stdin or ctx is
// cancelled. Notifications (requests without an id) are dispatched but
// produce no response line.
func (s *Server) Serve(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	codec := rpc.NewCodecRW(stdin, stdout)
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
	}()

	for {
		req, err := codec.ReadRequest()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		if len(req.ID) == 0 {
			s.dispatchNotification(req)
			continue
		}

		resp := s.dispatch(req)
		if werr := codec.WriteResponse(resp); werr != nil {
			return werr
		}
	}
}

func (s *Server) dispatchNotification(req rpc.Request) {
	if req.Method == "notifications/initialized" {
		L_debug("mcptools: client initialized")
	}
}

func (s *Server) dispatch(req rpc.Request) rpc.Response {
	var result interface{}
	var err error

	switch req.Method {
	case "initialize":
		result, err = s.handleInitialize(req.Params)
	case "tools/list":
		result, err = s.handleToolsList(req.Params)
	case "tools/call":
		result, err = s.handleToolsCall(req.Params)
	default:
		return rpc.Response{ID: req.ID, Error: rpc.NewError(rpc.CodeMethodNotFound, "method not found: "+req.Method)}
	}

	if err != nil {
		if rpcErr, ok := err.(*rpc.Error); ok {
			return rpc.Response{ID: req.ID, Error: rpcErr}
		}
		return rpc.Response{ID: req.ID, Error: rpc.NewError(rpc.CodeInternalError, err.Error())}
	}

	data, merr := json.Marshal(result)
	if merr != nil {
		return rpc.Response{ID: req.ID, Error: rpc.NewError(rpc.CodeInternalError, "failed to marshal result")}
	}
	return rpc.Response{ID: req.ID, Result: data}
}

type initializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	ServerInfo      map[string]interface{} `json:"serverInfo"`
	Capabilities    map[string]interface{} `json:"capabilities"`
}

func (s *Server) handleInitialize(_ json.RawMessage) (interface{}, error) {
	return initializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      map[string]interface{}{"name": "sqrld", "version": Version},
		Capabilities:    map[string]interface{}{"tools": map[string]interface{}{}},
	}, nil
}

func (s *Server) handleNotificationsInitialized(_ json.RawMessage) (interface{}, error) {
	return nil, nil
}

type toolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []toolDef `json:"tools"`
}

func (s *Server) handleToolsList(_ json.RawMessage) (interface{}, error) {
	return toolsListResult{Tools: []toolDef{
		{
			Name:        "squirrel_get_task_context",
			Description: "Fetch relevant stored memories for a project, rendered as task context.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"project_root":          map[string]interface{}{"type": "string"},
					"task":                  map[string]interface{}{"type": "string"},
					"context_budget_tokens": map[string]interface{}{"type": "integer"},
				},
				"required": []string{"project_root", "task"},
			},
		},
		{
			Name:        "squirrel_search_memory",
			Description: "Search stored memories for a project by similarity or recency.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"project_root": map[string]interface{}{"type": "string"},
					"query":        map[string]interface{}{"type": "string"},
					"top_k":        map[string]interface{}{"type": "integer"},
					"kind":         map[string]interface{}{"type": "string"},
					"tier":         map[string]interface{}{"type": "string"},
				},
				"required": []string{"project_root", "query"},
			},
		},
	}}, nil
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolCallResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

func (s *Server) handleToolsCall(params json.RawMessage) (interface{}, error) {
	var p toolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "malformed tools/call params")
	}

	var (
		out interface{}
		err error
	)
	switch p.Name {
	case "squirrel_get_task_context":
		out, err = s.getTaskContext(p.Arguments)
	case "squirrel_search_memory":
		out, err = s.searchMemory(p.Arguments)
	default:
		return nil, rpc.NewError(rpc.CodeMethodNotFound, "unknown tool: "+p.Name)
	}

	if err != nil {
		return toolCallResult{
			Content: []toolContent{{Type: "text", Text: err.Error()}},
			IsError: true,
		}, nil
	}

	data, merr := json.Marshal(out)
	if merr != nil {
		return nil, rpc.NewError(rpc.CodeInternalError, "failed to marshal tool result")
	}
	return toolCallResult{Content: []toolContent{{Type: "text", Text: string(data)}}}, nil
}

// resolveStore opens (or reuses) the Memory Store for a project root,
// verifying the project was initialized first (its store file must
// already exist — the tool server never creates one).
func (s *Server) resolveStore(projectRoot string) (*store.Store, string, error) {
	projectID := filepath.Base(filepath.Clean(projectRoot))
	dbPath := filepath.Join(projectRoot, ".sqrl", "squirrel.db")

	if st, ok := s.stores[dbPath]; ok {
		return st, projectID, nil
	}

	if _, err := os.Stat(dbPath); err != nil {
		return nil, "", rpc.NewError(rpc.CodeInternalError,
			fmt.Sprintf("project not initialized: %s", projectRoot))
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return nil, "", rpc.NewError(rpc.CodeInternalError, "failed to open project memory store")
	}
	s.stores[dbPath] = st
	return st, projectID, nil
}

type getTaskContextParams struct {
	ProjectRoot         string `json:"project_root"`
	Task                string `json:"task"`
	ContextBudgetTokens int    `json:"context_budget_tokens"`
}

type getTaskContextResult struct {
	ContextPrompt string   `json:"context_prompt"`
	MemoryIDs     []string `json:"memory_ids"`
	Task          string   `json:"task"`
}

func (s *Server) getTaskContext(raw json.RawMessage) (interface{}, error) {
	var p getTaskContextParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "malformed get_task_context arguments")
	}
	if p.ContextBudgetTokens <= 0 {
		p.ContextBudgetTokens = 400
	}

	st, projectID, err := s.resolveStore(p.ProjectRoot)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	memories, derr := st.GetActiveMemories(ctx, projectID, defaultContextLimit)
	if derr != nil {
		return nil, rpc.NewError(rpc.CodeInternalError, "failed to load active memories")
	}

	byKind := make(map[string][]store.Memory)
	for _, m := range memories {
		byKind[m.Kind] = append(byKind[m.Kind], m)
	}

	var prompt string
	var ids []string
	for _, kind := range kindOrder {
		group := byKind[kind]
		if len(group) == 0 {
			continue
		}
		prompt += fmt.Sprintf("## %s\n", kind)
		for _, m := range group {
			prompt += fmt.Sprintf("- %s\n", m.Text)
			ids = append(ids, m.ID)
			if ierr := st.IncrementUseCount(ctx, m.ID); ierr != nil {
				L_warn("mcptools: failed to increment use_count", "memory_id", m.ID, "error", ierr)
			}
			if ierr := st.IncrementOpportunities(ctx, m.ID); ierr != nil {
				L_warn("mcptools: failed to increment opportunities", "memory_id", m.ID, "error", ierr)
			}
		}
		prompt += "\n"
	}

	return getTaskContextResult{ContextPrompt: prompt, MemoryIDs: ids, Task: p.Task}, nil
}

type searchMemoryParams struct {
	ProjectRoot string `json:"project_root"`
	Query       string `json:"query"`
	TopK        int    `json:"top_k"`
	Kind        string `json:"kind"`
	Tier        string `json:"tier"`
}

type searchMemoryResult struct {
	Results []store.Memory `json:"results"`
	Query   string         `json:"query"`
	Count   int            `json:"count"`
}

func (s *Server) searchMemory(raw json.RawMessage) (interface{}, error) {
	var p searchMemoryParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "malformed search_memory arguments")
	}
	if p.Query == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "query must not be empty")
	}
	if p.TopK <= 0 {
		p.TopK = 10
	}

	st, projectID, err := s.resolveStore(p.ProjectRoot)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	results, ferr := s.vectorOrFallback(ctx, st, projectID, p.Query, p.TopK)
	if ferr != nil {
		return nil, rpc.NewError(rpc.CodeInternalError, "search_memory failed")
	}

	filtered := results[:0]
	for _, m := range results {
		if p.Kind != "" && m.Kind != p.Kind {
			continue
		}
		if p.Tier != "" && m.Tier != p.Tier {
			continue
		}
		filtered = append(filtered, m)
	}

	return searchMemoryResult{Results: filtered, Query: p.Query, Count: len(filtered)}, nil
}

// vectorOrFallback attempts a KNN search via an extractor-produced query
// embedding; any failure (extractor unavailable, embedding error) falls
// back to recency order instead of surfacing an error to the caller.
func (s *Server) vectorOrFallback(ctx context.Context, st *store.Store, projectID, query string, topK int) ([]store.Memory, error) {
	if s.extractor != nil {
		if vec, err := s.extractor.EmbedText(ctx, query); err == nil {
			if results, serr := st.SearchMemoriesByVector(ctx, vec, projectID, topK); serr == nil {
				return results, nil
			} else {
				L_warn("mcptools: vector search failed, falling back to recency", "error", serr)
			}
		} else {
			L_debug("mcptools: embedding unavailable, falling back to recency", "error", err)
		}
	}
	return st.GetActiveMemories(ctx, projectID, topK)
}

// Close releases every project store opened by this server.
func (s *Server) Close() {
	for path, st := range s.stores {
		if err := st.Close(); err != nil {
			L_warn("mcptools: failed to close project store", "path", path, "error", err)
		}
	}
}
