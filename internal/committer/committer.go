// Package committer implements the Memory Committer: it applies a
// batch of extractor-proposed MemoryOp values against the Memory Store.
package committer

import (
	"context"
	"fmt"

	"github.com/sqrl-dev/sqrld/internal/chunk"
	. "github.com/sqrl-dev/sqrld/internal/logging"
	"github.com/sqrl-dev/sqrld/internal/sqrlerr"
	"github.com/sqrl-dev/sqrld/internal/store"
)

// Result tallies what a batch did.
type Result struct {
	Added      int
	Updated    int
	Deprecated int
	Errors     []string
}

// Committer applies MemoryOp batches to a Memory Store.
type Committer struct {
	st *store.Store
}

// New creates a Committer over st.
func New(st *store.Store) *Committer {
	return &Committer{st: st}
}

// CommitBatch applies ops, scoped to projectID (empty for user-scoped
// sessions), inside one logical unit of work per op. A per-op validation
// failure is recorded in Result.Errors but never aborts the rest of the
// batch.
func (c *Committer) CommitBatch(ctx context.Context, ops []chunk.MemoryOp, projectID, episodeID string) Result {
	var result Result

	for _, op := range ops {
		switch op.Op {
		case chunk.OpAdd:
			if err := c.commitAdd(ctx, op, projectID, episodeID); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("ADD failed: %v", err))
				continue
			}
			result.Added++

		case chunk.OpUpdate:
			if err := c.commitUpdate(ctx, op, projectID, episodeID); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("UPDATE failed: %v", err))
				continue
			}
			result.Updated++

		case chunk.OpDeprecate:
			if err := c.commitDeprecate(ctx, op); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("DEPRECATE failed: %v", err))
				continue
			}
			result.Deprecated++

		default:
			result.Errors = append(result.Errors, fmt.Sprintf("unknown op kind %q", op.Op))
		}
	}

	L_debug("committer: batch applied", "added", result.Added, "updated", result.Updated,
		"deprecated", result.Deprecated, "errors", len(result.Errors))
	return result
}

func (c *Committer) insertFromOp(ctx context.Context, op chunk.MemoryOp, projectID, episodeID string) (store.Memory, error) {
	m, err := c.st.AddMemory(ctx, store.NewMemoryParams{
		ProjectID:  projectID,
		Scope:      op.Scope,
		OwnerType:  op.OwnerType,
		OwnerID:    op.OwnerID,
		Kind:       op.Kind,
		Tier:       op.Tier,
		Polarity:   op.Polarity,
		Key:        op.Key,
		Text:       op.Text,
		Confidence: op.Confidence,
		TTLDays:    op.TTLDays,
	})
	if err != nil {
		return store.Memory{}, err
	}

	if episodeID != "" {
		if err := c.st.InsertEvidence(ctx, m.ID, episodeID, op.Evidence.Source, op.Evidence.Frustration); err != nil {
			L_warn("committer: failed to record evidence", "memory_id", m.ID, "error", err)
		}
	}
	return m, nil
}

func (c *Committer) commitAdd(ctx context.Context, op chunk.MemoryOp, projectID, episodeID string) error {
	_, err := c.insertFromOp(ctx, op, projectID, episodeID)
	return err
}

func (c *Committer) commitUpdate(ctx context.Context, op chunk.MemoryOp, projectID, episodeID string) error {
	if op.TargetMemoryID != "" {
		if err := c.st.DeprecateMemory(ctx, op.TargetMemoryID); err != nil {
			L_warn("committer: failed to deprecate superseded memory", "target", op.TargetMemoryID, "error", err)
		}
	}
	_, err := c.insertFromOp(ctx, op, projectID, episodeID)
	return err
}

func (c *Committer) commitDeprecate(ctx context.Context, op chunk.MemoryOp) error {
	if op.TargetMemoryID == "" {
		return sqrlerr.Validation("DEPRECATE operation requires target_memory_id")
	}
	return c.st.DeprecateMemory(ctx, op.TargetMemoryID)
}
