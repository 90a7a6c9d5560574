package scheduler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/agentforge/internal/model"
	"github.com/antigravity-dev/agentforge/internal/store"
)

func tempStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func readyNode(taskID string, nt model.NodeType, priority int) *model.TaskNode {
	now := time.Now().UTC()
	return &model.TaskNode{
		TaskID: taskID, PlanID: "p1", NodeType: nt, Status: model.StatusReady,
		ActiveBranch: true, Priority: priority, CreatedAt: now, UpdatedAt: now,
	}
}

func TestSelectBatch_SplitsByNodeType(t *testing.T) {
	st := tempStore(t)
	nodes := []*model.TaskNode{
		readyNode("a1", model.NodeAction, 1),
		readyNode("a2", model.NodeAction, 5),
		readyNode("c1", model.NodeCheck, 1),
	}
	if err := st.UpsertGraph(&store.GraphWrite{Nodes: nodes}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	batch, err := SelectBatch(st, "p1", Limits{ExecutorBatchSize: 10, ReviewerBatchSize: 10, CheckGateBatchSize: 10})
	if err != nil {
		t.Fatalf("select batch: %v", err)
	}
	if len(batch.ExecutorTaskIDs) != 2 {
		t.Fatalf("expected 2 executor tasks, got %d", len(batch.ExecutorTaskIDs))
	}
	if batch.ExecutorTaskIDs[0] != "a2" {
		t.Fatalf("expected higher-priority a2 first, got %v", batch.ExecutorTaskIDs)
	}
	if len(batch.ReviewerTaskIDs) != 1 || batch.ReviewerTaskIDs[0] != "c1" {
		t.Fatalf("expected c1 in reviewer batch, got %v", batch.ReviewerTaskIDs)
	}
}

func TestSelectBatch_RespectsCap(t *testing.T) {
	st := tempStore(t)
	nodes := []*model.TaskNode{
		readyNode("a1", model.NodeAction, 1),
		readyNode("a2", model.NodeAction, 2),
		readyNode("a3", model.NodeAction, 3),
	}
	if err := st.UpsertGraph(&store.GraphWrite{Nodes: nodes}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	batch, err := SelectBatch(st, "p1", Limits{ExecutorBatchSize: 2})
	if err != nil {
		t.Fatalf("select batch: %v", err)
	}
	if len(batch.ExecutorTaskIDs) != 2 {
		t.Fatalf("expected cap of 2, got %d", len(batch.ExecutorTaskIDs))
	}
}
