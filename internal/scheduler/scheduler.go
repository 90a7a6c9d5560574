// Package scheduler selects which READY tasks the orchestrator dispatches
// on a given tick: an executor batch and a reviewer batch, each ordered by
// priority. The reviewer batch is capped by the reviewer batch size plus the
// CHECK-gate batch size.
package scheduler

import (
	"sort"

	"github.com/antigravity-dev/agentforge/internal/model"
	"github.com/antigravity-dev/agentforge/internal/store"
)

// Batch is the set of task ids selected for one round of one kind of work.
type Batch struct {
	ExecutorTaskIDs []string
	ReviewerTaskIDs []string
}

// Limits bounds how many tasks of each kind a single tick selects.
type Limits struct {
	ExecutorBatchSize  int
	ReviewerBatchSize  int
	CheckGateBatchSize int
}

// SelectBatch reads a plan's READY tasks and splits them into an executor
// batch (READY ACTION nodes on an active branch, whatever their owner) and a
// reviewer batch (READY CHECK nodes), each ordered by priority desc then
// task_id asc for a stable, reproducible selection, and capped by limits.
func SelectBatch(st *store.Store, planID string, limits Limits) (*Batch, error) {
	nodes, err := st.ListTasks(planID)
	if err != nil {
		return nil, err
	}

	var executorCandidates, reviewerCandidates []*model.TaskNode
	for _, n := range nodes {
		if n.Status != model.StatusReady || !n.ActiveBranch {
			continue
		}
		switch n.NodeType {
		case model.NodeCheck:
			reviewerCandidates = append(reviewerCandidates, n)
		case model.NodeAction:
			executorCandidates = append(executorCandidates, n)
		}
	}

	sortByPriority(executorCandidates)
	sortByPriority(reviewerCandidates)

	executorCap := limits.ExecutorBatchSize
	reviewerCap := limits.ReviewerBatchSize + limits.CheckGateBatchSize

	batch := &Batch{}
	for i, n := range executorCandidates {
		if i >= executorCap {
			break
		}
		batch.ExecutorTaskIDs = append(batch.ExecutorTaskIDs, n.TaskID)
	}
	for i, n := range reviewerCandidates {
		if i >= reviewerCap {
			break
		}
		batch.ReviewerTaskIDs = append(batch.ReviewerTaskIDs, n.TaskID)
	}

	return batch, nil
}

func sortByPriority(nodes []*model.TaskNode) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Priority != nodes[j].Priority {
			return nodes[i].Priority > nodes[j].Priority
		}
		return nodes[i].TaskID < nodes[j].TaskID
	})
}
