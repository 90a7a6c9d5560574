// Package model defines the data model entities of spec.md §3: Plan, Task
// Node, Task Edge, Input Requirement, Evidence, Artifact, Review, Event,
// LLM call, and Audit records. It carries no persistence or business logic
// of its own — those live in internal/store, internal/readiness, etc.
package model

import "time"

// NodeType enumerates the three task node kinds of the task graph.
type NodeType string

const (
	NodeGoal   NodeType = "GOAL"
	NodeAction NodeType = "ACTION"
	NodeCheck  NodeType = "CHECK"
)

// Owner enumerates the agent roles that own a task node (spec §9: "model as
// an enum of roles with a small dispatch table", not subclassing).
type Owner string

const (
	OwnerExecutor         Owner = "executor"
	OwnerReviewer         Owner = "reviewer"
	OwnerSecondaryReviewer Owner = "secondary_reviewer"
)

// Status enumerates task node lifecycle states.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusReady         Status = "READY"
	StatusInProgress    Status = "IN_PROGRESS"
	StatusBlocked       Status = "BLOCKED"
	StatusReadyToCheck  Status = "READY_TO_CHECK"
	StatusToBeModify    Status = "TO_BE_MODIFY"
	StatusDone          Status = "DONE"
	StatusFailed        Status = "FAILED"
	StatusAbandoned     Status = "ABANDONED"
)

// BlockedReason enumerates why a BLOCKED task cannot proceed.
type BlockedReason string

const (
	WaitingInput    BlockedReason = "WAITING_INPUT"
	WaitingExternal BlockedReason = "WAITING_EXTERNAL"
	WaitingSkill    BlockedReason = "WAITING_SKILL"
)

// Priority enumerates plan-level priority.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMed    Priority = "MED"
	PriorityHigh   Priority = "HIGH"
)

// EdgeType enumerates the three edge kinds of the task graph.
type EdgeType string

const (
	EdgeDecompose   EdgeType = "DECOMPOSE"
	EdgeDependsOn   EdgeType = "DEPENDS_ON"
	EdgeAlternative EdgeType = "ALTERNATIVE"
)

// AndOr is the DECOMPOSE edge aggregation rule, consistent per parent.
type AndOr string

const (
	AND AndOr = "AND"
	OR  AndOr = "OR"
)

// RequirementKind enumerates the kinds of declared input need.
type RequirementKind string

const (
	KindFile         RequirementKind = "FILE"
	KindConfirmation RequirementKind = "CONFIRMATION"
	KindSkillOutput  RequirementKind = "SKILL_OUTPUT"
)

// EvidenceSource enumerates who may supply evidence for a requirement.
type EvidenceSource string

const (
	SourceUser  EvidenceSource = "USER"
	SourceAgent EvidenceSource = "AGENT"
	SourceAny   EvidenceSource = "ANY"
)

// ArtifactFormat enumerates the artifact file formats the engine knows
// about for deliverable scoring and export.
type ArtifactFormat string

const (
	FormatMD   ArtifactFormat = "md"
	FormatTXT  ArtifactFormat = "txt"
	FormatJSON ArtifactFormat = "json"
	FormatHTML ArtifactFormat = "html"
	FormatCSS  ArtifactFormat = "css"
	FormatJS   ArtifactFormat = "js"
)

// Verdict enumerates a review's outcome.
type Verdict string

const (
	Approved Verdict = "APPROVED"
	Rejected Verdict = "REJECTED"
)

// Constraints captures the plan-level deadline/priority declared at creation.
type Constraints struct {
	Deadline *time.Time `json:"deadline,omitempty"`
	Priority Priority   `json:"priority"`
}

// Plan is the top-level container; immutable except Title/Owner.
type Plan struct {
	PlanID      string      `json:"plan_id"`
	Title       string      `json:"title"`
	Owner       string      `json:"owner"`
	RootTaskID  string      `json:"root_task_id"`
	CreatedAt   time.Time   `json:"created_at"`
	Constraints Constraints `json:"constraints"`
}

// DeliverableSpec names the root GOAL's declared final-deliverable target.
type DeliverableSpec struct {
	Filename string         `json:"filename,omitempty"`
	Format   ArtifactFormat `json:"format,omitempty"`
}

// TaskNode is a single node of the task graph (spec §3).
type TaskNode struct {
	TaskID               string          `json:"task_id"`
	PlanID               string          `json:"plan_id"`
	NodeType             NodeType        `json:"node_type"`
	Title                string          `json:"title"`
	GoalStatement        string          `json:"goal_statement,omitempty"`
	Rationale            string          `json:"rationale,omitempty"`
	Owner                Owner           `json:"owner"`
	Priority             int             `json:"priority"`
	Tags                 []string        `json:"tags"`
	Status               Status          `json:"status"`
	BlockedReason        BlockedReason   `json:"blocked_reason,omitempty"`
	AttemptCount         int             `json:"attempt_count"`
	Confidence           float64         `json:"confidence"`
	ActiveBranch         bool            `json:"active_branch"`
	ActiveArtifactID     string          `json:"active_artifact_id,omitempty"`
	ApprovedArtifactID   string          `json:"approved_artifact_id,omitempty"`
	ReviewTargetTaskID   string          `json:"review_target_task_id,omitempty"`
	EstimatedPersonDays  float64         `json:"estimated_person_days,omitempty"`
	DeliverableSpec      *DeliverableSpec `json:"deliverable_spec,omitempty"`
	AcceptanceCriteria   string          `json:"acceptance_criteria,omitempty"`
	ReviewOutputSpec     string          `json:"review_output_spec,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// HasTag reports whether the node carries the given tag.
func (t *TaskNode) HasTag(tag string) bool {
	for _, tg := range t.Tags {
		if tg == tag {
			return true
		}
	}
	return false
}

// TaskEdge is a directed edge of the task graph.
type TaskEdge struct {
	EdgeID     string         `json:"edge_id"`
	PlanID     string         `json:"plan_id"`
	FromTaskID string         `json:"from_task_id"`
	ToTaskID   string         `json:"to_task_id"`
	EdgeType   EdgeType       `json:"edge_type"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// AndOr reads the edge's and_or metadata, defaulting to AND.
func (e *TaskEdge) AndOr() AndOr {
	if e.Metadata == nil {
		return AND
	}
	if v, ok := e.Metadata["and_or"].(string); ok && AndOr(v) == OR {
		return OR
	}
	return AND
}

// GroupID reads an ALTERNATIVE edge's group_id metadata.
func (e *TaskEdge) GroupID() string {
	if e.Metadata == nil {
		return ""
	}
	if v, ok := e.Metadata["group_id"].(string); ok {
		return v
	}
	return ""
}

// InputRequirement is a task's declared need for input evidence.
type InputRequirement struct {
	RequirementID string          `json:"requirement_id"`
	TaskID        string          `json:"task_id"`
	Name          string          `json:"name"`
	Kind          RequirementKind `json:"kind"`
	Required      bool            `json:"required"`
	MinCount      int             `json:"min_count"`
	AllowedTypes  []string        `json:"allowed_types"`
	Source        EvidenceSource  `json:"source"`
	Validation    string          `json:"validation,omitempty"`
}

// Evidence binds a file (or confirmation) to an InputRequirement.
type Evidence struct {
	EvidenceID    string    `json:"evidence_id"`
	RequirementID string    `json:"requirement_id"`
	Path          string    `json:"path"`
	SHA256        string    `json:"sha256"`
	CreatedAt     time.Time `json:"created_at"`
}

// Artifact is an immutable candidate or approved output of an ACTION.
type Artifact struct {
	ArtifactID string         `json:"artifact_id"`
	TaskID     string         `json:"task_id"`
	Name       string         `json:"name"`
	Path       string         `json:"path"`
	Format     ArtifactFormat `json:"format"`
	Version    int            `json:"version"`
	SHA256     string         `json:"sha256"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Review records a reviewer's verdict on a single pinned artifact.
type Review struct {
	ReviewID           string    `json:"review_id"`
	CheckTaskID        string    `json:"check_task_id"`
	ReviewTargetTaskID string    `json:"review_target_task_id"`
	ReviewedArtifactID string    `json:"reviewed_artifact_id"`
	Reviewer           string    `json:"reviewer"`
	TotalScore         int       `json:"total_score"`
	Verdict            Verdict   `json:"verdict"`
	Breakdown          []any     `json:"breakdown,omitempty"`
	Suggestions        []string  `json:"suggestions,omitempty"`
	Summary            string    `json:"summary,omitempty"`
	AcceptanceResults  []any     `json:"acceptance_results,omitempty"`
	IdempotencyKey     string    `json:"idempotency_key"`
	CreatedAt          time.Time `json:"created_at"`
}

// Event is an append-only task/plan lifecycle log row.
type Event struct {
	EventID   string         `json:"event_id"`
	PlanID    string         `json:"plan_id"`
	TaskID    string         `json:"task_id,omitempty"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// LLMCall records a single call's parsed/normalized output and diagnostics.
type LLMCall struct {
	CallID        string    `json:"call_id"`
	PlanID        string    `json:"plan_id"`
	TaskID        string    `json:"task_id,omitempty"`
	Role          Owner     `json:"role"`
	Provider      string    `json:"provider"`
	RawText       string    `json:"raw_text"`
	ParsedJSON    string    `json:"parsed_json,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	Truncated     bool      `json:"truncated"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// AuditEvent cross-references a status transition with its originating call.
type AuditEvent struct {
	AuditID      string         `json:"audit_id"`
	PlanID       string         `json:"plan_id"`
	TaskID       string         `json:"task_id,omitempty"`
	Category     string         `json:"category"`
	Action       string         `json:"action"`
	Message      string         `json:"message"`
	StatusBefore string         `json:"status_before,omitempty"`
	StatusAfter  string         `json:"status_after,omitempty"`
	OK           bool           `json:"ok"`
	LLMCallID    string         `json:"llm_call_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
