// Package store provides SQLite-backed persistence for the plan/task graph,
// artifacts, reviews, events, LLM call log, and audit trail (spec §3, §6).
// It is the single writer-of-record; external readers (dashboard, CLI) open
// their own connections against the same file with WAL journaling and
// foreign keys enabled (spec §5).
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite connection. Callers are expected to serialize writes
// through a single Store instance per process (spec §5: "the orchestrator's
// single-writer loop").
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path, enables WAL
// journaling and foreign keys, creates the schema if absent, and runs
// idempotent migrations for existing databases.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer loop; avoid SQLITE_BUSY across goroutines

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenReadOnly opens the database for external readers (dashboard/status
// API, CLI) that must not hold the single-writer slot.
func OpenReadOnly(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open read-only: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying connection for packages that need to
// participate in the same transaction boundary (e.g. plan workflow's
// "upsert the graph in one transaction").
func (s *Store) DB() *sql.DB { return s.db }

func nowUTC() time.Time { return time.Now().UTC() }

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	name TEXT PRIMARY KEY,
	applied_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS plans (
	plan_id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	owner TEXT NOT NULL DEFAULT '',
	root_task_id TEXT NOT NULL DEFAULT '',
	deadline DATETIME,
	priority TEXT NOT NULL DEFAULT 'MED',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_plan_gate (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	active_plan_id TEXT NOT NULL DEFAULT '',
	approved_by TEXT NOT NULL DEFAULT '',
	approved_at DATETIME,
	activated_at DATETIME,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS task_nodes (
	task_id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL REFERENCES plans(plan_id) ON DELETE CASCADE,
	node_type TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	goal_statement TEXT NOT NULL DEFAULT '',
	rationale TEXT NOT NULL DEFAULT '',
	owner_agent_id TEXT NOT NULL DEFAULT 'executor',
	priority INTEGER NOT NULL DEFAULT 0,
	tags_json TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'PENDING',
	blocked_reason TEXT,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	confidence REAL NOT NULL DEFAULT 0,
	active_branch INTEGER NOT NULL DEFAULT 1,
	active_artifact_id TEXT,
	approved_artifact_id TEXT,
	review_target_task_id TEXT,
	estimated_person_days REAL,
	deliverable_spec_json TEXT,
	acceptance_criteria TEXT NOT NULL DEFAULT '',
	review_output_spec TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_nodes_plan ON task_nodes(plan_id);
CREATE INDEX IF NOT EXISTS idx_task_nodes_status ON task_nodes(plan_id, status, active_branch);
CREATE INDEX IF NOT EXISTS idx_task_nodes_review_target ON task_nodes(review_target_task_id);

CREATE TABLE IF NOT EXISTS task_edges (
	edge_id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL REFERENCES plans(plan_id) ON DELETE CASCADE,
	from_task_id TEXT NOT NULL,
	to_task_id TEXT NOT NULL,
	edge_type TEXT NOT NULL,
	metadata_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_task_edges_plan ON task_edges(plan_id);
CREATE INDEX IF NOT EXISTS idx_task_edges_from ON task_edges(plan_id, from_task_id, edge_type);
CREATE INDEX IF NOT EXISTS idx_task_edges_to ON task_edges(plan_id, to_task_id, edge_type);

CREATE TABLE IF NOT EXISTS input_requirements (
	requirement_id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES task_nodes(task_id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT 'FILE',
	required INTEGER NOT NULL DEFAULT 1,
	min_count INTEGER NOT NULL DEFAULT 1,
	allowed_types_json TEXT NOT NULL DEFAULT '[]',
	source TEXT NOT NULL DEFAULT 'ANY',
	validation TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_input_requirements_task ON input_requirements(task_id);

CREATE TABLE IF NOT EXISTS evidences (
	evidence_id TEXT PRIMARY KEY,
	requirement_id TEXT NOT NULL REFERENCES input_requirements(requirement_id) ON DELETE CASCADE,
	path TEXT NOT NULL,
	sha256 TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evidences_requirement ON evidences(requirement_id);

CREATE TABLE IF NOT EXISTS artifacts (
	artifact_id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES task_nodes(task_id) ON DELETE CASCADE,
	name TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL,
	format TEXT NOT NULL DEFAULT 'md',
	version INTEGER NOT NULL DEFAULT 1,
	sha256 TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_task ON artifacts(task_id, version);

CREATE TABLE IF NOT EXISTS reviews (
	review_id TEXT PRIMARY KEY,
	check_task_id TEXT NOT NULL,
	review_target_task_id TEXT NOT NULL DEFAULT '',
	reviewed_artifact_id TEXT NOT NULL DEFAULT '',
	reviewer TEXT NOT NULL DEFAULT 'reviewer',
	total_score INTEGER NOT NULL DEFAULT 0,
	verdict TEXT NOT NULL,
	breakdown_json TEXT NOT NULL DEFAULT '[]',
	suggestions_json TEXT NOT NULL DEFAULT '[]',
	summary TEXT NOT NULL DEFAULT '',
	acceptance_results_json TEXT NOT NULL DEFAULT '[]',
	idempotency_key TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reviews_check ON reviews(check_task_id);
CREATE INDEX IF NOT EXISTS idx_reviews_target ON reviews(review_target_task_id);

CREATE TABLE IF NOT EXISTS approvals (
	approval_id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	artifact_id TEXT NOT NULL,
	review_id TEXT NOT NULL,
	approved_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approvals_task ON approvals(task_id);

CREATE TABLE IF NOT EXISTS skill_runs (
	skill_run_id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	skill_name TEXT NOT NULL,
	idempotency_hash TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'running',
	output_json TEXT NOT NULL DEFAULT '{}',
	error_message TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	finished_at DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_skill_runs_idem ON skill_runs(skill_name, idempotency_hash);

CREATE TABLE IF NOT EXISTS task_events (
	event_id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL,
	task_id TEXT,
	event_type TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_events_plan ON task_events(plan_id, created_at);
CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, created_at);
CREATE INDEX IF NOT EXISTS idx_task_events_type ON task_events(plan_id, event_type);

CREATE TABLE IF NOT EXISTS task_error_counters (
	task_id TEXT PRIMARY KEY,
	error_code TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	count INTEGER NOT NULL DEFAULT 0,
	last_seen_at DATETIME
);

CREATE TABLE IF NOT EXISTS prompts (
	prompt_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	version INTEGER NOT NULL,
	body TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_prompts_name_version ON prompts(name, version);
CREATE UNIQUE INDEX IF NOT EXISTS idx_prompts_name_hash ON prompts(name, content_hash);

CREATE TABLE IF NOT EXISTS input_files (
	input_file_id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL,
	path TEXT NOT NULL,
	sha256 TEXT NOT NULL DEFAULT '',
	removed INTEGER NOT NULL DEFAULT 0,
	first_seen_at DATETIME NOT NULL,
	last_seen_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_input_files_plan_path ON input_files(plan_id, path);

CREATE TABLE IF NOT EXISTS llm_calls (
	call_id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL,
	task_id TEXT,
	role TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	raw_text TEXT NOT NULL DEFAULT '',
	parsed_json TEXT NOT NULL DEFAULT '',
	error_code TEXT NOT NULL DEFAULT '',
	truncated INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_llm_calls_plan ON llm_calls(plan_id, started_at);
CREATE INDEX IF NOT EXISTS idx_llm_calls_task ON llm_calls(task_id);

CREATE TABLE IF NOT EXISTS audit_events (
	audit_id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL DEFAULT '',
	task_id TEXT,
	category TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	status_before TEXT,
	status_after TEXT,
	ok INTEGER NOT NULL DEFAULT 1,
	llm_call_id TEXT,
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_plan ON audit_events(plan_id, created_at);
`

// migrate applies incremental schema migrations for databases created by an
// earlier version, tolerating "duplicate column" so operators can re-run
// safely (spec §6). Each migration is keyed by name in schema_migrations so
// re-applying a migrations file is a no-op.
func migrate(db *sql.DB) error {
	applied := func(name string) (bool, error) {
		var n int
		err := db.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, name).Scan(&n)
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}
	markApplied := func(name string) error {
		_, err := db.Exec(`INSERT OR IGNORE INTO schema_migrations (name, applied_at) VALUES (?, ?)`, name, nowUTC())
		return err
	}

	migrations := []struct {
		name string
		run  func(*sql.DB) error
	}{
		{"0001_add_review_output_spec", func(db *sql.DB) error {
			return addColumnIfMissing(db, "task_nodes", "review_output_spec", "TEXT NOT NULL DEFAULT ''")
		}},
	}

	for _, m := range migrations {
		done, err := applied(m.name)
		if err != nil {
			return fmt.Errorf("migrate: check %s: %w", m.name, err)
		}
		if done {
			continue
		}
		if err := m.run(db); err != nil {
			return fmt.Errorf("migrate: run %s: %w", m.name, err)
		}
		if err := markApplied(m.name); err != nil {
			return fmt.Errorf("migrate: mark %s: %w", m.name, err)
		}
	}
	return nil
}

// addColumnIfMissing mirrors the teacher's pragma_table_info probe so ALTER
// TABLE ADD COLUMN is safe to run against a database that already has the
// column (duplicate-column errors are tolerated, not just avoided, so a
// concurrent migration race does not fail the whole migrate() call).
func addColumnIfMissing(db *sql.DB, table, column, decl string) error {
	var count int
	err := db.QueryRow(fmt.Sprintf(`SELECT COUNT(1) FROM pragma_table_info('%s') WHERE name = ?`, table), column).Scan(&count)
	if err != nil {
		return fmt.Errorf("check %s.%s column: %w", table, column, err)
	}
	if count > 0 {
		return nil
	}
	_, err = db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl))
	if err != nil && !isDuplicateColumnError(err) {
		return fmt.Errorf("add %s.%s column: %w", table, column, err)
	}
	return nil
}

func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate column")
}
