// Package deliverables selects a plan's single "final deliverable" and
// exports approved artifacts into a handoff bundle (spec §4.8).
//
// Grounded on _examples/original_source/core/final_picker.py
// (pick_final_deliverable) and core/deliverables.py (export_deliverables):
// the same scoring priority and the same manifest/plan_meta/final.json
// trio, reimplemented against internal/store instead of raw SQL joins.
package deliverables

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/antigravity-dev/agentforge/internal/ids"
	"github.com/antigravity-dev/agentforge/internal/model"
	"github.com/antigravity-dev/agentforge/internal/store"
)

// Pick is the single deliverable PickFinal selected for a plan.
type Pick struct {
	TaskID              string   `json:"task_id"`
	TaskTitle           string   `json:"task_title"`
	ArtifactID          string   `json:"artifact_id"`
	SourcePath          string   `json:"source_path"`
	Format              string   `json:"format"`
	EntrypointFilename  string   `json:"entrypoint_filename"`
	Reasoning           []string `json:"reasoning"`
}

type candidate struct {
	task     *model.TaskNode
	artifact *model.Artifact
}

// PickFinal selects the plan's single final deliverable (spec §4.8
// priority): a match against the root GOAL's declared
// final_deliverable_spec scores highest; absent that, the most recently
// created DONE ACTION's approved artifact wins. Only approved artifacts are
// considered unless includeCandidates allows falling back to an
// unreviewed, active one.
func PickFinal(st *store.Store, planID string, includeCandidates bool) (*Pick, error) {
	plan, err := st.GetPlan(planID)
	if err != nil {
		return nil, fmt.Errorf("deliverables: load plan: %w", err)
	}

	var spec *model.DeliverableSpec
	if root, err := st.GetTask(plan.RootTaskID); err == nil && root.NodeType == model.NodeGoal {
		spec = root.DeliverableSpec
	}

	candidates, err := doneActionCandidates(st, planID, includeCandidates)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("deliverables: no approved deliverables found; run CHECK reviews so ACTION nodes get approved_artifact_id, then re-run export")
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := scoreCandidate(candidates[i], spec), scoreCandidate(candidates[j], spec)
		if si.rank != sj.rank {
			return si.rank > sj.rank
		}
		return candidates[i].artifact.CreatedAt.After(candidates[j].artifact.CreatedAt)
	})
	best := candidates[0]
	bestScore := scoreCandidate(best, spec)

	var reasoning []string
	if spec != nil && (spec.Filename != "" || spec.Format != "") {
		if bestScore.rank >= 5 {
			reasoning = append(reasoning, "matched_root_final_deliverable_spec")
		} else {
			reasoning = append(reasoning, "root_spec_present_but_not_matched")
		}
	}
	if isFinalish(best.task.Title, best.task.Tags) {
		reasoning = append(reasoning, "final_tag_or_title")
	}
	reasoning = append(reasoning, "latest_approved_artifact_fallback")

	entrypoint := filepath.Base(best.artifact.Path)
	if entrypoint == "" || entrypoint == "." {
		if spec != nil && spec.Filename != "" {
			entrypoint = spec.Filename
		} else {
			entrypoint = "deliverable"
		}
	}
	if best.artifact.Format == model.FormatHTML && !strings.HasSuffix(strings.ToLower(entrypoint), ".html") {
		entrypoint += ".html"
	}

	return &Pick{
		TaskID: best.task.TaskID, TaskTitle: best.task.Title, ArtifactID: best.artifact.ArtifactID,
		SourcePath: best.artifact.Path, Format: string(best.artifact.Format),
		EntrypointFilename: entrypoint, Reasoning: reasoning,
	}, nil
}

type score struct{ rank int }

func scoreCandidate(c candidate, spec *model.DeliverableSpec) score {
	nameMatch := false
	fmtMatch := false
	if spec != nil {
		if spec.Filename != "" && strings.EqualFold(filepath.Base(c.artifact.Path), spec.Filename) {
			nameMatch = true
		}
		if spec.Format != "" && c.artifact.Format == spec.Format {
			fmtMatch = true
		}
	}
	rank := 0
	switch {
	case nameMatch && (spec.Format == "" || fmtMatch):
		rank = 10
	case nameMatch:
		rank = 5
	case fmtMatch:
		rank = 3
	}
	if isFinalish(c.task.Title, c.task.Tags) {
		rank += 2
	}
	return score{rank: rank}
}

func isFinalish(title string, tags []string) bool {
	t := strings.ToLower(title)
	if strings.Contains(t, "final") || strings.Contains(t, "package") {
		return true
	}
	for _, tag := range tags {
		lt := strings.ToLower(tag)
		if lt == "final" || lt == "package" {
			return true
		}
	}
	return false
}

// doneActionCandidates returns every DONE, active-branch ACTION with a
// resolvable artifact: its approved_artifact_id, or (when includeCandidates)
// its active_artifact_id as a fallback.
func doneActionCandidates(st *store.Store, planID string, includeCandidates bool) ([]candidate, error) {
	tasks, err := st.ListTasks(planID)
	if err != nil {
		return nil, fmt.Errorf("deliverables: list tasks: %w", err)
	}
	var out []candidate
	for _, t := range tasks {
		if t.NodeType != model.NodeAction || !t.ActiveBranch || t.Status != model.StatusDone {
			continue
		}
		artifactID := t.ApprovedArtifactID
		if artifactID == "" && includeCandidates {
			artifactID = t.ActiveArtifactID
		}
		if artifactID == "" {
			continue
		}
		a, err := st.GetArtifact(artifactID)
		if err != nil {
			continue
		}
		out = append(out, candidate{task: t, artifact: a})
	}
	return out, nil
}

// ExportOptions controls what Export considers eligible and includes.
type ExportOptions struct {
	IncludeCandidates bool
}

// ManifestArtifact is one exported artifact's metadata and copy mapping.
type ManifestArtifact struct {
	ArtifactID string    `json:"artifact_id"`
	Name       string    `json:"name"`
	Format     string    `json:"format"`
	SHA256     string    `json:"sha256"`
	CreatedAt  time.Time `json:"created_at"`
	SourcePath string    `json:"source_path"`
	DestPath   string    `json:"dest_path"`
}

// ManifestFile is one exported task's record in manifest.json.
type ManifestFile struct {
	TaskID    string           `json:"task_id"`
	TaskTitle string           `json:"task_title"`
	NodeType  string           `json:"node_type"`
	Status    string           `json:"status"`
	Owner     string           `json:"owner_agent_id"`
	Tags      []string         `json:"tags"`
	Artifact  ManifestArtifact `json:"artifact"`
}

// FinalCandidate is a compact summary entry in manifest.json listing every
// exported artifact alongside the one actually picked.
type FinalCandidate struct {
	TaskTitle  string `json:"task_title"`
	ArtifactID string `json:"artifact_id"`
	Format     string `json:"format"`
}

// Manifest is manifest.json's shape.
type Manifest struct {
	Plan            PlanMeta         `json:"plan"`
	Files           []ManifestFile   `json:"files"`
	BundleMode      string           `json:"bundle_mode"`
	Entrypoint      string           `json:"entrypoint"`
	FinalCandidates []FinalCandidate `json:"final_candidates"`
}

// PlanMeta is plan_meta.json's shape.
type PlanMeta struct {
	PlanID     string    `json:"plan_id"`
	Title      string    `json:"title"`
	RootTaskID string    `json:"root_task_id"`
	CreatedAt  time.Time `json:"created_at"`
	ExportedAt time.Time `json:"exported_at"`
}

// TraceEntry links one exported task back to its most recent review.
type TraceEntry struct {
	TaskTitle          string `json:"task_title"`
	ApprovedArtifactID string `json:"approved_artifact_id"`
	ReviewedArtifactID string `json:"reviewed_artifact_id"`
	LatestVerdict      string `json:"latest_verdict"`
}

// FinalDoc is final.json's shape: a single entrypoint pointer plus the
// acceptance criteria and review trace a human needs to accept it.
type FinalDoc struct {
	FinalEntrypoint    string       `json:"final_entrypoint"`
	FinalTaskTitle     string       `json:"final_task_title"`
	FinalArtifactID    string       `json:"final_artifact_id"`
	HowToRun           []string     `json:"how_to_run"`
	AcceptanceCriteria string       `json:"acceptance_criteria,omitempty"`
	Trace              []TraceEntry `json:"trace"`
	Reasoning          []string     `json:"reasoning"`
}

// Result summarizes a completed export.
type Result struct {
	PlanID      string
	OutDir      string
	FilesCopied int
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._ -]+`)

func safeName(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = unsafeNameChars.ReplaceAllString(s, "_")
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.Trim(s, "._-")
	if s == "" {
		return "item"
	}
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// Export copies every DONE ACTION's approved artifact (or, with
// IncludeCandidates, its active candidate) into
// `<outDir>/artifacts/<task-slug>/`, then writes manifest.json,
// plan_meta.json, and final.json. Export fails if no approved artifact
// exists anywhere in the plan (spec §4.8: "export fails with an actionable
// error").
func Export(st *store.Store, planID, outDir string, opts ExportOptions) (*Result, error) {
	plan, err := st.GetPlan(planID)
	if err != nil {
		return nil, fmt.Errorf("deliverables: load plan: %w", err)
	}

	artifactsDir := filepath.Join(outDir, "artifacts")
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return nil, fmt.Errorf("deliverables: mkdir artifacts dir: %w", err)
	}

	candidates, err := doneActionCandidates(st, planID, opts.IncludeCandidates)
	if err != nil {
		return nil, err
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].artifact.CreatedAt.Before(candidates[j].artifact.CreatedAt) })

	planMeta := PlanMeta{PlanID: plan.PlanID, Title: plan.Title, RootTaskID: plan.RootTaskID, CreatedAt: plan.CreatedAt, ExportedAt: time.Now().UTC()}
	if err := writeJSON(filepath.Join(outDir, "plan_meta.json"), planMeta); err != nil {
		return nil, err
	}

	manifest := Manifest{Plan: planMeta, BundleMode: "MANIFEST"}
	filesCopied := 0
	for _, c := range candidates {
		src := c.artifact.Path
		data, err := os.ReadFile(src)
		if err != nil {
			continue // source file missing on disk; skip rather than fail the whole export
		}
		taskSlug := fmt.Sprintf("%s_%s", safeName(c.task.Title, 60), shortID(c.task.TaskID))
		destDir := filepath.Join(artifactsDir, taskSlug)
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return nil, fmt.Errorf("deliverables: mkdir %s: %w", destDir, err)
		}
		destName := filepath.Base(src)
		dest := filepath.Join(destDir, destName)
		if _, err := os.Stat(dest); err == nil {
			ext := filepath.Ext(destName)
			stem := strings.TrimSuffix(destName, ext)
			destName = fmt.Sprintf("%s_%s%s", stem, shortID(c.artifact.ArtifactID), ext)
			dest = filepath.Join(destDir, destName)
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return nil, fmt.Errorf("deliverables: write %s: %w", dest, err)
		}
		filesCopied++

		relDest, err := filepath.Rel(outDir, dest)
		if err != nil {
			relDest = dest
		}
		manifest.Files = append(manifest.Files, ManifestFile{
			TaskID: c.task.TaskID, TaskTitle: c.task.Title, NodeType: string(c.task.NodeType),
			Status: string(c.task.Status), Owner: string(c.task.Owner), Tags: c.task.Tags,
			Artifact: ManifestArtifact{
				ArtifactID: c.artifact.ArtifactID, Name: c.artifact.Name, Format: string(c.artifact.Format),
				SHA256: c.artifact.SHA256, CreatedAt: c.artifact.CreatedAt, SourcePath: src, DestPath: relDest,
			},
		})
	}

	picked, err := PickFinal(st, planID, opts.IncludeCandidates)
	if err != nil {
		return nil, fmt.Errorf("deliverables: export: %w", err)
	}

	entrypoint := ""
	for _, f := range manifest.Files {
		if f.Artifact.ArtifactID == picked.ArtifactID {
			entrypoint = f.Artifact.DestPath
			break
		}
	}
	if entrypoint == "" {
		entrypoint = filepath.Base(picked.SourcePath)
	}
	manifest.Entrypoint = entrypoint
	manifest.BundleMode = "SINGLE"
	if len(manifest.Files) > 1 {
		manifest.BundleMode = "MANIFEST"
	}
	for i, f := range manifest.Files {
		if i >= 10 {
			break
		}
		manifest.FinalCandidates = append(manifest.FinalCandidates, FinalCandidate{
			TaskTitle: f.TaskTitle, ArtifactID: f.Artifact.ArtifactID, Format: f.Artifact.Format,
		})
	}
	if err := writeJSON(filepath.Join(outDir, "manifest.json"), manifest); err != nil {
		return nil, err
	}

	var acceptance string
	if root, err := st.GetTask(plan.RootTaskID); err == nil {
		acceptance = root.AcceptanceCriteria
	}

	checkFor, err := checksByTarget(st, planID)
	if err != nil {
		return nil, err
	}
	var trace []TraceEntry
	for _, f := range manifest.Files {
		entry := TraceEntry{TaskTitle: f.TaskTitle, ApprovedArtifactID: ""}
		if t, err := st.GetTask(f.TaskID); err == nil {
			entry.ApprovedArtifactID = t.ApprovedArtifactID
		}
		if checkTaskID, ok := checkFor[f.TaskID]; ok {
			if rev, err := st.LatestReview(checkTaskID); err == nil {
				entry.ReviewedArtifactID = rev.ReviewedArtifactID
				entry.LatestVerdict = string(rev.Verdict)
			}
		}
		trace = append(trace, entry)
	}

	howToRun := []string{fmt.Sprintf("Open `%s` and follow its instructions.", entrypoint)}
	if picked.Format == string(model.FormatHTML) {
		howToRun = []string{fmt.Sprintf("Open `%s` in a browser (double click).", entrypoint)}
	}

	finalDoc := FinalDoc{
		FinalEntrypoint: entrypoint, FinalTaskTitle: picked.TaskTitle, FinalArtifactID: picked.ArtifactID,
		HowToRun: howToRun, AcceptanceCriteria: acceptance, Trace: trace, Reasoning: picked.Reasoning,
	}
	if err := writeJSON(filepath.Join(outDir, "final.json"), finalDoc); err != nil {
		return nil, err
	}

	if err := st.AddEvent(&model.Event{
		EventID: ids.New(), PlanID: planID, EventType: "EXPORT_DONE",
		Payload: map[string]any{
			"out_dir": outDir, "files_copied": filesCopied,
			"final_entrypoint": entrypoint, "final_artifact_id": picked.ArtifactID,
		},
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("deliverables: record export event: %w", err)
	}

	return &Result{PlanID: planID, OutDir: outDir, FilesCopied: filesCopied}, nil
}

// checksByTarget maps an ACTION's task id to the CHECK task bound to it via
// review_target_task_id, so export can look up that ACTION's latest review.
func checksByTarget(st *store.Store, planID string) (map[string]string, error) {
	tasks, err := st.ListTasks(planID)
	if err != nil {
		return nil, fmt.Errorf("deliverables: list tasks: %w", err)
	}
	out := map[string]string{}
	for _, t := range tasks {
		if t.NodeType == model.NodeCheck && t.ReviewTargetTaskID != "" {
			out[t.ReviewTargetTaskID] = t.TaskID
		}
	}
	return out, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("deliverables: marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("deliverables: write %s: %w", path, err)
	}
	return nil
}
