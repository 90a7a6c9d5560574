// Package prompts renders the four prompt templates the engine's LLM
// roles consume — plan generation, plan review, executor, and reviewer —
// and registers each rendered template's body in the prompts table so a
// generation can always be traced back to the exact wording that produced
// it (spec §4.1, CLI `prompt list|show|set`).
//
// Grounded on _examples/Heikkila-Pty-Ltd-cortex/internal/scheduler/
// templates.go (text/template, embed.FS, a RenderPrompt(data) entry point)
// and internal/scheduler/types.go's PromptData struct; the default bodies
// follow _examples/original_source/core/prompts.py's
// build_xiaobo_prompt/build_xiaojing_review_prompt content (top task,
// constraints, available skills, remediation; plan title, nodes, edges).
// Unlike the teacher, template paths are config-overridable
// (SPEC_FULL.md §2.2's [prompts] table) rather than fixed at compile time:
// an operator-supplied override file is read with os.ReadFile in place of
// the embedded copy, and either body is parsed with template.Parse.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"text/template"

	"github.com/antigravity-dev/agentforge/internal/config"
	"github.com/antigravity-dev/agentforge/internal/ids"
	"github.com/antigravity-dev/agentforge/internal/model"
	"github.com/antigravity-dev/agentforge/internal/store"
)

//go:embed templates/*.tmpl
var defaultTemplates embed.FS

const (
	NamePlanGen    = "plan_gen"
	NamePlanReview = "plan_review"
	NameExecutor   = "executor"
	NameReview     = "review"
)

var defaultFiles = map[string]string{
	NamePlanGen:    "templates/plan_gen.tmpl",
	NamePlanReview: "templates/plan_review.tmpl",
	NameExecutor:   "templates/executor.tmpl",
	NameReview:     "templates/review.tmpl",
}

// Builder holds one parsed template per role and is the source of the
// PromptBuilder closures internal/planworkflow, internal/executor, and
// internal/reviewgate are constructed with.
type Builder struct {
	templates map[string]*template.Template
}

// NewBuilder loads each named template's body (an operator override from
// cfg if one is configured, the embedded default otherwise), registers it
// in the store's content-addressed prompt history, and parses it.
func NewBuilder(st *store.Store, cfg map[string]config.PromptFile) (*Builder, error) {
	b := &Builder{templates: make(map[string]*template.Template, len(defaultFiles))}
	for name, defaultPath := range defaultFiles {
		body, err := loadBody(name, defaultPath, cfg)
		if err != nil {
			return nil, err
		}
		if _, err := st.SetPrompt(ids.New(), name, body); err != nil {
			return nil, fmt.Errorf("prompts: register %s: %w", name, err)
		}
		tmpl, err := template.New(name).Parse(body)
		if err != nil {
			return nil, fmt.Errorf("prompts: parse %s: %w", name, err)
		}
		b.templates[name] = tmpl
	}
	return b, nil
}

func loadBody(name, defaultPath string, cfg map[string]config.PromptFile) (string, error) {
	if pf, ok := cfg[name]; ok && pf.Path != "" {
		data, err := os.ReadFile(config.ExpandHome(pf.Path))
		if err != nil {
			return "", fmt.Errorf("prompts: read override for %s: %w", name, err)
		}
		return string(data), nil
	}
	data, err := defaultTemplates.ReadFile(defaultPath)
	if err != nil {
		return "", fmt.Errorf("prompts: read embedded default for %s: %w", name, err)
	}
	return string(data), nil
}

func (b *Builder) render(name string, data any) (string, error) {
	tmpl, ok := b.templates[name]
	if !ok {
		return "", fmt.Errorf("prompts: no template registered for %s", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("prompts: render %s: %w", name, err)
	}
	return buf.String(), nil
}

// planGenData is the view exposed to templates/plan_gen.tmpl.
type planGenData struct {
	TopTask         string
	Constraints     model.Constraints
	AvailableSkills []string
	Remediation     string
}

// PlanGenPrompt matches internal/planworkflow.GenPromptBuilder.
func (b *Builder) PlanGenPrompt(topTask string, constraints model.Constraints, availableSkills []string, remediation string) (string, error) {
	return b.render(NamePlanGen, planGenData{TopTask: topTask, Constraints: constraints, AvailableSkills: availableSkills, Remediation: remediation})
}

type planReviewData struct {
	PlanTitle   string
	Nodes       []*model.TaskNode
	Edges       []*model.TaskEdge
	Remediation string
}

// PlanReviewPrompt matches internal/planworkflow.ReviewPromptBuilder.
func (b *Builder) PlanReviewPrompt(planTitle string, nodes []*model.TaskNode, edges []*model.TaskEdge, remediation string) (string, error) {
	return b.render(NamePlanReview, planReviewData{PlanTitle: planTitle, Nodes: nodes, Edges: edges, Remediation: remediation})
}

type executorData struct {
	Task                *model.TaskNode
	Evidence            []*model.Evidence
	Snippets            []string
	ReviewerSuggestions string
}

// ExecutorPrompt matches internal/executor.PromptBuilder.
func (b *Builder) ExecutorPrompt(task *model.TaskNode, evidence []*model.Evidence, snippets []string, reviewerSuggestions string) (string, error) {
	return b.render(NameExecutor, executorData{Task: task, Evidence: evidence, Snippets: snippets, ReviewerSuggestions: reviewerSuggestions})
}

type reviewData struct {
	Check    *model.TaskNode
	Target   *model.TaskNode
	Artifact *model.Artifact
}

// ReviewPrompt matches internal/reviewgate.PromptBuilder.
func (b *Builder) ReviewPrompt(check, target *model.TaskNode, artifact *model.Artifact) (string, error) {
	return b.render(NameReview, reviewData{Check: check, Target: target, Artifact: artifact})
}
