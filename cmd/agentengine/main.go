// Command agentengine is the CLI surface for the workflow engine (spec
// §6): plan creation, the bounded main loop, status/events/errors
// readers, doctor/repair-db maintenance, deliverable export and
// reporting, structural convergence, and prompt management. Each
// subcommand opens its own store handle and returns exit code 0 on
// success, 1 on a graceful failure (issues present), 2 on a usage or
// config error — mirrored from _examples/original_source/agent_cli.py's
// subcommand dispatch, adapted from argparse to the standard library
// flag package the way _examples/Heikkila-Pty-Ltd-cortex/cmd/cortex/
// main.go uses flag for its own (flat, non-subcommand) surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/antigravity-dev/agentforge/internal/config"
	"github.com/antigravity-dev/agentforge/internal/deliverables"
	"github.com/antigravity-dev/agentforge/internal/executor"
	"github.com/antigravity-dev/agentforge/internal/ids"
	"github.com/antigravity-dev/agentforge/internal/llmtransport"
	"github.com/antigravity-dev/agentforge/internal/model"
	"github.com/antigravity-dev/agentforge/internal/observability"
	"github.com/antigravity-dev/agentforge/internal/orchestrator"
	"github.com/antigravity-dev/agentforge/internal/planworkflow"
	"github.com/antigravity-dev/agentforge/internal/prompts"
	"github.com/antigravity-dev/agentforge/internal/readiness"
	"github.com/antigravity-dev/agentforge/internal/reviewgate"
	"github.com/antigravity-dev/agentforge/internal/rewriter"
	"github.com/antigravity-dev/agentforge/internal/scheduler"
	"github.com/antigravity-dev/agentforge/internal/skillrt"
	"github.com/antigravity-dev/agentforge/internal/statusapi"
	"github.com/antigravity-dev/agentforge/internal/store"
)

const (
	exitOK       = 0
	exitIssues   = 1
	exitUsageErr = 2
)

func configureLogger(logFormat, logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(strings.TrimSpace(logFormat)) == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsageErr)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var code int
	switch cmd {
	case "create-plan":
		code = runCreatePlan(args)
	case "run":
		code = runRun(args)
	case "status":
		code = runStatus(args)
	case "events":
		code = runEvents(args)
	case "errors":
		code = runErrors(args)
	case "doctor":
		code = runDoctorCmd(args)
	case "repair-db":
		code = runRepairDB(args)
	case "export":
		code = runExport(args)
	case "report":
		code = runReport(args)
	case "snapshot":
		code = runSnapshot(args)
	case "cleanup":
		code = runCleanup(args)
	case "reset-db":
		code = runResetDB(args)
	case "reset-to-plan":
		code = runResetToPlan(args)
	case "rewrite":
		code = runRewrite(args)
	case "prompt":
		code = runPrompt(args)
	case "serve":
		code = runServe(args)
	case "-h", "--help", "help":
		usage()
		code = exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		code = exitUsageErr
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, `agentengine <command> [flags]

Commands:
  create-plan   generate and approve a plan from a top task
  run           run the bounded main loop for a plan
  status        show plan/task status
  events        show recent task events
  errors        show recent ERROR events and attempt counters
  doctor        run graph integrity checks
  repair-db     repair missing root tasks and decompose edges
  export        copy a plan's final deliverable to a directory
  report        print a status report
  snapshot      print a one-line plan snapshot
  cleanup       prune old llm_calls/task_events/audit_events rows
  reset-db      delete all state (irreversible)
  reset-to-plan reset all task/execution state for one plan, keeping the graph
  rewrite       run structural convergence for a plan
  prompt        list/show/set prompt templates
  serve         start the read-only status API`)
}

// openConfig loads the config and opens the store it names, used by every
// subcommand that isn't pure config-file editing.
func openConfig(configPath string) (*config.Config, *store.Store, *slog.Logger, error) {
	cfgManager, err := config.LoadManager(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg := cfgManager.Get()
	logger := configureLogger(cfg.General.LogFormat, cfg.General.LogLevel)
	st, err := store.Open(cfg.General.DBPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store %s: %w", cfg.General.DBPath, err)
	}
	return cfg, st, logger, nil
}

func providerFor(cfg *config.Config, role string) (llmtransport.Transport, error) {
	p, ok := cfg.Providers[role]
	if !ok {
		p, ok = cfg.Providers["default"]
	}
	if !ok {
		return nil, fmt.Errorf("no provider configured for role %q (and no [providers.default])", role)
	}
	apiKey := os.Getenv(p.APIKeyEnv)
	client := &http.Client{Timeout: p.Timeout.Duration}
	return llmtransport.NewHTTPTransport(client, p.BaseURL, apiKey, p.Model, role), nil
}

func buildPromptBuilder(st *store.Store, cfg *config.Config) (*prompts.Builder, error) {
	return prompts.NewBuilder(st, cfg.Prompts)
}

func latestPlanID(st *store.Store) (string, error) {
	plans, err := st.ListPlans()
	if err != nil {
		return "", fmt.Errorf("list plans: %w", err)
	}
	if len(plans) == 0 {
		return "", fmt.Errorf("no plan found in store")
	}
	return plans[0].PlanID, nil
}

func resolvePlanID(st *store.Store, flagVal string) (string, error) {
	if strings.TrimSpace(flagVal) != "" {
		return flagVal, nil
	}
	return latestPlanID(st)
}

// --- create-plan ---

func runCreatePlan(args []string) int {
	fs := flag.NewFlagSet("create-plan", flag.ContinueOnError)
	configPath := fs.String("config", "agentengine.toml", "path to config file")
	topTask := fs.String("top-task", "", "the top-level task to decompose (required)")
	priority := fs.String("priority", string(model.PriorityMed), "LOW|MED|HIGH")
	deadline := fs.String("deadline", "", "optional RFC3339 deadline")
	skillsCSV := fs.String("skills", "", "comma-separated list of available skill names")
	if err := fs.Parse(args); err != nil {
		return exitUsageErr
	}
	if strings.TrimSpace(*topTask) == "" {
		fmt.Fprintln(os.Stderr, "-top-task is required")
		return exitUsageErr
	}

	cfg, st, logger, err := openConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}
	defer st.Close()

	constraints := model.Constraints{Priority: model.Priority(*priority)}
	if strings.TrimSpace(*deadline) != "" {
		t, err := time.Parse(time.RFC3339, *deadline)
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid -deadline:", err)
			return exitUsageErr
		}
		constraints.Deadline = &t
	}
	var skills []string
	if strings.TrimSpace(*skillsCSV) != "" {
		skills = strings.Split(*skillsCSV, ",")
		for i := range skills {
			skills[i] = strings.TrimSpace(skills[i])
		}
	}

	pb, err := buildPromptBuilder(st, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}
	transport, err := providerFor(cfg, "planner")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}
	planDir := filepath.Join(cfg.General.OutputDir, "plans")
	wf := planworkflow.NewWorkflow(st, transport, pb.PlanGenPrompt, pb.PlanReviewPrompt, planDir,
		cfg.Limits.MaxPlanAttempts, cfg.Limits.MaxReviewAttemptsPerPlan, cfg.Limits.MaxReviewVersionsPerCheck)

	planID, err := wf.Generate(context.Background(), *topTask, constraints, skills)
	if err != nil {
		logger.Error("create-plan failed", "error", err)
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}
	fmt.Println(planID)
	return exitOK
}

// --- run ---

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "agentengine.toml", "path to config file")
	planID := fs.String("plan", "", "plan id to run (defaults to the most recently created plan)")
	once := fs.Bool("once", false, "run a single iteration then exit")
	if err := fs.Parse(args); err != nil {
		return exitUsageErr
	}

	cfg, st, logger, err := openConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}
	defer st.Close()

	pid, err := resolvePlanID(st, *planID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}

	parts, err := buildDriver(cfg, st, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}
	if *once {
		parts.budgets.MaxIterations = 1
		parts.driver = orchestrator.New(st, logger, parts.readiness, parts.execRound, parts.reviewGate, parts.limits, parts.budgets, parts.artifactsDir, parts.requiredDir)
	}

	outcome, err := parts.driver.Run(context.Background(), pid)
	if err != nil {
		logger.Error("run failed", "plan_id", pid, "error", err)
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}
	enc, _ := json.Marshal(outcome)
	fmt.Println(string(enc))
	if outcome.Status != "DONE" {
		return exitIssues
	}
	return exitOK
}

// runtimeParts bundles the subsystems `run` needs so they share one
// construction path.
type runtimeParts struct {
	driver       *orchestrator.Driver
	readiness    *readiness.Engine
	execRound    *executor.Round
	reviewGate   *reviewgate.Gate
	limits       scheduler.Limits
	budgets      orchestrator.Budgets
	artifactsDir string
	requiredDir  string
}

func buildDriver(cfg *config.Config, st *store.Store, logger *slog.Logger) (*runtimeParts, error) {
	pb, err := buildPromptBuilder(st, cfg)
	if err != nil {
		return nil, err
	}
	execTransport, err := providerFor(cfg, "executor")
	if err != nil {
		return nil, err
	}
	reviewTransport, err := providerFor(cfg, "reviewer")
	if err != nil {
		return nil, err
	}

	artifactsDir := filepath.Join(cfg.General.OutputDir, "artifacts")
	requiredDir := filepath.Join(cfg.General.OutputDir, "required_docs")

	skills := skillrt.NewRegistry(logger.With("component", "skillrt"))
	if err := registerSkillBackends(skills, cfg); err != nil {
		return nil, err
	}

	execRound := executor.NewRound(st, execTransport, skills, pb.ExecutorPrompt, artifactsDir,
		cfg.Limits.MaxAttemptsPerTask, cfg.Skills.MaxRetries, cfg.Skills.DefaultTimeout.Duration, cfg.Limits.MaxArtifactVersionsPerTask)
	reviewGate := reviewgate.NewGate(st, reviewTransport, pb.ReviewPrompt, cfg.Limits.MaxCheckAttemptsV2, cfg.Limits.MaxReviewVersionsPerCheck)
	readinessEngine := readiness.New(st, requiredDir)

	limits := scheduler.Limits{
		ExecutorBatchSize:  cfg.Scheduler.ExecutorBatchSize,
		ReviewerBatchSize:  cfg.Scheduler.ReviewerBatchSize,
		CheckGateBatchSize: cfg.Scheduler.CheckGateBatchSize,
	}
	budgets := orchestrator.Budgets{
		MaxIterations:      iterationBudget(cfg),
		MaxPlanRuntime:      cfg.Limits.PlanTimeout.Duration,
		MaxLLMCallsPerPlan:  cfg.Limits.MaxLLMCallsPerPlan,
		PollInterval:        cfg.Scheduler.PollInterval.Duration,
	}

	driver := orchestrator.New(st, logger, readinessEngine, execRound, reviewGate, limits, budgets, artifactsDir, requiredDir)
	return &runtimeParts{
		driver: driver, readiness: readinessEngine, execRound: execRound, reviewGate: reviewGate,
		limits: limits, budgets: budgets, artifactsDir: artifactsDir, requiredDir: requiredDir,
	}, nil
}

// iterationBudget has no direct config field (spec leaves it to the
// operator's plan timeout and poll interval); derive a generous ceiling
// from the two so a plan with a short poll interval doesn't loop forever
// without ever hitting the wall-clock budget.
func iterationBudget(cfg *config.Config) int {
	poll := cfg.Scheduler.PollInterval.Duration
	if poll <= 0 {
		poll = 2 * time.Second
	}
	n := int(cfg.Limits.PlanTimeout.Duration/poll) + 1
	if n < 1 {
		n = 1000
	}
	return n
}

func registerSkillBackends(reg *skillrt.Registry, cfg *config.Config) error {
	backend, err := skillrt.NewDockerBackend(cfg.Skills.DockerImage)
	if err != nil {
		return fmt.Errorf("skill backend: %w", err)
	}
	for _, name := range []string{"text_extract", "template_render", "diff_artifact", "file_fingerprint", "validator_basic"} {
		reg.Register(name, backend, cfg.Skills.DefaultTimeout.Duration)
	}
	return nil
}

// --- status ---

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "agentengine.toml", "path to config file")
	planID := fs.String("plan", "", "plan id (defaults to the most recent)")
	brief := fs.Bool("brief", false, "print a one-line snapshot instead of the full table")
	if err := fs.Parse(args); err != nil {
		return exitUsageErr
	}
	_, st, _, err := openConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}
	defer st.Close()

	pid, err := resolvePlanID(st, *planID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}

	if *brief {
		snap, err := observability.BuildSnapshot(st, pid)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitIssues
		}
		fmt.Println(observability.RenderSnapshotBrief(snap))
		return exitOK
	}

	tasks, err := st.ListTasks(pid)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}
	for _, t := range tasks {
		fmt.Printf("%-36s %-8s %-10s %-20s %-12s %d\n", t.TaskID, string(t.NodeType), string(t.Status), string(t.BlockedReason), string(t.Owner), t.AttemptCount)
	}
	return exitOK
}

// --- events / errors ---

func runEvents(args []string) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	configPath := fs.String("config", "agentengine.toml", "path to config file")
	planID := fs.String("plan", "", "plan id (defaults to the most recent)")
	taskID := fs.String("task", "", "filter to a single task id")
	limit := fs.Int("limit", 50, "max rows to print")
	if err := fs.Parse(args); err != nil {
		return exitUsageErr
	}
	_, st, _, err := openConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}
	defer st.Close()
	pid, err := resolvePlanID(st, *planID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}
	events, err := st.ListEvents(pid, *taskID, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}
	for _, e := range events {
		enc, _ := json.Marshal(e)
		fmt.Println(string(enc))
	}
	return exitOK
}

func runErrors(args []string) int {
	fs := flag.NewFlagSet("errors", flag.ContinueOnError)
	configPath := fs.String("config", "agentengine.toml", "path to config file")
	planID := fs.String("plan", "", "plan id (defaults to the most recent)")
	taskID := fs.String("task", "", "filter to a single task id")
	limit := fs.Int("limit", 50, "max rows to print")
	if err := fs.Parse(args); err != nil {
		return exitUsageErr
	}
	_, st, _, err := openConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}
	defer st.Close()
	pid, err := resolvePlanID(st, *planID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}
	events, err := st.ListEvents(pid, *taskID, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}
	found := 0
	for _, e := range events {
		if e.EventType != "ERROR" {
			continue
		}
		found++
		enc, _ := json.Marshal(e)
		fmt.Println(string(enc))
	}
	if *taskID != "" {
		counter, err := st.GetErrorCounter(*taskID)
		if err == nil && counter != nil {
			enc, _ := json.Marshal(counter)
			fmt.Println(string(enc))
		}
	}
	if found == 0 {
		return exitOK
	}
	return exitIssues
}

// --- doctor / repair-db ---

func runDoctorCmd(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	configPath := fs.String("config", "agentengine.toml", "path to config file")
	planID := fs.String("plan", "", "plan id (defaults to the most recent)")
	if err := fs.Parse(args); err != nil {
		return exitUsageErr
	}
	_, st, _, err := openConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}
	defer st.Close()
	pid, err := resolvePlanID(st, *planID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}
	issues, err := observability.RunDoctor(st, pid)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}
	if len(issues) == 0 {
		fmt.Println("OK")
		return exitOK
	}
	for _, i := range issues {
		enc, _ := json.Marshal(i)
		fmt.Println(string(enc))
	}
	return exitIssues
}

// runServe starts the read-only status API and blocks until SIGINT/SIGTERM,
// mirrored from _examples/Heikkila-Pty-Ltd-cortex/cmd/cortex/main.go's
// apiSrv.Start goroutine + signal.Notify shutdown loop.
func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "agentengine.toml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return exitUsageErr
	}
	cfg, st, logger, err := openConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}
	defer st.Close()

	srv, err := statusapi.NewServer(cfg, st, logger.With("component", "statusapi"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("statusapi serving", "bind", cfg.API.Bind)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitIssues
		}
	}
	return exitOK
}

func runRepairDB(args []string) int {
	fs := flag.NewFlagSet("repair-db", flag.ContinueOnError)
	configPath := fs.String("config", "agentengine.toml", "path to config file")
	planID := fs.String("plan", "", "restrict repair to one plan id (default: all plans)")
	if err := fs.Parse(args); err != nil {
		return exitUsageErr
	}
	_, st, _, err := openConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}
	defer st.Close()
	repairedRoots, repairedEdges, err := repairDB(st, *planID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}
	enc, _ := json.Marshal(map[string]int{"repaired_root_tasks": repairedRoots, "repaired_decompose_edges": repairedEdges})
	fmt.Println(string(enc))
	return exitOK
}

// --- export / report / snapshot ---

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	configPath := fs.String("config", "agentengine.toml", "path to config file")
	planID := fs.String("plan", "", "plan id (defaults to the most recent)")
	out := fs.String("out", "", "output directory (default: <output_dir>/deliverables/<plan_id>)")
	includeCandidates := fs.Bool("include-candidates", false, "use a DONE action's active (unreviewed) artifact when it has no approved one")
	if err := fs.Parse(args); err != nil {
		return exitUsageErr
	}
	cfg, st, _, err := openConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}
	defer st.Close()
	pid, err := resolvePlanID(st, *planID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}
	outDir := *out
	if outDir == "" {
		outDir = filepath.Join(cfg.General.OutputDir, "deliverables", pid)
	}
	result, err := deliverables.Export(st, pid, outDir, deliverables.ExportOptions{IncludeCandidates: *includeCandidates})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}
	enc, _ := json.Marshal(result)
	fmt.Println(string(enc))
	return exitOK
}

func runReport(args []string) int {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	configPath := fs.String("config", "agentengine.toml", "path to config file")
	planID := fs.String("plan", "", "plan id (defaults to the most recent)")
	if err := fs.Parse(args); err != nil {
		return exitUsageErr
	}
	_, st, _, err := openConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}
	defer st.Close()
	pid, err := resolvePlanID(st, *planID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}
	report, err := observability.GenerateReport(st, pid)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}
	fmt.Println(observability.RenderReportMarkdown(report))
	return exitOK
}

func runSnapshot(args []string) int {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	configPath := fs.String("config", "agentengine.toml", "path to config file")
	planID := fs.String("plan", "", "plan id (defaults to the most recent)")
	if err := fs.Parse(args); err != nil {
		return exitUsageErr
	}
	_, st, _, err := openConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}
	defer st.Close()
	pid, err := resolvePlanID(st, *planID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}
	snap, err := observability.BuildSnapshot(st, pid)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}
	fmt.Println(observability.RenderSnapshotBrief(snap))
	return exitOK
}

// --- cleanup / reset-db / reset-to-plan ---

func runCleanup(args []string) int {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	configPath := fs.String("config", "agentengine.toml", "path to config file")
	olderThan := fs.Duration("older-than", 30*24*time.Hour, "delete llm_calls/task_events/audit_events rows older than this")
	dryRun := fs.Bool("dry-run", false, "report counts without deleting")
	if err := fs.Parse(args); err != nil {
		return exitUsageErr
	}
	_, st, _, err := openConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}
	defer st.Close()
	cutoff := time.Now().UTC().Add(-*olderThan)
	result, err := cleanupOlderThan(st, cutoff, *dryRun)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}
	enc, _ := json.Marshal(result)
	fmt.Println(string(enc))
	return exitOK
}

func runResetDB(args []string) int {
	fs := flag.NewFlagSet("reset-db", flag.ContinueOnError)
	configPath := fs.String("config", "agentengine.toml", "path to config file")
	confirm := fs.Bool("yes", false, "confirm the destructive reset")
	if err := fs.Parse(args); err != nil {
		return exitUsageErr
	}
	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}
	cfg := cfgManager.Get()
	if !*confirm {
		fmt.Fprintln(os.Stderr, "reset-db deletes all state irreversibly; pass -yes to confirm")
		return exitUsageErr
	}
	if err := os.Remove(cfg.General.DBPath); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}
	fmt.Println("reset-db complete")
	return exitOK
}

func runResetToPlan(args []string) int {
	fs := flag.NewFlagSet("reset-to-plan", flag.ContinueOnError)
	configPath := fs.String("config", "agentengine.toml", "path to config file")
	planID := fs.String("plan", "", "plan id to reset (required)")
	if err := fs.Parse(args); err != nil {
		return exitUsageErr
	}
	if strings.TrimSpace(*planID) == "" {
		fmt.Fprintln(os.Stderr, "-plan is required")
		return exitUsageErr
	}
	_, st, _, err := openConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}
	defer st.Close()
	result, err := resetToPlan(st, *planID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}
	enc, _ := json.Marshal(result)
	fmt.Println(string(enc))
	return exitOK
}

// --- rewrite ---

func runRewrite(args []string) int {
	fs := flag.NewFlagSet("rewrite", flag.ContinueOnError)
	configPath := fs.String("config", "agentengine.toml", "path to config file")
	planID := fs.String("plan", "", "plan id (defaults to the most recent)")
	maxRounds := fs.Int("max-rounds", 5, "maximum doctor/propose/apply rounds")
	dryRun := fs.Bool("dry-run", false, "compute patches without applying them")
	if err := fs.Parse(args); err != nil {
		return exitUsageErr
	}
	cfg, st, logger, err := openConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}
	defer st.Close()
	pid, err := resolvePlanID(st, *planID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}

	opts := orchestrator.ConvergeOptions{
		Options: rewriter.Options{
			WorkflowMode:               cfg.Workflow.Mode,
			OneShotThresholdPersonDays: cfg.Workflow.OneShotThresholdPersonDays,
			MaxDepth:                   cfg.Workflow.MaxDecompositionDepth,
		},
		MaxRounds: *maxRounds,
	}
	if *dryRun {
		pp, err := rewriter.Propose(st, pid, opts.Options, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitIssues
		}
		enc, _ := json.Marshal(pp)
		fmt.Println(string(enc))
		return exitOK
	}

	result, err := orchestrator.Converge(st, pid, opts, filepath.Join(cfg.General.OutputDir, "snapshots"), filepath.Join(cfg.General.OutputDir, "required_docs"))
	if err != nil {
		logger.Error("rewrite failed", "plan_id", pid, "error", err)
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}
	enc, _ := json.Marshal(result)
	fmt.Println(string(enc))
	if result.Status != "OK" {
		return exitIssues
	}
	return exitOK
}

// --- prompt ---

func runPrompt(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: agentengine prompt (list|show|set) ...")
		return exitUsageErr
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "list":
		return runPromptList(rest)
	case "show":
		return runPromptShow(rest)
	case "set":
		return runPromptSet(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown prompt subcommand %q\n", sub)
		return exitUsageErr
	}
}

func runPromptList(args []string) int {
	fs := flag.NewFlagSet("prompt list", flag.ContinueOnError)
	configPath := fs.String("config", "agentengine.toml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return exitUsageErr
	}
	cfg, st, _, err := openConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}
	defer st.Close()
	if _, err := buildPromptBuilder(st, cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}
	for _, name := range []string{prompts.NamePlanGen, prompts.NamePlanReview, prompts.NameExecutor, prompts.NameReview} {
		versions, err := st.ListPromptVersions(name)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitIssues
		}
		latest := 0
		if len(versions) > 0 {
			latest = versions[0].Version
		}
		fmt.Printf("%-14s versions=%d latest=%d\n", name, len(versions), latest)
	}
	return exitOK
}

func runPromptShow(args []string) int {
	fs := flag.NewFlagSet("prompt show", flag.ContinueOnError)
	configPath := fs.String("config", "agentengine.toml", "path to config file")
	name := fs.String("name", "", "prompt name (required)")
	if err := fs.Parse(args); err != nil {
		return exitUsageErr
	}
	if strings.TrimSpace(*name) == "" {
		fmt.Fprintln(os.Stderr, "-name is required")
		return exitUsageErr
	}
	_, st, _, err := openConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}
	defer st.Close()
	p, err := st.LatestPrompt(*name)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}
	fmt.Println(p.Body)
	return exitOK
}

func runPromptSet(args []string) int {
	fs := flag.NewFlagSet("prompt set", flag.ContinueOnError)
	configPath := fs.String("config", "agentengine.toml", "path to config file")
	name := fs.String("name", "", "prompt name (required)")
	file := fs.String("file", "", "path to the new template body (required)")
	if err := fs.Parse(args); err != nil {
		return exitUsageErr
	}
	if strings.TrimSpace(*name) == "" || strings.TrimSpace(*file) == "" {
		fmt.Fprintln(os.Stderr, "-name and -file are required")
		return exitUsageErr
	}
	_, st, _, err := openConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}
	defer st.Close()
	body, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsageErr
	}
	version, err := st.SetPrompt(ids.New(), *name, string(body))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIssues
	}
	fmt.Printf("%s now at version %d\n", *name, version)
	return exitOK
}
