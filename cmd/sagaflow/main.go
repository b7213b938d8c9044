package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/valueops/sagaflow-go/internal/reliability"
	"github.com/valueops/sagaflow-go/saga"
)

type config struct {
	Scenario       string
	DefinitionFile string
	JSON           bool
	Verbose        bool
}

func parseFlags() *config {
	cfg := &config{}
	flag.StringVar(&cfg.Scenario, "scenario", "all", "scenario to run: success, failure, breaker, or all")
	flag.StringVar(&cfg.DefinitionFile, "definition", "", "optional YAML saga definition (defaults to the built-in value workflow)")
	flag.BoolVar(&cfg.JSON, "json", false, "log in JSON format")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "enable debug logging")
	flag.Parse()
	return cfg
}

// demoBackend records side effects so compensation has something real to undo
type demoBackend struct {
	mu          sync.Mutex
	artifacts   map[string]bool
	commitments map[string]bool
	kpiTargets  map[string]bool
}

func newDemoBackend() *demoBackend {
	return &demoBackend{
		artifacts:   make(map[string]bool),
		commitments: make(map[string]bool),
		kpiTargets:  make(map[string]bool),
	}
}

func (b *demoBackend) createArtifact(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.artifacts[id] = true
}

func (b *demoBackend) DeleteArtifact(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.artifacts, id)
	return nil
}

func (b *demoBackend) CancelCommitment(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.commitments, id)
	return nil
}

func (b *demoBackend) DeleteKPITarget(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.kpiTargets, id)
	return nil
}

func (b *demoBackend) remaining() (artifacts, commitments, targets int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.artifacts), len(b.commitments), len(b.kpiTargets)
}

// bindExecutors attaches demo executors to the value workflow stages.
// failAt, when non-empty, makes that stage fail.
func bindExecutors(def *saga.SagaDefinition, backend *demoBackend, failAt string) {
	for _, stage := range def.Stages {
		stage := stage
		def.BindExecutor(stage.ID, saga.StageExecutorFunc(func(ctx context.Context, sessionID string, input map[string]interface{}) (*saga.StageOutput, error) {
			if stage.ID == failAt {
				return nil, fmt.Errorf("%s backend unavailable", stage.ID)
			}

			artifactID := fmt.Sprintf("%s-artifact-%s", stage.ID, sessionID)
			backend.createArtifact(artifactID)

			output := &saga.StageOutput{
				Data: map[string]interface{}{
					"stage":     stage.ID,
					"sessionId": sessionID,
				},
				ArtifactsCreated: []string{artifactID},
			}

			if stage.Type == saga.StageTypeTarget {
				commitmentID := "commit-" + sessionID
				targetIDs := []string{"kpi-time-saved-" + sessionID, "kpi-revenue-" + sessionID}
				backend.mu.Lock()
				backend.commitments[commitmentID] = true
				for _, id := range targetIDs {
					backend.kpiTargets[id] = true
				}
				backend.mu.Unlock()
				output.StateChanges = map[string]interface{}{
					saga.StateChangeCommitmentID: commitmentID,
					saga.StateChangeKPITargetIDs: targetIDs,
				}
			}
			return output, nil
		}))
	}
}

func buildOrchestrator(logger *slog.Logger, backend *demoBackend, breaker *reliability.CircuitBreaker) (*saga.Orchestrator, *saga.InMemoryExecutionStore) {
	store := saga.NewInMemoryExecutionStore()
	engine := saga.NewCompensationEngine(store,
		saga.WithCompensationLogger(logger),
		saga.WithHandler(saga.StageTypeOpportunity, saga.DeleteArtifactsHandler(backend)),
		saga.WithHandler(saga.StageTypeTarget, saga.CancelCommitmentHandler(backend, backend)),
		saga.WithHandler(saga.StageTypeRealization, saga.DeleteArtifactsHandler(backend)),
		saga.WithHandler(saga.StageTypeExpansion, saga.DeleteArtifactsHandler(backend)),
		saga.WithHandler(saga.StageTypeIntegrity, saga.DeleteArtifactsHandler(backend)),
	)
	orch := saga.NewOrchestrator(store,
		saga.WithLogger(logger),
		saga.WithCircuitBreaker(breaker),
		saga.WithCompensationEngine(engine),
	)
	return orch, store
}

func loadDefinition(cfg *config) (*saga.SagaDefinition, error) {
	if cfg.DefinitionFile == "" {
		return saga.ValueWorkflowDefinition(), nil
	}
	return saga.LoadDefinitionFile(cfg.DefinitionFile)
}

func printExecution(execution *saga.WorkflowExecution, backend *demoBackend) {
	statusColor := color.New(color.FgGreen)
	switch execution.Status {
	case saga.StatusFailed:
		statusColor = color.New(color.FgRed)
	case saga.StatusCompensated:
		statusColor = color.New(color.FgYellow)
	}

	fmt.Printf("  execution: %s\n", execution.ID)
	fmt.Printf("  status:    %s\n", statusColor.Sprint(execution.Status))
	fmt.Printf("  completed: %v\n", execution.CompletedStages)
	if execution.FailedStage != "" {
		fmt.Printf("  failed at: %s (%s)\n", execution.FailedStage, execution.Error)
	}
	artifacts, commitments, targets := backend.remaining()
	fmt.Printf("  backend:   %d artifacts, %d commitments, %d kpi targets remaining\n",
		artifacts, commitments, targets)
}

func runSuccess(ctx context.Context, cfg *config, logger *slog.Logger) error {
	color.Blue("SCENARIO: success")
	backend := newDemoBackend()
	orch, _ := buildOrchestrator(logger, backend, reliability.NewCircuitBreaker())

	def, err := loadDefinition(cfg)
	if err != nil {
		return err
	}
	bindExecutors(def, backend, "")

	execution, err := orch.Run(ctx, def, map[string]interface{}{"customerProfile": "acme"})
	if err != nil {
		return err
	}
	printExecution(execution, backend)
	return nil
}

func runFailure(ctx context.Context, cfg *config, logger *slog.Logger) error {
	color.Blue("SCENARIO: realization failure with automatic rollback")
	backend := newDemoBackend()
	orch, _ := buildOrchestrator(logger, backend, reliability.NewCircuitBreaker())

	def, err := loadDefinition(cfg)
	if err != nil {
		return err
	}
	bindExecutors(def, backend, "realization")

	execution, err := orch.Run(ctx, def, map[string]interface{}{"customerProfile": "acme"})
	if err != nil {
		color.Yellow("  run failed as scripted: %v", err)
	}
	printExecution(execution, backend)
	return nil
}

func runBreaker(ctx context.Context, cfg *config, logger *slog.Logger) error {
	color.Blue("SCENARIO: circuit breaker trips after repeated failures")
	backend := newDemoBackend()
	breaker := reliability.NewCircuitBreaker(
		reliability.WithName("demo"),
		reliability.WithFailureThreshold(3),
		reliability.WithResetTimeout(30*time.Second),
	)
	orch, _ := buildOrchestrator(logger, backend, breaker)

	def, err := loadDefinition(cfg)
	if err != nil {
		return err
	}
	bindExecutors(def, backend, "opportunity")

	for i := 0; i < 4; i++ {
		execution, runErr := orch.Run(ctx, def, map[string]interface{}{"customerProfile": "acme"})
		if runErr != nil {
			kind := "executor failure"
			if saga.IsCircuitOpen(runErr) {
				kind = "circuit open, executor not invoked"
			}
			color.Yellow("  run %d: %s (%s)", i+1, execution.Status, kind)
		}
	}
	fmt.Printf("  breaker state: %s\n", breaker.GetState())
	return nil
}

func main() {
	cfg := parseFlags()

	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := saga.NewLogger(level)
	if cfg.JSON {
		logger = saga.NewJSONLogger(level)
	}

	scenarios := map[string]func(context.Context, *config, *slog.Logger) error{
		"success": runSuccess,
		"failure": runFailure,
		"breaker": runBreaker,
	}

	ctx := context.Background()
	run := func(name string) {
		if err := scenarios[name](ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
			color.Red("scenario %s failed: %v", name, err)
			os.Exit(1)
		}
		fmt.Println()
	}

	if cfg.Scenario == "all" {
		for _, name := range []string{"success", "failure", "breaker"} {
			run(name)
		}
		return
	}
	if _, ok := scenarios[cfg.Scenario]; !ok {
		color.Red("unknown scenario: %s", cfg.Scenario)
		os.Exit(1)
	}
	run(cfg.Scenario)
}
