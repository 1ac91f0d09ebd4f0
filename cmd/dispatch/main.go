package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/dispatch/internal/agents"
	"github.com/aristath/dispatch/internal/config"
	"github.com/aristath/dispatch/internal/events"
	"github.com/aristath/dispatch/internal/orchestrator"
	"github.com/aristath/dispatch/internal/performance"
	"github.com/aristath/dispatch/internal/persistence"
	"github.com/aristath/dispatch/internal/quality"
	"github.com/aristath/dispatch/internal/scheduler"
	"github.com/aristath/dispatch/internal/tui"
)

func main() {
	planPath := flag.String("plan", "", "path to a JSON project plan (required)")
	strategy := flag.String("strategy", "", "assignment strategy override (quality_weighted, least_busy, round_robin)")
	dbPath := flag.String("db", "", "SQLite database path override")
	withTUI := flag.Bool("tui", false, "show the live dashboard")
	flag.Parse()

	if *planPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: dispatch -plan <plan.json> [-strategy s] [-db path] [-tui]")
		os.Exit(2)
	}

	// Signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *strategy != "" {
		cfg.Scheduler.Strategy = *strategy
	}
	if *dbPath != "" {
		cfg.StorePath = *dbPath
	}

	if err := run(ctx, cfg, *planPath, *withTUI); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.DispatchConfig, planPath string, withTUI bool) error {
	bus := events.NewBus(cfg.EventHistorySize)
	defer bus.Close()

	var store *persistence.SQLiteStore
	if cfg.StorePath != "" {
		var err error
		store, err = persistence.NewSQLiteStore(ctx, cfg.StorePath)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer store.Close()
	}

	registry := agents.NewRegistry(agents.RegistryConfig{
		PartialCreditMultiplier: cfg.Registry.PartialCreditMultiplier,
		MinCapabilityScore:      cfg.Registry.MinCapabilityScore,
	})
	if err := registerAgents(ctx, cfg, registry, store); err != nil {
		return err
	}

	scorer := performance.NewScorer(performance.Config{
		QualityWeight:     cfg.Scoring.QualityWeight,
		SpeedWeight:       cfg.Scoring.SpeedWeight,
		ReliabilityWeight: cfg.Scoring.ReliabilityWeight,
		UtilizationWeight: cfg.Scoring.UtilizationWeight,
		TrendWindow:       cfg.Scoring.TrendWindow,
		Decay:             cfg.Scoring.Decay,
		MinWeight:         cfg.Scoring.MinWeight,
		MaxWeight:         cfg.Scoring.MaxWeight,
		RecomputeInterval: time.Duration(cfg.Scoring.RecomputeIntervalSeconds) * time.Second,
	}, registry, bus)
	if store != nil {
		weights, err := store.LoadWeights(ctx)
		if err != nil {
			log.Printf("WARNING: restoring agent weights: %v", err)
		} else {
			scorer.RestoreWeights(weights)
		}
	}
	scorer.Start(ctx)

	// Assessments from concurrent dispatches are serialized through one
	// worker; the buffer leaves headroom over the dispatch limit
	assessor := quality.NewChannel(cfg.Scheduler.DispatchConcurrency*2, quality.HeuristicAssessor{})
	assessor.Start(ctx)

	orchCfg := orchestrator.Config{
		Strategy:                   cfg.Scheduler.Strategy,
		InstanceTimeout:            time.Duration(cfg.Scheduler.InstanceTimeoutSeconds) * time.Second,
		PollInterval:               time.Duration(cfg.Scheduler.PollIntervalSeconds) * time.Second,
		RetryBackoffBase:           time.Duration(cfg.Scheduler.RetryBackoffMillis) * time.Millisecond,
		DispatchConcurrency:        cfg.Scheduler.DispatchConcurrency,
		TolerateFailedDependencies: cfg.Scheduler.TolerateFailedDependencies,
		Assessor:                   assessor,
	}
	if store != nil {
		orchCfg.Store = store
	}
	orch := orchestrator.New(orchCfg, bus, registry, scorer)
	orch.Start(ctx)
	defer orch.Stop()

	specs, deps, err := loadPlan(planPath)
	if err != nil {
		return err
	}
	projectID, err := orch.CreateProject(specs, deps)
	if err != nil {
		return fmt.Errorf("creating project: %w", err)
	}

	// Completion signal, armed before the project starts
	done := make(chan events.ProjectEventData, 1)
	for _, eventType := range []string{events.EventProjectCompleted, events.EventProjectPartialFailure} {
		bus.Subscribe(eventType, func(ctx context.Context, ev events.Event) error {
			if data, ok := ev.Data.(events.ProjectEventData); ok && data.ProjectID == projectID {
				select {
				case done <- data:
				default:
				}
			}
			return nil
		}, events.SubscribeOptions{})
	}

	if err := orch.StartProject(projectID); err != nil {
		return fmt.Errorf("starting project: %w", err)
	}
	log.Printf("Project %s started with %d tasks", projectID, len(specs))

	if withTUI {
		return runTUI(ctx, bus)
	}

	select {
	case data := <-done:
		printSummary(orch, projectID, data)
		return nil
	case <-ctx.Done():
		log.Println("Shutdown signal received, cancelling project...")
		if err := orch.CancelProject(projectID); err != nil {
			log.Printf("WARNING: cancelling project: %v", err)
		}
		return nil
	}
}

// registerAgents registers every configured agent, mirroring definitions
// to the store when one is configured.
func registerAgents(ctx context.Context, cfg *config.DispatchConfig, registry *agents.Registry, store *persistence.SQLiteStore) error {
	for id, ac := range cfg.Agents {
		def := agents.Definition{
			ID:                     id,
			Name:                   ac.Name,
			Capabilities:           ac.Capabilities,
			MaxConcurrentInstances: ac.MaxConcurrentInstances,
		}

		var executor agents.Agent
		if ac.Command != "" {
			executor = &agents.CommandAgent{
				Command: ac.Command,
				Args:    ac.Args,
				WorkDir: ac.WorkDir,
			}
		}

		if err := registry.Register(def, executor); err != nil {
			return fmt.Errorf("registering agent %q: %w", id, err)
		}
		if store != nil {
			if err := store.SaveAgent(ctx, def); err != nil {
				log.Printf("WARNING: mirroring agent %q: %v", id, err)
			}
		}
	}
	return nil
}

// runTUI drives the dashboard until the user quits or a signal arrives.
func runTUI(ctx context.Context, bus *events.Bus) error {
	p := tea.NewProgram(tui.New(bus), tea.WithAltScreen())

	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		p.Quit()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		select {
		case err := <-errChan:
			return err
		case <-shutdownCtx.Done():
			log.Println("Shutdown timeout exceeded, forcing exit")
			return nil
		}
	}
}

// printSummary writes the final project state to the log.
func printSummary(orch *orchestrator.Orchestrator, projectID string, data events.ProjectEventData) {
	if data.Failed > 0 {
		log.Printf("Project %s completed with failures: %d done, %d failed", projectID, data.Completed, data.Failed)
	} else {
		log.Printf("Project %s completed: %d tasks done", projectID, data.Completed)
	}

	status, err := orch.GetProjectStatus(projectID)
	if err != nil {
		log.Printf("WARNING: reading final status: %v", err)
		return
	}
	for _, task := range status.Tasks {
		line := fmt.Sprintf("  %-20s %s", task.ID, task.Status)
		if task.QualityScore != nil {
			line += fmt.Sprintf("  quality=%.2f", *task.QualityScore)
		}
		if task.AssignedAgentID != "" {
			line += "  agent=" + task.AssignedAgentID
		}
		if task.Status == scheduler.StatusFailed && task.RetryCount > 0 {
			line += fmt.Sprintf("  retries=%d", task.RetryCount)
		}
		log.Print(line)
	}
	if len(status.CriticalPath) > 0 {
		log.Printf("Critical path: %v", status.CriticalPath)
	}
}
