package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inkwright/internal/agents"
	"inkwright/internal/config"
	"inkwright/internal/knowledge"
	"inkwright/internal/llm"
	"inkwright/internal/store"
	"inkwright/internal/story"
	"inkwright/internal/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the workflow until completion or abort",
	Long: `Run drives every chapter through plan, draft, review, gate, and
archive. Checkpoints are resolved interactively on stdin; decisions
submitted out of band with "inkwright resolve" are picked up as well.`,
	RunE: runWorkflow,
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}

	client, err := llm.NewClientFromConfig(cfg.LLM)
	if err != nil {
		return err
	}

	db, err := store.NewLocalStore(filepath.Join(workspace, cfg.Storage.DBPath))
	if err != nil {
		return err
	}
	defer db.Close()

	registry := agents.NewRegistry(agents.Deps{Client: client})
	agents.RegisterDefaults(registry)

	continuity := knowledge.NewContinuityStore(agents.NewClaimExtractor(client), db)
	if err := continuity.Load(); err != nil {
		return err
	}

	state := story.NewState(cfg.Project.Title, cfg.Workflow.TargetUnits)
	units, err := db.LoadUnits()
	if err != nil {
		return err
	}
	for _, u := range units {
		state.Restore(u)
	}
	if _, phase, err := db.LoadProgress(); err == nil && len(units) > 0 {
		state.SetPhase(phase)
	}

	checkpoints := workflow.NewCheckpointManager(db)
	engine := workflow.NewEngine(workflow.EngineOptions{
		State:       state,
		Resolver:    registry,
		Knowledge:   continuity,
		Persister:   db,
		Checkpoints: checkpoints,
		Workflow:    cfg.Workflow,
		Project:     cfg.Project,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		// the console loop watches this context to shut down with the engine
		defer cancel()
		err := engine.Run(ctx)
		if errors.Is(err, workflow.ErrAborted) {
			logger.Info("run aborted by operator")
			return nil
		}
		return err
	})
	g.Go(func() error {
		printEvents(engine)
		return nil
	})
	g.Go(func() error {
		consoleLoop(ctx, checkpoints, db)
		return nil
	})

	return g.Wait()
}

// printEvents mirrors engine progress to the console until the event
// stream closes.
func printEvents(engine *workflow.Engine) {
	for ev := range engine.Events() {
		if ev.UnitID > 0 {
			logger.Info(ev.Message, zap.Int("unit", ev.UnitID), zap.String("type", string(ev.Type)))
		} else {
			logger.Info(ev.Message, zap.String("type", string(ev.Type)))
		}
	}
}

// consoleLoop resolves pending checkpoints: interactively from stdin,
// and by polling the store for decisions submitted out of band.
func consoleLoop(ctx context.Context, cm *workflow.CheckpointManager, db *store.LocalStore) {
	input := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case input <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
		close(input)
	}()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var prompted string
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			for _, req := range cm.Pending() {
				if res, ok, err := db.LoadResolution(req.ID); err == nil && ok {
					if err := cm.Resolve(req.ID, res.Decision, res.Note); err != nil {
						logger.Warn("out-of-band resolution rejected", zap.Error(err))
					}
					continue
				}
				if req.ID != prompted {
					prompted = req.ID
					fmt.Printf("\n=== CHECKPOINT %s (unit %d) ===\n%s\n", req.Kind, req.UnitID, req.Summary)
					fmt.Printf("decisions: %s\n> ", menuString(req.Menu))
				}
			}

		case line, ok := <-input:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			pending := cm.Pending()
			if len(pending) == 0 {
				fmt.Println("no pending checkpoint")
				continue
			}
			req := pending[0]
			decision := line
			if !strings.HasPrefix(decision, "/") {
				decision = "/" + decision
			}
			if err := cm.Resolve(req.ID, workflow.Decision(decision), ""); err != nil {
				fmt.Printf("rejected: %v\ndecisions: %s\n> ", err, menuString(req.Menu))
			}
		}
	}
}

func menuString(menu []workflow.Decision) string {
	parts := make([]string, len(menu))
	for i, d := range menu {
		parts[i] = strings.TrimPrefix(string(d), "/")
	}
	return strings.Join(parts, ", ")
}
