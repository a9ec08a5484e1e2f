package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"inkwright/internal/config"
	"inkwright/internal/store"
	"inkwright/internal/workflow"
)

var initCmd = &cobra.Command{
	Use:   "init [title]",
	Short: "Create a project config in the workspace",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.Path(workspace)
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s", path)
		}
		cfg := config.Default()
		if len(args) > 0 {
			cfg.Project.Title = args[0]
		}
		if err := cfg.Save(workspace); err != nil {
			return err
		}
		fmt.Printf("created %s\nset project.premise and llm.provider before running\n", path)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show unit states and progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		units, err := db.LoadUnits()
		if err != nil {
			return err
		}
		if len(units) == 0 {
			fmt.Println("no units yet; run `inkwright run` to start")
			return nil
		}

		archived, phase, err := db.LoadProgress()
		if err != nil {
			return err
		}
		fmt.Printf("phase %s, %d archived\n\n", strings.TrimPrefix(string(phase), "/"), archived)
		for _, u := range units {
			line := fmt.Sprintf("%3d  %-10s  rev %d", u.ID, strings.TrimPrefix(string(u.Status), "/"), u.RevisionCount)
			if u.Title != "" {
				line += "  " + u.Title
			}
			if u.LastError != "" {
				line += "  [" + u.LastError + "]"
			}
			fmt.Println(line)
		}
		return nil
	},
}

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List unresolved checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		pending, err := db.PendingCheckpoints()
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("no pending checkpoints")
			return nil
		}
		for _, req := range pending {
			fmt.Printf("%s  %s (unit %d)  age %s\n  %s\n  decisions: %s\n",
				req.ID, req.Kind, req.UnitID,
				time.Since(req.CreatedAt).Round(time.Second), req.Summary,
				menuString(req.Menu))
		}
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <checkpoint-id> <decision> [note]",
	Short: "Submit an out-of-band checkpoint decision",
	Long: `Resolve records a decision for a pending checkpoint. A running
"inkwright run" picks it up within a few seconds. The decision must be
on the checkpoint's menu.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		id, decision := args[0], args[1]
		if !strings.HasPrefix(decision, "/") {
			decision = "/" + decision
		}
		note := ""
		if len(args) == 3 {
			note = args[2]
		}

		pending, err := db.PendingCheckpoints()
		if err != nil {
			return err
		}
		var req *workflow.CheckpointRequest
		for i := range pending {
			if pending[i].ID == id {
				req = &pending[i]
				break
			}
		}
		if req == nil {
			return fmt.Errorf("no pending checkpoint %q", id)
		}
		legal := false
		for _, d := range req.Menu {
			if d == workflow.Decision(decision) {
				legal = true
				break
			}
		}
		if !legal {
			return fmt.Errorf("decision %s is not on the %s menu (%s)", decision, req.Kind, menuString(req.Menu))
		}

		return db.RecordResolution(workflow.Resolution{
			CheckpointID: id,
			Decision:     workflow.Decision(decision),
			Note:         note,
			ResolvedAt:   time.Now(),
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Assemble the archived chapters into a manuscript",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		text, err := db.ExportManuscript()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			if err := os.WriteFile(args[0], []byte(text), 0644); err != nil {
				return fmt.Errorf("write manuscript: %w", err)
			}
			fmt.Printf("wrote %s\n", args[0])
			return nil
		}
		fmt.Print(text)
		return nil
	},
}

func openStore() (*store.LocalStore, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	return store.NewLocalStore(filepath.Join(workspace, cfg.Storage.DBPath))
}
