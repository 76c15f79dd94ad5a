package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgesweep/forgesweep/internal/batch"
	"github.com/forgesweep/forgesweep/internal/batchstore"
	"github.com/forgesweep/forgesweep/internal/codemod"
	"github.com/forgesweep/forgesweep/internal/config"
	"github.com/forgesweep/forgesweep/internal/forge"
	"github.com/forgesweep/forgesweep/internal/publish"
	"github.com/forgesweep/forgesweep/internal/recipe"
)

var (
	runRecipe  string
	runMode    string
	runDiff    bool
	runRefresh bool
	runDry     bool

	genRecipe     string
	genCandidates string

	pubRecipe  string
	pubRefresh bool
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run URL",
		Short: "Apply a recipe to one repository and publish the result",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runRecipe, "recipe", "", "recipe file (required)")
	runCmd.Flags().StringVar(&runMode, "mode", "", "publish mode: push, attempt-push, propose, auto")
	runCmd.Flags().BoolVar(&runDiff, "diff", false, "print the diff after the codemod ran")
	runCmd.Flags().BoolVar(&runRefresh, "refresh", false, "discard published partial work and rebuild")
	runCmd.Flags().BoolVar(&runDry, "dry-run", false, "do not publish")
	runCmd.MarkFlagRequired("recipe")
	rootCmd.AddCommand(runCmd)

	// batch command group
	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Manage batch runs over many repositories",
	}
	rootCmd.AddCommand(batchCmd)

	genCmd := &cobra.Command{
		Use:   "generate NAME",
		Short: "Run the recipe over all candidates and record pending entries",
		Args:  cobra.ExactArgs(1),
		RunE:  runGenerate,
	}
	genCmd.Flags().StringVar(&genRecipe, "recipe", "", "recipe file (required)")
	genCmd.Flags().StringVar(&genCandidates, "candidates", "", "candidate list file (required)")
	genCmd.MarkFlagRequired("recipe")
	genCmd.MarkFlagRequired("candidates")
	batchCmd.AddCommand(genCmd)

	pubCmd := &cobra.Command{
		Use:   "publish NAME",
		Short: "Publish all pending entries of a batch",
		Args:  cobra.ExactArgs(1),
		RunE:  runPublish,
	}
	pubCmd.Flags().StringVar(&pubRecipe, "recipe", "", "recipe file (required)")
	pubCmd.Flags().BoolVar(&pubRefresh, "refresh", false, "rebuild derived branches from the current base")
	pubCmd.MarkFlagRequired("recipe")
	batchCmd.AddCommand(pubCmd)

	statusCmd := &cobra.Command{
		Use:   "status NAME",
		Short: "Show entry and proposal status for a batch",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	batchCmd.AddCommand(statusCmd)

	pruneCmd := &cobra.Command{
		Use:   "prune NAME",
		Short: "Drop finished entries and their working copies",
		Args:  cobra.ExactArgs(1),
		RunE:  runPrune,
	}
	batchCmd.AddCommand(pruneCmd)

	// schedule command
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run configured batch maintenance on a cron schedule",
		RunE:  runSchedule,
	}
	rootCmd.AddCommand(scheduleCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// setup wires the engine from config and installs the logger.
func setup(cfg *config.Config) (*publish.Engine, func() error, error) {
	logger, cleanup := config.SetupLogger(cfg.Logging.File, config.ParseLevel(cfg.Logging.Level))

	timeout, err := time.ParseDuration(cfg.General.CodemodTimeout)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("parsing codemod_timeout: %w", err)
	}

	engine := &publish.Engine{
		Runner: &codemod.Runner{
			Committer: cfg.Publish.Committer,
			Timeout:   timeout,
			Logger:    logger,
		},
		ForgeFor: func(repoDir string) forge.Forge {
			return forge.NewGitHub(repoDir)
		},
		CacheDir:  cfg.General.CacheDir,
		Committer: cfg.Publish.Committer,
		Logger:    logger,
	}
	return engine, cleanup, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	engine, cleanup, err := setup(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	r, err := recipe.Load(runRecipe)
	if err != nil {
		return err
	}
	mode := recipe.Mode("")
	if runMode != "" {
		mode, err = recipe.ParseMode(runMode)
		if err != nil {
			return err
		}
	}

	res, err := engine.Run(cmd.Context(), publish.Job{
		URL:      args[0],
		Recipe:   r,
		Mode:     mode,
		Refresh:  runRefresh,
		DryRun:   runDry,
		WantDiff: runDiff,
	})
	if err != nil {
		return err
	}

	if runDiff && res.Diff != "" {
		fmt.Print(res.Diff)
	}

	// Exit 0 when no repository changed, 1 when changes were made or
	// published. The actual os.Exit happens in main so deferred
	// cleanups run.
	switch res.Outcome {
	case publish.OutcomeNoOp:
		fmt.Println("No changes.")
	case publish.OutcomeSkipped:
		fmt.Println("Changes below propose threshold, not published.")
	case publish.OutcomeProposed:
		fmt.Printf("Proposed changes: %s\n", res.ProposalURL)
		exitCode = 1
	case publish.OutcomePushed:
		fmt.Printf("Pushed changes to %s\n", res.TargetBranch)
		exitCode = 1
	case publish.OutcomePending:
		fmt.Println("Changes built, publishing skipped.")
		exitCode = 1
	}
	return nil
}

func coordinator(cfg *config.Config, engine *publish.Engine) (*batch.Coordinator, *batchstore.Store, error) {
	store, err := batchstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	c := &batch.Coordinator{
		Store:  store,
		Engine: engine,
		ForgeFor: func(repoDir string) forge.Forge {
			return forge.NewGitHub(repoDir)
		},
		Workers: cfg.General.Workers,
		Logger:  engine.Logger,
	}
	return c, store, nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	engine, cleanup, err := setup(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	r, err := recipe.Load(genRecipe)
	if err != nil {
		return err
	}
	candidates, err := recipe.LoadCandidates(genCandidates)
	if err != nil {
		return err
	}

	c, store, err := coordinator(cfg, engine)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := c.Generate(cmd.Context(), args[0], r, candidates); err != nil {
		return err
	}

	counts, err := store.Counts(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Batch %s: %d pending, %d failed\n",
		args[0], counts[string(publish.OutcomePending)], counts[string(publish.OutcomeFailed)])
	return nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	engine, cleanup, err := setup(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	r, err := recipe.Load(pubRecipe)
	if err != nil {
		return err
	}

	c, store, err := coordinator(cfg, engine)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := c.Publish(cmd.Context(), args[0], r, pubRefresh); err != nil {
		return err
	}

	counts, err := store.Counts(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Batch %s: %d proposed, %d pushed, %d failed, %d pending\n",
		args[0],
		counts[string(publish.OutcomeProposed)],
		counts[string(publish.OutcomePushed)],
		counts[string(publish.OutcomeFailed)],
		counts[string(publish.OutcomePending)])
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	engine, cleanup, err := setup(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	c, store, err := coordinator(cfg, engine)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := c.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENTRY\tOUTCOME\tPROPOSAL\tSTATUS")
	for _, e := range entries {
		proposal := e.ProposalURL
		if proposal == "" {
			proposal = "-"
		}
		status := e.ProposalStatus
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Name, e.Outcome, proposal, status)
	}
	w.Flush()
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	engine, cleanup, err := setup(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	c, store, err := coordinator(cfg, engine)
	if err != nil {
		return err
	}
	defer store.Close()

	pruned, err := c.Prune(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d entries\n", pruned)
	return nil
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	engine, cleanup, err := setup(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if len(cfg.Schedules) == 0 {
		return fmt.Errorf("no schedules configured")
	}

	var schedules []batch.Schedule
	recipes := make(map[string]*recipe.Recipe)
	for _, s := range cfg.Schedules {
		schedules = append(schedules, batch.Schedule{Batch: s.Batch, Cron: s.Cron, Action: s.Action})
		if s.Action == "publish" {
			if s.Recipe == "" {
				return fmt.Errorf("schedule for batch %s: publish action needs a recipe", s.Batch)
			}
			r, err := recipe.Load(s.Recipe)
			if err != nil {
				return err
			}
			recipes[s.Batch] = r
		}
	}

	sched, err := batch.NewScheduler(schedules, engine.Logger)
	if err != nil {
		return err
	}

	c, store, err := coordinator(cfg, engine)
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Printf("Running %d schedules, press Ctrl-C to stop\n", len(schedules))
	sched.Run(cmd.Context(), func(ctx context.Context, batchName, action string) error {
		switch action {
		case "publish":
			return c.Publish(ctx, batchName, recipes[batchName], false)
		case "status":
			_, err := c.Status(ctx, batchName)
			return err
		}
		return fmt.Errorf("unknown schedule action %q", action)
	})
	return nil
}
