package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/stressoor/pkg/config"
	"github.com/ethpandaops/stressoor/pkg/registry"
	"github.com/ethpandaops/stressoor/pkg/runner"
	"github.com/ethpandaops/stressoor/pkg/sink"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured load tests",
	Long:  `Execute all test runs from the config file and print a summary for each.`,
	RunE:  runLoadTests,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runLoadTests(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	if len(cfg.Runs) == 0 {
		return fmt.Errorf("no runs configured")
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	interrupted := make(chan struct{})

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		close(interrupted)
		cancel()
	}()

	r := buildRunner(cfg)
	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("starting runner: %w", err)
	}

	defer func() {
		if err := r.Stop(); err != nil {
			log.WithError(err).Warn("Runner stop error")
		}
	}()

	var failed bool

	for _, rc := range cfg.Runs {
		select {
		case <-interrupted:
			return nil
		default:
		}

		log.WithFields(logrus.Fields{
			"run":    rc.Name,
			"target": rc.Definition.Target,
		}).Info("Starting run")

		run, err := r.CreateRun(rc.Definition, rc.ScenarioFile)
		if err != nil {
			return fmt.Errorf("creating run %q: %w", rc.Name, err)
		}

		done := make(chan struct{})

		go func() {
			r.WaitForRun(run.ID)
			close(done)
		}()

		select {
		case <-done:
		case <-interrupted:
			_, _ = r.CancelRun(run.ID)
			<-done
		}

		final, err := r.GetRun(run.ID)
		if err != nil {
			return fmt.Errorf("fetching run %q: %w", rc.Name, err)
		}

		// Results must stay readable even when the signal context is gone.
		result, err := r.GetResult(context.Background(), run.ID)
		if err != nil {
			return fmt.Errorf("fetching result for run %q: %w", rc.Name, err)
		}

		printSummary(rc.Name, final, result)

		if final.Status == registry.StatusFailed {
			failed = true
		}
	}

	if failed {
		return fmt.Errorf("one or more runs failed")
	}

	return nil
}

// buildRunner wires the registry, store, and optional exporter into a
// runner.
func buildRunner(cfg *config.Config) runner.Runner {
	store := sink.NewStore(log, &cfg.Database)

	var exporter sink.Exporter
	if cfg.Export != nil && cfg.Export.S3 != nil && cfg.Export.S3.Enabled {
		exporter = sink.NewS3Exporter(log, cfg.Export.S3)
	}

	return runner.NewRunner(
		log,
		&cfg.Executor,
		registry.NewRegistry(log),
		sink.NewSink(log, store, exporter),
	)
}
