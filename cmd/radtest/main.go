// Package main implements the radtest entry point: run a synchronized
// multi-instrument acquisition test, or reconcile an already-finished test
// directory.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/CSunburnSchematics/Rigol/internal/config"
	"github.com/CSunburnSchematics/Rigol/internal/logging"
	"github.com/CSunburnSchematics/Rigol/internal/manifest"
	"github.com/CSunburnSchematics/Rigol/internal/reconcile"
	"github.com/CSunburnSchematics/Rigol/internal/run"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

var exitCode int

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode == 0 {
			exitCode = run.ExitStartup
		}
	}
	os.Exit(exitCode)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "radtest",
		Short:         "Synchronized multi-instrument acquisition for radiation testing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newReconcileCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		configPath string
		simulate   bool
		seed       int64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a test until stopped, then reconcile and write the manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			log, err := logging.New(logging.Options{
				Level:   cfg.LogLevel,
				Dir:     cfg.OutputDir,
				Console: true,
			})
			if err != nil {
				return err
			}
			defer log.Sync()

			var factory run.InstrumentFactory
			if simulate {
				factory = run.SimFactory(seed)
			} else {
				// Vendor drivers attach here once they exist. Until then a
				// hardware run is a configuration error, not a silent sim.
				return fmt.Errorf("no hardware drivers in this build, use --sim")
			}

			r, err := run.NewRunner(run.Options{
				Config:    cfg,
				ConfigRef: configPath,
				Log:       log,
				Factory:   factory,
			})
			if err != nil {
				return err
			}

			code, err := r.Run(cmd.Context())
			exitCode = code
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the test configuration")
	cmd.Flags().BoolVar(&simulate, "sim", false, "use simulated instruments")
	cmd.Flags().Int64Var(&seed, "seed", time.Now().UnixNano(), "simulator random seed")
	cmd.MarkFlagRequired("config")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	var (
		configPath string
		testDir    string
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-run reconciliation for a finished test directory",
		Long: "Rescans the configured external sources against the window recorded in\n" +
			"the test's manifest, relocating late-arriving files and refreshing the\n" +
			"artifact list. Useful when a recorder flushed after the run ended.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			log, err := logging.New(logging.Options{
				Level:   cfg.LogLevel,
				Dir:     testDir,
				Console: true,
			})
			if err != nil {
				return err
			}
			defer log.Sync()

			return reconcileDir(cfg, log, testDir)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the test configuration")
	cmd.Flags().StringVarP(&testDir, "test-dir", "d", "", "finished test directory")
	cmd.MarkFlagRequired("config")
	cmd.MarkFlagRequired("test-dir")
	return cmd
}

// reconcileDir rescans sources against a finished test's recorded window
// and merges anything new into its manifest.
func reconcileDir(cfg *config.Config, log *zap.Logger, testDir string) error {
	m, err := manifest.Read(filepath.Join(testDir, manifest.FileName))
	if err != nil {
		return err
	}

	sources := run.SourcesFromConfig(cfg)
	rec := reconcile.New(log, cfg.Timing.ReconcileSlack.Std())
	result, err := rec.Run(testDir, m.StartUTC, m.EndUTC, nil, sources)
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(m.Artifacts))
	for _, a := range m.Artifacts {
		known[a.Path] = true
	}
	added := 0
	for _, a := range result.Artifacts {
		if !known[a.Path] {
			m.Artifacts = append(m.Artifacts, a)
			added++
		}
	}
	m.Warnings = append(m.Warnings, result.Warnings...)

	if _, err := manifest.Write(testDir, m); err != nil {
		return err
	}
	log.Info("reconciliation complete",
		zap.String("testDir", testDir),
		zap.Int("newArtifacts", added),
		zap.Int("warnings", len(result.Warnings)))
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the radtest version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("radtest %s\n", Version)
		},
	}
}
