package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/suiteforge/suiteforge/pkg/engine"
	"github.com/suiteforge/suiteforge/pkg/manifest"
	"github.com/suiteforge/suiteforge/pkg/telemetry"
)

func newBuildCommand() *cobra.Command {
	var (
		targetSpecs []string
		jobs        int
		noCache     bool
		watch       bool
	)

	cmd := &cobra.Command{
		Use:   "build [units...]",
		Short: "Build projects and distributions",
		Long: `Build the named units and their dependency closure, or the whole
suite when no units are given.

This command:
  - Loads the suite manifest closure
  - Builds the dependency graph and rejects cycles
  - Resolves per-target overlay configuration
  - Executes ready nodes in parallel, consulting the build cache
  - Materializes distribution layouts with reproducible manifests`,
		Example: `  # Build everything for the host platform
  forge build

  # Build one distribution for two targets
  forge build tools-dist --target linux-amd64 --target darwin-arm64

  # Rebuild on manifest or source changes
  forge build --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := parseTargets(targetSpecs)
			if err != nil {
				return err
			}

			if watch {
				return runWatch(cmd.Context(), args, targets, jobs, noCache)
			}
			return runBuild(cmd.Context(), args, targets, jobs, noCache)
		},
	}

	cmd.Flags().StringArrayVarP(&targetSpecs, "target", "t", nil, "target platform as os-arch (repeatable)")
	cmd.Flags().IntVarP(&jobs, "jobs", "j", 0, "parallel jobs per target (default GOMAXPROCS)")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "bypass the build cache")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "rebuild when manifests or sources change")

	return cmd
}

func runBuild(ctx context.Context, args []string, targets []engine.Target, jobs int, noCache bool) error {
	ws, err := loadWorkspace()
	if err != nil {
		return err
	}
	if err := ws.narrowGraph(args); err != nil {
		return err
	}

	sched, tracer, cleanup, err := newScheduler(ctx, ws, jobs, noCache)
	if err != nil {
		return err
	}
	defer cleanup()

	specs := make([]string, 0, len(targets))
	for _, tgt := range targets {
		specs = append(specs, tgt.String())
	}
	ctx, span := tracer.StartBuildSpan(ctx, "", specs)
	defer span.End()

	report, err := sched.Run(ctx, ws.graph, targets)
	if err != nil {
		telemetry.RecordError(span, err)
		return structural(err)
	}
	span.SetAttributes(
		telemetry.AttrRunID.String(report.RunID),
		telemetry.AttrRunStatus.String(string(report.Status())),
	)
	telemetry.RecordSuccess(span)

	printReport(report)
	return reportExit(report)
}

// runWatch rebuilds whenever a manifest or project source changes. The first
// build runs immediately; failures keep the watch alive.
func runWatch(ctx context.Context, args []string, targets []engine.Target, jobs int, noCache bool) error {
	rebuild := func() error {
		if err := runBuild(ctx, args, targets, jobs, noCache); err != nil {
			log.Error().Err(err).Msg("build failed, watching for changes")
		}
		return nil
	}

	if err := rebuild(); err != nil {
		return err
	}

	ws, err := loadWorkspace()
	if err != nil {
		return err
	}
	watcher, err := manifest.NewWatcher(log.Logger)
	if err != nil {
		return err
	}
	return watcher.Watch(ctx, ws.suites, rebuild)
}

// printReport writes the per-target summary, as JSON when requested.
func printReport(report *engine.BuildReport) {
	if jsonOutput {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			log.Error().Err(err).Msg("failed to encode report")
			return
		}
		fmt.Println(string(out))
		return
	}

	keys := make([]string, 0, len(report.Targets))
	for key := range report.Targets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		tr := report.Targets[key]
		s := tr.Summary
		fmt.Printf("%s: %d built, %d cached, %d ignored, %d failed, %d blocked, %d cancelled\n",
			tr.Target, s.Built, s.Cached, s.Ignored, s.Failed, s.Blocked, s.Cancelled)
	}
	for _, res := range report.Failures() {
		fmt.Printf("  FAILED %s (%s): %v\n", res.UnitID, res.Target, res.Error)
	}
}
