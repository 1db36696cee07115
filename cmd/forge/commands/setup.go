package commands

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/suiteforge/suiteforge/pkg/cache"
	"github.com/suiteforge/suiteforge/pkg/engine"
	"github.com/suiteforge/suiteforge/pkg/layout"
	"github.com/suiteforge/suiteforge/pkg/manifest"
	"github.com/suiteforge/suiteforge/pkg/overlay"
	"github.com/suiteforge/suiteforge/pkg/telemetry"
	"github.com/suiteforge/suiteforge/pkg/toolchain"
)

// workspace bundles the resolved manifest closure and its build graph.
type workspace struct {
	suites []*manifest.Suite
	reg    *manifest.Registry
	graph  *engine.Graph
}

// loadWorkspace loads the suite closure from the suite directory and builds
// the full dependency graph. Schema, reference and cycle errors surface here
// with exit code 2.
func loadWorkspace() (*workspace, error) {
	loader := manifest.NewLoader(log.Logger)
	suites, err := loader.Load(suiteDir)
	if err != nil {
		return nil, structural(err)
	}

	reg, err := manifest.NewRegistry(suites)
	if err != nil {
		return nil, structural(err)
	}

	units, err := reg.BuildUnits()
	if err != nil {
		return nil, structural(err)
	}

	graph, err := engine.NewDAGBuilder().Build(units)
	if err != nil {
		return nil, structural(err)
	}

	return &workspace{suites: suites, reg: reg, graph: graph}, nil
}

// narrowGraph restricts the graph to the requested root units when any are
// named on the command line. Bare names resolve within the primary suite.
func (w *workspace) narrowGraph(args []string) error {
	if len(args) == 0 {
		return nil
	}

	primary := w.suites[0].Name
	roots := make([]string, 0, len(args))
	for _, arg := range args {
		e, ok := w.reg.ResolveReference(primary, arg)
		if !ok {
			return structural(engine.NewUnresolvedReferenceError(arg, "command line"))
		}
		roots = append(roots, e.ID())
	}

	sub, err := w.graph.Subgraph(roots...)
	if err != nil {
		return structural(err)
	}
	w.graph = sub
	return nil
}

// parseTargets parses --target flags, defaulting to the host platform.
func parseTargets(specs []string) ([]engine.Target, error) {
	if len(specs) == 0 {
		specs = viper.GetStringSlice("targets")
	}
	if len(specs) == 0 {
		return []engine.Target{{OS: runtime.GOOS, Arch: runtime.GOARCH}}, nil
	}

	targets := make([]engine.Target, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		tgt, err := engine.ParseTarget(spec)
		if err != nil {
			return nil, structural(err)
		}
		if !seen[tgt.String()] {
			seen[tgt.String()] = true
			targets = append(targets, tgt)
		}
	}
	return targets, nil
}

// newScheduler wires the full engine stack: overlay resolver, toolchain
// runner, layout materializer, build cache, and metrics observer. The
// returned cleanup closes the cache index.
func newScheduler(ctx context.Context, ws *workspace, jobs int, noCache bool) (*engine.Scheduler, *telemetry.Tracer, func(), error) {
	outDir := resolvedOutputDir()

	metricsCfg := telemetry.DefaultConfig().Metrics
	metricsCfg.ListenAddress = viper.GetString("metrics_listen")
	metrics, err := telemetry.NewMetrics(metricsCfg)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := metrics.StartMetricsServer(); err != nil {
		return nil, nil, nil, err
	}

	tracingCfg := telemetry.DefaultConfig().Tracing
	tracingCfg.Enabled = viper.GetBool("tracing_enabled")
	if exp := viper.GetString("tracing_exporter"); exp != "" {
		tracingCfg.Exporter = exp
	}
	if ep := viper.GetString("tracing_endpoint"); ep != "" {
		tracingCfg.Endpoint = ep
	}
	tracer, err := telemetry.NewTracer(tracingCfg, "forge", buildVersion, "cli")
	if err != nil {
		return nil, nil, nil, err
	}

	var bc engine.BuildCache = engine.NopCache{}
	closeCache := func() {}
	if !noCache {
		c, err := cache.New(cache.Config{Dir: resolvedCacheDir()}, log.Logger)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := c.Init(ctx); err != nil {
			return nil, nil, nil, err
		}
		bc = c
		closeCache = func() { _ = c.Close() }
	}
	cleanup := func() {
		closeCache()
		_ = tracer.Shutdown(context.Background())
	}

	var tc engine.Toolchain = toolchain.NewRunner(ws.reg, outDir, viper.GetStringSlice("toolchain_paths"), log.Logger)
	var mat engine.Materializer = layout.NewMaterializer(ws.reg, outDir, log.Logger)
	if tracingCfg.Enabled {
		tc = telemetry.TraceToolchain(tracer, tc)
		mat = telemetry.TraceMaterializer(tracer, mat)
	}

	sched := &engine.Scheduler{
		Jobs:         jobs,
		NodeTimeout:  viper.GetDuration("node_timeout"),
		GracePeriod:  viper.GetDuration("grace_period"),
		Resolver:     overlay.NewResolver(ws.reg),
		Toolchain:    tc,
		Materializer: mat,
		Cache:        bc,
		Observer:     telemetry.NewBuildObserver(metrics),
		Log:          log.Logger,
	}
	return sched, tracer, cleanup, nil
}

// structural wraps an error with exit code 2 when it is a structural
// problem, leaving other errors at the generic code 1.
func structural(err error) error {
	if engine.IsStructural(err) {
		return &ExitError{Code: engine.ExitStructural, Err: err}
	}
	return err
}

// reportExit converts a finished build report into the process exit code.
func reportExit(report *engine.BuildReport) error {
	status := report.Status()
	if code := status.ExitCode(); code != engine.ExitOK {
		return &ExitError{Code: code, Err: fmt.Errorf("build %s", strings.ToLower(string(status)))}
	}
	return nil
}
