package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Observer receives scheduler lifecycle notifications, e.g. for metrics.
// Distinct targets run concurrently, so implementations must be safe for
// concurrent use.
type Observer interface {
	// RunStarted fires once per target before any node is scheduled.
	RunStarted(tgt Target)

	// NodeCompleted fires for every node outcome, including cached,
	// ignored, blocked and cancelled ones.
	NodeCompleted(tgt Target, res *NodeResult)

	// QueueDepth reports how many nodes still wait on unfinished
	// dependencies after each completion.
	QueueDepth(tgt Target, waiting int)

	// RunCompleted fires once per target with its aggregate status.
	RunCompleted(tgt Target, status RunStatus, d time.Duration)
}

// Scheduler walks the dependency graph in dependency order for each
// requested target, executing ready nodes in parallel on a worker pool.
// Distinct targets are fully independent and scheduled concurrently; the
// only shared state is the read-only graph and the thread-safe build cache.
type Scheduler struct {
	// Jobs is the worker count per target. Defaults to GOMAXPROCS.
	Jobs int

	// NodeTimeout bounds a single toolchain or materialization step.
	// A timeout is treated identically to a toolchain failure.
	NodeTimeout time.Duration

	// GracePeriod is how long in-flight invocations may keep running
	// after the run is cancelled before they are killed.
	GracePeriod time.Duration

	// Resolver yields the concrete per-target configuration of each unit.
	Resolver ConfigResolver

	// Toolchain builds project units.
	Toolchain Toolchain

	// Materializer assembles distribution units.
	Materializer Materializer

	// Cache short-circuits unchanged nodes. Never nil; use NopCache to
	// disable caching.
	Cache BuildCache

	// Observer is notified of node completions. May be nil.
	Observer Observer

	// Log is the scheduler's logger.
	Log zerolog.Logger
}

// Run executes the graph for every requested target and returns the
// aggregate report. Structural problems have already been rejected by the
// DAG builder; Run itself only produces per-node outcomes.
func (s *Scheduler) Run(ctx context.Context, graph *Graph, targets []Target) (*BuildReport, error) {
	if len(targets) == 0 {
		return nil, NewInternalError("no build targets requested", nil)
	}
	jobs := s.Jobs
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}

	report := &BuildReport{
		RunID:     uuid.New().String(),
		StartedAt: time.Now(),
		Targets:   make(map[string]*TargetReport, len(targets)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	for _, tgt := range targets {
		tgt := tgt
		g.Go(func() error {
			tr := s.runTarget(gctx, ctx, graph, tgt, jobs)
			mu.Lock()
			report.Targets[tgt.String()] = tr
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report.CompletedAt = time.Now()
	return report, nil
}

// runTarget schedules one target. execParent survives run cancellation so
// in-flight invocations get the grace period; runCtx carries the user's
// cancellation signal.
func (s *Scheduler) runTarget(execParent, runCtx context.Context, graph *Graph, tgt Target, jobs int) *TargetReport {
	log := s.Log.With().Str("target", tgt.String()).Logger()

	start := time.Now()
	if s.Observer != nil {
		s.Observer.RunStarted(tgt)
	}

	tr := &TargetReport{
		Target:  tgt,
		Results: make(map[string]*NodeResult, len(graph.Units)),
	}

	// Exec context: cancelled GracePeriod after the run context, so a
	// cancelled run lets workers finish or be killed, never half-publish.
	execCtx, execCancel := context.WithCancel(execParent)
	defer execCancel()
	go func() {
		select {
		case <-runCtx.Done():
			if s.GracePeriod > 0 {
				timer := time.NewTimer(s.GracePeriod)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-execCtx.Done():
				}
			}
			execCancel()
		case <-execCtx.Done():
		}
	}()

	remaining := make(map[string]int, len(graph.Units))
	waiting := 0
	for id, unit := range graph.Units {
		remaining[id] = len(unit.Dependencies)
		if remaining[id] > 0 {
			waiting++
		}
	}

	type completion struct {
		id  string
		res *NodeResult
	}
	ready := make(chan string, len(graph.Units))
	done := make(chan completion, len(graph.Units))

	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range ready {
				// Re-check at pickup: the run may have been cancelled
				// while the node sat in the queue, including the
				// initially seeded roots that never pass through the
				// dispatcher's release path.
				res := s.shortCircuit(runCtx, graph.Units[id], tgt, tr)
				if res == nil {
					res = s.executeNode(execCtx, graph, graph.Units[id], tgt, tr)
				}
				done <- completion{id: id, res: res}
			}
		}()
	}

	// Seed the initial ready set in build order so ties stay deterministic.
	for _, id := range graph.Order {
		if remaining[id] == 0 {
			ready <- id
		}
	}

	// Dispatcher loop: collect completions, release dependents, cascade
	// blocked/cancelled outcomes without scheduling them.
	completed := 0
	for completed < len(graph.Units) {
		c := <-done
		completed++
		s.record(tr, c.res, log)

		released := make([]string, 0, len(graph.Dependents[c.id]))
		for _, dependent := range graph.Dependents[c.id] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				waiting--
				released = append(released, dependent)
			}
		}
		sort.Strings(released)
		if s.Observer != nil {
			s.Observer.QueueDepth(tgt, waiting)
		}

		for _, id := range released {
			if res := s.shortCircuit(runCtx, graph.Units[id], tgt, tr); res != nil {
				// Terminal without scheduling; feed back through the
				// completion path so its dependents are released too.
				done <- completion{id: id, res: res}
				continue
			}
			ready <- id
		}
	}

	close(ready)
	wg.Wait()

	if s.Observer != nil {
		s.Observer.RunCompleted(tgt, tr.Status(), time.Since(start))
	}
	return tr
}

// shortCircuit decides whether a ready node can be finished without work:
// cancelled runs and failed dependencies both terminate the node early.
func (s *Scheduler) shortCircuit(runCtx context.Context, unit *BuildUnit, tgt Target, tr *TargetReport) *NodeResult {
	select {
	case <-runCtx.Done():
		return &NodeResult{
			UnitID:    unit.ID,
			Target:    tgt,
			Kind:      unit.Kind,
			Status:    NodeStatusCancelled,
			StartedAt: time.Now(),
		}
	default:
	}

	for _, dep := range unit.Dependencies {
		res, ok := tr.Result(dep)
		if !ok {
			continue
		}
		// Ignored dependencies are satisfied-but-absent: they block
		// nothing and contribute no artifact.
		if res.Status == NodeStatusFailed || res.Status == NodeStatusBlocked {
			return &NodeResult{
				UnitID:    unit.ID,
				Target:    tgt,
				Kind:      unit.Kind,
				Status:    NodeStatusBlocked,
				StartedAt: time.Now(),
				Error: NewToolchainError(
					fmt.Sprintf("dependency %s did not build", dep), nil).
					WithNode(unit.ID).WithTarget(tgt),
			}
		}
	}
	return nil
}

// executeNode builds a single node for one target.
func (s *Scheduler) executeNode(ctx context.Context, graph *Graph, unit *BuildUnit, tgt Target, tr *TargetReport) *NodeResult {
	res := &NodeResult{
		UnitID:    unit.ID,
		Target:    tgt,
		Kind:      unit.Kind,
		StartedAt: time.Now(),
	}
	defer func() { res.Duration = time.Since(res.StartedAt) }()

	if !unit.SupportsOS(tgt.OS) {
		res.Status = NodeStatusIgnored
		res.IgnoreReason = fmt.Sprintf("restricted to platforms %v", unit.Platforms)
		return res
	}

	outcome, err := s.Resolver.Resolve(unit, tgt)
	if err != nil {
		res.Status = NodeStatusFailed
		res.Error = asBuildError(err, unit.ID, tgt)
		return res
	}
	if outcome.Ignored {
		res.Status = NodeStatusIgnored
		res.IgnoreReason = outcome.IgnoreReason
		return res
	}

	deps := s.dependencyArtifacts(graph, unit, tr)
	key := CacheKey(unit, outcome.Config, tgt, deps)

	if info, ok, err := s.Cache.Lookup(ctx, key); err != nil {
		s.Log.Warn().Err(err).Str("unit", unit.ID).Msg("cache entry rejected, rebuilding")
	} else if ok {
		res.Status = NodeStatusCached
		res.OutputPath = info.Path
		res.OutputHash = info.Hash
		return res
	}

	buildCtx := ctx
	if s.NodeTimeout > 0 {
		var cancel context.CancelFunc
		buildCtx, cancel = context.WithTimeout(ctx, s.NodeTimeout)
		defer cancel()
	}

	var info *ArtifactInfo
	switch unit.Kind {
	case KindDistribution:
		info, err = s.Materializer.Materialize(buildCtx, unit, outcome.Config, tgt, deps)
	default:
		info, err = s.Toolchain.Build(buildCtx, unit, outcome.Config, tgt, deps)
	}
	if err != nil {
		res.Status = NodeStatusFailed
		res.Error = asBuildError(err, unit.ID, tgt)
		return res
	}

	res.Status = NodeStatusBuilt
	res.OutputPath = info.Path
	res.OutputHash = info.Hash

	if err := s.Cache.Store(ctx, key, *info); err != nil {
		// Cache write failures never fail the build.
		s.Log.Warn().Err(err).Str("unit", unit.ID).Msg("failed to store cache entry")
	}
	return res
}

// dependencyArtifacts collects the published artifacts of the unit's
// transitive dependency closure for this target. The dispatcher guarantees
// every dependency is terminal before the unit starts, so no locking beyond
// the report map is needed here.
func (s *Scheduler) dependencyArtifacts(graph *Graph, unit *BuildUnit, tr *TargetReport) map[string]ArtifactInfo {
	deps := make(map[string]ArtifactInfo)
	for id := range graph.TransitiveClosure(unit.ID) {
		if id == unit.ID {
			continue
		}
		if res, ok := tr.Result(id); ok && res.Status.Succeeded() {
			deps[id] = ArtifactInfo{Path: res.OutputPath, Hash: res.OutputHash}
		}
	}
	return deps
}

// record stores a terminal result and logs it.
func (s *Scheduler) record(tr *TargetReport, res *NodeResult, log zerolog.Logger) {
	tr.record(res)

	ev := log.Info()
	switch res.Status {
	case NodeStatusFailed:
		ev = log.Error().Err(res.Error)
	case NodeStatusBlocked, NodeStatusCancelled:
		ev = log.Warn()
	case NodeStatusIgnored, NodeStatusCached:
		ev = log.Debug()
	}
	ev.Str("unit", res.UnitID).
		Str("status", string(res.Status)).
		Dur("duration", res.Duration).
		Msg("node finished")

	if s.Observer != nil {
		s.Observer.NodeCompleted(res.Target, res)
	}
}

// CacheKey computes the content-hash cache key of a node: its identity, the
// target, the resolved configuration fingerprint, and the output hashes of
// its dependencies in sorted order.
func CacheKey(unit *BuildUnit, cfg *NodeConfig, tgt Target, deps map[string]ArtifactInfo) string {
	h := sha256.New()
	fmt.Fprintf(h, "unit=%s\n", unit.ID)
	fmt.Fprintf(h, "target=%s\n", tgt)
	fmt.Fprintf(h, "config=%s\n", cfg.Fingerprint())

	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(h, "dep=%s:%s\n", id, deps[id].Hash)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// asBuildError normalizes an error into a classified error with node and
// target context.
func asBuildError(err error, node string, tgt Target) *BuildError {
	var be *BuildError
	if errors.As(err, &be) {
		if be.Node == "" {
			be.Node = node
		}
		if be.Target == "" {
			be.Target = tgt.String()
		}
		return be
	}
	return NewToolchainError("build step failed", err).WithNode(node).WithTarget(tgt)
}
