package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeResolver struct {
	ignored map[string]string
}

func (r *fakeResolver) Resolve(unit *BuildUnit, tgt Target) (*ConfigOutcome, error) {
	if reason, ok := r.ignored[unit.ID]; ok {
		return &ConfigOutcome{Ignored: true, IgnoreReason: reason}, nil
	}
	return &ConfigOutcome{Config: &NodeConfig{}}, nil
}

type fakeToolchain struct {
	mu    sync.Mutex
	built []string
	fail  map[string]bool
}

func (f *fakeToolchain) Build(ctx context.Context, unit *BuildUnit, cfg *NodeConfig, tgt Target, deps map[string]ArtifactInfo) (*ArtifactInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewToolchainError("cancelled", err)
	}
	f.mu.Lock()
	f.built = append(f.built, unit.ID)
	f.mu.Unlock()
	if f.fail[unit.ID] {
		return nil, NewToolchainError("compile failed", nil).WithNode(unit.ID).WithTarget(tgt)
	}
	return &ArtifactInfo{Path: "/out/" + unit.Name, Hash: unit.Name + "-hash"}, nil
}

func (f *fakeToolchain) didBuild(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.built {
		if b == id {
			return true
		}
	}
	return false
}

type fakeMaterializer struct {
	mu   sync.Mutex
	seen map[string]map[string]ArtifactInfo
}

func (f *fakeMaterializer) Materialize(ctx context.Context, unit *BuildUnit, cfg *NodeConfig, tgt Target, deps map[string]ArtifactInfo) (*ArtifactInfo, error) {
	f.mu.Lock()
	if f.seen == nil {
		f.seen = make(map[string]map[string]ArtifactInfo)
	}
	f.seen[unit.ID] = deps
	f.mu.Unlock()
	return &ArtifactInfo{Path: "/out/" + unit.Name, Hash: unit.Name + "-hash"}, nil
}

func newTestScheduler(tc *fakeToolchain, mat *fakeMaterializer, resolver *fakeResolver) *Scheduler {
	if resolver == nil {
		resolver = &fakeResolver{}
	}
	return &Scheduler{
		Jobs:         4,
		Resolver:     resolver,
		Toolchain:    tc,
		Materializer: mat,
		Cache:        NopCache{},
		Log:          zerolog.Nop(),
	}
}

func mustGraph(t *testing.T, units ...*BuildUnit) *Graph {
	t.Helper()
	graph, err := NewDAGBuilder().Build(units)
	if err != nil {
		t.Fatalf("Expected no graph error, got: %v", err)
	}
	return graph
}

var testTarget = Target{OS: "linux", Arch: "amd64"}

func TestScheduler_Run_AllBuilt(t *testing.T) {
	graph := mustGraph(t,
		unitWithDeps("core:A", "core:B"),
		unitWithDeps("core:B"),
	)
	tc := &fakeToolchain{}
	sched := newTestScheduler(tc, &fakeMaterializer{}, nil)

	report, err := sched.Run(context.Background(), graph, []Target{testTarget})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	tr := report.Targets["linux-amd64"]
	if tr == nil {
		t.Fatal("Expected a report for linux-amd64")
	}
	if tr.Summary.Built != 2 {
		t.Errorf("Expected 2 built, got %+v", tr.Summary)
	}
	if report.Status() != RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", report.Status())
	}
	if code := report.Status().ExitCode(); code != ExitOK {
		t.Errorf("Expected exit code 0, got %d", code)
	}
}

func TestScheduler_Run_FailureBlocksDependentsOnly(t *testing.T) {
	// D fails; C depends on D and must be blocked; E is independent and
	// still builds.
	graph := mustGraph(t,
		unitWithDeps("core:C", "core:D"),
		unitWithDeps("core:D"),
		unitWithDeps("core:E"),
	)
	tc := &fakeToolchain{fail: map[string]bool{"core:D": true}}
	sched := newTestScheduler(tc, &fakeMaterializer{}, nil)

	report, err := sched.Run(context.Background(), graph, []Target{testTarget})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	tr := report.Targets["linux-amd64"]
	if got := tr.Results["core:D"].Status; got != NodeStatusFailed {
		t.Errorf("Expected core:D failed, got %s", got)
	}
	if got := tr.Results["core:C"].Status; got != NodeStatusBlocked {
		t.Errorf("Expected core:C blocked, got %s", got)
	}
	if got := tr.Results["core:E"].Status; got != NodeStatusBuilt {
		t.Errorf("Expected core:E built, got %s", got)
	}
	if tc.didBuild("core:C") {
		t.Error("Expected core:C to never reach the toolchain")
	}
	if code := report.Status().ExitCode(); code != ExitNodeFailed {
		t.Errorf("Expected exit code 1, got %d", code)
	}
}

func TestScheduler_Run_BlockedCascades(t *testing.T) {
	// A -> B -> C: C fails, so B and A are both blocked transitively.
	graph := mustGraph(t,
		unitWithDeps("core:A", "core:B"),
		unitWithDeps("core:B", "core:C"),
		unitWithDeps("core:C"),
	)
	tc := &fakeToolchain{fail: map[string]bool{"core:C": true}}
	sched := newTestScheduler(tc, &fakeMaterializer{}, nil)

	report, err := sched.Run(context.Background(), graph, []Target{testTarget})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	tr := report.Targets["linux-amd64"]
	for _, id := range []string{"core:A", "core:B"} {
		if got := tr.Results[id].Status; got != NodeStatusBlocked {
			t.Errorf("Expected %s blocked, got %s", id, got)
		}
	}
	if tr.Summary.Failed != 1 || tr.Summary.Blocked != 2 {
		t.Errorf("Expected 1 failed and 2 blocked, got %+v", tr.Summary)
	}
}

func TestScheduler_Run_IgnoredDependencyDoesNotBlock(t *testing.T) {
	// lib is declared unsupported on the target; app still builds, with
	// no artifact contributed by lib.
	graph := mustGraph(t,
		unitWithDeps("core:app", "core:lib"),
		unitWithDeps("core:lib"),
	)
	tc := &fakeToolchain{}
	resolver := &fakeResolver{ignored: map[string]string{"core:lib": "no linux support"}}
	sched := newTestScheduler(tc, &fakeMaterializer{}, resolver)

	report, err := sched.Run(context.Background(), graph, []Target{testTarget})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	tr := report.Targets["linux-amd64"]
	if got := tr.Results["core:lib"].Status; got != NodeStatusIgnored {
		t.Errorf("Expected core:lib ignored, got %s", got)
	}
	if got := tr.Results["core:lib"].IgnoreReason; got != "no linux support" {
		t.Errorf("Expected ignore reason recorded, got %q", got)
	}
	if got := tr.Results["core:app"].Status; got != NodeStatusBuilt {
		t.Errorf("Expected core:app built, got %s", got)
	}
	if report.Status() != RunStatusSucceeded {
		t.Errorf("Expected succeeded run, got %s", report.Status())
	}
}

func TestScheduler_Run_PlatformRestrictionIgnores(t *testing.T) {
	restricted := unitWithDeps("core:winonly")
	restricted.PlatformDependent = true
	restricted.Platforms = []string{"windows"}

	graph := mustGraph(t, restricted, unitWithDeps("core:B"))
	tc := &fakeToolchain{}
	sched := newTestScheduler(tc, &fakeMaterializer{}, nil)

	report, err := sched.Run(context.Background(), graph, []Target{testTarget})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	tr := report.Targets["linux-amd64"]
	if got := tr.Results["core:winonly"].Status; got != NodeStatusIgnored {
		t.Errorf("Expected core:winonly ignored on linux, got %s", got)
	}
	if tc.didBuild("core:winonly") {
		t.Error("Expected restricted unit to never reach the toolchain")
	}
}

func TestScheduler_Run_DistributionGetsDependencyArtifacts(t *testing.T) {
	dist := unitWithDeps("core:dist", "core:A", "core:B")
	dist.Kind = KindDistribution

	graph := mustGraph(t,
		dist,
		unitWithDeps("core:A", "core:B"),
		unitWithDeps("core:B"),
	)
	tc := &fakeToolchain{}
	mat := &fakeMaterializer{}
	sched := newTestScheduler(tc, mat, nil)

	report, err := sched.Run(context.Background(), graph, []Target{testTarget})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	tr := report.Targets["linux-amd64"]
	if got := tr.Results["core:dist"].Status; got != NodeStatusBuilt {
		t.Errorf("Expected core:dist built, got %s", got)
	}

	deps := mat.seen["core:dist"]
	if len(deps) != 2 {
		t.Fatalf("Expected 2 dependency artifacts, got %d", len(deps))
	}
	if deps["core:A"].Hash != "A-hash" {
		t.Errorf("Expected core:A artifact hash, got %+v", deps["core:A"])
	}
}

func TestScheduler_Run_MultipleTargetsIndependent(t *testing.T) {
	graph := mustGraph(t, unitWithDeps("core:A"))
	tc := &fakeToolchain{}
	sched := newTestScheduler(tc, &fakeMaterializer{}, nil)

	targets := []Target{
		{OS: "linux", Arch: "amd64"},
		{OS: "darwin", Arch: "arm64"},
	}
	report, err := sched.Run(context.Background(), graph, targets)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(report.Targets) != 2 {
		t.Fatalf("Expected 2 target reports, got %d", len(report.Targets))
	}
	for _, key := range []string{"linux-amd64", "darwin-arm64"} {
		tr := report.Targets[key]
		if tr == nil || tr.Summary.Built != 1 {
			t.Errorf("Expected 1 built for %s, got %+v", key, tr)
		}
	}
}

func TestScheduler_Run_CancelledContext(t *testing.T) {
	graph := mustGraph(t,
		unitWithDeps("core:A", "core:B"),
		unitWithDeps("core:B"),
	)
	tc := &fakeToolchain{}
	sched := newTestScheduler(tc, &fakeMaterializer{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := sched.Run(ctx, graph, []Target{testTarget})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	tr := report.Targets["linux-amd64"]
	for _, id := range []string{"core:A", "core:B"} {
		if got := tr.Results[id].Status; got != NodeStatusCancelled {
			t.Errorf("Expected %s cancelled, got %s", id, got)
		}
	}
	if tc.didBuild("core:A") || tc.didBuild("core:B") {
		t.Error("Expected no node to reach the toolchain")
	}
	if report.Status() != RunStatusCancelled {
		t.Errorf("Expected cancelled run, got %s", report.Status())
	}
	if code := report.Status().ExitCode(); code != ExitCancelled {
		t.Errorf("Expected exit code 3, got %d", code)
	}
}

// gatedToolchain blocks every build until release is closed, signalling each
// start, so tests can cancel a run at a known point.
type gatedToolchain struct {
	fakeToolchain
	started chan string
	release chan struct{}
}

func (g *gatedToolchain) Build(ctx context.Context, unit *BuildUnit, cfg *NodeConfig, tgt Target, deps map[string]ArtifactInfo) (*ArtifactInfo, error) {
	g.started <- unit.ID
	<-g.release
	return g.fakeToolchain.Build(ctx, unit, cfg, tgt, deps)
}

func TestScheduler_Run_CancelSkipsQueuedNodes(t *testing.T) {
	// Two independent roots with a single worker: core:B sits in the
	// queue while core:A builds. Cancelling mid-build must leave core:B
	// cancelled without ever invoking the toolchain for it.
	graph := mustGraph(t,
		unitWithDeps("core:A"),
		unitWithDeps("core:B"),
	)
	tc := &gatedToolchain{
		started: make(chan string, 2),
		release: make(chan struct{}),
	}
	sched := &Scheduler{
		Jobs:         1,
		Resolver:     &fakeResolver{},
		Toolchain:    tc,
		Materializer: &fakeMaterializer{},
		Cache:        NopCache{},
		Log:          zerolog.Nop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		report *BuildReport
		runErr error
	)
	runDone := make(chan struct{})
	go func() {
		report, runErr = sched.Run(ctx, graph, []Target{testTarget})
		close(runDone)
	}()

	if id := <-tc.started; id != "core:A" {
		t.Fatalf("Expected core:A to start first, got %s", id)
	}
	cancel()
	close(tc.release)
	<-runDone

	if runErr != nil {
		t.Fatalf("Expected no error, got: %v", runErr)
	}

	tr := report.Targets["linux-amd64"]
	if got := tr.Results["core:B"].Status; got != NodeStatusCancelled {
		t.Errorf("Expected core:B cancelled, got %s", got)
	}
	if tc.didBuild("core:B") {
		t.Error("Expected core:B to never reach the toolchain")
	}
	if tr.Summary.Cancelled == 0 {
		t.Errorf("Expected cancelled nodes in the summary, got %+v", tr.Summary)
	}
	if report.Status() != RunStatusCancelled {
		t.Errorf("Expected cancelled run, got %s", report.Status())
	}
	if code := report.Status().ExitCode(); code != ExitCancelled {
		t.Errorf("Expected exit code 3, got %d", code)
	}
}

func TestScheduler_Run_NoTargets(t *testing.T) {
	graph := mustGraph(t, unitWithDeps("core:A"))
	sched := newTestScheduler(&fakeToolchain{}, &fakeMaterializer{}, nil)

	if _, err := sched.Run(context.Background(), graph, nil); err == nil {
		t.Fatal("Expected error for empty target list")
	}
}

type hitCache struct {
	entries map[string]ArtifactInfo
	stored  map[string]ArtifactInfo
}

func (c *hitCache) Lookup(_ context.Context, key string) (*ArtifactInfo, bool, error) {
	if info, ok := c.entries[key]; ok {
		return &info, true, nil
	}
	return nil, false, nil
}

func (c *hitCache) Store(_ context.Context, key string, info ArtifactInfo) error {
	if c.stored == nil {
		c.stored = make(map[string]ArtifactInfo)
	}
	c.stored[key] = info
	return nil
}

func TestScheduler_Run_CacheHitSkipsToolchain(t *testing.T) {
	unit := unitWithDeps("core:A")
	graph := mustGraph(t, unit)

	key := CacheKey(unit, &NodeConfig{}, testTarget, nil)
	cache := &hitCache{entries: map[string]ArtifactInfo{
		key: {Path: "/cached/A", Hash: "cached-hash"},
	}}

	tc := &fakeToolchain{}
	sched := newTestScheduler(tc, &fakeMaterializer{}, nil)
	sched.Cache = cache

	report, err := sched.Run(context.Background(), graph, []Target{testTarget})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	tr := report.Targets["linux-amd64"]
	res := tr.Results["core:A"]
	if res.Status != NodeStatusCached {
		t.Errorf("Expected cached, got %s", res.Status)
	}
	if res.OutputHash != "cached-hash" {
		t.Errorf("Expected cached hash, got %s", res.OutputHash)
	}
	if tc.didBuild("core:A") {
		t.Error("Expected cache hit to skip the toolchain")
	}
}

func TestScheduler_Run_StoresFreshBuilds(t *testing.T) {
	graph := mustGraph(t, unitWithDeps("core:A"))
	cache := &hitCache{}

	sched := newTestScheduler(&fakeToolchain{}, &fakeMaterializer{}, nil)
	sched.Cache = cache

	if _, err := sched.Run(context.Background(), graph, []Target{testTarget}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(cache.stored) != 1 {
		t.Errorf("Expected 1 stored cache entry, got %d", len(cache.stored))
	}
}

func TestCacheKey_SensitiveToInputs(t *testing.T) {
	unit := unitWithDeps("core:A")
	base := CacheKey(unit, &NodeConfig{}, testTarget, nil)

	if got := CacheKey(unit, &NodeConfig{CFlags: []string{"-O2"}}, testTarget, nil); got == base {
		t.Error("Expected config change to change the key")
	}
	if got := CacheKey(unit, &NodeConfig{}, Target{OS: "darwin", Arch: "arm64"}, nil); got == base {
		t.Error("Expected target change to change the key")
	}
	deps := map[string]ArtifactInfo{"core:B": {Hash: "h1"}}
	withDep := CacheKey(unit, &NodeConfig{}, testTarget, deps)
	if withDep == base {
		t.Error("Expected dependency hash to change the key")
	}
	deps["core:B"] = ArtifactInfo{Hash: "h2"}
	if got := CacheKey(unit, &NodeConfig{}, testTarget, deps); got == withDep {
		t.Error("Expected dependency hash change to change the key")
	}
}

type recordingObserver struct {
	mu        sync.Mutex
	runs      []Target
	nodes     []string
	depths    []int
	status    RunStatus
	completed int
	duration  time.Duration
}

func (o *recordingObserver) RunStarted(tgt Target) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, tgt)
}

func (o *recordingObserver) NodeCompleted(tgt Target, res *NodeResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nodes = append(o.nodes, res.UnitID)
}

func (o *recordingObserver) QueueDepth(tgt Target, waiting int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.depths = append(o.depths, waiting)
}

func (o *recordingObserver) RunCompleted(tgt Target, status RunStatus, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed++
	o.status = status
	o.duration = d
}

func TestScheduler_Run_NotifiesObserver(t *testing.T) {
	graph := mustGraph(t,
		unitWithDeps("core:A", "core:B"),
		unitWithDeps("core:B"),
	)
	obs := &recordingObserver{}
	sched := newTestScheduler(&fakeToolchain{}, &fakeMaterializer{}, nil)
	sched.Observer = obs

	if _, err := sched.Run(context.Background(), graph, []Target{testTarget}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(obs.runs) != 1 || obs.runs[0] != testTarget {
		t.Errorf("Expected one run start for %s, got %v", testTarget, obs.runs)
	}
	if len(obs.nodes) != 2 {
		t.Errorf("Expected 2 node completions, got %v", obs.nodes)
	}
	if len(obs.depths) == 0 || obs.depths[len(obs.depths)-1] != 0 {
		t.Errorf("Expected queue depth to drain to 0, got %v", obs.depths)
	}
	if obs.completed != 1 {
		t.Errorf("Expected one run completion, got %d", obs.completed)
	}
	if obs.status != RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", obs.status)
	}
	if obs.duration <= 0 {
		t.Errorf("Expected a positive run duration, got %v", obs.duration)
	}
}
