package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Target identifies one (operating system, architecture) build target.
type Target struct {
	// OS is the operating system name (e.g. "linux", "darwin", "windows").
	OS string `json:"os"`

	// Arch is the architecture name (e.g. "amd64", "arm64").
	Arch string `json:"arch"`
}

// String formats the target as "os-arch".
func (t Target) String() string {
	return t.OS + "-" + t.Arch
}

// ParseTarget parses an "os-arch" string.
func ParseTarget(s string) (Target, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Target{}, fmt.Errorf("invalid target %q: expected os-arch", s)
	}
	return Target{OS: parts[0], Arch: parts[1]}, nil
}

// UnitKind distinguishes the two buildable entity kinds.
type UnitKind string

const (
	// KindProject is a compilable source unit.
	KindProject UnitKind = "project"

	// KindDistribution is a packaging unit assembled from built artifacts.
	KindDistribution UnitKind = "distribution"
)

// BuildUnit is one node of the build graph. Units are constructed once from
// the manifest registry and are immutable thereafter.
type BuildUnit struct {
	// ID is the qualified name, "suite:name".
	ID string `json:"id"`

	// Suite is the owning suite name.
	Suite string `json:"suite"`

	// Name is the entity name within the suite.
	Name string `json:"name"`

	// Kind is project or distribution.
	Kind UnitKind `json:"kind"`

	// Dependencies are qualified IDs of units that must build first.
	Dependencies []string `json:"dependencies,omitempty"`

	// PlatformDependent marks units whose output differs per target.
	PlatformDependent bool `json:"platform_dependent,omitempty"`

	// Platforms optionally restricts the unit to a set of OS names.
	Platforms []string `json:"platforms,omitempty"`
}

// SupportsOS reports whether the unit may build on the given operating system.
// An empty Platforms list means no restriction.
func (u *BuildUnit) SupportsOS(osName string) bool {
	if len(u.Platforms) == 0 {
		return true
	}
	for _, p := range u.Platforms {
		if p == osName {
			return true
		}
	}
	return false
}

// NodeConfig is the concrete per-target configuration of a unit after
// overlay resolution. A resolved config is never merged across overlay
// branches; the matched leaf replaces any less specific one in full.
type NodeConfig struct {
	// CFlags are compiler flags for native units.
	CFlags []string `json:"cflags,omitempty"`

	// LDFlags are linker flags for native units.
	LDFlags []string `json:"ldflags,omitempty"`

	// LDLibs are linker libraries for native units.
	LDLibs []string `json:"ldlibs,omitempty"`

	// Toolchain is the qualified ID of the toolchain unit to invoke with,
	// empty for the default toolchain.
	Toolchain string `json:"toolchain,omitempty"`

	// Compliance is the language compliance level (e.g. "17+").
	Compliance string `json:"compliance,omitempty"`

	// Deliverable is the base name of the produced native artifact.
	Deliverable string `json:"deliverable,omitempty"`

	// NativeKind is the native build kind (shared_lib, static_lib,
	// executable), empty for non-native units.
	NativeKind string `json:"native_kind,omitempty"`
}

// Fingerprint returns a stable textual form of the config for cache keying.
// Field order is fixed so identical configs always fingerprint identically.
func (c *NodeConfig) Fingerprint() string {
	var b strings.Builder
	writeList := func(tag string, vs []string) {
		b.WriteString(tag)
		b.WriteString("=")
		b.WriteString(strings.Join(vs, "\x1f"))
		b.WriteString("\x1e")
	}
	writeList("cflags", c.CFlags)
	writeList("ldflags", c.LDFlags)
	writeList("ldlibs", c.LDLibs)
	b.WriteString("toolchain=" + c.Toolchain + "\x1e")
	b.WriteString("compliance=" + c.Compliance + "\x1e")
	b.WriteString("deliverable=" + c.Deliverable + "\x1e")
	b.WriteString("native=" + c.NativeKind + "\x1e")
	return b.String()
}

// NodeResult records the outcome of building one node for one target.
type NodeResult struct {
	// UnitID is the qualified node name.
	UnitID string `json:"unit_id"`

	// Target is the os-arch pair this result belongs to.
	Target Target `json:"target"`

	// Kind is the unit kind of the node.
	Kind UnitKind `json:"kind"`

	// Status is the terminal status of the node.
	Status NodeStatus `json:"status"`

	// OutputPath is the published artifact path for Built/Cached nodes.
	OutputPath string `json:"output_path,omitempty"`

	// OutputHash is the content hash of the published artifact.
	OutputHash string `json:"output_hash,omitempty"`

	// IgnoreReason is the declared reason for Ignored nodes.
	IgnoreReason string `json:"ignore_reason,omitempty"`

	// StartedAt is when the node started building.
	StartedAt time.Time `json:"started_at"`

	// Duration is the wall time the node took.
	Duration time.Duration `json:"duration"`

	// Error is the failure cause for Failed nodes.
	Error *BuildError `json:"error,omitempty"`
}

// TargetReport aggregates all node results for one target.
type TargetReport struct {
	// Target is the os-arch pair.
	Target Target `json:"target"`

	// Results maps qualified unit IDs to their results.
	Results map[string]*NodeResult `json:"results"`

	// Summary counts results by status.
	Summary ReportSummary `json:"summary"`

	// mu guards Results and Summary while the target is still running:
	// workers read dependency results concurrently with dispatcher writes.
	mu sync.Mutex
}

// Result returns the recorded result for a unit, if terminal.
func (r *TargetReport) Result(id string) (*NodeResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.Results[id]
	return res, ok
}

// record stores a terminal result and counts it into the summary.
func (r *TargetReport) record(res *NodeResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Results[res.UnitID] = res
	r.Summary.Add(res.Status)
}

// Status derives the per-target run status from the node results.
func (r *TargetReport) Status() RunStatus {
	if r.Summary.Cancelled > 0 {
		return RunStatusCancelled
	}
	if r.Summary.Failed > 0 || r.Summary.Blocked > 0 {
		return RunStatusFailed
	}
	return RunStatusSucceeded
}

// ReportSummary counts node outcomes.
type ReportSummary struct {
	Total     int `json:"total"`
	Built     int `json:"built"`
	Cached    int `json:"cached"`
	Ignored   int `json:"ignored"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
	Cancelled int `json:"cancelled"`
}

// Add counts one result into the summary.
func (s *ReportSummary) Add(status NodeStatus) {
	s.Total++
	switch status {
	case NodeStatusBuilt:
		s.Built++
	case NodeStatusCached:
		s.Cached++
	case NodeStatusIgnored:
		s.Ignored++
	case NodeStatusFailed:
		s.Failed++
	case NodeStatusBlocked:
		s.Blocked++
	case NodeStatusCancelled:
		s.Cancelled++
	}
}

// BuildReport is the aggregate outcome of one run across all targets.
type BuildReport struct {
	// RunID is the unique identifier of this run.
	RunID string `json:"run_id"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run finished.
	CompletedAt time.Time `json:"completed_at"`

	// Targets maps "os-arch" strings to their per-target reports.
	Targets map[string]*TargetReport `json:"targets"`
}

// Status derives the aggregate run status, reflecting the worst outcome
// across all targets.
func (r *BuildReport) Status() RunStatus {
	status := RunStatusSucceeded
	for _, tr := range r.Targets {
		switch tr.Status() {
		case RunStatusCancelled:
			return RunStatusCancelled
		case RunStatusFailed:
			status = RunStatusFailed
		}
	}
	return status
}

// Failures returns every failed node result across all targets, ordered by
// target then unit ID for stable output.
func (r *BuildReport) Failures() []*NodeResult {
	var out []*NodeResult
	for _, key := range sortedKeys(r.Targets) {
		tr := r.Targets[key]
		for _, id := range sortedKeys(tr.Results) {
			res := tr.Results[id]
			if res.Status == NodeStatusFailed {
				out = append(out, res)
			}
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
