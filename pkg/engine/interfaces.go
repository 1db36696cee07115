package engine

import "context"

// ArtifactInfo describes a published build artifact.
type ArtifactInfo struct {
	// Path is the published location under the output root.
	Path string `json:"path"`

	// Hash is the sha256 content hash of the artifact tree.
	Hash string `json:"hash"`
}

// ConfigOutcome is the result of overlay resolution for one unit and target.
// Exactly one of Config or Ignored applies.
type ConfigOutcome struct {
	// Config is the concrete configuration, nil when Ignored.
	Config *NodeConfig

	// Ignored marks the target as intentionally unsupported for the unit.
	// This is a normal terminal outcome, not an error.
	Ignored bool

	// IgnoreReason is the declared reason when Ignored.
	IgnoreReason string
}

// ConfigResolver resolves the per-target concrete configuration of a unit.
// Implementations must be pure: identical inputs yield identical outputs.
type ConfigResolver interface {
	Resolve(unit *BuildUnit, tgt Target) (*ConfigOutcome, error)
}

// Toolchain invokes the external build step for a project unit. It is an
// opaque collaborator: compilation itself is out of the engine's scope.
// Implementations must write into a staging location and publish atomically,
// so a cancelled or failed invocation never leaks partial outputs.
type Toolchain interface {
	Build(ctx context.Context, unit *BuildUnit, cfg *NodeConfig, tgt Target, deps map[string]ArtifactInfo) (*ArtifactInfo, error)
}

// Materializer assembles a distribution's output tree from its layout rules
// and the already built artifacts of its dependency closure, and emits the
// reproducible hash and file-list manifests.
type Materializer interface {
	Materialize(ctx context.Context, unit *BuildUnit, cfg *NodeConfig, tgt Target, deps map[string]ArtifactInfo) (*ArtifactInfo, error)
}

// BuildCache is the shared read-mostly cache keyed by the content hash of a
// node's resolved configuration plus its dependencies' output hashes. A cache
// hit short-circuits a node to Cached without invoking the toolchain.
type BuildCache interface {
	// Lookup returns the cached artifact for key, or ok=false on a miss.
	// A corrupt entry yields a cache corruption error; callers treat it
	// as a miss and rebuild.
	Lookup(ctx context.Context, key string) (*ArtifactInfo, bool, error)

	// Store records the artifact for key.
	Store(ctx context.Context, key string, info ArtifactInfo) error
}

// NopCache is a BuildCache that never hits. Used when caching is disabled.
type NopCache struct{}

// Lookup always misses.
func (NopCache) Lookup(context.Context, string) (*ArtifactInfo, bool, error) {
	return nil, false, nil
}

// Store discards the entry.
func (NopCache) Store(context.Context, string, ArtifactInfo) error { return nil }
