// Package overlay resolves the two-level platform overlay tables of the
// manifest into concrete per-target configurations. Resolution is pure and
// side-effect free: the same spec and platform always yield the same result.
package overlay

import (
	"github.com/suiteforge/suiteforge/pkg/engine"
	"github.com/suiteforge/suiteforge/pkg/manifest"
)

// Resolve selects the overlay leaf for an (os, arch) pair. Lookup proceeds
// in two stages: the os branch by exact match, else wildcard; within it the
// arch leaf by exact match, else wildcard. A wildcard os branch combined
// with an exact arch key is a legal combination and resolves structurally.
//
// The matched leaf is returned as-is. Leaves are never deep-merged: a more
// specific leaf fully replaces any same-named fields of a less specific one,
// so flag sets from unrelated platform branches can never mix.
func Resolve(spec manifest.OverlaySpec, osName, arch string) (*manifest.OverlayLeaf, error) {
	branch, ok := spec[osName]
	if !ok {
		branch, ok = spec[manifest.Wildcard]
	}
	if !ok {
		return nil, engine.NewOverlayResolutionError("", osName, arch)
	}

	leaf, ok := branch[arch]
	if !ok {
		leaf, ok = branch[manifest.Wildcard]
	}
	if !ok {
		return nil, engine.NewOverlayResolutionError("", osName, arch)
	}
	return leaf, nil
}

// Resolver adapts overlay resolution to the engine's ConfigResolver
// interface, translating manifest leaves into concrete node configs.
type Resolver struct {
	reg *manifest.Registry
}

// NewResolver creates a config resolver over a registry.
func NewResolver(reg *manifest.Registry) *Resolver {
	return &Resolver{reg: reg}
}

// Resolve produces the concrete configuration of a unit for one target, or
// the ignore outcome when the overlay declares the platform unsupported.
// Units without an overlay table resolve to their static configuration.
func (r *Resolver) Resolve(unit *engine.BuildUnit, tgt engine.Target) (*engine.ConfigOutcome, error) {
	e, ok := r.reg.Lookup(unit.ID)
	if !ok {
		return nil, engine.NewInternalError("unit missing from registry: "+unit.ID, nil)
	}

	var spec manifest.OverlaySpec
	cfg := &engine.NodeConfig{}
	switch {
	case e.Project != nil:
		spec = e.Project.OSArch
		cfg.Compliance = e.Project.Compliance
		cfg.Deliverable = e.Project.Deliverable
		cfg.NativeKind = e.Project.Native
	case e.Distribution != nil:
		spec = e.Distribution.OSArch
	}

	if len(spec) == 0 {
		return &engine.ConfigOutcome{Config: cfg}, nil
	}

	leaf, err := Resolve(spec, tgt.OS, tgt.Arch)
	if err != nil {
		if be, ok := err.(*engine.BuildError); ok {
			return nil, be.WithNode(unit.ID).WithTarget(tgt)
		}
		return nil, engine.NewOverlayResolutionError(unit.ID, tgt.OS, tgt.Arch)
	}

	if leaf.Ignore != "" {
		return &engine.ConfigOutcome{Ignored: true, IgnoreReason: leaf.Ignore}, nil
	}

	cfg.CFlags = leaf.CFlags
	cfg.LDFlags = leaf.LDFlags
	cfg.LDLibs = leaf.LDLibs
	cfg.Toolchain = qualify(e.Suite.Name, leaf.Toolchain)
	return &engine.ConfigOutcome{Config: cfg}, nil
}

// Layout returns the effective layout of a distribution for one target: the
// platform-scoped overlay layout when one matches, else the static layout.
// The overlay layout replaces the static one in full; path maps are not
// merged across the two.
func Layout(dist *manifest.Distribution, tgt engine.Target) (manifest.Layout, error) {
	if len(dist.OSArch) > 0 {
		leaf, err := Resolve(dist.OSArch, tgt.OS, tgt.Arch)
		if err == nil && leaf.Ignore == "" && len(leaf.Layout) > 0 {
			return leaf.Layout, nil
		}
		if err != nil && len(dist.Layout) == 0 {
			return nil, err
		}
	}
	return dist.Layout, nil
}

func qualify(suite, ref string) string {
	if ref == "" {
		return ""
	}
	s, name := manifest.SplitReference(ref)
	if s == "" {
		s = suite
	}
	return manifest.QualifiedName(s, name)
}
