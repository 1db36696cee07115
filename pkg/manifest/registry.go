package manifest

import (
	"fmt"
	"sort"

	"github.com/suiteforge/suiteforge/pkg/engine"
)

// Entity is one named buildable entry in the registry.
type Entity struct {
	// Suite is the owning suite.
	Suite *Suite

	// Name is the entity name within the suite.
	Name string

	// Project is set for project entities.
	Project *Project

	// Distribution is set for distribution entities.
	Distribution *Distribution
}

// ID returns the qualified "suite:name" identifier.
func (e *Entity) ID() string {
	return QualifiedName(e.Suite.Name, e.Name)
}

// Kind returns the build unit kind of the entity.
func (e *Entity) Kind() engine.UnitKind {
	if e.Distribution != nil {
		return engine.KindDistribution
	}
	return engine.KindProject
}

// Registry is the immutable name registry over a suite closure. It is built
// once per run and passed by reference to every resolver, so concurrent
// builds of different target sets cannot interfere through shared lookups.
type Registry struct {
	suites   map[string]*Suite
	entities map[string]*Entity

	// owners maps bare entity names to their owning suite, enforcing that
	// names stay unique unqualified across the closure.
	owners map[string]string
}

// NewRegistry indexes the given suites. Project and distribution names must
// be unique within the transitive closure of a suite and its imports.
func NewRegistry(suites []*Suite) (*Registry, error) {
	r := &Registry{
		suites:   make(map[string]*Suite, len(suites)),
		entities: make(map[string]*Entity),
		owners:   make(map[string]string),
	}

	for _, suite := range suites {
		if _, dup := r.suites[suite.Name]; dup {
			return nil, engine.NewSchemaError(suite.Name, "suite name appears twice in the import closure", nil)
		}
		r.suites[suite.Name] = suite

		for name, proj := range suite.Projects {
			if err := r.add(&Entity{Suite: suite, Name: name, Project: proj}); err != nil {
				return nil, err
			}
		}
		for name, dist := range suite.Distributions {
			if err := r.add(&Entity{Suite: suite, Name: name, Distribution: dist}); err != nil {
				return nil, err
			}
		}
	}

	if err := r.validateModuleInfo(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) add(e *Entity) error {
	id := e.ID()
	if _, dup := r.entities[id]; dup {
		return engine.NewSchemaError(id, "duplicate project/distribution name in suite", nil)
	}
	// Names must also be unique unqualified across the closure, so bare
	// references are unambiguous within their own suite.
	if owner, dup := r.owners[e.Name]; dup {
		return engine.NewSchemaError(id,
			fmt.Sprintf("name %q already defined by suite %q in the import closure", e.Name, owner), nil)
	}
	r.owners[e.Name] = e.Suite.Name
	r.entities[id] = e
	return nil
}

// Lookup resolves an entity by qualified ID.
func (r *Registry) Lookup(id string) (*Entity, bool) {
	e, ok := r.entities[id]
	return e, ok
}

// Suite returns a loaded suite by name.
func (r *Registry) Suite(name string) (*Suite, bool) {
	s, ok := r.suites[name]
	return s, ok
}

// ResolveReference resolves a dependency reference as seen from a suite:
// bare names resolve within that suite, qualified names anywhere in the
// closure.
func (r *Registry) ResolveReference(fromSuite, ref string) (*Entity, bool) {
	suite, name := SplitReference(ref)
	if suite == "" {
		suite = fromSuite
	}
	return r.Lookup(QualifiedName(suite, name))
}

// BuildUnits resolves every dependency reference and produces the immutable
// build units the graph builder consumes. A reference that does not resolve
// anywhere in the closure is an unresolved reference error.
func (r *Registry) BuildUnits() ([]*engine.BuildUnit, error) {
	ids := make([]string, 0, len(r.entities))
	for id := range r.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	units := make([]*engine.BuildUnit, 0, len(ids))
	for _, id := range ids {
		e := r.entities[id]
		unit := &engine.BuildUnit{
			ID:    id,
			Suite: e.Suite.Name,
			Name:  e.Name,
			Kind:  e.Kind(),
		}

		var refs []string
		switch {
		case e.Project != nil:
			refs = e.Project.Dependencies
			unit.PlatformDependent = e.Project.PlatformDependent
			if tc := toolchainRefs(e.Project.OSArch); len(tc) > 0 {
				refs = append(append([]string(nil), refs...), tc...)
			}
		case e.Distribution != nil:
			refs = append(append([]string(nil), e.Distribution.Dependencies...), e.Distribution.DistDependencies...)
			unit.PlatformDependent = e.Distribution.PlatformDependent
			unit.Platforms = e.Distribution.Platforms
		}

		seen := make(map[string]bool, len(refs))
		for _, ref := range refs {
			dep, ok := r.ResolveReference(e.Suite.Name, ref)
			if !ok {
				return nil, engine.NewUnresolvedReferenceError(ref, id)
			}
			depID := dep.ID()
			if !seen[depID] {
				seen[depID] = true
				unit.Dependencies = append(unit.Dependencies, depID)
			}
		}
		sort.Strings(unit.Dependencies)
		units = append(units, unit)
	}
	return units, nil
}

// toolchainRefs collects toolchain references from an overlay table. A
// toolchain is itself a dependency reference that must be built first.
func toolchainRefs(spec OverlaySpec) []string {
	seen := make(map[string]bool)
	var refs []string
	for _, branch := range spec {
		for _, leaf := range branch {
			if leaf != nil && leaf.Toolchain != "" && !seen[leaf.Toolchain] {
				seen[leaf.Toolchain] = true
				refs = append(refs, leaf.Toolchain)
			}
		}
	}
	sort.Strings(refs)
	return refs
}

// validateModuleInfo checks that every exported package of a distribution's
// module descriptor exists among its constituent projects.
func (r *Registry) validateModuleInfo() error {
	for id, e := range r.entities {
		if e.Distribution == nil || e.Distribution.ModuleInfo == nil {
			continue
		}

		available := make(map[string]bool)
		for _, ref := range e.Distribution.Dependencies {
			dep, ok := r.ResolveReference(e.Suite.Name, ref)
			if !ok {
				// Left for BuildUnits to report with full context.
				continue
			}
			if dep.Project != nil {
				for _, pkg := range dep.Project.Packages {
					available[pkg] = true
				}
			}
		}

		for _, export := range e.Distribution.ModuleInfo.Exports {
			if !available[export] {
				return engine.NewSchemaError(id+"/moduleInfo",
					fmt.Sprintf("exported package %q is not provided by any constituent project", export), nil)
			}
		}
	}
	return nil
}
