// Package manifest parses declarative suite manifests into typed entities.
// A suite is a named collection of projects, distributions, and imported
// suites; parsing validates shape only and never resolves references, which
// is deferred to the registry once the full import closure is loaded.
package manifest

import (
	"fmt"
	"strconv"
	"strings"
)

// Wildcard is the overlay key matched when no explicit key applies.
const Wildcard = "<others>"

// Suite is the root entity of one manifest file.
type Suite struct {
	// Name is the suite name, unique across the import closure.
	Name string `yaml:"name" validate:"required"`

	// Version is the suite version string.
	Version string `yaml:"version"`

	// DefaultLicense is bookkeeping metadata applied to entities that do
	// not declare their own license.
	DefaultLicense string `yaml:"defaultLicense"`

	// Imports declares the suites this suite depends on. Suite-level
	// imports may be circular; project and distribution references
	// across them must not be.
	Imports Imports `yaml:"imports"`

	// Projects maps project names to their definitions.
	Projects map[string]*Project `yaml:"projects"`

	// Distributions maps distribution names to their definitions.
	Distributions map[string]*Distribution `yaml:"distributions"`

	// Dir is the suite's source tree root, set by the loader. file:
	// layout tokens resolve relative to it.
	Dir string `yaml:"-"`
}

// Imports declares imported suites.
type Imports struct {
	Suites []SuiteImport `yaml:"suites"`
}

// SuiteImport references one imported suite.
type SuiteImport struct {
	// Name is the imported suite's name.
	Name string `yaml:"name" validate:"required"`

	// Subdir indicates the suite lives in a sibling directory of that
	// name rather than at an explicit location.
	Subdir bool `yaml:"subdir"`
}

// Project is a buildable source unit. Projects are constructed once at
// manifest load and immutable thereafter.
type Project struct {
	// SubDir is the source subdirectory within the suite tree.
	SubDir string `yaml:"subDir" validate:"required"`

	// Dependencies reference other projects or distributions, either
	// bare (same suite) or qualified "suite:name".
	Dependencies []string `yaml:"dependencies"`

	// Compliance is the language compliance level, e.g. "17+" or "8".
	Compliance string `yaml:"compliance"`

	// Packages lists the packages this project provides, used to check
	// distribution module exports.
	Packages []string `yaml:"packages"`

	// License overrides the suite default license.
	License string `yaml:"license"`

	// Native marks a native unit: shared_lib, static_lib or executable.
	Native string `yaml:"native"`

	// Deliverable is the base name of the produced native artifact.
	Deliverable string `yaml:"deliverable"`

	// PlatformDependent marks units whose output differs per target.
	PlatformDependent bool `yaml:"platformDependent"`

	// OSArch is the per-platform overlay table.
	OSArch OverlaySpec `yaml:"os_arch"`
}

// Distribution is a packaging unit assembled from built artifacts.
type Distribution struct {
	// Dependencies reference the constituent projects.
	Dependencies []string `yaml:"dependencies"`

	// DistDependencies reference other distributions this one builds on.
	DistDependencies []string `yaml:"distDependencies"`

	// Layout maps output path patterns to layout entries. Patterns may
	// contain <os> and <arch> placeholders.
	Layout Layout `yaml:"layout"`

	// ModuleInfo is the module descriptor emitted with the distribution.
	ModuleInfo *ModuleInfo `yaml:"moduleInfo"`

	// PlatformDependent marks distributions assembled per target.
	PlatformDependent bool `yaml:"platformDependent"`

	// Platforms optionally restricts the distribution to a set of
	// operating systems.
	Platforms []string `yaml:"platforms"`

	// License overrides the suite default license.
	License string `yaml:"license"`

	// OSArch optionally overlays platform-scoped layouts and flags.
	OSArch OverlaySpec `yaml:"os_arch"`
}

// Layout maps output path patterns to their layout entries.
type Layout map[string][]LayoutToken

// ModuleInfo is the per-distribution module descriptor. Every exported
// package must be physically present among the distribution's constituent
// projects.
type ModuleInfo struct {
	// Name is the module name.
	Name string `yaml:"name" validate:"required"`

	// Exports lists exported package names.
	Exports []string `yaml:"exports"`

	// Requires lists required module names.
	Requires []string `yaml:"requires"`
}

// OverlaySpec is a two-level nested table keyed first by operating system,
// then by architecture. Either level may carry the wildcard key matched
// when no explicit key applies.
type OverlaySpec map[string]OverlayBranch

// OverlayBranch is the arch-keyed second level of an overlay table.
type OverlayBranch map[string]*OverlayLeaf

// OverlayLeaf is one concrete overlay configuration. A matched leaf fully
// replaces any less specific leaf; fields are never merged across branches.
type OverlayLeaf struct {
	// Ignore, when non-empty, declares the platform intentionally
	// unsupported with the given reason. A normal terminal outcome.
	Ignore string `yaml:"ignore"`

	// CFlags are compiler flags.
	CFlags []string `yaml:"cflags"`

	// LDFlags are linker flags.
	LDFlags []string `yaml:"ldflags"`

	// LDLibs are linker libraries.
	LDLibs []string `yaml:"ldlibs"`

	// Toolchain references the toolchain unit to build with.
	Toolchain string `yaml:"toolchain"`

	// Layout is a platform-scoped layout for distributions.
	Layout Layout `yaml:"layout"`
}

// ComplianceLevel is a parsed language compliance level with lower-bound
// semantics: "17+" means 17 or later, "8" means exactly 8.
type ComplianceLevel struct {
	Min  int
	Open bool
}

// ParseCompliance parses a compliance level string. The empty string parses
// to the zero level, meaning unconstrained.
func ParseCompliance(s string) (ComplianceLevel, error) {
	if s == "" {
		return ComplianceLevel{}, nil
	}
	open := strings.HasSuffix(s, "+")
	num := strings.TrimSuffix(s, "+")
	min, err := strconv.Atoi(num)
	if err != nil || min <= 0 {
		return ComplianceLevel{}, fmt.Errorf("invalid compliance level %q", s)
	}
	return ComplianceLevel{Min: min, Open: open}, nil
}

// String renders the level in manifest form.
func (c ComplianceLevel) String() string {
	if c.Min == 0 {
		return ""
	}
	if c.Open {
		return fmt.Sprintf("%d+", c.Min)
	}
	return strconv.Itoa(c.Min)
}

// Satisfies reports whether a toolchain of the given level can build this
// compliance requirement.
func (c ComplianceLevel) Satisfies(level int) bool {
	if c.Min == 0 {
		return true
	}
	if c.Open {
		return level >= c.Min
	}
	return level == c.Min
}

// QualifiedName joins a suite and entity name into the canonical "suite:name"
// form used as graph node IDs.
func QualifiedName(suite, name string) string {
	return suite + ":" + name
}

// SplitReference splits a dependency reference into suite and name parts.
// A bare reference returns an empty suite, meaning same-suite resolution.
func SplitReference(ref string) (suite, name string) {
	if i := strings.IndexByte(ref, ':'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}
