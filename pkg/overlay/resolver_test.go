package overlay

import (
	"errors"
	"testing"

	"github.com/suiteforge/suiteforge/pkg/engine"
	"github.com/suiteforge/suiteforge/pkg/manifest"
)

func testSpec() manifest.OverlaySpec {
	return manifest.OverlaySpec{
		"linux": {
			"amd64":           {CFlags: []string{"-O2", "-march=x86-64"}},
			manifest.Wildcard: {CFlags: []string{"-O2"}},
		},
		manifest.Wildcard: {
			"aarch64":         {CFlags: []string{"-O1"}},
			manifest.Wildcard: {Ignore: "untested platform"},
		},
	}
}

func TestResolve_ExactMatch(t *testing.T) {
	leaf, err := Resolve(testSpec(), "linux", "amd64")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(leaf.CFlags) != 2 || leaf.CFlags[1] != "-march=x86-64" {
		t.Errorf("Expected exact amd64 leaf, got %+v", leaf)
	}
}

func TestResolve_ArchWildcardWithinExactOS(t *testing.T) {
	leaf, err := Resolve(testSpec(), "linux", "riscv64")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(leaf.CFlags) != 1 || leaf.CFlags[0] != "-O2" {
		t.Errorf("Expected linux wildcard leaf, got %+v", leaf)
	}
}

func TestResolve_WildcardOSExactArch(t *testing.T) {
	// A wildcard os branch combined with an exact arch key is legal.
	leaf, err := Resolve(testSpec(), "freebsd", "aarch64")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(leaf.CFlags) != 1 || leaf.CFlags[0] != "-O1" {
		t.Errorf("Expected wildcard-os aarch64 leaf, got %+v", leaf)
	}
}

func TestResolve_DoubleWildcard(t *testing.T) {
	leaf, err := Resolve(testSpec(), "darwin", "arm64")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if leaf.Ignore != "untested platform" {
		t.Errorf("Expected ignore leaf, got %+v", leaf)
	}
}

func TestResolve_NoMergingAcrossBranches(t *testing.T) {
	spec := manifest.OverlaySpec{
		"linux": {
			"amd64":           {CFlags: []string{"-O3"}},
			manifest.Wildcard: {CFlags: []string{"-O2"}, LDLibs: []string{"-lm"}},
		},
	}
	leaf, err := Resolve(spec, "linux", "amd64")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	// The exact leaf replaces the wildcard leaf entirely, so the wildcard's
	// ldlibs must not leak in.
	if len(leaf.LDLibs) != 0 {
		t.Errorf("Expected no ldlibs on the exact leaf, got %v", leaf.LDLibs)
	}
}

func TestResolve_MissingBranch(t *testing.T) {
	spec := manifest.OverlaySpec{
		"linux": {
			"amd64": {},
		},
	}

	tests := []struct {
		os, arch string
	}{
		{"windows", "amd64"},
		{"linux", "arm64"},
	}
	for _, tt := range tests {
		_, err := Resolve(spec, tt.os, tt.arch)
		if err == nil {
			t.Fatalf("Expected resolution error for %s/%s, got nil", tt.os, tt.arch)
		}
		var be *engine.BuildError
		if !errors.As(err, &be) || be.Code != engine.ErrCodeOverlayResolution {
			t.Errorf("Expected %s, got: %v", engine.ErrCodeOverlayResolution, err)
		}
	}
}

func TestResolve_Pure(t *testing.T) {
	spec := testSpec()
	first, err := Resolve(spec, "linux", "amd64")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	second, err := Resolve(spec, "linux", "amd64")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if first != second {
		t.Error("Expected repeated resolution to return the same leaf")
	}
}

func testRegistry(t *testing.T) *manifest.Registry {
	t.Helper()
	suite := &manifest.Suite{
		Name: "core",
		Projects: map[string]*manifest.Project{
			"plain": {
				SubDir:     "src/plain",
				Compliance: "17+",
			},
			"native": {
				SubDir:      "src/native",
				Native:      "shared_lib",
				Deliverable: "native",
				OSArch: manifest.OverlaySpec{
					"linux": {
						manifest.Wildcard: {
							CFlags:    []string{"-fPIC"},
							Toolchain: "cc-toolchain",
						},
					},
					manifest.Wildcard: {
						manifest.Wildcard: {Ignore: "no port"},
					},
				},
			},
			"cc-toolchain": {SubDir: "src/cc"},
		},
	}
	reg, err := manifest.NewRegistry([]*manifest.Suite{suite})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return reg
}

func TestResolver_StaticConfig(t *testing.T) {
	r := NewResolver(testRegistry(t))

	out, err := r.Resolve(&engine.BuildUnit{ID: "core:plain"}, engine.Target{OS: "linux", Arch: "amd64"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if out.Ignored {
		t.Fatal("Expected resolved config, got ignore outcome")
	}
	if out.Config.Compliance != "17+" {
		t.Errorf("Expected compliance 17+, got %q", out.Config.Compliance)
	}
}

func TestResolver_OverlayConfig(t *testing.T) {
	r := NewResolver(testRegistry(t))

	out, err := r.Resolve(&engine.BuildUnit{ID: "core:native"}, engine.Target{OS: "linux", Arch: "arm64"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	cfg := out.Config
	if cfg.NativeKind != "shared_lib" || cfg.Deliverable != "native" {
		t.Errorf("Expected native config carried over, got %+v", cfg)
	}
	if len(cfg.CFlags) != 1 || cfg.CFlags[0] != "-fPIC" {
		t.Errorf("Expected overlay cflags, got %v", cfg.CFlags)
	}
	// Bare toolchain references qualify against the owning suite.
	if cfg.Toolchain != "core:cc-toolchain" {
		t.Errorf("Expected qualified toolchain reference, got %q", cfg.Toolchain)
	}
}

func TestResolver_IgnoreOutcome(t *testing.T) {
	r := NewResolver(testRegistry(t))

	out, err := r.Resolve(&engine.BuildUnit{ID: "core:native"}, engine.Target{OS: "darwin", Arch: "arm64"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !out.Ignored || out.IgnoreReason != "no port" {
		t.Errorf("Expected ignore outcome with reason, got %+v", out)
	}
}

func TestLayout_OverlayReplacesStatic(t *testing.T) {
	static := manifest.Layout{"./": {{Kind: manifest.TokenInline, Raw: "string:static", Path: "static"}}}
	scoped := manifest.Layout{"bin/": {{Kind: manifest.TokenInline, Raw: "string:scoped", Path: "scoped"}}}
	dist := &manifest.Distribution{
		Layout: static,
		OSArch: manifest.OverlaySpec{
			"linux": {manifest.Wildcard: {Layout: scoped}},
		},
	}

	got, err := Layout(dist, engine.Target{OS: "linux", Arch: "amd64"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, ok := got["bin/"]; !ok || len(got) != 1 {
		t.Errorf("Expected the overlay layout to replace the static one, got %v", got)
	}

	got, err = Layout(dist, engine.Target{OS: "windows", Arch: "amd64"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, ok := got["./"]; !ok {
		t.Errorf("Expected fallback to the static layout, got %v", got)
	}
}
