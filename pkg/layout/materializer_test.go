package layout

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/suiteforge/suiteforge/pkg/engine"
	"github.com/suiteforge/suiteforge/pkg/manifest"
)

var linuxAmd64 = engine.Target{OS: "linux", Arch: "amd64"}

// fixture builds a registry with one suite, prebuilt dependency artifacts on
// disk, and a materializer writing under a fresh output root.
type fixture struct {
	mat  *Materializer
	dist *manifest.Distribution
	unit *engine.BuildUnit
	deps map[string]engine.ArtifactInfo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	suiteDir := t.TempDir()
	writeTree(t, suiteDir, map[string]string{"LICENSE": "license text"})

	dist := &manifest.Distribution{
		Dependencies: []string{"nfi", "docs"},
	}
	suite := &manifest.Suite{
		Name: "core",
		Dir:  suiteDir,
		Projects: map[string]*manifest.Project{
			"nfi": {
				SubDir:      "src/nfi",
				Native:      "shared_lib",
				Deliverable: "nfi",
			},
			"docs": {SubDir: "src/docs"},
		},
		Distributions: map[string]*manifest.Distribution{"bundle": dist},
	}
	reg, err := manifest.NewRegistry([]*manifest.Suite{suite})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	nfiOut := t.TempDir()
	writeTree(t, nfiOut, map[string]string{
		"libnfi.so":   "elf",
		"include/n.h": "header",
	})
	docsOut := t.TempDir()
	writeTree(t, docsOut, map[string]string{"docs.zip": "archive"})

	return &fixture{
		mat:  NewMaterializer(reg, t.TempDir(), zerolog.Nop()),
		dist: dist,
		unit: &engine.BuildUnit{ID: "core:bundle", Suite: "core", Name: "bundle", Kind: engine.KindDistribution},
		deps: map[string]engine.ArtifactInfo{
			"core:nfi":  {Path: nfiOut, Hash: "nfi-hash"},
			"core:docs": {Path: docsOut, Hash: "docs-hash"},
		},
	}
}

func tokens(t *testing.T, raws ...string) []manifest.LayoutToken {
	t.Helper()
	out := make([]manifest.LayoutToken, 0, len(raws))
	for _, raw := range raws {
		tok, err := manifest.ParseLayoutToken(raw)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		out = append(out, tok)
	}
	return out
}

func mustStat(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Expected %s to exist: %v", path, err)
	}
}

func TestMaterializer_ExpandsTokenVariants(t *testing.T) {
	f := newFixture(t)
	f.dist.Layout = manifest.Layout{
		"./":                tokens(t, "file:LICENSE", "string:suite=core\n"),
		"lib/":              tokens(t, "dependency:core:nfi/<lib:nfi>"),
		"include/":          tokens(t, "dependency:core:nfi/include/n.h"),
		"archives/":         tokens(t, "dependency:core:docs"),
		"full/<os>-<arch>/": tokens(t, "dependency:core:nfi/*"),
	}

	info, err := f.mat.Materialize(context.Background(), f.unit, nil, linuxAmd64, f.deps)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if info.Hash == "" {
		t.Error("Expected a tree hash on the artifact")
	}

	mustStat(t, filepath.Join(info.Path, "LICENSE"))
	mustStat(t, filepath.Join(info.Path, "content"))
	mustStat(t, filepath.Join(info.Path, "lib", "libnfi.so"))
	mustStat(t, filepath.Join(info.Path, "include", "n.h"))
	mustStat(t, filepath.Join(info.Path, "archives", "docs.zip"))
	mustStat(t, filepath.Join(info.Path, "full", "linux-amd64", "libnfi.so"))
	mustStat(t, filepath.Join(info.Path, "full", "linux-amd64", "include", "n.h"))
	mustStat(t, filepath.Join(info.Path, HashManifestName))
	mustStat(t, filepath.Join(info.Path, FileListName))

	content, err := os.ReadFile(filepath.Join(info.Path, "content"))
	if err != nil || string(content) != "suite=core\n" {
		t.Errorf("Expected inline content written verbatim, got %q err=%v", content, err)
	}

	// The published tree must verify cleanly against its own manifests.
	res, err := Verify(info.Path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !res.OK() {
		t.Errorf("Expected clean verification, got %+v", res)
	}
}

func TestMaterializer_LibraryNamePerPlatform(t *testing.T) {
	f := newFixture(t)
	f.dist.Layout = manifest.Layout{"lib/": tokens(t, "dependency:core:nfi/<lib:nfi>")}

	// The linux artifact holds libnfi.so, so asking for the windows name
	// must fail rather than silently copy the wrong file.
	_, err := f.mat.Materialize(context.Background(), f.unit, nil, engine.Target{OS: "windows", Arch: "amd64"}, f.deps)
	if err == nil {
		t.Fatal("Expected missing library error, got nil")
	}
	var be *engine.BuildError
	if !errors.As(err, &be) || be.Code != engine.ErrCodeLayoutToken {
		t.Errorf("Expected %s, got: %v", engine.ErrCodeLayoutToken, err)
	}
}

func TestMaterializer_RejectsHiddenReference(t *testing.T) {
	f := newFixture(t)
	f.dist.Layout = manifest.Layout{"./": tokens(t, "dependency:core:nfi")}
	delete(f.deps, "core:nfi")

	_, err := f.mat.Materialize(context.Background(), f.unit, nil, linuxAmd64, f.deps)
	if err == nil {
		t.Fatal("Expected hidden reference error, got nil")
	}
	var be *engine.BuildError
	if !errors.As(err, &be) || be.Code != engine.ErrCodeLayoutToken {
		t.Errorf("Expected %s, got: %v", engine.ErrCodeLayoutToken, err)
	}
}

func TestMaterializer_RepublishReplacesPreviousTree(t *testing.T) {
	f := newFixture(t)
	f.dist.Layout = manifest.Layout{"./": tokens(t, "file:LICENSE", "dependency:core:docs")}

	first, err := f.mat.Materialize(context.Background(), f.unit, nil, linuxAmd64, f.deps)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	mustStat(t, filepath.Join(first.Path, "docs.zip"))

	f.dist.Layout = manifest.Layout{"./": tokens(t, "file:LICENSE")}
	second, err := f.mat.Materialize(context.Background(), f.unit, nil, linuxAmd64, f.deps)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if second.Path != first.Path {
		t.Errorf("Expected stable publish path, got %s then %s", first.Path, second.Path)
	}
	if _, err := os.Stat(filepath.Join(second.Path, "docs.zip")); !os.IsNotExist(err) {
		t.Error("Expected stale file to be gone after republish")
	}
	if first.Hash == second.Hash {
		t.Error("Expected tree hash to change with the layout")
	}
}

func TestMaterializer_NamedDestinationFile(t *testing.T) {
	f := newFixture(t)
	f.dist.Layout = manifest.Layout{"legal/THIRD_PARTY": tokens(t, "file:LICENSE")}

	info, err := f.mat.Materialize(context.Background(), f.unit, nil, linuxAmd64, f.deps)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	mustStat(t, filepath.Join(info.Path, "legal", "THIRD_PARTY"))
}

func TestMaterializer_CancelledContext(t *testing.T) {
	f := newFixture(t)
	f.dist.Layout = manifest.Layout{"./": tokens(t, "file:LICENSE")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.mat.Materialize(ctx, f.unit, nil, linuxAmd64, f.deps); err == nil {
		t.Fatal("Expected cancellation error, got nil")
	}
}
