// Package layout materializes distribution output trees. It expands layout
// tokens against already built artifacts, writes the resulting file tree
// through a staging directory with an atomic publish step, and emits the
// reproducible hash and file-list manifests used for caching and
// verification.
package layout

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/suiteforge/suiteforge/pkg/engine"
	"github.com/suiteforge/suiteforge/pkg/manifest"
	"github.com/suiteforge/suiteforge/pkg/overlay"
)

// Materializer assembles distribution trees under an output root. Concurrent
// materializations never target the same (target, distribution) subpath, so
// no locking is needed beyond the atomic publish step.
type Materializer struct {
	reg        *manifest.Registry
	outputRoot string
	log        zerolog.Logger
}

// NewMaterializer creates a materializer writing under outputRoot.
func NewMaterializer(reg *manifest.Registry, outputRoot string, log zerolog.Logger) *Materializer {
	return &Materializer{
		reg:        reg,
		outputRoot: outputRoot,
		log:        log.With().Str("component", "layout").Logger(),
	}
}

// Dir returns the published directory of a unit for a target.
func (m *Materializer) Dir(unit *engine.BuildUnit, tgt engine.Target) string {
	return filepath.Join(m.outputRoot, tgt.String(), unit.Suite, unit.Name)
}

// Materialize expands the distribution's layout into a staged tree, emits
// the manifests, and atomically publishes the result. The scheduler
// guarantees every referenced dependency is already terminal, so a token
// that cannot be satisfied here is a dangling or premature reference.
func (m *Materializer) Materialize(ctx context.Context, unit *engine.BuildUnit, _ *engine.NodeConfig, tgt engine.Target, deps map[string]engine.ArtifactInfo) (*engine.ArtifactInfo, error) {
	e, ok := m.reg.Lookup(unit.ID)
	if !ok || e.Distribution == nil {
		return nil, engine.NewInternalError("not a distribution: "+unit.ID, nil)
	}

	lay, err := overlay.Layout(e.Distribution, tgt)
	if err != nil {
		return nil, err
	}

	stagingRoot := filepath.Join(m.outputRoot, ".staging")
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return nil, engine.NewToolchainError("cannot create staging root", err)
	}
	staging, err := os.MkdirTemp(stagingRoot, unit.Name+"-")
	if err != nil {
		return nil, engine.NewToolchainError("cannot create staging directory", err)
	}
	defer os.RemoveAll(staging)

	// Expand path patterns in sorted order so overlapping writes are
	// deterministic.
	patterns := make([]string, 0, len(lay))
	for p := range lay {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	for _, pattern := range patterns {
		outPath := substitutePlaceholders(pattern, tgt)
		for _, tok := range lay[pattern] {
			if err := ctx.Err(); err != nil {
				return nil, engine.NewToolchainError("materialization cancelled", err)
			}
			if err := m.expand(e, tok, tgt, deps, staging, outPath); err != nil {
				return nil, err
			}
		}
	}

	man, err := WriteManifests(staging)
	if err != nil {
		return nil, err
	}

	dest := m.Dir(unit, tgt)
	if err := publish(staging, dest); err != nil {
		return nil, engine.NewToolchainError("cannot publish distribution", err)
	}

	m.log.Debug().
		Str("distribution", unit.ID).
		Str("target", tgt.String()).
		Int("files", len(man.Files)).
		Msg("distribution materialized")

	return &engine.ArtifactInfo{Path: dest, Hash: man.TreeHash}, nil
}

// expand writes one layout token into the staged tree.
func (m *Materializer) expand(e *manifest.Entity, tok manifest.LayoutToken, tgt engine.Target, deps map[string]engine.ArtifactInfo, staging, outPath string) error {
	switch tok.Kind {
	case manifest.TokenInline:
		return writeFile(filepath.Join(staging, destName(outPath, "content")), []byte(tok.Path))

	case manifest.TokenLiteral:
		src := filepath.Join(e.Suite.Dir, tok.Path)
		return copyPath(src, filepath.Join(staging, destName(outPath, filepath.Base(tok.Path))))

	case manifest.TokenDependencyRef, manifest.TokenDependencyGlob, manifest.TokenLibraryName:
		info, err := m.artifactFor(e, tok, deps)
		if err != nil {
			return err
		}
		switch tok.Kind {
		case manifest.TokenDependencyGlob:
			return copyTree(info.Path, filepath.Join(staging, strings.TrimSuffix(outPath, "/")))

		case manifest.TokenLibraryName:
			name := manifest.SharedLibraryName(tgt.OS, tok.Lib)
			src := filepath.Join(info.Path, name)
			if _, err := os.Stat(src); err != nil {
				return engine.NewLayoutTokenError(tok.Raw,
					fmt.Sprintf("library %s was not built for %s", name, tgt))
			}
			return copyPath(src, filepath.Join(staging, destName(outPath, name)))

		default:
			if tok.SubPath != "" {
				src := filepath.Join(info.Path, tok.SubPath)
				if _, err := os.Stat(src); err != nil {
					return engine.NewLayoutTokenError(tok.Raw, "referenced path not present in artifact")
				}
				return copyPath(src, filepath.Join(staging, destName(outPath, filepath.Base(tok.SubPath))))
			}
			primary, ok := m.primaryArtifact(tok, tgt)
			if !ok {
				// Distributions have no single deliverable; take the tree.
				return copyTree(info.Path, filepath.Join(staging, strings.TrimSuffix(outPath, "/")))
			}
			src := filepath.Join(info.Path, primary)
			if _, err := os.Stat(src); err != nil {
				return engine.NewLayoutTokenError(tok.Raw,
					fmt.Sprintf("deliverable %s not present in artifact", primary))
			}
			return copyPath(src, filepath.Join(staging, destName(outPath, primary)))
		}
	}
	return engine.NewLayoutTokenError(tok.Raw, "unknown token kind")
}

// artifactFor checks the token against the distribution's declared
// dependency closure and returns the built artifact.
func (m *Materializer) artifactFor(e *manifest.Entity, tok manifest.LayoutToken, deps map[string]engine.ArtifactInfo) (engine.ArtifactInfo, error) {
	ref := tok.Ref()
	if _, ok := m.reg.Lookup(ref); !ok {
		return engine.ArtifactInfo{}, engine.NewLayoutTokenError(tok.Raw, "references an unknown unit")
	}
	info, ok := deps[ref]
	if !ok {
		// Either outside the declared dependency closure or never built
		// for this platform: hidden references are not allowed.
		return engine.ArtifactInfo{}, engine.NewLayoutTokenError(tok.Raw,
			"references a unit outside the distribution's dependency closure or not built for this target")
	}
	return info, nil
}

// primaryArtifact names the single-file deliverable of a referenced project,
// or ok=false when the reference is a distribution.
func (m *Materializer) primaryArtifact(tok manifest.LayoutToken, tgt engine.Target) (string, bool) {
	dep, ok := m.reg.Lookup(tok.Ref())
	if !ok || dep.Project == nil {
		return "", false
	}
	proj := dep.Project
	switch proj.Native {
	case "shared_lib":
		return manifest.SharedLibraryName(tgt.OS, proj.Deliverable), true
	case "static_lib":
		if tgt.OS == "windows" {
			return proj.Deliverable + ".lib", true
		}
		return "lib" + proj.Deliverable + ".a", true
	case "executable":
		if tgt.OS == "windows" {
			return proj.Deliverable + ".exe", true
		}
		return proj.Deliverable, true
	default:
		return dep.Name + ".zip", true
	}
}

// substitutePlaceholders replaces <os> and <arch> in an output path pattern.
func substitutePlaceholders(pattern string, tgt engine.Target) string {
	out := strings.ReplaceAll(pattern, "<os>", tgt.OS)
	return strings.ReplaceAll(out, "<arch>", tgt.Arch)
}

// destName resolves the destination of a token within a pattern: patterns
// ending in "/" are directories receiving the entry under its own name,
// anything else names the file exactly.
func destName(outPath, base string) string {
	if strings.HasSuffix(outPath, "/") || outPath == "" {
		return filepath.Join(outPath, base)
	}
	return outPath
}

// publish atomically moves the staged tree into place, replacing any
// previous publication of the same subpath.
func publish(staging, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	return os.Rename(staging, dest)
}

func writeFile(dest string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return engine.NewToolchainError("cannot create output directory", err)
	}
	if err := os.WriteFile(dest, content, 0o644); err != nil {
		return engine.NewToolchainError("cannot write output file", err)
	}
	return nil
}

// copyPath copies a file or directory to dest.
func copyPath(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return engine.NewLayoutTokenError(src, "source does not exist")
	}
	if info.IsDir() {
		return copyTree(src, dest)
	}
	return copyFile(src, dest)
}

// copyTree copies the contents of a directory into dest.
func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		// Manifests of nested artifacts are recomputed at this level.
		if rel == HashManifestName || rel == FileListName {
			return nil
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
