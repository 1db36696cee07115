package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/suiteforge/suiteforge/pkg/engine"
)

// ManifestFile is the manifest filename inside a suite directory.
const ManifestFile = "suite.yaml"

// Loader loads a root suite and the transitive closure of its imports.
// Suite-level imports may be circular; the loader visits each suite once.
type Loader struct {
	log zerolog.Logger
}

// NewLoader creates a manifest loader.
func NewLoader(log zerolog.Logger) *Loader {
	return &Loader{log: log.With().Str("component", "manifest").Logger()}
}

// Load reads the suite at dir plus every imported suite and returns them in
// load order, root first. Imported suites with subdir set are resolved as
// sibling directories of the importing suite.
func (l *Loader) Load(dir string) ([]*Suite, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, engine.NewSchemaError(dir, "cannot resolve suite directory", err)
	}

	visited := make(map[string]bool)
	var suites []*Suite

	var load func(suiteDir string) error
	load = func(suiteDir string) error {
		path := filepath.Join(suiteDir, ManifestFile)
		raw, err := os.ReadFile(path)
		if err != nil {
			return engine.NewSchemaError(path, "cannot read manifest", err)
		}

		suite, err := ParseSuite(raw)
		if err != nil {
			return err
		}
		suite.Dir = suiteDir

		if visited[suite.Name] {
			// Circular suite imports are legal; each suite loads once.
			return nil
		}
		visited[suite.Name] = true
		suites = append(suites, suite)

		l.log.Debug().
			Str("suite", suite.Name).
			Int("projects", len(suite.Projects)).
			Int("distributions", len(suite.Distributions)).
			Msg("loaded suite manifest")

		for _, imp := range suite.Imports.Suites {
			if visited[imp.Name] {
				continue
			}
			impDir := filepath.Join(filepath.Dir(suiteDir), imp.Name)
			if !imp.Subdir {
				impDir = filepath.Join(suiteDir, imp.Name)
			}
			if _, err := os.Stat(filepath.Join(impDir, ManifestFile)); err != nil {
				return engine.NewSchemaError(
					fmt.Sprintf("%s/imports/%s", suite.Name, imp.Name),
					fmt.Sprintf("imported suite not found at %s", impDir), err)
			}
			if err := load(impDir); err != nil {
				return err
			}
		}
		return nil
	}

	if err := load(abs); err != nil {
		return nil, err
	}
	return suites, nil
}

// ManifestPaths returns the manifest file of every loaded suite, for watch
// mode.
func ManifestPaths(suites []*Suite) []string {
	paths := make([]string, 0, len(suites))
	for _, s := range suites {
		paths = append(paths, filepath.Join(s.Dir, ManifestFile))
	}
	return paths
}
