package manifest

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/suiteforge/suiteforge/pkg/engine"
)

var validate = validator.New()

// ParseSuite parses one raw manifest into a typed suite. It validates
// required fields per entity kind and fails with a schema error carrying the
// offending entity path; it does not resolve references.
func ParseSuite(raw []byte) (*Suite, error) {
	var suite Suite
	if err := yaml.Unmarshal(raw, &suite); err != nil {
		return nil, engine.NewSchemaError("suite", "malformed manifest", err)
	}
	if err := validate.Struct(&suite); err != nil {
		return nil, engine.NewSchemaError("suite", "missing required fields", err)
	}
	if err := validateSuite(&suite); err != nil {
		return nil, err
	}
	return &suite, nil
}

// validateSuite performs the shape checks yaml decoding cannot express.
func validateSuite(s *Suite) error {
	for _, imp := range s.Imports.Suites {
		if imp.Name == "" {
			return engine.NewSchemaError(s.Name+"/imports", "imported suite has no name", nil)
		}
	}

	for name, proj := range s.Projects {
		path := fmt.Sprintf("%s/projects/%s", s.Name, name)
		if proj == nil {
			return engine.NewSchemaError(path, "project definition is empty", nil)
		}
		if proj.SubDir == "" {
			return engine.NewSchemaError(path, "subDir is required", nil)
		}
		if _, err := ParseCompliance(proj.Compliance); err != nil {
			return engine.NewSchemaError(path, err.Error(), nil)
		}
		switch proj.Native {
		case "", "shared_lib", "static_lib", "executable":
		default:
			return engine.NewSchemaError(path, fmt.Sprintf("invalid native kind %q", proj.Native), nil)
		}
		if proj.Native != "" && proj.Deliverable == "" {
			return engine.NewSchemaError(path, "native projects require a deliverable name", nil)
		}
		if err := validateReferences(path, proj.Dependencies); err != nil {
			return err
		}
		if err := validateOverlay(path, proj.OSArch); err != nil {
			return err
		}
	}

	for name, dist := range s.Distributions {
		path := fmt.Sprintf("%s/distributions/%s", s.Name, name)
		if dist == nil {
			return engine.NewSchemaError(path, "distribution definition is empty", nil)
		}
		if len(dist.Dependencies) == 0 && len(dist.DistDependencies) == 0 {
			return engine.NewSchemaError(path, "distribution references no projects or distributions", nil)
		}
		if err := validateReferences(path, dist.Dependencies); err != nil {
			return err
		}
		if err := validateReferences(path, dist.DistDependencies); err != nil {
			return err
		}
		if dist.ModuleInfo != nil && dist.ModuleInfo.Name == "" {
			return engine.NewSchemaError(path+"/moduleInfo", "module name is required", nil)
		}
		if len(dist.Layout) == 0 && !hasOverlayLayout(dist.OSArch) {
			return engine.NewSchemaError(path, "distribution declares no layout", nil)
		}
		if err := validateOverlay(path, dist.OSArch); err != nil {
			return err
		}
	}

	return nil
}

// validateReferences checks that dependency list entries are well-formed
// names or suite-qualified pairs.
func validateReferences(path string, refs []string) error {
	for _, ref := range refs {
		suite, name := SplitReference(ref)
		if name == "" || (suite == "" && ref != name) {
			return engine.NewSchemaError(path, fmt.Sprintf("malformed dependency reference %q", ref), nil)
		}
	}
	return nil
}

// validateOverlay checks overlay tables for empty branches. The wildcard key
// is legal at either level independently.
func validateOverlay(path string, spec OverlaySpec) error {
	for osKey, branch := range spec {
		if len(branch) == 0 {
			return engine.NewSchemaError(path, fmt.Sprintf("os_arch branch %q has no architectures", osKey), nil)
		}
		for archKey, leaf := range branch {
			if leaf == nil {
				return engine.NewSchemaError(path,
					fmt.Sprintf("os_arch leaf %s/%s is empty", osKey, archKey), nil)
			}
		}
	}
	return nil
}

func hasOverlayLayout(spec OverlaySpec) bool {
	for _, branch := range spec {
		for _, leaf := range branch {
			if leaf != nil && len(leaf.Layout) > 0 {
				return true
			}
		}
	}
	return false
}
