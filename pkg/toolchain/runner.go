// Package toolchain invokes external build tools. The engine treats
// compilers, linkers and annotation processors as opaque collaborators: the
// runner hands a driver program the resolved configuration and expects it to
// populate the staged output directory.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/suiteforge/suiteforge/pkg/engine"
	"github.com/suiteforge/suiteforge/pkg/layout"
	"github.com/suiteforge/suiteforge/pkg/manifest"
)

// DriverName is the executable a toolchain distribution must provide under
// bin/ to be usable as a build driver.
const DriverName = "forge-driver"

// Runner executes external toolchain drivers for project units. Outputs are
// written to a staging directory and published atomically, so a failed or
// killed invocation never leaks partial outputs into the shared tree.
type Runner struct {
	reg        *manifest.Registry
	outputRoot string

	// SearchPaths are consulted before PATH when locating drivers.
	SearchPaths []string

	// DefaultDriver is the driver used when the resolved configuration
	// names no toolchain unit.
	DefaultDriver string

	log zerolog.Logger
}

// NewRunner creates a toolchain runner.
func NewRunner(reg *manifest.Registry, outputRoot string, searchPaths []string, log zerolog.Logger) *Runner {
	return &Runner{
		reg:           reg,
		outputRoot:    outputRoot,
		SearchPaths:   searchPaths,
		DefaultDriver: DriverName,
		log:           log.With().Str("component", "toolchain").Logger(),
	}
}

// Build invokes the external build step for one project unit. The context
// carries the per-node timeout; a timeout is treated identically to a
// toolchain failure.
func (r *Runner) Build(ctx context.Context, unit *engine.BuildUnit, cfg *engine.NodeConfig, tgt engine.Target, deps map[string]engine.ArtifactInfo) (*engine.ArtifactInfo, error) {
	e, ok := r.reg.Lookup(unit.ID)
	if !ok || e.Project == nil {
		return nil, engine.NewInternalError("not a project: "+unit.ID, nil)
	}

	driver, err := r.locateDriver(cfg, deps)
	if err != nil {
		return nil, err
	}

	stagingRoot := filepath.Join(r.outputRoot, ".staging")
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return nil, engine.NewToolchainError("cannot create staging root", err)
	}
	staging, err := os.MkdirTemp(stagingRoot, unit.Name+"-")
	if err != nil {
		return nil, engine.NewToolchainError("cannot create staging directory", err)
	}
	defer os.RemoveAll(staging)

	cmd := exec.CommandContext(ctx, driver)
	cmd.Dir = filepath.Join(e.Suite.Dir, e.Project.SubDir)
	cmd.Env = append(os.Environ(), r.driverEnv(unit, cfg, tgt, staging, deps)...)

	start := time.Now()
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := fmt.Sprintf("driver %s failed for %s", filepath.Base(driver), unit.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("driver %s timed out for %s", filepath.Base(driver), unit.ID)
		}
		if len(out) > 0 {
			err = fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
		}
		return nil, engine.NewToolchainError(msg, err).WithNode(unit.ID).WithTarget(tgt)
	}

	man, err := layout.WriteManifests(staging)
	if err != nil {
		return nil, err
	}

	dest := filepath.Join(r.outputRoot, tgt.String(), unit.Suite, unit.Name)
	if err := r.publish(staging, dest); err != nil {
		return nil, engine.NewToolchainError("cannot publish build output", err)
	}

	r.log.Debug().
		Str("unit", unit.ID).
		Str("target", tgt.String()).
		Str("driver", filepath.Base(driver)).
		Dur("duration", time.Since(start)).
		Msg("toolchain step finished")

	return &engine.ArtifactInfo{Path: dest, Hash: man.TreeHash}, nil
}

// locateDriver finds the driver executable: a toolchain unit's bin/ when the
// configuration names one, else the default driver on the search paths and
// PATH.
func (r *Runner) locateDriver(cfg *engine.NodeConfig, deps map[string]engine.ArtifactInfo) (string, error) {
	if cfg.Toolchain != "" {
		info, ok := deps[cfg.Toolchain]
		if !ok {
			return "", engine.NewToolchainError(
				fmt.Sprintf("toolchain %s was not built before its consumer", cfg.Toolchain), nil)
		}
		driver := filepath.Join(info.Path, "bin", DriverName)
		if _, err := os.Stat(driver); err != nil {
			return "", engine.NewToolchainError(
				fmt.Sprintf("toolchain %s provides no %s", cfg.Toolchain, DriverName), err)
		}
		return driver, nil
	}

	for _, dir := range r.SearchPaths {
		candidate := filepath.Join(dir, r.DefaultDriver)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	driver, err := exec.LookPath(r.DefaultDriver)
	if err != nil {
		return "", engine.NewToolchainError(
			fmt.Sprintf("driver %s not found on search paths or PATH", r.DefaultDriver), err)
	}
	return driver, nil
}

// driverEnv assembles the environment contract of the driver protocol.
func (r *Runner) driverEnv(unit *engine.BuildUnit, cfg *engine.NodeConfig, tgt engine.Target, staging string, deps map[string]engine.ArtifactInfo) []string {
	env := []string{
		"FORGE_UNIT=" + unit.ID,
		"FORGE_SUITE=" + unit.Suite,
		"FORGE_NAME=" + unit.Name,
		"FORGE_OS=" + tgt.OS,
		"FORGE_ARCH=" + tgt.Arch,
		"FORGE_OUTPUT=" + staging,
		"FORGE_CFLAGS=" + strings.Join(cfg.CFlags, " "),
		"FORGE_LDFLAGS=" + strings.Join(cfg.LDFlags, " "),
		"FORGE_LDLIBS=" + strings.Join(cfg.LDLibs, " "),
	}
	if cfg.Compliance != "" {
		env = append(env, "FORGE_COMPLIANCE="+cfg.Compliance)
	}
	if cfg.NativeKind != "" {
		env = append(env,
			"FORGE_NATIVE="+cfg.NativeKind,
			"FORGE_DELIVERABLE="+cfg.Deliverable)
	}

	// Dependency artifact paths in sorted unit order, so the driver sees
	// the same environment on every run.
	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	paths := make([]string, 0, len(ids))
	for _, id := range ids {
		paths = append(paths, deps[id].Path)
	}
	env = append(env, "FORGE_DEP_PATHS="+strings.Join(paths, string(os.PathListSeparator)))
	return env
}

// publish atomically moves the staged output into place.
func (r *Runner) publish(staging, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	return os.Rename(staging, dest)
}
