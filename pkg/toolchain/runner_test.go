package toolchain

import (
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/suiteforge/suiteforge/pkg/engine"
)

func depPathsVar(t *testing.T, env []string) string {
	t.Helper()
	for _, kv := range env {
		if strings.HasPrefix(kv, "FORGE_DEP_PATHS=") {
			return strings.TrimPrefix(kv, "FORGE_DEP_PATHS=")
		}
	}
	t.Fatal("Expected FORGE_DEP_PATHS in driver environment, got none")
	return ""
}

func TestRunner_DriverEnv_DepPathsSorted(t *testing.T) {
	r := NewRunner(nil, t.TempDir(), nil, zerolog.Nop())

	unit := &engine.BuildUnit{ID: "core:app", Suite: "core", Name: "app"}
	cfg := &engine.NodeConfig{}
	tgt := engine.Target{OS: "linux", Arch: "amd64"}
	deps := map[string]engine.ArtifactInfo{
		"core:zlib":  {Path: "/out/core/zlib"},
		"core:alpha": {Path: "/out/core/alpha"},
		"tools:gen":  {Path: "/out/tools/gen"},
	}

	want := strings.Join(
		[]string{"/out/core/alpha", "/out/core/zlib", "/out/tools/gen"},
		string(os.PathListSeparator))

	got := depPathsVar(t, r.driverEnv(unit, cfg, tgt, t.TempDir(), deps))
	if got != want {
		t.Errorf("Expected dep paths %q, got %q", want, got)
	}

	// Map iteration order varies between runs; the environment must not.
	for i := 0; i < 10; i++ {
		again := depPathsVar(t, r.driverEnv(unit, cfg, tgt, t.TempDir(), deps))
		if again != got {
			t.Fatalf("Expected stable dep paths %q, got %q", got, again)
		}
	}
}
