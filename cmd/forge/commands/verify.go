package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/suiteforge/suiteforge/pkg/engine"
	"github.com/suiteforge/suiteforge/pkg/layout"
)

func newVerifyCommand() *cobra.Command {
	var targetSpecs []string

	cmd := &cobra.Command{
		Use:   "verify [distributions...]",
		Short: "Verify published distribution trees",
		Long: `Check published distribution trees against their embedded hash and
file-list manifests, reporting files that are missing, changed, or not
accounted for.`,
		Example: `  # Verify every distribution for the host platform
  forge verify

  # Verify one distribution for a cross target
  forge verify tools-dist --target linux-arm64`,
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := parseTargets(targetSpecs)
			if err != nil {
				return err
			}

			ws, err := loadWorkspace()
			if err != nil {
				return err
			}
			if err := ws.narrowGraph(args); err != nil {
				return err
			}

			outDir := resolvedOutputDir()
			clean := true
			for _, tgt := range targets {
				for _, id := range ws.graph.Order {
					unit := ws.graph.Units[id]
					if unit.Kind != engine.KindDistribution || !unit.SupportsOS(tgt.OS) {
						continue
					}

					root := filepath.Join(outDir, tgt.String(), unit.Suite, unit.Name)
					if _, err := os.Stat(root); os.IsNotExist(err) {
						fmt.Printf("%s (%s): not built\n", id, tgt)
						continue
					}

					verdict, err := layout.Verify(root)
					if err != nil {
						return err
					}
					if verdict.OK() {
						fmt.Printf("%s (%s): ok\n", id, tgt)
						continue
					}

					clean = false
					fmt.Printf("%s (%s): FAILED\n", id, tgt)
					for _, p := range verdict.Missing {
						fmt.Printf("  missing  %s\n", p)
					}
					for _, p := range verdict.Changed {
						fmt.Printf("  changed  %s\n", p)
					}
					for _, p := range verdict.Extra {
						fmt.Printf("  extra    %s\n", p)
					}
				}
			}

			if !clean {
				return &ExitError{Code: engine.ExitNodeFailed, Err: fmt.Errorf("verification failed")}
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&targetSpecs, "target", "t", nil, "target platform as os-arch (repeatable)")

	return cmd
}
