package commands

import (
	"github.com/spf13/cobra"

	"github.com/suiteforge/suiteforge/pkg/engine"
)

func newDistCommand() *cobra.Command {
	var (
		targetSpecs []string
		jobs        int
		noCache     bool
	)

	cmd := &cobra.Command{
		Use:   "dist [distributions...]",
		Short: "Build and materialize distributions",
		Long: `Build the named distributions (every distribution in the closure when
none are given) together with their dependency closures, and materialize
their layout trees under the output directory.`,
		Example: `  # Materialize every distribution for the host platform
  forge dist

  # One distribution for a cross target
  forge dist tools-dist --target linux-arm64`,
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := parseTargets(targetSpecs)
			if err != nil {
				return err
			}

			roots := args
			if len(roots) == 0 {
				ws, err := loadWorkspace()
				if err != nil {
					return err
				}
				for _, id := range ws.graph.Order {
					if ws.graph.Units[id].Kind == engine.KindDistribution {
						roots = append(roots, id)
					}
				}
			}

			return runBuild(cmd.Context(), roots, targets, jobs, noCache)
		},
	}

	cmd.Flags().StringArrayVarP(&targetSpecs, "target", "t", nil, "target platform as os-arch (repeatable)")
	cmd.Flags().IntVarP(&jobs, "jobs", "j", 0, "parallel jobs per target (default GOMAXPROCS)")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "bypass the build cache")

	return cmd
}
