package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate suite manifests",
		Long: `Load the suite closure and run every structural check without
building anything: manifest schemas, dependency references, module
descriptors, and graph acyclicity.`,
		Example: `  # Validate the current suite
  forge validate

  # Validate another suite tree
  forge validate -C ../tools-suite`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := loadWorkspace()
			if err != nil {
				return err
			}

			fmt.Printf("ok: %d suites, %d units\n", len(ws.suites), len(ws.graph.Units))
			return nil
		},
	}

	return cmd
}
