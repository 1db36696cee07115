package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGraphCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "graph [units...]",
		Short: "Print the dependency graph",
		Long: `Print the dependency graph of the named units (or the whole suite
closure) in DOT or JSON form. The output order is deterministic across
runs.`,
		Example: `  # Render the whole graph with graphviz
  forge graph --format dot | dot -Tsvg -o graph.svg

  # JSON subgraph of one distribution
  forge graph tools-dist --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := loadWorkspace()
			if err != nil {
				return err
			}
			if err := ws.narrowGraph(args); err != nil {
				return err
			}

			switch format {
			case "dot":
				fmt.Print(ws.graph.ToDOT())
			case "json":
				out, err := ws.graph.ToJSON()
				if err != nil {
					return err
				}
				fmt.Println(string(out))
			default:
				return fmt.Errorf("unsupported format %q (want dot or json)", format)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "dot", "output format: dot or json")

	return cmd
}
