package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/suiteforge/suiteforge/pkg/cache"
)

func newCleanCommand() *cobra.Command {
	var (
		cleanCache bool
		pruneAge   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove build outputs",
		Long: `Remove the build output directory. With --cache the build cache is
pruned as well: entries unused for longer than --prune-age are dropped
together with blobs nothing references anymore.`,
		Example: `  # Remove build outputs only
  forge clean

  # Also drop cache entries unused for 30 days
  forge clean --cache --prune-age 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			outDir := resolvedOutputDir()
			if err := os.RemoveAll(outDir); err != nil {
				return fmt.Errorf("failed to remove output directory: %w", err)
			}
			log.Info().Str("dir", outDir).Msg("removed build outputs")

			if !cleanCache {
				return nil
			}

			c, err := cache.New(cache.Config{Dir: resolvedCacheDir()}, log.Logger)
			if err != nil {
				return err
			}
			if err := c.Init(cmd.Context()); err != nil {
				return err
			}
			defer c.Close()

			before, err := c.Stat(cmd.Context())
			if err != nil {
				return err
			}
			pruned, err := c.Prune(cmd.Context(), time.Now().Add(-pruneAge))
			if err != nil {
				return err
			}
			fmt.Printf("cache: pruned %d of %d entries\n", pruned, before.Entries)
			return nil
		},
	}

	cmd.Flags().BoolVar(&cleanCache, "cache", false, "also prune the build cache")
	cmd.Flags().DurationVar(&pruneAge, "prune-age", 0, "drop cache entries unused for this long (0 drops everything)")

	return cmd
}
