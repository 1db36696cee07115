package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Global flags
	suiteDir   string
	outputDir  string
	cacheDir   string
	verbose    bool
	jsonOutput bool

	// buildVersion is the version reported in telemetry, set by Execute.
	buildVersion = "dev"
)

// ExitError carries a process exit code out of a command. The build report
// maps directly onto codes: 1 for failed nodes, 2 for structural problems,
// 3 for cancellation.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "forge",
		Short: "Forge - declarative multi-suite build orchestrator",
		Long: `Forge builds suites of projects and distributions from declarative
manifests.

Features:
  - Suite manifests with cross-suite imports
  - Dependency graph scheduling with cycle detection
  - Per-platform configuration overlays with wildcard fallback
  - Declarative distribution layouts with reproducible manifests
  - Content-hash build cache`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cobra.OnInitialize(initConfig)

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&suiteDir, "suite-dir", "C", ".", "suite directory containing the primary manifest")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output-dir", "o", "", "build output directory (default <suite-dir>/forge-out)")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "build cache directory (default <suite-dir>/.forge-cache)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Flag > FORGE_* env > config file, in that order.
	_ = viper.BindPFlag("output_dir", rootCmd.PersistentFlags().Lookup("output-dir"))
	_ = viper.BindPFlag("cache_dir", rootCmd.PersistentFlags().Lookup("cache-dir"))

	// Add subcommands
	rootCmd.AddCommand(newBuildCommand())
	rootCmd.AddCommand(newDistCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newVerifyCommand())
	rootCmd.AddCommand(newCleanCommand())

	return rootCmd
}

// initConfig loads configuration from the environment and an optional
// .forge.yaml next to the primary manifest.
func initConfig() {
	viper.SetEnvPrefix("FORGE")
	viper.AutomaticEnv()

	viper.SetConfigName(".forge")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(suiteDir)
	// Ignore missing config files; the defaults below apply.
	_ = viper.ReadInConfig()

	viper.SetDefault("jobs", 0)
	viper.SetDefault("metrics_listen", "")
	viper.SetDefault("toolchain_paths", []string{})
	viper.SetDefault("tracing_enabled", false)
	viper.SetDefault("tracing_exporter", "")
	viper.SetDefault("tracing_endpoint", "")
}

// resolvedOutputDir applies the flag/env/config precedence for the output
// directory.
func resolvedOutputDir() string {
	if dir := viper.GetString("output_dir"); dir != "" {
		return dir
	}
	return filepath.Join(suiteDir, "forge-out")
}

// resolvedCacheDir applies the flag/env/config precedence for the cache
// directory.
func resolvedCacheDir() string {
	if dir := viper.GetString("cache_dir"); dir != "" {
		return dir
	}
	return filepath.Join(suiteDir, ".forge-cache")
}
