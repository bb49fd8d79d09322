package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dreamine/hybridhost/internal/cachedir"
	"github.com/dreamine/hybridhost/internal/config"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the engine cache directory",
	RunE:  runCachePath,
}

var cachePathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the engine cache directory and whether it is in use",
	RunE:  runCachePath,
}

var cacheCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove the engine cache directory",
	Long: `Remove the engine cache directory. Refuses while a running host
holds the directory lock.`,
	RunE: runCacheClean,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cachePathCmd)
	cacheCmd.AddCommand(cacheCleanCmd)
}

// resolveCacheDir applies the same rule as the supervisor: an explicit
// directory wins, otherwise the per-user path for the product id.
func resolveCacheDir(cfg *config.Config) (string, error) {
	if cfg.Runtime.CacheDir != "" {
		return cfg.Runtime.CacheDir, nil
	}
	return cachedir.SafePath(cfg.Runtime.ProductID)
}

func runCachePath(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dir, err := resolveCacheDir(cfg)
	if err != nil {
		return err
	}
	inUse, err := cachedir.Held(dir)
	if err != nil {
		return err
	}

	status := "free"
	if inUse {
		status = "in use"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", dir, status)
	return nil
}

func runCacheClean(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dir, err := resolveCacheDir(cfg)
	if err != nil {
		return err
	}
	inUse, err := cachedir.Held(dir)
	if err != nil {
		return err
	}
	if inUse {
		return fmt.Errorf("%w: %s", cachedir.ErrBusy, dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", dir)
	return nil
}
