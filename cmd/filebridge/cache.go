package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/filebridge/internal/config"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and clean the local content cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size",
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired cache entries",
	Args:  cobra.NoArgs,
	RunE:  runCacheSweep,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cache entry",
	Args:  cobra.NoArgs,
	RunE:  runCacheClear,
}

var configInitCmd = &cobra.Command{
	Use:   "init-config <path>",
	Short: "Write a config file with every default setting",
	Args:  cobra.ExactArgs(1),
	// Writing the example must not require a valid existing config.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	PersistentPostRun: func(cmd *cobra.Command, args []string) {},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SaveExample(args[0]); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd, configInitCmd)
	cacheCmd.AddCommand(cacheStatsCmd, cacheSweepCmd, cacheClearCmd)
}

func loadCache(cmd *cobra.Command) (*app, error) {
	a, err := getApp(cmd.Context())
	if err != nil {
		return nil, err
	}
	if _, err := a.cache.Load(); err != nil {
		return nil, err
	}
	return a, nil
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	a, err := loadCache(cmd)
	if err != nil {
		return err
	}
	s := a.cache.Stats()
	if jsonOutput {
		printJSON(s)
		return nil
	}
	fmt.Printf("Entries:  %d\n", s.Entries)
	fmt.Printf("Size:     %s\n", formatBytes(s.Bytes))
	fmt.Printf("TTL:      %s\n", cfg.Cache.TTL)
	fmt.Printf("Location: %s\n", cfg.Storage.CacheDir)
	return nil
}

func runCacheSweep(cmd *cobra.Command, args []string) error {
	a, err := loadCache(cmd)
	if err != nil {
		return err
	}
	n := a.cache.Sweep(time.Now())
	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "removed": n})
	} else {
		printSuccess("Removed %d expired entr(ies)", n)
	}
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	a, err := loadCache(cmd)
	if err != nil {
		return err
	}
	before := a.cache.Stats()
	a.cache.Clear()
	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "removed": before.Entries, "bytes": before.Bytes})
	} else {
		printSuccess("Removed %d entr(ies), %s", before.Entries, formatBytes(before.Bytes))
	}
	return nil
}
