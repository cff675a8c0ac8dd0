package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/filebridge/internal/models"
)

var lsCmd = &cobra.Command{
	Use:   "ls <resource>:<dir>",
	Short: "List a remote directory",
	Example: `  filebridge ls nas:/photos
  filebridge ls dropbox: --json`,
	Args: cobra.ExactArgs(1),
	RunE: runLs,
}

var statCmd = &cobra.Command{
	Use:   "stat <resource>:<path>",
	Short: "Show metadata of a remote file",
	Args:  cobra.ExactArgs(1),
	RunE:  runStat,
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <resource>:<dir>",
	Short: "Create a remote directory and its parents",
	Args:  cobra.ExactArgs(1),
	RunE:  runMkdir,
}

var resourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: "List configured resources",
	Args:  cobra.NoArgs,
	RunE:  runResources,
}

var lsLong bool

func init() {
	rootCmd.AddCommand(lsCmd, statCmd, mkdirCmd, resourcesCmd)

	lsCmd.Flags().BoolVarP(&lsLong, "long", "l", false,
		"Show size and modification time")
}

func runLs(cmd *cobra.Command, args []string) error {
	a, err := getApp(cmd.Context())
	if err != nil {
		return err
	}
	t, err := parseTarget(a, args[0])
	if err != nil {
		return err
	}

	entries, err := a.orch.List(cmd.Context(), t.res, t.path)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(entries)
		return nil
	}
	for _, e := range entries {
		printEntry(e, lsLong)
	}
	return nil
}

func printEntry(e models.Entry, long bool) {
	name := e.Name
	if e.IsDir {
		name = dirColor.Sprint(name + "/")
	}
	if !long {
		fmt.Println(name)
		return
	}

	size := formatBytes(e.Size)
	if e.IsDir {
		size = "-"
	}
	modified := "-"
	if !e.ModTime.IsZero() {
		modified = humanize.Time(e.ModTime)
	}
	fmt.Printf("%10s  %-16s  %s\n", size, modified, name)
}

func runStat(cmd *cobra.Command, args []string) error {
	a, err := getApp(cmd.Context())
	if err != nil {
		return err
	}
	t, err := parseTarget(a, args[0])
	if err != nil {
		return err
	}

	e, err := a.orch.Stat(cmd.Context(), t.res, t.path)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(e)
		return nil
	}
	fmt.Printf("Path:      %s\n", e.Path)
	if e.IsDir {
		fmt.Printf("Type:      directory\n")
	} else {
		fmt.Printf("Type:      file\n")
		fmt.Printf("Size:      %s (%d bytes)\n", formatBytes(e.Size), e.Size)
	}
	if !e.ModTime.IsZero() {
		fmt.Printf("Modified:  %s (%s)\n", e.ModTime.Local().Format(time.RFC3339), humanize.Time(e.ModTime))
	}
	if e.ETag != "" {
		fmt.Printf("ETag:      %s\n", e.ETag)
	}
	return nil
}

func runMkdir(cmd *cobra.Command, args []string) error {
	a, err := getApp(cmd.Context())
	if err != nil {
		return err
	}
	t, err := parseTarget(a, args[0])
	if err != nil {
		return err
	}
	if err := a.orch.Mkdir(cmd.Context(), t.res, t.path); err != nil {
		return err
	}
	if !jsonOutput {
		printSuccess("Created %s", t)
	}
	return nil
}

func runResources(cmd *cobra.Command, args []string) error {
	a, err := getApp(cmd.Context())
	if err != nil {
		return err
	}
	all, err := a.resources.List()
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(all)
		return nil
	}
	if len(all) == 0 {
		printInfo("No resources configured in %s", cfg.Storage.ResourcesFile)
		return nil
	}
	for _, res := range all {
		mode := "ro"
		if res.Capabilities.Writable {
			mode = "rw"
		}
		fmt.Printf("%-16s %-14s %s  %s\n", res.ID, res.AdapterKey(), mode, dimColor.Sprint(res.Endpoint()))
	}
	return nil
}
