package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/filebridge/internal/orchestrator"
)

var getCmd = &cobra.Command{
	Use:   "get <resource>:<path> [local-path]",
	Short: "Download a remote file",
	Long: `Get downloads a file through the local content cache. A second get of
an unchanged file is served from the cache. Use "-" as the local path to
write to stdout.`,
	Example: `  filebridge get nas:/docs/report.pdf
  filebridge get dropbox:/notes.md - | less`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runGet,
}

var putCmd = &cobra.Command{
	Use:     "put <local-path> <resource>:<path>",
	Short:   "Upload a local file",
	Example: `  filebridge put ./report.pdf nas:/docs/`,
	Args:    cobra.ExactArgs(2),
	RunE:    runPut,
}

var cpCmd = &cobra.Command{
	Use:   "cp <resource>:<path>... <resource>:<dest>",
	Short: "Copy files, possibly between resources",
	Long: `Cp copies within a resource using server-side copy when the backend
supports it, and streams between resources otherwise. With several sources
the destination is a directory. While offline the copy is queued.`,
	Example: `  filebridge cp nas:/a.txt nas:/backup/a.txt
  filebridge cp nas:/1.jpg nas:/2.jpg dropbox:/photos`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error { return runTransfer(cmd, args, false) },
}

var mvCmd = &cobra.Command{
	Use:   "mv <resource>:<path>... <resource>:<dest>",
	Short: "Move files, possibly between resources",
	Args:  cobra.MinimumNArgs(2),
	RunE:  func(cmd *cobra.Command, args []string) error { return runTransfer(cmd, args, true) },
}

var rmCmd = &cobra.Command{
	Use:   "rm <resource>:<path>...",
	Short: "Delete remote files or directories",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRm,
}

var (
	getForce   bool
	writeForce bool
)

func init() {
	rootCmd.AddCommand(getCmd, putCmd, cpCmd, mvCmd, rmCmd)

	getCmd.Flags().BoolVarP(&getForce, "force", "f", false,
		"Overwrite an existing local file")
	for _, c := range []*cobra.Command{putCmd, cpCmd, mvCmd} {
		c.Flags().BoolVarP(&writeForce, "force", "f", false,
			"Overwrite a destination that changed remotely")
	}
}

func writeOptions() []orchestrator.WriteOption {
	if writeForce {
		return []orchestrator.WriteOption{orchestrator.Overwrite()}
	}
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	a, err := getApp(cmd.Context())
	if err != nil {
		return err
	}
	src, err := parseTarget(a, args[0])
	if err != nil {
		return err
	}

	dest := path.Base(src.path)
	if len(args) == 2 {
		dest = args[1]
	}

	var progress *ProgressDisplay
	if dest != "-" {
		progress = NewProgressDisplay(path.Base(src.path))
	}
	var update func(done, total int64)
	if progress != nil {
		update = progress.Update
	}

	cached, err := a.orch.Download(cmd.Context(), src.res, src.path, update)
	if progress != nil {
		progress.Close()
	}
	if err != nil {
		return err
	}

	in, err := a.fs.Open(cached)
	if err != nil {
		return fmt.Errorf("open cached copy: %w", err)
	}
	defer in.Close()

	if dest == "-" {
		_, err = io.Copy(os.Stdout, in)
		return err
	}

	if info, err := a.fs.Stat(dest); err == nil && info.IsDir() {
		dest = filepath.Join(dest, path.Base(src.path))
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !getForce {
		flags |= os.O_EXCL
	}
	out, err := a.fs.OpenFile(dest, flags, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "source": src.String(), "path": dest, "bytes": n})
	} else {
		printSuccess("Downloaded %s to %s (%s)", src, dest, formatBytes(n))
	}
	return nil
}

func runPut(cmd *cobra.Command, args []string) error {
	a, err := getApp(cmd.Context())
	if err != nil {
		return err
	}
	dst, err := parseTarget(a, args[1])
	if err != nil {
		return err
	}
	if strings.HasSuffix(args[1], "/") {
		dst.path = path.Join(dst.path, filepath.Base(args[0]))
	}

	progress := NewProgressDisplay(filepath.Base(args[0]))
	entry, err := a.orch.Upload(cmd.Context(), dst.res, args[0], dst.path, progress.Update, writeOptions()...)
	progress.Close()
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "entry": entry})
	} else {
		printSuccess("Uploaded %s to %s (%s)", args[0], dst, formatBytes(entry.Size))
	}
	return nil
}

func runTransfer(cmd *cobra.Command, args []string, move bool) error {
	a, err := getApp(cmd.Context())
	if err != nil {
		return err
	}

	dst, err := parseTarget(a, args[len(args)-1])
	if err != nil {
		return err
	}
	verb := "Copied"
	if move {
		verb = "Moved"
	}

	if len(args) == 2 {
		src, err := parseTarget(a, args[0])
		if err != nil {
			return err
		}
		if strings.HasSuffix(args[1], "/") {
			dst.path = path.Join(dst.path, path.Base(src.path))
		}

		progress := NewProgressDisplay(path.Base(src.path))
		if move {
			err = a.orch.Move(cmd.Context(), src.res, src.path, dst.res, dst.path, progress.Update, writeOptions()...)
		} else {
			err = a.orch.Copy(cmd.Context(), src.res, src.path, dst.res, dst.path, progress.Update, writeOptions()...)
		}
		progress.Close()
		return reportQueued(err, fmt.Sprintf("%s %s to %s", verb, src, dst))
	}

	items := make([]orchestrator.BatchItem, 0, len(args)-1)
	for _, arg := range args[:len(args)-1] {
		src, err := parseTarget(a, arg)
		if err != nil {
			return err
		}
		items = append(items, orchestrator.BatchItem{
			Src: src.res, SrcPath: src.path,
			Dst: dst.res, DstPath: path.Join(dst.path, path.Base(src.path)),
		})
	}

	var res *orchestrator.BatchResult
	if move {
		res = a.orch.MoveBatch(cmd.Context(), items, nil, writeOptions()...)
	} else {
		res = a.orch.CopyBatch(cmd.Context(), items, nil, writeOptions()...)
	}
	return reportBatch(res, verb)
}

func runRm(cmd *cobra.Command, args []string) error {
	a, err := getApp(cmd.Context())
	if err != nil {
		return err
	}

	targets := make([]target, 0, len(args))
	for _, arg := range args {
		t, err := parseTarget(a, arg)
		if err != nil {
			return err
		}
		targets = append(targets, t)
	}

	if len(targets) == 1 {
		err := a.orch.Delete(cmd.Context(), targets[0].res, targets[0].path)
		return reportQueued(err, fmt.Sprintf("Deleted %s", targets[0]))
	}

	res := targets[0].res
	paths := make([]string, 0, len(targets))
	for _, t := range targets {
		if t.res.ID != res.ID {
			return fmt.Errorf("rm of several paths must stay within one resource")
		}
		paths = append(paths, t.path)
	}
	return reportBatch(a.orch.DeleteBatch(cmd.Context(), res, paths), "Deleted")
}

func reportBatch(res *orchestrator.BatchResult, verb string) error {
	if jsonOutput {
		failed := make([]map[string]string, 0, len(res.Failed))
		for _, f := range res.Failed {
			failed = append(failed, map[string]string{"path": f.Item.Src.ID + ":" + f.Item.SrcPath, "error": f.Err.Error()})
		}
		printJSON(map[string]interface{}{
			"success":   res.OK(),
			"succeeded": len(res.Succeeded),
			"queued":    len(res.Queued),
			"failed":    failed,
		})
	} else {
		printSuccess("%s %d item(s)", verb, len(res.Succeeded))
		if len(res.Queued) > 0 {
			printWarning("%d item(s) queued until the network returns", len(res.Queued))
		}
		for _, f := range res.Failed {
			printError("  %s:%s: %v", f.Item.Src.ID, f.Item.SrcPath, f.Err)
		}
	}
	if !res.OK() {
		return fmt.Errorf("%d of %d item(s) failed", len(res.Failed),
			len(res.Succeeded)+len(res.Queued)+len(res.Failed))
	}
	return nil
}
