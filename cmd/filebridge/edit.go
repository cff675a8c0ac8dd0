package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/offline"
)

var editCmd = &cobra.Command{
	Use:   "edit <resource>:<path>",
	Short: "Edit a remote file in a local editor",
	Long: `Edit downloads the file, opens it in $VISUAL or $EDITOR and uploads the
result. If the remote file changed while you were editing you are asked
whether to keep your version, the remote version or both. Keeping both
writes your version next to the original with a .conflict-<time> suffix.`,
	Example: `  filebridge edit nas:/notes/todo.md
  filebridge edit nas:/notes/todo.md --on-conflict both`,
	Args: cobra.ExactArgs(1),
	RunE: runEdit,
}

var (
	editCommand    string
	editOnConflict string
)

func init() {
	rootCmd.AddCommand(editCmd)

	editCmd.Flags().StringVarP(&editCommand, "editor", "e", "",
		"Editor command (default: $VISUAL, $EDITOR, vi)")
	editCmd.Flags().StringVar(&editOnConflict, "on-conflict", "",
		"Resolve conflicts without asking: local, remote or both")
}

func runEdit(cmd *cobra.Command, args []string) error {
	a, err := getApp(cmd.Context())
	if err != nil {
		return err
	}
	t, err := parseTarget(a, args[0])
	if err != nil {
		return err
	}

	ed := &shellEditor{fs: a.fs, command: editorCommand()}
	if editOnConflict != "" {
		r, err := offline.ParseResolution(editOnConflict)
		if err != nil {
			return err
		}
		ed.fixed = &r
	}

	res, err := a.orch.Edit(cmd.Context(), t.res, t.path, ed)
	if err != nil {
		return err
	}

	if jsonOutput {
		out := map[string]interface{}{"success": true, "changed": res.Changed, "path": res.Path}
		if res.Conflict.Exists() {
			out["conflict"] = res.Conflict.Type.String()
			out["resolution"] = res.Resolution.String()
		}
		printJSON(out)
		return nil
	}

	switch {
	case !res.Changed:
		printInfo("No changes")
	case res.Path == "":
		printWarning("Kept the remote version; your changes were discarded")
	default:
		printSuccess("Saved %s:%s", t.res.ID, res.Path)
	}
	return nil
}

func editorCommand() string {
	for _, c := range []string{editCommand, os.Getenv("VISUAL"), os.Getenv("EDITOR")} {
		if c != "" {
			return c
		}
	}
	return "vi"
}

// shellEditor runs an external editor on the working copy.
type shellEditor struct {
	fs      afero.Fs
	command string
	fixed   *offline.Resolution
}

func (e *shellEditor) Edit(ctx context.Context, localPath string) (bool, error) {
	before, err := e.digest(localPath)
	if err != nil {
		return false, err
	}

	fields := strings.Fields(e.command)
	if len(fields) == 0 {
		return false, fmt.Errorf("no editor configured")
	}
	events.FromContext(ctx).WithFields(map[string]interface{}{
		"editor": fields[0],
		"file":   localPath,
	}).Debug("Running editor")
	c := exec.CommandContext(ctx, fields[0], append(fields[1:], localPath)...)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := c.Run(); err != nil {
		return false, fmt.Errorf("run %s: %w", fields[0], err)
	}

	after, err := e.digest(localPath)
	if err != nil {
		return false, err
	}
	return before != after, nil
}

func (e *shellEditor) digest(p string) ([sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	f, err := e.fs.Open(p)
	if err != nil {
		return sum, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

func (e *shellEditor) Resolve(ctx context.Context, c offline.Conflict) (offline.Resolution, error) {
	if e.fixed != nil {
		return *e.fixed, nil
	}

	printWarning("%s was changed remotely while you were editing.", c.Path)
	if c.Local != nil {
		fmt.Fprintf(os.Stderr, "  when opened: %s, %s\n", formatBytes(c.Local.Size), humanize.Time(c.Local.ModTime))
	}
	fmt.Fprintf(os.Stderr, "  now:         %s, %s\n", formatBytes(c.Remote.Size), humanize.Time(c.Remote.ModTime))

	in := bufio.NewReader(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "Keep [l]ocal, [r]emote or [b]oth? ")
		line, err := in.ReadString('\n')
		if err != nil {
			return 0, fmt.Errorf("read answer: %w", err)
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "l", "local":
			return offline.KeepLocal, nil
		case "r", "remote":
			return offline.KeepRemote, nil
		case "b", "both":
			return offline.KeepBoth, nil
		}
	}
}
