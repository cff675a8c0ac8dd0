package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/filebridge/internal/models"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay operations deferred while offline",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending and failed operations",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay pending operations now, in the order they were queued",
	Args:  cobra.NoArgs,
	RunE:  runQueueDrain,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <operation-id>",
	Short: "Move a failed operation back to the end of the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRetry,
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <operation-id>",
	Short: "Drop a queued operation without running it",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueDiscard,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd, queueDrainCmd, queueRetryCmd, queueDiscardCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	a, err := getApp(cmd.Context())
	if err != nil {
		return err
	}
	pending, err := a.orch.Queue().Pending()
	if err != nil {
		return err
	}
	failed, err := a.orch.Queue().Failed()
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"pending": pending, "failed": failed})
		return nil
	}

	if len(pending)+len(failed) == 0 {
		printInfo("Queue is empty")
		return nil
	}
	for _, op := range pending {
		printOperation(op)
	}
	for _, op := range failed {
		printOperation(op)
	}
	return nil
}

func printOperation(op *models.PendingOperation) {
	desc := fmt.Sprintf("%s %s:%s", op.Type, op.ResourceID, op.SourcePath)
	if op.Type != models.OpDelete {
		desc += fmt.Sprintf(" -> %s:%s", op.Target(), op.DestPath)
	}

	status := warnColor.Sprint(op.Status)
	if op.Status == models.StatusFailed {
		status = errorColor.Sprint(op.Status)
	}
	fmt.Printf("%s  %-8s %s  %s\n", dimColor.Sprint(op.ID), status, desc, dimColor.Sprint(humanize.Time(op.CreatedAt)))
	if op.LastError != "" {
		fmt.Printf("    %s (attempt %d)\n", op.LastError, op.Retries)
	}
}

func runQueueDrain(cmd *cobra.Command, args []string) error {
	a, err := getApp(cmd.Context())
	if err != nil {
		return err
	}

	res, err := a.orch.Queue().Drain(cmd.Context(), a.orch.Replay)
	if jsonOutput {
		out := map[string]interface{}{
			"success":   err == nil,
			"replayed":  res.Replayed,
			"failed":    res.Failed,
			"remaining": res.Remaining,
		}
		if err != nil {
			out["error"] = err.Error()
		}
		printJSON(out)
		return err
	}
	if err != nil {
		return err
	}

	printSuccess("Replayed %d operation(s)", res.Replayed)
	if res.Failed > 0 {
		printError("%d operation(s) gave up; see 'filebridge queue list'", res.Failed)
	}
	if res.Remaining > 0 {
		printWarning("%d operation(s) still pending", res.Remaining)
	}
	return nil
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	a, err := getApp(cmd.Context())
	if err != nil {
		return err
	}
	if err := a.orch.Queue().Retry(args[0]); err != nil {
		return err
	}
	if !jsonOutput {
		printSuccess("Operation %s requeued", args[0])
	}
	return nil
}

func runQueueDiscard(cmd *cobra.Command, args []string) error {
	a, err := getApp(cmd.Context())
	if err != nil {
		return err
	}
	if err := a.orch.Queue().Discard(args[0]); err != nil {
		return err
	}
	if !jsonOutput {
		printSuccess("Operation %s discarded", args[0])
	}
	return nil
}
