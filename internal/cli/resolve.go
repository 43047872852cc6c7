package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/opsync/internal/conflict"
	"github.com/kilupskalvis/opsync/internal/core"
	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/spf13/cobra"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Show the pending sync conflict",
	Long:  `Show the whole-state conflict the last sync stopped at, if any.`,
	Run:   runConflicts,
}

func runConflicts(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initServiceContext(ctx, false)
	defer c.Close()

	pc, err := c.Service.Conflict()
	if err != nil {
		exitError("failed to read conflict: %v", err)
	}
	if pc == nil {
		fmt.Println("No pending conflict")
		return
	}
	printConflict(pc)
}

func printConflict(pc *models.PendingConflict) {
	red := color.New(color.FgRed)
	red.Println("Sync conflict")
	fmt.Printf("  %s\n", pc.Reason)
	fmt.Printf("  detected:      %s\n", pc.DetectedAt.Local().Format(time.RFC1123))
	fmt.Printf("  remote op:     %s at seq %d from client %s\n", shortID(pc.RemoteOpID), pc.RemoteSeq, shortID(pc.RemoteClientID))
	fmt.Printf("  local clock:   %s\n", formatClock(pc.LocalVectorClock))
	fmt.Printf("  remote clock:  %s\n", formatClock(pc.RemoteVectorClock))
	if pc.LocalPendingOps > 0 {
		fmt.Printf("  %d local operation(s) not yet uploaded\n", pc.LocalPendingOps)
	}
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve the pending sync conflict",
	Long: `Resolve a whole-state conflict and continue syncing.

  --keep local   upload local state so it replaces the remote state
  --keep remote  adopt the remote state, discarding unsynced local changes`,
	Run: runResolve,
}

var resolveKeep string

func init() {
	resolveCmd.Flags().StringVar(&resolveKeep, "keep", "", "Which side to keep (local|remote)")
	_ = resolveCmd.MarkFlagRequired("keep")
}

func runResolve(cmd *cobra.Command, args []string) {
	choice, ok := conflict.ParseChoice(resolveKeep)
	if !ok {
		exitError("--keep must be 'local' or 'remote'")
	}

	ctx := context.Background()
	c := initServiceContext(ctx, true)
	defer c.Close()

	res, err := c.Service.Resolve(ctx, choice)
	if errors.Is(err, core.ErrNoConflict) {
		fmt.Println("No pending conflict")
		return
	}
	if err != nil {
		printSyncError(err)
	}
	color.New(color.FgGreen).Printf("Kept %s state\n", choice)
	printSyncResult(res)
}

var restoreCmd = &cobra.Command{
	Use:   "restore [server-seq]",
	Short: "List restore points or restore one",
	Long: `Without arguments, list the full-state operations the remote can restore.
With a server sequence, replace local state with the state at that point and
upload it so every client follows.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runRestore,
}

var restoreYes bool

func init() {
	restoreCmd.Flags().BoolVarP(&restoreYes, "yes", "y", false, "Do not ask for confirmation")
}

func runRestore(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initServiceContext(ctx, true)
	defer c.Close()

	if len(args) == 0 {
		points, err := c.Service.RestorePoints(ctx)
		if err != nil {
			exitError("failed to list restore points: %v", err)
		}
		if len(points) == 0 {
			fmt.Println("No restore points")
			return
		}
		yellow := color.New(color.FgYellow)
		for _, p := range points {
			yellow.Printf("%6d ", p.ServerSeq)
			fmt.Printf("%-13s %s %s", p.OpType, shortID(p.ClientID), time.UnixMilli(p.Timestamp).Format(time.RFC1123))
			if p.ActionType != "" {
				fmt.Printf("  %s", p.ActionType)
			}
			fmt.Println()
		}
		return
	}

	seq, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || seq <= 0 {
		exitError("invalid server sequence %q", args[0])
	}
	if !restoreYes && !confirm(fmt.Sprintf("Replace local state with the state at seq %d?", seq)) {
		fmt.Println("Aborted")
		return
	}

	op, err := c.Service.Restore(ctx, seq)
	if err != nil {
		exitError("restore failed: %v", err)
	}
	fmt.Printf("Restored state from seq %d (%s)\n", seq, shortID(op.ID))

	res, err := c.Service.Sync(ctx)
	if err != nil {
		printSyncError(err)
	}
	printSyncResult(res)
}
