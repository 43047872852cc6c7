package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/opsync/internal/core"
	"github.com/kilupskalvis/opsync/internal/models"
	"github.com/kilupskalvis/opsync/internal/syncerr"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle",
	Long: `Upload pending local operations, download remote ones and apply them.
When the remote data is encrypted and no password is stored, the password is
read from stdin and the cycle is retried.`,
	Run: runSync,
}

func runSync(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initServiceContext(ctx, true)
	defer c.Close()

	res, err := c.Service.Sync(ctx)
	if syncerr.Is(err, syncerr.MissingKey) {
		password := readSecret("Remote data is encrypted. Password: ")
		if password == "" {
			exitError("%v", err)
		}
		if err := storePassword(c, password); err != nil {
			exitError("failed to store password: %v", err)
		}
		res, err = c.Service.Sync(ctx)
	}
	if err != nil {
		printSyncError(err)
	}
	printSyncResult(res)
}

// storePassword saves the encryption password for the configured provider.
func storePassword(c *cmdContext, password string) error {
	return c.Store.UpdateCredentials(credentialName(c.Config), func(creds *models.ProviderCredentials) {
		creds.EncryptionKey = password
		creds.EncryptionEnabled = true
		creds.UpdatedAt = time.Now().UTC()
	})
}

func printSyncError(err error) {
	switch {
	case errors.Is(err, core.ErrSyncInProgress):
		exitError("another sync is running")
	case errors.Is(err, core.ErrConflictPending):
		exitError("%v\nRun 'opsync conflicts' to inspect it and 'opsync resolve --keep local|remote' to continue.", err)
	case syncerr.Is(err, syncerr.Auth):
		exitError("%v\nRun 'opsync login' with a valid token.", err)
	case syncerr.Is(err, syncerr.MissingKey):
		exitError("%v\nRun 'opsync sync' interactively to enter the password.", err)
	case syncerr.IsRetryable(err):
		exitError("%v (will succeed on a later attempt)", err)
	}
	exitError("sync failed: %v", err)
}

func printSyncResult(res *core.SyncResult) {
	if res == nil {
		return
	}
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	if res.Uploaded == 0 && res.SnapshotsUploaded == 0 && res.Downloaded == 0 && res.Piggybacked == 0 && len(res.Rejected) == 0 && res.Conflict == nil {
		fmt.Printf("Already up to date (remote seq %d)\n", res.LastServerSeq)
		return
	}

	if res.Uploaded > 0 || res.SnapshotsUploaded > 0 {
		green.Printf("Uploaded %d operation(s)", res.Uploaded)
		if res.SnapshotsUploaded > 0 {
			fmt.Printf(", %d snapshot(s)", res.SnapshotsUploaded)
		}
		fmt.Println()
	}
	if res.Downloaded > 0 || res.Piggybacked > 0 {
		green.Printf("Downloaded %d operation(s)", res.Downloaded+res.Piggybacked)
		fmt.Printf(", applied %d", res.Applied)
		if res.Failed > 0 {
			red.Printf(", %d failed", res.Failed)
		}
		fmt.Println()
	}
	if res.SnapshotAdopted {
		fmt.Println("Adopted remote snapshot")
	}
	if res.ImportLost {
		yellow.Println("Another client's initial state was stored first; local state replaced")
	}
	if res.GapDetected {
		yellow.Println("Remote history was reset; re-downloaded from the start")
	}
	for _, r := range res.Rejected {
		red.Printf("Rejected %s", shortID(r.OpID))
		fmt.Printf(": %s\n", r.Reason)
	}
	if res.Conflict != nil {
		printConflict(res.Conflict)
		fmt.Println("\nRun 'opsync resolve --keep local' or 'opsync resolve --keep remote'.")
	}
	fmt.Printf("Remote seq %d\n", res.LastServerSeq)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
	Long:  `Show the local log counts, the remote position and any pending conflict.`,
	Run:   runStatus,
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initServiceContext(ctx, false)
	defer c.Close()

	st, err := c.Service.Status(ctx)
	if err != nil {
		exitError("failed to read status: %v", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	fmt.Printf("Client %s\n", st.ClientID)
	if st.Provider == "" {
		yellow.Println("No provider available, local only")
	} else {
		fmt.Printf("Provider %s, remote seq %d", st.Provider, st.LastServerSeq)
		if st.Encrypted {
			fmt.Print(", encrypted")
		}
		fmt.Println()
	}

	switch {
	case st.Pending > 0:
		yellow.Printf("%d operation(s) waiting to upload\n", st.Pending)
	default:
		green.Println("All local operations synced")
	}
	fmt.Printf("%d synced", st.Synced)
	if st.Rejected > 0 {
		red.Printf(", %d rejected", st.Rejected)
	}
	fmt.Println()
	fmt.Printf("Vector clock %s\n", formatClock(st.VectorClock))

	if st.Conflict != nil {
		fmt.Println()
		printConflict(st.Conflict)
	}
}

func formatClock(vc map[string]int64) string {
	if len(vc) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(vc))
	for k := range vc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s:%d", shortID(k), vc[k])
	}
	return "{" + strings.Join(parts, " ") + "}"
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the local operation log",
	Long:  `Display the local operation log, newest first.`,
	Run:   runLog,
}

var (
	logOneline bool
	logLimit   int
)

func init() {
	logCmd.Flags().BoolVar(&logOneline, "oneline", false, "Show each operation on a single line")
	logCmd.Flags().IntVarP(&logLimit, "n", "n", 0, "Limit the number of operations to show")
}

func runLog(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	entries, err := c.Store.ListEntries(0, 0)
	if err != nil {
		exitError("failed to read log: %v", err)
	}
	if len(entries) == 0 {
		fmt.Println("No operations yet")
		return
	}

	// newest first
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if logLimit > 0 && len(entries) > logLimit {
		entries = entries[:logLimit]
	}

	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)
	cyan := color.New(color.FgCyan)

	for _, e := range entries {
		op := e.Op
		target := op.EntityType
		if !op.IsFullState() {
			target += "/" + describeIDs(op)
		}

		if logOneline {
			yellow.Printf("%6d ", e.Seq)
			fmt.Printf("%s %-13s %s %s\n", shortID(op.ID), op.OpType, target, syncMark(e))
			continue
		}

		yellow.Printf("op %s", op.ID)
		fmt.Printf(" (#%d)\n", e.Seq)
		fmt.Printf("Type:    %s %s\n", op.OpType, target)
		if op.ActionType != "" {
			fmt.Printf("Action:  %s\n", op.ActionType)
		}
		fmt.Printf("Client:  %s (%s)\n", shortID(op.ClientID), e.Source)
		fmt.Printf("Date:    %s\n", time.UnixMilli(op.Timestamp).Format(time.RFC1123))
		fmt.Print("Status:  ")
		switch e.SyncStatus {
		case models.SyncRejected:
			red.Printf("rejected: %s\n", e.RejectedReason)
		case models.SyncPending:
			cyan.Println("pending upload")
		default:
			fmt.Printf("%s, server seq %d\n", e.ApplicationStatus, e.ServerSeq)
		}
		if op.IsPayloadEncrypted {
			fmt.Println("         payload encrypted")
		}
		fmt.Println()
	}
}

func syncMark(e *models.LogEntry) string {
	switch e.SyncStatus {
	case models.SyncPending:
		return "(pending)"
	case models.SyncRejected:
		return "(rejected)"
	}
	if e.ApplicationStatus == models.ApplicationFailed {
		return "(failed)"
	}
	return ""
}
