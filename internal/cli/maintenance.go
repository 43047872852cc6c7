package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/kilupskalvis/opsync/internal/core"
	"github.com/spf13/cobra"
)

var importLegacyCmd = &cobra.Command{
	Use:   "import-legacy <file.json>",
	Short: "Recover state from a legacy export",
	Long: `Import a legacy JSON export (an object of entity collections) into an
empty replica. The imported state is uploaded as a repair operation on the
next sync.`,
	Args: cobra.ExactArgs(1),
	Run:  runImportLegacy,
}

func runImportLegacy(cmd *cobra.Command, args []string) {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		exitError("failed to read %s: %v", args[0], err)
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(raw, &data); err != nil {
		exitError("%s is not a JSON object: %v", args[0], err)
	}

	ctx := context.Background()
	c := initServiceContext(ctx, false)
	defer c.Close()

	op, err := c.Service.RecoverFromLegacy(ctx, data)
	if errors.Is(err, core.ErrLogNotEmpty) {
		exitError("replica already has operations; legacy data can only be imported into an empty replica")
	}
	if err != nil {
		exitError("import failed: %v", err)
	}
	if op == nil {
		fmt.Println("Nothing to import")
		return
	}
	color.New(color.FgGreen).Printf("Imported %d collection(s)", len(data))
	fmt.Printf(" (%s)\n", shortID(op.ID))
}

var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Change the encryption password",
	Long: `Re-encrypt the remote data under a new password. All local operations
must be synced first. The remote history is replaced by a fresh snapshot and
other clients must enter the new password. An empty password turns
encryption off.`,
	Run: runPassword,
}

func runPassword(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initServiceContext(ctx, true)
	defer c.Close()

	password := readSecret("New password (empty disables encryption): ")
	if password != "" && readSecret("Repeat password: ") != password {
		exitError("passwords do not match")
	}

	if err := c.Service.ChangePassword(ctx, password); err != nil {
		if errors.Is(err, core.ErrUnsyncedOps) {
			exitError("%v\nRun 'opsync sync' first.", err)
		}
		exitError("password change failed: %v", err)
	}

	c.Config.EncryptionEnabled = password != ""
	if err := c.Config.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not update config: %v\n", err)
	}
	if password == "" {
		fmt.Println("Encryption disabled")
		return
	}
	color.New(color.FgGreen).Println("Password changed")
}

var cleanSlateCmd = &cobra.Command{
	Use:   "clean-slate",
	Short: "Start a new history from the current state",
	Long: `Give this replica a new client identity and upload its current state as a
snapshot that replaces everything on the remote. Unsynced local operations
are folded into the snapshot.`,
	Run: runCleanSlate,
}

var (
	cleanSlateReason string
	cleanSlateYes    bool
)

func init() {
	cleanSlateCmd.Flags().StringVar(&cleanSlateReason, "reason", "manual clean slate", "Reason stored with the snapshot")
	cleanSlateCmd.Flags().BoolVarP(&cleanSlateYes, "yes", "y", false, "Do not ask for confirmation")
}

func runCleanSlate(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initServiceContext(ctx, false)
	defer c.Close()

	if !cleanSlateYes && !confirm("Replace the remote history with the current local state?") {
		fmt.Println("Aborted")
		return
	}

	op, err := c.Service.CleanSlate(ctx, cleanSlateReason)
	if err != nil {
		exitError("clean slate failed: %v", err)
	}
	fmt.Printf("New client %s, snapshot %s queued\n", shortID(op.ClientID), shortID(op.ID))

	if c.Provider == nil {
		return
	}
	res, err := c.Service.Sync(ctx)
	if err != nil {
		printSyncError(err)
	}
	printSyncResult(res)
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Compact the local operation log",
	Long:  `Write a state cache and drop settled log entries older than the retention window.`,
	Run:   runCompact,
}

func runCompact(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initServiceContext(ctx, false)
	defer c.Close()

	res, err := c.Service.Compact(ctx)
	if err != nil {
		exitError("compaction failed: %v", err)
	}
	fmt.Printf("State cached at #%d, removed %d log entr", res.CacheSeq, res.Removed)
	if res.Removed == 1 {
		fmt.Println("y")
	} else {
		fmt.Println("ies")
	}
}
