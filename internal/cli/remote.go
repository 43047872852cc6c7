package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/opsync/internal/provider/opsync"
	"github.com/spf13/cobra"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Inspect or clear the remote",
	Long:  `Commands that act on the data stored by the sync provider.`,
}

var remoteInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the remote position",
	Run:   runRemoteInfo,
}

var remotePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete all data stored by the provider",
	Long: `Delete every operation and snapshot the provider holds for this account.
Local state is kept and is uploaded again as a fresh initial state on the
next sync.`,
	Run: runRemotePurge,
}

var remotePurgeYes bool

func init() {
	remotePurgeCmd.Flags().BoolVarP(&remotePurgeYes, "yes", "y", false, "Do not ask for confirmation")

	remoteCmd.AddCommand(remoteInfoCmd)
	remoteCmd.AddCommand(remotePurgeCmd)
}

func runRemoteInfo(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initServiceContext(ctx, true)
	defer c.Close()

	st, err := c.Service.Status(ctx)
	if err != nil {
		exitError("failed to read status: %v", err)
	}
	fmt.Printf("Provider:        %s\n", st.Provider)
	fmt.Printf("Last synced seq: %d\n", st.LastServerSeq)

	p, ok := c.Provider.(*opsync.Provider)
	if !ok {
		return
	}
	info, err := p.Status(ctx)
	if err != nil {
		exitError("failed to query server: %v", err)
	}
	fmt.Printf("Server:          %s\n", c.Config.ServerURL)
	fmt.Printf("Latest seq:      %d\n", info.LatestSeq)
	fmt.Printf("Operations:      %d\n", info.OpCount)
	fmt.Printf("Latest snapshot: %d\n", info.LatestSnapshotSeq)
	if info.ServerTime > 0 {
		fmt.Printf("Server time:     %s\n", time.UnixMilli(info.ServerTime).Format(time.RFC1123))
	}
	if behind := info.LatestSeq - st.LastServerSeq; behind > 0 {
		color.New(color.FgYellow).Printf("%d operation(s) to download\n", behind)
	}
}

func runRemotePurge(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initServiceContext(ctx, true)
	defer c.Close()

	if !remotePurgeYes && !confirm("Delete all remote data for this account?") {
		fmt.Println("Aborted")
		return
	}
	if err := c.Service.DeleteRemoteData(ctx); err != nil {
		exitError("%v", err)
	}
	color.New(color.FgRed).Println("Remote data deleted")
}
