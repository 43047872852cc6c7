package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/opsync/internal/remote"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Administer an opsync server",
	Long: `Manage tokens and accounts on a running opsync server through its admin
API. The server itself runs as the opsync-server binary.`,
}

var (
	adminURL   string
	adminToken string

	tokenDesc       string
	tokenAccount    string
	tokenPermission string

	accountDeleteYes bool
)

var serverTokensCmd = &cobra.Command{Use: "tokens", Short: "Manage access tokens"}

var serverTokensCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a token bound to an account",
	Run: adminRun(func(ctx context.Context, c *remote.AdminClient, _ []string) error {
		if tokenPermission != "ro" && tokenPermission != "rw" {
			return fmt.Errorf("--permission must be ro or rw, got %q", tokenPermission)
		}
		tok, err := c.CreateToken(ctx, tokenDesc, tokenAccount, tokenPermission)
		if err != nil {
			return err
		}
		fmt.Printf("Token %s for account '%s' (%s)\n", tok.ID, tok.Account, tok.Permission)
		color.New(color.FgGreen).Println(tok.Token)
		color.New(color.FgYellow).Fprintln(os.Stderr, "The token is shown only once.")
		return nil
	}),
}

var serverTokensListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issued tokens",
	Run: adminRun(func(ctx context.Context, c *remote.AdminClient, _ []string) error {
		tokens, err := c.ListTokens(ctx)
		if err != nil {
			return err
		}
		for _, t := range tokens {
			desc := t.Description
			if desc == "" {
				desc = "-"
			}
			fmt.Printf("%s  %-2s  %-16s  %-10s  %s\n",
				t.ID, t.Permission, t.Account, formatAge(time.Since(t.CreatedAt)), desc)
		}
		return nil
	}),
}

var serverTokensDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Revoke tokens",
	Args:  cobra.MinimumNArgs(1),
	Run: adminRun(func(ctx context.Context, c *remote.AdminClient, args []string) error {
		for _, id := range args {
			if err := c.DeleteToken(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Revoked %s\n", id)
		}
		return nil
	}),
}

var serverAccountsCmd = &cobra.Command{Use: "accounts", Short: "Manage accounts"}

var serverAccountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts with stored operations",
	Run: adminRun(func(ctx context.Context, c *remote.AdminClient, _ []string) error {
		accounts, err := c.ListAccounts(ctx)
		if err != nil {
			return err
		}
		for _, a := range accounts {
			fmt.Println(a)
		}
		return nil
	}),
}

var serverAccountsDeleteCmd = &cobra.Command{
	Use:   "delete <account>",
	Short: "Delete an account's operation log",
	Args:  cobra.ExactArgs(1),
	Run: adminRun(func(ctx context.Context, c *remote.AdminClient, args []string) error {
		if !accountDeleteYes && !confirm(fmt.Sprintf("Delete every operation stored for '%s'?", args[0])) {
			fmt.Println("Aborted")
			return nil
		}
		if err := c.DeleteAccount(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Account '%s' deleted\n", args[0])
		return nil
	}),
}

var serverAccountsGCCmd = &cobra.Command{
	Use:   "gc <account>",
	Short: "Drop operations older than the latest snapshots",
	Args:  cobra.ExactArgs(1),
	Run: adminRun(func(ctx context.Context, c *remote.AdminClient, args []string) error {
		res, err := c.RunGC(ctx, args[0])
		if err != nil {
			return err
		}
		if res.OpsDeleted == 0 {
			fmt.Printf("Account '%s': nothing to collect\n", res.Account)
			return nil
		}
		fmt.Printf("Account '%s': %d operation(s) removed, history starts at #%d\n",
			res.Account, res.OpsDeleted, res.KeptFrom)
		return nil
	}),
}

func init() {
	pf := serverCmd.PersistentFlags()
	pf.StringVar(&adminURL, "url", envOrDefault("OPSYNC_SERVER_URL", ""), "Server base URL (env: OPSYNC_SERVER_URL)")
	pf.StringVar(&adminToken, "admin-token", os.Getenv("OPSYNC_ADMIN_TOKEN"), "Admin token (env: OPSYNC_ADMIN_TOKEN)")

	f := serverTokensCreateCmd.Flags()
	f.StringVar(&tokenAccount, "account", "", "Account the token may read and write")
	f.StringVar(&tokenDesc, "desc", "", "Free-form description")
	f.StringVar(&tokenPermission, "permission", "rw", "ro or rw")
	_ = serverTokensCreateCmd.MarkFlagRequired("account")

	serverAccountsDeleteCmd.Flags().BoolVarP(&accountDeleteYes, "yes", "y", false, "Do not ask for confirmation")

	serverTokensCmd.AddCommand(serverTokensCreateCmd, serverTokensListCmd, serverTokensDeleteCmd)
	serverAccountsCmd.AddCommand(serverAccountsListCmd, serverAccountsDeleteCmd, serverAccountsGCCmd)
	serverCmd.AddCommand(serverTokensCmd, serverAccountsCmd)
}

// adminRun adapts an admin action to a cobra Run func. The URL and token
// flags are checked before the action runs.
func adminRun(fn func(context.Context, *remote.AdminClient, []string) error) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		if adminURL == "" {
			exitError("--url or OPSYNC_SERVER_URL is required")
		}
		if adminToken == "" {
			exitError("--admin-token or OPSYNC_ADMIN_TOKEN is required")
		}
		if err := fn(cmd.Context(), remote.NewAdminClient(adminURL, adminToken), args); err != nil {
			exitError("%v", err)
		}
	}
}

// formatAge renders d in the largest whole unit.
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}
