package cli

import (
	"fmt"
	"os"

	"github.com/kilupskalvis/opsync/internal/config"
	"github.com/kilupskalvis/opsync/internal/conflict"
	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion <bash|zsh|fish|powershell>",
	Short: "Print a shell completion script",
	Long: `Print a completion script for the given shell to stdout.

  bash:        source <(opsync completion bash)
  zsh:         opsync completion zsh > "${fpath[1]}/_opsync"
  fish:        opsync completion fish > ~/.config/fish/completions/opsync.fish
  powershell:  opsync completion powershell | Out-String | Invoke-Expression`,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletionV2(out, true)
		case "zsh":
			return rootCmd.GenZshCompletion(out)
		case "fish":
			return rootCmd.GenFishCompletion(out, true)
		case "powershell":
			return rootCmd.GenPowerShellCompletionWithDesc(out)
		}
		return fmt.Errorf("unsupported shell %q", args[0])
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

var recordKinds = []string{
	"create\tAdd a new entity",
	"update\tPatch an existing entity",
	"delete\tRemove an entity",
	"batch\tPatch several entities at once",
}

// completeRecordArgs offers the change kind for the first argument of
// record. Entity types and ids are free-form.
func completeRecordArgs(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
	if len(args) == 0 {
		return recordKinds, cobra.ShellCompDirectiveNoFileComp
	}
	return nil, cobra.ShellCompDirectiveNoFileComp
}

func fixedCompletion(values ...string) func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return values, cobra.ShellCompDirectiveNoFileComp
	}
}

// registerCompletions wires argument and flag completion. It runs from
// Execute because the flags are defined by init functions in other files.
func registerCompletions() {
	recordCmd.ValidArgsFunction = completeRecordArgs
	importLegacyCmd.ValidArgsFunction = func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return []string{"json"}, cobra.ShellCompDirectiveFilterFileExt
	}

	flags := []struct {
		cmd    *cobra.Command
		name   string
		values []string
	}{
		{resolveCmd, "keep", []string{string(conflict.ChoiceKeepLocal), string(conflict.ChoiceKeepRemote)}},
		{initCmd, "provider", []string{config.ProviderOpSync, config.ProviderFile, config.ProviderS3}},
		{rootCmd, "log-level", []string{"debug", "info", "warn", "error"}},
		{serverTokensCreateCmd, "permission", []string{"ro", "rw"}},
	}
	for _, f := range flags {
		if err := f.cmd.RegisterFlagCompletionFunc(f.name, fixedCompletion(f.values...)); err != nil {
			fmt.Fprintf(os.Stderr, "warning: completion for --%s: %v\n", f.name, err)
		}
	}
}
