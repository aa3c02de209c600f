package cli

import (
	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for phishguard.

To load completions:

Bash:
  $ source <(phishguard completion bash)
  # Or persist across sessions:
  $ phishguard completion bash > /etc/bash_completion.d/phishguard

Zsh:
  $ source <(phishguard completion zsh)
  # Or persist:
  $ phishguard completion zsh > "${fpath[1]}/_phishguard"

Fish:
  $ phishguard completion fish | source
  # Or persist:
  $ phishguard completion fish > ~/.config/fish/completions/phishguard.fish

PowerShell:
  PS> phishguard completion powershell | Out-String | Invoke-Expression`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletionV2(out, true)
		case "zsh":
			return cmd.Root().GenZshCompletion(out)
		case "fish":
			return cmd.Root().GenFishCompletion(out, true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(out)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
