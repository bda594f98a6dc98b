// Package commands implements the pdufleetctl CLI commands.
package commands

import (
	"os"

	"github.com/spf13/cobra"

	appversion "github.com/sbfleet/pdufleet/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "pdufleetctl",
	Short: "Discover, read, write, and persist a fleet of PDU/DPM devices",
	Long: `pdufleetctl is a command-line client for a fleet of networked power
distribution and measurement devices, spoken to over the BFP (binary framed,
RC4-encrypted TCP) and HFP (HMAC-authenticated HTTP) transports.

Use "pdufleetctl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a pdufleet YAML config file (defaults built in if omitted)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table|json")

	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(rebootCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(completionCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the pdufleetctl version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Println(appversion.Full("pdufleetctl"))
		return nil
	},
}

var completionCmd = &cobra.Command{
	Use:                   "completion [bash|zsh|fish|powershell]",
	Short:                 "Generate shell completion script",
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			return cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			return cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
		return nil
	},
}
