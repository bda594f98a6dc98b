package commands

import (
	"github.com/spf13/cobra"
)

var loadFilePath string

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load a persisted fleet file and print its devices",
	Long: `load reads a fleet file previously written by "discover --save",
rebuilding a Communicator per IP from the running configuration,
and prints the devices it recovered.

Example:
  pdufleetctl load --file fleet.json`,
	RunE: runLoad,
}

func init() {
	loadCmd.Flags().StringVar(&loadFilePath, "file", "", "persisted fleet file to load (required)")
	_ = loadCmd.MarkFlagRequired("file")
}

func runLoad(cmd *cobra.Command, args []string) error {
	cfg, err := loadRuntimeConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	metrics := newMetrics()

	fl, err := loadFleetFile(loadFilePath, cfg, metrics, logger)
	if err != nil {
		return err
	}

	return printDevices(cmd, fl)
}
