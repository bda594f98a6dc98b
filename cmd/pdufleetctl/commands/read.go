package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sbfleet/pdufleet/internal/bulk"
	"github.com/sbfleet/pdufleet/internal/registry"
)

var (
	readFilePath    string
	readMaxThreads  int
	readTimeout     time.Duration
)

var readCmd = &cobra.Command{
	Use:   "read <mnemonic>...",
	Short: "Read registers across every device in a persisted fleet",
	Long: `read loads a fleet previously saved with "discover --save", reads the
requested mnemonics from every device, and prints the results. Devices
sharing an IP are read serially against their shared databus; separate
IPs are read in parallel, bounded by --max-threads.

Example:
  pdufleetctl read --file fleet.json omvoac omcrac`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRead,
}

func init() {
	readCmd.Flags().StringVar(&readFilePath, "file", "", "persisted fleet file to load (required)")
	readCmd.Flags().IntVar(&readMaxThreads, "max-threads", 16, "bounded concurrency across IPs")
	readCmd.Flags().DurationVar(&readTimeout, "timeout", 30*time.Second, "overall read deadline")
	_ = readCmd.MarkFlagRequired("file")
}

func runRead(cmd *cobra.Command, args []string) error {
	cfg, err := loadRuntimeConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	metrics := newMetrics()

	fl, err := loadFleetFile(readFilePath, cfg, metrics, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), readTimeout)
	defer cancel()

	results, err := bulk.ReadAll(ctx, registry.Default, fl.All(), args, readMaxThreads)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	return printReadResults(cmd, results, args)
}

func printReadResults(cmd *cobra.Command, results map[string]*bulk.Result, mnemonics []string) error {
	if outputFormat == "json" {
		return printJSON(os.Stdout, results)
	}

	headers := append([]string{"UID", "ERROR"}, mnemonics...)
	rows := make([][]string, 0, len(results))
	for uid, r := range results {
		row := make([]string, 0, len(headers))
		row = append(row, uid)
		if r.Err != nil {
			row = append(row, r.Err.Error())
		} else {
			row = append(row, "")
		}
		for _, m := range mnemonics {
			vals, ok := r.Data[m]
			if !ok || len(vals) == 0 {
				row = append(row, "-")
				continue
			}
			row = append(row, fmt.Sprintf("%v", vals[0].Int))
		}
		rows = append(rows, row)
	}
	printTable(cmd.OutOrStdout(), headers, rows)
	return nil
}
