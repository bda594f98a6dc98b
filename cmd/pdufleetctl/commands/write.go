package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sbfleet/pdufleet/internal/bulk"
	"github.com/sbfleet/pdufleet/internal/codec"
	"github.com/sbfleet/pdufleet/internal/registry"
)

var (
	writeFilePath   string
	writeMaxThreads int
	writeTimeout    time.Duration
)

var writeCmd = &cobra.Command{
	Use:   "write <uid>=<mnemonic>=<value> ...",
	Short: "Write registers to specific devices in a persisted fleet",
	Long: `write loads a fleet previously saved with "discover --save" and applies
one or more <uid>=<mnemonic>=<value> assignments, where uid is a device's
"ip#unit" identifier as printed by "discover" or "read". Writing "idaddr"
moves the device to its new unit address in the in-memory fleet.

Example:
  pdufleetctl write --file fleet.json 10.0.0.5#1=stdvnm=rack-3a`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWrite,
}

func init() {
	writeCmd.Flags().StringVar(&writeFilePath, "file", "", "persisted fleet file to load (required)")
	writeCmd.Flags().IntVar(&writeMaxThreads, "max-threads", 16, "bounded concurrency across IPs")
	writeCmd.Flags().DurationVar(&writeTimeout, "timeout", 30*time.Second, "overall write deadline")
	_ = writeCmd.MarkFlagRequired("file")
}

func runWrite(cmd *cobra.Command, args []string) error {
	cfg, err := loadRuntimeConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	metrics := newMetrics()

	fl, err := loadFleetFile(writeFilePath, cfg, metrics, logger)
	if err != nil {
		return err
	}

	req, err := parseWriteAssignments(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), writeTimeout)
	defer cancel()

	results, err := bulk.WriteAll(ctx, registry.Default, fl, fl.All(), req, writeMaxThreads)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}

	if outputFormat == "json" {
		return printJSON(os.Stdout, results)
	}

	headers := []string{"UID", "MNEMONIC", "OK", "ERROR"}
	var rows [][]string
	for uid, r := range results {
		errStr := ""
		if r.Err != nil {
			errStr = r.Err.Error()
		}
		for mnemonic, ok := range r.Status {
			rows = append(rows, []string{uid, mnemonic, fmt.Sprintf("%t", ok), errStr})
		}
	}
	printTable(cmd.OutOrStdout(), headers, rows)
	return nil
}

// parseWriteAssignments turns "uid=mnemonic=value" arguments into a
// bulk.WriteRequest. Values are parsed as unsigned integers; anything that
// does not parse is kept as a raw ASCII string.
func parseWriteAssignments(args []string) (bulk.WriteRequest, error) {
	req := make(bulk.WriteRequest)
	for _, a := range args {
		parts := strings.SplitN(a, "=", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid assignment %q: expected uid=mnemonic=value", a)
		}
		uid, mnemonic, raw := parts[0], parts[1], parts[2]

		v := codec.Value{Str: raw}
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
			v.Int = n
		}

		if req[uid] == nil {
			req[uid] = make(map[string][]codec.Value)
		}
		req[uid][mnemonic] = []codec.Value{v}
	}
	return req, nil
}
