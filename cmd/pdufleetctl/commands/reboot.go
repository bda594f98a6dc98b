package commands

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/spf13/cobra"
)

var (
	rebootFilePath string
	rebootTimeout  time.Duration
)

var rebootCmd = &cobra.Command{
	Use:   "reboot",
	Short: "Broadcast a ring-wide reboot to every BFP interface in a persisted fleet",
	Long: `reboot loads a fleet previously saved with "discover --save" and writes
the broadcast reboot register to every distinct BFP interface found in it.
The write addresses every unit on the ring at once: there is no per-unit
response to wait for, so this command reports only whether the broadcast
write itself was sent, not whether any individual unit came back up.

HFP-only interfaces have no broadcast databus and are skipped.

Example:
  pdufleetctl reboot --file fleet.json`,
	Args: cobra.NoArgs,
	RunE: runReboot,
}

func init() {
	rebootCmd.Flags().StringVar(&rebootFilePath, "file", "", "persisted fleet file to load (required)")
	rebootCmd.Flags().DurationVar(&rebootTimeout, "timeout", 10*time.Second, "overall reboot deadline")
	_ = rebootCmd.MarkFlagRequired("file")
}

func runReboot(cmd *cobra.Command, args []string) error {
	cfg, err := loadRuntimeConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	metrics := newMetrics()

	fl, err := loadFleetFile(rebootFilePath, cfg, metrics, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), rebootTimeout)
	defer cancel()

	seen := make(map[netip.Addr]bool)
	var rebooted []netip.Addr
	for _, m := range fl.All() {
		ip := m.Comm.IP()
		if seen[ip] {
			continue
		}
		seen[ip] = true

		bfp := m.Comm.BFP()
		if bfp == nil {
			logger.Warn("interface has no BFP transport, skipping broadcast reboot", "ip", ip)
			continue
		}
		if err := bfp.BroadcastReboot(ctx); err != nil {
			return fmt.Errorf("broadcast reboot %s: %w", ip, err)
		}
		rebooted = append(rebooted, ip)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "broadcast reboot sent to %d interface(s)\n", len(rebooted))
	for _, ip := range rebooted {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", ip)
	}
	return nil
}
