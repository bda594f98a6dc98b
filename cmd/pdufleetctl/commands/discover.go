package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sbfleet/pdufleet/internal/device"
	"github.com/sbfleet/pdufleet/internal/discovery"
	"github.com/sbfleet/pdufleet/internal/fleet"
	"github.com/sbfleet/pdufleet/internal/persistence"
	"github.com/sbfleet/pdufleet/internal/registry"
)

var (
	discoverMaxThreads int
	discoverTimeout    time.Duration
	discoverSavePath   string
)

var discoverCmd = &cobra.Command{
	Use:   "discover <ip-or-wildcard>...",
	Short: "Sweep IPs, identify every responding unit, and print the fleet found",
	Long: `discover expands each argument (a single address or an "a.b.c.*" /24
wildcard), probes every resulting host on both transports, and identifies
every unit answering on a reachable interface.

Examples:
  pdufleetctl discover 10.0.0.*
  pdufleetctl discover 10.0.0.5 10.0.0.6 --save fleet.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().IntVar(&discoverMaxThreads, "max-threads", 16, "bounded concurrency for the network sweep")
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", 30*time.Second, "overall discovery deadline")
	discoverCmd.Flags().StringVar(&discoverSavePath, "save", "", "persist the discovered fleet to this path")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	cfg, err := loadRuntimeConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	metrics := newMetrics()

	seeds, err := parseSeeds(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), discoverTimeout)
	defer cancel()

	prober := newProber(cfg)
	live, err := discovery.ScanSubnet(ctx, seeds, discoverMaxThreads, prober)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	logger.Info("sweep complete", "seeds", len(seeds), "live", len(live))

	id := &discovery.Identifier{Table: registry.Default, ScanTimeout: cfg.Tunables.ScanTimeout}
	fl := fleet.New(metrics)

	var allUnknown []discovery.Unknown
	var allRenumber []discovery.Renumber
	for _, ip := range live {
		comm := buildCommunicator(cfg, ip, metrics, logger)
		devices, unknown, renumber, err := discovery.IdentifyInterface(ctx, id, comm)
		if err != nil {
			logger.Warn("identify interface failed", "ip", ip, "err", err)
			continue
		}
		allUnknown = append(allUnknown, unknown...)
		allRenumber = append(allRenumber, renumber...)
		for _, d := range devices {
			if err := fl.Add(&fleet.Member{Device: d, Comm: comm}); err != nil {
				logger.Warn("could not add discovered device to fleet", "ip", ip, "unit", d.Unit, "err", err)
			}
		}
	}

	if err := printDevices(cmd, fl); err != nil {
		return err
	}
	if len(allUnknown) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d unit(s) scanned but not classified: %v\n", len(allUnknown), allUnknown)
	}
	if len(allRenumber) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d device(s) need renumbering:\n", len(allRenumber))
		for _, r := range allRenumber {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s  %s\n", r.IP, r.HardwareID)
		}
	}

	if discoverSavePath != "" {
		if err := persistence.Save(discoverSavePath, fl, cfg.Tunables.FileCompatNr, ""); err != nil {
			return fmt.Errorf("save %s: %w", discoverSavePath, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved %d device(s) to %s\n", fl.Len(), discoverSavePath)
	}

	return nil
}

func printDevices(cmd *cobra.Command, fl *fleet.Fleet) error {
	members := fl.All()
	if outputFormat == "json" {
		type row struct {
			IP       string        `json:"ip"`
			Unit     uint16        `json:"unit"`
			Variant  device.Variant `json:"variant"`
			Firmware int           `json:"firmware"`
		}
		rows := make([]row, 0, len(members))
		for _, m := range members {
			rows = append(rows, row{IP: m.Device.IP.String(), Unit: m.Device.Unit, Variant: m.Device.Variant, Firmware: m.Device.Firmware})
		}
		return printJSON(os.Stdout, rows)
	}

	headers := []string{"IP", "UNIT", "VARIANT", "FIRMWARE"}
	rows := make([][]string, 0, len(members))
	for _, m := range members {
		rows = append(rows, []string{m.Device.IP.String(), unitString(m.Device.Unit), string(m.Device.Variant), fmt.Sprintf("%d", m.Device.Firmware)})
	}
	printTable(cmd.OutOrStdout(), headers, rows)
	return nil
}
