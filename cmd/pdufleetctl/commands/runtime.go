package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sbfleet/pdufleet/internal/bfptransport"
	"github.com/sbfleet/pdufleet/internal/cache"
	"github.com/sbfleet/pdufleet/internal/communicator"
	"github.com/sbfleet/pdufleet/internal/config"
	"github.com/sbfleet/pdufleet/internal/discovery"
	"github.com/sbfleet/pdufleet/internal/fleet"
	"github.com/sbfleet/pdufleet/internal/fleetmetrics"
	"github.com/sbfleet/pdufleet/internal/hfptransport"
	"github.com/sbfleet/pdufleet/internal/persistence"
	"github.com/sbfleet/pdufleet/internal/registerdata"
	"github.com/sbfleet/pdufleet/internal/registry"
)

var (
	configPath   string
	outputFormat string
)

// cacheMaxEntries bounds the group-read cache shared by every Communicator
// a single pdufleetctl invocation builds, one entry per (device, group).
const cacheMaxEntries = 4096

var (
	cacheOnce  sync.Once
	groupCache *cache.Cache
)

// sharedCache lazily builds the process-wide group-read cache from the
// loaded config's TTL, the first time any command needs a Communicator.
func sharedCache(cfg *config.Config) *cache.Cache {
	cacheOnce.Do(func() {
		groupCache = cache.New(cfg.Tunables.CacheExpire, cacheMaxEntries)
	})
	return groupCache
}

// loadRuntimeConfig reads the configured file (or falls back to built-in
// defaults when --config is omitted) and seeds the process-global register
// table. Called once per command invocation.
func loadRuntimeConfig() (*config.Config, error) {
	registry.LoadDefault(registerdata.Descriptors)

	if configPath == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(configPath)
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Log.Level)}
	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func newMetrics() *fleetmetrics.Collector {
	return fleetmetrics.NewCollector(prometheus.NewRegistry())
}

// interfaceFor returns the configured InterfaceConfig for ip, or a bare
// entry carrying only the shared tunable defaults when no explicit entry
// matches (a freshly discovered IP not yet in the config file).
func interfaceFor(cfg *config.Config, ip netip.Addr) config.InterfaceConfig {
	for _, ic := range cfg.Interfaces {
		if ic.IP == ip.String() {
			return ic
		}
	}
	return config.InterfaceConfig{IP: ip.String(), HFPPort: 80}
}

// buildCommunicator constructs a Communicator for ip from cfg, wiring up
// whichever transports the matching interface entry (or its absence)
// allows: BFP if a valid key is configured, HFP if credentials are set, and
// both when the interface offers both.
func buildCommunicator(cfg *config.Config, ip netip.Addr, metrics *fleetmetrics.Collector, logger *slog.Logger) *communicator.Communicator {
	ic := interfaceFor(cfg, ip)
	tun := cfg.Tunables

	var bfp *bfptransport.Transport
	var hfp *hfptransport.Transport
	var order []registry.Protocol

	if ic.ValidBFPKey() {
		var key [16]byte
		copy(key[:], ic.BFPKey)
		bfp = bfptransport.New(ip, tun.BFPPort, key, tun.BFPTimeout, tun.BFPYield, logger)
		order = append(order, registry.ProtoBFP)
	}
	if ic.HFPUser != "" {
		hfp = hfptransport.New(ip, ic.HFPPort, ic.HFPUser, ic.HFPPass, tun.HFPTimeout, logger)
		order = append(order, registry.ProtoHFP)
	}
	if len(order) == 0 {
		order = []registry.Protocol{registry.ProtoBFP, registry.ProtoHFP}
	}

	comm := communicator.New(ip, bfp, hfp, order, tun.DownshiftTries, nil, metrics, logger)
	comm.SetCache(sharedCache(cfg))
	return comm
}

func newProber(cfg *config.Config) *discovery.Prober {
	tun := cfg.Tunables
	return &discovery.Prober{
		BFPPort:    tun.BFPPort,
		BFPTimeout: tun.BFPTimeout,
		HFPPort:    80,
		HFPTimeout: tun.HFPTimeout,
		HFPUser:    "",
	}
}

func parseSeeds(args []string) ([]netip.Addr, error) {
	var out []netip.Addr
	for _, a := range args {
		addrs, err := discovery.ExpandIPv4Wildcard(a)
		if err != nil {
			return nil, err
		}
		out = append(out, addrs...)
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow := func(cells []string) {
		for i, cell := range cells {
			fmt.Fprintf(w, "%-*s  ", widths[i], cell)
		}
		fmt.Fprintln(w)
	}
	printRow(headers)
	for _, row := range rows {
		printRow(row)
	}
}

func unitString(unit uint16) string {
	return strconv.FormatUint(uint64(unit), 10)
}

// loadFleetFile loads a persisted fleet from path, rebuilding one
// Communicator per distinct IP from cfg (persisted records carry no
// transport connection parameters of their own).
func loadFleetFile(path string, cfg *config.Config, metrics *fleetmetrics.Collector, logger *slog.Logger) (*fleet.Fleet, error) {
	factory := func(ip netip.Addr) (*communicator.Communicator, error) {
		return buildCommunicator(cfg, ip, metrics, logger), nil
	}

	result, err := persistence.Load(path, cfg.Tunables.FileCompatNr, "", factory)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	logger.Info("loaded persisted fleet", "devices", result.DevicesAdded)
	return result.Fleet, nil
}
