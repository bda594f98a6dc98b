// Package bulk reads and writes registers across many fleet devices at
// once. Work is bundled by shared Communicator (devices on the same IP
// share one databus and must be serialized against each other) and the
// bundles themselves run concurrently, bounded by a worker limit.
package bulk

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/sbfleet/pdufleet/internal/codec"
	"github.com/sbfleet/pdufleet/internal/device"
	"github.com/sbfleet/pdufleet/internal/fleet"
	"github.com/sbfleet/pdufleet/internal/progress"
	"github.com/sbfleet/pdufleet/internal/registry"
)

// Result is one device's outcome from a bulk read or write. Data holds
// per-mnemonic read values; Status holds per-mnemonic write success, set
// only by WriteAll. Err holds the error of the last requested mnemonic that
// failed on this device; it is set even when other mnemonics succeeded.
type Result struct {
	Device *device.Device
	Data   map[string][]codec.Value
	Status map[string]bool
	Err    error
}

// bundleByIP groups members sharing an IP, mirroring how the underlying
// databus groups units behind one Communicator.
func bundleByIP(members []*fleet.Member) [][]*fleet.Member {
	seen := make(map[string]bool, len(members))
	var bundles [][]*fleet.Member
	for _, m := range members {
		ipKey := m.Device.IP.String()
		if seen[ipKey] {
			continue
		}
		seen[ipKey] = true

		var bundle []*fleet.Member
		for _, other := range members {
			if other.Device.IP == m.Device.IP {
				bundle = append(bundle, other)
			}
		}
		bundles = append(bundles, bundle)
	}
	return bundles
}

// ReadAll reads every mnemonic in mnemonics from every member, bundling
// members by IP so devices sharing a databus are read one at a time while
// separate databuses proceed in parallel, bounded by maxThreads. The
// returned map is keyed by device.Device.UID.
func ReadAll(ctx context.Context, table *registry.Table, members []*fleet.Member, mnemonics []string, maxThreads int) (map[string]*Result, error) {
	if maxThreads < 1 {
		maxThreads = 1
	}

	bundles := bundleByIP(members)
	node := progress.New(ctx, len(members)*len(mnemonics))
	node.Start()
	defer node.Close()

	results := make([]map[string]*Result, len(bundles))

	g, gctx := errgroup.WithContext(node.Context())
	g.SetLimit(maxThreads)

	for i, bundle := range bundles {
		i, bundle := i, bundle
		g.Go(func() error {
			done := node.TrackWorker()
			defer done()
			results[i] = readBundle(gctx, node, table, bundle, mnemonics)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]*Result, len(members))
	for _, bundleResult := range results {
		for uid, r := range bundleResult {
			merged[uid] = r
		}
	}
	return merged, nil
}

func readBundle(ctx context.Context, node *progress.Node, table *registry.Table, bundle []*fleet.Member, mnemonics []string) map[string]*Result {
	out := make(map[string]*Result, len(bundle))
	for _, m := range bundle {
		if !node.IsRunning() {
			return out
		}
		r := &Result{Device: m.Device, Data: make(map[string][]codec.Value, len(mnemonics))}
		for _, mnemonic := range mnemonics {
			if !node.IsRunning() {
				break
			}
			desc, ok := table.Lookup(mnemonic)
			if !ok {
				node.AddProgress(1)
				continue
			}
			values, err := m.Comm.ReadSingle(ctx, desc, m.Device.Unit)
			if err != nil {
				r.Err = err
			} else {
				r.Data[mnemonic] = values
			}
			node.AddProgress(1)
		}
		out[m.Device.UID()] = r
	}
	return out
}

// WriteRequest maps a device UID to the mnemonic/value pairs to write to it.
type WriteRequest map[string]map[string][]codec.Value

// WriteAll writes data to every addressed device, bundled and bounded the
// same way ReadAll is. When a write changes a device's own unit address
// (mnemonic "idaddr"), the result is re-keyed from the device's old UID to
// its new one and fl.Rekey is applied, mirroring how a live address change
// must not orphan the device's prior result entry.
func WriteAll(ctx context.Context, table *registry.Table, fl *fleet.Fleet, members []*fleet.Member, data WriteRequest, maxThreads int) (map[string]*Result, error) {
	if maxThreads < 1 {
		maxThreads = 1
	}

	totalWrites := 0
	for _, values := range data {
		totalWrites += len(values)
	}

	bundles := bundleByIP(members)
	node := progress.New(ctx, totalWrites)
	node.Start()
	defer node.Close()

	results := make([]map[string]*Result, len(bundles))

	g, gctx := errgroup.WithContext(node.Context())
	g.SetLimit(maxThreads)

	for i, bundle := range bundles {
		i, bundle := i, bundle
		g.Go(func() error {
			done := node.TrackWorker()
			defer done()
			results[i] = writeBundle(gctx, node, table, fl, bundle, data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]*Result, len(members))
	for _, bundleResult := range results {
		for uid, r := range bundleResult {
			merged[uid] = r
		}
	}
	return merged, nil
}

func writeBundle(ctx context.Context, node *progress.Node, table *registry.Table, fl *fleet.Fleet, bundle []*fleet.Member, data WriteRequest) map[string]*Result {
	out := make(map[string]*Result, len(bundle))
	for _, m := range bundle {
		oldUID := m.Device.UID()
		values, ok := data[oldUID]
		if !ok {
			continue
		}

		r := &Result{Device: m.Device, Status: make(map[string]bool, len(values))}
		for mnemonic, v := range values {
			if !node.IsRunning() {
				break
			}
			desc, ok := table.Lookup(mnemonic)
			if !ok {
				r.Status[mnemonic] = false
				node.AddProgress(1)
				continue
			}

			err := m.Comm.WriteSingle(ctx, desc, m.Device.Unit, v)
			r.Status[mnemonic] = err == nil
			if err != nil {
				r.Err = err
			} else if mnemonic == "idaddr" && len(v) > 0 {
				newUnit := uint16(v[0].Int)
				if rekeyErr := fl.Rekey(m.Device.IP, m.Device.Unit, newUnit); rekeyErr == nil {
					m.Device.SetUnitAddress(newUnit)
				} else {
					r.Err = rekeyErr
				}
			}
			node.AddProgress(1)
		}

		newUID := m.Device.UID()
		out[newUID] = r
	}
	return out
}
