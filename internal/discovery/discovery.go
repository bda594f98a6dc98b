// Package discovery finds and identifies fleet devices in three stages: a
// network sweep that probes candidate IPs for either transport, a databus
// scan that enumerates the unit addresses answering on a reachable
// interface, and a per-unit identification pass that reads the
// identification (and, for older firmware, configuration) register group to
// classify each unit into a device.Variant.
package discovery

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sbfleet/pdufleet/internal/codec"
	"github.com/sbfleet/pdufleet/internal/communicator"
	"github.com/sbfleet/pdufleet/internal/device"
	"github.com/sbfleet/pdufleet/internal/registry"
	"github.com/sbfleet/pdufleet/internal/xerr"
)

// ExpandIPv4Wildcard turns a "a.b.c.*" pattern into the 254 usable host
// addresses in that /24 (.1 through .254). Only a wildcarded last octet is
// supported; anything else is returned as a single-address slice.
func ExpandIPv4Wildcard(pattern string) ([]netip.Addr, error) {
	if !strings.HasSuffix(pattern, ".*") {
		addr, err := netip.ParseAddr(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", xerr.ErrInvalidInput, pattern, err)
		}
		return []netip.Addr{addr}, nil
	}

	prefix := strings.TrimSuffix(pattern, "*")
	out := make([]netip.Addr, 0, 254)
	for host := 1; host <= 254; host++ {
		addr, err := netip.ParseAddr(prefix + strconv.Itoa(host))
		if err != nil {
			return nil, fmt.Errorf("%w: %s%d: %v", xerr.ErrInvalidInput, prefix, host, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// Prober holds the connection parameters used to test whether an IP has
// anything answering on either transport.
type Prober struct {
	BFPPort    int
	BFPTimeout time.Duration
	HFPPort    int
	HFPTimeout time.Duration
	HFPUser    string
}

// ProbeHost reports whether ip accepts a BFP TCP connection or answers an
// HFP /userid POST, whichever comes back first. Both probes run
// concurrently; either succeeding is enough, matching how a single
// interface may speak only one of the two transports.
func (p *Prober) ProbeHost(ctx context.Context, ip netip.Addr) bool {
	results := make(chan bool, 2)

	go func() { results <- p.probeBFP(ctx, ip) }()
	go func() { results <- p.probeHFP(ctx, ip) }()

	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			if r {
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
	return false
}

func (p *Prober) probeBFP(ctx context.Context, ip netip.Addr) bool {
	timeout := p.BFPTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(ip.String(), strconv.Itoa(p.BFPPort)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (p *Prober) probeHFP(ctx context.Context, ip netip.Addr) bool {
	timeout := p.HFPTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := fmt.Sprintf("http://%s/userid", net.JoinHostPort(ip.String(), strconv.Itoa(p.HFPPort)))
	form := url.Values{"user": {p.HFPUser}}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ScanSubnet probes every address in addrs concurrently, bounded by
// maxThreads, and returns those that answered on either transport. The
// caller's discovery.Prober is shared read-only across workers.
func ScanSubnet(ctx context.Context, addrs []netip.Addr, maxThreads int, prober *Prober) ([]netip.Addr, error) {
	if maxThreads < 1 {
		maxThreads = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxThreads)

	type result struct {
		addr netip.Addr
		ok   bool
	}
	results := make([]result, len(addrs))

	for i, addr := range addrs {
		i, addr := i, addr
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			results[i] = result{addr: addr, ok: prober.ProbeHost(gctx, addr)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]netip.Addr, 0, len(addrs))
	for _, r := range results {
		if r.ok {
			out = append(out, r.addr)
		}
	}
	return out, nil
}

// Unknown records a unit that scanned but could not be classified into any
// recognized device.Variant, nor identified as a ring gateway.
type Unknown struct {
	IP   netip.Addr
	Unit uint16
}

// Renumber records a hardware id a scan surfaced instead of a trustworthy
// unit address: either the device hasn't been assigned one yet, or its
// address collided with another unit answering the same scan. The caller
// is expected to schedule a set_unit_address call for it.
type Renumber struct {
	IP         netip.Addr
	HardwareID string
}

// Identifier resolves a scanned (ip, unit) into a device.Device by reading
// the shared identification/configuration register groups.
type Identifier struct {
	Table       *registry.Table
	ScanTimeout time.Duration
}

// IdentifyUnit reads the identification group for unit, and — for legacy
// firmware reporting the PDU family — the configuration group as a
// tiebreaker, to classify the unit into a device.Variant. Mirrors the
// device_type/firmware_version dispatch a discovery pass runs per scanned
// unit, including the cfnrph/cfnrno tiebreak between cPDU and DPM27.
func (id *Identifier) IdentifyUnit(ctx context.Context, comm *communicator.Communicator, unit uint16) (*device.Device, error) {
	idDescs := id.Table.Group("identification")
	if len(idDescs) == 0 {
		return nil, fmt.Errorf("%w: no identification register group loaded", xerr.ErrInvalidInput)
	}

	idData, err := comm.ReadGroup(ctx, "identification", idDescs, unit)
	if err != nil {
		return nil, err
	}

	deviceType, fw, err := extractTypeAndFirmware(idData)
	if err != nil {
		return nil, err
	}

	var variant device.Variant
	switch deviceType {
	case 0:
		if fw < 200 {
			variant, err = id.classifyLegacyPDU(ctx, comm, unit)
			if err != nil {
				return nil, err
			}
		} else {
			variant = device.VariantHPDU
		}
	case 1:
		if fw < 200 {
			variant = device.VariantDPM27
		} else {
			variant = device.VariantDPM3
		}
	case 2:
		variant = device.VariantHPDUG3
	case 3:
		variant = device.VariantDPM27e
	default:
		return nil, fmt.Errorf("%w: unrecognized device type %d (firmware %d)", xerr.ErrInvalidInput, deviceType, fw)
	}

	return &device.Device{
		IP:       comm.IP(),
		Unit:     unit,
		Variant:  variant,
		Firmware: fw,
	}, nil
}

func (id *Identifier) classifyLegacyPDU(ctx context.Context, comm *communicator.Communicator, unit uint16) (device.Variant, error) {
	cfDescs := id.Table.Group("configuration")
	if len(cfDescs) == 0 {
		return device.VariantCPDU, nil
	}

	cfData, err := comm.ReadGroup(ctx, "configuration", cfDescs, unit)
	if err != nil {
		return "", fmt.Errorf("could not read configuration group to distinguish DPM27/cPDU: %w", err)
	}

	phases, hasPhases := cfData["cfnrph"]
	outlets, hasOutlets := cfData["cfnrno"]
	if hasPhases && hasOutlets && len(phases) > 0 && len(outlets) > 0 &&
		phases[0].Int == 0 && outlets[0].Int == 27 {
		return device.VariantDPM27, nil
	}
	return device.VariantCPDU, nil
}

func extractTypeAndFirmware(idData map[string][]codec.Value) (int, int, error) {
	typeVals, ok := idData["idspdt"]
	if !ok || len(typeVals) == 0 {
		return 0, 0, fmt.Errorf("%w: identification group missing idspdt", xerr.ErrInvalidInput)
	}
	fwVals, ok := idData["idfwvs"]
	if !ok || len(fwVals) == 0 {
		return 0, 0, fmt.Errorf("%w: identification group missing idfwvs", xerr.ErrInvalidInput)
	}
	return int(typeVals[0].Int), int(fwVals[0].Int), nil
}

// IdentifyInterface scans the databus at comm for unit addresses (or
// assumes a single unit 0 for an HFP-only interface, which never exposes a
// ring) and identifies each. Units that fail identification outright are
// tried once more as a possible ring gateway before being reported Unknown.
// Hardware ids the scan surfaced instead of unit addresses are returned as
// Renumber candidates rather than identified.
func IdentifyInterface(ctx context.Context, id *Identifier, comm *communicator.Communicator) ([]*device.Device, []Unknown, []Renumber, error) {
	units, renumberHWIDs, err := scanUnits(ctx, comm, id.ScanTimeout)
	if err != nil {
		return nil, nil, nil, err
	}

	var devices []*device.Device
	var unknown []Unknown
	renumber := make([]Renumber, 0, len(renumberHWIDs))
	for _, hwid := range renumberHWIDs {
		renumber = append(renumber, Renumber{IP: comm.IP(), HardwareID: hwid})
	}

	for _, unit := range units {
		d, err := id.IdentifyUnit(ctx, comm, unit)
		if err == nil {
			devices = append(devices, d)
			continue
		}

		if bfp := comm.BFP(); bfp != nil {
			isGW, gwErr := bfp.IsGateway(ctx, id.ScanTimeout)
			if gwErr == nil && isGW {
				devices = append(devices, &device.Device{
					IP:          comm.IP(),
					Unit:        0,
					Variant:     device.VariantGateway,
					FirstInRing: true,
				})
				continue
			}
		}
		unknown = append(unknown, Unknown{IP: comm.IP(), Unit: unit})
	}

	return devices, unknown, renumber, nil
}

// scanUnits returns the unit addresses a ring scan reports as trustworthy,
// plus any hardware ids surfaced instead (unassigned or address-conflicted
// devices a caller should renumber).
func scanUnits(ctx context.Context, comm *communicator.Communicator, window time.Duration) ([]uint16, []string, error) {
	bfp := comm.BFP()
	if bfp == nil {
		// HFP-only interfaces are always a single embedded unit at the bus
		// root; there is no ring to enumerate.
		return []uint16{0}, nil, nil
	}

	results, renumber, err := bfp.Scan(ctx, window)
	if err != nil {
		return nil, nil, err
	}
	units := make([]uint16, 0, len(results))
	for _, r := range results {
		units = append(units, r.Unit)
	}
	return units, renumber, nil
}
