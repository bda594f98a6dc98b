// Package persistence saves and restores a Fleet to/from a JSON document:
// a [header, bundles] pair where header carries a compatibility number and
// an optional register-graph checksum, and bundles groups device records
// by the IP they share (the same grouping bulk operations bundle work by).
package persistence

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"

	"github.com/sbfleet/pdufleet/internal/codec"
	"github.com/sbfleet/pdufleet/internal/communicator"
	"github.com/sbfleet/pdufleet/internal/device"
	"github.com/sbfleet/pdufleet/internal/fleet"
	"github.com/sbfleet/pdufleet/internal/xerr"
)

// Header is the document's first array element: the file format version
// gate and an optional checksum of the register-graph definition the file
// was saved against.
type Header struct {
	Compat   int    `json:"compat"`
	GraphSum string `json:"graph_sum,omitempty"`
}

// Record is one persisted device: its identity and classification. Save
// never fills Data and Load ignores it, so no register values are saved.
type Record struct {
	Variant     device.Variant           `json:"variant"`
	IP          netip.Addr               `json:"ip"`
	Unit        uint16                   `json:"unit"`
	Firmware    int                      `json:"firmware"`
	FirstInRing bool                     `json:"first_in_ring"`
	RingStatus  string                   `json:"ring_status"`
	ChipID      string                   `json:"chip_id"`
	Data        map[string][]codec.Value `json:"data,omitempty"`
}

// document is the on-disk [header, bundles] shape. Bundles are device
// records grouped by IP, matching how a live fleet groups members by
// shared Communicator.
type document struct {
	Header  Header
	Bundles [][]Record
}

func (d document) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{d.Header, d.Bundles})
}

func (d *document) UnmarshalJSON(b []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: malformed persisted document: %v", xerr.ErrFileCompat, err)
	}
	if err := json.Unmarshal(raw[0], &d.Header); err != nil {
		return fmt.Errorf("%w: malformed header: %v", xerr.ErrFileCompat, err)
	}
	return json.Unmarshal(raw[1], &d.Bundles)
}

// FileMD5 returns the hex MD5 checksum of the file at path, used as the
// register-graph fingerprint stamped into a saved document's header.
func FileMD5(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("checksum %s: %w", path, err)
	}
	sum := md5.Sum(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Save writes every member of fl to path as a [header, bundles] document.
// graphPath, if non-empty, is checksummed into the header's graph_sum so a
// later Load can detect a register-graph mismatch.
func Save(path string, fl *fleet.Fleet, compatNr int, graphPath string) error {
	header := Header{Compat: compatNr}
	if graphPath != "" {
		sum, err := FileMD5(graphPath)
		if err == nil {
			header.GraphSum = sum
		}
	}

	bundles := bundleRecordsByIP(fl.All())

	doc := document{Header: header, Bundles: bundles}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal fleet document: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func bundleRecordsByIP(members []*fleet.Member) [][]Record {
	byIP := make(map[netip.Addr][]Record)
	var order []netip.Addr
	for _, m := range members {
		if _, seen := byIP[m.Device.IP]; !seen {
			order = append(order, m.Device.IP)
		}
		d := m.Device
		byIP[d.IP] = append(byIP[d.IP], Record{
			Variant:     d.Variant,
			IP:          d.IP,
			Unit:        d.Unit,
			Firmware:    d.Firmware,
			FirstInRing: d.FirstInRing,
			RingStatus:  d.RingStatus,
			ChipID:      d.ChipID,
		})
	}

	bundles := make([][]Record, 0, len(order))
	for _, ip := range order {
		bundles = append(bundles, byIP[ip])
	}
	return bundles
}

// CommunicatorFactory builds (or returns an already-built) Communicator for
// an IP encountered while loading a document. Load calls it once per
// distinct IP and shares the result across every unit on that IP, mirroring
// how a live bundle's first device builds the Communicator the rest reuse.
type CommunicatorFactory func(ip netip.Addr) (*communicator.Communicator, error)

// LoadResult reports what Load recovered and whether the document's
// optional graph checksum matched graphPath.
type LoadResult struct {
	Fleet         *fleet.Fleet
	GraphSumMatch bool
	DevicesAdded  int
}

// Load reads a document from path and rebuilds a Fleet from it. A document
// whose header.Compat does not equal compatNr is rejected with
// xerr.ErrFileCompat: the caller should treat this the same as "no usable
// save file" rather than a hard failure. graphPath, if non-empty, is
// checksummed and compared against the header's stored graph_sum.
func Load(path string, compatNr int, graphPath string, commFor CommunicatorFactory) (*LoadResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc.Header.Compat != compatNr {
		return nil, fmt.Errorf("%w: file compat %d, expected %d", xerr.ErrFileCompat, doc.Header.Compat, compatNr)
	}

	graphMatch := false
	if graphPath != "" && doc.Header.GraphSum != "" {
		if sum, err := FileMD5(graphPath); err == nil {
			graphMatch = sum == doc.Header.GraphSum
		}
	}

	fl := fleet.New(nil)
	added := 0
	for _, bundle := range doc.Bundles {
		var comm *communicator.Communicator
		for _, rec := range bundle {
			if comm == nil {
				c, err := commFor(rec.IP)
				if err != nil {
					return nil, fmt.Errorf("build communicator for %s: %w", rec.IP, err)
				}
				comm = c
			}

			dev := &device.Device{
				IP:          rec.IP,
				Unit:        rec.Unit,
				Variant:     rec.Variant,
				Firmware:    rec.Firmware,
				FirstInRing: rec.FirstInRing,
				RingStatus:  rec.RingStatus,
				ChipID:      rec.ChipID,
			}
			if err := fl.Add(&fleet.Member{Device: dev, Comm: comm}); err != nil {
				continue
			}
			added++
		}
	}

	return &LoadResult{Fleet: fl, GraphSumMatch: graphMatch, DevicesAdded: added}, nil
}
