// Package device models the PDU/DPM variant capability rules: which
// registers a variant can reach, its transport preference order, and the
// per-descriptor overrides a variant applies on top of the shared register
// table.
package device

import (
	"net/netip"
	"sync"

	"github.com/sbfleet/pdufleet/internal/registry"
)

// Variant tags a device's hardware/firmware family. Persisted verbatim in
// fleet snapshots.
type Variant string

// Recognized variant tags.
const (
	VariantCPDU    Variant = "cpdu"
	VariantHPDU    Variant = "hpdu"
	VariantHPDUG3  Variant = "hpdu_g3"
	VariantDPM27   Variant = "dpm27"
	VariantDPM27e  Variant = "dpm27e"
	VariantDPM3    Variant = "dpm3"
	VariantGateway Variant = "gateway"
)

// gatewayOnlyMnemonics are the only registers a Gateway variant exposes.
var gatewayOnlyMnemonics = map[string]bool{
	"ring_status":      true,
	"ring_break_index": true,
	"firmware_version": true,
}

// PreferredOrder returns the transport preference list a fresh Communicator
// should start with for this variant.
func (v Variant) PreferredOrder() []registry.Protocol {
	switch v {
	case VariantHPDU, VariantHPDUG3, VariantDPM27e, VariantDPM3:
		return []registry.Protocol{registry.ProtoHFP, registry.ProtoBFP}
	default:
		// cPDU, DPM27, Gateway: BFP only.
		return []registry.Protocol{registry.ProtoBFP}
	}
}

// ForcesUnitZero reports whether this variant's unit address is pinned to 0
// (Gateway devices sit at the bus root).
func (v Variant) ForcesUnitZero() bool {
	return v == VariantGateway
}

// CanReach reports whether the descriptor identified by mnemonic is
// reachable at all on this variant, before any transport-specific
// readable_by/writable_by check. fw is the device's reported firmware
// version.
func (v Variant) CanReach(desc registry.Descriptor, fw int) bool {
	switch v {
	case VariantGateway:
		return gatewayOnlyMnemonics[desc.Mnemonic]
	case VariantCPDU, VariantDPM27:
		if desc.AddedInFW > 200 {
			return false
		}
		if desc.AddedInFW > fw {
			return false
		}
		if hfpOnly(desc) {
			return false
		}
		return true
	default: // hPDU, hPDU_G3, DPM27e, DPM3
		return desc.AddedInFW <= fw
	}
}

func hfpOnly(desc registry.Descriptor) bool {
	if len(desc.ReadableBy) != 1 {
		return false
	}
	return desc.ReadableBy[0] == registry.ProtoHFP
}

// dpm27CTOverrides replaces the CT-ratio descriptors for DPM27 devices
// (spec 4.6: "two descriptors overridden (CT ratios)").
var dpm27CTOverrides = map[string]registry.Descriptor{}

// SetDPM27CTOverrides lets a host application supply the vendor-specific
// CT-ratio descriptor pair DPM27 uses in place of the shared table's
// defaults. Intended to be called once during process initialization.
func SetDPM27CTOverrides(ctPrimary, ctSecondary registry.Descriptor) {
	dpm27CTOverrides = map[string]registry.Descriptor{
		ctPrimary.Mnemonic:   ctPrimary,
		ctSecondary.Mnemonic: ctSecondary,
	}
}

// Overrides returns this variant's per-mnemonic descriptor overlay, applied
// on top of the shared registry.Table by the Communicator.
func (v Variant) Overrides() map[string]registry.Descriptor {
	if v == VariantDPM27 {
		return dpm27CTOverrides
	}
	return nil
}

// Device is one fleet member: a stable identity (ip, unit address), its
// variant, firmware, and the handful of attributes discovery and
// persistence both need.
type Device struct {
	mu sync.RWMutex

	IP          netip.Addr
	Unit        uint16
	Variant     Variant
	Firmware    int
	ChipID      string
	FirstInRing bool
	RingStatus  string
}

// UID is the stable string key bulk operations and persistence use to
// identify a device: "<ip>#<unit>".
func (d *Device) UID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return uid(d.IP, d.Unit)
}

func uid(ip netip.Addr, unit uint16) string {
	return ip.String() + "#" + unitDecimal(unit)
}

func unitDecimal(unit uint16) string {
	if unit == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for unit > 0 {
		i--
		buf[i] = byte('0' + unit%10)
		unit /= 10
	}
	return string(buf[i:])
}

// SetUnitAddress updates the device's local unit-address attribute without
// touching the wire. fleet.Fleet.Rekey and bulk.WriteAll call it after a
// unit-address write has succeeded.
func (d *Device) SetUnitAddress(newAddr uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Unit = newAddr
}
