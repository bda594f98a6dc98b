// Package fleet holds the live collection of identified devices: the set a
// discovery pass has populated and bulk/persistence operate over. Every
// member pairs a device.Device with the Communicator that reaches it.
package fleet

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/sbfleet/pdufleet/internal/communicator"
	"github.com/sbfleet/pdufleet/internal/device"
	"github.com/sbfleet/pdufleet/internal/fleetmetrics"
	"github.com/sbfleet/pdufleet/internal/xerr"
)

// Member is one device known to the fleet, together with the Communicator
// that owns its transports. Several members commonly share a Communicator:
// every unit on the same (ip, port) databus does.
type Member struct {
	Device *device.Device
	Comm   *communicator.Communicator
}

// Fleet is the (ip, unit) keyed set of known devices, safe for concurrent
// access by discovery, bulk workers, and persistence. A Gateway member is
// always recorded at unit 0, per device.Variant.ForcesUnitZero.
type Fleet struct {
	mu      sync.RWMutex
	members map[string]*Member
	metrics *fleetmetrics.Collector
}

// New creates an empty Fleet. metrics may be nil.
func New(metrics *fleetmetrics.Collector) *Fleet {
	return &Fleet{
		members: make(map[string]*Member),
		metrics: metrics,
	}
}

func key(ip netip.Addr, unit uint16) string {
	return fmt.Sprintf("%s#%d", ip, unit)
}

// Add registers a member, enforcing the (ip, unit) uniqueness invariant and
// the Gateway unit_address == 0 invariant. Replacing an existing (ip, unit)
// is an error: callers that intend to re-identify a unit must Remove first.
func (f *Fleet) Add(m *Member) error {
	if m.Device.Variant == device.VariantGateway && m.Device.Unit != 0 {
		return fmt.Errorf("%w: gateway device at %s must use unit 0, got %d", xerr.ErrInvalidInput, m.Device.IP, m.Device.Unit)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	k := key(m.Device.IP, m.Device.Unit)
	if _, exists := f.members[k]; exists {
		return fmt.Errorf("%w: device %s already known", xerr.ErrInvalidInput, k)
	}
	f.members[k] = m

	if f.metrics != nil {
		f.metrics.SetFleetSize(len(f.members))
	}
	return nil
}

// Remove drops the member at (ip, unit), if present.
func (f *Fleet) Remove(ip netip.Addr, unit uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.members, key(ip, unit))
	if f.metrics != nil {
		f.metrics.SetFleetSize(len(f.members))
	}
}

// Rekey moves a member from its old (ip, unit) identity to a new unit
// address on the same ip, after a successful set_unit_address write changes
// the device in place, and sets the member's Device.Unit to newUnit.
// Returns an error if newUnit collides with an existing member.
func (f *Fleet) Rekey(ip netip.Addr, oldUnit, newUnit uint16) error {
	if oldUnit == newUnit {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	oldKey := key(ip, oldUnit)
	m, ok := f.members[oldKey]
	if !ok {
		return fmt.Errorf("%w: no device at %s", xerr.ErrInvalidInput, oldKey)
	}

	newKey := key(ip, newUnit)
	if _, collide := f.members[newKey]; collide {
		return fmt.Errorf("%w: device %s already exists", xerr.ErrInvalidInput, newKey)
	}

	delete(f.members, oldKey)
	f.members[newKey] = m
	m.Device.SetUnitAddress(newUnit)
	return nil
}

// Get looks up the member at (ip, unit).
func (f *Fleet) Get(ip netip.Addr, unit uint16) (*Member, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	m, ok := f.members[key(ip, unit)]
	return m, ok
}

// All returns every member, in no particular order. Callers that need a
// stable order should sort the result themselves.
func (f *Fleet) All() []*Member {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]*Member, 0, len(f.members))
	for _, m := range f.members {
		out = append(out, m)
	}
	return out
}

// Len reports the number of known devices.
func (f *Fleet) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.members)
}

// ByIP returns every member sharing ip, the grouping bulk operations bundle
// work by (they all share one Communicator and one databus).
func (f *Fleet) ByIP(ip netip.Addr) []*Member {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []*Member
	for _, m := range f.members {
		if m.Device.IP == ip {
			out = append(out, m)
		}
	}
	return out
}

// Clear removes every member, resetting the fleet to empty.
func (f *Fleet) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.members = make(map[string]*Member)
	if f.metrics != nil {
		f.metrics.SetFleetSize(0)
	}
}
