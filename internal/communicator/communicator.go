// Package communicator picks between BFP and HFP for a single (ip, port)
// interface, in a caller-supplied preference order, falling back to the
// next protocol on failure and demoting a protocol's priority once it has
// failed too many times in a row. It is the one place register
// readable_by/writable_by rules, per-device overrides, and password-like
// registers are enforced uniformly across both transports.
package communicator

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strconv"
	"sync"

	"github.com/sbfleet/pdufleet/internal/bfptransport"
	"github.com/sbfleet/pdufleet/internal/cache"
	"github.com/sbfleet/pdufleet/internal/codec"
	"github.com/sbfleet/pdufleet/internal/fleetmetrics"
	"github.com/sbfleet/pdufleet/internal/hfptransport"
	"github.com/sbfleet/pdufleet/internal/registry"
	"github.com/sbfleet/pdufleet/internal/xerr"
)

// Communicator owns the transports reachable at one interface IP and
// arbitrates which protocol serves a given read or write.
type Communicator struct {
	ip  netip.Addr
	bfp *bfptransport.Transport
	hfp *hfptransport.Transport

	downshiftTries int
	overrides      map[string]registry.Descriptor
	metrics        *fleetmetrics.Collector
	cache          *cache.Cache
	logger         *slog.Logger

	mu    sync.Mutex
	order []registry.Protocol
	fails map[registry.Protocol]int
}

// New builds a Communicator for one interface. Either transport may be nil
// if that protocol is not configured or failed to come up; order lists the
// protocols to try, most preferred first; overrides is the owning device
// variant's per-mnemonic descriptor overlay (may be nil); metrics may be nil
// to disable counters entirely.
func New(ip netip.Addr, bfp *bfptransport.Transport, hfp *hfptransport.Transport, order []registry.Protocol, downshiftTries int, overrides map[string]registry.Descriptor, metrics *fleetmetrics.Collector, logger *slog.Logger) *Communicator {
	fails := make(map[registry.Protocol]int, len(order))
	for _, p := range order {
		fails[p] = 0
	}
	return &Communicator{
		ip:             ip,
		bfp:            bfp,
		hfp:            hfp,
		downshiftTries: downshiftTries,
		overrides:      overrides,
		metrics:        metrics,
		order:          append([]registry.Protocol{}, order...),
		fails:          fails,
		logger: logger.With(
			slog.String("component", "communicator"),
			slog.String("ip", ip.String()),
		),
	}
}

// SetCache attaches a group-read cache to this Communicator. Optional: a
// Communicator with no cache attached simply never short-circuits a group
// read. Not safe to call concurrently with in-flight reads/writes; intended
// to be called once, right after New.
func (c *Communicator) SetCache(ch *cache.Cache) {
	c.cache = ch
}

// BFP returns the underlying BFP transport, or nil if this interface has
// none configured. Exposed for the bus-level operations (databus scan,
// gateway probe, unit-address assignment) that sit outside the
// read/write/group abstraction and only ever make sense over BFP.
func (c *Communicator) BFP() *bfptransport.Transport {
	return c.bfp
}

// HFP returns the underlying HFP transport, or nil if this interface has
// none configured.
func (c *Communicator) HFP() *hfptransport.Transport {
	return c.hfp
}

// IP returns the interface address this Communicator was built for.
func (c *Communicator) IP() netip.Addr {
	return c.ip
}

// resolve returns the variant override for desc's mnemonic if one exists,
// otherwise desc itself unchanged.
func (c *Communicator) resolve(desc registry.Descriptor) registry.Descriptor {
	if override, ok := c.overrides[desc.Mnemonic]; ok {
		return override
	}
	return desc
}

func (c *Communicator) resolveAll(descs []registry.Descriptor) []registry.Descriptor {
	if len(c.overrides) == 0 {
		return descs
	}
	out := make([]registry.Descriptor, len(descs))
	for i, d := range descs {
		out[i] = c.resolve(d)
	}
	return out
}

func (c *Communicator) snapshotOrder() []registry.Protocol {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]registry.Protocol{}, c.order...)
}

// downshift moves protocol one position toward the end of the preference
// order once it has failed downshiftTries times in a row, so a flaky
// transport stops being tried first on every subsequent operation.
func (c *Communicator) downshift(protocol registry.Protocol, unit uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	for i, p := range c.order {
		if p == protocol {
			idx = i
			break
		}
	}
	if idx == -1 || idx >= len(c.order)-1 {
		return
	}
	c.order = append(c.order[:idx], append(c.order[idx+1:idx+2], append([]registry.Protocol{protocol}, c.order[idx+2:]...)...)...)
	c.logger.Info("priority demoted", slog.String("protocol", string(protocol)))
	if c.metrics != nil {
		c.metrics.IncProtocolDemotions(c.ip, unit, string(protocol))
	}
}

func (c *Communicator) onSuccess(protocol registry.Protocol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fails[protocol] = 0
}

func (c *Communicator) onFailure(protocol registry.Protocol, unit uint16) {
	c.mu.Lock()
	c.fails[protocol]++
	exceeded := c.fails[protocol] > c.downshiftTries
	c.mu.Unlock()
	if exceeded {
		c.downshift(protocol, unit)
	}
}

// passwordPlaceholder returns the synthetic empty-string result a
// password-like descriptor always yields: such registers are never
// transmitted over either wire, by table convention.
func passwordPlaceholder(desc registry.Descriptor) []codec.Value {
	out := make([]codec.Value, desc.Repeats)
	for i := range out {
		out[i] = codec.Value{}
	}
	return out
}

// ReadSingle reads one register, trying protocols in priority order until
// one succeeds. Password-like descriptors never touch the wire.
func (c *Communicator) ReadSingle(ctx context.Context, desc registry.Descriptor, unit uint16) ([]codec.Value, error) {
	desc = c.resolve(desc)
	if desc.IsPasswordLike() {
		return passwordPlaceholder(desc), nil
	}

	var lastErr error
	for _, proto := range c.snapshotOrder() {
		if !desc.ReadableOn(proto) {
			continue
		}
		values, err := c.readVia(ctx, proto, desc, unit)
		if err == nil {
			c.onSuccess(proto)
			if c.metrics != nil {
				c.metrics.IncReads(c.ip, unit, string(proto))
			}
			return values, nil
		}
		lastErr = err
		c.onFailure(proto, unit)
	}
	if c.metrics != nil {
		c.metrics.IncDrops(c.ip, unit)
	}
	return nil, noProtocolErr("read", desc.Mnemonic, unit, lastErr)
}

func (c *Communicator) readVia(ctx context.Context, proto registry.Protocol, desc registry.Descriptor, unit uint16) ([]codec.Value, error) {
	switch proto {
	case registry.ProtoBFP:
		if c.bfp == nil {
			return nil, xerr.ErrTransportFatal
		}
		return c.bfp.ReadRegister(ctx, desc, unit)
	case registry.ProtoHFP:
		if c.hfp == nil {
			return nil, xerr.ErrTransportFatal
		}
		return c.hfp.ReadRegister(ctx, desc, unit, unit != 0)
	default:
		return nil, fmt.Errorf("%w: unknown protocol %q", xerr.ErrTransportFatal, proto)
	}
}

// WriteSingle writes one register, trying protocols in priority order until
// one succeeds. A register whose write access level is "none" is rejected
// before any transport is touched.
func (c *Communicator) WriteSingle(ctx context.Context, desc registry.Descriptor, unit uint16, values []codec.Value) error {
	desc = c.resolve(desc)
	if desc.WriteAccessLevel == registry.AccessNone {
		return fmt.Errorf("%w: %s is not writable", xerr.ErrProtocolDenied, desc.Mnemonic)
	}

	var lastErr error
	for _, proto := range c.snapshotOrder() {
		if !desc.WritableOn(proto) {
			continue
		}
		err := c.writeVia(ctx, proto, desc, unit, values)
		if err == nil {
			c.onSuccess(proto)
			if c.metrics != nil {
				c.metrics.IncWrites(c.ip, unit, string(proto))
			}
			if c.cache != nil {
				c.cache.InvalidateMnemonic(c.uid(unit), desc.Group, desc.Mnemonic)
			}
			return nil
		}
		lastErr = err
		c.onFailure(proto, unit)
	}
	if c.metrics != nil {
		c.metrics.IncDrops(c.ip, unit)
	}
	return noProtocolErr("write", desc.Mnemonic, unit, lastErr)
}

func (c *Communicator) writeVia(ctx context.Context, proto registry.Protocol, desc registry.Descriptor, unit uint16, values []codec.Value) error {
	switch proto {
	case registry.ProtoBFP:
		if c.bfp == nil {
			return xerr.ErrTransportFatal
		}
		return c.bfp.WriteRegister(ctx, desc, unit, values)
	case registry.ProtoHFP:
		if c.hfp == nil {
			return xerr.ErrTransportFatal
		}
		return c.hfp.WriteRegister(ctx, desc, unit, unit != 0, values)
	default:
		return fmt.Errorf("%w: unknown protocol %q", xerr.ErrTransportFatal, proto)
	}
}

// uid formats the same "<ip>#<unit>" key device.Device.UID uses, so cache
// entries line up with the identifiers bulk operations and persistence key
// results by.
func (c *Communicator) uid(unit uint16) string {
	return c.ip.String() + "#" + strconv.FormatUint(uint64(unit), 10)
}

func sortedByStart(descs []registry.Descriptor) []registry.Descriptor {
	out := append([]registry.Descriptor{}, descs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func filterReadable(descs []registry.Descriptor, proto registry.Protocol) []registry.Descriptor {
	out := make([]registry.Descriptor, 0, len(descs))
	for _, d := range descs {
		if d.IsPasswordLike() {
			continue
		}
		if d.ReadableOn(proto) {
			out = append(out, d)
		}
	}
	return out
}

// singleValued reports whether every descriptor in descs carries exactly one
// value per read, the only shape the group cache can round-trip losslessly.
// A group with any repeating register (Repeats > 1) never consults or
// populates the cache.
func singleValued(descs []registry.Descriptor) bool {
	for _, d := range descs {
		if d.Repeats != 1 {
			return false
		}
	}
	return true
}

// cacheableDescs drops password-like descriptors, which a group read never
// transmits and so never appear in a cached entry's values.
func cacheableDescs(descs []registry.Descriptor) []registry.Descriptor {
	out := make([]registry.Descriptor, 0, len(descs))
	for _, d := range descs {
		if !d.IsPasswordLike() {
			out = append(out, d)
		}
	}
	return out
}

func toCacheValues(values map[string][]codec.Value) map[string]codec.Value {
	out := make(map[string]codec.Value, len(values))
	for mnemonic, v := range values {
		if len(v) > 0 {
			out[mnemonic] = v[0]
		}
	}
	return out
}

func fromCacheValues(values map[string]codec.Value) map[string][]codec.Value {
	out := make(map[string][]codec.Value, len(values))
	for mnemonic, v := range values {
		out[mnemonic] = []codec.Value{v}
	}
	return out
}

// cacheHit returns the cached values for every requested mnemonic, or false
// if the entry is missing or doesn't cover all of them.
func cacheHit(entry cache.Entry, ordered []registry.Descriptor) (map[string][]codec.Value, bool) {
	for _, d := range ordered {
		if _, ok := entry.Values[d.Mnemonic]; !ok {
			return nil, false
		}
	}
	return fromCacheValues(entry.Values), true
}

// ReadGroup reads every (non-password-like) descriptor in a group reachable
// by at least one protocol in priority order. Password-like descriptors are
// silently omitted from the result, matching how a group read never
// transmits them rather than substituting a placeholder.
func (c *Communicator) ReadGroup(ctx context.Context, groupName string, descs []registry.Descriptor, unit uint16) (map[string][]codec.Value, error) {
	ordered := sortedByStart(c.resolveAll(descs))
	transmitted := cacheableDescs(ordered)

	cacheable := c.cache != nil && singleValued(transmitted)
	if cacheable {
		if entry, ok := c.cache.Get(c.uid(unit), groupName); ok {
			if values, ok := cacheHit(entry, transmitted); ok {
				if c.metrics != nil {
					c.metrics.IncCacheHits(c.ip, unit)
				}
				return values, nil
			}
		}
		if c.metrics != nil {
			c.metrics.IncCacheMisses(c.ip, unit)
		}
	}

	var lastErr error
	for _, proto := range c.snapshotOrder() {
		filtered := filterReadable(ordered, proto)
		if len(filtered) == 0 {
			continue
		}

		var (
			values map[string][]codec.Value
			err    error
		)
		switch proto {
		case registry.ProtoBFP:
			if c.bfp == nil {
				continue
			}
			values, err = c.bfp.ReadGroup(ctx, filtered, unit)
		case registry.ProtoHFP:
			if c.hfp == nil {
				continue
			}
			values, err = c.hfp.ReadGroup(ctx, groupName, filtered, unit, unit != 0)
		}

		if err == nil {
			c.onSuccess(proto)
			if c.metrics != nil {
				c.metrics.IncReads(c.ip, unit, string(proto))
			}
			if cacheable {
				c.cache.Put(c.uid(unit), groupName, toCacheValues(values))
			}
			return values, nil
		}
		lastErr = err
		c.onFailure(proto, unit)
	}
	if c.metrics != nil {
		c.metrics.IncDrops(c.ip, unit)
	}
	return nil, noProtocolErr("read group", groupName, unit, lastErr)
}

func filterWritable(descs []registry.Descriptor, proto registry.Protocol) []registry.Descriptor {
	out := make([]registry.Descriptor, 0, len(descs))
	for _, d := range descs {
		if d.WriteAccessLevel == registry.AccessNone {
			continue
		}
		if d.WritableOn(proto) {
			out = append(out, d)
		}
	}
	return out
}

// WriteGroup writes every descriptor present in data that the chosen
// protocol can reach, per-mnemonic, trying protocols in priority order as a
// whole (the group does not get split across two different protocols in
// the same call).
func (c *Communicator) WriteGroup(ctx context.Context, descs []registry.Descriptor, unit uint16, data map[string][]codec.Value) (map[string]bool, error) {
	ordered := sortedByStart(c.resolveAll(descs))

	var lastErr error
	for _, proto := range c.snapshotOrder() {
		filtered := filterWritable(ordered, proto)
		if len(filtered) == 0 {
			continue
		}

		status := make(map[string]bool, len(filtered))
		var err error
		switch proto {
		case registry.ProtoBFP:
			if c.bfp == nil {
				continue
			}
			err = c.bfp.WriteGroup(ctx, filtered, unit, data)
			if err == nil {
				for _, d := range filtered {
					status[d.Mnemonic] = true
				}
			}
		case registry.ProtoHFP:
			if c.hfp == nil {
				continue
			}
			status = c.hfp.WriteGroup(ctx, filtered, unit, unit != 0, data)
		}

		if err == nil && len(status) > 0 {
			c.onSuccess(proto)
			if c.metrics != nil {
				c.metrics.IncWrites(c.ip, unit, string(proto))
			}
			if c.cache != nil {
				for _, d := range filtered {
					if status[d.Mnemonic] {
						c.cache.InvalidateMnemonic(c.uid(unit), d.Group, d.Mnemonic)
					}
				}
			}
			return status, nil
		}
		lastErr = err
		c.onFailure(proto, unit)
	}
	if c.metrics != nil {
		c.metrics.IncDrops(c.ip, unit)
	}
	return nil, noProtocolErr("write group", fmt.Sprintf("%d descriptors", len(descs)), unit, lastErr)
}

func noProtocolErr(op, what string, unit uint16, cause error) error {
	if cause == nil {
		cause = xerr.ErrTransportFatal
	}
	return fmt.Errorf("%w: no protocol could %s %s on unit %d: %v", xerr.ErrTransportFatal, op, what, unit, cause)
}
