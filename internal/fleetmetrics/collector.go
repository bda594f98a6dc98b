package fleetmetrics

import (
	"net/netip"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "pdufleet"
	subsystem = "fleet"
)

// Label names.
const (
	labelIP       = "ip"
	labelUnit     = "unit"
	labelProtocol = "protocol"
)

// -------------------------------------------------------------------------
// Collector — Prometheus fleet metrics
// -------------------------------------------------------------------------

// Collector holds every Prometheus metric the fleet client exposes:
//   - FleetSize tracks the number of known devices.
//   - Reads/Writes/Drops count per-device operations by outcome.
//   - ProtocolDemotions counts Communicator priority demotions.
//   - CacheHits/CacheMisses count group-cache lookups.
type Collector struct {
	// FleetSize tracks the number of devices currently held in the fleet.
	FleetSize prometheus.Gauge

	// ReadsTotal counts successful register/group reads per device and protocol.
	ReadsTotal *prometheus.CounterVec

	// WritesTotal counts successful register/group writes per device and protocol.
	WritesTotal *prometheus.CounterVec

	// DropsTotal counts operations that failed on every available transport.
	DropsTotal *prometheus.CounterVec

	// ProtocolDemotions counts Communicator priority-list rotations caused
	// by exceeding downshift_tries consecutive failures.
	ProtocolDemotions *prometheus.CounterVec

	// CacheHits counts group-cache lookups served without a wire round trip.
	CacheHits *prometheus.CounterVec

	// CacheMisses counts group-cache lookups that fell through to the wire.
	CacheMisses *prometheus.CounterVec
}

// NewCollector creates a Collector with every fleet metric registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.FleetSize,
		c.ReadsTotal,
		c.WritesTotal,
		c.DropsTotal,
		c.ProtocolDemotions,
		c.CacheHits,
		c.CacheMisses,
	)

	return c
}

func newMetrics() *Collector {
	deviceProtoLabels := []string{labelIP, labelUnit, labelProtocol}
	deviceLabels := []string{labelIP, labelUnit}

	return &Collector{
		FleetSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "devices",
			Help:      "Number of devices currently held in the fleet.",
		}),

		ReadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reads_total",
			Help:      "Total successful register or group reads.",
		}, deviceProtoLabels),

		WritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "writes_total",
			Help:      "Total successful register or group writes.",
		}, deviceProtoLabels),

		DropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "drops_total",
			Help:      "Total operations that failed on every available transport.",
		}, deviceLabels),

		ProtocolDemotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "protocol_demotions_total",
			Help:      "Total Communicator priority-list rotations.",
		}, deviceProtoLabels),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_hits_total",
			Help:      "Total group-cache lookups served without a wire round trip.",
		}, deviceLabels),

		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_misses_total",
			Help:      "Total group-cache lookups that required a wire round trip.",
		}, deviceLabels),
	}
}

// -------------------------------------------------------------------------
// Fleet size
// -------------------------------------------------------------------------

// SetFleetSize sets the active device-count gauge.
func (c *Collector) SetFleetSize(n int) {
	c.FleetSize.Set(float64(n))
}

// -------------------------------------------------------------------------
// Read / write / drop counters
// -------------------------------------------------------------------------

// IncReads increments the read counter for (ip, unit, protocol).
func (c *Collector) IncReads(ip netip.Addr, unit uint16, protocol string) {
	c.ReadsTotal.WithLabelValues(ip.String(), unitLabel(unit), protocol).Inc()
}

// IncWrites increments the write counter for (ip, unit, protocol).
func (c *Collector) IncWrites(ip netip.Addr, unit uint16, protocol string) {
	c.WritesTotal.WithLabelValues(ip.String(), unitLabel(unit), protocol).Inc()
}

// IncDrops increments the drop counter for (ip, unit): every transport
// failed for this operation.
func (c *Collector) IncDrops(ip netip.Addr, unit uint16) {
	c.DropsTotal.WithLabelValues(ip.String(), unitLabel(unit)).Inc()
}

// -------------------------------------------------------------------------
// Protocol demotion
// -------------------------------------------------------------------------

// IncProtocolDemotions increments the demotion counter when a Communicator
// rotates protocol down its preference list after downshift_tries failures.
func (c *Collector) IncProtocolDemotions(ip netip.Addr, unit uint16, protocol string) {
	c.ProtocolDemotions.WithLabelValues(ip.String(), unitLabel(unit), protocol).Inc()
}

// -------------------------------------------------------------------------
// Cache
// -------------------------------------------------------------------------

// IncCacheHits increments the cache-hit counter for (ip, unit).
func (c *Collector) IncCacheHits(ip netip.Addr, unit uint16) {
	c.CacheHits.WithLabelValues(ip.String(), unitLabel(unit)).Inc()
}

// IncCacheMisses increments the cache-miss counter for (ip, unit).
func (c *Collector) IncCacheMisses(ip netip.Addr, unit uint16) {
	c.CacheMisses.WithLabelValues(ip.String(), unitLabel(unit)).Inc()
}

func unitLabel(unit uint16) string {
	return strconv.Itoa(int(unit))
}
