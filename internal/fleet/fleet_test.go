package fleet_test

import (
	"net/netip"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/sbfleet/pdufleet/internal/device"
	"github.com/sbfleet/pdufleet/internal/fleet"
	"github.com/sbfleet/pdufleet/internal/fleetmetrics"
)

func TestAddRejectsDuplicateIPAndUnit(t *testing.T) {
	t.Parallel()

	f := fleet.New(nil)
	ip := netip.MustParseAddr("10.0.0.1")

	require.NoError(t, f.Add(&fleet.Member{Device: &device.Device{IP: ip, Unit: 1, Variant: device.VariantCPDU}}))
	err := f.Add(&fleet.Member{Device: &device.Device{IP: ip, Unit: 1, Variant: device.VariantCPDU}})
	require.Error(t, err)
	require.Equal(t, 1, f.Len())
}

func TestAddRejectsGatewayAtNonZeroUnit(t *testing.T) {
	t.Parallel()

	f := fleet.New(nil)
	err := f.Add(&fleet.Member{Device: &device.Device{
		IP: netip.MustParseAddr("10.0.0.1"), Unit: 3, Variant: device.VariantGateway,
	}})
	require.Error(t, err)
}

func TestRekeyMovesMemberToNewUnit(t *testing.T) {
	t.Parallel()

	f := fleet.New(nil)
	ip := netip.MustParseAddr("10.0.0.1")
	require.NoError(t, f.Add(&fleet.Member{Device: &device.Device{IP: ip, Unit: 1, Variant: device.VariantCPDU}}))

	require.NoError(t, f.Rekey(ip, 1, 7))

	_, stillAtOld := f.Get(ip, 1)
	require.False(t, stillAtOld)

	m, atNew := f.Get(ip, 7)
	require.True(t, atNew)
	require.Equal(t, uint16(7), m.Device.Unit)
}

func TestRekeyRejectsCollision(t *testing.T) {
	t.Parallel()

	f := fleet.New(nil)
	ip := netip.MustParseAddr("10.0.0.1")
	require.NoError(t, f.Add(&fleet.Member{Device: &device.Device{IP: ip, Unit: 1, Variant: device.VariantCPDU}}))
	require.NoError(t, f.Add(&fleet.Member{Device: &device.Device{IP: ip, Unit: 2, Variant: device.VariantCPDU}}))

	err := f.Rekey(ip, 1, 2)
	require.Error(t, err)
}

func TestByIPGroupsSharedCommunicatorMembers(t *testing.T) {
	t.Parallel()

	f := fleet.New(nil)
	ipA := netip.MustParseAddr("10.0.0.1")
	ipB := netip.MustParseAddr("10.0.0.2")

	require.NoError(t, f.Add(&fleet.Member{Device: &device.Device{IP: ipA, Unit: 1, Variant: device.VariantCPDU}}))
	require.NoError(t, f.Add(&fleet.Member{Device: &device.Device{IP: ipA, Unit: 2, Variant: device.VariantCPDU}}))
	require.NoError(t, f.Add(&fleet.Member{Device: &device.Device{IP: ipB, Unit: 1, Variant: device.VariantCPDU}}))

	require.Len(t, f.ByIP(ipA), 2)
	require.Len(t, f.ByIP(ipB), 1)
	require.Equal(t, 3, f.Len())
}

func TestAddUpdatesFleetSizeGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := fleetmetrics.NewCollector(reg)
	f := fleet.New(metrics)

	require.NoError(t, f.Add(&fleet.Member{Device: &device.Device{
		IP: netip.MustParseAddr("10.0.0.1"), Unit: 1, Variant: device.VariantCPDU,
	}}))

	gauges, err := reg.Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range gauges {
		if mf.GetName() == "pdufleet_fleet_devices" {
			found = true
			require.Equal(t, float64(1), mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
	require.True(t, found, "fleet size gauge not found in registry")
}
