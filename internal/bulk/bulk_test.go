package bulk_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sbfleet/pdufleet/internal/bfptransport"
	"github.com/sbfleet/pdufleet/internal/bulk"
	"github.com/sbfleet/pdufleet/internal/codec"
	"github.com/sbfleet/pdufleet/internal/communicator"
	"github.com/sbfleet/pdufleet/internal/device"
	"github.com/sbfleet/pdufleet/internal/fleet"
	"github.com/sbfleet/pdufleet/internal/frame"
	"github.com/sbfleet/pdufleet/internal/registry"
)

var testKey = [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

func bfpServer(t *testing.T, handle func(conn net.Conn)) *bfptransport.Transport {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()

	addr := netip.MustParseAddrPort(ln.Addr().String())
	return bfptransport.New(addr.Addr(), int(addr.Port()), testKey, time.Second, 0, slog.Default())
}

func recvFrame(t *testing.T, conn net.Conn) frame.Frame {
	t.Helper()

	header := make([]byte, 6)
	_, err := io.ReadFull(conn, header)
	require.NoError(t, err)
	declaredLen := int(header[4])<<8 | int(header[5])

	ciphertext := make([]byte, declaredLen)
	_, err = io.ReadFull(conn, ciphertext)
	require.NoError(t, err)

	body, err := frame.DecryptEnvelope(ciphertext, testKey)
	require.NoError(t, err)
	f, err := frame.Unpack(body)
	require.NoError(t, err)
	return f
}

func sendFrame(t *testing.T, conn net.Conn, resp frame.Frame) {
	t.Helper()

	raw, err := frame.Pack(resp)
	require.NoError(t, err)
	envelope, err := frame.EncryptEnvelope(raw, testKey)
	require.NoError(t, err)
	_, err = conn.Write(envelope)
	require.NoError(t, err)
}

func readableTable() *registry.Table {
	return registry.NewTable([]registry.Descriptor{
		{Mnemonic: "output_voltage", Start: 10, Length: 2, Repeats: 1, Type: registry.TypeINT, ReadableBy: []registry.Protocol{registry.ProtoAll}},
		{Mnemonic: "idaddr", Start: 20, Length: 1, Repeats: 1, Type: registry.TypeINT,
			ReadableBy: []registry.Protocol{registry.ProtoAll}, WritableBy: []registry.Protocol{registry.ProtoAll}, WriteAccessLevel: registry.AccessUser},
	})
}

func TestReadAllMergesResultsAcrossTwoDatabuses(t *testing.T) {
	t.Parallel()

	bfpA := bfpServer(t, func(conn net.Conn) {
		for i := 0; i < 2; i++ {
			req := recvFrame(t, conn)
			sendFrame(t, conn, frame.Frame{
				StartByte: frame.ACK, Command: req.Command, Unit: req.Unit, TransactionID: req.TransactionID,
				RegisterStart: req.RegisterStart, RegisterLength: req.RegisterLength, Data: []byte{0x34, 0x12},
			})
		}
	})
	defer bfpA.Close()

	bfpB := bfpServer(t, func(conn net.Conn) {
		req := recvFrame(t, conn)
		sendFrame(t, conn, frame.Frame{
			StartByte: frame.ACK, Command: req.Command, Unit: req.Unit, TransactionID: req.TransactionID,
			RegisterStart: req.RegisterStart, RegisterLength: req.RegisterLength, Data: []byte{0x78, 0x56},
		})
	})
	defer bfpB.Close()

	ipA := netip.MustParseAddr("10.0.0.1")
	ipB := netip.MustParseAddr("10.0.0.2")
	commA := communicator.New(ipA, bfpA, nil, []registry.Protocol{registry.ProtoBFP}, 5, nil, nil, slog.Default())
	commB := communicator.New(ipB, bfpB, nil, []registry.Protocol{registry.ProtoBFP}, 5, nil, nil, slog.Default())

	members := []*fleet.Member{
		{Device: &device.Device{IP: ipA, Unit: 1, Variant: device.VariantCPDU}, Comm: commA},
		{Device: &device.Device{IP: ipA, Unit: 2, Variant: device.VariantCPDU}, Comm: commA},
		{Device: &device.Device{IP: ipB, Unit: 1, Variant: device.VariantCPDU}, Comm: commB},
	}

	results, err := bulk.ReadAll(context.Background(), readableTable(), members, []string{"output_voltage"}, 4)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		require.NoError(t, r.Err)
		want := uint64(0x1234)
		if r.Device.IP == ipB {
			want = 0x5678
		}
		require.Equal(t, want, r.Data["output_voltage"][0].Int)
	}
}

func TestWriteAllRekeysUIDOnUnitAddressChange(t *testing.T) {
	t.Parallel()

	bfp := bfpServer(t, func(conn net.Conn) {
		req := recvFrame(t, conn)
		sendFrame(t, conn, frame.Frame{StartByte: frame.ACK, Command: req.Command, Unit: req.Unit, TransactionID: req.TransactionID})
	})
	defer bfp.Close()

	ip := netip.MustParseAddr("10.0.0.1")
	comm := communicator.New(ip, bfp, nil, []registry.Protocol{registry.ProtoBFP}, 5, nil, nil, slog.Default())

	fl := fleet.New(nil)
	dev := &device.Device{IP: ip, Unit: 1, Variant: device.VariantCPDU}
	require.NoError(t, fl.Add(&fleet.Member{Device: dev, Comm: comm}))

	members := fl.All()
	req := bulk.WriteRequest{
		dev.UID(): {"idaddr": []codec.Value{{Int: 9}}},
	}

	results, err := bulk.WriteAll(context.Background(), readableTable(), fl, members, req, 4)
	require.NoError(t, err)

	_, hasNew := results[ip.String()+"#9"]
	require.True(t, hasNew)
	require.Equal(t, uint16(9), dev.Unit)

	_, stillAtOld := fl.Get(ip, 1)
	require.False(t, stillAtOld)
	m, atNew := fl.Get(ip, 9)
	require.True(t, atNew)
	require.Equal(t, dev, m.Device)
}
