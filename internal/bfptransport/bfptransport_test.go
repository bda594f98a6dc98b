package bfptransport_test

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
	"github.com/sbfleet/pdufleet/internal/codec"
	"github.com/sbfleet/pdufleet/internal/frame"
	"github.com/sbfleet/pdufleet/internal/registry"
)

var testKey = [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

// fakeServer accepts one connection and runs handle against it in its own
// goroutine, decrypting/encrypting with the same test key the Transport
// under test uses.
func fakeServer(t *testing.T, handle func(conn net.Conn)) netip.AddrPort {
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
	return addr
}

// recvRequest reads one SAPI-enveloped frame off conn and returns it decoded.
func recvRequest(t *testing.T, conn net.Conn) frame.Frame {
	t.Helper()

	header := make([]byte, 6)
	_, err := io.ReadFull(conn, header)
	require.NoError(t, err)
	require.Equal(t, "SAPI", string(header[:4]))
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

func sendResponse(t *testing.T, conn net.Conn, resp frame.Frame) {
	t.Helper()

	raw, err := frame.Pack(resp)
	require.NoError(t, err)
	envelope, err := frame.EncryptEnvelope(raw, testKey)
	require.NoError(t, err)
	_, err = conn.Write(envelope)
	require.NoError(t, err)
}

func TestReadRegisterSingleRepeat(t *testing.T) {
	t.Parallel()

	desc := registry.Descriptor{Mnemonic: "output_voltage", Start: 10, Length: 2, Repeats: 1, Type: registry.TypeINT}

	addr := fakeServer(t, func(conn net.Conn) {
		req := recvRequest(t, conn)
		require.Equal(t, frame.CmdReadReq, req.Command)
		require.Equal(t, desc.Start, req.RegisterStart)

		sendResponse(t, conn, frame.Frame{
			StartByte:      frame.ACK,
			Command:        frame.CmdReadReq,
			Unit:           req.Unit,
			TransactionID:  req.TransactionID,
			RegisterStart:  req.RegisterStart,
			RegisterLength: req.RegisterLength,
			Data:           []byte{0x34, 0x12},
		})
	})

	tr := bfptransport.New(addr.Addr(), int(addr.Port()), testKey, time.Second, 0, slog.Default())
	defer tr.Close()

	values, err := tr.ReadRegister(context.Background(), desc, 1)
	require.NoError(t, err)
	require.Len(t, values, 1)
	require.Equal(t, uint64(0x1234), values[0].Int)
}

func TestReadRegisterExtensionMergesLayers(t *testing.T) {
	t.Parallel()

	desc := registry.Descriptor{Mnemonic: "ext_reg", Start: 20, Length: 1, Repeats: 2, Extension: true, Type: registry.TypeINT}

	addr := fakeServer(t, func(conn net.Conn) {
		req0 := recvRequest(t, conn)
		require.Equal(t, frame.CmdReadReq, req0.Command)
		sendResponse(t, conn, frame.Frame{
			StartByte: frame.ACK, Command: frame.CmdReadReq,
			Unit: req0.Unit, TransactionID: req0.TransactionID,
			RegisterStart: req0.RegisterStart, RegisterLength: req0.RegisterLength,
			Data: []byte{0x01, 0x02},
		})

		req1 := recvRequest(t, conn)
		require.Equal(t, frame.CmdReadReq2, req1.Command)
		sendResponse(t, conn, frame.Frame{
			StartByte: frame.ACK, Command: frame.CmdReadReq2,
			Unit: req1.Unit, TransactionID: req1.TransactionID,
			RegisterStart: req1.RegisterStart, RegisterLength: req1.RegisterLength,
			Data: []byte{0x03, 0x04},
		})
	})

	tr := bfptransport.New(addr.Addr(), int(addr.Port()), testKey, time.Second, 0, slog.Default())
	defer tr.Close()

	values, err := tr.ReadRegister(context.Background(), desc, 1)
	require.NoError(t, err)
	require.Len(t, values, 4)
	require.Equal(t, uint64(1), values[0].Int)
	require.Equal(t, uint64(4), values[3].Int)
}

func TestReadRegisterNakReturnsBusNak(t *testing.T) {
	t.Parallel()

	desc := registry.Descriptor{Mnemonic: "x", Start: 1, Length: 1, Repeats: 1, Type: registry.TypeINT}

	addr := fakeServer(t, func(conn net.Conn) {
		req := recvRequest(t, conn)
		sendResponse(t, conn, frame.Frame{
			StartByte: frame.NAK1, Command: frame.CmdReadReq,
			Unit: req.Unit, TransactionID: req.TransactionID, Reserved: 0,
		})
	})

	tr := bfptransport.New(addr.Addr(), int(addr.Port()), testKey, time.Second, 0, slog.Default())
	defer tr.Close()

	_, err := tr.ReadRegister(context.Background(), desc, 1)
	require.Error(t, err)
}

func TestWriteRegisterSingleRepeat(t *testing.T) {
	t.Parallel()

	desc := registry.Descriptor{Mnemonic: "set_voltage", Start: 5, Length: 1, Repeats: 1, Type: registry.TypeINT}

	addr := fakeServer(t, func(conn net.Conn) {
		req := recvRequest(t, conn)
		require.Equal(t, frame.CmdWriteReq, req.Command)
		require.Equal(t, []byte{42}, req.Data)

		sendResponse(t, conn, frame.Frame{
			StartByte: frame.ACK, Command: frame.CmdWriteReq,
			Unit: req.Unit, TransactionID: req.TransactionID,
		})
	})

	tr := bfptransport.New(addr.Addr(), int(addr.Port()), testKey, time.Second, 0, slog.Default())
	defer tr.Close()

	err := tr.WriteRegister(context.Background(), desc, 1, []codec.Value{{Int: 42}})
	require.NoError(t, err)
}

func TestReadGroupSplitsAcrossDescriptors(t *testing.T) {
	t.Parallel()

	descA := registry.Descriptor{Mnemonic: "a", Start: 0, Length: 2, Repeats: 1, Type: registry.TypeINT}
	descB := registry.Descriptor{Mnemonic: "b", Start: 2, Length: 1, Repeats: 2, Type: registry.TypeINT}

	addr := fakeServer(t, func(conn net.Conn) {
		req := recvRequest(t, conn)
		require.Equal(t, uint16(0), req.RegisterStart)
		require.Equal(t, uint16(4), req.RegisterLength)
		sendResponse(t, conn, frame.Frame{
			StartByte: frame.ACK, Command: frame.CmdReadReq,
			Unit: req.Unit, TransactionID: req.TransactionID,
			RegisterStart: req.RegisterStart, RegisterLength: req.RegisterLength,
			Data: []byte{0xAA, 0xBB, 0x01, 0x02},
		})
	})

	tr := bfptransport.New(addr.Addr(), int(addr.Port()), testKey, time.Second, 0, slog.Default())
	defer tr.Close()

	result, err := tr.ReadGroup(context.Background(), []registry.Descriptor{descA, descB}, 1)
	require.NoError(t, err)
	require.Len(t, result["a"], 1)
	require.Len(t, result["b"], 2)
	require.Equal(t, uint64(1), result["b"][0].Int)
	require.Equal(t, uint64(2), result["b"][1].Int)
}

// TestReadGroupMergesExtensionLayers covers the dual-layer group read: an
// extended, multi-repeat descriptor appends its layer-1 repeats after its
// layer-0 ones, while a plain single-repeat descriptor in the same group is
// read but left untouched by the second layer.
func TestReadGroupMergesExtensionLayers(t *testing.T) {
	t.Parallel()

	descX := registry.Descriptor{Mnemonic: "x", Start: 0, Length: 2, Repeats: 2, Type: registry.TypeINT, Extension: true}
	descY := registry.Descriptor{Mnemonic: "y", Start: 4, Length: 2, Repeats: 1, Type: registry.TypeINT}

	addr := fakeServer(t, func(conn net.Conn) {
		layer0 := recvRequest(t, conn)
		require.Equal(t, frame.CmdReadReq, layer0.Command)
		sendResponse(t, conn, frame.Frame{
			StartByte: frame.ACK, Command: layer0.Command,
			Unit: layer0.Unit, TransactionID: layer0.TransactionID,
			RegisterStart: layer0.RegisterStart, RegisterLength: layer0.RegisterLength,
			Data: []byte{0x01, 0x00, 0x02, 0x00, 0x05, 0x00},
		})

		layer1 := recvRequest(t, conn)
		require.Equal(t, frame.CmdReadReq2, layer1.Command)
		sendResponse(t, conn, frame.Frame{
			StartByte: frame.ACK, Command: layer1.Command,
			Unit: layer1.Unit, TransactionID: layer1.TransactionID,
			RegisterStart: layer1.RegisterStart, RegisterLength: layer1.RegisterLength,
			Data: []byte{0x0A, 0x00, 0x14, 0x00, 0xFF, 0xFF},
		})
	})

	tr := bfptransport.New(addr.Addr(), int(addr.Port()), testKey, time.Second, 0, slog.Default())
	defer tr.Close()

	result, err := tr.ReadGroup(context.Background(), []registry.Descriptor{descX, descY}, 1)
	require.NoError(t, err)
	require.Len(t, result["x"], 4)
	require.Equal(t, []uint64{1, 2, 10, 20}, []uint64{
		result["x"][0].Int, result["x"][1].Int, result["x"][2].Int, result["x"][3].Int,
	})
	require.Len(t, result["y"], 1)
	require.Equal(t, uint64(5), result["y"][0].Int)
}

// TestWriteGroupSplitsAcrossLayers covers the write-side counterpart: an
// extended descriptor's repeats split evenly across a layer-0 and a
// layer-1 frame.
func TestWriteGroupSplitsAcrossLayers(t *testing.T) {
	t.Parallel()

	descX := registry.Descriptor{Mnemonic: "x", Start: 0, Length: 2, Repeats: 2, Type: registry.TypeINT, Extension: true}

	addr := fakeServer(t, func(conn net.Conn) {
		layer0 := recvRequest(t, conn)
		require.Equal(t, frame.CmdWriteReq, layer0.Command)
		require.Equal(t, []byte{0x01, 0x00}, layer0.Data)
		sendResponse(t, conn, frame.Frame{
			StartByte: frame.ACK, Command: layer0.Command,
			Unit: layer0.Unit, TransactionID: layer0.TransactionID,
		})

		layer1 := recvRequest(t, conn)
		require.Equal(t, frame.CmdWriteReq2, layer1.Command)
		require.Equal(t, []byte{0x02, 0x00}, layer1.Data)
		sendResponse(t, conn, frame.Frame{
			StartByte: frame.ACK, Command: layer1.Command,
			Unit: layer1.Unit, TransactionID: layer1.TransactionID,
		})
	})

	tr := bfptransport.New(addr.Addr(), int(addr.Port()), testKey, time.Second, 0, slog.Default())
	defer tr.Close()

	data := map[string][]codec.Value{"x": {{Int: 1}, {Int: 2}}}
	err := tr.WriteGroup(context.Background(), []registry.Descriptor{descX}, 1, data)
	require.NoError(t, err)
}

func TestSetUnitAddressTimeoutIsSuccess(t *testing.T) {
	t.Parallel()

	addr := fakeServer(t, func(conn net.Conn) {
		recvRequest(t, conn)
		// Never respond: the ring master re-addresses itself and its ACK
		// never arrives tagged the way this client expects.
		time.Sleep(200 * time.Millisecond)
	})

	tr := bfptransport.New(addr.Addr(), int(addr.Port()), testKey, 50*time.Millisecond, 0, slog.Default())
	defer tr.Close()

	ok, err := tr.SetUnitAddress(context.Background(), "01-02-03", 7)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSetUnitAddressNak(t *testing.T) {
	t.Parallel()

	addr := fakeServer(t, func(conn net.Conn) {
		req := recvRequest(t, conn)
		sendResponse(t, conn, frame.Frame{
			StartByte: frame.NAK1, Command: frame.CmdSetAddress,
			HardwareID: req.HardwareID, Unit: req.Unit, Reserved: 0,
		})
	})

	tr := bfptransport.New(addr.Addr(), int(addr.Port()), testKey, time.Second, 0, slog.Default())
	defer tr.Close()

	ok, err := tr.SetUnitAddress(context.Background(), "01-02-03", 7)
	require.Error(t, err)
	require.False(t, ok)
}

func TestIsGatewayRecognizesFirmwareMarker(t *testing.T) {
	t.Parallel()

	addr := fakeServer(t, func(conn net.Conn) {
		req := recvRequest(t, conn)
		require.Equal(t, uint16(102), req.RegisterStart)
		sendResponse(t, conn, frame.Frame{
			StartByte: frame.ACK, Command: frame.CmdReadReq,
			Unit: 0, TransactionID: req.TransactionID,
			RegisterStart: req.RegisterStart, RegisterLength: req.RegisterLength,
			Data: []byte{0x57, 0x47}, // little-endian 18263
		})
	})

	tr := bfptransport.New(addr.Addr(), int(addr.Port()), testKey, time.Second, 0, slog.Default())
	defer tr.Close()

	isGW, err := tr.IsGateway(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, isGW)
}

func TestIsGatewayFalseForOrdinaryDevice(t *testing.T) {
	t.Parallel()

	addr := fakeServer(t, func(conn net.Conn) {
		req := recvRequest(t, conn)
		sendResponse(t, conn, frame.Frame{
			StartByte: frame.ACK, Command: frame.CmdReadReq,
			Unit: 0, TransactionID: req.TransactionID,
			RegisterStart: req.RegisterStart, RegisterLength: req.RegisterLength,
			Data: []byte{0x01, 0x00},
		})
	})

	tr := bfptransport.New(addr.Addr(), int(addr.Port()), testKey, time.Second, 0, slog.Default())
	defer tr.Close()

	isGW, err := tr.IsGateway(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	require.False(t, isGW)
}

// TestScanConvertsUnitConflictToRenumber covers the mixed-ring scenario: two
// distinct hardware ids answer with the same unit address, and the scan must
// surface the conflict as a renumber candidate instead of returning either
// address as trustworthy.
func TestScanConvertsUnitConflictToRenumber(t *testing.T) {
	t.Parallel()

	addr := fakeServer(t, func(conn net.Conn) {
		req := recvRequest(t, conn)
		require.Equal(t, frame.CmdBroadcastSet, req.Command)

		sendResponse(t, conn, frame.Frame{
			StartByte: frame.ACK, Command: frame.CmdBroadcastSet,
			Unit: 1, TransactionID: req.TransactionID, HardwareID: "01-01-01",
		})
		sendResponse(t, conn, frame.Frame{
			StartByte: frame.ACK, Command: frame.CmdBroadcastSet,
			Unit: 2, TransactionID: req.TransactionID, HardwareID: "02-02-02",
		})
		sendResponse(t, conn, frame.Frame{
			StartByte: frame.ACK, Command: frame.CmdBroadcastSet,
			Unit: 1, TransactionID: req.TransactionID, HardwareID: "99-99-99",
		})
	})

	tr := bfptransport.New(addr.Addr(), int(addr.Port()), testKey, time.Second, 0, slog.Default())
	defer tr.Close()

	results, renumber, err := tr.Scan(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, []bfptransport.ScanResult{{Unit: 2, HardwareID: "02-02-02"}}, results)
	require.ElementsMatch(t, []string{"01-01-01", "99-99-99"}, renumber)
}

// TestScanSurfacesUnassignedUnitAsRenumber covers a device answering with
// unit address 0, meaning it hasn't been assigned a real one yet.
func TestScanSurfacesUnassignedUnitAsRenumber(t *testing.T) {
	t.Parallel()

	addr := fakeServer(t, func(conn net.Conn) {
		req := recvRequest(t, conn)
		sendResponse(t, conn, frame.Frame{
			StartByte: frame.ACK, Command: frame.CmdBroadcastSet,
			Unit: 0, TransactionID: req.TransactionID, HardwareID: "aa-bb-cc",
		})
	})

	tr := bfptransport.New(addr.Addr(), int(addr.Port()), testKey, time.Second, 0, slog.Default())
	defer tr.Close()

	results, renumber, err := tr.Scan(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, results)
	require.Equal(t, []string{"aa-bb-cc"}, renumber)
}

// TestBroadcastRebootSendsThreeUnacknowledgedWrites covers the ring-wide
// reboot write: three rsboot=1 frames, none of them answered.
func TestBroadcastRebootSendsThreeUnacknowledgedWrites(t *testing.T) {
	t.Parallel()

	const broadcastRebootWrites = 3

	received := make(chan frame.Frame, broadcastRebootWrites)
	addr := fakeServer(t, func(conn net.Conn) {
		for i := 0; i < broadcastRebootWrites; i++ {
			received <- recvRequest(t, conn)
		}
	})

	tr := bfptransport.New(addr.Addr(), int(addr.Port()), testKey, time.Second, 0, slog.Default())
	defer tr.Close()

	err := tr.BroadcastReboot(context.Background())
	require.NoError(t, err)

	for i := 0; i < broadcastRebootWrites; i++ {
		req := <-received
		require.Equal(t, frame.CmdBroadcastWr1, req.Command)
		require.Equal(t, uint16(400), req.RegisterStart)
		require.Equal(t, []byte{0x01}, req.Data)
	}
}
