package communicator_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/sbfleet/pdufleet/internal/bfptransport"
	"github.com/sbfleet/pdufleet/internal/codec"
	"github.com/sbfleet/pdufleet/internal/communicator"
	"github.com/sbfleet/pdufleet/internal/fleetmetrics"
	"github.com/sbfleet/pdufleet/internal/frame"
	"github.com/sbfleet/pdufleet/internal/hfptransport"
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

func hfpServer(t *testing.T, handler http.HandlerFunc) *hfptransport.Transport {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	ip := netip.MustParseAddr(u.Hostname())
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	tr := hfptransport.New(ip, port, "admin", "secret", 2*time.Second, slog.Default())
	require.NoError(t, tr.Resync(context.Background()))
	return tr
}

func TestReadSingleFallsBackToNextProtocolOnNak(t *testing.T) {
	t.Parallel()

	desc := registry.Descriptor{
		Mnemonic: "output_voltage", Start: 10, Length: 2, Repeats: 1, Type: registry.TypeINT,
		ReadableBy: []registry.Protocol{registry.ProtoAll},
	}

	bfp := bfpServer(t, func(conn net.Conn) {
		req := recvFrame(t, conn)
		sendFrame(t, conn, frame.Frame{StartByte: frame.NAK1, Command: req.Command, Unit: req.Unit, TransactionID: req.TransactionID})
	})
	defer bfp.Close()

	hfp := hfpServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
		if r.URL.Path == "/register/output_voltage" {
			w.Write([]byte("result=OK&output_voltage=123"))
			return
		}
	})

	c := communicator.New(netip.MustParseAddr("127.0.0.1"), bfp, hfp,
		[]registry.Protocol{registry.ProtoBFP, registry.ProtoHFP}, 5, nil, nil, slog.Default())

	values, err := c.ReadSingle(context.Background(), desc, 0)
	require.NoError(t, err)
	require.Len(t, values, 1)
	require.Equal(t, uint64(123), values[0].Int)
}

func TestReadSinglePasswordLikeNeverTouchesWire(t *testing.T) {
	t.Parallel()

	desc := registry.Descriptor{
		Mnemonic: "login_password", Repeats: 2, Type: registry.TypeASCII,
		ReadableBy: []registry.Protocol{registry.ProtoStar},
	}

	c := communicator.New(netip.MustParseAddr("127.0.0.1"), nil, nil,
		[]registry.Protocol{registry.ProtoBFP, registry.ProtoHFP}, 5, nil, nil, slog.Default())

	values, err := c.ReadSingle(context.Background(), desc, 0)
	require.NoError(t, err)
	require.Len(t, values, 2)
	require.Empty(t, values[0].Str)
}

func TestWriteSingleRejectsAccessNoneBeforeAnyTransport(t *testing.T) {
	t.Parallel()

	desc := registry.Descriptor{
		Mnemonic: "serial_number", Repeats: 1, Type: registry.TypeASCII,
		WritableBy: []registry.Protocol{registry.ProtoAll}, WriteAccessLevel: registry.AccessNone,
	}

	c := communicator.New(netip.MustParseAddr("127.0.0.1"), nil, nil,
		[]registry.Protocol{registry.ProtoBFP}, 5, nil, nil, slog.Default())

	err := c.WriteSingle(context.Background(), desc, 0, []codec.Value{{Str: "x"}})
	require.Error(t, err)
}

func TestReadSingleAppliesVariantOverride(t *testing.T) {
	t.Parallel()

	base := registry.Descriptor{Mnemonic: "ct_ratio", Start: 1, Length: 1, Repeats: 1, Type: registry.TypeINT, ReadableBy: []registry.Protocol{registry.ProtoAll}}
	override := registry.Descriptor{Mnemonic: "ct_ratio", Start: 99, Length: 1, Repeats: 1, Type: registry.TypeINT, ReadableBy: []registry.Protocol{registry.ProtoAll}}

	bfp := bfpServer(t, func(conn net.Conn) {
		req := recvFrame(t, conn)
		require.Equal(t, override.Start, req.RegisterStart)
		sendFrame(t, conn, frame.Frame{
			StartByte: frame.ACK, Command: req.Command, Unit: req.Unit, TransactionID: req.TransactionID,
			RegisterStart: req.RegisterStart, RegisterLength: req.RegisterLength, Data: []byte{0x07},
		})
	})
	defer bfp.Close()

	c := communicator.New(netip.MustParseAddr("127.0.0.1"), bfp, nil,
		[]registry.Protocol{registry.ProtoBFP}, 5,
		map[string]registry.Descriptor{"ct_ratio": override}, nil, slog.Default())

	values, err := c.ReadSingle(context.Background(), base, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(7), values[0].Int)
}

func TestDownshiftDemotesFailingProtocolAfterThreshold(t *testing.T) {
	t.Parallel()

	desc := registry.Descriptor{Mnemonic: "x", Start: 1, Length: 1, Repeats: 1, Type: registry.TypeINT, ReadableBy: []registry.Protocol{registry.ProtoAll}}

	bfp := bfpServer(t, func(conn net.Conn) {
		// Downshift triggers on the 3rd consecutive BFP failure, so only
		// 3 requests ever reach this server; the 4th call skips straight
		// to HFP once BFP has been demoted.
		for i := 0; i < 3; i++ {
			req := recvFrame(t, conn)
			sendFrame(t, conn, frame.Frame{StartByte: frame.NAK1, Command: req.Command, Unit: req.Unit, TransactionID: req.TransactionID})
		}
	})
	defer bfp.Close()

	hfp := hfpServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
		w.Write([]byte("result=OK&x=1"))
	})

	c := communicator.New(netip.MustParseAddr("127.0.0.1"), bfp, hfp,
		[]registry.Protocol{registry.ProtoBFP, registry.ProtoHFP}, 2, nil, nil, slog.Default())

	for i := 0; i < 4; i++ {
		_, err := c.ReadSingle(context.Background(), desc, 0)
		require.NoError(t, err)
	}
}

func TestSuccessfulReadIncrementsReadCounter(t *testing.T) {
	t.Parallel()

	desc := registry.Descriptor{Mnemonic: "x", Start: 1, Length: 1, Repeats: 1, Type: registry.TypeINT, ReadableBy: []registry.Protocol{registry.ProtoAll}}

	bfp := bfpServer(t, func(conn net.Conn) {
		req := recvFrame(t, conn)
		sendFrame(t, conn, frame.Frame{
			StartByte: frame.ACK, Command: req.Command, Unit: req.Unit, TransactionID: req.TransactionID,
			RegisterStart: req.RegisterStart, RegisterLength: req.RegisterLength, Data: []byte{9},
		})
	})
	defer bfp.Close()

	reg := prometheus.NewRegistry()
	metrics := fleetmetrics.NewCollector(reg)

	c := communicator.New(netip.MustParseAddr("127.0.0.1"), bfp, nil,
		[]registry.Protocol{registry.ProtoBFP}, 5, nil, metrics, slog.Default())

	_, err := c.ReadSingle(context.Background(), desc, 3)
	require.NoError(t, err)

	m := &dto.Metric{}
	counter, err := metrics.ReadsTotal.GetMetricWithLabelValues("127.0.0.1", "3", "BFP")
	require.NoError(t, err)
	require.NoError(t, counter.Write(m))
	require.Equal(t, float64(1), m.GetCounter().GetValue())
}
