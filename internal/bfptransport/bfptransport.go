// Package bfptransport implements the binary framed protocol transport: a
// persistent TCP connection per interface, SAPI envelope encryption, and
// the wire operations (read/write register, read/write group, scan, set unit
// address, gateway probe, broadcast reboot) built on top of internal/frame
// and internal/reassembly.
package bfptransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sbfleet/pdufleet/internal/codec"
	"github.com/sbfleet/pdufleet/internal/frame"
	"github.com/sbfleet/pdufleet/internal/reassembly"
	"github.com/sbfleet/pdufleet/internal/registry"
	"github.com/sbfleet/pdufleet/internal/xerr"
)

// pollInterval bounds how long a single non-blocking read waits before the
// overall operation deadline is rechecked.
const pollInterval = 100 * time.Millisecond

// readBufSize is the per-Read scratch buffer size; envelopes are reassembled
// across reads by internal/reassembly, so this need not hold a whole frame.
const readBufSize = 4096

// ScanResult is one unit discovered during a databus scan.
type ScanResult struct {
	Unit       uint16
	HardwareID string
}

// Transport owns one TCP connection to a single BFP interface (an IP:port
// pair) and serializes every request/response exchange across it. A
// Transport is not safe for concurrent callers beyond the serialization its
// own mutex provides: callers share one connection, one at a time.
type Transport struct {
	ip      netip.Addr
	port    int
	key     [16]byte
	timeout time.Duration
	yield   time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	buf    *reassembly.Buffer
	txc    *frame.TransactionCounter
	lastOp time.Time
}

// New builds a Transport. The connection is dialed lazily on first use.
func New(ip netip.Addr, port int, key [16]byte, timeout, yield time.Duration, logger *slog.Logger) *Transport {
	return &Transport{
		ip:      ip,
		port:    port,
		key:     key,
		timeout: timeout,
		yield:   yield,
		buf:     reassembly.New(),
		txc:     frame.NewTransactionCounter(),
		logger: logger.With(
			slog.String("component", "bfptransport"),
			slog.String("ip", ip.String()),
		),
	}
}

// Close releases the underlying TCP connection, if open.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *Transport) closeLocked() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.buf = reassembly.New()
	if err != nil {
		return fmt.Errorf("bfptransport: close %s: %w", t.ip, err)
	}
	return nil
}

// ensureConnected dials a fresh TCP connection if none is open. Reconnects
// are classified fatal if the dial itself fails or times out.
func (t *Transport) ensureConnected(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}

	dialer := net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(t.ip.String(), fmt.Sprintf("%d", t.port)))
	if err != nil {
		return fmt.Errorf("%w: dial %s:%d: %v", xerr.ErrTransportFatal, t.ip, t.port, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	t.conn = conn
	t.logger.Debug("connected")
	return nil
}

// applyYield sleeps off whatever remains of the configured post-operation
// quiet period, measured since the previous exchange completed. The
// interface needs a breather between bus transactions; issuing the next
// request too soon causes NAKs on some firmware revisions.
func (t *Transport) applyYield() {
	if t.lastOp.IsZero() || t.yield <= 0 {
		return
	}
	elapsed := time.Since(t.lastOp)
	if elapsed < t.yield {
		time.Sleep(t.yield - elapsed)
	}
}

// exchange sends req and returns the first frame recovered from the
// connection that decrypts and unpacks cleanly, within the transport's
// configured timeout. Any I/O error closes the connection so the next call
// redials.
func (t *Transport) exchange(ctx context.Context, req frame.Frame) (frame.Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.applyYield()

	if err := t.ensureConnected(ctx); err != nil {
		return frame.Frame{}, err
	}

	raw, err := frame.Pack(req)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("%w: pack request: %v", xerr.ErrFramer, err)
	}
	envelope, err := frame.EncryptEnvelope(raw, t.key)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("%w: encrypt request: %v", xerr.ErrFramer, err)
	}

	if err := t.conn.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
		t.closeLocked()
		return frame.Frame{}, fmt.Errorf("%w: set write deadline: %v", xerr.ErrTransportFatal, err)
	}
	if _, err := t.conn.Write(envelope); err != nil {
		t.closeLocked()
		return frame.Frame{}, fmt.Errorf("%w: write: %v", xerr.ErrTransportFatal, err)
	}

	resp, err := t.recvFrame(ctx)
	t.lastOp = time.Now()
	return resp, err
}

// recvFrame reads from the connection, feeding everything through the
// reassembly buffer, until a verifiable envelope yields a frame or the
// transport's timeout elapses.
func (t *Transport) recvFrame(ctx context.Context) (frame.Frame, error) {
	deadline := time.Now().Add(t.timeout)
	scratch := make([]byte, readBufSize)

	var decrypted frame.Frame
	var found bool

	verify := func(ciphertext []byte) bool {
		body, err := frame.DecryptEnvelope(ciphertext, t.key)
		if err != nil {
			return false
		}
		f, err := frame.Unpack(body)
		if err != nil {
			return false
		}
		decrypted = f
		found = true
		return true
	}

	for {
		if ctx.Err() != nil {
			t.closeLocked()
			return frame.Frame{}, fmt.Errorf("%w: %v", xerr.ErrCancelled, ctx.Err())
		}
		if time.Now().After(deadline) {
			return frame.Frame{}, xerr.ErrTransportTimeout
		}

		next := pollInterval
		if remaining := time.Until(deadline); remaining < next {
			next = remaining
		}
		if err := t.conn.SetReadDeadline(time.Now().Add(next)); err != nil {
			t.closeLocked()
			return frame.Frame{}, fmt.Errorf("%w: set read deadline: %v", xerr.ErrTransportFatal, err)
		}

		n, err := t.conn.Read(scratch)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			t.closeLocked()
			return frame.Frame{}, fmt.Errorf("%w: read: %v", xerr.ErrTransportFatal, err)
		}

		t.buf.Feed(scratch[:n], verify)
		if found {
			return decrypted, nil
		}
	}
}

// readCommandForLayer and writeCommandForLayer return the read/write command byte for the given physical
// layer. Layer 0 is the base register file, layer 1 is the extended-register
// file present on descriptors with Extension set; the wire distinguishes them
// purely by command byte, not by address.
func readCommandForLayer(layer int) byte {
	if layer == 1 {
		return frame.CmdReadReq2
	}
	return frame.CmdReadReq
}

func writeCommandForLayer(layer int) byte {
	if layer == 1 {
		return frame.CmdWriteReq2
	}
	return frame.CmdWriteReq
}

func splitRepeats(desc registry.Descriptor, data []byte) ([]codec.Value, error) {
	size := int(desc.Length)
	out := make([]codec.Value, 0, desc.Repeats)
	for i := 0; i < desc.Repeats; i++ {
		start := i * size
		if start+size > len(data) {
			return nil, fmt.Errorf("%w: %s: short read, want %d repeats of %d bytes, got %d bytes",
				xerr.ErrCodec, desc.Mnemonic, desc.Repeats, size, len(data))
		}
		v, err := codec.Decode(desc, data[start:start+size])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ReadRegister reads every repeat of a single register. Extension
// descriptors are read from both layers, layer 0 first, the results
// concatenated in layer order.
func (t *Transport) ReadRegister(ctx context.Context, desc registry.Descriptor, unit uint16) ([]codec.Value, error) {
	layers := []int{0}
	if desc.Extension {
		layers = append(layers, 1)
	}

	var out []codec.Value
	for _, layer := range layers {
		req := frame.Frame{
			StartByte:      frame.STX,
			Command:        readCommandForLayer(layer),
			Unit:           unit,
			TransactionID:  t.txc.Next(),
			RegisterStart:  desc.Start,
			RegisterLength: uint16(int(desc.Length) * desc.Repeats),
		}
		resp, err := t.exchange(ctx, req)
		if err != nil {
			return nil, err
		}
		if frame.IsNAK(resp.StartByte) {
			return nil, fmt.Errorf("%w: read %s unit %d layer %d", xerr.ErrBusNak, desc.Mnemonic, unit, layer)
		}
		values, err := splitRepeats(desc, resp.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, values...)
	}

	return out, nil
}

// WriteRegister writes every repeat of a single register. For an Extension
// descriptor, the first half of values is written to layer 0 and the
// remainder to layer 1, matching how the bus itself splits an extended
// register's repeats across its two command bytes.
func (t *Transport) WriteRegister(ctx context.Context, desc registry.Descriptor, unit uint16, values []codec.Value) error {
	if len(values) != desc.Repeats {
		return fmt.Errorf("%w: %s: expected %d values, got %d", xerr.ErrInvalidInput, desc.Mnemonic, desc.Repeats, len(values))
	}

	layerData := [2][]byte{}
	for i, v := range values {
		raw, err := codec.Encode(desc, v)
		if err != nil {
			return err
		}
		layer := 0
		if desc.Extension && i > (len(values)/2)-1 {
			layer = 1
		}
		layerData[layer] = append(layerData[layer], raw...)
	}

	layers := []int{0}
	if desc.Extension {
		layers = append(layers, 1)
	}

	for _, layer := range layers {
		payload := layerData[layer]
		req := frame.Frame{
			StartByte:      frame.STX,
			Command:        writeCommandForLayer(layer),
			Unit:           unit,
			TransactionID:  t.txc.Next(),
			RegisterStart:  desc.Start,
			RegisterLength: uint16(len(payload)),
			Data:           payload,
		}
		resp, err := t.exchange(ctx, req)
		if err != nil {
			return err
		}
		if frame.IsNAK(resp.StartByte) {
			return fmt.Errorf("%w: write %s unit %d layer %d", xerr.ErrBusNak, desc.Mnemonic, unit, layer)
		}
	}
	return nil
}

// ReadGroup reads a contiguous run of descriptors in one frame per layer.
// Descriptors must already be in ascending register-address order with no
// gaps between them — the bus has no way to signal a gap on a read, so a
// caller wanting a non-contiguous set must split it into multiple ReadGroup
// calls itself.
func (t *Transport) ReadGroup(ctx context.Context, descs []registry.Descriptor, unit uint16) (map[string][]codec.Value, error) {
	if len(descs) == 0 {
		return map[string][]codec.Value{}, nil
	}

	start := descs[0].Start
	size := 0
	hasExtension := false
	for _, d := range descs {
		size += int(d.Length) * d.Repeats
		if d.Extension {
			hasExtension = true
		}
	}

	layers := []int{0}
	if hasExtension {
		layers = append(layers, 1)
	}

	layerData := make([][]byte, 0, 2)
	for _, layer := range layers {
		req := frame.Frame{
			StartByte:      frame.STX,
			Command:        readCommandForLayer(layer),
			Unit:           unit,
			TransactionID:  t.txc.Next(),
			RegisterStart:  start,
			RegisterLength: uint16(size),
		}
		resp, err := t.exchange(ctx, req)
		if err != nil {
			return nil, err
		}
		if frame.IsNAK(resp.StartByte) {
			return nil, fmt.Errorf("%w: read group at %d unit %d layer %d", xerr.ErrBusNak, start, unit, layer)
		}
		layerData = append(layerData, resp.Data)
	}

	result := make(map[string][]codec.Value, len(descs))
	offset := 0
	for _, d := range descs {
		n := int(d.Length) * d.Repeats
		chunk := layerData[0][offset : offset+n]
		values, err := splitRepeats(d, chunk)
		if err != nil {
			return nil, err
		}
		if d.Extension && len(layerData) > 1 {
			extChunk := layerData[1][offset : offset+n]
			extValues, err := splitRepeats(d, extChunk)
			if err != nil {
				return nil, err
			}
			values = append(values, extValues...)
		}
		result[d.Mnemonic] = values
		offset += n
	}
	return result, nil
}

// WriteGroup writes a (possibly non-contiguous) set of descriptors in one
// frame per layer, zero-padding any gap between consecutive descriptors'
// addresses so intervening registers are left untouched.
func (t *Transport) WriteGroup(ctx context.Context, descs []registry.Descriptor, unit uint16, data map[string][]codec.Value) error {
	if len(descs) == 0 {
		return nil
	}

	var layer0, layer1 []byte
	hasExtension := false

	for i, d := range descs {
		values, ok := data[d.Mnemonic]
		if !ok {
			return fmt.Errorf("%w: write group: missing values for %s", xerr.ErrInvalidInput, d.Mnemonic)
		}
		if len(values) != d.Repeats {
			return fmt.Errorf("%w: %s: expected %d values, got %d", xerr.ErrInvalidInput, d.Mnemonic, d.Repeats, len(values))
		}

		var gap int
		if i+1 < len(descs) {
			gap = int(descs[i+1].Start) - (int(d.Start) + int(d.Length)*d.Repeats)
		}

		if d.Repeats == 1 {
			raw, err := codec.Encode(d, values[0])
			if err != nil {
				return err
			}
			layer0 = append(layer0, raw...)
		} else {
			for j, v := range values {
				raw, err := codec.Encode(d, v)
				if err != nil {
					return err
				}
				layer := 0
				if d.Extension && j > (len(values)/2)-1 {
					layer = 1
				}
				if layer == 1 {
					layer1 = append(layer1, raw...)
				} else {
					layer0 = append(layer0, raw...)
				}
			}
		}

		if gap > 0 {
			layer0 = append(layer0, make([]byte, gap)...)
			if d.Extension {
				layer1 = append(layer1, make([]byte, gap)...)
				hasExtension = true
			}
		} else if d.Extension {
			hasExtension = true
		}
	}

	start := descs[0].Start
	layers := [][]byte{layer0}
	layerNums := []int{0}
	if hasExtension {
		layers = append(layers, layer1)
		layerNums = append(layerNums, 1)
	}

	for i, payload := range layers {
		req := frame.Frame{
			StartByte:      frame.STX,
			Command:        writeCommandForLayer(layerNums[i]),
			Unit:           unit,
			TransactionID:  t.txc.Next(),
			RegisterStart:  start,
			RegisterLength: uint16(len(payload)),
			Data:           payload,
		}
		resp, err := t.exchange(ctx, req)
		if err != nil {
			return err
		}
		if frame.IsNAK(resp.StartByte) {
			return fmt.Errorf("%w: write group at %d unit %d layer %d", xerr.ErrBusNak, start, unit, layerNums[i])
		}
	}
	return nil
}

// Scan broadcasts a databus scan request and collects responses for the
// given window. A unit answering with address 0 has not been assigned one
// yet and is always surfaced as a renumber candidate. A unit address
// reported by two distinct hardware ids is a conflict: the earlier entry is
// rewritten to its own hardware id and the new frame's hardware id is
// appended as a second renumber candidate, so neither address is returned
// as a trustworthy unit in the result.
func (t *Transport) Scan(ctx context.Context, window time.Duration) ([]ScanResult, []string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.applyYield()
	if err := t.ensureConnected(ctx); err != nil {
		return nil, nil, err
	}

	req := frame.Frame{
		StartByte:     frame.STX,
		Command:       frame.CmdBroadcastSet,
		TransactionID: t.txc.Next(),
	}
	raw, err := frame.Pack(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: pack scan request: %v", xerr.ErrFramer, err)
	}
	envelope, err := frame.EncryptEnvelope(raw, t.key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encrypt scan request: %v", xerr.ErrFramer, err)
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
		t.closeLocked()
		return nil, nil, fmt.Errorf("%w: set write deadline: %v", xerr.ErrTransportFatal, err)
	}
	if _, err := t.conn.Write(envelope); err != nil {
		t.closeLocked()
		return nil, nil, fmt.Errorf("%w: write scan request: %v", xerr.ErrTransportFatal, err)
	}

	// scanEntry is one element of the ordered scan result: either a plain
	// unit address (renumber false) or a hardware id surfaced for
	// renumbering (renumber true). hwid is kept on a unit entry too, so a
	// later address conflict can convert it in place.
	type scanEntry struct {
		renumber bool
		unit     uint16
		hwid     string
	}
	var entries []scanEntry
	unitIndex := make(map[uint16]int)

	deadline := time.Now().Add(window)
	scratch := make([]byte, readBufSize)

	verify := func(ciphertext []byte) bool {
		body, err := frame.DecryptEnvelope(ciphertext, t.key)
		if err != nil {
			return false
		}
		f, err := frame.Unpack(body)
		if err != nil || f.Command != frame.CmdBroadcastSet {
			return false
		}

		if f.Unit == 0 {
			entries = append(entries, scanEntry{renumber: true, hwid: f.HardwareID})
		} else if idx, dup := unitIndex[f.Unit]; dup {
			entries[idx] = scanEntry{renumber: true, hwid: entries[idx].hwid}
			entries = append(entries, scanEntry{renumber: true, hwid: f.HardwareID})
			delete(unitIndex, f.Unit)
		} else {
			entries = append(entries, scanEntry{unit: f.Unit, hwid: f.HardwareID})
			unitIndex[f.Unit] = len(entries) - 1
		}
		return true
	}

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			t.closeLocked()
			return nil, nil, fmt.Errorf("%w: %v", xerr.ErrCancelled, ctx.Err())
		}
		next := pollInterval
		if remaining := time.Until(deadline); remaining < next {
			next = remaining
		}
		if err := t.conn.SetReadDeadline(time.Now().Add(next)); err != nil {
			t.closeLocked()
			return nil, nil, fmt.Errorf("%w: set read deadline: %v", xerr.ErrTransportFatal, err)
		}
		n, err := t.conn.Read(scratch)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			t.closeLocked()
			return nil, nil, fmt.Errorf("%w: read during scan: %v", xerr.ErrTransportFatal, err)
		}
		t.buf.Feed(scratch[:n], verify)
	}

	t.lastOp = time.Now()
	results := make([]ScanResult, 0, len(entries))
	var renumber []string
	for _, e := range entries {
		if e.renumber {
			renumber = append(renumber, e.hwid)
			continue
		}
		results = append(results, ScanResult{Unit: e.unit, HardwareID: e.hwid})
	}
	return results, renumber, nil
}

// rebootRegister is the "rsboot" register a broadcast reboot writes 1 to.
var rebootRegister = registry.Descriptor{Mnemonic: "rsboot", Start: 400, Length: 1, Repeats: 1, Type: registry.TypeINT}

// broadcastRebootRepeat and broadcastRebootGap match the original ring
// master's reboot enrichment: the write is never acknowledged by a single
// device (every unit on the ring reboots off the same broadcast frame), so
// it is sent three times with a short gap instead of collecting a response.
const broadcastRebootRepeat = 3

const broadcastRebootGap = 50 * time.Millisecond

// BroadcastReboot writes rsboot=1 to every unit on the ring at once. Unlike
// every other write on this transport, the request is fire-and-forget: there
// is no single unit address to address a response to, so the caller gets no
// per-unit confirmation that a reboot actually happened.
func (t *Transport) BroadcastReboot(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.applyYield()
	if err := t.ensureConnected(ctx); err != nil {
		return err
	}

	payload, err := codec.Encode(rebootRegister, codec.Value{Int: 1})
	if err != nil {
		return fmt.Errorf("%w: encode rsboot: %v", xerr.ErrCodec, err)
	}

	req := frame.Frame{
		StartByte:      frame.STX,
		Command:        frame.CmdBroadcastWr1,
		RegisterStart:  rebootRegister.Start,
		RegisterLength: uint16(len(payload)),
		Data:           payload,
	}

	for i := 0; i < broadcastRebootRepeat; i++ {
		if ctx.Err() != nil {
			t.closeLocked()
			return fmt.Errorf("%w: %v", xerr.ErrCancelled, ctx.Err())
		}
		req.TransactionID = t.txc.Next()
		raw, err := frame.Pack(req)
		if err != nil {
			return fmt.Errorf("%w: pack broadcast reboot: %v", xerr.ErrFramer, err)
		}
		envelope, err := frame.EncryptEnvelope(raw, t.key)
		if err != nil {
			return fmt.Errorf("%w: encrypt broadcast reboot: %v", xerr.ErrFramer, err)
		}
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
			t.closeLocked()
			return fmt.Errorf("%w: set write deadline: %v", xerr.ErrTransportFatal, err)
		}
		if _, err := t.conn.Write(envelope); err != nil {
			t.closeLocked()
			return fmt.Errorf("%w: write broadcast reboot: %v", xerr.ErrTransportFatal, err)
		}

		if i < broadcastRebootRepeat-1 {
			select {
			case <-time.After(broadcastRebootGap):
			case <-ctx.Done():
				t.closeLocked()
				return fmt.Errorf("%w: %v", xerr.ErrCancelled, ctx.Err())
			}
		}
	}

	t.lastOp = time.Now()
	return nil
}

// gatewayProbe is the only register range a Schleifenbauer ring gateway
// answers on: a broadcast read of register 102, length 2, unit 0.
var gatewayProbe = registry.Descriptor{Mnemonic: "idfwvs", Start: 102, Length: 2, Repeats: 1, Type: registry.TypeINT}

// gatewayFirmwareMarker is the fixed firmware-version value only a gateway
// ever reports in response to gatewayProbe.
const gatewayFirmwareMarker = 18263

// IsGateway probes for a ring gateway at this interface: a gateway is the
// only device that answers a broadcast read of register 102/103 at unit 0,
// and always reports this exact firmware marker there.
func (t *Transport) IsGateway(ctx context.Context, window time.Duration) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.applyYield()
	if err := t.ensureConnected(ctx); err != nil {
		return false, err
	}

	req := frame.Frame{
		StartByte:      frame.STX,
		Command:        frame.CmdReadReq,
		Unit:           0,
		TransactionID:  t.txc.Next(),
		RegisterStart:  gatewayProbe.Start,
		RegisterLength: uint16(gatewayProbe.Length),
	}
	raw, err := frame.Pack(req)
	if err != nil {
		return false, fmt.Errorf("%w: pack gateway probe: %v", xerr.ErrFramer, err)
	}
	envelope, err := frame.EncryptEnvelope(raw, t.key)
	if err != nil {
		return false, fmt.Errorf("%w: encrypt gateway probe: %v", xerr.ErrFramer, err)
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
		t.closeLocked()
		return false, fmt.Errorf("%w: set write deadline: %v", xerr.ErrTransportFatal, err)
	}
	if _, err := t.conn.Write(envelope); err != nil {
		t.closeLocked()
		return false, fmt.Errorf("%w: write gateway probe: %v", xerr.ErrTransportFatal, err)
	}

	var found bool
	deadline := time.Now().Add(window)
	scratch := make([]byte, readBufSize)

	verify := func(ciphertext []byte) bool {
		body, err := frame.DecryptEnvelope(ciphertext, t.key)
		if err != nil {
			return false
		}
		f, err := frame.Unpack(body)
		if err != nil || f.Command != frame.CmdReadReq || len(f.Data) < int(gatewayProbe.Length) {
			return false
		}
		v, err := codec.Decode(gatewayProbe, f.Data[:gatewayProbe.Length])
		if err == nil && v.Int == gatewayFirmwareMarker {
			found = true
		}
		return true
	}

	for time.Now().Before(deadline) && !found {
		if ctx.Err() != nil {
			t.closeLocked()
			return false, fmt.Errorf("%w: %v", xerr.ErrCancelled, ctx.Err())
		}
		next := pollInterval
		if remaining := time.Until(deadline); remaining < next {
			next = remaining
		}
		if err := t.conn.SetReadDeadline(time.Now().Add(next)); err != nil {
			t.closeLocked()
			return false, fmt.Errorf("%w: set read deadline: %v", xerr.ErrTransportFatal, err)
		}
		n, err := t.conn.Read(scratch)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			t.closeLocked()
			return false, fmt.Errorf("%w: read during gateway probe: %v", xerr.ErrTransportFatal, err)
		}
		t.buf.Feed(scratch[:n], verify)
	}

	t.lastOp = time.Now()
	return found, nil
}

// SetUnitAddress assigns newUnit to the device identified by hid (the
// "aa-bb-cc" hardware id string). A read timeout on the response is treated
// as success: the ring master re-addresses itself mid-transaction and its
// ACK arrives tagged with the unit address it just abandoned, which this
// client can never match against the request it just sent. Preserved
// verbatim from the original client rather than "fixed", since downstream
// firmware depends on this exact handshake.
func (t *Transport) SetUnitAddress(ctx context.Context, hid string, newUnit uint16) (bool, error) {
	req := frame.Frame{
		StartByte:     frame.STX,
		Command:       frame.CmdSetAddress,
		HardwareID:    hid,
		Unit:          newUnit,
		TransactionID: t.txc.Next(),
	}

	resp, err := t.exchange(ctx, req)
	if err != nil {
		if errors.Is(err, xerr.ErrTransportTimeout) {
			return true, nil
		}
		return false, err
	}
	if frame.IsNAK(resp.StartByte) {
		return false, fmt.Errorf("%w: set unit address %s -> %d", xerr.ErrBusNak, hid, newUnit)
	}
	return true, nil
}
