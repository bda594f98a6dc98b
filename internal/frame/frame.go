// Package frame implements the BFP wire format: frame struct <-> raw
// bytes, CRC-16 framing, field packing per command, and the
// encrypted SAPI envelope that further wraps every packed frame on the
// wire.
package frame

import (
	"bytes"
	"crypto/rc4"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/sbfleet/pdufleet/internal/xerr"
)

// Start-of-frame control bytes (original_source IPAPIFramer.py Frame.STX/ACK/NAK/ETX).
const (
	STX  byte = 0x02
	ACK  byte = 0x06
	NAK1 byte = 0x0F
	NAK2 byte = 0x15
	ETX  byte = 0x03
)

// IsNAK reports whether b is one of the two NAK start bytes.
func IsNAK(b byte) bool { return b == NAK1 || b == NAK2 }

// Command bytes.
const (
	CmdReadReq      byte = 1
	CmdReadReq2     byte = 2 // original accepts either 1 or 2 for read
	CmdWriteReq     byte = 16
	CmdWriteReq2    byte = 17
	CmdSetAddress   byte = 32
	CmdBroadcastSet byte = 144 // scan
	CmdStatus       byte = 145
	CmdBroadcastWr1 byte = 160
	CmdBroadcastWr2 byte = 161
	CmdDisplayOn    byte = 128
	CmdDisplayOff   byte = 129
)

// Frame is a decoded BFP message. Only the fields relevant to its
// (StartByte, Command) combination are meaningful; see field layouts
// below. Frames are ephemeral: constructed per operation, never reused.
type Frame struct {
	StartByte      byte
	Command        byte
	Unit           uint16
	TransactionID  uint16
	RegisterStart  uint16
	RegisterLength uint16
	HardwareID     string // "aa-bb-cc" form, three hex groups
	Reserved       byte
	Status         [6]byte
	Data           []byte
}

// field is one wire-level token in a frame layout.
type field int

const (
	fUnit field = iota
	fTransactionID
	fRegisterStart
	fRegisterLength
	fHardwareID
	fReserved
	fStatus
	fData
)

var (
	readReqFields   = []field{fUnit, fTransactionID, fRegisterStart, fRegisterLength}
	readAckFields   = []field{fUnit, fTransactionID, fRegisterStart, fRegisterLength, fData}
	readNakFields   = []field{fUnit, fTransactionID, fReserved}
	writeReqFields  = []field{fUnit, fTransactionID, fRegisterStart, fRegisterLength, fData}
	writeAckFields  = []field{fUnit, fTransactionID}
	writeNakFields  = []field{fUnit, fTransactionID, fReserved}
	setAddrFields   = []field{fHardwareID, fUnit}
	setAddrNakField = []field{fHardwareID, fUnit, fReserved}
	scanReqFields   = []field{}
	scanAckFields   = []field{fUnit, fHardwareID}
	statusReqFields = []field{}
	statusAckField  = []field{fUnit, fStatus}
	broadcastWr     = []field{fRegisterStart, fRegisterLength, fData}
)

// layoutFor returns the ordered field list for a (start, command) pair, or
// nil if the combination is not recognized.
func layoutFor(start, cmd byte) []field {
	switch start {
	case STX:
		switch cmd {
		case CmdReadReq, CmdReadReq2:
			return readReqFields
		case CmdWriteReq, CmdWriteReq2:
			return writeReqFields
		case CmdSetAddress:
			return setAddrFields
		case CmdBroadcastSet:
			return scanReqFields
		case CmdStatus:
			return statusReqFields
		case CmdBroadcastWr1, CmdBroadcastWr2:
			return broadcastWr
		case CmdDisplayOn, CmdDisplayOff:
			return []field{}
		}
	case ACK:
		switch cmd {
		case CmdReadReq, CmdReadReq2:
			return readAckFields
		case CmdWriteReq, CmdWriteReq2:
			return writeAckFields
		case CmdSetAddress:
			return setAddrFields
		case CmdBroadcastSet:
			return scanAckFields
		case CmdStatus:
			return statusAckField
		}
	default:
		if IsNAK(start) {
			switch cmd {
			case CmdReadReq, CmdReadReq2:
				return readNakFields
			case CmdWriteReq, CmdWriteReq2:
				return writeNakFields
			case CmdSetAddress:
				return setAddrNakField
			}
		}
	}
	return nil
}

// TransactionCounter allocates per-transport monotonically increasing
// transaction ids. Spec §9 calls for an atomic counter so a future
// multi-caller transport is race-free even though today's workers are
// single-owner per IP.
type TransactionCounter struct {
	next uint32
}

// Next returns the next transaction id, wrapping at 16 bits (the wire
// field is a uint16).
func (c *TransactionCounter) Next() uint16 {
	return uint16(atomic.AddUint32(&c.next, 1) & 0xFFFF)
}

// NewTransactionCounter returns a counter starting at 1, matching the
// original MessageFramer._transactionID initial value.
func NewTransactionCounter() *TransactionCounter {
	return &TransactionCounter{next: 0}
}

// Pack serializes f into the wire bytes: STX|CMD|<fields>|CRC-16|ETX. The
// CRC covers every byte preceding it.
func Pack(f Frame) ([]byte, error) {
	layout := layoutFor(f.StartByte, f.Command)
	if layout == nil {
		return nil, fmt.Errorf("%w: no field layout for start=0x%02x cmd=%d", xerr.ErrFramer, f.StartByte, f.Command)
	}

	var buf bytes.Buffer
	buf.WriteByte(f.StartByte)
	buf.WriteByte(f.Command)

	for _, tok := range layout {
		if err := writeField(&buf, tok, f); err != nil {
			return nil, err
		}
	}

	crc := crc16(buf.Bytes())
	var crcBytes [2]byte
	binary.LittleEndian.PutUint16(crcBytes[:], crc)
	buf.Write(crcBytes[:])
	buf.WriteByte(ETX)

	return buf.Bytes(), nil
}

func writeField(buf *bytes.Buffer, tok field, f Frame) error {
	switch tok {
	case fUnit:
		return writeU16(buf, f.Unit)
	case fTransactionID:
		return writeU16(buf, f.TransactionID)
	case fRegisterStart:
		return writeU16(buf, f.RegisterStart)
	case fRegisterLength:
		return writeU16(buf, f.RegisterLength)
	case fReserved:
		buf.WriteByte(f.Reserved)
		return nil
	case fStatus:
		buf.Write(f.Status[:])
		return nil
	case fHardwareID:
		groups, err := parseHardwareID(f.HardwareID)
		if err != nil {
			return err
		}
		for _, g := range groups {
			if err := writeU16(buf, g); err != nil {
				return err
			}
		}
		return nil
	case fData:
		if int(f.RegisterLength) != len(f.Data) && f.RegisterLength != 0 {
			// Data is written as given: a RegisterLength that differs
			// from len(Data) is not rejected here.
		}
		buf.Write(f.Data)
		return nil
	default:
		return fmt.Errorf("%w: unknown field token %d", xerr.ErrFramer, tok)
	}
}

func writeU16(buf *bytes.Buffer, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
	return nil
}

// parseHardwareID parses "aa-bb-cc" into its three uint16 groups.
func parseHardwareID(s string) ([3]uint16, error) {
	var out [3]uint16
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return out, fmt.Errorf("%w: malformed hardware id %q", xerr.ErrFramer, s)
	}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 16, 16)
		if err != nil {
			return out, fmt.Errorf("%w: malformed hardware id %q: %v", xerr.ErrFramer, s, err)
		}
		out[i] = uint16(n)
	}
	return out, nil
}

func formatHardwareID(groups [3]uint16) string {
	return fmt.Sprintf("%x-%x-%x", groups[0], groups[1], groups[2])
}

// Unpack parses raw wire bytes (after envelope decryption) into a Frame,
// rejecting a CRC mismatch or a missing ETX trailer. Bytes after the ETX
// are ignored.
func Unpack(raw []byte) (Frame, error) {
	if len(raw) < 2 {
		return Frame{}, fmt.Errorf("%w: frame shorter than header", xerr.ErrFramer)
	}

	f := Frame{StartByte: raw[0], Command: raw[1]}
	layout := layoutFor(f.StartByte, f.Command)
	if layout == nil {
		return Frame{}, fmt.Errorf("%w: no field layout for start=0x%02x cmd=%d", xerr.ErrFramer, f.StartByte, f.Command)
	}

	offset := 2
	for _, tok := range layout {
		n, err := readField(raw, offset, tok, &f)
		if err != nil {
			return Frame{}, err
		}
		offset += n
	}

	if offset+3 > len(raw) {
		return Frame{}, fmt.Errorf("%w: truncated frame (missing CRC/ETX)", xerr.ErrFramer)
	}

	gotCRC := binary.LittleEndian.Uint16(raw[offset : offset+2])
	wantCRC := crc16(raw[:offset])
	if gotCRC != wantCRC {
		return Frame{}, fmt.Errorf("%w: CRC mismatch (got %#04x want %#04x)", xerr.ErrFramer, gotCRC, wantCRC)
	}
	offset += 2

	if raw[offset] != ETX {
		return Frame{}, fmt.Errorf("%w: missing ETX trailer", xerr.ErrFramer)
	}

	return f, nil
}

func readField(raw []byte, offset int, tok field, f *Frame) (int, error) {
	switch tok {
	case fUnit:
		if offset+2 > len(raw) {
			return 0, fmt.Errorf("%w: truncated unit address field", xerr.ErrFramer)
		}
		f.Unit = binary.LittleEndian.Uint16(raw[offset:])
		return 2, nil
	case fTransactionID:
		if offset+2 > len(raw) {
			return 0, fmt.Errorf("%w: truncated transaction id field", xerr.ErrFramer)
		}
		f.TransactionID = binary.LittleEndian.Uint16(raw[offset:])
		return 2, nil
	case fRegisterStart:
		if offset+2 > len(raw) {
			return 0, fmt.Errorf("%w: truncated register start field", xerr.ErrFramer)
		}
		f.RegisterStart = binary.LittleEndian.Uint16(raw[offset:])
		return 2, nil
	case fRegisterLength:
		if offset+2 > len(raw) {
			return 0, fmt.Errorf("%w: truncated register length field", xerr.ErrFramer)
		}
		f.RegisterLength = binary.LittleEndian.Uint16(raw[offset:])
		return 2, nil
	case fReserved:
		if offset+1 > len(raw) {
			return 0, fmt.Errorf("%w: truncated reserved field", xerr.ErrFramer)
		}
		f.Reserved = raw[offset]
		return 1, nil
	case fStatus:
		if offset+6 > len(raw) {
			return 0, fmt.Errorf("%w: truncated status field", xerr.ErrFramer)
		}
		copy(f.Status[:], raw[offset:offset+6])
		return 6, nil
	case fHardwareID:
		if offset+6 > len(raw) {
			return 0, fmt.Errorf("%w: truncated hardware id field", xerr.ErrFramer)
		}
		var groups [3]uint16
		groups[0] = binary.LittleEndian.Uint16(raw[offset:])
		groups[1] = binary.LittleEndian.Uint16(raw[offset+2:])
		groups[2] = binary.LittleEndian.Uint16(raw[offset+4:])
		f.HardwareID = formatHardwareID(groups)
		return 6, nil
	case fData:
		n := int(f.RegisterLength)
		if offset+n > len(raw) {
			return 0, fmt.Errorf("%w: truncated data field (want %d bytes)", xerr.ErrFramer, n)
		}
		f.Data = append([]byte{}, raw[offset:offset+n]...)
		return n, nil
	default:
		return 0, fmt.Errorf("%w: unknown field token %d", xerr.ErrFramer, tok)
	}
}

// -------------------------------------------------------------------------
// SAPI envelope — per-envelope RC4 encryption
// -------------------------------------------------------------------------

// EnvelopeTag is the 4-byte ASCII tag that prefixes every envelope on the
// wire.
var EnvelopeTag = []byte("SAPI")

// EncryptEnvelope wraps a packed frame into a full SAPI envelope:
//
//	"SAPI" | len(uint16 BE) | RC4(key[0:4] | frame | sum32_BE(key[0:4]+frame))
//
// The RC4 cipher state is keyed fresh for every call, never streamed
// across messages.
func EncryptEnvelope(frameBytes []byte, key [16]byte) ([]byte, error) {
	plain := make([]byte, 0, 4+len(frameBytes)+4)
	plain = append(plain, key[:4]...)
	plain = append(plain, frameBytes...)

	sum := sum32(plain)
	var sumBytes [4]byte
	binary.BigEndian.PutUint32(sumBytes[:], sum)
	plain = append(plain, sumBytes[:]...)

	cipher, err := rc4.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: rc4 key: %v", xerr.ErrFramer, err)
	}
	ciphertext := make([]byte, len(plain))
	cipher.XORKeyStream(ciphertext, plain)

	out := make([]byte, 0, 4+2+len(ciphertext))
	out = append(out, EnvelopeTag...)
	var lenBytes [2]byte
	binary.BigEndian.PutUint16(lenBytes[:], uint16(len(ciphertext)))
	out = append(out, lenBytes[:]...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecryptEnvelope reverses EncryptEnvelope given the ciphertext slice
// (everything after the tag+length header) and returns the inner packed
// frame bytes. Returns ErrFramer if the key prefix or checksum do not
// verify; the caller discards the envelope in that case.
func DecryptEnvelope(ciphertext []byte, key [16]byte) ([]byte, error) {
	if len(ciphertext) < 8 {
		return nil, fmt.Errorf("%w: envelope shorter than 8 bytes", xerr.ErrFramer)
	}

	cipher, err := rc4.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: rc4 key: %v", xerr.ErrFramer, err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.XORKeyStream(plain, ciphertext)

	if !bytes.Equal(plain[:4], key[:4]) {
		return nil, fmt.Errorf("%w: envelope key prefix mismatch", xerr.ErrFramer)
	}

	body := plain[:len(plain)-4]
	wantSum := sum32(body)
	gotSum := binary.BigEndian.Uint32(plain[len(plain)-4:])
	if wantSum != gotSum {
		return nil, fmt.Errorf("%w: envelope checksum mismatch", xerr.ErrFramer)
	}

	return body[4:], nil
}

// sum32 is the big-endian 32-bit sum of every byte in data.
func sum32(data []byte) uint32 {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return sum
}
