// Package codec implements typed (de)serialization of register values per
// descriptor type: each registry.Type has exactly one decode and one encode
// rule. Decoding a value that Encode produced gives the value back, rounded
// to the register's precision (FD keeps 0.01 or 0.1). Raw
// bytes do not all survive decode-then-encode: ASCII drops control
// characters and anything after the first NUL, and an FD raw value above
// 32767 that decodes to 327.67 or less re-encodes in the low range.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"net/netip"
	"strings"

	"github.com/sbfleet/pdufleet/internal/registry"
	"github.com/sbfleet/pdufleet/internal/xerr"
)

// Value is a decoded register value. Exactly one of the typed fields is
// meaningful, selected by the descriptor's Type.
type Value struct {
	Int   uint64
	Str   string // ASCII, IPV4, IPV6 dotted/colon form, or MAC aa:bb:cc:dd:ee:ff
	Float float64
}

// Decode turns a single repeat's raw bytes into a typed Value according to
// desc.Type. raw must be exactly desc.Length bytes.
func Decode(desc registry.Descriptor, raw []byte) (Value, error) {
	if len(raw) != int(desc.Length) {
		return Value{}, fmt.Errorf("%w: %s: decode expects %d bytes, got %d",
			xerr.ErrCodec, desc.Mnemonic, desc.Length, len(raw))
	}

	switch desc.Type {
	case registry.TypeINT:
		return decodeInt(desc, raw)
	case registry.TypeASCII:
		return Value{Str: decodeASCII(raw)}, nil
	case registry.TypeIPV4:
		return decodeIPv4(desc, raw)
	case registry.TypeIPV6:
		return decodeIPv6(desc, raw)
	case registry.TypeFD:
		return decodeFD(desc, raw)
	default:
		return Value{}, fmt.Errorf("%w: %s: unknown type %v", xerr.ErrCodec, desc.Mnemonic, desc.Type)
	}
}

// Encode turns a typed Value into raw bytes of exactly desc.Length, the
// inverse of Decode for every value Decode can produce from Encode output.
func Encode(desc registry.Descriptor, v Value) ([]byte, error) {
	switch desc.Type {
	case registry.TypeINT:
		if desc.Length == 6 {
			return encodeMAC(desc, v.Str)
		}
		return encodeInt(desc, v.Int)
	case registry.TypeASCII:
		return encodeASCII(desc, v.Str)
	case registry.TypeIPV4:
		return encodeIPv4(desc, v.Str)
	case registry.TypeIPV6:
		return encodeIPv6(desc, v.Str)
	case registry.TypeFD:
		return encodeFD(desc, v.Float)
	default:
		return nil, fmt.Errorf("%w: %s: unknown type %v", xerr.ErrCodec, desc.Mnemonic, desc.Type)
	}
}

// -------------------------------------------------------------------------
// INT — little-endian unsigned, 1/2/4 widths, 3-byte padded, 6-byte MAC
// -------------------------------------------------------------------------

func decodeInt(desc registry.Descriptor, raw []byte) (Value, error) {
	switch desc.Length {
	case 1:
		return Value{Int: uint64(raw[0])}, nil
	case 2:
		return Value{Int: uint64(binary.LittleEndian.Uint16(raw))}, nil
	case 3:
		padded := append(append([]byte{}, raw...), 0x00)
		return Value{Int: uint64(binary.LittleEndian.Uint32(padded))}, nil
	case 4:
		return Value{Int: uint64(binary.LittleEndian.Uint32(raw))}, nil
	case 6:
		mac := net.HardwareAddr(raw)
		return Value{Str: strings.ToLower(mac.String())}, nil
	default:
		return Value{}, fmt.Errorf("%w: %s: unsupported INT width %d", xerr.ErrCodec, desc.Mnemonic, desc.Length)
	}
}

func encodeInt(desc registry.Descriptor, val uint64) ([]byte, error) {
	switch desc.Length {
	case 1:
		if val > math.MaxUint8 {
			return nil, fmt.Errorf("%w: %s: %d exceeds 1-byte max", xerr.ErrCodec, desc.Mnemonic, val)
		}
		return []byte{byte(val)}, nil
	case 2:
		if val > math.MaxUint16 {
			return nil, fmt.Errorf("%w: %s: %d exceeds 2-byte max", xerr.ErrCodec, desc.Mnemonic, val)
		}
		out := make([]byte, 2)
		binary.LittleEndian.PutUint16(out, uint16(val))
		return out, nil
	case 3:
		const max3 = 1<<24 - 1
		if val > max3 {
			return nil, fmt.Errorf("%w: %s: %d exceeds 3-byte max", xerr.ErrCodec, desc.Mnemonic, val)
		}
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, uint32(val))
		return out[:3], nil
	case 4:
		if val > math.MaxUint32 {
			return nil, fmt.Errorf("%w: %s: %d exceeds 4-byte max", xerr.ErrCodec, desc.Mnemonic, val)
		}
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, uint32(val))
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s: unsupported INT width %d", xerr.ErrCodec, desc.Mnemonic, desc.Length)
	}
}

// encodeMAC writes a 6-byte MAC register from its "aa:bb:cc:dd:ee:ff" form.
func encodeMAC(desc registry.Descriptor, s string) ([]byte, error) {
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return nil, fmt.Errorf("%w: %s: malformed MAC %q", xerr.ErrCodec, desc.Mnemonic, s)
	}
	return []byte(hw), nil
}

// -------------------------------------------------------------------------
// ASCII — NUL-terminated, control characters stripped on decode
// -------------------------------------------------------------------------

func decodeASCII(raw []byte) string {
	n := len(raw)
	for i, b := range raw {
		if b == 0x00 {
			n = i
			break
		}
	}
	s := raw[:n]
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		if c <= 0x1F || (c >= 0x7F && c <= 0x9F) {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func encodeASCII(desc registry.Descriptor, s string) ([]byte, error) {
	if len(s) > int(desc.Length) {
		return nil, fmt.Errorf("%w: %s: ASCII value length %d exceeds register length %d",
			xerr.ErrCodec, desc.Mnemonic, len(s), desc.Length)
	}
	out := make([]byte, desc.Length)
	copy(out, s)
	return out, nil
}

// -------------------------------------------------------------------------
// IPV4 — big-endian 4 bytes, dotted-quad form
// -------------------------------------------------------------------------

func decodeIPv4(desc registry.Descriptor, raw []byte) (Value, error) {
	if len(raw) != 4 {
		return Value{}, fmt.Errorf("%w: %s: IPV4 requires 4 bytes", xerr.ErrCodec, desc.Mnemonic)
	}
	addr := netip.AddrFrom4([4]byte{raw[0], raw[1], raw[2], raw[3]})
	return Value{Str: addr.String()}, nil
}

func encodeIPv4(desc registry.Descriptor, s string) ([]byte, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return nil, fmt.Errorf("%w: %s: malformed IPv4 %q", xerr.ErrCodec, desc.Mnemonic, s)
	}
	b := addr.As4()
	return b[:], nil
}

// -------------------------------------------------------------------------
// IPV6 — vendor-supplied string form passed through net/netip
// -------------------------------------------------------------------------

func decodeIPv6(desc registry.Descriptor, raw []byte) (Value, error) {
	if len(raw) != 16 {
		return Value{}, fmt.Errorf("%w: %s: IPV6 requires 16 bytes", xerr.ErrCodec, desc.Mnemonic)
	}
	var b [16]byte
	copy(b[:], raw)
	addr := netip.AddrFrom16(b)
	return Value{Str: addr.String()}, nil
}

func encodeIPv6(desc registry.Descriptor, s string) ([]byte, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: malformed IPv6 %q", xerr.ErrCodec, desc.Mnemonic, s)
	}
	b := addr.As16()
	return b[:], nil
}

// -------------------------------------------------------------------------
// FD — fixed-point decimal, two ranges selected by raw value
// -------------------------------------------------------------------------

// fdSplit is the raw-value boundary between the two FD ranges.
const fdSplit = 32767

func decodeFD(desc registry.Descriptor, raw []byte) (Value, error) {
	if len(raw) != 2 {
		return Value{}, fmt.Errorf("%w: %s: FD requires 2 bytes", xerr.ErrCodec, desc.Mnemonic)
	}
	rawVal := binary.LittleEndian.Uint16(raw)
	var f float64
	if rawVal <= fdSplit {
		f = float64(rawVal) / 100
	} else {
		f = float64(int(rawVal)-fdSplit) / 10
	}
	return Value{Float: f}, nil
}

func encodeFD(desc registry.Descriptor, f float64) ([]byte, error) {
	const maxLowRange = fdSplit / 100.0   // 327.67
	const maxHighRange = 3276.8           // (65535 - 32767) / 10
	if f < 0 || f > maxHighRange {
		return nil, fmt.Errorf("%w: %s: FD value %v out of range [0, %v]", xerr.ErrCodec, desc.Mnemonic, f, maxHighRange)
	}

	var rawVal uint16
	if f <= maxLowRange {
		rawVal = uint16(f*100 + 0.5)
	} else {
		rawVal = uint16(f*10+0.5) + fdSplit
	}

	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, rawVal)
	return out, nil
}
