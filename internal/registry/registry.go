// Package registry holds the static, process-global register descriptor
// table. Descriptors are immutable reference data: a mnemonic resolves to
// the same Descriptor value for the lifetime of the process, regardless of
// which device or fleet is consulting it.
package registry

import "fmt"

// Type is the wire encoding of a register's value.
type Type uint8

// Register data types.
const (
	TypeINT Type = iota
	TypeASCII
	TypeIPV4
	TypeIPV6
	TypeFD
)

func (t Type) String() string {
	switch t {
	case TypeINT:
		return "INT"
	case TypeASCII:
		return "ASCII"
	case TypeIPV4:
		return "IPV4"
	case TypeIPV6:
		return "IPV6"
	case TypeFD:
		return "FD"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Protocol names a transport a register may be reached over.
type Protocol string

// Protocol tokens used in readable_by / writable_by sets.
const (
	ProtoBFP  Protocol = "BFP"
	ProtoHFP  Protocol = "HFP"
	ProtoAll  Protocol = "ALL"
	ProtoStar Protocol = "*"
	ProtoNone Protocol = "NONE"
)

// AccessLevel is the minimum write privilege required for a register.
type AccessLevel string

// Write access levels, ordered from least to most privileged.
const (
	AccessNone  AccessLevel = "none"
	AccessUser  AccessLevel = "user"
	AccessPower AccessLevel = "power"
	AccessAdmin AccessLevel = "admin"
	AccessSuper AccessLevel = "super"
	AccessAny   AccessLevel = "*"
)

var accessRank = map[AccessLevel]int{
	AccessNone:  0,
	AccessUser:  1,
	AccessPower: 2,
	AccessAdmin: 3,
	AccessSuper: 4,
	AccessAny:   5,
}

// Satisfies reports whether a caller holding level `have` may perform a
// write that requires `want`. AccessAny requires nothing less than super.
func (want AccessLevel) Satisfies(have AccessLevel) bool {
	if want == AccessAny {
		return accessRank[have] >= accessRank[AccessSuper]
	}
	return accessRank[have] >= accessRank[want]
}

// Descriptor is the static metadata record for one register mnemonic.
//
// Descriptors are never mutated after the table is built; per-device
// overrides are applied as a read-only overlay at the
// Communicator layer, never by rebinding fields here.
type Descriptor struct {
	Mnemonic         string
	Start            uint16
	Length           uint8
	Repeats          int
	Extension        bool
	Type             Type
	Group            string
	AddedInFW        int
	ReadableBy       []Protocol
	WritableBy       []Protocol
	WriteAccessLevel AccessLevel
	Name             string
	Description      string
}

// End returns the exclusive register-address boundary of this descriptor:
// Start + (Length * Repeats). Used by read_group to compute a contiguous
// [start, end) span across a descriptor list.
func (d Descriptor) End() uint16 {
	return d.Start + uint16(int(d.Length)*d.Repeats)
}

func containsProto(set []Protocol, p Protocol) bool {
	for _, s := range set {
		if s == p || s == ProtoAll {
			return true
		}
	}
	return false
}

// ReadableOn reports whether proto may read this descriptor.
func (d Descriptor) ReadableOn(proto Protocol) bool {
	return containsProto(d.ReadableBy, proto)
}

// WritableOn reports whether proto may write this descriptor.
func (d Descriptor) WritableOn(proto Protocol) bool {
	return containsProto(d.WritableBy, proto)
}

// IsPasswordLike reports whether this descriptor is a write-only secret:
// readable_by == {*} is the table's convention for "never return this over
// the wire": such registers yield a synthetic empty result.
func (d Descriptor) IsPasswordLike() bool {
	return len(d.ReadableBy) == 1 && d.ReadableBy[0] == ProtoStar
}

// Table is an immutable, process-global mnemonic -> Descriptor map.
type Table struct {
	byMnemonic map[string]Descriptor
	byGroup    map[string][]Descriptor
}

// NewTable builds a Table from a literal descriptor list. Intended to be
// called once, at process init, with static reference data.
func NewTable(descs []Descriptor) *Table {
	t := &Table{
		byMnemonic: make(map[string]Descriptor, len(descs)),
		byGroup:    make(map[string][]Descriptor),
	}
	for _, d := range descs {
		t.byMnemonic[d.Mnemonic] = d
		t.byGroup[d.Group] = append(t.byGroup[d.Group], d)
	}
	return t
}

// Lookup returns the descriptor for mnemonic, and whether it was found.
func (t *Table) Lookup(mnemonic string) (Descriptor, bool) {
	d, ok := t.byMnemonic[mnemonic]
	return d, ok
}

// Group returns the descriptors belonging to the named group, in the
// order they were registered (ascending register-address order is the
// caller's responsibility if the source list was already sorted).
func (t *Table) Group(name string) []Descriptor {
	return t.byGroup[name]
}

// All returns every descriptor in the table, unordered.
func (t *Table) All() []Descriptor {
	out := make([]Descriptor, 0, len(t.byMnemonic))
	for _, d := range t.byMnemonic {
		out = append(out, d)
	}
	return out
}

// Default is the process-global table. Host applications populate it once
// at startup (e.g. from a vendor-supplied register table) via LoadDefault.
// Treated as static reference data; the core never mutates it.
var Default = NewTable(nil)

// LoadDefault replaces the process-global table. Intended to be called
// once during process initialization, before any Communicator is created.
func LoadDefault(descs []Descriptor) {
	Default = NewTable(descs)
}
