// Package reassembly recovers SAPI envelope boundaries from a TCP byte
// stream that may split or coalesce envelopes at arbitrary points. A single
// socket Read can return less than one envelope, more than one envelope, or
// a partial envelope followed by the start of the next; the buffer here
// carries whatever could not be consumed across calls to Feed.
package reassembly

import "bytes"

// Tag is the 4-byte marker every SAPI envelope starts with.
var Tag = []byte("SAPI")

// minEnvelope is the smallest legal envelope: tag(4) + length(2).
const minEnvelope = 6

// Buffer accumulates bytes across reads and yields complete envelope
// ciphertexts (the bytes between the length field and the next envelope
// boundary) as soon as they can be recognized. It is not safe for
// concurrent use; one Buffer belongs to one connection.
type Buffer struct {
	carry []byte
}

// New returns an empty reassembly buffer.
func New() *Buffer {
	return &Buffer{}
}

// Verify is called by Feed to confirm a candidate ciphertext slice is a
// genuine envelope body (decrypts and checksums correctly) before it is
// accepted. A candidate that fails Verify is not necessarily garbage: the
// declared length field itself may have been corrupted or coalesced with a
// neighboring envelope, so Feed falls back to re-slicing at the next tag
// occurrence and retries.
type Verify func(ciphertext []byte) bool

// Feed appends data to the buffer's carry and extracts every envelope
// ciphertext it can confirm with verify. A partial envelope, or fewer than
// six trailing bytes, is kept in the buffer and prepended to the next call
// to Feed. Six or more bytes in which no tag occurs are discarded.
func (b *Buffer) Feed(data []byte, verify Verify) [][]byte {
	remaining := append(b.carry, data...)
	b.carry = nil

	var out [][]byte
	for len(remaining) >= minEnvelope {
		if !bytes.HasPrefix(remaining, Tag) {
			idx := bytes.Index(remaining, Tag)
			if idx == -1 {
				remaining = nil
				break
			}
			remaining = remaining[idx:]
			if len(remaining) < minEnvelope {
				break
			}
		}

		declaredLen := int(remaining[4])<<8 | int(remaining[5])
		if declaredLen < 8 {
			// Malformed length; the tag we matched on was noise. Skip past
			// it and keep scanning for the next occurrence.
			remaining = remaining[4:]
			continue
		}

		if len(remaining) < minEnvelope+declaredLen {
			// Not enough bytes yet for the declared length: wait for more.
			break
		}

		candidate := remaining[minEnvelope : minEnvelope+declaredLen]
		if verify(candidate) {
			out = append(out, candidate)
			remaining = remaining[minEnvelope+declaredLen:]
			continue
		}

		// The declared length didn't produce a verifiable envelope — the
		// frame and the next envelope may have been coalesced at a
		// different boundary. Re-slice at the next tag occurrence instead
		// of trusting the length field.
		nextTag := bytes.Index(remaining[4:], Tag)
		var boundary int
		if nextTag == -1 {
			boundary = len(remaining)
		} else {
			boundary = nextTag + 4
		}
		altCandidate := remaining[minEnvelope:min(boundary, len(remaining))]
		if len(altCandidate) > 0 && verify(altCandidate) {
			out = append(out, altCandidate)
		}
		remaining = remaining[boundary:]
	}

	if len(remaining) > 0 {
		b.carry = append([]byte{}, remaining...)
	}
	return out
}

// Pending returns the number of bytes currently held across calls, useful
// for diagnostics and tests.
func (b *Buffer) Pending() int {
	return len(b.carry)
}
